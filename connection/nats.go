package connection

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/multierr"

	nlerrors "github.com/vinayprograms/nodelink/errors"
	"github.com/vinayprograms/nodelink/logging"
	"github.com/vinayprograms/nodelink/message"
)

// NATSConfig holds NATS connection configuration.
type NATSConfig struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// Name is the client name for identification.
	Name string

	// Token for token-based auth.
	Token string

	// User and Password for basic auth.
	User     string
	Password string

	// ReconnectWait is the time to wait between reconnection attempts.
	ReconnectWait time.Duration

	// MaxReconnects is the maximum number of reconnection attempts.
	// -1 = unlimited
	MaxReconnects int

	// ConnectTimeout for initial connection.
	ConnectTimeout time.Duration

	// SubjectPrefix namespaces node subjects: node "bob" listens on
	// "<prefix>.bob".
	SubjectPrefix string

	// RouteTimeout bounds how long a request waits for the destination to
	// acknowledge receipt before it is assumed delivered.
	RouteTimeout time.Duration

	// SendBufferSize is the capacity of the outbound queue.
	SendBufferSize int
}

// DefaultNATSConfig returns configuration with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            nats.DefaultURL,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1, // Unlimited
		ConnectTimeout: 5 * time.Second,
		SubjectPrefix:  "nodelink",
		RouteTimeout:   2 * time.Second,
		SendBufferSize: 256,
	}
}

// NATS is a Connection that maps node ids to NATS subjects. Requests are
// sent with a NATS request so a missing destination (no responders) is
// answered locally with the same routing error reply a broker would send.
type NATS struct {
	Receivers

	conn     *nats.Conn
	ownsConn bool
	config   NATSConfig
	logger   *logging.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription

	send      chan *message.Message
	done      chan struct{}
	closeOnce sync.Once
}

// NewNATS connects to the server in cfg.URL.
func NewNATS(cfg NATSConfig, logger *logging.Logger) (*NATS, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}

	conn, err := nats.Connect(cfg.URL, buildNATSOptions(cfg)...)
	if err != nil {
		return nil, nlerrors.TransportFailure("nats connect", nlerrors.WithCause(err))
	}

	n := NewNATSFromConn(conn, cfg, logger)
	n.ownsConn = true
	return n, nil
}

// NewNATSFromConn creates a connection on top of an existing NATS
// connection. The NATS connection is not closed on Release.
func NewNATSFromConn(conn *nats.Conn, cfg NATSConfig, logger *logging.Logger) *NATS {
	defaults := DefaultNATSConfig()
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = defaults.SubjectPrefix
	}
	if cfg.RouteTimeout <= 0 {
		cfg.RouteTimeout = defaults.RouteTimeout
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = defaults.SendBufferSize
	}
	if logger == nil {
		logger = logging.Nop()
	}

	n := &NATS{
		conn:   conn,
		config: cfg,
		logger: logger.WithComponent("connection.nats"),
		subs:   make(map[string]*nats.Subscription),
		send:   make(chan *message.Message, cfg.SendBufferSize),
		done:   make(chan struct{}),
	}
	go n.writeLoop()
	return n
}

// buildNATSOptions constructs NATS connection options from config.
func buildNATSOptions(cfg NATSConfig) []nats.Option {
	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}

	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	return opts
}

// Subject returns the subject node nodeID listens on.
func (n *NATS) Subject(nodeID string) string {
	return n.config.SubjectPrefix + "." + nodeID
}

// validNodeSubject rejects ids that would change the meaning of a subject.
func validNodeSubject(nodeID string) error {
	if nodeID == "" {
		return nlerrors.Validation("node id is empty")
	}
	if strings.ContainsAny(nodeID, ".*> \t\r\n") {
		return nlerrors.Validation(fmt.Sprintf("node id %q cannot be used as a NATS subject token", nodeID))
	}
	return nil
}

// Send queues msg. The queue is drained by a single goroutine so messages
// leave in the order they were sent.
func (n *NATS) Send(msg *message.Message) error {
	select {
	case <-n.done:
		return ErrClosed
	default:
	}

	select {
	case n.send <- msg:
		return nil
	case <-n.done:
		return ErrClosed
	}
}

func (n *NATS) writeLoop() {
	for {
		select {
		case <-n.done:
			return
		case msg := <-n.send:
			n.deliver(msg)
		}
	}
}

func (n *NATS) deliver(msg *message.Message) {
	if msg.Type == message.TypeRegister {
		n.register(msg)
		return
	}

	if err := validNodeSubject(msg.To); err != nil {
		n.logger.SendFailed(msg.ID, string(msg.Type), err)
		n.answerUnroutable(msg)
		return
	}

	data, err := msg.Marshal()
	if err != nil {
		n.logger.SendFailed(msg.ID, string(msg.Type), err)
		return
	}

	subject := n.Subject(msg.To)
	if _, expectsReply := message.ReplyTypeFor(msg.Type); !expectsReply {
		if err := n.conn.Publish(subject, data); err != nil {
			n.logger.SendFailed(msg.ID, string(msg.Type), err)
		}
		return
	}

	_, err = n.conn.Request(subject, data, n.config.RouteTimeout)
	switch {
	case err == nil:
	case errors.Is(err, nats.ErrNoResponders):
		n.answerUnroutable(msg)
	case errors.Is(err, nats.ErrTimeout):
		// Delivery could not be confirmed; the reply may still arrive.
		n.logger.Warn("route_unconfirmed", map[string]interface{}{
			"message_id": msg.ID,
			"to":         msg.To,
		})
	default:
		n.logger.SendFailed(msg.ID, string(msg.Type), err)
	}
}

// register subscribes to the node's subject and answers locally, since
// there is no broker process to do it.
func (n *NATS) register(msg *message.Message) {
	nodeID := msg.Body.NodeID
	body := message.Body{InReplyTo: msg.ID}

	if err := validNodeSubject(nodeID); err != nil {
		body.Error = err.Error()
	} else if err := n.subscribe(nodeID); err != nil {
		body.Error = err.Error()
	}
	if body.Error != "" {
		n.logger.Warn("register_failed", map[string]interface{}{
			"node_id": nodeID,
			"error":   body.Error,
		})
	}

	n.TriggerReceive(message.New(message.TypeRegisterReply, "", nodeID, body))
}

func (n *NATS) subscribe(nodeID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.subs[nodeID]; ok {
		return nil
	}
	sub, err := n.conn.Subscribe(n.Subject(nodeID), n.handle)
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	// The node counts as registered only once the server knows the subject.
	if err := n.conn.FlushTimeout(n.config.RouteTimeout); err != nil {
		sub.Unsubscribe()
		return fmt.Errorf("nats flush: %w", err)
	}
	n.subs[nodeID] = sub
	n.logger.Debug("registered", map[string]interface{}{
		"node_id": nodeID,
		"subject": sub.Subject,
	})
	return nil
}

// handle acknowledges routed requests and delivers the message.
func (n *NATS) handle(m *nats.Msg) {
	if m.Reply != "" {
		if err := m.Respond(nil); err != nil {
			n.logger.Debug("ack_failed", map[string]interface{}{"error": err})
		}
	}

	msg, err := message.Unmarshal(m.Data)
	if err != nil {
		n.logger.Warn("decode_failed", map[string]interface{}{
			"subject": m.Subject,
			"error":   err,
		})
		return
	}
	n.TriggerReceive(msg)
}

// answerUnroutable delivers the routing error reply for requests whose
// destination is not listening. Other message types are dropped.
func (n *NATS) answerUnroutable(msg *message.Message) {
	replyType, ok := message.ReplyTypeFor(msg.Type)
	if !ok {
		n.logger.Discarded("no route", msg.ID, string(msg.Type))
		return
	}
	reply := message.NewReply(replyType, "", msg, message.Body{
		Error: nlerrors.ErrCodeRouting.Description(),
	})
	n.TriggerReceive(reply)
}

// Conn returns the underlying NATS connection for advanced use.
func (n *NATS) Conn() *nats.Conn {
	return n.conn
}

// Release unsubscribes every registered node and stops the writer. Queued
// messages that were not sent yet are dropped.
func (n *NATS) Release() error {
	var err error
	n.closeOnce.Do(func() {
		close(n.done)

		n.mu.Lock()
		subs := n.subs
		n.subs = make(map[string]*nats.Subscription)
		n.mu.Unlock()

		for _, sub := range subs {
			if uerr := sub.Unsubscribe(); !errors.Is(uerr, nats.ErrConnectionClosed) {
				err = multierr.Append(err, uerr)
			}
		}
		if n.ownsConn {
			n.conn.Close()
		}
		n.Receivers.Reset()
	})
	return err
}
