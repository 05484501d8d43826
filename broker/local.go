package broker

import (
	"errors"
	"sync"

	"go.uber.org/multierr"

	"github.com/vinayprograms/nodelink/connection"
	nlerrors "github.com/vinayprograms/nodelink/errors"
	"github.com/vinayprograms/nodelink/logging"
	"github.com/vinayprograms/nodelink/message"
)

// ErrReleased is returned by Distribute after Release.
var ErrReleased = errors.New("broker released")

// Local routes messages between connections in the same process. Several
// connections may register under one node id; each receives its own copy of
// every message addressed to that id.
type Local struct {
	logger *logging.Logger

	mu          sync.Mutex
	conns       map[string][]connection.Connection
	registerLog []string
	released    bool
}

// NewLocal creates an empty broker.
func NewLocal(logger *logging.Logger) *Local {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Local{
		logger: logger.WithComponent("broker"),
		conns:  make(map[string][]connection.Connection),
	}
}

// Register adds c under nodeID and distributes a register_reply to nodeID.
// Registration always succeeds.
func (b *Local) Register(c connection.Connection, nodeID, correlatingID string) {
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		b.logger.Discarded("broker released", correlatingID, string(message.TypeRegister))
		return
	}
	b.conns[nodeID] = append(b.conns[nodeID], c)
	b.registerLog = append(b.registerLog, nodeID)
	b.mu.Unlock()

	b.logger.Debug("registered", map[string]interface{}{"node_id": nodeID})

	reply := message.New(message.TypeRegisterReply, "", nodeID, message.Body{InReplyTo: correlatingID})
	if err := b.Distribute(reply); err != nil {
		b.logger.SendFailed(reply.ID, string(reply.Type), err)
	}
}

// Distribute delivers a copy of msg to every connection registered under
// msg.To, in registration order, before returning. When nobody is
// registered, requests are answered with a routing error reply and
// everything else is dropped.
func (b *Local) Distribute(msg *message.Message) error {
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return ErrReleased
	}
	targets := make([]connection.Connection, len(b.conns[msg.To]))
	copy(targets, b.conns[msg.To])
	b.mu.Unlock()

	b.logger.Debug("distribute", map[string]interface{}{
		"message_id":   msg.ID,
		"message_type": string(msg.Type),
		"from":         msg.From,
		"to":           msg.To,
		"targets":      len(targets),
	})

	if len(targets) == 0 {
		return b.replyUnroutable(msg)
	}

	for _, c := range targets {
		dup, err := message.Clone(msg)
		if err != nil {
			return nlerrors.Wrap(err, "copy message for delivery",
				nlerrors.WithMessageID(msg.ID))
		}
		c.TriggerReceive(dup)
	}
	return nil
}

func (b *Local) replyUnroutable(msg *message.Message) error {
	replyType, ok := message.ReplyTypeFor(msg.Type)
	if !ok {
		b.logger.Discarded("target node does not exist", msg.ID, string(msg.Type))
		return nil
	}
	reply := message.NewReply(replyType, "", msg, message.Body{
		Error: nlerrors.ErrCodeRouting.Description(),
	})
	return b.Distribute(reply)
}

// Unregister removes c from every node id. Ids left without connections
// are forgotten.
func (b *Local) Unregister(c connection.Connection) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for nodeID, list := range b.conns {
		kept := list[:0]
		for _, existing := range list {
			if existing != c {
				kept = append(kept, existing)
			}
		}
		if len(kept) == 0 {
			delete(b.conns, nodeID)
			b.logger.Debug("unregistered", map[string]interface{}{"node_id": nodeID})
			continue
		}
		b.conns[nodeID] = kept
	}
}

// RegisterLog returns the node ids of every registration so far, in order.
func (b *Local) RegisterLog() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, len(b.registerLog))
	copy(out, b.registerLog)
	return out
}

// Connections returns how many connections are registered under nodeID.
func (b *Local) Connections(nodeID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns[nodeID])
}

// Release releases every registered connection and empties the registry.
func (b *Local) Release() error {
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return nil
	}
	b.released = true

	seen := make(map[connection.Connection]bool)
	var all []connection.Connection
	for _, nodeID := range b.registerLog {
		for _, c := range b.conns[nodeID] {
			if !seen[c] {
				seen[c] = true
				all = append(all, c)
			}
		}
	}
	b.conns = make(map[string][]connection.Connection)
	b.registerLog = nil
	b.mu.Unlock()

	var err error
	for _, c := range all {
		err = multierr.Append(err, c.Release())
	}
	return err
}
