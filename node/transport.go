package node

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/vinayprograms/nodelink/connection"
	nlerrors "github.com/vinayprograms/nodelink/errors"
	"github.com/vinayprograms/nodelink/logging"
	"github.com/vinayprograms/nodelink/message"
	"github.com/vinayprograms/nodelink/operation"
)

// SignalFunc receives the events of a subscription. this is the pointer (or
// plain value) the event fired on; args are the event arguments.
type SignalFunc func(this any, args []any)

// Node is what callers need from a Transport or a Loopback.
type Node interface {
	NodeID() string
	Request(target string, op operation.Descriptor) *Future
	Listen(target string, op operation.Descriptor, method string, args []any, cb SignalFunc) *Subscription
	Release() error
}

var (
	_ Node = (*Transport)(nil)
	_ Node = (*Loopback)(nil)
)

type pendingRequest struct {
	future *Future
	timer  *clock.Timer
	onAck  func()
}

// Transport is the protocol engine for one node id over one Connection.
// It correlates replies to requests, dispatches signals to subscription
// callbacks and serves inbound requests from its operation registry.
//
// State is guarded by a mutex that is never held while sending or while
// running callbacks and handlers.
type Transport struct {
	nodeID     string
	conn       connection.Connection
	registry   *operation.Registry
	logger     *logging.Logger
	clock      clock.Clock
	timeout    time.Duration
	registered *Future

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	pending  map[string]*pendingRequest
	signals  map[string]SignalFunc
	inbound  map[string]func()
	stale    *lru.Cache[string, struct{}]
	released bool
}

// New creates a Transport for nodeID on conn and registers it. It does not
// wait for the registration to complete; Registered reports when it has.
func New(nodeID string, conn connection.Connection, opts ...Option) (*Transport, error) {
	if nodeID == "" {
		return nil, nlerrors.Validation("node id is mandatory")
	}
	if conn == nil {
		return nil, nlerrors.Validation("connection is mandatory")
	}
	return newTransport(nodeID, conn, newSettings(opts))
}

func newTransport(nodeID string, conn connection.Connection, s settings) (*Transport, error) {
	stale, err := lru.New[string, struct{}](s.staleMemory)
	if err != nil {
		return nil, nlerrors.Wrap(err, "create stale reply memory")
	}

	ctx, cancel := context.WithCancel(operation.WithNodeID(context.Background(), nodeID))
	t := &Transport{
		nodeID:     nodeID,
		conn:       conn,
		registry:   s.registry,
		logger:     s.logger.WithComponent("node").WithNodeID(nodeID),
		clock:      s.clock,
		timeout:    s.timeout,
		registered: newFuture(),
		ctx:        ctx,
		cancel:     cancel,
		pending:    make(map[string]*pendingRequest),
		signals:    make(map[string]SignalFunc),
		inbound:    make(map[string]func()),
		stale:      stale,
	}

	conn.OnReceive(t.receive)
	reg := message.New(message.TypeRegister, "", "", message.Body{NodeID: nodeID})
	t.send(reg, t.registered, nil)
	return t, nil
}

// NodeID returns the node id the transport registered.
func (t *Transport) NodeID() string {
	return t.nodeID
}

// Registered settles when the broker acknowledges the registration.
func (t *Transport) Registered() *Future {
	return t.registered
}

// Request asks target to run op and reply with the result.
func (t *Transport) Request(target string, op operation.Descriptor) *Future {
	f := newFuture()
	if target == "" {
		f.reject(nlerrors.Validation("request: target node id is mandatory"))
		return f
	}
	if err := op.Validate(); err != nil {
		f.reject(err)
		return f
	}

	msg := message.New(message.TypeSelectAndGet, t.nodeID, target, message.Body{
		NodeID:    target,
		Operation: &op,
	})
	t.send(msg, f, nil)
	return f
}

// Listen subscribes cb to the method events of op on target. The returned
// Subscription's future settles on the remote acknowledgement; cb is
// registered only once the acknowledgement succeeds, and always before any
// signal sent after it is processed.
func (t *Transport) Listen(target string, op operation.Descriptor, method string, args []any, cb SignalFunc) *Subscription {
	sub := &Subscription{Future: newFuture(), target: target, t: t}
	if target == "" {
		sub.reject(nlerrors.Validation("listen: target node id is mandatory"))
		return sub
	}
	if cb == nil {
		sub.reject(nlerrors.Validation("listen: callback is mandatory"))
		return sub
	}
	if err := op.Validate(); err != nil {
		sub.reject(err)
		return sub
	}

	msg := message.New(message.TypeSelectAndListen, t.nodeID, target, message.Body{
		NodeID:    target,
		Operation: &op,
		Method:    method,
		Options:   args,
	})
	sub.id = msg.ID

	t.send(msg, sub.Future, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if !t.released && !sub.canceled {
			t.signals[msg.ID] = cb
		}
	})
	return sub
}

// unlisten drops the callback of sub and tells the remote side.
func (t *Transport) unlisten(sub *Subscription) error {
	t.mu.Lock()
	delete(t.signals, sub.id)
	// An acknowledgement still in flight must not register the callback.
	sub.canceled = true
	released := t.released
	t.mu.Unlock()

	if released || sub.id == "" {
		return nil
	}
	msg := message.New(message.TypeUnlisten, t.nodeID, sub.target, message.Body{InReplyTo: sub.id})
	if err := t.conn.Send(msg); err != nil {
		return nlerrors.TransportFailure("send unlisten", nlerrors.WithCause(err), nlerrors.WithMessageID(msg.ID))
	}
	return nil
}

// send records f as pending under msg.ID and transmits msg. The entry is
// recorded first because the reply may arrive before Send returns.
func (t *Transport) send(msg *message.Message, f *Future, onAck func()) {
	t.mu.Lock()
	if t.released {
		t.mu.Unlock()
		f.reject(nlerrors.TransportFailure("transport released",
			nlerrors.WithCause(connection.ErrClosed), nlerrors.WithMessageID(msg.ID)))
		return
	}
	p := &pendingRequest{future: f, onAck: onAck}
	if t.timeout > 0 && msg.Type != message.TypeRegister {
		id := msg.ID
		p.timer = t.clock.AfterFunc(t.timeout, func() { t.expire(id) })
	}
	t.pending[msg.ID] = p
	t.mu.Unlock()

	if err := t.conn.Send(msg); err != nil {
		t.mu.Lock()
		if t.pending[msg.ID] == p {
			delete(t.pending, msg.ID)
		}
		t.mu.Unlock()
		if p.timer != nil {
			p.timer.Stop()
		}
		f.reject(nlerrors.TransportFailure("send "+string(msg.Type),
			nlerrors.WithCause(err), nlerrors.WithMessageID(msg.ID)))
	}
}

// expire rejects a request whose deadline passed and remembers its id.
func (t *Transport) expire(id string) {
	t.mu.Lock()
	p, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
		t.stale.Add(id, struct{}{})
	}
	t.mu.Unlock()

	if !ok {
		return
	}
	t.logger.Warn("request_timeout", map[string]interface{}{
		"message_id": id,
		"timeout":    t.timeout.String(),
	})
	p.future.reject(nlerrors.Timeout("no reply within "+t.timeout.String(), nlerrors.WithMessageID(id)))
}

// reply sends a message that expects no answer, logging failures.
func (t *Transport) reply(msg *message.Message) {
	if err := t.conn.Send(msg); err != nil {
		t.logger.SendFailed(msg.ID, string(msg.Type), err)
	}
}

// Release stops serving inbound subscriptions and releases the connection.
// Outstanding futures are abandoned: they neither resolve nor reject.
func (t *Transport) Release() error {
	t.mu.Lock()
	if t.released {
		t.mu.Unlock()
		return nil
	}
	t.released = true
	pending := t.pending
	inbound := t.inbound
	t.pending = make(map[string]*pendingRequest)
	t.signals = make(map[string]SignalFunc)
	t.inbound = make(map[string]func())
	t.mu.Unlock()

	t.cancel()
	for _, p := range pending {
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	for _, stop := range inbound {
		stop()
	}
	return t.conn.Release()
}
