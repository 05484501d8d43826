package connection

import (
	"errors"
	"sync"

	"github.com/vinayprograms/nodelink/message"
)

// Common errors.
var (
	ErrClosed = errors.New("connection closed")
)

// ReceiveFunc is invoked once per inbound message.
type ReceiveFunc func(msg *message.Message)

// Connection is a bidirectional message pipe owned by exactly one node.
type Connection interface {
	// Send transmits msg, buffering it if the channel is not ready yet.
	// It does not wait for the peer. Transmission failures are logged and
	// returned.
	Send(msg *message.Message) error

	// OnReceive registers a listener. Listeners run synchronously, in
	// registration order, for every inbound message.
	OnReceive(fn ReceiveFunc)

	// TriggerReceive delivers msg to every registered listener. Backends
	// and brokers call it; applications normally do not.
	TriggerReceive(msg *message.Message)

	// Release detaches listeners and closes the channel. It is idempotent.
	Release() error
}

// Router is the broker side of a local connection.
type Router interface {
	// Register adds c under nodeID and answers with a register_reply
	// correlated to correlatingID.
	Register(c Connection, nodeID, correlatingID string)

	// Distribute routes msg to every connection registered under msg.To.
	Distribute(msg *message.Message) error

	// Unregister removes c from every node id it was registered under.
	Unregister(c Connection)
}

// Receivers is the listener registry shared by every Connection
// implementation. The zero value is ready to use.
type Receivers struct {
	mu  sync.Mutex
	fns []ReceiveFunc
}

// OnReceive registers fn.
func (r *Receivers) OnReceive(fn ReceiveFunc) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.fns = append(r.fns, fn)
	r.mu.Unlock()
}

// TriggerReceive invokes every listener with msg. The listener list is
// snapshotted first so listeners may register more listeners or release the
// connection without deadlocking.
func (r *Receivers) TriggerReceive(msg *message.Message) {
	r.mu.Lock()
	fns := make([]ReceiveFunc, len(r.fns))
	copy(fns, r.fns)
	r.mu.Unlock()

	for _, fn := range fns {
		fn(msg)
	}
}

// Reset drops every listener.
func (r *Receivers) Reset() {
	r.mu.Lock()
	r.fns = nil
	r.mu.Unlock()
}

// Len returns the number of registered listeners.
func (r *Receivers) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fns)
}
