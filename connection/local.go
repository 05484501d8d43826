package connection

import (
	"sync"

	nlerrors "github.com/vinayprograms/nodelink/errors"
	"github.com/vinayprograms/nodelink/logging"
	"github.com/vinayprograms/nodelink/message"
)

// Direction tells whether a log entry was sent or received.
type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

// LogEntry is one record of Local's traffic log.
type LogEntry struct {
	Direction Direction
	Message   *message.Message
}

// Local is a Connection to an in-process Router.
type Local struct {
	Receivers

	logger *logging.Logger

	mu       sync.Mutex
	router   Router
	log      []LogEntry
	released bool
}

// NewLocal creates a connection bound to router. The router is not owned:
// releasing the connection leaves the router running.
func NewLocal(router Router, logger *logging.Logger) *Local {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Local{
		router: router,
		logger: logger.WithComponent("connection.local"),
	}
}

// Send hands msg to the router. register messages register this connection;
// everything else is distributed.
func (l *Local) Send(msg *message.Message) error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return ErrClosed
	}
	router := l.router
	l.mu.Unlock()

	l.record(DirectionSend, msg)

	if msg.Type == message.TypeRegister {
		if msg.Body.NodeID == "" {
			err := nlerrors.Validation("register: node_id is mandatory", nlerrors.WithMessageID(msg.ID))
			l.logger.SendFailed(msg.ID, string(msg.Type), err)
			return err
		}
		router.Register(l, msg.Body.NodeID, msg.ID)
		return nil
	}

	if err := router.Distribute(msg); err != nil {
		l.logger.SendFailed(msg.ID, string(msg.Type), err)
		return err
	}
	return nil
}

// TriggerReceive records msg and delivers it to the listeners.
func (l *Local) TriggerReceive(msg *message.Message) {
	l.record(DirectionReceive, msg)
	l.Receivers.TriggerReceive(msg)
}

// record appends an independent copy of msg so later mutation by the caller
// cannot corrupt the log.
func (l *Local) record(dir Direction, msg *message.Message) {
	dup, err := message.Clone(msg)
	if err != nil {
		l.logger.Warn("log_copy_failed", map[string]interface{}{
			"message_id": msg.ID,
			"error":      err,
		})
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return
	}
	l.log = append(l.log, LogEntry{Direction: dir, Message: dup})
}

// Log returns the traffic recorded so far, oldest first.
func (l *Local) Log() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]LogEntry, len(l.log))
	copy(out, l.log)
	return out
}

// ClearLog empties the traffic log.
func (l *Local) ClearLog() {
	l.mu.Lock()
	l.log = nil
	l.mu.Unlock()
}

// Release unregisters from the router and drops listeners and the log.
func (l *Local) Release() error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return nil
	}
	l.released = true
	router := l.router
	l.router = nil
	l.log = nil
	l.mu.Unlock()

	if router != nil {
		router.Unregister(l)
	}
	l.Receivers.Reset()
	return nil
}
