package node

import (
	"go.uber.org/multierr"

	"github.com/vinayprograms/nodelink/broker"
	"github.com/vinayprograms/nodelink/connection"
	"github.com/vinayprograms/nodelink/operation"
)

// LoopbackNodeID is the node id of every Loopback.
const LoopbackNodeID = "self"

// Loopback is a Transport that talks only to itself through a private
// broker. Targets passed to Request and Listen are ignored.
type Loopback struct {
	*Transport
	broker *broker.Local
}

// NewLoopback creates a self-addressed transport.
func NewLoopback(opts ...Option) (*Loopback, error) {
	s := newSettings(opts)
	b := broker.NewLocal(s.logger)
	t, err := newTransport(LoopbackNodeID, connection.NewLocal(b, s.logger), s)
	if err != nil {
		b.Release()
		return nil, err
	}
	return &Loopback{Transport: t, broker: b}, nil
}

// Request runs op on this node.
func (l *Loopback) Request(_ string, op operation.Descriptor) *Future {
	return l.Transport.Request(LoopbackNodeID, op)
}

// Listen subscribes cb to events of op on this node.
func (l *Loopback) Listen(_ string, op operation.Descriptor, method string, args []any, cb SignalFunc) *Subscription {
	return l.Transport.Listen(LoopbackNodeID, op, method, args, cb)
}

// Release releases the transport and its private broker.
func (l *Loopback) Release() error {
	return multierr.Combine(l.Transport.Release(), l.broker.Release())
}
