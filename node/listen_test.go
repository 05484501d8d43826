package node

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/nodelink/broker"
	"github.com/vinayprograms/nodelink/connection"
	nlerrors "github.com/vinayprograms/nodelink/errors"
	"github.com/vinayprograms/nodelink/message"
	"github.com/vinayprograms/nodelink/operation"
)

// clickSource lets a test fire events on subscriptions set up by a node.
type clickSource struct {
	mu       sync.Mutex
	emitters []operation.Emitter
	stopped  int
}

func (c *clickSource) registry() *operation.Registry {
	r := operation.NewRegistry()
	r.HandleListen("click", 0, func(_ context.Context, _ operation.Descriptor, _ string, _ []any, emit operation.Emitter) (func(), error) {
		c.mu.Lock()
		c.emitters = append(c.emitters, emit)
		c.mu.Unlock()
		return func() {
			c.mu.Lock()
			c.stopped++
			c.mu.Unlock()
		}, nil
	})
	r.HandleListen("eager", 0, func(_ context.Context, _ operation.Descriptor, _ string, _ []any, emit operation.Emitter) (func(), error) {
		emit(button{n: 9}, "early")
		return nil, nil
	})
	r.HandleListen("broken", 0, func(context.Context, operation.Descriptor, string, []any, operation.Emitter) (func(), error) {
		return nil, errors.New("no such element")
	})
	return r
}

func (c *clickSource) fire(this any, args ...any) {
	c.mu.Lock()
	emitters := append([]operation.Emitter(nil), c.emitters...)
	c.mu.Unlock()
	for _, emit := range emitters {
		emit(this, args...)
	}
}

func (c *clickSource) stops() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

type signalLog struct {
	mu    sync.Mutex
	this  []any
	args  [][]any
	acked []bool
}

func (s *signalLog) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.args)
}

func TestListen_SignalsAfterAck(t *testing.T) {
	b := broker.NewLocal(nil)
	defer b.Release()

	src := &clickSource{}
	alice := newNode(t, b, "alice")
	newNode(t, b, "bob", WithRegistry(src.registry()))

	log := &signalLog{}
	var sub *Subscription
	sub = alice.Listen("bob", operation.Op("click").On("xpath", "//button"), "click", []any{"x"}, func(this any, args []any) {
		log.mu.Lock()
		defer log.mu.Unlock()
		log.this = append(log.this, this)
		log.args = append(log.args, args)
		log.acked = append(log.acked, sub.Settled())
	})

	v, err := sub.Wait(ctxTimeout(t))
	require.NoError(t, err)
	assert.Equal(t, "OK", v)
	assert.NotEmpty(t, sub.ID())

	src.fire(button{n: 1}, "first", button{n: 2})
	src.fire(button{n: 1}, "second")

	require.Equal(t, 2, log.count())
	assert.Equal(t, []bool{true, true}, log.acked)

	this, ok := message.AsPointer(log.this[0])
	require.True(t, ok)
	assert.Equal(t, "bob", this.RemoteNodeID)
	assert.Equal(t, "/html/body/button[1]", this.RemoteLocator)

	assert.Equal(t, "first", log.args[0][0])
	arg, ok := message.AsPointer(log.args[0][1])
	require.True(t, ok)
	assert.Equal(t, "/html/body/button[2]", arg.RemoteLocator)
	assert.Equal(t, []any{"second"}, log.args[1])
}

func TestListen_EventDuringSetup(t *testing.T) {
	b := broker.NewLocal(nil)
	defer b.Release()

	src := &clickSource{}
	alice := newNode(t, b, "alice")
	newNode(t, b, "bob", WithRegistry(src.registry()))

	log := &signalLog{}
	sub := alice.Listen("bob", operation.Op("eager"), "", nil, func(this any, args []any) {
		log.mu.Lock()
		log.args = append(log.args, args)
		log.mu.Unlock()
	})

	v, err := sub.Wait(ctxTimeout(t))
	require.NoError(t, err)
	assert.Equal(t, "OK", v)

	// The acknowledgement went out with the first event, so that event's
	// signal found the callback.
	require.Equal(t, 1, log.count())
	assert.Equal(t, []any{"early"}, log.args[0])
}

func TestListen_SetupError(t *testing.T) {
	b := broker.NewLocal(nil)
	defer b.Release()

	src := &clickSource{}
	alice := newNode(t, b, "alice")
	newNode(t, b, "bob", WithRegistry(src.registry()))

	called := false
	sub := alice.Listen("bob", operation.Op("broken"), "click", nil, func(any, []any) { called = true })

	_, err := sub.Wait(ctxTimeout(t))
	require.Error(t, err)
	assert.Equal(t, "select_and_listen_reply error: no such element", err.Error())
	assert.True(t, nlerrors.Is(err, nlerrors.ErrCodeRemoteExecution))
	assert.False(t, called)
}

func TestListen_MissingTarget(t *testing.T) {
	b := broker.NewLocal(nil)
	defer b.Release()
	alice := newNode(t, b, "alice")

	sub := alice.Listen("bob", operation.Op("click"), "click", nil, func(any, []any) {})
	_, err := sub.Wait(ctxTimeout(t))
	require.Error(t, err)
	assert.True(t, nlerrors.Is(err, nlerrors.ErrCodeRouting))
}

func TestListen_Cancel(t *testing.T) {
	b := broker.NewLocal(nil)
	defer b.Release()

	src := &clickSource{}
	alice := newNode(t, b, "alice")
	newNode(t, b, "bob", WithRegistry(src.registry()))

	log := &signalLog{}
	sub := alice.Listen("bob", operation.Op("click"), "click", nil, func(this any, args []any) {
		log.mu.Lock()
		log.args = append(log.args, args)
		log.mu.Unlock()
	})
	_, err := sub.Wait(ctxTimeout(t))
	require.NoError(t, err)

	src.fire(nil, 1)
	require.Equal(t, 1, log.count())

	require.NoError(t, sub.Cancel())
	require.NoError(t, sub.Cancel())
	assert.Equal(t, 1, src.stops())

	src.fire(nil, 2)
	assert.Equal(t, 1, log.count())
}

func TestListen_UnlistenFromOtherNodeIgnored(t *testing.T) {
	b := broker.NewLocal(nil)
	defer b.Release()

	src := &clickSource{}
	alice := newNode(t, b, "alice")
	mallory := newNode(t, b, "mallory")
	newNode(t, b, "bob", WithRegistry(src.registry()))

	sub := alice.Listen("bob", operation.Op("click"), "click", nil, func(any, []any) {})
	_, err := sub.Wait(ctxTimeout(t))
	require.NoError(t, err)

	forged := &Subscription{Future: newFuture(), id: sub.ID(), target: "bob", t: mallory}
	require.NoError(t, forged.Cancel())
	assert.Equal(t, 0, src.stops())
}

func TestListen_SignalWithErrorDropped(t *testing.T) {
	conn := &fakeConn{}
	tr, err := New("alice", conn)
	require.NoError(t, err)

	called := 0
	sub := tr.Listen("bob", operation.Op("click"), "click", nil, func(any, []any) { called++ })
	req := conn.lastOfType(message.TypeSelectAndListen)
	require.NotNil(t, req)

	// Signals before the acknowledgement have no callback yet.
	conn.TriggerReceive(message.New(message.TypeSignal, "bob", "alice", message.Body{InReplyTo: req.ID}))
	assert.Equal(t, 0, called)

	conn.TriggerReceive(message.NewReply(message.TypeSelectAndListenReply, "bob", req, message.Body{Result: "OK"}))
	require.True(t, sub.Settled())

	conn.TriggerReceive(message.New(message.TypeSignal, "bob", "alice", message.Body{InReplyTo: req.ID, Error: "boom"}))
	assert.Equal(t, 0, called)

	conn.TriggerReceive(message.New(message.TypeSignal, "bob", "alice", message.Body{InReplyTo: req.ID}))
	assert.Equal(t, 1, called)
}

func TestListen_CancelBeforeAck(t *testing.T) {
	conn := &fakeConn{}
	tr, err := New("alice", conn)
	require.NoError(t, err)

	called := 0
	sub := tr.Listen("bob", operation.Op("click"), "click", nil, func(any, []any) { called++ })
	req := conn.lastOfType(message.TypeSelectAndListen)

	require.NoError(t, sub.Cancel())
	unlisten := conn.lastOfType(message.TypeUnlisten)
	require.NotNil(t, unlisten)
	assert.Equal(t, req.ID, unlisten.Body.InReplyTo)
	assert.Equal(t, "bob", unlisten.To)

	conn.TriggerReceive(message.NewReply(message.TypeSelectAndListenReply, "bob", req, message.Body{Result: "OK"}))
	conn.TriggerReceive(message.New(message.TypeSignal, "bob", "alice", message.Body{InReplyTo: req.ID}))
	assert.Equal(t, 0, called)
}

func TestListen_CallbackPanicContained(t *testing.T) {
	b := broker.NewLocal(nil)
	defer b.Release()

	src := &clickSource{}
	alice := newNode(t, b, "alice")
	newNode(t, b, "bob", WithRegistry(src.registry()))

	sub := alice.Listen("bob", operation.Op("click"), "click", nil, func(any, []any) { panic("callback bug") })
	_, err := sub.Wait(ctxTimeout(t))
	require.NoError(t, err)

	assert.NotPanics(t, func() { src.fire(nil) })
}

func TestRelease_StopsInboundSubscriptions(t *testing.T) {
	b := broker.NewLocal(nil)
	defer b.Release()

	src := &clickSource{}
	alice := newNode(t, b, "alice")
	bob, err := New("bob", connection.NewLocal(b, nil), WithRegistry(src.registry()))
	require.NoError(t, err)

	sub := alice.Listen("bob", operation.Op("click"), "click", nil, func(any, []any) {})
	_, err = sub.Wait(ctxTimeout(t))
	require.NoError(t, err)

	require.NoError(t, bob.Release())
	assert.Equal(t, 1, src.stops())
}

func TestLoopback(t *testing.T) {
	mock := clock.NewMock()
	lb, err := NewLoopback(WithClock(mock))
	require.NoError(t, err)
	defer lb.Release()

	assert.Equal(t, "self", lb.NodeID())

	v, err := lb.Request("ignored", operation.Op("node_id")).Wait(ctxTimeout(t))
	require.NoError(t, err)
	assert.Equal(t, "self", v)

	var mu sync.Mutex
	var ticks [][]any
	var this []any
	sub := lb.Listen("elsewhere", operation.Op("ticker", "1s"), "tick", nil, func(th any, args []any) {
		mu.Lock()
		defer mu.Unlock()
		this = append(this, th)
		ticks = append(ticks, args)
	})
	_, err = sub.Wait(ctxTimeout(t))
	require.NoError(t, err)

	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(ticks)
	}
	mock.Add(time.Second)
	require.Eventually(t, func() bool { return count() == 1 }, time.Second, time.Millisecond)
	mock.Add(time.Second)
	require.Eventually(t, func() bool { return count() == 2 }, time.Second, time.Millisecond)

	mu.Lock()
	assert.Equal(t, []any{"tick", float64(1)}, ticks[0])
	assert.Equal(t, []any{"tick", float64(2)}, ticks[1])
	p, ok := message.AsPointer(this[0])
	mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, "self", p.RemoteNodeID)
	assert.Equal(t, "/ticker/1s", p.RemoteLocator)

	require.NoError(t, sub.Cancel())
}
