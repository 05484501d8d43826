package connection

import (
	"errors"
	"sync"
	"testing"

	"github.com/vinayprograms/nodelink/message"
)

// fakeRouter records what a Local connection asks of its router.
type fakeRouter struct {
	mu           sync.Mutex
	registered   map[string]Connection
	distributed  []*message.Message
	unregistered []Connection
	distErr      error
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{registered: make(map[string]Connection)}
}

func (r *fakeRouter) Register(c Connection, nodeID, correlatingID string) {
	r.mu.Lock()
	r.registered[nodeID] = c
	r.mu.Unlock()
	c.TriggerReceive(message.New(message.TypeRegisterReply, "", nodeID, message.Body{InReplyTo: correlatingID}))
}

func (r *fakeRouter) Distribute(msg *message.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.distributed = append(r.distributed, msg)
	return r.distErr
}

func (r *fakeRouter) Unregister(c Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregistered = append(r.unregistered, c)
}

// --- Unit Tests ---

func TestReceivers_Order(t *testing.T) {
	var r Receivers
	var got []int
	r.OnReceive(func(*message.Message) { got = append(got, 1) })
	r.OnReceive(func(*message.Message) { got = append(got, 2) })
	r.OnReceive(nil)

	r.TriggerReceive(message.New(message.TypeSignal, "", "", message.Body{}))

	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("listener order = %v, want [1 2]", got)
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
}

func TestReceivers_ResetFromListener(t *testing.T) {
	var r Receivers
	calls := 0
	r.OnReceive(func(*message.Message) {
		calls++
		r.Reset()
	})

	msg := message.New(message.TypeSignal, "", "", message.Body{})
	r.TriggerReceive(msg)
	r.TriggerReceive(msg)

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestLocal_RegisterGoesToRouter(t *testing.T) {
	router := newFakeRouter()
	conn := NewLocal(router, nil)

	var replies []*message.Message
	conn.OnReceive(func(m *message.Message) { replies = append(replies, m) })

	reg := message.New(message.TypeRegister, "", "", message.Body{NodeID: "alice"})
	if err := conn.Send(reg); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	if router.registered["alice"] != conn {
		t.Error("connection should be registered under alice")
	}
	if len(replies) != 1 || replies[0].Body.InReplyTo != reg.ID {
		t.Errorf("expected register_reply to %s, got %v", reg.ID, replies)
	}
	if len(router.distributed) != 0 {
		t.Errorf("register should not be distributed, got %d", len(router.distributed))
	}
}

func TestLocal_RegisterRequiresNodeID(t *testing.T) {
	conn := NewLocal(newFakeRouter(), nil)
	err := conn.Send(message.New(message.TypeRegister, "", "", message.Body{}))
	if err == nil {
		t.Error("expected error for register without node_id")
	}
}

func TestLocal_DistributeError(t *testing.T) {
	router := newFakeRouter()
	router.distErr = errors.New("boom")
	conn := NewLocal(router, nil)

	err := conn.Send(message.New(message.TypeSignal, "alice", "bob", message.Body{}))
	if err == nil {
		t.Fatal("expected router error to be returned")
	}
	if len(router.distributed) != 1 {
		t.Errorf("distributed = %d, want 1", len(router.distributed))
	}
}

func TestLocal_Log(t *testing.T) {
	conn := NewLocal(newFakeRouter(), nil)

	out := message.New(message.TypeSelectAndGet, "alice", "bob", message.Body{Options: []any{"x"}})
	if err := conn.Send(out); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	in := message.New(message.TypeSignal, "bob", "alice", message.Body{})
	conn.TriggerReceive(in)

	// Mutating the original must not change what was logged.
	out.Body.Options[0] = "changed"

	log := conn.Log()
	if len(log) != 2 {
		t.Fatalf("log length = %d, want 2", len(log))
	}
	if log[0].Direction != DirectionSend || log[0].Message.ID != out.ID {
		t.Errorf("log[0] = %+v, want send of %s", log[0], out.ID)
	}
	if log[0].Message.Body.Options[0] != "x" {
		t.Errorf("logged option = %v, want x", log[0].Message.Body.Options[0])
	}
	if log[1].Direction != DirectionReceive || log[1].Message.ID != in.ID {
		t.Errorf("log[1] = %+v, want receive of %s", log[1], in.ID)
	}

	conn.ClearLog()
	if len(conn.Log()) != 0 {
		t.Error("ClearLog should empty the log")
	}
}

func TestLocal_Release(t *testing.T) {
	router := newFakeRouter()
	conn := NewLocal(router, nil)
	conn.OnReceive(func(*message.Message) {})

	if err := conn.Release(); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	if err := conn.Release(); err != nil {
		t.Fatalf("second Release error: %v", err)
	}

	if len(router.unregistered) != 1 {
		t.Errorf("unregister calls = %d, want 1", len(router.unregistered))
	}
	if conn.Len() != 0 {
		t.Error("listeners should be dropped")
	}
	if err := conn.Send(message.New(message.TypeSignal, "", "bob", message.Body{})); err != ErrClosed {
		t.Errorf("Send after release = %v, want ErrClosed", err)
	}
}
