package broker

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/nodelink/connection"
	"github.com/vinayprograms/nodelink/message"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(NewLocal(nil), connection.DefaultWebSocketConfig(), nil)
	server := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		server.Close()
		hub.Broker().Release()
	})
	return hub, "ws" + strings.TrimPrefix(server.URL, "http")
}

func dialNode(t *testing.T, url, nodeID string) (*connection.WebSocket, chan *message.Message) {
	t.Helper()
	ws := connection.DialWebSocket(url, connection.DefaultWebSocketConfig(), nil)
	t.Cleanup(func() { ws.Release() })

	inbox := make(chan *message.Message, 16)
	ws.OnReceive(func(m *message.Message) { inbox <- m })

	reg := message.New(message.TypeRegister, "", "", message.Body{NodeID: nodeID})
	require.NoError(t, ws.Send(reg))

	reply := next(t, inbox)
	require.Equal(t, message.TypeRegisterReply, reply.Type)
	require.Equal(t, reg.ID, reply.Body.InReplyTo)
	return ws, inbox
}

func next(t *testing.T, inbox chan *message.Message) *message.Message {
	t.Helper()
	select {
	case m := <-inbox:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
		return nil
	}
}

func TestHub_RoutesBetweenSockets(t *testing.T) {
	hub, url := startHub(t)

	alice, _ := dialNode(t, url, "alice")
	_, bobInbox := dialNode(t, url, "bob")
	assert.Equal(t, 2, hub.Sockets())

	req := message.New(message.TypeSelectAndGet, "alice", "bob", message.Body{Method: "m"})
	require.NoError(t, alice.Send(req))

	got := next(t, bobInbox)
	assert.Equal(t, req.ID, got.ID)
	assert.Equal(t, "alice", got.From)
}

func TestHub_MissingTarget(t *testing.T) {
	_, url := startHub(t)

	alice, inbox := dialNode(t, url, "alice")

	req := message.New(message.TypeSelectAndGet, "alice", "nobody", message.Body{})
	require.NoError(t, alice.Send(req))

	reply := next(t, inbox)
	assert.Equal(t, message.TypeSelectAndGetReply, reply.Type)
	assert.Equal(t, req.ID, reply.Body.InReplyTo)
	assert.Equal(t, "target node does not exist.", reply.Body.Error)
}

func TestHub_SocketCloseUnregisters(t *testing.T) {
	hub, url := startHub(t)

	bob, _ := dialNode(t, url, "bob")
	require.Equal(t, 1, hub.Broker().Connections("bob"))

	require.NoError(t, bob.Release())

	assert.Eventually(t, func() bool {
		return hub.Broker().Connections("bob") == 0 && hub.Sockets() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHub_BridgesInProcessNodes(t *testing.T) {
	hub, url := startHub(t)

	local := connection.NewLocal(hub.Broker(), nil)
	defer local.Release()
	localInbox := make(chan *message.Message, 4)
	local.OnReceive(func(m *message.Message) { localInbox <- m })
	require.NoError(t, local.Send(message.New(message.TypeRegister, "", "", message.Body{NodeID: "carol"})))
	next(t, localInbox)

	alice, _ := dialNode(t, url, "alice")
	sig := message.New(message.TypeSignal, "alice", "carol", message.Body{CallbackArgs: []any{"hi"}})
	require.NoError(t, alice.Send(sig))

	got := next(t, localInbox)
	assert.Equal(t, sig.ID, got.ID)
	assert.Equal(t, []any{"hi"}, got.Body.CallbackArgs)
}
