package broker

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/multierr"

	"github.com/vinayprograms/nodelink/connection"
	"github.com/vinayprograms/nodelink/logging"
	"github.com/vinayprograms/nodelink/message"
)

// Hub exposes a Local broker over WebSocket. Every accepted socket is
// bridged to its own connection.Local on the shared broker, so remote nodes
// and in-process nodes route to each other the same way.
type Hub struct {
	broker   *Local
	upgrader *websocket.Upgrader
	config   connection.WebSocketConfig
	logger   *logging.Logger

	mu      sync.Mutex
	sockets map[*connection.WebSocket]*connection.Local
	closed  bool
}

// NewHub creates a hub routing through b.
func NewHub(b *Local, cfg connection.WebSocketConfig, logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Hub{
		broker:   b,
		upgrader: connection.NewWebSocketUpgrader(),
		config:   cfg,
		logger:   logger.WithComponent("hub"),
		sockets:  make(map[*connection.WebSocket]*connection.Local),
	}
}

// Broker returns the broker the hub routes through.
func (h *Hub) Broker() *Local {
	return h.broker
}

// ServeHTTP upgrades the request and bridges the socket until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade_failed", map[string]interface{}{
			"remote": r.RemoteAddr,
			"error":  err,
		})
		return
	}

	ws := connection.NewWebSocket(h.config, h.logger)
	local := connection.NewLocal(h.broker, h.logger)

	// socket -> broker
	ws.OnReceive(func(m *message.Message) {
		local.Send(m)
	})
	// broker -> socket
	local.OnReceive(func(m *message.Message) {
		ws.Send(m)
	})

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.sockets[ws] = local
	h.mu.Unlock()

	ws.Attach(conn)
	h.logger.Debug("socket_opened", map[string]interface{}{"remote": r.RemoteAddr})

	go func() {
		<-ws.Closed()
		h.drop(ws)
		h.logger.Debug("socket_closed", map[string]interface{}{"remote": r.RemoteAddr})
	}()
}

func (h *Hub) drop(ws *connection.WebSocket) {
	h.mu.Lock()
	local, ok := h.sockets[ws]
	delete(h.sockets, ws)
	h.mu.Unlock()

	if ok {
		local.Release()
	}
	ws.Release()
}

// Sockets returns the number of open sockets.
func (h *Hub) Sockets() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sockets)
}

// Close closes every socket and stops accepting new ones. The broker is not
// released.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	sockets := h.sockets
	h.sockets = make(map[*connection.WebSocket]*connection.Local)
	h.mu.Unlock()

	var err error
	for ws, local := range sockets {
		err = multierr.Append(err, local.Release())
		err = multierr.Append(err, ws.Release())
	}
	return err
}
