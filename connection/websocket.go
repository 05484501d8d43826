package connection

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	nlerrors "github.com/vinayprograms/nodelink/errors"
	"github.com/vinayprograms/nodelink/logging"
	"github.com/vinayprograms/nodelink/message"
)

// State is the lifecycle state of a WebSocket connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// WebSocketConfig holds WebSocket connection configuration.
type WebSocketConfig struct {
	// DialTimeout bounds the opening handshake.
	DialTimeout time.Duration

	// WriteTimeout for write operations.
	WriteTimeout time.Duration

	// ReadTimeout for read operations (0 = no timeout). When set, pongs
	// extend the deadline.
	ReadTimeout time.Duration

	// MaxMessageSize limits incoming message size.
	MaxMessageSize int64

	// PingInterval for keepalive pings (0 = disabled).
	PingInterval time.Duration

	// Header is sent with the opening handshake.
	Header http.Header
}

// DefaultWebSocketConfig returns configuration with sensible defaults.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		DialTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    0,
		MaxMessageSize: 1024 * 1024, // 1MB
		PingInterval:   30 * time.Second,
	}
}

// NewWebSocketUpgrader creates an upgrader for accepting WebSocket connections.
func NewWebSocketUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
}

type frame struct {
	id   string
	typ  message.Type
	data []byte
}

// WebSocket is a Connection over a persistent WebSocket. Messages sent
// before the socket opens are buffered and flushed, in order, on open.
// There is no reconnection: once closed, the connection stays closed.
type WebSocket struct {
	Receivers

	config WebSocketConfig
	logger *logging.Logger

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	pending  []frame
	released bool

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewWebSocket creates an unconnected WebSocket in the connecting state.
// Listeners registered now see every inbound frame. Call Dial or Attach
// exactly once to bring it up.
func NewWebSocket(cfg WebSocketConfig, logger *logging.Logger) *WebSocket {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultWebSocketConfig().MaxMessageSize
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &WebSocket{
		config: cfg,
		logger: logger.WithComponent("connection.websocket"),
		state:  StateConnecting,
		cancel: func() {},
		done:   make(chan struct{}),
	}
}

// DialWebSocket starts connecting to url in the background and returns
// immediately. Sends made while connecting are buffered.
func DialWebSocket(url string, cfg WebSocketConfig, logger *logging.Logger) *WebSocket {
	w := NewWebSocket(cfg, logger)
	w.Dial(url)
	return w
}

// Dial connects to url in the background.
func (w *WebSocket) Dial(url string) {
	ctx, cancel := context.WithCancel(context.Background())
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()
	go w.dial(ctx, url)
}

// Attach opens the connection on an already established socket, such as
// one accepted by an upgrader.
func (w *WebSocket) Attach(conn *websocket.Conn) {
	w.open(conn)
}

func (w *WebSocket) dial(ctx context.Context, url string) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: w.config.DialTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, url, w.config.Header)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("dial_failed", map[string]interface{}{
				"url":   url,
				"error": err,
			})
		}
		w.markClosed()
		return
	}
	w.logger.Debug("connected", map[string]interface{}{"url": url})
	w.open(conn)
}

// open flushes the buffer and starts the loops. Sends block on mu while the
// flush runs, which keeps them behind the buffered frames.
func (w *WebSocket) open(conn *websocket.Conn) {
	conn.SetReadLimit(w.config.MaxMessageSize)
	if w.config.ReadTimeout > 0 {
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(w.config.ReadTimeout))
		})
	}

	w.mu.Lock()
	if w.released {
		w.mu.Unlock()
		conn.Close()
		return
	}
	w.conn = conn
	pending := w.pending
	w.pending = nil
	for _, f := range pending {
		if err := w.write(f); err != nil {
			w.logger.SendFailed(f.id, string(f.typ), err)
		}
	}
	w.state = StateOpen
	w.mu.Unlock()

	go w.readLoop(conn)
	if w.config.PingInterval > 0 {
		go w.pingLoop(conn)
	}
}

// State returns the current lifecycle state.
func (w *WebSocket) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Closed is closed once the socket has closed or failed to open.
func (w *WebSocket) Closed() <-chan struct{} {
	return w.done
}

// Send writes msg to the socket, or buffers it while connecting.
func (w *WebSocket) Send(msg *message.Message) error {
	data, err := msg.Marshal()
	if err != nil {
		err = nlerrors.Wrap(err, "encode message", nlerrors.WithMessageID(msg.ID))
		w.logger.SendFailed(msg.ID, string(msg.Type), err)
		return err
	}
	f := frame{id: msg.ID, typ: msg.Type, data: data}

	w.mu.Lock()
	defer w.mu.Unlock()

	switch {
	case w.released:
		return ErrClosed
	case w.state == StateConnecting:
		w.pending = append(w.pending, f)
		return nil
	case w.state == StateClosed:
		w.logger.SendFailed(msg.ID, string(msg.Type), ErrClosed)
		return ErrClosed
	}

	if err := w.write(f); err != nil {
		err = nlerrors.TransportFailure("websocket write failed",
			nlerrors.WithCause(err), nlerrors.WithMessageID(msg.ID))
		w.logger.SendFailed(msg.ID, string(msg.Type), err)
		return err
	}
	return nil
}

// write must be called with mu held.
func (w *WebSocket) write(f frame) error {
	if w.config.WriteTimeout > 0 {
		w.conn.SetWriteDeadline(time.Now().Add(w.config.WriteTimeout))
	}
	return w.conn.WriteMessage(websocket.TextMessage, f.data)
}

// readLoop decodes frames and hands them to the listeners until the socket
// fails.
func (w *WebSocket) readLoop(conn *websocket.Conn) {
	defer w.markClosed()

	for {
		if w.config.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(w.config.ReadTimeout))
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !w.isReleased() {
				w.logger.Warn("read_failed", map[string]interface{}{"error": err})
			}
			return
		}

		msg, err := message.Unmarshal(data)
		if err != nil {
			w.logger.Warn("decode_failed", map[string]interface{}{
				"error": err,
				"size":  len(data),
			})
			continue
		}

		w.TriggerReceive(msg)
	}
}

// pingLoop sends keepalive pings. WriteControl may run concurrently with
// WriteMessage, so it does not take mu.
func (w *WebSocket) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(w.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				w.logger.Debug("ping_failed", map[string]interface{}{"error": err})
			}
		}
	}
}

func (w *WebSocket) isReleased() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.released
}

func (w *WebSocket) markClosed() {
	w.mu.Lock()
	w.state = StateClosed
	conn := w.conn
	w.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	w.closeOnce.Do(func() { close(w.done) })
}

// Release closes the socket, aborting a dial in progress, and drops any
// buffered frames and listeners.
func (w *WebSocket) Release() error {
	w.mu.Lock()
	if w.released {
		w.mu.Unlock()
		return nil
	}
	w.released = true
	w.state = StateClosed
	w.pending = nil
	conn := w.conn
	cancel := w.cancel
	w.mu.Unlock()

	cancel()

	if conn != nil {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		conn.Close()
	}
	w.closeOnce.Do(func() { close(w.done) })
	w.Receivers.Reset()
	return nil
}
