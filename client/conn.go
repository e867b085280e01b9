package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MattCruikshank/zentrias/internal/models"
	"github.com/MattCruikshank/zentrias/internal/protocol"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

// Conn is one open live channel to the backend.
type Conn struct {
	ws        *websocket.Conn
	url       string
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	owner     *Connector
}

// Done is closed once the channel has shut down, for any reason.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Closed reports whether the channel has shut down.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// shutdown stops both pumps. Only the first call has any effect.
func (c *Conn) shutdown(reason string, err error) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.owner.release(c)
		attrs := []any{"url", c.url, "reason", reason}
		if err != nil {
			attrs = append(attrs, "error", err)
		}
		c.owner.logger.Info("disconnected from backend", attrs...)
	})
}

// Connector manages the live channel of one session. It holds at most one
// Conn at a time and routes incoming messages to subscribers.
type Connector struct {
	url    string
	dialer *websocket.Dialer
	logger *slog.Logger
	subs   *subscriptions

	dialMu sync.Mutex // serializes Connect

	mu   sync.RWMutex
	conn *Conn

	hookMu   sync.RWMutex
	onAuthOK func(protocol.AuthOKMessage)
}

// NewConnector returns a connector for the websocket endpoint at url.
// A nil dialer uses websocket.DefaultDialer; a nil logger uses slog.Default().
func NewConnector(url string, dialer *websocket.Dialer, logger *slog.Logger) *Connector {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{
		url:    url,
		dialer: dialer,
		logger: logger,
		subs:   newSubscriptions(),
	}
}

// Connect opens the live channel authenticated with credential. If a channel
// is already open it is returned unchanged and nothing is dialed.
func (c *Connector) Connect(ctx context.Context, credential string) (*Conn, error) {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()

	if conn := c.Conn(); conn != nil {
		return conn, nil
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+credential)
	ws, _, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		c.logger.Error("live channel dial failed", "url", c.url, "error", err)
		return nil, fmt.Errorf("client: failed to connect to %s: %w", c.url, err)
	}

	conn := &Conn{
		ws:    ws,
		url:   c.url,
		send:  make(chan []byte, sendBuffer),
		done:  make(chan struct{}),
		owner: c,
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.writePump(conn)
	go c.readPump(conn)

	c.logger.Info("connected to backend", "url", c.url)
	return conn, nil
}

// Disconnect closes the live channel. It is safe to call when not connected.
func (c *Connector) Disconnect() {
	if conn := c.Conn(); conn != nil {
		conn.shutdown("disconnect requested", nil)
	}
}

// Conn returns the open channel, or nil.
func (c *Connector) Conn() *Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// Connected reports whether a live channel is open.
func (c *Connector) Connected() bool {
	return c.Conn() != nil
}

func (c *Connector) release(conn *Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
}

// Subscribe registers handler for messages sent by or to peerID.
// Any number of handlers may be registered for the same peer.
func (c *Connector) Subscribe(peerID string, handler IncomingHandler) (unsubscribe func()) {
	return c.subs.subscribe(peerID, handler)
}

// SubscribeAll registers handler for every incoming message.
func (c *Connector) SubscribeAll(handler IncomingHandler) (unsubscribe func()) {
	return c.subs.subscribeAll(handler)
}

// SubscribeIncoming installs handler in the single incoming slot, replacing
// whatever was there. Only the most recently installed handler is called.
func (c *Connector) SubscribeIncoming(handler IncomingHandler) {
	c.subs.setIncoming(handler)
}

// UnsubscribeIncoming empties the incoming slot.
func (c *Connector) UnsubscribeIncoming() {
	c.subs.setIncoming(nil)
}

// OnAuthOK sets the callback invoked when the backend confirms the
// connection's identity.
func (c *Connector) OnAuthOK(fn func(protocol.AuthOKMessage)) {
	c.hookMu.Lock()
	c.onAuthOK = fn
	c.hookMu.Unlock()
}

// Emit queues an event on the live channel. It returns ErrNotConnected when
// no channel is open or the channel closes before the event is queued.
func (c *Connector) Emit(msgType protocol.MessageType, payload any) error {
	conn := c.Conn()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := protocol.Marshal(msgType, payload)
	if err != nil {
		return fmt.Errorf("client: failed to encode %s: %w", msgType, err)
	}

	select {
	case conn.send <- data:
		// The write pump may already have stopped and will never drain it.
		if conn.Closed() {
			return ErrNotConnected
		}
		return nil
	case <-conn.done:
		return ErrNotConnected
	}
}

func (c *Connector) readPump(conn *Conn) {
	var readErr error
	defer func() {
		conn.shutdown("read loop ended", readErr)
	}()

	conn.ws.SetReadLimit(maxMessageSize)
	conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !conn.Closed() {
				c.logger.Warn("live channel error", "url", conn.url, "error", err)
				readErr = err
			}
			return
		}
		c.handleMessage(message)
	}
}

func (c *Connector) writePump(conn *Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.ws.Close()
	}()

	for {
		select {
		case message := <-conn.send:
			conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warn("live channel write failed", "url", conn.url, "error", err)
				conn.shutdown("write failed", err)
				return
			}

		case <-ticker.C:
			conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.shutdown("ping failed", err)
				return
			}

		case <-conn.done:
			closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			conn.ws.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(writeWait))
			return
		}
	}
}

func (c *Connector) handleMessage(data []byte) {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		c.logger.Warn("failed to parse live event", "error", err)
		return
	}

	switch env.Type {
	case protocol.TypeReceiveMessage:
		var msg models.Message
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			c.logger.Warn("failed to parse receive_message", "error", err)
			return
		}
		c.subs.dispatch(msg)

	case protocol.TypeAuthOK:
		var msg protocol.AuthOKMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			c.logger.Warn("failed to parse auth_ok", "error", err)
			return
		}
		c.logger.Debug("live channel authenticated", "user_id", msg.UserID)
		c.hookMu.RLock()
		fn := c.onAuthOK
		c.hookMu.RUnlock()
		if fn != nil {
			fn(msg)
		}

	case protocol.TypeError:
		var msg protocol.ErrorMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			c.logger.Warn("failed to parse error event", "error", err)
			return
		}
		c.logger.Warn("backend reported error", "code", msg.Code, "message", msg.Message)

	default:
		c.logger.Debug("ignoring live event", "type", env.Type)
	}
}
