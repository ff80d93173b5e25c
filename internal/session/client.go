package session

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var ErrClientClosed = errors.New("client closed")

const closeGrace = time.Second

// Conn is the subset of *websocket.Conn a Client needs.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Client is one accepted connection. Writes are serialized; Close may be
// called from any goroutine and only the first call has an effect.
type Client struct {
	ID string

	conn         Conn
	writeTimeout time.Duration

	mu   sync.Mutex
	hook func([]byte) error

	closeOnce sync.Once
	done      chan struct{}
}

func NewClient(conn Conn, writeTimeout time.Duration) *Client {
	return &Client{
		ID:           uuid.NewString(),
		conn:         conn,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

// SetSendHook replaces the default WebSocket sender (used in tests).
func (c *Client) SetSendHook(fn func([]byte) error) {
	c.mu.Lock()
	c.hook = fn
	c.mu.Unlock()
}

func (c *Client) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.writeRaw(data)
}

func (c *Client) writeRaw(data []byte) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hook != nil {
		return c.hook(data)
	}
	if c.conn == nil {
		return nil
	}
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a best-effort close frame and tears the connection down.
func (c *Client) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn == nil {
			return
		}
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		_ = c.conn.Close()
	})
}

// Abort drops the connection without a close handshake.
func (c *Client) Abort() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
