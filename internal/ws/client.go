package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/classbook/backend/internal/proration"
	"github.com/classbook/backend/internal/service"
	"github.com/classbook/backend/internal/session"
	"github.com/gorilla/websocket"
)

// Message types on the webview socket.
const (
	msgHello        = "hello"         // webview -> server: supported open methods
	msgReady        = "ready"         // server -> webview: hello processed
	msgState        = "state"         // server -> webview: session snapshot
	msgOpen         = "open"          // server -> webview: open a checkout URL
	msgOpenResult   = "open_result"   // webview -> server: answer to open
	msgPreview      = "preview"       // webview -> server: confirmation opened
	msgClosePreview = "close_preview" // webview -> server: confirmation closed
	msgQuote        = "quote"         // server -> webview: live proration quote
	msgError        = "error"
)

type message struct {
	Type      string            `json:"type"`
	ID        string            `json:"id,omitempty"`
	Method    string            `json:"method,omitempty"`
	Methods   []string          `json:"methods,omitempty"`
	URL       string            `json:"url,omitempty"`
	OK        bool              `json:"ok,omitempty"`
	PackageID int64             `json:"packageId,omitempty"`
	State     *session.Snapshot `json:"state,omitempty"`
	Quote     *proration.Quote  `json:"quote,omitempty"`
	Error     string            `json:"error,omitempty"`
}

var errSlowClient = errors.New("webview is not reading")

type client struct {
	chatID string
	conn   *websocket.Conn
	out    chan message
	done   chan struct{}
	once   sync.Once

	mu            sync.Mutex
	methods       map[service.OpenMethod]bool
	acks          map[string]chan bool
	cancelPreview context.CancelFunc
}

func newClient(chatID string, conn *websocket.Conn) *client {
	return &client{
		chatID:  chatID,
		conn:    conn,
		out:     make(chan message, sendBuffer),
		done:    make(chan struct{}),
		methods: make(map[service.OpenMethod]bool),
		acks:    make(map[string]chan bool),
	}
}

// send queues m for the write pump. A client whose queue is full is dropped.
func (c *client) send(m message) error {
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}
	select {
	case c.out <- m:
		return nil
	case <-c.done:
		return ErrNotConnected
	default:
		c.close()
		return errSlowClient
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = c.conn.Close()
			return
		case m := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(m); err != nil {
				c.close()
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
			}
		}
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.stopPreview()
	})
}

func (c *client) declare(methods []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.methods = make(map[service.OpenMethod]bool, len(methods))
	for _, m := range methods {
		c.methods[service.OpenMethod(m)] = true
	}
}

func (c *client) supports(m service.OpenMethod) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.methods[m]
}

func (c *client) expect(id string) <-chan bool {
	ch := make(chan bool, 1)
	c.mu.Lock()
	c.acks[id] = ch
	c.mu.Unlock()
	return ch
}

func (c *client) forget(id string) {
	c.mu.Lock()
	delete(c.acks, id)
	c.mu.Unlock()
}

func (c *client) resolve(id string, ok bool) {
	c.mu.Lock()
	ch := c.acks[id]
	c.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- ok:
	default:
	}
}

// startPreview replaces any running quote stream and returns its context.
func (c *client) startPreview() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	prev := c.cancelPreview
	c.cancelPreview = cancel
	c.mu.Unlock()
	if prev != nil {
		prev()
	}
	return ctx
}

func (c *client) stopPreview() {
	c.mu.Lock()
	cancel := c.cancelPreview
	c.cancelPreview = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
