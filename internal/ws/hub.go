// Package ws keeps a websocket to each open webview. It pushes session state
// and live proration quotes, and relays open-URL requests to the host.
package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/classbook/backend/internal/domain"
	"github.com/classbook/backend/internal/handler"
	"github.com/classbook/backend/internal/proration"
	"github.com/classbook/backend/internal/service"
	"github.com/classbook/backend/internal/session"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS is handled at the HTTP level
	},
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
	sendBuffer     = 32
)

var (
	ErrNotConnected = errors.New("webview is not connected")
	ErrUnsupported  = errors.New("open method not supported by host")
	ErrRejected     = errors.New("host could not open url")
	ErrAckTimeout   = errors.New("host did not answer open request")
)

// PreviewWatcher streams proration quotes for an open confirmation.
type PreviewWatcher interface {
	WatchPreview(ctx context.Context, sess *session.Session, packageID int64, emit func(*proration.Quote)) error
	ClosePreview(sess *session.Session)
}

// Hub tracks the connected webview of every chat. It implements
// service.HostBridge.
type Hub struct {
	sessions   *session.Registry
	ackTimeout time.Duration
	logger     *zap.Logger

	mu      sync.Mutex
	clients map[string]*client
}

var _ service.HostBridge = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub(sessions *session.Registry, logger *zap.Logger) *Hub {
	return &Hub{
		sessions:   sessions,
		ackTimeout: 3 * time.Second,
		logger:     logger.Named("ws"),
		clients:    make(map[string]*client),
	}
}

// Open asks the chat's webview to open url with method and waits for the
// host's answer.
func (h *Hub) Open(ctx context.Context, chatID string, method service.OpenMethod, url string) error {
	c := h.client(chatID)
	if c == nil {
		return ErrNotConnected
	}
	if !c.supports(method) {
		return ErrUnsupported
	}

	id := uuid.NewString()
	ack := c.expect(id)
	defer c.forget(id)

	if err := c.send(message{Type: msgOpen, ID: id, Method: string(method), URL: url}); err != nil {
		return err
	}

	timer := time.NewTimer(h.ackTimeout)
	defer timer.Stop()
	select {
	case ok := <-ack:
		if !ok {
			return ErrRejected
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrNotConnected
	case <-timer.C:
		return ErrAckTimeout
	}
}

func (h *Hub) client(chatID string) *client {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clients[chatID]
}

// register makes c the chat's webview; an older connection is closed.
func (h *Hub) register(c *client) {
	h.mu.Lock()
	old := h.clients[c.chatID]
	h.clients[c.chatID] = c
	h.mu.Unlock()
	if old != nil {
		old.close()
	}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if h.clients[c.chatID] == c {
		delete(h.clients, c.chatID)
	}
	h.mu.Unlock()
}

// Handler returns the websocket endpoint. It must run behind the auth
// middleware.
func (h *Hub) Handler(previews PreviewWatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chatID := handler.ChatID(r)
		if chatID == "" {
			http.Error(w, "token required", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Debug("websocket upgrade failed", zap.Error(err))
			return
		}

		c := newClient(chatID, conn)
		h.register(c)
		defer h.unregister(c)
		defer c.close()

		sess := h.sessions.Get(chatID)
		unsubscribe := sess.OnChange(func(s session.Snapshot) {
			_ = c.send(message{Type: msgState, State: &s})
		})
		defer unsubscribe()
		// An evicted or logged out session pushes nothing more; the webview
		// reconnects and binds to the chat's new session.
		go func() {
			select {
			case <-sess.Done():
				c.close()
			case <-c.done:
			}
		}()

		h.logger.Debug("webview connected", zap.String("chat_id", chatID))
		go c.writePump()

		snap := sess.Snapshot()
		_ = c.send(message{Type: msgState, State: &snap})
		h.readPump(c, sess, previews)
		h.logger.Debug("webview disconnected", zap.String("chat_id", chatID))
	}
}

func (h *Hub) readPump(c *client, sess *session.Session, previews PreviewWatcher) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		// Keeps the session from idling out while the webview is open.
		if cur, ok := h.sessions.Peek(c.chatID); !ok || cur != sess {
			c.close()
			return nil
		}
		h.sessions.Get(c.chatID)
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var in message
		if err := c.conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read failed", zap.String("chat_id", c.chatID), zap.Error(err))
			}
			return
		}

		switch in.Type {
		case msgHello:
			c.declare(in.Methods)
			_ = c.send(message{Type: msgReady})
		case msgOpenResult:
			c.resolve(in.ID, in.OK)
		case msgPreview:
			h.watch(c, sess, previews, in.PackageID)
		case msgClosePreview:
			c.stopPreview()
			previews.ClosePreview(sess)
		default:
			_ = c.send(message{Type: msgError, Error: "unknown message type"})
		}
	}
}

func (h *Hub) watch(c *client, sess *session.Session, previews PreviewWatcher, packageID int64) {
	ctx := c.startPreview()
	go func() {
		err := previews.WatchPreview(ctx, sess, packageID, func(q *proration.Quote) {
			_ = c.send(message{Type: msgQuote, PackageID: packageID, Quote: q})
		})
		if err == nil || errors.Is(err, domain.ErrAborted) {
			return
		}
		msg := "failed to calculate proration"
		if appErr, ok := domain.AsAppError(err); ok {
			msg = appErr.Message
		}
		_ = c.send(message{Type: msgError, Error: msg})
	}()
}
