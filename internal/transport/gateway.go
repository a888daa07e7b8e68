package transport

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/HerbHall/bote/pkg/plugin"
)

// RelayPath is the route relays connect to.
const RelayPath = "/api/v1/relay"

var _ Source = (*Gateway)(nil)

// Gateway accepts WebSocket connections from platform relays. Each relay
// forwards chat updates as JSON messages and receives replies for the
// updates it delivered on the same connection.
type Gateway struct {
	hub    *Hub
	tokens *TokenService // nil disables authentication
	inbox  chan Inbound
	logger *zap.Logger
}

// NewGateway creates a relay gateway. Passing a nil TokenService accepts
// unauthenticated relays, but only from non-browser or same-origin clients.
func NewGateway(tokens *TokenService, logger *zap.Logger) *Gateway {
	return &Gateway{
		hub:    NewHub(logger),
		tokens: tokens,
		inbox:  make(chan Inbound, 64),
		logger: logger,
	}
}

// RegisterRoutes registers the relay route on mux.
func (g *Gateway) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET "+RelayPath, g.handleRelay)
}

// IdentifyCaller returns the relay named by a valid token on the relay
// route. It reports false when authentication is off.
func (g *Gateway) IdentifyCaller(r *http.Request) (string, bool) {
	if g.tokens == nil || r.URL.Path != RelayPath {
		return "", false
	}
	claims, err := g.tokens.Validate(bearer(r))
	if err != nil {
		return "", false
	}
	return claims.Relay, true
}

// Relays returns the number of connected relays.
func (g *Gateway) Relays() int { return g.hub.ClientCount() }

// Run forwards updates from connected relays to out until ctx is done.
func (g *Gateway) Run(ctx context.Context, out chan<- Inbound) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case in := <-g.inbox:
			select {
			case out <- in:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (g *Gateway) handleRelay(w http.ResponseWriter, r *http.Request) {
	relay := "anonymous"
	if g.tokens != nil {
		claims, err := g.tokens.Validate(bearer(r))
		if err != nil {
			http.Error(w, "invalid or missing relay token", http.StatusUnauthorized)
			return
		}
		relay = claims.Relay
	}

	// With a token the relay is authenticated whatever its Origin. Without
	// one, cross-origin browser pages are refused.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: g.tokens != nil,
	})
	if err != nil {
		g.logger.Error("websocket accept failed", zap.Error(err))
		return
	}

	c := &Client{
		conn:   conn,
		relay:  relay,
		send:   make(chan Message, 256),
		logger: g.logger,
	}
	g.hub.Register(c)

	ctx := r.Context()
	done := make(chan struct{})
	go func() {
		c.writePump(ctx)
		close(done)
	}()

	c.readPump(ctx, g.inbox)

	g.hub.Unregister(c)
	conn.Close(websocket.StatusNormalClosure, "")
	<-done
}

// bearer extracts a token from the Authorization header, falling back to
// the token query parameter.
func bearer(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return tok
		}
	}
	return r.URL.Query().Get("token")
}

var (
	// ErrRelayGone is returned when replying through a disconnected relay.
	ErrRelayGone = errors.New("relay disconnected")

	// ErrSendBufferFull is returned when a relay is not draining replies.
	ErrSendBufferFull = errors.New("relay send buffer full")
)

// Client is a connected relay. It is the Responder for every update it
// delivered.
type Client struct {
	conn   *websocket.Conn
	relay  string
	send   chan Message
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
}

var _ plugin.Responder = (*Client)(nil)

// Reply queues a reply message for the relay.
func (c *Client) Reply(ctx context.Context, chatID, replyTo int64, text string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrRelayGone
	}
	msg := Message{
		Type:      MessageReply,
		Timestamp: time.Now(),
		Reply:     &ReplyData{ChatID: chatID, ReplyTo: replyTo, Text: text},
	}
	select {
	case c.send <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		c.logger.Warn("relay send buffer full, dropping reply", zap.String("relay", c.relay))
		return ErrSendBufferFull
	}
}

// writePump sends messages from the client's send channel to the WebSocket.
func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, c.conn, msg)
			cancel()
			if err != nil {
				c.logger.Debug("websocket write error", zap.String("relay", c.relay), zap.Error(err))
				return
			}
		}
	}
}

// readPump decodes relay messages and queues updates until the relay
// disconnects.
func (c *Client) readPump(ctx context.Context, inbox chan<- Inbound) {
	for {
		var msg Message
		if err := wsjson.Read(ctx, c.conn, &msg); err != nil {
			var ce websocket.CloseError
			if !errors.As(err, &ce) && ctx.Err() == nil {
				c.logger.Debug("websocket read error", zap.String("relay", c.relay), zap.Error(err))
			}
			return
		}
		if msg.Type != MessageUpdate || msg.Update == nil {
			c.logger.Debug("ignoring relay message", zap.String("relay", c.relay), zap.String("type", string(msg.Type)))
			continue
		}
		select {
		case inbox <- Inbound{Update: *msg.Update, Responder: c}:
		case <-ctx.Done():
			return
		}
	}
}

// Hub tracks connected relays.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	logger  *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	relaysConnected.Inc()
	h.logger.Info("relay connected", zap.String("relay", c.relay))
}

// Unregister removes a client and closes its send channel. Replies queued
// afterwards fail with ErrRelayGone.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if !ok {
		return
	}

	c.mu.Lock()
	c.closed = true
	close(c.send)
	c.mu.Unlock()
	relaysConnected.Dec()
	h.logger.Info("relay disconnected", zap.String("relay", c.relay))
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
