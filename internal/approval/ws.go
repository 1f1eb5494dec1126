package approval

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/wardenlabs/warden/internal/consent"
)

// WSChannel serves the approval conversation over WebSocket. Every connected
// approver receives each escalated request; the first allow/deny response per
// request wins (the engine rejects the rest as duplicates).
type WSChannel struct {
	engine Engine
	secret []byte // nil enables dev mode (no auth)
	logger *slog.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewWSChannel creates the WebSocket approval channel. Mount it on the
// daemon's mux via ServeHTTP.
func NewWSChannel(engine Engine, secret []byte, logger *slog.Logger) *WSChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSChannel{
		engine: engine,
		secret: secret,
		logger: logger.With("channel", "websocket"),
		conns:  make(map[*websocket.Conn]struct{}),
	}
}

func (c *WSChannel) Name() string { return "websocket" }

// Start prepares the channel. Connections are accepted directly by the HTTP
// handler; no background goroutines are needed.
func (c *WSChannel) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.logger.Info("websocket approval channel started")
	return nil
}

// Notify relays one escalated request to every connected approver.
func (c *WSChannel) Notify(req consent.Request) {
	c.broadcast(Frame{Type: "request", Request: &req})
}

// Stop closes every approver connection.
func (c *WSChannel) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	for conn := range c.conns {
		conn.Close(websocket.StatusGoingAway, "daemon shutting down")
		delete(c.conns, conn)
	}
	c.mu.Unlock()
	return nil
}

// ServeHTTP upgrades an approver connection, replays the currently pending
// requests, and then relays responses into the engine.
func (c *WSChannel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if c.secret != nil {
		tokenStr := r.URL.Query().Get("token")
		if tokenStr == "" {
			http.Error(w, `{"error":"missing token"}`, http.StatusUnauthorized)
			return
		}
		claims, err := ValidateToken(tokenStr, c.secret)
		if err != nil {
			http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
			return
		}
		c.logger.Info("approver authenticated", "approver", claims.Approver)
	} else {
		c.logger.Warn("approval auth disabled (dev mode): WARDEN_JWT_SECRET not set")
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // local daemon; origin checks add nothing
	})
	if err != nil {
		c.logger.Error("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "session ended")

	c.mu.Lock()
	c.conns[conn] = struct{}{}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.conns, conn)
		c.mu.Unlock()
	}()

	c.logger.Info("approver connected", "remote", r.RemoteAddr)

	// Replay requests that escalated before this approver connected.
	for _, req := range c.engine.Pending() {
		req := req
		if err := wsjson.Write(r.Context(), conn, Frame{Type: "request", Request: &req}); err != nil {
			return
		}
	}

	for {
		var frame Frame
		if err := wsjson.Read(r.Context(), conn, &frame); err != nil {
			c.logger.Debug("approver read ended", "error", err)
			return
		}
		if frame.Type != "response" || frame.Response == nil {
			c.writeFrame(r.Context(), conn, Frame{Type: "error", Error: "expected a response frame"})
			continue
		}
		if err := c.engine.Resolve(*frame.Response); err != nil {
			c.writeFrame(r.Context(), conn, Frame{Type: "error", Error: err.Error()})
		}
	}
}

func (c *WSChannel) broadcast(frame Frame) {
	c.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(c.conns))
	for conn := range c.conns {
		conns = append(conns, conn)
	}
	c.mu.Unlock()

	for _, conn := range conns {
		c.writeFrame(c.ctx, conn, frame)
	}
}

func (c *WSChannel) writeFrame(ctx context.Context, conn *websocket.Conn, frame Frame) {
	if err := wsjson.Write(ctx, conn, frame); err != nil {
		c.logger.Warn("approver write failed", "error", err)
	}
}
