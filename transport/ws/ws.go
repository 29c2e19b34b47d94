// Package ws streams a single conversion session over a WebSocket.
// The handler is mounted at a route whose final path segment is the
// session id; every message in both directions is one JSON document.
//
// Client messages: subscribe {startSeq?}, unsubscribe, provideInput
// {input}, queryState, ping. Server messages: subscribed {currentState,
// latestSeq}, progressUpdate, statusChange, inputRequired, error,
// completed, pong, stateSnapshot. Step and state events ride in the
// "event" field; request failures ride in "error".
//
// The server pings on an interval and drops clients that do not pong in
// time (close 1001). Unauthorized connects close with 4001, unknown
// sessions with 4004, clients sending faster than the per-connection
// budget with 4429.
package ws

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nwbforge/orchestrator/transport"
	"github.com/nwbforge/orchestrator/workflow"
	"github.com/nwbforge/orchestrator/workflow/events"
)

// Application close codes from the 4000-4999 private range.
const (
	CloseUnauthorized = 4001
	CloseNotFound     = 4004
	CloseRateLimited  = 4429
)

const (
	defaultPingInterval = 30 * time.Second
	defaultPongWait     = 10 * time.Second

	// defaultMsgRate / defaultMsgBurst bound inbound client messages
	// per connection.
	defaultMsgRate  = 20.0
	defaultMsgBurst = 40

	writeWait       = 10 * time.Second
	maxMessageBytes = 1 << 20
	sendBuffer      = 64
)

type clientMessage struct {
	Type     string          `json:"type"`
	StartSeq *uint64         `json:"startSeq,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
}

type serverMessage struct {
	Type         string               `json:"type"`
	CurrentState string               `json:"currentState,omitempty"`
	LatestSeq    uint64               `json:"latestSeq,omitempty"`
	Event        *events.Event        `json:"event,omitempty"`
	Snapshot     *workflow.Snapshot   `json:"snapshot,omitempty"`
	Error        *transport.WireError `json:"error,omitempty"`
}

// Handler upgrades HTTP requests to per-session WebSocket streams.
type Handler struct {
	orc      transport.Orchestrator
	logger   *zap.Logger
	upgrader websocket.Upgrader

	pingInterval time.Duration
	pongWait     time.Duration
	msgRate      float64
	msgBurst     int
}

// Option configures the handler.
type Option func(*Handler)

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithHeartbeat overrides the ping interval and the pong grace period.
func WithHeartbeat(ping, pongWait time.Duration) Option {
	return func(h *Handler) {
		h.pingInterval = ping
		h.pongWait = pongWait
	}
}

// WithRateLimit bounds inbound messages per connection. rate is
// messages per second, burst the bucket size; rate 0 disables the
// limit.
func WithRateLimit(rate float64, burst int) Option {
	return func(h *Handler) {
		h.msgRate = rate
		h.msgBurst = burst
	}
}

// WithCheckOrigin replaces the upgrader's origin policy.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(h *Handler) { h.upgrader.CheckOrigin = fn }
}

// New creates a WebSocket handler for the orchestrator.
func New(orc transport.Orchestrator, opts ...Option) *Handler {
	h := &Handler{
		orc:          orc,
		logger:       zap.NewNop(),
		pingInterval: defaultPingInterval,
		pongWait:     defaultPongWait,
		msgRate:      defaultMsgRate,
		msgBurst:     defaultMsgBurst,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := sessionIDFromPath(r.URL.Path)
	principal := r.Header.Get(transport.PrincipalHeader)

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Debug("websocket upgrade rejected", zap.Error(err))
		return
	}

	if principal == "" {
		h.refuse(ws, CloseUnauthorized, "missing "+transport.PrincipalHeader+" header")
		return
	}
	if sessionID == "" {
		h.refuse(ws, CloseNotFound, "no session id in path")
		return
	}
	if _, err := h.orc.Status(r.Context(), sessionID); err != nil {
		h.refuse(ws, closeCodeFor(err), transport.WireErrorFrom(err).Message)
		return
	}

	h.logger.Debug("websocket session attached",
		zap.String("session_id", sessionID), zap.String("principal", principal))
	c := &conn{
		h:         h,
		ws:        ws,
		sessionID: sessionID,
		send:      make(chan serverMessage, sendBuffer),
	}
	c.run()
}

// refuse sends a close frame and drops the connection before any
// session state is attached.
func (h *Handler) refuse(ws *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = ws.Close()
}

func closeCodeFor(err error) int {
	switch workflow.KindOf(err) {
	case workflow.KindNotFound:
		return CloseNotFound
	case workflow.KindUnauthorized:
		return CloseUnauthorized
	default:
		return websocket.CloseInternalServerErr
	}
}

// sessionIDFromPath takes the final non-empty path segment.
func sessionIDFromPath(p string) string {
	segments := strings.Split(strings.Trim(p, "/"), "/")
	if len(segments) == 0 {
		return ""
	}
	last := segments[len(segments)-1]
	if last == "conversions" || last == "ws" {
		return ""
	}
	return last
}

type conn struct {
	h         *Handler
	ws        *websocket.Conn
	sessionID string
	send      chan serverMessage

	stop context.CancelFunc

	mu        sync.Mutex
	subCancel context.CancelFunc
}

func (c *conn) run() {
	ctx, cancel := context.WithCancel(context.Background())
	c.stop = cancel
	defer cancel()
	defer c.ws.Close()

	var writers sync.WaitGroup
	writers.Add(1)
	go func() {
		defer writers.Done()
		c.writePump(ctx, cancel)
	}()

	c.readPump(ctx)
	cancel()
	writers.Wait()
}

func (c *conn) readPump(ctx context.Context) {
	c.ws.SetReadLimit(maxMessageBytes)
	grace := c.h.pingInterval + c.h.pongWait
	_ = c.ws.SetReadDeadline(time.Now().Add(grace))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(grace))
	})

	lim := newLimiter(c.h.msgRate, c.h.msgBurst)
	for {
		_, r, err := c.ws.NextReader()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				c.closeWith(websocket.CloseGoingAway, "heartbeat timeout")
			}
			return
		}
		if !lim.allow(time.Now()) {
			c.closeWith(CloseRateLimited, "message rate exceeded")
			return
		}
		var msg clientMessage
		if err := json.NewDecoder(r).Decode(&msg); err != nil {
			c.sendError(transport.BadRequest("malformed message: %v", err))
			continue
		}
		c.dispatch(ctx, msg)
	}
}

func (c *conn) writePump(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(c.h.pingInterval)
	defer ticker.Stop()
	defer cancel()
	// Closing the socket is what unblocks a reader stuck in NextReader.
	defer c.ws.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *conn) dispatch(ctx context.Context, msg clientMessage) {
	switch msg.Type {
	case "ping":
		c.enqueue(serverMessage{Type: "pong"})

	case "queryState":
		snap, err := c.h.orc.Status(ctx, c.sessionID)
		if err != nil {
			c.sendError(err)
			return
		}
		c.enqueue(serverMessage{Type: "stateSnapshot", Snapshot: &snap})

	case "provideInput":
		if len(msg.Input) == 0 {
			c.sendError(transport.BadRequest("provideInput requires an input payload"))
			return
		}
		if err := c.h.orc.ProvideInput(ctx, c.sessionID, msg.Input); err != nil {
			c.sendError(err)
		}
		// Success is visible through the event stream.

	case "subscribe":
		c.subscribe(ctx, msg.StartSeq)

	case "unsubscribe":
		if !c.clearSubscription() {
			c.sendError(workflow.Errf(workflow.KindNotFound, "no active subscription"))
		}

	default:
		c.sendError(transport.BadRequest("unknown message type %q", msg.Type))
	}
}

// subscribe attaches the event stream. Without startSeq only live
// events flow; with it the history replays from that sequence.
func (c *conn) subscribe(ctx context.Context, startSeq *uint64) {
	from := events.Latest
	if startSeq != nil {
		from = *startSeq
	}

	c.mu.Lock()
	if c.subCancel != nil {
		c.mu.Unlock()
		c.sendError(transport.BadRequest("already subscribed"))
		return
	}
	snap, err := c.h.orc.Status(ctx, c.sessionID)
	if err != nil {
		c.mu.Unlock()
		c.sendError(err)
		return
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub, err := c.h.orc.SubscribeEvents(subCtx, c.sessionID, from)
	if err != nil {
		cancel()
		c.mu.Unlock()
		c.sendError(err)
		return
	}
	c.subCancel = cancel
	c.mu.Unlock()

	c.enqueue(serverMessage{
		Type:         "subscribed",
		CurrentState: string(snap.State),
		LatestSeq:    snap.LatestSeq,
	})
	go c.streamEvents(subCtx, sub)
}

func (c *conn) streamEvents(ctx context.Context, sub *events.Subscription) {
	defer sub.Close()
	defer c.clearSubscription()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				if err := sub.Err(); err != nil {
					c.sendError(err)
				}
				return
			}
			c.enqueue(messageFor(e))
			if e.Kind == events.KindCompleted {
				return
			}
		}
	}
}

func (c *conn) clearSubscription() bool {
	c.mu.Lock()
	cancel := c.subCancel
	c.subCancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

func messageFor(e events.Event) serverMessage {
	ev := e
	switch e.Kind {
	case events.KindStateChanged:
		return serverMessage{Type: "statusChange", Event: &ev}
	case events.KindInputRequired:
		return serverMessage{Type: "inputRequired", Event: &ev}
	case events.KindError:
		return serverMessage{Type: "error", Event: &ev}
	case events.KindCompleted:
		return serverMessage{Type: "completed", Event: &ev}
	default:
		return serverMessage{Type: "progressUpdate", Event: &ev}
	}
}

func (c *conn) sendError(err error) {
	we := transport.WireErrorFrom(err)
	c.enqueue(serverMessage{Type: "error", Error: &we})
}

// enqueue hands a message to the write pump. A client that cannot keep
// up loses the connection rather than stalling the engine's bus.
func (c *conn) enqueue(msg serverMessage) {
	select {
	case c.send <- msg:
	default:
		c.h.logger.Warn("websocket client too slow, dropping connection",
			zap.String("session_id", c.sessionID))
		c.closeWith(websocket.CloseInternalServerErr, "outbound buffer overflow")
	}
}

// closeWith sends a close frame and tears the connection down.
// WriteControl is safe concurrently with the write pump.
func (c *conn) closeWith(code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	if c.stop != nil {
		c.stop()
	}
}

// limiter is a token bucket owned by a single reader goroutine.
type limiter struct {
	rate   float64
	burst  float64
	tokens float64
	last   time.Time
}

func newLimiter(rate float64, burst int) *limiter {
	return &limiter{rate: rate, burst: float64(burst), tokens: float64(burst)}
}

func (l *limiter) allow(now time.Time) bool {
	if l.rate <= 0 {
		return true
	}
	if !l.last.IsZero() {
		l.tokens += now.Sub(l.last).Seconds() * l.rate
		if l.tokens > l.burst {
			l.tokens = l.burst
		}
	}
	l.last = now
	if l.tokens < 1 {
		return false
	}
	l.tokens--
	return true
}
