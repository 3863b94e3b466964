package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"

	"relayer-monitor/internal/auth"
	"relayer-monitor/internal/config"
	"relayer-monitor/internal/logging"
	"relayer-monitor/internal/telemetry"
)

// Conn is the subset of *websocket.Conn the hub uses.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Options tune liveness and buffering.
type Options struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	SendBuffer        int
	WriteTimeout      time.Duration
	AllowedOrigin     string
}

// OptionsFromConfig maps runtime settings onto Options.
func OptionsFromConfig(cfg config.HubConfig, origin string) Options {
	return Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		SendBuffer:        cfg.SendBuffer,
		WriteTimeout:      cfg.WriteTimeout,
		AllowedOrigin:     origin,
	}
}

type client struct {
	id       string
	identity auth.Identity
	conn     Conn
	send     chan []byte
	subs     *xsync.Map[Channel, struct{}]
	lastSeen atomic.Int64
	done     chan struct{}
	once     sync.Once
}

func (c *client) touch(now time.Time) { c.lastSeen.Store(now.UnixNano()) }

func (c *client) subscribed(ch Channel) bool {
	_, ok := c.subs.Load(ch)
	return ok
}

// enqueue never blocks. It reports false when the buffer is full or the
// client is closed.
func (c *client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Hub is the registry of live connections.
type Hub struct {
	opts     Options
	clients  *xsync.Map[string, *client]
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	now      func() time.Time
}

// New constructs a Hub.
func New(opts Options, logger zerolog.Logger) *Hub {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.HeartbeatTimeout < opts.HeartbeatInterval {
		opts.HeartbeatTimeout = 2 * opts.HeartbeatInterval
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	h := &Hub{
		opts:    opts,
		clients: xsync.NewMap[string, *client](),
		logger:  logging.Component(logger, "hub"),
		now:     time.Now,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.opts.AllowedOrigin == "" || h.opts.AllowedOrigin == "*" {
		return true
	}
	return origin == h.opts.AllowedOrigin
}

// Serve upgrades the request and blocks until the connection closes.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, id auth.Identity) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	c := h.register(conn, id)
	h.readLoop(c)
	return nil
}

func (h *Hub) register(conn Conn, id auth.Identity) *client {
	c := &client{
		id:       uuid.NewString(),
		identity: id,
		conn:     conn,
		send:     make(chan []byte, h.opts.SendBuffer),
		subs:     xsync.NewMap[Channel, struct{}](),
		done:     make(chan struct{}),
	}
	c.touch(h.now())
	h.clients.Store(c.id, c)
	telemetry.LiveConnections.Inc()
	h.logger.Info().Str("conn", c.id).Str("user", id.UserID).Str("role", id.Role).Msg("client connected")

	go h.writeLoop(c)
	return c
}

func (h *Hub) remove(c *client) {
	if _, ok := h.clients.LoadAndDelete(c.id); ok {
		telemetry.LiveConnections.Dec()
		h.logger.Info().Str("conn", c.id).Msg("client disconnected")
	}
	c.close()
}

func (h *Hub) prune(c *client, reason string) {
	telemetry.HubConnectionsPruned.Inc()
	h.logger.Warn().Str("conn", c.id).Str("reason", reason).Msg("pruning connection")
	h.remove(c)
}

func (h *Hub) readLoop(c *client) {
	defer h.remove(c)

	_ = c.conn.SetReadDeadline(h.now().Add(h.opts.HeartbeatTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.touch(h.now())
		return c.conn.SetReadDeadline(h.now().Add(h.opts.HeartbeatTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Str("conn", c.id).Msg("websocket read error")
			}
			return
		}
		c.touch(h.now())
		_ = c.conn.SetReadDeadline(h.now().Add(h.opts.HeartbeatTimeout))

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.reply(c, errorReply{Type: "error", Code: CodeBadRequest, Message: "invalid message"})
			continue
		}
		h.dispatch(c, msg)
	}
}

// dispatch is the single handler for inbound frames.
func (h *Hub) dispatch(c *client, msg ClientMessage) {
	switch msg.Type {
	case MsgSubscribe:
		if !msg.Channel.Known() {
			h.reply(c, errorReply{Type: "error", Code: CodeUnknownChannel, Channel: msg.Channel, Message: "unknown channel"})
			return
		}
		if msg.Channel.AdminOnly() && !c.identity.IsAdmin() {
			h.logger.Warn().Str("conn", c.id).Str("user", c.identity.UserID).Str("channel", string(msg.Channel)).Msg("subscription rejected")
			h.reply(c, errorReply{Type: "error", Code: CodeForbidden, Channel: msg.Channel, Message: "admin role required"})
			return
		}
		c.subs.Store(msg.Channel, struct{}{})
		h.reply(c, subscriptionReply{Type: "subscription_confirmed", Channel: msg.Channel, Subscribed: true})
	case MsgUnsubscribe:
		c.subs.Delete(msg.Channel)
		h.reply(c, subscriptionReply{Type: "subscription_confirmed", Channel: msg.Channel, Subscribed: false})
	case MsgPing:
		h.reply(c, pongReply{Type: "pong", Timestamp: h.now().UTC()})
	default:
		h.reply(c, errorReply{Type: "error", Code: CodeBadRequest, Message: "unknown message type " + msg.Type})
	}
}

func (h *Hub) reply(c *client, v any) {
	frame, err := json.Marshal(v)
	if err != nil {
		h.logger.Error().Err(err).Msg("marshal reply")
		return
	}
	if !c.enqueue(frame) {
		h.prune(c, "send buffer full")
	}
}

func (h *Hub) writeLoop(c *client) {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(h.now().Add(h.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.prune(c, "write failed")
				return
			}
		}
	}
}

// Broadcast delivers ev to every subscriber of ch and returns the number of
// connections it was queued for.
func (h *Hub) Broadcast(ch Channel, ev Event) int {
	return h.broadcast(ch, ev, func(*client) bool { return true })
}

// BroadcastToRole is Broadcast restricted to connections with role. Admins
// receive everything.
func (h *Hub) BroadcastToRole(ch Channel, role string, ev Event) int {
	return h.broadcast(ch, ev, func(c *client) bool {
		return c.identity.Role == role || c.identity.IsAdmin()
	})
}

func (h *Hub) broadcast(ch Channel, ev Event, allow func(*client) bool) int {
	ev.Channel = ch
	if ev.Timestamp.IsZero() {
		ev.Timestamp = h.now().UTC()
	}
	frame, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error().Err(err).Str("event", ev.Type).Msg("marshal event")
		return 0
	}

	var stale []*client
	delivered := 0
	h.clients.Range(func(_ string, c *client) bool {
		if !c.subscribed(ch) || !allow(c) {
			return true
		}
		if c.enqueue(frame) {
			delivered++
		} else {
			stale = append(stale, c)
		}
		return true
	})
	for _, c := range stale {
		h.prune(c, "send buffer full")
	}
	return delivered
}

// Run probes every connection each heartbeat interval until ctx is done,
// then closes all connections.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.CloseAll()
			return
		case <-ticker.C:
			h.heartbeat(h.now())
		}
	}
}

func (h *Hub) heartbeat(now time.Time) {
	var dead []*client
	h.clients.Range(func(_ string, c *client) bool {
		if now.Sub(time.Unix(0, c.lastSeen.Load())) > h.opts.HeartbeatTimeout {
			dead = append(dead, c)
			return true
		}
		if err := c.conn.WriteControl(websocket.PingMessage, nil, now.Add(h.opts.WriteTimeout)); err != nil {
			dead = append(dead, c)
		}
		return true
	})
	for _, c := range dead {
		h.prune(c, "heartbeat timeout")
	}
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.clients.Range(func(_ string, c *client) bool {
		h.remove(c)
		return true
	})
}

// Count returns the number of live connections.
func (h *Hub) Count() int { return h.clients.Size() }

// Subscribers returns how many connections are subscribed to ch.
func (h *Hub) Subscribers(ch Channel) int {
	n := 0
	h.clients.Range(func(_ string, c *client) bool {
		if c.subscribed(ch) {
			n++
		}
		return true
	})
	return n
}
