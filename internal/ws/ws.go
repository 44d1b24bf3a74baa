// Package ws owns WebSocket connections: handshake authentication, the
// ping/pong liveness probe and the read and write pumps.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/4xmen/hamsokhan/internal/auth"
	"github.com/4xmen/hamsokhan/internal/delivery"
	"github.com/4xmen/hamsokhan/internal/logging"
	"github.com/4xmen/hamsokhan/internal/models"
	"github.com/4xmen/hamsokhan/internal/presence"
)

// Router handles a send read off an authenticated connection.
type Router interface {
	Route(ctx context.Context, from auth.Identity, in delivery.Inbound) (*models.Message, error)
}

type Options struct {
	PingInterval       time.Duration
	PongTimeout        time.Duration
	WriteWait          time.Duration
	SendBuffer         int
	MaxMessageSize     int64
	// Sockets without a valid token are closed after AnonymousIdle without
	// a frame and may not send more than AnonymousReadLimit bytes at once.
	AnonymousIdle      time.Duration
	AnonymousReadLimit int64
	// AllowedOrigins limits browser origins; empty allows any.
	AllowedOrigins     []string
}

func DefaultOptions() Options {
	return Options{
		PingInterval:       5 * time.Second,
		PongTimeout:        time.Second,
		WriteWait:          10 * time.Second,
		SendBuffer:         256,
		MaxMessageSize:     16 << 20,
		AnonymousIdle:      time.Minute,
		AnonymousReadLimit: 4096,
	}
}

type Hub struct {
	registry *presence.Registry
	codec    *auth.TokenCodec
	router   Router
	log      logging.Logger
	opts     Options
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*Client
	closed  bool
	// one per serving client, released once its queued sends are routed
	active  sync.WaitGroup
}

func NewHub(registry *presence.Registry, codec *auth.TokenCodec, router Router, log logging.Logger, opts Options) *Hub {
	if log == nil {
		log = logging.Nop()
	}
	def := DefaultOptions()
	if opts.PingInterval <= 0 {
		opts.PingInterval = def.PingInterval
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = def.PongTimeout
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = def.WriteWait
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = def.SendBuffer
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = def.MaxMessageSize
	}
	if opts.AnonymousIdle <= 0 {
		opts.AnonymousIdle = def.AnonymousIdle
	}
	if opts.AnonymousReadLimit <= 0 {
		opts.AnonymousReadLimit = def.AnonymousReadLimit
	}

	h := &Hub{
		registry: registry,
		codec:    codec,
		router:   router,
		log:      log.With("component", "ws"),
		opts:     opts,
		clients:  make(map[string]*Client),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimSpace(allowed), origin) {
			return true
		}
	}
	return false
}

// HandleWebSocket upgrades the request. A valid token cookie makes the
// connection visible in presence; without one it stays open but anonymous.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	identity, authErr := h.codec.Verify(auth.TokenFromRequest(c.Request))

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn(c.Request.Context(), "upgrade failed", "error", err)
		return
	}

	client := &Client{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, h.opts.SendBuffer),
		pong: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	if authErr == nil {
		client.identity = *identity
		client.inbox = make(chan delivery.Inbound, h.opts.SendBuffer)
	}
	if !h.track(client) {
		conn.Close()
		return
	}

	go client.serve(context.WithoutCancel(c.Request.Context()), authErr)
}

func (h *Hub) track(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c.id] = c
	h.active.Add(1)
	return true
}

func (h *Hub) untrack(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
}

// ConnectionCount counts open sockets, anonymous ones included.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Shutdown closes every open connection with a going-away frame and waits
// for sends already read off them to be routed. Later upgrades are refused.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.kill("server shutdown")
	}
	h.active.Wait()
	h.log.Info(context.Background(), "closed connections", "count", len(clients))
}

// Client is one WebSocket connection. Only the heartbeat goroutine moves it
// between Alive and Probing; any goroutine may kill it.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	pong chan struct{}
	done chan struct{}

	// decoded sends waiting for the router; nil for anonymous clients
	inbox chan delivery.Inbound

	identity auth.Identity // set before the client is shared
	state    atomic.Int32
	lastPong atomic.Int64
	once     sync.Once
}

func (c *Client) ID() string       { return c.id }
func (c *Client) UserID() int64    { return c.identity.UserID }
func (c *Client) Username() string { return c.identity.Username }
func (c *Client) State() State     { return State(c.state.Load()) }

// LastPong is when the peer last answered a ping; zero if it never has.
func (c *Client) LastPong() time.Time {
	n := c.lastPong.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Enqueue never blocks; it drops payload when the buffer is full or the
// client is dead.
func (c *Client) Enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Client) transition(from, to State) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

func (c *Client) serve(ctx context.Context, authErr error) {
	defer c.hub.active.Done()
	log := c.hub.log.With("conn_id", c.id)

	go c.writePump()

	if authErr != nil {
		log.Debug(ctx, "anonymous connection", "reason", authErr)
		c.readPump(ctx, log)
		return
	}

	if c.transition(StateConnecting, StateAuthenticated) && c.transition(StateAuthenticated, StateAlive) {
		c.hub.registry.Register(c)
		// killed while registering
		if c.State() == StateDead {
			c.hub.registry.Unregister(c.id)
		} else {
			go c.heartbeat(ctx)
		}
	}

	go c.readPump(ctx, log)
	c.routeLoop(ctx, log)
}

func (c *Client) authenticated() bool {
	return c.identity.UserID > 0
}

// readPump never blocks on routing, so pongs keep reaching the heartbeat
// while a slow send is being stored.
func (c *Client) readPump(ctx context.Context, log logging.Logger) {
	defer c.kill("connection closed")
	if c.inbox != nil {
		defer close(c.inbox)
	}

	if c.authenticated() {
		c.conn.SetReadLimit(c.hub.opts.MaxMessageSize)
	} else {
		c.conn.SetReadLimit(c.hub.opts.AnonymousReadLimit)
	}
	c.conn.SetPongHandler(func(string) error {
		select {
		case c.pong <- struct{}{}:
		default:
		}
		return nil
	})

	for {
		if !c.authenticated() {
			c.conn.SetReadDeadline(time.Now().Add(c.hub.opts.AnonymousIdle))
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn(ctx, "websocket error", "error", err)
			}
			return
		}
		if !c.authenticated() {
			continue
		}

		var in delivery.Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			log.Debug(ctx, "dropping malformed frame", "error", err)
			continue
		}

		select {
		case c.inbox <- in:
		case <-c.done:
			return
		}
	}
}

// routeLoop is the only consumer of inbox, so one connection's sends are
// stored and forwarded in the order they were read. Sends already queued
// when the client dies are still routed.
func (c *Client) routeLoop(ctx context.Context, log logging.Logger) {
	for in := range c.inbox {
		if _, err := c.hub.router.Route(ctx, c.identity, in); err != nil {
			var routeErr *delivery.RouteError
			if errors.As(err, &routeErr) {
				log.Debug(ctx, "send dropped", "reason", routeErr.Reason)
			} else {
				log.Warn(ctx, "send failed", "error", err)
			}
		}
	}
}

func (c *Client) writePump() {
	for {
		select {
		case <-c.done:
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteWait))

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.kill("write failed")
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				c.kill("write failed")
				return
			}
		}
	}
}

// heartbeat pings every PingInterval while Alive and kills the client if no
// pong arrives within PongTimeout.
func (c *Client) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(c.hub.opts.PingInterval)
	defer ticker.Stop()

	var (
		death  *time.Timer
		deathC <-chan time.Time
	)
	stopDeath := func() {
		if death != nil {
			death.Stop()
			death, deathC = nil, nil
		}
	}
	defer stopDeath()

	for {
		select {
		case <-c.done:
			return

		case <-ticker.C:
			if c.State() != StateAlive {
				continue
			}
			c.drainPong()
			deadline := time.Now().Add(c.hub.opts.WriteWait)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.kill("ping failed")
				return
			}
			if !c.transition(StateAlive, StateProbing) {
				return
			}
			death = time.NewTimer(c.hub.opts.PongTimeout)
			deathC = death.C

		case <-c.pong:
			c.lastPong.Store(time.Now().UnixNano())
			stopDeath()
			c.transition(StateProbing, StateAlive)

		case <-deathC:
			c.hub.log.Info(ctx, "pong timeout", "conn_id", c.id, "user_id", c.UserID())
			c.kill("pong timeout")
			return
		}
	}
}

// drainPong discards a pong left over from before the next probe so it
// cannot answer that probe.
func (c *Client) drainPong() {
	select {
	case <-c.pong:
	default:
	}
}

// kill is idempotent. It stops the pumps and heartbeat, removes the client
// from presence (which broadcasts if it was registered) and closes the socket.
func (c *Client) kill(reason string) {
	c.once.Do(func() {
		c.state.Store(int32(StateDead))
		close(c.done)
		c.hub.registry.Unregister(c.id)
		c.conn.Close()
		c.hub.untrack(c)
		c.hub.log.Debug(context.Background(), "connection dead", "conn_id", c.id, "user_id", c.UserID(), "reason", reason)
	})
}
