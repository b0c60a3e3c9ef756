package handlers

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/consult-signaling/config"
	"github.com/mossy-p/consult-signaling/internal/coordinator"
	"github.com/mossy-p/consult-signaling/internal/middleware"
	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/mossy-p/consult-signaling/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Client is one websocket connection. Send never blocks: frames go through
// a bounded buffer drained by writePump.
type Client struct {
	id   string
	conn *websocket.Conn
	cfg  config.WSConfig

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newClient(conn *websocket.Conn, cfg config.WSConfig) *Client {
	return &Client{
		id:   uuid.New().String(),
		conn: conn,
		cfg:  cfg,
		send: make(chan []byte, cfg.SendBuffer),
	}
}

func (c *Client) ID() string { return c.id }

func (c *Client) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return session.ErrClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return session.ErrBackpressure
	}
}

// close stops accepting frames and lets writePump flush and exit.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Gateway upgrades authenticated requests and feeds their frames to the
// coordinator.
type Gateway struct {
	co  *coordinator.Coordinator
	cfg config.WSConfig

	mu      sync.Mutex
	clients map[*Client]struct{}
	closing bool
	// counts handlers that have not finished their disconnect path
	active sync.WaitGroup
}

// NewGateway fills unset websocket settings with defaults.
func NewGateway(co *coordinator.Coordinator, cfg config.WSConfig) *Gateway {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.PingPeriod <= 0 || cfg.PingPeriod >= cfg.PongWait {
		cfg.PingPeriod = cfg.PongWait * 9 / 10
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	return &Gateway{co: co, cfg: cfg, clients: make(map[*Client]struct{})}
}

// HandleWebSocket runs for the lifetime of the connection. It expects
// JWTAuth to have run.
func (g *Gateway) HandleWebSocket(c *gin.Context) {
	identity := coordinator.Identity{
		UserID:   c.GetString(middleware.ContextUserID),
		Username: c.GetString(middleware.ContextName),
		Role:     models.Role(c.GetString(middleware.ContextRole)),
	}
	if name := c.Query("displayName"); name != "" {
		identity.Username = name
	}
	if identity.Username == "" {
		identity.Username = identity.UserID
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("module", "handlers").Str("user", identity.UserID).Msg("failed to upgrade connection")
		return
	}

	client := newClient(conn, g.cfg)
	if !g.track(client) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(g.cfg.WriteWait))
		conn.Close()
		return
	}
	defer g.untrack(client)

	connection := g.co.Connect(client, identity)
	go client.writePump()
	client.readPump(c.Request.Context(), g.co, connection)
}

func (g *Gateway) track(c *Client) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return false
	}
	g.clients[c] = struct{}{}
	g.active.Add(1)
	return true
}

func (g *Gateway) untrack(c *Client) {
	g.mu.Lock()
	delete(g.clients, c)
	g.mu.Unlock()
	g.active.Done()
}

// Count returns the number of open websocket connections.
func (g *Gateway) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

// Shutdown closes every open connection and waits until each one has run
// its disconnect path, or until ctx is done. Connections arriving after
// Shutdown are refused.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	clients := make([]*Client, 0, len(g.clients))
	for c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	deadline := time.Now().Add(g.cfg.WriteWait)
	for _, c := range clients {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
		c.conn.Close()
	}
	log.Info().Str("module", "handlers").Int("clients", len(clients)).Msg("closed websocket connections")

	done := make(chan struct{})
	go func() {
		g.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for connections to disconnect: %w", ctx.Err())
	}
}

func (c *Client) readPump(ctx context.Context, co *coordinator.Coordinator, connection *coordinator.Connection) {
	defer func() {
		co.Disconnect(connection)
		c.close()
		c.conn.Close()
	}()

	if c.cfg.ReadLimit > 0 {
		c.conn.SetReadLimit(c.cfg.ReadLimit)
	}
	c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("module", "handlers").Str("conn", c.id).Msg("websocket error")
			}
			return
		}
		co.Handle(ctx, connection, message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Str("module", "handlers").Str("conn", c.id).Msg("failed to write message")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var _ session.Conn = (*Client)(nil)
