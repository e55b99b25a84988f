package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/fathima-sithara/messaging-core/internal/apperr"
	"github.com/fathima-sithara/messaging-core/internal/hub"
	"github.com/fathima-sithara/messaging-core/internal/protocol"
)

type Options struct {
	PingInterval   time.Duration
	WriteDeadline  time.Duration
	MaxMessageSize int64
	SendBuffer     int
	RatePerSec     int
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.WriteDeadline <= 0 {
		o.WriteDeadline = 10 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 * 1024
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.RatePerSec <= 0 {
		o.RatePerSec = 20
	}
	return o
}

// Dispatcher handles inbound frames.
type Dispatcher interface {
	Dispatch(ctx context.Context, c hub.Conn, data []byte)
}

// Client represents a single websocket connection.
type Client struct {
	id      string
	uid     string
	ws      *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	opts    Options

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

var _ hub.Conn = (*Client)(nil)

func NewClient(conn *websocket.Conn, uid string, opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{
		id:      uuid.NewString(),
		uid:     uid,
		ws:      conn,
		send:    make(chan []byte, opts.SendBuffer),
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.RatePerSec),
		opts:    opts,
		done:    make(chan struct{}),
	}
}

func (c *Client) ID() string     { return c.id }
func (c *Client) UserID() string { return c.uid }

// Send queues frame for the writer. A full buffer means the peer is not
// keeping up; the connection is closed and the frame refused.
func (c *Client) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.closeLocked()
		return false
	}
}

// Close safely closes a client. The writer drains what is queued, sends a
// close frame and shuts the socket, which ends the read loop.
func (c *Client) Close() {
	c.mu.Lock()
	c.closeLocked()
	c.mu.Unlock()
}

func (c *Client) closeLocked() {
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Start launches the write pump. It must run before anything is sent so
// backlog frames drain while they are produced.
func (c *Client) Start() {
	go c.writePump()
}

// ReadLoop reads frames until the socket fails and hands them to d. It
// blocks, and on return the client is closed and the writer finished.
func (c *Client) ReadLoop(ctx context.Context, d Dispatcher) {
	defer func() {
		c.Close()
		<-c.done
	}()

	pongWait := 2 * c.opts.PingInterval
	c.ws.SetReadLimit(c.opts.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		// inbound rate limiting
		if !c.limiter.Allow() {
			c.Send(protocol.ErrorFrame("", apperr.ErrRateLimited))
			continue
		}
		d.Dispatch(ctx, c, data)
	}
}

// writePump writes messages from send channel to websocket.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		close(c.done)
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteDeadline))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.Close()
				drain(c.send)
				return
			}
		case <-ticker.C:
			// ping to keep connection alive
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteDeadline))
			if err := c.ws.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				c.Close()
				drain(c.send)
				return
			}
		}
	}
}

func drain(ch <-chan []byte) {
	for range ch {
	}
}
