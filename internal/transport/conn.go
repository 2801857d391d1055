// ABOUTME: gorilla/websocket connection wrapper that implements registry.Handle
// ABOUTME: One read loop per connection, a write pump draining a bounded queue, ping/pong liveness

package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"github.com/2389/wallboard-gateway/internal/notify"
)

// Options tunes a connection.
type Options struct {
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration
	// PongWait is how long the peer may stay silent before the read loop gives up.
	PongWait time.Duration
	// SendBuffer is the number of envelopes queued per connection before drops.
	SendBuffer int
	// MaxMessageBytes caps inbound frame size.
	MaxMessageBytes int64
}

// DefaultOptions returns the settings used when the gateway config leaves them unset.
func DefaultOptions() Options {
	return Options{
		WriteTimeout:    10 * time.Second,
		PongWait:        60 * time.Second,
		SendBuffer:      64,
		MaxMessageBytes: 64 * 1024,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.PongWait <= 0 {
		o.PongWait = d.PongWait
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = d.SendBuffer
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = d.MaxMessageBytes
	}
	return o
}

// pingPeriod must be shorter than PongWait so a healthy peer never times out.
func (o Options) pingPeriod() time.Duration {
	return o.PongWait * 9 / 10
}

// Handler processes one inbound text frame. Frames from one connection are
// handled one at a time, in arrival order.
type Handler func(ctx context.Context, frame []byte)

// Conn is a participant websocket connection.
type Conn struct {
	id     string
	ws     *websocket.Conn
	opts   Options
	logger *slog.Logger

	send chan notify.Envelope
	done chan struct{}

	open      atomic.Bool
	closeOnce sync.Once
	reason    atomic.Value // string
}

// NewConn wraps an upgraded websocket.
func NewConn(ws *websocket.Conn, opts Options, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	id := uuid.New().String()

	c := &Conn{
		id:     id,
		ws:     ws,
		opts:   opts,
		logger: logger.With("component", "transport", "conn_id", id),
		send:   make(chan notify.Envelope, opts.SendBuffer),
		done:   make(chan struct{}),
	}
	c.open.Store(true)
	return c
}

func (c *Conn) ID() string { return c.id }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string { return c.ws.RemoteAddr().String() }

// IsOpen reports whether the connection can still deliver.
func (c *Conn) IsOpen() bool { return c.open.Load() }

// Send queues env for the write pump. It never blocks: a closed connection or
// a full queue drops the envelope and returns false.
func (c *Conn) Send(env notify.Envelope) bool {
	if !c.open.Load() {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- env:
		return true
	default:
		c.logger.Warn("send buffer full, dropping envelope", "event", env.Event)
		return false
	}
}

// Close sends a close frame carrying reason and tears the socket down.
// Later calls are no-ops.
func (c *Conn) Close(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.open.Store(false)
		c.reason.Store(reason)
		close(c.done)

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.WriteTimeout))
		err = c.ws.Close()
		c.logger.Debug("connection closed", "reason", reason)
	})
	return err
}

// CloseReason returns the reason given to Close, or "".
func (c *Conn) CloseReason() string {
	r, _ := c.reason.Load().(string)
	return r
}

// Serve runs the read loop on the calling goroutine and the write pump on
// another. It returns once the peer is gone or the connection was closed; the
// connection is closed on return.
func (c *Conn) Serve(ctx context.Context, handle Handler) {
	go c.writePump()
	defer c.Close("disconnect")

	c.ws.SetReadLimit(c.opts.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		msgType, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Info("read error", "error", err)
			}
			return
		}
		// any inbound traffic proves the peer is alive
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))

		if msgType != websocket.TextMessage {
			c.logger.Debug("ignoring non-text frame", "type", msgType)
			continue
		}
		handle(ctx, frame)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.opts.pingPeriod())
	defer ticker.Stop()

	for {
		select {
		case env := <-c.send:
			if err := c.write(env); err != nil {
				c.logger.Info("write failed", "event", env.Event, "error", err)
				c.Close("write_failed")
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(c.opts.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Info("ping failed", "error", err)
				c.Close("ping_failed")
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) write(env notify.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		// a payload that cannot be encoded is a programming error; skip it
		c.logger.Error("encoding envelope", "event", env.Event, "error", err)
		return nil
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

// NewUpgrader returns an upgrader that accepts the listed origins. An empty
// list or "*" accepts any origin.
func NewUpgrader(allowedOrigins []string) *websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || lo.Contains(allowedOrigins, "*")
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				// non-browser clients do not send Origin
				return true
			}
			return lo.ContainsBy(allowedOrigins, func(o string) bool {
				return strings.EqualFold(strings.TrimRight(o, "/"), origin)
			})
		},
	}
}
