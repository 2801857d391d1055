// ABOUTME: Websocket client for wallboard participants (agents and supervisors)
// ABOUTME: Emits inbound events and delivers decoded outbound events on a channel

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/wallboard-gateway/internal/messaging"
	"github.com/2389/wallboard-gateway/internal/notify"
)

// ErrClosed is returned once the connection has gone away.
var ErrClosed = errors.New("connection closed")

// ServerError is an error acknowledgement (connection_error, status_error or
// message_error) received from the gateway.
type ServerError struct {
	Event   string
	Code    string
	Message string
	Field   string
}

func (e *ServerError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (%s: %s)", e.Event, e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Event, e.Code, e.Message)
}

// Event is one frame received from the gateway.
type Event struct {
	Event      string          `json:"event"`
	Data       json.RawMessage `json:"data"`
	ReceivedAt time.Time       `json:"-"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// Options configures Dial.
type Options struct {
	Header       http.Header
	BufferSize   int
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Conn is a participant connection to the gateway.
type Conn struct {
	ws     *websocket.Conn
	logger *slog.Logger
	opts   Options

	events chan Event
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once

	mu          sync.Mutex
	closeReason string
}

// Dial connects to the gateway websocket endpoint, e.g. ws://localhost:3001/ws.
func Dial(ctx context.Context, url string, opts Options) (*Conn, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}

	c := &Conn{
		ws:     ws,
		logger: opts.Logger.With("component", "client"),
		opts:   opts,
		events: make(chan Event, opts.BufferSize),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Events delivers every frame from the gateway. It is closed when the
// connection ends.
func (c *Conn) Events() <-chan Event { return c.events }

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} { return c.done }

// CloseReason returns the reason text of the close frame sent by the gateway.
func (c *Conn) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

func (c *Conn) readLoop() {
	defer close(c.events)
	defer c.shutdown()

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				c.mu.Lock()
				c.closeReason = ce.Text
				c.mu.Unlock()
			}
			c.logger.Debug("read loop ended", "error", err)
			return
		}

		var ev Event
		if err := json.Unmarshal(frame, &ev); err != nil {
			c.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}
		ev.ReceivedAt = time.Now()

		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Emit sends one event to the gateway.
func (c *Conn) Emit(event string, data any) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	payload, err := json.Marshal(notify.New(event, data))
	if err != nil {
		return fmt.Errorf("encoding %s: %w", event, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("writing %s: %w", event, err)
	}
	return nil
}

// Next returns the next event.
func (c *Conn) Next(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-c.events:
		if !ok {
			return Event{}, ErrClosed
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// WaitFor discards events until one of the named events arrives.
func (c *Conn) WaitFor(ctx context.Context, events ...string) (Event, error) {
	for {
		ev, err := c.Next(ctx)
		if err != nil {
			return Event{}, err
		}
		for _, name := range events {
			if ev.Event == name {
				return ev, nil
			}
		}
	}
}

// Close sends a normal close frame and tears the connection down.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	c.shutdown()
	return c.ws.Close()
}

// ConnectAgent identifies the connection as an agent and waits for the ack.
func (c *Conn) ConnectAgent(ctx context.Context, agentCode string) (*notify.AgentConnectionSuccess, error) {
	if err := c.Emit(notify.EventAgentConnect, map[string]string{"agentCode": agentCode}); err != nil {
		return nil, err
	}
	var ack notify.AgentConnectionSuccess
	if err := c.awaitAck(ctx, notify.EventConnectionSuccess, notify.EventConnectionError, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// ConnectSupervisor identifies the connection as a supervisor and returns the
// snapshot of online agents.
func (c *Conn) ConnectSupervisor(ctx context.Context, supervisorCode string) (*notify.SupervisorConnectionSuccess, error) {
	if err := c.Emit(notify.EventSupervisorConnect, map[string]string{"supervisorCode": supervisorCode}); err != nil {
		return nil, err
	}
	var ack notify.SupervisorConnectionSuccess
	if err := c.awaitAck(ctx, notify.EventConnectionSuccess, notify.EventConnectionError, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// UpdateStatus emits update_status and waits for status_updated.
func (c *Conn) UpdateStatus(ctx context.Context, agentCode, status string) (*notify.StatusChange, error) {
	if err := c.Emit(notify.EventUpdateStatus, map[string]string{"agentCode": agentCode, "status": status}); err != nil {
		return nil, err
	}
	var ack notify.StatusChange
	if err := c.awaitAck(ctx, notify.EventStatusUpdated, notify.EventStatusError, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// SendMessage emits send_message and waits for message_sent.
func (c *Conn) SendMessage(ctx context.Context, req messaging.Request) (*notify.MessageSent, error) {
	if err := c.Emit(notify.EventSendMessage, req); err != nil {
		return nil, err
	}
	var ack notify.MessageSent
	if err := c.awaitAck(ctx, notify.EventMessageSent, notify.EventMessageError, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// MarkRead emits mark_read and waits for message_read.
func (c *Conn) MarkRead(ctx context.Context, messageID string) (*notify.MessageRead, error) {
	if err := c.Emit(notify.EventMarkRead, map[string]string{"messageId": messageID}); err != nil {
		return nil, err
	}
	var ack notify.MessageRead
	if err := c.awaitAck(ctx, notify.EventMessageRead, notify.EventMessageError, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// awaitAck waits for okEvent or errEvent, skipping broadcasts in between.
// connection_error is always treated as a failure.
func (c *Conn) awaitAck(ctx context.Context, okEvent, errEvent string, v any) error {
	ev, err := c.WaitFor(ctx, okEvent, errEvent, notify.EventConnectionError)
	if err != nil {
		return err
	}
	if ev.Event != okEvent {
		var payload notify.Error
		if err := ev.Decode(&payload); err != nil {
			return fmt.Errorf("decoding %s: %w", ev.Event, err)
		}
		return &ServerError{Event: ev.Event, Code: payload.Code, Message: payload.Message, Field: payload.Field}
	}
	if err := ev.Decode(v); err != nil {
		return fmt.Errorf("decoding %s: %w", ev.Event, err)
	}
	return nil
}
