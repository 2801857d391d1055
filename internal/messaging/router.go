// ABOUTME: Message Router: validate, persist, then route direct and broadcast messages
// ABOUTME: Also marks messages read and answers message history queries

package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/wallboard-gateway/internal/apperr"
	"github.com/2389/wallboard-gateway/internal/dedupe"
	"github.com/2389/wallboard-gateway/internal/notify"
	"github.com/2389/wallboard-gateway/internal/registry"
	"github.com/2389/wallboard-gateway/internal/store"
)

// Result is a persisted (or updated) message and the notifications it produces.
type Result struct {
	Message    *store.Message
	Deliveries []notify.Delivery
}

// Query selects message history for one agent.
type Query struct {
	AgentCode string
	TeamID    *int
	Limit     int
}

// Router routes messages between participants.
type Router struct {
	messages store.MessageStore
	reg      *registry.Registry
	guard    *dedupe.Guard
	logger   *slog.Logger
	now      func() time.Time
}

// NewRouter creates a Router. guard may be nil to disable replay checks.
func NewRouter(messages store.MessageStore, reg *registry.Registry, guard *dedupe.Guard, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		messages: messages,
		reg:      reg,
		guard:    guard,
		logger:   logger.With("component", "messaging"),
		now:      time.Now,
	}
}

// Send validates, persists and routes a message.
//
// A direct message reaches only the recipient's live agent connection, if
// there is one. A broadcast reaches every live connection except sender. The
// sender, when not nil, always gets message_sent once the message is stored.
func (r *Router) Send(ctx context.Context, sender notify.Sender, req Request) (*Result, error) {
	n, err := check(req)
	if err != nil {
		return nil, err
	}
	msg := n.msg

	if r.guard != nil && r.guard.Seen(msg.FromCode, n.requestID) {
		r.logger.Info("rejected replayed message", "from", msg.FromCode, "request_id", n.requestID)
		return nil, apperr.Invalid("requestId", "duplicate")
	}

	msg.Timestamp = r.now().UTC()
	msg.IsRead = false

	if _, err := r.messages.InsertMessage(ctx, msg); err != nil {
		if r.guard != nil {
			r.guard.Forget(msg.FromCode, n.requestID)
		}
		r.logger.Error("failed to persist message", "from", msg.FromCode, "type", msg.Type, "error", err)
		return nil, apperr.Persistence("insert message", err)
	}

	env := notify.New(notify.EventNewMessage, newMessagePayload(msg))
	var deliveries []notify.Delivery

	switch msg.Type {
	case store.MessageTypeDirect:
		if h, ok := r.reg.Lookup(registry.RoleAgent, msg.ToCode); ok && h.IsOpen() {
			deliveries = append(deliveries, notify.Delivery{To: h, Envelope: env})
		} else {
			r.logger.Debug("direct message recipient offline", "to", msg.ToCode, "message_id", msg.ID)
		}
	case store.MessageTypeBroadcast:
		deliveries = notify.To(r.reg.Recipients(sender), env)
	}

	if sender != nil {
		deliveries = append(deliveries, notify.Delivery{
			To: sender,
			Envelope: notify.New(notify.EventMessageSent, notify.MessageSent{
				MessageID: msg.ID,
				Status:    notify.DeliveryStatusDelivered,
			}),
		})
	}

	r.logger.Info("message accepted",
		"message_id", msg.ID,
		"type", msg.Type,
		"from", msg.FromCode,
		"live_recipients", len(deliveries)-boolToInt(sender != nil),
	)
	return &Result{Message: msg, Deliveries: deliveries}, nil
}

// MarkRead marks the message read. Marking an already-read message changes
// nothing and keeps the first readAt. requester, when not nil, receives a
// message_read acknowledgement.
func (r *Router) MarkRead(ctx context.Context, requester notify.Sender, id string) (*Result, error) {
	if id == "" {
		return nil, apperr.Invalid("messageId", "required")
	}

	msg, err := r.messages.MarkRead(ctx, id, r.now().UTC())
	if err != nil {
		return nil, apperr.Persistence("mark read", err)
	}

	var deliveries []notify.Delivery
	if requester != nil {
		deliveries = append(deliveries, notify.Delivery{
			To: requester,
			Envelope: notify.New(notify.EventMessageRead, notify.MessageRead{
				MessageID: msg.ID,
				IsRead:    msg.IsRead,
				ReadAt:    msg.ReadAt,
			}),
		})
	}
	return &Result{Message: msg, Deliveries: deliveries}, nil
}

// History returns messages addressed to q.AgentCode and, when q.TeamID is
// set, broadcasts to that team. Newest first.
func (r *Router) History(ctx context.Context, q Query) ([]*store.Message, error) {
	code := registry.NormalizeCode(q.AgentCode)
	if code == "" {
		return nil, apperr.Invalid("agentCode", "required")
	}
	messages, err := r.messages.FindMessages(ctx, store.MessageQuery{
		AgentCode: code,
		TeamID:    q.TeamID,
		Limit:     q.Limit,
	})
	if err != nil {
		return nil, apperr.Persistence("find messages", err)
	}
	return messages, nil
}

func newMessagePayload(msg *store.Message) notify.NewMessage {
	return notify.NewMessage{
		MessageID: msg.ID,
		FromCode:  msg.FromCode,
		ToCode:    msg.ToCode,
		ToTeamID:  msg.ToTeamID,
		Type:      string(msg.Type),
		Content:   msg.Content,
		Priority:  msg.Priority,
		Timestamp: msg.Timestamp,
		IsRead:    msg.IsRead,
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
