// ABOUTME: Per-connection state machine: identify, dispatch participant events, terminate
// ABOUTME: Runs on the connection's read goroutine so events are handled in arrival order

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/2389/wallboard-gateway/internal/apperr"
	"github.com/2389/wallboard-gateway/internal/messaging"
	"github.com/2389/wallboard-gateway/internal/notify"
	"github.com/2389/wallboard-gateway/internal/registry"
	"github.com/2389/wallboard-gateway/internal/status"
	"github.com/2389/wallboard-gateway/internal/transport"
)

// inbound is a frame received from a participant.
type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type identifyPayload struct {
	AgentCode      string `json:"agentCode"`
	SupervisorCode string `json:"supervisorCode"`
}

type markReadPayload struct {
	MessageID string `json:"messageId"`
}

// session is one participant connection. An empty role means the connection
// has not identified yet. Its fields are only touched from the connection's
// read goroutine.
type session struct {
	gw     *Gateway
	conn   *transport.Conn
	logger *slog.Logger

	role registry.Role
	code string
}

// handleWebSocket upgrades the request and serves the connection until it ends.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written the HTTP error
		g.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := transport.NewConn(ws, g.connOpts, g.logger)
	s := &session{
		gw:     g,
		conn:   conn,
		logger: g.logger.With("conn_id", conn.ID()),
	}
	if !g.track(s) {
		_ = conn.Close(CloseReasonShutdown)
		return
	}
	defer g.untrack(s)

	s.logger.Debug("connection opened", "remote", conn.RemoteAddr())
	conn.Serve(r.Context(), s.handleFrame)
	s.terminate()
}

// handleFrame dispatches one inbound frame. A panic is logged and closes the
// connection instead of taking the gateway down.
func (s *session) handleFrame(ctx context.Context, frame []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic handling frame", "panic", r, "stack", string(debug.Stack()))
			_ = s.conn.Close(CloseReasonInternal)
		}
	}()

	var in inbound
	if err := json.Unmarshal(frame, &in); err != nil || in.Event == "" {
		s.badRequest(notify.EventConnectionError, "frame must be a JSON object with an event name")
		return
	}

	switch in.Event {
	case notify.EventAgentConnect:
		s.identify(ctx, registry.RoleAgent, in.Data)
	case notify.EventSupervisorConnect:
		s.identify(ctx, registry.RoleSupervisor, in.Data)
	case notify.EventUpdateStatus:
		s.updateStatus(ctx, in.Data)
	case notify.EventSendMessage:
		s.sendMessage(ctx, in.Data)
	case notify.EventMarkRead:
		s.markRead(ctx, in.Data)
	default:
		s.badRequest(notify.EventConnectionError, fmt.Sprintf("unknown event %q", in.Event))
	}
}

func (s *session) identify(ctx context.Context, role registry.Role, data json.RawMessage) {
	var p identifyPayload
	if !s.decode(notify.EventConnectionError, data, &p) {
		return
	}

	field, code := "agentCode", p.AgentCode
	if role == registry.RoleSupervisor {
		field, code = "supervisorCode", p.SupervisorCode
	}
	code = registry.NormalizeCode(code)
	if code == "" {
		s.fail(notify.EventConnectionError, apperr.Invalid(field, "required"))
		return
	}

	if s.role != "" {
		if s.role != role || s.code != code {
			s.send(notify.EventConnectionError, notify.Error{
				Code:    apperr.CodeAlreadyIdentified,
				Message: fmt.Sprintf("connection already identified as %s %s", s.role, s.code),
			})
			return
		}
		// same identity again: re-ack, re-registering only if something replaced us
		if h, ok := s.gw.registry.Lookup(role, code); ok && h == registry.Handle(s.conn) {
			s.ackIdentified(ctx)
			return
		}
	}

	s.role, s.code = role, code
	s.logger = s.logger.With("role", string(role), "code", code)

	if superseded := s.gw.registry.Register(role, code, s.conn); superseded != nil && s.gw.config.Gateway.CloseSuperseded {
		s.logger.Info("closing superseded connection", "superseded_conn_id", superseded.ID())
		_ = superseded.Close(CloseReasonSuperseded)
	}

	if role == registry.RoleAgent {
		payload := notify.AgentConnected{AgentCode: code, Timestamp: time.Now().UTC()}
		deliveries := notify.To(s.gw.registry.Recipients(s.conn), notify.New(notify.EventAgentConnected, payload))
		notify.Fanout(deliveries, s.logger)
	}
	s.ackIdentified(ctx)
}

func (s *session) ackIdentified(ctx context.Context) {
	now := time.Now().UTC()
	if s.role == registry.RoleAgent {
		s.send(notify.EventConnectionSuccess, notify.AgentConnectionSuccess{
			AgentCode: s.code,
			Status:    notify.ConnectionStatusConnected,
			Timestamp: now,
		})
		return
	}
	s.send(notify.EventConnectionSuccess, notify.SupervisorConnectionSuccess{
		SupervisorCode: s.code,
		Status:         notify.ConnectionStatusConnected,
		Timestamp:      now,
		OnlineAgents:   s.gw.statuses.OnlineAgents(ctx),
	})
}

func (s *session) updateStatus(ctx context.Context, data json.RawMessage) {
	if !s.identified(notify.EventStatusError) {
		return
	}
	var req status.Request
	if !s.decode(notify.EventStatusError, data, &req) {
		return
	}

	res, err := s.gw.statuses.Update(ctx, s.conn, req)
	if err != nil {
		s.fail(notify.EventStatusError, err)
		return
	}
	notify.Fanout(res.Deliveries, s.logger)
}

func (s *session) sendMessage(ctx context.Context, data json.RawMessage) {
	if !s.identified(notify.EventMessageError) {
		return
	}
	var req messaging.Request
	if !s.decode(notify.EventMessageError, data, &req) {
		return
	}

	res, err := s.gw.router.Send(ctx, s.conn, req)
	if err != nil {
		s.fail(notify.EventMessageError, err)
		return
	}
	notify.Fanout(res.Deliveries, s.logger)
}

func (s *session) markRead(ctx context.Context, data json.RawMessage) {
	if !s.identified(notify.EventMessageError) {
		return
	}
	var p markReadPayload
	if !s.decode(notify.EventMessageError, data, &p) {
		return
	}

	res, err := s.gw.router.MarkRead(ctx, s.conn, p.MessageID)
	if err != nil {
		s.fail(notify.EventMessageError, err)
		return
	}
	notify.Fanout(res.Deliveries, s.logger)
}

// terminate runs once the read loop has ended. Only the path that actually
// removes the registry entry announces the disconnect, so a connection that
// was superseded or already evicted by the liveness sweep stays quiet.
func (s *session) terminate() {
	if s.role == "" {
		s.logger.Debug("unidentified connection closed")
		return
	}
	if !s.gw.registry.DeregisterHandle(s.role, s.code, s.conn) {
		return
	}
	if s.role == registry.RoleAgent {
		s.gw.announceDisconnect(s.code, notify.ReasonDisconnect)
	}
}

func (s *session) identified(errEvent string) bool {
	if s.role != "" {
		return true
	}
	s.fail(errEvent, apperr.ErrNotIdentified)
	return false
}

// decode unmarshals an event payload, answering errEvent with bad_request on failure.
func (s *session) decode(errEvent string, data json.RawMessage, v any) bool {
	if len(data) == 0 || string(data) == "null" {
		return true
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.badRequest(errEvent, "malformed payload: "+err.Error())
		return false
	}
	return true
}

func (s *session) fail(event string, err error) {
	if apperr.Code(err) == apperr.CodeInternal {
		s.logger.Error("request failed", "event", event, "error", err)
	}
	s.send(event, notify.Error{
		Code:    apperr.Code(err),
		Message: apperr.Message(err),
		Field:   apperr.Field(err),
	})
}

func (s *session) badRequest(event, message string) {
	s.send(event, notify.Error{Code: apperr.CodeBadRequest, Message: message})
}

// send replies to this connection only. Drops are logged by the transport.
func (s *session) send(event string, data any) {
	s.conn.Send(notify.New(event, data))
}
