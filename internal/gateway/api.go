// ABOUTME: REST API handlers for live agents, status and message history, and message actions
// ABOUTME: Writes go through the same services as websocket events so they fan out too

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/wallboard-gateway/internal/apperr"
	"github.com/2389/wallboard-gateway/internal/messaging"
	"github.com/2389/wallboard-gateway/internal/notify"
	"github.com/2389/wallboard-gateway/internal/registry"
	"github.com/2389/wallboard-gateway/internal/status"
	"github.com/2389/wallboard-gateway/internal/store"
)

// maxBodyBytes caps REST request bodies.
const maxBodyBytes = 64 * 1024

// APIResponse is the envelope of every REST response.
type APIResponse struct {
	Success bool          `json:"success"`
	Data    any           `json:"data,omitempty"`
	Error   *notify.Error `json:"error,omitempty"`
}

// LiveAgentsResponse is the data of GET /api/agents/live.
type LiveAgentsResponse struct {
	Count  int                  `json:"count"`
	Agents []notify.OnlineAgent `json:"agents"`
}

// StatusEntry is one status record as returned by the API.
type StatusEntry struct {
	ID        string    `json:"id,omitempty"`
	AgentCode string    `json:"agentCode"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	TeamID    *int      `json:"teamId,omitempty"`
}

// StatusHistoryResponse is the data of GET /api/agents/{code}/history.
type StatusHistoryResponse struct {
	AgentCode string        `json:"agentCode"`
	Count     int           `json:"count"`
	History   []StatusEntry `json:"history"`
}

// MessageEntry is one message as returned by the API.
type MessageEntry struct {
	MessageID string     `json:"messageId"`
	FromCode  string     `json:"fromCode"`
	ToCode    string     `json:"toCode,omitempty"`
	ToTeamID  *int       `json:"toTeamId,omitempty"`
	Type      string     `json:"type"`
	Content   string     `json:"content"`
	Priority  string     `json:"priority"`
	Timestamp time.Time  `json:"timestamp"`
	IsRead    bool       `json:"isRead"`
	ReadAt    *time.Time `json:"readAt,omitempty"`
}

// MessageHistoryResponse is the data of GET /api/messages/agent/{code}.
type MessageHistoryResponse struct {
	AgentCode string         `json:"agentCode"`
	Count     int            `json:"count"`
	Messages  []MessageEntry `json:"messages"`
}

// TeamViewResponse is the data of GET /api/agents/team/{teamId}.
type TeamViewResponse struct {
	TeamID int                 `json:"teamId"`
	Count  int                 `json:"count"`
	Agents []status.TeamMember `json:"agents"`
}

// UpdateStatusRequest is the body of PUT /api/agents/{code}/status.
type UpdateStatusRequest struct {
	Status string `json:"status"`
}

func (g *Gateway) registerAPIRoutes(root *http.ServeMux) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/agents/live", g.handleLiveAgents)
	// team/{teamId} and {code}/history overlap as mux patterns, so one
	// pattern serves both and "team" wins as the first segment.
	mux.HandleFunc("GET /api/agents/{code}/{view}", g.handleAgentView)
	mux.HandleFunc("PUT /api/agents/{code}/status", g.handleUpdateStatus)
	mux.HandleFunc("POST /api/messages/send", g.handleSendMessage)
	mux.HandleFunc("GET /api/messages/agent/{code}", g.handleMessageHistory)
	mux.HandleFunc("PUT /api/messages/{id}/read", g.handleMarkRead)
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		g.writeError(w, http.StatusNotFound, &notify.Error{Code: apperr.CodeNotFound, Message: "route not found"})
	})

	if g.limiter != nil {
		root.Handle("/api/", g.rateLimit(mux))
		return
	}
	root.Handle("/api/", mux)
}

// handleLiveAgents returns every agent with an open connection and its current status.
func (g *Gateway) handleLiveAgents(w http.ResponseWriter, r *http.Request) {
	agents := g.statuses.OnlineAgents(r.Context())
	g.writeData(w, LiveAgentsResponse{Count: len(agents), Agents: agents})
}

func (g *Gateway) handleAgentView(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.PathValue("code") == "team":
		g.handleTeamView(w, r)
	case r.PathValue("view") == "history":
		g.handleStatusHistory(w, r)
	default:
		g.writeError(w, http.StatusNotFound, &notify.Error{Code: apperr.CodeNotFound, Message: "route not found"})
	}
}

// handleTeamView lists every agent of a team with its latest status.
func (g *Gateway) handleTeamView(w http.ResponseWriter, r *http.Request) {
	teamID, err := parseTeamID(r.PathValue("view"))
	if err != nil {
		g.writeAppError(w, err)
		return
	}

	members, err := g.statuses.TeamView(r.Context(), teamID)
	if err != nil {
		g.writeAppError(w, err)
		return
	}
	g.writeData(w, TeamViewResponse{TeamID: teamID, Count: len(members), Agents: members})
}

func (g *Gateway) handleStatusHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := g.queryLimit(r)
	if err != nil {
		g.writeAppError(w, err)
		return
	}

	code := registry.NormalizeCode(r.PathValue("code"))
	records, err := g.statuses.History(r.Context(), code, limit)
	if err != nil {
		g.writeAppError(w, err)
		return
	}

	history := make([]StatusEntry, 0, len(records))
	for _, rec := range records {
		history = append(history, toStatusEntry(rec))
	}
	g.writeData(w, StatusHistoryResponse{AgentCode: code, Count: len(history), History: history})
}

// handleUpdateStatus changes an agent's status outside of a websocket. With no
// sender connection, every live connection receives agent_status_update.
func (g *Gateway) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var body UpdateStatusRequest
	if err := decodeBody(r, &body); err != nil {
		g.writeAppError(w, err)
		return
	}

	res, err := g.statuses.Update(r.Context(), nil, status.Request{
		AgentCode: r.PathValue("code"),
		Status:    body.Status,
	})
	if err != nil {
		g.writeAppError(w, err)
		return
	}
	notify.Fanout(res.Deliveries, g.logger)
	g.writeData(w, toStatusEntry(res.Record))
}

func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req messaging.Request
	if err := decodeBody(r, &req); err != nil {
		g.writeAppError(w, err)
		return
	}

	res, err := g.router.Send(r.Context(), nil, req)
	if err != nil {
		g.writeAppError(w, err)
		return
	}
	notify.Fanout(res.Deliveries, g.logger)
	g.writeData(w, toMessageEntry(res.Message))
}

func (g *Gateway) handleMessageHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := g.queryLimit(r)
	if err != nil {
		g.writeAppError(w, err)
		return
	}

	var teamID *int
	if raw := r.URL.Query().Get("teamId"); raw != "" {
		id, err := parseTeamID(raw)
		if err != nil {
			g.writeAppError(w, err)
			return
		}
		teamID = &id
	}

	code := registry.NormalizeCode(r.PathValue("code"))
	messages, err := g.router.History(r.Context(), messaging.Query{AgentCode: code, TeamID: teamID, Limit: limit})
	if err != nil {
		g.writeAppError(w, err)
		return
	}

	entries := make([]MessageEntry, 0, len(messages))
	for _, m := range messages {
		entries = append(entries, toMessageEntry(m))
	}
	g.writeData(w, MessageHistoryResponse{AgentCode: code, Count: len(entries), Messages: entries})
}

func (g *Gateway) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	res, err := g.router.MarkRead(r.Context(), nil, r.PathValue("id"))
	if err != nil {
		g.writeAppError(w, err)
		return
	}
	g.writeData(w, toMessageEntry(res.Message))
}

// queryLimit reads ?limit=, falling back to the configured history limit.
func (g *Gateway) queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return g.config.Gateway.HistoryLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperr.Invalid("limit", "must be a non-negative integer")
	}
	return n, nil
}

func parseTeamID(raw string) (int, error) {
	id, err := strconv.Atoi(raw)
	if err != nil || id < 0 || id > messaging.MaxTeamID {
		return 0, apperr.Invalid("teamId", "must be an integer between 0 and "+strconv.Itoa(messaging.MaxTeamID))
	}
	return id, nil
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Invalid("", "request body is required")
		}
		return apperr.Invalid("", "malformed JSON body")
	}
	return nil
}

func toStatusEntry(rec *store.StatusRecord) StatusEntry {
	return StatusEntry{
		ID:        rec.ID,
		AgentCode: rec.AgentCode,
		Status:    string(rec.Status),
		Timestamp: rec.Timestamp,
		TeamID:    rec.TeamID,
	}
}

func toMessageEntry(m *store.Message) MessageEntry {
	return MessageEntry{
		MessageID: m.ID,
		FromCode:  m.FromCode,
		ToCode:    m.ToCode,
		ToTeamID:  m.ToTeamID,
		Type:      string(m.Type),
		Content:   m.Content,
		Priority:  m.Priority,
		Timestamp: m.Timestamp,
		IsRead:    m.IsRead,
		ReadAt:    m.ReadAt,
	}
}

func (g *Gateway) writeData(w http.ResponseWriter, data any) {
	g.writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: data})
}

// writeAppError maps err onto an HTTP status and the error envelope.
func (g *Gateway) writeAppError(w http.ResponseWriter, err error) {
	code := apperr.Code(err)
	httpStatus := http.StatusInternalServerError
	switch code {
	case apperr.CodeValidation:
		httpStatus = http.StatusBadRequest
	case apperr.CodeNotFound:
		httpStatus = http.StatusNotFound
	case apperr.CodePersistence:
		httpStatus = http.StatusServiceUnavailable
	}
	if httpStatus >= http.StatusInternalServerError {
		g.logger.Error("API request failed", "error", err)
	}
	g.writeError(w, httpStatus, &notify.Error{
		Code:    code,
		Message: apperr.Message(err),
		Field:   apperr.Field(err),
	})
}

func (g *Gateway) writeError(w http.ResponseWriter, httpStatus int, e *notify.Error) {
	g.writeJSON(w, httpStatus, APIResponse{Success: false, Error: e})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, httpStatus int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}
