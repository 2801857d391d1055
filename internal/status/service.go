// ABOUTME: Status propagation: validate, persist, then build the fan-out deliveries
// ABOUTME: Also answers current-status, history and supervisor snapshot queries

package status

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/wallboard-gateway/internal/apperr"
	"github.com/2389/wallboard-gateway/internal/notify"
	"github.com/2389/wallboard-gateway/internal/registry"
	"github.com/2389/wallboard-gateway/internal/store"
)

// Request is an update_status payload.
type Request struct {
	AgentCode string `json:"agentCode"`
	Status    string `json:"status"`
}

// Result is a persisted status change and the notifications it produces.
type Result struct {
	Record     *store.StatusRecord
	Deliveries []notify.Delivery
}

// TeamMember is one agent of a team roster with its latest status.
type TeamMember struct {
	AgentCode  string    `json:"agentCode"`
	TeamID     int       `json:"teamId"`
	Status     string    `json:"status"`
	LastUpdate time.Time `json:"lastUpdate"`
	Online     bool      `json:"online"`
}

// Service handles status changes and queries.
type Service struct {
	statuses store.StatusStore
	profiles store.ProfileStore
	reg      *registry.Registry
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a Service.
func NewService(statuses store.StatusStore, profiles store.ProfileStore, reg *registry.Registry, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		statuses: statuses,
		profiles: profiles,
		reg:      reg,
		logger:   logger.With("component", "status"),
		now:      time.Now,
	}
}

var invalidStatusReason = func() string {
	names := make([]string, len(store.Statuses))
	for i, s := range store.Statuses {
		names[i] = string(s)
	}
	return "must be one of " + strings.Join(names, ", ")
}()

// Update validates and persists a status change. Nothing is delivered unless
// the record was stored. sender may be nil for changes that did not arrive
// over a participant connection; everyone then receives the update.
func (s *Service) Update(ctx context.Context, sender notify.Sender, req Request) (*Result, error) {
	code := registry.NormalizeCode(req.AgentCode)
	if code == "" {
		return nil, apperr.Invalid("agentCode", "required")
	}
	st, ok := store.ParseStatus(req.Status)
	if !ok {
		return nil, apperr.Invalid("status", invalidStatusReason)
	}

	rec := &store.StatusRecord{
		AgentCode: code,
		Status:    st,
		Timestamp: s.now().UTC(),
		TeamID:    s.lookupTeam(ctx, code),
	}
	if _, err := s.statuses.AppendStatus(ctx, rec); err != nil {
		s.logger.Error("failed to persist status", "agent_code", code, "status", st, "error", err)
		return nil, apperr.Persistence("append status", err)
	}

	s.logger.Info("agent status changed", "agent_code", code, "status", st)

	change := notify.StatusChange{AgentCode: code, Status: string(st), Timestamp: rec.Timestamp}
	deliveries := notify.To(s.reg.Recipients(sender), notify.New(notify.EventAgentStatusUpdate, change))
	if sender != nil {
		deliveries = append(deliveries, notify.Delivery{
			To:       sender,
			Envelope: notify.New(notify.EventStatusUpdated, change),
		})
	}
	return &Result{Record: rec, Deliveries: deliveries}, nil
}

// lookupTeam reads the agent's team. A failed lookup is logged and the record
// is stored without a team rather than rejected.
func (s *Service) lookupTeam(ctx context.Context, code string) *int {
	if s.profiles == nil {
		return nil
	}
	team, err := s.profiles.AgentTeam(ctx, code)
	if err != nil {
		s.logger.Warn("team lookup failed", "agent_code", code, "error", err)
		return nil
	}
	return team
}

// Current returns the agent's latest status, or Available as of now when the
// agent has no history.
func (s *Service) Current(ctx context.Context, agentCode string) (*store.StatusRecord, error) {
	code := registry.NormalizeCode(agentCode)
	rec, err := s.statuses.LatestStatus(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return &store.StatusRecord{AgentCode: code, Status: store.StatusAvailable, Timestamp: s.now().UTC()}, nil
	}
	if err != nil {
		return nil, apperr.Persistence("latest status", err)
	}
	return rec, nil
}

// History returns the agent's status records, newest first.
func (s *Service) History(ctx context.Context, agentCode string, limit int) ([]*store.StatusRecord, error) {
	code := registry.NormalizeCode(agentCode)
	if code == "" {
		return nil, apperr.Invalid("agentCode", "required")
	}
	records, err := s.statuses.StatusHistory(ctx, code, limit)
	if err != nil {
		return nil, apperr.Persistence("status history", err)
	}
	return records, nil
}

// OnlineAgents returns every registered agent whose connection is open, with
// its current status, sorted by code. A status that cannot be read is
// reported as Available.
func (s *Service) OnlineAgents(ctx context.Context) []notify.OnlineAgent {
	agents := []notify.OnlineAgent{}
	for _, e := range s.reg.Snapshot() {
		if e.Role != registry.RoleAgent || !e.Handle.IsOpen() {
			continue
		}
		row := notify.OnlineAgent{AgentCode: e.Code, Status: string(store.StatusAvailable), Timestamp: s.now().UTC()}
		rec, err := s.Current(ctx, e.Code)
		if err != nil {
			s.logger.Warn("snapshot status lookup failed", "agent_code", e.Code, "error", err)
		} else {
			row.Status = string(rec.Status)
			row.Timestamp = rec.Timestamp
		}
		agents = append(agents, row)
	}
	return agents
}

// TeamView lists every profiled agent of teamID with its newest status. Agents
// that never reported a status show as Offline as of now.
func (s *Service) TeamView(ctx context.Context, teamID int) ([]TeamMember, error) {
	if s.profiles == nil {
		return []TeamMember{}, nil
	}
	codes, err := s.profiles.AgentsByTeam(ctx, teamID)
	if err != nil {
		return nil, apperr.Persistence("team agents", err)
	}

	members := make([]TeamMember, 0, len(codes))
	for _, code := range codes {
		m := TeamMember{
			AgentCode:  code,
			TeamID:     teamID,
			Status:     string(store.StatusOffline),
			LastUpdate: s.now().UTC(),
			Online:     s.reg.IsLive(registry.RoleAgent, code),
		}
		rec, err := s.statuses.LatestStatus(ctx, code)
		switch {
		case err == nil:
			m.Status = string(rec.Status)
			m.LastUpdate = rec.Timestamp
		case !errors.Is(err, store.ErrNotFound):
			return nil, apperr.Persistence("latest status", err)
		}
		members = append(members, m)
	}
	return members, nil
}
