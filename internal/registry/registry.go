// ABOUTME: Tracks the live connection of every identified agent and supervisor
// ABOUTME: Single mutex-guarded map per role; last connect for a code wins

package registry

import (
	"iter"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/samber/lo"

	"github.com/2389/wallboard-gateway/internal/notify"
)

// Role partitions the registry. Agent and supervisor codes never collide.
type Role string

const (
	RoleAgent      Role = "Agent"
	RoleSupervisor Role = "Supervisor"
)

// Handle is an open participant connection. The registry owns registered
// handles; only the registry's callers close them.
type Handle interface {
	notify.Sender
	// IsOpen reports whether the transport is still usable.
	IsOpen() bool
	// Close shuts the transport down. Closing twice is a no-op.
	Close(reason string) error
}

// Entry is one registered connection.
type Entry struct {
	Role   Role
	Code   string
	Handle Handle
}

// Registry maps (role, code) to the live connection handle.
type Registry struct {
	mu          sync.RWMutex
	agents      map[string]Handle
	supervisors map[string]Handle
	logger      *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		agents:      make(map[string]Handle),
		supervisors: make(map[string]Handle),
		logger:      logger.With("component", "registry"),
	}
}

// NormalizeCode trims and uppercases a participant code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func (r *Registry) partition(role Role) map[string]Handle {
	if role == RoleSupervisor {
		return r.supervisors
	}
	return r.agents
}

// Register stores h under (role, code), replacing any existing entry.
// It never fails. The replaced handle, if any, is returned so the caller can
// decide whether to close it.
func (r *Registry) Register(role Role, code string, h Handle) Handle {
	code = NormalizeCode(code)

	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.partition(role)
	prev := m[code]
	m[code] = h
	if prev == h {
		prev = nil
	}

	r.logger.Info("=== "+strings.ToUpper(string(role))+" CONNECTED ===",
		"code", code,
		"conn_id", h.ID(),
		"superseded", prev != nil,
		"total_agents", len(r.agents),
		"total_supervisors", len(r.supervisors),
	)
	return prev
}

// Deregister removes (role, code) if present.
func (r *Registry) Deregister(role Role, code string) {
	code = NormalizeCode(code)

	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.partition(role)
	if h, exists := m[code]; exists {
		delete(m, code)
		r.logDisconnected(role, code, h)
	}
}

// DeregisterHandle removes (role, code) only while it still maps to h, and
// reports whether it removed anything. Concurrent disconnect paths for the
// same connection therefore see exactly one true.
func (r *Registry) DeregisterHandle(role Role, code string, h Handle) bool {
	code = NormalizeCode(code)

	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.partition(role)
	cur, exists := m[code]
	if !exists || cur != h {
		return false
	}
	delete(m, code)
	r.logDisconnected(role, code, h)
	return true
}

// logDisconnected must be called with mu held.
func (r *Registry) logDisconnected(role Role, code string, h Handle) {
	r.logger.Info("=== "+strings.ToUpper(string(role))+" DISCONNECTED ===",
		"code", code,
		"conn_id", h.ID(),
		"total_agents", len(r.agents),
		"total_supervisors", len(r.supervisors),
	)
}

// Lookup returns the handle registered under (role, code).
func (r *Registry) Lookup(role Role, code string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.partition(role)[NormalizeCode(code)]
	return h, ok
}

// IsLive reports whether (role, code) is registered and its handle is open.
func (r *Registry) IsLive(role Role, code string) bool {
	h, ok := r.Lookup(role, code)
	return ok && h.IsOpen()
}

// LookupAll iterates a point-in-time copy of one partition. Registrations
// made during iteration are not observed.
func (r *Registry) LookupAll(role Role) iter.Seq2[string, Handle] {
	r.mu.RLock()
	copied := make(map[string]Handle, len(r.partition(role)))
	for code, h := range r.partition(role) {
		copied[code] = h
	}
	r.mu.RUnlock()

	return func(yield func(string, Handle) bool) {
		for code, h := range copied {
			if !yield(code, h) {
				return
			}
		}
	}
}

// Snapshot returns every entry, agents first, each role sorted by code.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	entries := make([]Entry, 0, len(r.agents)+len(r.supervisors))
	for code, h := range r.agents {
		entries = append(entries, Entry{Role: RoleAgent, Code: code, Handle: h})
	}
	for code, h := range r.supervisors {
		entries = append(entries, Entry{Role: RoleSupervisor, Code: code, Handle: h})
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Role != entries[j].Role {
			return entries[i].Role == RoleAgent
		}
		return entries[i].Code < entries[j].Code
	})
	return entries
}

// Count returns the number of entries for role.
func (r *Registry) Count(role Role) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.partition(role))
}

// Recipients returns every open handle of both roles except exclude, for
// events that go to "everyone else".
func (r *Registry) Recipients(exclude notify.Sender) []notify.Sender {
	entries := lo.Filter(r.Snapshot(), func(e Entry, _ int) bool {
		return e.Handle.IsOpen() && (exclude == nil || notify.Sender(e.Handle) != exclude)
	})
	return lo.Map(entries, func(e Entry, _ int) notify.Sender { return e.Handle })
}
