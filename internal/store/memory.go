// ABOUTME: In-memory Store implementation for tests and the "memory" driver
// ABOUTME: Allows the gateway to run without any database on disk

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store implementation. Data is lost on Close.
type MemoryStore struct {
	mu       sync.RWMutex
	seq      int64
	statuses map[string][]*memStatus // keyed by agent code
	messages map[string]*memMessage  // keyed by message ID
	profiles map[string]*int         // keyed by agent code
}

type memStatus struct {
	rec StatusRecord
	seq int64
}

type memMessage struct {
	msg Message
	seq int64
}

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		statuses: make(map[string][]*memStatus),
		messages: make(map[string]*memMessage),
		profiles: make(map[string]*int),
	}
}

// AppendStatus stores a copy of rec.
func (m *MemoryStore) AppendStatus(ctx context.Context, rec *StatusRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	m.seq++

	// Make a copy to avoid external modification
	r := *rec
	r.TeamID = copyInt(rec.TeamID)
	m.statuses[r.AgentCode] = append(m.statuses[r.AgentCode], &memStatus{rec: r, seq: m.seq})
	return r.ID, nil
}

// LatestStatus returns the newest record for agentCode.
func (m *MemoryStore) LatestStatus(ctx context.Context, agentCode string) (*StatusRecord, error) {
	history, _ := m.StatusHistory(ctx, agentCode, 1)
	if len(history) == 0 {
		return nil, ErrNotFound
	}
	return history[0], nil
}

// StatusHistory returns records for agentCode, newest first.
func (m *MemoryStore) StatusHistory(ctx context.Context, agentCode string, limit int) ([]*StatusRecord, error) {
	m.mu.RLock()
	entries := append([]*memStatus(nil), m.statuses[agentCode]...)
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.rec.Timestamp.Equal(b.rec.Timestamp) {
			return a.rec.Timestamp.After(b.rec.Timestamp)
		}
		return a.seq > b.seq
	})

	limit = normalizeLimit(limit)
	if len(entries) > limit {
		entries = entries[:limit]
	}

	result := make([]*StatusRecord, 0, len(entries))
	for _, e := range entries {
		r := e.rec
		r.TeamID = copyInt(e.rec.TeamID)
		result = append(result, &r)
	}
	return result, nil
}

// InsertMessage stores a copy of msg.
func (m *MemoryStore) InsertMessage(ctx context.Context, msg *Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Priority == "" {
		msg.Priority = DefaultPriority
	}
	m.seq++
	m.messages[msg.ID] = &memMessage{msg: cloneMessage(msg), seq: m.seq}
	return msg.ID, nil
}

// GetMessage returns a copy of the message with the given ID.
func (m *MemoryStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	msg := cloneMessage(&e.msg)
	return &msg, nil
}

// FindMessages returns direct messages to q.AgentCode plus broadcasts to
// q.TeamID, newest first.
func (m *MemoryStore) FindMessages(ctx context.Context, q MessageQuery) ([]*Message, error) {
	m.mu.RLock()
	var matched []*memMessage
	for _, e := range m.messages {
		if e.msg.ToCode == q.AgentCode && e.msg.Type == MessageTypeDirect {
			matched = append(matched, e)
			continue
		}
		if q.TeamID != nil && e.msg.ToTeamID != nil && *e.msg.ToTeamID == *q.TeamID {
			matched = append(matched, e)
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.msg.Timestamp.Equal(b.msg.Timestamp) {
			return a.msg.Timestamp.After(b.msg.Timestamp)
		}
		return a.seq > b.seq
	})

	limit := normalizeLimit(q.Limit)
	if len(matched) > limit {
		matched = matched[:limit]
	}

	result := make([]*Message, 0, len(matched))
	for _, e := range matched {
		msg := cloneMessage(&e.msg)
		result = append(result, &msg)
	}
	return result, nil
}

// MarkRead marks the message read. An already-read message is left unchanged.
func (m *MemoryStore) MarkRead(ctx context.Context, id string, at time.Time) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !e.msg.IsRead {
		e.msg.IsRead = true
		readAt := at
		e.msg.ReadAt = &readAt
	}
	msg := cloneMessage(&e.msg)
	return &msg, nil
}

// AgentTeam returns the agent's team, or nil when unknown.
func (m *MemoryStore) AgentTeam(ctx context.Context, agentCode string) (*int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyInt(m.profiles[agentCode]), nil
}

// SetAgentTeam records the agent's team.
func (m *MemoryStore) SetAgentTeam(ctx context.Context, agentCode string, teamID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[agentCode] = &teamID
	return nil
}

// AgentsByTeam returns the sorted codes of agents in teamID.
func (m *MemoryStore) AgentsByTeam(ctx context.Context, teamID int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	codes := []string{}
	for code, team := range m.profiles {
		if team != nil && *team == teamID {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)
	return codes, nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}

func cloneMessage(msg *Message) Message {
	c := *msg
	c.ToTeamID = copyInt(msg.ToTeamID)
	c.ReadAt = copyTime(msg.ReadAt)
	return c
}
