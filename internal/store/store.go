// ABOUTME: Store interfaces and data types for wallboard persistence
// ABOUTME: Defines StatusRecord, Message and the status/message/profile store contracts

//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=storemock/store_mock.go -package=storemock

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Status is an agent work status.
type Status string

// The fixed set of agent statuses.
const (
	StatusAvailable Status = "Available"
	StatusBusy      Status = "Busy"
	StatusBreak     Status = "Break"
	StatusOffline   Status = "Offline"
)

// Statuses lists every valid Status in display order.
var Statuses = []Status{StatusAvailable, StatusBusy, StatusBreak, StatusOffline}

// ParseStatus reports whether s is one of the fixed statuses. Matching is exact.
func ParseStatus(s string) (Status, bool) {
	for _, st := range Statuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// StatusRecord is an immutable status-change event. The current status of an
// agent is the most recent record by Timestamp.
type StatusRecord struct {
	ID        string
	AgentCode string
	Status    Status
	Timestamp time.Time
	TeamID    *int // copied from the agent profile at write time
}

// MessageType distinguishes direct messages from team broadcasts.
type MessageType string

const (
	MessageTypeDirect    MessageType = "direct"
	MessageTypeBroadcast MessageType = "broadcast"
)

// DefaultPriority is applied to messages sent without a priority.
const DefaultPriority = "normal"

// Message is a routed wallboard message. Only IsRead/ReadAt ever change after
// insert, and only from unread to read.
type Message struct {
	ID       string
	FromCode string
	ToCode   string // set iff Type == direct
	ToTeamID *int   // set iff Type == broadcast
	Type     MessageType
	Content  string
	Priority string
	// Timestamp is when the gateway accepted the message.
	Timestamp time.Time
	IsRead    bool
	ReadAt    *time.Time
}

// MessageQuery selects messages addressed to an agent, optionally including
// broadcasts to the agent's team.
type MessageQuery struct {
	AgentCode string
	TeamID    *int
	Limit     int
}

// StatusStore is the append-only status log.
type StatusStore interface {
	// AppendStatus persists rec and returns its assigned ID.
	AppendStatus(ctx context.Context, rec *StatusRecord) (string, error)
	// LatestStatus returns the most recent record for agentCode, or ErrNotFound.
	LatestStatus(ctx context.Context, agentCode string) (*StatusRecord, error)
	// StatusHistory returns records for agentCode, newest first.
	StatusHistory(ctx context.Context, agentCode string, limit int) ([]*StatusRecord, error)
}

// MessageStore persists messages and their read state.
type MessageStore interface {
	// InsertMessage persists msg and returns its assigned ID.
	InsertMessage(ctx context.Context, msg *Message) (string, error)
	GetMessage(ctx context.Context, id string) (*Message, error)
	// FindMessages returns matching messages, newest first.
	FindMessages(ctx context.Context, q MessageQuery) ([]*Message, error)
	// MarkRead flips IsRead to true and stamps ReadAt. A message that is
	// already read keeps its original ReadAt. Returns ErrNotFound for unknown IDs.
	MarkRead(ctx context.Context, id string, at time.Time) (*Message, error)
}

// ProfileStore reads agent profile data owned by the account system.
type ProfileStore interface {
	// AgentTeam returns the team of agentCode, or nil when the agent has no
	// profile or no team.
	AgentTeam(ctx context.Context, agentCode string) (*int, error)
	SetAgentTeam(ctx context.Context, agentCode string, teamID int) error
	// AgentsByTeam returns the codes of every agent profiled in teamID, sorted.
	AgentsByTeam(ctx context.Context, teamID int) ([]string, error)
}
