// ABOUTME: Event names and payload shapes for the wallboard websocket protocol
// ABOUTME: Shared by the gateway, the services that build deliveries, and the client

package notify

import (
	"time"

	"github.com/2389/wallboard-gateway/internal/apperr"
)

// Inbound events sent by participants.
const (
	EventAgentConnect      = "agent_connect"
	EventSupervisorConnect = "supervisor_connect"
	EventUpdateStatus      = "update_status"
	EventSendMessage       = "send_message"
	EventMarkRead          = "mark_read"
)

// Outbound events sent by the gateway.
const (
	EventConnectionSuccess = "connection_success"
	EventConnectionError   = "connection_error"
	EventAgentConnected    = "agent_connected"
	EventAgentDisconnected = "agent_disconnected"
	EventAgentStatusUpdate = "agent_status_update"
	EventStatusUpdated     = "status_updated"
	EventStatusError       = "status_error"
	EventNewMessage        = "new_message"
	EventMessageSent       = "message_sent"
	EventMessageError      = "message_error"
	EventMessageRead       = "message_read"
)

// ConnectionStatusConnected is the status reported by connection_success.
const ConnectionStatusConnected = "connected"

// DeliveryStatusDelivered means the message was accepted and persisted. It
// says nothing about whether any recipient was live.
const DeliveryStatusDelivered = "delivered"

// Disconnect reasons.
const (
	ReasonDisconnect       = "disconnect"
	ReasonHeartbeatTimeout = apperr.ReasonHeartbeatTimeout
)

type AgentConnectionSuccess struct {
	AgentCode string    `json:"agentCode"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type SupervisorConnectionSuccess struct {
	SupervisorCode string        `json:"supervisorCode"`
	Status         string        `json:"status"`
	Timestamp      time.Time     `json:"timestamp"`
	OnlineAgents   []OnlineAgent `json:"onlineAgents"`
}

// OnlineAgent is one row of the supervisor snapshot.
type OnlineAgent struct {
	AgentCode string    `json:"agentCode"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type AgentConnected struct {
	AgentCode string    `json:"agentCode"`
	Timestamp time.Time `json:"timestamp"`
}

type AgentDisconnected struct {
	AgentCode string    `json:"agentCode"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// StatusChange is the payload of both agent_status_update and status_updated.
type StatusChange struct {
	AgentCode string    `json:"agentCode"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type NewMessage struct {
	MessageID string    `json:"messageId"`
	FromCode  string    `json:"fromCode"`
	ToCode    string    `json:"toCode,omitempty"`
	ToTeamID  *int      `json:"toTeamId,omitempty"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Priority  string    `json:"priority"`
	Timestamp time.Time `json:"timestamp"`
	IsRead    bool      `json:"isRead"`
}

type MessageSent struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

type MessageRead struct {
	MessageID string     `json:"messageId"`
	IsRead    bool       `json:"isRead"`
	ReadAt    *time.Time `json:"readAt"`
}

// Error is the payload of connection_error, status_error and message_error.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}
