// ABOUTME: Tests for the REST API and health handlers
// ABOUTME: Drives the gateway's HTTP handler with httptest recorders and fake registry handles

package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/wallboard-gateway/internal/apperr"
	"github.com/2389/wallboard-gateway/internal/notify"
	"github.com/2389/wallboard-gateway/internal/registry"
	"github.com/2389/wallboard-gateway/internal/registry/registrytest"
	"github.com/2389/wallboard-gateway/internal/store"
)

type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *notify.Error   `json:"error"`
}

func doRequest(t *testing.T, h *harness, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.gw.Handler().ServeHTTP(rec, req)
	return rec
}

// decodeEnvelope checks the HTTP status and decodes data into v on success.
func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder, wantStatus int, v any) apiEnvelope {
	t.Helper()
	require.Equal(t, wantStatus, rec.Code, "body: %s", rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var env apiEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	if env.Success && v != nil {
		require.NoError(t, json.Unmarshal(env.Data, v))
	}
	return env
}

func registerAgent(t *testing.T, h *harness, code string) *registrytest.Handle {
	t.Helper()
	handle := registrytest.NewHandle()
	h.gw.Registry().Register(registry.RoleAgent, code, handle)
	return handle
}

func TestHandleLiveAgents_Empty(t *testing.T) {
	h := newHarness(t)

	rec := doRequest(t, h, http.MethodGet, "/api/agents/live", nil)

	var data LiveAgentsResponse
	env := decodeEnvelope(t, rec, http.StatusOK, &data)
	assert.True(t, env.Success)
	assert.Equal(t, 0, data.Count)
	assert.NotNil(t, data.Agents)
	assert.Contains(t, rec.Body.String(), `"agents":[]`)
}

func TestHandleLiveAgents_WithStatus(t *testing.T) {
	h := newHarness(t)
	registerAgent(t, h, "AG002")
	registerAgent(t, h, "AG001")
	dropped := registerAgent(t, h, "AG003")
	dropped.Drop()

	rec := doRequest(t, h, http.MethodPut, "/api/agents/ag001/status", UpdateStatusRequest{Status: "Break"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/api/agents/live", nil)

	var data LiveAgentsResponse
	decodeEnvelope(t, rec, http.StatusOK, &data)
	require.Equal(t, 2, data.Count)
	assert.Equal(t, "AG001", data.Agents[0].AgentCode)
	assert.Equal(t, "Break", data.Agents[0].Status)
	assert.Equal(t, "AG002", data.Agents[1].AgentCode)
	assert.Equal(t, "Available", data.Agents[1].Status)
}

func TestHandleUpdateStatus_FansOutToEveryone(t *testing.T) {
	h := newHarness(t)
	agent := registerAgent(t, h, "AG001")
	sup := registrytest.NewHandle()
	h.gw.Registry().Register(registry.RoleSupervisor, "SV001", sup)

	rec := doRequest(t, h, http.MethodPut, "/api/agents/AG001/status", UpdateStatusRequest{Status: "Busy"})

	var entry StatusEntry
	decodeEnvelope(t, rec, http.StatusOK, &entry)
	assert.Equal(t, "AG001", entry.AgentCode)
	assert.Equal(t, "Busy", entry.Status)
	assert.NotEmpty(t, entry.ID)

	assert.Equal(t, []string{notify.EventAgentStatusUpdate}, agent.Events())
	assert.Equal(t, []string{notify.EventAgentStatusUpdate}, sup.Events())
}

func TestHandleUpdateStatus_Invalid(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name  string
		body  any
		field string
	}{
		{name: "unknown status", body: UpdateStatusRequest{Status: "Lunch"}, field: "status"},
		{name: "empty status", body: UpdateStatusRequest{}, field: "status"},
		{name: "empty body", body: nil, field: ""},
		{name: "malformed body", body: "{", field: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, h, http.MethodPut, "/api/agents/AG001/status", tt.body)

			env := decodeEnvelope(t, rec, http.StatusBadRequest, nil)
			assert.False(t, env.Success)
			require.NotNil(t, env.Error)
			assert.Equal(t, apperr.CodeValidation, env.Error.Code)
			assert.Equal(t, tt.field, env.Error.Field)
		})
	}
}

func TestHandleStatusHistory(t *testing.T) {
	h := newHarness(t)
	for _, st := range []string{"Busy", "Break", "Available"} {
		rec := doRequest(t, h, http.MethodPut, "/api/agents/AG001/status", UpdateStatusRequest{Status: st})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := doRequest(t, h, http.MethodGet, "/api/agents/ag001/history?limit=2", nil)

	var data StatusHistoryResponse
	decodeEnvelope(t, rec, http.StatusOK, &data)
	assert.Equal(t, "AG001", data.AgentCode)
	require.Equal(t, 2, data.Count)
	assert.Equal(t, "Available", data.History[0].Status)
	assert.Equal(t, "Break", data.History[1].Status)

	rec = doRequest(t, h, http.MethodGet, "/api/agents/AG001/history", nil)
	decodeEnvelope(t, rec, http.StatusOK, &data)
	assert.Equal(t, 3, data.Count)
}

func TestHandleStatusHistory_BadLimit(t *testing.T) {
	h := newHarness(t)

	for _, limit := range []string{"abc", "-1"} {
		rec := doRequest(t, h, http.MethodGet, "/api/agents/AG001/history?limit="+limit, nil)
		env := decodeEnvelope(t, rec, http.StatusBadRequest, nil)
		require.NotNil(t, env.Error)
		assert.Equal(t, "limit", env.Error.Field)
	}
}

func TestHandleUpdateStatus_AgentWithoutProfile(t *testing.T) {
	h := newHarness(t)

	rec := doRequest(t, h, http.MethodPut, "/api/agents/AG404/status", UpdateStatusRequest{Status: "Busy"})

	var entry StatusEntry
	decodeEnvelope(t, rec, http.StatusOK, &entry)
	assert.Equal(t, "AG404", entry.AgentCode)
	assert.Nil(t, entry.TeamID)
}

func TestHandleTeamView(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	for _, code := range []string{"AG002", "AG001"} {
		require.NoError(t, h.store.SetAgentTeam(ctx, code, 7))
	}
	require.NoError(t, h.store.SetAgentTeam(ctx, "AG003", 8))
	registerAgent(t, h, "AG001")

	for _, st := range []string{"Busy", "Break"} {
		rec := doRequest(t, h, http.MethodPut, "/api/agents/AG001/status", UpdateStatusRequest{Status: st})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := doRequest(t, h, http.MethodGet, "/api/agents/team/7", nil)

	var data TeamViewResponse
	decodeEnvelope(t, rec, http.StatusOK, &data)
	assert.Equal(t, 7, data.TeamID)
	require.Equal(t, 2, data.Count)
	assert.Equal(t, "AG001", data.Agents[0].AgentCode)
	assert.Equal(t, "Break", data.Agents[0].Status)
	assert.True(t, data.Agents[0].Online)
	assert.Equal(t, "AG002", data.Agents[1].AgentCode)
	assert.Equal(t, "Offline", data.Agents[1].Status)
	assert.False(t, data.Agents[1].Online)
	assert.False(t, data.Agents[1].LastUpdate.IsZero())

	rec = doRequest(t, h, http.MethodGet, "/api/agents/team/99", nil)
	decodeEnvelope(t, rec, http.StatusOK, &data)
	assert.Equal(t, 0, data.Count)
	assert.Contains(t, rec.Body.String(), `"agents":[]`)
}

func TestHandleTeamView_BadTeamID(t *testing.T) {
	h := newHarness(t)

	for _, id := range []string{"seven", "-1", "2147483648"} {
		rec := doRequest(t, h, http.MethodGet, "/api/agents/team/"+id, nil)
		env := decodeEnvelope(t, rec, http.StatusBadRequest, nil)
		require.NotNil(t, env.Error)
		assert.Equal(t, "teamId", env.Error.Field)
	}

	rec := doRequest(t, h, http.MethodGet, "/api/agents/AG001/whatever", nil)
	decodeEnvelope(t, rec, http.StatusNotFound, nil)
}

func TestHandleSendMessage_Direct(t *testing.T) {
	h := newHarness(t)
	recipient := registerAgent(t, h, "AG002")
	bystander := registerAgent(t, h, "AG003")

	rec := doRequest(t, h, http.MethodPost, "/api/messages/send", map[string]any{
		"fromCode": "SV001",
		"toCode":   "ag002",
		"type":     "direct",
		"content":  "please call back",
	})

	var entry MessageEntry
	decodeEnvelope(t, rec, http.StatusOK, &entry)
	assert.NotEmpty(t, entry.MessageID)
	assert.Equal(t, "AG002", entry.ToCode)
	assert.Equal(t, "normal", entry.Priority)
	assert.False(t, entry.IsRead)

	require.Equal(t, []string{notify.EventNewMessage}, recipient.Events())
	assert.Empty(t, bystander.Events())
}

func TestHandleSendMessage_BroadcastStringTeam(t *testing.T) {
	h := newHarness(t)
	a1 := registerAgent(t, h, "AG001")
	a2 := registerAgent(t, h, "AG002")

	rec := doRequest(t, h, http.MethodPost, "/api/messages/send", `{"fromCode":"SV001","toTeamId":"7","type":"broadcast","content":"standup"}`)

	var entry MessageEntry
	decodeEnvelope(t, rec, http.StatusOK, &entry)
	require.NotNil(t, entry.ToTeamID)
	assert.Equal(t, 7, *entry.ToTeamID)

	assert.Equal(t, []string{notify.EventNewMessage}, a1.Events())
	assert.Equal(t, []string{notify.EventNewMessage}, a2.Events())
}

func TestHandleSendMessage_Invalid(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{name: "bad type", body: `{"fromCode":"A","toCode":"B","type":"shout","content":"x"}`, field: "type"},
		{name: "direct without recipient", body: `{"fromCode":"A","type":"direct","content":"x"}`, field: "toCode"},
		{name: "broadcast without team", body: `{"fromCode":"A","type":"broadcast","content":"x"}`, field: "toTeamId"},
		{name: "non numeric team", body: `{"fromCode":"A","toTeamId":"seven","type":"broadcast","content":"x"}`, field: "toTeamId"},
		{name: "team beyond int32", body: `{"fromCode":"A","toTeamId":1e19,"type":"broadcast","content":"x"}`, field: "toTeamId"},
		{name: "no content", body: `{"fromCode":"A","toCode":"B","type":"direct"}`, field: "content"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, h, http.MethodPost, "/api/messages/send", tt.body)

			env := decodeEnvelope(t, rec, http.StatusBadRequest, nil)
			require.NotNil(t, env.Error)
			assert.Equal(t, apperr.CodeValidation, env.Error.Code)
			assert.Equal(t, tt.field, env.Error.Field)
		})
	}
}

func TestHandleMessageHistory(t *testing.T) {
	h := newHarness(t)
	send := func(body string) {
		rec := doRequest(t, h, http.MethodPost, "/api/messages/send", body)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	send(`{"fromCode":"SV001","toCode":"AG001","type":"direct","content":"one"}`)
	send(`{"fromCode":"SV001","toTeamId":7,"type":"broadcast","content":"two"}`)
	send(`{"fromCode":"SV001","toTeamId":8,"type":"broadcast","content":"other team"}`)
	send(`{"fromCode":"SV001","toCode":"AG002","type":"direct","content":"someone else"}`)

	rec := doRequest(t, h, http.MethodGet, "/api/messages/agent/ag001", nil)
	var data MessageHistoryResponse
	decodeEnvelope(t, rec, http.StatusOK, &data)
	assert.Equal(t, "AG001", data.AgentCode)
	require.Equal(t, 1, data.Count)
	assert.Equal(t, "one", data.Messages[0].Content)

	rec = doRequest(t, h, http.MethodGet, "/api/messages/agent/AG001?teamId=7", nil)
	decodeEnvelope(t, rec, http.StatusOK, &data)
	require.Equal(t, 2, data.Count)
	assert.Equal(t, "two", data.Messages[0].Content)
	assert.Equal(t, "one", data.Messages[1].Content)

	rec = doRequest(t, h, http.MethodGet, "/api/messages/agent/AG001?teamId=7&limit=1", nil)
	decodeEnvelope(t, rec, http.StatusOK, &data)
	assert.Equal(t, 1, data.Count)

	for _, bad := range []string{"seven", "-1", "2147483648"} {
		rec = doRequest(t, h, http.MethodGet, "/api/messages/agent/AG001?teamId="+bad, nil)
		env := decodeEnvelope(t, rec, http.StatusBadRequest, nil)
		require.NotNil(t, env.Error)
		assert.Equal(t, "teamId", env.Error.Field)
	}
}

func TestHandleMarkRead(t *testing.T) {
	h := newHarness(t)
	rec := doRequest(t, h, http.MethodPost, "/api/messages/send", `{"fromCode":"SV001","toCode":"AG001","type":"direct","content":"hi"}`)
	var sent MessageEntry
	decodeEnvelope(t, rec, http.StatusOK, &sent)

	rec = doRequest(t, h, http.MethodPut, "/api/messages/"+sent.MessageID+"/read", nil)
	var first MessageEntry
	decodeEnvelope(t, rec, http.StatusOK, &first)
	assert.True(t, first.IsRead)
	require.NotNil(t, first.ReadAt)

	rec = doRequest(t, h, http.MethodPut, "/api/messages/"+sent.MessageID+"/read", nil)
	var second MessageEntry
	decodeEnvelope(t, rec, http.StatusOK, &second)
	require.NotNil(t, second.ReadAt)
	assert.True(t, first.ReadAt.Equal(*second.ReadAt))

	rec = doRequest(t, h, http.MethodPut, "/api/messages/missing/read", nil)
	env := decodeEnvelope(t, rec, http.StatusNotFound, nil)
	require.NotNil(t, env.Error)
	assert.Equal(t, apperr.CodeNotFound, env.Error.Code)
}

func TestHandleAPI_UnknownRoute(t *testing.T) {
	h := newHarness(t)

	rec := doRequest(t, h, http.MethodGet, "/api/nothing/here", nil)

	env := decodeEnvelope(t, rec, http.StatusNotFound, nil)
	assert.False(t, env.Success)
	require.NotNil(t, env.Error)
	assert.Equal(t, apperr.CodeNotFound, env.Error.Code)
}

func TestHandleAPI_PersistenceFailure(t *testing.T) {
	h := newHarnessWithStore(t, failingStore{store.NewMemoryStore()})
	agent := registerAgent(t, h, "AG001")

	rec := doRequest(t, h, http.MethodPut, "/api/agents/AG001/status", UpdateStatusRequest{Status: "Busy"})
	env := decodeEnvelope(t, rec, http.StatusServiceUnavailable, nil)
	require.NotNil(t, env.Error)
	assert.Equal(t, apperr.CodePersistence, env.Error.Code)
	assert.NotContains(t, env.Error.Message, "disk full")

	rec = doRequest(t, h, http.MethodPost, "/api/messages/send", `{"fromCode":"SV001","toCode":"AG001","type":"direct","content":"hi"}`)
	decodeEnvelope(t, rec, http.StatusServiceUnavailable, nil)

	assert.Empty(t, agent.Events())
}

func TestHandleHealth(t *testing.T) {
	h := newHarness(t)
	registerAgent(t, h, "AG001")
	h.gw.Registry().Register(registry.RoleSupervisor, "SV001", registrytest.NewHandle())

	rec := doRequest(t, h, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var report HealthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "OK", report.Status)
	assert.False(t, report.Timestamp.IsZero())
	assert.GreaterOrEqual(t, report.Uptime, 0.0)
	assert.Regexp(t, `^\d+MB$`, report.Memory.Used)
	assert.Regexp(t, `^\d+MB$`, report.Memory.Total)
	assert.Equal(t, 1, report.Connections.Agents)
	assert.Equal(t, 1, report.Connections.Supervisors)
}

func TestHandleReady(t *testing.T) {
	h := newHarness(t)

	rec := doRequest(t, h, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "no agents connected", rec.Body.String())

	registerAgent(t, h, "AG001")

	rec = doRequest(t, h, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready (1 agents)", rec.Body.String())
}
