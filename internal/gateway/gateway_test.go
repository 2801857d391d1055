// ABOUTME: End-to-end tests for the gateway over real websocket connections
// ABOUTME: Covers identification, status and message fan-out, disconnects, sweeps and shutdown

package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/wallboard-gateway/internal/apperr"
	"github.com/2389/wallboard-gateway/internal/client"
	"github.com/2389/wallboard-gateway/internal/config"
	"github.com/2389/wallboard-gateway/internal/messaging"
	"github.com/2389/wallboard-gateway/internal/notify"
	"github.com/2389/wallboard-gateway/internal/registry"
	"github.com/2389/wallboard-gateway/internal/registry/registrytest"
	"github.com/2389/wallboard-gateway/internal/store"
)

const eventTimeout = 2 * time.Second

// testConfig creates a config for an in-memory gateway. The liveness ticker is
// effectively disabled; tests sweep explicitly.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Database.Driver = store.DriverMemory
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Gateway.HeartbeatInterval = time.Hour
	cfg.Gateway.WriteTimeout = 5 * time.Second
	cfg.Gateway.PongWait = time.Minute
	cfg.Gateway.ReplayTTL = 5 * time.Minute
	return cfg
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	gw    *Gateway
	srv   *httptest.Server
	store store.Store
	wsURL string
}

func newHarness(t *testing.T, opts ...func(*config.Config)) *harness {
	t.Helper()
	return newHarnessWithStore(t, store.NewMemoryStore(), opts...)
}

func newHarnessWithStore(t *testing.T, s store.Store, opts ...func(*config.Config)) *harness {
	t.Helper()
	cfg := testConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	gw := NewWithStore(cfg, s, testLogger())
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		_ = gw.Shutdown(context.Background())
		srv.Close()
	})

	return &harness{
		gw:    gw,
		srv:   srv,
		store: s,
		wsURL: "ws" + strings.TrimPrefix(srv.URL, "http") + cfg.Server.WSPath,
	}
}

func (h *harness) dial(t *testing.T) *client.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), eventTimeout)
	defer cancel()
	c, err := client.Dial(ctx, h.wsURL, client.Options{Logger: testLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func (h *harness) agent(t *testing.T, code string) *client.Conn {
	t.Helper()
	c := h.dial(t)
	ctx, cancel := context.WithTimeout(t.Context(), eventTimeout)
	defer cancel()
	ack, err := c.ConnectAgent(ctx, code)
	require.NoError(t, err)
	require.Equal(t, notify.ConnectionStatusConnected, ack.Status)
	return c
}

func (h *harness) supervisor(t *testing.T, code string) (*client.Conn, *notify.SupervisorConnectionSuccess) {
	t.Helper()
	c := h.dial(t)
	ctx, cancel := context.WithTimeout(t.Context(), eventTimeout)
	defer cancel()
	ack, err := c.ConnectSupervisor(ctx, code)
	require.NoError(t, err)
	return c, ack
}

// expectEvent waits for the named event, skipping others, and decodes it into v.
func expectEvent(t *testing.T, c *client.Conn, event string, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), eventTimeout)
	defer cancel()
	ev, err := c.WaitFor(ctx, event)
	require.NoError(t, err, "waiting for %s", event)
	if v != nil {
		require.NoError(t, ev.Decode(v))
	}
}

// expectNoEvent drains c for a short while and fails if event shows up.
func expectNoEvent(t *testing.T, c *client.Conn, event string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 150*time.Millisecond)
	defer cancel()
	for {
		ev, err := c.Next(ctx)
		if err != nil {
			return
		}
		assert.NotEqual(t, event, ev.Event, "unexpected %s: %s", event, string(ev.Data))
	}
}

func TestGatewayNew(t *testing.T) {
	cfg := testConfig()

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	assert.Same(t, cfg, gw.config)
	assert.NotNil(t, gw.store)
	assert.NotNil(t, gw.registry)
	assert.NotNil(t, gw.guard)
}

func TestGatewayNew_UnknownDriver(t *testing.T) {
	cfg := testConfig()
	cfg.Database.Driver = "mysql"

	_, err := New(cfg, testLogger())
	require.Error(t, err)
}

func TestGatewayNew_ReplayGuardDisabled(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Gateway.ReplayTTL = 0 })
	assert.Nil(t, h.gw.guard)
}

func TestScenario_SupervisorSnapshotThenStatusChange(t *testing.T) {
	h := newHarness(t)
	agent := h.agent(t, "ag001")

	sup, ack := h.supervisor(t, "SV001")
	assert.Equal(t, "SV001", ack.SupervisorCode)
	require.Len(t, ack.OnlineAgents, 1)
	assert.Equal(t, "AG001", ack.OnlineAgents[0].AgentCode)
	assert.Equal(t, "Available", ack.OnlineAgents[0].Status)

	ctx, cancel := context.WithTimeout(t.Context(), eventTimeout)
	defer cancel()
	updated, err := agent.UpdateStatus(ctx, "AG001", "Busy")
	require.NoError(t, err)
	assert.Equal(t, "Busy", updated.Status)

	var change notify.StatusChange
	expectEvent(t, sup, notify.EventAgentStatusUpdate, &change)
	assert.Equal(t, "AG001", change.AgentCode)
	assert.Equal(t, "Busy", change.Status)

	// no echo to the sender
	expectNoEvent(t, agent, notify.EventAgentStatusUpdate)

	rec, err := h.store.LatestStatus(ctx, "AG001")
	require.NoError(t, err)
	assert.Equal(t, store.StatusBusy, rec.Status)

	// a second supervisor sees the persisted status in its snapshot
	_, ack2 := h.supervisor(t, "SV002")
	require.Len(t, ack2.OnlineAgents, 1)
	assert.Equal(t, "Busy", ack2.OnlineAgents[0].Status)
}

func TestScenario_DirectMessageToOfflineAgent(t *testing.T) {
	h := newHarness(t)
	sup, _ := h.supervisor(t, "SV001")

	ctx, cancel := context.WithTimeout(t.Context(), eventTimeout)
	defer cancel()
	sent, err := sup.SendMessage(ctx, messaging.Request{
		FromCode: "SV001",
		ToCode:   "ag002",
		Type:     "direct",
		Content:  "call me back",
	})
	require.NoError(t, err)
	assert.Equal(t, notify.DeliveryStatusDelivered, sent.Status)
	assert.NotEmpty(t, sent.MessageID)

	msgs, err := h.store.FindMessages(ctx, store.MessageQuery{AgentCode: "AG002"})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, sent.MessageID, msgs[0].ID)
	assert.Equal(t, "AG002", msgs[0].ToCode)
	assert.False(t, msgs[0].IsRead)

	// connecting later does not replay it
	agent := h.agent(t, "AG002")
	expectNoEvent(t, agent, notify.EventNewMessage)
}

func TestScenario_HeartbeatSweepEvictsOnce(t *testing.T) {
	h := newHarness(t)
	sup, _ := h.supervisor(t, "SV001")

	stale := registrytest.NewHandle()
	h.gw.Registry().Register(registry.RoleAgent, "AG001", stale)
	stale.Drop()

	assert.Equal(t, 1, h.gw.Sweep(t.Context()))

	var gone notify.AgentDisconnected
	expectEvent(t, sup, notify.EventAgentDisconnected, &gone)
	assert.Equal(t, "AG001", gone.AgentCode)
	assert.Equal(t, notify.ReasonHeartbeatTimeout, gone.Reason)
	assert.False(t, h.gw.Registry().IsLive(registry.RoleAgent, "AG001"))

	assert.Equal(t, 0, h.gw.Sweep(t.Context()))
	expectNoEvent(t, sup, notify.EventAgentDisconnected)
}

func TestScenario_StaleSupervisorEvictedSilently(t *testing.T) {
	h := newHarness(t)
	agent := h.agent(t, "AG001")

	stale := registrytest.NewHandle()
	h.gw.Registry().Register(registry.RoleSupervisor, "SV009", stale)
	stale.Drop()

	assert.Equal(t, 1, h.gw.Sweep(t.Context()))
	assert.Equal(t, 0, h.gw.Registry().Count(registry.RoleSupervisor))
	expectNoEvent(t, agent, notify.EventAgentDisconnected)
}

func TestDisconnect_AnnouncedOnce(t *testing.T) {
	h := newHarness(t)
	sup, _ := h.supervisor(t, "SV001")
	agent := h.agent(t, "AG001")
	expectEvent(t, sup, notify.EventAgentConnected, nil)

	require.NoError(t, agent.Close())

	var gone notify.AgentDisconnected
	expectEvent(t, sup, notify.EventAgentDisconnected, &gone)
	assert.Equal(t, "AG001", gone.AgentCode)
	assert.Equal(t, notify.ReasonDisconnect, gone.Reason)

	assert.Equal(t, 0, h.gw.Sweep(t.Context()))
	expectNoEvent(t, sup, notify.EventAgentDisconnected)
}

func TestDisconnect_SupervisorNotAnnounced(t *testing.T) {
	h := newHarness(t)
	agent := h.agent(t, "AG001")
	sup, _ := h.supervisor(t, "SV001")

	require.NoError(t, sup.Close())
	require.Eventually(t, func() bool {
		return h.gw.Registry().Count(registry.RoleSupervisor) == 0
	}, eventTimeout, 10*time.Millisecond)
	expectNoEvent(t, agent, notify.EventAgentDisconnected)
}

func TestConnect_AgentConnectedBroadcast(t *testing.T) {
	h := newHarness(t)
	sup, _ := h.supervisor(t, "SV001")
	other := h.agent(t, "AG002")

	h.agent(t, "AG001")

	var joined notify.AgentConnected
	expectEvent(t, sup, notify.EventAgentConnected, &joined)
	// the supervisor also saw AG002 join first
	if joined.AgentCode == "AG002" {
		expectEvent(t, sup, notify.EventAgentConnected, &joined)
	}
	assert.Equal(t, "AG001", joined.AgentCode)

	expectEvent(t, other, notify.EventAgentConnected, &joined)
	assert.Equal(t, "AG001", joined.AgentCode)
}

func TestConnect_SupersededConnectionClosed(t *testing.T) {
	h := newHarness(t)
	sup, _ := h.supervisor(t, "SV001")

	first := h.agent(t, "AG001")
	expectEvent(t, sup, notify.EventAgentConnected, nil)
	h.agent(t, "AG001")
	expectEvent(t, sup, notify.EventAgentConnected, nil)

	select {
	case <-first.Done():
	case <-time.After(eventTimeout):
		t.Fatal("superseded connection was not closed")
	}
	assert.Equal(t, CloseReasonSuperseded, first.CloseReason())

	assert.Equal(t, 1, h.gw.Registry().Count(registry.RoleAgent))
	assert.True(t, h.gw.Registry().IsLive(registry.RoleAgent, "AG001"))
	expectNoEvent(t, sup, notify.EventAgentDisconnected)
}

func TestConnect_SupersededKeptOpenWhenConfigured(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Gateway.CloseSuperseded = false })

	first := h.agent(t, "AG001")
	h.agent(t, "AG001")

	select {
	case <-first.Done():
		t.Fatal("superseded connection should stay open")
	case <-time.After(150 * time.Millisecond):
	}
	assert.Equal(t, 1, h.gw.Registry().Count(registry.RoleAgent))
}

func TestConnect_MissingCode(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)

	ctx, cancel := context.WithTimeout(t.Context(), eventTimeout)
	defer cancel()
	_, err := c.ConnectAgent(ctx, "  ")

	var se *client.ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, notify.EventConnectionError, se.Event)
	assert.Equal(t, apperr.CodeValidation, se.Code)
	assert.Equal(t, "agentCode", se.Field)
	assert.Equal(t, 0, h.gw.Registry().Count(registry.RoleAgent))
}

func TestConnect_AlreadyIdentified(t *testing.T) {
	h := newHarness(t)
	c := h.agent(t, "AG001")

	ctx, cancel := context.WithTimeout(t.Context(), eventTimeout)
	defer cancel()

	_, err := c.ConnectSupervisor(ctx, "SV001")
	var se *client.ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, apperr.CodeAlreadyIdentified, se.Code)
	assert.Equal(t, 0, h.gw.Registry().Count(registry.RoleSupervisor))

	// the same identity again is acknowledged
	ack, err := c.ConnectAgent(ctx, "ag001")
	require.NoError(t, err)
	assert.Equal(t, "AG001", ack.AgentCode)
	assert.Equal(t, 1, h.gw.Registry().Count(registry.RoleAgent))
}

func TestEvents_RequireIdentification(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)

	ctx, cancel := context.WithTimeout(t.Context(), eventTimeout)
	defer cancel()

	_, err := c.UpdateStatus(ctx, "AG001", "Busy")
	var se *client.ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, notify.EventStatusError, se.Event)
	assert.Equal(t, apperr.CodeNotIdentified, se.Code)

	_, err = c.SendMessage(ctx, messaging.Request{FromCode: "AG001", ToCode: "AG002", Type: "direct", Content: "hi"})
	require.ErrorAs(t, err, &se)
	assert.Equal(t, notify.EventMessageError, se.Event)
	assert.Equal(t, apperr.CodeNotIdentified, se.Code)

	_, err = h.store.LatestStatus(ctx, "AG001")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEvents_MalformedFramesKeepConnection(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)

	raw, _, err := websocket.DefaultDialer.Dial(h.wsURL, nil)
	require.NoError(t, err)
	defer raw.Close()
	require.NoError(t, raw.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, raw.SetReadDeadline(time.Now().Add(eventTimeout)))
	var reply struct {
		Event string       `json:"event"`
		Data  notify.Error `json:"data"`
	}
	require.NoError(t, raw.ReadJSON(&reply))
	assert.Equal(t, notify.EventConnectionError, reply.Event)
	assert.Equal(t, apperr.CodeBadRequest, reply.Data.Code)

	require.NoError(t, c.Emit("dance", map[string]string{}))
	var e notify.Error
	expectEvent(t, c, notify.EventConnectionError, &e)
	assert.Equal(t, apperr.CodeBadRequest, e.Code)

	// still usable
	ctx, cancel := context.WithTimeout(t.Context(), eventTimeout)
	defer cancel()
	_, err = c.ConnectAgent(ctx, "AG001")
	require.NoError(t, err)
}

func TestStatus_InvalidRejected(t *testing.T) {
	h := newHarness(t)
	sup, _ := h.supervisor(t, "SV001")
	agent := h.agent(t, "AG001")

	ctx, cancel := context.WithTimeout(t.Context(), eventTimeout)
	defer cancel()
	_, err := agent.UpdateStatus(ctx, "AG001", "busy")

	var se *client.ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, apperr.CodeValidation, se.Code)
	assert.Equal(t, "status", se.Field)
	expectNoEvent(t, sup, notify.EventAgentStatusUpdate)
}

type failingStore struct {
	*store.MemoryStore
}

var errDiskFull = errors.New("disk full")

func (failingStore) AppendStatus(context.Context, *store.StatusRecord) (string, error) {
	return "", errDiskFull
}

func (failingStore) InsertMessage(context.Context, *store.Message) (string, error) {
	return "", errDiskFull
}

func TestPersistenceFailure_NothingBroadcast(t *testing.T) {
	h := newHarnessWithStore(t, failingStore{store.NewMemoryStore()})
	sup, _ := h.supervisor(t, "SV001")
	agent := h.agent(t, "AG001")
	expectEvent(t, sup, notify.EventAgentConnected, nil)

	ctx, cancel := context.WithTimeout(t.Context(), eventTimeout)
	defer cancel()

	_, err := agent.UpdateStatus(ctx, "AG001", "Busy")
	var se *client.ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, apperr.CodePersistence, se.Code)
	assert.NotContains(t, se.Message, "disk full")

	_, err = agent.SendMessage(ctx, messaging.Request{FromCode: "AG001", ToTeamID: messaging.Team(1), Type: "broadcast", Content: "hello"})
	require.ErrorAs(t, err, &se)
	assert.Equal(t, apperr.CodePersistence, se.Code)

	expectNoEvent(t, sup, notify.EventAgentStatusUpdate)
	expectNoEvent(t, sup, notify.EventNewMessage)
}

func TestMessage_BroadcastReachesEveryoneButSender(t *testing.T) {
	h := newHarness(t)
	sup, _ := h.supervisor(t, "SV001")
	a1 := h.agent(t, "AG001")
	a2 := h.agent(t, "AG002")

	ctx, cancel := context.WithTimeout(t.Context(), eventTimeout)
	defer cancel()
	sent, err := sup.SendMessage(ctx, messaging.Request{
		FromCode: "SV001",
		ToTeamID: messaging.Team(7),
		Type:     "broadcast",
		Content:  "team meeting",
		Priority: "high",
	})
	require.NoError(t, err)

	for _, c := range []*client.Conn{a1, a2} {
		var msg notify.NewMessage
		expectEvent(t, c, notify.EventNewMessage, &msg)
		assert.Equal(t, sent.MessageID, msg.MessageID)
		assert.Equal(t, "SV001", msg.FromCode)
		require.NotNil(t, msg.ToTeamID)
		assert.Equal(t, 7, *msg.ToTeamID)
		assert.Empty(t, msg.ToCode)
		assert.Equal(t, "high", msg.Priority)
	}
	expectNoEvent(t, sup, notify.EventNewMessage)
}

func TestMessage_DirectReachesOnlyRecipient(t *testing.T) {
	h := newHarness(t)
	sup, _ := h.supervisor(t, "AG002") // same code, different role
	sender := h.agent(t, "AG001")
	recipient := h.agent(t, "AG002")
	bystander := h.agent(t, "AG003")

	ctx, cancel := context.WithTimeout(t.Context(), eventTimeout)
	defer cancel()
	_, err := sender.SendMessage(ctx, messaging.Request{FromCode: "AG001", ToCode: "AG002", Type: "direct", Content: "psst"})
	require.NoError(t, err)

	var msg notify.NewMessage
	expectEvent(t, recipient, notify.EventNewMessage, &msg)
	assert.Equal(t, "psst", msg.Content)
	assert.Equal(t, "normal", msg.Priority)

	expectNoEvent(t, bystander, notify.EventNewMessage)
	expectNoEvent(t, sup, notify.EventNewMessage)
}

func TestMessage_ReplayRejected(t *testing.T) {
	h := newHarness(t)
	agent := h.agent(t, "AG001")

	ctx, cancel := context.WithTimeout(t.Context(), eventTimeout)
	defer cancel()
	req := messaging.Request{FromCode: "AG001", ToCode: "AG002", Type: "direct", Content: "once", RequestID: "req-1"}

	_, err := agent.SendMessage(ctx, req)
	require.NoError(t, err)

	_, err = agent.SendMessage(ctx, req)
	var se *client.ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "requestId", se.Field)

	msgs, err := h.store.FindMessages(ctx, store.MessageQuery{AgentCode: "AG002"})
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestMessage_MarkReadIdempotent(t *testing.T) {
	h := newHarness(t)
	sup, _ := h.supervisor(t, "SV001")
	agent := h.agent(t, "AG001")

	ctx, cancel := context.WithTimeout(t.Context(), eventTimeout)
	defer cancel()
	sent, err := sup.SendMessage(ctx, messaging.Request{FromCode: "SV001", ToCode: "AG001", Type: "direct", Content: "read me"})
	require.NoError(t, err)
	expectEvent(t, agent, notify.EventNewMessage, nil)

	first, err := agent.MarkRead(ctx, sent.MessageID)
	require.NoError(t, err)
	assert.True(t, first.IsRead)
	require.NotNil(t, first.ReadAt)

	second, err := agent.MarkRead(ctx, sent.MessageID)
	require.NoError(t, err)
	require.NotNil(t, second.ReadAt)
	assert.True(t, first.ReadAt.Equal(*second.ReadAt))

	_, err = agent.MarkRead(ctx, "no-such-message")
	var se *client.ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, apperr.CodeNotFound, se.Code)
}

func TestRun_ShutdownClosesConnections(t *testing.T) {
	cfg := testConfig()
	gw := NewWithStore(cfg, store.NewMemoryStore(), testLogger())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	errCh := make(chan error, 1)
	go func() { errCh <- gw.Serve(ctx, ln) }()

	url := "ws://" + ln.Addr().String() + cfg.Server.WSPath
	var c *client.Conn
	require.Eventually(t, func() bool {
		c, err = client.Dial(t.Context(), url, client.Options{Logger: testLogger()})
		return err == nil
	}, eventTimeout, 20*time.Millisecond)
	defer c.Close()

	dctx, dcancel := context.WithTimeout(t.Context(), eventTimeout)
	defer dcancel()
	_, err = c.ConnectAgent(dctx, "AG001")
	require.NoError(t, err)

	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not shut down in time")
	}

	select {
	case <-c.Done():
	case <-time.After(eventTimeout):
		t.Fatal("client connection was not closed")
	}
	assert.Equal(t, CloseReasonShutdown, c.CloseReason())
	assert.NoError(t, gw.Shutdown(context.Background()), "second shutdown is a no-op")
}
