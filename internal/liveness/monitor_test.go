// ABOUTME: Tests for the liveness sweep
// ABOUTME: Covers eviction, exactly-once notification, fail-closed handles and the ticker loop

package liveness

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/wallboard-gateway/internal/apperr"
	"github.com/2389/wallboard-gateway/internal/registry"
	"github.com/2389/wallboard-gateway/internal/registry/registrytest"
)

func TestSweep_EvictsClosedOnly(t *testing.T) {
	reg := registry.New(nil)
	live := registrytest.NewHandle()
	dead := registrytest.NewHandle()
	reg.Register(registry.RoleAgent, "AG001", live)
	reg.Register(registry.RoleAgent, "AG002", dead)
	dead.Drop()

	var stale []registry.Entry
	m := New(reg, Config{}, func(e registry.Entry) { stale = append(stale, e) }, nil)

	assert.Equal(t, 1, m.Sweep(t.Context()))
	require.Len(t, stale, 1)
	assert.Equal(t, "AG002", stale[0].Code)
	assert.Equal(t, registry.RoleAgent, stale[0].Role)

	assert.True(t, reg.IsLive(registry.RoleAgent, "AG001"))
	_, ok := reg.Lookup(registry.RoleAgent, "AG002")
	assert.False(t, ok)

	// a second sweep finds nothing: the eviction is reported once
	assert.Equal(t, 0, m.Sweep(t.Context()))
	assert.Len(t, stale, 1)
}

func TestSweep_CompletesAfterCancel(t *testing.T) {
	reg := registry.New(nil)
	codes := []string{"AG001", "AG002", "AG003"}
	for _, code := range codes {
		h := registrytest.NewHandle()
		reg.Register(registry.RoleAgent, code, h)
		h.Drop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	var evicted []string
	m := New(reg, Config{}, func(e registry.Entry) {
		evicted = append(evicted, e.Code)
		cancel()
	}, nil)

	assert.Equal(t, 3, m.Sweep(ctx))
	assert.ElementsMatch(t, codes, evicted)
	assert.Equal(t, 0, reg.Count(registry.RoleAgent))
}

func TestSweep_CloseReasonForHandleReportingClosed(t *testing.T) {
	reg := registry.New(nil)
	h := &closingHandle{Handle: registrytest.NewHandle()}
	reg.Register(registry.RoleAgent, "AG001", h)
	h.reportClosed.Store(true)

	New(reg, Config{}, nil, nil).Sweep(t.Context())
	assert.Equal(t, apperr.ReasonHeartbeatTimeout, h.CloseReason())
}

// closingHandle reports closed while its transport still accepts Close.
type closingHandle struct {
	*registrytest.Handle
	reportClosed atomic.Bool
}

func (c *closingHandle) IsOpen() bool { return !c.reportClosed.Load() }

func TestSweep_PanickingHandleCountsAsClosed(t *testing.T) {
	reg := registry.New(nil)
	h := registrytest.NewHandle()
	h.PanicOnIsOpen = true
	reg.Register(registry.RoleAgent, "AG001", h)

	var calls int
	m := New(reg, Config{}, func(registry.Entry) { calls++ }, nil)

	assert.Equal(t, 1, m.Sweep(t.Context()))
	assert.Equal(t, 1, calls)
}

func TestSweep_SupervisorsEvictedToo(t *testing.T) {
	reg := registry.New(nil)
	sup := registrytest.NewHandle()
	reg.Register(registry.RoleSupervisor, "SV001", sup)
	sup.Drop()

	var roles []registry.Role
	m := New(reg, Config{}, func(e registry.Entry) { roles = append(roles, e.Role) }, nil)
	m.Sweep(t.Context())

	assert.Equal(t, []registry.Role{registry.RoleSupervisor}, roles)
	assert.Equal(t, 0, reg.Count(registry.RoleSupervisor))
}

func TestSweep_LosesRaceToExplicitDisconnect(t *testing.T) {
	reg := registry.New(nil)
	h := registrytest.NewHandle()
	reg.Register(registry.RoleAgent, "AG001", h)
	h.Drop()

	// explicit disconnect wins before the sweep gets there
	require.True(t, reg.DeregisterHandle(registry.RoleAgent, "AG001", h))

	calls := 0
	m := New(reg, Config{}, func(registry.Entry) { calls++ }, nil)
	assert.Equal(t, 0, m.Sweep(t.Context()))
	assert.Equal(t, 0, calls)
}

func TestSweep_NoOverlap(t *testing.T) {
	reg := registry.New(nil)
	h := registrytest.NewHandle()
	reg.Register(registry.RoleAgent, "AG001", h)
	h.Drop()

	entered := make(chan struct{})
	release := make(chan struct{})
	m := New(reg, Config{}, func(registry.Entry) {
		close(entered)
		<-release
	}, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.Sweep(context.Background())
	}()

	<-entered
	assert.Equal(t, 0, m.Sweep(context.Background()), "overlapping sweep must be skipped")
	close(release)
	wg.Wait()
}

func TestRun_SweepsOnTicker(t *testing.T) {
	reg := registry.New(nil)
	h := registrytest.NewHandle()
	reg.Register(registry.RoleAgent, "AG001", h)
	h.Drop()

	evicted := make(chan registry.Entry, 1)
	m := New(reg, Config{Interval: 10 * time.Millisecond}, func(e registry.Entry) { evicted <- e }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	select {
	case e := <-evicted:
		assert.Equal(t, "AG001", e.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sweep")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNew_DefaultInterval(t *testing.T) {
	m := New(registry.New(nil), Config{}, nil, nil)
	assert.Equal(t, DefaultInterval, m.cfg.Interval)
}
