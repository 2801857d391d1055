// ABOUTME: In-memory registry.Handle for tests in other packages
// ABOUTME: Records every envelope it accepts and can be closed or made to panic

package registrytest

import (
	"sync"

	"github.com/google/uuid"

	"github.com/2389/wallboard-gateway/internal/notify"
)

// Handle is a fake connection. The zero value is not usable; call NewHandle.
type Handle struct {
	id string

	mu          sync.Mutex
	open        bool
	closeReason string
	received    []notify.Envelope

	// PanicOnIsOpen makes IsOpen panic, simulating a broken transport.
	PanicOnIsOpen bool
}

// NewHandle returns an open handle.
func NewHandle() *Handle {
	return &Handle{id: uuid.New().String(), open: true}
}

func (h *Handle) ID() string { return h.id }

// Send records env while the handle is open.
func (h *Handle) Send(env notify.Envelope) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.open {
		return false
	}
	h.received = append(h.received, env)
	return true
}

func (h *Handle) IsOpen() bool {
	if h.PanicOnIsOpen {
		panic("transport state unavailable")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.open
}

func (h *Handle) Close(reason string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.open {
		h.open = false
		h.closeReason = reason
	}
	return nil
}

// Drop marks the transport dead without going through Close, the way a
// vanished peer looks to the liveness sweep.
func (h *Handle) Drop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.open = false
}

// CloseReason returns the reason passed to the first Close.
func (h *Handle) CloseReason() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closeReason
}

// Received returns a copy of every accepted envelope.
func (h *Handle) Received() []notify.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]notify.Envelope(nil), h.received...)
}

// Events returns the event names of every accepted envelope, in order.
func (h *Handle) Events() []string {
	var names []string
	for _, env := range h.Received() {
		names = append(names, env.Event)
	}
	return names
}

// Reset forgets received envelopes.
func (h *Handle) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.received = nil
}
