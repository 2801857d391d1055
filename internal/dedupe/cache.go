// ABOUTME: Replay guard that rejects a send_message re-sent with an already-seen requestId
// ABOUTME: Bounded, TTL-expiring record of (sender, requestId) pairs

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// DefaultMaxEntries bounds memory when no size is configured.
const DefaultMaxEntries = 10000

type entry struct {
	key    string
	seenAt time.Time
}

// Guard remembers recent (sender, requestId) pairs for ttl. The oldest pair is
// evicted first when the guard is full.
type Guard struct {
	mu      sync.Mutex
	seen    map[string]*list.Element
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a Guard. A background goroutine sweeps expired pairs until
// Close is called.
func New(ttl time.Duration, maxSize int) *Guard {
	if maxSize <= 0 {
		maxSize = DefaultMaxEntries
	}
	g := &Guard{
		seen:    make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go g.cleanup()
	return g
}

func key(sender, requestID string) string {
	return sender + "\x00" + requestID
}

// Seen records (sender, requestID) and reports whether it was already
// recorded within the TTL. An empty requestID is never a replay.
func (g *Guard) Seen(sender, requestID string) bool {
	if requestID == "" {
		return false
	}
	k := key(sender, requestID)
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if el, ok := g.seen[k]; ok {
		e := el.Value.(*entry)
		if now.Sub(e.seenAt) < g.ttl {
			return true
		}
		// expired: start a fresh window
		e.seenAt = now
		g.order.MoveToBack(el)
		return false
	}

	if len(g.seen) >= g.maxSize {
		if front := g.order.Front(); front != nil {
			g.order.Remove(front)
			delete(g.seen, front.Value.(*entry).key)
		}
	}
	g.seen[k] = g.order.PushBack(&entry{key: k, seenAt: now})
	return false
}

// Forget drops (sender, requestID) so the same request can be retried, used
// when the first attempt failed before anything was persisted.
func (g *Guard) Forget(sender, requestID string) {
	if requestID == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	k := key(sender, requestID)
	if el, ok := g.seen[k]; ok {
		g.order.Remove(el)
		delete(g.seen, k)
	}
}

// Len returns the number of remembered pairs, expired or not.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}

func (g *Guard) cleanup() {
	interval := g.ttl
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.expire()
		case <-g.done:
			return
		}
	}
}

// expire removes pairs older than ttl. Entries are in seenAt order, so it
// stops at the first live one.
func (g *Guard) expire() {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	for el := g.order.Front(); el != nil; {
		e := el.Value.(*entry)
		if now.Sub(e.seenAt) < g.ttl {
			return
		}
		next := el.Next()
		g.order.Remove(el)
		delete(g.seen, e.key)
		el = next
	}
}

// Close stops the background sweep. It is safe to call multiple times.
func (g *Guard) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.closed {
		close(g.done)
		g.closed = true
	}
}
