// ABOUTME: Gateway orchestrator that wires the registry, liveness monitor and services
// ABOUTME: Owns the HTTP server (websocket upgrade, REST API, health) and its lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/2389/wallboard-gateway/internal/config"
	"github.com/2389/wallboard-gateway/internal/dedupe"
	"github.com/2389/wallboard-gateway/internal/liveness"
	"github.com/2389/wallboard-gateway/internal/messaging"
	"github.com/2389/wallboard-gateway/internal/notify"
	"github.com/2389/wallboard-gateway/internal/registry"
	"github.com/2389/wallboard-gateway/internal/status"
	"github.com/2389/wallboard-gateway/internal/store"
	"github.com/2389/wallboard-gateway/internal/transport"
)

// Close reasons sent to participants in the websocket close frame.
const (
	CloseReasonSuperseded = "superseded"
	CloseReasonShutdown   = "shutdown"
	CloseReasonInternal   = "internal_error"
)

// Gateway orchestrates the wallboard-gateway server components.
type Gateway struct {
	config   *config.Config
	store    store.Store
	registry *registry.Registry
	monitor  *liveness.Monitor
	statuses *status.Service
	router   *messaging.Router
	guard    *dedupe.Guard
	limiter  *ipLimiter // nil when API rate limiting is off

	upgrader   *websocket.Upgrader
	connOpts   transport.Options
	httpServer *http.Server
	logger     *slog.Logger

	startedAt time.Time

	// sessions tracks every open websocket, identified or not
	sessionsMu sync.Mutex
	sessions   map[*session]struct{}
	sessionsWG sync.WaitGroup
	closing    bool

	shutdownOnce sync.Once
	shutdownErr  error
}

// New opens the configured store and creates a Gateway around it.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := store.Open(ctx, store.Options{
		Driver:   cfg.Database.Driver,
		Path:     cfg.Database.Path,
		DSN:      cfg.Database.DSN,
		MinConns: cfg.Database.MinConns,
		MaxConns: cfg.Database.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return NewWithStore(cfg, s, logger), nil
}

// NewWithStore creates a Gateway on an already opened store. The gateway takes
// ownership of s and closes it on Shutdown.
func NewWithStore(cfg *config.Config, s store.Store, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}

	reg := registry.New(logger)

	var guard *dedupe.Guard
	if cfg.Gateway.ReplayTTL > 0 {
		guard = dedupe.New(cfg.Gateway.ReplayTTL, dedupe.DefaultMaxEntries)
	}

	gw := &Gateway{
		config:   cfg,
		store:    s,
		registry: reg,
		statuses: status.NewService(s, s, reg, logger),
		router:   messaging.NewRouter(s, reg, guard, logger),
		guard:    guard,
		upgrader: transport.NewUpgrader(cfg.Server.AllowedOrigins),
		connOpts: transport.Options{
			WriteTimeout:    cfg.Gateway.WriteTimeout,
			PongWait:        cfg.Gateway.PongWait,
			SendBuffer:      cfg.Gateway.SendBuffer,
			MaxMessageBytes: cfg.Gateway.MaxMessageBytes,
		},
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
		sessions:  make(map[*session]struct{}),
	}
	if cfg.Gateway.RateLimitRequests > 0 && cfg.Gateway.RateLimitWindow > 0 {
		gw.limiter = newIPLimiter(cfg.Gateway.RateLimitRequests, cfg.Gateway.RateLimitWindow)
	}
	gw.monitor = liveness.New(reg, liveness.Config{Interval: cfg.Gateway.HeartbeatInterval}, gw.handleStale, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+cfg.Server.WSPath, gw.handleWebSocket)
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)
	gw.registerAPIRoutes(mux)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw
}

// Handler returns the HTTP handler serving websocket, REST and health routes.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Registry exposes the live connection registry.
func (g *Gateway) Registry() *registry.Registry {
	return g.registry
}

// Sweep runs one liveness sweep immediately and returns how many entries it evicted.
func (g *Gateway) Sweep(ctx context.Context) int {
	return g.monitor.Sweep(ctx)
}

// Run starts the HTTP server and the liveness monitor and blocks until ctx is
// canceled or one of them fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}
	return g.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String(), "ws_path", g.config.Server.WSPath)
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		return g.monitor.Run(egCtx)
	})

	eg.Go(func() error {
		<-egCtx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		return g.gracefulShutdown()
	})

	return eg.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server, closes every participant connection and
// releases the replay guard and the store. Later calls return the first result.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.logger.Info("shutting down gateway")

		var errs []error
		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

		// hijacked websocket connections are not tracked by http.Server
		for _, s := range g.beginClose() {
			_ = s.conn.Close(CloseReasonShutdown)
		}
		g.waitSessions(ctx)

		if g.guard != nil {
			g.guard.Close()
		}
		errs = appendCloseError(errs, "store close", g.store.Close())

		g.shutdownErr = errors.Join(errs...)
	})
	return g.shutdownErr
}

// beginClose stops accepting sessions and returns the ones still open.
func (g *Gateway) beginClose() []*session {
	g.sessionsMu.Lock()
	defer g.sessionsMu.Unlock()
	g.closing = true
	out := make([]*session, 0, len(g.sessions))
	for s := range g.sessions {
		out = append(out, s)
	}
	return out
}

func (g *Gateway) waitSessions(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		g.sessionsWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.logger.Warn("timed out waiting for connections to finish")
	}
}

// track registers s for shutdown. It reports false once shutdown has begun.
func (g *Gateway) track(s *session) bool {
	g.sessionsMu.Lock()
	defer g.sessionsMu.Unlock()
	if g.closing {
		return false
	}
	g.sessions[s] = struct{}{}
	g.sessionsWG.Add(1)
	return true
}

func (g *Gateway) untrack(s *session) {
	g.sessionsMu.Lock()
	delete(g.sessions, s)
	g.sessionsMu.Unlock()
	g.sessionsWG.Done()
}

// handleStale is the liveness monitor's eviction callback. Agents are
// announced; supervisors leave silently.
func (g *Gateway) handleStale(e registry.Entry) {
	if e.Role != registry.RoleAgent {
		return
	}
	g.announceDisconnect(e.Code, notify.ReasonHeartbeatTimeout)
}

// announceDisconnect tells every live connection that an agent went away.
func (g *Gateway) announceDisconnect(agentCode, reason string) {
	payload := notify.AgentDisconnected{
		AgentCode: agentCode,
		Timestamp: time.Now().UTC(),
		Reason:    reason,
	}
	deliveries := notify.To(g.registry.Recipients(nil), notify.New(notify.EventAgentDisconnected, payload))
	notify.Fanout(deliveries, g.logger)
}
