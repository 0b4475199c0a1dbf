// ABOUTME: Gateway wires the control plane components together and owns their lifecycle
// ABOUTME: Serves the REST API, the notification stream and the /ws agent endpoint

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/2389/coven-control/internal/activity"
	"github.com/2389/coven-control/internal/agent"
	"github.com/2389/coven-control/internal/auth"
	"github.com/2389/coven-control/internal/config"
	"github.com/2389/coven-control/internal/dedupe"
	"github.com/2389/coven-control/internal/dispatch"
	"github.com/2389/coven-control/internal/generate"
	"github.com/2389/coven-control/internal/groups"
	"github.com/2389/coven-control/internal/guard"
	"github.com/2389/coven-control/internal/keymutex"
	"github.com/2389/coven-control/internal/notify"
	"github.com/2389/coven-control/internal/queue"
	"github.com/2389/coven-control/internal/ratelimit"
	"github.com/2389/coven-control/internal/scheduler"
	"github.com/2389/coven-control/internal/store"
	"github.com/2389/coven-control/internal/transport"
)

const (
	// housekeepingInterval is how often the activity feed and the
	// notification log are trimmed.
	housekeepingInterval = time.Hour

	activityRetention = 24 * time.Hour
	resultDedupeSize  = 100_000
)

// Gateway orchestrates the coven-control server components.
type Gateway struct {
	config *config.Config
	store  store.Store
	logger *slog.Logger

	hub       *notify.Hub
	registry  *agent.Registry
	queue     *queue.Queue
	groups    *groups.Manager
	scheduler *scheduler.Scheduler
	dispatch  *dispatch.Service
	activity  *activity.Feed
	generator generate.Generator
	transport *transport.Server

	// results suppresses duplicate result frames from reconnecting agents
	results *dedupe.Cache

	// verifier is nil when no jwt_secret is configured
	verifier *auth.JWTVerifier

	commandLimiter *ratelimit.Limiter
	apiLimiter     *ratelimit.Limiter
	authLimiter    *ratelimit.Limiter

	handler    http.Handler
	httpServer *http.Server
	startedAt  time.Time

	mu         sync.Mutex
	cancelRun  context.CancelFunc
	background sync.WaitGroup
}

// initStore opens the SQLite store, honouring COVEN_CONTROL_DB_PATH.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("COVEN_CONTROL_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// newGenerator builds the configured prompt-to-command generator. Remote
// providers sit behind a circuit breaker.
func newGenerator(cfg config.GeneratorConfig, logger *slog.Logger) generate.Generator {
	switch cfg.Provider {
	case config.ProviderGemini:
		gemini := generate.NewGemini(generate.GeminiConfig{
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		}, logger)
		return generate.NewBreaker(gemini, generate.BreakerConfig{
			MaxFailures: cfg.BreakerMaxFailures,
			Timeout:     cfg.BreakerTimeout,
		}, logger)
	default:
		return generate.Passthrough{}
	}
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	gw, err := newWithStore(cfg, s, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

func newWithStore(cfg *config.Config, s store.Store, logger *slog.Logger) (*Gateway, error) {
	agentTokens, err := auth.NewAgentTokenVerifier(cfg.Auth.AgentToken, cfg.Auth.AgentTokenBcrypt)
	if err != nil {
		return nil, fmt.Errorf("creating agent token verifier: %w", err)
	}

	var verifier *auth.JWTVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier, err = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
	}

	hub := notify.NewHub(s, logger,
		notify.WithKeepLast(cfg.Notifications.KeepLast),
		notify.WithMaxSubscribers(cfg.Notifications.MaxSubscribers),
	)
	registry := agent.NewRegistry(logger,
		agent.WithLivenessThreshold(cfg.Agents.LivenessThreshold),
		agent.WithSweepInterval(cfg.Agents.SweepInterval),
		agent.WithPublisher(hub),
	)

	// queue, groups and scheduler serialize on one lock space
	locks := keymutex.New()
	q := queue.New(s, locks, logger)
	grp := groups.New(s, locks, logger)
	feed := activity.NewFeed(activity.DefaultMaxEntries)
	generator := newGenerator(cfg.Generator, logger)

	svc := dispatch.New(dispatch.Deps{
		Registry:  registry,
		Queue:     q,
		Groups:    grp,
		Generator: generator,
		Policy:    guard.NewPolicy(cfg.Guardrails.MaxLength, cfg.Guardrails.BlockedKeywords, cfg.Guardrails.AllowedCommands),
		History:   s,
		Activity:  feed,
		Publisher: hub,
	}, logger, dispatch.WithRequireConfirmation(cfg.Agents.RequireConfirmation))

	sched := scheduler.New(s, svc.RunScheduled, logger,
		scheduler.WithIntervalUnit(cfg.Scheduler.IntervalUnit),
		scheduler.WithLocks(locks),
	)

	results := dedupe.New(cfg.Agents.ResultDedupeTTL, resultDedupeSize)

	ws := transport.NewServer(transport.Deps{
		Registry: registry,
		Handler:  svc,
		Tokens:   agentTokens,
		Results:  results,
		Activity: feed,
	}, transport.Config{
		MaxMessageSize: cfg.Agents.MaxMessageSize,
		PingInterval:   cfg.Agents.PingInterval,
		WriteTimeout:   cfg.Agents.WriteTimeout,
		ReadTimeout:    cfg.Agents.ReadTimeout,
		MessageRate:    cfg.Agents.MessageRate,
		MessageBurst:   cfg.Agents.MessageBurst,
	}, logger)

	gw := &Gateway{
		config:         cfg,
		store:          s,
		logger:         logger.With("component", "gateway"),
		hub:            hub,
		registry:       registry,
		queue:          q,
		groups:         grp,
		scheduler:      sched,
		dispatch:       svc,
		activity:       feed,
		generator:      generator,
		transport:      ws,
		results:        results,
		verifier:       verifier,
		commandLimiter: ratelimit.New(cfg.RateLimits.Command.MaxRequests, cfg.RateLimits.Command.Window),
		apiLimiter:     ratelimit.New(cfg.RateLimits.API.MaxRequests, cfg.RateLimits.API.Window),
		authLimiter:    ratelimit.New(cfg.RateLimits.Auth.MaxRequests, cfg.RateLimits.Auth.Window),
		startedAt:      time.Now(),
	}

	if !agentTokens.Enabled() {
		gw.logger.Warn("agent auth disabled - no agent_token configured")
	}

	mux := http.NewServeMux()
	gw.registerRoutes(mux)
	gw.handler = mux

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the root HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Run starts background work and serves HTTP until ctx is canceled.
func (g *Gateway) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	g.mu.Lock()
	g.cancelRun = cancel
	g.mu.Unlock()

	if err := g.start(runCtx); err != nil {
		cancel()
		return err
	}

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		cancel()
		return fmt.Errorf("listening on %s: %w", g.config.Server.HTTPAddr, err)
	}

	errCh := g.startServer(ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// start re-arms scheduled tasks and launches the liveness sweep and housekeeping.
func (g *Gateway) start(ctx context.Context) error {
	if err := g.hub.Prune(ctx); err != nil {
		g.logger.Warn("pruning notifications", "error", err)
	}
	if err := g.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	g.background.Go(func() { g.registry.Run(ctx) })
	g.background.Go(func() { g.housekeeping(ctx) })
	return nil
}

func (g *Gateway) housekeeping(ctx context.Context) {
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.activity.Prune(activityRetention); n > 0 {
				g.logger.Debug("pruned activity", "removed", n)
			}
			if err := g.hub.Prune(ctx); err != nil {
				g.logger.Warn("pruning notifications", "error", err)
			}
		}
	}
}

// startServer serves HTTP in a goroutine, returning its error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)
	tlsCfg := g.config.Server

	go func() {
		var err error
		if tlsCfg.TLSEnabled() {
			g.logger.Info("HTTPS server listening", "addr", ln.Addr().String())
			err = g.httpServer.ServeTLS(ln, tlsCfg.TLSCertFile, tlsCfg.TLSKeyFile)
		} else {
			g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
			err = g.httpServer.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
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

// Shutdown stops serving, disconnects agents, stops timers and closes the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.transport.Close()
	g.scheduler.Stop()

	g.mu.Lock()
	if g.cancelRun != nil {
		g.cancelRun()
	}
	g.mu.Unlock()
	g.background.Wait()

	g.results.Close()
	g.commandLimiter.Close()
	g.apiLimiter.Close()
	g.authLimiter.Close()
	g.hub.Close()

	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth reports liveness with the connected agent count.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:        "ok",
		Agents:        g.registry.Count(),
		UptimeSeconds: int64(time.Since(g.startedAt).Seconds()),
	})
}

// handleReady returns 200 OK if the server has at least one agent connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	n := g.registry.Count()
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", n)
}
