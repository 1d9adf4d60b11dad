package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/warp/internal/gateway"
	"github.com/jkaninda/warp/internal/gateway/httpapi"
	"github.com/jkaninda/warp/internal/gateway/ws"
	"github.com/jkaninda/warp/internal/ratelimit"
	"github.com/jkaninda/warp/internal/session"
	"github.com/jkaninda/warp/internal/storage"
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API, WebSocket endpoint and preview proxy",
	RunE:  runServe,
}

func init() {
	// Registered on root too so that `warp --port :9000` works.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts warp in API mode.
func runServe(_ *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != "" {
		cfg.Server.ListenAddr = servePort
	}
	if len(cfg.Server.APIKeys) == 0 {
		return fmt.Errorf("no API keys configured (set server.api_keys or WARP_API_KEYS)")
	}

	logger.Info("starting warp",
		slog.String("version", version),
		slog.String("addr", cfg.Server.Addr()),
		slog.Bool("heavy", cfg.Heavy.Enabled()),
		slog.Bool("agent", cfg.Agent.Enabled),
	)

	c, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer c.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// History retention.
	retention, err := storage.NewRetention(c.Store, cfg.Storage.Schedule(), cfg.Storage.Retention(), logger)
	if err != nil {
		return fmt.Errorf("configuring retention: %w", err)
	}
	defer retention.Start(ctx)()

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.Server.RateLimit.RequestsPerMinute,
		BurstSize:         cfg.Server.RateLimit.BurstSize,
	})
	defer startLimiterCleanup(ctx, limiter, cfg.Session.CleanupInterval(), cfg.Session.IdleTimeout())()

	apiKeys := gateway.APIKeys(cfg.Server.APIKeys)
	wsServer := ws.NewServer(ws.Config{APIKeys: apiKeys}, c.Sessions, c.Router, limiter, logger)
	if c.Agent != nil {
		wsServer.WithAgent(c.Agent)
	}
	c.Router.OnServerDetected(wsServer.ServerDetected)

	// A closed session releases its preview, its limiter bucket (keyed by the
	// sanitized user id) and its sockets.
	c.Sessions.OnClose(func(s *session.Session) {
		c.Previews.Remove(s.ID)
		limiter.Forget(s.UserID)
		wsServer.CloseSession(s)
	})
	defer c.Sessions.StartCleanup(ctx, cfg.Session.CleanupInterval())()
	defer c.Previews.StartCleanup(ctx, cfg.Preview.CleanupInterval(), cfg.Preview.IdleTimeout())()

	gwCfg := httpapi.Config{
		ListenAddr:     cfg.Server.Addr(),
		EnableDocs:     cfg.Server.EnableDocs,
		APIKeys:        apiKeys,
		MaxRequestSize: cfg.Server.MaxRequestSizeBytes,
		WriteTimeout:   cfg.Heavy.Timeout() + time.Minute,
	}
	if obs := c.Obs; obs != nil {
		gwCfg.HealthChecker = obs.Health
		gwCfg.Metrics = obs.MetricsOrNil()
		if obs.Metrics != nil {
			gwCfg.MetricsRegistry = obs.Metrics.Registry
			if cfg.Observability.Metrics != nil {
				gwCfg.MetricsPath = cfg.Observability.Metrics.Path
			}
		}
		if ts := obs.TracerOrNil(); ts != nil {
			gwCfg.Tracer = ts.Tracer()
		}
	}

	api := httpapi.NewGateway(gwCfg, c.Sessions, c.Router, limiter, logger).
		WithPreviews(c.Previews).
		WithHistory(c.Store).
		WithHandler("/v1/ws", wsServer.Handler())
	if c.Agent != nil {
		api.WithAgent(c.Agent, wsServer.AgentEvent)
	}

	return serveGateways(ctx, logger, api)
}

// serveGateways runs the gateways until a signal arrives or one of them
// fails, then stops them in reverse order.
func serveGateways(ctx context.Context, logger *slog.Logger, gateways ...gateway.Gateway) error {
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errs:
		if runErr != nil {
			logger.Error("gateway exited with error", slog.String("error", runErr.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}
	return runErr
}

// startLimiterCleanup drops rate-limit buckets idle for longer than maxIdle.
func startLimiterCleanup(ctx context.Context, rl *ratelimit.Limiter, interval, maxIdle time.Duration) func() {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.Prune(maxIdle)
			}
		}
	}()
	return cancel
}
