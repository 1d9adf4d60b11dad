package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/warp/internal/agent"
	"github.com/jkaninda/warp/internal/config"
	"github.com/jkaninda/warp/internal/heavy"
	"github.com/jkaninda/warp/internal/llm"
	"github.com/jkaninda/warp/internal/llm/anthropic"
	"github.com/jkaninda/warp/internal/llm/openai"
	"github.com/jkaninda/warp/internal/observability"
	"github.com/jkaninda/warp/internal/preview"
	"github.com/jkaninda/warp/internal/router"
	"github.com/jkaninda/warp/internal/sandbox"
	"github.com/jkaninda/warp/internal/session"
	"github.com/jkaninda/warp/internal/storage"
	pgstore "github.com/jkaninda/warp/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/warp/internal/storage/sqlite"
	"github.com/jkaninda/warp/internal/workspace"
)

var configPath string

// components holds the subsystems shared by serve and mcp modes. Built once
// by initShared, torn down by Cleanup.
type components struct {
	Config   *config.Config
	Logger   *slog.Logger
	Obs      *observability.Observability
	Store    storage.Store
	Sandbox  sandbox.Sandbox
	Sessions *session.Manager
	Previews *preview.Registry
	Router   *router.Router
	Agent    *agent.Loop // nil = agent disabled.

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (c *components) Cleanup() {
	for i := len(c.cleanups) - 1; i >= 0; i-- {
		c.cleanups[i]()
	}
}

func (c *components) addCleanup(fn func()) {
	c.cleanups = append(c.cleanups, fn)
}

// loadConfig loads the config named by WARP_CONFIG or --config and builds
// the JSON logger at the configured level.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(goutils.Env("WARP_CONFIG", configPath))
	if err != nil {
		return nil, nil, err
	}
	return cfg, newLogger(cfg.Level()), nil
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	// stderr keeps stdout free for the MCP stdio transport.
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// initShared performs the initialization common to serve and mcp modes.
// Callers must call Cleanup when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*components, error) {
	c := &components{Config: cfg, Logger: logger}

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	c.Obs = obs
	c.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	// Storage.
	store, err := initStore(cfg, logger)
	if err != nil {
		c.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	c.Store = store
	c.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})
	if err := store.Migrate(context.Background()); err != nil {
		c.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	// Workspaces and sessions.
	wsStore, err := workspace.NewStore(cfg.Workspace.ResolvedRoot(), cfg.Workspace.QuotaBytes())
	if err != nil {
		c.Cleanup()
		return nil, fmt.Errorf("initializing workspaces: %w", err)
	}
	logger.Debug("workspace root initialized", slog.String("root", wsStore.Root()))

	c.Sessions = session.NewManager(wsStore, session.Config{
		ProcessTimeout: cfg.Sandbox.Timeout(),
		IdleTimeout:    cfg.Session.IdleTimeout(),
	}, logger)

	// Light sandbox.
	sbx, err := initSandbox(cfg, logger)
	if err != nil {
		c.Cleanup()
		return nil, fmt.Errorf("initializing sandbox: %w", err)
	}
	if closer, ok := sbx.(interface{ Close() error }); ok {
		c.addCleanup(func() { _ = closer.Close() })
	}
	logger.Debug("sandbox initialized",
		slog.String("type", sandboxType(cfg.Sandbox.Type)),
		slog.String("timeout", cfg.Sandbox.Timeout().String()),
	)
	c.Sandbox = sbx
	if obs.MetricsOrNil() != nil || obs.TracerOrNil() != nil {
		c.Sandbox = observability.NewInstrumentedSandbox(sbx, sandboxType(cfg.Sandbox.Type), obs.MetricsOrNil(), obs.TracerOrNil(), obs.AnomalyOrNil())
	}

	guard, err := buildGuard(cfg.Sandbox.BlockedExtra)
	if err != nil {
		c.Cleanup()
		return nil, err
	}
	executor := sandbox.NewExecutor(c.Sandbox, guard, logger)

	// Heavy path.
	var heavyRunner router.HeavyRunner
	if cfg.Heavy.Enabled() {
		client, err := initHeavyClient(cfg, sbx, obs, logger)
		if err != nil {
			c.Cleanup()
			return nil, fmt.Errorf("initializing heavy client: %w", err)
		}
		heavyRunner = client
		if obs != nil && obs.Health != nil {
			health := heavy.NewHealthScaler(cfg.Heavy.Endpoint)
			obs.Health.AddOptionalCheck("heavy", func(ctx context.Context) error {
				n, err := health.Running(ctx)
				if err != nil {
					return err
				}
				if n == 0 {
					return errors.New("compute backend is not reachable")
				}
				return nil
			})
		}
		logger.Info("heavy compute backend configured",
			slog.String("endpoint", client.Endpoint()),
			slog.String("timeout", client.Timeout().String()),
		)
	}

	// Previews.
	c.Previews = preview.NewRegistry(preview.Config{PublicURL: cfg.Server.BaseURL()}, logger, obs.MetricsOrNil())

	c.Router = router.New(router.Config{HeavyHost: cfg.Heavy.PreviewHost}, executor, heavyRunner, guard, logger).
		WithPreviews(c.Previews).
		WithHistory(store).
		WithObservability(obs.MetricsOrNil(), obs.AnomalyOrNil(), obs.TracerOrNil())

	// Agent.
	if cfg.Agent.Enabled {
		provider, err := newLLMProvider(cfg, logger)
		if err != nil {
			c.Cleanup()
			return nil, fmt.Errorf("initializing LLM provider: %w", err)
		}
		if obs.MetricsOrNil() != nil {
			provider = observability.NewInstrumentedProvider(provider, obs.Metrics, obs.TracerOrNil(), obs.AnomalyOrNil())
		}
		c.Agent = agent.NewLoop(agent.Config{
			MaxIterations: cfg.Agent.Iterations(),
			Timeout:       cfg.Agent.Timeout(),
		}, provider, executor, logger).
			WithHistory(store).
			WithObservability(obs.MetricsOrNil(), obs.TracerOrNil())
		logger.Info("autonomous agent enabled",
			slog.String("provider", provider.Name()),
			slog.Int("max_iterations", cfg.Agent.Iterations()),
		)
	}

	if m := obs.MetricsOrNil(); m != nil {
		m.RegisterGauge("active_sessions", "Live sessions.", func() float64 {
			return float64(c.Sessions.Count())
		})
		m.RegisterGauge("preview_bindings", "Published preview bindings.", func() float64 {
			return float64(c.Previews.Stats().Total)
		})
	}
	if obs != nil && obs.Health != nil {
		obs.Health.AddCheck("storage", store.Ping)
	}

	return c, nil
}

// initStore opens the configured history backend.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.Storage.StorageDriver(); driver {
	case storage.DriverPostgres:
		pg := cfg.Storage.Postgres
		store, err := pgstore.Open(pgstore.Config{
			DSN:             pg.DSN,
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("opening postgres: %w", err)
		}
		return store, nil
	case storage.DriverSQLite:
		journalMode := "wal"
		if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
			journalMode = cfg.Storage.SQLite.JournalMode
		}
		return sqlitestore.Open(sqlitestore.Config{
			Path:        cfg.DatabasePath(),
			JournalMode: journalMode,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

// initSandbox creates the light-path sandbox based on config type.
func initSandbox(cfg *config.Config, logger *slog.Logger) (sandbox.Sandbox, error) {
	switch cfg.Sandbox.Type {
	case "docker":
		return sandbox.NewDockerSandbox(sandbox.DockerConfig{
			Image:          cfg.Sandbox.Docker.Image,
			DefaultTimeout: cfg.Sandbox.Timeout(),
			MemoryMB:       cfg.Sandbox.MaxMemoryMB,
			CPUCores:       cfg.Sandbox.Docker.CPUCores,
			PIDsLimit:      int64(cfg.Sandbox.Docker.PIDsLimit),
			NetworkAllowed: cfg.Sandbox.Docker.NetworkAllowed,
		}, logger)
	case "process", "":
		return sandbox.NewProcessSandbox(sandbox.ProcessConfig{
			DefaultTimeout: cfg.Sandbox.Timeout(),
			DefaultLimits: sandbox.ResourceLimits{
				MaxCPUSeconds: cfg.Sandbox.MaxCPUSeconds,
				MaxMemoryMB:   cfg.Sandbox.MaxMemoryMB,
			},
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown sandbox type: %q (supported: process, docker)", cfg.Sandbox.Type)
	}
}

func sandboxType(t string) string {
	if t == "" {
		return "process"
	}
	return t
}

// buildGuard compiles the configured extra deny-list entries.
func buildGuard(extra []string) (*sandbox.Guard, error) {
	patterns := make([]sandbox.BlockedPattern, 0, len(extra))
	for _, expr := range extra {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("sandbox.blocked_extra %q: %w", expr, err)
		}
		patterns = append(patterns, sandbox.BlockedPattern{Pattern: re, Description: "blocked by configuration"})
	}
	return sandbox.NewGuard(patterns...), nil
}

// initHeavyClient creates the compute backend client and its scaler. The
// docker scaler reuses the light sandbox's Docker client when it has one.
func initHeavyClient(cfg *config.Config, light sandbox.Sandbox, obs *observability.Observability, logger *slog.Logger) (*heavy.Client, error) {
	var scaler heavy.Scaler
	switch cfg.Heavy.Scaler {
	case "docker":
		control, ok := light.(*sandbox.DockerSandbox)
		if !ok {
			var err error
			control, err = sandbox.NewDockerSandbox(sandbox.DockerConfig{}, logger)
			if err != nil {
				return nil, err
			}
		}
		label := cfg.Heavy.ScalerLabel
		if label == "" {
			label = "warp.role=heavy"
		}
		scaler = heavy.NewDockerScaler(control, label)
	default:
		scaler = heavy.NewHealthScaler(cfg.Heavy.Endpoint)
	}

	clientCfg := heavy.ClientConfig{
		Endpoint:        cfg.Heavy.Endpoint,
		Timeout:         cfg.Heavy.Timeout(),
		CapacityCeiling: cfg.Heavy.CapacityCeiling(),
		ProjectsDir:     cfg.Heavy.Projects(),
		Scaler:          scaler,
	}
	if ts := obs.TracerOrNil(); ts != nil {
		clientCfg.TracerProvider = ts.Provider()
	}
	return heavy.NewClient(clientCfg, logger, obs.MetricsOrNil()), nil
}

// newLLMProvider creates the agent's LLM provider, wrapped in a fallback
// chain when fallbacks are configured.
func newLLMProvider(cfg *config.Config, logger *slog.Logger) (llm.Provider, error) {
	primary, err := buildProvider(cfg.Providers.Default, cfg, logger)
	if err != nil {
		return nil, err
	}
	if len(cfg.Providers.Fallback) == 0 {
		return primary, nil
	}

	providers := []llm.Provider{primary}
	for _, name := range cfg.Providers.Fallback {
		fb, err := buildProvider(name, cfg, logger)
		if err != nil {
			logger.Warn("skipping fallback provider",
				slog.String("provider", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		providers = append(providers, fb)
	}
	if len(providers) == 1 {
		return primary, nil
	}
	return llm.NewFallbackProvider(providers, logger), nil
}

// buildProvider creates a single LLM provider by name.
func buildProvider(name string, cfg *config.Config, logger *slog.Logger) (llm.Provider, error) {
	switch name {
	case "openai", "":
		var opts []openai.Option
		if cfg.Providers.OpenAI.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.Providers.OpenAI.BaseURL))
		}
		return openai.NewClient(cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.Model, logger, opts...), nil
	case "anthropic":
		return anthropic.NewClient(cfg.Providers.Anthropic.APIKey, cfg.Providers.Anthropic.Model, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider: %q", name)
	}
}
