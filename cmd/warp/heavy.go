package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/warp/internal/config"
	"github.com/jkaninda/warp/internal/heavy"
	"github.com/jkaninda/warp/internal/observability"
	"github.com/jkaninda/warp/internal/sandbox"
)

var heavyCmd = &cobra.Command{
	Use:   "heavy",
	Short: "Start the heavy compute backend",
	Long: `Runs the compute backend that executes builds, installs and dev servers
for the API server. Point heavy.endpoint (WARP_HEAVY_ENDPOINT) of the API
server at this process.`,
	RunE: runHeavy,
}

// heavyRunner is a sandbox that can also host long-running services.
type heavyRunner interface {
	sandbox.Sandbox
	sandbox.ServiceRunner
}

func runHeavy(_ *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return fmt.Errorf("initializing observability: %w", err)
	}
	defer obs.Shutdown(context.Background())

	runner, err := initHeavyRunner(cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing heavy runner: %w", err)
	}

	var sbx sandbox.Sandbox = runner
	if obs.MetricsOrNil() != nil || obs.TracerOrNil() != nil {
		sbx = observability.NewInstrumentedSandbox(runner, "heavy-"+sandboxType(cfg.Heavy.Runner), obs.MetricsOrNil(), obs.TracerOrNil(), obs.AnomalyOrNil())
	}

	srvCfg := heavy.ServerConfig{
		ListenAddr:  cfg.Heavy.Addr(),
		ProjectsDir: cfg.Heavy.Projects(),
		Timeout:     cfg.Heavy.Timeout(),
		PreviewHost: cfg.Heavy.PreviewHost,
		Metrics:     obs.MetricsOrNil(),
	}
	if ts := obs.TracerOrNil(); ts != nil {
		srvCfg.Tracer = ts.Tracer()
	}
	srv := heavy.NewServer(srvCfg, sbx, runner, logger)

	logger.Info("starting heavy compute backend",
		slog.String("version", version),
		slog.String("addr", srvCfg.ListenAddr),
		slog.String("projects_dir", srvCfg.ProjectsDir),
		slog.String("runner", sandboxType(cfg.Heavy.Runner)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serveGateways(ctx, logger, srv)
}

// initHeavyRunner creates the heavy-side sandbox. Heavy commands run with
// the heavy timeout and without the light path's CPU limit.
func initHeavyRunner(cfg *config.Config, logger *slog.Logger) (heavyRunner, error) {
	switch cfg.Heavy.Runner {
	case "docker":
		return sandbox.NewDockerSandbox(sandbox.DockerConfig{
			Image:          cfg.Sandbox.Docker.Image,
			DefaultTimeout: cfg.Heavy.Timeout(),
			MemoryMB:       cfg.Sandbox.MaxMemoryMB,
			CPUCores:       cfg.Sandbox.Docker.CPUCores,
			PIDsLimit:      int64(cfg.Sandbox.Docker.PIDsLimit),
			NetworkAllowed: true,
		}, logger)
	case "process", "":
		return sandbox.NewProcessSandbox(sandbox.ProcessConfig{
			DefaultTimeout: cfg.Heavy.Timeout(),
			DefaultLimits: sandbox.ResourceLimits{
				MaxMemoryMB: cfg.Sandbox.MaxMemoryMB,
			},
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown heavy runner: %q (supported: process, docker)", cfg.Heavy.Runner)
	}
}
