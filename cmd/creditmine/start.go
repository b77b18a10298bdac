package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/creditmine/internal/config"
	"github.com/gezibash/creditmine/internal/engine"
	"github.com/gezibash/creditmine/internal/engine/anacrolix"
	"github.com/gezibash/creditmine/internal/mining"
	"github.com/gezibash/creditmine/internal/observability"
	"github.com/gezibash/creditmine/internal/resumestore"
	"github.com/gezibash/creditmine/internal/source/dirsource"
	"github.com/gezibash/creditmine/internal/swarm"
)

const shutdownTimeout = 30 * time.Second

func newStartCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the credit mining daemon",
		Long: `Run the credit mining daemon.

Swarms are discovered from the configured sources, probed before they are
admitted, and the best candidates under the selection policy are seeded up
to the mining capacity. Resume state is written to the configured backend
so a restart picks up where the last run stopped.

Examples:
  creditmine start --capacity 20 --policy random
  creditmine start --filter 'seeders < 10 && length < 4294967296'
  creditmine start --resume-backend badger --config /etc/creditmine/creditmine.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configFile, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runStart(cmd.Context(), cfg)
		},
	}

	config.BindStartFlags(cmd, v)
	return cmd
}

func runStart(parent context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, observability.ObsConfig{
		LogLevel:       cfg.Observability.LogLevel,
		LogFormat:      cfg.Observability.LogFormat,
		OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
		OTLPProtocol:   cfg.Observability.OTLPProtocol,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,

		TraceSampleRatio: cfg.Observability.TraceSampleRatio,
	}, os.Stderr)
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	logger := obs.Logger
	slog.SetDefault(logger)

	backend, backendCfg := cfg.ResumeBackend()
	store, err := resumestore.Open(ctx, backend, backendCfg, logger)
	if err != nil {
		_ = obs.Close(context.Background())
		return fmt.Errorf("open resume store: %w", err)
	}
	obs.Shutdown.Register("resume-store", func(context.Context) error { return store.Close() })

	seed, probe, err := openSessions(cfg, logger)
	if err != nil {
		_ = obs.Close(context.Background())
		return err
	}

	mgr, err := mining.New(cfg.MiningConfig(), seed, probe, store,
		mining.WithLogger(logger),
		mining.WithMetrics(obs.Metrics),
		mining.WithHealthChecker(sessionHealth{seed, probe}),
	)
	if err != nil {
		_ = seed.Close()
		_ = probe.Close()
		_ = obs.Close(context.Background())
		return fmt.Errorf("create mining manager: %w", err)
	}

	if cfg.Observability.MetricsAddr != "" {
		obs.ServeMetrics(ctx, cfg.Observability.MetricsAddr, mgr.Healthy)
	}
	obs.Shutdown.Register("mining", mgr.Shutdown)

	for _, sc := range cfg.Sources {
		if err := addSource(ctx, mgr, sc, logger); err != nil {
			logger.Error("source not added", "source", sc.ID, "error", err)
		}
	}

	if err := mgr.Init(ctx); err != nil {
		logger.Error("mining started with errors", "error", err)
	}

	<-ctx.Done()
	logger.Info("shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return obs.Close(shutdownCtx)
}

// openSessions starts the seeding session and the probe session. Probes only
// download, on their own port, into the directory the seeding session serves
// so their pieces carry over.
func openSessions(cfg config.Config, logger *slog.Logger) (*anacrolix.Session, *anacrolix.Session, error) {
	seed, err := anacrolix.Open(engine.SessionConfig{
		DataDir:    cfg.DownloadDir(),
		ListenPort: cfg.Engine.ListenPort,
		NoDHT:      cfg.Engine.NoDHT,
		Seed:       true,
		MaxConns:   cfg.Engine.MaxConns,
	}, logger.With("session", "main"))
	if err != nil {
		return nil, nil, fmt.Errorf("open main session: %w", err)
	}
	probe, err := anacrolix.Open(engine.SessionConfig{
		DataDir:    cfg.DownloadDir(),
		ListenPort: cfg.Engine.ProbeListenPort,
		NoDHT:      cfg.Engine.NoDHT,
		NoUpload:   true,
		MaxConns:   cfg.Engine.MaxConns,
	}, logger.With("session", "probe"))
	if err != nil {
		_ = seed.Close()
		return nil, nil, fmt.Errorf("open probe session: %w", err)
	}
	return seed, probe, nil
}

func addSource(ctx context.Context, mgr *mining.Manager, sc config.SourceConfig, logger *slog.Logger) error {
	src, err := sc.Source()
	if err != nil {
		return err
	}
	var runner mining.Source
	if src.Kind == swarm.SourceDirectory {
		runner = dirsource.New(dirsource.Config{ID: src.ID, Dir: sc.Path}, mgr, logger)
	} else {
		logger.Warn("no built-in runner for source kind; expecting external discovery", "source", src.ID, "kind", src.Kind)
	}
	return mgr.AddSource(ctx, src, runner)
}

// sessionHealth answers from whichever session holds the swarm.
type sessionHealth []*anacrolix.Session

func (h sessionHealth) CheckHealth(ctx context.Context, ih swarm.Infohash, force bool) (int, int, error) {
	for _, s := range h {
		seeders, leechers, err := s.CheckHealth(ctx, ih, force)
		if errors.Is(err, engine.ErrHandleInvalid) {
			continue
		}
		return seeders, leechers, err
	}
	return 0, 0, engine.ErrHandleInvalid
}
