package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/michaelbrown/coderun/internal/config"
	"github.com/michaelbrown/coderun/internal/events"
	"github.com/michaelbrown/coderun/internal/execution"
	"github.com/michaelbrown/coderun/internal/language"
	"github.com/michaelbrown/coderun/internal/logging"
	"github.com/michaelbrown/coderun/internal/sandbox"
	"github.com/michaelbrown/coderun/internal/storage"
	"github.com/michaelbrown/coderun/internal/storage/redisstore"
	"github.com/michaelbrown/coderun/internal/storage/sqlite"
	"github.com/michaelbrown/coderun/internal/worker"
)

// loadConfig reads the config and builds the stderr logger.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	if logLevelFlag != "" {
		cfg.Log.Level = logLevelFlag
	}
	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// openStore opens the configured submission store. A nil store means
// persistence is disabled.
func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		return sqlite.Open(cfg.Storage.DBPath)
	case "redis":
		r := cfg.Storage.Redis
		return redisstore.Open(ctx, redisstore.Options{
			Addr:     r.Addr,
			Password: r.Password,
			DB:       r.DB,
			Prefix:   r.Prefix,
			TTL:      r.TTL,
		})
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// app is the wired execution stack shared by the serving subcommands.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	resolver  *language.Resolver
	sup       *worker.Supervisor
	store     storage.Store
	writer    *storage.Writer
	publisher events.Publisher
	coord     *execution.Coordinator
}

type appOptions struct {
	poolSize int // overrides pool.size when positive
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts appOptions) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger, publisher: events.Noop{}}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	a.resolver, err = language.Load(cfg.Languages.File, cfg.Languages.Enabled)
	if err != nil {
		return nil, fmt.Errorf("loading languages: %w", err)
	}

	a.store, err = openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	if a.store != nil {
		a.writer = storage.NewWriter(a.store, cfg.Writer.Buffer, logger.With("component", "writer"))
	}

	if cfg.Events.NATSURL != "" {
		pub, err := events.ConnectNATS(cfg.Events.NATSURL, cfg.Events.Subject, logger.With("component", "events"))
		if err != nil {
			return nil, err
		}
		a.publisher = pub
	}

	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locating executable: %w", err)
	}
	size := cfg.Pool.Size
	if opts.poolSize > 0 {
		size = opts.poolSize
	}
	a.sup, err = worker.New(worker.Options{
		Size:           size,
		Command:        workerCommand(exe, cfg),
		KillGrace:      cfg.Execution.KillGrace,
		RestartBackoff: cfg.Pool.RestartBackoff,
		StartTimeout:   cfg.Pool.StartTimeout,
		Logger:         logger.With("component", "supervisor"),
	})
	if err != nil {
		return nil, err
	}
	if err := a.sup.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting workers: %w", err)
	}

	deps := execution.Deps{
		Resolver:  a.resolver,
		Pool:      execution.SupervisorPool(a.sup),
		Store:     a.store,
		Publisher: a.publisher,
		Logger:    logger.With("component", "coordinator"),
	}
	if a.writer != nil {
		deps.Recorder = a.writer
	}
	a.coord, err = execution.New(deps, execution.Options{
		Timeout:        cfg.Execution.Timeout,
		MaxTimeout:     cfg.Execution.MaxTimeout,
		MaxOutputBytes: cfg.Execution.MaxOutputBytes,
		QueueTimeout:   cfg.Pool.QueueTimeout,
		OutputPolicy:   sandbox.OutputPolicy(cfg.Execution.OutputPolicy),
		Limits:         cfg.SandboxLimits(),
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// workerCommand is the argv the supervisor uses to start one worker.
func workerCommand(exe string, cfg *config.Config) []string {
	argv := []string{exe, "worker",
		"--kill-grace", cfg.Execution.KillGrace.String(),
		"--log-level", cfg.Log.Level,
	}
	if cfg.Execution.ScratchDir != "" {
		argv = append(argv, "--scratch-dir", cfg.Execution.ScratchDir)
	}
	return argv
}

// Close stops the workers, then flushes pending records and closes the
// store and event connection.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.sup != nil {
		errs = append(errs, a.sup.Close())
	}
	if a.writer != nil {
		if err := a.writer.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flushing records: %w", err))
		}
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.publisher != nil {
		errs = append(errs, a.publisher.Close())
	}
	return errors.Join(errs...)
}
