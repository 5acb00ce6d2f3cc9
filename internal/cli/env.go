package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/roach88/offsync/internal/catalog"
	"github.com/roach88/offsync/internal/config"
	"github.com/roach88/offsync/internal/engine"
	"github.com/roach88/offsync/internal/lock"
	"github.com/roach88/offsync/internal/pending"
	"github.com/roach88/offsync/internal/scheduler"
	"github.com/roach88/offsync/internal/staging"
	"github.com/roach88/offsync/internal/store"
)

// dotEnvFile is loaded before the config, if present.
const dotEnvFile = ".env"

// loadConfig reads .env, the config file and environment overrides, then
// installs the slog handler the config asks for on logOut.
func loadConfig(opts *RootOptions, logOut io.Writer) (*config.Config, error) {
	if err := config.LoadDotEnv(dotEnvFile); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load environment", err)
	}
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if err := configureLogging(cfg, opts.Verbose, logOut); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to configure logging", err)
	}
	return cfg, nil
}

func configureLogging(cfg *config.Config, verbose bool, w io.Writer) error {
	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	if verbose {
		level = slog.LevelDebug
	}

	hopts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.Log.Format == "json" {
		h = slog.NewJSONHandler(w, hopts)
	} else {
		h = slog.NewTextHandler(w, hopts)
	}
	slog.SetDefault(slog.New(h))
	return nil
}

func loadCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	if cfg.Catalog == "" {
		return catalog.Default(), nil
	}
	cat, err := catalog.LoadFile(cfg.Catalog)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load catalog", err)
	}
	return cat, nil
}

// env is the local state a maintenance command works on. No modules are
// registered and the network reads as offline: maintenance commands inspect
// the queue but never send it.
type env struct {
	cfg   *config.Config
	store *store.Store
	queue *pending.Queue
	sched *scheduler.Scheduler
}

func openEnv(opts *RootOptions, logOut io.Writer) (*env, error) {
	cfg, err := loadConfig(opts, logOut)
	if err != nil {
		return nil, err
	}
	cat, err := loadCatalog(cfg)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to create data dir", err)
	}
	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("failed to open database %s", cfg.DatabasePath()), err)
	}
	area, err := staging.New(cfg.StagingPath())
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open staging area", err)
	}

	slog.Debug("opened offline store", "database", cfg.DatabasePath(), "staging", cfg.StagingPath())
	queue := pending.New(st, area, cat)
	conn := scheduler.NewConnectivity(false)
	orch := engine.New(queue, engine.NewRegistry(cat), lock.NewRegistry(), engine.WithNetwork(conn))
	return &env{
		cfg:   cfg,
		store: st,
		queue: queue,
		sched: scheduler.New(orch, conn, scheduler.FromConfig(cfg)...),
	}, nil
}

func (e *env) Close() error {
	return e.store.Close()
}
