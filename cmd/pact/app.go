package main

import (
	"fmt"
	"os"

	"github.com/fyrsmithlabs/pact/internal/cache"
	"github.com/fyrsmithlabs/pact/internal/config"
	"github.com/fyrsmithlabs/pact/internal/lockd"
	"github.com/fyrsmithlabs/pact/internal/logging"
	"github.com/fyrsmithlabs/pact/internal/security"
)

// app holds the wired components every subcommand needs. It is built per
// invocation from the loaded configuration.
type app struct {
	cfg    *config.Config
	logger *logging.Logger
	gate   *security.Gate
	locks  *lockd.Coordinator
	cache  *cache.Cache
}

func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	logCfg := logging.NewDefaultConfig()
	if cfg.Logging.Format != "" {
		logCfg.Format = cfg.Logging.Format
	}
	if cfg.Logging.Level != "" {
		level, err := logging.LevelFromString(cfg.Logging.Level)
		if err != nil {
			return nil, err
		}
		logCfg.Level = level
	}
	logger, err := logging.NewLogger(logCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	gate, err := security.NewGate(cfg.Security)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		gate:   gate,
		locks:  lockd.NewCoordinator(lockd.NewFileStore(cfg.LockStatePath()), cfg.Locks, logger),
		cache:  cache.New(cfg.CacheStatePath(), cfg.Cache),
	}, nil
}

func (a *app) close() {
	a.locks.Close()
	_ = a.logger.Sync()
}
