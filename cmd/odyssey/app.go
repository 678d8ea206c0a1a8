package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jon9314/Odyssey/pkg/config"
	"github.com/jon9314/Odyssey/pkg/ledger"
	"github.com/jon9314/Odyssey/pkg/logging"
	"github.com/jon9314/Odyssey/pkg/pipeline"
	"github.com/jon9314/Odyssey/pkg/queue"
	"github.com/jon9314/Odyssey/pkg/remote"
	"github.com/jon9314/Odyssey/pkg/repo"
	"github.com/jon9314/Odyssey/pkg/sandbox"
	"github.com/jon9314/Odyssey/pkg/store"
	"github.com/jon9314/Odyssey/pkg/tools"
)

// app holds the wired components for one command invocation
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	pool     *store.Pool
	repo     *repo.Repository
	queue    *queue.Queue
	pipeline *pipeline.Pipeline
}

// openApp loads the configuration and builds every component from it. The
// config is read once here; components only see their own section.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v (logging to stderr)\n", err)
	}

	r, err := repo.Open(ctx, cfg.Repository, logger.With("repo"))
	if err != nil {
		logger.Close()
		return nil, err
	}

	pool, err := store.Open(cfg.Ledger, logger.With("store"))
	if err != nil {
		logger.Close()
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, pool: pool, repo: r}
	if err := a.wire(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire() error {
	cfg := a.cfg

	policy, err := pipeline.NewPolicy(cfg.Approval)
	if err != nil {
		return err
	}

	pub, err := remote.Select(cfg.Remote, a.repo, a.repo.Dir(), a.logger.With("remote"))
	if err != nil && !errors.Is(err, remote.ErrNoPublisher) {
		return err
	}

	runtime := sandbox.NewDockerCLI(cfg.Sandbox.DockerBinary, a.logger.With("docker"))
	a.queue = queue.New(a.pool, cfg.Queue, a.logger.With("queue"))

	a.pipeline, err = pipeline.New(pipeline.Deps{
		Repo:      a.repo,
		Ledger:    ledger.New(a.pool, a.logger.With("ledger")),
		Queue:     a.queue,
		Sandbox:   sandbox.New(cfg.Sandbox, runtime, a.logger.With("sandbox")),
		Publisher: pub,
		Policy:    policy,
	}, pipeline.ConfigFrom(cfg), a.logger.With("pipeline"))
	return err
}

// registry returns the capability registry with the built-in tools
func (a *app) registry() (*tools.Registry, error) {
	r := tools.NewRegistry()
	if err := tools.RegisterBuiltins(r, a.pipeline); err != nil {
		return nil, err
	}
	return r, nil
}

// Close releases the ledger and the log file
func (a *app) Close() {
	if err := a.pool.Close(); err != nil {
		a.logger.Warnf("closing ledger: %v", err)
	}
	a.logger.Close()
}

func newLogger(cfg config.LoggingConfig) (*logging.Logger, error) {
	if cfg.Dir != "" {
		logging.SetDirectory(cfg.Dir)
	}
	level, levelErr := logging.ParseVerbosity(cfg.Verbosity)

	logger, err := logging.NewLogger("odyssey")
	logger.SetLevel(level)
	if err != nil {
		return logger, err
	}
	return logger, levelErr
}
