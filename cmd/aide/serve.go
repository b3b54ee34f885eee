package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/aide/internal/agent"
	"github.com/nugget/aide/internal/buildinfo"
	"github.com/nugget/aide/internal/channel/telegram"
	"github.com/nugget/aide/internal/mqtt"
	"github.com/nugget/aide/internal/summarizer"
)

// runServe is the primary operating mode. It recovers the archive,
// starts the turn runner, the maintenance worker and the configured
// channels, and blocks until SIGINT or SIGTERM.
//
// Shutdown order:
//  1. The signal cancels ctx. The runner cancels the current turn and
//     fails queued ones.
//  2. Channels and the worker return.
//  3. MQTT publishes "offline" and disconnects.
//  4. Stores and the ledger close.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := cfg.NewLogger(stdout)
	if err != nil {
		return err
	}
	logger.Info("starting aide", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)
	logger.Info("config loaded", "path", cfgPath, "data_dir", cfg.DataDir, "model", cfg.Models.Default)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if _, err := a.recoverMemory(ctx); err != nil {
		return err
	}

	runner := agent.NewRunner(a.loop, cfg.Agent.QueueSize, logger)

	worker, err := summarizer.NewWorker(a.store, a.consolidator, runner, summarizer.WorkerConfig{
		Schedule: cfg.Memory.MaintenanceSchedule,
	}, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		runner.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := worker.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("maintenance: %w", err)
		}
		return nil
	})

	if cfg.Telegram.Configured() {
		bot, err := telegram.New(telegram.Config{
			Token:    cfg.Telegram.Token,
			ChatID:   cfg.Telegram.ChatID,
			InboxDir: filepath.Join(cfg.DataDir, "inbox"),
		}, runner, a.guard, logger)
		if err != nil {
			return err
		}
		g.Go(func() error { return bot.Run(gctx) })
	} else {
		logger.Warn("telegram not configured, no inbound channel")
	}

	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return err
		}
		pub := mqtt.New(cfg.MQTT, instanceID, &mqtt.Collector{
			Instance: instanceID,
			Model:    cfg.Models.Default,
			Spend:    a.guard,
			Memory:   a.store,
			Queue:    runner,
		}, logger)
		g.Go(func() error {
			if err := pub.Start(gctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
			return nil
		})
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := pub.Stop(stopCtx); err != nil {
				logger.Warn("mqtt disconnect failed", "error", err)
			}
		}()
	}

	logger.Info("aide ready", "features", cfg.Features())

	err = g.Wait()
	logger.Info("shutting down")
	return err
}
