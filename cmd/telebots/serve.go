package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jdelaire/telebots/adapters/telegram_notifier"
	"github.com/jdelaire/telebots/adapters/telegram_receiver"
	"github.com/jdelaire/telebots/adapters/telegramapi"
	"github.com/jdelaire/telebots/core"
	"github.com/jdelaire/telebots/core/configwatch"
	"github.com/jdelaire/telebots/core/ops"
	"github.com/jdelaire/telebots/core/policy"
	"github.com/jdelaire/telebots/core/ratelimit"
	"github.com/jdelaire/telebots/internal/config"
	"github.com/jdelaire/telebots/internal/khl"
	"github.com/jdelaire/telebots/internal/mqttbridge"
	"github.com/jdelaire/telebots/internal/sensors"
	"github.com/jdelaire/telebots/internal/store"
	"github.com/jdelaire/telebots/internal/transmission"
)

const reloadDebounce = 500 * time.Millisecond

// serve wires the bot and blocks until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	proxy, err := cfg.ProxyURL()
	if err != nil {
		return err
	}
	api := telegramapi.New(cfg.Telegram.Token,
		telegramapi.WithBaseURL(cfg.Telegram.BaseURL),
		telegramapi.WithProxy(proxy),
	)

	registry := core.NewRegistry()
	dispatcher := core.NewDispatcher(
		policy.New(cfg.Telegram.Admins),
		registry,
		telegram_notifier.New(api, logger.With("component", "notifier")),
		logger.With("component", "dispatcher"),
	).
		WithSendLimit(cfg.Telegram.MaxSends).
		WithSendTimeout(cfg.Telegram.SendTimeout).
		WithLimiter(ratelimit.New())

	// Built-in and shell commands share one handler; shell commands are
	// reloaded when the commands file changes.
	opsRegistry := ops.NewRegistry()
	for _, op := range []ops.Op{
		&ops.HelpOp{Commands: registry},
		&ops.UptimeOp{},
		&ops.VersionOp{Version: version},
	} {
		if err := opsRegistry.Register(op); err != nil {
			return err
		}
	}
	opsHandler := opsRegistry.Handler("ops")
	reloader := ops.NewReloader(opsRegistry, opsHandler, nil, logger.With("component", "reload"))
	if cfg.Commands.File != "" {
		if err := reloader.LoadCommands(cfg.Commands.File); err != nil {
			return err
		}
	}
	if err := register(dispatcher, opsHandler, logger); err != nil {
		return err
	}
	reloader.SetTarget(registry)

	if cfg.Commands.File != "" {
		watcher := configwatch.New(reloadDebounce, logger.With("component", "configwatch"))
		watcher.Watch(cfg.Commands.File, reloader.ReloadCommands)
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Error("commands watcher failed", "error", err)
			}
		}()
	}

	var shutdown []func()
	defer func() {
		for i := len(shutdown) - 1; i >= 0; i-- {
			shutdown[i]()
		}
		dispatcher.Wait()
	}()

	if cfg.Home.Enabled {
		stop, err := startHome(ctx, cfg.Home, cfg.Telegram.Admins, st, dispatcher, logger)
		if err != nil {
			return err
		}
		shutdown = append(shutdown, stop)
	}

	if cfg.KHL.Enabled {
		w := khl.NewWatcher(khl.NewClient(cfg.KHL.BaseURL), st, dispatcher,
			cfg.KHL.Interval, cfg.KHL.IdleTimeout, logger.With("component", "khl"))
		if err := register(dispatcher, ops.NewKHLHandler(w), logger); err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			return err
		}
		shutdown = append(shutdown, func() {
			if err := w.Shutdown(); err != nil {
				logger.Warn("khl watcher shutdown", "error", err)
			}
		})
	}

	if cfg.Torrent.Enabled {
		h := ops.NewTorrentHandler(transmission.New(cfg.Torrent.RPCURL))
		if err := register(dispatcher, h, logger); err != nil {
			return err
		}
	}

	if cfg.Socket.Path != "" {
		srv := core.NewServer(cfg.Socket.Path, dispatcher, logger.With("component", "socket"))
		if err := srv.Start(ctx); err != nil {
			return err
		}
		shutdown = append(shutdown, srv.Shutdown)
	}

	source := telegram_receiver.New(api, logger.With("component", "receiver")).
		WithPollTimeout(cfg.Telegram.PollTimeout).
		WithLimit(cfg.Telegram.PollLimit).
		WithCursorStore(st)
	poller := core.NewPoller(source, dispatcher, logger.With("component", "poller")).
		WithBackoff(cfg.Telegram.Backoff)

	logger.Info("bot ready", "commands", registry.CommandNames())

	switch cfg.Telegram.Mode {
	case config.ModeDeferred:
		loop := core.NewLoop()
		poller.Arm(ctx, loop)
		loop.Run(ctx)
	default:
		poller.Start(ctx)
		<-ctx.Done()
		poller.Stop()
	}

	logger.Info("shutting down")
	return nil
}

func startHome(ctx context.Context, cfg config.HomeConfig, admins []int64, st *store.Store, d *core.Dispatcher, logger *slog.Logger) (func(), error) {
	list, err := sensors.ParseAll(cfg.Sensors)
	if err != nil {
		return nil, err
	}
	h := ops.NewHomeHandler(ops.HomeConfig{
		Sensors:     list,
		Admins:      admins,
		Store:       st,
		MotionDir:   cfg.MotionDir,
		SnapshotURL: cfg.SnapshotURL,
		TriggerGap:  cfg.TriggerGap,
	}, logger.With("component", "home"))
	if err := register(d, h, logger); err != nil {
		return nil, err
	}

	bridge, err := mqttbridge.New(cfg.MQTTURL, list, d, logger.With("component", "mqtt"))
	if err != nil {
		return nil, err
	}
	if err := bridge.Start(ctx); err != nil {
		return nil, err
	}
	return bridge.Stop, nil
}

func register(d *core.Dispatcher, h core.Handler, logger *slog.Logger) error {
	shadowed, err := d.Register(h)
	if err != nil {
		return fmt.Errorf("register %s: %w", h.Name(), err)
	}
	if len(shadowed) > 0 {
		logger.Warn("commands shadowed by an earlier handler", "handler", h.Name(), "commands", shadowed)
	}
	return nil
}
