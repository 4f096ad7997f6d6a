package cmd

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/bavix/boardfarm/internal/auth"
	"github.com/bavix/boardfarm/internal/board"
	"github.com/bavix/boardfarm/internal/config"
	"github.com/bavix/boardfarm/internal/console"
	"github.com/bavix/boardfarm/internal/dispatch"
	"github.com/bavix/boardfarm/internal/flash"
	"github.com/bavix/boardfarm/internal/flash/block"
	"github.com/bavix/boardfarm/internal/flash/brom"
	"github.com/bavix/boardfarm/internal/flash/dfu"
	"github.com/bavix/boardfarm/internal/flash/rockusb"
	"github.com/bavix/boardfarm/internal/hotplug"
	"github.com/bavix/boardfarm/internal/logging"
	"github.com/bavix/boardfarm/internal/metrics"
	"github.com/bavix/boardfarm/internal/mqttpub"
	"github.com/bavix/boardfarm/internal/registry"
	"github.com/bavix/boardfarm/internal/rpchttp"
	"github.com/bavix/boardfarm/internal/version"
)

const engineShutdownTimeout = 10 * time.Second

var dryRun bool //nolint:gochecknoglobals // cobra command flag

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the device farm server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			path := configPath()

			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			// Flags win over the file.
			level, format := cfg.Log.Level, cfg.Log.Format
			if cmd.Flags().Changed("log-level") || level == "" {
				level = logLevel
			}

			if cmd.Flags().Changed("log-format") || format == "" {
				format = logFormat
			}

			base := logging.Base(cfg.AppName, level, format)
			ctx = base.WithContext(ctx)

			base.Info().
				Str("version", version.GetVersion()).
				Str("build_time", version.GetBuildTime()).
				Str("config", path).
				Msg("boardfarm starting")

			metrics.RegisterCollectors()
			metrics.SetService(cfg.AppName)

			if dryRun {
				base.Info().
					Int("templates", len(cfg.Templates)).
					Int("static", len(cfg.Static)).
					Int("boards", len(cfg.Boards)).
					Msg("dry-run complete")

				return nil
			}

			return serve(ctx, cfg)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Load and validate config, then exit")

	return cmd
}

func hotplugSources(cfg *config.Config) []hotplug.Source {
	var sources []hotplug.Source

	for _, name := range cfg.Hotplug.Sources {
		switch name {
		case config.SourceUEvent:
			sources = append(sources, hotplug.NewUEventSource(rate.Limit(cfg.Hotplug.UEventRate), cfg.Hotplug.UEventBurst))
		case config.SourceDevfs:
			sources = append(sources, hotplug.NewDevfsSource(cfg.Hotplug.Devfs.Dir, cfg.Hotplug.Devfs.Patterns))
		case config.SourceStatic:
			sources = append(sources, hotplug.NewStaticSource(cfg.StaticDevices()))
		}
	}

	return sources
}

//nolint:funlen // wiring
func serve(ctx context.Context, cfg *config.Config) error {
	log := zerolog.Ctx(ctx)

	reg := registry.New()
	defer reg.Close()

	engine := flash.NewEngine(reg, flash.Options{
		HistorySize: cfg.Flash.HistorySize,
		HistoryTTL:  cfg.Flash.HistoryTTL,
	}, rockusb.New(), brom.New(), dfu.New(), block.New())

	matcher := hotplug.NewMatcher(cfg.HotplugTemplates())
	manager := hotplug.NewManager(reg, matcher, hotplug.DefaultFactory(), hotplugSources(cfg)...)

	d := dispatch.New(reg, console.NewHub(ctx, cfg.Console.Backlog), engine, manager)
	boards := board.NewManager(d, cfg.Boards)

	var authService *auth.Service

	if cfg.Auth.Enabled() {
		svc, err := auth.NewService(cfg.Auth)
		if err != nil {
			return err
		}

		authService = svc
	} else {
		log.Warn().Msg("authentication disabled, every client is an operator")
	}

	srv := rpchttp.NewServer(cfg.HTTP, d, boards, authService)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return manager.Run(gctx) })

	if every := cfg.Hotplug.RescanInterval; every > 0 {
		g.Go(func() error { return rescanLoop(gctx, manager, every) })
	}

	watcher := config.NewWatcher(cfg.Path)
	watcher.OnChange(func(next *config.Config) {
		matcher.Swap(next.HotplugTemplates())
		boards.Reload(next.Boards)

		log.Info().
			Int("templates", len(next.Templates)).
			Int("boards", len(next.Boards)).
			Msg("config reloaded")
	})

	g.Go(func() error {
		if err := watcher.Watch(gctx); err != nil {
			log.Warn().Err(err).Str("config", cfg.Path).Msg("config watcher stopped")
		}

		return nil
	})

	if cfg.MQTT.Enabled {
		client, err := mqttpub.Connect(cfg.MQTT)
		if err != nil {
			return err
		}

		mirror := mqttpub.NewMirror(reg, client, cfg.MQTT.Prefix, cfg.MQTT.QoS)
		g.Go(func() error { return mirror.Run(gctx) })
	}

	g.Go(func() error { return srv.Run(gctx) })

	metrics.SetReady(true)

	err := g.Wait()

	metrics.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), engineShutdownTimeout)
	defer cancel()

	if serr := engine.Shutdown(shutdownCtx); serr != nil {
		log.Warn().Err(serr).Msg("flash sessions did not stop in time")
	}

	log.Info().Msg("boardfarm stopped")

	return err
}

func rescanLoop(ctx context.Context, manager *hotplug.Manager, every time.Duration) error {
	log := logging.Component(ctx, "rescan")

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res, err := manager.Rescan(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("periodic rescan failed")

				continue
			}

			if res != (hotplug.RescanResult{}) {
				log.Info().
					Int("registered", res.Registered).
					Int("removed", res.Removed).
					Int("updated", res.Updated).
					Msg("periodic rescan")
			}
		}
	}
}
