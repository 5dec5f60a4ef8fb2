package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/datafeedhq/datafeed/internal/config"
	"github.com/datafeedhq/datafeed/internal/exchange"
	"github.com/datafeedhq/datafeed/internal/feed"
	"github.com/datafeedhq/datafeed/internal/metrics"
	"github.com/datafeedhq/datafeed/internal/monitor"
	"github.com/datafeedhq/datafeed/internal/scheduler"
	"github.com/datafeedhq/datafeed/internal/server"
	"github.com/datafeedhq/datafeed/internal/store"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the datafeed server",
		Long: `Listen for feed adapters and poll clients, archive ticks into
session-aligned bar arrays, and run the background archive schedule.`,
		RunE: runServe,
	}
	cmd.Flags().String("config", "", "Path to the YAML config file")
	cmd.Flags().Int("port", 8082, "TCP listen port")
	cmd.Flags().String("bind", "", "TCP bind address (default all interfaces)")
	cmd.Flags().String("datadir", "./var", "Data directory")
	cmd.Flags().Bool("rdb", false, "Use the Badger archive backend")
	cmd.Flags().String("monitor-addr", "", "HTTP observability address (empty disables)")
	cmd.Flags().String("log-level", "", "Log level (trace|debug|info|warn|error)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// flags set explicitly on the command line override file and environment
	cmd.Flags().Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "port":
			cfg.Server.Port, _ = cmd.Flags().GetInt("port")
		case "bind":
			cfg.Server.Bind, _ = cmd.Flags().GetString("bind")
		case "datadir":
			cfg.Storage.Datadir, _ = cmd.Flags().GetString("datadir")
		case "rdb":
			cfg.Storage.RDB, _ = cmd.Flags().GetBool("rdb")
		case "monitor-addr":
			cfg.Monitor.Addr, _ = cmd.Flags().GetString("monitor-addr")
		case "log-level":
			cfg.Log.Level, _ = cmd.Flags().GetString("log-level")
		}
	})
	setupLogging(cfg.Log.Level, cfg.Log.Format)

	cal, err := exchange.NewCalendar(cfg.Calendar)
	if err != nil {
		return err
	}

	mgr, err := store.OpenManager(cfg.Storage.Datadir, cfg.Storage.RDB, cal, log.Logger)
	if err != nil {
		return err
	}

	reg := metrics.NewRegistry()
	syncer := feed.NewSyncer(mgr, nil, nil, feed.DefaultConfig(), log.Logger)
	sched := scheduler.New(mgr, syncer, reg, log.Logger)
	sched.DailyHour = cfg.Scheduler.DailyHour

	srv := server.New(server.Config{
		Bind:        cfg.Server.Bind,
		Port:        cfg.Server.Port,
		Password:    cfg.Auth.Password,
		ReadTimeout: time.Duration(cfg.Server.ReadTimeout),
	}, mgr, sched, reg, log.Logger)
	if err := srv.Listen(); err != nil {
		mgr.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("version", version).
		Str("calendar", cal.Name()).
		Str("datadir", cfg.Storage.Datadir).
		Bool("auth", cfg.Auth.Password != "").
		Bool("rdb", cfg.Storage.RDB).
		Msg("datafeed starting")

	go sched.Run(ctx)
	if cfg.Monitor.Addr != "" {
		mon := monitor.New(cfg.Monitor.Addr, mgr, reg, cfg.Storage.Datadir, log.Logger)
		go func() {
			if err := mon.Run(ctx); err != nil {
				log.Error().Err(err).Msg("monitor server failed")
			}
		}()
	}

	started := time.Now()
	serveErr := srv.Serve(ctx)

	// shutdown: accept loop is down and connections are drained, now make
	// the stores durable
	if err := mgr.Close(); err != nil && serveErr == nil {
		serveErr = err
	}
	log.Info().
		Dur("uptime", time.Since(started).Round(time.Second)).
		Int("commands", totalCommands(srv.Stats().Snapshot())).
		Msg("datafeed stopped")
	if serveErr != nil {
		log.Error().Err(serveErr).Msg("server exited with error")
		os.Exit(1)
	}
	return nil
}

func totalCommands(stats map[string]server.MethodStats) int {
	total := 0
	for _, m := range stats {
		total += int(m.Count)
	}
	return total
}
