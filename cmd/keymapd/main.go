// keymapd - keyboard remapping daemon
//
// keymapd grabs matched input devices, runs every key transition through the
// compiled rule engine, and emits the remapped stream on a virtual output
// device. Control and observation go through a unix socket (see keymapctl).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"keymapd/internal/broadcast"
	"keymapd/internal/config"
	"keymapd/internal/engine"
	"keymapd/internal/ipc"
	"keymapd/internal/logging"
	"keymapd/internal/metrics"
	"keymapd/internal/platform"
	"keymapd/internal/profile"
	"keymapd/internal/sessionmon"
)

var version = "0.4.1"

func main() {
	var (
		configPath  = flag.String("config", config.DefaultConfigPath(), "configuration file")
		profileFlag = flag.String("profile", "", "profile to activate at startup (overrides config)")
		dryRun      = flag.Bool("dry-run", false, "run without touching input devices")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("keymapd %s\n", version)
		return
	}

	if err := run(*configPath, *profileFlag, *dryRun); err != nil {
		fmt.Fprintf(os.Stderr, "keymapd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, profileOverride string, dryRun bool) error {
	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	if profileOverride != "" {
		cfg.Profiles.Active = profileOverride
	}

	log, err := logging.New(&logging.Config{
		Level:      mustLevel(cfg.Logging.Level),
		Format:     mustFormat(cfg.Logging.Format),
		Output:     cfg.Logging.Output,
		FilePath:   cfg.Logging.FilePath,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
		Component:  "keymapd",
	})
	if err != nil {
		return err
	}
	defer log.Close()
	logging.SetDefault(log)

	log.Info("starting", "version", version, "config", configPath)

	eng := engine.Global()
	bcast := broadcast.New()
	eng.SetBroadcaster(bcast)

	store, err := profile.OpenStore(cfg.Storage.Path, time.Duration(cfg.Storage.BusyTimeoutMs)*time.Millisecond)
	if err != nil {
		// The daemon remaps fine without history; run degraded.
		log.Warn("history store unavailable", "path", cfg.Storage.Path, "error", err)
		store = nil
	} else {
		defer store.Close()
		if last, err := store.LastActivation(); err == nil && last != nil {
			log.Info("last recorded profile", "profile", last.Profile,
				"activated_at", last.ActivatedAt.Format(time.RFC3339), "source", last.Source)
		}
	}

	var daemonMetrics *metrics.DaemonMetrics
	if cfg.Metrics.Enabled {
		daemonMetrics = metrics.NewDaemonMetrics(metrics.NewRegistry("keymapd"))
	}

	manager := profile.NewManager(cfg.Profiles.Dir, cfg.Profiles.Manifest, eng, store, log)
	if daemonMetrics != nil {
		manager.SetMetrics(daemonMetrics.ProfileSwitches, daemonMetrics.ProfileLoadTime)
	}

	// Dry-run validates configuration and profiles and serves the control
	// socket without grabbing hardware.
	var plat platform.Platform = platform.NewLinux(eng.Now, log)
	if dryRun {
		log.Info("dry run, input devices untouched")
		plat = platform.NewMock()
	}
	devices := newDeviceManager(eng, manager, plat, cfg, log)
	if daemonMetrics != nil {
		devices.instrument(daemonMetrics.DispatchLatency)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := devices.start(ctx); err != nil {
		return err
	}
	defer devices.close()

	if _, err := manager.Activate(cfg.Profiles.Active, "startup"); err != nil {
		// Devices stay in pass-through until a profile loads.
		log.Warn("startup profile not activated", "profile", cfg.Profiles.Active, "error", err)
	}

	if cfg.Profiles.WatchEnabled {
		w, err := profile.NewWatcher(manager, cfg.WatchDebounce(), log)
		if err != nil {
			log.Warn("profile watch disabled", "error", err)
		} else {
			defer w.Close()
		}
	}

	if cfg.Session.WatchLogind {
		mon, err := sessionmon.New(eng, log)
		if err != nil {
			log.Warn("logind watch disabled", "error", err)
		} else {
			defer mon.Close()
		}
	}

	var server *ipc.Server
	if cfg.IPC.Enabled {
		control := &controlSurface{
			engine:  eng,
			manager: manager,
			bcast:   bcast,
			store:   store,
			started: time.Now(),
		}
		server = ipc.NewServer(ipc.ServerConfig{
			SocketPath:     cfg.IPC.SocketPath,
			MaxConnections: cfg.IPC.MaxConnections,
			RequestTimeout: time.Duration(cfg.IPC.RequestTimeoutSec) * time.Second,
		}, control, log)
		if err := server.Start(); err != nil {
			return err
		}
		defer server.Close()
		log.Info("control socket ready", "path", cfg.IPC.SocketPath)
	}

	if daemonMetrics != nil {
		startMetrics(ctx, cfg.Metrics.Listen, daemonMetrics, eng, bcast, log)
	}

	// Config hot reload covers the profile selection; everything else takes
	// a restart and is logged as such.
	loader.OnChange(func(next *config.Config) {
		if active, _ := manager.Active(); next.Profiles.Active != active {
			if _, err := manager.Activate(next.Profiles.Active, "config"); err != nil {
				log.Warn("config-driven profile switch failed", "error", err)
			}
		}
	})
	if err := loader.Watch(); err != nil {
		log.Warn("config watch disabled", "error", err)
	}
	defer loader.Close()

	go func() {
		for err := range loader.Errors() {
			log.Warn("config reload failed, keeping previous", "error", err)
		}
	}()

	// SIGHUP reloads the active profile, matching common daemon convention.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			if _, err := manager.Reload("sighup"); err != nil {
				log.Warn("reload failed", "error", err)
			}
		}
	}()

	devices.runTicker(ctx)

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

func startMetrics(ctx context.Context, listen string, dm *metrics.DaemonMetrics, eng *engine.Engine, b *broadcast.Broadcaster, log *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", dm.Registry().Handler(func() { dm.Collect(eng, b) }))
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info("metrics listening", "addr", listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics server stopped", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
}

func mustLevel(s string) logging.Level {
	lvl, err := logging.ParseLevel(s)
	if err != nil {
		return logging.LevelInfo
	}
	return lvl
}

func mustFormat(s string) logging.Format {
	f, err := logging.ParseFormat(s)
	if err != nil {
		return logging.FormatText
	}
	return f
}
