package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/goodtune/kquota/internal/admin"
	"github.com/goodtune/kquota/internal/clock"
	"github.com/goodtune/kquota/internal/config"
	"github.com/goodtune/kquota/internal/engine"
	"github.com/goodtune/kquota/internal/loop"
	"github.com/goodtune/kquota/internal/metrics"
	"github.com/goodtune/kquota/internal/notify"
	"github.com/goodtune/kquota/internal/quota"
	"github.com/goodtune/kquota/internal/resilience"
	"github.com/goodtune/kquota/internal/session"
	"github.com/goodtune/kquota/internal/storage"
	"github.com/goodtune/kquota/internal/storage/bolt"
	"github.com/goodtune/kquota/internal/storage/redis"
	"github.com/goodtune/kquota/internal/systemd"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the kquota daemon",
	Long:  `Start the enforcement daemon with its metrics endpoint and admin socket.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting kquota")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Initialize storage
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().Str("type", cfg.Storage.Type).Msg("Storage initialized")

	thresholds, err := cfg.Engine.Thresholds()
	if err != nil {
		return err
	}

	clk := clock.RealClock{}
	l := loop.New(clk, logger)

	manager := resilience.NewManager(func(name string, s resilience.State) {
		metrics.EndpointState.WithLabelValues(name).Set(float64(s))
	})

	// Session manager endpoint
	sessions := resilience.NewEndpoint[session.Registry](l, "session", endpointOptions(cfg.Endpoints.Session),
		func(ctx context.Context) (session.Registry, error) {
			r, err := session.NewLogind(ctx, logger)
			if err != nil {
				return nil, err
			}
			return r, nil
		}, logger)
	sessions.OnClose(func(r session.Registry) {
		if r != nil {
			r.Close()
		}
	})
	sessions.OnPermanentFailure(func(err error) {
		logger.Error().Err(err).Msg("Session manager unavailable, enforcement disabled")
	})
	manager.Register(sessions)

	classifier := session.NewClassifier(cfg.Engine.ControlledSessionTypes, cfg.Engine.ExcludedSessionTypes)
	pollInterval := config.Duration(cfg.Engine.PollInterval, 3*time.Second)
	terminator := session.NewTerminator(l, sessions, classifier, session.TerminatorConfig{
		PollInterval:   pollInterval,
		Phase1Delay:    config.Duration(cfg.Engine.Phase1Delay, 100*time.Millisecond),
		SeatRetryDelay: config.Duration(cfg.Engine.SeatRetryDelay, time.Second),
		ActionTimeout:  config.Duration(cfg.Engine.ActionTimeout, 10*time.Second),
		LoginManagerVT: cfg.Engine.LoginManagerVT,
	}, logger)

	loader := quota.NewLoader(cfg.Policy.Dir, logger)

	watchdog, err := systemd.NewWatchdog()
	if err != nil {
		logger.Warn().Err(err).Msg("Ignoring systemd watchdog settings")
		watchdog = nil
	}
	if watchdog != nil && watchdog.Interval() > 0 {
		logger.Info().Dur("interval", watchdog.Interval()).Msg("systemd watchdog enabled")
	}

	deps := engine.SupervisorDeps{
		Loop:       l,
		Policies:   loader,
		Store:      store.Ledgers(),
		Sessions:   sessions,
		Endpoints:  manager,
		Terminator: terminator,
		Classifier: classifier,
		NewIdleProbe: func(user string, uid uint32) engine.IdleProbe {
			name := "idle:" + user
			p := session.NewScreenSaverProbe(l, name, uid, endpointOptions(cfg.Endpoints.Idle), logger)
			manager.Register(p.Endpoint())
			return &registeredProbe{ScreenSaverProbe: p, manager: manager, name: name}
		},
		Watchdog: func() {
			if err := watchdog.Ping(clk.Now()); err != nil {
				logger.Warn().Err(err).Msg("Failed to ping systemd watchdog")
			}
		},
		Logger: logger,
	}
	if cfg.Notify.Enabled {
		opts := notify.FreedesktopOptions{
			AppName:      cfg.Notify.AppName,
			ExpireMillis: expireMillis(cfg.Notify.ExpireTimeout),
			Endpoint:     endpointOptions(cfg.Endpoints.Notify),
			Dispatch: notify.Config{
				ReplaceWindow:  config.Duration(cfg.Notify.ReplaceWindow, 10*time.Second),
				DeliverTimeout: config.Duration(cfg.Notify.DeliverTimeout, 5*time.Second),
			},
		}
		deps.NewNotifier = func(user string, uid uint32) engine.UserNotifier {
			return notify.NewFreedesktopDispatcher(l, manager, user, uid, opts, logger)
		}
	}

	supervisor := engine.NewSupervisor(engine.Config{
		PollInterval: pollInterval,
		SaveInterval: config.Duration(cfg.Engine.SaveInterval, 30*time.Second),
		Thresholds:   thresholds,
		FinalWarning: config.Duration(cfg.Engine.FinalWarning, time.Minute),
	}, deps)

	// Start the event loop
	loopCtx, stopLoop := context.WithCancel(context.Background())
	var loopDone sync.WaitGroup
	loopDone.Add(1)
	go func() {
		defer loopDone.Done()
		_ = l.Run(loopCtx)
	}()

	pollCtx, stopPolling := context.WithCancel(loopCtx)
	supervisor.Start(pollCtx)

	// Watch policy files
	var watcher *quota.Watcher
	if cfg.Policy.Watch {
		watcher, err = quota.NewWatcher(loader, func(user string, p *quota.Policy) {
			l.Post(func() { supervisor.PolicyChanged(user, p) })
		}, logger)
		if err != nil {
			logger.Warn().Err(err).Str("dir", cfg.Policy.Dir).Msg("Policy watching disabled")
		} else {
			watcher.Start()
		}
	}

	// Initialize Metrics Server
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.BindAddress, supervisor.Healthy, logger)
		if sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}
		if err := metricsServer.Start(); err != nil {
			logger.Error().Err(err).Msg("Failed to start Metrics Server")
			metricsServer = nil
		} else {
			logger.Info().Str("addr", cfg.Metrics.BindAddress).Msg("Metrics Server started")
		}
	}

	// Initialize Admin Server
	var adminServer *admin.Server
	if cfg.Admin.Enabled {
		adminServer = admin.NewServer(admin.Config{
			Socket:     cfg.Admin.Socket,
			SocketMode: os.FileMode(cfg.Admin.SocketMode),
		}, supervisor, logger)
		if sdListeners.Admin != nil {
			adminServer.SetListener(sdListeners.Admin)
		}
		if err := adminServer.Start(); err != nil {
			logger.Error().Err(err).Msg("Failed to start Admin Server")
			adminServer = nil
		}
	}

	logger.Info().Msg("kquota startup complete")

	// Notify systemd that we're ready
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	// Signal handling loop
	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			logger.Info().Msg("SIGHUP received, reloading policies...")
			if err := systemd.NotifyReloading(); err != nil {
				logger.Warn().Err(err).Msg("Failed to send systemd reloading notification")
			}
			l.Post(supervisor.ReloadPolicies)
			if err := systemd.NotifyReady(); err != nil {
				logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
			}
			continue
		}
		logger.Info().Msg("Shutdown signal received, gracefully stopping...")
		break
	}

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	if adminServer != nil {
		if err := adminServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping Admin Server")
		}
	}
	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping policy watcher")
		}
	}

	// Save every ledger before the loop goes away
	stopPolling()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := supervisor.ShutdownAndWait(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Supervisor did not stop cleanly")
	}
	_, _ = loop.Call(shutdownCtx, l, func() struct{} {
		sessions.Close()
		return struct{}{}
	})
	cancel()
	stopLoop()
	loopDone.Wait()

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping Metrics Server")
		}
	}

	logger.Info().Msg("kquota stopped")

	return nil
}

// registeredProbe unregisters its endpoint when closed.
type registeredProbe struct {
	*session.ScreenSaverProbe
	manager *resilience.Manager
	name    string
}

func (p *registeredProbe) Close() {
	p.ScreenSaverProbe.Close()
	p.manager.Remove(p.name)
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	storageType := cfg.Type
	if storageType == "" {
		storageType = "bolt"
	}

	switch storageType {
	case "bolt":
		return bolt.Open(cfg.Path)
	case "redis":
		return redis.Open(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", storageType)
	}
}

func endpointOptions(c config.EndpointConfig) resilience.Options {
	return resilience.Options{
		Retries:        c.Retries,
		Backoff:        config.Duration(c.Backoff, 5*time.Second),
		DelayTicks:     c.DelayTicks,
		ConnectTimeout: config.Duration(c.ConnectTimeout, 10*time.Second),
	}
}

// expireMillis converts the notification expiry to the freedesktop form,
// where -1 leaves the choice to the notification server.
func expireMillis(s string) int32 {
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return -1
	}
	return int32(d / time.Millisecond)
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	// Set log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	// Set output format
	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
