package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/wardenlabs/warden/internal/approval"
	"github.com/wardenlabs/warden/internal/audit"
	"github.com/wardenlabs/warden/internal/config"
	"github.com/wardenlabs/warden/internal/consent"
	"github.com/wardenlabs/warden/internal/safezone"
	"github.com/wardenlabs/warden/internal/supervisor"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

// App holds all the runtime components
type App struct {
	ConfigPath string
	Config     *config.Config
	Logger     *slog.Logger

	Validator  *safezone.Validator
	Supervisor *supervisor.Supervisor
	Engine     *consent.Engine

	AuditStore *audit.Store // nil when backend is "memory"
	AuditLog   *audit.Log
	Retention  *audit.Retention

	Dispatcher *approval.Dispatcher
	WSChannel  *approval.WSChannel

	httpServer *http.Server
	srvContext context.Context
	srvCancel  context.CancelFunc
}

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("warden", flag.ExitOnError)
	configPath := fs.String("config", "warden.json", "Path to config file")
	showVersion := fs.Bool("version", false, "Show version")
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Printf("Error parsing arguments: %v\n", err)
		return 1
	}

	if *showVersion {
		fmt.Printf("Warden v%s (built %s)\n", version, buildTime)
		fmt.Println("Local execution backend: safe zones, supervised processes, consent")
		return 0
	}

	app, err := setup(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Setup failed: %v\n", err)
		return 1
	}

	if err := startServices(app); err != nil {
		app.Logger.Error("failed to start services", "error", err)
		return 1
	}

	printBanner(app)

	if err := waitForShutdown(app); err != nil {
		app.Logger.Error("shutdown error", "error", err)
		return 1
	}

	return 0
}

// setup initializes all application components
func setup(configPath string) (*App, error) {
	app := &App{ConfigPath: configPath}

	// Setup logger (initially at Info level)
	app.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	app.Logger.Info("starting Warden",
		"version", version,
		"config", configPath,
	)

	cfg, err := loadConfig(configPath, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app.Config = cfg

	// Recreate logger with config's log level
	app.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))

	if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	// Safe-zone validator
	validator, err := safezone.New(cfg.SafezoneConfig(), app.Logger)
	if err != nil {
		return nil, fmt.Errorf("create validator: %w", err)
	}
	app.Validator = validator
	app.Logger.Info("safe zones resolved", "zones", len(validator.Zones()))

	// Process supervisor
	sup, err := supervisor.New(validator, cfg.SupervisorLimits(), cfg.Supervisor.EnableMonitoring, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("create supervisor: %w", err)
	}
	app.Supervisor = sup

	// Audit sinks: the in-memory log always exists (fast queries, chain
	// verification); sqlite persists when configured.
	app.AuditLog = audit.NewLog(app.Logger)
	var sink consent.AuditSink = app.AuditLog
	pruners := []audit.Pruner{app.AuditLog}
	if cfg.Audit.Backend == "" || cfg.Audit.Backend == "sqlite" {
		store, err := audit.OpenStore(cfg.AuditDBPath(), app.Logger)
		if err != nil {
			return nil, fmt.Errorf("open audit store: %w", err)
		}
		app.AuditStore = store
		sink = audit.NewTee(store, app.AuditLog)
		pruners = append(pruners, store)
	}
	app.Retention = audit.NewRetention(cfg.Consent.AuditRetentionDays, app.Logger, pruners...)

	// Consent engine
	policy, err := cfg.ConsentPolicy()
	if err != nil {
		return nil, fmt.Errorf("load consent policy: %w", err)
	}
	engine, err := consent.New(policy, cfg.ConsentSettings(), sink, validator, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("create consent engine: %w", err)
	}
	app.Engine = engine

	// Risk rule packs
	if dir := cfg.Consent.RulePackDir; dir != "" {
		packs, err := consent.LoadRulePacks(dir, app.Logger)
		if err != nil {
			return nil, fmt.Errorf("load rule packs: %w", err)
		}
		for name, pack := range packs {
			if err := engine.AddPlugin(name, pack); err != nil {
				return nil, fmt.Errorf("register rule pack %s: %w", name, err)
			}
		}
		if len(packs) > 0 {
			app.Logger.Info("rule packs loaded", "count", len(packs))
		}
	}

	// Approval channels
	channels := []approval.Channel{}
	if cfg.Approval.Websocket {
		app.WSChannel = approval.NewWSChannel(engine, approval.JWTSecret(), app.Logger)
		channels = append(channels, app.WSChannel)
	}
	if mc := cfg.Approval.MQTT; mc != nil && mc.BrokerURL != "" {
		channels = append(channels, approval.NewMQTTChannel(engine, mc.BrokerURL, mc.Username, mc.Password, app.Logger))
	}
	app.Dispatcher = approval.NewDispatcher(engine, app.Logger, channels...)

	return app, nil
}

// loadConfig loads configuration from file or creates default
func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("no config found, creating default")
			cfg = config.DefaultConfig()
			if err := cfg.Save(path); err != nil {
				return nil, fmt.Errorf("save default config: %w", err)
			}
			logger.Info("default config created", "path", path)
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

// parseLogLevel converts string log level to slog.Level
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startServices starts the approval channels, retention sweeps, and the HTTP
// server carrying the websocket approval endpoint.
func startServices(app *App) error {
	app.srvContext, app.srvCancel = context.WithCancel(context.Background())

	if err := app.Dispatcher.Start(app.srvContext); err != nil {
		return fmt.Errorf("start approval channels: %w", err)
	}

	if err := app.Retention.Start(); err != nil {
		return fmt.Errorf("start audit retention: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	if app.WSChannel != nil {
		mux.Handle("/ws/approvals", app.WSChannel)
	}

	app.httpServer = &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", app.Config.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := app.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.Logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// printBanner displays the startup banner
func printBanner(app *App) {
	fmt.Println()
	fmt.Printf("  Warden v%s\n", version)
	fmt.Printf("  Approval endpoint: ws://127.0.0.1:%d/ws/approvals\n", app.Config.Server.Port)
	fmt.Printf("  Safe zones: %d resolved\n", len(app.Validator.Zones()))
	fmt.Printf("  Max concurrent processes: %d\n", app.Supervisor.Limits().MaxConcurrent)
	fmt.Println()
}

// reload re-reads the config file and applies what can change at runtime:
// safe zones, supervisor limits, and the consent policy.
func (app *App) reload() {
	cfg, err := config.Load(app.ConfigPath)
	if err != nil {
		app.Logger.Error("config reload failed", "error", err)
		return
	}

	if err := app.Validator.Reload(cfg.SafezoneConfig()); err != nil {
		app.Logger.Error("validator reload failed", "error", err)
		return
	}
	if err := app.Supervisor.UpdateLimits(cfg.SupervisorLimits()); err != nil {
		app.Logger.Error("limits reload failed", "error", err)
		return
	}
	policy, err := cfg.ConsentPolicy()
	if err != nil {
		app.Logger.Error("policy reload failed", "error", err)
		return
	}
	if err := app.Engine.SetPolicy(policy); err != nil {
		app.Logger.Error("policy reload failed", "error", err)
		return
	}

	app.Config = cfg
	app.Logger.Info("configuration reloaded")
}

// waitForShutdown waits for termination signal and performs graceful shutdown
func waitForShutdown(app *App) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, getShutdownSignals()...)

	for {
		sig := <-sigCh

		if isReloadSignal(sig) {
			app.Logger.Info("reload signal received")
			app.reload()
			continue
		}

		app.Logger.Info("shutdown signal received", "signal", sig)
		break
	}

	// Stop accepting approval traffic first so nothing resolves mid-teardown.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.httpServer.Shutdown(shutdownCtx); err != nil {
		app.Logger.Warn("http server shutdown", "error", err)
	}
	app.Dispatcher.Stop()
	if app.srvCancel != nil {
		app.srvCancel()
	}

	// Deny anything still waiting for consent, then kill what is running.
	app.Engine.EmergencyStop()
	app.Supervisor.Shutdown()

	app.Retention.Stop()
	if app.AuditStore != nil {
		if err := app.AuditStore.Close(); err != nil {
			app.Logger.Error("failed to close audit store", "error", err)
		}
	}

	app.Logger.Info("Warden stopped")
	return nil
}
