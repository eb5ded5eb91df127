package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/blackwall-project/blackwall/internal/api"
	"github.com/blackwall-project/blackwall/internal/audit"
	"github.com/blackwall-project/blackwall/internal/core"
	"github.com/blackwall-project/blackwall/internal/detector"
	"github.com/blackwall-project/blackwall/internal/escalate"
	"github.com/blackwall-project/blackwall/internal/ipstate"
	"github.com/blackwall-project/blackwall/internal/notify"
	"github.com/blackwall-project/blackwall/internal/ratelimit"
)

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "configs/blackwall.yaml", "Config file path")
	logLevel := fs.String("log-level", "", "Log level override: debug, info, warn, error")
	demoAddr := fs.String("demo-addr", "", "Also serve the demo application on this address, e.g. :8080")
	fs.Parse(args)

	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		errorf("loading config: %v", err)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	det, err := detector.New(cfg.Detector)
	if err != nil {
		errorf("building detector: %v", err)
	}

	engine, err := core.NewEngine(cfg, core.Components{
		Detector: det,
		Limiter:  ratelimit.New(cfg.RateLimit),
		Store:    ipstate.New(cfg.Scoring, core.RootLogger(cfg)),
	})
	if err != nil {
		errorf("building engine: %v", err)
	}

	if cfg.Escalation.Enabled {
		if cfg.Escalation.APIKey == "" {
			engine.Logger.Warn().Msg("escalation enabled but no API key configured — set BLACKWALL_API_KEY")
		}
		engine.SetGateway(escalate.New(cfg.Escalation, engine.Logger))
	}

	auditLog, auditStore, bus, err := buildAudit(cfg, engine)
	if err != nil {
		errorf("building audit pipeline: %v", err)
	}
	engine.SetAudit(auditLog)

	if err := engine.Start(); err != nil {
		errorf("starting engine: %v", err)
	}

	server := api.NewServer(engine, auditLog, auditStore)
	if err := server.Start(); err != nil {
		errorf("starting admin API: %v", err)
	}

	if *demoAddr != "" {
		go runDemoApp(engine, *demoAddr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	engine.Logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")

	if err := server.Stop(); err != nil {
		engine.Logger.Error().Err(err).Msg("error stopping admin API")
	}
	engine.Shutdown()
	if auditLog != nil {
		if err := auditLog.Close(); err != nil {
			engine.Logger.Error().Err(err).Msg("error closing audit sinks")
		}
	}
	if bus != nil {
		if err := bus.Close(); err != nil {
			engine.Logger.Error().Err(err).Msg("error closing decision bus")
		}
	}
}

// buildAudit assembles the audit log and its configured sinks.
func buildAudit(cfg *core.Config, engine *core.Engine) (*audit.Log, *audit.Store, *core.DecisionBus, error) {
	log := audit.NewLog(cfg.Audit.MemorySize, engine.Logger, func(string) {
		engine.Metrics.AuditFailures.Inc()
	})

	if cfg.Audit.File.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Audit.File.Path), 0755); err != nil {
			return nil, nil, nil, fmt.Errorf("creating audit log directory: %w", err)
		}
		log.AddSink(audit.NewFileSink(cfg.Audit.File))
	}

	var store *audit.Store
	if cfg.Audit.Database.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Audit.Database.Path), 0755); err != nil {
			return nil, nil, nil, fmt.Errorf("creating audit database directory: %w", err)
		}
		var err error
		store, err = audit.NewStore(cfg.Audit.Database.Path)
		if err != nil {
			return nil, nil, nil, err
		}
		log.AddSink(store)
	}

	var bus *core.DecisionBus
	if cfg.Bus.Enabled && cfg.Audit.PublishBus {
		var err error
		bus, err = core.NewDecisionBus(&cfg.Bus, engine.Logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connecting decision bus: %w", err)
		}
		log.AddSink(audit.NewBusSink(bus))
	}

	if cfg.Notify.Enabled {
		log.AddSink(notify.New(cfg.Notify, engine.Logger))
	}

	return log, store, bus, nil
}

func writeDefaultConfig(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return core.SaveConfig(core.DefaultConfig(), path)
}
