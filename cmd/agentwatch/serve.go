package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/agentwatch/alert"
	"github.com/vinayprograms/agentwatch/api"
	"github.com/vinayprograms/agentwatch/bus"
	"github.com/vinayprograms/agentwatch/config"
	"github.com/vinayprograms/agentwatch/ingest"
	"github.com/vinayprograms/agentwatch/liveness"
	"github.com/vinayprograms/agentwatch/logging"
	"github.com/vinayprograms/agentwatch/metrics"
	"github.com/vinayprograms/agentwatch/ratelimit"
	"github.com/vinayprograms/agentwatch/shutdown"
	"github.com/vinayprograms/agentwatch/telemetry"
	"github.com/vinayprograms/agentwatch/workq"
	"github.com/vinayprograms/agentwatch/zombie"
)

func configFlag(cmd *cobra.Command, path *string) {
	cmd.Flags().StringVarP(path, "config", "c", os.Getenv("AGENTWATCH_CONFIG"),
		"config file (.toml, .yaml or .yml); AGENTWATCH_* variables override it")
}

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the liveness service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	configFlag(cmd, &configPath)
	return cmd
}

func checkConfigCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate configuration and print the effective values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if _, err := cfg.AlertToken(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cluster_id     %s\n", cfg.ClusterID)
			fmt.Fprintf(cmd.OutOrStdout(), "listen         %s\n", cfg.Listen)
			fmt.Fprintf(cmd.OutOrStdout(), "scan_period    %s\n", cfg.ScanPeriod)
			fmt.Fprintf(cmd.OutOrStdout(), "alert endpoint %s\n", orNone(cfg.Alerts.Endpoint))
			fmt.Fprintf(cmd.OutOrStdout(), "queue          %d alerts, ttl %s\n", cfg.Alerts.MaxQueueSize, cfg.Alerts.QueueTTL)
			fmt.Fprintf(cmd.OutOrStdout(), "nats           %s\n", orNone(cfg.NATS.URL))
			fmt.Fprintf(cmd.OutOrStdout(), "telemetry      %s\n", orNone(cfg.Telemetry.Endpoint))
			return nil
		},
	}
	configFlag(cmd, &configPath)
	return cmd
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

// serve wires the service together and blocks until a signal or a fatal
// listener error, then shuts down phase by phase.
func serve(parent context.Context, cfg *config.Config) error {
	log := logging.New()
	level, _ := logging.ParseLevel(cfg.LogLevel)
	log.SetLevel(level)
	m := metrics.New()

	coord := shutdown.NewCoordinator(shutdown.Config{
		Timeout:         cfg.ShutdownTimeout.Duration,
		DefaultPhase:    shutdown.PhaseResources,
		ContinueOnError: true,
		OnProgress: func(hr shutdown.HandlerResult) {
			fields := logging.Fields{"handler": hr.Name, "phase": hr.Phase, "took": hr.Duration.String()}
			if hr.Err != nil {
				fields["error"] = hr.Err.Error()
				log.WithComponent("shutdown").Warn("handler failed", fields)
				return
			}
			log.WithComponent("shutdown").Debug("handler done", fields)
		},
	})
	ctx, stop := coord.NotifyContext(parent)
	defer stop()

	tracer := telemetry.GetTracer()
	pcfg := telemetry.ProviderConfig{
		ServiceVersion: version,
		ClusterID:      cfg.ClusterID,
		Endpoint:       cfg.Telemetry.Endpoint,
		Protocol:       cfg.Telemetry.Protocol,
		Insecure:       cfg.Telemetry.Insecure,
	}
	if pcfg.Enabled() {
		provider, err := telemetry.InitProvider(ctx, pcfg)
		if err != nil {
			log.Warn("tracing disabled", logging.Fields{"error": err.Error()})
		} else {
			tracer = provider.Tracer()
			coord.RegisterFuncWithPhase("telemetry", provider.Shutdown, shutdown.PhaseResources)
		}
	}

	var msgBus bus.MessageBus
	if cfg.NATS.URL != "" {
		ncfg := bus.DefaultNATSConfig()
		ncfg.URL = cfg.NATS.URL
		nb, err := bus.NewNATSBus(ncfg)
		if err != nil {
			return err
		}
		msgBus = nb
		coord.RegisterFuncWithPhase("nats", func(context.Context) error { return nb.Close() }, shutdown.PhaseResources)
	}

	sender, err := buildSender(cfg, msgBus, log)
	if err != nil {
		return err
	}

	store := liveness.NewStore(liveness.StoreConfig{Logger: log, Metrics: m})

	dispatcher, err := alert.NewDispatcher(alert.Config{
		Sender:          sender,
		MaxQueueSize:    cfg.Alerts.MaxQueueSize,
		TTL:             cfg.Alerts.QueueTTL.Duration,
		DeliveryTimeout: cfg.Alerts.Timeout.Duration,
		Logger:          log,
		Metrics:         m,
		Tracer:          tracer,
	})
	if err != nil {
		return err
	}

	pool := workq.New(workq.DefaultConfig(), log, m)

	scanner := zombie.NewScanner(zombie.Config{
		Store:             store,
		Notifier:          dispatcher,
		ClusterID:         cfg.ClusterID,
		ScanPeriod:        cfg.ScanPeriod.Duration,
		NotifyModeChanges: cfg.NotifyModeChanges,
		Pool:              pool,
		Logger:            log,
		Metrics:           m,
		Tracer:            tracer,
	})

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Reports > 0 {
		limiter, err = ratelimit.New(ratelimit.Config{
			Capacity: cfg.RateLimit.Reports,
			Window:   cfg.RateLimit.Window.Duration,
		})
		if err != nil {
			return err
		}
	}

	adapter := ingest.New(ingest.Config{
		Store:      store,
		Classifier: scanner,
		Notifier:   dispatcher,
		Pool:       pool,
		Limiter:    limiter,
		Logger:     log,
		Metrics:    m,
		Tracer:     tracer,
	})

	server := api.New(api.Config{
		Store:       store,
		Ingest:      adapter,
		Queue:       dispatcher,
		Suppression: scanner,
		AdminToken:  cfg.AdminToken,
		Logger:      log,
		Metrics:     m,
	})

	// Intake stops first so nothing new reaches the pool, then detection,
	// then the final flush of queued alerts.
	coord.RegisterFuncWithPhase("http", server.Shutdown, shutdown.PhaseIntake)
	if msgBus != nil {
		stopBus, err := adapter.SubscribeBus(ctx, msgBus, cfg.NATS.ReportSubject, cfg.NATS.Queue)
		if err != nil {
			return err
		}
		coord.RegisterFuncWithPhase("bus-intake", func(context.Context) error { stopBus(); return nil }, shutdown.PhaseIntake)
	}
	coord.RegisterFuncWithPhase("detection", func(ctx context.Context) error {
		scanner.Stop()
		return pool.Close(ctx)
	}, shutdown.PhaseDetection)
	coord.RegisterFuncWithPhase("dispatcher", func(ctx context.Context) error {
		dispatcher.Stop()
		return dispatcher.Flush(ctx)
	}, shutdown.PhaseDelivery)

	scanner.Start()

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.ListenAndServe(cfg.Listen) }()

	log.Info("agentwatch started", logging.Fields{
		"version":    version,
		"cluster_id": cfg.ClusterID,
		"listen":     cfg.Listen,
		"sender":     sender.Name(),
	})

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case runErr = <-serveErr:
		if runErr != nil {
			log.Error("http server failed", logging.Fields{"error": runErr.Error()})
		}
	}

	err = coord.ShutdownWithTimeout(0)
	switch err {
	case nil:
		log.Info("shutdown complete")
	case shutdown.ErrTimeout:
		log.Error("shutdown deadline exceeded, forcing exit", logging.Fields{
			"timeout": cfg.ShutdownTimeout.String(),
		})
		return fmt.Errorf("forced exit: %w", err)
	default:
		log.Warn("shutdown finished with errors", logging.Fields{
			"failed": coord.Result().FailedHandlers(),
		})
	}
	return runErr
}

// buildSender picks the alert sender: the HTTP endpoint when set, with
// the bus as a mirror when NATS is configured.
func buildSender(cfg *config.Config, msgBus bus.MessageBus, log *logging.Logger) (alert.Sender, error) {
	token, err := cfg.AlertToken()
	if err != nil {
		return nil, err
	}

	var busSender alert.Sender
	if msgBus != nil {
		busSender = alert.NewBusSender(msgBus, cfg.NATS.AlertSubject)
	}

	switch {
	case cfg.Alerts.Endpoint != "" && busSender != nil:
		return alert.NewTee(log, newHTTPSender(cfg, token), busSender), nil
	case cfg.Alerts.Endpoint != "":
		return newHTTPSender(cfg, token), nil
	case busSender != nil:
		return busSender, nil
	}

	log.Warn("no alert endpoint or bus configured; alerts will queue until they expire")
	return newHTTPSender(cfg, token), nil
}

func newHTTPSender(cfg *config.Config, token string) *alert.HTTPSender {
	client := &http.Client{Timeout: cfg.Alerts.Timeout.Duration + time.Second}
	return alert.NewHTTPSender(cfg.Alerts.Endpoint, token, client)
}
