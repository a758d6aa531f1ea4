package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/agentwatch/bus"
	"github.com/vinayprograms/agentwatch/ingest"
	"github.com/vinayprograms/agentwatch/liveness"
	"github.com/vinayprograms/agentwatch/logging"
	"github.com/vinayprograms/agentwatch/reporter"
)

func reportCmd() *cobra.Command {
	var (
		agentID  string
		name     string
		modeName string
		server   string
		natsURL  string
		subject  string
		once     bool
		uptime   int64
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Send liveness reports for an agent",
		Long: `Send liveness reports to an agentwatch service over HTTP or NATS.

With --once a single report is sent and the command exits. Otherwise
reports follow the mode's interval until interrupted; SIGUSR1 switches
to EMERGENCY and SIGUSR2 back to the starting mode.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentID == "" {
				return fmt.Errorf("--agent or AGENTWATCH_AGENT_ID is required")
			}
			mode, err := liveness.ParseMode(modeName)
			if err != nil {
				return err
			}

			var transport reporter.Transport
			if natsURL != "" {
				ncfg := bus.DefaultNATSConfig()
				ncfg.URL = natsURL
				ncfg.Name = "agentwatch-reporter"
				nb, err := bus.NewNATSBus(ncfg)
				if err != nil {
					return err
				}
				defer nb.Close()
				transport = reporter.NewBusTransport(nb, subject)
			} else {
				transport = reporter.NewHTTPTransport(server, nil)
			}

			if once {
				ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
				defer cancel()
				err := transport.Send(ctx, agentID, ingest.Report{Mode: mode, UptimeSeconds: uptime, AgentName: name})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reported %s %s uptime=%d\n", agentID, mode, uptime)
				return nil
			}

			return runReporter(cmd.Context(), reporter.Config{
				AgentID:   agentID,
				Name:      name,
				Mode:      mode,
				Transport: transport,
				StartedAt: time.Now().Add(-time.Duration(uptime) * time.Second),
				Logger:    logging.New(),
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&agentID, "agent", os.Getenv("AGENTWATCH_AGENT_ID"), "agent id")
	f.StringVar(&name, "name", "", "display name")
	f.StringVar(&modeName, "mode", string(liveness.ModeIdle), "EMERGENCY, IDLE or SLEEP")
	f.StringVar(&server, "server", "http://localhost:8080", "agentwatch base URL")
	f.StringVar(&natsURL, "nats", "", "publish on NATS instead of HTTP")
	f.StringVar(&subject, "subject", "agentwatch.report", "NATS subject prefix")
	f.BoolVar(&once, "once", false, "send one report and exit")
	f.Int64Var(&uptime, "uptime", 0, "uptime in seconds at start")
	return cmd
}

func runReporter(parent context.Context, cfg reporter.Config) error {
	r, err := reporter.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	modeSwitch := make(chan os.Signal, 1)
	signal.Notify(modeSwitch, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(modeSwitch)

	if err := r.Start(ctx); err != nil {
		return err
	}
	defer r.Stop()

	for {
		select {
		case <-ctx.Done():
			sent, failed := r.Counts()
			fmt.Fprintf(os.Stderr, "stopped after %d reports (%d failed)\n", sent, failed)
			return nil
		case sig := <-modeSwitch:
			mode := cfg.Mode
			if sig == syscall.SIGUSR1 {
				mode = liveness.ModeEmergency
			}
			r.SetMode(mode)
		}
	}
}
