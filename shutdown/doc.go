// Package shutdown runs agentwatch's ordered, deadline-bounded shutdown.
//
// # Phases
//
// Handlers are grouped into phases. Lower phases run first and handlers
// inside one phase run concurrently:
//
//   - PhaseIntake: stop the HTTP server and bus subscriptions
//   - PhaseDetection: stop the zombie scanner and agent reporters
//   - PhaseDelivery: drain the work queue, final alert flush
//   - PhaseResources: close the bus connection, flush telemetry
//
// # Deadline
//
// Every handler runs under the shutdown context. A handler that ignores
// cancellation is abandoned once the deadline passes: Shutdown returns
// ErrTimeout and the caller is expected to exit non-zero.
//
//	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())
//	coord.RegisterFuncWithPhase("http", srv.Shutdown, shutdown.PhaseIntake)
//	coord.RegisterFuncWithPhase("alerts", dispatcher.Flush, shutdown.PhaseDelivery)
//
//	ctx, stop := coord.NotifyContext(context.Background())
//	defer stop()
//	<-ctx.Done()
//	if err := coord.ShutdownWithTimeout(0); err != nil {
//	    os.Exit(1)
//	}
package shutdown
