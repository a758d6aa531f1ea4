// Package reporter is the agent side of agentwatch: it sends liveness
// reports at the cadence of the agent's current mode.
//
// # Usage
//
//	r, _ := reporter.New(reporter.Config{
//	    AgentID:   "worker-7",
//	    Name:      "ingest worker",
//	    Mode:      liveness.ModeIdle,
//	    Transport: reporter.NewHTTPTransport("http://agentwatch:8080", nil),
//	})
//	r.Start(ctx)
//	defer r.Stop()
//
//	// Something went wrong: report every 5s from now on.
//	r.SetMode(liveness.ModeEmergency)
//
// Reports can also be published on a bus with NewBusTransport, where the
// service consumes them from <prefix>.<agent-id>.
package reporter
