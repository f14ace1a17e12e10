// Package shutdown tears an escrowkit process down in dependency order.
//
// Components register a close function under a phase. Lower phases close
// first and every handler in one phase closes concurrently:
//
//	PhaseIntake     stop the sweeper and relay so no new commands start
//	PhaseDelivery   close the message bus
//	PhaseLedger     close the ledger, state store and database connections
//	PhaseTelemetry  flush the audit trail and the trace provider
//
// Usage:
//
//	coord := shutdown.NewCoordinator(shutdown.Config{Logger: logger})
//	coord.Register("sweeper", shutdown.PhaseIntake, func(ctx context.Context) error {
//	    sweeper.Stop()
//	    return nil
//	})
//	coord.Register("ledger", shutdown.PhaseLedger, func(context.Context) error {
//	    return store.Close()
//	})
//	...
//	<-ctx.Done()
//	err := coord.ShutdownWithTimeout(0)
//
// A failing handler does not stop later phases unless StopOnError is set;
// the ledger must still be closed when the bus fails to drain.
package shutdown
