// Package workflow is the task lifecycle state machine.
//
// An Engine receives role-scoped commands from an already-authenticated
// caller and moves a task through its states:
//
//	open -> in_progress <-> revision_requested -> completed
//	             \______________|________________-> dispute
//
// Every command follows the same path: open a span, take the task's lock
// through ledger.Store.Update, validate, mutate the snapshot, project the
// resulting events into notifications in the same snapshot, commit, then
// publish the events and notifications on the bus and hand the events to
// the audit exporter. Validation failures abort the command with nothing
// written.
//
// ReleasePayment is the exception to "everything under the lock": the
// payment gateway is called first, outside any lock, and the receipt is
// recorded afterwards under the lock. The gateway call is idempotent per
// escrow, so a retried release never moves funds twice.
//
// Basic usage:
//
//	engine := workflow.NewEngine(store,
//	    workflow.WithBus(b, bus.NewSubjects("")),
//	    workflow.WithLogger(logger),
//	)
//	res, err := engine.AcceptOffer(ctx, taskID, offerID, posterID)
//	if err != nil {
//	    return errors.UserMessage("AcceptOffer", err)
//	}
package workflow
