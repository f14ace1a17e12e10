package workflow

import (
	"context"
	"time"

	errs "github.com/vinayprograms/escrowkit/errors"
	"github.com/vinayprograms/escrowkit/escrow"
	"github.com/vinayprograms/escrowkit/ledger"
)

// ReleaseResult is the outcome of ReleasePayment and ReleaseOnTimeout.
type ReleaseResult struct {
	Task          *ledger.Task
	Escrow        *ledger.Escrow
	Notifications []*ledger.Notification
}

// ReleasePayment pays the held escrow out to the tasker and completes the
// task. Only the poster may release. A second release finds no held escrow
// and fails without moving funds.
//
// Errors: NOT_FOUND ("No held escrow found") if nothing is held,
// UNAUTHORIZED if actorID is not the poster, GATEWAY_FAILED if the payment
// gateway call failed (the escrow stays held and the call may be retried).
func (e *Engine) ReleasePayment(ctx context.Context, taskID, actorID string) (*ReleaseResult, error) {
	if err := requireActor(CmdReleasePayment, actorID); err != nil {
		return nil, err
	}
	rules := releaseRules{
		authorize: func(task *ledger.Task) error { return requirePoster(task, actorID) },
	}
	return e.release(ctx, CmdReleasePayment, taskID, actorID, ledger.RolePoster, rules)
}

// ReleaseOnTimeout releases a held escrow whose scheduled release time has
// passed. It is the entry point for an external scheduler and acts as the
// system, not as the poster.
//
// Errors: NOT_FOUND if nothing is held, INVALID_STATE if release is not yet
// due, GATEWAY_FAILED as for ReleasePayment.
func (e *Engine) ReleaseOnTimeout(ctx context.Context, taskID string) (*ReleaseResult, error) {
	rules := releaseRules{
		due: func(held *ledger.Escrow, now time.Time) error {
			if now.Before(held.ReleaseScheduledFor) {
				return errs.InvalidState("escrow release is not yet due",
					errs.WithTaskID(held.TaskID),
					errs.WithMetadata("release_scheduled_for", held.ReleaseScheduledFor.Format(time.RFC3339)))
			}
			return nil
		},
	}
	return e.release(ctx, CmdReleaseOnTimeout, taskID, SystemActor, ledger.RoleSystem, rules)
}

// releaseRules are the checks a release variant adds to "escrow is held".
// Either may be nil.
type releaseRules struct {
	authorize func(task *ledger.Task) error
	due       func(held *ledger.Escrow, now time.Time) error
}

func (r releaseRules) check(task *ledger.Task, held *ledger.Escrow, now time.Time) error {
	if r.authorize != nil {
		if err := r.authorize(task); err != nil {
			return err
		}
	}
	if held == nil || held.Status != ledger.EscrowHeld {
		return errs.NotFound(escrow.NoHeldEscrow, errs.WithTaskID(task.ID))
	}
	if r.due != nil {
		return r.due(held, now)
	}
	return nil
}

// release runs in three steps so no lock is held across the gateway call:
// a lock-free precheck, the idempotent gateway settlement, then the locked
// commit that records the receipt.
func (e *Engine) release(ctx context.Context, command, taskID, actorID string, role ledger.Role, rules releaseRules) (*ReleaseResult, error) {
	held, err := e.precheckRelease(ctx, taskID, rules)
	if err != nil {
		e.logger.CommandRejected(command, taskID, actorID, string(errs.Code(err)), err)
		return nil, err
	}

	receipt, err := e.settle(ctx, held)
	if err != nil {
		e.logger.CommandRejected(command, taskID, actorID, string(errs.Code(err)), err)
		return nil, err
	}

	out, err := e.execute(ctx, command, taskID, actorID, func(snap *ledger.Snapshot, now time.Time) (*outcome, error) {
		task := snap.Task
		if err := rules.check(task, snap.Escrow, now); err != nil {
			if errs.Is(err, errs.ErrCodeNotFound) {
				e.checkSettledEscrow(snap, held, receipt)
			}
			return nil, err
		}

		from := task.Status
		if err := transition(task, ledger.TaskCompleted); err != nil {
			return nil, err
		}
		if _, err := e.escrow.Release(snap, receipt, now); err != nil {
			return nil, err
		}
		completed := now
		task.CompletedAt = &completed
		task.UpdatedAt = now

		ev := e.newEvent(ledger.EventPaymentReleased, snap, actorID, role, now)
		ev.FromStatus = from
		return &outcome{from: from, to: task.Status, events: []ledger.Event{ev}}, nil
	})
	if err != nil {
		if !errs.Is(err, errs.ErrCodeNotFound) {
			// Settled but not recorded. A retry replays the same receipt.
			e.logger.ReconciliationRequired(taskID, held.ID, receipt.TransactionID,
				"ledger commit failed after gateway settlement: "+string(errs.Code(err)))
		}
		return nil, err
	}

	return &ReleaseResult{
		Task:          out.task,
		Escrow:        out.escrow,
		Notifications: out.notifications,
	}, nil
}

// precheckRelease validates a release without the lock. The locked commit
// repeats every check.
func (e *Engine) precheckRelease(ctx context.Context, taskID string, rules releaseRules) (*ledger.Escrow, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	held, err := e.store.GetEscrowForTask(ctx, taskID)
	if err != nil && !errs.Is(err, errs.ErrCodeNotFound) {
		return nil, err
	}
	if err := rules.check(task, held, e.now()); err != nil {
		return nil, err
	}
	return held, nil
}

// settle calls the gateway inside its own span.
func (e *Engine) settle(ctx context.Context, held *ledger.Escrow) (*escrow.Receipt, error) {
	ctx, span := e.tracer.StartGatewaySpan(ctx, held.ID, held.Amount.StringFixed(2))
	receipt, err := e.escrow.Settle(ctx, held)
	txn := ""
	if receipt != nil {
		txn = receipt.TransactionID
	}
	e.tracer.EndGatewaySpan(span, txn, err)
	return receipt, err
}

// checkSettledEscrow runs when funds were settled but the escrow is no
// longer held by the time the lock is taken. A concurrent release of the
// same escrow carries the same receipt and needs nothing; anything else
// means money moved that the ledger does not show.
func (e *Engine) checkSettledEscrow(snap *ledger.Snapshot, settled *ledger.Escrow, receipt *escrow.Receipt) {
	current := snap.Escrow
	if current != nil && current.Status == ledger.EscrowReleased && current.GatewayTransactionID == receipt.TransactionID {
		return
	}
	status := "missing"
	if current != nil {
		status = string(current.Status)
	}
	e.logger.ReconciliationRequired(settled.TaskID, settled.ID, receipt.TransactionID,
		"escrow is "+status+" after gateway settlement")
	e.audit.LogEvent("reconciliation_required", map[string]interface{}{
		"task_id":        settled.TaskID,
		"escrow_id":      settled.ID,
		"transaction_id": receipt.TransactionID,
		"escrow_status":  status,
	})
}
