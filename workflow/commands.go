package workflow

import (
	"context"
	"strconv"
	"time"

	errs "github.com/vinayprograms/escrowkit/errors"
	"github.com/vinayprograms/escrowkit/ledger"
	"github.com/vinayprograms/escrowkit/offers"
)

// AcceptOfferResult is the outcome of AcceptOffer.
type AcceptOfferResult struct {
	Task          *ledger.Task
	Offer         *ledger.Offer
	Declined      []*ledger.Offer
	Escrow        *ledger.Escrow
	Notifications []*ledger.Notification
}

// TaskResult is the outcome of commands that only touch the task.
type TaskResult struct {
	Task          *ledger.Task
	Notifications []*ledger.Notification
}

// DisputeResult is the outcome of RaiseDispute.
type DisputeResult struct {
	Task          *ledger.Task
	Escrow        *ledger.Escrow
	Dispute       *ledger.Dispute
	Notifications []*ledger.Notification
}

// AcceptOffer accepts offerID on behalf of the task's poster. Every other
// pending offer is declined and the offer amount is held in escrow, all in
// one commit. taskID may be empty, in which case the offer's task is used.
//
// Errors: NOT_FOUND if the task or offer is missing, UNAUTHORIZED if
// actorID is not the poster, INVALID_STATE if the task is not open or the
// offer is not pending, INVALID_ARGUMENT if the offer belongs to another task.
func (e *Engine) AcceptOffer(ctx context.Context, taskID, offerID, actorID string) (*AcceptOfferResult, error) {
	if err := requireActor(CmdAcceptOffer, actorID); err != nil {
		return nil, err
	}
	if offerID == "" {
		return nil, errs.InvalidArgument("offer ID is required", errs.WithTaskID(taskID))
	}

	offer, err := e.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if taskID == "" {
		taskID = offer.TaskID
	} else if offer.TaskID != taskID {
		return nil, errs.InvalidArgument("offer does not belong to this task",
			errs.WithTaskID(taskID), errs.WithOfferID(offerID))
	}

	out, err := e.execute(ctx, CmdAcceptOffer, taskID, actorID, func(snap *ledger.Snapshot, now time.Time) (*outcome, error) {
		task := snap.Task
		if snap.Offer(offerID) == nil {
			return nil, errs.NotFound("offer not found", errs.WithTaskID(taskID), errs.WithOfferID(offerID))
		}
		if err := requirePoster(task, actorID); err != nil {
			return nil, err
		}

		from := task.Status
		res, err := offers.Resolve(snap, offerID, now)
		if err != nil {
			return nil, err
		}
		if err := transition(task, ledger.TaskInProgress); err != nil {
			return nil, err
		}
		task.Progress = 0
		task.RevisionMessage = ""
		task.UpdatedAt = now

		if _, err := e.escrow.Hold(snap, res.Winner, now); err != nil {
			return nil, err
		}

		ev := e.newEvent(ledger.EventOfferAccepted, snap, actorID, ledger.RolePoster, now)
		ev.FromStatus = from
		out := &outcome{
			from:   from,
			to:     task.Status,
			events: []ledger.Event{ev},
			offer:  res.Winner.Clone(),
		}
		for _, d := range res.Declined {
			out.declined = append(out.declined, d.Clone())
			out.events[0].DeclinedOfferIDs = append(out.events[0].DeclinedOfferIDs, d.ID)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}

	return &AcceptOfferResult{
		Task:          out.task,
		Offer:         out.offer,
		Declined:      out.declined,
		Escrow:        out.escrow,
		Notifications: out.notifications,
	}, nil
}

// UpdateProgress records the assigned tasker's progress report. Progress
// may move in either direction; it never changes the task's status.
//
// Errors: INVALID_ARGUMENT if progress is outside 0-100, UNAUTHORIZED if
// actorID is not the assigned tasker, INVALID_STATE if work is not underway.
func (e *Engine) UpdateProgress(ctx context.Context, taskID, actorID string, progress int) (*TaskResult, error) {
	if err := requireActor(CmdUpdateProgress, actorID); err != nil {
		return nil, err
	}
	if progress < 0 || progress > 100 {
		return nil, errs.InvalidArgument("progress must be between 0 and 100",
			errs.WithTaskID(taskID), errs.WithMetadata("progress", strconv.Itoa(progress)))
	}

	out, err := e.execute(ctx, CmdUpdateProgress, taskID, actorID, func(snap *ledger.Snapshot, now time.Time) (*outcome, error) {
		task := snap.Task
		if _, err := assignedTasker(snap, actorID); err != nil {
			return nil, err
		}
		if err := requireActive(task); err != nil {
			return nil, err
		}

		task.Progress = progress
		task.UpdatedAt = now

		ev := e.newEvent(ledger.EventProgressUpdated, snap, actorID, ledger.RoleTasker, now)
		ev.FromStatus = task.Status
		return &outcome{from: task.Status, to: task.Status, events: []ledger.Event{ev}}, nil
	})
	if err != nil {
		return nil, err
	}
	return &TaskResult{Task: out.task, Notifications: out.notifications}, nil
}

// MarkComplete records the tasker's claim that the work is done by setting
// progress to 100. The task stays active until the poster releases payment.
//
// Errors: UNAUTHORIZED if actorID is not the assigned tasker, INVALID_STATE
// if work is not underway.
func (e *Engine) MarkComplete(ctx context.Context, taskID, actorID string) (*TaskResult, error) {
	if err := requireActor(CmdMarkComplete, actorID); err != nil {
		return nil, err
	}

	out, err := e.execute(ctx, CmdMarkComplete, taskID, actorID, func(snap *ledger.Snapshot, now time.Time) (*outcome, error) {
		task := snap.Task
		if _, err := assignedTasker(snap, actorID); err != nil {
			return nil, err
		}
		if err := requireActive(task); err != nil {
			return nil, err
		}

		task.Progress = 100
		task.UpdatedAt = now

		ev := e.newEvent(ledger.EventCompletionClaimed, snap, actorID, ledger.RoleTasker, now)
		ev.FromStatus = task.Status
		return &outcome{from: task.Status, to: task.Status, events: []ledger.Event{ev}}, nil
	})
	if err != nil {
		return nil, err
	}
	return &TaskResult{Task: out.task, Notifications: out.notifications}, nil
}

// RequestRevisions returns an active task to the tasker with feedback.
// Progress is reset to the policy's RevisionProgress whatever it was.
//
// Errors: INVALID_ARGUMENT if message is blank, UNAUTHORIZED if actorID is
// not the poster, INVALID_STATE if work is not underway.
func (e *Engine) RequestRevisions(ctx context.Context, taskID, actorID, message string) (*TaskResult, error) {
	if err := requireActor(CmdRequestRevisions, actorID); err != nil {
		return nil, err
	}
	message, err := requireText("revision message", message, errs.WithTaskID(taskID))
	if err != nil {
		return nil, err
	}

	out, err := e.execute(ctx, CmdRequestRevisions, taskID, actorID, func(snap *ledger.Snapshot, now time.Time) (*outcome, error) {
		task := snap.Task
		if err := requirePoster(task, actorID); err != nil {
			return nil, err
		}
		if err := requireActive(task); err != nil {
			return nil, err
		}

		from := task.Status
		if err := transition(task, ledger.TaskRevisionRequested); err != nil {
			return nil, err
		}
		task.RevisionMessage = message
		task.Progress = e.policy.RevisionProgress
		task.UpdatedAt = now

		ev := e.newEvent(ledger.EventRevisionRequested, snap, actorID, ledger.RolePoster, now)
		ev.FromStatus = from
		ev.Message = message
		return &outcome{from: from, to: task.Status, events: []ledger.Event{ev}, text: message}, nil
	})
	if err != nil {
		return nil, err
	}
	return &TaskResult{Task: out.task, Notifications: out.notifications}, nil
}

// RaiseDispute freezes the task's held escrow and moves the task to
// dispute. Either party may raise it; the other is notified. No command
// leads out of dispute.
//
// Errors: INVALID_ARGUMENT if reason or description is blank, UNAUTHORIZED
// if actorID is neither party, NOT_FOUND if no escrow is held.
func (e *Engine) RaiseDispute(ctx context.Context, taskID, actorID, reason, description string) (*DisputeResult, error) {
	if err := requireActor(CmdRaiseDispute, actorID); err != nil {
		return nil, err
	}
	reason, err := requireText("dispute reason", reason, errs.WithTaskID(taskID))
	if err != nil {
		return nil, err
	}
	description, err = requireText("dispute description", description, errs.WithTaskID(taskID))
	if err != nil {
		return nil, err
	}

	out, err := e.execute(ctx, CmdRaiseDispute, taskID, actorID, func(snap *ledger.Snapshot, now time.Time) (*outcome, error) {
		task := snap.Task
		role, err := partyRole(snap, actorID)
		if err != nil {
			return nil, err
		}
		held, err := e.escrow.HeldFor(snap)
		if err != nil {
			return nil, err
		}

		from := task.Status
		if err := transition(task, ledger.TaskDispute); err != nil {
			return nil, err
		}
		task.UpdatedAt = now

		if _, err := e.escrow.Freeze(snap, role, reason, now); err != nil {
			return nil, err
		}

		d := &ledger.Dispute{
			ID:          e.idGen(),
			TaskID:      task.ID,
			OfferID:     held.OfferID,
			EscrowID:    held.ID,
			RaisedBy:    role,
			RaisedByID:  actorID,
			Reason:      reason,
			Description: description,
			Status:      ledger.DisputeOpen,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		snap.Disputes = append(snap.Disputes, d)

		ev := e.newEvent(ledger.EventDisputeRaised, snap, actorID, role, now)
		ev.FromStatus = from
		ev.DisputeID = d.ID
		ev.Message = reason
		return &outcome{
			from:    from,
			to:      task.Status,
			events:  []ledger.Event{ev},
			dispute: d.Clone(),
			text:    description,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return &DisputeResult{
		Task:          out.task,
		Escrow:        out.escrow,
		Dispute:       out.dispute,
		Notifications: out.notifications,
	}, nil
}
