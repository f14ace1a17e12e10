package workflow

import (
	errs "github.com/vinayprograms/escrowkit/errors"
	"github.com/vinayprograms/escrowkit/ledger"
)

// transitions lists the status changes the lifecycle permits. A status
// missing from the map is terminal.
var transitions = map[ledger.TaskStatus][]ledger.TaskStatus{
	ledger.TaskOpen: {
		ledger.TaskInProgress,
	},
	ledger.TaskInProgress: {
		ledger.TaskRevisionRequested,
		ledger.TaskCompleted,
		ledger.TaskDispute,
	},
	ledger.TaskRevisionRequested: {
		ledger.TaskRevisionRequested, // another round of feedback
		ledger.TaskInProgress,
		ledger.TaskCompleted,
		ledger.TaskDispute,
	},
}

// allowedTransition reports whether a task may move from one status to
// another.
func allowedTransition(from, to ledger.TaskStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transition moves the task to a new status or returns INVALID_STATE.
func transition(task *ledger.Task, to ledger.TaskStatus) error {
	if !allowedTransition(task.Status, to) {
		return errs.InvalidState("task cannot move from "+string(task.Status)+" to "+string(to),
			errs.WithTaskID(task.ID),
			errs.WithMetadata("from", string(task.Status)),
			errs.WithMetadata("to", string(to)))
	}
	task.Status = to
	return nil
}

// requireActive rejects commands that need work underway.
func requireActive(task *ledger.Task) error {
	if !task.Status.IsActive() {
		return errs.InvalidState("task is not in progress",
			errs.WithTaskID(task.ID), errs.WithMetadata("status", string(task.Status)))
	}
	return nil
}

// assignedTasker returns the accepted offer if actorID made it.
// A task without an accepted offer has no tasker to act for it.
func assignedTasker(snap *ledger.Snapshot, actorID string) (*ledger.Offer, error) {
	offer := snap.AcceptedOffer()
	if offer == nil {
		return nil, errs.InvalidState("task has no accepted offer",
			errs.WithTaskID(snap.Task.ID), errs.WithActorID(actorID))
	}
	if offer.TaskerID != actorID {
		return nil, errs.Unauthorized("only the assigned tasker can do this",
			errs.WithTaskID(snap.Task.ID), errs.WithActorID(actorID))
	}
	return offer, nil
}

// requirePoster rejects actors other than the task's poster.
func requirePoster(task *ledger.Task, actorID string) error {
	if task.PosterID != actorID {
		return errs.Unauthorized("only the task poster can do this",
			errs.WithTaskID(task.ID), errs.WithActorID(actorID))
	}
	return nil
}

// partyRole returns the role actorID plays on the task, or UNAUTHORIZED if
// they are neither the poster nor the assigned tasker.
func partyRole(snap *ledger.Snapshot, actorID string) (ledger.Role, error) {
	if snap.Task.PosterID == actorID {
		return ledger.RolePoster, nil
	}
	if o := snap.AcceptedOffer(); o != nil && o.TaskerID == actorID {
		return ledger.RoleTasker, nil
	}
	return "", errs.Unauthorized("only the poster or the assigned tasker can do this",
		errs.WithTaskID(snap.Task.ID), errs.WithActorID(actorID))
}
