// Package offers decides which offer wins a task.
//
// Resolve runs inside ledger.Store.Update, so flipping the winner and
// declining its siblings land in the same commit. No reader can observe two
// accepted offers, or an accepted winner beside still-pending losers.
package offers

import (
	"time"

	errs "github.com/vinayprograms/escrowkit/errors"
	"github.com/vinayprograms/escrowkit/ledger"
)

// Resolution is the outcome of accepting one offer.
type Resolution struct {
	// Winner is the offer now in status accepted.
	Winner *ledger.Offer

	// Declined holds the sibling offers this resolution moved from pending
	// to declined. Offers that were already declined are not listed.
	Declined []*ledger.Offer
}

// Resolve accepts offerID on the snapshot's task and declines every other
// pending offer for that task. It mutates snap in place.
//
// Errors: INVALID_ARGUMENT if the offer is not one of the task's offers,
// INVALID_STATE if the task is not open, the offer is not pending, or the
// task already has an accepted offer.
func Resolve(snap *ledger.Snapshot, offerID string, now time.Time) (*Resolution, error) {
	if snap == nil || snap.Task == nil {
		return nil, errs.Internal("resolve offer without a task")
	}
	task := snap.Task

	winner := snap.Offer(offerID)
	if winner == nil {
		return nil, errs.InvalidArgument("offer does not belong to this task",
			errs.WithTaskID(task.ID), errs.WithOfferID(offerID))
	}
	if task.Status != ledger.TaskOpen {
		return nil, errs.InvalidState("task is not open",
			errs.WithTaskID(task.ID), errs.WithOfferID(offerID),
			errs.WithMetadata("status", string(task.Status)))
	}
	if winner.Status != ledger.OfferPending {
		return nil, errs.InvalidState("offer is not pending",
			errs.WithTaskID(task.ID), errs.WithOfferID(offerID),
			errs.WithMetadata("offer_status", string(winner.Status)))
	}
	for _, o := range snap.Offers {
		if o.Status == ledger.OfferAccepted {
			return nil, errs.InvalidState("task already has an accepted offer",
				errs.WithTaskID(task.ID), errs.WithOfferID(o.ID))
		}
	}

	accepted := now
	winner.Status = ledger.OfferAccepted
	winner.AcceptedAt = &accepted
	winner.DeclinedAt = nil

	res := &Resolution{Winner: winner}
	for _, o := range snap.Offers {
		if o == winner || o.Status != ledger.OfferPending {
			continue
		}
		declined := now
		o.Status = ledger.OfferDeclined
		o.DeclinedAt = &declined
		res.Declined = append(res.Declined, o)
	}

	task.AcceptedOfferID = winner.ID
	return res, nil
}

// AcceptedCount returns how many offers are in status accepted.
// A healthy task has zero while open and exactly one afterwards.
func AcceptedCount(offers []*ledger.Offer) int {
	n := 0
	for _, o := range offers {
		if o.Status == ledger.OfferAccepted {
			n++
		}
	}
	return n
}
