// Package escrow holds, releases and freezes the payment tied to a task's
// accepted offer.
//
// Manager methods that take a *ledger.Snapshot run inside ledger.Store.Update
// and only change the snapshot. Settle is the one call that leaves the
// process; it runs before the task lock is taken so no lock is ever held
// across the gateway round trip.
package escrow

import (
	"context"
	"time"

	"github.com/google/uuid"

	errs "github.com/vinayprograms/escrowkit/errors"
	"github.com/vinayprograms/escrowkit/ledger"
	"github.com/vinayprograms/escrowkit/logging"
)

// DefaultHoldPeriod is how long funds stay held before release is due.
const DefaultHoldPeriod = 7 * 24 * time.Hour

// NoHeldEscrow is the message for release and dispute attempts without a
// held escrow.
const NoHeldEscrow = "No held escrow found"

// Manager applies escrow rules.
type Manager struct {
	gateway    Gateway
	holdPeriod time.Duration
	idGen      func() string
	logger     *logging.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithGateway sets the payment gateway. Default: NewSyntheticGateway().
func WithGateway(g Gateway) Option {
	return func(m *Manager) {
		if g != nil {
			m.gateway = g
		}
	}
}

// WithHoldPeriod sets the interval between hold and scheduled release.
func WithHoldPeriod(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.holdPeriod = d
		}
	}
}

// WithIDGenerator sets a custom ID generator function.
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) {
		m.idGen = gen
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger.WithComponent("escrow")
		}
	}
}

// NewManager creates an escrow manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		gateway:    NewSyntheticGateway(),
		holdPeriod: DefaultHoldPeriod,
		idGen:      uuid.NewString,
		logger:     logging.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// HoldPeriod returns the configured hold period.
func (m *Manager) HoldPeriod() time.Duration {
	return m.holdPeriod
}

// Hold creates the task's escrow from its accepted offer. The amount is
// copied from the offer and never changes afterwards. A task gets at most
// one escrow, ever.
func (m *Manager) Hold(snap *ledger.Snapshot, offer *ledger.Offer, now time.Time) (*ledger.Escrow, error) {
	task := snap.Task
	if snap.Escrow != nil {
		return nil, errs.InvalidState("task already has an escrow",
			errs.WithTaskID(task.ID), errs.WithMetadata("escrow_status", string(snap.Escrow.Status)))
	}
	if offer == nil || offer.Status != ledger.OfferAccepted || offer.TaskID != task.ID {
		return nil, errs.InvalidState("escrow requires the task's accepted offer", errs.WithTaskID(task.ID))
	}
	if offer.Amount.IsNegative() {
		return nil, errs.InvalidArgument("escrow amount cannot be negative",
			errs.WithTaskID(task.ID), errs.WithOfferID(offer.ID))
	}

	e := &ledger.Escrow{
		ID:                  m.idGen(),
		TaskID:              task.ID,
		OfferID:             offer.ID,
		PayerID:             task.PosterID,
		PayeeID:             offer.TaskerID,
		Amount:              offer.Amount,
		Status:              ledger.EscrowHeld,
		HeldAt:              now,
		ReleaseScheduledFor: now.Add(m.holdPeriod),
	}
	snap.Escrow = e

	m.logger.EscrowHeld(task.ID, e.ID, e.Amount.String(), e.ReleaseScheduledFor)
	return e, nil
}

// HeldFor returns the snapshot's escrow if it is held.
func (m *Manager) HeldFor(snap *ledger.Snapshot) (*ledger.Escrow, error) {
	if snap.Escrow == nil || snap.Escrow.Status != ledger.EscrowHeld {
		return nil, errs.NotFound(NoHeldEscrow, errs.WithTaskID(snap.Task.ID))
	}
	return snap.Escrow, nil
}

// Settle pays out a held escrow at the gateway, keyed by the escrow ID.
// On failure the escrow is untouched and the error is GATEWAY_FAILED.
func (m *Manager) Settle(ctx context.Context, e *ledger.Escrow) (*Receipt, error) {
	if e == nil || e.Status != ledger.EscrowHeld {
		return nil, errs.NotFound(NoHeldEscrow)
	}

	start := time.Now()
	receipt, err := m.gateway.Release(ctx, TransferRequest{
		IdempotencyKey: e.ID,
		EscrowID:       e.ID,
		TaskID:         e.TaskID,
		PayerID:        e.PayerID,
		PayeeID:        e.PayeeID,
		Amount:         e.Amount,
	})
	m.logger.GatewayCall(e.ID, time.Since(start), err)
	if err != nil {
		return nil, errs.WrapWithCode(err, errs.ErrCodeGatewayFailed, "payment gateway release failed",
			errs.WithTaskID(e.TaskID), errs.WithMetadata("escrow_id", e.ID))
	}
	if receipt == nil || receipt.TransactionID == "" {
		return nil, errs.GatewayFailed("payment gateway returned no transaction",
			errs.WithTaskID(e.TaskID), errs.WithMetadata("escrow_id", e.ID))
	}
	return receipt, nil
}

// Release records a settled transfer on the snapshot's held escrow.
// Released is terminal.
func (m *Manager) Release(snap *ledger.Snapshot, receipt *Receipt, now time.Time) (*ledger.Escrow, error) {
	e, err := m.HeldFor(snap)
	if err != nil {
		return nil, err
	}
	if receipt == nil || receipt.TransactionID == "" {
		return nil, errs.InvalidArgument("release requires a gateway transaction", errs.WithTaskID(snap.Task.ID))
	}

	released := now
	e.Status = ledger.EscrowReleased
	e.ReleasedAt = &released
	e.GatewayTransactionID = receipt.TransactionID

	m.logger.EscrowReleased(e.TaskID, e.ID, e.Amount.String(), e.GatewayTransactionID)
	return e, nil
}

// Freeze marks the snapshot's held escrow disputed. No core command
// releases a disputed escrow.
func (m *Manager) Freeze(snap *ledger.Snapshot, raisedBy ledger.Role, note string, now time.Time) (*ledger.Escrow, error) {
	e, err := m.HeldFor(snap)
	if err != nil {
		return nil, err
	}

	disputed := now
	e.Status = ledger.EscrowDisputed
	e.DisputedAt = &disputed
	if note != "" {
		if e.Notes != "" {
			e.Notes += "\n"
		}
		e.Notes += note
	}

	m.logger.EscrowFrozen(e.TaskID, e.ID, string(raisedBy))
	return e, nil
}
