package ledger

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	errs "github.com/vinayprograms/escrowkit/errors"
	"github.com/vinayprograms/escrowkit/logging"
)

// Snapshot is everything a command may read or change about one task.
// It is only valid inside the Store.Update callback that received it.
type Snapshot struct {
	Task     *Task
	Offers   []*Offer
	Escrow   *Escrow // nil until an offer is accepted
	Disputes []*Dispute

	// Notifications starts empty. Records appended here are persisted to the
	// recipients' inboxes when the update commits.
	Notifications []*Notification
}

// Offer returns the offer with the given ID, or nil.
func (s *Snapshot) Offer(id string) *Offer {
	for _, o := range s.Offers {
		if o.ID == id {
			return o
		}
	}
	return nil
}

// AcceptedOffer returns the task's accepted offer, or nil while the task is open.
func (s *Snapshot) AcceptedOffer() *Offer {
	if s.Task == nil || s.Task.AcceptedOfferID == "" {
		return nil
	}
	return s.Offer(s.Task.AcceptedOfferID)
}

// Clone creates a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	clone := &Snapshot{
		Task:   s.Task.Clone(),
		Escrow: s.Escrow.Clone(),
	}
	for _, o := range s.Offers {
		clone.Offers = append(clone.Offers, o.Clone())
	}
	for _, d := range s.Disputes {
		clone.Disputes = append(clone.Disputes, d.Clone())
	}
	for _, n := range s.Notifications {
		clone.Notifications = append(clone.Notifications, n.Clone())
	}
	return clone
}

// Store is the ledger's persistence boundary.
type Store interface {
	// CreateTask records a newly posted task in status open.
	// An empty ID is generated.
	CreateTask(ctx context.Context, task Task) (*Task, error)

	// CreateOffer records a pending offer on an open task.
	// The amount must be positive and the tasker must not be the poster.
	CreateOffer(ctx context.Context, offer Offer) (*Offer, error)

	// GetTask retrieves a task by ID.
	GetTask(ctx context.Context, taskID string) (*Task, error)

	// GetOffer retrieves an offer by ID.
	GetOffer(ctx context.Context, offerID string) (*Offer, error)

	// ListOffers returns a task's offers, oldest first.
	ListOffers(ctx context.Context, taskID string) ([]*Offer, error)

	// GetEscrowForTask returns the task's escrow.
	// Returns a NOT_FOUND error if no offer has been accepted.
	GetEscrowForTask(ctx context.Context, taskID string) (*Escrow, error)

	// ListDisputes returns a task's disputes, oldest first.
	ListDisputes(ctx context.Context, taskID string) ([]*Dispute, error)

	// ListNotifications returns a user's notifications, newest first.
	ListNotifications(ctx context.Context, userID string) ([]*Notification, error)

	// ListHeldEscrows returns every escrow still in status held.
	ListHeldEscrows(ctx context.Context) ([]*Escrow, error)

	// Update runs fn against the task's snapshot under the task's lock and
	// commits the result atomically. If fn returns an error nothing is written
	// and that error is returned unchanged.
	Update(ctx context.Context, taskID string, fn func(*Snapshot) error) error

	// Close releases resources held by the store.
	Close() error
}

// StoreOption configures a store backend.
type StoreOption func(*storeOptions)

type storeOptions struct {
	idGen    func() string
	now      func() time.Time
	lockTTL  time.Duration
	lockWait time.Duration
	logger   *logging.Logger
}

func defaultStoreOptions() storeOptions {
	return storeOptions{
		idGen:    generateID,
		now:      time.Now,
		lockTTL:  30 * time.Second,
		lockWait: 5 * time.Second,
		logger:   logging.Nop(),
	}
}

// WithLogger sets the logger for write failures that do not fail a command.
func WithLogger(logger *logging.Logger) StoreOption {
	return func(o *storeOptions) {
		if logger != nil {
			o.logger = logger.WithComponent("ledger")
		}
	}
}

// WithIDGenerator sets a custom ID generator function.
func WithIDGenerator(gen func() string) StoreOption {
	return func(o *storeOptions) {
		o.idGen = gen
	}
}

// WithClock sets the time source used for record timestamps.
func WithClock(now func() time.Time) StoreOption {
	return func(o *storeOptions) {
		o.now = now
	}
}

// WithLockTTL sets how long a per-task lock survives a crashed holder.
func WithLockTTL(ttl time.Duration) StoreOption {
	return func(o *storeOptions) {
		if ttl > 0 {
			o.lockTTL = ttl
		}
	}
}

// WithLockWait sets how long Update waits for a per-task lock before
// failing with RESOURCE_BUSY.
func WithLockWait(wait time.Duration) StoreOption {
	return func(o *storeOptions) {
		if wait > 0 {
			o.lockWait = wait
		}
	}
}

func generateID() string {
	return uuid.NewString()
}

// prepareTask validates and normalizes a task about to be created.
func prepareTask(task Task, o storeOptions) (*Task, error) {
	if strings.TrimSpace(task.PosterID) == "" {
		return nil, errs.InvalidArgument("task requires a poster")
	}
	if task.ID == "" {
		task.ID = o.idGen()
	}
	now := o.now()
	task.Status = TaskOpen
	task.AcceptedOfferID = ""
	task.Progress = 0
	task.RevisionMessage = ""
	task.CreatedAt = now
	task.UpdatedAt = now
	task.CompletedAt = nil
	return &task, nil
}

// prepareOffer validates and normalizes an offer about to be created.
// snap is the locked snapshot of the offer's task.
func prepareOffer(snap *Snapshot, offer Offer, o storeOptions) (*Offer, error) {
	task := snap.Task
	if task.Status != TaskOpen {
		return nil, errs.InvalidState("task is not accepting offers",
			errs.WithTaskID(task.ID), errs.WithMetadata("status", string(task.Status)))
	}
	if strings.TrimSpace(offer.TaskerID) == "" {
		return nil, errs.InvalidArgument("offer requires a tasker", errs.WithTaskID(task.ID))
	}
	if offer.TaskerID == task.PosterID {
		return nil, errs.InvalidArgument("posters cannot bid on their own task",
			errs.WithTaskID(task.ID), errs.WithActorID(offer.TaskerID))
	}
	if !offer.Amount.IsPositive() {
		return nil, errs.InvalidArgument("offer amount must be positive",
			errs.WithTaskID(task.ID), errs.WithMetadata("amount", offer.Amount.String()))
	}
	if offer.ID == "" {
		offer.ID = o.idGen()
	}
	if snap.Offer(offer.ID) != nil {
		return nil, errs.Conflict("offer already exists", errs.WithOfferID(offer.ID))
	}
	offer.TaskID = task.ID
	offer.Status = OfferPending
	offer.CreatedAt = o.now()
	offer.AcceptedAt = nil
	offer.DeclinedAt = nil
	return &offer, nil
}

// sortNotifications orders notifications newest first.
func sortNotifications(ns []*Notification) {
	sort.SliceStable(ns, func(i, j int) bool {
		if ns[i].CreatedAt.Equal(ns[j].CreatedAt) {
			return ns[i].ID > ns[j].ID
		}
		return ns[i].CreatedAt.After(ns[j].CreatedAt)
	})
}

func taskNotFound(taskID string) error {
	return errs.NotFound("task not found", errs.WithTaskID(taskID))
}

func offerNotFound(offerID string) error {
	return errs.NotFound("offer not found", errs.WithOfferID(offerID))
}

func escrowNotFound(taskID string) error {
	return errs.NotFound("escrow not found", errs.WithTaskID(taskID))
}
