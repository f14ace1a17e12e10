package ledger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	errs "github.com/vinayprograms/escrowkit/errors"
	"github.com/vinayprograms/escrowkit/state"
)

const (
	// Key prefixes for state store.
	taskKeyPrefix         = "ledger.task."
	offerKeyPrefix        = "ledger.offer."
	notificationKeyPrefix = "ledger.notification."

	lockPollInterval = 10 * time.Millisecond
)

// taskDocument is the aggregate stored under one key per task, so a command
// commits with a single revision-checked write.
type taskDocument struct {
	Task     *Task      `json:"task"`
	Offers   []*Offer   `json:"offers,omitempty"`
	Escrow   *Escrow    `json:"escrow,omitempty"`
	Disputes []*Dispute `json:"disputes,omitempty"`
}

// KVStore implements Store over a state.StateStore.
//
// Update serializes per task twice: an in-process keyed mutex queues local
// goroutines, and a state lock excludes other processes sharing the bucket.
// The final write is still revision-checked, so a holder whose lock expired
// mid-command fails with CONFLICT instead of overwriting a newer commit.
type KVStore struct {
	store  state.StateStore
	opts   storeOptions
	locks  *keyedMutex
	closed atomic.Bool
}

var _ Store = (*KVStore)(nil)

// NewKVStore creates a ledger backed by the given state store.
// The state store is owned by the caller.
func NewKVStore(store state.StateStore, opts ...StoreOption) *KVStore {
	o := defaultStoreOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &KVStore{
		store: store,
		opts:  o,
		locks: newKeyedMutex(),
	}
}

// CreateTask records a newly posted task in status open.
func (s *KVStore) CreateTask(ctx context.Context, task Task) (*Task, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	t, err := prepareTask(task, s.opts)
	if err != nil {
		return nil, err
	}
	key, err := taskKey(t.ID)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(&taskDocument{Task: t})
	if err != nil {
		return nil, errs.Wrap(err, "encode task", errs.WithTaskID(t.ID))
	}
	if _, err := s.store.PutIfRevision(key, data, 0); err != nil {
		if errors.Is(err, state.ErrRevisionMismatch) {
			return nil, errs.Conflict("task already exists", errs.WithTaskID(t.ID))
		}
		return nil, storeError(err, "create task", t.ID)
	}
	return t.Clone(), nil
}

// CreateOffer records a pending offer on an open task.
func (s *KVStore) CreateOffer(ctx context.Context, offer Offer) (*Offer, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if offer.TaskID == "" {
		return nil, errs.InvalidArgument("offer requires a task")
	}
	if offer.ID == "" {
		offer.ID = s.opts.idGen()
	}
	idxKey := offerKeyPrefix + offer.ID
	if err := state.ValidateKey(idxKey); err != nil {
		return nil, errs.InvalidArgument("invalid offer id", errs.WithOfferID(offer.ID))
	}

	// The index goes first; GetOffer ignores an index whose task lacks the offer.
	if _, err := s.store.PutIfRevision(idxKey, []byte(offer.TaskID), 0); err != nil {
		if errors.Is(err, state.ErrRevisionMismatch) {
			return nil, errs.Conflict("offer already exists", errs.WithOfferID(offer.ID))
		}
		return nil, storeError(err, "index offer", offer.TaskID)
	}

	var created *Offer
	err := s.Update(ctx, offer.TaskID, func(snap *Snapshot) error {
		o, err := prepareOffer(snap, offer, s.opts)
		if err != nil {
			return err
		}
		snap.Offers = append(snap.Offers, o)
		created = o.Clone()
		return nil
	})
	if err != nil {
		_ = s.store.Delete(idxKey)
		return nil, err
	}
	return created, nil
}

// GetTask retrieves a task by ID.
func (s *KVStore) GetTask(ctx context.Context, taskID string) (*Task, error) {
	doc, _, err := s.load(taskID)
	if err != nil {
		return nil, err
	}
	return doc.Task.Clone(), nil
}

// GetOffer retrieves an offer by ID.
func (s *KVStore) GetOffer(ctx context.Context, offerID string) (*Offer, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if offerID == "" || state.ValidateKey(offerKeyPrefix+offerID) != nil {
		return nil, offerNotFound(offerID)
	}

	taskID, err := s.store.Get(offerKeyPrefix + offerID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, offerNotFound(offerID)
		}
		return nil, storeError(err, "read offer index", "")
	}

	doc, _, err := s.load(string(taskID))
	if err != nil {
		if errs.Is(err, errs.ErrCodeNotFound) {
			return nil, offerNotFound(offerID)
		}
		return nil, err
	}
	for _, o := range doc.Offers {
		if o.ID == offerID {
			return o.Clone(), nil
		}
	}
	return nil, offerNotFound(offerID)
}

// ListOffers returns a task's offers, oldest first.
func (s *KVStore) ListOffers(ctx context.Context, taskID string) ([]*Offer, error) {
	doc, _, err := s.load(taskID)
	if err != nil {
		return nil, err
	}
	offers := make([]*Offer, 0, len(doc.Offers))
	for _, o := range doc.Offers {
		offers = append(offers, o.Clone())
	}
	return offers, nil
}

// GetEscrowForTask returns the task's escrow.
func (s *KVStore) GetEscrowForTask(ctx context.Context, taskID string) (*Escrow, error) {
	doc, _, err := s.load(taskID)
	if err != nil {
		return nil, err
	}
	if doc.Escrow == nil {
		return nil, escrowNotFound(taskID)
	}
	return doc.Escrow.Clone(), nil
}

// ListDisputes returns a task's disputes, oldest first.
func (s *KVStore) ListDisputes(ctx context.Context, taskID string) ([]*Dispute, error) {
	doc, _, err := s.load(taskID)
	if err != nil {
		return nil, err
	}
	disputes := make([]*Dispute, 0, len(doc.Disputes))
	for _, d := range doc.Disputes {
		disputes = append(disputes, d.Clone())
	}
	return disputes, nil
}

// ListNotifications returns a user's notifications, newest first.
func (s *KVStore) ListNotifications(ctx context.Context, userID string) ([]*Notification, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, errs.InvalidArgument("invalid user id", errs.WithActorID(userID))
	}

	keys, err := s.store.Keys(inboxPrefix(userID) + "*")
	if err != nil {
		return nil, storeError(err, "list notifications", "")
	}

	result := make([]*Notification, 0, len(keys))
	for _, key := range keys {
		data, err := s.store.Get(key)
		if err != nil {
			continue // deleted since Keys
		}
		var n Notification
		if err := json.Unmarshal(data, &n); err != nil {
			s.opts.logger.Warn("notification_decode_failed", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
			continue
		}
		result = append(result, &n)
	}
	sortNotifications(result)
	return result, nil
}

// ListHeldEscrows returns every escrow still in status held, earliest
// release date first.
func (s *KVStore) ListHeldEscrows(ctx context.Context) ([]*Escrow, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	keys, err := s.store.Keys(taskKeyPrefix + "*")
	if err != nil {
		return nil, storeError(err, "list tasks", "")
	}

	var held []*Escrow
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, errs.Wrap(err, "list held escrows")
		}
		doc, _, err := s.load(strings.TrimPrefix(key, taskKeyPrefix))
		if err != nil {
			continue
		}
		if doc.Escrow != nil && doc.Escrow.Status == EscrowHeld {
			held = append(held, doc.Escrow.Clone())
		}
	}
	sort.Slice(held, func(i, j int) bool {
		return held[i].ReleaseScheduledFor.Before(held[j].ReleaseScheduledFor)
	})
	return held, nil
}

// Update runs fn against the task's snapshot under the task's lock and
// commits the result with one revision-checked write.
func (s *KVStore) Update(ctx context.Context, taskID string, fn func(*Snapshot) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	key, err := taskKey(taskID)
	if err != nil {
		return err
	}

	unlock, err := s.lock(ctx, key, taskID)
	if err != nil {
		return err
	}
	defer unlock()

	doc, rev, err := s.load(taskID)
	if err != nil {
		return err
	}

	snap := &Snapshot{
		Task:     doc.Task,
		Offers:   doc.Offers,
		Escrow:   doc.Escrow,
		Disputes: doc.Disputes,
	}
	if err := fn(snap); err != nil {
		return err
	}

	data, err := json.Marshal(&taskDocument{
		Task:     snap.Task,
		Offers:   snap.Offers,
		Escrow:   snap.Escrow,
		Disputes: snap.Disputes,
	})
	if err != nil {
		return errs.Wrap(err, "encode task", errs.WithTaskID(taskID))
	}
	if _, err := s.store.PutIfRevision(key, data, rev); err != nil {
		if errors.Is(err, state.ErrRevisionMismatch) {
			return errs.Conflict("task changed during update", errs.WithTaskID(taskID))
		}
		return storeError(err, "commit task", taskID)
	}

	s.writeNotifications(snap.Notifications)
	return nil
}

// Close marks the ledger closed. The state store is left open.
func (s *KVStore) Close() error {
	s.closed.Store(true)
	return nil
}

// Internal methods

func (s *KVStore) checkOpen() error {
	if s.closed.Load() {
		return errs.New(errs.ErrCodeUnavailable, "ledger closed")
	}
	return nil
}

func (s *KVStore) load(taskID string) (*taskDocument, uint64, error) {
	if err := s.checkOpen(); err != nil {
		return nil, 0, err
	}
	key, err := taskKey(taskID)
	if err != nil {
		return nil, 0, taskNotFound(taskID)
	}

	kv, err := s.store.GetKeyValue(key)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, 0, taskNotFound(taskID)
		}
		return nil, 0, storeError(err, "read task", taskID)
	}

	var doc taskDocument
	if err := json.Unmarshal(kv.Value, &doc); err != nil || doc.Task == nil {
		return nil, 0, errs.Corruption("task record unreadable", errs.WithTaskID(taskID), errs.WithCause(err))
	}
	return &doc, kv.Revision, nil
}

// lock takes the in-process slot, then polls the shared lock until lock_wait
// elapses.
func (s *KVStore) lock(ctx context.Context, key, taskID string) (func(), error) {
	deadline := time.Now().Add(s.opts.lockWait)

	release, err := s.locks.acquire(ctx, key, s.opts.lockWait)
	if err != nil {
		if errors.Is(err, errLockWait) {
			return nil, errs.Busy("task is locked by another command", errs.WithTaskID(taskID))
		}
		return nil, errs.Wrap(err, "wait for task lock", errs.WithTaskID(taskID))
	}

	for {
		l, err := s.store.Lock(key, s.opts.lockTTL)
		if err == nil {
			return func() {
				_ = l.Unlock()
				release()
			}, nil
		}
		if !errors.Is(err, state.ErrLockHeld) {
			release()
			return nil, storeError(err, "acquire task lock", taskID)
		}
		if time.Now().After(deadline) {
			release()
			return nil, errs.Busy("task is locked by another command", errs.WithTaskID(taskID))
		}

		select {
		case <-ctx.Done():
			release()
			return nil, errs.Wrap(ctx.Err(), "wait for task lock", errs.WithTaskID(taskID))
		case <-time.After(lockPollInterval):
		}
	}
}

// writeNotifications files committed notifications into recipients' inboxes.
// The task commit already succeeded, so failures are logged, not returned.
func (s *KVStore) writeNotifications(ns []*Notification) {
	for _, n := range ns {
		key := inboxPrefix(n.UserID) + keyToken(n.ID)
		data, err := json.Marshal(n)
		if err == nil {
			err = s.store.Put(key, data)
		}
		if err != nil {
			s.opts.logger.Error("notification_write_failed", map[string]interface{}{
				"task":         n.TaskID,
				"user":         n.UserID,
				"notification": n.ID,
				"error":        err.Error(),
			})
		}
	}
}

// inboxPrefix is the key prefix of one user's inbox. The user ID becomes a
// single key token, so "alice" never matches the inbox of "alice.smith".
func inboxPrefix(userID string) string {
	return notificationKeyPrefix + keyToken(userID) + "."
}

// keyToken encodes an arbitrary ID as one key token: no dots, and only
// characters state.ValidateKey accepts.
func keyToken(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

func taskKey(taskID string) (string, error) {
	key := taskKeyPrefix + taskID
	if taskID == "" || state.ValidateKey(key) != nil {
		return "", errs.InvalidArgument("invalid task id", errs.WithTaskID(taskID))
	}
	return key, nil
}

// storeError maps state store failures onto the error taxonomy.
func storeError(err error, op, taskID string) error {
	var opts []errs.Option
	if taskID != "" {
		opts = append(opts, errs.WithTaskID(taskID))
	}
	if errors.Is(err, state.ErrClosed) {
		return errs.WrapWithCode(err, errs.ErrCodeUnavailable, op, opts...)
	}
	return errs.Wrap(err, op, opts...)
}
