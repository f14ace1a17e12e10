package ledger

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	errs "github.com/vinayprograms/escrowkit/errors"
	"github.com/vinayprograms/escrowkit/logging"
	"github.com/vinayprograms/escrowkit/state"
)

func sequentialIDs(prefix string) func() string {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("%s%d", prefix, n.Add(1))
	}
}

func newTestKVStore(t *testing.T, opts ...StoreOption) (*KVStore, *state.MemoryStore) {
	t.Helper()
	backend := state.NewMemoryStore()
	t.Cleanup(func() { backend.Close() })
	opts = append([]StoreOption{WithIDGenerator(sequentialIDs("id-"))}, opts...)
	return NewKVStore(backend, opts...), backend
}

func seedTask(t *testing.T, s Store) *Task {
	t.Helper()
	task, err := s.CreateTask(context.Background(), Task{PosterID: "poster", Title: "Tile the bathroom"})
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	return task
}

func seedOffer(t *testing.T, s Store, taskID, tasker string, amount int64) *Offer {
	t.Helper()
	o, err := s.CreateOffer(context.Background(), Offer{
		TaskID:   taskID,
		TaskerID: tasker,
		Amount:   decimal.NewFromInt(amount),
	})
	if err != nil {
		t.Fatalf("CreateOffer failed: %v", err)
	}
	return o
}

// ============================================================================
// Creation
// ============================================================================

func TestKVStore_CreateTask(t *testing.T) {
	s, _ := newTestKVStore(t)
	ctx := context.Background()

	task, err := s.CreateTask(ctx, Task{PosterID: "poster", Status: TaskCompleted, Progress: 50})
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if task.ID == "" || task.Status != TaskOpen || task.Progress != 0 {
		t.Errorf("task not normalized: %+v", task)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.PosterID != "poster" || got.Status != TaskOpen {
		t.Errorf("unexpected task %+v", got)
	}

	if _, err := s.CreateTask(ctx, Task{ID: task.ID, PosterID: "other"}); !errs.Is(err, errs.ErrCodeConflict) {
		t.Errorf("duplicate task: expected CONFLICT, got %v", err)
	}
	if _, err := s.CreateTask(ctx, Task{}); !errs.Is(err, errs.ErrCodeInvalidArgument) {
		t.Errorf("missing poster: expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestKVStore_CreateOffer(t *testing.T) {
	s, _ := newTestKVStore(t)
	ctx := context.Background()
	task := seedTask(t, s)

	offer := seedOffer(t, s, task.ID, "tasker-1", 100)
	if offer.Status != OfferPending || offer.TaskID != task.ID {
		t.Errorf("offer not normalized: %+v", offer)
	}

	got, err := s.GetOffer(ctx, offer.ID)
	if err != nil {
		t.Fatalf("GetOffer failed: %v", err)
	}
	if !got.Amount.Equal(decimal.NewFromInt(100)) {
		t.Errorf("amount = %s", got.Amount)
	}

	offers, _ := s.ListOffers(ctx, task.ID)
	if len(offers) != 1 {
		t.Errorf("expected 1 offer, got %d", len(offers))
	}
}

func TestKVStore_CreateOffer_Validation(t *testing.T) {
	s, _ := newTestKVStore(t)
	ctx := context.Background()
	task := seedTask(t, s)

	tests := []struct {
		name  string
		offer Offer
		want  errs.ErrorCode
	}{
		{"zero amount", Offer{TaskID: task.ID, TaskerID: "t1", Amount: decimal.Zero}, errs.ErrCodeInvalidArgument},
		{"negative amount", Offer{TaskID: task.ID, TaskerID: "t1", Amount: decimal.NewFromInt(-5)}, errs.ErrCodeInvalidArgument},
		{"no tasker", Offer{TaskID: task.ID, Amount: decimal.NewFromInt(5)}, errs.ErrCodeInvalidArgument},
		{"poster bids", Offer{TaskID: task.ID, TaskerID: "poster", Amount: decimal.NewFromInt(5)}, errs.ErrCodeInvalidArgument},
		{"no task", Offer{TaskerID: "t1", Amount: decimal.NewFromInt(5)}, errs.ErrCodeInvalidArgument},
		{"unknown task", Offer{TaskID: "nope", TaskerID: "t1", Amount: decimal.NewFromInt(5)}, errs.ErrCodeNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.CreateOffer(ctx, tt.offer)
			if !errs.Is(err, tt.want) {
				t.Errorf("expected %s, got %v", tt.want, err)
			}
		})
	}

	offers, _ := s.ListOffers(ctx, task.ID)
	if len(offers) != 0 {
		t.Errorf("rejected offers were stored: %d", len(offers))
	}
}

func TestKVStore_CreateOffer_ClosedTask(t *testing.T) {
	s, backend := newTestKVStore(t)
	ctx := context.Background()
	task := seedTask(t, s)

	err := s.Update(ctx, task.ID, func(snap *Snapshot) error {
		snap.Task.Status = TaskInProgress
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	_, err = s.CreateOffer(ctx, Offer{ID: "late", TaskID: task.ID, TaskerID: "t9", Amount: decimal.NewFromInt(1)})
	if !errs.Is(err, errs.ErrCodeInvalidState) {
		t.Errorf("expected INVALID_STATE, got %v", err)
	}
	if _, err := backend.Get(offerKeyPrefix + "late"); err != state.ErrNotFound {
		t.Errorf("offer index should be removed on failure, got %v", err)
	}
}

// ============================================================================
// Reads
// ============================================================================

func TestKVStore_NotFound(t *testing.T) {
	s, _ := newTestKVStore(t)
	ctx := context.Background()

	if _, err := s.GetTask(ctx, "missing"); !errs.Is(err, errs.ErrCodeNotFound) {
		t.Errorf("GetTask: expected NOT_FOUND, got %v", err)
	}
	if _, err := s.GetOffer(ctx, "missing"); !errs.Is(err, errs.ErrCodeNotFound) {
		t.Errorf("GetOffer: expected NOT_FOUND, got %v", err)
	}
	if _, err := s.GetEscrowForTask(ctx, "missing"); !errs.Is(err, errs.ErrCodeNotFound) {
		t.Errorf("GetEscrowForTask: expected NOT_FOUND, got %v", err)
	}

	task := seedTask(t, s)
	if _, err := s.GetEscrowForTask(ctx, task.ID); !errs.Is(err, errs.ErrCodeNotFound) {
		t.Errorf("open task escrow: expected NOT_FOUND, got %v", err)
	}
	if _, err := s.GetTask(ctx, "bad key"); !errs.Is(err, errs.ErrCodeNotFound) {
		t.Errorf("malformed id: expected NOT_FOUND, got %v", err)
	}
}

func TestKVStore_ReadsReturnCopies(t *testing.T) {
	s, _ := newTestKVStore(t)
	ctx := context.Background()
	task := seedTask(t, s)

	got, _ := s.GetTask(ctx, task.ID)
	got.Status = TaskCompleted

	again, _ := s.GetTask(ctx, task.ID)
	if again.Status != TaskOpen {
		t.Error("mutating a read result changed the ledger")
	}
}

func TestKVStore_CorruptRecord(t *testing.T) {
	s, backend := newTestKVStore(t)
	backend.Put(taskKeyPrefix+"broken", []byte("{not json"))

	if _, err := s.GetTask(context.Background(), "broken"); !errs.Is(err, errs.ErrCodeCorruption) {
		t.Errorf("expected CORRUPTION, got %v", err)
	}
}

// ============================================================================
// Update
// ============================================================================

func TestKVStore_Update_Commits(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s, _ := newTestKVStore(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()
	task := seedTask(t, s)
	offer := seedOffer(t, s, task.ID, "tasker-1", 100)

	err := s.Update(ctx, task.ID, func(snap *Snapshot) error {
		snap.Task.Status = TaskInProgress
		snap.Task.AcceptedOfferID = offer.ID
		snap.Offers[0].Status = OfferAccepted
		snap.Escrow = &Escrow{ID: "e1", TaskID: task.ID, OfferID: offer.ID, Amount: offer.Amount,
			Status: EscrowHeld, ReleaseScheduledFor: now.Add(time.Hour)}
		snap.Notifications = append(snap.Notifications,
			&Notification{ID: "n1", UserID: "tasker-1", Type: NotifyOfferAccepted, TaskID: task.ID, CreatedAt: now},
			&Notification{ID: "n2", UserID: "poster", Type: NotifyTaskStarted, TaskID: task.ID, CreatedAt: now},
		)
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, _ := s.GetTask(ctx, task.ID)
	if got.Status != TaskInProgress || got.AcceptedOfferID != offer.ID {
		t.Errorf("task not committed: %+v", got)
	}
	escrow, err := s.GetEscrowForTask(ctx, task.ID)
	if err != nil || escrow.Status != EscrowHeld {
		t.Errorf("escrow not committed: %+v %v", escrow, err)
	}
	held, _ := s.ListHeldEscrows(ctx)
	if len(held) != 1 || held[0].ID != "e1" {
		t.Errorf("ListHeldEscrows = %v", held)
	}

	inbox, err := s.ListNotifications(ctx, "tasker-1")
	if err != nil || len(inbox) != 1 || inbox[0].Type != NotifyOfferAccepted {
		t.Errorf("tasker inbox = %v, %v", inbox, err)
	}
}

func TestKVStore_Update_RollsBackOnError(t *testing.T) {
	s, _ := newTestKVStore(t)
	ctx := context.Background()
	task := seedTask(t, s)

	rejected := errs.InvalidState("nope")
	err := s.Update(ctx, task.ID, func(snap *Snapshot) error {
		snap.Task.Status = TaskInProgress
		snap.Notifications = append(snap.Notifications, &Notification{ID: "n1", UserID: "poster"})
		return rejected
	})
	if err != rejected {
		t.Fatalf("callback error should be returned unchanged, got %v", err)
	}

	got, _ := s.GetTask(ctx, task.ID)
	if got.Status != TaskOpen {
		t.Error("failed update was committed")
	}
	if inbox, _ := s.ListNotifications(ctx, "poster"); len(inbox) != 0 {
		t.Error("failed update delivered notifications")
	}
}

func TestKVStore_Update_Conflict(t *testing.T) {
	s, backend := newTestKVStore(t)
	ctx := context.Background()
	task := seedTask(t, s)

	err := s.Update(ctx, task.ID, func(snap *Snapshot) error {
		// Another writer that ignored the lock.
		data, _ := backend.Get(taskKeyPrefix + task.ID)
		backend.Put(taskKeyPrefix+task.ID, data)
		snap.Task.Progress = 10
		return nil
	})
	if !errs.Is(err, errs.ErrCodeConflict) {
		t.Errorf("expected CONFLICT, got %v", err)
	}
}

func TestKVStore_Update_BusyWhenLockedElsewhere(t *testing.T) {
	s, backend := newTestKVStore(t, WithLockWait(50*time.Millisecond))
	ctx := context.Background()
	task := seedTask(t, s)

	// Simulates another process holding the task.
	lock, err := backend.Lock(taskKeyPrefix+task.ID, time.Minute)
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	defer lock.Unlock()

	start := time.Now()
	err = s.Update(ctx, task.ID, func(*Snapshot) error { return nil })
	if !errs.Is(err, errs.ErrCodeResourceBusy) {
		t.Errorf("expected RESOURCE_BUSY, got %v", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Error("Update gave up before lock_wait elapsed")
	}
}

func TestKVStore_Update_ContextCanceled(t *testing.T) {
	s, backend := newTestKVStore(t)
	task := seedTask(t, s)

	lock, _ := backend.Lock(taskKeyPrefix+task.ID, time.Minute)
	defer lock.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.Update(ctx, task.ID, func(*Snapshot) error { return nil })
	if !errs.Is(err, errs.ErrCodeTimeout) {
		t.Errorf("expected TIMEOUT, got %v", err)
	}
}

func TestKVStore_Update_SerializesPerTask(t *testing.T) {
	s, _ := newTestKVStore(t)
	ctx := context.Background()
	task := seedTask(t, s)

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Update(ctx, task.ID, func(snap *Snapshot) error {
				snap.Task.Progress++
				return nil
			})
			if err != nil {
				t.Errorf("Update failed: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := s.GetTask(ctx, task.ID)
	if got.Progress != 25 {
		t.Errorf("lost updates: progress = %d, want 25", got.Progress)
	}
}

// ============================================================================
// Notifications
// ============================================================================

func TestKVStore_ListNotifications_NewestFirst(t *testing.T) {
	s, _ := newTestKVStore(t)
	ctx := context.Background()
	task := seedTask(t, s)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		i := i
		s.Update(ctx, task.ID, func(snap *Snapshot) error {
			snap.Notifications = append(snap.Notifications, &Notification{
				ID:        fmt.Sprintf("n%d", i),
				UserID:    "poster",
				CreatedAt: base.Add(time.Duration(i) * time.Minute),
			})
			return nil
		})
	}

	inbox, err := s.ListNotifications(ctx, "poster")
	if err != nil {
		t.Fatalf("ListNotifications failed: %v", err)
	}
	if len(inbox) != 3 || inbox[0].ID != "n2" || inbox[2].ID != "n0" {
		t.Errorf("unexpected order: %v", inbox)
	}

	if other, _ := s.ListNotifications(ctx, "someone-else"); len(other) != 0 {
		t.Errorf("inboxes leak across users: %v", other)
	}
	if _, err := s.ListNotifications(ctx, ""); !errs.Is(err, errs.ErrCodeInvalidArgument) {
		t.Errorf("empty user: expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestKVStore_ListNotifications_UserIDsAreWholeTokens(t *testing.T) {
	s, _ := newTestKVStore(t)
	ctx := context.Background()
	task := seedTask(t, s)

	users := []string{"alice", "alice.smith", "poster@example.com", "system:autorelease", "a b"}
	err := s.Update(ctx, task.ID, func(snap *Snapshot) error {
		for i, u := range users {
			snap.Notifications = append(snap.Notifications, &Notification{
				ID:     fmt.Sprintf("n%d", i),
				UserID: u,
				TaskID: task.ID,
			})
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	for _, u := range users {
		t.Run(u, func(t *testing.T) {
			inbox, err := s.ListNotifications(ctx, u)
			if err != nil {
				t.Fatalf("ListNotifications failed: %v", err)
			}
			if len(inbox) != 1 {
				t.Fatalf("expected 1 notification, got %d", len(inbox))
			}
			if inbox[0].UserID != u {
				t.Errorf("inbox of %q holds a notification for %q", u, inbox[0].UserID)
			}
		})
	}
}

// inboxFailStore fails every write under the notification prefix.
type inboxFailStore struct {
	state.StateStore
}

func (f inboxFailStore) Put(key string, value []byte) error {
	if strings.HasPrefix(key, notificationKeyPrefix) {
		return fmt.Errorf("disk full")
	}
	return f.StateStore.Put(key, value)
}

func TestKVStore_NotificationWriteFailureIsLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New()
	logger.SetOutput(&buf)

	backend := state.NewMemoryStore()
	t.Cleanup(func() { backend.Close() })
	s := NewKVStore(inboxFailStore{backend}, WithIDGenerator(sequentialIDs("id-")), WithLogger(logger))
	ctx := context.Background()
	task := seedTask(t, s)

	err := s.Update(ctx, task.ID, func(snap *Snapshot) error {
		snap.Task.Progress = 5
		snap.Notifications = append(snap.Notifications, &Notification{ID: "n1", UserID: "poster"})
		return nil
	})
	if err != nil {
		t.Fatalf("commit should succeed even if an inbox write fails: %v", err)
	}
	if got, _ := s.GetTask(ctx, task.ID); got.Progress != 5 {
		t.Errorf("task not committed: progress %d", got.Progress)
	}
	if !strings.Contains(buf.String(), "notification_write_failed") {
		t.Errorf("expected failure to be logged, got %q", buf.String())
	}
}

func TestKVStore_Closed(t *testing.T) {
	s, _ := newTestKVStore(t)
	s.Close()

	ctx := context.Background()
	if _, err := s.CreateTask(ctx, Task{PosterID: "p"}); !errs.Is(err, errs.ErrCodeUnavailable) {
		t.Errorf("expected UNAVAILABLE, got %v", err)
	}
	if err := s.Update(ctx, "t", func(*Snapshot) error { return nil }); !errs.Is(err, errs.ErrCodeUnavailable) {
		t.Errorf("expected UNAVAILABLE, got %v", err)
	}
}
