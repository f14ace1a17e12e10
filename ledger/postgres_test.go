//go:build integration

package ledger

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	errs "github.com/vinayprograms/escrowkit/errors"
)

// newTestPostgresStore connects to ESCROWKIT_POSTGRES_DSN or skips.
func newTestPostgresStore(t *testing.T) *PostgresStore {
	dsn := os.Getenv("ESCROWKIT_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ESCROWKIT_POSTGRES_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("Postgres not available: %v", err)
	}

	s := NewPostgresStore(pool, WithLockWait(200*time.Millisecond))
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		t.Fatalf("EnsureSchema failed: %v", err)
	}

	t.Cleanup(func() {
		s.Close()
		pool.Close()
	})
	return s
}

func TestPostgresStore_RoundTrip(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := context.Background()

	poster := "poster-" + uuid.NewString()[:8]
	task, err := s.CreateTask(ctx, Task{PosterID: poster, Title: "Paint fence"})
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	offer, err := s.CreateOffer(ctx, Offer{TaskID: task.ID, TaskerID: "tasker-1", Amount: decimal.RequireFromString("125.50")})
	if err != nil {
		t.Fatalf("CreateOffer failed: %v", err)
	}

	got, err := s.GetOffer(ctx, offer.ID)
	if err != nil {
		t.Fatalf("GetOffer failed: %v", err)
	}
	if !got.Amount.Equal(decimal.RequireFromString("125.5")) {
		t.Errorf("amount = %s", got.Amount)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	err = s.Update(ctx, task.ID, func(snap *Snapshot) error {
		snap.Task.Status = TaskInProgress
		snap.Task.AcceptedOfferID = offer.ID
		snap.Task.UpdatedAt = now
		snap.Offers[0].Status = OfferAccepted
		snap.Offers[0].AcceptedAt = &now
		snap.Escrow = &Escrow{ID: uuid.NewString(), TaskID: task.ID, OfferID: offer.ID,
			PayerID: poster, PayeeID: "tasker-1", Amount: offer.Amount, Status: EscrowHeld,
			HeldAt: now, ReleaseScheduledFor: now.Add(7 * 24 * time.Hour)}
		snap.Notifications = append(snap.Notifications, &Notification{
			ID: uuid.NewString(), UserID: poster, Type: NotifyTaskStarted, TaskID: task.ID, CreatedAt: now})
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	escrow, err := s.GetEscrowForTask(ctx, task.ID)
	if err != nil || escrow.Status != EscrowHeld || !escrow.Amount.Equal(offer.Amount) {
		t.Errorf("escrow = %+v, %v", escrow, err)
	}
	inbox, err := s.ListNotifications(ctx, poster)
	if err != nil || len(inbox) != 1 {
		t.Errorf("inbox = %v, %v", inbox, err)
	}
}

func TestPostgresStore_RollbackOnError(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := context.Background()

	task, _ := s.CreateTask(ctx, Task{PosterID: "p-" + uuid.NewString()[:8]})
	err := s.Update(ctx, task.ID, func(snap *Snapshot) error {
		snap.Task.Progress = 40
		return errs.InvalidState("rejected")
	})
	if !errs.Is(err, errs.ErrCodeInvalidState) {
		t.Fatalf("expected INVALID_STATE, got %v", err)
	}

	got, _ := s.GetTask(ctx, task.ID)
	if got.Progress != 0 {
		t.Error("failed update was committed")
	}
}

func TestPostgresStore_RowLockSerializes(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := context.Background()

	task, _ := s.CreateTask(ctx, Task{PosterID: "p-" + uuid.NewString()[:8]})

	var busy atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Update(ctx, task.ID, func(snap *Snapshot) error {
				snap.Task.Progress++
				return nil
			})
			if errs.Is(err, errs.ErrCodeResourceBusy) {
				busy.Add(1)
			} else if err != nil {
				t.Errorf("Update failed: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := s.GetTask(ctx, task.ID)
	if int32(got.Progress)+busy.Load() != 10 {
		t.Errorf("lost updates: progress=%d busy=%d", got.Progress, busy.Load())
	}
}

func TestPostgresStore_NotFound(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := context.Background()

	if _, err := s.GetTask(ctx, uuid.NewString()); !errs.Is(err, errs.ErrCodeNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
	if err := s.Update(ctx, uuid.NewString(), func(*Snapshot) error { return nil }); !errs.Is(err, errs.ErrCodeNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}
