package escrow

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	errs "github.com/vinayprograms/escrowkit/errors"
	"github.com/vinayprograms/escrowkit/ledger"
	"github.com/vinayprograms/escrowkit/logging"
)

func acceptedSnapshot() *ledger.Snapshot {
	return &ledger.Snapshot{
		Task: &ledger.Task{ID: "T", PosterID: "poster", Status: ledger.TaskInProgress, AcceptedOfferID: "O1"},
		Offers: []*ledger.Offer{
			{ID: "O1", TaskID: "T", TaskerID: "tasker", Amount: decimal.NewFromInt(100), Status: ledger.OfferAccepted},
		},
	}
}

func TestHold(t *testing.T) {
	m := NewManager(WithIDGenerator(func() string { return "E1" }))
	snap := acceptedSnapshot()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	e, err := m.Hold(snap, snap.Offers[0], now)
	if err != nil {
		t.Fatalf("Hold failed: %v", err)
	}
	if snap.Escrow != e {
		t.Error("escrow not attached to snapshot")
	}
	if e.Status != ledger.EscrowHeld || !e.Amount.Equal(decimal.NewFromInt(100)) {
		t.Errorf("unexpected escrow %+v", e)
	}
	if e.PayerID != "poster" || e.PayeeID != "tasker" {
		t.Errorf("parties wrong: payer=%s payee=%s", e.PayerID, e.PayeeID)
	}
	if !e.ReleaseScheduledFor.Equal(now.Add(7 * 24 * time.Hour)) {
		t.Errorf("ReleaseScheduledFor = %v", e.ReleaseScheduledFor)
	}
}

func TestHold_Rejections(t *testing.T) {
	m := NewManager()

	t.Run("already held", func(t *testing.T) {
		snap := acceptedSnapshot()
		m.Hold(snap, snap.Offers[0], time.Now())
		if _, err := m.Hold(snap, snap.Offers[0], time.Now()); !errs.Is(err, errs.ErrCodeInvalidState) {
			t.Errorf("expected INVALID_STATE, got %v", err)
		}
	})

	t.Run("offer not accepted", func(t *testing.T) {
		snap := acceptedSnapshot()
		snap.Offers[0].Status = ledger.OfferPending
		if _, err := m.Hold(snap, snap.Offers[0], time.Now()); !errs.Is(err, errs.ErrCodeInvalidState) {
			t.Errorf("expected INVALID_STATE, got %v", err)
		}
		if snap.Escrow != nil {
			t.Error("escrow created on rejection")
		}
	})
}

func TestWithHoldPeriod(t *testing.T) {
	m := NewManager(WithHoldPeriod(time.Hour))
	if m.HoldPeriod() != time.Hour {
		t.Errorf("HoldPeriod = %v", m.HoldPeriod())
	}
	if NewManager(WithHoldPeriod(-1)).HoldPeriod() != DefaultHoldPeriod {
		t.Error("non-positive hold period should keep the default")
	}
}

func TestHeldFor(t *testing.T) {
	m := NewManager()
	snap := acceptedSnapshot()

	_, err := m.HeldFor(snap)
	if !errs.Is(err, errs.ErrCodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
	if ce := errs.AsCommandError(err); ce == nil || ce.Message() != NoHeldEscrow {
		t.Errorf("expected %q, got %v", NoHeldEscrow, err)
	}

	m.Hold(snap, snap.Offers[0], time.Now())
	if _, err := m.HeldFor(snap); err != nil {
		t.Errorf("HeldFor after Hold: %v", err)
	}
}

func TestSettleAndRelease(t *testing.T) {
	gw := NewSyntheticGateway()
	m := NewManager(WithGateway(gw))
	snap := acceptedSnapshot()
	e, _ := m.Hold(snap, snap.Offers[0], time.Now())

	receipt, err := m.Settle(context.Background(), e)
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if !strings.HasPrefix(receipt.TransactionID, "txn_") {
		t.Errorf("TransactionID = %q", receipt.TransactionID)
	}

	released, err := m.Release(snap, receipt, time.Now())
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if released.Status != ledger.EscrowReleased || released.ReleasedAt == nil {
		t.Errorf("escrow not released: %+v", released)
	}
	if released.GatewayTransactionID != receipt.TransactionID {
		t.Error("transaction ID not recorded")
	}
	if !released.Amount.Equal(decimal.NewFromInt(100)) {
		t.Error("release changed the amount")
	}

	if _, err := m.Release(snap, receipt, time.Now()); !errs.Is(err, errs.ErrCodeNotFound) {
		t.Errorf("second release: expected NOT_FOUND, got %v", err)
	}
	if _, err := m.Settle(context.Background(), released); !errs.Is(err, errs.ErrCodeNotFound) {
		t.Errorf("settle released escrow: expected NOT_FOUND, got %v", err)
	}
}

func TestSettle_GatewayFailureLeavesEscrowHeld(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New()
	logger.SetOutput(&buf)

	failing := GatewayFunc(func(context.Context, TransferRequest) (*Receipt, error) {
		return nil, fmt.Errorf("connection reset")
	})
	m := NewManager(WithGateway(failing), WithLogger(logger))
	snap := acceptedSnapshot()
	e, _ := m.Hold(snap, snap.Offers[0], time.Now())

	_, err := m.Settle(context.Background(), e)
	if !errs.Is(err, errs.ErrCodeGatewayFailed) {
		t.Fatalf("expected GATEWAY_FAILED, got %v", err)
	}
	if !errs.IsRetryable(err) {
		t.Error("gateway failures should be retryable")
	}
	if e.Status != ledger.EscrowHeld || e.GatewayTransactionID != "" {
		t.Errorf("escrow changed on gateway failure: %+v", e)
	}
	if !strings.Contains(buf.String(), "gateway_error") {
		t.Errorf("expected gateway_error log, got %q", buf.String())
	}
}

func TestSettle_EmptyReceipt(t *testing.T) {
	empty := GatewayFunc(func(context.Context, TransferRequest) (*Receipt, error) {
		return &Receipt{}, nil
	})
	m := NewManager(WithGateway(empty))
	snap := acceptedSnapshot()
	e, _ := m.Hold(snap, snap.Offers[0], time.Now())

	if _, err := m.Settle(context.Background(), e); !errs.Is(err, errs.ErrCodeGatewayFailed) {
		t.Errorf("expected GATEWAY_FAILED, got %v", err)
	}
}

func TestFreeze(t *testing.T) {
	m := NewManager()
	snap := acceptedSnapshot()
	m.Hold(snap, snap.Offers[0], time.Now())

	e, err := m.Freeze(snap, ledger.RolePoster, "work abandoned", time.Now())
	if err != nil {
		t.Fatalf("Freeze failed: %v", err)
	}
	if e.Status != ledger.EscrowDisputed || e.DisputedAt == nil || e.Notes != "work abandoned" {
		t.Errorf("escrow not frozen: %+v", e)
	}

	if _, err := m.Release(snap, &Receipt{TransactionID: "txn_x"}, time.Now()); !errs.Is(err, errs.ErrCodeNotFound) {
		t.Errorf("release after freeze: expected NOT_FOUND, got %v", err)
	}
	if _, err := m.Freeze(snap, ledger.RoleTasker, "", time.Now()); !errs.Is(err, errs.ErrCodeNotFound) {
		t.Errorf("second freeze: expected NOT_FOUND, got %v", err)
	}
}

func TestSyntheticGateway_Idempotent(t *testing.T) {
	gw := NewSyntheticGateway()
	req := TransferRequest{IdempotencyKey: "E1", Amount: decimal.NewFromInt(100)}

	var wg sync.WaitGroup
	ids := make([]string, 10)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := gw.Release(context.Background(), req)
			if err != nil {
				t.Errorf("Release failed: %v", err)
				return
			}
			ids[i] = r.TransactionID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("replayed key produced a new transaction: %v", ids)
		}
	}
	if gw.Transfers() != 1 {
		t.Errorf("Transfers = %d, want 1", gw.Transfers())
	}
}

func TestSyntheticGateway_Rejections(t *testing.T) {
	gw := NewSyntheticGateway()

	if _, err := gw.Release(context.Background(), TransferRequest{Amount: decimal.NewFromInt(1)}); err == nil {
		t.Error("missing idempotency key should fail")
	}
	if _, err := gw.Release(context.Background(), TransferRequest{IdempotencyKey: "k", Amount: decimal.NewFromInt(-1)}); err == nil {
		t.Error("negative amount should fail")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := gw.Release(ctx, TransferRequest{IdempotencyKey: "k"}); err == nil {
		t.Error("canceled context should fail")
	}
}
