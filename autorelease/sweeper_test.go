package autorelease

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vinayprograms/escrowkit/bus"
	errs "github.com/vinayprograms/escrowkit/errors"
	"github.com/vinayprograms/escrowkit/escrow"
	"github.com/vinayprograms/escrowkit/ledger"
	"github.com/vinayprograms/escrowkit/logging"
	"github.com/vinayprograms/escrowkit/state"
	"github.com/vinayprograms/escrowkit/workflow"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	ctx    context.Context
	store  *ledger.KVStore
	engine *workflow.Engine
	bus    *bus.MemoryBus
	clock  *testClock
	gw     *escrow.SyntheticGateway
	logs   *bytes.Buffer
	logger *logging.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		ctx:   context.Background(),
		bus:   bus.NewMemoryBus(bus.Config{BufferSize: 64}),
		clock: &testClock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)},
		gw:    escrow.NewSyntheticGateway(),
		logs:  &bytes.Buffer{},
	}
	h.logger = logging.New()
	h.logger.SetOutput(h.logs)
	h.logger.SetLevel(logging.LevelDebug)

	backend := state.NewMemoryStore()
	h.store = ledger.NewKVStore(backend, ledger.WithClock(h.clock.Now))
	h.engine = workflow.NewEngine(h.store,
		workflow.WithEscrowManager(escrow.NewManager(escrow.WithGateway(h.gw))),
		workflow.WithClock(h.clock.Now),
		workflow.WithLogger(h.logger),
	)
	t.Cleanup(func() {
		h.bus.Close()
		h.store.Close()
		backend.Close()
	})
	return h
}

func (h *harness) sweeper(t *testing.T, autoRelease bool) *Sweeper {
	t.Helper()
	s, err := NewSweeper(Config{
		Store:       h.store,
		Releaser:    h.engine,
		Bus:         h.bus,
		Subjects:    bus.NewSubjects("test"),
		AutoRelease: autoRelease,
		Logger:      h.logger,
		Clock:       h.clock.Now,
	})
	if err != nil {
		t.Fatalf("NewSweeper failed: %v", err)
	}
	return s
}

// accepted creates a task with one accepted offer and returns the task ID.
func (h *harness) accepted(t *testing.T, n int) string {
	t.Helper()
	task, err := h.store.CreateTask(h.ctx, ledger.Task{PosterID: "poster", Title: fmt.Sprintf("Task %d", n)})
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	offer, err := h.store.CreateOffer(h.ctx, ledger.Offer{TaskID: task.ID, TaskerID: "tasker", Amount: decimal.NewFromInt(50)})
	if err != nil {
		t.Fatalf("CreateOffer failed: %v", err)
	}
	if _, err := h.engine.AcceptOffer(h.ctx, task.ID, offer.ID, "poster"); err != nil {
		t.Fatalf("AcceptOffer failed: %v", err)
	}
	return task.ID
}

func TestConfigValidate(t *testing.T) {
	if _, err := NewSweeper(Config{}); err != ErrNoStore {
		t.Errorf("expected ErrNoStore, got %v", err)
	}
	h := newHarness(t)
	if _, err := NewSweeper(Config{Store: h.store, AutoRelease: true}); err != ErrNoReleaser {
		t.Errorf("expected ErrNoReleaser, got %v", err)
	}
	s, err := NewSweeper(Config{Store: h.store})
	if err != nil {
		t.Fatalf("NewSweeper failed: %v", err)
	}
	if s.interval != DefaultInterval {
		t.Errorf("interval = %v", s.interval)
	}
}

func TestSweepOnce_NothingDue(t *testing.T) {
	h := newHarness(t)
	h.accepted(t, 1)
	s := h.sweeper(t, true)

	report, err := s.SweepOnce(h.ctx)
	if err != nil {
		t.Fatalf("SweepOnce failed: %v", err)
	}
	if report.Held != 1 || report.Due != 0 || report.Released != 0 {
		t.Errorf("report = %+v", report)
	}
	if h.gw.Transfers() != 0 {
		t.Error("escrow released before it was due")
	}
}

func TestSweepOnce_ReportOnly(t *testing.T) {
	h := newHarness(t)
	taskID := h.accepted(t, 1)
	s := h.sweeper(t, false)

	sub, _ := h.bus.Subscribe("test.events." + string(ledger.EventReleaseDue))
	h.clock.Advance(escrow.DefaultHoldPeriod + time.Hour)

	report, err := s.SweepOnce(h.ctx)
	if err != nil {
		t.Fatalf("SweepOnce failed: %v", err)
	}
	if report.Due != 1 || report.Released != 0 {
		t.Errorf("report = %+v", report)
	}

	select {
	case msg := <-sub.Messages():
		var ev ledger.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ev.TaskID != taskID || ev.Type != ledger.EventReleaseDue || ev.ActorRole != ledger.RoleSystem {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no release_due event published")
	}

	e, _ := h.store.GetEscrowForTask(h.ctx, taskID)
	if e.Status != ledger.EscrowHeld {
		t.Errorf("report-only sweep changed escrow to %s", e.Status)
	}
	if !strings.Contains(h.logs.String(), "release_due") {
		t.Error("expected release_due log")
	}
}

func TestSweepOnce_AutoRelease(t *testing.T) {
	h := newHarness(t)
	first := h.accepted(t, 1)
	h.clock.Advance(3 * 24 * time.Hour)
	second := h.accepted(t, 2)
	s := h.sweeper(t, true)

	h.clock.Advance(escrow.DefaultHoldPeriod - 24*time.Hour)
	report, err := s.SweepOnce(h.ctx)
	if err != nil {
		t.Fatalf("SweepOnce failed: %v", err)
	}
	if report.Held != 2 || report.Due != 1 || report.Released != 1 {
		t.Errorf("report = %+v", report)
	}

	task, _ := h.store.GetTask(h.ctx, first)
	if task.Status != ledger.TaskCompleted {
		t.Errorf("first task = %s", task.Status)
	}
	if e, _ := h.store.GetEscrowForTask(h.ctx, second); e.Status != ledger.EscrowHeld {
		t.Errorf("second escrow released early: %s", e.Status)
	}

	// Nothing left to do until the second one is due.
	report, _ = s.SweepOnce(h.ctx)
	if report.Due != 0 {
		t.Errorf("second sweep report = %+v", report)
	}
	if s.Sweeps() != 2 {
		t.Errorf("Sweeps = %d", s.Sweeps())
	}
}

type racingReleaser struct {
	inner *workflow.Engine
	h     *harness
}

func (r racingReleaser) ReleaseOnTimeout(ctx context.Context, taskID string) (*workflow.ReleaseResult, error) {
	r.h.engine.RaiseDispute(ctx, taskID, "poster", "late", "tasker stopped responding")
	return r.inner.ReleaseOnTimeout(ctx, taskID)
}

func TestSweepOnce_DisputeWins(t *testing.T) {
	h := newHarness(t)
	taskID := h.accepted(t, 1)
	s, _ := NewSweeper(Config{
		Store:       h.store,
		Releaser:    racingReleaser{inner: h.engine, h: h},
		AutoRelease: true,
		Clock:       h.clock.Now,
	})

	h.clock.Advance(escrow.DefaultHoldPeriod)
	report, err := s.SweepOnce(h.ctx)
	if err != nil {
		t.Fatalf("SweepOnce failed: %v", err)
	}
	if report.Due != 1 || report.Skipped != 1 || report.Released != 0 {
		t.Errorf("report = %+v", report)
	}
	if e, _ := h.store.GetEscrowForTask(h.ctx, taskID); e.Status != ledger.EscrowDisputed {
		t.Errorf("escrow = %s", e.Status)
	}
	if h.gw.Transfers() != 0 {
		t.Error("disputed escrow was paid out")
	}
}

type failingReleaser struct{ calls atomic.Int32 }

func (f *failingReleaser) ReleaseOnTimeout(context.Context, string) (*workflow.ReleaseResult, error) {
	f.calls.Add(1)
	return nil, errs.GatewayFailed("gateway down")
}

func TestSweepOnce_FailureIsRetriedNextSweep(t *testing.T) {
	h := newHarness(t)
	h.accepted(t, 1)
	rel := &failingReleaser{}
	s, _ := NewSweeper(Config{Store: h.store, Releaser: rel, AutoRelease: true, Clock: h.clock.Now, Logger: h.logger})

	h.clock.Advance(escrow.DefaultHoldPeriod)
	for i := 0; i < 2; i++ {
		report, err := s.SweepOnce(h.ctx)
		if err != nil {
			t.Fatalf("SweepOnce failed: %v", err)
		}
		if report.Failed != 1 {
			t.Errorf("sweep %d report = %+v", i, report)
		}
	}
	if rel.calls.Load() != 2 {
		t.Errorf("release attempts = %d", rel.calls.Load())
	}
	if !strings.Contains(h.logs.String(), "auto_release_failed") {
		t.Error("expected auto_release_failed log")
	}
}

func TestSweepOnce_ClosedStore(t *testing.T) {
	h := newHarness(t)
	s := h.sweeper(t, false)
	h.store.Close()

	if _, err := s.SweepOnce(h.ctx); !errs.Is(err, errs.ErrCodeUnavailable) {
		t.Errorf("expected UNAVAILABLE, got %v", err)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t)
	s, _ := NewSweeper(Config{Store: h.store, Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(h.ctx)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for s.Sweeps() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if s.Sweeps() < 3 {
		t.Errorf("Sweeps = %d", s.Sweeps())
	}
}

func TestStartStop(t *testing.T) {
	h := newHarness(t)
	s, _ := NewSweeper(Config{Store: h.store, Interval: time.Hour})

	if err := s.Start(h.ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.Start(h.ctx); err != ErrAlreadyStarted {
		t.Errorf("second Start = %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for s.Sweeps() < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	s.Stop()
	s.Stop()

	if s.Sweeps() != 1 {
		t.Errorf("Sweeps = %d, want the initial sweep only", s.Sweeps())
	}
}
