package workflow

import (
	"bytes"
	"context"
	"fmt"
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
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func sequentialIDs(prefix string) func() string {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("%s%d", prefix, n.Add(1))
	}
}

// switchGateway wraps the synthetic gateway with a failure switch.
type switchGateway struct {
	*escrow.SyntheticGateway
	fail  atomic.Bool
	calls atomic.Int32
	hook  func()
}

func (g *switchGateway) Release(ctx context.Context, req escrow.TransferRequest) (*escrow.Receipt, error) {
	g.calls.Add(1)
	if g.hook != nil {
		g.hook()
	}
	if g.fail.Load() {
		return nil, fmt.Errorf("gateway unavailable")
	}
	return g.SyntheticGateway.Release(ctx, req)
}

type fixture struct {
	t       *testing.T
	ctx     context.Context
	store   *ledger.KVStore
	engine  *Engine
	bus     *bus.MemoryBus
	gateway *switchGateway
	clock   *fakeClock
	logs    *bytes.Buffer
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	f := &fixture{
		t:       t,
		ctx:     context.Background(),
		bus:     bus.NewMemoryBus(bus.Config{BufferSize: 1024}),
		gateway: &switchGateway{SyntheticGateway: escrow.NewSyntheticGateway()},
		clock:   newFakeClock(),
		logs:    &bytes.Buffer{},
	}

	logger := logging.New()
	logger.SetOutput(f.logs)
	logger.SetLevel(logging.LevelDebug)

	backend := state.NewMemoryStore()
	f.store = ledger.NewKVStore(backend,
		ledger.WithClock(f.clock.Now),
		ledger.WithIDGenerator(sequentialIDs("id-")),
		ledger.WithLogger(logger),
	)

	base := []Option{
		WithEscrowManager(escrow.NewManager(
			escrow.WithGateway(f.gateway),
			escrow.WithIDGenerator(sequentialIDs("escrow-")),
			escrow.WithLogger(logger),
		)),
		WithBus(f.bus, bus.NewSubjects("")),
		WithClock(f.clock.Now),
		WithIDGenerator(sequentialIDs("ev-")),
		WithLogger(logger),
	}
	f.engine = NewEngine(f.store, append(base, opts...)...)

	t.Cleanup(func() {
		f.bus.Close()
		f.store.Close()
		backend.Close()
	})
	return f
}

func (f *fixture) logged() string {
	return f.logs.String()
}

func (f *fixture) post(poster string) *ledger.Task {
	f.t.Helper()
	task, err := f.store.CreateTask(f.ctx, ledger.Task{PosterID: poster, Title: "Tile the bathroom"})
	if err != nil {
		f.t.Fatalf("CreateTask failed: %v", err)
	}
	return task
}

func (f *fixture) bid(taskID, tasker string, amount int64) *ledger.Offer {
	f.t.Helper()
	o, err := f.store.CreateOffer(f.ctx, ledger.Offer{
		TaskID:   taskID,
		TaskerID: tasker,
		Amount:   decimal.NewFromInt(amount),
	})
	if err != nil {
		f.t.Fatalf("CreateOffer failed: %v", err)
	}
	return o
}

// openTask seeds task T with O1 (tasker-1, 100) and O2 (tasker-2, 80).
func (f *fixture) openTask() (*ledger.Task, *ledger.Offer, *ledger.Offer) {
	f.t.Helper()
	task := f.post("poster")
	o1 := f.bid(task.ID, "tasker-1", 100)
	o2 := f.bid(task.ID, "tasker-2", 80)
	return task, o1, o2
}

// assignedTask is openTask with O1 accepted.
func (f *fixture) assignedTask() (*ledger.Task, *ledger.Offer, *ledger.Offer) {
	f.t.Helper()
	task, o1, o2 := f.openTask()
	if _, err := f.engine.AcceptOffer(f.ctx, task.ID, o1.ID, "poster"); err != nil {
		f.t.Fatalf("AcceptOffer failed: %v", err)
	}
	return task, o1, o2
}

func (f *fixture) task(id string) *ledger.Task {
	f.t.Helper()
	task, err := f.store.GetTask(f.ctx, id)
	if err != nil {
		f.t.Fatalf("GetTask failed: %v", err)
	}
	return task
}

func (f *fixture) escrowFor(taskID string) *ledger.Escrow {
	f.t.Helper()
	e, err := f.store.GetEscrowForTask(f.ctx, taskID)
	if err != nil {
		f.t.Fatalf("GetEscrowForTask failed: %v", err)
	}
	return e
}

func (f *fixture) inbox(userID string) []*ledger.Notification {
	f.t.Helper()
	ns, err := f.engine.GetUserNotifications(f.ctx, userID)
	if err != nil {
		f.t.Fatalf("GetUserNotifications failed: %v", err)
	}
	return ns
}

func expectCode(t *testing.T, err error, code errs.ErrorCode) {
	t.Helper()
	if !errs.Is(err, code) {
		t.Fatalf("expected %s, got %v", code, err)
	}
}
