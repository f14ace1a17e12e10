package autorelease

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/escrowkit/bus"
	errs "github.com/vinayprograms/escrowkit/errors"
	"github.com/vinayprograms/escrowkit/ledger"
	"github.com/vinayprograms/escrowkit/logging"
	"github.com/vinayprograms/escrowkit/telemetry"
	"github.com/vinayprograms/escrowkit/workflow"
)

// DefaultInterval is the time between sweeps.
const DefaultInterval = time.Minute

// Errors
var (
	ErrAlreadyStarted = errors.New("sweeper already started")
	ErrNoStore        = errors.New("store is required")
	ErrNoReleaser     = errors.New("releaser is required when auto release is enabled")
)

// HeldEscrowLister lists escrows still in status held, earliest release
// date first. ledger.Store satisfies it.
type HeldEscrowLister interface {
	ListHeldEscrows(ctx context.Context) ([]*ledger.Escrow, error)
}

// Releaser pays out a due escrow. *workflow.Engine satisfies it.
type Releaser interface {
	ReleaseOnTimeout(ctx context.Context, taskID string) (*workflow.ReleaseResult, error)
}

// Config configures a Sweeper.
type Config struct {
	// Store is where held escrows are listed from. Required.
	Store HeldEscrowLister

	// Releaser is called for due escrows when AutoRelease is set.
	Releaser Releaser

	// Bus receives escrow.release_due events. Optional.
	Bus      bus.MessageBus
	Subjects bus.Subjects

	// Interval is the time between sweeps. Default: 1m.
	Interval time.Duration

	// AutoRelease pays out due escrows instead of only reporting them.
	AutoRelease bool

	Logger      *logging.Logger
	Tracer      *telemetry.Tracer
	Audit       telemetry.AuditExporter
	Clock       func() time.Time
	IDGenerator func() string
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Store == nil {
		return ErrNoStore
	}
	if c.AutoRelease && c.Releaser == nil {
		return ErrNoReleaser
	}
	return nil
}

// Report summarizes one sweep.
type Report struct {
	Held     int // escrows in status held
	Due      int // held escrows past their release date
	Released int // due escrows paid out by this sweep
	Skipped  int // due escrows that were disputed or released meanwhile
	Failed   int // releases that failed and will be retried next sweep
}

// Sweeper reports and optionally releases due escrows.
type Sweeper struct {
	store       HeldEscrowLister
	releaser    Releaser
	bus         bus.MessageBus
	subjects    bus.Subjects
	interval    time.Duration
	autoRelease bool
	logger      *logging.Logger
	tracer      *telemetry.Tracer
	audit       telemetry.AuditExporter
	now         func() time.Time
	idGen       func() string

	sweeps  atomic.Uint64
	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSweeper creates a sweeper.
func NewSweeper(cfg Config) (*Sweeper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Sweeper{
		store:       cfg.Store,
		releaser:    cfg.Releaser,
		bus:         cfg.Bus,
		subjects:    cfg.Subjects,
		interval:    cfg.Interval,
		autoRelease: cfg.AutoRelease,
		logger:      cfg.Logger,
		tracer:      cfg.Tracer,
		audit:       cfg.Audit,
		now:         cfg.Clock,
		idGen:       cfg.IDGenerator,
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.subjects.Prefix() == "" {
		s.subjects = bus.NewSubjects("")
	}
	if s.logger == nil {
		s.logger = logging.Nop()
	}
	s.logger = s.logger.WithComponent("autorelease")
	if s.tracer == nil {
		s.tracer = telemetry.GetTracer()
	}
	if s.audit == nil {
		s.audit = telemetry.NewNoopExporter()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.idGen == nil {
		s.idGen = uuid.NewString
	}
	return s, nil
}

// Sweeps returns how many sweeps have completed.
func (s *Sweeper) Sweeps() uint64 {
	return s.sweeps.Load()
}

// SweepOnce checks every held escrow once.
func (s *Sweeper) SweepOnce(ctx context.Context) (*Report, error) {
	ctx, span := s.tracer.StartSweepSpan(ctx)

	held, err := s.store.ListHeldEscrows(ctx)
	if err != nil {
		s.tracer.EndSweepSpan(span, 0, 0, err)
		return nil, err
	}

	now := s.now()
	report := &Report{Held: len(held)}
	for _, e := range held {
		if now.Before(e.ReleaseScheduledFor) {
			break // sorted by release date
		}
		if err := ctx.Err(); err != nil {
			s.tracer.EndSweepSpan(span, report.Due, report.Released, err)
			return report, errs.Wrap(err, "sweep interrupted")
		}
		report.Due++
		s.reportDue(ctx, e, now)

		if s.autoRelease {
			s.release(ctx, e, report)
		}
	}

	s.sweeps.Add(1)
	s.tracer.EndSweepSpan(span, report.Due, report.Released, nil)
	s.logger.Debug("sweep_complete", map[string]interface{}{
		"held":     report.Held,
		"due":      report.Due,
		"released": report.Released,
		"skipped":  report.Skipped,
		"failed":   report.Failed,
	})
	return report, nil
}

func (s *Sweeper) reportDue(ctx context.Context, e *ledger.Escrow, now time.Time) {
	s.logger.ReleaseDue(e.TaskID, e.ID, now.Sub(e.ReleaseScheduledFor))

	ev := ledger.Event{
		ID:         s.idGen(),
		Type:       ledger.EventReleaseDue,
		TaskID:     e.TaskID,
		OfferID:    e.OfferID,
		EscrowID:   e.ID,
		ActorID:    workflow.SystemActor,
		ActorRole:  ledger.RoleSystem,
		PosterID:   e.PayerID,
		TaskerID:   e.PayeeID,
		Amount:     e.Amount,
		OccurredAt: now,
	}
	s.audit.Export(ctx, ev)

	if s.bus == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err == nil {
		err = s.bus.Publish(s.subjects.Event(string(ev.Type)), data)
	}
	if err != nil {
		s.logger.Warn("publish_failed", map[string]interface{}{
			"kind":  string(ev.Type),
			"task":  e.TaskID,
			"error": err.Error(),
		})
	}
}

func (s *Sweeper) release(ctx context.Context, e *ledger.Escrow, report *Report) {
	_, err := s.releaser.ReleaseOnTimeout(ctx, e.TaskID)
	switch {
	case err == nil:
		report.Released++
	case errs.Is(err, errs.ErrCodeNotFound), errs.Is(err, errs.ErrCodeInvalidState):
		// Disputed, released or rescheduled since the listing.
		report.Skipped++
	default:
		report.Failed++
		s.logger.Warn("auto_release_failed", map[string]interface{}{
			"task":      e.TaskID,
			"escrow":    e.ID,
			"code":      string(errs.Code(err)),
			"retryable": errs.IsRetryable(err),
			"error":     err.Error(),
		})
	}
}

// Run sweeps immediately and then every interval until ctx is done.
// Sweep errors are logged; Run itself returns nil on cancellation.
func (s *Sweeper) Run(ctx context.Context) error {
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("sweep_failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// Start runs the sweeper in the background until Stop or ctx is done.
func (s *Sweeper) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return ErrAlreadyStarted
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, cancel := context.WithCancel(ctx)
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	go func() {
		defer close(s.doneCh)
		defer cancel()
		s.Run(ctx)
	}()
	return nil
}

// Stop stops a started sweeper and waits for the current sweep to finish.
func (s *Sweeper) Stop() {
	if !s.running.Swap(false) {
		return
	}
	close(s.stopCh)
	<-s.doneCh
}
