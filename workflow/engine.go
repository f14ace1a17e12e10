package workflow

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/vinayprograms/escrowkit/bus"
	errs "github.com/vinayprograms/escrowkit/errors"
	"github.com/vinayprograms/escrowkit/escrow"
	"github.com/vinayprograms/escrowkit/ledger"
	"github.com/vinayprograms/escrowkit/logging"
	"github.com/vinayprograms/escrowkit/notify"
	"github.com/vinayprograms/escrowkit/telemetry"
)

// Command names, as used in logs, spans and errors.UserMessage.
const (
	CmdAcceptOffer      = "AcceptOffer"
	CmdUpdateProgress   = "UpdateProgress"
	CmdMarkComplete     = "MarkComplete"
	CmdReleasePayment   = "ReleasePayment"
	CmdRequestRevisions = "RequestRevisions"
	CmdRaiseDispute     = "RaiseDispute"
	CmdReleaseOnTimeout = "ReleaseOnTimeout"
)

// SystemActor is the actor ID recorded for releases the engine performs on
// its own behalf.
const SystemActor = "system:autorelease"

// Policy holds product choices that are not invariants.
type Policy struct {
	// RevisionProgress is the progress a task is reset to when the poster
	// requests revisions.
	RevisionProgress int
}

// DefaultPolicy returns the standard policy.
func DefaultPolicy() Policy {
	return Policy{RevisionProgress: 75}
}

// Engine executes workflow commands against a ledger store.
type Engine struct {
	store     ledger.Store
	escrow    *escrow.Manager
	projector *notify.Projector
	bus       bus.MessageBus
	subjects  bus.Subjects
	audit     telemetry.AuditExporter
	tracer    *telemetry.Tracer
	logger    *logging.Logger
	now       func() time.Time
	idGen     func() string
	policy    Policy
}

// Option configures an Engine.
type Option func(*Engine)

// WithEscrowManager sets the escrow manager, which owns the payment gateway.
func WithEscrowManager(m *escrow.Manager) Option {
	return func(e *Engine) {
		if m != nil {
			e.escrow = m
		}
	}
}

// WithProjector sets the notification projector.
func WithProjector(p *notify.Projector) Option {
	return func(e *Engine) {
		if p != nil {
			e.projector = p
		}
	}
}

// WithBus publishes committed events and notifications on b.
func WithBus(b bus.MessageBus, subjects bus.Subjects) Option {
	return func(e *Engine) {
		e.bus = b
		e.subjects = subjects
	}
}

// WithAudit sets the audit exporter for committed events.
func WithAudit(a telemetry.AuditExporter) Option {
	return func(e *Engine) {
		if a != nil {
			e.audit = a
		}
	}
}

// WithTracer sets the tracer. Default: telemetry.GetTracer().
func WithTracer(t *telemetry.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithIDGenerator sets the generator for event and dispute IDs.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) {
		if gen != nil {
			e.idGen = gen
		}
	}
}

// WithPolicy sets the workflow policy.
func WithPolicy(p Policy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

// NewEngine creates an engine over store.
func NewEngine(store ledger.Store, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		escrow:    escrow.NewManager(),
		projector: notify.NewProjector(),
		subjects:  bus.NewSubjects(""),
		audit:     telemetry.NewNoopExporter(),
		tracer:    telemetry.GetTracer(),
		logger:    logging.New(),
		now:       func() time.Time { return time.Now().UTC() },
		idGen:     uuid.NewString,
		policy:    DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.WithComponent("workflow")
	if e.policy.RevisionProgress < 0 || e.policy.RevisionProgress > 100 {
		e.policy.RevisionProgress = DefaultPolicy().RevisionProgress
	}
	return e
}

// Store returns the engine's ledger store.
func (e *Engine) Store() ledger.Store {
	return e.store
}

// outcome is what a command produced inside the lock. Records are copies
// taken after the mutation, safe to use once the snapshot is gone.
type outcome struct {
	from, to ledger.TaskStatus

	events        []ledger.Event
	notifications []*ledger.Notification

	task     *ledger.Task
	offer    *ledger.Offer
	declined []*ledger.Offer
	escrow   *ledger.Escrow
	dispute  *ledger.Dispute

	text string
}

// mutation validates and applies one command to a locked snapshot.
type mutation func(snap *ledger.Snapshot, now time.Time) (*outcome, error)

// execute runs a mutation under the task lock and, once it has committed,
// publishes its events.
func (e *Engine) execute(ctx context.Context, command, taskID, actorID string, fn mutation) (*outcome, error) {
	ctx, span := e.tracer.StartCommandSpan(ctx, command, taskID, actorID)
	start := time.Now()
	e.logger.CommandStart(command, taskID, actorID)

	var out *outcome
	err := e.store.Update(ctx, taskID, func(snap *ledger.Snapshot) error {
		now := e.now()
		o, err := fn(snap, now)
		if err != nil {
			return err
		}
		for _, ev := range o.events {
			for _, n := range e.projector.Project(ev) {
				snap.Notifications = append(snap.Notifications, &n)
				o.notifications = append(o.notifications, n.Clone())
			}
		}
		o.task = snap.Task.Clone()
		o.escrow = snap.Escrow.Clone()
		out = o
		return nil
	})
	if err != nil {
		e.reject(span, command, taskID, actorID, err)
		return nil, err
	}

	e.logger.TransitionApplied(command, taskID, string(out.from), string(out.to), time.Since(start))
	opts := telemetry.CommandSpanOptions{
		From:     string(out.from),
		To:       string(out.to),
		Progress: out.task.Progress,
		Text:     out.text,
	}
	if out.offer != nil {
		opts.OfferID = out.offer.ID
	}
	if out.escrow != nil {
		opts.EscrowID = out.escrow.ID
	}
	e.tracer.EndCommandSpan(span, opts, nil)

	e.publish(ctx, out)
	return out, nil
}

// reject records a failed command. The caller returns err unchanged.
func (e *Engine) reject(span trace.Span, command, taskID, actorID string, err error) {
	code := string(errs.Code(err))
	e.logger.CommandRejected(command, taskID, actorID, code, err)
	e.tracer.EndCommandSpan(span, telemetry.CommandSpanOptions{ErrorCode: code}, err)
	e.audit.LogEvent("command_rejected", map[string]interface{}{
		"command": command,
		"task_id": taskID,
		"actor":   actorID,
		"code":    code,
	})
}

// publish fans committed events and notifications out. Failures are logged
// only: the commit already happened and the ledger is the record.
func (e *Engine) publish(ctx context.Context, out *outcome) {
	for _, ev := range out.events {
		e.audit.Export(ctx, ev)
		if e.bus == nil {
			continue
		}
		data, err := json.Marshal(ev)
		if err == nil {
			err = e.bus.Publish(e.subjects.Event(string(ev.Type)), data)
		}
		if err != nil {
			e.publishFailed(string(ev.Type), ev.TaskID, err)
		}
	}

	if e.bus == nil {
		return
	}
	for _, n := range out.notifications {
		data, err := json.Marshal(n)
		if err == nil {
			err = e.bus.Publish(e.subjects.Notifications(), data)
		}
		if err != nil {
			e.publishFailed(string(n.Type), n.TaskID, err)
		}
	}
}

func (e *Engine) publishFailed(kind, taskID string, err error) {
	e.logger.Warn("publish_failed", map[string]interface{}{
		"kind":  kind,
		"task":  taskID,
		"error": err.Error(),
	})
}

// newEvent fills an event from the snapshot's current state.
func (e *Engine) newEvent(typ ledger.EventType, snap *ledger.Snapshot, actorID string, role ledger.Role, now time.Time) ledger.Event {
	task := snap.Task
	ev := ledger.Event{
		ID:         e.idGen(),
		Type:       typ,
		TaskID:     task.ID,
		TaskTitle:  task.Title,
		ActorID:    actorID,
		ActorRole:  role,
		PosterID:   task.PosterID,
		ToStatus:   task.Status,
		Progress:   task.Progress,
		OccurredAt: now,
	}
	if o := snap.AcceptedOffer(); o != nil {
		ev.OfferID = o.ID
		ev.TaskerID = o.TaskerID
		ev.Amount = o.Amount
	}
	if snap.Escrow != nil {
		ev.EscrowID = snap.Escrow.ID
		ev.Amount = snap.Escrow.Amount
		ev.TransactionID = snap.Escrow.GatewayTransactionID
	}
	return ev
}

// requireActor rejects calls without an authenticated caller.
func requireActor(command, actorID string) error {
	if strings.TrimSpace(actorID) == "" {
		return errs.Unauthorized(command + " requires an authenticated actor")
	}
	return nil
}

// requireText trims s and rejects it if empty.
func requireText(field, s string, opts ...errs.Option) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errs.InvalidArgument(field+" is required", opts...)
	}
	return s, nil
}
