package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	errs "github.com/vinayprograms/escrowkit/errors"
)

const (
	tasksTable         = "tasks"
	offersTable        = "offers"
	escrowsTable       = "escrows"
	disputesTable      = "disputes"
	notificationsTable = "notifications"

	// SQLSTATE lock_not_available, raised when lock_timeout fires.
	pgLockNotAvailable = "55P03"
	// SQLSTATE unique_violation.
	pgUniqueViolation = "23505"
)

var errBadAmount = errors.New("unreadable amount")

// PostgresStore implements Store backed by Postgres.
// Update holds a row lock on the task for the length of one transaction.
type PostgresStore struct {
	pool   *pgxpool.Pool
	opts   storeOptions
	closed atomic.Bool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a ledger over an existing pool. The pool is owned
// by the caller. Call EnsureSchema before first use.
func NewPostgresStore(pool *pgxpool.Pool, opts ...StoreOption) *PostgresStore {
	o := defaultStoreOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &PostgresStore{pool: pool, opts: o}
}

// EnsureSchema creates the ledger tables if they don't exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("ledger store not initialized")
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + tasksTable + ` (
    id                TEXT PRIMARY KEY,
    poster_id         TEXT NOT NULL,
    title             TEXT NOT NULL DEFAULT '',
    status            TEXT NOT NULL DEFAULT 'open',
    accepted_offer_id TEXT NOT NULL DEFAULT '',
    progress          INTEGER NOT NULL DEFAULT 0 CHECK (progress BETWEEN 0 AND 100),
    revision_message  TEXT NOT NULL DEFAULT '',
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    completed_at      TIMESTAMPTZ
)`,
		`CREATE TABLE IF NOT EXISTS ` + offersTable + ` (
    id          TEXT PRIMARY KEY,
    task_id     TEXT NOT NULL REFERENCES ` + tasksTable + `(id),
    tasker_id   TEXT NOT NULL,
    amount      NUMERIC NOT NULL CHECK (amount > 0),
    message     TEXT NOT NULL DEFAULT '',
    status      TEXT NOT NULL DEFAULT 'pending',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    accepted_at TIMESTAMPTZ,
    declined_at TIMESTAMPTZ
)`,
		`CREATE INDEX IF NOT EXISTS idx_offers_task ON ` + offersTable + ` (task_id, created_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_offers_one_accepted ON ` + offersTable + ` (task_id) WHERE status = 'accepted'`,
		`CREATE TABLE IF NOT EXISTS ` + escrowsTable + ` (
    id                     TEXT PRIMARY KEY,
    task_id                TEXT NOT NULL UNIQUE REFERENCES ` + tasksTable + `(id),
    offer_id               TEXT NOT NULL REFERENCES ` + offersTable + `(id),
    payer_id               TEXT NOT NULL,
    payee_id               TEXT NOT NULL,
    amount                 NUMERIC NOT NULL CHECK (amount >= 0),
    status                 TEXT NOT NULL DEFAULT 'held',
    held_at                TIMESTAMPTZ NOT NULL,
    release_scheduled_for  TIMESTAMPTZ NOT NULL,
    released_at            TIMESTAMPTZ,
    disputed_at            TIMESTAMPTZ,
    gateway_transaction_id TEXT NOT NULL DEFAULT '',
    notes                  TEXT NOT NULL DEFAULT ''
)`,
		`CREATE INDEX IF NOT EXISTS idx_escrows_held ON ` + escrowsTable + ` (release_scheduled_for) WHERE status = 'held'`,
		`CREATE TABLE IF NOT EXISTS ` + disputesTable + ` (
    id           TEXT PRIMARY KEY,
    task_id      TEXT NOT NULL REFERENCES ` + tasksTable + `(id),
    offer_id     TEXT NOT NULL DEFAULT '',
    escrow_id    TEXT NOT NULL DEFAULT '',
    raised_by    TEXT NOT NULL,
    raised_by_id TEXT NOT NULL,
    reason       TEXT NOT NULL,
    description  TEXT NOT NULL,
    status       TEXT NOT NULL DEFAULT 'open',
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS idx_disputes_task ON ` + disputesTable + ` (task_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS ` + notificationsTable + ` (
    id         TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL,
    type       TEXT NOT NULL,
    title      TEXT NOT NULL DEFAULT '',
    message    TEXT NOT NULL DEFAULT '',
    task_id    TEXT NOT NULL DEFAULT '',
    offer_id   TEXT NOT NULL DEFAULT '',
    read       BOOLEAN NOT NULL DEFAULT false,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    link       TEXT NOT NULL DEFAULT ''
)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_user ON ` + notificationsTable + ` (user_id, created_at DESC)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure ledger schema: %w", err)
		}
	}
	return nil
}

// CreateTask records a newly posted task in status open.
func (s *PostgresStore) CreateTask(ctx context.Context, task Task) (*Task, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	t, err := prepareTask(task, s.opts)
	if err != nil {
		return nil, err
	}

	_, err = s.pool.Exec(ctx, `
INSERT INTO `+tasksTable+` (id, poster_id, title, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.PosterID, t.Title, string(t.Status), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return nil, errs.Conflict("task already exists", errs.WithTaskID(t.ID))
		}
		return nil, pgError(err, "create task", t.ID)
	}
	return t, nil
}

// CreateOffer records a pending offer on an open task.
func (s *PostgresStore) CreateOffer(ctx context.Context, offer Offer) (*Offer, error) {
	if offer.TaskID == "" {
		return nil, errs.InvalidArgument("offer requires a task")
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
		return nil, err
	}
	return created, nil
}

// GetTask retrieves a task by ID.
func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (*Task, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	t, err := scanTask(s.pool.QueryRow(ctx, selectTask+` WHERE id = $1`, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, taskNotFound(taskID)
	}
	if err != nil {
		return nil, pgError(err, "get task", taskID)
	}
	return t, nil
}

// GetOffer retrieves an offer by ID.
func (s *PostgresStore) GetOffer(ctx context.Context, offerID string) (*Offer, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	o, err := scanOffer(s.pool.QueryRow(ctx, selectOffer+` WHERE id = $1`, offerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, offerNotFound(offerID)
	}
	if err != nil {
		return nil, pgError(err, "get offer", "")
	}
	return o, nil
}

// ListOffers returns a task's offers, oldest first.
func (s *PostgresStore) ListOffers(ctx context.Context, taskID string) ([]*Offer, error) {
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.queryOffers(ctx, s.pool, taskID)
}

// GetEscrowForTask returns the task's escrow.
func (s *PostgresStore) GetEscrowForTask(ctx context.Context, taskID string) (*Escrow, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	e, err := scanEscrow(s.pool.QueryRow(ctx, selectEscrow+` WHERE task_id = $1`, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, terr := s.GetTask(ctx, taskID); terr != nil {
			return nil, terr
		}
		return nil, escrowNotFound(taskID)
	}
	if err != nil {
		return nil, pgError(err, "get escrow", taskID)
	}
	return e, nil
}

// ListDisputes returns a task's disputes, oldest first.
func (s *PostgresStore) ListDisputes(ctx context.Context, taskID string) ([]*Dispute, error) {
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.queryDisputes(ctx, s.pool, taskID)
}

// ListNotifications returns a user's notifications, newest first.
func (s *PostgresStore) ListNotifications(ctx context.Context, userID string) ([]*Notification, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, errs.InvalidArgument("invalid user id")
	}

	rows, err := s.pool.Query(ctx, `
SELECT id, user_id, type, title, message, task_id, offer_id, read, created_at, link
FROM `+notificationsTable+` WHERE user_id = $1`, userID)
	if err != nil {
		return nil, pgError(err, "list notifications", "")
	}
	defer rows.Close()

	result := []*Notification{}
	for rows.Next() {
		var n Notification
		var typ string
		if err := rows.Scan(&n.ID, &n.UserID, &typ, &n.Title, &n.Message,
			&n.TaskID, &n.OfferID, &n.Read, &n.CreatedAt, &n.Link); err != nil {
			return nil, pgError(err, "scan notification", "")
		}
		n.Type = NotificationType(typ)
		result = append(result, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, pgError(err, "list notifications", "")
	}
	sortNotifications(result)
	return result, nil
}

// ListHeldEscrows returns every escrow still in status held, earliest
// release date first.
func (s *PostgresStore) ListHeldEscrows(ctx context.Context) ([]*Escrow, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, selectEscrow+` WHERE status = $1 ORDER BY release_scheduled_for`, string(EscrowHeld))
	if err != nil {
		return nil, pgError(err, "list held escrows", "")
	}
	defer rows.Close()

	var held []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, pgError(err, "scan escrow", "")
		}
		held = append(held, e)
	}
	if err := rows.Err(); err != nil {
		return nil, pgError(err, "list held escrows", "")
	}
	return held, nil
}

// Update runs fn inside a transaction that holds the task row lock.
// lock_timeout bounds the wait for a competing holder.
func (s *PostgresStore) Update(ctx context.Context, taskID string, fn func(*Snapshot) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if taskID == "" {
		return errs.InvalidArgument("invalid task id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return pgError(err, "begin transaction", taskID)
	}
	defer tx.Rollback(ctx)

	lockTimeout := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.opts.lockWait.Milliseconds())
	if _, err := tx.Exec(ctx, lockTimeout); err != nil {
		return pgError(err, "set lock timeout", taskID)
	}

	task, err := scanTask(tx.QueryRow(ctx, selectTask+` WHERE id = $1 FOR UPDATE`, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return taskNotFound(taskID)
	}
	if err != nil {
		return pgError(err, "lock task", taskID)
	}

	snap := &Snapshot{Task: task}
	if snap.Offers, err = s.queryOffers(ctx, tx, taskID); err != nil {
		return err
	}
	escrow, err := scanEscrow(tx.QueryRow(ctx, selectEscrow+` WHERE task_id = $1`, taskID))
	switch {
	case err == nil:
		snap.Escrow = escrow
	case !errors.Is(err, pgx.ErrNoRows):
		return pgError(err, "load escrow", taskID)
	}
	if snap.Disputes, err = s.queryDisputes(ctx, tx, taskID); err != nil {
		return err
	}

	if err := fn(snap); err != nil {
		return err
	}

	if err := writeSnapshot(ctx, tx, snap); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return pgError(err, "commit task", taskID)
	}
	return nil
}

// Close marks the ledger closed. The pool is left open.
func (s *PostgresStore) Close() error {
	s.closed.Store(true)
	return nil
}

// Internal methods

func (s *PostgresStore) checkOpen() error {
	if s.closed.Load() {
		return errs.New(errs.ErrCodeUnavailable, "ledger closed")
	}
	if s.pool == nil {
		return errs.Internal("ledger store not initialized")
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *PostgresStore) queryOffers(ctx context.Context, q querier, taskID string) ([]*Offer, error) {
	rows, err := q.Query(ctx, selectOffer+` WHERE task_id = $1 ORDER BY created_at, id`, taskID)
	if err != nil {
		return nil, pgError(err, "list offers", taskID)
	}
	defer rows.Close()

	offers := []*Offer{}
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, pgError(err, "scan offer", taskID)
		}
		offers = append(offers, o)
	}
	if err := rows.Err(); err != nil {
		return nil, pgError(err, "list offers", taskID)
	}
	return offers, nil
}

func (s *PostgresStore) queryDisputes(ctx context.Context, q querier, taskID string) ([]*Dispute, error) {
	rows, err := q.Query(ctx, `
SELECT id, task_id, offer_id, escrow_id, raised_by, raised_by_id, reason, description, status, created_at, updated_at
FROM `+disputesTable+` WHERE task_id = $1 ORDER BY created_at, id`, taskID)
	if err != nil {
		return nil, pgError(err, "list disputes", taskID)
	}
	defer rows.Close()

	disputes := []*Dispute{}
	for rows.Next() {
		var d Dispute
		var raisedBy, status string
		if err := rows.Scan(&d.ID, &d.TaskID, &d.OfferID, &d.EscrowID, &raisedBy, &d.RaisedByID,
			&d.Reason, &d.Description, &status, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, pgError(err, "scan dispute", taskID)
		}
		d.RaisedBy = Role(raisedBy)
		d.Status = DisputeStatus(status)
		disputes = append(disputes, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, pgError(err, "list disputes", taskID)
	}
	return disputes, nil
}

// writeSnapshot upserts every record in the snapshot inside tx.
func writeSnapshot(ctx context.Context, tx pgx.Tx, snap *Snapshot) error {
	t := snap.Task
	_, err := tx.Exec(ctx, `
UPDATE `+tasksTable+` SET status = $2, accepted_offer_id = $3, progress = $4,
    revision_message = $5, updated_at = $6, completed_at = $7, title = $8
WHERE id = $1`,
		t.ID, string(t.Status), t.AcceptedOfferID, t.Progress,
		t.RevisionMessage, t.UpdatedAt, t.CompletedAt, t.Title)
	if err != nil {
		return pgError(err, "write task", t.ID)
	}

	for _, o := range snap.Offers {
		tag, err := tx.Exec(ctx, `
INSERT INTO `+offersTable+` AS o (id, task_id, tasker_id, amount, message, status, created_at, accepted_at, declined_at)
VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status,
    accepted_at = EXCLUDED.accepted_at, declined_at = EXCLUDED.declined_at
WHERE o.task_id = EXCLUDED.task_id`,
			o.ID, o.TaskID, o.TaskerID, o.Amount.String(), o.Message, string(o.Status),
			o.CreatedAt, o.AcceptedAt, o.DeclinedAt)
		if err != nil {
			if pgCode(err) == pgUniqueViolation {
				return errs.Conflict("task already has an accepted offer", errs.WithTaskID(t.ID), errs.WithCause(err))
			}
			return pgError(err, "write offer", t.ID)
		}
		if tag.RowsAffected() == 0 {
			return errs.Conflict("offer id belongs to another task", errs.WithTaskID(t.ID), errs.WithOfferID(o.ID))
		}
	}

	if e := snap.Escrow; e != nil {
		// amount is deliberately absent from the update list.
		_, err := tx.Exec(ctx, `
INSERT INTO `+escrowsTable+` (id, task_id, offer_id, payer_id, payee_id, amount, status, held_at,
    release_scheduled_for, released_at, disputed_at, gateway_transaction_id, notes)
VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, released_at = EXCLUDED.released_at,
    disputed_at = EXCLUDED.disputed_at, gateway_transaction_id = EXCLUDED.gateway_transaction_id,
    notes = EXCLUDED.notes`,
			e.ID, e.TaskID, e.OfferID, e.PayerID, e.PayeeID, e.Amount.String(), string(e.Status), e.HeldAt,
			e.ReleaseScheduledFor, e.ReleasedAt, e.DisputedAt, e.GatewayTransactionID, e.Notes)
		if err != nil {
			if pgCode(err) == pgUniqueViolation {
				return errs.Conflict("task already has an escrow", errs.WithTaskID(t.ID), errs.WithCause(err))
			}
			return pgError(err, "write escrow", t.ID)
		}
	}

	for _, d := range snap.Disputes {
		_, err := tx.Exec(ctx, `
INSERT INTO `+disputesTable+` (id, task_id, offer_id, escrow_id, raised_by, raised_by_id, reason, description, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
			d.ID, d.TaskID, d.OfferID, d.EscrowID, string(d.RaisedBy), d.RaisedByID,
			d.Reason, d.Description, string(d.Status), d.CreatedAt, d.UpdatedAt)
		if err != nil {
			return pgError(err, "write dispute", t.ID)
		}
	}

	for _, n := range snap.Notifications {
		_, err := tx.Exec(ctx, `
INSERT INTO `+notificationsTable+` (id, user_id, type, title, message, task_id, offer_id, read, created_at, link)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			n.ID, n.UserID, string(n.Type), n.Title, n.Message, n.TaskID, n.OfferID, n.Read, n.CreatedAt, n.Link)
		if err != nil {
			return pgError(err, "write notification", t.ID)
		}
	}
	return nil
}

const (
	selectTask = `SELECT id, poster_id, title, status, accepted_offer_id, progress, revision_message,
    created_at, updated_at, completed_at FROM ` + tasksTable

	selectOffer = `SELECT id, task_id, tasker_id, amount::text, message, status, created_at,
    accepted_at, declined_at FROM ` + offersTable

	selectEscrow = `SELECT id, task_id, offer_id, payer_id, payee_id, amount::text, status, held_at,
    release_scheduled_for, released_at, disputed_at, gateway_transaction_id, notes FROM ` + escrowsTable
)

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	var status string
	if err := row.Scan(&t.ID, &t.PosterID, &t.Title, &status, &t.AcceptedOfferID, &t.Progress,
		&t.RevisionMessage, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt); err != nil {
		return nil, err
	}
	t.Status = TaskStatus(status)
	return &t, nil
}

func scanOffer(row pgx.Row) (*Offer, error) {
	var o Offer
	var amount, status string
	if err := row.Scan(&o.ID, &o.TaskID, &o.TaskerID, &amount, &o.Message, &status,
		&o.CreatedAt, &o.AcceptedAt, &o.DeclinedAt); err != nil {
		return nil, err
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("offer %s: %w %q", o.ID, errBadAmount, amount)
	}
	o.Amount = d
	o.Status = OfferStatus(status)
	return &o, nil
}

func scanEscrow(row pgx.Row) (*Escrow, error) {
	var e Escrow
	var amount, status string
	if err := row.Scan(&e.ID, &e.TaskID, &e.OfferID, &e.PayerID, &e.PayeeID, &amount, &status,
		&e.HeldAt, &e.ReleaseScheduledFor, &e.ReleasedAt, &e.DisputedAt,
		&e.GatewayTransactionID, &e.Notes); err != nil {
		return nil, err
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("escrow %s: %w %q", e.ID, errBadAmount, amount)
	}
	e.Amount = d
	e.Status = EscrowStatus(status)
	return &e, nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// pgError maps driver failures onto the error taxonomy.
func pgError(err error, op, taskID string) error {
	var opts []errs.Option
	if taskID != "" {
		opts = append(opts, errs.WithTaskID(taskID))
	}
	if pgCode(err) == pgLockNotAvailable {
		return errs.WrapWithCode(err, errs.ErrCodeResourceBusy, "task is locked by another command", opts...)
	}
	if errors.Is(err, errBadAmount) {
		return errs.WrapWithCode(err, errs.ErrCodeCorruption, op, opts...)
	}
	return errs.Wrap(err, op, opts...)
}
