package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	// TaskOpen accepts offers.
	TaskOpen TaskStatus = "open"

	// TaskInProgress has an accepted offer and a held escrow.
	TaskInProgress TaskStatus = "in_progress"

	// TaskRevisionRequested is active work the poster sent back with feedback.
	TaskRevisionRequested TaskStatus = "revision_requested"

	// TaskCompleted has released its escrow.
	TaskCompleted TaskStatus = "completed"

	// TaskDispute has a frozen escrow awaiting external resolution.
	TaskDispute TaskStatus = "dispute"
)

// String returns the string representation of the status.
func (s TaskStatus) String() string {
	return string(s)
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskOpen, TaskInProgress, TaskRevisionRequested, TaskCompleted, TaskDispute:
		return true
	}
	return false
}

// IsTerminal returns true if no command can move the task further.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskDispute
}

// IsActive returns true while the tasker is working.
func (s TaskStatus) IsActive() bool {
	return s == TaskInProgress || s == TaskRevisionRequested
}

// OfferStatus is the state of an offer.
type OfferStatus string

const (
	OfferPending  OfferStatus = "pending"
	OfferAccepted OfferStatus = "accepted"
	OfferDeclined OfferStatus = "declined"
)

// Valid reports whether s is a known status.
func (s OfferStatus) Valid() bool {
	return s == OfferPending || s == OfferAccepted || s == OfferDeclined
}

// IsTerminal returns true once the offer has been decided.
func (s OfferStatus) IsTerminal() bool {
	return s == OfferAccepted || s == OfferDeclined
}

// EscrowStatus is the state of a payment hold.
type EscrowStatus string

const (
	EscrowHeld     EscrowStatus = "held"
	EscrowReleased EscrowStatus = "released"
	EscrowDisputed EscrowStatus = "disputed"
)

// Valid reports whether s is a known status.
func (s EscrowStatus) Valid() bool {
	return s == EscrowHeld || s == EscrowReleased || s == EscrowDisputed
}

// IsTerminal returns true once funds can no longer be released by the core.
func (s EscrowStatus) IsTerminal() bool {
	return s == EscrowReleased || s == EscrowDisputed
}

// DisputeStatus is the state of a dispute. Only DisputeOpen is set here;
// the others are written by whoever mediates.
type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "open"
	DisputeResolved DisputeStatus = "resolved"
	DisputeClosed   DisputeStatus = "closed"
)

// Valid reports whether s is a known status.
func (s DisputeStatus) Valid() bool {
	return s == DisputeOpen || s == DisputeResolved || s == DisputeClosed
}

// Role is the part a user plays on a task.
type Role string

const (
	RolePoster Role = "poster"
	RoleTasker Role = "tasker"
	RoleSystem Role = "system"
)

// NotificationType names the transition a notification reports.
type NotificationType string

const (
	NotifyOfferAccepted     NotificationType = "offer_accepted"
	NotifyTaskStarted       NotificationType = "task_started"
	NotifyProgressUpdate    NotificationType = "progress_update"
	NotifyTaskCompleted     NotificationType = "task_completed"
	NotifyPaymentReleased   NotificationType = "payment_released"
	NotifyRevisionRequested NotificationType = "revision_requested"
	NotifyDisputeRaised     NotificationType = "dispute_raised"
)

// Task is a posted job.
type Task struct {
	ID       string     `json:"id"`
	PosterID string     `json:"poster_id"`
	Title    string     `json:"title"`
	Status   TaskStatus `json:"status"`

	// AcceptedOfferID is set exactly when Status is not open.
	AcceptedOfferID string `json:"accepted_offer_id,omitempty"`

	// Progress is a 0-100 gauge reported by the tasker.
	Progress int `json:"progress"`

	RevisionMessage string `json:"revision_message,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone creates a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	clone := *t
	clone.CompletedAt = cloneTime(t.CompletedAt)
	return &clone
}

// Offer is a tasker's bid on a task.
type Offer struct {
	ID       string          `json:"id"`
	TaskID   string          `json:"task_id"`
	TaskerID string          `json:"tasker_id"`
	Amount   decimal.Decimal `json:"amount"`
	Message  string          `json:"message,omitempty"`
	Status   OfferStatus     `json:"status"`

	CreatedAt  time.Time  `json:"created_at"`
	AcceptedAt *time.Time `json:"accepted_at,omitempty"`
	DeclinedAt *time.Time `json:"declined_at,omitempty"`
}

// Clone creates a deep copy of the offer.
func (o *Offer) Clone() *Offer {
	if o == nil {
		return nil
	}
	clone := *o
	clone.AcceptedAt = cloneTime(o.AcceptedAt)
	clone.DeclinedAt = cloneTime(o.DeclinedAt)
	return &clone
}

// Escrow is the payment hold tied to a task's accepted offer.
type Escrow struct {
	ID      string `json:"id"`
	TaskID  string `json:"task_id"`
	OfferID string `json:"offer_id"`
	PayerID string `json:"payer_id"`
	PayeeID string `json:"payee_id"`

	// Amount is copied from the accepted offer and never changes.
	Amount decimal.Decimal `json:"amount"`
	Status EscrowStatus    `json:"status"`

	HeldAt time.Time `json:"held_at"`

	// ReleaseScheduledFor is when the hold becomes due for release.
	ReleaseScheduledFor time.Time `json:"release_scheduled_for"`

	ReleasedAt *time.Time `json:"released_at,omitempty"`
	DisputedAt *time.Time `json:"disputed_at,omitempty"`

	// GatewayTransactionID is set when funds are released.
	GatewayTransactionID string `json:"gateway_transaction_id,omitempty"`

	Notes string `json:"notes,omitempty"`
}

// Clone creates a deep copy of the escrow.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	clone.ReleasedAt = cloneTime(e.ReleasedAt)
	clone.DisputedAt = cloneTime(e.DisputedAt)
	return &clone
}

// Dispute records a frozen escrow and the party who froze it.
type Dispute struct {
	ID          string        `json:"id"`
	TaskID      string        `json:"task_id"`
	OfferID     string        `json:"offer_id"`
	EscrowID    string        `json:"escrow_id"`
	RaisedBy    Role          `json:"raised_by"`
	RaisedByID  string        `json:"raised_by_id"`
	Reason      string        `json:"reason"`
	Description string        `json:"description"`
	Status      DisputeStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Clone creates a copy of the dispute.
func (d *Dispute) Clone() *Dispute {
	if d == nil {
		return nil
	}
	clone := *d
	return &clone
}

// Notification is a message addressed to one user about one transition.
type Notification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"user_id"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	TaskID    string           `json:"task_id,omitempty"`
	OfferID   string           `json:"offer_id,omitempty"`
	Read      bool             `json:"read"`
	CreatedAt time.Time        `json:"created_at"`
	Link      string           `json:"link,omitempty"`
}

// Clone creates a copy of the notification.
func (n *Notification) Clone() *Notification {
	if n == nil {
		return nil
	}
	clone := *n
	return &clone
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
