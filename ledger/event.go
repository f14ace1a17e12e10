package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType names a committed transition. It doubles as the bus subject
// suffix.
type EventType string

const (
	EventOfferAccepted     EventType = "offer.accepted"
	EventProgressUpdated   EventType = "task.progress_updated"
	EventCompletionClaimed EventType = "task.completion_claimed"
	EventRevisionRequested EventType = "task.revision_requested"
	EventPaymentReleased   EventType = "payment.released"
	EventDisputeRaised     EventType = "dispute.raised"
	EventReleaseDue        EventType = "escrow.release_due"
)

// Event describes one committed transition. Events carry enough of the
// task, offer and escrow to derive notifications without reading the store.
type Event struct {
	ID   string    `json:"id"`
	Type EventType `json:"type"`

	TaskID    string `json:"task_id"`
	TaskTitle string `json:"task_title,omitempty"`
	OfferID   string `json:"offer_id,omitempty"`
	EscrowID  string `json:"escrow_id,omitempty"`
	DisputeID string `json:"dispute_id,omitempty"`

	ActorID   string `json:"actor_id"`
	ActorRole Role   `json:"actor_role"`
	PosterID  string `json:"poster_id"`
	TaskerID  string `json:"tasker_id,omitempty"`

	FromStatus TaskStatus `json:"from_status,omitempty"`
	ToStatus   TaskStatus `json:"to_status,omitempty"`

	Amount   decimal.Decimal `json:"amount"`
	Progress int             `json:"progress"`

	// Message is the revision feedback or dispute reason.
	Message string `json:"message,omitempty"`

	DeclinedOfferIDs []string `json:"declined_offer_ids,omitempty"`

	TransactionID string    `json:"transaction_id,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}
