package notify

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/vinayprograms/escrowkit/ledger"
)

// Projector derives notifications from events.
type Projector struct {
	newID    func() string
	linkBase string
}

// ProjectorOption configures a Projector.
type ProjectorOption func(*Projector)

// WithIDGenerator sets the notification ID generator.
func WithIDGenerator(gen func() string) ProjectorOption {
	return func(p *Projector) {
		if gen != nil {
			p.newID = gen
		}
	}
}

// WithLinkBase sets the prefix for notification deep links. Links take the
// form <base>/tasks/<task id>.
func WithLinkBase(base string) ProjectorOption {
	return func(p *Projector) {
		p.linkBase = strings.TrimRight(base, "/")
	}
}

// NewProjector creates a projector.
func NewProjector(opts ...ProjectorOption) *Projector {
	p := &Projector{
		newID: func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// draft is a notification before addressing rules are applied.
type draft struct {
	to      string
	kind    ledger.NotificationType
	title   string
	message string

	// confirm marks a notice the actor should receive about their own
	// action, e.g. the poster learning their task has started.
	confirm bool
}

// Project returns the notifications an event produces, in emission order.
// Nobody is told about their own action unless it is a confirmation, and
// events without a notification rule produce none.
func (p *Projector) Project(ev ledger.Event) []ledger.Notification {
	var out []ledger.Notification
	for _, d := range drafts(ev) {
		if d.to == "" {
			continue
		}
		if d.to == ev.ActorID && !d.confirm {
			continue
		}
		out = append(out, ledger.Notification{
			ID:        p.newID(),
			UserID:    d.to,
			Type:      d.kind,
			Title:     d.title,
			Message:   d.message,
			TaskID:    ev.TaskID,
			OfferID:   ev.OfferID,
			CreatedAt: ev.OccurredAt,
			Link:      p.link(ev.TaskID),
		})
	}
	return out
}

func (p *Projector) link(taskID string) string {
	if p.linkBase == "" || taskID == "" {
		return ""
	}
	return p.linkBase + "/tasks/" + taskID
}

func drafts(ev ledger.Event) []draft {
	task := taskLabel(ev)
	amount := "$" + ev.Amount.StringFixed(2)

	switch ev.Type {
	case ledger.EventOfferAccepted:
		return []draft{
			{
				to:      ev.TaskerID,
				kind:    ledger.NotifyOfferAccepted,
				title:   "Offer accepted",
				message: fmt.Sprintf("Your offer of %s on %s was accepted. The funds are held in escrow.", amount, task),
			},
			{
				to:      ev.PosterID,
				kind:    ledger.NotifyTaskStarted,
				title:   "Task started",
				message: fmt.Sprintf("%s is now in progress. %s is held in escrow until you release it.", capitalize(task), amount),
				confirm: true,
			},
		}

	case ledger.EventProgressUpdated:
		return []draft{{
			to:      ev.PosterID,
			kind:    ledger.NotifyProgressUpdate,
			title:   "Progress update",
			message: fmt.Sprintf("%s is %d%% complete.", capitalize(task), ev.Progress),
		}}

	case ledger.EventCompletionClaimed:
		return []draft{{
			to:      ev.PosterID,
			kind:    ledger.NotifyTaskCompleted,
			title:   "Task marked complete",
			message: fmt.Sprintf("The tasker marked %s as complete. Review the work and release payment or request revisions.", task),
		}}

	case ledger.EventRevisionRequested:
		return []draft{{
			to:      ev.TaskerID,
			kind:    ledger.NotifyRevisionRequested,
			title:   "Revisions requested",
			message: fmt.Sprintf("The poster requested revisions on %s: %s", task, ev.Message),
		}}

	case ledger.EventPaymentReleased:
		ds := []draft{{
			to:      ev.TaskerID,
			kind:    ledger.NotifyPaymentReleased,
			title:   "Payment released",
			message: fmt.Sprintf("%s for %s has been released to you.", amount, task),
		}}
		if ev.ActorRole == ledger.RoleSystem {
			ds = append(ds, draft{
				to:      ev.PosterID,
				kind:    ledger.NotifyPaymentReleased,
				title:   "Payment released automatically",
				message: fmt.Sprintf("The escrow hold on %s expired and %s was released to the tasker.", task, amount),
			})
		}
		return ds

	case ledger.EventDisputeRaised:
		to := ev.PosterID
		if ev.ActorRole == ledger.RolePoster {
			to = ev.TaskerID
		}
		return []draft{{
			to:      to,
			kind:    ledger.NotifyDisputeRaised,
			title:   "Dispute raised",
			message: fmt.Sprintf("A dispute was raised on %s: %s. The escrowed %s is frozen until the dispute is resolved.", task, ev.Message, amount),
		}}
	}

	return nil
}

func taskLabel(ev ledger.Event) string {
	if ev.TaskTitle != "" {
		return fmt.Sprintf("%q", ev.TaskTitle)
	}
	return "task " + ev.TaskID
}

func capitalize(s string) string {
	if s == "" || s[0] < 'a' || s[0] > 'z' {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
