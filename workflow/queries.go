package workflow

import (
	"context"
	"strings"

	errs "github.com/vinayprograms/escrowkit/errors"
	"github.com/vinayprograms/escrowkit/ledger"
)

// Reads take no lock and may trail an in-flight command.

// GetUserNotifications returns a user's notifications, newest first.
func (e *Engine) GetUserNotifications(ctx context.Context, userID string) ([]*ledger.Notification, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errs.InvalidArgument("user ID is required")
	}
	return e.store.ListNotifications(ctx, userID)
}

// GetEscrowForTask returns the task's escrow, or NOT_FOUND if no offer has
// been accepted.
func (e *Engine) GetEscrowForTask(ctx context.Context, taskID string) (*ledger.Escrow, error) {
	return e.store.GetEscrowForTask(ctx, taskID)
}

// GetTask returns a task.
func (e *Engine) GetTask(ctx context.Context, taskID string) (*ledger.Task, error) {
	return e.store.GetTask(ctx, taskID)
}

// ListOffers returns a task's offers, oldest first.
func (e *Engine) ListOffers(ctx context.Context, taskID string) ([]*ledger.Offer, error) {
	return e.store.ListOffers(ctx, taskID)
}

// ListDisputes returns a task's disputes, oldest first.
func (e *Engine) ListDisputes(ctx context.Context, taskID string) ([]*ledger.Dispute, error) {
	return e.store.ListDisputes(ctx, taskID)
}
