package escrow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransferRequest asks the payment gateway to pay out an escrow.
type TransferRequest struct {
	// IdempotencyKey makes a retried transfer return the original receipt.
	// The escrow ID is used, so one escrow pays out at most once.
	IdempotencyKey string

	EscrowID string
	TaskID   string
	PayerID  string
	PayeeID  string
	Amount   decimal.Decimal
}

// Receipt is the gateway's record of a completed transfer.
type Receipt struct {
	TransactionID string
	Amount        decimal.Decimal
	SettledAt     time.Time
}

// Gateway moves money. It is an opaque external service; the core only
// records the receipt it returns.
type Gateway interface {
	Release(ctx context.Context, req TransferRequest) (*Receipt, error)
}

// GatewayFunc adapts a function to the Gateway interface.
type GatewayFunc func(ctx context.Context, req TransferRequest) (*Receipt, error)

// Release calls f.
func (f GatewayFunc) Release(ctx context.Context, req TransferRequest) (*Receipt, error) {
	return f(ctx, req)
}

// SyntheticGateway settles every transfer immediately with a generated
// transaction ID. Repeating an idempotency key returns the first receipt.
type SyntheticGateway struct {
	mu        sync.Mutex
	receipts  map[string]*Receipt
	transfers int
	now       func() time.Time
}

// NewSyntheticGateway creates a gateway that never fails.
func NewSyntheticGateway() *SyntheticGateway {
	return &SyntheticGateway{
		receipts: make(map[string]*Receipt),
		now:      time.Now,
	}
}

// Release settles req, or replays the receipt for a seen idempotency key.
func (g *SyntheticGateway) Release(ctx context.Context, req TransferRequest) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.IdempotencyKey == "" {
		return nil, fmt.Errorf("idempotency key required")
	}
	if req.Amount.IsNegative() {
		return nil, fmt.Errorf("negative transfer amount %s", req.Amount)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if r, ok := g.receipts[req.IdempotencyKey]; ok {
		replay := *r
		return &replay, nil
	}

	r := &Receipt{
		TransactionID: "txn_" + uuid.NewString(),
		Amount:        req.Amount,
		SettledAt:     g.now(),
	}
	g.receipts[req.IdempotencyKey] = r
	g.transfers++

	out := *r
	return &out, nil
}

// Transfers returns how many distinct transfers were settled.
func (g *SyntheticGateway) Transfers() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.transfers
}
