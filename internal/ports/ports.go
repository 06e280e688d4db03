// Package ports defines the outward-facing interfaces the engine drives:
// the broker account it reconciles against, the sink that receives
// target orders, and the operator notification channel. The engine is
// pure decision logic; anything that touches the outside world comes in
// through one of these.
package ports

import (
	"context"
	"time"
)

// Side is the direction of a target order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Order is one instruction emitted by a decision cycle. Quantities are
// whole units, already lot-rounded.
type Order struct {
	Symbol    string    `json:"symbol"`
	Side      Side      `json:"side"`
	Quantity  int64     `json:"quantity"`
	Price     float64   `json:"price"` // reference price at decision time
	TrancheID int       `json:"tranche_id"`
	Reason    string    `json:"reason"`
	CycleID   string    `json:"cycle_id"`
	IssuedAt  time.Time `json:"issued_at"`
}

// AccountState is the broker-confirmed view of the account.
type AccountState struct {
	Holdings map[string]int64 `json:"holdings"`
	Cash     float64          `json:"cash"`
}

// AccountProvider reads confirmed positions and cash from the broker.
// The engine treats this as ground truth during reconciliation.
type AccountProvider interface {
	Account(ctx context.Context) (AccountState, error)
}

// ExecutionSink receives the orders a cycle decides on. Implementations
// may print, journal, or forward to a live broker.
type ExecutionSink interface {
	Submit(ctx context.Context, orders []Order) error
}

// Notifier delivers operator-facing events such as guard triggers and
// risk halts.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string, string) error { return nil }
