// Package ala is the Asset Ledger Adapter (SPEC_FULL.md §4.1 / spec.md
// §4.1): a narrow, ledger-agnostic façade over the external settlement
// ledger. The core never holds funds, only references to locks.
package ala

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// LockHandle is an opaque reference returned by the ledger identifying a
// locked asset holding.
type LockHandle string

// SettleRequest is the atomic two-legged transfer request for a single fill.
type SettleRequest struct {
	IntentID string
	BuyLock  LockHandle
	SellLock LockHandle
	BaseQty  decimal.Decimal
	QuoteQty decimal.Decimal
}

// SettleResult carries the settlement id and any residual lock handles the
// ledger issued for amounts that remained locked after the transfer.
type SettleResult struct {
	SettlementID     string
	BuyResidualLock  LockHandle
	SellResidualLock LockHandle
}

// EventKind distinguishes contract lifecycle events on the ledger's
// stream. internal/balance replays this stream to derive each party's
// available/locked view without ever treating it as authoritative.
type EventKind string

const (
	EventCreated  EventKind = "CREATED"  // Lock: amount moves available -> locked for Owner/Asset
	EventConsumed EventKind = "CONSUMED" // Settle leg: amount leaves Owner/Asset's locked balance, transferred out
	EventCredited EventKind = "CREDITED" // Settle leg: amount lands in Owner/Asset's available balance
	EventArchived EventKind = "ARCHIVED" // Unlock: amount moves locked -> available for Owner/Asset
)

// LedgerEvent is one entry of the restartable events() sequence.
type LedgerEvent struct {
	Offset string
	Kind   EventKind
	Owner  string
	Asset  string
	Amount decimal.Decimal
	At     time.Time
}

// Ledger is the capability set spec.md §4.1 requires: lock, settle, unlock,
// events. ala.HTTPLedger is the production implementation (HTTP+stream
// client to the external ledger); ala.MemLedger is the in-memory test
// double. No deeper inheritance is required (SPEC_FULL.md §9).
type Ledger interface {
	// Lock reserves amount of asset owned by owner into operator escrow.
	// Idempotent on (owner, asset, amount, nonce).
	Lock(ctx context.Context, owner, asset string, amount decimal.Decimal, nonce string) (LockHandle, error)

	// Settle executes the atomic two-legged transfer for one fill intent.
	// Idempotent on req.IntentID.
	Settle(ctx context.Context, req SettleRequest) (SettleResult, error)

	// Unlock returns residualAmount to the owner's available balance.
	// Idempotent on handle.
	Unlock(ctx context.Context, handle LockHandle, residualAmount decimal.Decimal) error

	// Events returns a channel of ledger events starting at fromOffset.
	// The channel closes when ctx is cancelled or at ledger shutdown.
	Events(ctx context.Context, fromOffset string) (<-chan LedgerEvent, error)
}

// RetryConfig mirrors SPEC_FULL.md §6's settle_retry configuration block.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	CapDelay    time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 5, BaseDelay: 2 * time.Second, CapDelay: 8 * time.Second}
}
