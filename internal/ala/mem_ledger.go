package ala

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"clobcore/internal/apierr"
)

type memAccount struct {
	available decimal.Decimal
	locked    decimal.Decimal
}

type memLock struct {
	owner  string
	asset  string
	amount decimal.Decimal
	live   bool
}

// MemLedger is the in-memory test double for Ledger (spec.md §9: "one
// test double"). It is used by engine/settlement tests and local dev and
// implements the same idempotency and atomicity contract as HTTPLedger.
type MemLedger struct {
	mu       sync.Mutex
	accounts map[string]*memAccount // owner|asset -> account
	locks    map[LockHandle]*memLock
	nonces   map[string]LockHandle // owner|asset|amount|nonce -> handle, for idempotent Lock
	intents  map[string]SettleResult
	events   chan LedgerEvent
}

func NewMemLedger() *MemLedger {
	return &MemLedger{
		accounts: make(map[string]*memAccount),
		locks:    make(map[LockHandle]*memLock),
		nonces:   make(map[string]LockHandle),
		intents:  make(map[string]SettleResult),
		events:   make(chan LedgerEvent, 1024),
	}
}

func key(owner, asset string) string { return owner + "|" + asset }

// Deposit seeds an owner's available balance; a test/dev-only helper, not
// part of the Ledger interface (real ledgers receive deposits externally).
func (m *MemLedger) Deposit(owner, asset string, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.account(owner, asset)
	a.available = a.available.Add(amount)
}

func (m *MemLedger) account(owner, asset string) *memAccount {
	k := key(owner, asset)
	a, ok := m.accounts[k]
	if !ok {
		a = &memAccount{}
		m.accounts[k] = a
	}
	return a
}

func (m *MemLedger) Lock(ctx context.Context, owner, asset string, amount decimal.Decimal, nonce string) (LockHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nk := fmt.Sprintf("%s|%s|%s|%s", owner, asset, amount.String(), nonce)
	if h, ok := m.nonces[nk]; ok {
		return h, nil
	}

	a := m.account(owner, asset)
	if a.available.LessThan(amount) {
		return "", apierr.New(apierr.CodeInsufficientFunds, "owner %s has %s %s available, need %s", owner, a.available, asset, amount)
	}
	a.available = a.available.Sub(amount)
	a.locked = a.locked.Add(amount)

	h := LockHandle(uuid.New().String())
	m.locks[h] = &memLock{owner: owner, asset: asset, amount: amount, live: true}
	m.nonces[nk] = h

	m.emit(LedgerEvent{Offset: h.String(), Kind: EventCreated, Owner: owner, Asset: asset, Amount: amount, At: time.Now()})
	return h, nil
}

func (h LockHandle) String() string { return string(h) }

func (m *MemLedger) Settle(ctx context.Context, req SettleRequest) (SettleResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.intents[req.IntentID]; ok {
		return r, nil
	}

	buyLock, ok := m.locks[req.BuyLock]
	if !ok || !buyLock.live {
		return SettleResult{}, apierr.New(apierr.CodeLockInvalid, "buy lock %s invalid", req.BuyLock)
	}
	sellLock, ok := m.locks[req.SellLock]
	if !ok || !sellLock.live {
		return SettleResult{}, apierr.New(apierr.CodeLockInvalid, "sell lock %s invalid", req.SellLock)
	}
	if buyLock.amount.LessThan(req.QuoteQty) {
		return SettleResult{}, apierr.New(apierr.CodeAmountMismatch, "buy lock %s has %s, needs %s quote", req.BuyLock, buyLock.amount, req.QuoteQty)
	}
	if sellLock.amount.LessThan(req.BaseQty) {
		return SettleResult{}, apierr.New(apierr.CodeAmountMismatch, "sell lock %s has %s, needs %s base", req.SellLock, sellLock.amount, req.BaseQty)
	}

	// Leg 1: seller's base to buyer.
	buyerBase := m.account(buyLock.owner, sellLock.asset)
	buyerBase.available = buyerBase.available.Add(req.BaseQty)
	// Leg 2: buyer's quote to seller.
	sellerQuote := m.account(sellLock.owner, buyLock.asset)
	sellerQuote.available = sellerQuote.available.Add(req.QuoteQty)

	// Release the consumed lock amounts; whatever remains of each lock
	// stays locked under the same handle (spec.md allows a new handle for
	// residuals — this test double keeps the same handle for simplicity,
	// which is behaviourally equivalent since callers only treat it as an
	// opaque reference).
	buyAcct := m.account(buyLock.owner, buyLock.asset)
	buyAcct.locked = buyAcct.locked.Sub(req.QuoteQty)
	buyLock.amount = buyLock.amount.Sub(req.QuoteQty)

	sellAcct := m.account(sellLock.owner, sellLock.asset)
	sellAcct.locked = sellAcct.locked.Sub(req.BaseQty)
	sellLock.amount = sellLock.amount.Sub(req.BaseQty)

	now := time.Now()
	m.emit(LedgerEvent{Offset: req.IntentID + "-buy-consumed", Kind: EventConsumed, Owner: buyLock.owner, Asset: buyLock.asset, Amount: req.QuoteQty, At: now})
	m.emit(LedgerEvent{Offset: req.IntentID + "-sell-credited", Kind: EventCredited, Owner: sellLock.owner, Asset: buyLock.asset, Amount: req.QuoteQty, At: now})
	m.emit(LedgerEvent{Offset: req.IntentID + "-sell-consumed", Kind: EventConsumed, Owner: sellLock.owner, Asset: sellLock.asset, Amount: req.BaseQty, At: now})
	m.emit(LedgerEvent{Offset: req.IntentID + "-buy-credited", Kind: EventCredited, Owner: buyLock.owner, Asset: sellLock.asset, Amount: req.BaseQty, At: now})

	res := SettleResult{
		SettlementID:     uuid.New().String(),
		BuyResidualLock:  req.BuyLock,
		SellResidualLock: req.SellLock,
	}
	m.intents[req.IntentID] = res
	return res, nil
}

func (m *MemLedger) Unlock(ctx context.Context, handle LockHandle, residual decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[handle]
	if !ok {
		return nil // idempotent: already unlocked or never existed
	}
	if !l.live {
		return nil
	}
	a := m.account(l.owner, l.asset)
	a.locked = a.locked.Sub(residual)
	a.available = a.available.Add(residual)
	l.amount = l.amount.Sub(residual)
	l.live = false

	m.emit(LedgerEvent{Offset: handle.String() + "-unlock", Kind: EventArchived, Owner: l.owner, Asset: l.asset, Amount: residual, At: time.Now()})
	return nil
}

func (m *MemLedger) Events(ctx context.Context, fromOffset string) (<-chan LedgerEvent, error) {
	out := make(chan LedgerEvent, 256)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-m.events:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (m *MemLedger) emit(ev LedgerEvent) {
	select {
	case m.events <- ev:
	default:
	}
}

// Balance returns the current (available, locked) for owner/asset — a
// test helper mirroring what the balance cache (internal/balance) derives
// from the real ledger's event stream.
func (m *MemLedger) Balance(owner, asset string) (available, locked decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.account(owner, asset)
	return a.available, a.locked
}
