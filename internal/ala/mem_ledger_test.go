package ala

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"clobcore/internal/apierr"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestLockDeductsAvailableAndAddsLocked(t *testing.T) {
	ctx := context.Background()
	m := NewMemLedger()
	m.Deposit("u1", "USD", dec("100"))

	h, err := m.Lock(ctx, "u1", "USD", dec("40"), "n1")
	if err != nil {
		t.Fatal(err)
	}
	if h == "" {
		t.Fatal("expected non-empty lock handle")
	}
	avail, locked := m.Balance("u1", "USD")
	if !avail.Equal(dec("60")) || !locked.Equal(dec("40")) {
		t.Fatalf("expected available=60 locked=40, got available=%s locked=%s", avail, locked)
	}
}

func TestLockIsIdempotentOnNonce(t *testing.T) {
	ctx := context.Background()
	m := NewMemLedger()
	m.Deposit("u1", "USD", dec("100"))

	h1, err := m.Lock(ctx, "u1", "USD", dec("40"), "n1")
	if err != nil {
		t.Fatal(err)
	}
	h2, err := m.Lock(ctx, "u1", "USD", dec("40"), "n1")
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatalf("expected same handle on retry with same nonce, got %s vs %s", h1, h2)
	}
	avail, _ := m.Balance("u1", "USD")
	if !avail.Equal(dec("60")) {
		t.Fatalf("expected lock to be applied only once, available=%s", avail)
	}
}

func TestLockRejectsInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	m := NewMemLedger()
	m.Deposit("u1", "USD", dec("10"))

	_, err := m.Lock(ctx, "u1", "USD", dec("40"), "n1")
	if err == nil {
		t.Fatal("expected insufficient funds error")
	}
	ae, ok := apierr.As(err)
	if !ok || ae.Code != apierr.CodeInsufficientFunds {
		t.Fatalf("expected CodeInsufficientFunds, got %v", err)
	}
}

func TestSettleIsIdempotentOnIntentID(t *testing.T) {
	ctx := context.Background()
	m := NewMemLedger()
	m.Deposit("buyer", "USD", dec("1000"))
	m.Deposit("seller", "BTC", dec("10"))
	buyLock, _ := m.Lock(ctx, "buyer", "USD", dec("500"), "n1")
	sellLock, _ := m.Lock(ctx, "seller", "BTC", dec("10"), "n2")

	req := SettleRequest{IntentID: "intent-1", BuyLock: buyLock, SellLock: sellLock, BaseQty: dec("5"), QuoteQty: dec("250")}
	res1, err := m.Settle(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	res2, err := m.Settle(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if res1.SettlementID != res2.SettlementID {
		t.Fatal("expected the same settlement id on retry")
	}

	buyerBase, _ := m.Balance("buyer", "BTC")
	if !buyerBase.Equal(dec("5")) {
		t.Fatalf("expected settlement to apply only once, buyer base=%s", buyerBase)
	}
}

func TestSettleUnknownLockReturnsLockInvalid(t *testing.T) {
	ctx := context.Background()
	m := NewMemLedger()
	m.Deposit("seller", "BTC", dec("10"))
	sellLock, _ := m.Lock(ctx, "seller", "BTC", dec("10"), "n2")

	_, err := m.Settle(ctx, SettleRequest{IntentID: "i1", BuyLock: "bogus", SellLock: sellLock, BaseQty: dec("5"), QuoteQty: dec("250")})
	ae, ok := apierr.As(err)
	if !ok || ae.Code != apierr.CodeLockInvalid {
		t.Fatalf("expected CodeLockInvalid, got %v", err)
	}
}

func TestSettleAmountExceedingLockReturnsAmountMismatch(t *testing.T) {
	ctx := context.Background()
	m := NewMemLedger()
	m.Deposit("buyer", "USD", dec("1000"))
	m.Deposit("seller", "BTC", dec("10"))
	buyLock, _ := m.Lock(ctx, "buyer", "USD", dec("100"), "n1")
	sellLock, _ := m.Lock(ctx, "seller", "BTC", dec("10"), "n2")

	_, err := m.Settle(ctx, SettleRequest{IntentID: "i1", BuyLock: buyLock, SellLock: sellLock, BaseQty: dec("5"), QuoteQty: dec("250")})
	ae, ok := apierr.As(err)
	if !ok || ae.Code != apierr.CodeAmountMismatch {
		t.Fatalf("expected CodeAmountMismatch, got %v", err)
	}
}

func TestSettleAfterUnlockReturnsLockInvalid(t *testing.T) {
	ctx := context.Background()
	m := NewMemLedger()
	m.Deposit("buyer", "USD", dec("1000"))
	m.Deposit("seller", "BTC", dec("10"))
	buyLock, _ := m.Lock(ctx, "buyer", "USD", dec("500"), "n1")
	sellLock, _ := m.Lock(ctx, "seller", "BTC", dec("10"), "n2")

	if err := m.Unlock(ctx, buyLock, dec("500")); err != nil {
		t.Fatal(err)
	}
	_, err := m.Settle(ctx, SettleRequest{IntentID: "i1", BuyLock: buyLock, SellLock: sellLock, BaseQty: dec("5"), QuoteQty: dec("250")})
	ae, ok := apierr.As(err)
	if !ok || ae.Code != apierr.CodeLockInvalid {
		t.Fatalf("expected dead lock to be LOCK_INVALID, got %v", err)
	}
}

func TestUnlockReturnsResidualToAvailableAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemLedger()
	m.Deposit("u1", "USD", dec("100"))
	h, _ := m.Lock(ctx, "u1", "USD", dec("40"), "n1")

	if err := m.Unlock(ctx, h, dec("40")); err != nil {
		t.Fatal(err)
	}
	avail, locked := m.Balance("u1", "USD")
	if !avail.Equal(dec("100")) || !locked.Equal(dec("0")) {
		t.Fatalf("expected full residual returned, available=%s locked=%s", avail, locked)
	}

	// Second unlock on the same handle is a no-op, not an error.
	if err := m.Unlock(ctx, h, dec("40")); err != nil {
		t.Fatal(err)
	}
	avail, locked = m.Balance("u1", "USD")
	if !avail.Equal(dec("100")) || !locked.Equal(dec("0")) {
		t.Fatalf("expected unlock to be idempotent, available=%s locked=%s", avail, locked)
	}
}

func TestEventsStreamsLockAndSettleEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := NewMemLedger()
	m.Deposit("buyer", "USD", dec("1000"))
	m.Deposit("seller", "BTC", dec("10"))

	ch, err := m.Events(ctx, "")
	if err != nil {
		t.Fatal(err)
	}

	buyLock, _ := m.Lock(ctx, "buyer", "USD", dec("500"), "n1")
	sellLock, _ := m.Lock(ctx, "seller", "BTC", dec("10"), "n2")
	if _, err := m.Settle(ctx, SettleRequest{IntentID: "i1", BuyLock: buyLock, SellLock: sellLock, BaseQty: dec("5"), QuoteQty: dec("250")}); err != nil {
		t.Fatal(err)
	}

	var kinds []EventKind
	for i := 0; i < 6; i++ {
		ev := <-ch
		kinds = append(kinds, ev.Kind)
	}
	want := []EventKind{EventCreated, EventCreated, EventConsumed, EventCredited, EventConsumed, EventCredited}
	if len(kinds) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(kinds))
	}
	for i, k := range want {
		if kinds[i] != k {
			t.Fatalf("event %d: expected %s, got %s", i, k, kinds[i])
		}
	}
}
