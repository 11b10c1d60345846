package pairactor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"clobcore/internal/ala"
	"clobcore/internal/model"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func price(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func newTestActor(t *testing.T, ledger ala.Ledger) *Actor {
	t.Helper()
	pair := model.TradingPair{Symbol: "BTC/USD", Base: "BTC", Quote: "USD", Status: model.PairActive}
	cfg := Config{SlippageBuffer: dec("0.05"), SelfTradePolicy: model.SelfTradeSkip, BookDepth: 50}
	a := New(pair, cfg, ledger, nil, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go a.Run(ctx)
	return a
}

func TestPlaceOrderRestsUnmatchedGTCLimit(t *testing.T) {
	ledger := ala.NewMemLedger()
	ledger.Deposit("u1", "USD", dec("1000"))
	a := newTestActor(t, ledger)

	res := a.PlaceOrder(model.PlaceOrderRequest{Owner: "u1", Pair: "BTC/USD", Side: model.SideBuy, Mode: model.ModeLimit,
		Price: price("50"), Quantity: dec("2"), TIF: model.TIFGTC})

	if res.Status != model.StatusOpen {
		t.Fatalf("expected order to rest OPEN, got %+v", res)
	}
	if a.Book().Size() != 1 {
		t.Fatalf("expected 1 resting order, got %d", a.Book().Size())
	}
}

func TestPlaceOrderMatchesRestingOrderAndSettles(t *testing.T) {
	ledger := ala.NewMemLedger()
	ledger.Deposit("seller", "BTC", dec("10"))
	ledger.Deposit("buyer", "USD", dec("1000"))
	a := newTestActor(t, ledger)

	makerRes := a.PlaceOrder(model.PlaceOrderRequest{Owner: "seller", Pair: "BTC/USD", Side: model.SideSell, Mode: model.ModeLimit,
		Price: price("50"), Quantity: dec("5"), TIF: model.TIFGTC})
	if makerRes.Status != model.StatusOpen {
		t.Fatalf("expected maker to rest, got %+v", makerRes)
	}

	takerRes := a.PlaceOrder(model.PlaceOrderRequest{Owner: "buyer", Pair: "BTC/USD", Side: model.SideBuy, Mode: model.ModeLimit,
		Price: price("50"), Quantity: dec("3"), TIF: model.TIFGTC})
	if takerRes.Status != model.StatusFilled {
		t.Fatalf("expected taker to be fully filled, got %+v", takerRes)
	}
	if len(takerRes.Trades) != 1 || !takerRes.Trades[0].Quantity.Equal(dec("3")) {
		t.Fatalf("expected 1 trade of qty 3, got %+v", takerRes.Trades)
	}

	buyerBase, _ := ledger.Balance("buyer", "BTC")
	if !buyerBase.Equal(dec("3")) {
		t.Fatalf("expected buyer to receive 3 BTC, got %s", buyerBase)
	}
}

func TestPlaceOrderIOCCancelsUnfilledResidual(t *testing.T) {
	ledger := ala.NewMemLedger()
	ledger.Deposit("seller", "BTC", dec("2"))
	ledger.Deposit("buyer", "USD", dec("1000"))
	a := newTestActor(t, ledger)

	a.PlaceOrder(model.PlaceOrderRequest{Owner: "seller", Pair: "BTC/USD", Side: model.SideSell, Mode: model.ModeLimit,
		Price: price("50"), Quantity: dec("2"), TIF: model.TIFGTC})

	res := a.PlaceOrder(model.PlaceOrderRequest{Owner: "buyer", Pair: "BTC/USD", Side: model.SideBuy, Mode: model.ModeLimit,
		Price: price("50"), Quantity: dec("5"), TIF: model.TIFIOC})

	if res.Status != model.StatusCancelled {
		t.Fatalf("expected IOC residual to cancel, got %+v", res)
	}
	if len(res.Trades) != 1 || !res.Trades[0].Quantity.Equal(dec("2")) {
		t.Fatalf("expected partial fill of 2 before cancel, got %+v", res.Trades)
	}
	if a.Book().Size() != 0 {
		t.Fatal("expected IOC order to never rest")
	}
}

func TestPlaceOrderFOKUnfillableCancelsWithoutLocking(t *testing.T) {
	ledger := ala.NewMemLedger()
	ledger.Deposit("seller", "BTC", dec("2"))
	ledger.Deposit("buyer", "USD", dec("1000"))
	a := newTestActor(t, ledger)

	a.PlaceOrder(model.PlaceOrderRequest{Owner: "seller", Pair: "BTC/USD", Side: model.SideSell, Mode: model.ModeLimit,
		Price: price("50"), Quantity: dec("2"), TIF: model.TIFGTC})

	res := a.PlaceOrder(model.PlaceOrderRequest{Owner: "buyer", Pair: "BTC/USD", Side: model.SideBuy, Mode: model.ModeLimit,
		Price: price("50"), Quantity: dec("5"), TIF: model.TIFFOK})

	if res.Status != model.StatusCancelled {
		t.Fatalf("expected unfillable FOK to cancel, got %+v", res)
	}
	if len(res.Trades) != 0 {
		t.Fatalf("expected no trades for unfillable FOK, got %+v", res.Trades)
	}

	avail, locked := ledger.Balance("buyer", "USD")
	if !avail.Equal(dec("1000")) || !locked.Equal(dec("0")) {
		t.Fatalf("expected FOK rejection to release any lock, available=%s locked=%s", avail, locked)
	}
}

func TestPlaceOrderSelfTradeCancelTaker(t *testing.T) {
	ledger := ala.NewMemLedger()
	ledger.Deposit("u1", "BTC", dec("5"))
	ledger.Deposit("u1", "USD", dec("1000"))

	pair := model.TradingPair{Symbol: "BTC/USD", Base: "BTC", Quote: "USD", Status: model.PairActive}
	cfg := Config{SlippageBuffer: dec("0.05"), SelfTradePolicy: model.SelfTradeCancelTaker, BookDepth: 50}
	a := New(pair, cfg, ledger, nil, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	a.PlaceOrder(model.PlaceOrderRequest{Owner: "u1", Pair: "BTC/USD", Side: model.SideSell, Mode: model.ModeLimit,
		Price: price("50"), Quantity: dec("5"), TIF: model.TIFGTC})

	res := a.PlaceOrder(model.PlaceOrderRequest{Owner: "u1", Pair: "BTC/USD", Side: model.SideBuy, Mode: model.ModeLimit,
		Price: price("50"), Quantity: dec("3"), TIF: model.TIFGTC})

	if res.Status != model.StatusCancelled {
		t.Fatalf("expected self-trading taker to be cancelled, got %+v", res)
	}
	if a.Book().Size() != 1 {
		t.Fatalf("expected the resting maker to remain untouched, got size %d", a.Book().Size())
	}
}

func TestFreezeRejectsNewPlacementsButAllowsCancel(t *testing.T) {
	ledger := ala.NewMemLedger()
	ledger.Deposit("u1", "USD", dec("1000"))
	a := newTestActor(t, ledger)

	placed := a.PlaceOrder(model.PlaceOrderRequest{Owner: "u1", Pair: "BTC/USD", Side: model.SideBuy, Mode: model.ModeLimit,
		Price: price("40"), Quantity: dec("2"), TIF: model.TIFGTC})
	if placed.Status != model.StatusOpen {
		t.Fatalf("expected order to rest before freeze, got %+v", placed)
	}

	if err := a.Freeze(); err != nil {
		t.Fatal(err)
	}

	rejected := a.PlaceOrder(model.PlaceOrderRequest{Owner: "u1", Pair: "BTC/USD", Side: model.SideBuy, Mode: model.ModeLimit,
		Price: price("40"), Quantity: dec("1"), TIF: model.TIFGTC})
	if rejected.Status != model.StatusRejected {
		t.Fatalf("expected placement to be rejected while frozen, got %+v", rejected)
	}

	if err := a.CancelOrder(placed.OrderID, "u1"); err != nil {
		t.Fatalf("expected cancel to still succeed while frozen, got %v", err)
	}
}

func TestCancelOrderReleasesResidualLock(t *testing.T) {
	ledger := ala.NewMemLedger()
	ledger.Deposit("u1", "USD", dec("1000"))
	a := newTestActor(t, ledger)

	res := a.PlaceOrder(model.PlaceOrderRequest{Owner: "u1", Pair: "BTC/USD", Side: model.SideBuy, Mode: model.ModeLimit,
		Price: price("50"), Quantity: dec("2"), TIF: model.TIFGTC})

	avail, locked := ledger.Balance("u1", "USD")
	if !avail.Equal(dec("900")) || !locked.Equal(dec("100")) {
		t.Fatalf("expected 100 USD locked after resting, available=%s locked=%s", avail, locked)
	}

	if err := a.CancelOrder(res.OrderID, "u1"); err != nil {
		t.Fatal(err)
	}

	avail, locked = ledger.Balance("u1", "USD")
	if !avail.Equal(dec("1000")) || !locked.Equal(dec("0")) {
		t.Fatalf("expected full lock released after cancel, available=%s locked=%s", avail, locked)
	}
}

func TestCancelOrderRejectsWrongOwner(t *testing.T) {
	ledger := ala.NewMemLedger()
	ledger.Deposit("u1", "USD", dec("1000"))
	a := newTestActor(t, ledger)

	res := a.PlaceOrder(model.PlaceOrderRequest{Owner: "u1", Pair: "BTC/USD", Side: model.SideBuy, Mode: model.ModeLimit,
		Price: price("50"), Quantity: dec("2"), TIF: model.TIFGTC})

	if err := a.CancelOrder(res.OrderID, "intruder"); err == nil {
		t.Fatal("expected cancel by a non-owner to fail")
	}
}

// drainTimeout is a bound for waiting on the actor's command channel; no
// test in this file uses it, so PlaceOrder and CancelOrder here wait
// without a timeout.
const drainTimeout = 2 * time.Second
