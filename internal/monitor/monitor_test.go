package monitor

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

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

type fakePlacer struct {
	calls []model.PlaceOrderRequest
}

func (f *fakePlacer) PlaceOrder(req model.PlaceOrderRequest) model.PlaceOrderResult {
	f.calls = append(f.calls, req)
	return model.PlaceOrderResult{OrderID: "fake", Status: model.StatusFilled}
}

func TestOnTradeFiresStopLossWhenPriceFallsToOrBelow(t *testing.T) {
	m := New(zerolog.Nop())
	placer := &fakePlacer{}
	m.RegisterPair("BTC/USD", placer)
	m.Register(Trigger{ID: "t1", Owner: "u1", Pair: "BTC/USD", Side: model.SideSell, Quantity: dec("1"), StopLoss: price("40")})

	m.OnTrade("BTC/USD", dec("41"))
	if len(placer.calls) != 0 {
		t.Fatalf("expected no fire above stop-loss, got %d calls", len(placer.calls))
	}

	m.OnTrade("BTC/USD", dec("40"))
	if len(placer.calls) != 1 {
		t.Fatalf("expected stop-loss to fire at the boundary price, got %d calls", len(placer.calls))
	}
	if placer.calls[0].Side != model.SideSell || placer.calls[0].Mode != model.ModeMarket || placer.calls[0].TIF != model.TIFIOC {
		t.Fatalf("expected a MARKET/IOC sell order, got %+v", placer.calls[0])
	}
}

func TestOnTradeFiresTakeProfitWhenPriceRisesToOrAbove(t *testing.T) {
	m := New(zerolog.Nop())
	placer := &fakePlacer{}
	m.RegisterPair("BTC/USD", placer)
	m.Register(Trigger{ID: "t1", Owner: "u1", Pair: "BTC/USD", Side: model.SideSell, Quantity: dec("1"), TakeProfit: price("60")})

	m.OnTrade("BTC/USD", dec("59"))
	if len(placer.calls) != 0 {
		t.Fatalf("expected no fire below take-profit, got %d calls", len(placer.calls))
	}
	m.OnTrade("BTC/USD", dec("61"))
	if len(placer.calls) != 1 {
		t.Fatalf("expected take-profit to fire, got %d calls", len(placer.calls))
	}
}

func TestTriggerFiresOnlyOnce(t *testing.T) {
	m := New(zerolog.Nop())
	placer := &fakePlacer{}
	m.RegisterPair("BTC/USD", placer)
	m.Register(Trigger{ID: "t1", Owner: "u1", Pair: "BTC/USD", Side: model.SideSell, Quantity: dec("1"), StopLoss: price("40")})

	m.OnTrade("BTC/USD", dec("30"))
	m.OnTrade("BTC/USD", dec("20"))
	if len(placer.calls) != 1 {
		t.Fatalf("expected the trigger to fire exactly once, got %d calls", len(placer.calls))
	}
}

func TestRegisterIgnoresTriggerWithNeitherBound(t *testing.T) {
	m := New(zerolog.Nop())
	placer := &fakePlacer{}
	m.RegisterPair("BTC/USD", placer)
	m.Register(Trigger{ID: "t1", Owner: "u1", Pair: "BTC/USD", Side: model.SideSell, Quantity: dec("1")})

	m.OnTrade("BTC/USD", dec("1"))
	if len(placer.calls) != 0 {
		t.Fatalf("expected a trigger with no bounds to never fire, got %d calls", len(placer.calls))
	}
}

func TestCancelRemovesTriggerBeforeItFires(t *testing.T) {
	m := New(zerolog.Nop())
	placer := &fakePlacer{}
	m.RegisterPair("BTC/USD", placer)
	m.Register(Trigger{ID: "t1", Owner: "u1", Pair: "BTC/USD", Side: model.SideSell, Quantity: dec("1"), StopLoss: price("40")})

	m.Cancel("BTC/USD", "t1")
	m.OnTrade("BTC/USD", dec("30"))
	if len(placer.calls) != 0 {
		t.Fatalf("expected cancelled trigger to never fire, got %d calls", len(placer.calls))
	}
}

func TestOnTradeWithUnregisteredPairIsNoop(t *testing.T) {
	m := New(zerolog.Nop())
	m.OnTrade("ETH/USD", dec("100")) // no actor registered, no triggers: must not panic
}
