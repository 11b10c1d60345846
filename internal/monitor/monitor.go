// Package monitor is SPEC_FULL.md §12's supplemented resident stop-loss
// / take-profit monitor: it watches trade ticks and submits a MARKET
// order through a pair's actor once a registered trigger price is
// crossed. No teacher analogue exists. The monitor runs no goroutine of
// its own: a mutex guards its state, and OnTrade is called synchronously
// for each trade tick rather than polling.
package monitor

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"clobcore/internal/model"
)

// Placer is the subset of pairactor.Actor the monitor needs. Kept as an
// interface so tests can substitute a fake without constructing a real
// actor and ledger.
type Placer interface {
	PlaceOrder(req model.PlaceOrderRequest) model.PlaceOrderResult
}

// Trigger is one resident stop-loss/take-profit order: when the pair's
// trade price crosses StopLoss (falls to or below) or TakeProfit (rises
// to or above), Monitor submits a MARKET order of Quantity on Side.
type Trigger struct {
	ID         string
	Owner      string
	Pair       string
	Side       model.Side
	Quantity   decimal.Decimal
	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal
}

func (t Trigger) crossed(price decimal.Decimal) bool {
	if t.StopLoss != nil && price.LessThanOrEqual(*t.StopLoss) {
		return true
	}
	if t.TakeProfit != nil && price.GreaterThanOrEqual(*t.TakeProfit) {
		return true
	}
	return false
}

// Monitor holds the live set of triggers per pair and the pair actors
// used to submit the resulting MARKET orders.
type Monitor struct {
	mu     sync.Mutex
	byPair map[string]map[string]Trigger // pair -> trigger id -> Trigger
	actors map[string]Placer
	log    zerolog.Logger
}

func New(log zerolog.Logger) *Monitor {
	return &Monitor{
		byPair: make(map[string]map[string]Trigger),
		actors: make(map[string]Placer),
		log:    log.With().Str("component", "monitor").Logger(),
	}
}

// RegisterPair associates a pair with the actor that should receive the
// MARKET orders its triggers generate.
func (m *Monitor) RegisterPair(pair string, actor Placer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actors[pair] = actor
}

// Register adds a stop-loss/take-profit trigger. A PlaceOrderRequest
// carrying StopLoss or TakeProfit is registered here by internal/api
// once the originating order is admitted.
func (m *Monitor) Register(t Trigger) {
	if t.StopLoss == nil && t.TakeProfit == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byPair[t.Pair] == nil {
		m.byPair[t.Pair] = make(map[string]Trigger)
	}
	m.byPair[t.Pair][t.ID] = t
}

// Cancel removes a trigger before it fires (e.g. its parent order was
// cancelled or filled through normal matching).
func (m *Monitor) Cancel(pair, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byPair[pair], id)
}

// OnTrade is called for every trade the pair produces (wired into the
// settlement Publish callback in cmd/server). It evaluates every
// registered trigger for the pair against the trade price and fires any
// that have crossed.
func (m *Monitor) OnTrade(pair string, price decimal.Decimal) {
	m.mu.Lock()
	actor := m.actors[pair]
	var fired []Trigger
	for id, t := range m.byPair[pair] {
		if t.crossed(price) {
			fired = append(fired, t)
			delete(m.byPair[pair], id)
		}
	}
	m.mu.Unlock()

	if actor == nil {
		return
	}
	for _, t := range fired {
		res := actor.PlaceOrder(model.PlaceOrderRequest{
			Owner:    t.Owner,
			Pair:     t.Pair,
			Side:     t.Side,
			Mode:     model.ModeMarket,
			Quantity: t.Quantity,
			TIF:      model.TIFIOC,
		})
		m.log.Info().Str("trigger", t.ID).Str("owner", t.Owner).Str("pair", t.Pair).
			Str("status", string(res.Status)).Msg("stop-loss/take-profit fired")
	}
}
