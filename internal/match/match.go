// Package match is the Matching Engine (SPEC_FULL.md §4.3 / spec.md
// §4.3): a pure, synchronous algorithm over the Book State Store that
// produces a deterministic sequence of fill intents. It generalizes the
// teacher's OrderBook.FindMatches (a non-mutating peek) into the full
// self-trade-aware, TIF-aware walk spec.md describes.
//
// Matching never mutates the book: Walk visits resting orders in
// priority order via Book.WalkSide and accumulates a Plan describing
// what would happen. The book is only mutated once a Step actually
// settles (internal/settle), so a failed settlement can abandon the
// remainder of a Plan and recompute against the book's real state
// without having to undo speculative writes. A side effect of walking
// instead of removing-then-restoring: self-trade SKIP candidates are
// simply looked past, never detached from the book, so there is
// nothing to "restore" afterwards — the order was never disturbed.
package match

import (
	"github.com/shopspring/decimal"

	"clobcore/internal/apierr"
	"clobcore/internal/book"
	"clobcore/internal/model"
)

// Step is one prospective fill within a Plan: the taker crosses Maker for
// Quantity at Price (the maker's resting price).
type Step struct {
	Maker             *model.Order
	Price             decimal.Decimal
	Quantity          decimal.Decimal
	MakerFilledBefore decimal.Decimal // maker.Filled at the moment this step was planned, for intent_id hashing
}

// Plan is the deterministic output of a matching walk.
type Plan struct {
	Steps               []Step
	TakerFillQty        decimal.Decimal
	TakerRemaining      decimal.Decimal
	AutoCancelledMakers []*model.Order // self_trade_policy=CANCEL_MAKER victims
	TakerSelfCancelled  bool           // self_trade_policy=CANCEL_TAKER triggered
}

func oppositeSide(s model.Side) model.Side {
	if s == model.SideBuy {
		return model.SideSell
	}
	return model.SideBuy
}

func crosses(taker *model.Order, maker *model.Order) bool {
	if taker.Mode == model.ModeMarket {
		return true
	}
	if taker.Side == model.SideBuy {
		return taker.Price.GreaterThanOrEqual(*maker.Price)
	}
	return taker.Price.LessThanOrEqual(*maker.Price)
}

// Walk computes the Plan for taker against b without mutating b. taker is
// not yet inserted into the book. policy governs self-trade handling
// (spec.md §4.3 step 3 / SPEC_FULL.md §10 self_trade_policy).
func Walk(b *book.Book, taker *model.Order, policy model.SelfTradePolicy) *Plan {
	plan := &Plan{TakerRemaining: taker.Remaining(), TakerFillQty: decimal.Zero}
	depleted := map[string]decimal.Decimal{} // maker order_id -> remaining already consumed by this plan
	side := oppositeSide(taker.Side)

	b.WalkSide(side, func(maker *model.Order) bool {
		if plan.TakerRemaining.LessThanOrEqual(decimal.Zero) {
			return false
		}
		if maker.Owner == taker.Owner {
			switch policy {
			case model.SelfTradeCancelTaker:
				plan.TakerSelfCancelled = true
				return false
			case model.SelfTradeCancelMaker:
				plan.AutoCancelledMakers = append(plan.AutoCancelledMakers, maker)
				return true // keep walking past the cancelled maker
			default: // SKIP
				return true // leave the maker resting, look at the next one
			}
		}
		if !crosses(taker, maker) {
			return false
		}
		makerRemaining, ok := depleted[maker.OrderID]
		if !ok {
			makerRemaining = maker.Remaining()
		}
		qty := decimal.Min(plan.TakerRemaining, makerRemaining)
		plan.Steps = append(plan.Steps, Step{
			Maker:             maker,
			Price:             *maker.Price,
			Quantity:          qty,
			MakerFilledBefore: maker.Filled,
		})
		plan.TakerFillQty = plan.TakerFillQty.Add(qty)
		plan.TakerRemaining = plan.TakerRemaining.Sub(qty)
		depleted[maker.OrderID] = makerRemaining.Sub(qty)
		return plan.TakerRemaining.GreaterThan(decimal.Zero)
	})
	return plan
}

// CheckFOK performs the dry walk spec.md §4.3 requires before any FOK
// order emits intents: if the plan cannot fill the order's full quantity,
// it returns FOK_UNFILLABLE and the caller must emit zero intents.
func CheckFOK(b *book.Book, taker *model.Order, policy model.SelfTradePolicy) (*Plan, error) {
	plan := Walk(b, taker, policy)
	if plan.TakerSelfCancelled || plan.TakerRemaining.GreaterThan(decimal.Zero) {
		return nil, apierr.New(apierr.CodeFOKUnfillable, "order %s: only %s of %s fillable", taker.OrderID, plan.TakerFillQty, taker.Quantity)
	}
	return plan, nil
}
