// Package admit is the Admission Layer (SPEC_FULL.md §4.6 / spec.md
// §4.6): validates order requests and computes the collateral a
// placement needs to lock, independent of transport. The teacher
// duplicates this logic between api.Server.placeOrder and
// engine.processOrder; this package collapses that duplication into one
// place that both internal/api and internal/pairactor call into.
package admit

import (
	"github.com/shopspring/decimal"

	"clobcore/internal/apierr"
	"clobcore/internal/book"
	"clobcore/internal/model"
)

var validTIFs = map[model.TIF]bool{model.TIFGTC: true, model.TIFIOC: true, model.TIFFOK: true}

// Validate checks the basic shape of a placement request: spec.md §4.6
// "validates pair is admitted, quantity > 0, price > 0 when LIMIT, tif ∈
// recognised set." Pair admission/status is checked by the caller, which
// knows the registry of admitted pairs.
func Validate(req model.PlaceOrderRequest) error {
	if req.Side != model.SideBuy && req.Side != model.SideSell {
		return apierr.New(apierr.CodeBadRequest, "side must be BUY or SELL")
	}
	if req.Mode != model.ModeLimit && req.Mode != model.ModeMarket {
		return apierr.New(apierr.CodeBadRequest, "mode must be LIMIT or MARKET")
	}
	if !validTIFs[req.TIF] {
		return apierr.New(apierr.CodeBadRequest, "tif must be one of GTC, IOC, FOK")
	}
	if req.Quantity.LessThanOrEqual(decimal.Zero) {
		return apierr.New(apierr.CodeBadRequest, "quantity must be > 0")
	}
	if req.Mode == model.ModeLimit {
		if req.Price == nil || req.Price.LessThanOrEqual(decimal.Zero) {
			return apierr.New(apierr.CodeBadRequest, "price must be > 0 for LIMIT orders")
		}
	}
	if req.Mode == model.ModeMarket && req.Price != nil {
		return apierr.New(apierr.CodeBadRequest, "price must be absent for MARKET orders")
	}
	return nil
}

// LockRequirement is the asset and amount Admission must reserve via
// ALA.Lock before the order is admitted to the book.
type LockRequirement struct {
	Asset  string
	Amount decimal.Decimal
}

// RequiredLock computes spec.md §4.6's collateral formula: BUY requires
// trade_price × quantity QUOTE (LIMIT) or best_ask × quantity QUOTE plus a
// slippage buffer (MARKET); SELL requires quantity BASE. slippageBuffer is
// a fraction (0.05 = 5%), SPEC_FULL.md §6 market_slippage_buffer.
func RequiredLock(req model.PlaceOrderRequest, pair model.TradingPair, b *book.Book, slippageBuffer decimal.Decimal) (LockRequirement, error) {
	if req.Side == model.SideSell {
		return LockRequirement{Asset: pair.Base, Amount: req.Quantity}, nil
	}

	// BUY
	if req.Mode == model.ModeLimit {
		return LockRequirement{Asset: pair.Quote, Amount: req.Price.Mul(req.Quantity)}, nil
	}

	// MARKET BUY: conservative estimate off the current best ask.
	bestAsk := b.BestAsk()
	if bestAsk == nil {
		return LockRequirement{}, apierr.New(apierr.CodeNoLiquidity, "no resting ask to price a MARKET buy")
	}
	notional := bestAsk.Price.Mul(req.Quantity)
	buffered := notional.Mul(decimal.NewFromInt(1).Add(slippageBuffer))
	return LockRequirement{Asset: pair.Quote, Amount: buffered}, nil
}

// CheckLiquidity enforces spec.md §8's boundary rule: a MARKET order
// against an empty opposite side is rejected, never left resting (MARKET
// orders never rest, SPEC_FULL.md §4.2).
func CheckLiquidity(req model.PlaceOrderRequest, b *book.Book) error {
	if req.Mode != model.ModeMarket {
		return nil
	}
	opposite := b.BestAsk()
	if req.Side == model.SideSell {
		opposite = b.BestBid()
	}
	if opposite == nil {
		return apierr.New(apierr.CodeNoLiquidity, "no liquidity for MARKET order")
	}
	return nil
}
