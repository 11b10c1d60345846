// Package settle is the Settlement Driver (SPEC_FULL.md §4.4 / spec.md
// §4.4): turns matching-engine fill intents into idempotent settlement
// commands against the Asset Ledger Adapter, and only then updates the
// Book State Store. No fill is observable to subscribers until the
// corresponding ALA.Settle has succeeded.
//
// Generalizes the teacher's engine.processOrder fill loop, which settled
// directly against its own Postgres wallet table inside one SQL
// transaction; here settlement against the external ledger is the
// authority and Postgres (internal/db) is only a journal/cache.
package settle

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"clobcore/internal/ala"
	"clobcore/internal/apierr"
	"clobcore/internal/book"
	"clobcore/internal/match"
	"clobcore/internal/model"
	"clobcore/internal/seq"
)

// Publish broadcasts an Event Bus message for a pair. Wired to
// internal/ws.Hub.Publish in cmd/server.
type Publish func(pair, channel string, data any)

// LockInvalidErr signals that a maker or taker lock vanished out-of-band
// (spec.md §4.4 step 5): both orders are cancelled defensively and the
// caller must re-enter the matching engine for the pair with the taker's
// residual quantity, since the book state actually changed.
type LockInvalidErr struct {
	Intent  FillIntent
	Wrapped *apierr.Error
}

func (e *LockInvalidErr) Error() string { return e.Wrapped.Error() }
func (e *LockInvalidErr) Unwrap() error { return e.Wrapped }

// FrozenErr signals that the ledger was unavailable past the retry
// deadline (spec.md §4.4 step 6 / §7): the pair is frozen for new
// admissions until operator intervention.
type FrozenErr struct {
	Pair    string
	Wrapped *apierr.Error
}

func (e *FrozenErr) Error() string { return fmt.Sprintf("pair %s frozen: %v", e.Pair, e.Wrapped) }
func (e *FrozenErr) Unwrap() error { return e.Wrapped }

// FillIntent is the tentative, pre-settlement description of a trade
// spec.md's glossary defines — produced from a match.Step, consumed here.
type FillIntent struct {
	IntentID         string
	Pair             string
	BuyOrder         *model.Order
	SellOrder        *model.Order
	TradePrice       decimal.Decimal
	TradeQty         decimal.Decimal
	MakerSide        model.Side
	BuyFilledBefore  decimal.Decimal
	SellFilledBefore decimal.Decimal
}

// intentID computes spec.md §4.4's deterministic idempotency key:
// hash(pair, b.order_id, s.order_id, b.filled_before, s.filled_before, trade_qty).
// Keccak256 is used because it is already the hash primitive present across
// several retrieved examples (0xtitan6-polymarket-mm, uhyunpark-hyperlicked,
// web3guy0-polybot) rather than hand-rolling FNV/SHA glue for this one spot.
func intentID(pair string, buyID, sellID string, buyFilledBefore, sellFilledBefore, qty decimal.Decimal) string {
	canon := fmt.Sprintf("%s|%s|%s|%s|%s|%s", pair, buyID, sellID, buyFilledBefore.String(), sellFilledBefore.String(), qty.String())
	h := crypto.Keccak256([]byte(canon))
	return fmt.Sprintf("%x", h)
}

// Driver executes fill intents against a Ledger and reconciles results
// into a Book. One Driver instance is shared across pairs; callers
// serialize per pair (SPEC_FULL.md §5 — the pair actor).
type Driver struct {
	ledger ala.Ledger
	log    zerolog.Logger
}

func New(ledger ala.Ledger, log zerolog.Logger) *Driver {
	return &Driver{ledger: ledger, log: log.With().Str("component", "settle").Logger()}
}

// Execute settles every step of plan against b in order, publishing each
// resulting Trade. If a step hits LOCK_INVALID it returns *LockInvalidErr
// with the trades produced so far — the caller should apply those,
// re-walk the matching engine for the pair, and retry the remainder. If a
// step's ledger retries are exhausted, it returns *FrozenErr; any other
// non-retryable ledger error is returned as its *apierr.Error.
func (d *Driver) Execute(ctx context.Context, b *book.Book, pair string, taker *model.Order, plan *match.Plan, pub Publish) ([]model.Trade, error) {
	var trades []model.Trade
	takerFilledBefore := taker.Filled

	for _, step := range plan.Steps {
		var buyOrder, sellOrder *model.Order
		var buyFilledBefore, sellFilledBefore decimal.Decimal
		if taker.Side == model.SideBuy {
			buyOrder, sellOrder = taker, step.Maker
			buyFilledBefore, sellFilledBefore = takerFilledBefore, step.MakerFilledBefore
		} else {
			buyOrder, sellOrder = step.Maker, taker
			buyFilledBefore, sellFilledBefore = step.MakerFilledBefore, takerFilledBefore
		}

		id := intentID(pair, buyOrder.OrderID, sellOrder.OrderID, buyFilledBefore, sellFilledBefore, step.Quantity)
		quoteQty := step.Price.Mul(step.Quantity)

		res, err := d.ledger.Settle(ctx, ala.SettleRequest{
			IntentID: id,
			BuyLock:  ala.LockHandle(buyOrder.LockHandle),
			SellLock: ala.LockHandle(sellOrder.LockHandle),
			BaseQty:  step.Quantity,
			QuoteQty: quoteQty,
		})
		if err != nil {
			ae, _ := apierr.As(err)
			if ae == nil {
				ae = apierr.New(apierr.CodeLedgerUnavailable, "%v", err)
			}
			intent := FillIntent{IntentID: id, Pair: pair, BuyOrder: buyOrder, SellOrder: sellOrder, TradePrice: step.Price, TradeQty: step.Quantity}
			if ae.Code == apierr.CodeLockInvalid {
				d.cancelDefensively(buyOrder, sellOrder, pair, pub)
				return trades, &LockInvalidErr{Intent: intent, Wrapped: ae}
			}
			if !ae.Retryable() {
				return trades, ae
			}
			return trades, &FrozenErr{Pair: pair, Wrapped: ae}
		}

		// The taker is not resting in the book, so its fill is applied to
		// the order directly; the maker's fill goes through the book.
		for _, o := range []*model.Order{buyOrder, sellOrder} {
			if o == taker {
				o.Filled = o.Filled.Add(step.Quantity)
				continue
			}
			if _, err := b.Fill(o.OrderID, step.Quantity); err != nil {
				d.log.Error().Err(err).Str("pair", pair).Str("order", o.OrderID).Msg("index corrupt applying fill")
			}
		}
		buyOrder.LockHandle = string(res.BuyResidualLock)
		sellOrder.LockHandle = string(res.SellResidualLock)

		makerSide := model.SideSell
		if step.Maker == buyOrder {
			makerSide = model.SideBuy
		}
		trade := model.Trade{
			TradeID:     res.SettlementID,
			Pair:        pair,
			Price:       step.Price,
			Quantity:    step.Quantity,
			Buyer:       buyOrder.Owner,
			Seller:      sellOrder.Owner,
			BuyOrderID:  buyOrder.OrderID,
			SellOrderID: sellOrder.OrderID,
			MakerSide:   makerSide,
			Seq:         seq.Next(),
			Ts:          time.Now(),
		}
		trades = append(trades, trade)
		if pub != nil {
			pub(pair, "trades", trade)
		}

		if taker.Side == model.SideBuy {
			takerFilledBefore = buyFilledBefore.Add(step.Quantity)
		} else {
			takerFilledBefore = sellFilledBefore.Add(step.Quantity)
		}
	}
	return trades, nil
}

func (d *Driver) cancelDefensively(buyOrder, sellOrder *model.Order, pair string, pub Publish) {
	buyOrder.Status = model.StatusCancelled
	sellOrder.Status = model.StatusCancelled
	d.log.Error().Str("pair", pair).Str("buy_order", buyOrder.OrderID).Str("sell_order", sellOrder.OrderID).
		Msg("LOCK_INVALID: cancelling both orders defensively")
	if pub != nil {
		pub(pair, "diagnostic", map[string]any{
			"code": apierr.CodeLockInvalid, "buy_order_id": buyOrder.OrderID, "sell_order_id": sellOrder.OrderID,
		})
	}
}
