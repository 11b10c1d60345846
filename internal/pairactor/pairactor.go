// Package pairactor is the per-pair single-writer actor (SPEC_FULL.md
// §5 / spec.md §5): each trading pair owns exactly one goroutine that
// holds exclusive write access to its Book State Store slice and to its
// Settlement Driver queue. All cross-cutting concerns — admission,
// matching, settlement, self-trade handling, freezing — are
// orchestrated here.
//
// Directly generalizes the teacher's engine.MarketEngine: one cmdCh per
// market, one goroutine draining it, one command interface dispatching
// to exec(). The teacher settled directly against its own Postgres
// wallet inside the command handler; here the handler calls out to
// internal/admit (validate + lock sizing), internal/match (the walk),
// and internal/settle (idempotent ledger settlement) instead.
package pairactor

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"clobcore/internal/admit"
	"clobcore/internal/ala"
	"clobcore/internal/apierr"
	"clobcore/internal/book"
	"clobcore/internal/db"
	"clobcore/internal/match"
	"clobcore/internal/model"
	"clobcore/internal/seq"
	"clobcore/internal/settle"
)

// maxLockInvalidRetries bounds how many times a single placement re-enters
// the matching engine after a LOCK_INVALID step, per spec.md §4.4 step 5
// ("abandon this intent and re-enter ME for the pair"). Bounded so a
// ledger that keeps invalidating locks cannot spin a pair actor forever.
const maxLockInvalidRetries = 3

// Config carries the tunables the Admission Layer and matching walk need,
// one instance per pair (SPEC_FULL.md §6).
type Config struct {
	SlippageBuffer  decimal.Decimal
	SelfTradePolicy model.SelfTradePolicy
	BookDepth       int
}

// Actor owns one trading pair's book and serializes every mutation
// through cmdCh.
type Actor struct {
	pair   model.TradingPair
	cfg    Config
	book   *book.Book
	ledger ala.Ledger
	driver *settle.Driver
	pub    settle.Publish
	store  *db.Store
	log    zerolog.Logger

	cmdCh  chan command
	status model.PairStatus
}

// New constructs an actor for pair. The caller must call Run in its own
// goroutine to start draining commands. store may be nil (tests, or a
// pure in-memory deployment) — the journal writes become no-ops.
func New(pair model.TradingPair, cfg Config, ledger ala.Ledger, store *db.Store, pub settle.Publish, log zerolog.Logger) *Actor {
	return &Actor{
		pair:   pair,
		cfg:    cfg,
		book:   book.New(pair.Symbol),
		ledger: ledger,
		driver: settle.New(ledger, log),
		pub:    pub,
		store:  store,
		log:    log.With().Str("component", "pairactor").Str("pair", pair.Symbol).Logger(),
		cmdCh:  make(chan command, 256),
		status: pair.Status,
	}
}

// Run drains cmdCh until ctx is cancelled. One goroutine per pair
// (SPEC_FULL.md §5); started by cmd/server at boot and on pair admission.
func (a *Actor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-a.cmdCh:
			cmd.exec(ctx, a)
		}
	}
}

// Book exposes the read-only snapshot surface directly; internal/api
// calls these without going through the command channel, mirroring how
// the teacher's Manager.GetBook reads eng.book outside the cmdCh loop —
// Book's own RWMutex makes concurrent reads safe against the writer.
func (a *Actor) Book() *book.Book { return a.book }

func (a *Actor) Pair() model.TradingPair { return a.pair }

// ── Commands ─────────────────────────────────────────

type command interface {
	exec(ctx context.Context, a *Actor)
}

type placeCmd struct {
	req model.PlaceOrderRequest
	ch  chan<- model.PlaceOrderResult
}

type cancelCmd struct {
	orderID string
	owner   string
	ch      chan<- error
}

type freezeCmd struct {
	freeze bool
	ch     chan<- error
}

func (c placeCmd) exec(ctx context.Context, a *Actor) { c.ch <- a.placeOrder(ctx, c.req) }
func (c cancelCmd) exec(ctx context.Context, a *Actor) {
	c.ch <- a.cancelOrder(ctx, c.orderID, c.owner)
}
func (c freezeCmd) exec(ctx context.Context, a *Actor) { c.ch <- a.setFrozen(c.freeze) }

// PlaceOrder sends a placement to the actor's goroutine and waits for the
// outcome.
func (a *Actor) PlaceOrder(req model.PlaceOrderRequest) model.PlaceOrderResult {
	ch := make(chan model.PlaceOrderResult, 1)
	a.cmdCh <- placeCmd{req: req, ch: ch}
	return <-ch
}

// CancelOrder sends a cancellation to the actor's goroutine and waits.
func (a *Actor) CancelOrder(orderID, owner string) error {
	ch := make(chan error, 1)
	a.cmdCh <- cancelCmd{orderID: orderID, owner: owner, ch: ch}
	return <-ch
}

// Freeze and Unfreeze implement the operator controls SPEC_FULL.md §12
// adds: a frozen pair rejects new placements with PAIR_FROZEN but still
// accepts cancels, matching spec.md §4.4 step 6's freeze semantics.
func (a *Actor) Freeze() error   { return a.toggleFrozen(true) }
func (a *Actor) Unfreeze() error { return a.toggleFrozen(false) }

func (a *Actor) toggleFrozen(freeze bool) error {
	ch := make(chan error, 1)
	a.cmdCh <- freezeCmd{freeze: freeze, ch: ch}
	return <-ch
}

func (a *Actor) setFrozen(freeze bool) error {
	if freeze {
		a.status = model.PairFrozen
	} else {
		a.status = model.PairActive
	}
	a.log.Warn().Bool("freeze", freeze).Msg("pair status changed")
	return nil
}

// ── Place ────────────────────────────────────────────

func reject(reason string) model.PlaceOrderResult {
	return model.PlaceOrderResult{Status: model.StatusRejected, Reason: reason}
}

func (a *Actor) placeOrder(ctx context.Context, req model.PlaceOrderRequest) model.PlaceOrderResult {
	if a.status == model.PairFrozen {
		return reject(string(apierr.CodePairFrozen))
	}
	if err := admit.Validate(req); err != nil {
		return reject(err.Error())
	}
	if err := admit.CheckLiquidity(req, a.book); err != nil {
		return reject(err.Error())
	}

	lockReq, err := admit.RequiredLock(req, a.pair, a.book, a.cfg.SlippageBuffer)
	if err != nil {
		return reject(err.Error())
	}

	nonce := uuid.New().String()
	handle, err := a.ledger.Lock(ctx, req.Owner, lockReq.Asset, lockReq.Amount, nonce)
	if err != nil {
		ae, _ := apierr.As(err)
		if ae == nil {
			ae = apierr.New(apierr.CodeLedgerUnavailable, "%v", err)
		}
		return reject(ae.Error())
	}

	order := &model.Order{
		OrderID:       uuid.New().String(),
		Owner:         req.Owner,
		Pair:          req.Pair,
		Side:          req.Side,
		Mode:          req.Mode,
		Price:         req.Price,
		Quantity:      req.Quantity,
		TIF:           req.TIF,
		LockHandle:    string(handle),
		LockAsset:     lockReq.Asset,
		AdmitSeq:      seq.Next(),
		Status:        model.StatusOpen,
		ClientOrderID: req.ClientOrderID,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}

	var plan *match.Plan
	if req.TIF == model.TIFFOK {
		p, err := match.CheckFOK(a.book, order, a.cfg.SelfTradePolicy)
		if err != nil {
			a.releaseLock(ctx, handle, lockReq.Asset, order.Owner, lockReq.Amount)
			ae, _ := apierr.As(err)
			order.Status = model.StatusCancelled
			return model.PlaceOrderResult{OrderID: order.OrderID, Status: model.StatusCancelled, Reason: ae.Error()}
		}
		plan = p
	} else {
		plan = match.Walk(a.book, order, a.cfg.SelfTradePolicy)
	}

	if plan.TakerSelfCancelled {
		a.releaseLock(ctx, handle, lockReq.Asset, order.Owner, lockReq.Amount)
		order.Status = model.StatusCancelled
		return model.PlaceOrderResult{OrderID: order.OrderID, Status: model.StatusCancelled, Reason: "self-trade: order cancelled by self_trade_policy=CANCEL_TAKER"}
	}

	trades, execErr := a.executeWithRetry(ctx, order, plan)

	for _, maker := range plan.AutoCancelledMakers {
		a.cancelResting(ctx, maker, "self-trade: maker cancelled by self_trade_policy=CANCEL_MAKER")
	}

	if execErr != nil {
		if fe, ok := execErr.(*settle.FrozenErr); ok {
			a.setFrozen(true)
			order.Status = model.StatusRejected
			return model.PlaceOrderResult{OrderID: order.OrderID, Status: model.StatusRejected, Trades: trades, Reason: fe.Error()}
		}
		order.Status = model.StatusRejected
		return model.PlaceOrderResult{OrderID: order.OrderID, Status: model.StatusRejected, Trades: trades, Reason: execErr.Error()}
	}

	remaining := order.Remaining()
	switch {
	case remaining.LessThanOrEqual(decimal.Zero):
		order.Status = model.StatusFilled
	case req.TIF == model.TIFGTC:
		order.Status = model.StatusOpen
		if err := a.book.Insert(order); err != nil {
			a.log.Error().Err(err).Str("order", order.OrderID).Msg("failed to rest order after partial fill")
		}
	default: // IOC with remainder: never rests
		consumedQuote := decimal.Zero
		for _, t := range trades {
			consumedQuote = consumedQuote.Add(t.Price.Mul(t.Quantity))
		}
		residual := residualLockAmount(order, lockReq.Amount, consumedQuote)
		a.releaseLock(ctx, ala.LockHandle(order.LockHandle), order.LockAsset, order.Owner, residual)
		order.Status = model.StatusCancelled
	}

	a.persistPlacement(ctx, order, plan, trades)

	if a.pub != nil {
		a.pub(a.pair.Symbol, "orderbook", a.book.Snapshot(a.cfg.BookDepth))
	}

	return model.PlaceOrderResult{OrderID: order.OrderID, Status: order.Status, Trades: trades}
}

// persistPlacement records the taker's own row, every trade produced, and
// the post-fill state of every maker the taker crossed, in one
// transaction — the journal/cache Postgres layer SPEC_FULL.md §6
// describes, used only to rebuild a pair's book on boot (internal/ala
// remains the only settlement authority). A nil store (tests, pure
// in-memory runs) makes this a no-op.
func (a *Actor) persistPlacement(ctx context.Context, order *model.Order, plan *match.Plan, trades []model.Trade) {
	if a.store == nil {
		return
	}
	tx, err := a.store.BeginTx(ctx)
	if err != nil {
		a.log.Error().Err(err).Msg("journal: begin tx failed")
		return
	}
	ok := false
	defer func() {
		if !ok {
			_ = tx.Rollback()
		}
	}()

	if err := db.InsertOrder(tx, order); err != nil {
		a.log.Error().Err(err).Str("order", order.OrderID).Msg("journal: insert order failed")
		return
	}
	for _, t := range trades {
		if err := db.InsertTrade(tx, t); err != nil {
			a.log.Error().Err(err).Str("trade", t.TradeID).Msg("journal: insert trade failed")
			return
		}
	}
	seen := make(map[string]bool, len(plan.Steps))
	for _, step := range plan.Steps {
		if seen[step.Maker.OrderID] {
			continue
		}
		seen[step.Maker.OrderID] = true
		if err := db.UpdateOrderState(tx, step.Maker.OrderID, step.Maker.Filled, step.Maker.LockHandle, step.Maker.Status); err != nil {
			a.log.Error().Err(err).Str("order", step.Maker.OrderID).Msg("journal: update maker order failed")
			return
		}
	}
	if err := tx.Commit(); err != nil {
		a.log.Error().Err(err).Msg("journal: commit failed")
		return
	}
	ok = true
}

// persistCancel records a cancelled order's terminal state outside the
// placement path (explicit user cancel, or a self-trade policy's
// auto-cancelled maker).
func (a *Actor) persistCancel(ctx context.Context, o *model.Order) {
	if a.store == nil {
		return
	}
	tx, err := a.store.BeginTx(ctx)
	if err != nil {
		a.log.Error().Err(err).Msg("journal: begin tx failed")
		return
	}
	if err := db.UpdateOrderState(tx, o.OrderID, o.Filled, o.LockHandle, o.Status); err != nil {
		a.log.Error().Err(err).Str("order", o.OrderID).Msg("journal: cancel update failed")
		_ = tx.Rollback()
		return
	}
	if err := tx.Commit(); err != nil {
		a.log.Error().Err(err).Msg("journal: commit failed")
	}
}

// executeWithRetry drives settle.Driver.Execute, re-walking the book up
// to maxLockInvalidRetries times when a step reports LOCK_INVALID (spec.md
// §4.4 step 5): the affected resting order is removed from the book and
// the remainder of the taker's quantity is re-planned against the book's
// now-current state.
func (a *Actor) executeWithRetry(ctx context.Context, taker *model.Order, plan *match.Plan) ([]model.Trade, error) {
	var all []model.Trade
	for attempt := 0; attempt <= maxLockInvalidRetries; attempt++ {
		trades, err := a.driver.Execute(ctx, a.book, a.pair.Symbol, taker, plan, a.pub)
		all = append(all, trades...)
		if err == nil {
			return all, nil
		}
		lie, ok := err.(*settle.LockInvalidErr)
		if !ok {
			return all, err
		}
		a.book.Remove(lie.Intent.BuyOrder.OrderID)
		a.book.Remove(lie.Intent.SellOrder.OrderID)
		if attempt == maxLockInvalidRetries {
			return all, err
		}
		plan = match.Walk(a.book, taker, a.cfg.SelfTradePolicy)
		if len(plan.Steps) == 0 {
			return all, nil
		}
	}
	return all, nil
}

// residualLockAmount computes how much of a lock remains unconsumed for
// an order that will not rest: SELL locks are always denominated in the
// base asset and equal the unfilled quantity directly; LIMIT BUY locks
// are price × remaining; MARKET BUY locks were sized off a slippage
// buffer up front, so the residual is whatever of that buffer the
// executed trades did not consume.
func residualLockAmount(o *model.Order, lockedAmount, consumedQuote decimal.Decimal) decimal.Decimal {
	if o.Side == model.SideSell {
		return o.Remaining()
	}
	if o.Mode == model.ModeLimit {
		return o.Price.Mul(o.Remaining())
	}
	return lockedAmount.Sub(consumedQuote)
}

func (a *Actor) releaseLock(ctx context.Context, handle ala.LockHandle, asset, owner string, amount decimal.Decimal) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return
	}
	if err := a.ledger.Unlock(ctx, handle, amount); err != nil {
		a.log.Error().Err(err).Str("owner", owner).Str("asset", asset).Msg("unlock failed")
	}
}

// cancelResting removes a resting maker from the book and releases its
// lock — used by self_trade_policy=CANCEL_MAKER (cancelOrder performs the
// same steps through Book.Cancel).
func (a *Actor) cancelResting(ctx context.Context, o *model.Order, reason string) {
	removed := a.book.Remove(o.OrderID)
	if removed == nil {
		return
	}
	removed.Status = model.StatusCancelled
	amount := residualLockAmount(removed, decimal.Zero, decimal.Zero)
	a.releaseLock(ctx, ala.LockHandle(removed.LockHandle), removed.LockAsset, removed.Owner, amount)
	a.persistCancel(ctx, removed)
	if a.pub != nil {
		a.pub(a.pair.Symbol, "orderbook", a.book.Snapshot(a.cfg.BookDepth))
	}
	a.log.Info().Str("order", o.OrderID).Str("reason", reason).Msg("order cancelled")
}

// ── Cancel ───────────────────────────────────────────

func (a *Actor) cancelOrder(ctx context.Context, orderID, owner string) error {
	o := a.book.Get(orderID)
	if o == nil {
		return apierr.New(apierr.CodeNotFound, "order %s not found", orderID)
	}
	if o.Owner != owner {
		return apierr.New(apierr.CodeNotOwner, "order %s does not belong to %s", orderID, owner)
	}
	removed, err := a.book.Cancel(orderID)
	if err != nil {
		return err
	}
	amount := residualLockAmount(removed, decimal.Zero, decimal.Zero)
	a.releaseLock(ctx, ala.LockHandle(removed.LockHandle), removed.LockAsset, removed.Owner, amount)
	a.persistCancel(ctx, removed)
	if a.pub != nil {
		a.pub(a.pair.Symbol, "orderbook", a.book.Snapshot(a.cfg.BookDepth))
	}
	return nil
}
