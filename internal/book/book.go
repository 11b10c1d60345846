// Package book is the Book State Store (SPEC_FULL.md §4.2 / spec.md
// §4.2): per-pair resting orders indexed for matching and for
// user/order lookup. Directly generalizes the teacher's
// internal/engine/book.go OrderBook from int-cents binary markets to
// decimal price/qty over an arbitrary pair.
package book

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"clobcore/internal/apierr"
	"clobcore/internal/model"
)

// Level is a price level with a FIFO queue of orders (oldest = best
// admit_seq first), matching the teacher's Level shape.
type Level struct {
	Price  decimal.Decimal
	Orders []*model.Order
}

func (l *Level) TotalQty() decimal.Decimal {
	t := decimal.Zero
	for _, o := range l.Orders {
		t = t.Add(o.Remaining())
	}
	return t
}

// Book is an in-memory limit order book for a single trading pair.
// Mutations are single-writer per pair (SPEC_FULL.md §5): the owning pair
// actor serializes them. Insert, Cancel, Remove and Fill also take mu's
// write lock and Snapshot and WalkSide its read lock; BestBid, BestAsk,
// Get, ByOwner and Size read without locking.
type Book struct {
	mu sync.RWMutex // write-locked by mutations, read-locked by Snapshot and WalkSide

	pair string

	bids      map[string]*Level // price.String() -> Level
	asks      map[string]*Level
	bidPrices []decimal.Decimal // sorted descending
	askPrices []decimal.Decimal // sorted ascending

	byID    map[string]*model.Order
	byOwner map[string]map[string]*model.Order // owner -> order_id -> order
}

func New(pair string) *Book {
	return &Book{
		pair:    pair,
		bids:    make(map[string]*Level),
		asks:    make(map[string]*Level),
		byID:    make(map[string]*model.Order),
		byOwner: make(map[string]map[string]*model.Order),
	}
}

// ── Queries ──────────────────────────────────────────

func (b *Book) BestBid() *model.Order { return b.bestOf(b.bidPrices, b.bids) }
func (b *Book) BestAsk() *model.Order { return b.bestOf(b.askPrices, b.asks) }

func (b *Book) bestOf(prices []decimal.Decimal, levels map[string]*Level) *model.Order {
	if len(prices) == 0 {
		return nil
	}
	lvl := levels[prices[0].String()]
	if lvl == nil || len(lvl.Orders) == 0 {
		return nil
	}
	return lvl.Orders[0]
}

func (b *Book) Size() int { return len(b.byID) }

func (b *Book) Get(orderID string) *model.Order { return b.byID[orderID] }

// WalkSide visits resting orders on the given side in strict priority
// order — (−price, admit_seq) for BUY, (price, admit_seq) for SELL — without
// mutating the book. fn returning false stops the walk early. This lets the
// matching engine look past the top order (e.g. to skip a self-trade
// candidate) without physically removing anything from the live book.
func (b *Book) WalkSide(side model.Side, fn func(o *model.Order) bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	prices, levels := b.bidPrices, b.bids
	if side == model.SideSell {
		prices, levels = b.askPrices, b.asks
	}
	for _, p := range prices {
		lvl := levels[p.String()]
		if lvl == nil {
			continue
		}
		for _, o := range lvl.Orders {
			if !fn(o) {
				return
			}
		}
	}
}

func (b *Book) ByOwner(owner string) []*model.Order {
	m := b.byOwner[owner]
	out := make([]*model.Order, 0, len(m))
	for _, o := range m {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AdmitSeq < out[j].AdmitSeq })
	return out
}

// Snapshot returns aggregated price levels up to depth, bids then asks.
func (b *Book) Snapshot(depth int) model.BookSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	snap := model.BookSnapshot{Pair: b.pair, Bids: []model.BookLevel{}, Asks: []model.BookLevel{}}
	for i := 0; i < len(b.bidPrices) && i < depth; i++ {
		p := b.bidPrices[i]
		snap.Bids = append(snap.Bids, model.BookLevel{Price: p, Qty: b.bids[p.String()].TotalQty()})
	}
	for i := 0; i < len(b.askPrices) && i < depth; i++ {
		p := b.askPrices[i]
		snap.Asks = append(snap.Asks, model.BookLevel{Price: p, Qty: b.asks[p.String()].TotalQty()})
	}
	return snap
}

// ── Insert / Remove ──────────────────────────────────

// Insert adds a resting order to the book. Rejects duplicate order ids.
func (b *Book) Insert(o *model.Order) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.byID[o.OrderID]; exists {
		return apierr.New(apierr.CodeBadRequest, "duplicate order id %s", o.OrderID)
	}
	if o.Price == nil {
		return apierr.New(apierr.CodeIndexCorrupt, "order %s has no price and cannot rest", o.OrderID)
	}
	b.byID[o.OrderID] = o
	if b.byOwner[o.Owner] == nil {
		b.byOwner[o.Owner] = make(map[string]*model.Order)
	}
	b.byOwner[o.Owner][o.OrderID] = o

	if o.Side == model.SideBuy {
		addToSide(b.bids, &b.bidPrices, o, *o.Price, false)
	} else {
		addToSide(b.asks, &b.askPrices, o, *o.Price, true)
	}
	return nil
}

// Cancel removes and returns the order, or NOT_FOUND / ALREADY_TERMINAL.
func (b *Book) Cancel(orderID string) (*model.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.byID[orderID]
	if !ok {
		return nil, apierr.New(apierr.CodeNotFound, "order %s not found", orderID)
	}
	if o.IsTerminal() {
		return nil, apierr.New(apierr.CodeAlreadyTerminal, "order %s already terminal", orderID)
	}
	b.removeLocked(o)
	return o, nil
}

// Remove unconditionally removes an order from the book's indices
// (used by the pair actor after a LOCK_INVALID settlement and for makers
// cancelled under self_trade_policy=CANCEL_MAKER; Fill removes fully
// filled orders itself).
func (b *Book) Remove(orderID string) *model.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.byID[orderID]
	if !ok {
		return nil
	}
	b.removeLocked(o)
	return o
}

func (b *Book) removeLocked(o *model.Order) {
	delete(b.byID, o.OrderID)
	if m := b.byOwner[o.Owner]; m != nil {
		delete(m, o.OrderID)
		if len(m) == 0 {
			delete(b.byOwner, o.Owner)
		}
	}
	if o.Side == model.SideBuy {
		removeFromSide(b.bids, &b.bidPrices, o)
	} else {
		removeFromSide(b.asks, &b.askPrices, o)
	}
}

// Fill increments filled; if the order becomes fully filled it is removed
// from the book and marked FILLED. Returns the order's remaining quantity
// after the fill.
func (b *Book) Fill(orderID string, qty decimal.Decimal) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.byID[orderID]
	if !ok {
		return decimal.Zero, apierr.New(apierr.CodeNotFound, "order %s not found", orderID)
	}
	o.Filled = o.Filled.Add(qty)
	rem := o.Remaining()
	if rem.LessThanOrEqual(decimal.Zero) {
		o.Status = model.StatusFilled
		b.removeLocked(o)
		return decimal.Zero, nil
	}
	return rem, nil
}

// ── Internals ────────────────────────────────────────

func addToSide(levels map[string]*Level, prices *[]decimal.Decimal, o *model.Order, price decimal.Decimal, ascending bool) {
	pk := price.String()
	lvl, ok := levels[pk]
	if !ok {
		lvl = &Level{Price: price}
		levels[pk] = lvl
		*prices = append(*prices, price)
		sort.Slice(*prices, func(i, j int) bool {
			if ascending {
				return (*prices)[i].LessThan((*prices)[j])
			}
			return (*prices)[i].GreaterThan((*prices)[j])
		})
	}
	lvl.Orders = append(lvl.Orders, o)
	sort.SliceStable(lvl.Orders, func(i, j int) bool { return lvl.Orders[i].AdmitSeq < lvl.Orders[j].AdmitSeq })
}

func removeFromSide(levels map[string]*Level, prices *[]decimal.Decimal, o *model.Order) {
	pk := o.Price.String()
	lvl, ok := levels[pk]
	if !ok {
		return
	}
	for i, e := range lvl.Orders {
		if e.OrderID == o.OrderID {
			lvl.Orders = append(lvl.Orders[:i], lvl.Orders[i+1:]...)
			break
		}
	}
	if len(lvl.Orders) == 0 {
		delete(levels, pk)
		for i, p := range *prices {
			if p.Equal(lvl.Price) {
				*prices = append((*prices)[:i], (*prices)[i+1:]...)
				break
			}
		}
	}
}
