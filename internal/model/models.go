// Package model holds the CLOB core's domain objects: trading pairs,
// orders, trades and the derived balance cache. See SPEC_FULL.md §3.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ── Enums ────────────────────────────────────────────

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

type OrderMode string

const (
	ModeLimit  OrderMode = "LIMIT"
	ModeMarket OrderMode = "MARKET"
)

type TIF string

const (
	TIFGTC TIF = "GTC"
	TIFIOC TIF = "IOC"
	TIFFOK TIF = "FOK"
)

type OrderStatus string

const (
	StatusOpen      OrderStatus = "OPEN"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusRejected  OrderStatus = "REJECTED"
)

type SelfTradePolicy string

const (
	SelfTradeSkip        SelfTradePolicy = "SKIP"
	SelfTradeCancelTaker SelfTradePolicy = "CANCEL_TAKER"
	SelfTradeCancelMaker SelfTradePolicy = "CANCEL_MAKER"
)

type PairStatus string

const (
	PairActive PairStatus = "ACTIVE"
	PairFrozen PairStatus = "FROZEN"
)

type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// ── Domain objects ───────────────────────────────────

// User is an API principal. Authentication/authorization is ambient
// infrastructure around the core matching pipeline, not a named
// component of it (SPEC_FULL.md §10).
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// TradingPair is a symbol of the form BASE/QUOTE. Immutable once admitted.
type TradingPair struct {
	Symbol    string     `json:"symbol"`
	Base      string     `json:"base"`
	Quote     string     `json:"quote"`
	Status    PairStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
}

// Order is an intent to trade. See SPEC_FULL.md §3 for invariants.
type Order struct {
	OrderID       string           `json:"order_id"`
	Owner         string           `json:"owner"`
	Pair          string           `json:"pair"`
	Side          Side             `json:"side"`
	Mode          OrderMode        `json:"mode"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	Quantity      decimal.Decimal  `json:"quantity"`
	Filled        decimal.Decimal  `json:"filled"`
	TIF           TIF              `json:"tif"`
	LockHandle    string           `json:"-"`
	LockAsset     string           `json:"-"`
	AdmitSeq      int64            `json:"admit_seq"`
	Status        OrderStatus      `json:"status"`
	ClientOrderID *string          `json:"client_order_id,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.Filled)
}

// IsTerminal reports whether the order can no longer be matched or cancelled.
func (o *Order) IsTerminal() bool {
	return o.Status == StatusFilled || o.Status == StatusCancelled || o.Status == StatusRejected
}

// Trade is an immutable record produced by the matching engine.
type Trade struct {
	TradeID     string          `json:"trade_id"`
	Pair        string          `json:"pair"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	Buyer       string          `json:"buyer"`
	Seller      string          `json:"seller"`
	BuyOrderID  string          `json:"buy_order_id"`
	SellOrderID string          `json:"sell_order_id"`
	MakerSide   Side            `json:"maker_side"`
	Seq         int64           `json:"seq"`
	Ts          time.Time       `json:"ts"`
}

// Balance is a derived, per-(party, asset) cache computed from ALA events.
// The core never treats this as authoritative (SPEC_FULL.md §3).
type Balance struct {
	Owner     string          `json:"owner"`
	Asset     string          `json:"asset"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
}

// ── API types ────────────────────────────────────────

type PlaceOrderRequest struct {
	Owner         string           `json:"owner"`
	Pair          string           `json:"pair"`
	Side          Side             `json:"side"`
	Mode          OrderMode        `json:"mode"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	Quantity      decimal.Decimal  `json:"quantity"`
	TIF           TIF              `json:"tif"`
	ClientOrderID *string          `json:"client_order_id,omitempty"`
	StopLoss      *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit    *decimal.Decimal `json:"take_profit,omitempty"`
}

type PlaceOrderResult struct {
	OrderID string      `json:"order_id"`
	Status  OrderStatus `json:"status"`
	Trades  []Trade     `json:"trades"`
	Reason  string      `json:"reason,omitempty"`
}

type BookLevel struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
}

type BookSnapshot struct {
	Pair string      `json:"pair"`
	Bids []BookLevel `json:"bids"`
	Asks []BookLevel `json:"asks"`
}
