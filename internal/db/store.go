// Package db is the journal/cache persistence layer SPEC_FULL.md §6
// describes: Postgres is never settlement authority (the external
// ledger is), only a durable record of admitted pairs, resting/terminal
// orders, executed trades and the event log, used to rebuild a pair
// actor's book on boot. Direct generalization of the teacher's
// internal/db/store.go: same golang-migrate/lib/pq stack, same
// *sql.Tx-passing convention for write helpers, widened from
// binary-market int-cents columns to pair-aware decimal columns.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"clobcore/internal/model"
)

type Store struct{ DB *sql.DB }

func Open(dsn string) (*Store, error) {
	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{DB: sqlDB}, nil
}

func (s *Store) Migrate(dir string) error {
	driver, err := postgres.WithInstance(s.DB, &postgres.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.DB.BeginTx(ctx, nil)
}

// ── Users ────────────────────────────────────────────

func (s *Store) CreateUser(ctx context.Context, email, hash string, role model.Role) (*model.User, error) {
	u := &model.User{}
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO users (email, password_hash, role) VALUES ($1,$2,$3)
		 RETURNING id, email, password_hash, role, created_at`, email, hash, role,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	return u, err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	u := &model.User{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, email, password_hash, role, created_at FROM users WHERE email=$1`, email,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return u, err
}

// ── Pairs ────────────────────────────────────────────

func (s *Store) UpsertPair(ctx context.Context, p model.TradingPair) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO pairs (symbol, base, quote, status)
		 VALUES ($1,$2,$3,$4)
		 ON CONFLICT (symbol) DO UPDATE SET status = EXCLUDED.status`,
		p.Symbol, p.Base, p.Quote, p.Status)
	return err
}

func (s *Store) SetPairStatus(ctx context.Context, symbol string, status model.PairStatus) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE pairs SET status=$1 WHERE symbol=$2`, status, symbol)
	return err
}

func (s *Store) ListPairs(ctx context.Context) ([]model.TradingPair, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT symbol, base, quote, status, created_at FROM pairs ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.TradingPair
	for rows.Next() {
		var p model.TradingPair
		if err := rows.Scan(&p.Symbol, &p.Base, &p.Quote, &p.Status, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// ── Orders ───────────────────────────────────────────

func InsertOrder(tx *sql.Tx, o *model.Order) error {
	_, err := tx.Exec(
		`INSERT INTO orders (id, pair, owner, side, mode, price, quantity, filled, tif,
		                      lock_handle, lock_asset, admit_seq, status, client_order_id)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		o.OrderID, o.Pair, o.Owner, o.Side, o.Mode, nullableDecimal(o.Price), o.Quantity, o.Filled, o.TIF,
		o.LockHandle, o.LockAsset, o.AdmitSeq, o.Status, o.ClientOrderID,
	)
	return err
}

func UpdateOrderState(tx *sql.Tx, orderID string, filled decimal.Decimal, lockHandle string, status model.OrderStatus) error {
	_, err := tx.Exec(
		`UPDATE orders SET filled=$1, lock_handle=$2, status=$3, updated_at=now() WHERE id=$4`,
		filled, lockHandle, status, orderID,
	)
	return err
}

// GetOpenOrders loads every resting order for pair, ordered by admit_seq,
// used to rebuild a pair actor's Book State Store slice on boot.
func (s *Store) GetOpenOrders(ctx context.Context, pair string) ([]model.Order, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, pair, owner, side, mode, price, quantity, filled, tif,
		        lock_handle, lock_asset, admit_seq, status, client_order_id, created_at, updated_at
		 FROM orders WHERE pair=$1 AND status='OPEN' ORDER BY admit_seq`, pair)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *Store) GetOwnerOrders(ctx context.Context, pair, owner string) ([]model.Order, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, pair, owner, side, mode, price, quantity, filled, tif,
		        lock_handle, lock_asset, admit_seq, status, client_order_id, created_at, updated_at
		 FROM orders WHERE pair=$1 AND owner=$2 ORDER BY created_at DESC LIMIT 200`, pair, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func scanOrders(rows *sql.Rows) ([]model.Order, error) {
	var out []model.Order
	for rows.Next() {
		var o model.Order
		var price sql.NullString
		if err := rows.Scan(&o.OrderID, &o.Pair, &o.Owner, &o.Side, &o.Mode, &price, &o.Quantity, &o.Filled, &o.TIF,
			&o.LockHandle, &o.LockAsset, &o.AdmitSeq, &o.Status, &o.ClientOrderID, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		if price.Valid {
			d, err := decimal.NewFromString(price.String)
			if err != nil {
				return nil, err
			}
			o.Price = &d
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// MaxAdmitSeq returns the highest admit_seq persisted across all pairs,
// used once at boot to fast-forward internal/seq past anything already
// on disk (SPEC_FULL.md §6).
func (s *Store) MaxAdmitSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(admit_seq), 0) FROM orders`).Scan(&seq)
	return seq, err
}

func nullableDecimal(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return *d
}

// ── Trades ───────────────────────────────────────────

func InsertTrade(tx *sql.Tx, t model.Trade) error {
	_, err := tx.Exec(
		`INSERT INTO trades (trade_id, pair, price, quantity, buyer, seller, buy_order_id, sell_order_id, maker_side, seq, ts)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		t.TradeID, t.Pair, t.Price, t.Quantity, t.Buyer, t.Seller, t.BuyOrderID, t.SellOrderID, t.MakerSide, t.Seq, t.Ts,
	)
	return err
}

func (s *Store) ListRecentTrades(ctx context.Context, pair string, limit int) ([]model.Trade, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT trade_id, pair, price, quantity, buyer, seller, buy_order_id, sell_order_id, maker_side, seq, ts
		 FROM trades WHERE pair=$1 ORDER BY seq DESC LIMIT $2`, pair, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Trade
	for rows.Next() {
		var t model.Trade
		if err := rows.Scan(&t.TradeID, &t.Pair, &t.Price, &t.Quantity, &t.Buyer, &t.Seller,
			&t.BuyOrderID, &t.SellOrderID, &t.MakerSide, &t.Seq, &t.Ts); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// ── Event log ────────────────────────────────────────

// AppendEvent records an append-only audit trail entry (SPEC_FULL.md
// §12), generalizing the teacher's db.AppendEvent.
func AppendEvent(tx *sql.Tx, pair *string, seq *int64, eventType string, payload map[string]any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		`INSERT INTO event_log (pair, seq, event_type, payload) VALUES ($1,$2,$3,$4)`,
		pair, seq, eventType, b,
	)
	return err
}

func (s *Store) ListEvents(ctx context.Context, pair string, limit int) ([]map[string]any, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT event_type, payload, created_at FROM event_log WHERE pair=$1 ORDER BY id DESC LIMIT $2`, pair, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []map[string]any
	for rows.Next() {
		var eventType string
		var payload []byte
		var createdAt time.Time
		if err := rows.Scan(&eventType, &payload, &createdAt); err != nil {
			return nil, err
		}
		var data map[string]any
		if err := json.Unmarshal(payload, &data); err != nil {
			return nil, err
		}
		out = append(out, map[string]any{"event_type": eventType, "payload": data, "created_at": createdAt})
	}
	return out, nil
}
