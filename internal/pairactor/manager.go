package pairactor

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"clobcore/internal/ala"
	"clobcore/internal/apierr"
	"clobcore/internal/db"
	"clobcore/internal/model"
	"clobcore/internal/seq"
	"clobcore/internal/settle"
)

// Manager owns every pair's Actor, generalizing the teacher's
// engine.Manager: one map of running actors, a Boot that replays
// persisted state, and a StartEngine-equivalent (Admit) for pairs added
// after boot.
type Manager struct {
	mu     sync.RWMutex
	actors map[string]*Actor
	store  *db.Store
	ledger ala.Ledger
	cfg    Config
	pub    settle.Publish
	log    zerolog.Logger
}

func NewManager(store *db.Store, ledger ala.Ledger, cfg Config, pub settle.Publish, log zerolog.Logger) *Manager {
	return &Manager{
		actors: make(map[string]*Actor),
		store:  store,
		ledger: ledger,
		cfg:    cfg,
		pub:    pub,
		log:    log.With().Str("component", "pairactor.Manager").Logger(),
	}
}

// Boot replays every admitted pair's persisted open orders into a fresh
// Book State Store and starts its actor goroutine — the same sequence
// as the teacher's Manager.Boot/newMarketEngine, generalized from one
// market's orders to one pair's.
func (m *Manager) Boot(ctx context.Context) error {
	pairs, err := m.store.ListPairs(ctx)
	if err != nil {
		return err
	}
	maxSeq, err := m.store.MaxAdmitSeq(ctx)
	if err != nil {
		return err
	}
	seq.Restore(maxSeq)

	for _, p := range pairs {
		if err := m.start(ctx, p); err != nil {
			return fmt.Errorf("boot pair %s: %w", p.Symbol, err)
		}
	}
	m.log.Info().Int("pairs", len(pairs)).Int64("admit_seq", seq.Current()).Msg("pair actors booted")
	return nil
}

// Admit registers a new pair, persists it, and starts its actor —
// generalizes the teacher's admin market-creation path.
func (m *Manager) Admit(ctx context.Context, pair model.TradingPair) (*Actor, error) {
	pair.Status = model.PairActive
	if err := m.store.UpsertPair(ctx, pair); err != nil {
		return nil, err
	}
	if err := m.start(ctx, pair); err != nil {
		return nil, err
	}
	return m.Get(pair.Symbol), nil
}

func (m *Manager) start(ctx context.Context, pair model.TradingPair) error {
	m.mu.Lock()
	if _, ok := m.actors[pair.Symbol]; ok {
		m.mu.Unlock()
		return nil
	}
	a := New(pair, m.cfg, m.ledger, m.store, m.pub, m.log)
	m.actors[pair.Symbol] = a
	m.mu.Unlock()

	orders, err := m.store.GetOpenOrders(ctx, pair.Symbol)
	if err != nil {
		return err
	}
	for i := range orders {
		if err := a.book.Insert(&orders[i]); err != nil {
			a.log.Error().Err(err).Str("order", orders[i].OrderID).Msg("failed to replay order into book")
		}
	}

	go a.Run(context.Background())
	return nil
}

func (m *Manager) Get(symbol string) *Actor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.actors[symbol]
}

func (m *Manager) List() []model.TradingPair {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.TradingPair, 0, len(m.actors))
	for _, a := range m.actors {
		out = append(out, a.Pair())
	}
	return out
}

// Require is a convenience for HTTP handlers: looks up the actor for
// symbol or returns UNKNOWN_PAIR.
func (m *Manager) Require(symbol string) (*Actor, error) {
	a := m.Get(symbol)
	if a == nil {
		return nil, apierr.New(apierr.CodeUnknownPair, "pair %s is not admitted", symbol)
	}
	return a, nil
}
