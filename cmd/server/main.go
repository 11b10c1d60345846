// cmd/server wires every component SPEC_FULL.md names into one
// process: config, the journal/cache Postgres store, the Asset Ledger
// Adapter, the per-pair actor manager, the balance reconciler, the
// stop-loss/take-profit monitor, the WebSocket event bus, and the HTTP
// transport. Directly generalizes the teacher's cmd/server/main.go
// boot sequence (db.Open -> Migrate -> ws.NewHub -> engine.NewManager
// -> Boot -> api.NewServer -> ListenAndServe), replacing its hand-rolled
// .env loader with internal/config and adding the ALA client, the
// balance reconciler and the monitor the teacher has no analogue for.
package main

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"

	"clobcore/internal/ala"
	"clobcore/internal/api"
	"clobcore/internal/balance"
	"clobcore/internal/config"
	"clobcore/internal/db"
	"clobcore/internal/logging"
	"clobcore/internal/model"
	"clobcore/internal/monitor"
	"clobcore/internal/pairactor"
	"clobcore/internal/ws"
)

func main() {
	log := logging.New("main", true)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	store, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("db open failed")
	}
	log.Info().Msg("connected to database")

	if err := store.Migrate("migrations"); err != nil {
		log.Fatal().Err(err).Msg("migrate failed")
	}
	log.Info().Msg("migrations applied")

	ledger := newLedger(cfg, log)

	// snap is assigned once mgr/bal exist below; the hub is constructed
	// first so pairactor.NewManager's publish closure can already
	// reference it. hub.Publish never calls the snapshot func until a
	// client subscribes, which only happens after Router() is serving.
	var snap ws.SnapshotFunc
	hub := ws.NewHub(cfg.SubscriberQueueDepth, func(channel, key string) (any, bool) {
		if snap == nil {
			return nil, false
		}
		return snap(channel, key)
	}, log)

	mon := monitor.New(log)

	pairCfg := pairactor.Config{
		SlippageBuffer:  cfg.MarketSlippageBuffer,
		SelfTradePolicy: model.SelfTradePolicy(cfg.SelfTradePolicy),
		BookDepth:       50,
	}

	publish := func(pair, channel string, data any) {
		hub.Publish(channel, pair, data)
		if channel == "trades" {
			if t, ok := data.(model.Trade); ok {
				mon.OnTrade(pair, t.Price)
			}
		}
	}

	mgr := pairactor.NewManager(store, ledger, pairCfg, publish, log)
	if err := mgr.Boot(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("pair actor boot failed")
	}
	for _, p := range mgr.List() {
		mon.RegisterPair(p.Symbol, mgr.Get(p.Symbol))
	}

	bal := balance.NewReconciler(ledger, cfg.BalanceReconcileInterval, func(owner string, data any) {
		hub.Publish("balance", owner, data)
	}, log)
	go bal.Run(context.Background())

	snap = func(channel, key string) (any, bool) {
		switch channel {
		case "orderbook":
			a := mgr.Get(key)
			if a == nil {
				return nil, false
			}
			return a.Book().Snapshot(pairCfg.BookDepth), true
		case "trades":
			trades, err := store.ListRecentTrades(context.Background(), key, 50)
			if err != nil || len(trades) == 0 {
				return nil, false
			}
			return trades, true
		case "balance":
			b := bal.Cache().ForOwner(key)
			if len(b) == 0 {
				return nil, false
			}
			return b, true
		default:
			return nil, false
		}
	}

	srv := api.NewServer(store, mgr, hub, bal, mon, cfg.JWTSecret, pairCfg.BookDepth)

	log.Info().Str("port", cfg.Port).Msg("listening")
	if err := http.ListenAndServe(":"+cfg.Port, srv.Router()); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

// newLedger selects the production Asset Ledger Adapter client
// (ledger_mode=http, the default) or the in-memory test double
// (ledger_mode=memory), the latter meant for local dev and demos
// where no external ledger is running.
func newLedger(cfg config.Config, log zerolog.Logger) ala.Ledger {
	if cfg.LedgerMode == "memory" {
		log.Info().Msg("using in-memory ledger (ledger_mode=memory)")
		return ala.NewMemLedger()
	}
	retry := ala.RetryConfig{
		MaxAttempts: cfg.SettleRetryMaxAttempts,
		BaseDelay:   cfg.SettleRetryBaseDelay,
		CapDelay:    cfg.SettleRetryCapDelay,
	}
	return ala.NewHTTPLedger(cfg.LedgerBaseURL, cfg.LedgerWSURL, retry, log)
}
