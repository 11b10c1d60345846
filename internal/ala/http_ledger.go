package ala

import (
	"context"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"clobcore/internal/apierr"
)

// HTTPLedger is the production Ledger implementation: REST calls for
// lock/settle/unlock, a WebSocket subscription for the event stream,
// grounded on go-resty/resty (0xtitan6-polymarket-mm) and
// gorilla/websocket (the teacher's own transport of choice).
type HTTPLedger struct {
	client *resty.Client
	wsURL  string
	retry  RetryConfig
	log    zerolog.Logger
}

func NewHTTPLedger(baseURL, wsURL string, retry RetryConfig, log zerolog.Logger) *HTTPLedger {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second)
	return &HTTPLedger{client: c, wsURL: wsURL, retry: retry, log: log.With().Str("component", "ala").Logger()}
}

func (l *HTTPLedger) backoffPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.retry.BaseDelay
	b.MaxInterval = l.retry.CapDelay
	b.MaxElapsedTime = 0 // bounded by WithMaxRetries below, not wall-clock
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(l.retry.MaxAttempts-1)), ctx)
}

type lockResp struct {
	LockHandle string `json:"lock_handle"`
	Error      string `json:"error"`
	Code       string `json:"code"`
}

func (l *HTTPLedger) Lock(ctx context.Context, owner, asset string, amount decimal.Decimal, nonce string) (LockHandle, error) {
	var handle LockHandle
	op := func() error {
		var out lockResp
		resp, err := l.client.R().
			SetContext(ctx).
			SetBody(map[string]any{
				"owner": owner, "asset": asset, "amount": amount.String(), "client_nonce": nonce,
			}).
			SetResult(&out).
			Post("/v1/lock")
		if err != nil {
			return backoffableErr(apierr.New(apierr.CodeLedgerUnavailable, "lock request failed: %v", err))
		}
		if resp.IsError() || out.Code == string(apierr.CodeLedgerUnavailable) {
			return backoffableErr(apierr.New(apierr.CodeLedgerUnavailable, "ledger lock unavailable: %s", out.Error))
		}
		if out.Code == string(apierr.CodeInsufficientFunds) {
			return backoff.Permanent(apierr.New(apierr.CodeInsufficientFunds, "%s", out.Error))
		}
		handle = LockHandle(out.LockHandle)
		return nil
	}
	if err := backoff.Retry(op, l.backoffPolicy(ctx)); err != nil {
		return "", unwrapBackoff(err)
	}
	return handle, nil
}

type settleResp struct {
	SettlementID     string `json:"settlement_id"`
	BuyResidualLock  string `json:"buy_residual_lock"`
	SellResidualLock string `json:"sell_residual_lock"`
	Error            string `json:"error"`
	Code             string `json:"code"`
}

func (l *HTTPLedger) Settle(ctx context.Context, req SettleRequest) (SettleResult, error) {
	var out settleResp
	op := func() error {
		resp, err := l.client.R().
			SetContext(ctx).
			SetHeader("Idempotency-Key", req.IntentID).
			SetBody(map[string]any{
				"buy_lock": req.BuyLock, "sell_lock": req.SellLock,
				"base_qty": req.BaseQty.String(), "quote_qty": req.QuoteQty.String(),
			}).
			SetResult(&out).
			Post("/v1/settle")
		if err != nil {
			return backoffableErr(apierr.New(apierr.CodeLedgerUnavailable, "settle request failed: %v", err))
		}
		switch out.Code {
		case string(apierr.CodeLockInvalid):
			return backoff.Permanent(apierr.New(apierr.CodeLockInvalid, "%s", out.Error))
		case string(apierr.CodeAmountMismatch):
			return backoff.Permanent(apierr.New(apierr.CodeAmountMismatch, "%s", out.Error))
		}
		if resp.IsError() {
			return backoffableErr(apierr.New(apierr.CodeLedgerUnavailable, "ledger settle unavailable: %s", out.Error))
		}
		return nil
	}
	if err := backoff.Retry(op, l.backoffPolicy(ctx)); err != nil {
		return SettleResult{}, unwrapBackoff(err)
	}
	return SettleResult{
		SettlementID:     out.SettlementID,
		BuyResidualLock:  LockHandle(out.BuyResidualLock),
		SellResidualLock: LockHandle(out.SellResidualLock),
	}, nil
}

func (l *HTTPLedger) Unlock(ctx context.Context, handle LockHandle, residual decimal.Decimal) error {
	op := func() error {
		resp, err := l.client.R().
			SetContext(ctx).
			SetBody(map[string]any{"lock_handle": handle, "residual_amount": residual.String()}).
			Post("/v1/unlock")
		if err != nil || resp.IsError() {
			return backoffableErr(apierr.New(apierr.CodeLedgerUnavailable, "unlock failed: %v", err))
		}
		return nil
	}
	if err := backoff.Retry(op, l.backoffPolicy(ctx)); err != nil {
		return unwrapBackoff(err)
	}
	return nil
}

// Events subscribes to the ledger's contract event stream over WebSocket,
// restartable from fromOffset. The returned channel is restartable only by
// calling Events again; it closes on ctx cancellation or ledger shutdown.
func (l *HTTPLedger) Events(ctx context.Context, fromOffset string) (<-chan LedgerEvent, error) {
	u, err := url.Parse(l.wsURL)
	if err != nil {
		return nil, apierr.New(apierr.CodeLedgerUnavailable, "bad ws url: %v", err)
	}
	q := u.Query()
	q.Set("offset", fromOffset)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, apierr.New(apierr.CodeLedgerUnavailable, "ws dial failed: %v", err)
	}

	out := make(chan LedgerEvent, 256)
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			var raw struct {
				Offset string `json:"offset"`
				Kind   string `json:"kind"`
				Owner  string `json:"owner"`
				Asset  string `json:"asset"`
				Amount string `json:"amount"`
				At     int64  `json:"at"`
			}
			if err := conn.ReadJSON(&raw); err != nil {
				l.log.Warn().Err(err).Msg("ledger event stream closed")
				return
			}
			amt, _ := decimal.NewFromString(raw.Amount)
			ev := LedgerEvent{
				Offset: raw.Offset, Kind: EventKind(raw.Kind), Owner: raw.Owner,
				Asset: raw.Asset, Amount: amt, At: time.Unix(raw.At, 0),
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func backoffableErr(e *apierr.Error) error {
	if e.Retryable() {
		return e
	}
	return backoff.Permanent(e)
}

func unwrapBackoff(err error) error {
	if err == nil {
		return nil
	}
	if e, ok := apierr.As(err); ok {
		return e
	}
	return apierr.New(apierr.CodeLedgerUnavailable, "%v", err)
}
