// Package api is the HTTP transport for the CLOB core (SPEC_FULL.md
// §6). Direct generalization of the teacher's internal/api/server.go:
// same chi router + middleware stack, same JWT bearer auth scheme and
// json200/jsonErr helpers, routes re-pointed at internal/pairactor and
// internal/ws instead of the teacher's engine.Manager.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"clobcore/internal/apierr"
	"clobcore/internal/balance"
	"clobcore/internal/db"
	"clobcore/internal/model"
	"clobcore/internal/monitor"
	"clobcore/internal/pairactor"
	"clobcore/internal/ws"
)

type Server struct {
	store     *db.Store
	mgr       *pairactor.Manager
	hub       *ws.Hub
	bal       *balance.Reconciler
	mon       *monitor.Monitor
	secret    []byte
	bookDepth int
}

func NewServer(store *db.Store, mgr *pairactor.Manager, hub *ws.Hub, bal *balance.Reconciler, mon *monitor.Monitor, secret string, bookDepth int) *Server {
	return &Server{store: store, mgr: mgr, hub: hub, bal: bal, mon: mon, secret: []byte(secret), bookDepth: bookDepth}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json200(w, map[string]string{"status": "ok"})
	})

	r.Post("/api/register", s.register)
	r.Post("/api/login", s.login)

	r.Get("/ws", s.hub.HandleWS)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/api/balances/{asset}", s.getBalance)

		r.Get("/api/pairs", s.listPairs)
		r.Get("/api/pairs/{symbol}/book", s.getBook)
		r.Get("/api/pairs/{symbol}/trades", s.getTrades)

		r.Post("/api/pairs/{symbol}/orders", s.placeOrder)
		r.Delete("/api/orders/{id}", s.cancelOrder)

		r.Group(func(r chi.Router) {
			r.Use(s.adminOnly)
			r.Post("/api/admin/pairs", s.createPair)
			r.Post("/api/admin/pairs/{symbol}/freeze", s.freezePair)
			r.Post("/api/admin/pairs/{symbol}/unfreeze", s.unfreezePair)
			r.Get("/api/admin/pairs/{symbol}/events", s.listEvents)
		})
	})

	return r
}

// ── Auth ─────────────────────────────────────────────

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if req.Email == "" || len(req.Password) < 6 {
		jsonErr(w, 400, "email and password (min 6 chars) required")
		return
	}

	existing, _ := s.store.GetUserByEmail(r.Context(), req.Email)
	if existing != nil {
		jsonErr(w, 409, "email already registered")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		jsonErr(w, 500, "hash failed")
		return
	}

	user, err := s.store.CreateUser(r.Context(), req.Email, string(hash), model.RoleUser)
	if err != nil {
		jsonErr(w, 500, "create user failed: "+err.Error())
		return
	}

	token := s.makeToken(user.ID, user.Role)
	json200(w, map[string]any{"user": user, "token": token})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}

	user, err := s.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil || user == nil {
		jsonErr(w, 401, "invalid credentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		jsonErr(w, 401, "invalid credentials")
		return
	}

	token := s.makeToken(user.ID, user.Role)
	json200(w, map[string]any{"user": user, "token": token})
}

func (s *Server) makeToken(userID string, role model.Role) string {
	claims := jwt.MapClaims{
		"sub":  userID,
		"role": string(role),
		"exp":  time.Now().Add(72 * time.Hour).Unix(),
	}
	t, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	return t
}

// ── Middleware ────────────────────────────────────────

type ctxKey string

const (
	ctxUserID ctxKey = "userID"
	ctxRole   ctxKey = "role"
)

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			jsonErr(w, 401, "missing token")
			return
		}
		tokenStr := strings.TrimPrefix(auth, "Bearer ")
		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method")
			}
			return s.secret, nil
		})
		if err != nil || !token.Valid {
			jsonErr(w, 401, "invalid token")
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			jsonErr(w, 401, "invalid claims")
			return
		}
		userID, _ := claims["sub"].(string)
		role, _ := claims["role"].(string)
		ctx := context.WithValue(r.Context(), ctxUserID, userID)
		ctx = context.WithValue(ctx, ctxRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role, _ := r.Context().Value(ctxRole).(string)
		if role != string(model.RoleAdmin) {
			jsonErr(w, 403, "admin only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(204)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ── Balances ─────────────────────────────────────────

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	uid := r.Context().Value(ctxUserID).(string)
	asset := chi.URLParam(r, "asset")
	json200(w, s.bal.Cache().Get(uid, asset))
}

// ── Pairs ────────────────────────────────────────────

func (s *Server) listPairs(w http.ResponseWriter, r *http.Request) {
	json200(w, s.mgr.List())
}

func (s *Server) getBook(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	a, err := s.mgr.Require(symbol)
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	json200(w, a.Book().Snapshot(s.bookDepth))
}

func (s *Server) getTrades(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	limit := 50
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 && n <= 200 {
		limit = n
	}
	trades, err := s.store.ListRecentTrades(r.Context(), symbol, limit)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	json200(w, trades)
}

func (s *Server) createPair(w http.ResponseWriter, r *http.Request) {
	var req model.TradingPair
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if req.Symbol == "" || req.Base == "" || req.Quote == "" {
		jsonErr(w, 400, "symbol, base, quote required")
		return
	}
	if _, err := s.mgr.Admit(r.Context(), req); err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	json200(w, map[string]string{"status": "admitted"})
}

func (s *Server) freezePair(w http.ResponseWriter, r *http.Request) {
	s.setFrozen(w, r, true)
}

func (s *Server) unfreezePair(w http.ResponseWriter, r *http.Request) {
	s.setFrozen(w, r, false)
}

func (s *Server) setFrozen(w http.ResponseWriter, r *http.Request, freeze bool) {
	symbol := chi.URLParam(r, "symbol")
	a, err := s.mgr.Require(symbol)
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	var toggleErr error
	if freeze {
		toggleErr = a.Freeze()
	} else {
		toggleErr = a.Unfreeze()
	}
	if toggleErr != nil {
		jsonErr(w, 500, toggleErr.Error())
		return
	}
	status := model.PairActive
	if freeze {
		status = model.PairFrozen
	}
	if err := s.store.SetPairStatus(r.Context(), symbol, status); err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	json200(w, map[string]string{"status": string(status)})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	events, err := s.store.ListEvents(r.Context(), symbol, 200)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	json200(w, events)
}

// ── Orders ───────────────────────────────────────────

type placeOrderBody struct {
	Side          model.Side       `json:"side"`
	Mode          model.OrderMode  `json:"mode"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	Quantity      decimal.Decimal  `json:"quantity"`
	TIF           model.TIF        `json:"tif"`
	ClientOrderID *string          `json:"client_order_id,omitempty"`
	StopLoss      *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit    *decimal.Decimal `json:"take_profit,omitempty"`
}

func (s *Server) placeOrder(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	uid := r.Context().Value(ctxUserID).(string)

	var body placeOrderBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}

	a, err := s.mgr.Require(symbol)
	if err != nil {
		writeAPIErr(w, err)
		return
	}

	req := model.PlaceOrderRequest{
		Owner: uid, Pair: symbol, Side: body.Side, Mode: body.Mode, Price: body.Price,
		Quantity: body.Quantity, TIF: body.TIF, ClientOrderID: body.ClientOrderID,
		StopLoss: body.StopLoss, TakeProfit: body.TakeProfit,
	}
	result := a.PlaceOrder(req)

	if s.mon != nil && result.Status != model.StatusRejected && (body.StopLoss != nil || body.TakeProfit != nil) {
		s.mon.RegisterPair(symbol, a)
		s.mon.Register(monitor.Trigger{
			ID: result.OrderID, Owner: uid, Pair: symbol,
			Side: oppositeSide(body.Side), Quantity: body.Quantity,
			StopLoss: body.StopLoss, TakeProfit: body.TakeProfit,
		})
	}

	json200(w, result)
}

func oppositeSide(s model.Side) model.Side {
	if s == model.SideBuy {
		return model.SideSell
	}
	return model.SideBuy
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	uid := r.Context().Value(ctxUserID).(string)

	for _, p := range s.mgr.List() {
		a := s.mgr.Get(p.Symbol)
		if a == nil || a.Book().Get(orderID) == nil {
			continue
		}
		if err := a.CancelOrder(orderID, uid); err != nil {
			writeAPIErr(w, err)
			return
		}
		json200(w, map[string]string{"status": "cancelled"})
		return
	}
	jsonErr(w, 404, "order not found")
}

// ── Helpers ──────────────────────────────────────────

func json200(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeAPIErr(w http.ResponseWriter, err error) {
	ae, ok := apierr.As(err)
	if !ok {
		jsonErr(w, 500, err.Error())
		return
	}
	code := 400
	switch ae.Code {
	case apierr.CodeNotFound, apierr.CodeUnknownPair:
		code = 404
	case apierr.CodeNotOwner:
		code = 403
	case apierr.CodeLedgerUnavailable, apierr.CodeTimeout:
		code = 503
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"code": string(ae.Code), "message": ae.Message}})
}
