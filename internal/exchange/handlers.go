package exchange

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/betmesh/exchange-core/internal/exposure"
	"github.com/betmesh/exchange-core/internal/model"
	"github.com/betmesh/exchange-core/internal/store"
)

// API is the HTTP boundary over the Service: JSON in, JSON out, sentinel
// errors mapped onto status codes.
type API struct {
	svc   *Service
	store store.Store
}

// NewAPI wraps a service for HTTP serving.
func NewAPI(svc *Service) *API {
	return &API{svc: svc, store: svc.Store()}
}

// Routes mounts every endpoint on the given router.
func (a *API) Routes(r chi.Router) {
	r.Post("/users", a.CreateUser)
	r.Get("/users/{userID}/wallet", a.GetWallet)
	r.Get("/users/{userID}/ledger", a.GetLedger)
	r.Get("/users/{userID}/orders", a.ListUserOrders)
	r.Post("/users/{userID}/credit", a.Credit)
	r.Post("/users/{userID}/debit", a.Debit)

	r.Post("/matches", a.CreateMatch)
	r.Get("/matches/{matchID}", a.GetMatch)
	r.Post("/matches/{matchID}/status", a.UpdateMatchStatus)

	r.Post("/markets", a.CreateMarket)
	r.Get("/markets", a.ListMarkets)
	r.Get("/markets/{marketID}", a.GetMarket)
	r.Get("/markets/{marketID}/book/{selectionID}", a.GetOrderBook)
	r.Get("/markets/{marketID}/trades", a.GetTrades)
	r.Get("/markets/{marketID}/exposure", a.GetMarketExposure)
	r.Get("/markets/{marketID}/odds", a.GetReferenceOdds)
	r.Post("/markets/{marketID}/status", a.UpdateMarketStatus)
	r.Post("/markets/{marketID}/settle", a.SettleMarket)

	r.Post("/orders", a.PlaceOrder)
	r.Get("/orders/{orderID}", a.GetOrder)
	r.Delete("/orders/{orderID}", a.CancelOrder)
}

// --- Request types ---

// CreateUserRequest is the JSON body for user creation.
type CreateUserRequest struct {
	Email    string  `json:"email"`
	Role     string  `json:"role"`
	ParentID *string `json:"parent_id,omitempty"`
}

// FundsRequest is the JSON body for credit/debit.
type FundsRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Notes  string          `json:"notes"`
}

// CreateMatchRequest is the JSON body for match creation.
type CreateMatchRequest struct {
	SportKey   string    `json:"sport_key"`
	HomeTeam   string    `json:"home_team"`
	AwayTeam   string    `json:"away_team"`
	StartTime  time.Time `json:"start_time"`
	ExternalID *string   `json:"external_id,omitempty"`
}

// CreateMarketRequest is the JSON body for market creation.
type CreateMarketRequest struct {
	MatchID string   `json:"match_id"`
	Name    string   `json:"name"`
	Runners []string `json:"runners"`
}

// StatusRequest is the JSON body for lifecycle transitions.
type StatusRequest struct {
	Status string `json:"status"`
}

// SettleRequest is the JSON body for settlement. An empty winner list
// refunds every trade in the market.
type SettleRequest struct {
	WinnerSelectionIDs []string `json:"winner_selection_ids"`
}

// CancelRequest carries the caller identity for cancellation.
type CancelRequest struct {
	UserID string `json:"user_id"`
}

// --- Users & wallets ---

// CreateUser handles POST /api/v1/users.
func (a *API) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Email == "" {
		writeError(w, "email is required", http.StatusBadRequest)
		return
	}
	if req.Role == "" {
		req.Role = string(model.RoleUser)
	}
	user, err := a.svc.CreateUser(r.Context(), req.Email, model.Role(req.Role), req.ParentID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

// GetWallet handles GET /api/v1/users/{userID}/wallet.
func (a *API) GetWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := a.store.GetWallet(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":           wallet.UserID,
		"balance":           wallet.Balance,
		"exposure":          wallet.Exposure,
		"available_balance": wallet.Available(),
	})
}

// GetLedger handles GET /api/v1/users/{userID}/ledger.
func (a *API) GetLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := a.store.LedgerEntries(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// ListUserOrders handles GET /api/v1/users/{userID}/orders.
func (a *API) ListUserOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := a.store.OrdersByUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// Credit handles POST /api/v1/users/{userID}/credit.
func (a *API) Credit(w http.ResponseWriter, r *http.Request) {
	a.adjustFunds(w, r, false)
}

// Debit handles POST /api/v1/users/{userID}/debit.
func (a *API) Debit(w http.ResponseWriter, r *http.Request) {
	a.adjustFunds(w, r, true)
}

func (a *API) adjustFunds(w http.ResponseWriter, r *http.Request, debit bool) {
	var req FundsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}
	userID := chi.URLParam(r, "userID")
	var wallet *model.Wallet
	var err error
	if debit {
		wallet, err = a.svc.Debit(r.Context(), userID, req.Amount, req.Notes)
	} else {
		wallet, err = a.svc.Credit(r.Context(), userID, req.Amount, req.Notes)
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":           wallet.UserID,
		"balance":           wallet.Balance,
		"exposure":          wallet.Exposure,
		"available_balance": wallet.Available(),
	})
}

// --- Matches ---

// CreateMatch handles POST /api/v1/matches. A repeated external id returns
// the existing match with 200 instead of 201.
func (a *API) CreateMatch(w http.ResponseWriter, r *http.Request) {
	var req CreateMatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.HomeTeam == "" || req.AwayTeam == "" {
		writeError(w, "home_team and away_team are required", http.StatusBadRequest)
		return
	}
	match, existing, err := a.svc.CreateMatch(r.Context(), req.SportKey, req.HomeTeam, req.AwayTeam, req.StartTime, req.ExternalID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	status := http.StatusCreated
	if existing {
		status = http.StatusOK
	}
	writeJSON(w, status, match)
}

// GetMatch handles GET /api/v1/matches/{matchID}.
func (a *API) GetMatch(w http.ResponseWriter, r *http.Request) {
	match, err := a.store.GetMatch(r.Context(), chi.URLParam(r, "matchID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, match)
}

// UpdateMatchStatus handles POST /api/v1/matches/{matchID}/status.
func (a *API) UpdateMatchStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	match, err := a.svc.TransitionMatch(r.Context(), chi.URLParam(r, "matchID"), model.MatchStatus(req.Status))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, match)
}

// --- Markets ---

// CreateMarket handles POST /api/v1/markets.
func (a *API) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	market, runners, err := a.svc.CreateMarket(r.Context(), req.MatchID, req.Name, req.Runners)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"market":  market,
		"runners": runners,
	})
}

// ListMarkets handles GET /api/v1/markets.
func (a *API) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := a.store.ListMarkets(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	writeJSON(w, http.StatusOK, markets)
}

// GetMarket handles GET /api/v1/markets/{marketID}, returning the market
// with its runners.
func (a *API) GetMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	market, err := a.store.GetMarket(r.Context(), marketID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	runners, err := a.store.ListRunners(r.Context(), marketID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"market":  market,
		"runners": runners,
	})
}

// GetOrderBook handles GET /api/v1/markets/{marketID}/book/{selectionID}.
func (a *API) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	book, err := a.store.OrderBook(r.Context(), chi.URLParam(r, "marketID"), chi.URLParam(r, "selectionID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

// GetTrades handles GET /api/v1/markets/{marketID}/trades.
func (a *API) GetTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := a.store.TradesByMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetMarketExposure handles GET /api/v1/markets/{marketID}/exposure.
func (a *API) GetMarketExposure(w http.ResponseWriter, r *http.Request) {
	exposures, err := a.store.MarketExposures(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if exposures == nil {
		exposures = []model.MarketExposure{}
	}
	writeJSON(w, http.StatusOK, exposures)
}

// GetReferenceOdds handles GET /api/v1/markets/{marketID}/odds.
func (a *API) GetReferenceOdds(w http.ResponseWriter, r *http.Request) {
	odds, err := a.store.ReferenceOddsByMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if odds == nil {
		odds = []model.ReferenceOdds{}
	}
	writeJSON(w, http.StatusOK, odds)
}

// UpdateMarketStatus handles POST /api/v1/markets/{marketID}/status.
func (a *API) UpdateMarketStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	market, err := a.svc.TransitionMarket(r.Context(), chi.URLParam(r, "marketID"), model.MarketStatus(req.Status))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, market)
}

// SettleMarket handles POST /api/v1/markets/{marketID}/settle.
func (a *API) SettleMarket(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	settlement, err := a.svc.SettleMarket(r.Context(), chi.URLParam(r, "marketID"), req.WinnerSelectionIDs)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settlement)
}

// --- Orders ---

// PlaceOrder handles POST /api/v1/orders.
func (a *API) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	result, err := a.svc.PlaceOrder(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// GetOrder handles GET /api/v1/orders/{orderID}.
func (a *API) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := a.store.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// CancelOrder handles DELETE /api/v1/orders/{orderID}. The caller identity
// comes from the body; ownership is enforced by the service.
func (a *API) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	result, err := a.svc.CancelOrder(r.Context(), req.UserID, chi.URLParam(r, "orderID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- Helpers ---

// writeServiceError maps domain sentinels onto HTTP status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, model.ErrInvalidInput):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, model.ErrInsufficientFunds):
		writeError(w, err.Error(), http.StatusPaymentRequired)
	case errors.Is(err, model.ErrPermissionDenied):
		writeError(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, model.ErrInvalidState),
		errors.Is(err, model.ErrConflict),
		errors.Is(err, exposure.ErrMarketLimitExceeded),
		errors.Is(err, exposure.ErrTotalLimitExceeded):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
