// Package game provides the HTTP handlers and WebSocket transport for the
// crash game: players and wallets, bets and cashouts, round status, history
// and fairness verification.
//
// All monetary values use shopspring/decimal. Never float64 for money.
package game

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/crash-engine/internal/engine"
	"github.com/atmx/crash-engine/internal/fairness"
	"github.com/atmx/crash-engine/internal/ledger"
	"github.com/atmx/crash-engine/internal/model"
	"github.com/atmx/crash-engine/internal/oracle"
	"github.com/atmx/crash-engine/internal/store"
)

// DefaultHistoryLimit is the number of resolved rounds returned by History
// when no limit is given.
const DefaultHistoryLimit = 5

const maxHistoryLimit = 100

// Service exposes the engine over HTTP.
type Service struct {
	engine *engine.Engine
	store  store.Store
	prices engine.PriceSource
	gen    *fairness.Generator
	hub    *Hub
	log    *slog.Logger
}

// NewService creates the HTTP service. hub may be nil when WebSocket
// transport is not needed.
func NewService(eng *engine.Engine, st store.Store, prices engine.PriceSource, gen *fairness.Generator, hub *Hub, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		engine: eng,
		store:  st,
		prices: prices,
		gen:    gen,
		hub:    hub,
		log:    logger,
	}
}

// --- Request/Response types ---

// CreatePlayerRequest is the JSON body for POST /players.
type CreatePlayerRequest struct {
	Username string `json:"username"`
}

// BetRequest is the JSON body for POST /bets.
type BetRequest struct {
	Username string          `json:"username"`
	Amount   decimal.Decimal `json:"amount"`   // display currency (USD)
	Currency string          `json:"currency"` // BTC or ETH
}

// CashoutRequest is the JSON body for POST /cashout and the WebSocket
// cashout command.
type CashoutRequest struct {
	Username string `json:"username"`
}

// CashoutResponse describes a paid-out bet.
type CashoutResponse struct {
	RoundID                 string          `json:"round_id"`
	Username                string          `json:"username"`
	Currency                string          `json:"currency"`
	Multiplier              decimal.Decimal `json:"multiplier"`
	PayoutAmount            decimal.Decimal `json:"payout_amount"`
	PayoutInDisplayCurrency decimal.Decimal `json:"payout_in_display_currency"`
	Balance                 decimal.Decimal `json:"balance"`
}

// WalletView is a wallet with its display-currency value.
type WalletView struct {
	Currency string          `json:"currency"`
	Balance  decimal.Decimal `json:"balance"`
	Price    decimal.Decimal `json:"price"`
	USDValue decimal.Decimal `json:"usd_value"`
}

// WalletResponse is the JSON body returned from GET /players/{username}/wallet.
type WalletResponse struct {
	Username string          `json:"username"`
	Wallets  []WalletView    `json:"wallets"`
	TotalUSD decimal.Decimal `json:"total_usd"`
}

// RoundView is a started round. It carries the commitment only.
type RoundView struct {
	RoundID    string    `json:"round_id"`
	Commitment string    `json:"commitment"`
	StartedAt  time.Time `json:"started_at"`
}

// VerifyResponse is the result of recomputing a resolved round's crash point.
type VerifyResponse struct {
	RoundID         string          `json:"round_id"`
	Seed            string          `json:"seed"`
	Commitment      string          `json:"commitment"`
	CrashPoint      decimal.Decimal `json:"crash_point"`
	ComputedCrash   decimal.Decimal `json:"computed_crash_point"`
	CommitmentValid bool            `json:"commitment_valid"`
	CrashPointValid bool            `json:"crash_point_valid"`
	MaxMultiplier   int64           `json:"max_multiplier"`
}

// --- HTTP Handlers ---

// CreatePlayer handles POST /api/v1/players
func (s *Service) CreatePlayer(w http.ResponseWriter, r *http.Request) {
	var req CreatePlayerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	username := strings.TrimSpace(req.Username)
	if username == "" {
		writeError(w, "username is required", http.StatusBadRequest)
		return
	}

	player := &model.Player{
		Username:  username,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreatePlayer(r.Context(), player); err != nil {
		s.writeErr(w, err)
		return
	}
	created, err := s.store.GetPlayer(r.Context(), username)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	s.log.Info("player created", "player", username)
	writeJSON(w, http.StatusCreated, created)
}

// GetWallet handles GET /api/v1/players/{username}/wallet
func (s *Service) GetWallet(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	ctx := r.Context()

	player, err := s.store.GetPlayer(ctx, username)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	resp := WalletResponse{Username: player.Username, Wallets: []WalletView{}, TotalUSD: decimal.Zero}
	for _, wal := range player.Wallets {
		price, err := s.prices.Price(ctx, wal.Currency)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		usd := ledger.ToDisplay(wal.Balance, price)
		resp.Wallets = append(resp.Wallets, WalletView{
			Currency: wal.Currency,
			Balance:  wal.Balance,
			Price:    price,
			USDValue: usd,
		})
		resp.TotalUSD = resp.TotalUSD.Add(usd)
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetTransactions handles GET /api/v1/players/{username}/transactions
// Returns ledger entries, newest first.
func (s *Service) GetTransactions(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	ctx := r.Context()

	if _, err := s.store.GetPlayer(ctx, username); err != nil {
		s.writeErr(w, err)
		return
	}
	entries, err := s.store.GetLedgerEntriesByPlayer(ctx, username)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// PlaceBet handles POST /api/v1/bets
func (s *Service) PlaceBet(w http.ResponseWriter, r *http.Request) {
	var req BetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// --- Input validation ---
	if req.Username == "" {
		writeError(w, "username is required", http.StatusBadRequest)
		return
	}
	currency := strings.ToUpper(req.Currency)
	if !model.IsSupportedCurrency(currency) {
		writeError(w, "currency must be one of "+strings.Join(model.Currencies, ", "), http.StatusBadRequest)
		return
	}

	bet, err := s.engine.PlaceBet(r.Context(), req.Username, req.Amount, currency)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, bet)
}

// Cashout handles POST /api/v1/cashout
func (s *Service) Cashout(w http.ResponseWriter, r *http.Request) {
	var req CashoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	resp, err := s.cashout(r.Context(), req.Username)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) cashout(ctx context.Context, username string) (*CashoutResponse, error) {
	if username == "" {
		return nil, errUsernameRequired
	}
	res, err := s.engine.Cashout(ctx, username)
	if err != nil {
		return nil, err
	}
	return &CashoutResponse{
		RoundID:                 res.Bet.RoundID,
		Username:                username,
		Currency:                res.Bet.Currency,
		Multiplier:              res.Multiplier,
		PayoutAmount:            res.Payout,
		PayoutInDisplayCurrency: res.PayoutDisplay,
		Balance:                 res.Balance,
	}, nil
}

// Status handles GET /api/v1/game/status
func (s *Service) Status(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Status(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// StartRound handles POST /api/v1/game/start
func (s *Service) StartRound(w http.ResponseWriter, r *http.Request) {
	round, err := s.engine.Create(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, RoundView{
		RoundID:    round.ID,
		Commitment: round.Commitment,
		StartedAt:  round.StartedAt,
	})
}

// ForceCrash handles POST /api/v1/game/crash
// Crashes the active round at its current multiplier.
func (s *Service) ForceCrash(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Resolve(r.Context()); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "crashed"})
}

// History handles GET /api/v1/game/history?limit=N
// Returns the most recent resolved rounds with their seeds revealed.
func (s *Service) History(w http.ResponseWriter, r *http.Request) {
	limit := DefaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxHistoryLimit {
			writeError(w, "limit must be between 1 and "+strconv.Itoa(maxHistoryLimit), http.StatusBadRequest)
			return
		}
		limit = n
	}

	rounds, err := s.store.ListRounds(r.Context(), model.RoundResolved, limit)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if rounds == nil {
		rounds = []model.Round{}
	}
	writeJSON(w, http.StatusOK, rounds)
}

// VerifyRound handles GET /api/v1/game/rounds/{roundID}/verify
// Recomputes the crash point of a resolved round from its revealed seed.
func (s *Service) VerifyRound(w http.ResponseWriter, r *http.Request) {
	roundID := chi.URLParam(r, "roundID")

	round, err := s.store.GetRound(r.Context(), roundID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if round.Status != model.RoundResolved {
		writeError(w, "round is not resolved yet", http.StatusConflict)
		return
	}

	computed := s.gen.CrashPoint(round.Seed, round.ID)
	writeJSON(w, http.StatusOK, VerifyResponse{
		RoundID:         round.ID,
		Seed:            round.Seed,
		Commitment:      round.Commitment,
		CrashPoint:      round.CrashPoint,
		ComputedCrash:   computed,
		CommitmentValid: fairness.Commitment(round.Seed) == round.Commitment,
		CrashPointValid: computed.Equal(round.CrashPoint),
		MaxMultiplier:   s.gen.MaxMultiplier(),
	})
}

// --- Errors ---

var errUsernameRequired = errors.New("username is required")

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errUsernameRequired),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, oracle.ErrUnsupportedCurrency):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrRoundNotActive),
		errors.Is(err, ledger.ErrDuplicateBet),
		errors.Is(err, ledger.ErrNoActiveBet),
		errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, store.ErrAlreadyExists),
		errors.Is(err, engine.ErrRoundActive),
		errors.Is(err, engine.ErrNoActiveRound),
		errors.Is(err, engine.ErrStopped):
		return http.StatusConflict
	case errors.Is(err, oracle.ErrPriceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Service) writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "err", err)
		msg = "internal error"
	}
	writeError(w, msg, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
