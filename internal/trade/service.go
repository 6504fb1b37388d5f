// Package trade provides the HTTP handlers for executing trades, crediting
// wallets, and querying portfolios and the leaderboard.
//
// All monetary values are integer cents; decimal input is converted once by
// the price resolver. Never float64 for money.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/finnacle/ledger-engine/internal/ledger"
	"github.com/finnacle/ledger-engine/internal/model"
	"github.com/finnacle/ledger-engine/internal/money"
	"github.com/finnacle/ledger-engine/internal/pricing"
	"github.com/finnacle/ledger-engine/internal/symbol"
)

const (
	// enrichTimeout bounds the quote lookups that mark positions to market.
	enrichTimeout = 3 * time.Second

	// maxEnrichConcurrency caps parallel quote lookups per response.
	maxEnrichConcurrency = 8

	defaultLeaderboardLimit = 100
	maxLeaderboardLimit     = 100
)

// Service exposes the ledger engine over HTTP. Price resolution happens
// before the engine is called and quote enrichment after it returns, so no
// network I/O runs inside a unit of work.
type Service struct {
	engine   *ledger.Engine
	resolver *pricing.Resolver
	quoter   pricing.Quoter // optional; nil leaves positions unpriced
	wsHub    *WSHub         // optional WebSocket hub for per-user events
}

// NewService creates a new trade service.
// Pass nil for quoter or hub to disable market enrichment or broadcasting.
func NewService(engine *ledger.Engine, quoter pricing.Quoter, hub *WSHub) *Service {
	return &Service{
		engine:   engine,
		resolver: pricing.NewResolver(quoter),
		quoter:   quoter,
		wsHub:    hub,
	}
}

// --- Request/Response types ---

// TradeRequest is the JSON body for POST /trades/buy and /trades/sell.
// Price precedence: price_cents, then price, then the market quote.
type TradeRequest struct {
	Symbol     string           `json:"symbol"`
	Quantity   decimal.Decimal  `json:"quantity"` // positive whole shares
	PriceCents *int64           `json:"price_cents,omitempty"`
	Price      *decimal.Decimal `json:"price,omitempty"` // major units, e.g. 183.25
}

// SummaryResponse is the portfolio view returned by every ledger endpoint.
type SummaryResponse struct {
	WalletBalanceCents money.Cents      `json:"wallet_balance_cents"`
	WalletBalance      string           `json:"wallet_balance"`
	RealizedPnLCents   money.Cents      `json:"realized_pnl_cents"`
	Positions          []model.Position `json:"positions"`
}

// TradeResponse is the JSON body returned from a successful trade.
type TradeResponse struct {
	Trade              *ledger.Fill `json:"trade"`
	RealizedDeltaCents money.Cents  `json:"realized_delta_cents"`
	SummaryResponse
}

// CreditRequest is the JSON body for POST /credits.
type CreditRequest struct {
	AmountCents int64        `json:"amount_cents"`
	Reason      model.Reason `json:"reason"`
	BusinessKey string       `json:"business_key"`
}

// QuizRewardRequest is the JSON body for POST /rewards/quiz.
type QuizRewardRequest struct {
	AssignmentID string `json:"assignment_id"`
	QuestionID   string `json:"question_id"`
}

// CreditResponse is the JSON body returned from credit endpoints.
type CreditResponse struct {
	Applied            bool        `json:"applied"`
	AmountCents        money.Cents `json:"amount_cents"`
	WalletBalanceCents money.Cents `json:"wallet_balance_cents"`
	WalletBalance      string      `json:"wallet_balance"`
}

// LeaderboardResponse is the JSON body for GET /leaderboard.
type LeaderboardResponse struct {
	Limit   int                      `json:"limit"`
	Offset  int                      `json:"offset"`
	Entries []model.LeaderboardEntry `json:"entries"`
}

// --- HTTP Handlers ---

// Buy handles POST /api/v1/trades/buy
func (s *Service) Buy(w http.ResponseWriter, r *http.Request) {
	s.executeTrade(w, r, ledger.SideBuy)
}

// Sell handles POST /api/v1/trades/sell
func (s *Service) Sell(w http.ResponseWriter, r *http.Request) {
	s.executeTrade(w, r, ledger.SideSell)
}

func (s *Service) executeTrade(w http.ResponseWriter, r *http.Request, side ledger.Side) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "INVALID_REQUEST", "invalid request body", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	userID := UserID(ctx)

	sym, err := symbol.Normalize(req.Symbol)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if !req.Quantity.IsInteger() || !req.Quantity.IsPositive() || req.Quantity.BigInt().BitLen() > 63 {
		writeError(w, "INVALID_QUANTITY", "quantity must be a positive whole number", http.StatusBadRequest)
		return
	}
	qty := req.Quantity.IntPart()

	price, err := s.resolver.Resolve(ctx, sym, pricing.PriceSpec{Cents: req.PriceCents, Amount: req.Price})
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	var res ledger.Result
	if side == ledger.SideBuy {
		res, err = s.engine.Buy(ctx, userID, sym, qty, price)
	} else {
		res, err = s.engine.Sell(ctx, userID, sym, qty, price)
	}
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	if s.wsHub != nil {
		realized := res.RealizedPnLCents
		s.wsHub.Publish(userID, WSMessage{
			Type:               "trade_executed",
			Trade:              res.Fill,
			WalletBalanceCents: res.WalletBalanceCents,
			RealizedPnLCents:   &realized,
		})
	}

	writeJSON(w, http.StatusOK, TradeResponse{
		Trade:              res.Fill,
		RealizedDeltaCents: res.RealizedDeltaCents,
		SummaryResponse:    s.summaryResponse(ctx, res),
	})
}

// Summary handles GET /api/v1/portfolio/summary
func (s *Service) Summary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res, err := s.engine.Summary(ctx, UserID(ctx))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "private, max-age=10")
	writeJSON(w, http.StatusOK, s.summaryResponse(ctx, res))
}

// Credit handles POST /api/v1/credits
func (s *Service) Credit(w http.ResponseWriter, r *http.Request) {
	var req CreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "INVALID_REQUEST", "invalid request body", http.StatusBadRequest)
		return
	}
	req.Reason = model.Reason(strings.ToUpper(string(req.Reason)))
	ctx := r.Context()
	res, err := s.engine.Credit(ctx, UserID(ctx), money.Cents(req.AmountCents), req.Reason, req.BusinessKey)
	s.respondCredit(w, UserID(ctx), req.Reason, req.BusinessKey, money.Cents(req.AmountCents), res, err)
}

// RewardQuiz handles POST /api/v1/rewards/quiz
func (s *Service) RewardQuiz(w http.ResponseWriter, r *http.Request) {
	var req QuizRewardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "INVALID_REQUEST", "invalid request body", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	res, err := s.engine.RewardQuizAnswer(ctx, UserID(ctx), req.AssignmentID, req.QuestionID)
	key := ledger.QuizAnswerKey(req.AssignmentID, req.QuestionID)
	s.respondCredit(w, UserID(ctx), model.ReasonReward, key, ledger.QuizRewardCents, res, err)
}

// InitialGrant handles POST /api/v1/wallet/initial-grant
func (s *Service) InitialGrant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res, err := s.engine.GrantInitial(ctx, UserID(ctx))
	s.respondCredit(w, UserID(ctx), model.ReasonInitialGrant, ledger.InitialGrantKey, s.engine.InitialGrantCents(), res, err)
}

func (s *Service) respondCredit(w http.ResponseWriter, userID string, reason model.Reason, key string, amount money.Cents, res ledger.CreditResult, err error) {
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	status := http.StatusOK
	if res.Applied {
		status = http.StatusCreated
		if s.wsHub != nil {
			s.wsHub.Publish(userID, WSMessage{
				Type:               "wallet_credited",
				WalletBalanceCents: res.WalletBalanceCents,
				Reason:             reason,
				BusinessKey:        key,
				AmountCents:        amount,
			})
		}
	}
	writeJSON(w, status, CreditResponse{
		Applied:            res.Applied,
		AmountCents:        amount,
		WalletBalanceCents: res.WalletBalanceCents,
		WalletBalance:      res.WalletBalanceCents.String(),
	})
}

// Leaderboard handles GET /api/v1/leaderboard?limit=&offset=
func (s *Service) Leaderboard(w http.ResponseWriter, r *http.Request) {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		limit = defaultLeaderboardLimit
	}
	limit = min(max(limit, 1), maxLeaderboardLimit)

	offset, err := strconv.Atoi(r.URL.Query().Get("offset"))
	if err != nil || offset < 0 {
		offset = 0
	}

	entries, err := s.engine.Leaderboard(r.Context(), limit, offset)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "public, s-maxage=10")
	writeJSON(w, http.StatusOK, LeaderboardResponse{Limit: limit, Offset: offset, Entries: entries})
}

// --- Helpers ---

func (s *Service) summaryResponse(ctx context.Context, res ledger.Result) SummaryResponse {
	return SummaryResponse{
		WalletBalanceCents: res.WalletBalanceCents,
		WalletBalance:      res.WalletBalanceCents.String(),
		RealizedPnLCents:   res.RealizedPnLCents,
		Positions:          s.enrich(ctx, res.Holdings),
	}
}

// enrich marks holdings to market. A failed lookup leaves that position's
// quote fields nil and never fails the response.
func (s *Service) enrich(ctx context.Context, holdings []model.Holding) []model.Position {
	positions := make([]model.Position, len(holdings))
	for i, h := range holdings {
		positions[i] = model.NewPosition(h)
	}
	if s.quoter == nil || len(holdings) == 0 {
		return positions
	}

	ctx, cancel := context.WithTimeout(ctx, enrichTimeout)
	defer cancel()

	var g errgroup.Group
	g.SetLimit(maxEnrichConcurrency)
	for i := range positions {
		p := &positions[i]
		g.Go(func() error {
			last, err := s.quoter.Quote(ctx, p.Symbol)
			if err == nil && last > 0 {
				p.Mark(last)
			}
			return nil
		})
	}
	g.Wait()
	return positions
}

// writeLedgerError maps domain errors to status codes and stable error codes.
func writeLedgerError(w http.ResponseWriter, err error) {
	code, status := errorCode(err)
	writeError(w, code, err.Error(), status)
}

func errorCode(err error) (string, int) {
	switch {
	case errors.Is(err, symbol.ErrInvalidSymbol):
		return "INVALID_SYMBOL", http.StatusBadRequest
	case errors.Is(err, ledger.ErrInvalidQuantity):
		return "INVALID_QUANTITY", http.StatusBadRequest
	case errors.Is(err, ledger.ErrInvalidPrice), errors.Is(err, pricing.ErrInvalidPrice):
		return "INVALID_PRICE", http.StatusBadRequest
	case errors.Is(err, ledger.ErrInvalidAmount):
		return "INVALID_AMOUNT", http.StatusBadRequest
	case errors.Is(err, ledger.ErrInvalidReason):
		return "INVALID_REASON", http.StatusBadRequest
	case errors.Is(err, ledger.ErrInvalidBusinessKey):
		return "INVALID_BUSINESS_KEY", http.StatusBadRequest
	case errors.Is(err, ledger.ErrInvalidUser):
		return "UNAUTHENTICATED", http.StatusUnauthorized
	case errors.Is(err, ledger.ErrInvalidInput):
		return "INVALID_INPUT", http.StatusBadRequest
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "INSUFFICIENT_FUNDS", http.StatusBadRequest
	case errors.Is(err, ledger.ErrInsufficientQuantity):
		return "INSUFFICIENT_QUANTITY", http.StatusBadRequest
	case errors.Is(err, ledger.ErrConcurrencyConflict):
		return "CONFLICT", http.StatusConflict
	default:
		return "INTERNAL", http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, code, message string, status int) {
	if status >= http.StatusInternalServerError {
		message = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
