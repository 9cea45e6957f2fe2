// Package api exposes the challenge engine over HTTP.
//
// Handlers decode JSON, call one core operation and map its error kind to a
// status code. They hold no business logic of their own.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/challenge-engine/internal/audit"
	"github.com/atmx/challenge-engine/internal/challenge"
	"github.com/atmx/challenge-engine/internal/model"
	"github.com/atmx/challenge-engine/internal/payout"
	"github.com/atmx/challenge-engine/internal/risk"
	"github.com/atmx/challenge-engine/internal/trade"
)

// Deps are the services behind the API. Reconciler may be nil, which
// disables the audit route.
type Deps struct {
	Challenges *challenge.Service
	Risk       *risk.Engine
	Executor   *trade.Executor
	Worker     *challenge.Worker
	Payouts    *payout.Service
	Reconciler *audit.Reconciler
	Logger     *slog.Logger
}

// Handler serves the /api/v1 routes.
type Handler struct {
	Deps
}

// NewHandler creates a handler.
func NewHandler(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Handler{Deps: d}
}

// Routes registers every route on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/users", h.CreateUser)

	r.Post("/challenges", h.CreateChallenge)
	r.Route("/challenges/{challengeID}", func(r chi.Router) {
		r.Get("/", h.GetChallenge)
		r.Get("/positions", h.ListPositions)
		r.Get("/trades", h.ListTrades)
		r.Get("/preflight", h.Preflight)
		r.Post("/validate", h.ValidateTrade)
		r.Post("/evaluate", h.Evaluate)
		r.Get("/payouts", h.ListPayouts)
		r.Post("/payouts", h.RequestPayout)
		if h.Reconciler != nil {
			r.Get("/audit", h.Audit)
		}
	})

	r.Post("/trade", h.ExecuteTrade)

	r.Post("/payouts/{payoutID}/process", h.ProcessPayout)
	r.Post("/payouts/{payoutID}/complete", h.CompletePayout)
	r.Post("/payouts/{payoutID}/fail", h.FailPayout)
}

// CreateUserRequest is the JSON body for POST /users.
type CreateUserRequest struct {
	Email string `json:"email"`
}

// CreateChallengeRequest is the JSON body for POST /challenges.
type CreateChallengeRequest struct {
	UserID string `json:"user_id"`
	Tier   string `json:"tier"`
}

// ValidateRequest is the JSON body for POST /challenges/{id}/validate.
type ValidateRequest struct {
	MarketID         string          `json:"market_id"`
	Amount           decimal.Decimal `json:"amount"`
	ExistingExposure decimal.Decimal `json:"existing_exposure"`
	Direction        model.Direction `json:"direction"`
}

// CompleteRequest is the JSON body for POST /payouts/{id}/complete.
type CompleteRequest struct {
	TransactionHash string `json:"transaction_hash"`
}

// FailRequest is the JSON body for POST /payouts/{id}/fail.
type FailRequest struct {
	Reason string `json:"reason"`
}

// CreateUser handles POST /api/v1/users
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if !decode(w, r, &req) {
		return
	}
	u, err := h.Challenges.CreateUser(r.Context(), req.Email)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

// CreateChallenge handles POST /api/v1/challenges
func (h *Handler) CreateChallenge(w http.ResponseWriter, r *http.Request) {
	var req CreateChallengeRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := h.Challenges.Create(r.Context(), req.UserID, req.Tier)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// GetChallenge handles GET /api/v1/challenges/{challengeID}
func (h *Handler) GetChallenge(w http.ResponseWriter, r *http.Request) {
	v, err := h.Challenges.Get(r.Context(), chi.URLParam(r, "challengeID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// ListPositions handles GET /api/v1/challenges/{challengeID}/positions
func (h *Handler) ListPositions(w http.ResponseWriter, r *http.Request) {
	ps, err := h.Challenges.Positions(r.Context(), chi.URLParam(r, "challengeID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

// ListTrades handles GET /api/v1/challenges/{challengeID}/trades
func (h *Handler) ListTrades(w http.ResponseWriter, r *http.Request) {
	ts, err := h.Challenges.Trades(r.Context(), chi.URLParam(r, "challengeID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

// Preflight handles GET /api/v1/challenges/{challengeID}/preflight?market=&direction=
func (h *Handler) Preflight(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p, err := h.Risk.PreflightLimits(r.Context(), chi.URLParam(r, "challengeID"),
		q.Get("market"), model.Direction(q.Get("direction")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ValidateTrade handles POST /api/v1/challenges/{challengeID}/validate.
// A rejected amount is a 200 with allowed=false.
func (h *Handler) ValidateTrade(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if !decode(w, r, &req) {
		return
	}
	dec, err := h.Risk.ValidateTrade(r.Context(), chi.URLParam(r, "challengeID"),
		req.MarketID, req.Amount, req.ExistingExposure, req.Direction)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dec)
}

// ExecuteTrade handles POST /api/v1/trade
func (h *Handler) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req trade.Request
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Executor.ExecuteTrade(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Evaluate handles POST /api/v1/challenges/{challengeID}/evaluate
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	res, err := h.Worker.Evaluate(r.Context(), chi.URLParam(r, "challengeID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListPayouts handles GET /api/v1/challenges/{challengeID}/payouts
func (h *Handler) ListPayouts(w http.ResponseWriter, r *http.Request) {
	ps, err := h.Payouts.List(r.Context(), chi.URLParam(r, "challengeID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

// RequestPayout handles POST /api/v1/challenges/{challengeID}/payouts
func (h *Handler) RequestPayout(w http.ResponseWriter, r *http.Request) {
	p, err := h.Payouts.Request(r.Context(), chi.URLParam(r, "challengeID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// ProcessPayout handles POST /api/v1/payouts/{payoutID}/process
func (h *Handler) ProcessPayout(w http.ResponseWriter, r *http.Request) {
	p, err := h.Payouts.MarkProcessing(r.Context(), chi.URLParam(r, "payoutID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// CompletePayout handles POST /api/v1/payouts/{payoutID}/complete
func (h *Handler) CompletePayout(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := h.Payouts.Complete(r.Context(), chi.URLParam(r, "payoutID"), req.TransactionHash)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// FailPayout handles POST /api/v1/payouts/{payoutID}/fail
func (h *Handler) FailPayout(w http.ResponseWriter, r *http.Request) {
	var req FailRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := h.Payouts.Fail(r.Context(), chi.URLParam(r, "payoutID"), req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Audit handles GET /api/v1/challenges/{challengeID}/audit
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	rep, err := h.Reconciler.Reconcile(r.Context(), chi.URLParam(r, "challengeID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// riskError is the body of a 422 response.
type riskError struct {
	Error      string          `json:"error"`
	Constraint string          `json:"constraint"`
	Limit      decimal.Decimal `json:"limit"`
}

// fail writes err with the status of its kind. Risk rejections are checked
// first: a balance-bound rejection is also a validation error but keeps its
// constraint and limit in the body.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var rle *model.RiskLimitError
	switch {
	case errors.As(err, &rle):
		writeJSON(w, http.StatusUnprocessableEntity, riskError{
			Error:      rle.Reason,
			Constraint: rle.Constraint,
			Limit:      rle.Limit,
		})
	case errors.Is(err, model.ErrValidation):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, model.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, model.ErrPrecondition):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		level := slog.LevelWarn
		if errors.Is(err, model.ErrConsistency) {
			level = slog.LevelError
		}
		h.Logger.Log(r.Context(), level, "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"err", err,
		)
		if errors.Is(err, model.ErrConsistency) {
			writeError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
