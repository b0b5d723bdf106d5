package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/docflow/backend/internal/ledger"
	"github.com/docflow/backend/internal/middleware"
	"github.com/docflow/backend/internal/models"
	"github.com/docflow/backend/internal/rewards"
)

type LedgerService interface {
	Balance(ctx context.Context, userID uuid.UUID) (ledger.Balance, error)
	Transactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.LedgerEntry, error)
	Credit(ctx context.Context, userID uuid.UUID, amount int, category, description string) (int, error)
}

type RewardService interface {
	CheckIn(ctx context.Context, userID uuid.UUID) (*rewards.CheckInResult, error)
	Redeem(ctx context.Context, userID uuid.UUID, code string) (*rewards.RedeemResult, error)
}

// AccountHandler serves balance, ledger, rewards and admin point adjustments.
type AccountHandler struct {
	Ledger  LedgerService
	Rewards RewardService
	Logger  *slog.Logger
}

type balanceResponse struct {
	Points    int  `json:"points"`
	Unlimited bool `json:"unlimited_points"`
}

// --- GET /api/v1/account/balance ---

func (h *AccountHandler) Balance(w http.ResponseWriter, r *http.Request) {
	b, err := h.Ledger.Balance(r.Context(), middleware.UserIDFromCtx(r.Context()))
	if err != nil {
		writeError(w, h.Logger, "get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Points: b.Points, Unlimited: b.Unlimited})
}

// --- GET /api/v1/account/ledger ---

func (h *AccountHandler) ListLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Ledger.Transactions(r.Context(), middleware.UserIDFromCtx(r.Context()),
		queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		writeError(w, h.Logger, "list ledger", err)
		return
	}
	if entries == nil {
		entries = []*models.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- POST /api/v1/checkin ---

func (h *AccountHandler) CheckIn(w http.ResponseWriter, r *http.Request) {
	res, err := h.Rewards.CheckIn(r.Context(), middleware.UserIDFromCtx(r.Context()))
	if err != nil {
		writeError(w, h.Logger, "check-in", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- POST /api/v1/redeem ---

type redeemRequest struct {
	Code string `json:"code"`
}

func (h *AccountHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	res, err := h.Rewards.Redeem(r.Context(), middleware.UserIDFromCtx(r.Context()), req.Code)
	if err != nil {
		writeError(w, h.Logger, "redeem", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- POST /api/v1/admin/users/{id}/points ---

type adjustPointsRequest struct {
	Amount int    `json:"amount"`
	Reason string `json:"reason"`
}

func (h *AccountHandler) AdjustPoints(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r, "id")
	if !ok {
		http.Error(w, `{"error":"invalid user id"}`, http.StatusBadRequest)
		return
	}
	var req adjustPointsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		http.Error(w, `{"error":"reason is required"}`, http.StatusBadRequest)
		return
	}
	balance, err := h.Ledger.Credit(r.Context(), userID, req.Amount, models.LedgerAdminAdjust, req.Reason)
	if err != nil {
		writeError(w, h.Logger, "adjust points", err)
		return
	}
	if h.Logger != nil {
		h.Logger.Info("points adjusted", "user_id", userID, "amount", req.Amount,
			"admin_id", middleware.UserIDFromCtx(r.Context()), "reason", req.Reason)
	}
	writeJSON(w, http.StatusOK, map[string]int{"balance": balance})
}
