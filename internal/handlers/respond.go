package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/docflow/backend/internal/ledger"
	"github.com/docflow/backend/internal/orchestrator"
	"github.com/docflow/backend/internal/repository"
	"github.com/docflow/backend/internal/rewards"
	"github.com/docflow/backend/internal/tasktype"
)

// statusFor maps service errors onto HTTP statuses. Unknown errors are 500
// and their text is not sent to the client.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusPaymentRequired, "insufficient balance"
	case errors.Is(err, orchestrator.ErrNotFound),
		errors.Is(err, repository.ErrNotFound),
		errors.Is(err, ledger.ErrUserNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, rewards.ErrCodeNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, orchestrator.ErrExpired):
		return http.StatusGone, err.Error()
	case errors.Is(err, orchestrator.ErrNotReady),
		errors.Is(err, rewards.ErrAlreadyCheckedIn),
		errors.Is(err, rewards.ErrCodeUnavailable),
		errors.Is(err, rewards.ErrAlreadyRedeemed):
		return http.StatusConflict, err.Error()
	case errors.Is(err, tasktype.ErrValidation):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, tasktype.ErrPricingUnavailable),
		errors.Is(err, tasktype.ErrUnknownType),
		errors.Is(err, orchestrator.ErrInvalidWebhook),
		errors.Is(err, ledger.ErrZeroAmount):
		return http.StatusBadRequest, err.Error()
	}
	return http.StatusInternalServerError, "internal error"
}

func writeError(w http.ResponseWriter, log *slog.Logger, op string, err error) {
	code, msg := statusFor(err)
	if code == http.StatusInternalServerError {
		if log == nil {
			log = slog.Default()
		}
		log.Error(op, "error", err)
	}
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func pathID(r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	return id, err == nil
}

// queryInt reads a non-negative integer query parameter, returning def when
// absent or malformed.
func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
