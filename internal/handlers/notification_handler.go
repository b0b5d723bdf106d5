package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/docflow/backend/internal/middleware"
	"github.com/docflow/backend/internal/models"
)

type NotificationService interface {
	List(ctx context.Context, userID uuid.UUID, unreadOnly bool, limit int) ([]*models.Notification, error)
	MarkRead(ctx context.Context, userID, id uuid.UUID) error
	MarkAllRead(ctx context.Context, userID uuid.UUID) (int64, error)
}

type NotificationHandler struct {
	Notifications NotificationService
	Stream        EventStream
	Logger        *slog.Logger
}

func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	unread := r.URL.Query().Get("unread") == "true"
	list, err := h.Notifications.List(r.Context(), middleware.UserIDFromCtx(r.Context()), unread, queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, h.Logger, "list notifications", err)
		return
	}
	if list == nil {
		list = []*models.Notification{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, `{"error":"invalid notification id"}`, http.StatusBadRequest)
		return
	}
	if err := h.Notifications.MarkRead(r.Context(), middleware.UserIDFromCtx(r.Context()), id); err != nil {
		writeError(w, h.Logger, "mark notification read", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *NotificationHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	n, err := h.Notifications.MarkAllRead(r.Context(), middleware.UserIDFromCtx(r.Context()))
	if err != nil {
		writeError(w, h.Logger, "mark all notifications read", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": n})
}

// Events streams the caller's notifications as they are created.
func (h *NotificationHandler) Events(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	h.Stream.ServeSSE(w, r, userID, userID.String())
}
