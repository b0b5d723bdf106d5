package router

import (
	"net/http"

	"github.com/docflow/backend/internal/auth"
	"github.com/docflow/backend/internal/handlers"
	"github.com/docflow/backend/internal/middleware"
)

type Handlers struct {
	Auth          *auth.Handler
	Tasks         *handlers.TaskHandler
	Account       *handlers.AccountHandler
	Notifications *handlers.NotificationHandler
}

// Middleware wraps routes. Authn must set the caller's principal; Limit may
// be nil.
type Middleware struct {
	Authn func(http.Handler) http.Handler
	Limit func(http.Handler) http.Handler
}

// New returns an http.Handler that serves the API under /api/v1.
func New(h Handlers, mw Middleware) http.Handler {
	limit := mw.Limit
	if limit == nil {
		limit = func(next http.Handler) http.Handler { return next }
	}
	// user routes: authenticated, then limited per user
	user := func(fn http.HandlerFunc) http.Handler { return mw.Authn(limit(fn)) }
	// stream routes are long-lived and not rate limited
	stream := func(fn http.HandlerFunc) http.Handler { return mw.Authn(fn) }
	admin := func(fn http.HandlerFunc) http.Handler { return mw.Authn(middleware.RequireAdmin(fn)) }

	mux := http.NewServeMux()
	base := "/api/v1"

	mux.Handle("POST "+base+"/auth/register", limit(http.HandlerFunc(h.Auth.Register)))
	mux.Handle("POST "+base+"/auth/login", limit(http.HandlerFunc(h.Auth.Login)))

	mux.Handle("POST "+base+"/tasks", user(h.Tasks.CreateTask))
	mux.Handle("GET "+base+"/tasks", user(h.Tasks.ListTasks))
	mux.Handle("GET "+base+"/tasks/{id}", user(h.Tasks.GetTask))
	mux.Handle("GET "+base+"/tasks/{id}/download", user(h.Tasks.Download))
	mux.Handle("GET "+base+"/tasks/{id}/events", stream(h.Tasks.Events))
	mux.HandleFunc("POST "+base+"/tasks/webhook", h.Tasks.Webhook)

	mux.Handle("GET "+base+"/account/balance", user(h.Account.Balance))
	mux.Handle("GET "+base+"/account/ledger", user(h.Account.ListLedger))
	mux.Handle("POST "+base+"/checkin", user(h.Account.CheckIn))
	mux.Handle("POST "+base+"/redeem", user(h.Account.Redeem))
	mux.Handle("POST "+base+"/admin/users/{id}/points", admin(h.Account.AdjustPoints))

	mux.Handle("GET "+base+"/notifications", user(h.Notifications.List))
	mux.Handle("POST "+base+"/notifications/{id}/read", user(h.Notifications.MarkRead))
	mux.Handle("POST "+base+"/notifications/read-all", user(h.Notifications.MarkAllRead))
	mux.Handle("GET "+base+"/notifications/events", stream(h.Notifications.Events))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}
