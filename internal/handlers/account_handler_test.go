package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/docflow/backend/internal/ledger"
	"github.com/docflow/backend/internal/models"
	"github.com/docflow/backend/internal/notifications"
	"github.com/docflow/backend/internal/pushhub"
	"github.com/docflow/backend/internal/rewards"
	"github.com/docflow/backend/internal/testsupport"
)

type countingStream struct {
	scopes []string
}

func (s *countingStream) ServeSSE(w http.ResponseWriter, _ *http.Request, _ uuid.UUID, scope string, _ ...pushhub.Event) {
	s.scopes = append(s.scopes, scope)
	w.WriteHeader(http.StatusOK)
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, pushhub.Event) int { return 0 }

type accountFixture struct {
	db    *testsupport.DB
	h     *AccountHandler
	notes *NotificationHandler
	user  uuid.UUID
}

func newAccountFixture(points int) *accountFixture {
	db := testsupport.NewDB()
	l := ledger.NewService(db, db.Users(), db.Ledger(), nil)
	notify := notifications.NewService(db.NotificationStore(), nopPublisher{}, nil)
	user := uuid.New()
	db.AddUser(&models.User{ID: user, Email: "u@example.com", Points: points, MembershipTier: models.TierFree})
	return &accountFixture{
		db: db,
		h: &AccountHandler{
			Ledger: l,
			Rewards: rewards.NewService(rewards.Deps{
				Pool: db, Store: db.Rewards(), Users: db.Users(), Subscriptions: db.Subscriptions(),
				Ledger: l, Notifier: notify, CheckInPoints: 10,
				Now: func() time.Time { return time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC) },
			}),
		},
		notes: &NotificationHandler{Notifications: notify, Stream: &countingStream{}},
		user:  user,
	}
}

func TestBalanceAndLedger(t *testing.T) {
	f := newAccountFixture(40)
	rec := httptest.NewRecorder()
	f.h.Balance(rec, asUser(httptest.NewRequest(http.MethodGet, "/api/v1/account/balance", nil), f.user))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"points":40`) {
		t.Fatalf("balance: %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	f.h.CheckIn(rec, asUser(httptest.NewRequest(http.MethodPost, "/api/v1/checkin", nil), f.user))
	if rec.Code != http.StatusOK {
		t.Fatalf("checkin: %d %s", rec.Code, rec.Body.String())
	}
	rec = httptest.NewRecorder()
	f.h.CheckIn(rec, asUser(httptest.NewRequest(http.MethodPost, "/api/v1/checkin", nil), f.user))
	if rec.Code != http.StatusConflict {
		t.Errorf("second checkin: expected 409, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	f.h.ListLedger(rec, asUser(httptest.NewRequest(http.MethodGet, "/api/v1/account/ledger?limit=10", nil), f.user))
	var entries []models.LedgerEntry
	if err := json.NewDecoder(rec.Body).Decode(&entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Category != models.LedgerCheckIn || entries[0].BalanceAfter != 50 {
		t.Errorf("ledger %+v", entries)
	}
}

func TestBalanceUnknownUserIs404(t *testing.T) {
	f := newAccountFixture(0)
	rec := httptest.NewRecorder()
	f.h.Balance(rec, asUser(httptest.NewRequest(http.MethodGet, "/", nil), uuid.New()))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestRedeemStatuses(t *testing.T) {
	f := newAccountFixture(0)
	f.db.AddCode(&models.RedemptionCode{ID: uuid.New(), Code: "GIFT", Points: 25, MaxUses: 1})

	tests := []struct {
		body string
		want int
	}{
		{`{"code":"GIFT"}`, http.StatusOK},
		{`{"code":"GIFT"}`, http.StatusConflict},
		{`{"code":"MISSING"}`, http.StatusNotFound},
		{`not json`, http.StatusBadRequest},
	}
	for i, tt := range tests {
		rec := httptest.NewRecorder()
		f.h.Redeem(rec, asUser(httptest.NewRequest(http.MethodPost, "/api/v1/redeem", strings.NewReader(tt.body)), f.user))
		if rec.Code != tt.want {
			t.Errorf("request %d: expected %d, got %d: %s", i, tt.want, rec.Code, rec.Body.String())
		}
	}
	if f.db.Balance(f.user) != 25 {
		t.Errorf("balance = %d, want 25", f.db.Balance(f.user))
	}
}

func TestAdjustPoints(t *testing.T) {
	f := newAccountFixture(5)
	tests := []struct {
		name string
		id   string
		body string
		want int
	}{
		{"credit", f.user.String(), `{"amount":20,"reason":"support"}`, http.StatusOK},
		{"overdraw", f.user.String(), `{"amount":-100,"reason":"clawback"}`, http.StatusPaymentRequired},
		{"zero", f.user.String(), `{"amount":0,"reason":"noop"}`, http.StatusBadRequest},
		{"no reason", f.user.String(), `{"amount":5}`, http.StatusBadRequest},
		{"unknown user", uuid.NewString(), `{"amount":5,"reason":"x"}`, http.StatusNotFound},
		{"bad id", "abc", `{"amount":5,"reason":"x"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			req.SetPathValue("id", tt.id)
			rec := httptest.NewRecorder()
			f.h.AdjustPoints(rec, asUser(req, uuid.New()))
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
	adj := f.db.EntriesByCategory(f.user, models.LedgerAdminAdjust)
	if len(adj) != 1 || adj[0].Amount != 20 || f.db.Balance(f.user) != 25 {
		t.Errorf("adjustments %+v balance %d", adj, f.db.Balance(f.user))
	}
}

// ---------------------------------------------------------------------------
// Notifications
// ---------------------------------------------------------------------------

func TestNotificationsListAndRead(t *testing.T) {
	f := newAccountFixture(0)
	rec := httptest.NewRecorder()
	f.h.CheckIn(rec, asUser(httptest.NewRequest(http.MethodPost, "/", nil), f.user))

	rec = httptest.NewRecorder()
	f.notes.List(rec, asUser(httptest.NewRequest(http.MethodGet, "/api/v1/notifications?unread=true", nil), f.user))
	var list []models.Notification
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Category != models.NotifyCheckIn {
		t.Fatalf("notifications %+v", list)
	}

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.SetPathValue("id", list[0].ID.String())
	rec = httptest.NewRecorder()
	f.notes.MarkRead(rec, asUser(req, uuid.New()))
	if rec.Code != http.StatusNotFound {
		t.Errorf("foreign mark read: expected 404, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	f.notes.MarkRead(rec, asUser(req, f.user))
	if rec.Code != http.StatusNoContent {
		t.Errorf("mark read: expected 204, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	f.notes.MarkAllRead(rec, asUser(httptest.NewRequest(http.MethodPost, "/", nil), f.user))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"updated":0`) {
		t.Errorf("mark all read: %d %s", rec.Code, rec.Body.String())
	}
}

func TestNotificationEventsUseUserScope(t *testing.T) {
	f := newAccountFixture(0)
	stream := f.notes.Stream.(*countingStream)
	rec := httptest.NewRecorder()
	f.notes.Events(rec, asUser(httptest.NewRequest(http.MethodGet, "/", nil), f.user))
	if len(stream.scopes) != 1 || stream.scopes[0] != f.user.String() {
		t.Errorf("scopes %v", stream.scopes)
	}
}
