package pushhub

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// --- recording connection ---

type recConn struct {
	mu     sync.Mutex
	frames []string
	fail   error
	closed bool
}

func (c *recConn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.frames = append(c.frames, string(frame))
	return nil
}

func (c *recConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *recConn) got() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.frames...)
}

func (c *recConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestPublishReachesOnlyMatchingScope(t *testing.T) {
	h := New("tasks", nil, nil)
	user := uuid.New()
	a, b, other := &recConn{}, &recConn{}, &recConn{}
	mustRegister(t, h, user, "task-1", a)
	mustRegister(t, h, user, "task-1", b)
	mustRegister(t, h, user, "task-2", other)

	n := h.Publish("task-1", Event{Type: "progress", Data: map[string]int{"progress": 40}})
	if n != 2 {
		t.Fatalf("sent = %d, want 2", n)
	}
	want := "event: progress\ndata: {\"progress\":40}\n\n"
	for _, c := range []*recConn{a, b} {
		if got := c.got(); len(got) != 1 || got[0] != want {
			t.Errorf("frames = %q, want [%q]", got, want)
		}
	}
	if len(other.got()) != 0 {
		t.Errorf("other scope received %q", other.got())
	}
}

func TestPublishWithNoSubscribersIsNoop(t *testing.T) {
	h := New("users", nil, nil)
	if n := h.Publish("nobody", Event{Type: "notification", Data: "x"}); n != 0 {
		t.Errorf("sent = %d, want 0", n)
	}
}

func TestFailingConnectionIsDroppedOthersStillReceive(t *testing.T) {
	h := New("tasks", nil, nil)
	user := uuid.New()
	bad := &recConn{fail: errors.New("broken pipe")}
	good := &recConn{}
	mustRegister(t, h, user, "s", bad)
	mustRegister(t, h, user, "s", good)

	if n := h.Publish("s", Event{Type: "completed", Data: nil}); n != 1 {
		t.Errorf("sent = %d, want 1", n)
	}
	if !bad.isClosed() {
		t.Error("failing connection not closed")
	}
	if h.Len() != 1 {
		t.Errorf("live connections = %d, want 1", h.Len())
	}
	if len(good.got()) != 1 {
		t.Error("healthy connection missed the event")
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	h := New("tasks", nil, nil)
	c := &recConn{}
	id := mustRegister(t, h, uuid.New(), "s", c)
	h.Unregister(id)
	h.Unregister(id)
	h.Unregister(uuid.New())
	if h.Len() != 0 || !c.isClosed() {
		t.Errorf("len=%d closed=%v", h.Len(), c.isClosed())
	}
}

func TestCloseRejectsRegistration(t *testing.T) {
	h := New("tasks", nil, nil)
	c := &recConn{}
	mustRegister(t, h, uuid.New(), "s", c)
	h.Close()
	if !c.isClosed() {
		t.Error("connection not closed by hub Close")
	}
	if _, err := h.Register(uuid.New(), "s", &recConn{}); !errors.Is(err, ErrHubClosed) {
		t.Errorf("Register after Close: err = %v", err)
	}
}

func TestSSEConnSendNeverBlocks(t *testing.T) {
	c := newSSEConn()
	for i := 0; i < sseBuffer; i++ {
		if err := c.Send([]byte("x")); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if err := c.Send([]byte("x")); !errors.Is(err, ErrSlowConsumer) {
		t.Errorf("full buffer: err = %v", err)
	}
	c.Close()
	c.Close()
	if err := c.Send([]byte("x")); !errors.Is(err, ErrConnClosed) {
		t.Errorf("closed: err = %v", err)
	}
}

func TestServeSSEStreamsInitialThenPublished(t *testing.T) {
	h := New("tasks", nil, nil)
	user := uuid.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeSSE(w, r, user, "task-9", Event{Type: "snapshot", Data: map[string]string{"status": "processing"}})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	if line := readLine(t, reader); line != "event: snapshot" {
		t.Fatalf("first line %q", line)
	}
	readLine(t, reader) // data
	readLine(t, reader) // blank

	waitFor(t, func() bool { return h.Len() == 1 })
	h.Publish("task-9", Event{Type: "completed", Data: map[string]int{"progress": 100}})
	if line := readLine(t, reader); line != "event: completed" {
		t.Fatalf("second event line %q", line)
	}

	cancel()
	waitFor(t, func() bool { return h.Len() == 0 })
}

func mustRegister(t *testing.T, h *Hub, user uuid.UUID, scope string, c Conn) uuid.UUID {
	t.Helper()
	id, err := h.Register(user, scope, c)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return id
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return strings.TrimRight(line, "\n")
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
