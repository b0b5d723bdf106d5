// Package pushhub fans events out to live client connections. Delivery is
// best effort and at most once; nothing is persisted and nothing is shared
// across processes.
package pushhub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/docflow/backend/internal/telemetry"
)

var (
	ErrHubClosed = errors.New("push hub closed")
	// ErrSlowConsumer is returned by a connection whose buffer is full.
	ErrSlowConsumer = errors.New("push connection buffer full")
	ErrConnClosed   = errors.New("push connection closed")
)

// Event is one pushed message. Type becomes the SSE event name.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Conn is the write side of a client connection. Send must not block.
type Conn interface {
	Send(frame []byte) error
	Close()
}

type entry struct {
	userID uuid.UUID
	scope  string
	conn   Conn
}

// Hub owns the set of live connections for one kind of scope (a task id or a
// user id). Create one per scope kind; the zero value is not usable.
type Hub struct {
	name    string
	log     *slog.Logger
	metrics *telemetry.Metrics

	mu     sync.RWMutex
	conns  map[uuid.UUID]*entry
	closed bool
}

func New(name string, log *slog.Logger, metrics *telemetry.Metrics) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		name:    name,
		log:     log.With("hub", name),
		metrics: metrics,
		conns:   make(map[uuid.UUID]*entry),
	}
}

// Register adds a connection and returns its id.
func (h *Hub) Register(userID uuid.UUID, scope string, c Conn) (uuid.UUID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return uuid.Nil, ErrHubClosed
	}
	id := uuid.New()
	h.conns[id] = &entry{userID: userID, scope: scope, conn: c}
	h.log.Debug("push connection registered", "conn_id", id, "user_id", userID, "scope", scope)
	return id, nil
}

// Unregister removes and closes a connection. Unknown ids are ignored, so it
// is safe to call from every exit path.
func (h *Hub) Unregister(id uuid.UUID) {
	h.mu.Lock()
	e, ok := h.conns[id]
	delete(h.conns, id)
	h.mu.Unlock()
	if ok {
		e.conn.Close()
		h.log.Debug("push connection unregistered", "conn_id", id, "scope", e.scope)
	}
}

// Publish serializes evt once and writes it to every connection registered
// under scope. A connection that fails the write is dropped; the others still
// receive the event. Returns the number of successful writes.
func (h *Hub) Publish(scope string, evt Event) int {
	h.mu.RLock()
	type target struct {
		id   uuid.UUID
		conn Conn
	}
	var targets []target
	for id, e := range h.conns {
		if e.scope == scope {
			targets = append(targets, target{id, e.conn})
		}
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return 0
	}

	frame, err := encodeFrame(evt)
	if err != nil {
		h.log.Error("encode push event", "type", evt.Type, "error", err)
		return 0
	}

	sent := 0
	for _, t := range targets {
		if err := t.conn.Send(frame); err != nil {
			h.log.Warn("push write failed, dropping connection", "conn_id", t.id, "scope", scope, "error", err)
			h.metrics.PushDropped(context.Background(), h.name)
			h.Unregister(t.id)
			continue
		}
		sent++
	}
	return sent
}

// Len reports the number of live connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close drops every connection and rejects later registrations.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[uuid.UUID]*entry)
	h.closed = true
	h.mu.Unlock()
	for _, e := range conns {
		e.conn.Close()
	}
}

// encodeFrame renders evt as a server-sent events frame.
func encodeFrame(evt Event) ([]byte, error) {
	data, err := json.Marshal(evt.Data)
	if err != nil {
		return nil, err
	}
	return fmt.Appendf(nil, "event: %s\ndata: %s\n\n", evt.Type, data), nil
}
