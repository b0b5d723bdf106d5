package pushhub

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	sseBuffer         = 32
	heartbeatInterval = 25 * time.Second
)

// sseConn buffers frames for one streaming response.
type sseConn struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once
}

func newSSEConn() *sseConn {
	return &sseConn{frames: make(chan []byte, sseBuffer), done: make(chan struct{})}
}

func (c *sseConn) Send(frame []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.frames <- frame:
		return nil
	default:
		return ErrSlowConsumer
	}
}

func (c *sseConn) Close() {
	c.once.Do(func() { close(c.done) })
}

// ServeSSE streams events for scope to w until the client goes away, the
// connection is dropped by the hub, or the hub closes. initial events are
// written first, before anything published afterwards.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request, userID uuid.UUID, scope string, initial ...Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error":"streaming unsupported"}`, http.StatusInternalServerError)
		return
	}

	conn := newSSEConn()
	id, err := h.Register(userID, scope, conn)
	if err != nil {
		http.Error(w, `{"error":"service shutting down"}`, http.StatusServiceUnavailable)
		return
	}
	defer h.Unregister(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	for _, evt := range initial {
		frame, err := encodeFrame(evt)
		if err != nil {
			h.log.Error("encode initial push event", "type", evt.Type, "error", err)
			return
		}
		if _, err := w.Write(frame); err != nil {
			return
		}
	}
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-conn.done:
			return
		case frame := <-conn.frames:
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
