// Package realtime pushes domain events to websocket clients. Students
// receive their own events; teachers receive every event.
package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/p-n-ai/pai-arena/internal/events"
	"github.com/p-n-ai/pai-arena/internal/identity"
)

const (
	defaultBuffer = 16
	writeTimeout  = 5 * time.Second
)

type subscriber struct {
	studentID string
	all       bool
	ch        chan events.Event
}

// Hub fans events out to subscribers. A subscriber whose buffer is full is
// dropped.
type Hub struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	buffer int
}

// NewHub creates a hub with the given per-subscriber buffer.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{subs: make(map[*subscriber]struct{}), buffer: buffer}
}

// Subscribe registers a subscriber for studentID, or for every student when
// all is set. The channel is closed when the subscriber is dropped or
// cancel is called.
func (h *Hub) Subscribe(studentID string, all bool) (<-chan events.Event, func()) {
	s := &subscriber{studentID: studentID, all: all, ch: make(chan events.Event, h.buffer)}

	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	return s.ch, func() { h.remove(s) }
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.ch)
	}
}

// Count returns the number of live subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// LogEvent delivers ev without blocking.
func (h *Hub) LogEvent(_ context.Context, ev events.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for s := range h.subs {
		if !s.all && s.studentID != ev.StudentID {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			slog.Warn("dropping slow websocket subscriber", "student_id", s.studentID)
			delete(h.subs, s)
			close(s.ch)
		}
	}
	return nil
}

// ServeWS upgrades the request and streams events for actor until the
// client goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, actor identity.Actor) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "student_id", actor.ID, "error", err)
		return
	}
	defer c.CloseNow()

	ch, cancel := h.Subscribe(actor.ID, actor.IsTeacher())
	defer cancel()

	slog.Debug("websocket connected", "student_id", actor.ID, "role", actor.Role)
	ctx := c.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				c.Close(websocket.StatusPolicyViolation, "subscriber too slow")
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c, ev)
			wcancel()
			if err != nil {
				slog.Debug("websocket write failed", "student_id", actor.ID, "error", err)
				return
			}
		}
	}
}
