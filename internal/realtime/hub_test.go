package realtime_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/p-n-ai/pai-arena/internal/events"
	"github.com/p-n-ai/pai-arena/internal/identity"
	"github.com/p-n-ai/pai-arena/internal/realtime"
)

func TestHub_FiltersByStudent(t *testing.T) {
	hub := realtime.NewHub(4)
	own, cancelOwn := hub.Subscribe("s1", false)
	defer cancelOwn()
	all, cancelAll := hub.Subscribe("t1", true)
	defer cancelAll()

	_ = hub.LogEvent(t.Context(), events.New(events.TypePointsAwarded, "s2", nil))
	_ = hub.LogEvent(t.Context(), events.New(events.TypePointsAwarded, "s1", nil))

	if got := <-own; got.StudentID != "s1" {
		t.Errorf("student subscriber got event for %s", got.StudentID)
	}
	if len(own) != 0 {
		t.Errorf("student subscriber has %d extra events", len(own))
	}
	if len(all) != 2 {
		t.Errorf("teacher subscriber has %d events, want 2", len(all))
	}
}

func TestHub_DropsSlowSubscriber(t *testing.T) {
	hub := realtime.NewHub(1)
	ch, cancel := hub.Subscribe("s1", false)

	for range 2 {
		_ = hub.LogEvent(t.Context(), events.New(events.TypeQuizSubmitted, "s1", nil))
	}

	if hub.Count() != 0 {
		t.Errorf("Count() = %d, slow subscriber should be dropped", hub.Count())
	}
	<-ch
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after the buffered event")
	}
	cancel()
}

func TestHub_ServeWS(t *testing.T) {
	hub := realtime.NewHub(4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, identity.Actor{ID: "s1", Role: identity.RoleStudent})
	}))
	defer srv.Close()

	ctx := t.Context()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.CloseNow()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	_ = hub.LogEvent(ctx, events.New(events.TypeBadgeAwarded, "s2", nil))
	_ = hub.LogEvent(ctx, events.New(events.TypeBadgeAwarded, "s1", map[string]any{"badge_id": "bronze"}))

	var got events.Event
	if err := wsjson.Read(ctx, c, &got); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got.StudentID != "s1" || got.Data["badge_id"] != "bronze" {
		t.Errorf("received %+v, want s1 bronze badge", got)
	}

	c.Close(websocket.StatusNormalClosure, "")
	deadline = time.Now().Add(2 * time.Second)
	for hub.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber not removed after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
