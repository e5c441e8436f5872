package events_test

import (
	"context"
	"errors"
	"testing"

	"github.com/p-n-ai/pai-arena/internal/events"
)

func TestMemoryEventLogger(t *testing.T) {
	logger := events.NewMemoryEventLogger()
	ctx := t.Context()

	err := logger.LogEvent(ctx, events.New(events.TypeLessonCompleted, "s1", map[string]any{"lesson_id": "L1"}))
	if err != nil {
		t.Fatalf("LogEvent() error = %v", err)
	}
	if err := logger.LogEvent(ctx, events.Event{StudentID: "s1"}); err == nil {
		t.Error("LogEvent() should reject an event without a type")
	}
	if err := logger.LogEvent(ctx, events.Event{Type: events.TypeBadgeAwarded}); err == nil {
		t.Error("LogEvent() should reject an event without a student")
	}

	got := logger.Events()
	if len(got) != 1 {
		t.Fatalf("Events() = %d, want 1", len(got))
	}
	if got[0].ID == "" || got[0].CreatedAt.IsZero() {
		t.Errorf("event = %+v, want id and timestamp", got[0])
	}
	if len(logger.OfType(events.TypeLessonCompleted)) != 1 || len(logger.OfType(events.TypeBadgeAwarded)) != 0 {
		t.Error("OfType() filtered wrongly")
	}
}

type failingLogger struct{ err error }

func (f failingLogger) LogEvent(context.Context, events.Event) error { return f.err }

func TestFanout(t *testing.T) {
	mem := events.NewMemoryEventLogger()
	boom := errors.New("broker down")
	fan := events.Fanout{failingLogger{boom}, events.NopEventLogger{}, mem}

	err := fan.LogEvent(t.Context(), events.New(events.TypePointsAwarded, "s1", nil))
	if !errors.Is(err, boom) {
		t.Errorf("Fanout.LogEvent() error = %v, want broker error", err)
	}
	if len(mem.Events()) != 1 {
		t.Error("a failing sink should not stop delivery to the others")
	}
}

func TestPostgresEventLogger_NilPool(t *testing.T) {
	var l *events.PostgresEventLogger
	if err := l.LogEvent(t.Context(), events.New(events.TypePointsAwarded, "s1", nil)); err == nil {
		t.Error("LogEvent() on nil logger should fail")
	}
}
