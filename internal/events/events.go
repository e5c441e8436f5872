// Package events carries domain events emitted after a committed ledger
// write to their sinks: the events table, the message broker and websocket
// subscribers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/p-n-ai/pai-arena/internal/ledger"
)

// Event types.
const (
	TypeQuizSubmitted     = "quiz.submitted"
	TypeLessonCompleted   = "lesson.completed"
	TypeLessonUncompleted = "lesson.uncompleted"
	TypePointsAwarded     = "points.awarded"
	TypeBadgeAwarded      = "badge.awarded"
	TypeArenaAnswered     = "arena.answered"
)

const dbTimeout = 5 * time.Second

// Event is a domain event about one student.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	StudentID string         `json:"student_id"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// New stamps an event with an id and the current time.
func New(eventType, studentID string, data map[string]any) Event {
	return Event{
		ID:        ledger.NewID(),
		Type:      eventType,
		StudentID: studentID,
		Data:      data,
		CreatedAt: time.Now(),
	}
}

func (e Event) validate() error {
	if e.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if e.StudentID == "" {
		return fmt.Errorf("student_id is required")
	}
	return nil
}

// EventLogger is an event sink.
type EventLogger interface {
	LogEvent(ctx context.Context, event Event) error
}

// NopEventLogger ignores all events.
type NopEventLogger struct{}

func (NopEventLogger) LogEvent(context.Context, Event) error {
	return nil
}

// MemoryEventLogger stores events in memory for tests.
type MemoryEventLogger struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryEventLogger() *MemoryEventLogger {
	return &MemoryEventLogger{events: []Event{}}
}

func (l *MemoryEventLogger) LogEvent(_ context.Context, event Event) error {
	if err := event.validate(); err != nil {
		return err
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	l.mu.Lock()
	l.events = append(l.events, event)
	l.mu.Unlock()

	return nil
}

func (l *MemoryEventLogger) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event{}, l.events...)
}

// OfType returns the logged events of the given type.
func (l *MemoryEventLogger) OfType(eventType string) []Event {
	var out []Event
	for _, e := range l.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// PostgresEventLogger inserts events into the events table.
type PostgresEventLogger struct {
	pool *pgxpool.Pool
}

func NewPostgresEventLogger(pool *pgxpool.Pool) *PostgresEventLogger {
	return &PostgresEventLogger{pool: pool}
}

func (l *PostgresEventLogger) LogEvent(ctx context.Context, event Event) error {
	if l == nil || l.pool == nil {
		return fmt.Errorf("event logger pool is nil")
	}
	if err := event.validate(); err != nil {
		return err
	}

	payload := event.Data
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	id := event.ID
	if id == "" {
		id = ledger.NewID()
	}

	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	if _, err := l.pool.Exec(ctx,
		`INSERT INTO events (id, event_type, student_id, data, created_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5)`,
		id,
		event.Type,
		event.StudentID,
		string(data),
		createdAt,
	); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	slog.Debug("event logged",
		"type", event.Type,
		"student_id", event.StudentID,
	)
	return nil
}

// Fanout delivers each event to every sink and joins their errors.
type Fanout []EventLogger

func (f Fanout) LogEvent(ctx context.Context, event Event) error {
	var errs []error
	for _, sink := range f {
		if err := sink.LogEvent(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
