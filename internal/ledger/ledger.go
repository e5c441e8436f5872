// Package ledger persists per-student learning progress: lesson
// completions, quiz results, the question attempt log, arena answers,
// points and badges.
//
// All writes for one student run inside Store.WithStudent, which serializes
// them and commits all-or-nothing.
package ledger

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/p-n-ai/pai-arena/internal/apperr"
	"github.com/p-n-ai/pai-arena/internal/identity"
)

// MaxTotalPoints is the largest total a profile can hold; SQL stores keep
// totals in a 32-bit INTEGER column.
const MaxTotalPoints = math.MaxInt32

func pointsLimitError(delta int) error {
	return apperr.Invalid("points", "adding %d would exceed the %d point limit", delta, MaxTotalPoints)
}

// User is a registered platform user.
type User struct {
	ID           string        `json:"id"`
	DisplayName  string        `json:"display_name"`
	Role         identity.Role `json:"role"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActiveAt time.Time     `json:"last_active_at"`
}

// UserFromActor builds the user record registered for a resolved actor.
func UserFromActor(a identity.Actor) User {
	return User{ID: a.ID, DisplayName: a.DisplayName, Role: a.Role}
}

// Completion records that a student finished a lesson.
type Completion struct {
	StudentID   string    `json:"student_id"`
	LessonID    string    `json:"lesson_id"`
	CompletedAt time.Time `json:"completed_at"`
}

// QuizResult holds the latest score of a student on a quiz.
type QuizResult struct {
	StudentID   string    `json:"student_id"`
	QuizID      string    `json:"quiz_id"`
	Score       float64   `json:"score"`
	CompletedAt time.Time `json:"completed_at"`
}

// Attempt is one graded question of one quiz submission. ChosenOptionID is
// empty when the question was left unanswered.
type Attempt struct {
	ID             string    `json:"id"`
	StudentID      string    `json:"student_id"`
	QuizID         string    `json:"quiz_id"`
	QuestionID     string    `json:"question_id"`
	ChosenOptionID string    `json:"chosen_option_id,omitempty"`
	IsCorrect      bool      `json:"is_correct"`
	CreatedAt      time.Time `json:"created_at"`
}

// ArenaAnswer is one answer to an arena activity.
type ArenaAnswer struct {
	ID         string    `json:"id"`
	StudentID  string    `json:"student_id"`
	ActivityID string    `json:"activity_id"`
	IsCorrect  bool      `json:"is_correct"`
	CreatedAt  time.Time `json:"created_at"`
}

// OwnedBadge is a badge held by a student.
type OwnedBadge struct {
	BadgeID   string    `json:"badge_id"`
	AwardedAt time.Time `json:"awarded_at"`
}

// Profile holds a student's cumulative points and badges.
type Profile struct {
	StudentID   string       `json:"student_id"`
	TotalPoints int          `json:"total_points"`
	Badges      []OwnedBadge `json:"badges"`
}

// Owns reports whether the profile holds badgeID.
func (p Profile) Owns(badgeID string) bool {
	for _, b := range p.Badges {
		if b.BadgeID == badgeID {
			return true
		}
	}
	return false
}

// OwnedSet returns the owned badge ids as a set.
func (p Profile) OwnedSet() map[string]bool {
	out := make(map[string]bool, len(p.Badges))
	for _, b := range p.Badges {
		out[b.BadgeID] = true
	}
	return out
}

// Progress is the completion state the unlock resolver reads.
type Progress struct {
	Completed  map[string]time.Time // lesson id -> completed at
	QuizScores map[string]float64   // quiz id -> latest score
}

func newProgress() Progress {
	return Progress{
		Completed:  make(map[string]time.Time),
		QuizScores: make(map[string]float64),
	}
}

// Dataset is the full ledger content read by analytics.
type Dataset struct {
	Users        []User
	Completions  []Completion
	QuizResults  []QuizResult
	Attempts     []Attempt
	ArenaAnswers []ArenaAnswer
	Profiles     []Profile
}

// Store is the persistence boundary of the ledger.
type Store interface {
	// WithStudent registers user if needed, bumps its last-activity time and
	// runs fn as one serialized unit of work for that student. If fn returns
	// an error nothing it wrote is kept. fn must only use tx for storage.
	WithStudent(ctx context.Context, user User, fn func(ctx context.Context, tx Tx) error) error

	User(ctx context.Context, id string) (User, error)
	Progress(ctx context.Context, studentID string) (Progress, error)
	// Profile returns an empty profile for a student with no points yet.
	Profile(ctx context.Context, studentID string) (Profile, error)
	Attempts(ctx context.Context, studentID string) ([]Attempt, error)
	Dataset(ctx context.Context) (Dataset, error)

	Ping(ctx context.Context) error
	Close() error
}

// Tx is the write view of one student inside WithStudent.
type Tx interface {
	StudentID() string
	Progress(ctx context.Context) (Progress, error)
	Profile(ctx context.Context) (Profile, error)
	// QuizScore returns the stored score for quizID, ok is false if none.
	QuizScore(ctx context.Context, quizID string) (score float64, ok bool, err error)
	UpsertQuizResult(ctx context.Context, quizID string, score float64, at time.Time) error
	AppendAttempts(ctx context.Context, attempts []Attempt) error
	AppendArenaAnswer(ctx context.Context, answer ArenaAnswer) error
	// MarkComplete reports whether a new completion record was created.
	MarkComplete(ctx context.Context, lessonID string, at time.Time) (bool, error)
	// UnmarkComplete reports whether a completion record was removed.
	UnmarkComplete(ctx context.Context, lessonID string) (bool, error)
	// AddPoints adds a non-negative delta and returns the new total. A delta
	// that would push the total past MaxTotalPoints is a validation error.
	AddPoints(ctx context.Context, delta int) (int, error)
	// AwardBadges grants the given badges; already owned ones are ignored.
	AwardBadges(ctx context.Context, badgeIDs []string, at time.Time) error
}

// NewID returns a fresh record id.
func NewID() string {
	return uuid.NewString()
}
