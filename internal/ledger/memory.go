package ledger

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/p-n-ai/pai-arena/internal/apperr"
	"github.com/p-n-ai/pai-arena/internal/identity"
)

type studentState struct {
	user        User
	completions map[string]time.Time
	results     map[string]QuizResult
	attempts    []Attempt
	arena       []ArenaAnswer
	points      int
	badges      []OwnedBadge
}

func (s *studentState) clone() *studentState {
	return &studentState{
		user:        s.user,
		completions: maps.Clone(s.completions),
		results:     maps.Clone(s.results),
		attempts:    slices.Clone(s.attempts),
		arena:       slices.Clone(s.arena),
		points:      s.points,
		badges:      slices.Clone(s.badges),
	}
}

func (s *studentState) profile() Profile {
	return Profile{StudentID: s.user.ID, TotalPoints: s.points, Badges: slices.Clone(s.badges)}
}

func (s *studentState) progress() Progress {
	p := newProgress()
	maps.Copy(p.Completed, s.completions)
	for id, r := range s.results {
		p.QuizScores[id] = r.Score
	}
	return p
}

// MemoryStore is an in-memory Store. Each student has its own lock; a unit
// of work mutates a private copy that replaces the stored state on success.
type MemoryStore struct {
	mu       sync.RWMutex
	students map[string]*studentState

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	now func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		students: make(map[string]*studentState),
		locks:    make(map[string]*sync.Mutex),
		now:      time.Now,
	}
}

func (s *MemoryStore) studentLock(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *MemoryStore) WithStudent(ctx context.Context, user User, fn func(context.Context, Tx) error) error {
	if user.ID == "" {
		return apperr.Invalid("student_id", "is required")
	}

	lock := s.studentLock(user.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	now := s.now()
	s.mu.RLock()
	cur, ok := s.students[user.ID]
	s.mu.RUnlock()

	var staged *studentState
	if ok {
		staged = cur.clone()
	} else {
		staged = &studentState{
			user:        User{ID: user.ID, Role: identity.RoleStudent, CreatedAt: now},
			completions: make(map[string]time.Time),
			results:     make(map[string]QuizResult),
		}
	}
	if user.DisplayName != "" {
		staged.user.DisplayName = user.DisplayName
	}
	if user.Role != "" {
		staged.user.Role = user.Role
	}
	staged.user.LastActiveAt = now

	if err := fn(ctx, &memoryTx{state: staged}); err != nil {
		return err
	}

	s.mu.Lock()
	s.students[user.ID] = staged
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) User(_ context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.students[id]
	if !ok {
		return User{}, apperr.NotFound("student", id)
	}
	return st.user, nil
}

func (s *MemoryStore) Progress(_ context.Context, studentID string) (Progress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.students[studentID]
	if !ok {
		return newProgress(), nil
	}
	return st.progress(), nil
}

func (s *MemoryStore) Profile(_ context.Context, studentID string) (Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.students[studentID]
	if !ok {
		return Profile{StudentID: studentID}, nil
	}
	return st.profile(), nil
}

func (s *MemoryStore) Attempts(_ context.Context, studentID string) ([]Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.students[studentID]
	if !ok {
		return nil, nil
	}
	return slices.Clone(st.attempts), nil
}

func (s *MemoryStore) Dataset(_ context.Context) (Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ds Dataset
	ids := slices.Sorted(maps.Keys(s.students))
	for _, id := range ids {
		st := s.students[id]
		ds.Users = append(ds.Users, st.user)
		for _, lessonID := range slices.Sorted(maps.Keys(st.completions)) {
			ds.Completions = append(ds.Completions, Completion{StudentID: id, LessonID: lessonID, CompletedAt: st.completions[lessonID]})
		}
		for _, quizID := range slices.Sorted(maps.Keys(st.results)) {
			ds.QuizResults = append(ds.QuizResults, st.results[quizID])
		}
		ds.Attempts = append(ds.Attempts, st.attempts...)
		ds.ArenaAnswers = append(ds.ArenaAnswers, st.arena...)
		ds.Profiles = append(ds.Profiles, st.profile())
	}
	return ds, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

type memoryTx struct {
	state *studentState
}

func (t *memoryTx) StudentID() string { return t.state.user.ID }

func (t *memoryTx) Progress(context.Context) (Progress, error) {
	return t.state.progress(), nil
}

func (t *memoryTx) Profile(context.Context) (Profile, error) {
	return t.state.profile(), nil
}

func (t *memoryTx) QuizScore(_ context.Context, quizID string) (float64, bool, error) {
	r, ok := t.state.results[quizID]
	return r.Score, ok, nil
}

func (t *memoryTx) UpsertQuizResult(_ context.Context, quizID string, score float64, at time.Time) error {
	t.state.results[quizID] = QuizResult{StudentID: t.state.user.ID, QuizID: quizID, Score: score, CompletedAt: at}
	return nil
}

func (t *memoryTx) AppendAttempts(_ context.Context, attempts []Attempt) error {
	for _, a := range attempts {
		if a.ID == "" {
			a.ID = NewID()
		}
		a.StudentID = t.state.user.ID
		t.state.attempts = append(t.state.attempts, a)
	}
	return nil
}

func (t *memoryTx) AppendArenaAnswer(_ context.Context, answer ArenaAnswer) error {
	if answer.ID == "" {
		answer.ID = NewID()
	}
	answer.StudentID = t.state.user.ID
	t.state.arena = append(t.state.arena, answer)
	return nil
}

func (t *memoryTx) MarkComplete(_ context.Context, lessonID string, at time.Time) (bool, error) {
	if _, ok := t.state.completions[lessonID]; ok {
		return false, nil
	}
	t.state.completions[lessonID] = at
	return true, nil
}

func (t *memoryTx) UnmarkComplete(_ context.Context, lessonID string) (bool, error) {
	if _, ok := t.state.completions[lessonID]; !ok {
		return false, nil
	}
	delete(t.state.completions, lessonID)
	return true, nil
}

func (t *memoryTx) AddPoints(_ context.Context, delta int) (int, error) {
	if delta < 0 {
		return 0, fmt.Errorf("add points: negative delta %d", delta)
	}
	if delta > MaxTotalPoints-t.state.points {
		return 0, pointsLimitError(delta)
	}
	t.state.points += delta
	return t.state.points, nil
}

func (t *memoryTx) AwardBadges(_ context.Context, badgeIDs []string, at time.Time) error {
	owned := t.state.profile().OwnedSet()
	for _, id := range badgeIDs {
		if owned[id] {
			continue
		}
		owned[id] = true
		t.state.badges = append(t.state.badges, OwnedBadge{BadgeID: id, AwardedAt: at})
	}
	return nil
}
