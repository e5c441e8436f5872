// Package progress exposes the progression engine's operations. Every write
// runs as one per-student unit of work in the ledger; events and the
// leaderboard cache are updated after the unit commits.
package progress

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/p-n-ai/pai-arena/internal/analytics"
	"github.com/p-n-ai/pai-arena/internal/apperr"
	"github.com/p-n-ai/pai-arena/internal/arena"
	"github.com/p-n-ai/pai-arena/internal/catalog"
	"github.com/p-n-ai/pai-arena/internal/events"
	"github.com/p-n-ai/pai-arena/internal/gamification"
	"github.com/p-n-ai/pai-arena/internal/identity"
	"github.com/p-n-ai/pai-arena/internal/ledger"
	"github.com/p-n-ai/pai-arena/internal/platform/cache"
	"github.com/p-n-ai/pai-arena/internal/scoring"
	"github.com/p-n-ai/pai-arena/internal/unlock"
)

const (
	defaultArenaPoints     = 10
	defaultLeaderboardSize = 10
	recentAttemptsLimit    = 20
)

// Leaderboard caches student point totals.
type Leaderboard interface {
	SetPoints(ctx context.Context, e cache.Entry) error
	Replace(ctx context.Context, entries []cache.Entry) error
	Top(ctx context.Context, n int) ([]cache.Entry, error)
}

// ServiceConfig holds dependencies for the progress service.
type ServiceConfig struct {
	Catalog          catalog.Provider
	Store            ledger.Store
	Events           events.EventLogger // default: no-op
	Leaderboard      Leaderboard        // optional
	PassThreshold    float64            // quiz score that completes a lesson (default 75)
	PointsPerCorrect int                // default 10
	ArenaPoints      int                // points for a correct arena answer (default 10)
	Now              func() time.Time
}

// Service orchestrates catalog, ledger and engines.
type Service struct {
	catalog     catalog.Provider
	store       ledger.Store
	events      events.EventLogger
	leaderboard Leaderboard
	engine      *gamification.Engine
	resolver    unlock.Resolver
	arenaPoints int
	now         func() time.Time
}

// NewService creates a progress service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("ledger store is required")
	}
	ev := cfg.Events
	if ev == nil {
		ev = events.NopEventLogger{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	arenaPoints := cfg.ArenaPoints
	if arenaPoints <= 0 {
		arenaPoints = defaultArenaPoints
	}

	return &Service{
		catalog:     cfg.Catalog,
		store:       cfg.Store,
		events:      ev,
		leaderboard: cfg.Leaderboard,
		engine:      gamification.NewEngine(cfg.Catalog.Badges(), cfg.PointsPerCorrect, now),
		resolver:    unlock.NewResolver(cfg.PassThreshold),
		arenaPoints: arenaPoints,
		now:         now,
	}, nil
}

// Catalog returns the catalog the service reads from.
func (s *Service) Catalog() catalog.Provider {
	return s.catalog
}

// Submission is the outcome of a graded quiz attempt.
type Submission struct {
	scoring.Result
	PreviousScore float64                   `json:"previous_score"`
	Passed        bool                      `json:"passed"`
	Points        gamification.PointsResult `json:"points"`
}

// SubmitQuizAttempt grades answers (question id -> option id), logs one
// attempt per graded question, overwrites the stored score and awards
// points for any improvement over the previous score.
func (s *Service) SubmitQuizAttempt(ctx context.Context, actor identity.Actor, quizID string, answers map[string]string) (Submission, error) {
	quiz, ok := s.catalog.QuizByID(quizID)
	if !ok {
		return Submission{}, apperr.NotFound("quiz", quizID)
	}
	if err := scoring.Validate(quiz, answers); err != nil {
		return Submission{}, err
	}
	res := scoring.Grade(quiz, answers)

	sub := Submission{Result: res, Passed: res.Score >= s.resolver.PassThreshold()}
	err := s.store.WithStudent(ctx, ledger.UserFromActor(actor), func(ctx context.Context, tx ledger.Tx) error {
		prev, _, err := tx.QuizScore(ctx, quizID)
		if err != nil {
			return fmt.Errorf("read previous score: %w", err)
		}
		sub.PreviousScore = prev

		at := s.now()
		attempts := make([]ledger.Attempt, 0, len(res.PerQuestion))
		for _, qr := range res.PerQuestion {
			attempts = append(attempts, ledger.Attempt{
				ID:             ledger.NewID(),
				StudentID:      actor.ID,
				QuizID:         quizID,
				QuestionID:     qr.QuestionID,
				ChosenOptionID: qr.ChosenOptionID,
				IsCorrect:      qr.IsCorrect,
				CreatedAt:      at,
			})
		}
		if err := tx.AppendAttempts(ctx, attempts); err != nil {
			return fmt.Errorf("append attempts: %w", err)
		}
		if err := tx.UpsertQuizResult(ctx, quizID, res.Score, at); err != nil {
			return fmt.Errorf("upsert quiz result: %w", err)
		}

		sub.Points, err = s.engine.ApplyQuizPoints(ctx, tx, res.CorrectCount, prev, res.Score, res.TotalCount)
		return err
	})
	if err != nil {
		return Submission{}, err
	}

	slog.Info("quiz submitted",
		"student_id", actor.ID,
		"quiz_id", quizID,
		"score", res.Score,
		"previous_score", sub.PreviousScore,
		"delta", sub.Points.Delta,
	)
	s.emit(ctx, events.New(events.TypeQuizSubmitted, actor.ID, map[string]any{
		"quiz_id":        quizID,
		"score":          res.Score,
		"previous_score": sub.PreviousScore,
		"correct_count":  res.CorrectCount,
		"total_count":    res.TotalCount,
		"passed":         sub.Passed,
	}))
	s.afterPoints(ctx, actor, "quiz:"+quizID, sub.Points)
	return sub, nil
}

// MarkLessonComplete records a completion. It reports false when the lesson
// was already complete.
func (s *Service) MarkLessonComplete(ctx context.Context, actor identity.Actor, lessonID string) (bool, error) {
	if _, ok := s.catalog.Lesson(lessonID); !ok {
		return false, apperr.NotFound("lesson", lessonID)
	}

	var created bool
	err := s.store.WithStudent(ctx, ledger.UserFromActor(actor), func(ctx context.Context, tx ledger.Tx) error {
		var err error
		created, err = tx.MarkComplete(ctx, lessonID, s.now())
		return err
	})
	if err != nil {
		return false, fmt.Errorf("mark lesson complete: %w", err)
	}

	if created {
		s.emit(ctx, events.New(events.TypeLessonCompleted, actor.ID, map[string]any{"lesson_id": lessonID}))
	}
	return created, nil
}

// UnmarkLessonComplete removes a completion. Points and badges are kept. It
// reports false when there was nothing to remove.
func (s *Service) UnmarkLessonComplete(ctx context.Context, actor identity.Actor, lessonID string) (bool, error) {
	if _, ok := s.catalog.Lesson(lessonID); !ok {
		return false, apperr.NotFound("lesson", lessonID)
	}

	var removed bool
	err := s.store.WithStudent(ctx, ledger.UserFromActor(actor), func(ctx context.Context, tx ledger.Tx) error {
		var err error
		removed, err = tx.UnmarkComplete(ctx, lessonID)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("unmark lesson complete: %w", err)
	}

	if removed {
		s.emit(ctx, events.New(events.TypeLessonUncompleted, actor.ID, map[string]any{"lesson_id": lessonID}))
	}
	return removed, nil
}

// AwardFlatPoints adds a fixed positive amount, e.g. for a final exam.
func (s *Service) AwardFlatPoints(ctx context.Context, actor identity.Actor, source string, points int) (gamification.PointsResult, error) {
	if err := gamification.CheckFlatPoints(points); err != nil {
		return gamification.PointsResult{}, err
	}

	var res gamification.PointsResult
	err := s.store.WithStudent(ctx, ledger.UserFromActor(actor), func(ctx context.Context, tx ledger.Tx) error {
		var err error
		res, err = s.engine.ApplyFlatPoints(ctx, tx, points)
		return err
	})
	if err != nil {
		return gamification.PointsResult{}, fmt.Errorf("award points: %w", err)
	}

	s.afterPoints(ctx, actor, source, res)
	return res, nil
}

// ArenaResult is the outcome of one arena answer.
type ArenaResult struct {
	ActivityID string                    `json:"activity_id"`
	Correct    bool                      `json:"correct"`
	Points     gamification.PointsResult `json:"points"`
}

// RecordArenaAnswer logs an answer to an arena activity and awards arena
// points when it is correct. The activity's module must be unlocked.
func (s *Service) RecordArenaAnswer(ctx context.Context, actor identity.Actor, activityID string, correct bool) (ArenaResult, error) {
	activity, ok := s.catalog.Activity(activityID)
	if !ok {
		return ArenaResult{}, apperr.NotFound("activity", activityID)
	}

	out := ArenaResult{ActivityID: activityID, Correct: correct}
	err := s.store.WithStudent(ctx, ledger.UserFromActor(actor), func(ctx context.Context, tx ledger.Tx) error {
		p, err := tx.Progress(ctx)
		if err != nil {
			return fmt.Errorf("load progress: %w", err)
		}
		if unlock.ModuleLocked(s.catalog.ArenaModules(), activity.ModuleID, p) {
			return apperr.Invalid("activity", "arena module %s is locked", activity.ModuleID)
		}

		if err := tx.AppendArenaAnswer(ctx, ledger.ArenaAnswer{
			ID:         ledger.NewID(),
			StudentID:  actor.ID,
			ActivityID: activityID,
			IsCorrect:  correct,
			CreatedAt:  s.now(),
		}); err != nil {
			return fmt.Errorf("append arena answer: %w", err)
		}
		if !correct {
			profile, err := tx.Profile(ctx)
			if err != nil {
				return fmt.Errorf("load profile: %w", err)
			}
			out.Points.NewTotal = profile.TotalPoints
			return nil
		}
		out.Points, err = s.engine.ApplyFlatPoints(ctx, tx, s.arenaPoints)
		return err
	})
	if err != nil {
		return ArenaResult{}, err
	}

	s.emit(ctx, events.New(events.TypeArenaAnswered, actor.ID, map[string]any{
		"activity_id": activityID,
		"module_id":   activity.ModuleID,
		"correct":     correct,
	}))
	s.afterPoints(ctx, actor, "arena:"+activityID, out.Points)
	return out, nil
}

// ActivityView is an arena activity with the student's lock state.
type ActivityView struct {
	arena.Activity
	Locked bool `json:"locked"`
}

// GetActivity returns an arena activity and whether its module is locked
// for studentID.
func (s *Service) GetActivity(ctx context.Context, studentID, activityID string) (ActivityView, error) {
	activity, ok := s.catalog.Activity(activityID)
	if !ok {
		return ActivityView{}, apperr.NotFound("activity", activityID)
	}
	p, err := s.store.Progress(ctx, studentID)
	if err != nil {
		return ActivityView{}, fmt.Errorf("load progress: %w", err)
	}
	return ActivityView{
		Activity: activity,
		Locked:   unlock.ModuleLocked(s.catalog.ArenaModules(), activity.ModuleID, p),
	}, nil
}

// GetAccessibility resolves lesson access and arena module locks.
func (s *Service) GetAccessibility(ctx context.Context, studentID string) (unlock.Accessibility, error) {
	p, err := s.store.Progress(ctx, studentID)
	if err != nil {
		return unlock.Accessibility{}, fmt.Errorf("load progress: %w", err)
	}
	acc := s.resolver.Resolve(s.catalog.OrderedLessons(), p)
	acc.ArenaModules = unlock.ArenaLocks(s.catalog.ArenaModules(), p)
	return acc, nil
}

// LessonView is a lesson with its neighbours and the student's state.
type LessonView struct {
	unlock.Navigation
	State      unlock.State `json:"state"`
	Accessible bool         `json:"accessible"`
}

// GetLesson returns a lesson with previous/next navigation.
func (s *Service) GetLesson(ctx context.Context, studentID, lessonID string) (LessonView, error) {
	lessons := s.catalog.OrderedLessons()
	nav, ok := unlock.Navigate(lessons, lessonID)
	if !ok {
		return LessonView{}, apperr.NotFound("lesson", lessonID)
	}
	acc, err := s.GetAccessibility(ctx, studentID)
	if err != nil {
		return LessonView{}, err
	}

	view := LessonView{Navigation: nav, Accessible: acc.CanAccess(lessonID), State: unlock.Locked}
	for _, ls := range acc.Lessons {
		if ls.LessonID == lessonID {
			view.State = ls.State
		}
	}
	return view, nil
}

// EarnedBadge is an owned badge with its catalog details.
type EarnedBadge struct {
	catalog.Badge
	AwardedAt time.Time `json:"awarded_at"`
}

// ProfileView is a student's points, badges and next badge target.
type ProfileView struct {
	StudentID   string                      `json:"student_id"`
	TotalPoints int                         `json:"total_points"`
	Badges      []EarnedBadge               `json:"badges"`
	NextBadge   *gamification.BadgeProgress `json:"next_badge,omitempty"`
}

// GetProfile returns the student's profile. A student with no writes yet has
// zero points.
func (s *Service) GetProfile(ctx context.Context, studentID string) (ProfileView, error) {
	p, err := s.store.Profile(ctx, studentID)
	if err != nil {
		return ProfileView{}, fmt.Errorf("load profile: %w", err)
	}
	return s.profileView(p), nil
}

func (s *Service) profileView(p ledger.Profile) ProfileView {
	byID := make(map[string]catalog.Badge)
	for _, b := range s.catalog.Badges() {
		byID[b.ID] = b
	}

	view := ProfileView{StudentID: p.StudentID, TotalPoints: p.TotalPoints, Badges: []EarnedBadge{}}
	for _, ob := range p.Badges {
		b, ok := byID[ob.BadgeID]
		if !ok {
			b = catalog.Badge{ID: ob.BadgeID, Name: ob.BadgeID}
		}
		view.Badges = append(view.Badges, EarnedBadge{Badge: b, AwardedAt: ob.AwardedAt})
	}
	if next, ok := gamification.NextBadge(s.catalog.Badges(), p.OwnedSet(), p.TotalPoints); ok {
		view.NextBadge = &next
	}
	return view
}

// QuizScore is a student's latest score on one quiz.
type QuizScore struct {
	QuizID string  `json:"quiz_id"`
	Title  string  `json:"title"`
	Score  float64 `json:"score"`
	Passed bool    `json:"passed"`
}

// StudentDetail is the teacher drill-down for one student.
type StudentDetail struct {
	User           ledger.User          `json:"user"`
	Profile        ProfileView          `json:"profile"`
	Accessibility  unlock.Accessibility `json:"accessibility"`
	QuizScores     []QuizScore          `json:"quiz_scores"`
	AttemptCount   int                  `json:"attempt_count"`
	WrongCount     int                  `json:"wrong_count"`
	RecentAttempts []ledger.Attempt     `json:"recent_attempts"`
}

// GetStudentDetail gathers everything recorded for studentID.
func (s *Service) GetStudentDetail(ctx context.Context, studentID string) (StudentDetail, error) {
	user, err := s.store.User(ctx, studentID)
	if err != nil {
		return StudentDetail{}, err
	}
	profile, err := s.GetProfile(ctx, studentID)
	if err != nil {
		return StudentDetail{}, err
	}
	p, err := s.store.Progress(ctx, studentID)
	if err != nil {
		return StudentDetail{}, fmt.Errorf("load progress: %w", err)
	}
	attempts, err := s.store.Attempts(ctx, studentID)
	if err != nil {
		return StudentDetail{}, fmt.Errorf("load attempts: %w", err)
	}

	acc := s.resolver.Resolve(s.catalog.OrderedLessons(), p)
	acc.ArenaModules = unlock.ArenaLocks(s.catalog.ArenaModules(), p)

	detail := StudentDetail{
		User:          user,
		Profile:       profile,
		Accessibility: acc,
		QuizScores:    []QuizScore{},
		AttemptCount:  len(attempts),
	}
	for _, q := range s.catalog.Quizzes() {
		score, ok := p.QuizScores[q.ID]
		if !ok {
			continue
		}
		detail.QuizScores = append(detail.QuizScores, QuizScore{
			QuizID: q.ID,
			Title:  q.Title,
			Score:  score,
			Passed: score >= s.resolver.PassThreshold(),
		})
	}
	for _, a := range attempts {
		if !a.IsCorrect {
			detail.WrongCount++
		}
	}
	// Attempts are returned oldest first.
	start := max(0, len(attempts)-recentAttemptsLimit)
	detail.RecentAttempts = append([]ledger.Attempt{}, attempts[start:]...)
	return detail, nil
}

// GetAnalyticsSnapshot builds the class reports from the full ledger.
func (s *Service) GetAnalyticsSnapshot(ctx context.Context, opts analytics.Options) (analytics.Snapshot, error) {
	ds, err := s.store.Dataset(ctx)
	if err != nil {
		return analytics.Snapshot{}, fmt.Errorf("load dataset: %w", err)
	}
	if opts.Now.IsZero() {
		opts.Now = s.now()
	}
	return analytics.Build(s.catalog, ds, opts), nil
}

// GetLeaderboard returns the n students with the most points. The cache is
// used when configured; any cache error falls back to the ledger.
func (s *Service) GetLeaderboard(ctx context.Context, n int) ([]analytics.StudentRank, error) {
	if n <= 0 {
		n = defaultLeaderboardSize
	}

	if s.leaderboard != nil {
		entries, err := s.leaderboard.Top(ctx, n)
		if err == nil {
			out := make([]analytics.StudentRank, 0, len(entries))
			for _, e := range entries {
				out = append(out, analytics.StudentRank{StudentID: e.StudentID, DisplayName: e.DisplayName, TotalPoints: e.TotalPoints})
			}
			return out, nil
		}
		slog.Warn("leaderboard cache unavailable, reading ledger", "error", err)
	}

	ds, err := s.store.Dataset(ctx)
	if err != nil {
		return nil, fmt.Errorf("load dataset: %w", err)
	}
	return analytics.NewClass(ds).TopPerformers(n), nil
}

// WarmLeaderboard rebuilds the leaderboard cache from the ledger.
func (s *Service) WarmLeaderboard(ctx context.Context) error {
	if s.leaderboard == nil {
		return nil
	}
	ds, err := s.store.Dataset(ctx)
	if err != nil {
		return fmt.Errorf("load dataset: %w", err)
	}

	ranks := analytics.NewClass(ds).TopPerformers(0)
	entries := make([]cache.Entry, 0, len(ranks))
	for _, r := range ranks {
		entries = append(entries, cache.Entry{StudentID: r.StudentID, DisplayName: r.DisplayName, TotalPoints: r.TotalPoints})
	}
	if err := s.leaderboard.Replace(ctx, entries); err != nil {
		return err
	}
	slog.Info("leaderboard warmed", "students", len(entries))
	return nil
}

// afterPoints publishes point and badge events and refreshes the cached
// total when points changed.
func (s *Service) afterPoints(ctx context.Context, actor identity.Actor, source string, res gamification.PointsResult) {
	if res.Delta <= 0 {
		return
	}

	s.emit(ctx, events.New(events.TypePointsAwarded, actor.ID, map[string]any{
		"source":    source,
		"delta":     res.Delta,
		"new_total": res.NewTotal,
	}))
	for _, b := range res.NewlyAwardedBadges {
		s.emit(ctx, events.New(events.TypeBadgeAwarded, actor.ID, map[string]any{
			"badge_id":   b.ID,
			"badge_name": b.Name,
			"threshold":  b.PointThreshold,
		}))
	}

	if s.leaderboard == nil || actor.IsTeacher() {
		return
	}
	name := actor.DisplayName
	if name == "" {
		name = actor.ID
	}
	if err := s.leaderboard.SetPoints(ctx, cache.Entry{StudentID: actor.ID, DisplayName: name, TotalPoints: res.NewTotal}); err != nil {
		slog.Warn("failed to update leaderboard", "student_id", actor.ID, "error", err)
	}
}

func (s *Service) emit(ctx context.Context, ev events.Event) {
	if err := s.events.LogEvent(ctx, ev); err != nil {
		slog.Warn("failed to emit event",
			"type", ev.Type,
			"student_id", ev.StudentID,
			"error", err,
		)
	}
}
