// Package analytics computes teacher-facing class statistics from a ledger
// dataset. Every report only counts users with the student role.
package analytics

import (
	"cmp"
	"slices"
	"time"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/p-n-ai/pai-arena/internal/catalog"
	"github.com/p-n-ai/pai-arena/internal/identity"
	"github.com/p-n-ai/pai-arena/internal/ledger"
)

// Defaults applied by Options.withDefaults.
const (
	DefaultDifficultyTopN   = 5
	DefaultRankingSize      = 5
	DefaultActiveWindowDays = 7
)

// LessonProgress is the share of students who completed a lesson.
type LessonProgress struct {
	LessonID  string  `json:"lesson_id"`
	Title     string  `json:"title"`
	Completed int     `json:"completed"`
	Students  int     `json:"students"`
	Rate      float64 `json:"rate"`
}

// QuestionDifficulty aggregates the attempt log for one question.
type QuestionDifficulty struct {
	QuestionID    string  `json:"question_id"`
	QuizID        string  `json:"quiz_id"`
	WrongCount    int     `json:"wrong_count"`
	TotalAttempts int     `json:"total_attempts"`
	WrongRate     float64 `json:"wrong_rate"`
}

// QuizAverage is the mean latest score on a quiz. Average is nil when
// nobody has a result.
type QuizAverage struct {
	QuizID  string   `json:"quiz_id"`
	Title   string   `json:"title"`
	Results int      `json:"results"`
	Average *float64 `json:"average"`
}

// StudentRank is one row of a points ranking.
type StudentRank struct {
	StudentID   string `json:"student_id"`
	DisplayName string `json:"display_name"`
	TotalPoints int    `json:"total_points"`
}

// Class indexes a dataset by student.
type Class struct {
	students  []ledger.User
	isStudent map[string]bool
	points    map[string]int
	ds        ledger.Dataset
}

// NewClass restricts ds to student users.
func NewClass(ds ledger.Dataset) *Class {
	c := &Class{isStudent: make(map[string]bool), points: make(map[string]int), ds: ds}
	for _, u := range ds.Users {
		if u.Role == identity.RoleStudent {
			c.students = append(c.students, u)
			c.isStudent[u.ID] = true
		}
	}
	for _, p := range ds.Profiles {
		c.points[p.StudentID] = p.TotalPoints
	}
	return c
}

// StudentCount returns the number of students.
func (c *Class) StudentCount() int {
	return len(c.students)
}

// ModuleProgress returns, for each lesson in order, completed students
// divided by total students.
func (c *Class) ModuleProgress(lessons []catalog.Lesson) []LessonProgress {
	done := make(map[string]int)
	for _, comp := range c.ds.Completions {
		if c.isStudent[comp.StudentID] {
			done[comp.LessonID]++
		}
	}

	out := make([]LessonProgress, 0, len(lessons))
	for _, l := range lessons {
		lp := LessonProgress{LessonID: l.ID, Title: l.Title, Completed: done[l.ID], Students: len(c.students)}
		if lp.Students > 0 {
			lp.Rate = float64(lp.Completed) / float64(lp.Students)
		}
		out = append(out, lp)
	}
	return out
}

// DifficultyMap returns the topN questions with the most wrong attempts,
// ties broken by question id. Questions never answered wrongly are omitted.
func (c *Class) DifficultyMap(topN int) []QuestionDifficulty {
	byQuestion := make(map[string]*QuestionDifficulty)
	for _, a := range c.ds.Attempts {
		if !c.isStudent[a.StudentID] {
			continue
		}
		qd, ok := byQuestion[a.QuestionID]
		if !ok {
			qd = &QuestionDifficulty{QuestionID: a.QuestionID, QuizID: a.QuizID}
			byQuestion[a.QuestionID] = qd
		}
		qd.TotalAttempts++
		if !a.IsCorrect {
			qd.WrongCount++
		}
	}

	out := make([]QuestionDifficulty, 0, len(byQuestion))
	for _, qd := range byQuestion {
		if qd.WrongCount == 0 {
			continue
		}
		qd.WrongRate = float64(qd.WrongCount) / float64(qd.TotalAttempts)
		out = append(out, *qd)
	}
	slices.SortFunc(out, func(a, b QuestionDifficulty) int {
		if c := cmp.Compare(b.WrongCount, a.WrongCount); c != 0 {
			return c
		}
		return cmp.Compare(a.QuestionID, b.QuestionID)
	})
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out
}

// QuizAverages returns the average latest score for every quiz given.
func (c *Class) QuizAverages(quizzes []catalog.Quiz) []QuizAverage {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, r := range c.ds.QuizResults {
		if !c.isStudent[r.StudentID] {
			continue
		}
		sums[r.QuizID] += r.Score
		counts[r.QuizID]++
	}

	out := make([]QuizAverage, 0, len(quizzes))
	for _, q := range quizzes {
		qa := QuizAverage{QuizID: q.ID, Title: q.Title, Results: counts[q.ID]}
		if qa.Results > 0 {
			avg := sums[q.ID] / float64(qa.Results)
			qa.Average = &avg
		}
		out = append(out, qa)
	}
	return out
}

// ActiveStudents counts students whose last activity falls within the
// windowDays before now.
func (c *Class) ActiveStudents(windowDays int, now time.Time) int {
	cutoff := now.AddDate(0, 0, -windowDays)
	n := 0
	for _, u := range c.students {
		if !u.LastActiveAt.Before(cutoff) {
			n++
		}
	}
	return n
}

// EngagementRate returns the percentage of students with at least one quiz
// result or arena answer.
func (c *Class) EngagementRate() float64 {
	if len(c.students) == 0 {
		return 0
	}
	engaged := make(map[string]bool)
	for _, r := range c.ds.QuizResults {
		if c.isStudent[r.StudentID] {
			engaged[r.StudentID] = true
		}
	}
	for _, a := range c.ds.ArenaAnswers {
		if c.isStudent[a.StudentID] {
			engaged[a.StudentID] = true
		}
	}
	return float64(len(engaged)) / float64(len(c.students)) * 100
}

// TopPerformers returns the n students with the most points.
func (c *Class) TopPerformers(n int) []StudentRank {
	return c.rank(n, true)
}

// NeedsAttention returns the n students with the fewest points.
func (c *Class) NeedsAttention(n int) []StudentRank {
	return c.rank(n, false)
}

// rank orders students by points, then by display name using a
// case-insensitive collation, then by id.
func (c *Class) rank(n int, desc bool) []StudentRank {
	out := make([]StudentRank, 0, len(c.students))
	for _, u := range c.students {
		out = append(out, StudentRank{StudentID: u.ID, DisplayName: u.DisplayName, TotalPoints: c.points[u.ID]})
	}

	col := collate.New(language.Und, collate.IgnoreCase)
	slices.SortFunc(out, func(a, b StudentRank) int {
		pc := cmp.Compare(a.TotalPoints, b.TotalPoints)
		if desc {
			pc = -pc
		}
		if pc != 0 {
			return pc
		}
		if nc := col.CompareString(a.DisplayName, b.DisplayName); nc != 0 {
			return nc
		}
		return cmp.Compare(a.StudentID, b.StudentID)
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Options tunes a Snapshot.
type Options struct {
	DifficultyTopN   int
	RankingSize      int
	ActiveWindowDays int
	Now              time.Time
}

func (o Options) withDefaults() Options {
	if o.DifficultyTopN <= 0 {
		o.DifficultyTopN = DefaultDifficultyTopN
	}
	if o.RankingSize <= 0 {
		o.RankingSize = DefaultRankingSize
	}
	if o.ActiveWindowDays <= 0 {
		o.ActiveWindowDays = DefaultActiveWindowDays
	}
	if o.Now.IsZero() {
		o.Now = time.Now()
	}
	return o
}

// Snapshot bundles every class report.
type Snapshot struct {
	GeneratedAt      time.Time            `json:"generated_at"`
	StudentCount     int                  `json:"student_count"`
	ActiveStudents   int                  `json:"active_students"`
	ActiveWindowDays int                  `json:"active_window_days"`
	EngagementRate   float64              `json:"engagement_rate"`
	ModuleProgress   []LessonProgress     `json:"module_progress"`
	Difficulty       []QuestionDifficulty `json:"difficulty"`
	QuizAverages     []QuizAverage        `json:"quiz_averages"`
	TopPerformers    []StudentRank        `json:"top_performers"`
	NeedsAttention   []StudentRank        `json:"needs_attention"`
}

// Build computes a snapshot of ds against the catalog.
func Build(cat catalog.Provider, ds ledger.Dataset, opts Options) Snapshot {
	opts = opts.withDefaults()
	c := NewClass(ds)
	return Snapshot{
		GeneratedAt:      opts.Now,
		StudentCount:     c.StudentCount(),
		ActiveStudents:   c.ActiveStudents(opts.ActiveWindowDays, opts.Now),
		ActiveWindowDays: opts.ActiveWindowDays,
		EngagementRate:   c.EngagementRate(),
		ModuleProgress:   c.ModuleProgress(cat.OrderedLessons()),
		Difficulty:       c.DifficultyMap(opts.DifficultyTopN),
		QuizAverages:     c.QuizAverages(cat.Quizzes()),
		TopPerformers:    c.TopPerformers(opts.RankingSize),
		NeedsAttention:   c.NeedsAttention(opts.RankingSize),
	}
}
