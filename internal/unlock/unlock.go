// Package unlock decides which lessons and arena modules a student may open.
package unlock

import (
	"github.com/p-n-ai/pai-arena/internal/catalog"
	"github.com/p-n-ai/pai-arena/internal/ledger"
)

// DefaultPassThreshold is the quiz score a lesson needs to count as complete.
const DefaultPassThreshold = 75.0

// State is the lock state of one lesson.
type State string

const (
	Locked   State = "locked"
	Unlocked State = "unlocked"
	Complete State = "complete"
)

// LessonState is one lesson with its resolved state.
type LessonState struct {
	LessonID string `json:"lesson_id"`
	TopicID  string `json:"topic_id"`
	Title    string `json:"title"`
	State    State  `json:"state"`
}

// ModuleLock reports whether an arena module is open.
type ModuleLock struct {
	ModuleID             string `json:"module_id"`
	Title                string `json:"title"`
	PrerequisiteLessonID string `json:"prerequisite_lesson_id"`
	Locked               bool   `json:"locked"`
}

// Accessibility is the resolved view of a student's progress.
type Accessibility struct {
	// AccessibleLessonIDs lists accessible lessons in global order.
	AccessibleLessonIDs []string      `json:"accessible_lesson_ids"`
	FirstIncompleteID   string        `json:"first_incomplete_lesson_id,omitempty"`
	AllComplete         bool          `json:"all_complete"`
	Lessons             []LessonState `json:"lessons"`
	ArenaModules        []ModuleLock  `json:"arena_modules,omitempty"`

	accessible map[string]bool
}

// CanAccess reports whether lessonID is accessible.
func (a Accessibility) CanAccess(lessonID string) bool {
	return a.accessible[lessonID]
}

// Resolver applies the unlock rules.
type Resolver struct {
	passThreshold float64
}

// NewResolver creates a resolver. threshold <= 0 selects DefaultPassThreshold.
func NewResolver(threshold float64) Resolver {
	if threshold <= 0 {
		threshold = DefaultPassThreshold
	}
	return Resolver{passThreshold: threshold}
}

// PassThreshold returns the quiz score needed to complete a lesson.
func (r Resolver) PassThreshold() float64 {
	return r.passThreshold
}

// IsComplete reports whether a lesson counts as complete: it has a
// completion record and, if it owns a quiz, a passing score.
func (r Resolver) IsComplete(l catalog.Lesson, p ledger.Progress) bool {
	if _, ok := p.Completed[l.ID]; !ok {
		return false
	}
	if l.Quiz == nil {
		return true
	}
	score, ok := p.QuizScores[l.Quiz.ID]
	return ok && score >= r.passThreshold
}

// Resolve walks lessons (in global order). The first lesson is always
// accessible; a complete lesson makes itself and its successor accessible.
func (r Resolver) Resolve(lessons []catalog.Lesson, p ledger.Progress) Accessibility {
	acc := Accessibility{accessible: make(map[string]bool, len(lessons))}
	if len(lessons) == 0 {
		return acc
	}

	complete := make([]bool, len(lessons))
	acc.accessible[lessons[0].ID] = true
	for i, l := range lessons {
		complete[i] = r.IsComplete(l, p)
		if !complete[i] {
			if acc.FirstIncompleteID == "" {
				acc.FirstIncompleteID = l.ID
			}
			continue
		}
		acc.accessible[l.ID] = true
		if i+1 < len(lessons) {
			acc.accessible[lessons[i+1].ID] = true
		}
	}
	acc.AllComplete = acc.FirstIncompleteID == ""

	acc.Lessons = make([]LessonState, len(lessons))
	for i, l := range lessons {
		st := Locked
		switch {
		case complete[i]:
			st = Complete
		case acc.accessible[l.ID]:
			st = Unlocked
		}
		acc.Lessons[i] = LessonState{LessonID: l.ID, TopicID: l.TopicID, Title: l.Title, State: st}
		if acc.accessible[l.ID] {
			acc.AccessibleLessonIDs = append(acc.AccessibleLessonIDs, l.ID)
		}
	}
	return acc
}

// ArenaLocks resolves module locks. A module opens once its prerequisite
// lesson has a completion record; the quiz score is not considered.
func ArenaLocks(modules []catalog.ArenaModule, p ledger.Progress) []ModuleLock {
	out := make([]ModuleLock, 0, len(modules))
	for _, m := range modules {
		_, done := p.Completed[m.PrerequisiteLessonID]
		out = append(out, ModuleLock{
			ModuleID:             m.ID,
			Title:                m.Title,
			PrerequisiteLessonID: m.PrerequisiteLessonID,
			Locked:               !done,
		})
	}
	return out
}

// ModuleLocked reports whether the module with id moduleID is locked.
// Unknown modules are locked.
func ModuleLocked(modules []catalog.ArenaModule, moduleID string, p ledger.Progress) bool {
	for _, m := range modules {
		if m.ID == moduleID {
			_, done := p.Completed[m.PrerequisiteLessonID]
			return !done
		}
	}
	return true
}

// Navigation links a lesson to its neighbours in global order.
type Navigation struct {
	Lesson   catalog.Lesson  `json:"lesson"`
	Previous *catalog.Lesson `json:"previous,omitempty"`
	Next     *catalog.Lesson `json:"next,omitempty"`
}

// Navigate returns the neighbours of lessonID. ok is false if it is unknown.
func Navigate(lessons []catalog.Lesson, lessonID string) (Navigation, bool) {
	for i, l := range lessons {
		if l.ID != lessonID {
			continue
		}
		nav := Navigation{Lesson: l}
		if i > 0 {
			prev := lessons[i-1]
			nav.Previous = &prev
		}
		if i+1 < len(lessons) {
			next := lessons[i+1]
			nav.Next = &next
		}
		return nav, true
	}
	return Navigation{}, false
}
