// Package catalog holds the read-only content hierarchy the progress engine
// works against: topics, lessons, quizzes, badges and arena modules.
package catalog

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/p-n-ai/pai-arena/internal/arena"
)

// Provider is the read boundary the engine consumes.
type Provider interface {
	OrderedLessons() []Lesson
	Lesson(id string) (Lesson, bool)
	Quiz(lessonID string) (Quiz, bool)
	QuizByID(quizID string) (Quiz, bool)
	Questions(quizID string) []Question
	Options(questionID string) []Option
	Quizzes() []Quiz
	Badges() []Badge
	ArenaModules() []ArenaModule
	Activity(id string) (arena.Activity, bool)
}

// Catalog is an immutable, indexed Provider.
type Catalog struct {
	topics     []Topic
	lessons    []Lesson // global order
	lessonByID map[string]int
	quizByID   map[string]Quiz
	questions  map[string]Question
	badges     []Badge
	modules    []ArenaModule
	activities map[string]arena.Activity
}

var _ Provider = (*Catalog)(nil)

// New indexes the given content and checks its structural invariants: ids
// are unique per kind and the global lesson order has no ties.
func New(topics []Topic, badges []Badge, modules []ArenaModule) (*Catalog, error) {
	c := &Catalog{
		lessonByID: make(map[string]int),
		quizByID:   make(map[string]Quiz),
		questions:  make(map[string]Question),
		activities: make(map[string]arena.Activity),
	}

	topics = slices.Clone(topics)
	slices.SortStableFunc(topics, func(a, b Topic) int { return cmp.Compare(a.Order, b.Order) })

	seenTopics := make(map[string]bool)
	for _, t := range topics {
		if t.ID == "" {
			return nil, fmt.Errorf("topic %q has no id", t.Title)
		}
		if seenTopics[t.ID] {
			return nil, fmt.Errorf("duplicate topic id %s", t.ID)
		}
		seenTopics[t.ID] = true

		for _, l := range t.Lessons {
			l.TopicID = t.ID
			l.TopicOrder = t.Order
			if err := c.addLesson(l); err != nil {
				return nil, fmt.Errorf("topic %s: %w", t.ID, err)
			}
		}
		t.Lessons = nil
		c.topics = append(c.topics, t)
	}

	slices.SortFunc(c.lessons, compareLessons)
	for i := 1; i < len(c.lessons); i++ {
		prev, cur := c.lessons[i-1], c.lessons[i]
		if compareLessons(prev, cur) == 0 {
			return nil, fmt.Errorf("lessons %s and %s share order (%d, %d)", prev.ID, cur.ID, cur.TopicOrder, cur.Order)
		}
	}
	for i, l := range c.lessons {
		c.lessonByID[l.ID] = i
	}

	seenBadges := make(map[string]bool)
	for _, b := range badges {
		if b.ID == "" || seenBadges[b.ID] {
			return nil, fmt.Errorf("badge id %q is empty or duplicated", b.ID)
		}
		if b.PointThreshold < 0 {
			return nil, fmt.Errorf("badge %s has negative threshold %d", b.ID, b.PointThreshold)
		}
		seenBadges[b.ID] = true
		c.badges = append(c.badges, b)
	}
	slices.SortStableFunc(c.badges, CompareBadges)

	for _, m := range modules {
		if err := c.addModule(m); err != nil {
			return nil, err
		}
	}

	return c, nil
}

func (c *Catalog) addLesson(l Lesson) error {
	if l.ID == "" {
		return fmt.Errorf("lesson %q has no id", l.Title)
	}
	for _, existing := range c.lessons {
		if existing.ID == l.ID {
			return fmt.Errorf("duplicate lesson id %s", l.ID)
		}
	}
	if l.Quiz != nil {
		q := *l.Quiz
		q.LessonID = l.ID
		if q.ID == "" {
			return fmt.Errorf("lesson %s: quiz has no id", l.ID)
		}
		if _, dup := c.quizByID[q.ID]; dup {
			return fmt.Errorf("duplicate quiz id %s", q.ID)
		}
		q.Questions = slices.Clone(q.Questions)
		for i := range q.Questions {
			q.Questions[i].QuizID = q.ID
			qn := q.Questions[i]
			if qn.ID == "" {
				return fmt.Errorf("quiz %s: question %d has no id", q.ID, i+1)
			}
			if _, dup := c.questions[qn.ID]; dup {
				return fmt.Errorf("duplicate question id %s", qn.ID)
			}
			c.questions[qn.ID] = qn
		}
		c.quizByID[q.ID] = q
		l.Quiz = &q
	}
	c.lessons = append(c.lessons, l)
	return nil
}

func (c *Catalog) addModule(m ArenaModule) error {
	if m.ID == "" {
		return fmt.Errorf("arena module %q has no id", m.Title)
	}
	for _, existing := range c.modules {
		if existing.ID == m.ID {
			return fmt.Errorf("duplicate arena module id %s", m.ID)
		}
	}
	if _, ok := c.lessonByID[m.PrerequisiteLessonID]; !ok {
		return fmt.Errorf("arena module %s: unknown prerequisite lesson %q", m.ID, m.PrerequisiteLessonID)
	}
	for _, a := range m.Activities {
		if _, dup := c.activities[a.ID]; dup {
			return fmt.Errorf("duplicate arena activity id %s", a.ID)
		}
		a.ModuleID = m.ID
		c.activities[a.ID] = a
	}
	c.modules = append(c.modules, m)
	return nil
}

func compareLessons(a, b Lesson) int {
	if c := cmp.Compare(a.TopicOrder, b.TopicOrder); c != 0 {
		return c
	}
	return cmp.Compare(a.Order, b.Order)
}

// CompareBadges orders badges by ascending threshold, then id.
func CompareBadges(a, b Badge) int {
	if c := cmp.Compare(a.PointThreshold, b.PointThreshold); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// Topics returns topics in order, without their lessons.
func (c *Catalog) Topics() []Topic {
	return slices.Clone(c.topics)
}

// OrderedLessons returns every lesson in global (topic.order, lesson.order) order.
func (c *Catalog) OrderedLessons() []Lesson {
	return slices.Clone(c.lessons)
}

func (c *Catalog) Lesson(id string) (Lesson, bool) {
	i, ok := c.lessonByID[id]
	if !ok {
		return Lesson{}, false
	}
	return c.lessons[i], true
}

func (c *Catalog) Quiz(lessonID string) (Quiz, bool) {
	l, ok := c.Lesson(lessonID)
	if !ok || l.Quiz == nil {
		return Quiz{}, false
	}
	return *l.Quiz, true
}

func (c *Catalog) QuizByID(quizID string) (Quiz, bool) {
	q, ok := c.quizByID[quizID]
	return q, ok
}

// Quizzes returns all quizzes in lesson order.
func (c *Catalog) Quizzes() []Quiz {
	var out []Quiz
	for _, l := range c.lessons {
		if l.Quiz != nil {
			out = append(out, *l.Quiz)
		}
	}
	return out
}

func (c *Catalog) Questions(quizID string) []Question {
	return slices.Clone(c.quizByID[quizID].Questions)
}

func (c *Catalog) Options(questionID string) []Option {
	return slices.Clone(c.questions[questionID].Options)
}

// Question returns a question by id.
func (c *Catalog) Question(id string) (Question, bool) {
	q, ok := c.questions[id]
	return q, ok
}

// Badges returns badges in ascending threshold order.
func (c *Catalog) Badges() []Badge {
	return slices.Clone(c.badges)
}

func (c *Catalog) ArenaModules() []ArenaModule {
	return slices.Clone(c.modules)
}

func (c *Catalog) Activity(id string) (arena.Activity, bool) {
	a, ok := c.activities[id]
	return a, ok
}
