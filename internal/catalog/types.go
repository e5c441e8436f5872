package catalog

import "github.com/p-n-ai/pai-arena/internal/arena"

// Topic is an ordered chapter holding lessons (e.g., "A. Ecosystems").
type Topic struct {
	ID      string   `yaml:"id" json:"id"`
	Title   string   `yaml:"title" json:"title"`
	Order   int      `yaml:"order" json:"order"`
	Lessons []Lesson `yaml:"lessons" json:"lessons,omitempty"`
}

// Lesson is the atomic unit of instructional content, optionally paired with one quiz.
type Lesson struct {
	ID         string `yaml:"id" json:"id"`
	TopicID    string `yaml:"-" json:"topic_id"`
	TopicOrder int    `yaml:"-" json:"-"`
	Title      string `yaml:"title" json:"title"`
	Order      int    `yaml:"order" json:"order"`
	Quiz       *Quiz  `yaml:"quiz" json:"quiz,omitempty"`
}

// HasQuiz reports whether the lesson owns a quiz.
func (l Lesson) HasQuiz() bool {
	return l.Quiz != nil
}

// Quiz is owned by exactly one lesson.
type Quiz struct {
	ID        string     `yaml:"id" json:"id"`
	LessonID  string     `yaml:"-" json:"lesson_id"`
	Title     string     `yaml:"title" json:"title"`
	Questions []Question `yaml:"questions" json:"questions"`
}

// Question is a multiple-choice question.
type Question struct {
	ID      string   `yaml:"id" json:"id"`
	QuizID  string   `yaml:"-" json:"quiz_id"`
	Text    string   `yaml:"text" json:"text"`
	Options []Option `yaml:"options" json:"options"`
}

// CorrectOption returns the id of the single option marked correct. ok is
// false when zero or several options are marked; such a question is not graded.
func (q Question) CorrectOption() (id string, ok bool) {
	for _, o := range q.Options {
		if !o.Correct {
			continue
		}
		if ok {
			return "", false
		}
		id, ok = o.ID, true
	}
	return id, ok
}

// HasOption reports whether optionID belongs to this question.
func (q Question) HasOption(optionID string) bool {
	for _, o := range q.Options {
		if o.ID == optionID {
			return true
		}
	}
	return false
}

// Option is an answer choice.
type Option struct {
	ID      string `yaml:"id" json:"id"`
	Text    string `yaml:"text" json:"text"`
	Correct bool   `yaml:"correct" json:"-"`
}

// Badge is an achievement unlocked at a cumulative point threshold.
type Badge struct {
	ID             string `yaml:"id" json:"id"`
	Name           string `yaml:"name" json:"name"`
	Description    string `yaml:"description" json:"description"`
	ImageURL       string `yaml:"image_url" json:"image_url,omitempty"`
	PointThreshold int    `yaml:"point_threshold" json:"point_threshold"`
}

// ArenaModule is a mini-game gated by a specific prerequisite lesson.
type ArenaModule struct {
	ID                   string           `json:"id"`
	Title                string           `json:"title"`
	Kind                 arena.Kind       `json:"kind"`
	PrerequisiteLessonID string           `json:"prerequisite_lesson_id"`
	Activities           []arena.Activity `json:"activities,omitempty"`
}
