package scoring_test

import (
	"errors"
	"testing"

	"github.com/p-n-ai/pai-arena/internal/apperr"
	"github.com/p-n-ai/pai-arena/internal/catalog"
	"github.com/p-n-ai/pai-arena/internal/catalog/catalogtest"
	"github.com/p-n-ai/pai-arena/internal/scoring"
)

func TestGrade(t *testing.T) {
	c := catalogtest.Ecosystems(t)
	q2, _ := c.QuizByID("Q2")

	tests := []struct {
		name        string
		answers     map[string]string
		wantCorrect int
		wantScore   float64
	}{
		{"all correct", catalogtest.Answers(10), 10, 100},
		{"six of ten", catalogtest.Answers(6), 6, 60},
		{"none answered", map[string]string{}, 0, 0},
		{"partial answers", map[string]string{"Q2-01": "Q2-01-a", "Q2-02": "Q2-02-a"}, 2, 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := scoring.Grade(q2, tt.answers)
			if res.TotalCount != 10 {
				t.Errorf("TotalCount = %d, want 10", res.TotalCount)
			}
			if res.CorrectCount != tt.wantCorrect {
				t.Errorf("CorrectCount = %d, want %d", res.CorrectCount, tt.wantCorrect)
			}
			if res.Score != tt.wantScore {
				t.Errorf("Score = %v, want %v", res.Score, tt.wantScore)
			}
			if len(res.PerQuestion) != 10 {
				t.Errorf("PerQuestion = %d entries, want one per graded question", len(res.PerQuestion))
			}
		})
	}
}

func TestGrade_SkipsAmbiguousQuestion(t *testing.T) {
	c := catalogtest.Ecosystems(t)
	q3, _ := c.QuizByID("Q3")

	res := scoring.Grade(q3, map[string]string{"Q3-01": "Q3-01-a", "Q3-02": "Q3-02-a"})
	if res.TotalCount != 1 || res.CorrectCount != 1 || res.Score != 100 {
		t.Errorf("Grade() = %+v, want 1/1 = 100", res)
	}
	for _, qr := range res.PerQuestion {
		if qr.QuestionID == "Q3-02" {
			t.Error("question without a single correct option should not be graded")
		}
	}
}

func TestGrade_UnansweredRecorded(t *testing.T) {
	c := catalogtest.Ecosystems(t)
	q3, _ := c.QuizByID("Q3")

	res := scoring.Grade(q3, nil)
	if len(res.PerQuestion) != 1 {
		t.Fatalf("PerQuestion = %+v", res.PerQuestion)
	}
	qr := res.PerQuestion[0]
	if qr.ChosenOptionID != "" || qr.IsCorrect || qr.CorrectOptionID != "Q3-01-a" {
		t.Errorf("unanswered result = %+v", qr)
	}
}

func TestGrade_EmptyQuiz(t *testing.T) {
	res := scoring.Grade(catalog.Quiz{ID: "QX"}, map[string]string{})
	if res.Score != 0 || res.TotalCount != 0 {
		t.Errorf("Grade(empty) = %+v, want zero score", res)
	}
}

func TestValidate(t *testing.T) {
	c := catalogtest.Ecosystems(t)
	q2, _ := c.QuizByID("Q2")

	tests := []struct {
		name    string
		answers map[string]string
		wantErr bool
	}{
		{"valid", map[string]string{"Q2-01": "Q2-01-b"}, false},
		{"empty option means unanswered", map[string]string{"Q2-01": ""}, false},
		{"foreign question", map[string]string{"Q3-01": "Q3-01-a"}, true},
		{"option of another question", map[string]string{"Q2-01": "Q2-02-a"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := scoring.Validate(q2, tt.answers)
			if tt.wantErr != (err != nil) {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, apperr.ErrValidation) {
				t.Errorf("Validate() error = %v, want validation error", err)
			}
		})
	}
}
