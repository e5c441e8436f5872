// Package scoring grades quiz submissions against the catalog.
package scoring

import (
	"github.com/p-n-ai/pai-arena/internal/apperr"
	"github.com/p-n-ai/pai-arena/internal/catalog"
)

// QuestionResult is the graded outcome of one question. ChosenOptionID is
// empty when the student left the question unanswered.
type QuestionResult struct {
	QuestionID      string `json:"question_id"`
	ChosenOptionID  string `json:"chosen_option_id,omitempty"`
	CorrectOptionID string `json:"correct_option_id,omitempty"`
	IsCorrect       bool   `json:"is_correct"`
}

// Result is the outcome of grading one submission.
type Result struct {
	QuizID       string           `json:"quiz_id"`
	Score        float64          `json:"score"`
	CorrectCount int              `json:"correct_count"`
	TotalCount   int              `json:"total_count"`
	PerQuestion  []QuestionResult `json:"per_question"`
}

// Validate checks that every answer names a question of quiz and an option
// of that question.
func Validate(quiz catalog.Quiz, answers map[string]string) error {
	byID := make(map[string]catalog.Question, len(quiz.Questions))
	for _, q := range quiz.Questions {
		byID[q.ID] = q
	}
	for questionID, optionID := range answers {
		q, ok := byID[questionID]
		if !ok {
			return apperr.Invalid("answers", "question %s is not part of quiz %s", questionID, quiz.ID)
		}
		if optionID != "" && !q.HasOption(optionID) {
			return apperr.Invalid("answers", "option %s does not belong to question %s", optionID, questionID)
		}
	}
	return nil
}

// Grade scores answers (question id -> chosen option id) against quiz.
// Questions without exactly one correct option are left out of the total.
// Answers should be checked with Validate first; unknown keys are ignored.
func Grade(quiz catalog.Quiz, answers map[string]string) Result {
	res := Result{QuizID: quiz.ID}

	for _, q := range quiz.Questions {
		correct, ok := q.CorrectOption()
		if !ok {
			continue
		}
		res.TotalCount++

		chosen := answers[q.ID]
		qr := QuestionResult{
			QuestionID:      q.ID,
			ChosenOptionID:  chosen,
			CorrectOptionID: correct,
			IsCorrect:       chosen != "" && chosen == correct,
		}
		if qr.IsCorrect {
			res.CorrectCount++
		}
		res.PerQuestion = append(res.PerQuestion, qr)
	}

	if res.TotalCount > 0 {
		res.Score = float64(res.CorrectCount*100) / float64(res.TotalCount)
	}
	return res
}
