package analytics

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"
)

// Sheet names written by WriteXLSX.
const (
	SheetSummary    = "Summary"
	SheetProgress   = "Lesson Progress"
	SheetDifficulty = "Difficult Questions"
	SheetQuizzes    = "Quiz Averages"
	SheetTop        = "Top Performers"
	SheetAttention  = "Needs Attention"
)

// WriteXLSX renders s as an Excel workbook with one sheet per report.
func WriteXLSX(w io.Writer, s Snapshot) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetSummary); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}

	sheets := []struct {
		name string
		rows [][]any
	}{
		{SheetSummary, summaryRows(s)},
		{SheetProgress, progressRows(s.ModuleProgress)},
		{SheetDifficulty, difficultyRows(s.Difficulty)},
		{SheetQuizzes, quizRows(s.QuizAverages)},
		{SheetTop, rankRows(s.TopPerformers)},
		{SheetAttention, rankRows(s.NeedsAttention)},
	}

	for _, sh := range sheets {
		if sh.name != SheetSummary {
			if _, err := f.NewSheet(sh.name); err != nil {
				return fmt.Errorf("create sheet %s: %w", sh.name, err)
			}
		}
		for i, row := range sh.rows {
			cell, err := excelize.CoordinatesToCellName(1, i+1)
			if err != nil {
				return err
			}
			if err := f.SetSheetRow(sh.name, cell, &row); err != nil {
				return fmt.Errorf("write %s row %d: %w", sh.name, i+1, err)
			}
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func summaryRows(s Snapshot) [][]any {
	return [][]any{
		{"Metric", "Value"},
		{"Generated at", s.GeneratedAt.UTC().Format(time.RFC3339)},
		{"Students", s.StudentCount},
		{fmt.Sprintf("Active students (%d days)", s.ActiveWindowDays), s.ActiveStudents},
		{"Engagement rate (%)", s.EngagementRate},
	}
}

func progressRows(items []LessonProgress) [][]any {
	rows := [][]any{{"Lesson", "Title", "Completed", "Students", "Rate"}}
	for _, p := range items {
		rows = append(rows, []any{p.LessonID, p.Title, p.Completed, p.Students, p.Rate})
	}
	return rows
}

func difficultyRows(items []QuestionDifficulty) [][]any {
	rows := [][]any{{"Question", "Quiz", "Wrong", "Attempts", "Wrong rate"}}
	for _, d := range items {
		rows = append(rows, []any{d.QuestionID, d.QuizID, d.WrongCount, d.TotalAttempts, d.WrongRate})
	}
	return rows
}

func quizRows(items []QuizAverage) [][]any {
	rows := [][]any{{"Quiz", "Title", "Results", "Average"}}
	for _, q := range items {
		var avg any = ""
		if q.Average != nil {
			avg = *q.Average
		}
		rows = append(rows, []any{q.QuizID, q.Title, q.Results, avg})
	}
	return rows
}

func rankRows(items []StudentRank) [][]any {
	rows := [][]any{{"Rank", "Student", "Name", "Points"}}
	for i, r := range items {
		rows = append(rows, []any{i + 1, r.StudentID, r.DisplayName, r.TotalPoints})
	}
	return rows
}
