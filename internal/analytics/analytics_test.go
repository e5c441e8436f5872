package analytics_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/p-n-ai/pai-arena/internal/analytics"
	"github.com/p-n-ai/pai-arena/internal/catalog"
	"github.com/p-n-ai/pai-arena/internal/catalog/catalogtest"
	"github.com/p-n-ai/pai-arena/internal/identity"
	"github.com/p-n-ai/pai-arena/internal/ledger"
)

var now = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

func user(id, name string, role identity.Role, lastActive time.Time) ledger.User {
	return ledger.User{ID: id, DisplayName: name, Role: role, LastActiveAt: lastActive}
}

func attempt(student, question string, correct bool) ledger.Attempt {
	return ledger.Attempt{StudentID: student, QuizID: "Q2", QuestionID: question, IsCorrect: correct}
}

func sampleDataset() ledger.Dataset {
	return ledger.Dataset{
		Users: []ledger.User{
			user("s1", "aina", identity.RoleStudent, now.Add(-time.Hour)),
			user("s2", "Ben", identity.RoleStudent, now.AddDate(0, 0, -10)),
			user("s3", "Chong", identity.RoleStudent, now.AddDate(0, 0, -7)),
			user("t1", "Cikgu", identity.RoleTeacher, now),
		},
		Completions: []ledger.Completion{
			{StudentID: "s1", LessonID: "L1"},
			{StudentID: "s2", LessonID: "L1"},
			{StudentID: "s1", LessonID: "L2"},
			{StudentID: "t1", LessonID: "L1"},
		},
		QuizResults: []ledger.QuizResult{
			{StudentID: "s1", QuizID: "Q2", Score: 80},
			{StudentID: "s2", QuizID: "Q2", Score: 50},
			{StudentID: "t1", QuizID: "Q2", Score: 0},
		},
		Attempts: []ledger.Attempt{
			attempt("s1", "Q2-02", false),
			attempt("s2", "Q2-02", false),
			attempt("s1", "Q2-01", false),
			attempt("s2", "Q2-01", false),
			attempt("s1", "Q2-03", false),
			attempt("s2", "Q2-03", true),
			attempt("s1", "Q2-04", true),
			attempt("t1", "Q2-04", false),
		},
		ArenaAnswers: []ledger.ArenaAnswer{{StudentID: "s3", ActivityID: "A1"}},
		Profiles: []ledger.Profile{
			{StudentID: "s1", TotalPoints: 80},
			{StudentID: "s2", TotalPoints: 80},
			{StudentID: "t1", TotalPoints: 999},
		},
	}
}

func TestModuleProgress(t *testing.T) {
	lessons := catalogtest.Ecosystems(t).OrderedLessons()
	got := analytics.NewClass(sampleDataset()).ModuleProgress(lessons)

	want := map[string]int{"L1": 2, "L2": 1, "L3": 0}
	for _, lp := range got {
		if lp.Completed != want[lp.LessonID] || lp.Students != 3 {
			t.Errorf("%s: completed %d/%d, want %d/3", lp.LessonID, lp.Completed, lp.Students, want[lp.LessonID])
		}
	}
	if got[0].Rate != 2.0/3.0 {
		t.Errorf("L1 rate = %v, want 2/3", got[0].Rate)
	}
}

func TestModuleProgress_NoStudents(t *testing.T) {
	lessons := catalogtest.Ecosystems(t).OrderedLessons()
	got := analytics.NewClass(ledger.Dataset{}).ModuleProgress(lessons)
	for _, lp := range got {
		if lp.Rate != 0 {
			t.Errorf("%s rate = %v, want 0", lp.LessonID, lp.Rate)
		}
	}
}

func TestDifficultyMap(t *testing.T) {
	got := analytics.NewClass(sampleDataset()).DifficultyMap(5)

	var ids []string
	for _, d := range got {
		ids = append(ids, d.QuestionID)
	}
	// Q2-01 and Q2-02 tie on two wrong answers; Q2-04 only has a teacher miss.
	want := []string{"Q2-01", "Q2-02", "Q2-03"}
	if len(ids) != len(want) {
		t.Fatalf("DifficultyMap() = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("DifficultyMap()[%d] = %s, want %s", i, ids[i], want[i])
		}
	}
	if got[2].WrongRate != 0.5 || got[2].TotalAttempts != 2 {
		t.Errorf("Q2-03 = %+v, want 1 of 2 wrong", got[2])
	}

	if top := analytics.NewClass(sampleDataset()).DifficultyMap(1); len(top) != 1 || top[0].QuestionID != "Q2-01" {
		t.Errorf("DifficultyMap(1) = %+v", top)
	}
}

func TestQuizAverages(t *testing.T) {
	quizzes := catalogtest.Ecosystems(t).Quizzes()
	got := analytics.NewClass(sampleDataset()).QuizAverages(quizzes)

	if len(got) != 2 {
		t.Fatalf("QuizAverages() = %d rows, want one per quiz", len(got))
	}
	if got[0].Average == nil || *got[0].Average != 65 || got[0].Results != 2 {
		t.Errorf("Q2 = %+v, want average 65 over 2", got[0])
	}
	if got[1].Average != nil || got[1].Results != 0 {
		t.Errorf("Q3 = %+v, want nil average", got[1])
	}
}

func TestActiveStudents(t *testing.T) {
	c := analytics.NewClass(sampleDataset())
	if got := c.ActiveStudents(7, now); got != 2 {
		t.Errorf("ActiveStudents(7) = %d, want 2", got)
	}
	if got := c.ActiveStudents(30, now); got != 3 {
		t.Errorf("ActiveStudents(30) = %d, want 3", got)
	}
}

func TestEngagementRate(t *testing.T) {
	if got := analytics.NewClass(sampleDataset()).EngagementRate(); got != 100 {
		t.Errorf("EngagementRate() = %v, want 100", got)
	}
	if got := analytics.NewClass(ledger.Dataset{}).EngagementRate(); got != 0 {
		t.Errorf("EngagementRate(empty) = %v, want 0", got)
	}
}

func TestRankings(t *testing.T) {
	c := analytics.NewClass(sampleDataset())

	top := c.TopPerformers(3)
	// s1 and s2 tie on points; "aina" sorts before "Ben" ignoring case.
	wantTop := []string{"s1", "s2", "s3"}
	for i, id := range wantTop {
		if top[i].StudentID != id {
			t.Errorf("TopPerformers()[%d] = %s, want %s", i, top[i].StudentID, id)
		}
	}
	if top[2].TotalPoints != 0 {
		t.Errorf("student without profile has %d points, want 0", top[2].TotalPoints)
	}

	low := c.NeedsAttention(2)
	if len(low) != 2 || low[0].StudentID != "s3" || low[1].StudentID != "s1" {
		t.Errorf("NeedsAttention(2) = %+v", low)
	}
}

func TestBuildAndWriteXLSX(t *testing.T) {
	cat := catalogtest.Ecosystems(t)
	snap := analytics.Build(cat, sampleDataset(), analytics.Options{Now: now})

	if snap.StudentCount != 3 || snap.ActiveWindowDays != analytics.DefaultActiveWindowDays {
		t.Errorf("Build() = %+v", snap)
	}

	var buf bytes.Buffer
	if err := analytics.WriteXLSX(&buf, snap); err != nil {
		t.Fatalf("WriteXLSX() error = %v", err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("OpenReader() error = %v", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) != 6 || sheets[0] != analytics.SheetSummary {
		t.Errorf("GetSheetList() = %v", sheets)
	}

	rows, err := f.GetRows(analytics.SheetProgress)
	if err != nil {
		t.Fatalf("GetRows() error = %v", err)
	}
	if len(rows) != 4 || rows[1][0] != "L1" || rows[1][2] != "2" {
		t.Errorf("progress rows = %v", rows)
	}

	quizRows, _ := f.GetRows(analytics.SheetQuizzes)
	if len(quizRows) != 3 || quizRows[1][3] != "65" {
		t.Errorf("quiz rows = %v", quizRows)
	}
}

func TestBuild_Empty(t *testing.T) {
	cat, err := catalog.New(nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	snap := analytics.Build(cat, ledger.Dataset{}, analytics.Options{})
	if snap.StudentCount != 0 || snap.EngagementRate != 0 || len(snap.TopPerformers) != 0 {
		t.Errorf("Build(empty) = %+v", snap)
	}
}
