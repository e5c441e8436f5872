package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/p-n-ai/pai-arena/internal/apperr"
	"github.com/p-n-ai/pai-arena/internal/identity"
	"github.com/p-n-ai/pai-arena/internal/ledger"
)

var (
	student = ledger.User{ID: "s1", DisplayName: "Aina", Role: identity.RoleStudent}
	at      = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
)

// storeFactory returns a fresh, empty store.
type storeFactory func(t *testing.T) ledger.Store

func runStoreSuite(t *testing.T, newStore storeFactory) {
	t.Run("registers user lazily", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()

		if _, err := s.User(ctx, "s1"); !errors.Is(err, apperr.ErrNotFound) {
			t.Fatalf("User() before any write error = %v, want not found", err)
		}
		if err := s.WithStudent(ctx, student, func(context.Context, ledger.Tx) error { return nil }); err != nil {
			t.Fatalf("WithStudent() error = %v", err)
		}
		u, err := s.User(ctx, "s1")
		if err != nil {
			t.Fatalf("User() error = %v", err)
		}
		if u.DisplayName != "Aina" || u.Role != identity.RoleStudent {
			t.Errorf("User() = %+v", u)
		}
		if u.LastActiveAt.IsZero() {
			t.Error("LastActiveAt should be set")
		}
	})

	t.Run("completion is idempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()

		var created []bool
		for range 2 {
			err := s.WithStudent(ctx, student, func(ctx context.Context, tx ledger.Tx) error {
				ok, err := tx.MarkComplete(ctx, "L1", at)
				created = append(created, ok)
				return err
			})
			if err != nil {
				t.Fatalf("MarkComplete() error = %v", err)
			}
		}
		if !created[0] || created[1] {
			t.Errorf("created = %v, want [true false]", created)
		}

		p, err := s.Progress(ctx, "s1")
		if err != nil {
			t.Fatalf("Progress() error = %v", err)
		}
		if len(p.Completed) != 1 || !p.Completed["L1"].Equal(at) {
			t.Errorf("Completed = %v, want L1 at %v", p.Completed, at)
		}

		err = s.WithStudent(ctx, student, func(ctx context.Context, tx ledger.Tx) error {
			removed, err := tx.UnmarkComplete(ctx, "L1")
			if !removed {
				t.Error("UnmarkComplete() should report removal")
			}
			return err
		})
		if err != nil {
			t.Fatalf("UnmarkComplete() error = %v", err)
		}
		p, _ = s.Progress(ctx, "s1")
		if len(p.Completed) != 0 {
			t.Errorf("Completed after unmark = %v, want empty", p.Completed)
		}
	})

	t.Run("quiz result upserts in place", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()

		for _, score := range []float64{80, 50} {
			err := s.WithStudent(ctx, student, func(ctx context.Context, tx ledger.Tx) error {
				return tx.UpsertQuizResult(ctx, "Q2", score, at)
			})
			if err != nil {
				t.Fatalf("UpsertQuizResult() error = %v", err)
			}
		}

		ds, err := s.Dataset(ctx)
		if err != nil {
			t.Fatalf("Dataset() error = %v", err)
		}
		if len(ds.QuizResults) != 1 || ds.QuizResults[0].Score != 50 {
			t.Errorf("QuizResults = %+v, want one row with score 50", ds.QuizResults)
		}

		err = s.WithStudent(ctx, student, func(ctx context.Context, tx ledger.Tx) error {
			score, ok, err := tx.QuizScore(ctx, "Q2")
			if !ok || score != 50 {
				t.Errorf("QuizScore() = %v, %v, want 50, true", score, ok)
			}
			_, ok, _ = tx.QuizScore(ctx, "Q9")
			if ok {
				t.Error("QuizScore(Q9) should not exist")
			}
			return err
		})
		if err != nil {
			t.Fatal(err)
		}
	})

	t.Run("attempt log appends", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()

		attempts := []ledger.Attempt{
			{QuizID: "Q2", QuestionID: "Q2-01", ChosenOptionID: "Q2-01-a", IsCorrect: true, CreatedAt: at},
			{QuizID: "Q2", QuestionID: "Q2-02", CreatedAt: at},
		}
		for range 2 {
			err := s.WithStudent(ctx, student, func(ctx context.Context, tx ledger.Tx) error {
				return tx.AppendAttempts(ctx, attempts)
			})
			if err != nil {
				t.Fatalf("AppendAttempts() error = %v", err)
			}
		}

		got, err := s.Attempts(ctx, "s1")
		if err != nil {
			t.Fatalf("Attempts() error = %v", err)
		}
		if len(got) != 4 {
			t.Fatalf("Attempts() = %d rows, want 4", len(got))
		}
		ids := map[string]bool{}
		for _, a := range got {
			if a.ID == "" || ids[a.ID] {
				t.Errorf("attempt id %q is empty or repeated", a.ID)
			}
			ids[a.ID] = true
			if a.StudentID != "s1" {
				t.Errorf("StudentID = %q, want s1", a.StudentID)
			}
		}
		unanswered := 0
		for _, a := range got {
			if a.ChosenOptionID == "" {
				unanswered++
			}
		}
		if unanswered != 2 {
			t.Errorf("unanswered attempts = %d, want 2", unanswered)
		}
	})

	t.Run("points and badges", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()

		err := s.WithStudent(ctx, student, func(ctx context.Context, tx ledger.Tx) error {
			total, err := tx.AddPoints(ctx, 60)
			if err != nil {
				return err
			}
			if total != 60 {
				t.Errorf("AddPoints() = %d, want 60", total)
			}
			if _, err := tx.AddPoints(ctx, -1); err == nil {
				t.Error("AddPoints(-1) should fail")
			}
			return tx.AwardBadges(ctx, []string{"bronze", "bronze"}, at)
		})
		if err != nil {
			t.Fatalf("WithStudent() error = %v", err)
		}
		err = s.WithStudent(ctx, student, func(ctx context.Context, tx ledger.Tx) error {
			return tx.AwardBadges(ctx, []string{"bronze"}, at.Add(time.Hour))
		})
		if err != nil {
			t.Fatalf("AwardBadges() error = %v", err)
		}

		p, err := s.Profile(ctx, "s1")
		if err != nil {
			t.Fatalf("Profile() error = %v", err)
		}
		if p.TotalPoints != 60 {
			t.Errorf("TotalPoints = %d, want 60", p.TotalPoints)
		}
		if len(p.Badges) != 1 || !p.Badges[0].AwardedAt.Equal(at) {
			t.Errorf("Badges = %+v, want one bronze awarded at %v", p.Badges, at)
		}

		empty, err := s.Profile(ctx, "nobody")
		if err != nil {
			t.Fatalf("Profile(nobody) error = %v", err)
		}
		if empty.TotalPoints != 0 || len(empty.Badges) != 0 {
			t.Errorf("Profile(nobody) = %+v, want empty", empty)
		}
	})

	t.Run("failed unit of work keeps nothing", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		boom := errors.New("boom")

		err := s.WithStudent(ctx, student, func(ctx context.Context, tx ledger.Tx) error {
			if _, err := tx.AddPoints(ctx, 30); err != nil {
				return err
			}
			if _, err := tx.MarkComplete(ctx, "L1", at); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("WithStudent() error = %v, want boom", err)
		}

		p, _ := s.Profile(ctx, "s1")
		if p.TotalPoints != 0 {
			t.Errorf("TotalPoints = %d, want 0 after rollback", p.TotalPoints)
		}
		prog, _ := s.Progress(ctx, "s1")
		if len(prog.Completed) != 0 {
			t.Errorf("Completed = %v, want empty after rollback", prog.Completed)
		}
	})

	t.Run("points stop at the total limit", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()

		add := func(delta int) error {
			return s.WithStudent(ctx, student, func(ctx context.Context, tx ledger.Tx) error {
				_, err := tx.AddPoints(ctx, delta)
				return err
			})
		}

		if err := add(ledger.MaxTotalPoints - 5); err != nil {
			t.Fatalf("AddPoints(max-5) error = %v", err)
		}
		for _, delta := range []int{6, 10, ledger.MaxTotalPoints + 1} {
			if err := add(delta); !errors.Is(err, apperr.ErrValidation) {
				t.Errorf("AddPoints(%d) error = %v, want validation error", delta, err)
			}
		}
		p, err := s.Profile(ctx, "s1")
		if err != nil {
			t.Fatalf("Profile() error = %v", err)
		}
		if p.TotalPoints != ledger.MaxTotalPoints-5 {
			t.Errorf("TotalPoints = %d, want %d after rejected adds", p.TotalPoints, ledger.MaxTotalPoints-5)
		}

		if err := add(5); err != nil {
			t.Fatalf("AddPoints(5) error = %v", err)
		}
		p, _ = s.Profile(ctx, "s1")
		if p.TotalPoints != ledger.MaxTotalPoints {
			t.Errorf("TotalPoints = %d, want %d", p.TotalPoints, ledger.MaxTotalPoints)
		}
	})

	t.Run("concurrent units serialize per student", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()

		const workers = 8
		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- s.WithStudent(ctx, student, func(ctx context.Context, tx ledger.Tx) error {
					p, err := tx.Profile(ctx)
					if err != nil {
						return err
					}
					_, err = tx.AddPoints(ctx, 10)
					if err != nil {
						return err
					}
					if p.TotalPoints+10 >= 50 && !p.Owns("bronze") {
						return tx.AwardBadges(ctx, []string{"bronze"}, at)
					}
					return nil
				})
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("WithStudent() error = %v", err)
			}
		}

		p, err := s.Profile(ctx, "s1")
		if err != nil {
			t.Fatal(err)
		}
		if p.TotalPoints != workers*10 {
			t.Errorf("TotalPoints = %d, want %d", p.TotalPoints, workers*10)
		}
		if len(p.Badges) != 1 {
			t.Errorf("Badges = %+v, want exactly one", p.Badges)
		}
	})

	t.Run("dataset", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()

		teacher := ledger.User{ID: "t1", DisplayName: "Cikgu", Role: identity.RoleTeacher}
		if err := s.WithStudent(ctx, teacher, func(context.Context, ledger.Tx) error { return nil }); err != nil {
			t.Fatal(err)
		}
		err := s.WithStudent(ctx, student, func(ctx context.Context, tx ledger.Tx) error {
			if _, err := tx.MarkComplete(ctx, "L1", at); err != nil {
				return err
			}
			return tx.AppendArenaAnswer(ctx, ledger.ArenaAnswer{ActivityID: "A1", IsCorrect: true, CreatedAt: at})
		})
		if err != nil {
			t.Fatal(err)
		}

		ds, err := s.Dataset(ctx)
		if err != nil {
			t.Fatalf("Dataset() error = %v", err)
		}
		if len(ds.Users) != 2 {
			t.Errorf("Users = %d, want 2", len(ds.Users))
		}
		if len(ds.Completions) != 1 || ds.Completions[0].LessonID != "L1" {
			t.Errorf("Completions = %+v", ds.Completions)
		}
		if len(ds.ArenaAnswers) != 1 || !ds.ArenaAnswers[0].IsCorrect {
			t.Errorf("ArenaAnswers = %+v", ds.ArenaAnswers)
		}
	})

	t.Run("empty student id", func(t *testing.T) {
		s := newStore(t)
		err := s.WithStudent(t.Context(), ledger.User{}, func(context.Context, ledger.Tx) error { return nil })
		if !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("WithStudent() error = %v, want validation error", err)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) ledger.Store {
		return ledger.NewMemoryStore()
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) ledger.Store {
		s, err := ledger.NewSQLiteStore(":memory:")
		if err != nil {
			t.Fatalf("NewSQLiteStore() error = %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestSQLiteStore_File(t *testing.T) {
	path := t.TempDir() + "/ledger.db"

	s, err := ledger.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	err = s.WithStudent(t.Context(), student, func(ctx context.Context, tx ledger.Tx) error {
		_, err := tx.AddPoints(ctx, 40)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	_ = s.Close()

	reopened, err := ledger.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	p, err := reopened.Profile(t.Context(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if p.TotalPoints != 40 {
		t.Errorf("TotalPoints after reopen = %d, want 40", p.TotalPoints)
	}
}
