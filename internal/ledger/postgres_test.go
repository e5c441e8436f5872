package ledger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/p-n-ai/pai-arena/internal/apperr"
	"github.com/p-n-ai/pai-arena/internal/ledger"
	"github.com/p-n-ai/pai-arena/internal/platform/database"
)

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := t.Context()
	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("arena"),
		postgres.WithUsername("arena"),
		postgres.WithPassword("arena"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}

	url, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	db, err := database.New(ctx, url, 10, 1)
	if err != nil {
		t.Fatalf("database.New() error = %v", err)
	}
	t.Cleanup(db.Close)

	if err := database.Migrate(ctx, db.Pool); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	// A second run must be a no-op.
	if err := database.Migrate(ctx, db.Pool); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}

	runStoreSuite(t, func(t *testing.T) ledger.Store {
		if _, err := db.Pool.Exec(context.Background(),
			`TRUNCATE students, student_profiles, student_badges, lesson_completions,
			   quiz_results, question_attempts, arena_answers, events CASCADE`,
		); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		s, err := ledger.NewPostgresStore(db.Pool, 5)
		if err != nil {
			t.Fatalf("NewPostgresStore() error = %v", err)
		}
		return s
	})

	t.Run("retry exhaustion is a conflict", func(t *testing.T) {
		s, _ := ledger.NewPostgresStore(db.Pool, 2)
		calls := 0
		err := s.WithStudent(ctx, student, func(context.Context, ledger.Tx) error {
			calls++
			return &pgconn.PgError{Code: "40001", Message: "could not serialize access"}
		})
		if !errors.Is(err, apperr.ErrConflict) {
			t.Fatalf("WithStudent() error = %v, want conflict", err)
		}
		if calls != 2 {
			t.Errorf("fn called %d times, want 2", calls)
		}
	})
}

func TestNewPostgresStore_NilPool(t *testing.T) {
	if _, err := ledger.NewPostgresStore(nil, 0); err == nil {
		t.Fatal("NewPostgresStore(nil) should fail")
	}
}
