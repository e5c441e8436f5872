package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/p-n-ai/pai-arena/internal/apperr"
	"github.com/p-n-ai/pai-arena/internal/identity"
)

const (
	dbTimeout          = 5 * time.Second
	defaultMaxAttempts = 3
)

// PostgresStore is a PostgreSQL-backed Store. A unit of work holds a row
// lock on the student's profile and is retried on serialization failures.
type PostgresStore struct {
	pool        *pgxpool.Pool
	maxAttempts int
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store over an already migrated pool.
// maxAttempts <= 0 selects the default of 3.
func NewPostgresStore(pool *pgxpool.Pool, maxAttempts int) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is nil")
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &PostgresStore{pool: pool, maxAttempts: maxAttempts}, nil
}

func (s *PostgresStore) WithStudent(ctx context.Context, user User, fn func(context.Context, Tx) error) error {
	if user.ID == "" {
		return apperr.Invalid("student_id", "is required")
	}

	var err error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		err = s.runUnit(ctx, user, fn)
		if err == nil || !retryable(err) {
			return err
		}
		slog.Debug("retrying student unit of work",
			"student_id", user.ID,
			"attempt", attempt,
			"error", err,
		)
	}
	return &apperr.ConflictError{Key: user.ID, Attempts: s.maxAttempts, Err: err}
}

func (s *PostgresStore) runUnit(ctx context.Context, user User, fn func(context.Context, Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin unit of work: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO students (id, display_name, role, created_at, last_active_at)
		 VALUES ($1, $2, COALESCE($3, 'student'), NOW(), NOW())
		 ON CONFLICT (id) DO UPDATE SET
		   display_name   = COALESCE(NULLIF(EXCLUDED.display_name, ''), students.display_name),
		   role           = COALESCE($3, students.role),
		   last_active_at = NOW()`,
		user.ID,
		user.DisplayName,
		nullIfEmpty(string(user.Role)),
	); err != nil {
		return fmt.Errorf("register student: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO student_profiles (student_id) VALUES ($1) ON CONFLICT DO NOTHING`,
		user.ID,
	); err != nil {
		return fmt.Errorf("create profile: %w", err)
	}
	var points int
	if err := tx.QueryRow(ctx,
		`SELECT total_points FROM student_profiles WHERE student_id = $1 FOR UPDATE`,
		user.ID,
	).Scan(&points); err != nil {
		return fmt.Errorf("lock profile: %w", err)
	}

	if err := fn(ctx, &pgTx{tx: tx, studentID: user.ID}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit unit of work: %w", err)
	}
	return nil
}

func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01": // serialization_failure, deadlock_detected
		return true
	}
	return false
}

func (s *PostgresStore) User(ctx context.Context, id string) (User, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var u User
	var role string
	err := s.pool.QueryRow(ctx,
		`SELECT id, display_name, role, created_at, last_active_at FROM students WHERE id = $1`,
		id,
	).Scan(&u.ID, &u.DisplayName, &role, &u.CreatedAt, &u.LastActiveAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, apperr.NotFound("student", id)
	}
	if err != nil {
		return User{}, fmt.Errorf("get student: %w", err)
	}
	u.Role = identity.Role(role)
	return u, nil
}

func (s *PostgresStore) Progress(ctx context.Context, studentID string) (Progress, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()
	return pgProgress(ctx, s.pool, studentID)
}

func (s *PostgresStore) Profile(ctx context.Context, studentID string) (Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()
	return pgProfile(ctx, s.pool, studentID)
}

func (s *PostgresStore) Attempts(ctx context.Context, studentID string) ([]Attempt, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()
	return pgAttempts(ctx, s.pool, `WHERE student_id = $1`, studentID)
}

func (s *PostgresStore) Dataset(ctx context.Context) (Dataset, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var ds Dataset
	rows, err := s.pool.Query(ctx,
		`SELECT id, display_name, role, created_at, last_active_at FROM students ORDER BY id`)
	if err != nil {
		return ds, fmt.Errorf("query students: %w", err)
	}
	ds.Users, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (User, error) {
		var u User
		var role string
		err := row.Scan(&u.ID, &u.DisplayName, &role, &u.CreatedAt, &u.LastActiveAt)
		u.Role = identity.Role(role)
		return u, err
	})
	if err != nil {
		return ds, fmt.Errorf("scan students: %w", err)
	}

	rows, err = s.pool.Query(ctx,
		`SELECT student_id, lesson_id, completed_at FROM lesson_completions ORDER BY student_id, lesson_id`)
	if err != nil {
		return ds, fmt.Errorf("query completions: %w", err)
	}
	ds.Completions, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (Completion, error) {
		var c Completion
		err := row.Scan(&c.StudentID, &c.LessonID, &c.CompletedAt)
		return c, err
	})
	if err != nil {
		return ds, fmt.Errorf("scan completions: %w", err)
	}

	rows, err = s.pool.Query(ctx,
		`SELECT student_id, quiz_id, score, completed_at FROM quiz_results ORDER BY student_id, quiz_id`)
	if err != nil {
		return ds, fmt.Errorf("query quiz results: %w", err)
	}
	ds.QuizResults, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (QuizResult, error) {
		var r QuizResult
		err := row.Scan(&r.StudentID, &r.QuizID, &r.Score, &r.CompletedAt)
		return r, err
	})
	if err != nil {
		return ds, fmt.Errorf("scan quiz results: %w", err)
	}

	if ds.Attempts, err = pgAttempts(ctx, s.pool, ``); err != nil {
		return ds, err
	}

	rows, err = s.pool.Query(ctx,
		`SELECT id, student_id, activity_id, is_correct, created_at FROM arena_answers ORDER BY created_at, id`)
	if err != nil {
		return ds, fmt.Errorf("query arena answers: %w", err)
	}
	ds.ArenaAnswers, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (ArenaAnswer, error) {
		var a ArenaAnswer
		err := row.Scan(&a.ID, &a.StudentID, &a.ActivityID, &a.IsCorrect, &a.CreatedAt)
		return a, err
	})
	if err != nil {
		return ds, fmt.Errorf("scan arena answers: %w", err)
	}

	rows, err = s.pool.Query(ctx,
		`SELECT student_id, total_points FROM student_profiles ORDER BY student_id`)
	if err != nil {
		return ds, fmt.Errorf("query profiles: %w", err)
	}
	ds.Profiles, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (Profile, error) {
		var p Profile
		err := row.Scan(&p.StudentID, &p.TotalPoints)
		return p, err
	})
	if err != nil {
		return ds, fmt.Errorf("scan profiles: %w", err)
	}

	badges, err := pgBadges(ctx, s.pool, ``)
	if err != nil {
		return ds, err
	}
	for i := range ds.Profiles {
		ds.Profiles[i].Badges = badges[ds.Profiles[i].StudentID]
	}
	return ds, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close is a no-op; the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func pgProgress(ctx context.Context, q querier, studentID string) (Progress, error) {
	p := newProgress()

	rows, err := q.Query(ctx,
		`SELECT lesson_id, completed_at FROM lesson_completions WHERE student_id = $1`, studentID)
	if err != nil {
		return p, fmt.Errorf("query completions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var at time.Time
		if err := rows.Scan(&id, &at); err != nil {
			return p, fmt.Errorf("scan completion: %w", err)
		}
		p.Completed[id] = at
	}
	if err := rows.Err(); err != nil {
		return p, fmt.Errorf("iterate completions: %w", err)
	}

	rows, err = q.Query(ctx,
		`SELECT quiz_id, score FROM quiz_results WHERE student_id = $1`, studentID)
	if err != nil {
		return p, fmt.Errorf("query quiz results: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var score float64
		if err := rows.Scan(&id, &score); err != nil {
			return p, fmt.Errorf("scan quiz result: %w", err)
		}
		p.QuizScores[id] = score
	}
	if err := rows.Err(); err != nil {
		return p, fmt.Errorf("iterate quiz results: %w", err)
	}
	return p, nil
}

func pgProfile(ctx context.Context, q querier, studentID string) (Profile, error) {
	p := Profile{StudentID: studentID}
	err := q.QueryRow(ctx,
		`SELECT total_points FROM student_profiles WHERE student_id = $1`, studentID,
	).Scan(&p.TotalPoints)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return p, fmt.Errorf("get profile: %w", err)
	}

	badges, err := pgBadges(ctx, q, `WHERE student_id = $1`, studentID)
	if err != nil {
		return p, err
	}
	p.Badges = badges[studentID]
	return p, nil
}

func pgBadges(ctx context.Context, q querier, where string, args ...any) (map[string][]OwnedBadge, error) {
	rows, err := q.Query(ctx,
		`SELECT student_id, badge_id, awarded_at FROM student_badges `+where+` ORDER BY awarded_at, badge_id`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("query badges: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]OwnedBadge)
	for rows.Next() {
		var studentID string
		var b OwnedBadge
		if err := rows.Scan(&studentID, &b.BadgeID, &b.AwardedAt); err != nil {
			return nil, fmt.Errorf("scan badge: %w", err)
		}
		out[studentID] = append(out[studentID], b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate badges: %w", err)
	}
	return out, nil
}

func pgAttempts(ctx context.Context, q querier, where string, args ...any) ([]Attempt, error) {
	rows, err := q.Query(ctx,
		`SELECT id, student_id, quiz_id, question_id, chosen_option_id, is_correct, created_at
		 FROM question_attempts `+where+` ORDER BY created_at, id`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	attempts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Attempt, error) {
		var a Attempt
		var chosen *string
		err := row.Scan(&a.ID, &a.StudentID, &a.QuizID, &a.QuestionID, &chosen, &a.IsCorrect, &a.CreatedAt)
		if chosen != nil {
			a.ChosenOptionID = *chosen
		}
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan attempts: %w", err)
	}
	return attempts, nil
}

type pgTx struct {
	tx        pgx.Tx
	studentID string
}

func (t *pgTx) StudentID() string { return t.studentID }

func (t *pgTx) Progress(ctx context.Context) (Progress, error) {
	return pgProgress(ctx, t.tx, t.studentID)
}

func (t *pgTx) Profile(ctx context.Context) (Profile, error) {
	return pgProfile(ctx, t.tx, t.studentID)
}

func (t *pgTx) QuizScore(ctx context.Context, quizID string) (float64, bool, error) {
	var score float64
	err := t.tx.QueryRow(ctx,
		`SELECT score FROM quiz_results WHERE student_id = $1 AND quiz_id = $2 FOR UPDATE`,
		t.studentID, quizID,
	).Scan(&score)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get quiz score: %w", err)
	}
	return score, true, nil
}

func (t *pgTx) UpsertQuizResult(ctx context.Context, quizID string, score float64, at time.Time) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO quiz_results (student_id, quiz_id, score, completed_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (student_id, quiz_id) DO UPDATE SET
		   score = EXCLUDED.score,
		   completed_at = EXCLUDED.completed_at`,
		t.studentID, quizID, score, at,
	)
	if err != nil {
		return fmt.Errorf("upsert quiz result: %w", err)
	}
	return nil
}

func (t *pgTx) AppendAttempts(ctx context.Context, attempts []Attempt) error {
	if len(attempts) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, a := range attempts {
		if a.ID == "" {
			a.ID = NewID()
		}
		batch.Queue(
			`INSERT INTO question_attempts (id, student_id, quiz_id, question_id, chosen_option_id, is_correct, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			a.ID, t.studentID, a.QuizID, a.QuestionID, nullIfEmpty(a.ChosenOptionID), a.IsCorrect, a.CreatedAt,
		)
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("append attempts: %w", err)
	}
	return nil
}

func (t *pgTx) AppendArenaAnswer(ctx context.Context, answer ArenaAnswer) error {
	if answer.ID == "" {
		answer.ID = NewID()
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO arena_answers (id, student_id, activity_id, is_correct, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		answer.ID, t.studentID, answer.ActivityID, answer.IsCorrect, answer.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append arena answer: %w", err)
	}
	return nil
}

func (t *pgTx) MarkComplete(ctx context.Context, lessonID string, at time.Time) (bool, error) {
	cmd, err := t.tx.Exec(ctx,
		`INSERT INTO lesson_completions (student_id, lesson_id, completed_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT DO NOTHING`,
		t.studentID, lessonID, at,
	)
	if err != nil {
		return false, fmt.Errorf("mark complete: %w", err)
	}
	return cmd.RowsAffected() > 0, nil
}

func (t *pgTx) UnmarkComplete(ctx context.Context, lessonID string) (bool, error) {
	cmd, err := t.tx.Exec(ctx,
		`DELETE FROM lesson_completions WHERE student_id = $1 AND lesson_id = $2`,
		t.studentID, lessonID,
	)
	if err != nil {
		return false, fmt.Errorf("unmark complete: %w", err)
	}
	return cmd.RowsAffected() > 0, nil
}

func (t *pgTx) AddPoints(ctx context.Context, delta int) (int, error) {
	if delta < 0 {
		return 0, fmt.Errorf("add points: negative delta %d", delta)
	}
	if delta > MaxTotalPoints {
		return 0, pointsLimitError(delta)
	}
	var total int
	err := t.tx.QueryRow(ctx,
		`UPDATE student_profiles SET total_points = total_points + $2
		 WHERE student_id = $1 AND total_points <= $3
		 RETURNING total_points`,
		t.studentID, delta, MaxTotalPoints-delta,
	).Scan(&total)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, pointsLimitError(delta)
	}
	if err != nil {
		return 0, fmt.Errorf("add points: %w", err)
	}
	return total, nil
}

func (t *pgTx) AwardBadges(ctx context.Context, badgeIDs []string, at time.Time) error {
	for _, id := range badgeIDs {
		if _, err := t.tx.Exec(ctx,
			`INSERT INTO student_badges (student_id, badge_id, awarded_at)
			 VALUES ($1, $2, $3)
			 ON CONFLICT DO NOTHING`,
			t.studentID, id, at,
		); err != nil {
			return fmt.Errorf("award badge %s: %w", id, err)
		}
	}
	return nil
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}
