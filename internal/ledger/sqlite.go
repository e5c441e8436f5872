package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/p-n-ai/pai-arena/internal/apperr"
	"github.com/p-n-ai/pai-arena/internal/identity"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS students (
	id             TEXT PRIMARY KEY,
	display_name   TEXT NOT NULL DEFAULT '',
	role           TEXT NOT NULL DEFAULT 'student',
	created_at     TEXT NOT NULL,
	last_active_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS student_profiles (
	student_id   TEXT PRIMARY KEY REFERENCES students(id) ON DELETE CASCADE,
	total_points INTEGER NOT NULL DEFAULT 0 CHECK (total_points >= 0)
);

CREATE TABLE IF NOT EXISTS student_badges (
	student_id TEXT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
	badge_id   TEXT NOT NULL,
	awarded_at TEXT NOT NULL,
	PRIMARY KEY (student_id, badge_id)
);

CREATE TABLE IF NOT EXISTS lesson_completions (
	student_id   TEXT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
	lesson_id    TEXT NOT NULL,
	completed_at TEXT NOT NULL,
	PRIMARY KEY (student_id, lesson_id)
);

CREATE TABLE IF NOT EXISTS quiz_results (
	student_id   TEXT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
	quiz_id      TEXT NOT NULL,
	score        REAL NOT NULL,
	completed_at TEXT NOT NULL,
	PRIMARY KEY (student_id, quiz_id)
);

CREATE TABLE IF NOT EXISTS question_attempts (
	id               TEXT PRIMARY KEY,
	student_id       TEXT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
	quiz_id          TEXT NOT NULL,
	question_id      TEXT NOT NULL,
	chosen_option_id TEXT,
	is_correct       INTEGER NOT NULL,
	created_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS arena_answers (
	id          TEXT PRIMARY KEY,
	student_id  TEXT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
	activity_id TEXT NOT NULL,
	is_correct  INTEGER NOT NULL,
	created_at  TEXT NOT NULL
);
`

// SQLiteStore is a Store backed by an embedded SQLite database. It uses a
// single connection, so units of work are serialized database-wide.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at path and applies the
// schema. Use ":memory:" for a throwaway database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) WithStudent(ctx context.Context, user User, fn func(context.Context, Tx) error) error {
	if user.ID == "" {
		return apperr.Invalid("student_id", "is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin unit of work: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := formatTime(s.now())
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO students (id, display_name, role, created_at, last_active_at)
		 VALUES (?, ?, COALESCE(?, 'student'), ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   display_name   = COALESCE(NULLIF(excluded.display_name, ''), students.display_name),
		   role           = COALESCE(?, students.role),
		   last_active_at = excluded.last_active_at`,
		user.ID, user.DisplayName, nullIfEmpty(string(user.Role)), now, now, nullIfEmpty(string(user.Role)),
	); err != nil {
		return fmt.Errorf("register student: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO student_profiles (student_id) VALUES (?) ON CONFLICT DO NOTHING`, user.ID,
	); err != nil {
		return fmt.Errorf("create profile: %w", err)
	}

	if err := fn(ctx, &sqliteTx{tx: tx, studentID: user.ID}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit unit of work: %w", err)
	}
	return nil
}

func (s *SQLiteStore) User(ctx context.Context, id string) (User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, role, created_at, last_active_at FROM students WHERE id = ?`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, apperr.NotFound("student", id)
	}
	if err != nil {
		return User{}, fmt.Errorf("get student: %w", err)
	}
	return u, nil
}

func (s *SQLiteStore) Progress(ctx context.Context, studentID string) (Progress, error) {
	return sqliteProgress(ctx, s.db, studentID)
}

func (s *SQLiteStore) Profile(ctx context.Context, studentID string) (Profile, error) {
	return sqliteProfile(ctx, s.db, studentID)
}

func (s *SQLiteStore) Attempts(ctx context.Context, studentID string) ([]Attempt, error) {
	return sqliteAttempts(ctx, s.db, `WHERE student_id = ?`, studentID)
}

func (s *SQLiteStore) Dataset(ctx context.Context) (Dataset, error) {
	var ds Dataset

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, display_name, role, created_at, last_active_at FROM students ORDER BY id`)
	if err != nil {
		return ds, fmt.Errorf("query students: %w", err)
	}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			rows.Close()
			return ds, fmt.Errorf("scan student: %w", err)
		}
		ds.Users = append(ds.Users, u)
	}
	if err := closeRows(rows); err != nil {
		return ds, fmt.Errorf("iterate students: %w", err)
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT student_id, lesson_id, completed_at FROM lesson_completions ORDER BY student_id, lesson_id`)
	if err != nil {
		return ds, fmt.Errorf("query completions: %w", err)
	}
	for rows.Next() {
		var c Completion
		var at string
		if err := rows.Scan(&c.StudentID, &c.LessonID, &at); err != nil {
			rows.Close()
			return ds, fmt.Errorf("scan completion: %w", err)
		}
		c.CompletedAt = parseTime(at)
		ds.Completions = append(ds.Completions, c)
	}
	if err := closeRows(rows); err != nil {
		return ds, fmt.Errorf("iterate completions: %w", err)
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT student_id, quiz_id, score, completed_at FROM quiz_results ORDER BY student_id, quiz_id`)
	if err != nil {
		return ds, fmt.Errorf("query quiz results: %w", err)
	}
	for rows.Next() {
		var r QuizResult
		var at string
		if err := rows.Scan(&r.StudentID, &r.QuizID, &r.Score, &at); err != nil {
			rows.Close()
			return ds, fmt.Errorf("scan quiz result: %w", err)
		}
		r.CompletedAt = parseTime(at)
		ds.QuizResults = append(ds.QuizResults, r)
	}
	if err := closeRows(rows); err != nil {
		return ds, fmt.Errorf("iterate quiz results: %w", err)
	}

	if ds.Attempts, err = sqliteAttempts(ctx, s.db, ``); err != nil {
		return ds, err
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT id, student_id, activity_id, is_correct, created_at FROM arena_answers ORDER BY created_at, id`)
	if err != nil {
		return ds, fmt.Errorf("query arena answers: %w", err)
	}
	for rows.Next() {
		var a ArenaAnswer
		var at string
		if err := rows.Scan(&a.ID, &a.StudentID, &a.ActivityID, &a.IsCorrect, &at); err != nil {
			rows.Close()
			return ds, fmt.Errorf("scan arena answer: %w", err)
		}
		a.CreatedAt = parseTime(at)
		ds.ArenaAnswers = append(ds.ArenaAnswers, a)
	}
	if err := closeRows(rows); err != nil {
		return ds, fmt.Errorf("iterate arena answers: %w", err)
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT student_id, total_points FROM student_profiles ORDER BY student_id`)
	if err != nil {
		return ds, fmt.Errorf("query profiles: %w", err)
	}
	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.StudentID, &p.TotalPoints); err != nil {
			rows.Close()
			return ds, fmt.Errorf("scan profile: %w", err)
		}
		ds.Profiles = append(ds.Profiles, p)
	}
	if err := closeRows(rows); err != nil {
		return ds, fmt.Errorf("iterate profiles: %w", err)
	}

	badges, err := sqliteBadges(ctx, s.db, ``)
	if err != nil {
		return ds, err
	}
	for i := range ds.Profiles {
		ds.Profiles[i].Badges = badges[ds.Profiles[i].StudentID]
	}
	return ds, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (User, error) {
	var u User
	var role, created, active string
	if err := row.Scan(&u.ID, &u.DisplayName, &role, &created, &active); err != nil {
		return User{}, err
	}
	u.Role = identity.Role(role)
	u.CreatedAt = parseTime(created)
	u.LastActiveAt = parseTime(active)
	return u, nil
}

func closeRows(rows *sql.Rows) error {
	err := rows.Err()
	if cerr := rows.Close(); err == nil {
		err = cerr
	}
	return err
}

func sqliteProgress(ctx context.Context, q sqlQuerier, studentID string) (Progress, error) {
	p := newProgress()

	rows, err := q.QueryContext(ctx,
		`SELECT lesson_id, completed_at FROM lesson_completions WHERE student_id = ?`, studentID)
	if err != nil {
		return p, fmt.Errorf("query completions: %w", err)
	}
	for rows.Next() {
		var id, at string
		if err := rows.Scan(&id, &at); err != nil {
			rows.Close()
			return p, fmt.Errorf("scan completion: %w", err)
		}
		p.Completed[id] = parseTime(at)
	}
	if err := closeRows(rows); err != nil {
		return p, fmt.Errorf("iterate completions: %w", err)
	}

	rows, err = q.QueryContext(ctx,
		`SELECT quiz_id, score FROM quiz_results WHERE student_id = ?`, studentID)
	if err != nil {
		return p, fmt.Errorf("query quiz results: %w", err)
	}
	for rows.Next() {
		var id string
		var score float64
		if err := rows.Scan(&id, &score); err != nil {
			rows.Close()
			return p, fmt.Errorf("scan quiz result: %w", err)
		}
		p.QuizScores[id] = score
	}
	if err := closeRows(rows); err != nil {
		return p, fmt.Errorf("iterate quiz results: %w", err)
	}
	return p, nil
}

func sqliteProfile(ctx context.Context, q sqlQuerier, studentID string) (Profile, error) {
	p := Profile{StudentID: studentID}
	err := q.QueryRowContext(ctx,
		`SELECT total_points FROM student_profiles WHERE student_id = ?`, studentID,
	).Scan(&p.TotalPoints)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return p, fmt.Errorf("get profile: %w", err)
	}

	badges, err := sqliteBadges(ctx, q, `WHERE student_id = ?`, studentID)
	if err != nil {
		return p, err
	}
	p.Badges = badges[studentID]
	return p, nil
}

func sqliteBadges(ctx context.Context, q sqlQuerier, where string, args ...any) (map[string][]OwnedBadge, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT student_id, badge_id, awarded_at FROM student_badges `+where+` ORDER BY awarded_at, badge_id`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("query badges: %w", err)
	}
	out := make(map[string][]OwnedBadge)
	for rows.Next() {
		var studentID, at string
		var b OwnedBadge
		if err := rows.Scan(&studentID, &b.BadgeID, &at); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan badge: %w", err)
		}
		b.AwardedAt = parseTime(at)
		out[studentID] = append(out[studentID], b)
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("iterate badges: %w", err)
	}
	return out, nil
}

func sqliteAttempts(ctx context.Context, q sqlQuerier, where string, args ...any) ([]Attempt, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, student_id, quiz_id, question_id, chosen_option_id, is_correct, created_at
		 FROM question_attempts `+where+` ORDER BY created_at, rowid`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	var out []Attempt
	for rows.Next() {
		var a Attempt
		var chosen sql.NullString
		var at string
		if err := rows.Scan(&a.ID, &a.StudentID, &a.QuizID, &a.QuestionID, &chosen, &a.IsCorrect, &at); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.ChosenOptionID = chosen.String
		a.CreatedAt = parseTime(at)
		out = append(out, a)
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return out, nil
}

type sqliteTx struct {
	tx        *sql.Tx
	studentID string
}

func (t *sqliteTx) StudentID() string { return t.studentID }

func (t *sqliteTx) Progress(ctx context.Context) (Progress, error) {
	return sqliteProgress(ctx, t.tx, t.studentID)
}

func (t *sqliteTx) Profile(ctx context.Context) (Profile, error) {
	return sqliteProfile(ctx, t.tx, t.studentID)
}

func (t *sqliteTx) QuizScore(ctx context.Context, quizID string) (float64, bool, error) {
	var score float64
	err := t.tx.QueryRowContext(ctx,
		`SELECT score FROM quiz_results WHERE student_id = ? AND quiz_id = ?`, t.studentID, quizID,
	).Scan(&score)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get quiz score: %w", err)
	}
	return score, true, nil
}

func (t *sqliteTx) UpsertQuizResult(ctx context.Context, quizID string, score float64, at time.Time) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO quiz_results (student_id, quiz_id, score, completed_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (student_id, quiz_id) DO UPDATE SET
		   score = excluded.score,
		   completed_at = excluded.completed_at`,
		t.studentID, quizID, score, formatTime(at),
	)
	if err != nil {
		return fmt.Errorf("upsert quiz result: %w", err)
	}
	return nil
}

func (t *sqliteTx) AppendAttempts(ctx context.Context, attempts []Attempt) error {
	if len(attempts) == 0 {
		return nil
	}
	stmt, err := t.tx.PrepareContext(ctx,
		`INSERT INTO question_attempts (id, student_id, quiz_id, question_id, chosen_option_id, is_correct, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare attempts: %w", err)
	}
	defer stmt.Close()

	for _, a := range attempts {
		if a.ID == "" {
			a.ID = NewID()
		}
		if _, err := stmt.ExecContext(ctx,
			a.ID, t.studentID, a.QuizID, a.QuestionID, nullIfEmpty(a.ChosenOptionID), a.IsCorrect, formatTime(a.CreatedAt),
		); err != nil {
			return fmt.Errorf("append attempt: %w", err)
		}
	}
	return nil
}

func (t *sqliteTx) AppendArenaAnswer(ctx context.Context, answer ArenaAnswer) error {
	if answer.ID == "" {
		answer.ID = NewID()
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO arena_answers (id, student_id, activity_id, is_correct, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		answer.ID, t.studentID, answer.ActivityID, answer.IsCorrect, formatTime(answer.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append arena answer: %w", err)
	}
	return nil
}

func (t *sqliteTx) MarkComplete(ctx context.Context, lessonID string, at time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO lesson_completions (student_id, lesson_id, completed_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		t.studentID, lessonID, formatTime(at),
	)
	if err != nil {
		return false, fmt.Errorf("mark complete: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (t *sqliteTx) UnmarkComplete(ctx context.Context, lessonID string) (bool, error) {
	res, err := t.tx.ExecContext(ctx,
		`DELETE FROM lesson_completions WHERE student_id = ? AND lesson_id = ?`,
		t.studentID, lessonID,
	)
	if err != nil {
		return false, fmt.Errorf("unmark complete: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (t *sqliteTx) AddPoints(ctx context.Context, delta int) (int, error) {
	if delta < 0 {
		return 0, fmt.Errorf("add points: negative delta %d", delta)
	}
	if delta > MaxTotalPoints {
		return 0, pointsLimitError(delta)
	}
	var total int
	err := t.tx.QueryRowContext(ctx,
		`UPDATE student_profiles SET total_points = total_points + ?
		 WHERE student_id = ? AND total_points <= ?
		 RETURNING total_points`,
		delta, t.studentID, MaxTotalPoints-delta,
	).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, pointsLimitError(delta)
	}
	if err != nil {
		return 0, fmt.Errorf("add points: %w", err)
	}
	return total, nil
}

func (t *sqliteTx) AwardBadges(ctx context.Context, badgeIDs []string, at time.Time) error {
	for _, id := range badgeIDs {
		if _, err := t.tx.ExecContext(ctx,
			`INSERT INTO student_badges (student_id, badge_id, awarded_at)
			 VALUES (?, ?, ?)
			 ON CONFLICT DO NOTHING`,
			t.studentID, id, formatTime(at),
		); err != nil {
			return fmt.Errorf("award badge %s: %w", id, err)
		}
	}
	return nil
}

// Timestamps are stored as fixed-width UTC text so they sort lexically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(sqliteTimeLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}
	}
	return t
}
