package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"simulado-service/internal/app"
	"simulado-service/internal/domain"
)

const uniqueViolation = "23505"

const attemptColumns = `a.id, a.user_id, a.simulado_id, a.started_at, a.completed_at,
	a.total_questions, a.correct_answers, a.incorrect_answers, a.blank_answers,
	COALESCE(a.final_score, 0), COALESCE(a.percentage, 0), a.penalty_applied,
	COALESCE(a.time_spent_seconds, 0)`

var (
	_ app.AttemptRepository = (*AttemptRepository)(nil)
	_ app.AtomicFinalizer   = (*AttemptRepository)(nil)
)

// AttemptRepository stores attempts and answers in Postgres. The partial unique
// index on (user_id, simulado_id) WHERE completed_at IS NULL backs Create, and
// Complete only updates rows that are still open.
type AttemptRepository struct {
	pool *pgxpool.Pool
}

func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAttempt(row rowScanner, extra ...interface{}) (domain.Attempt, error) {
	var a domain.Attempt
	dest := []interface{}{
		&a.ID, &a.UserID, &a.ExamID, &a.StartedAt, &a.CompletedAt,
		&a.TotalQuestions, &a.CorrectAnswers, &a.IncorrectAnswers, &a.BlankAnswers,
		&a.FinalScore, &a.Percentage, &a.PenaltyApplied, &a.TimeSpentSeconds,
	}
	err := row.Scan(append(dest, extra...)...)
	return a, err
}

func (r *AttemptRepository) Get(ctx context.Context, attemptID string) (domain.Attempt, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+attemptColumns+` FROM simulado_attempts a WHERE a.id = $1`, attemptID)
	attempt, err := scanAttempt(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Attempt{}, domain.ErrAttemptNotFound
	}
	if err != nil {
		return domain.Attempt{}, fmt.Errorf("get attempt: %w", err)
	}
	return attempt, nil
}

func (r *AttemptRepository) FindInProgress(ctx context.Context, userID, examID string) (domain.Attempt, bool, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+attemptColumns+`
		FROM simulado_attempts a
		WHERE a.user_id = $1 AND a.simulado_id = $2 AND a.completed_at IS NULL
		LIMIT 1`, userID, examID)
	return r.optional(row, "find in-progress attempt")
}

func (r *AttemptRepository) LatestCompleted(ctx context.Context, userID, examID string) (domain.Attempt, bool, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+attemptColumns+`
		FROM simulado_attempts a
		WHERE a.user_id = $1 AND a.simulado_id = $2 AND a.completed_at IS NOT NULL
		ORDER BY a.completed_at DESC
		LIMIT 1`, userID, examID)
	return r.optional(row, "find completed attempt")
}

func (r *AttemptRepository) optional(row pgx.Row, op string) (domain.Attempt, bool, error) {
	attempt, err := scanAttempt(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Attempt{}, false, nil
	}
	if err != nil {
		return domain.Attempt{}, false, fmt.Errorf("%s: %w", op, err)
	}
	return attempt, true, nil
}

// Create inserts an open attempt. The insert and the retake check run under a
// transaction-scoped advisory lock on (user, exam) that CompleteWithAnswers
// also takes, so a finalize committing concurrently is always observed.
func (r *AttemptRepository) Create(ctx context.Context, attempt domain.Attempt, allowRetake bool) error {
	err := r.pool.BeginFunc(ctx, func(tx pgx.Tx) error {
		if err := lockUserExam(ctx, tx, attempt.UserID, attempt.ExamID); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO simulado_attempts (id, user_id, simulado_id, started_at, total_questions)
			SELECT $1::text, $2::text, $3::text, $4::timestamptz, $5::integer
			WHERE $6::boolean OR NOT EXISTS (
				SELECT 1 FROM simulado_attempts
				WHERE user_id = $2::text AND simulado_id = $3::text AND completed_at IS NOT NULL
			)`,
			attempt.ID, attempt.UserID, attempt.ExamID, attempt.StartedAt, attempt.TotalQuestions, allowRetake)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrRetakeNotAllowed
		}
		return nil
	})
	var pgErr *pgconn.PgError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrRetakeNotAllowed):
		return err
	case errors.As(err, &pgErr) && pgErr.Code == uniqueViolation:
		return domain.ErrInProgressExists
	default:
		return fmt.Errorf("create attempt: %w", err)
	}
}

func lockUserExam(ctx context.Context, tx pgx.Tx, userID, examID string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1::text))`, userID+"/"+examID); err != nil {
		return fmt.Errorf("lock attempt slot: %w", err)
	}
	return nil
}

func (r *AttemptRepository) Complete(ctx context.Context, attempt domain.Attempt) error {
	return complete(ctx, r.pool, attempt)
}

func (r *AttemptRepository) InsertAnswers(ctx context.Context, answers []domain.Answer) error {
	return insertAnswers(ctx, r.pool, answers)
}

// CompleteWithAnswers completes the attempt and inserts its answers in one
// transaction so no completed attempt is left without its breakdown.
func (r *AttemptRepository) CompleteWithAnswers(ctx context.Context, attempt domain.Attempt, answers []domain.Answer) error {
	return r.pool.BeginFunc(ctx, func(tx pgx.Tx) error {
		if err := lockUserExam(ctx, tx, attempt.UserID, attempt.ExamID); err != nil {
			return err
		}
		if err := complete(ctx, tx, attempt); err != nil {
			return err
		}
		return insertAnswers(ctx, tx, answers)
	})
}

type execQuerier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

func complete(ctx context.Context, db execQuerier, a domain.Attempt) error {
	tag, err := db.Exec(ctx, `
		UPDATE simulado_attempts
		SET completed_at = $2, correct_answers = $3, incorrect_answers = $4, blank_answers = $5,
			final_score = $6, percentage = $7, penalty_applied = $8, time_spent_seconds = $9
		WHERE id = $1 AND completed_at IS NULL`,
		a.ID, a.CompletedAt, a.CorrectAnswers, a.IncorrectAnswers, a.BlankAnswers,
		a.FinalScore, a.Percentage, a.PenaltyApplied, a.TimeSpentSeconds)
	if err != nil {
		return fmt.Errorf("complete attempt: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM simulado_attempts WHERE id = $1)`, a.ID).Scan(&exists); err != nil {
		return fmt.Errorf("complete attempt: %w", err)
	}
	if !exists {
		return domain.ErrAttemptNotFound
	}
	return domain.ErrAlreadyCompleted
}

func insertAnswers(ctx context.Context, db execQuerier, answers []domain.Answer) error {
	if len(answers) == 0 {
		return nil
	}
	rows := make([][]interface{}, len(answers))
	for i, a := range answers {
		rows[i] = []interface{}{a.AttemptID, a.QuestionID, a.UserAnswer, a.CorrectAnswer, a.IsCorrect, a.QuestionOrder}
	}
	_, err := db.CopyFrom(ctx,
		pgx.Identifier{"simulado_answers"},
		[]string{"attempt_id", "question_id", "user_answer", "correct_answer", "is_correct", "question_order"},
		pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("insert answers: %w", err)
	}
	return nil
}

func (r *AttemptRepository) ListAnswers(ctx context.Context, attemptID string) ([]domain.Answer, error) {
	if _, err := r.Get(ctx, attemptID); err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, `
		SELECT attempt_id, question_id, user_answer, correct_answer, is_correct, question_order
		FROM simulado_answers
		WHERE attempt_id = $1
		ORDER BY question_order`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Answer, 0)
	for rows.Next() {
		var a domain.Answer
		if err := rows.Scan(&a.AttemptID, &a.QuestionID, &a.UserAnswer, &a.CorrectAnswer, &a.IsCorrect, &a.QuestionOrder); err != nil {
			return nil, fmt.Errorf("scan answer: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *AttemptRepository) ListCompleted(ctx context.Context, examID string) ([]domain.CompletedAttempt, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+attemptColumns+`, COALESCE(u.name, ''), COALESCE(u.email, '')
		FROM simulado_attempts a
		LEFT JOIN users u ON u.id = a.user_id
		WHERE a.simulado_id = $1 AND a.completed_at IS NOT NULL
		ORDER BY a.final_score DESC, a.percentage DESC, a.time_spent_seconds ASC`, examID)
	if err != nil {
		return nil, fmt.Errorf("list completed attempts: %w", err)
	}
	defer rows.Close()

	out := make([]domain.CompletedAttempt, 0)
	for rows.Next() {
		var name, email string
		attempt, err := scanAttempt(rows, &name, &email)
		if err != nil {
			return nil, fmt.Errorf("scan completed attempt: %w", err)
		}
		out = append(out, domain.CompletedAttempt{Attempt: attempt, UserName: name, UserEmail: email})
	}
	return out, rows.Err()
}

func (r *AttemptRepository) ListUserCompleted(ctx context.Context, userID, examID string) ([]domain.Attempt, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+attemptColumns+`
		FROM simulado_attempts a
		WHERE a.user_id = $1 AND a.simulado_id = $2 AND a.completed_at IS NOT NULL
		ORDER BY a.completed_at DESC`, userID, examID)
	if err != nil {
		return nil, fmt.Errorf("list user attempts: %w", err)
	}
	return collectAttempts(rows)
}

func (r *AttemptRepository) ListMissingAnswers(ctx context.Context) ([]domain.Attempt, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+attemptColumns+`
		FROM simulado_attempts a
		WHERE a.completed_at IS NOT NULL
		  AND NOT EXISTS (SELECT 1 FROM simulado_answers s WHERE s.attempt_id = a.id)
		ORDER BY a.completed_at`)
	if err != nil {
		return nil, fmt.Errorf("list attempts missing answers: %w", err)
	}
	return collectAttempts(rows)
}

func collectAttempts(rows pgx.Rows) ([]domain.Attempt, error) {
	defer rows.Close()
	out := make([]domain.Attempt, 0)
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, attempt)
	}
	return out, rows.Err()
}
