package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"simulado-service/internal/domain"
)

// ExamLoader loads exam definitions and their ordered answer keys from Postgres
// in a single round trip.
type ExamLoader struct {
	pool *pgxpool.Pool
}

func NewExamLoader(pool *pgxpool.Pool) *ExamLoader {
	return &ExamLoader{pool: pool}
}

func (l *ExamLoader) LoadExam(ctx context.Context, examID string) (domain.ExamDefinition, error) {
	var (
		exam      domain.ExamDefinition
		factor    *int32
		startDate *time.Time
		endDate   *time.Time
	)
	batch := &pgx.Batch{}
	batch.Queue(`
		SELECT id, title, duration_minutes, fator_correcao, allow_retake, start_date, end_date, show_ranking
		FROM simulados
		WHERE id = $1`, examID)
	batch.Queue(`
		SELECT sq.order_position, q.id, q.gabarito
		FROM simulados_questoes sq
		JOIN questions q ON q.id = sq.question_id
		WHERE sq.simulado_id = $1
		ORDER BY sq.order_position`, examID)

	results := l.pool.SendBatch(ctx, batch)
	defer results.Close()

	err := results.QueryRow().Scan(&exam.ID, &exam.Title, &exam.DurationMinutes, &factor, &exam.AllowRetake, &startDate, &endDate, &exam.ShowRanking)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ExamDefinition{}, domain.ErrExamNotFound
	}
	if err != nil {
		return domain.ExamDefinition{}, fmt.Errorf("load exam: %w", err)
	}
	if factor != nil {
		f := int(*factor)
		exam.CorrectionFactor = &f
	}
	exam.StartDate = startDate
	exam.EndDate = endDate

	rows, err := results.Query()
	if err != nil {
		return domain.ExamDefinition{}, fmt.Errorf("load exam questions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var q domain.QuestionRef
		if err := rows.Scan(&q.Position, &q.QuestionID, &q.AnswerKey); err != nil {
			return domain.ExamDefinition{}, fmt.Errorf("scan exam question: %w", err)
		}
		exam.Questions = append(exam.Questions, q)
	}
	if err := rows.Err(); err != nil {
		return domain.ExamDefinition{}, fmt.Errorf("iterate exam questions: %w", err)
	}

	if err := exam.Validate(); err != nil {
		return domain.ExamDefinition{}, err
	}
	return exam, nil
}
