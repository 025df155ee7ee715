package app

import (
	"context"
	"time"

	"simulado-service/internal/domain"
)

// ExamRepository loads exam definitions (from cache/backing store).
type ExamRepository interface {
	GetExam(ctx context.Context, examID string) (domain.ExamDefinition, error)
}

// AttemptRepository persists attempts and their answers.
//
// Create must fail with domain.ErrInProgressExists when the user already has an
// open attempt for the exam, and with domain.ErrRetakeNotAllowed when retakes
// are off and a completed attempt exists, both checked atomically with the
// insert. Complete must only succeed while completed_at is still null, failing
// with domain.ErrAlreadyCompleted otherwise.
type AttemptRepository interface {
	Get(ctx context.Context, attemptID string) (domain.Attempt, error)
	FindInProgress(ctx context.Context, userID, examID string) (domain.Attempt, bool, error)
	LatestCompleted(ctx context.Context, userID, examID string) (domain.Attempt, bool, error)
	Create(ctx context.Context, attempt domain.Attempt, allowRetake bool) error
	Complete(ctx context.Context, attempt domain.Attempt) error
	InsertAnswers(ctx context.Context, answers []domain.Answer) error
	ListAnswers(ctx context.Context, attemptID string) ([]domain.Answer, error)
	ListCompleted(ctx context.Context, examID string) ([]domain.CompletedAttempt, error)
	ListUserCompleted(ctx context.Context, userID, examID string) ([]domain.Attempt, error)
	ListMissingAnswers(ctx context.Context) ([]domain.Attempt, error)
}

// AtomicFinalizer is implemented by stores that can complete an attempt and
// insert its answers in one commit.
type AtomicFinalizer interface {
	CompleteWithAnswers(ctx context.Context, attempt domain.Attempt, answers []domain.Answer) error
}

// AnswerStaging holds selections of open attempts until they are finalized.
type AnswerStaging interface {
	Stage(ctx context.Context, attemptID string, choice domain.AnswerChoice, ttl time.Duration) error
	Staged(ctx context.Context, attemptID string) (map[int]string, error)
	Clear(ctx context.Context, attemptID string) error
}
