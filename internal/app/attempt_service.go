package app

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"simulado-service/internal/domain"
)

// AttemptService owns the lifecycle of exam attempts: start/resume, staged
// answers, finalization and scoring.
type AttemptService struct {
	exams    ExamRepository
	attempts AttemptRepository
	staging  AnswerStaging
	now      func() time.Time
	newID    func() string

	retention   time.Duration
	submitGrace time.Duration
}

// AttemptOption customizes an AttemptService.
type AttemptOption func(*AttemptService)

// WithClock replaces the wall clock, mostly for deterministic tests.
func WithClock(now func() time.Time) AttemptOption {
	return func(s *AttemptService) { s.now = now }
}

// WithIDGenerator replaces the attempt id generator.
func WithIDGenerator(newID func() string) AttemptOption {
	return func(s *AttemptService) { s.newID = newID }
}

// WithStagingRetention keeps staged answers this long past the deadline. They
// are cleared as soon as the attempt is finalized, so the retention only bounds
// attempts that are never resumed.
func WithStagingRetention(retention time.Duration) AttemptOption {
	return func(s *AttemptService) { s.retention = retention }
}

// WithSubmitGrace accepts answers submitted with Finalize this long after the
// deadline, to absorb network latency of a client whose countdown hit zero.
func WithSubmitGrace(grace time.Duration) AttemptOption {
	return func(s *AttemptService) { s.submitGrace = grace }
}

func NewAttemptService(exams ExamRepository, attempts AttemptRepository, staging AnswerStaging, opts ...AttemptOption) *AttemptService {
	s := &AttemptService{
		exams:    exams,
		attempts: attempts,
		staging:  staging,
		now:      time.Now,
		newID:    uuid.NewString,

		retention:   7 * 24 * time.Hour,
		submitGrace: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartOrResume returns the user's open attempt for the exam, creating one if
// none exists. An open attempt whose time has already run out is finalized on
// the spot with whatever answers were staged.
func (s *AttemptService) StartOrResume(ctx context.Context, userID, examID string) (domain.AttemptHandle, error) {
	exam, err := s.loadExam(ctx, examID)
	if err != nil {
		return domain.AttemptHandle{}, err
	}
	now := s.now()
	if err := checkAvailability(exam, now); err != nil {
		return domain.AttemptHandle{}, err
	}
	if len(exam.Questions) == 0 {
		return domain.AttemptHandle{}, domain.InvalidInput("exam %s has no questions", exam.ID)
	}

	// Two passes: a concurrent tab may win the creation race, in which case
	// the second pass resumes its attempt.
	for pass := 0; pass < 2; pass++ {
		open, found, err := s.attempts.FindInProgress(ctx, userID, examID)
		if err != nil {
			return domain.AttemptHandle{}, persistenceErr("find open attempt", "", err)
		}
		if found {
			return s.resume(ctx, exam, open, now)
		}

		prior, completed, err := s.attempts.LatestCompleted(ctx, userID, examID)
		if err != nil {
			return domain.AttemptHandle{}, persistenceErr("find completed attempt", "", err)
		}
		if completed && !exam.AllowRetake {
			return domain.AttemptHandle{}, &domain.RetakeNotAllowedError{Prior: prior}
		}

		attempt := domain.Attempt{
			ID:             s.newID(),
			UserID:         userID,
			ExamID:         exam.ID,
			StartedAt:      now,
			TotalQuestions: len(exam.Questions),
		}
		err = s.attempts.Create(ctx, attempt, exam.AllowRetake)
		if errors.Is(err, domain.ErrInProgressExists) || errors.Is(err, domain.ErrRetakeNotAllowed) {
			continue
		}
		if err != nil {
			return domain.AttemptHandle{}, persistenceErr("create attempt", attempt.ID, err)
		}

		log.Info().Str("attempt_id", attempt.ID).Str("user_id", userID).Str("exam_id", exam.ID).Msg("attempt started")
		return domain.AttemptHandle{
			Attempt:          attempt,
			RemainingSeconds: ceilSeconds(exam.Duration()),
		}, nil
	}
	return domain.AttemptHandle{}, persistenceErr("create attempt", "", domain.ErrInProgressExists)
}

func (s *AttemptService) resume(ctx context.Context, exam domain.ExamDefinition, open domain.Attempt, now time.Time) (domain.AttemptHandle, error) {
	staged, err := s.staged(ctx, open.ID)
	if err != nil {
		return domain.AttemptHandle{}, err
	}

	remaining := open.Remaining(exam.Duration(), now)
	if remaining > 0 {
		log.Info().Str("attempt_id", open.ID).Dur("remaining", remaining).Msg("attempt resumed")
		return domain.AttemptHandle{
			Attempt:          open,
			RemainingSeconds: ceilSeconds(remaining),
			Resumed:          true,
			Staged:           staged,
		}, nil
	}

	log.Info().Str("attempt_id", open.ID).Msg("attempt expired, finalizing")
	done, result, err := s.finalize(ctx, exam, open, staged, now)
	if errors.Is(err, domain.ErrAlreadyCompleted) {
		// Someone else finalized it in the meantime; report their result.
		done, err = s.attempts.Get(ctx, open.ID)
		if err != nil {
			return domain.AttemptHandle{}, persistenceErr("reload attempt", open.ID, err)
		}
		result = done.Result(exam.CorrectionFactor != nil)
	} else if err != nil {
		return domain.AttemptHandle{}, err
	}
	return domain.AttemptHandle{
		Attempt:  done,
		Resumed:  true,
		Finished: true,
		Result:   &result,
	}, nil
}

// RecordAnswer stages one selection for an open attempt and returns the
// remaining time in seconds. An empty choice clears the position.
func (s *AttemptService) RecordAnswer(ctx context.Context, userID, attemptID string, choice domain.AnswerChoice) (int, error) {
	if choice.Position < 1 {
		return 0, domain.InvalidInput("position must be >= 1, got %d", choice.Position)
	}
	attempt, err := s.ownedAttempt(ctx, userID, attemptID)
	if err != nil {
		return 0, err
	}
	if attempt.Completed() {
		return 0, domain.ErrAlreadyCompleted
	}
	exam, err := s.loadExam(ctx, attempt.ExamID)
	if err != nil {
		return 0, err
	}

	remaining := attempt.Remaining(exam.Duration(), s.now())
	if remaining <= 0 {
		return 0, domain.ErrTimeExpired
	}
	if err := s.staging.Stage(ctx, attemptID, choice, remaining+s.retention); err != nil {
		return 0, persistenceErr("stage answer", attemptID, err)
	}
	return ceilSeconds(remaining), nil
}

// Finalize scores and completes an open attempt. Submitted choices override
// staged ones while the attempt still has time (plus the submit grace); past
// that only answers staged before the deadline count. Only the first finalize
// of an attempt succeeds; later calls get domain.ErrAlreadyCompleted.
func (s *AttemptService) Finalize(ctx context.Context, userID, attemptID string, submitted []domain.AnswerChoice) (domain.ScoreResult, error) {
	attempt, err := s.ownedAttempt(ctx, userID, attemptID)
	if err != nil {
		return domain.ScoreResult{}, err
	}
	if attempt.Completed() {
		return domain.ScoreResult{}, domain.ErrAlreadyCompleted
	}
	exam, err := s.loadExam(ctx, attempt.ExamID)
	if err != nil {
		return domain.ScoreResult{}, err
	}

	answers, err := s.staged(ctx, attemptID)
	if err != nil {
		return domain.ScoreResult{}, err
	}
	for _, c := range submitted {
		if c.Position < 1 {
			return domain.ScoreResult{}, domain.InvalidInput("position must be >= 1, got %d", c.Position)
		}
	}

	now := s.now()
	if late := -attempt.Remaining(exam.Duration(), now); len(submitted) > 0 && late > s.submitGrace {
		log.Warn().Str("attempt_id", attemptID).Dur("late", late).Int("submitted", len(submitted)).
			Msg("answers submitted after the deadline ignored")
		submitted = nil
	}
	for _, c := range submitted {
		if c.Choice == "" {
			delete(answers, c.Position)
			continue
		}
		answers[c.Position] = c.Choice
	}

	_, result, err := s.finalize(ctx, exam, attempt, answers, now)
	return result, err
}

func (s *AttemptService) finalize(ctx context.Context, exam domain.ExamDefinition, attempt domain.Attempt, answers map[int]string, now time.Time) (domain.Attempt, domain.ScoreResult, error) {
	result, err := Score(answers, exam.AnswerKey(), exam.CorrectionFactor)
	if err != nil {
		return domain.Attempt{}, domain.ScoreResult{}, err
	}

	spent := int(now.Sub(attempt.StartedAt) / time.Second)
	if spent < 0 {
		spent = 0
	}
	completedAt := now
	done := attempt
	done.CompletedAt = &completedAt
	done.CorrectAnswers = result.Correct
	done.IncorrectAnswers = result.Incorrect
	done.BlankAnswers = result.Blank
	done.FinalScore = result.FinalScore
	done.Percentage = result.Percentage
	done.PenaltyApplied = result.PenaltyApplied
	done.TimeSpentSeconds = spent

	rows := answerRows(attempt.ID, exam, answers)
	if atomic, ok := s.attempts.(AtomicFinalizer); ok {
		if err := atomic.CompleteWithAnswers(ctx, done, rows); err != nil {
			return domain.Attempt{}, domain.ScoreResult{}, persistenceErr("finalize attempt", attempt.ID, err)
		}
	} else {
		if err := s.attempts.Complete(ctx, done); err != nil {
			return domain.Attempt{}, domain.ScoreResult{}, persistenceErr("complete attempt", attempt.ID, err)
		}
		if err := s.attempts.InsertAnswers(ctx, rows); err != nil {
			log.Error().Err(err).Str("attempt_id", attempt.ID).Str("exam_id", exam.ID).
				Msg("attempt completed but answers were not stored; run reconcile")
			return done, result, &domain.PersistenceError{
				Op:               "insert answers",
				AttemptID:        attempt.ID,
				AttemptCompleted: true,
				Err:              err,
			}
		}
	}

	if err := s.staging.Clear(ctx, attempt.ID); err != nil {
		log.Warn().Err(err).Str("attempt_id", attempt.ID).Msg("failed to clear staged answers")
	}
	log.Info().Str("attempt_id", attempt.ID).Int("final_score", result.FinalScore).
		Int("percentage", result.Percentage).Int("time_spent_seconds", spent).Msg("attempt finalized")
	return done, result, nil
}

// AttemptDetail returns an attempt with its per-question answers. Only the
// owner or an admin may read it.
func (s *AttemptService) AttemptDetail(ctx context.Context, caller domain.Identity, attemptID string) (domain.AttemptDetail, error) {
	attempt, err := s.attempts.Get(ctx, attemptID)
	if err != nil {
		return domain.AttemptDetail{}, persistenceErr("get attempt", attemptID, err)
	}
	if attempt.UserID != caller.UserID && !caller.IsAdmin() {
		return domain.AttemptDetail{}, domain.ErrForbidden
	}
	answers, err := s.attempts.ListAnswers(ctx, attemptID)
	if err != nil {
		return domain.AttemptDetail{}, persistenceErr("list answers", attemptID, err)
	}
	return domain.AttemptDetail{Attempt: attempt, Answers: answers}, nil
}

// History lists the user's completed attempts for an exam, newest first.
func (s *AttemptService) History(ctx context.Context, userID, examID string) (domain.AttemptHistory, error) {
	if _, err := s.loadExam(ctx, examID); err != nil {
		return domain.AttemptHistory{}, err
	}
	attempts, err := s.attempts.ListUserCompleted(ctx, userID, examID)
	if err != nil {
		return domain.AttemptHistory{}, persistenceErr("list history", "", err)
	}
	return BuildHistory(examID, attempts), nil
}

// Remaining reports the wall-clock time left on an open attempt.
func (s *AttemptService) Remaining(ctx context.Context, userID, attemptID string) (time.Duration, domain.Attempt, error) {
	attempt, err := s.ownedAttempt(ctx, userID, attemptID)
	if err != nil {
		return 0, domain.Attempt{}, err
	}
	exam, err := s.loadExam(ctx, attempt.ExamID)
	if err != nil {
		return 0, domain.Attempt{}, err
	}
	return attempt.Remaining(exam.Duration(), s.now()), attempt, nil
}

func (s *AttemptService) ownedAttempt(ctx context.Context, userID, attemptID string) (domain.Attempt, error) {
	attempt, err := s.attempts.Get(ctx, attemptID)
	if err != nil {
		return domain.Attempt{}, persistenceErr("get attempt", attemptID, err)
	}
	if attempt.UserID != userID {
		return domain.Attempt{}, domain.ErrForbidden
	}
	return attempt, nil
}

func (s *AttemptService) loadExam(ctx context.Context, examID string) (domain.ExamDefinition, error) {
	exam, err := s.exams.GetExam(ctx, examID)
	if err != nil {
		return domain.ExamDefinition{}, persistenceErr("load exam", "", err)
	}
	return exam, nil
}

func (s *AttemptService) staged(ctx context.Context, attemptID string) (map[int]string, error) {
	staged, err := s.staging.Staged(ctx, attemptID)
	if err != nil {
		return nil, persistenceErr("read staged answers", attemptID, err)
	}
	if staged == nil {
		staged = make(map[int]string)
	}
	return staged, nil
}

// checkAvailability enforces the optional [start_date, end_date] window.
func checkAvailability(exam domain.ExamDefinition, now time.Time) error {
	if exam.StartDate != nil && now.Before(*exam.StartDate) {
		return &domain.ExamUnavailableError{Reason: domain.ReasonNotYetOpen, Boundary: *exam.StartDate}
	}
	if exam.EndDate != nil && now.After(*exam.EndDate) {
		return &domain.ExamUnavailableError{Reason: domain.ReasonClosed, Boundary: *exam.EndDate}
	}
	return nil
}

// persistenceErr passes domain errors through and wraps everything else.
func persistenceErr(op, attemptID string, err error) error {
	for _, known := range []error{
		domain.ErrExamNotFound,
		domain.ErrAttemptNotFound,
		domain.ErrAlreadyCompleted,
		domain.ErrInvalidInput,
		domain.ErrPersistence,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	return &domain.PersistenceError{Op: op, AttemptID: attemptID, Err: err}
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
