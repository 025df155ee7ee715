package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrExamNotFound indicates the exam definition could not be loaded.
	ErrExamNotFound = errors.New("exam not found")
	// ErrAttemptNotFound is returned for unknown attempt ids.
	ErrAttemptNotFound = errors.New("attempt not found")
	// ErrExamUnavailable is matched by ExamUnavailableError.
	ErrExamUnavailable = errors.New("exam unavailable")
	// ErrRetakeNotAllowed is matched by RetakeNotAllowedError.
	ErrRetakeNotAllowed = errors.New("retake not allowed")
	// ErrAlreadyCompleted is returned when finalizing or answering a completed attempt.
	ErrAlreadyCompleted = errors.New("attempt already completed")
	// ErrInProgressExists is returned by stores when a second open attempt would be created.
	ErrInProgressExists = errors.New("an attempt is already in progress")
	// ErrTimeExpired rejects answers recorded after the wall-clock deadline.
	ErrTimeExpired = errors.New("attempt time expired")
	// ErrForbidden is returned when a caller touches someone else's attempt.
	ErrForbidden = errors.New("forbidden")
	// ErrRankingHidden is returned by the public ranking when the exam does not publish it.
	ErrRankingHidden = errors.New("ranking is not public for this exam")
	// ErrInvalidInput marks input the engine refuses to default.
	ErrInvalidInput = errors.New("invalid input")
	// ErrPersistence is matched by PersistenceError.
	ErrPersistence = errors.New("persistence failure")
)

// UnavailableReason tells why an exam cannot be started right now.
type UnavailableReason string

const (
	ReasonNotYetOpen UnavailableReason = "not_yet_open"
	ReasonClosed     UnavailableReason = "closed"
)

// ExamUnavailableError carries the availability boundary that was violated.
type ExamUnavailableError struct {
	Reason   UnavailableReason
	Boundary time.Time
}

func (e *ExamUnavailableError) Error() string {
	if e.Reason == ReasonNotYetOpen {
		return fmt.Sprintf("exam opens at %s", e.Boundary.Format(time.RFC3339))
	}
	return fmt.Sprintf("exam closed at %s", e.Boundary.Format(time.RFC3339))
}

func (e *ExamUnavailableError) Is(target error) bool {
	return target == ErrExamUnavailable
}

// RetakeNotAllowedError carries the prior completed attempt for display.
type RetakeNotAllowedError struct {
	Prior Attempt
}

func (e *RetakeNotAllowedError) Error() string {
	return fmt.Sprintf("retake not allowed: attempt %s already completed with %d%%", e.Prior.ID, e.Prior.Percentage)
}

func (e *RetakeNotAllowedError) Is(target error) bool {
	return target == ErrRetakeNotAllowed
}

// PersistenceError wraps a storage failure. AttemptCompleted is set when the
// attempt row was already finalized but its answers failed to persist.
type PersistenceError struct {
	Op               string
	AttemptID        string
	AttemptCompleted bool
	Err              error
}

func (e *PersistenceError) Error() string {
	if e.AttemptCompleted {
		return fmt.Sprintf("%s: attempt %s completed without answers: %v", e.Op, e.AttemptID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

// InvalidInput builds an error matching ErrInvalidInput.
func InvalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
