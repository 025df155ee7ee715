package domain

import (
	"sort"
	"time"
)

// Role is the caller's authorization role as supplied by the identity provider.
type Role string

const (
	RoleStudent Role = "user"
	RoleAdmin   Role = "admin"
)

// Identity is the opaque caller identity consumed by the engine.
type Identity struct {
	UserID string
	Role   Role
}

// IsAdmin reports whether the identity carries the admin role.
func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

// User is the minimal display identity joined into rankings.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// QuestionRef places a question at a position within an exam and carries its answer key.
type QuestionRef struct {
	Position   int    `json:"position" validate:"min=1"`
	QuestionID string `json:"question_id" validate:"required"`
	AnswerKey  string `json:"answer_key" validate:"required"`
}

// ExamDefinition is the immutable configuration of an exam ("simulado").
type ExamDefinition struct {
	ID               string        `json:"id" validate:"required"`
	Title            string        `json:"title" validate:"required"`
	DurationMinutes  int           `json:"duration_minutes" validate:"gt=0"`
	CorrectionFactor *int          `json:"fator_correcao,omitempty" validate:"omitempty,min=1"`
	AllowRetake      bool          `json:"allow_retake"`
	StartDate        *time.Time    `json:"start_date,omitempty"`
	EndDate          *time.Time    `json:"end_date,omitempty"`
	ShowRanking      bool          `json:"show_ranking"`
	Questions        []QuestionRef `json:"questions" validate:"dive"`
}

// Duration returns the allotted time for one attempt.
func (e ExamDefinition) Duration() time.Duration {
	return time.Duration(e.DurationMinutes) * time.Minute
}

// OrderedQuestions returns the questions sorted by position.
func (e ExamDefinition) OrderedQuestions() []QuestionRef {
	questions := make([]QuestionRef, len(e.Questions))
	copy(questions, e.Questions)
	sort.SliceStable(questions, func(i, j int) bool {
		return questions[i].Position < questions[j].Position
	})
	return questions
}

// AnswerKey returns the correct choices in question order. Entry i belongs to
// attempt position i+1.
func (e ExamDefinition) AnswerKey() []string {
	questions := e.OrderedQuestions()
	key := make([]string, len(questions))
	for i, q := range questions {
		key[i] = q.AnswerKey
	}
	return key
}

// AttemptStatus is derived from CompletedAt.
type AttemptStatus string

const (
	StatusInProgress AttemptStatus = "in_progress"
	StatusCompleted  AttemptStatus = "completed"
)

// Attempt is one user's timed pass through an exam. Score fields are only
// meaningful once CompletedAt is set.
type Attempt struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	ExamID           string     `json:"simulado_id"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	TotalQuestions   int        `json:"total_questions"`
	CorrectAnswers   int        `json:"correct_answers"`
	IncorrectAnswers int        `json:"incorrect_answers"`
	BlankAnswers     int        `json:"blank_answers"`
	FinalScore       int        `json:"final_score"`
	Percentage       int        `json:"percentage"`
	PenaltyApplied   int        `json:"penalty_applied"`
	TimeSpentSeconds int        `json:"time_spent_seconds"`
}

// Status reports whether the attempt is still open.
func (a Attempt) Status() AttemptStatus {
	if a.CompletedAt == nil {
		return StatusInProgress
	}
	return StatusCompleted
}

// Completed reports whether the attempt has been finalized.
func (a Attempt) Completed() bool {
	return a.CompletedAt != nil
}

// Remaining is the wall-clock time left: duration - (now - started_at).
// It may be negative once the deadline has passed.
func (a Attempt) Remaining(duration time.Duration, now time.Time) time.Duration {
	return duration - now.Sub(a.StartedAt)
}

// Result rebuilds the score breakdown stored on a completed attempt.
func (a Attempt) Result(hasPenalty bool) ScoreResult {
	return ScoreResult{
		Total:          a.TotalQuestions,
		Correct:        a.CorrectAnswers,
		Incorrect:      a.IncorrectAnswers,
		Blank:          a.BlankAnswers,
		FinalScore:     a.FinalScore,
		Percentage:     a.Percentage,
		PenaltyApplied: a.PenaltyApplied,
		HasPenalty:     hasPenalty,
	}
}

// Answer is the persisted per-question outcome of a completed attempt.
type Answer struct {
	AttemptID     string  `json:"attempt_id"`
	QuestionID    string  `json:"question_id"`
	UserAnswer    *string `json:"user_answer"`
	CorrectAnswer string  `json:"correct_answer"`
	IsCorrect     bool    `json:"is_correct"`
	QuestionOrder int     `json:"question_order"`
}

// AnswerChoice is the canonical staged selection for one position (1-based).
// An empty Choice means blank.
type AnswerChoice struct {
	Position int    `json:"position" validate:"min=1"`
	Choice   string `json:"choice" validate:"max=16"`
}

// AttemptHandle is what StartOrResume hands back to the caller.
type AttemptHandle struct {
	Attempt          Attempt        `json:"attempt"`
	RemainingSeconds int            `json:"remaining_seconds"`
	Resumed          bool           `json:"resumed"`
	Finished         bool           `json:"finished"`
	Result           *ScoreResult   `json:"result,omitempty"`
	Staged           map[int]string `json:"staged,omitempty"`
}

// CompletedAttempt is a finalized attempt joined with its owner's display identity.
type CompletedAttempt struct {
	Attempt
	UserName  string
	UserEmail string
}

// AttemptDetail is a completed attempt with its per-question breakdown.
type AttemptDetail struct {
	Attempt Attempt  `json:"attempt"`
	Answers []Answer `json:"answers"`
}

// HistoryItem is one completed attempt in a user's history.
type HistoryItem struct {
	Attempt         Attempt `json:"attempt"`
	FirstAttempt    bool    `json:"first_attempt"`
	PercentageDelta int     `json:"percentage_delta"`
}

// AttemptHistory lists a user's completed attempts for an exam, newest first.
type AttemptHistory struct {
	ExamID            string        `json:"simulado_id"`
	Attempts          []HistoryItem `json:"attempts"`
	TotalAttempts     int           `json:"total_attempts"`
	AveragePercentage int           `json:"average_percentage"`
	BestPercentage    int           `json:"best_percentage"`
}
