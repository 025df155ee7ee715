package domain

import (
	"fmt"
	"time"
)

// ScoreResult is the breakdown produced by scoring one attempt.
type ScoreResult struct {
	Total          int  `json:"total"`
	Correct        int  `json:"correct"`
	Incorrect      int  `json:"incorrect"`
	Blank          int  `json:"blank"`
	FinalScore     int  `json:"final_score"`
	Percentage     int  `json:"percentage"`
	PenaltyApplied int  `json:"penalty_applied"`
	HasPenalty     bool `json:"has_penalty"`
}

// Summary renders the one-line result shown after finishing an attempt.
func (r ScoreResult) Summary() string {
	if !r.HasPenalty {
		return fmt.Sprintf("%d of %d questions correct (%d%%)", r.Correct, r.Total, r.Percentage)
	}
	line := fmt.Sprintf("Score: %d of %d (%d%%)", r.FinalScore, r.Total, r.Percentage)
	if r.PenaltyApplied > 0 {
		line += fmt.Sprintf(" (%d correct - %d penalty = %d)", r.Correct, r.PenaltyApplied, r.FinalScore)
	}
	return line
}

// RankingEntry is one row of an exam leaderboard.
type RankingEntry struct {
	Position         int            `json:"position"`
	UserID           string         `json:"user_id"`
	UserName         string         `json:"user_name"`
	FinalScore       int            `json:"final_score"`
	Percentage       int            `json:"percentage"`
	TimeSpentSeconds int            `json:"time_spent_seconds"`
	CompletedAt      time.Time      `json:"completed_at"`
	Detail           *RankingDetail `json:"detail,omitempty"`
}

// RankingDetail holds the fields only the admin ranking exposes.
type RankingDetail struct {
	UserEmail        string `json:"user_email"`
	CorrectAnswers   int    `json:"correct_answers"`
	IncorrectAnswers int    `json:"incorrect_answers"`
	BlankAnswers     int    `json:"blank_answers"`
	PenaltyApplied   int    `json:"penalty_applied"`
}

// RankingStats summarizes all completed attempts of an exam.
type RankingStats struct {
	TotalAttempts      int     `json:"total_attempts"`
	AverageScore       float64 `json:"average_score"`
	AveragePercentage  float64 `json:"average_percentage"`
	AverageTimeSeconds float64 `json:"average_time_seconds"`
	BestScore          int     `json:"best_score"`
	WorstScore         int     `json:"worst_score"`
}

// Ranking is the ordered leaderboard of an exam. Stats is nil when no attempt
// has been completed yet.
type Ranking struct {
	ExamID  string         `json:"simulado_id"`
	Entries []RankingEntry `json:"entries"`
	Stats   *RankingStats  `json:"stats"`
}

// Empty reports whether nobody has completed the exam yet.
func (r Ranking) Empty() bool {
	return len(r.Entries) == 0
}
