package app

import (
	"math"

	"simulado-service/internal/domain"
)

// Score grades staged answers against an ordered answer key. answers is keyed
// by 1-based position; missing or empty choices are blank. Blank answers never
// count toward the penalty, which removes one point per correctionFactor
// incorrect answers.
func Score(answers map[int]string, answerKey []string, correctionFactor *int) (domain.ScoreResult, error) {
	total := len(answerKey)
	if total == 0 {
		return domain.ScoreResult{}, domain.InvalidInput("cannot score an exam with no questions")
	}
	if correctionFactor != nil && *correctionFactor <= 0 {
		return domain.ScoreResult{}, domain.InvalidInput("correction factor must be positive, got %d", *correctionFactor)
	}

	result := domain.ScoreResult{Total: total, HasPenalty: correctionFactor != nil}
	for i, key := range answerKey {
		choice := answers[i+1]
		switch {
		case choice == "":
			result.Blank++
		case choice == key:
			result.Correct++
		default:
			result.Incorrect++
		}
	}

	if correctionFactor != nil {
		result.PenaltyApplied = result.Incorrect / *correctionFactor
	}
	result.FinalScore = result.Correct - result.PenaltyApplied
	if result.FinalScore < 0 {
		result.FinalScore = 0
	}
	result.Percentage = roundHalfUp(100 * float64(result.FinalScore) / float64(total))
	return result, nil
}

// answerRows expands a score into one Answer per exam question, blanks included.
func answerRows(attemptID string, exam domain.ExamDefinition, answers map[int]string) []domain.Answer {
	questions := exam.OrderedQuestions()
	rows := make([]domain.Answer, 0, len(questions))
	for i, q := range questions {
		position := i + 1
		row := domain.Answer{
			AttemptID:     attemptID,
			QuestionID:    q.QuestionID,
			CorrectAnswer: q.AnswerKey,
			QuestionOrder: position,
		}
		if choice := answers[position]; choice != "" {
			c := choice
			row.UserAnswer = &c
			row.IsCorrect = choice == q.AnswerKey
		}
		rows = append(rows, row)
	}
	return rows
}

func roundHalfUp(v float64) int {
	return int(math.Floor(v + 0.5))
}
