package app

import (
	"sort"

	"simulado-service/internal/domain"
)

// BuildHistory orders completed attempts newest first and attaches the
// percentage change against each attempt's predecessor.
func BuildHistory(examID string, attempts []domain.Attempt) domain.AttemptHistory {
	sorted := make([]domain.Attempt, 0, len(attempts))
	for _, a := range attempts {
		if a.Completed() {
			sorted = append(sorted, a)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CompletedAt.After(*sorted[j].CompletedAt)
	})

	history := domain.AttemptHistory{
		ExamID:        examID,
		Attempts:      make([]domain.HistoryItem, 0, len(sorted)),
		TotalAttempts: len(sorted),
	}
	if len(sorted) == 0 {
		return history
	}

	sum := 0
	for i, a := range sorted {
		item := domain.HistoryItem{Attempt: a}
		if i == len(sorted)-1 {
			item.FirstAttempt = true
		} else {
			item.PercentageDelta = a.Percentage - sorted[i+1].Percentage
		}
		history.Attempts = append(history.Attempts, item)

		sum += a.Percentage
		if a.Percentage > history.BestPercentage {
			history.BestPercentage = a.Percentage
		}
	}
	history.AveragePercentage = roundHalfUp(float64(sum) / float64(len(sorted)))
	return history
}
