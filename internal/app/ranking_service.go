package app

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"simulado-service/internal/domain"
)

const unknownUserName = "Unknown user"

// RankingService derives leaderboards from completed attempts.
type RankingService struct {
	exams    ExamRepository
	attempts AttemptRepository
}

func NewRankingService(exams ExamRepository, attempts AttemptRepository) *RankingService {
	return &RankingService{exams: exams, attempts: attempts}
}

// PublicRanking is the student-facing leaderboard. It refuses entirely when
// the exam does not publish its ranking, and never exposes contact details.
func (s *RankingService) PublicRanking(ctx context.Context, examID string) (domain.Ranking, error) {
	exam, completed, err := s.load(ctx, examID)
	if err != nil {
		return domain.Ranking{}, err
	}
	if !exam.ShowRanking {
		return domain.Ranking{}, domain.ErrRankingHidden
	}
	return BuildRanking(examID, completed, false), nil
}

// AdminRanking ignores the visibility flag and includes per-attempt detail.
func (s *RankingService) AdminRanking(ctx context.Context, examID string) (domain.Ranking, error) {
	_, completed, err := s.load(ctx, examID)
	if err != nil {
		return domain.Ranking{}, err
	}
	return BuildRanking(examID, completed, true), nil
}

func (s *RankingService) load(ctx context.Context, examID string) (domain.ExamDefinition, []domain.CompletedAttempt, error) {
	var (
		exam      domain.ExamDefinition
		completed []domain.CompletedAttempt
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		exam, err = s.exams.GetExam(gctx, examID)
		if err != nil {
			return persistenceErr("load exam", "", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		completed, err = s.attempts.ListCompleted(gctx, examID)
		if err != nil {
			return persistenceErr("list completed attempts", "", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return domain.ExamDefinition{}, nil, err
	}
	return exam, completed, nil
}

// BuildRanking orders attempts by final score desc, percentage desc, then
// time spent asc, and assigns ordinal positions. Attempts equal on all three
// keys keep their input order.
func BuildRanking(examID string, attempts []domain.CompletedAttempt, withDetail bool) domain.Ranking {
	sorted := make([]domain.CompletedAttempt, 0, len(attempts))
	for _, a := range attempts {
		if a.Completed() {
			sorted = append(sorted, a)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.FinalScore != b.FinalScore {
			return a.FinalScore > b.FinalScore
		}
		if a.Percentage != b.Percentage {
			return a.Percentage > b.Percentage
		}
		return a.TimeSpentSeconds < b.TimeSpentSeconds
	})

	ranking := domain.Ranking{
		ExamID:  examID,
		Entries: make([]domain.RankingEntry, 0, len(sorted)),
	}
	for i, a := range sorted {
		name := a.UserName
		if name == "" {
			name = unknownUserName
		}
		entry := domain.RankingEntry{
			Position:         i + 1,
			UserID:           a.UserID,
			UserName:         name,
			FinalScore:       a.FinalScore,
			Percentage:       a.Percentage,
			TimeSpentSeconds: a.TimeSpentSeconds,
			CompletedAt:      *a.CompletedAt,
		}
		if withDetail {
			entry.Detail = &domain.RankingDetail{
				UserEmail:        a.UserEmail,
				CorrectAnswers:   a.CorrectAnswers,
				IncorrectAnswers: a.IncorrectAnswers,
				BlankAnswers:     a.BlankAnswers,
				PenaltyApplied:   a.PenaltyApplied,
			}
		}
		ranking.Entries = append(ranking.Entries, entry)
	}
	ranking.Stats = summarize(sorted)
	return ranking
}

func summarize(attempts []domain.CompletedAttempt) *domain.RankingStats {
	if len(attempts) == 0 {
		return nil
	}
	stats := &domain.RankingStats{
		TotalAttempts: len(attempts),
		BestScore:     attempts[0].FinalScore,
		WorstScore:    attempts[0].FinalScore,
	}
	var score, pct, spent float64
	for _, a := range attempts {
		score += float64(a.FinalScore)
		pct += float64(a.Percentage)
		spent += float64(a.TimeSpentSeconds)
		if a.FinalScore > stats.BestScore {
			stats.BestScore = a.FinalScore
		}
		if a.FinalScore < stats.WorstScore {
			stats.WorstScore = a.FinalScore
		}
	}
	n := float64(len(attempts))
	stats.AverageScore = score / n
	stats.AveragePercentage = pct / n
	stats.AverageTimeSeconds = spent / n
	return stats
}
