package memory

import (
	"context"
	"sort"
	"sync"

	"simulado-service/internal/domain"
)

// AttemptStore is an in-memory implementation of app.AttemptRepository.
// A single mutex serializes writes, which gives Create and Complete the same
// conditional semantics as the unique index and UPDATE ... WHERE completed_at
// IS NULL used by the Postgres store.
type AttemptStore struct {
	mu       sync.RWMutex
	attempts map[string]domain.Attempt
	order    []string
	answers  map[string][]domain.Answer
	users    map[string]domain.User
}

func NewAttemptStore() *AttemptStore {
	return &AttemptStore{
		attempts: make(map[string]domain.Attempt),
		answers:  make(map[string][]domain.Answer),
		users:    make(map[string]domain.User),
	}
}

// AddUser registers the display identity joined into rankings.
func (s *AttemptStore) AddUser(user domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = user
}

func (s *AttemptStore) Get(_ context.Context, attemptID string) (domain.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	attempt, ok := s.attempts[attemptID]
	if !ok {
		return domain.Attempt{}, domain.ErrAttemptNotFound
	}
	return attempt, nil
}

func (s *AttemptStore) FindInProgress(_ context.Context, userID, examID string) (domain.Attempt, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	attempt, ok := s.openLocked(userID, examID)
	return attempt, ok, nil
}

func (s *AttemptStore) LatestCompleted(_ context.Context, userID, examID string) (domain.Attempt, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		latest domain.Attempt
		found  bool
	)
	for _, id := range s.order {
		a := s.attempts[id]
		if a.UserID != userID || a.ExamID != examID || !a.Completed() {
			continue
		}
		if !found || a.CompletedAt.After(*latest.CompletedAt) {
			latest, found = a, true
		}
	}
	return latest, found, nil
}

func (s *AttemptStore) Create(_ context.Context, attempt domain.Attempt, allowRetake bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.openLocked(attempt.UserID, attempt.ExamID); ok {
		return domain.ErrInProgressExists
	}
	if !allowRetake && s.completedLocked(attempt.UserID, attempt.ExamID) {
		return domain.ErrRetakeNotAllowed
	}
	s.attempts[attempt.ID] = attempt
	s.order = append(s.order, attempt.ID)
	return nil
}

func (s *AttemptStore) Complete(_ context.Context, attempt domain.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.attempts[attempt.ID]
	if !ok {
		return domain.ErrAttemptNotFound
	}
	if current.Completed() {
		return domain.ErrAlreadyCompleted
	}
	s.attempts[attempt.ID] = attempt
	return nil
}

func (s *AttemptStore) InsertAnswers(_ context.Context, answers []domain.Answer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range answers {
		s.answers[a.AttemptID] = append(s.answers[a.AttemptID], a)
	}
	return nil
}

func (s *AttemptStore) ListAnswers(_ context.Context, attemptID string) ([]domain.Answer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.attempts[attemptID]; !ok {
		return nil, domain.ErrAttemptNotFound
	}
	out := make([]domain.Answer, len(s.answers[attemptID]))
	copy(out, s.answers[attemptID])
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].QuestionOrder < out[j].QuestionOrder
	})
	return out, nil
}

func (s *AttemptStore) ListCompleted(_ context.Context, examID string) ([]domain.CompletedAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.CompletedAttempt, 0)
	for _, id := range s.order {
		a := s.attempts[id]
		if a.ExamID != examID || !a.Completed() {
			continue
		}
		user := s.users[a.UserID]
		out = append(out, domain.CompletedAttempt{Attempt: a, UserName: user.Name, UserEmail: user.Email})
	}
	return out, nil
}

func (s *AttemptStore) ListUserCompleted(_ context.Context, userID, examID string) ([]domain.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Attempt, 0)
	for _, id := range s.order {
		a := s.attempts[id]
		if a.UserID == userID && a.ExamID == examID && a.Completed() {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CompletedAt.After(*out[j].CompletedAt)
	})
	return out, nil
}

func (s *AttemptStore) ListMissingAnswers(_ context.Context) ([]domain.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Attempt, 0)
	for _, id := range s.order {
		a := s.attempts[id]
		if a.Completed() && len(s.answers[id]) == 0 {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *AttemptStore) openLocked(userID, examID string) (domain.Attempt, bool) {
	for _, id := range s.order {
		a := s.attempts[id]
		if a.UserID == userID && a.ExamID == examID && !a.Completed() {
			return a, true
		}
	}
	return domain.Attempt{}, false
}

func (s *AttemptStore) completedLocked(userID, examID string) bool {
	for _, id := range s.order {
		a := s.attempts[id]
		if a.UserID == userID && a.ExamID == examID && a.Completed() {
			return true
		}
	}
	return false
}
