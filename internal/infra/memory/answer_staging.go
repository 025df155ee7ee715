package memory

import (
	"context"
	"sync"
	"time"

	"simulado-service/internal/domain"
)

// AnswerStaging is an in-memory implementation of app.AnswerStaging.
type AnswerStaging struct {
	clock func() time.Time

	mu       sync.RWMutex
	attempts map[string]*stagedAnswers
}

type stagedAnswers struct {
	choices   map[int]string
	expiresAt time.Time
}

func NewAnswerStaging() *AnswerStaging {
	return NewAnswerStagingWithClock(time.Now)
}

// NewAnswerStagingWithClock expires entries against clock instead of the wall
// clock, so it can share a clock with the attempt service.
func NewAnswerStagingWithClock(clock func() time.Time) *AnswerStaging {
	return &AnswerStaging{
		clock:    clock,
		attempts: make(map[string]*stagedAnswers),
	}
}

func (s *AnswerStaging) Stage(_ context.Context, attemptID string, choice domain.AnswerChoice, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	staged, ok := s.attempts[attemptID]
	if !ok {
		staged = &stagedAnswers{choices: make(map[int]string)}
		s.attempts[attemptID] = staged
	}
	if choice.Choice == "" {
		delete(staged.choices, choice.Position)
	} else {
		staged.choices[choice.Position] = choice.Choice
	}
	staged.expiresAt = s.clock().Add(ttl)
	return nil
}

// Staged returns a copy of the staged choices; expired entries read as empty.
func (s *AnswerStaging) Staged(_ context.Context, attemptID string) (map[int]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int]string)
	staged, ok := s.attempts[attemptID]
	if !ok || !staged.expiresAt.After(s.clock()) {
		return out, nil
	}
	for position, choice := range staged.choices {
		out[position] = choice
	}
	return out, nil
}

func (s *AnswerStaging) Clear(_ context.Context, attemptID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attempts, attemptID)
	return nil
}
