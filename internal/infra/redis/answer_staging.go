package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"simulado-service/internal/domain"
)

// AnswerStaging keeps the selections of open attempts in a Redis hash so a
// reload or a second instance sees the same staged answers.
//
//	HSET attempt:{attemptID}:answers {position} {choice}
type AnswerStaging struct {
	client *redis.Client
}

func NewAnswerStaging(client *redis.Client) *AnswerStaging {
	return &AnswerStaging{client: client}
}

func (s *AnswerStaging) Stage(ctx context.Context, attemptID string, choice domain.AnswerChoice, ttl time.Duration) error {
	key := s.key(attemptID)
	field := strconv.Itoa(choice.Position)

	pipe := s.client.TxPipeline()
	if choice.Choice == "" {
		pipe.HDel(ctx, key, field)
	} else {
		pipe.HSet(ctx, key, field, choice.Choice)
	}
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("stage answer: %w", err)
	}
	return nil
}

func (s *AnswerStaging) Staged(ctx context.Context, attemptID string) (map[int]string, error) {
	raw, err := s.client.HGetAll(ctx, s.key(attemptID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read staged answers: %w", err)
	}
	out := make(map[int]string, len(raw))
	for field, choice := range raw {
		position, err := strconv.Atoi(field)
		if err != nil || position < 1 {
			continue
		}
		out[position] = choice
	}
	return out, nil
}

func (s *AnswerStaging) Clear(ctx context.Context, attemptID string) error {
	return s.client.Del(ctx, s.key(attemptID)).Err()
}

func (s *AnswerStaging) key(attemptID string) string {
	return "attempt:" + attemptID + ":answers"
}
