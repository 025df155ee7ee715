package redis

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"simulado-service/internal/domain"
)

// ExamLoader fetches exam definitions from a backing store (e.g., Postgres).
type ExamLoader interface {
	LoadExam(ctx context.Context, examID string) (domain.ExamDefinition, error)
}

// ExamRepository caches exam definitions in Redis and falls back to a loader on cache miss.
// Definitions are stored as JSON: SET exam:{examID} {json} EX ttl
type ExamRepository struct {
	client *redis.Client
	loader ExamLoader
	ttl    time.Duration
	sf     singleflight.Group
	rnd    *rand.Rand
	rndMu  sync.Mutex
}

func NewExamRepository(client *redis.Client, loader ExamLoader, ttl time.Duration) *ExamRepository {
	return &ExamRepository{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *ExamRepository) GetExam(ctx context.Context, examID string) (domain.ExamDefinition, error) {
	if exam, ok := r.cached(ctx, examID); ok {
		return exam, nil
	}

	result, err, _ := r.sf.Do(examID, func() (interface{}, error) {
		// Re-check cache in case another goroutine filled it.
		if exam, ok := r.cached(ctx, examID); ok {
			return exam, nil
		}

		exam, err := r.loader.LoadExam(ctx, examID)
		if err != nil {
			return domain.ExamDefinition{}, err
		}

		data, err := json.Marshal(exam)
		if err != nil {
			return domain.ExamDefinition{}, err
		}
		if err := r.client.Set(ctx, r.key(examID), data, r.ttlWithJitter()).Err(); err != nil {
			log.Warn().Err(err).Str("exam_id", examID).Msg("failed to cache exam definition")
		}
		return exam, nil
	})
	if err != nil {
		return domain.ExamDefinition{}, err
	}
	return result.(domain.ExamDefinition), nil
}

// Invalidate removes a cached definition after an administrator edits it.
func (r *ExamRepository) Invalidate(ctx context.Context, examID string) error {
	return r.client.Del(ctx, r.key(examID)).Err()
}

func (r *ExamRepository) cached(ctx context.Context, examID string) (domain.ExamDefinition, bool) {
	data, err := r.client.Get(ctx, r.key(examID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Str("exam_id", examID).Msg("exam cache read failed")
		}
		return domain.ExamDefinition{}, false
	}
	var exam domain.ExamDefinition
	if err := json.Unmarshal(data, &exam); err != nil {
		return domain.ExamDefinition{}, false
	}
	return exam, true
}

func (r *ExamRepository) key(examID string) string {
	return "exam:" + examID
}

func (r *ExamRepository) ttlWithJitter() time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	jitterMax := int64(r.ttl) / 10
	r.rndMu.Lock()
	defer r.rndMu.Unlock()
	return r.ttl + time.Duration(r.rnd.Int63n(jitterMax+1))
}
