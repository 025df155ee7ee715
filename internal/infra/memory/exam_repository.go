package memory

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"simulado-service/internal/domain"
)

// ExamLoader fetches exam definitions from a backing store.
type ExamLoader interface {
	LoadExam(ctx context.Context, examID string) (domain.ExamDefinition, error)
}

// ExamRepository is a process-local exam catalog cache. Definitions are
// validated before they are cached, and each caller gets its own copy of the
// question list.
type ExamRepository struct {
	loader ExamLoader
	ttl    time.Duration
	clock  func() time.Time
	loads  singleflight.Group

	mu    sync.RWMutex
	exams map[string]catalogEntry
}

type catalogEntry struct {
	exam     domain.ExamDefinition
	loadedAt time.Time
	ttl      time.Duration
}

func (e catalogEntry) fresh(now time.Time) bool {
	return now.Before(e.loadedAt.Add(e.ttl))
}

func NewExamRepository(loader ExamLoader, ttl time.Duration) *ExamRepository {
	return &ExamRepository{
		loader: loader,
		ttl:    ttl,
		clock:  time.Now,
		exams:  make(map[string]catalogEntry),
	}
}

// GetExam serves a cached definition or loads it once for all concurrent
// callers. A caller whose context ends stops waiting; the shared load keeps
// running for the others.
func (r *ExamRepository) GetExam(ctx context.Context, examID string) (domain.ExamDefinition, error) {
	if exam, ok := r.cached(examID); ok {
		return exam, nil
	}

	ch := r.loads.DoChan(examID, func() (interface{}, error) {
		if exam, ok := r.cached(examID); ok {
			return exam, nil
		}
		return r.load(context.WithoutCancel(ctx), examID)
	})
	select {
	case <-ctx.Done():
		return domain.ExamDefinition{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return domain.ExamDefinition{}, res.Err
		}
		return copyExam(res.Val.(domain.ExamDefinition)), nil
	}
}

func (r *ExamRepository) load(ctx context.Context, examID string) (domain.ExamDefinition, error) {
	exam, err := r.loader.LoadExam(ctx, examID)
	if err != nil {
		return domain.ExamDefinition{}, err
	}
	if err := exam.Validate(); err != nil {
		return domain.ExamDefinition{}, err
	}
	if r.ttl > 0 {
		r.mu.Lock()
		r.exams[examID] = catalogEntry{exam: exam, loadedAt: r.clock(), ttl: r.spread(r.ttl)}
		r.mu.Unlock()
	}
	return exam, nil
}

// Invalidate drops a cached definition so the next read reloads it.
func (r *ExamRepository) Invalidate(examID string) {
	r.mu.Lock()
	delete(r.exams, examID)
	r.mu.Unlock()
}

func (r *ExamRepository) cached(examID string) (domain.ExamDefinition, bool) {
	r.mu.RLock()
	entry, ok := r.exams[examID]
	r.mu.RUnlock()
	if !ok || !entry.fresh(r.clock()) {
		return domain.ExamDefinition{}, false
	}
	return copyExam(entry.exam), true
}

// spread lengthens ttl by up to a tenth so catalog entries loaded together
// do not all expire together.
func (r *ExamRepository) spread(ttl time.Duration) time.Duration {
	return ttl + time.Duration(rand.Int64N(int64(ttl)/10+1))
}

func copyExam(exam domain.ExamDefinition) domain.ExamDefinition {
	exam.Questions = append([]domain.QuestionRef(nil), exam.Questions...)
	return exam
}

// StaticExamLoader serves a fixed catalog, for demos and tests.
type StaticExamLoader struct {
	exams map[string]domain.ExamDefinition
}

func NewStaticExamLoader(exams map[string]domain.ExamDefinition) *StaticExamLoader {
	return &StaticExamLoader{exams: exams}
}

func (l *StaticExamLoader) LoadExam(_ context.Context, examID string) (domain.ExamDefinition, error) {
	exam, ok := l.exams[examID]
	if !ok {
		return domain.ExamDefinition{}, domain.ErrExamNotFound
	}
	return exam, nil
}
