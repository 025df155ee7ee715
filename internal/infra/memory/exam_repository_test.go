package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"simulado-service/internal/domain"
)

func TestExamRepositoryCaches(t *testing.T) {
	loader := &countingLoader{
		ExamLoader: NewStaticExamLoader(map[string]domain.ExamDefinition{
			"exam-1": sampleExam(),
		}),
	}
	repo := NewExamRepository(loader, time.Minute)

	if _, err := repo.GetExam(context.Background(), "exam-1"); err != nil {
		t.Fatalf("get exam: %v", err)
	}
	if loader.calls.Load() != 1 {
		t.Fatalf("expected loader once, got %d", loader.calls.Load())
	}

	exam, err := repo.GetExam(context.Background(), "exam-1")
	if err != nil {
		t.Fatalf("get exam 2: %v", err)
	}
	if loader.calls.Load() != 1 {
		t.Fatalf("expected cache hit, loader calls %d", loader.calls.Load())
	}
	if len(exam.Questions) != 2 {
		t.Fatalf("expected 2 questions, got %d", len(exam.Questions))
	}
}

func TestExamRepositoryReloadsAfterExpiry(t *testing.T) {
	loader := &countingLoader{
		ExamLoader: NewStaticExamLoader(map[string]domain.ExamDefinition{"exam-1": sampleExam()}),
	}
	repo := NewExamRepository(loader, time.Minute)
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	repo.clock = func() time.Time { return now }

	_, _ = repo.GetExam(context.Background(), "exam-1")
	now = now.Add(2 * time.Minute)
	_, _ = repo.GetExam(context.Background(), "exam-1")

	if loader.calls.Load() != 2 {
		t.Fatalf("expected reload after ttl, loader calls %d", loader.calls.Load())
	}
}

func TestExamRepositoryCollapsesConcurrentMisses(t *testing.T) {
	loader := &countingLoader{
		ExamLoader: NewStaticExamLoader(map[string]domain.ExamDefinition{"exam-1": sampleExam()}),
		delay:      20 * time.Millisecond,
	}
	repo := NewExamRepository(loader, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.GetExam(context.Background(), "exam-1"); err != nil {
				t.Errorf("get exam: %v", err)
			}
		}()
	}
	wg.Wait()

	if loader.calls.Load() != 1 {
		t.Fatalf("expected a single load, got %d", loader.calls.Load())
	}
}

func TestExamRepositoryUnknownExam(t *testing.T) {
	repo := NewExamRepository(NewStaticExamLoader(nil), time.Minute)
	if _, err := repo.GetExam(context.Background(), "missing"); !errors.Is(err, domain.ErrExamNotFound) {
		t.Fatalf("expected exam not found, got %v", err)
	}
}

func TestExamRepositoryInvalidateAndCopies(t *testing.T) {
	ctx := context.Background()
	loader := &countingLoader{
		ExamLoader: NewStaticExamLoader(map[string]domain.ExamDefinition{"exam-1": sampleExam()}),
	}
	repo := NewExamRepository(loader, time.Minute)

	exam, _ := repo.GetExam(ctx, "exam-1")
	exam.Questions[0].AnswerKey = "Z"
	again, _ := repo.GetExam(ctx, "exam-1")
	if again.Questions[0].AnswerKey != "A" {
		t.Fatalf("cached answer key must not be shared with callers, got %q", again.Questions[0].AnswerKey)
	}

	repo.Invalidate("exam-1")
	_, _ = repo.GetExam(ctx, "exam-1")
	if loader.calls.Load() != 2 {
		t.Fatalf("expected reload after invalidate, loader calls %d", loader.calls.Load())
	}
}

func TestExamRepositoryRejectsInvalidDefinition(t *testing.T) {
	broken := sampleExam()
	broken.DurationMinutes = 0
	loader := &countingLoader{
		ExamLoader: NewStaticExamLoader(map[string]domain.ExamDefinition{"exam-1": broken}),
	}
	repo := NewExamRepository(loader, time.Minute)

	for i := 0; i < 2; i++ {
		if _, err := repo.GetExam(context.Background(), "exam-1"); !errors.Is(err, domain.ErrInvalidInput) {
			t.Fatalf("expected invalid input, got %v", err)
		}
	}
	if loader.calls.Load() != 2 {
		t.Fatalf("invalid definitions must not be cached, loader calls %d", loader.calls.Load())
	}
}

func TestExamRepositoryCallerCanStopWaiting(t *testing.T) {
	loader := &countingLoader{
		ExamLoader: NewStaticExamLoader(map[string]domain.ExamDefinition{"exam-1": sampleExam()}),
		delay:      50 * time.Millisecond,
	}
	repo := NewExamRepository(loader, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if _, err := repo.GetExam(ctx, "exam-1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	// The abandoned load still completes and fills the cache.
	if _, err := repo.GetExam(context.Background(), "exam-1"); err != nil {
		t.Fatalf("get exam: %v", err)
	}
	if loader.calls.Load() != 1 {
		t.Fatalf("expected the shared load to be reused, loader calls %d", loader.calls.Load())
	}
}

type countingLoader struct {
	ExamLoader
	delay time.Duration
	calls atomic.Int32
}

func (l *countingLoader) LoadExam(ctx context.Context, examID string) (domain.ExamDefinition, error) {
	l.calls.Add(1)
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	return l.ExamLoader.LoadExam(ctx, examID)
}

func sampleExam() domain.ExamDefinition {
	return domain.ExamDefinition{
		ID:              "exam-1",
		Title:           "Direito Constitucional",
		DurationMinutes: 30,
		Questions: []domain.QuestionRef{
			{Position: 1, QuestionID: "q1", AnswerKey: "A"},
			{Position: 2, QuestionID: "q2", AnswerKey: "C"},
		},
	}
}
