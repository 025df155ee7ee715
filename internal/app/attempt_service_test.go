package app_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"simulado-service/internal/app"
	"simulado-service/internal/domain"
	"simulado-service/internal/infra/memory"
)

var t0 = time.Date(2024, 3, 1, 14, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type env struct {
	service *app.AttemptService
	store   *memory.AttemptStore
	staging *memory.AnswerStaging
	clock   *testClock
}

func newEnv(t *testing.T, exam domain.ExamDefinition, opts ...func(*env) app.AttemptRepository) *env {
	t.Helper()
	clock := &testClock{now: t0}
	e := &env{
		store:   memory.NewAttemptStore(),
		staging: memory.NewAnswerStagingWithClock(clock.Now),
		clock:   clock,
	}
	var repo app.AttemptRepository = e.store
	for _, opt := range opts {
		repo = opt(e)
	}
	exams := memory.NewExamRepository(memory.NewStaticExamLoader(map[string]domain.ExamDefinition{exam.ID: exam}), time.Minute)

	var seq atomic.Int32
	e.service = app.NewAttemptService(exams, repo, e.staging,
		app.WithClock(e.clock.Now),
		app.WithIDGenerator(func() string { return fmt.Sprintf("attempt-%d", seq.Add(1)) }),
	)
	return e
}

func testExam() domain.ExamDefinition {
	return domain.ExamDefinition{
		ID:              "sim-1",
		Title:           "Raciocínio Lógico",
		DurationMinutes: 30,
		ShowRanking:     true,
		Questions: []domain.QuestionRef{
			{Position: 1, QuestionID: "q-a", AnswerKey: "A"},
			{Position: 2, QuestionID: "q-b", AnswerKey: "B"},
			{Position: 3, QuestionID: "q-c", AnswerKey: "C"},
			{Position: 4, QuestionID: "q-d", AnswerKey: "D"},
		},
	}
}

func TestStartCreatesAttemptWithFullTime(t *testing.T) {
	e := newEnv(t, testExam())
	handle, err := e.service.StartOrResume(context.Background(), "u1", "sim-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if handle.Resumed || handle.Finished {
		t.Fatalf("expected a fresh attempt, got %+v", handle)
	}
	if handle.RemainingSeconds != 1800 {
		t.Fatalf("expected 1800 seconds, got %d", handle.RemainingSeconds)
	}
	if !handle.Attempt.StartedAt.Equal(t0) || handle.Attempt.TotalQuestions != 4 {
		t.Fatalf("unexpected attempt %+v", handle.Attempt)
	}
	if handle.Attempt.Status() != domain.StatusInProgress {
		t.Fatalf("expected in-progress attempt")
	}
}

func TestResumeKeepsWallClockAndStagedAnswers(t *testing.T) {
	e := newEnv(t, testExam())
	ctx := context.Background()
	first, _ := e.service.StartOrResume(ctx, "u1", "sim-1")

	e.clock.Set(t0.Add(10*time.Minute + 500*time.Millisecond))
	if _, err := e.service.RecordAnswer(ctx, "u1", first.Attempt.ID, domain.AnswerChoice{Position: 2, Choice: "B"}); err != nil {
		t.Fatalf("record: %v", err)
	}

	resumed, err := e.service.StartOrResume(ctx, "u1", "sim-1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !resumed.Resumed || resumed.Attempt.ID != first.Attempt.ID {
		t.Fatalf("expected the same attempt to resume, got %+v", resumed)
	}
	if resumed.RemainingSeconds != 1200 {
		t.Fatalf("expected 1200 seconds left, got %d", resumed.RemainingSeconds)
	}
	if resumed.Staged[2] != "B" {
		t.Fatalf("expected staged answer on resume, got %v", resumed.Staged)
	}
}

func TestStartAfterDeadlineFinalizesWithStagedAnswers(t *testing.T) {
	e := newEnv(t, testExam())
	ctx := context.Background()
	handle, _ := e.service.StartOrResume(ctx, "u1", "sim-1")

	for i, at := range []time.Duration{time.Minute, 15 * time.Minute, 29 * time.Minute} {
		e.clock.Set(t0.Add(at))
		if _, err := e.service.RecordAnswer(ctx, "u1", handle.Attempt.ID, domain.AnswerChoice{Position: i + 1, Choice: "A"}); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		if h, err := e.service.StartOrResume(ctx, "u1", "sim-1"); err != nil || h.Finished {
			t.Fatalf("expected attempt still open at %v, got %+v %v", at, h, err)
		}
	}

	e.clock.Set(t0.Add(30*time.Minute + time.Nanosecond))
	expired, err := e.service.StartOrResume(ctx, "u1", "sim-1")
	if err != nil {
		t.Fatalf("expired resume: %v", err)
	}
	if !expired.Finished || expired.Result == nil {
		t.Fatalf("expected finished handle, got %+v", expired)
	}
	if expired.Result.Correct != 1 || expired.Result.Incorrect != 2 || expired.Result.Blank != 1 {
		t.Fatalf("expected staged answers to be scored, got %+v", expired.Result)
	}
	if expired.Attempt.TimeSpentSeconds != 1800 {
		t.Fatalf("expected 1800 seconds spent, got %d", expired.Attempt.TimeSpentSeconds)
	}

	if _, err := e.service.RecordAnswer(ctx, "u1", handle.Attempt.ID, domain.AnswerChoice{Position: 4, Choice: "D"}); !errors.Is(err, domain.ErrAlreadyCompleted) {
		t.Fatalf("expected already completed after expiry, got %v", err)
	}
	staged, _ := e.staging.Staged(ctx, handle.Attempt.ID)
	if len(staged) != 0 {
		t.Fatalf("expected staging cleared, got %v", staged)
	}
}

func TestResumeLongAfterDeadlineScoresRecordedAnswers(t *testing.T) {
	e := newEnv(t, testExam())
	ctx := context.Background()
	handle, _ := e.service.StartOrResume(ctx, "u1", "sim-1")

	e.clock.Set(t0.Add(5 * time.Minute))
	for _, c := range []domain.AnswerChoice{{Position: 1, Choice: "A"}, {Position: 2, Choice: "B"}} {
		if _, err := e.service.RecordAnswer(ctx, "u1", handle.Attempt.ID, c); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	// The user closed the tab and comes back the next day.
	e.clock.Set(t0.Add(26 * time.Hour))
	expired, err := e.service.StartOrResume(ctx, "u1", "sim-1")
	if err != nil {
		t.Fatalf("expired resume: %v", err)
	}
	if !expired.Finished || expired.Result == nil {
		t.Fatalf("expected finished handle, got %+v", expired)
	}
	if expired.Result.Correct != 2 || expired.Result.Blank != 2 || expired.Result.Percentage != 50 {
		t.Fatalf("expected recorded answers to be scored, got %+v", expired.Result)
	}
}

func TestFinalizeAfterDeadlineIgnoresSubmittedAnswers(t *testing.T) {
	e := newEnv(t, testExam())
	ctx := context.Background()
	handle, _ := e.service.StartOrResume(ctx, "u1", "sim-1")

	e.clock.Set(t0.Add(10 * time.Minute))
	_, _ = e.service.RecordAnswer(ctx, "u1", handle.Attempt.ID, domain.AnswerChoice{Position: 1, Choice: "A"})

	e.clock.Set(t0.Add(3 * time.Hour))
	result, err := e.service.Finalize(ctx, "u1", handle.Attempt.ID, []domain.AnswerChoice{
		{Position: 1, Choice: "A"},
		{Position: 2, Choice: "B"},
		{Position: 3, Choice: "C"},
		{Position: 4, Choice: "D"},
	})
	if err != nil {
		t.Fatalf("late finalize: %v", err)
	}
	if result.Correct != 1 || result.Blank != 3 || result.Percentage != 25 {
		t.Fatalf("expected only answers staged before the deadline, got %+v", result)
	}
	stored, _ := e.store.Get(ctx, handle.Attempt.ID)
	if stored.TimeSpentSeconds != 3*60*60 {
		t.Fatalf("expected time spent to reflect the late finalize, got %d", stored.TimeSpentSeconds)
	}
}

func TestFinalizeWithinSubmitGraceKeepsSubmittedAnswers(t *testing.T) {
	e := newEnv(t, testExam())
	ctx := context.Background()
	handle, _ := e.service.StartOrResume(ctx, "u1", "sim-1")

	e.clock.Set(t0.Add(30*time.Minute + 2*time.Second))
	result, err := e.service.Finalize(ctx, "u1", handle.Attempt.ID, []domain.AnswerChoice{
		{Position: 1, Choice: "A"},
		{Position: 2, Choice: "B"},
	})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if result.Correct != 2 {
		t.Fatalf("expected answers sent right at the deadline to count, got %+v", result)
	}
}

func TestRecordAnswerAfterDeadlineIsRejected(t *testing.T) {
	e := newEnv(t, testExam())
	ctx := context.Background()
	handle, _ := e.service.StartOrResume(ctx, "u1", "sim-1")

	e.clock.Set(t0.Add(31 * time.Minute))
	if _, err := e.service.RecordAnswer(ctx, "u1", handle.Attempt.ID, domain.AnswerChoice{Position: 1, Choice: "A"}); !errors.Is(err, domain.ErrTimeExpired) {
		t.Fatalf("expected time expired, got %v", err)
	}
	if _, err := e.service.RecordAnswer(ctx, "u2", handle.Attempt.ID, domain.AnswerChoice{Position: 1, Choice: "A"}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden for another user, got %v", err)
	}
	if _, err := e.service.RecordAnswer(ctx, "u1", handle.Attempt.ID, domain.AnswerChoice{Position: 0, Choice: "A"}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for position 0, got %v", err)
	}
}

func TestFinalizeIsIdempotent(t *testing.T) {
	e := newEnv(t, testExam())
	ctx := context.Background()
	handle, _ := e.service.StartOrResume(ctx, "u1", "sim-1")
	e.clock.Set(t0.Add(5 * time.Minute))

	_, _ = e.service.RecordAnswer(ctx, "u1", handle.Attempt.ID, domain.AnswerChoice{Position: 1, Choice: "A"})
	result, err := e.service.Finalize(ctx, "u1", handle.Attempt.ID, []domain.AnswerChoice{
		{Position: 1, Choice: ""},
		{Position: 2, Choice: "B"},
		{Position: 3, Choice: "C"},
	})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if result.Correct != 2 || result.Blank != 2 || result.Percentage != 50 {
		t.Fatalf("expected submitted answers to override staged ones, got %+v", result)
	}

	if _, err := e.service.Finalize(ctx, "u1", handle.Attempt.ID, nil); !errors.Is(err, domain.ErrAlreadyCompleted) {
		t.Fatalf("expected already completed, got %v", err)
	}
	stored, _ := e.store.Get(ctx, handle.Attempt.ID)
	if stored.FinalScore != 2 || stored.TimeSpentSeconds != 300 {
		t.Fatalf("second finalize must not overwrite scores, got %+v", stored)
	}

	answers, _ := e.store.ListAnswers(ctx, handle.Attempt.ID)
	if len(answers) != 4 {
		t.Fatalf("expected one answer row per question, got %d", len(answers))
	}
	if answers[0].UserAnswer != nil || answers[0].QuestionOrder != 1 || answers[0].QuestionID != "q-a" {
		t.Fatalf("expected blank first row, got %+v", answers[0])
	}
	if answers[1].UserAnswer == nil || *answers[1].UserAnswer != "B" || !answers[1].IsCorrect {
		t.Fatalf("unexpected second row %+v", answers[1])
	}
}

func TestConcurrentFinalizeCompletesOnce(t *testing.T) {
	e := newEnv(t, testExam())
	ctx := context.Background()
	handle, _ := e.service.StartOrResume(ctx, "u1", "sim-1")

	const callers = 8
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		completed atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.service.Finalize(ctx, "u1", handle.Attempt.ID, []domain.AnswerChoice{{Position: 1, Choice: "A"}})
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, domain.ErrAlreadyCompleted):
				completed.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded.Load() != 1 || completed.Load() != callers-1 {
		t.Fatalf("expected exactly one successful finalize, got %d ok / %d already completed", succeeded.Load(), completed.Load())
	}
	answers, _ := e.store.ListAnswers(ctx, handle.Attempt.ID)
	if len(answers) != 4 {
		t.Fatalf("expected a single set of answer rows, got %d", len(answers))
	}
}

func TestConcurrentStartCreatesSingleAttempt(t *testing.T) {
	e := newEnv(t, testExam())
	ctx := context.Background()

	const callers = 8
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handle, err := e.service.StartOrResume(ctx, "u1", "sim-1")
			if err != nil {
				t.Errorf("start: %v", err)
				return
			}
			ids[i] = handle.Attempt.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("expected every caller to get the same attempt, got %v", ids)
		}
	}
	if _, found, _ := e.store.FindInProgress(ctx, "u1", "sim-1"); !found {
		t.Fatalf("expected one open attempt")
	}
}

func TestRetakePolicy(t *testing.T) {
	ctx := context.Background()

	e := newEnv(t, testExam())
	first, _ := e.service.StartOrResume(ctx, "u1", "sim-1")
	if _, err := e.service.Finalize(ctx, "u1", first.Attempt.ID, nil); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	_, err := e.service.StartOrResume(ctx, "u1", "sim-1")
	var retake *domain.RetakeNotAllowedError
	if !errors.As(err, &retake) || !errors.Is(err, domain.ErrRetakeNotAllowed) {
		t.Fatalf("expected retake not allowed, got %v", err)
	}
	if retake.Prior.ID != first.Attempt.ID {
		t.Fatalf("expected prior attempt %s, got %s", first.Attempt.ID, retake.Prior.ID)
	}

	exam := testExam()
	exam.AllowRetake = true
	e = newEnv(t, exam)
	first, _ = e.service.StartOrResume(ctx, "u1", "sim-1")
	_, _ = e.service.Finalize(ctx, "u1", first.Attempt.ID, nil)
	second, err := e.service.StartOrResume(ctx, "u1", "sim-1")
	if err != nil {
		t.Fatalf("retake: %v", err)
	}
	if second.Attempt.ID == first.Attempt.ID || second.Resumed {
		t.Fatalf("expected a new independent attempt, got %+v", second)
	}
}

// staleCompleted misses the first completed attempt, like a read that ran
// before another tab's finalize committed.
type staleCompleted struct {
	*memory.AttemptStore
	missed atomic.Bool
}

func (s *staleCompleted) LatestCompleted(ctx context.Context, userID, examID string) (domain.Attempt, bool, error) {
	if s.missed.CompareAndSwap(false, true) {
		return domain.Attempt{}, false, nil
	}
	return s.AttemptStore.LatestCompleted(ctx, userID, examID)
}

func TestRetakePolicyHoldsWhenCompletionRacesStart(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testExam(), func(e *env) app.AttemptRepository {
		return &staleCompleted{AttemptStore: e.store}
	})
	first := domain.Attempt{ID: "other-tab", UserID: "u1", ExamID: "sim-1", StartedAt: t0, TotalQuestions: 4}
	if err := e.store.Create(ctx, first, false); err != nil {
		t.Fatalf("seed: %v", err)
	}
	completedAt := t0.Add(time.Minute)
	first.CompletedAt = &completedAt
	if err := e.store.Complete(ctx, first); err != nil {
		t.Fatalf("complete seed: %v", err)
	}

	_, err := e.service.StartOrResume(ctx, "u1", "sim-1")
	var retake *domain.RetakeNotAllowedError
	if !errors.As(err, &retake) || retake.Prior.ID != "other-tab" {
		t.Fatalf("expected retake not allowed for the racing completion, got %v", err)
	}
	if _, found, _ := e.store.FindInProgress(ctx, "u1", "sim-1"); found {
		t.Fatalf("no second attempt may be created")
	}
}

func TestAvailabilityWindow(t *testing.T) {
	ctx := context.Background()
	opens := t0.Add(time.Hour)
	closes := t0.Add(48 * time.Hour)

	exam := testExam()
	exam.StartDate, exam.EndDate = &opens, &closes
	e := newEnv(t, exam)

	_, err := e.service.StartOrResume(ctx, "u1", "sim-1")
	var unavailable *domain.ExamUnavailableError
	if !errors.As(err, &unavailable) || unavailable.Reason != domain.ReasonNotYetOpen || !unavailable.Boundary.Equal(opens) {
		t.Fatalf("expected not yet open, got %v", err)
	}

	e.clock.Set(closes.Add(time.Second))
	_, err = e.service.StartOrResume(ctx, "u1", "sim-1")
	if !errors.As(err, &unavailable) || unavailable.Reason != domain.ReasonClosed {
		t.Fatalf("expected closed, got %v", err)
	}
	if !errors.Is(err, domain.ErrExamUnavailable) {
		t.Fatalf("expected error to match ErrExamUnavailable")
	}

	e.clock.Set(opens.Add(time.Minute))
	if _, err := e.service.StartOrResume(ctx, "u1", "sim-1"); err != nil {
		t.Fatalf("expected start inside window, got %v", err)
	}

	open := newEnv(t, testExam())
	if _, err := open.service.StartOrResume(ctx, "u1", "sim-1"); err != nil {
		t.Fatalf("expected start without a window, got %v", err)
	}
}

func TestStartRejectsExamWithoutQuestions(t *testing.T) {
	exam := testExam()
	exam.Questions = nil
	e := newEnv(t, exam)
	if _, err := e.service.StartOrResume(context.Background(), "u1", "sim-1"); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestStartUnknownExam(t *testing.T) {
	e := newEnv(t, testExam())
	if _, err := e.service.StartOrResume(context.Background(), "u1", "missing"); !errors.Is(err, domain.ErrExamNotFound) {
		t.Fatalf("expected exam not found, got %v", err)
	}
}

type failingAnswers struct {
	*memory.AttemptStore
}

func (failingAnswers) InsertAnswers(context.Context, []domain.Answer) error {
	return errors.New("connection reset")
}

func TestPartialFinalizeIsReportedDistinctly(t *testing.T) {
	e := newEnv(t, testExam(), func(e *env) app.AttemptRepository {
		return failingAnswers{AttemptStore: e.store}
	})
	ctx := context.Background()
	handle, _ := e.service.StartOrResume(ctx, "u1", "sim-1")
	_, _ = e.service.RecordAnswer(ctx, "u1", handle.Attempt.ID, domain.AnswerChoice{Position: 1, Choice: "A"})

	_, err := e.service.Finalize(ctx, "u1", handle.Attempt.ID, nil)
	var persistence *domain.PersistenceError
	if !errors.As(err, &persistence) || !persistence.AttemptCompleted {
		t.Fatalf("expected partial persistence error, got %v", err)
	}

	missing, _ := e.store.ListMissingAnswers(ctx)
	if len(missing) != 1 || missing[0].ID != handle.Attempt.ID {
		t.Fatalf("expected the attempt to be detectable as missing answers, got %v", missing)
	}
	staged, _ := e.staging.Staged(ctx, handle.Attempt.ID)
	if staged[1] != "A" {
		t.Fatalf("expected staged answers kept after a failed finalize, got %v", staged)
	}
}

type atomicStore struct {
	*memory.AttemptStore
	calls atomic.Int32
}

func (s *atomicStore) CompleteWithAnswers(ctx context.Context, attempt domain.Attempt, answers []domain.Answer) error {
	s.calls.Add(1)
	if err := s.Complete(ctx, attempt); err != nil {
		return err
	}
	return s.InsertAnswers(ctx, answers)
}

func TestFinalizePrefersAtomicStore(t *testing.T) {
	var store *atomicStore
	e := newEnv(t, testExam(), func(e *env) app.AttemptRepository {
		store = &atomicStore{AttemptStore: e.store}
		return store
	})
	ctx := context.Background()
	handle, _ := e.service.StartOrResume(ctx, "u1", "sim-1")
	if _, err := e.service.Finalize(ctx, "u1", handle.Attempt.ID, nil); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if store.calls.Load() != 1 {
		t.Fatalf("expected CompleteWithAnswers to be used, calls=%d", store.calls.Load())
	}
}

func TestAttemptDetailAccess(t *testing.T) {
	e := newEnv(t, testExam())
	ctx := context.Background()
	handle, _ := e.service.StartOrResume(ctx, "u1", "sim-1")
	_, _ = e.service.Finalize(ctx, "u1", handle.Attempt.ID, []domain.AnswerChoice{{Position: 4, Choice: "D"}})

	detail, err := e.service.AttemptDetail(ctx, domain.Identity{UserID: "u1", Role: domain.RoleStudent}, handle.Attempt.ID)
	if err != nil {
		t.Fatalf("owner detail: %v", err)
	}
	if len(detail.Answers) != 4 || !detail.Answers[3].IsCorrect {
		t.Fatalf("unexpected detail %+v", detail)
	}

	if _, err := e.service.AttemptDetail(ctx, domain.Identity{UserID: "u2"}, handle.Attempt.ID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := e.service.AttemptDetail(ctx, domain.Identity{UserID: "admin", Role: domain.RoleAdmin}, handle.Attempt.ID); err != nil {
		t.Fatalf("admin detail: %v", err)
	}
	if _, err := e.service.AttemptDetail(ctx, domain.Identity{UserID: "u1"}, "nope"); !errors.Is(err, domain.ErrAttemptNotFound) {
		t.Fatalf("expected attempt not found, got %v", err)
	}
}
