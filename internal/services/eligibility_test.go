package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cryptiq/backend/internal/models"
)

// ---------------------------------------------------------------------------
// In-memory Catalog and CompletionSource.
// ---------------------------------------------------------------------------

type memCatalog struct {
	mu           sync.Mutex
	achievements map[models.AchievementRef]*models.Achievement
	err          error
}

func newMemCatalog(list ...*models.Achievement) *memCatalog {
	m := &memCatalog{achievements: make(map[models.AchievementRef]*models.Achievement)}
	for _, a := range list {
		m.achievements[a.Ref] = a
	}
	return m
}

func (m *memCatalog) GetAchievement(_ context.Context, ref models.AchievementRef) (*models.Achievement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.achievements[ref], nil
}

type completionKey struct {
	user uuid.UUID
	ref  models.AchievementRef
}

type memCompletions struct {
	mu      sync.Mutex
	records map[completionKey]*models.CompletionRecord
	order   []completionKey
	err     error
}

func newMemCompletions() *memCompletions {
	return &memCompletions{records: make(map[completionKey]*models.CompletionRecord)}
}

func (m *memCompletions) add(c *models.CompletionRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := completionKey{c.UserID, c.Achievement}
	if _, ok := m.records[k]; !ok {
		m.order = append(m.order, k)
	}
	m.records[k] = c
}

func (m *memCompletions) GetCompletion(_ context.Context, userID uuid.UUID, ref models.AchievementRef) (*models.CompletionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.records[completionKey{userID, ref}], nil
}

func (m *memCompletions) ListCompletions(_ context.Context, userID uuid.UUID) ([]*models.CompletionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []*models.CompletionRecord
	for _, k := range m.order {
		if k.user == userID {
			out = append(out, m.records[k])
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

var (
	quizQ1    = models.AchievementRef{Kind: models.AchievementQuiz, ID: 1}
	quizQ2    = models.AchievementRef{Kind: models.AchievementQuiz, ID: 2}
	quizQ3    = models.AchievementRef{Kind: models.AchievementQuiz, ID: 3}
	labTaskT7 = models.AchievementRef{Kind: models.AchievementLabTask, ID: 7}
)

func minScore(n int) *int { return &n }

func testCatalog() *memCatalog {
	return newMemCatalog(
		&models.Achievement{Ref: quizQ1, Title: "Wallet basics", Reward: decimal.NewFromInt(10)},
		&models.Achievement{Ref: quizQ2, Title: "Hard mode", MinScore: minScore(90), Reward: decimal.RequireFromString("2.5")},
		&models.Achievement{Ref: quizQ3, Title: "Warm-up", MinScore: minScore(0), Reward: decimal.NewFromInt(1)},
		&models.Achievement{Ref: labTaskT7, Title: "Find the flag", Reward: decimal.NewFromInt(15)},
	)
}

func newTestEvaluator(completions *memCompletions) *Evaluator {
	return NewEvaluator(testCatalog(), completions, 9, 70)
}

// ---------------------------------------------------------------------------
// Evaluate
// ---------------------------------------------------------------------------

func TestEvaluate_QuizAboveThreshold(t *testing.T) {
	user := uuid.New()
	completions := newMemCompletions()
	completions.add(&models.CompletionRecord{UserID: user, Achievement: quizQ1, Score: 85})

	e, err := newTestEvaluator(completions).Evaluate(context.Background(), user, quizQ1)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if e.Status != StatusEligible || e.Amount != 10_000_000_000 {
		t.Fatalf("expected eligible for 10 tokens, got %s amount=%d", e.Status, e.Amount)
	}
}

func TestEvaluate_QuizExactlyAtThreshold(t *testing.T) {
	user := uuid.New()
	completions := newMemCompletions()
	completions.add(&models.CompletionRecord{UserID: user, Achievement: quizQ1, Score: 70})

	e, _ := newTestEvaluator(completions).Evaluate(context.Background(), user, quizQ1)
	if e.Status != StatusEligible {
		t.Fatalf("score equal to threshold should be eligible, got %s", e.Status)
	}
}

func TestEvaluate_QuizBelowThreshold(t *testing.T) {
	user := uuid.New()
	completions := newMemCompletions()
	completions.add(&models.CompletionRecord{UserID: user, Achievement: quizQ1, Score: 50})

	e, err := newTestEvaluator(completions).Evaluate(context.Background(), user, quizQ1)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if e.Status != StatusIneligible || e.Reason != "score below threshold" {
		t.Fatalf("expected ineligible(score below threshold), got %s(%s)", e.Status, e.Reason)
	}
}

func TestEvaluate_PerQuizThreshold(t *testing.T) {
	user := uuid.New()
	completions := newMemCompletions()
	completions.add(&models.CompletionRecord{UserID: user, Achievement: quizQ2, Score: 85})

	e, _ := newTestEvaluator(completions).Evaluate(context.Background(), user, quizQ2)
	if e.Status != StatusIneligible {
		t.Fatalf("85 is below the quiz's own threshold of 90, got %s", e.Status)
	}
}

func TestEvaluate_ZeroThresholdIsKept(t *testing.T) {
	user := uuid.New()
	completions := newMemCompletions()
	completions.add(&models.CompletionRecord{UserID: user, Achievement: quizQ3, Score: 10})

	e, err := newTestEvaluator(completions).Evaluate(context.Background(), user, quizQ3)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if e.Status != StatusEligible {
		t.Fatalf("a quiz with min_score 0 must not fall back to the default 70, got %s", e.Status)
	}
}

func TestEvaluate_FractionalReward(t *testing.T) {
	user := uuid.New()
	completions := newMemCompletions()
	completions.add(&models.CompletionRecord{UserID: user, Achievement: quizQ2, Score: 95})

	e, _ := newTestEvaluator(completions).Evaluate(context.Background(), user, quizQ2)
	if e.Amount != 2_500_000_000 {
		t.Fatalf("amount: got %d", e.Amount)
	}
}

func TestEvaluate_LabTask(t *testing.T) {
	user := uuid.New()
	completions := newMemCompletions()
	completions.add(&models.CompletionRecord{UserID: user, Achievement: labTaskT7, Passed: true})
	ev := newTestEvaluator(completions)

	e, _ := ev.Evaluate(context.Background(), user, labTaskT7)
	if e.Status != StatusEligible || e.Amount != 15_000_000_000 {
		t.Fatalf("expected eligible lab task, got %s amount=%d", e.Status, e.Amount)
	}

	other := uuid.New()
	completions.add(&models.CompletionRecord{UserID: other, Achievement: labTaskT7, Passed: false})
	e, _ = ev.Evaluate(context.Background(), other, labTaskT7)
	if e.Status != StatusIneligible {
		t.Fatalf("failed lab task should be ineligible, got %s", e.Status)
	}
}

func TestEvaluate_NotCompleted(t *testing.T) {
	e, err := newTestEvaluator(newMemCompletions()).Evaluate(context.Background(), uuid.New(), quizQ1)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if e.Status != StatusNotCompleted {
		t.Fatalf("expected not_completed, got %s", e.Status)
	}
}

func TestEvaluate_UnknownAchievement(t *testing.T) {
	ref := models.AchievementRef{Kind: models.AchievementQuiz, ID: 404}
	_, err := newTestEvaluator(newMemCompletions()).Evaluate(context.Background(), uuid.New(), ref)
	if !errors.Is(err, ErrUnknownAchievement) {
		t.Fatalf("expected ErrUnknownAchievement, got %v", err)
	}
}

func TestEvaluate_LookupFailed(t *testing.T) {
	completions := newMemCompletions()
	completions.err = fmt.Errorf("connection reset")

	_, err := newTestEvaluator(completions).Evaluate(context.Background(), uuid.New(), quizQ1)
	if !errors.Is(err, ErrLookupFailed) {
		t.Fatalf("expected ErrLookupFailed, got %v", err)
	}

	catalog := testCatalog()
	catalog.err = fmt.Errorf("timeout")
	_, err = NewEvaluator(catalog, newMemCompletions(), 9, 70).Evaluate(context.Background(), uuid.New(), quizQ1)
	if !errors.Is(err, ErrLookupFailed) {
		t.Fatalf("expected ErrLookupFailed from catalog, got %v", err)
	}
}
