package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/cryptiq/backend/internal/models"
)

var (
	// ErrUnknownAchievement is returned when the reference is not in the catalog.
	ErrUnknownAchievement = errors.New("unknown achievement")
	// ErrLookupFailed wraps backing store failures while evaluating; retryable.
	ErrLookupFailed = errors.New("eligibility lookup failed")
)

// Ineligible reasons.
const (
	ReasonScoreBelowThreshold = "score below threshold"
	ReasonLabNotPassed        = "lab task not passed"
)

// Catalog resolves achievements. A nil achievement with nil error means
// the reference does not exist.
type Catalog interface {
	GetAchievement(ctx context.Context, ref models.AchievementRef) (*models.Achievement, error)
}

// CompletionSource reads completion evidence. A nil record with nil error
// means the user has not completed the achievement.
type CompletionSource interface {
	GetCompletion(ctx context.Context, userID uuid.UUID, ref models.AchievementRef) (*models.CompletionRecord, error)
	ListCompletions(ctx context.Context, userID uuid.UUID) ([]*models.CompletionRecord, error)
}

// EligibilityStatus is the verdict of an evaluation.
type EligibilityStatus string

const (
	StatusEligible     EligibilityStatus = "eligible"
	StatusIneligible   EligibilityStatus = "ineligible"
	StatusNotCompleted EligibilityStatus = "not_completed"
)

// Eligibility is the result of Evaluate. Amount is in base units and only
// set when Status is StatusEligible.
type Eligibility struct {
	Status      EligibilityStatus
	Reason      string
	Amount      int64
	Achievement *models.Achievement
}

// Evaluator decides whether a user may claim an achievement and how much
// it pays. It has no side effects.
type Evaluator struct {
	catalog         Catalog
	completions     CompletionSource
	decimals        int32
	defaultMinScore int
}

func NewEvaluator(catalog Catalog, completions CompletionSource, decimals int32, defaultMinScore int) *Evaluator {
	return &Evaluator{
		catalog:         catalog,
		completions:     completions,
		decimals:        decimals,
		defaultMinScore: defaultMinScore,
	}
}

func (e *Evaluator) Evaluate(ctx context.Context, userID uuid.UUID, ref models.AchievementRef) (*Eligibility, error) {
	a, err := e.catalog.GetAchievement(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("%w: achievement %s: %v", ErrLookupFailed, ref, err)
	}
	if a == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAchievement, ref)
	}
	c, err := e.completions.GetCompletion(ctx, userID, ref)
	if err != nil {
		return nil, fmt.Errorf("%w: completion %s: %v", ErrLookupFailed, ref, err)
	}
	return e.judge(a, c)
}

func (e *Evaluator) judge(a *models.Achievement, c *models.CompletionRecord) (*Eligibility, error) {
	if c == nil {
		return &Eligibility{Status: StatusNotCompleted, Achievement: a}, nil
	}
	switch a.Ref.Kind {
	case models.AchievementQuiz:
		threshold := e.defaultMinScore
		if a.MinScore != nil {
			threshold = *a.MinScore
		}
		if c.Score < threshold {
			return &Eligibility{Status: StatusIneligible, Reason: ReasonScoreBelowThreshold, Achievement: a}, nil
		}
	case models.AchievementLabTask:
		if !c.Passed {
			return &Eligibility{Status: StatusIneligible, Reason: ReasonLabNotPassed, Achievement: a}, nil
		}
	default:
		return nil, fmt.Errorf("%w: kind %q", ErrUnknownAchievement, a.Ref.Kind)
	}
	amount, err := ToBaseUnits(a.Reward, e.decimals)
	if err != nil {
		return nil, fmt.Errorf("achievement %s: %w", a.Ref, err)
	}
	return &Eligibility{Status: StatusEligible, Amount: amount, Achievement: a}, nil
}

// Completed lists the achievements the user has completion evidence for.
func (e *Evaluator) Completed(ctx context.Context, userID uuid.UUID) ([]models.AchievementRef, error) {
	list, err := e.completions.ListCompletions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: list completions: %v", ErrLookupFailed, err)
	}
	refs := make([]models.AchievementRef, 0, len(list))
	for _, c := range list {
		refs = append(refs, c.Achievement)
	}
	return refs, nil
}
