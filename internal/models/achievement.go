package models

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AchievementKind enumerates what a user can be rewarded for.
type AchievementKind string

const (
	AchievementQuiz    AchievementKind = "quiz"
	AchievementLabTask AchievementKind = "lab_task"
)

// Valid reports whether k is a known achievement kind.
func (k AchievementKind) Valid() bool {
	return k == AchievementQuiz || k == AchievementLabTask
}

// AchievementRef identifies one quiz or lab task.
type AchievementRef struct {
	Kind AchievementKind `json:"kind"`
	ID   int64           `json:"id"`
}

func (r AchievementRef) String() string {
	return string(r.Kind) + ":" + strconv.FormatInt(r.ID, 10)
}

// NewAchievementRef validates a kind and a decimal id.
func NewAchievementRef(kind, id string) (AchievementRef, error) {
	k := AchievementKind(kind)
	if !k.Valid() {
		return AchievementRef{}, fmt.Errorf("unknown achievement kind %q", kind)
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n <= 0 {
		return AchievementRef{}, fmt.Errorf("invalid achievement id %q", id)
	}
	return AchievementRef{Kind: k, ID: n}, nil
}

// Achievement is the catalog entry a reward is computed from. Owned by
// content administration; read-only here.
type Achievement struct {
	Ref   AchievementRef
	Title string
	// MinScore applies to quizzes only (percentage, 0-100). Nil means the
	// configured default; 0 means any score passes.
	MinScore *int
	// Reward is the human-readable token amount, e.g. 10 or 2.5.
	Reward decimal.Decimal
}

// CompletionRecord is evidence that a user finished an achievement.
// Score is set for quizzes; Passed for lab tasks.
type CompletionRecord struct {
	UserID      uuid.UUID
	Achievement AchievementRef
	Score       int
	Passed      bool
	CompletedAt time.Time
}
