package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/cryptiq/backend/internal/models"
)

// AchievementRepo reads the quiz and lab-task catalog. The catalog is owned
// by content administration; nothing here writes it.
type AchievementRepo struct {
	pool *pgxpool.Pool
}

func NewAchievementRepo(pool *pgxpool.Pool) *AchievementRepo {
	return &AchievementRepo{pool: pool}
}

// GetAchievement returns nil, nil when the reference does not exist.
func (r *AchievementRepo) GetAchievement(ctx context.Context, ref models.AchievementRef) (*models.Achievement, error) {
	var sql string
	switch ref.Kind {
	case models.AchievementQuiz:
		sql = `SELECT title, jiet_reward::text, min_score FROM quizzes WHERE id = $1`
	case models.AchievementLabTask:
		sql = `SELECT title, jiet_reward::text, NULL::int FROM lab_tasks WHERE id = $1`
	default:
		return nil, nil
	}
	a := models.Achievement{Ref: ref}
	var reward string
	err := r.pool.QueryRow(ctx, sql, ref.ID).Scan(&a.Title, &reward, &a.MinScore)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.Reward, err = decimal.NewFromString(reward)
	if err != nil {
		return nil, fmt.Errorf("achievement %s reward %q: %w", ref, reward, err)
	}
	return &a, nil
}
