package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cryptiq/backend/internal/models"
)

// CompletionRepo reads quiz and lab-task completion evidence and records
// lab-task completions from flag checks.
type CompletionRepo struct {
	pool *pgxpool.Pool
}

func NewCompletionRepo(pool *pgxpool.Pool) *CompletionRepo {
	return &CompletionRepo{pool: pool}
}

// GetCompletion returns nil, nil when the user has not completed ref.
func (r *CompletionRepo) GetCompletion(ctx context.Context, userID uuid.UUID, ref models.AchievementRef) (*models.CompletionRecord, error) {
	c := models.CompletionRecord{UserID: userID, Achievement: ref}
	var err error
	switch ref.Kind {
	case models.AchievementQuiz:
		err = r.pool.QueryRow(ctx, `
			SELECT score, completed_at FROM quiz_completions WHERE user_id = $1 AND quiz_id = $2
		`, userID, ref.ID).Scan(&c.Score, &c.CompletedAt)
	case models.AchievementLabTask:
		err = r.pool.QueryRow(ctx, `
			SELECT passed, completed_at FROM lab_task_completions WHERE user_id = $1 AND lab_task_id = $2
		`, userID, ref.ID).Scan(&c.Passed, &c.CompletedAt)
	default:
		return nil, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCompletions returns every completion of the user, oldest first.
func (r *CompletionRepo) ListCompletions(ctx context.Context, userID uuid.UUID) ([]*models.CompletionRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT 'quiz', quiz_id, score, TRUE, completed_at FROM quiz_completions WHERE user_id = $1
		UNION ALL
		SELECT 'lab_task', lab_task_id, 0, passed, completed_at FROM lab_task_completions WHERE user_id = $1
		ORDER BY 5
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.CompletionRecord
	for rows.Next() {
		c := models.CompletionRecord{UserID: userID}
		var kind string
		if err := rows.Scan(&kind, &c.Achievement.ID, &c.Score, &c.Passed, &c.CompletedAt); err != nil {
			return nil, err
		}
		c.Achievement.Kind = models.AchievementKind(kind)
		list = append(list, &c)
	}
	return list, rows.Err()
}

// GetFlagHash returns "" when the lab task does not exist or has no flag.
func (r *CompletionRepo) GetFlagHash(ctx context.Context, taskID int64) (string, error) {
	var hash *string
	err := r.pool.QueryRow(ctx, `SELECT flag_hash FROM lab_tasks WHERE id = $1`, taskID).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if hash == nil {
		return "", nil
	}
	return *hash, nil
}

func (r *CompletionRepo) RecordLabCompletion(ctx context.Context, userID uuid.UUID, taskID int64) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO lab_task_completions (user_id, lab_task_id, passed, completed_at)
		VALUES ($1, $2, TRUE, now())
		ON CONFLICT (user_id, lab_task_id) DO UPDATE SET passed = TRUE
		WHERE lab_task_completions.passed = FALSE
	`, userID, taskID)
	return err
}
