package claims

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cryptiq/backend/internal/models"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository is the Postgres Store. The unique index on
// (user_id, achievement_kind, achievement_id) plus conditional UPDATEs give
// per-key linearizability without any application lock.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

const claimColumns = `id, user_id, achievement_kind, achievement_id, state, amount, recipient_address, attempts,
	pending_reference, settlement_reference, last_error, settled_at, created_at, updated_at`

func (r *Repository) q(tx pgx.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.pool
}

func scanClaim(row pgx.Row) (*models.ClaimRecord, error) {
	var (
		c                          models.ClaimRecord
		kind, state                string
		pendingRef, settledRef, le *string
	)
	err := row.Scan(&c.ID, &c.UserID, &kind, &c.Achievement.ID, &state, &c.Amount, &c.RecipientAddress, &c.Attempts,
		&pendingRef, &settledRef, &le, &c.SettledAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c.Achievement.Kind = models.AchievementKind(kind)
	c.State = models.ClaimState(state)
	if pendingRef != nil {
		c.PendingReference = *pendingRef
	}
	if settledRef != nil {
		c.SettlementReference = *settledRef
	}
	if le != nil {
		c.LastError = *le
	}
	return &c, nil
}

func (r *Repository) TryBegin(ctx context.Context, tx pgx.Tx, c *models.ClaimRecord) (*models.ClaimRecord, bool, error) {
	q := r.q(tx)
	stored, err := scanClaim(q.QueryRow(ctx, `
		INSERT INTO reward_claims (id, user_id, achievement_kind, achievement_id, state, amount, recipient_address, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'pending', $5, $6, 1, $7, $7)
		ON CONFLICT (user_id, achievement_kind, achievement_id) DO UPDATE
		SET state = 'pending',
			recipient_address = EXCLUDED.recipient_address,
			attempts = reward_claims.attempts + 1,
			pending_reference = NULL,
			last_error = NULL,
			updated_at = EXCLUDED.updated_at
		WHERE reward_claims.state IN ('unclaimed', 'failed')
		RETURNING `+claimColumns,
		c.ID, c.UserID, string(c.Achievement.Kind), c.Achievement.ID, c.Amount, c.RecipientAddress, c.CreatedAt))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	// Conflict on a pending or settled row: ON CONFLICT has locked it, so
	// this read sees the winner's committed state.
	current, err := scanClaim(q.QueryRow(ctx, `
		SELECT `+claimColumns+` FROM reward_claims
		WHERE user_id = $1 AND achievement_kind = $2 AND achievement_id = $3
	`, c.UserID, string(c.Achievement.Kind), c.Achievement.ID))
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

func (r *Repository) MarkSettled(ctx context.Context, id uuid.UUID, reference string) (*models.ClaimRecord, bool, error) {
	c, err := scanClaim(r.pool.QueryRow(ctx, `
		UPDATE reward_claims
		SET state = 'settled', settlement_reference = $2, pending_reference = $2, last_error = NULL,
			settled_at = now(), updated_at = now()
		WHERE id = $1 AND state = 'pending'
		RETURNING `+claimColumns, id, reference))
	return r.afterTransition(ctx, id, c, err)
}

func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) (*models.ClaimRecord, bool, error) {
	c, err := scanClaim(r.pool.QueryRow(ctx, `
		UPDATE reward_claims
		SET state = 'failed', last_error = $2, updated_at = now()
		WHERE id = $1 AND state = 'pending'
		RETURNING `+claimColumns, id, reason))
	return r.afterTransition(ctx, id, c, err)
}

// afterTransition turns "no row updated" into the current record so the
// ledger can decide between a no-op and an error.
func (r *Repository) afterTransition(ctx context.Context, id uuid.UUID, c *models.ClaimRecord, err error) (*models.ClaimRecord, bool, error) {
	if err == nil {
		return c, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

func (r *Repository) RecordSubmission(ctx context.Context, id uuid.UUID, reference string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE reward_claims SET pending_reference = $2, updated_at = now()
		WHERE id = $1 AND state = 'pending'
	`, id, reference)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (r *Repository) TouchPending(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE reward_claims SET updated_at = now()
		WHERE id = $1 AND state = 'pending'
	`, id)
	return err
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.ClaimRecord, error) {
	return scanClaim(r.pool.QueryRow(ctx, `SELECT `+claimColumns+` FROM reward_claims WHERE id = $1`, id))
}

func (r *Repository) GetByKey(ctx context.Context, userID uuid.UUID, ref models.AchievementRef) (*models.ClaimRecord, error) {
	return scanClaim(r.pool.QueryRow(ctx, `
		SELECT `+claimColumns+` FROM reward_claims
		WHERE user_id = $1 AND achievement_kind = $2 AND achievement_id = $3
	`, userID, string(ref.Kind), ref.ID))
}

func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.ClaimRecord, error) {
	return r.list(ctx, `
		SELECT `+claimColumns+` FROM reward_claims WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
}

func (r *Repository) ListStalePending(ctx context.Context, updatedBefore time.Time, limit int) ([]*models.ClaimRecord, error) {
	return r.list(ctx, `
		SELECT `+claimColumns+` FROM reward_claims
		WHERE state = 'pending' AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`, updatedBefore, limit)
}

func (r *Repository) list(ctx context.Context, sql string, args ...any) ([]*models.ClaimRecord, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.ClaimRecord
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

func (r *Repository) Summary(ctx context.Context, userID uuid.UUID) (*Summary, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT state, COUNT(*), COALESCE(SUM(amount) FILTER (WHERE state = 'settled'), 0)::bigint
		FROM reward_claims WHERE user_id = $1
		GROUP BY state
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	s := &Summary{UserID: userID, Counts: make(map[models.ClaimState]int)}
	for rows.Next() {
		var (
			state   string
			count   int
			settled int64
		)
		if err := rows.Scan(&state, &count, &settled); err != nil {
			return nil, err
		}
		s.Counts[models.ClaimState(state)] = count
		s.SettledTotal += settled
	}
	return s, rows.Err()
}

func (r *Repository) Leaderboard(ctx context.Context, limit int) ([]*LeaderboardEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT user_id, SUM(amount)::bigint AS total, COUNT(*)
		FROM reward_claims WHERE state = 'settled'
		GROUP BY user_id
		ORDER BY total DESC, user_id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*LeaderboardEntry
	for rows.Next() {
		e := &LeaderboardEntry{Rank: len(list) + 1}
		if err := rows.Scan(&e.UserID, &e.SettledTotal, &e.ClaimCount); err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}
