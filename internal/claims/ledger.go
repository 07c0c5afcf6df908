package claims

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/cryptiq/backend/internal/models"
)

var (
	// ErrNotFound is returned when no claim matches the lookup.
	ErrNotFound = errors.New("claim not found")
	// ErrSettlementMismatch means a settled claim was reported settled again
	// with a different reference. Only possible if the begin gate was bypassed.
	ErrSettlementMismatch = errors.New("settlement reference mismatch")
	// ErrInvalidTransition is returned when a claim is not in a state the
	// requested transition can start from.
	ErrInvalidTransition = errors.New("invalid claim state transition")
)

// BeginStatus is the outcome of a BeginClaim call.
type BeginStatus string

const (
	Started        BeginStatus = "started"
	AlreadyPending BeginStatus = "already_pending"
	AlreadySettled BeginStatus = "already_settled"
)

// BeginRequest carries everything needed to open or re-open a claim.
// Amount is server-computed and only used when the record is created.
type BeginRequest struct {
	UserID           uuid.UUID
	Achievement      models.AchievementRef
	RecipientAddress string
	Amount           int64
}

// BeginResult reports the begin outcome and the claim as it is now stored.
type BeginResult struct {
	Status BeginStatus
	Claim  *models.ClaimRecord
}

// Summary is the derived reward view for one user.
type Summary struct {
	UserID       uuid.UUID                  `json:"user_id"`
	SettledTotal int64                      `json:"settled_total"`
	Counts       map[models.ClaimState]int `json:"counts"`
}

// LeaderboardEntry ranks users by settled reward total.
type LeaderboardEntry struct {
	Rank         int       `json:"rank"`
	UserID       uuid.UUID `json:"user_id"`
	SettledTotal int64     `json:"settled_total"`
	ClaimCount   int       `json:"claim_count"`
}

// Store is the persistence contract. Every transition is a conditional
// write; the bool results report whether this call performed it.
// A nil tx means "use the store's own connection".
type Store interface {
	// TryBegin inserts c as pending, or moves an existing unclaimed/failed
	// record for the same key to pending. It returns the stored record and
	// whether the transition happened.
	TryBegin(ctx context.Context, tx pgx.Tx, c *models.ClaimRecord) (*models.ClaimRecord, bool, error)
	MarkSettled(ctx context.Context, id uuid.UUID, reference string) (*models.ClaimRecord, bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) (*models.ClaimRecord, bool, error)
	RecordSubmission(ctx context.Context, id uuid.UUID, reference string) error
	// TouchPending bumps updated_at of a pending claim. No-op otherwise.
	TouchPending(ctx context.Context, id uuid.UUID) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.ClaimRecord, error)
	GetByKey(ctx context.Context, userID uuid.UUID, ref models.AchievementRef) (*models.ClaimRecord, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.ClaimRecord, error)
	ListStalePending(ctx context.Context, updatedBefore time.Time, limit int) ([]*models.ClaimRecord, error)
	Summary(ctx context.Context, userID uuid.UUID) (*Summary, error)
	Leaderboard(ctx context.Context, limit int) ([]*LeaderboardEntry, error)
}

// Ledger owns the claim state machine:
// unclaimed|failed -> pending -> settled|failed.
type Ledger struct {
	store Store
	log   *slog.Logger
	now   func() time.Time
}

func NewLedger(store Store, log *slog.Logger) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{store: store, log: log, now: time.Now}
}

// BeginClaim is the exclusivity gate. Concurrent calls for the same
// (user, achievement) produce exactly one Started; the store's conditional
// write is the only point of mutual exclusion. Run it inside tx so the
// settlement job can be enqueued atomically with the transition.
func (l *Ledger) BeginClaim(ctx context.Context, tx pgx.Tx, req BeginRequest) (*BeginResult, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("begin claim: amount must be positive, got %d", req.Amount)
	}
	now := l.now().UTC()
	candidate := &models.ClaimRecord{
		ID:               uuid.New(),
		UserID:           req.UserID,
		Achievement:      req.Achievement,
		State:            models.ClaimPending,
		Amount:           req.Amount,
		RecipientAddress: req.RecipientAddress,
		Attempts:         1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	stored, started, err := l.store.TryBegin(ctx, tx, candidate)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	if started {
		l.log.Info("claim started",
			"claim_id", stored.ID, "user_id", stored.UserID, "achievement", stored.Achievement.String(),
			"amount", stored.Amount, "attempt", stored.Attempts)
		return &BeginResult{Status: Started, Claim: stored}, nil
	}
	switch stored.State {
	case models.ClaimSettled:
		return &BeginResult{Status: AlreadySettled, Claim: stored}, nil
	case models.ClaimPending:
		return &BeginResult{Status: AlreadyPending, Claim: stored}, nil
	default:
		// TryBegin only declines pending or settled rows.
		return nil, fmt.Errorf("begin claim %s: %w: store declined state %q", stored.ID, ErrInvalidTransition, stored.State)
	}
}

// CompleteClaim moves a pending claim to settled. Repeating it with the same
// reference is a no-op; a different reference on a settled claim returns
// ErrSettlementMismatch and is logged for investigation.
func (l *Ledger) CompleteClaim(ctx context.Context, id uuid.UUID, reference string) (*models.ClaimRecord, error) {
	if reference == "" {
		return nil, fmt.Errorf("complete claim %s: empty settlement reference", id)
	}
	c, done, err := l.store.MarkSettled(ctx, id, reference)
	if err != nil {
		return nil, fmt.Errorf("complete claim %s: %w", id, err)
	}
	if done {
		l.log.Info("claim settled", "claim_id", id, "reference", reference, "amount", c.Amount)
		return c, nil
	}
	switch c.State {
	case models.ClaimSettled:
		if c.SettlementReference == reference {
			return c, nil
		}
		l.log.Error("settlement reference mismatch on settled claim; exclusivity invariant violated, investigate",
			"claim_id", id, "user_id", c.UserID, "achievement", c.Achievement.String(),
			"recorded_reference", c.SettlementReference, "reported_reference", reference)
		return c, fmt.Errorf("complete claim %s: %w", id, ErrSettlementMismatch)
	default:
		return c, fmt.Errorf("complete claim %s from %q: %w", id, c.State, ErrInvalidTransition)
	}
}

// FailClaim records a definitive failure on a pending claim. It does not
// retry; the claim can be begun again by the user.
func (l *Ledger) FailClaim(ctx context.Context, id uuid.UUID, reason string) (*models.ClaimRecord, error) {
	c, done, err := l.store.MarkFailed(ctx, id, reason)
	if err != nil {
		return nil, fmt.Errorf("fail claim %s: %w", id, err)
	}
	if done {
		l.log.Warn("claim failed", "claim_id", id, "reason", reason)
		return c, nil
	}
	if c.State == models.ClaimFailed {
		return c, nil
	}
	return c, fmt.Errorf("fail claim %s from %q: %w", id, c.State, ErrInvalidTransition)
}

// RecordSubmission stores the ledger reference of an in-flight transfer so
// later runs re-query it instead of resubmitting.
func (l *Ledger) RecordSubmission(ctx context.Context, id uuid.UUID, reference string) error {
	if err := l.store.RecordSubmission(ctx, id, reference); err != nil {
		return fmt.Errorf("record submission %s: %w", id, err)
	}
	return nil
}

// TouchPending marks a pending claim as just checked, moving it to the
// back of the stale queue.
func (l *Ledger) TouchPending(ctx context.Context, id uuid.UUID) error {
	if err := l.store.TouchPending(ctx, id); err != nil {
		return fmt.Errorf("touch claim %s: %w", id, err)
	}
	return nil
}

func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (*models.ClaimRecord, error) {
	return l.store.GetByID(ctx, id)
}

func (l *Ledger) GetByKey(ctx context.Context, userID uuid.UUID, ref models.AchievementRef) (*models.ClaimRecord, error) {
	return l.store.GetByKey(ctx, userID, ref)
}

func (l *Ledger) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.ClaimRecord, error) {
	return l.store.ListByUser(ctx, userID)
}

// StalePending returns claims pending for longer than grace.
func (l *Ledger) StalePending(ctx context.Context, grace time.Duration, limit int) ([]*models.ClaimRecord, error) {
	return l.store.ListStalePending(ctx, l.now().Add(-grace), limit)
}

// Summary recomputes the user's settled balance from claim records.
func (l *Ledger) Summary(ctx context.Context, userID uuid.UUID) (*Summary, error) {
	return l.store.Summary(ctx, userID)
}

func (l *Ledger) Leaderboard(ctx context.Context, limit int) ([]*LeaderboardEntry, error) {
	return l.store.Leaderboard(ctx, limit)
}
