package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/cryptiq/backend/internal/claims"
	"github.com/cryptiq/backend/internal/models"
)

// ClaimStatus is the client-facing outcome of a claim request.
type ClaimStatus string

const (
	ClaimEligible       ClaimStatus = "eligible"
	ClaimAlreadyPending ClaimStatus = "already_pending"
	ClaimAlreadySettled ClaimStatus = "already_settled"
	ClaimIneligible     ClaimStatus = "ineligible"
	ClaimNotCompleted   ClaimStatus = "not_completed"
	// ClaimUnavailable is only used inside bulk results, for an item that
	// hit a retryable error.
	ClaimUnavailable ClaimStatus = "unavailable"
)

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// EligibilityChecker is implemented by Evaluator.
type EligibilityChecker interface {
	Evaluate(ctx context.Context, userID uuid.UUID, ref models.AchievementRef) (*Eligibility, error)
	Completed(ctx context.Context, userID uuid.UUID) ([]models.AchievementRef, error)
}

// ClaimGate is the ledger's exclusivity gate.
type ClaimGate interface {
	BeginClaim(ctx context.Context, tx pgx.Tx, req claims.BeginRequest) (*claims.BeginResult, error)
}

// EnqueueSettlementFunc inserts the settlement job for a claim attempt in tx.
type EnqueueSettlementFunc func(ctx context.Context, tx pgx.Tx, claimID uuid.UUID, attempt int) error

// ClaimOutcome is the result of one claim request.
type ClaimOutcome struct {
	Status      ClaimStatus
	Reason      string
	Achievement models.AchievementRef
	// Claim is set for eligible, already_pending and already_settled.
	Claim *models.ClaimRecord
}

// BulkOutcome is the result of claiming every completed achievement.
type BulkOutcome struct {
	Results      []*ClaimOutcome
	StartedTotal int64
}

// ClaimService runs evaluate -> begin -> enqueue for claim requests.
type ClaimService struct {
	pool     TxBeginner
	eligible EligibilityChecker
	gate     ClaimGate
	enqueue  EnqueueSettlementFunc
	log      *slog.Logger
}

func NewClaimService(pool TxBeginner, eligible EligibilityChecker, gate ClaimGate, enqueue EnqueueSettlementFunc, log *slog.Logger) *ClaimService {
	if log == nil {
		log = slog.Default()
	}
	return &ClaimService{pool: pool, eligible: eligible, gate: gate, enqueue: enqueue, log: log}
}

// Claim evaluates the achievement and, when eligible, opens the claim and
// enqueues its settlement in one transaction. The amount always comes from
// the evaluator.
func (s *ClaimService) Claim(ctx context.Context, userID uuid.UUID, ref models.AchievementRef, recipient string) (*ClaimOutcome, error) {
	e, err := s.eligible.Evaluate(ctx, userID, ref)
	if err != nil {
		return nil, err
	}
	switch e.Status {
	case StatusNotCompleted:
		return &ClaimOutcome{Status: ClaimNotCompleted, Achievement: ref}, nil
	case StatusIneligible:
		return &ClaimOutcome{Status: ClaimIneligible, Reason: e.Reason, Achievement: ref}, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	res, err := s.gate.BeginClaim(ctx, tx, claims.BeginRequest{
		UserID:           userID,
		Achievement:      ref,
		RecipientAddress: recipient,
		Amount:           e.Amount,
	})
	if err != nil {
		return nil, err
	}
	switch res.Status {
	case claims.AlreadyPending:
		return &ClaimOutcome{Status: ClaimAlreadyPending, Achievement: ref, Claim: res.Claim}, nil
	case claims.AlreadySettled:
		return &ClaimOutcome{Status: ClaimAlreadySettled, Achievement: ref, Claim: res.Claim}, nil
	}

	if err := s.enqueue(ctx, tx, res.Claim.ID, res.Claim.Attempts); err != nil {
		return nil, fmt.Errorf("enqueue settlement: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return &ClaimOutcome{Status: ClaimEligible, Achievement: ref, Claim: res.Claim}, nil
}

// ClaimPending claims every achievement the user has completed. Each item
// goes through its own gate and settlement.
func (s *ClaimService) ClaimPending(ctx context.Context, userID uuid.UUID, recipient string) (*BulkOutcome, error) {
	refs, err := s.eligible.Completed(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := &BulkOutcome{Results: make([]*ClaimOutcome, 0, len(refs))}
	for _, ref := range refs {
		o, err := s.Claim(ctx, userID, ref, recipient)
		if err != nil {
			if errors.Is(err, ErrUnknownAchievement) {
				continue
			}
			s.log.Warn("bulk claim item failed", "user_id", userID, "achievement", ref.String(), "error", err)
			o = &ClaimOutcome{Status: ClaimUnavailable, Achievement: ref}
		}
		if o.Status == ClaimEligible {
			out.StartedTotal += o.Claim.Amount
		}
		out.Results = append(out.Results, o)
	}
	return out, nil
}
