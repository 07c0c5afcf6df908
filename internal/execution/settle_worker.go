package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/cryptiq/backend/internal/claims"
	"github.com/cryptiq/backend/internal/models"
)

// SettleClaimArgs identifies one settlement attempt of a claim. Attempt is
// part of the unique key so a retry after a failure gets its own job while
// duplicate inserts for the same attempt collapse.
type SettleClaimArgs struct {
	ClaimID uuid.UUID `json:"claim_id"`
	Attempt int       `json:"attempt"`
}

func (SettleClaimArgs) Kind() string { return "settle_claim" }

// Completed jobs are left out so the reconciler can re-drive an attempt
// whose job finished without settling the claim.
var settleUniqueStates = []rivertype.JobState{
	rivertype.JobStateAvailable,
	rivertype.JobStatePending,
	rivertype.JobStateRetryable,
	rivertype.JobStateRunning,
	rivertype.JobStateScheduled,
}

func (SettleClaimArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		UniqueOpts: river.UniqueOpts{ByArgs: true, ByState: settleUniqueStates},
	}
}

// Settler defines the contract the worker needs to drive a claim.
type Settler interface {
	Settle(ctx context.Context, claimID uuid.UUID, attempt int) (*models.ClaimRecord, error)
	Abandon(ctx context.Context, claimID uuid.UUID, attempt int, cause error) (*models.ClaimRecord, error)
}

// Backoff is a capped exponential retry schedule.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before the retry that follows attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

type SettleClaimWorker struct {
	river.WorkerDefaults[SettleClaimArgs]
	settler Settler
	backoff Backoff
	timeout time.Duration
	log     *slog.Logger
}

// NewSettleClaimWorker builds the worker. timeout bounds a single run and
// must exceed the executor's confirmation window.
func NewSettleClaimWorker(s Settler, backoff Backoff, timeout time.Duration, log *slog.Logger) *SettleClaimWorker {
	if log == nil {
		log = slog.Default()
	}
	return &SettleClaimWorker{settler: s, backoff: backoff, timeout: timeout, log: log}
}

func (w *SettleClaimWorker) Work(ctx context.Context, job *river.Job[SettleClaimArgs]) error {
	args := job.Args
	c, err := w.settler.Settle(ctx, args.ClaimID, args.Attempt)
	if err == nil {
		w.log.Info("settlement run finished", "claim_id", args.ClaimID, "state", c.State, "job_attempt", job.Attempt)
		return nil
	}
	if errors.Is(err, claims.ErrNotFound) {
		return river.JobCancel(err)
	}
	if job.Attempt < job.MaxAttempts {
		w.log.Warn("settlement run failed, will retry",
			"claim_id", args.ClaimID, "job_attempt", job.Attempt, "max_attempts", job.MaxAttempts, "error", err)
		return err
	}

	c, abandonErr := w.settler.Abandon(ctx, args.ClaimID, args.Attempt, err)
	if abandonErr != nil {
		return fmt.Errorf("settlement failed (%v) AND abandon failed: %w", err, abandonErr)
	}
	w.log.Warn("settlement retries exhausted", "claim_id", args.ClaimID, "state", c.State, "error", err)
	return nil
}

func (w *SettleClaimWorker) NextRetry(job *river.Job[SettleClaimArgs]) time.Time {
	return time.Now().Add(w.backoff.Delay(job.Attempt))
}

func (w *SettleClaimWorker) Timeout(*river.Job[SettleClaimArgs]) time.Duration {
	return w.timeout
}
