package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/cryptiq/backend/internal/models"
	"github.com/cryptiq/backend/internal/services"
)

// ReconcileClaimsArgs is the periodic sweep over stale pending claims.
type ReconcileClaimsArgs struct{}

func (ReconcileClaimsArgs) Kind() string { return "reconcile_claims" }

func (ReconcileClaimsArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{UniqueOpts: river.UniqueOpts{ByArgs: true, ByState: settleUniqueStates}}
}

// StaleClaims lists claims pending longer than grace.
type StaleClaims interface {
	StalePending(ctx context.Context, grace time.Duration, limit int) ([]*models.ClaimRecord, error)
}

// Reconciler resolves a pending claim without submitting a transfer.
type Reconciler interface {
	Reconcile(ctx context.Context, claimID uuid.UUID) (*models.ClaimRecord, error)
}

// RequeueFunc re-inserts the settle job for a claim attempt.
type RequeueFunc func(ctx context.Context, claimID uuid.UUID, attempt int) error

type ReconcileClaimsWorker struct {
	river.WorkerDefaults[ReconcileClaimsArgs]
	stale      StaleClaims
	reconciler Reconciler
	requeue    RequeueFunc
	grace        time.Duration
	claimTimeout time.Duration
	batch        int
	log          *slog.Logger
}

// NewReconcileClaimsWorker builds the sweep. claimTimeout bounds the work
// spent on any single claim so one slow ledger call cannot use up the run.
func NewReconcileClaimsWorker(stale StaleClaims, r Reconciler, requeue RequeueFunc, grace, claimTimeout time.Duration, log *slog.Logger) *ReconcileClaimsWorker {
	if log == nil {
		log = slog.Default()
	}
	return &ReconcileClaimsWorker{
		stale:        stale,
		reconciler:   r,
		requeue:      requeue,
		grace:        grace,
		claimTimeout: claimTimeout,
		batch:        100,
		log:          log,
	}
}

func (w *ReconcileClaimsWorker) Work(ctx context.Context, job *river.Job[ReconcileClaimsArgs]) error {
	list, err := w.stale.StalePending(ctx, w.grace, w.batch)
	if err != nil {
		return fmt.Errorf("list stale claims: %w", err)
	}
	var settled, failed, unresolved, requeued int
	for i, c := range list {
		if ctx.Err() != nil {
			w.log.Warn("reconcile run out of time", "remaining", len(list)-i)
			break
		}
		claimCtx, cancel := context.WithTimeout(ctx, w.claimTimeout)
		got, err := w.reconciler.Reconcile(claimCtx, c.ID)
		cancel()
		switch {
		case errors.Is(err, services.ErrNotSubmitted):
			if err := w.requeue(ctx, c.ID, c.Attempts); err != nil {
				w.log.Error("requeue settlement failed", "claim_id", c.ID, "error", err)
				continue
			}
			requeued++
		case err != nil:
			unresolved++
			w.log.Warn("stale claim still unresolved", "claim_id", c.ID, "pending_since", c.UpdatedAt, "error", err)
		case got.State == models.ClaimSettled:
			settled++
		case got.State == models.ClaimFailed:
			failed++
		}
	}
	if len(list) > 0 {
		w.log.Info("reconciled stale claims",
			"scanned", len(list), "settled", settled, "failed", failed, "requeued", requeued, "unresolved", unresolved)
	}
	return nil
}

// Timeout covers a full batch at the per-claim bound plus the listing query.
func (w *ReconcileClaimsWorker) Timeout(*river.Job[ReconcileClaimsArgs]) time.Duration {
	return time.Duration(w.batch)*w.claimTimeout + time.Minute
}
