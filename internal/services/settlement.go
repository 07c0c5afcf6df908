package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cryptiq/backend/internal/chain"
	"github.com/cryptiq/backend/internal/models"
)

var (
	// ErrOutcomeUnknown means a transfer was submitted but its fate could not
	// be determined in time. The claim stays pending.
	ErrOutcomeUnknown = errors.New("settlement outcome unknown")
	// ErrInsufficientFunding means the funding account cannot cover the
	// reward. Retryable; operators are alerted.
	ErrInsufficientFunding = errors.New("funding account cannot cover reward")
	// ErrNotSubmitted is returned by Reconcile when no transfer exists for
	// the claim's current attempt.
	ErrNotSubmitted = errors.New("no transfer submitted for claim")
)

const touchTimeout = 5 * time.Second

// ClaimLedger is the subset of the claims ledger the executor drives.
type ClaimLedger interface {
	Get(ctx context.Context, id uuid.UUID) (*models.ClaimRecord, error)
	CompleteClaim(ctx context.Context, id uuid.UUID, reference string) (*models.ClaimRecord, error)
	FailClaim(ctx context.Context, id uuid.UUID, reason string) (*models.ClaimRecord, error)
	RecordSubmission(ctx context.Context, id uuid.UUID, reference string) error
	TouchPending(ctx context.Context, id uuid.UUID) error
}

// SettlementConfig bounds confirmation polling.
type SettlementConfig struct {
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

// Executor drives one pending claim to a terminal state against the
// external ledger. It never submits a second transfer for an attempt
// whose first submission might have landed.
type Executor struct {
	claims ClaimLedger
	chain  chain.Client
	cfg    SettlementConfig
	log    *slog.Logger
}

func NewExecutor(claims ClaimLedger, client chain.Client, cfg SettlementConfig, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{claims: claims, chain: client, cfg: cfg, log: log}
}

// Settle runs the full settlement for one attempt of a claim. A claim that
// is no longer pending, or has moved on to another attempt, is returned
// unchanged. A returned error means the claim is still pending and the run
// may be retried.
func (e *Executor) Settle(ctx context.Context, claimID uuid.UUID, attempt int) (*models.ClaimRecord, error) {
	c, err := e.claims.Get(ctx, claimID)
	if err != nil {
		return nil, fmt.Errorf("settle %s: %w", claimID, err)
	}
	if c.State != models.ClaimPending {
		return c, nil
	}
	if e.staleAttempt(c, attempt) {
		return c, nil
	}
	log := e.log.With("claim_id", c.ID, "user_id", c.UserID, "achievement", c.Achievement.String(), "attempt", c.Attempts)

	ref, err := e.findSubmission(ctx, c)
	if err != nil {
		return c, fmt.Errorf("settle %s: %w", claimID, err)
	}
	if ref != "" {
		log.Info("resolving existing submission", "reference", ref)
		return e.resolve(ctx, c, ref)
	}

	balance, err := e.chain.FundingBalance(ctx)
	if err != nil {
		return c, fmt.Errorf("settle %s: %w", claimID, err)
	}
	if balance < c.Amount {
		log.Error("ALERT: funding account balance too low for reward",
			"balance", balance, "amount", c.Amount)
		return c, fmt.Errorf("settle %s: %w", claimID, ErrInsufficientFunding)
	}

	account, err := e.chain.EnsureAccount(ctx, c.RecipientAddress)
	if err != nil {
		if errors.Is(err, chain.ErrRejected) {
			return e.fail(ctx, c, "recipient account: "+err.Error())
		}
		return c, fmt.Errorf("settle %s: %w", claimID, err)
	}

	ref, err = e.chain.SubmitTransfer(ctx, chain.TransferRequest{
		To:             account,
		Amount:         c.Amount,
		IdempotencyKey: c.TransferKey(),
	})
	switch {
	case err == nil:
	case errors.Is(err, chain.ErrRejected):
		return e.fail(ctx, c, "transfer rejected: "+err.Error())
	case errors.Is(err, chain.ErrInsufficientFunds):
		log.Error("ALERT: ledger refused transfer for insufficient funds", "amount", c.Amount, "error", err)
		return c, fmt.Errorf("settle %s: %w", claimID, ErrInsufficientFunding)
	default:
		// The transfer may have landed; the next run looks it up by key.
		return c, fmt.Errorf("settle %s: submit: %w", claimID, err)
	}
	log.Info("transfer submitted", "reference", ref, "amount", c.Amount)

	if err := e.claims.RecordSubmission(ctx, c.ID, ref); err != nil {
		log.Warn("record submission failed, continuing to confirm", "reference", ref, "error", err)
	}
	return e.resolve(ctx, c, ref)
}

// Reconcile checks a stale pending claim once, without submitting or
// polling. ErrNotSubmitted means no transfer exists for the current attempt
// and the claim needs a fresh settlement run. A claim whose transfer is
// still unresolved is touched so the next sweep looks at other claims first.
func (e *Executor) Reconcile(ctx context.Context, claimID uuid.UUID) (*models.ClaimRecord, error) {
	c, err := e.claims.Get(ctx, claimID)
	if err != nil {
		return nil, fmt.Errorf("reconcile %s: %w", claimID, err)
	}
	if c.State != models.ClaimPending {
		return c, nil
	}
	ref, err := e.findSubmission(ctx, c)
	if err != nil {
		return c, fmt.Errorf("reconcile %s: %w", claimID, err)
	}
	if ref == "" {
		return c, ErrNotSubmitted
	}

	status, qerr := e.chain.QueryStatus(ctx, ref)
	if out, done, err := e.apply(ctx, c, ref, status); done {
		return out, err
	}
	// The query may have used up ctx; the touch still has to land.
	touchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), touchTimeout)
	defer cancel()
	if err := e.claims.TouchPending(touchCtx, c.ID); err != nil {
		e.log.Warn("touch unresolved claim failed", "claim_id", c.ID, "error", err)
	}
	if qerr != nil {
		return c, fmt.Errorf("reconcile %s: %w: reference %s: %v", c.ID, ErrOutcomeUnknown, ref, qerr)
	}
	return c, fmt.Errorf("reconcile %s: %w: reference %s", c.ID, ErrOutcomeUnknown, ref)
}

// Abandon is called when settlement retries for an attempt are exhausted.
// A claim with no trace of a submission is failed so the user can retry; a
// claim that may have a transfer in flight stays pending for the reconciler.
func (e *Executor) Abandon(ctx context.Context, claimID uuid.UUID, attempt int, cause error) (*models.ClaimRecord, error) {
	c, err := e.claims.Get(ctx, claimID)
	if err != nil {
		return nil, fmt.Errorf("abandon %s: %w", claimID, err)
	}
	if c.State != models.ClaimPending {
		return c, nil
	}
	if e.staleAttempt(c, attempt) {
		return c, nil
	}
	ref, err := e.findSubmission(ctx, c)
	if err != nil {
		e.log.Warn("cannot rule out a submission, leaving claim pending",
			"claim_id", c.ID, "error", err)
		return c, nil
	}
	if ref != "" {
		e.log.Warn("retries exhausted with transfer in flight, leaving claim pending",
			"claim_id", c.ID, "reference", ref)
		return c, nil
	}
	reason := "settlement retries exhausted"
	if cause != nil {
		reason += ": " + cause.Error()
	}
	return e.fail(ctx, c, reason)
}

// staleAttempt reports whether a job for an older attempt reached a claim
// that has since been retried.
func (e *Executor) staleAttempt(c *models.ClaimRecord, attempt int) bool {
	if c.Attempts == attempt {
		return false
	}
	e.log.Info("skipping job for superseded attempt",
		"claim_id", c.ID, "job_attempt", attempt, "claim_attempt", c.Attempts)
	return true
}

// findSubmission returns the reference of a transfer already submitted for
// the claim's current attempt, or "" if there is none.
func (e *Executor) findSubmission(ctx context.Context, c *models.ClaimRecord) (string, error) {
	if c.PendingReference != "" {
		return c.PendingReference, nil
	}
	ref, err := e.chain.LookupTransfer(ctx, c.TransferKey())
	if errors.Is(err, chain.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup transfer: %w", err)
	}
	if err := e.claims.RecordSubmission(ctx, c.ID, ref); err != nil {
		e.log.Warn("record recovered submission failed", "claim_id", c.ID, "reference", ref, "error", err)
	}
	return ref, nil
}

// resolve polls the ledger until the transfer is confirmed or rejected, or
// the confirmation window closes.
func (e *Executor) resolve(ctx context.Context, c *models.ClaimRecord, ref string) (*models.ClaimRecord, error) {
	pollCtx, cancel := context.WithTimeout(ctx, e.cfg.ConfirmTimeout)
	defer cancel()

	var lastErr error
	for {
		status, err := e.chain.QueryStatus(pollCtx, ref)
		if err != nil {
			lastErr = err
		}
		if out, done, err := e.apply(ctx, c, ref, status); done {
			return out, err
		}

		select {
		case <-pollCtx.Done():
			e.log.Warn("confirmation window closed, claim stays pending",
				"claim_id", c.ID, "reference", ref, "last_error", lastErr)
			return c, fmt.Errorf("settle %s: %w: reference %s", c.ID, ErrOutcomeUnknown, ref)
		case <-time.After(e.cfg.PollInterval):
		}
	}
}

// apply records a terminal ledger status on the claim. done is false while
// the transfer is still unresolved.
func (e *Executor) apply(ctx context.Context, c *models.ClaimRecord, ref string, status chain.TransferStatus) (*models.ClaimRecord, bool, error) {
	switch status {
	case chain.StatusConfirmed:
		settled, err := e.claims.CompleteClaim(ctx, c.ID, ref)
		if err != nil {
			return c, true, fmt.Errorf("settle %s: %w", c.ID, err)
		}
		return settled, true, nil
	case chain.StatusRejected:
		out, err := e.fail(ctx, c, "transfer "+ref+" rejected by ledger")
		return out, true, err
	}
	return c, false, nil
}

func (e *Executor) fail(ctx context.Context, c *models.ClaimRecord, reason string) (*models.ClaimRecord, error) {
	failed, err := e.claims.FailClaim(ctx, c.ID, reason)
	if err != nil {
		return c, fmt.Errorf("settle %s: %w", c.ID, err)
	}
	return failed, nil
}
