package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// ErrUnknownLabTask is returned when the lab task does not exist or has no flag.
var ErrUnknownLabTask = errors.New("unknown lab task")

// LabStore reads flag hashes and records lab-task completions.
type LabStore interface {
	// GetFlagHash returns "" with a nil error when the task does not exist.
	GetFlagHash(ctx context.Context, taskID int64) (string, error)
	// RecordLabCompletion is idempotent per (user, task).
	RecordLabCompletion(ctx context.Context, userID uuid.UUID, taskID int64) error
}

// FlagChecker verifies submitted lab flags against their bcrypt hashes.
type FlagChecker struct {
	store LabStore
	log   *slog.Logger
}

func NewFlagChecker(store LabStore, log *slog.Logger) *FlagChecker {
	if log == nil {
		log = slog.Default()
	}
	return &FlagChecker{store: store, log: log}
}

// Check compares flag with the task's stored hash. A correct flag records
// a passed completion, which makes the task's reward claimable.
func (f *FlagChecker) Check(ctx context.Context, userID uuid.UUID, taskID int64, flag string) (bool, error) {
	hash, err := f.store.GetFlagHash(ctx, taskID)
	if err != nil {
		return false, fmt.Errorf("%w: flag hash for lab task %d: %v", ErrLookupFailed, taskID, err)
	}
	if hash == "" {
		return false, fmt.Errorf("%w: %d", ErrUnknownLabTask, taskID)
	}
	err = bcrypt.CompareHashAndPassword([]byte(hash), []byte(strings.TrimSpace(flag)))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("compare flag for lab task %d: %w", taskID, err)
	}
	if err := f.store.RecordLabCompletion(ctx, userID, taskID); err != nil {
		return true, fmt.Errorf("%w: record lab completion %d: %v", ErrLookupFailed, taskID, err)
	}
	f.log.Info("lab task completed", "user_id", userID, "lab_task_id", taskID)
	return true, nil
}

// HashFlag produces the stored form of a lab flag.
func HashFlag(flag string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(strings.TrimSpace(flag)), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
