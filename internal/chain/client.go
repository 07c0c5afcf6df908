// Package chain is the narrow contract to the external token ledger.
package chain

import (
	"context"
	"errors"
)

var (
	// ErrTransient covers network failures, timeouts and rate limits.
	ErrTransient = errors.New("ledger temporarily unavailable")
	// ErrRejected is a definitive refusal of a request.
	ErrRejected = errors.New("ledger rejected request")
	// ErrInsufficientFunds is returned when the funding account cannot
	// cover a transfer.
	ErrInsufficientFunds = errors.New("insufficient funds in funding account")
	// ErrNotFound is returned by LookupTransfer when no transfer carries the key.
	ErrNotFound = errors.New("transfer not found")
)

// TransferStatus is the observed outcome of a submitted transfer.
type TransferStatus string

const (
	StatusConfirmed TransferStatus = "confirmed"
	StatusRejected  TransferStatus = "rejected"
	// StatusUnknown means the ledger has not decided yet, or could not say.
	StatusUnknown TransferStatus = "unknown"
)

// TransferRequest moves Amount base units from the funding account to the
// recipient's token account. IdempotencyKey makes a resubmission with the
// same key return the original transfer.
type TransferRequest struct {
	To             string
	Amount         int64
	IdempotencyKey string
}

// Client is implemented by Gateway and by test fakes.
type Client interface {
	// EnsureAccount returns the recipient's token account for owner,
	// creating it if needed.
	EnsureAccount(ctx context.Context, owner string) (string, error)
	SubmitTransfer(ctx context.Context, req TransferRequest) (string, error)
	QueryStatus(ctx context.Context, reference string) (TransferStatus, error)
	// LookupTransfer finds a transfer previously submitted with key.
	LookupTransfer(ctx context.Context, key string) (string, error)
	// FundingBalance reports the funding account balance in base units.
	FundingBalance(ctx context.Context) (int64, error)
}
