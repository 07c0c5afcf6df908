// Package chaintest provides a scriptable in-memory chain.Client.
package chaintest

import (
	"context"
	"fmt"
	"sync"

	"github.com/cryptiq/backend/internal/chain"
)

// Transfer is one submission seen by the fake.
type Transfer struct {
	Reference string
	Request   chain.TransferRequest
}

// Ledger honours idempotency keys like the real gateway: resubmitting a key
// returns the original reference without a second transfer.
type Ledger struct {
	mu sync.Mutex

	Balance int64
	// Status is returned by QueryStatus for every reference unless
	// StatusByRef overrides it.
	Status      chain.TransferStatus
	StatusByRef map[string]chain.TransferStatus

	// Injected errors, consumed in order per method.
	EnsureErrs []error
	SubmitErrs []error
	QueryErrs  []error
	LookupErrs []error
	// SubmitLost makes SubmitTransfer record the transfer but report
	// ErrTransient, as if the response was lost.
	SubmitLost int

	transfers []Transfer
	byKey     map[string]string
	queries   int
}

func New(balance int64) *Ledger {
	return &Ledger{
		Balance:     balance,
		Status:      chain.StatusConfirmed,
		StatusByRef: make(map[string]chain.TransferStatus),
		byKey:       make(map[string]string),
	}
}

var _ chain.Client = (*Ledger)(nil)

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (l *Ledger) EnsureAccount(_ context.Context, owner string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := pop(&l.EnsureErrs); err != nil {
		return "", err
	}
	return "ata-" + owner, nil
}

func (l *Ledger) SubmitTransfer(_ context.Context, req chain.TransferRequest) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := pop(&l.SubmitErrs); err != nil {
		return "", err
	}
	if ref, ok := l.byKey[req.IdempotencyKey]; ok {
		return ref, nil
	}
	if l.Balance < req.Amount {
		return "", chain.ErrInsufficientFunds
	}
	ref := fmt.Sprintf("SIG%d", len(l.transfers)+1)
	l.Balance -= req.Amount
	l.transfers = append(l.transfers, Transfer{Reference: ref, Request: req})
	l.byKey[req.IdempotencyKey] = ref
	if l.SubmitLost > 0 {
		l.SubmitLost--
		return "", fmt.Errorf("%w: response lost", chain.ErrTransient)
	}
	return ref, nil
}

func (l *Ledger) QueryStatus(_ context.Context, reference string) (chain.TransferStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queries++
	if err := pop(&l.QueryErrs); err != nil {
		return chain.StatusUnknown, err
	}
	if s, ok := l.StatusByRef[reference]; ok {
		return s, nil
	}
	return l.Status, nil
}

func (l *Ledger) LookupTransfer(_ context.Context, key string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := pop(&l.LookupErrs); err != nil {
		return "", err
	}
	ref, ok := l.byKey[key]
	if !ok {
		return "", chain.ErrNotFound
	}
	return ref, nil
}

func (l *Ledger) FundingBalance(context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Balance, nil
}

// Transfers returns every distinct transfer submitted.
func (l *Ledger) Transfers() []Transfer {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Transfer, len(l.transfers))
	copy(out, l.transfers)
	return out
}

// Queries counts QueryStatus calls.
func (l *Ledger) Queries() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queries
}
