package models

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ClaimState is the lifecycle state of a reward claim.
type ClaimState string

const (
	ClaimUnclaimed ClaimState = "unclaimed"
	ClaimPending   ClaimState = "pending"
	ClaimSettled   ClaimState = "settled"
	ClaimFailed    ClaimState = "failed"
)

// Claimable reports whether a claim in this state may move to pending.
func (s ClaimState) Claimable() bool {
	return s == ClaimUnclaimed || s == ClaimFailed
}

// ClaimRecord is the settlement state for one (user, achievement) pair.
type ClaimRecord struct {
	ID          uuid.UUID      `json:"id"`
	UserID      uuid.UUID      `json:"user_id"`
	Achievement AchievementRef `json:"achievement"`
	State       ClaimState     `json:"state"`
	// Amount is in the token's smallest indivisible unit.
	Amount           int64  `json:"amount"`
	RecipientAddress string `json:"recipient_address"`
	// Attempts counts transitions into pending; it scopes the transfer
	// idempotency key so a retry after a rejection is a new transfer.
	Attempts            int        `json:"attempts"`
	PendingReference    string     `json:"pending_reference,omitempty"`
	SettlementReference string     `json:"settlement_reference,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	SettledAt           *time.Time `json:"settled_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// TransferKey is the idempotency key handed to the external ledger for the
// current attempt.
func (c *ClaimRecord) TransferKey() string {
	return c.ID.String() + "-" + strconv.Itoa(c.Attempts)
}
