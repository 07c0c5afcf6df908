// Package claimstest provides an in-memory claims.Store with the same
// conditional-write semantics as the Postgres repository.
package claimstest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/cryptiq/backend/internal/claims"
	"github.com/cryptiq/backend/internal/models"
)

type key struct {
	user uuid.UUID
	ref  models.AchievementRef
}

// MemStore is safe for concurrent use. Each method holds the lock for the
// whole read-compare-write, standing in for the database's row lock.
type MemStore struct {
	mu     sync.Mutex
	byID   map[uuid.UUID]*models.ClaimRecord
	byKey  map[key]uuid.UUID
	Now    func() time.Time
	FailOn map[string]error // method name -> injected error
}

var _ claims.Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		byID:   make(map[uuid.UUID]*models.ClaimRecord),
		byKey:  make(map[key]uuid.UUID),
		Now:    time.Now,
		FailOn: make(map[string]error),
	}
}

// Put seeds a record as-is (e.g. an unclaimed row created from a completion).
func (m *MemStore) Put(c *models.ClaimRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.byID[c.ID] = &cp
	m.byKey[key{c.UserID, c.Achievement}] = c.ID
}

// Backdate moves a record's updated_at into the past.
func (m *MemStore) Backdate(id uuid.UUID, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.byID[id]; ok {
		c.UpdatedAt = c.UpdatedAt.Add(-d)
	}
}

// All returns copies of every record.
func (m *MemStore) All() []*models.ClaimRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.ClaimRecord, 0, len(m.byID))
	for _, c := range m.byID {
		cp := *c
		out = append(out, &cp)
	}
	return out
}

func (m *MemStore) injected(method string) error {
	return m.FailOn[method]
}

func (m *MemStore) TryBegin(_ context.Context, _ pgx.Tx, c *models.ClaimRecord) (*models.ClaimRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("TryBegin"); err != nil {
		return nil, false, err
	}
	k := key{c.UserID, c.Achievement}
	id, exists := m.byKey[k]
	if !exists {
		cp := *c
		m.byID[cp.ID] = &cp
		m.byKey[k] = cp.ID
		out := cp
		return &out, true, nil
	}
	cur := m.byID[id]
	if !cur.State.Claimable() {
		out := *cur
		return &out, false, nil
	}
	cur.State = models.ClaimPending
	cur.RecipientAddress = c.RecipientAddress
	cur.Attempts++
	cur.PendingReference = ""
	cur.LastError = ""
	cur.UpdatedAt = c.UpdatedAt
	out := *cur
	return &out, true, nil
}

func (m *MemStore) MarkSettled(_ context.Context, id uuid.UUID, reference string) (*models.ClaimRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("MarkSettled"); err != nil {
		return nil, false, err
	}
	cur, ok := m.byID[id]
	if !ok {
		return nil, false, claims.ErrNotFound
	}
	if cur.State != models.ClaimPending {
		out := *cur
		return &out, false, nil
	}
	now := m.Now().UTC()
	cur.State = models.ClaimSettled
	cur.SettlementReference = reference
	cur.PendingReference = reference
	cur.LastError = ""
	cur.SettledAt = &now
	cur.UpdatedAt = now
	out := *cur
	return &out, true, nil
}

func (m *MemStore) MarkFailed(_ context.Context, id uuid.UUID, reason string) (*models.ClaimRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("MarkFailed"); err != nil {
		return nil, false, err
	}
	cur, ok := m.byID[id]
	if !ok {
		return nil, false, claims.ErrNotFound
	}
	if cur.State != models.ClaimPending {
		out := *cur
		return &out, false, nil
	}
	cur.State = models.ClaimFailed
	cur.LastError = reason
	cur.UpdatedAt = m.Now().UTC()
	out := *cur
	return &out, true, nil
}

func (m *MemStore) RecordSubmission(_ context.Context, id uuid.UUID, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("RecordSubmission"); err != nil {
		return err
	}
	cur, ok := m.byID[id]
	if !ok || cur.State != models.ClaimPending {
		return claims.ErrInvalidTransition
	}
	cur.PendingReference = reference
	cur.UpdatedAt = m.Now().UTC()
	return nil
}

func (m *MemStore) TouchPending(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("TouchPending"); err != nil {
		return err
	}
	if cur, ok := m.byID[id]; ok && cur.State == models.ClaimPending {
		cur.UpdatedAt = m.Now().UTC()
	}
	return nil
}

// GetByID honours ctx like a pgx query does.
func (m *MemStore) GetByID(ctx context.Context, id uuid.UUID) (*models.ClaimRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("GetByID"); err != nil {
		return nil, err
	}
	cur, ok := m.byID[id]
	if !ok {
		return nil, claims.ErrNotFound
	}
	out := *cur
	return &out, nil
}

func (m *MemStore) GetByKey(_ context.Context, userID uuid.UUID, ref models.AchievementRef) (*models.ClaimRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[key{userID, ref}]
	if !ok {
		return nil, claims.ErrNotFound
	}
	out := *m.byID[id]
	return &out, nil
}

func (m *MemStore) ListByUser(_ context.Context, userID uuid.UUID) ([]*models.ClaimRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ClaimRecord
	for _, c := range m.byID {
		if c.UserID == userID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemStore) ListStalePending(_ context.Context, updatedBefore time.Time, limit int) ([]*models.ClaimRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ClaimRecord
	for _, c := range m.byID {
		if c.State == models.ClaimPending && c.UpdatedAt.Before(updatedBefore) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) Summary(_ context.Context, userID uuid.UUID) (*claims.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &claims.Summary{UserID: userID, Counts: make(map[models.ClaimState]int)}
	for _, c := range m.byID {
		if c.UserID != userID {
			continue
		}
		s.Counts[c.State]++
		if c.State == models.ClaimSettled {
			s.SettledTotal += c.Amount
		}
	}
	return s, nil
}

func (m *MemStore) Leaderboard(_ context.Context, limit int) ([]*claims.LeaderboardEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	totals := make(map[uuid.UUID]*claims.LeaderboardEntry)
	for _, c := range m.byID {
		if c.State != models.ClaimSettled {
			continue
		}
		e, ok := totals[c.UserID]
		if !ok {
			e = &claims.LeaderboardEntry{UserID: c.UserID}
			totals[c.UserID] = e
		}
		e.SettledTotal += c.Amount
		e.ClaimCount++
	}
	out := make([]*claims.LeaderboardEntry, 0, len(totals))
	for _, e := range totals {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SettledTotal != out[j].SettledTotal {
			return out[i].SettledTotal > out[j].SettledTotal
		}
		return out[i].UserID.String() < out[j].UserID.String()
	})
	if len(out) > limit {
		out = out[:limit]
	}
	for i, e := range out {
		e.Rank = i + 1
	}
	return out, nil
}
