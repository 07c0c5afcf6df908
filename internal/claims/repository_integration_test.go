//go:build integration

package claims_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cryptiq/backend/internal/claims"
	"github.com/cryptiq/backend/internal/db"
	"github.com/cryptiq/backend/internal/models"
)

// Run with: TEST_DATABASE_URL=postgres://... go test -tags integration ./internal/claims/

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return pool
}

func TestRepository_ConcurrentBeginOneWinner(t *testing.T) {
	pool := testPool(t)
	ledger := claims.NewLedger(claims.NewRepository(pool), quietLog())
	req := beginReq(uuid.New(), models.AchievementQuiz, 1)

	const callers = 16
	results := make([]*claims.BeginResult, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = ledger.BeginClaim(context.Background(), nil, req)
		}(i)
	}
	close(start)
	wg.Wait()

	started := 0
	var winner uuid.UUID
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		switch results[i].Status {
		case claims.Started:
			started++
			winner = results[i].Claim.ID
		case claims.AlreadyPending:
		default:
			t.Errorf("caller %d: unexpected status %s", i, results[i].Status)
		}
	}
	if started != 1 {
		t.Fatalf("expected exactly one started claim, got %d", started)
	}
	for i := range results {
		if results[i].Claim.ID != winner {
			t.Errorf("caller %d sees claim %s, want the winner %s", i, results[i].Claim.ID, winner)
		}
	}
}

func TestRepository_RetryAfterFailureBumpsAttempt(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	ledger := claims.NewLedger(claims.NewRepository(pool), quietLog())
	req := beginReq(uuid.New(), models.AchievementLabTask, 7)

	first, err := ledger.BeginClaim(ctx, nil, req)
	if err != nil {
		t.Fatalf("BeginClaim: %v", err)
	}
	if err := ledger.RecordSubmission(ctx, first.Claim.ID, "SIG-lost"); err != nil {
		t.Fatalf("RecordSubmission: %v", err)
	}
	if _, err := ledger.FailClaim(ctx, first.Claim.ID, "transfer rejected"); err != nil {
		t.Fatalf("FailClaim: %v", err)
	}

	second, err := ledger.BeginClaim(ctx, nil, req)
	if err != nil {
		t.Fatalf("BeginClaim retry: %v", err)
	}
	c := second.Claim
	if second.Status != claims.Started || c.ID != first.Claim.ID || c.Attempts != 2 {
		t.Fatalf("expected attempt 2 on the same row, got %s id=%s attempts=%d", second.Status, c.ID, c.Attempts)
	}
	if c.PendingReference != "" || c.LastError != "" {
		t.Errorf("retry must clear the previous attempt: ref=%q err=%q", c.PendingReference, c.LastError)
	}
	if c.TransferKey() == first.Claim.TransferKey() {
		t.Error("retry must use a new transfer key")
	}
}

func TestRepository_TouchPendingLeavesStaleQueue(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	ledger := claims.NewLedger(claims.NewRepository(pool), quietLog())

	res, err := ledger.BeginClaim(ctx, nil, beginReq(uuid.New(), models.AchievementQuiz, 2))
	if err != nil {
		t.Fatalf("BeginClaim: %v", err)
	}
	id := res.Claim.ID
	if _, err := pool.Exec(ctx, `UPDATE reward_claims SET updated_at = now() - interval '1 hour' WHERE id = $1`, id); err != nil {
		t.Fatalf("backdate: %v", err)
	}
	if !containsClaim(t, ledger, id) {
		t.Fatal("backdated claim should be stale")
	}

	if err := ledger.TouchPending(ctx, id); err != nil {
		t.Fatalf("TouchPending: %v", err)
	}
	if containsClaim(t, ledger, id) {
		t.Error("touched claim should leave the stale queue")
	}
}

func containsClaim(t *testing.T, l *claims.Ledger, id uuid.UUID) bool {
	t.Helper()
	list, err := l.StalePending(context.Background(), 10*time.Minute, 1000)
	if err != nil {
		t.Fatalf("StalePending: %v", err)
	}
	for _, c := range list {
		if c.ID == id {
			return true
		}
	}
	return false
}
