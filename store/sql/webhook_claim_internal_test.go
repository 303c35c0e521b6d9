package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	integrations "github.com/podiumlab/tri-integrations"
	"github.com/podiumlab/tri-integrations/core"
)

func newClaimTestDB(t *testing.T) *bun.DB {
	t.Helper()

	dsn := fmt.Sprintf(
		"file:claim-test-%d?mode=memory&cache=shared&_foreign_keys=on",
		time.Now().UnixNano(),
	)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	db := bun.NewDB(sqlDB, sqlitedialect.New())
	schema, err := fs.ReadFile(
		integrations.GetMigrationsFS(),
		"data/sql/migrations/sqlite/20260210000000_integrations_schema.up.sql",
	)
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}
	if _, err := db.ExecContext(context.Background(), string(schema)); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

// Two pollers can select the same pending id before either claim commits.
// The losing claimant's update must transition nothing: its candidate row
// is already processing with an active visibility window.
func TestClaimTransitionSkipsRowsAnotherClaimantWon(t *testing.T) {
	db := newClaimTestDB(t)
	store, err := NewWebhookJobStore(db)
	if err != nil {
		t.Fatalf("new webhook job store: %v", err)
	}
	ctx := context.Background()

	job, err := store.Enqueue(ctx, core.ProviderStrava, map[string]any{
		"object_type": "activity",
		"object_id":   float64(4),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Both claimants see the job as due and stage the same candidate set.
	staleIDs := []string{job.ID}

	winners, err := store.ClaimBatch(ctx, 5, time.Minute)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if len(winners) != 1 || winners[0].ID != job.ID {
		t.Fatalf("expected first claimant to win job, got %+v", winners)
	}

	now := time.Now().UTC()
	reclaimed, err := store.claimByIDs(ctx, db, staleIDs, now, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("competing claim: %v", err)
	}
	if len(reclaimed) != 0 {
		t.Fatalf("job handed to two claimants: %+v", reclaimed)
	}

	record := &webhookJobRecord{}
	err = db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", job.ID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		t.Fatalf("load job: %v", err)
	}
	if record.Status != string(core.WebhookJobProcessing) {
		t.Fatalf("expected job to stay processing, got %q", record.Status)
	}
	if record.ClaimedUntil == nil || !record.ClaimedUntil.After(now.Add(-time.Second)) {
		t.Fatalf("winner's visibility window was disturbed: %v", record.ClaimedUntil)
	}
}

// A stale candidate set still wins rows whose visibility has lapsed; the
// re-check must not block legitimate reclaims of abandoned jobs.
func TestClaimTransitionReclaimsExpiredCandidates(t *testing.T) {
	db := newClaimTestDB(t)
	store, err := NewWebhookJobStore(db)
	if err != nil {
		t.Fatalf("new webhook job store: %v", err)
	}
	ctx := context.Background()

	job, err := store.Enqueue(ctx, core.ProviderPolar, map[string]any{"event": "EXERCISE"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	past := time.Now().UTC().Add(-time.Minute)
	_, err = db.NewUpdate().
		Model((*webhookJobRecord)(nil)).
		Set("status = ?", string(core.WebhookJobProcessing)).
		Set("claimed_until = ?", past).
		Where("id = ?", job.ID).
		Exec(ctx)
	if err != nil {
		t.Fatalf("expire visibility: %v", err)
	}

	now := time.Now().UTC()
	claimed, err := store.claimByIDs(ctx, db, []string{job.ID}, now, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != job.ID {
		t.Fatalf("expected expired job to be reclaimed, got %+v", claimed)
	}
}
