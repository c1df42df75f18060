package repo

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/tg-media-archiver/internal/domain"
)

// newTestDB opens a unique in-memory database per test and applies the full
// migration chain, so every test runs against the real schema.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func mustClaim(t *testing.T, db *gorm.DB, chat, msg int64, mt domain.MediaType, host string, now time.Time) *domain.LedgerEntry {
	t.Helper()
	e, _, err := ClaimObservation(context.Background(), db, chat, msg, mt, host, now)
	if err != nil {
		t.Fatalf("claim (%d,%d): %v", chat, msg, err)
	}
	return e
}

func TestClaimObservation_CreatesOnce(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	e1, created, err := ClaimObservation(ctx, db, 100, 5, domain.MediaPhoto, "h1", t0)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if !created {
		t.Fatalf("first claim should create")
	}
	if e1.DownloadStatus != domain.StatusPending {
		t.Fatalf("new entry status = %q, want pending", e1.DownloadStatus)
	}
	if e1.RetrievedHostname != "h1" {
		t.Fatalf("retrieved_hostname = %q, want h1", e1.RetrievedHostname)
	}

	// Second claim, later, different host: returns the winner's row unchanged.
	e2, created, err := ClaimObservation(ctx, db, 100, 5, domain.MediaPhoto, "h2", t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if created {
		t.Fatalf("second claim must not create")
	}
	if e2.RetrievedHostname != "h1" {
		t.Fatalf("retrieved_hostname changed to %q, want h1", e2.RetrievedHostname)
	}
	if !e2.RetrievedAt.Equal(e1.RetrievedAt) {
		t.Fatalf("retrieved_at changed: %v vs %v", e2.RetrievedAt, e1.RetrievedAt)
	}

	var n int64
	if err := db.Model(&domain.LedgerEntry{}).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("ledger rows = %d, want 1", n)
	}
}

func TestClaimObservation_ConcurrentWorkers_ExactlyOneWins(t *testing.T) {
	// File-backed DB: the claim race needs real cross-connection writes.
	path := filepath.Join(t.TempDir(), "race.db")
	db, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	const workers = 8
	now := time.Now().UTC()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		creates int
		hosts   = map[string]bool{}
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			host := fmt.Sprintf("h%d", i)
			e, created, err := ClaimObservation(context.Background(), db, 42, 7, domain.MediaVideo, host, now)
			if err != nil {
				t.Errorf("worker %d: %v", i, err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if created {
				creates++
			}
			hosts[e.RetrievedHostname] = true
		}(i)
	}
	wg.Wait()

	if creates != 1 {
		t.Fatalf("creations = %d, want exactly 1", creates)
	}
	if len(hosts) != 1 {
		t.Fatalf("workers observed %d distinct retrieved hostnames, want 1: %v", len(hosts), hosts)
	}
	var n int64
	if err := db.Model(&domain.LedgerEntry{}).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("ledger rows = %d, want 1", n)
	}
}

func TestRecordOutcome_SuccessSetsProvenanceOnce(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	mustClaim(t, db, 100, 5, domain.MediaPhoto, "h1", t0)
	key := domain.LedgerKey{ChatID: 100, MessageID: 5}

	changed, err := RecordOutcome(ctx, db, key, "h1", "/media/100/5.jpg", domain.OutcomeSuccess, "", t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("record success: %v", err)
	}
	if !changed {
		t.Fatalf("first success must change state")
	}

	e, err := GetEntry(ctx, db, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.DownloadStatus != domain.StatusDownloaded {
		t.Fatalf("status = %q, want downloaded", e.DownloadStatus)
	}
	if e.LocalFilePath == nil || *e.LocalFilePath != "/media/100/5.jpg" {
		t.Fatalf("local_file_path = %v", e.LocalFilePath)
	}
	if e.DownloadHostname == nil || *e.DownloadHostname != "h1" {
		t.Fatalf("download_hostname = %v", e.DownloadHostname)
	}

	attempts, err := AttemptsFor(ctx, db, key)
	if err != nil {
		t.Fatalf("attempts: %v", err)
	}
	if len(attempts) != 1 || attempts[0].RetryCount != 0 || attempts[0].Outcome != domain.OutcomeSuccess {
		t.Fatalf("unexpected attempt log: %+v", attempts)
	}
}

func TestRecordOutcome_StickySuccess(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	mustClaim(t, db, 100, 5, domain.MediaPhoto, "h1", t0)
	key := domain.LedgerKey{ChatID: 100, MessageID: 5}

	if _, err := RecordOutcome(ctx, db, key, "h1", "/media/100/5.jpg", domain.OutcomeSuccess, "", t0); err != nil {
		t.Fatalf("seed success: %v", err)
	}

	// A later duplicate success from another host with a different path
	// must not clobber the recorded provenance.
	changed, err := RecordOutcome(ctx, db, key, "h2", "/other/5.jpg", domain.OutcomeSuccess, "", t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("duplicate success: %v", err)
	}
	if changed {
		t.Fatalf("duplicate success must not change state")
	}

	// Neither may a late failure.
	changed, err = RecordOutcome(ctx, db, key, "h2", "", domain.OutcomeFailure, "boom", t0.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("late failure: %v", err)
	}
	if changed {
		t.Fatalf("failure against downloaded must be a no-op")
	}

	e, _ := GetEntry(ctx, db, key)
	if e.DownloadStatus != domain.StatusDownloaded ||
		e.LocalFilePath == nil || *e.LocalFilePath != "/media/100/5.jpg" ||
		e.DownloadHostname == nil || *e.DownloadHostname != "h1" {
		t.Fatalf("provenance clobbered: %+v", e)
	}

	// No-op calls append nothing: history still has the single success.
	attempts, _ := AttemptsFor(ctx, db, key)
	if len(attempts) != 1 {
		t.Fatalf("attempt log grew on no-ops: %d entries", len(attempts))
	}
}

func TestRecordOutcome_RetryCountsMonotonic(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	mustClaim(t, db, 1, 1, domain.MediaVideo, "h1", t0)
	key := domain.LedgerKey{ChatID: 1, MessageID: 1}

	if _, err := RecordOutcome(ctx, db, key, "h1", "", domain.OutcomeFailure, "timeout", t0.Add(1*time.Minute)); err != nil {
		t.Fatalf("fail 1: %v", err)
	}
	if _, err := RecordOutcome(ctx, db, key, "h2", "", domain.OutcomeFailure, "reset", t0.Add(2*time.Minute)); err != nil {
		t.Fatalf("fail 2: %v", err)
	}
	if _, err := RecordOutcome(ctx, db, key, "h1", "/m/1/1.mp4", domain.OutcomeSuccess, "", t0.Add(3*time.Minute)); err != nil {
		t.Fatalf("success: %v", err)
	}

	attempts, err := AttemptsFor(ctx, db, key)
	if err != nil {
		t.Fatalf("attempts: %v", err)
	}
	if len(attempts) != 3 {
		t.Fatalf("attempts = %d, want 3", len(attempts))
	}
	for i, a := range attempts {
		if a.RetryCount != i {
			t.Fatalf("attempt %d retry_count = %d", i, a.RetryCount)
		}
		if i > 0 && attempts[i-1].RetryCount > a.RetryCount {
			t.Fatalf("retry counts decreased at %d", i)
		}
	}
	if attempts[1].ErrorMessage == nil || *attempts[1].ErrorMessage != "reset" {
		t.Fatalf("failure attempt missing error message: %+v", attempts[1])
	}
	if attempts[2].LocalFilePath == nil || *attempts[2].LocalFilePath != "/m/1/1.mp4" {
		t.Fatalf("success attempt missing path: %+v", attempts[2])
	}
}

func TestRecordOutcome_MissingEntry(t *testing.T) {
	db := newTestDB(t)
	_, err := RecordOutcome(context.Background(), db, domain.LedgerKey{ChatID: 9, MessageID: 9}, "h1", "", domain.OutcomeFailure, "x", time.Now().UTC())
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSkip_OnlyFromPending(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	mustClaim(t, db, 2, 1, domain.MediaOther, "h1", t0)
	key := domain.LedgerKey{ChatID: 2, MessageID: 1}

	changed, err := Skip(ctx, db, key, "h1", t0)
	if err != nil || !changed {
		t.Fatalf("skip pending: changed=%v err=%v", changed, err)
	}

	// Skipping again is a no-op.
	changed, err = Skip(ctx, db, key, "h1", t0)
	if err != nil || changed {
		t.Fatalf("skip skipped: changed=%v err=%v", changed, err)
	}

	// Downloaded entries cannot be skipped.
	mustClaim(t, db, 2, 2, domain.MediaPhoto, "h1", t0)
	done := domain.LedgerKey{ChatID: 2, MessageID: 2}
	if _, err := RecordOutcome(ctx, db, done, "h1", "/m/2/2.jpg", domain.OutcomeSuccess, "", t0); err != nil {
		t.Fatalf("seed success: %v", err)
	}
	changed, err = Skip(ctx, db, done, "h1", t0)
	if err != nil || changed {
		t.Fatalf("skip downloaded: changed=%v err=%v", changed, err)
	}
}

func TestReopen_OnlyFromSkipped(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	mustClaim(t, db, 3, 1, domain.MediaVideo, "h1", t0)
	key := domain.LedgerKey{ChatID: 3, MessageID: 1}

	// Not skipped yet.
	changed, err := Reopen(ctx, db, key, t0)
	if err != nil || changed {
		t.Fatalf("reopen pending: changed=%v err=%v", changed, err)
	}

	if _, err := Skip(ctx, db, key, "h1", t0); err != nil {
		t.Fatalf("skip: %v", err)
	}
	changed, err = Reopen(ctx, db, key, t0.Add(time.Minute))
	if err != nil || !changed {
		t.Fatalf("reopen skipped: changed=%v err=%v", changed, err)
	}
	e, _ := GetEntry(ctx, db, key)
	if e.DownloadStatus != domain.StatusPending {
		t.Fatalf("status after reopen = %q", e.DownloadStatus)
	}
}

func TestReconcile_RepairsOrphanedPending(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	mustClaim(t, db, 4, 1, domain.MediaPhoto, "h1", t0)
	key := domain.LedgerKey{ChatID: 4, MessageID: 1}

	// Simulate a crash after the attempt landed but with the ledger row
	// still pending: append the success attempt directly.
	path := "/m/4/1.jpg"
	if err := AppendAttempt(ctx, db, &domain.Attempt{
		ChatID: 4, MessageID: 1, Hostname: "h9", AttemptedAt: t0.Add(time.Minute),
		RetryCount: 0, Outcome: domain.OutcomeSuccess, LocalFilePath: &path,
	}); err != nil {
		t.Fatalf("seed attempt: %v", err)
	}

	repaired, err := Reconcile(ctx, db, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if repaired != 1 {
		t.Fatalf("repaired = %d, want 1", repaired)
	}

	e, _ := GetEntry(ctx, db, key)
	if e.DownloadStatus != domain.StatusDownloaded {
		t.Fatalf("status = %q, want downloaded", e.DownloadStatus)
	}
	if e.LocalFilePath == nil || *e.LocalFilePath != path {
		t.Fatalf("path = %v, want %q", e.LocalFilePath, path)
	}
	if e.DownloadHostname == nil || *e.DownloadHostname != "h9" {
		t.Fatalf("download_hostname = %v, want h9", e.DownloadHostname)
	}

	// Idempotent: nothing left to repair.
	repaired, err = Reconcile(ctx, db, t0.Add(2*time.Hour))
	if err != nil || repaired != 0 {
		t.Fatalf("second reconcile: repaired=%d err=%v", repaired, err)
	}
}

// Two-worker walk from the coordination rules: A claims and downloads,
// B's duplicate claim and late attempt are both no-ops.
func TestTwoWorkerScenario(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	// T0: worker A claims.
	eA, created, err := ClaimObservation(ctx, db, 100, 5, domain.MediaPhoto, "h1", t0)
	if err != nil || !created || eA.DownloadStatus != domain.StatusPending {
		t.Fatalf("A claim: created=%v err=%v entry=%+v", created, err, eA)
	}

	// T1: worker B claims the same pair.
	eB, created, err := ClaimObservation(ctx, db, 100, 5, domain.MediaPhoto, "h2", t0.Add(time.Second))
	if err != nil || created {
		t.Fatalf("B claim: created=%v err=%v", created, err)
	}
	if eB.RetrievedHostname != "h1" {
		t.Fatalf("B sees retrieved_hostname = %q, want h1", eB.RetrievedHostname)
	}

	// T2: A downloads successfully.
	key := domain.LedgerKey{ChatID: 100, MessageID: 5}
	changed, err := RecordOutcome(ctx, db, key, "h1", "/media/100/5.jpg", domain.OutcomeSuccess, "", t0.Add(2*time.Second))
	if err != nil || !changed {
		t.Fatalf("A success: changed=%v err=%v", changed, err)
	}

	// T3: B attempts believing the entry is pending; precondition fails.
	changed, err = RecordOutcome(ctx, db, key, "h2", "/elsewhere/5.jpg", domain.OutcomeSuccess, "", t0.Add(3*time.Second))
	if err != nil || changed {
		t.Fatalf("B late success: changed=%v err=%v", changed, err)
	}

	e, _ := GetEntry(ctx, db, key)
	if *e.DownloadHostname != "h1" || *e.LocalFilePath != "/media/100/5.jpg" {
		t.Fatalf("provenance wrong: %+v", e)
	}
	attempts, _ := AttemptsFor(ctx, db, key)
	if len(attempts) != 1 || attempts[0].RetryCount != 0 || attempts[0].Outcome != domain.OutcomeSuccess {
		t.Fatalf("attempt log wrong: %+v", attempts)
	}
}

func TestListEntries_FiltersAndOrders(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for i := int64(1); i <= 5; i++ {
		mustClaim(t, db, 7, i, domain.MediaPhoto, "h1", t0)
	}
	if _, err := Skip(ctx, db, domain.LedgerKey{ChatID: 7, MessageID: 3}, "h1", t0); err != nil {
		t.Fatalf("skip: %v", err)
	}

	all, err := ListEntries(ctx, db, 7, "", 0, 0)
	if err != nil || len(all) != 5 {
		t.Fatalf("all: n=%d err=%v", len(all), err)
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].MessageID > all[i].MessageID {
			t.Fatalf("not ordered by message_id")
		}
	}

	skipped, err := ListEntries(ctx, db, 7, domain.StatusSkipped, 0, 0)
	if err != nil || len(skipped) != 1 || skipped[0].MessageID != 3 {
		t.Fatalf("skipped filter: %+v err=%v", skipped, err)
	}
}
