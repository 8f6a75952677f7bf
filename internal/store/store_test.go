package store

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"evidenced/internal/anchors"
	"evidenced/internal/evidence"
)

var testKey = bytes.Repeat([]byte{0x42}, 32)

var baseTime = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

func openTestJournal(t *testing.T) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path, testKey)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j, path
}

func testRecord(id string, created time.Time) *evidence.Record {
	return &evidence.Record{
		ID:            id,
		CameraID:      "cam1",
		EventKind:     "melee",
		Confidence:    0.91,
		StartTime:     created.Add(-8 * time.Second),
		EndTime:       created,
		EncryptedPath: "/var/lib/evidenced/clips/cam1_melee_" + id + ".avi.enc",
		Digest:        "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08",
		AnchorStatus:  anchors.StatusFailed,
		SubmittedBy:   "operator-7",
		CreatedAt:     created,
	}
}

func TestOpenAndClose(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	j, err := Open(dbPath, testKey)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !j.IntegrityOK() {
		t.Error("new journal should pass integrity")
	}
	if err := j.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}

	info, err := os.Stat(dbPath)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("expected 0600, got %o", perm)
	}
}

func TestOpenCreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	j, err := Open(dbPath, testKey)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer j.Close()
}

func TestOpenShortKey(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "test.db"), []byte("short")); err == nil {
		t.Error("expected error for short HMAC key")
	}
}

func TestCloseNilDB(t *testing.T) {
	j := &Journal{db: nil}
	if err := j.Close(); err != nil {
		t.Errorf("Close on nil db should not error: %v", err)
	}
}

func TestMigrationStatus(t *testing.T) {
	j, _ := openTestJournal(t)

	status, err := GetMigrationStatus(j.db)
	if err != nil {
		t.Fatalf("GetMigrationStatus failed: %v", err)
	}
	if status.CurrentVersion != len(migrations) || status.LatestVersion != len(migrations) {
		t.Errorf("expected version %d, got current=%d latest=%d", len(migrations), status.CurrentVersion, status.LatestVersion)
	}
	if len(status.Pending) != 0 {
		t.Errorf("expected no pending migrations, got %d", len(status.Pending))
	}

	if err := RollbackMigration(j.db); err != nil {
		t.Fatalf("RollbackMigration failed: %v", err)
	}
	if err := ValidateSchema(j.db); err == nil {
		t.Error("schema should be incomplete after rollback")
	}
	if err := MigrateDB(j.db); err != nil {
		t.Fatalf("MigrateDB failed: %v", err)
	}
	if err := ValidateSchema(j.db); err != nil {
		t.Errorf("schema should validate after re-migration: %v", err)
	}
}

func TestPutAndGet(t *testing.T) {
	j, _ := openTestJournal(t)
	ctx := context.Background()

	rec := testRecord("r1", baseTime)
	rec.ClipPath = "/var/lib/evidenced/clips/r1.avi"
	rec.ArchiveKey = "evidence/r1.avi.enc"
	if err := j.Put(ctx, rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := j.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.CameraID != rec.CameraID || got.EventKind != rec.EventKind || got.Confidence != rec.Confidence {
		t.Errorf("identity mismatch: %+v", got)
	}
	if !got.StartTime.Equal(rec.StartTime) || !got.EndTime.Equal(rec.EndTime) || !got.CreatedAt.Equal(rec.CreatedAt) {
		t.Errorf("time mismatch: %+v", got)
	}
	if got.Digest != rec.Digest || got.EncryptedPath != rec.EncryptedPath || got.ClipPath != rec.ClipPath {
		t.Errorf("artifact mismatch: %+v", got)
	}
	if got.AnchorStatus != anchors.StatusFailed || got.TxID != "" {
		t.Errorf("anchor fields mismatch: %+v", got)
	}
	if got.SubmittedBy != "operator-7" || got.ArchiveKey != rec.ArchiveKey {
		t.Errorf("provenance mismatch: %+v", got)
	}
}

func TestGetNotFound(t *testing.T) {
	j, _ := openTestJournal(t)

	_, err := j.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPutSetsCreatedAt(t *testing.T) {
	j, _ := openTestJournal(t)
	j.now = func() time.Time { return baseTime }

	rec := testRecord("r1", baseTime)
	rec.CreatedAt = time.Time{}
	if err := j.Put(context.Background(), rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if !rec.CreatedAt.Equal(baseTime) {
		t.Errorf("expected CreatedAt %v, got %v", baseTime, rec.CreatedAt)
	}
}

func TestPutUpdatesAnchorFields(t *testing.T) {
	j, _ := openTestJournal(t)
	ctx := context.Background()

	rec := testRecord("r1", baseTime)
	if err := j.Put(ctx, rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	rec.TxID = "0xabc"
	rec.AnchorStatus = anchors.StatusConfirmed
	rec.ArchiveKey = "evidence/r1"
	if err := j.Put(ctx, rec); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	got, err := j.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.TxID != "0xabc" || !got.Confirmed() || got.ArchiveKey != "evidence/r1" {
		t.Errorf("update not applied: %+v", got)
	}
}

func TestPutRejectsImmutableChange(t *testing.T) {
	j, _ := openTestJournal(t)
	ctx := context.Background()

	rec := testRecord("r1", baseTime)
	if err := j.Put(ctx, rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	changed := *rec
	changed.Digest = "0000000000000000000000000000000000000000000000000000000000000000"
	if err := j.Put(ctx, &changed); !errors.Is(err, ErrImmutable) {
		t.Errorf("expected ErrImmutable for digest change, got %v", err)
	}

	changed = *rec
	changed.EndTime = rec.EndTime.Add(time.Second)
	if err := j.Put(ctx, &changed); !errors.Is(err, ErrImmutable) {
		t.Errorf("expected ErrImmutable for time change, got %v", err)
	}

	got, err := j.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Digest != rec.Digest {
		t.Error("stored digest must not change")
	}
}

func TestDeliver(t *testing.T) {
	j, _ := openTestJournal(t)
	ctx := context.Background()

	if err := j.Deliver(ctx, evidence.Result{Outcome: evidence.OutcomeAborted, Err: errors.New("disk full")}); err != nil {
		t.Fatalf("aborted delivery should be ignored: %v", err)
	}

	rec := testRecord("r1", baseTime)
	first := &anchors.Receipt{
		Anchor:      anchors.NameEthereum,
		Digest:      rec.Digest,
		Status:      anchors.StatusFailed,
		SubmittedAt: baseTime,
		Err:         "network: dial tcp: connection refused",
	}
	if err := j.Deliver(ctx, evidence.Result{Outcome: evidence.OutcomeUnconfirmed, Record: rec, Receipt: first}); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	retried := *rec
	retried.TxID = "0xfeed"
	retried.AnchorStatus = anchors.StatusConfirmed
	second := &anchors.Receipt{
		Anchor:      anchors.NameEthereum,
		Digest:      rec.Digest,
		TxID:        "0xfeed",
		Status:      anchors.StatusConfirmed,
		BlockNumber: 12,
		SubmittedAt: baseTime.Add(time.Hour),
	}
	if err := j.Deliver(ctx, evidence.Result{Outcome: evidence.OutcomeConfirmed, Record: &retried, Receipt: second}); err != nil {
		t.Fatalf("second Deliver failed: %v", err)
	}

	got, err := j.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.Confirmed() || got.TxID != "0xfeed" {
		t.Errorf("record not updated: %+v", got)
	}

	attempts, err := j.Attempts(ctx, "r1")
	if err != nil {
		t.Fatalf("Attempts failed: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(attempts))
	}
	if attempts[0].Status != anchors.StatusFailed || attempts[0].Error == "" {
		t.Errorf("unexpected first attempt: %+v", attempts[0])
	}
	if attempts[1].BlockNumber != 12 || attempts[1].TxID != "0xfeed" {
		t.Errorf("unexpected second attempt: %+v", attempts[1])
	}
	if attempts[0].PreviousHash != ([32]byte{}) {
		t.Error("first attempt should link to the zero hash")
	}
	if attempts[1].PreviousHash != attempts[0].EventHash {
		t.Error("attempts are not chained")
	}
	if !attempts[1].AttemptedAt.Equal(second.SubmittedAt) {
		t.Errorf("expected attempt time %v, got %v", second.SubmittedAt, attempts[1].AttemptedAt)
	}
}

func TestAppendAttemptUnknownRecord(t *testing.T) {
	j, _ := openTestJournal(t)

	_, err := j.AppendAttempt(context.Background(), "ghost", &anchors.Receipt{Anchor: "ethereum", Status: anchors.StatusFailed})
	if err == nil {
		t.Fatal("expected foreign key failure")
	}

	// The failed insert must not advance the chain.
	rec := testRecord("r1", baseTime)
	if err := j.Put(context.Background(), rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := j.AppendAttempt(context.Background(), "r1", &anchors.Receipt{Anchor: "ethereum", Status: anchors.StatusFailed}); err != nil {
		t.Fatalf("AppendAttempt failed: %v", err)
	}
	if err := j.Verify(context.Background()); err != nil {
		t.Errorf("Verify failed: %v", err)
	}
}

func TestListAndPending(t *testing.T) {
	j, _ := openTestJournal(t)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c", "d"} {
		rec := testRecord(id, baseTime.Add(time.Duration(i)*time.Minute))
		if id == "c" {
			rec.CameraID = "cam2"
		}
		if id == "b" {
			rec.AnchorStatus = anchors.StatusConfirmed
			rec.TxID = "0x01"
		}
		if id == "d" {
			rec.AnchorStatus = anchors.StatusUnknown
			rec.TxID = "0x02"
		}
		if err := j.Put(ctx, rec); err != nil {
			t.Fatalf("Put %s failed: %v", id, err)
		}
	}

	all, err := j.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if got := ids(all); !equalStrings(got, []string{"d", "c", "b", "a"}) {
		t.Errorf("expected newest first, got %v", got)
	}

	cam1, err := j.List(ctx, Filter{CameraID: "cam1", Limit: 2})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if got := ids(cam1); !equalStrings(got, []string{"d", "b"}) {
		t.Errorf("unexpected camera filter result %v", got)
	}

	confirmed, err := j.List(ctx, Filter{Status: anchors.StatusConfirmed})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if got := ids(confirmed); !equalStrings(got, []string{"b"}) {
		t.Errorf("unexpected status filter result %v", got)
	}

	pending, err := j.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if got := ids(pending); !equalStrings(got, []string{"a", "c", "d"}) {
		t.Errorf("expected pending oldest first, got %v", got)
	}
}

func TestReopenVerifiesChain(t *testing.T) {
	j, path := openTestJournal(t)
	ctx := context.Background()

	rec := testRecord("r1", baseTime)
	if err := j.Put(ctx, rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		r := &anchors.Receipt{Anchor: "ethereum", Status: anchors.StatusFailed, SubmittedAt: baseTime.Add(time.Duration(i) * time.Second)}
		if _, err := j.AppendAttempt(ctx, "r1", r); err != nil {
			t.Fatalf("AppendAttempt failed: %v", err)
		}
	}
	j.Close()

	reopened, err := Open(path, testKey)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	stats, err := reopened.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.AttemptCount != 3 || stats.RecordCount != 1 || stats.UnconfirmedCount != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if !stats.IntegrityOK || len(stats.ChainHash) != 64 {
		t.Errorf("unexpected integrity stats: %+v", stats)
	}
	reopened.Close()

	wrongKey := bytes.Repeat([]byte{0x24}, 32)
	bad, err := Open(path, wrongKey)
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity with wrong key, got %v", err)
	}
	defer bad.Close()
	if bad.IntegrityOK() {
		t.Error("journal opened with the wrong key must not be writable")
	}
	if err := bad.Put(ctx, testRecord("r2", baseTime)); !errors.Is(err, ErrIntegrity) {
		t.Errorf("expected write refusal, got %v", err)
	}
}

func TestVerifyDetectsTamperedRecord(t *testing.T) {
	j, _ := openTestJournal(t)
	ctx := context.Background()

	if err := j.Put(ctx, testRecord("r1", baseTime)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := j.Put(ctx, testRecord("r2", baseTime.Add(time.Minute))); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := j.Verify(ctx); err != nil {
		t.Fatalf("clean journal should verify: %v", err)
	}

	if _, err := j.db.Exec(`UPDATE records SET digest = ? WHERE id = 'r2'`,
		"1111111111111111111111111111111111111111111111111111111111111111"); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	tampered, err := j.VerifyRecords(ctx)
	if err != nil {
		t.Fatalf("VerifyRecords failed: %v", err)
	}
	if !equalStrings(tampered, []string{"r2"}) {
		t.Errorf("expected [r2], got %v", tampered)
	}
	if _, err := j.Get(ctx, "r2"); !errors.Is(err, ErrTampered) {
		t.Errorf("expected ErrTampered from Get, got %v", err)
	}
	if err := j.Verify(ctx); !errors.Is(err, ErrTampered) {
		t.Errorf("expected ErrTampered from Verify, got %v", err)
	}
	if j.IntegrityOK() {
		t.Error("journal should refuse writes after failed verification")
	}
}

func TestVerifyDetectsTamperedAttempt(t *testing.T) {
	j, _ := openTestJournal(t)
	ctx := context.Background()

	if err := j.Put(ctx, testRecord("r1", baseTime)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := j.AppendAttempt(ctx, "r1", &anchors.Receipt{Anchor: "ethereum", Status: anchors.StatusFailed, SubmittedAt: baseTime}); err != nil {
		t.Fatalf("AppendAttempt failed: %v", err)
	}

	if _, err := j.db.Exec(`UPDATE anchor_attempts SET status = 'confirmed'`); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if err := j.Verify(ctx); !errors.Is(err, ErrIntegrity) {
		t.Errorf("expected ErrIntegrity, got %v", err)
	}
}

func TestVerifyDetectsDeletedAttempt(t *testing.T) {
	j, _ := openTestJournal(t)
	ctx := context.Background()

	if err := j.Put(ctx, testRecord("r1", baseTime)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := j.AppendAttempt(ctx, "r1", &anchors.Receipt{Anchor: "ethereum", Status: anchors.StatusFailed}); err != nil {
			t.Fatalf("AppendAttempt failed: %v", err)
		}
	}

	if _, err := j.db.Exec(`DELETE FROM anchor_attempts WHERE id = (SELECT MAX(id) FROM anchor_attempts)`); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if err := j.Verify(ctx); !errors.Is(err, ErrIntegrity) {
		t.Errorf("expected ErrIntegrity, got %v", err)
	}
}

func ids(recs []evidence.Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func BenchmarkPut(b *testing.B) {
	j, err := Open(filepath.Join(b.TempDir(), "bench.db"), testKey)
	if err != nil {
		b.Fatalf("Open failed: %v", err)
	}
	defer j.Close()

	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rec := testRecord(time.Duration(i).String(), baseTime.Add(time.Duration(i)))
		if err := j.Put(ctx, rec); err != nil {
			b.Fatalf("Put failed: %v", err)
		}
	}
}
