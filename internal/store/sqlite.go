// Package store is the local evidence journal.
//
// Security model:
//  1. File permissions: 0600 (owner read/write only)
//  2. Every record row carries an HMAC over its immutable fields
//  3. Anchor attempts are append-only and hash-chained
//  4. A single integrity row seals the chain head and attempt count
package store

import (
	"context"
	"crypto/hmac"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"evidenced/internal/anchors"
	"evidenced/internal/evidence"
)

var (
	// ErrNotFound is returned when no record has the requested ID.
	ErrNotFound = errors.New("record not found")
	// ErrImmutable is returned when an update would change a sealed field.
	ErrImmutable = errors.New("record fields are immutable")
	// ErrTampered is returned when a stored row fails its HMAC.
	ErrTampered = errors.New("record HMAC mismatch")
	// ErrIntegrity is returned by writes once the journal failed verification.
	ErrIntegrity = errors.New("journal integrity compromised")
)

// Journal persists evidence records and their anchor attempts in SQLite.
type Journal struct {
	db      *sql.DB
	hmacKey []byte
	now     func() time.Time

	mu           sync.RWMutex
	lastHash     [32]byte
	attemptCount int64
	integrityOK  bool
}

// Open opens or creates the journal at path and applies migrations.
// hmacKey must be at least 32 bytes. When the stored chain fails
// verification the journal is still returned, read-only, together with an
// error wrapping ErrIntegrity.
func Open(path string, hmacKey []byte) (*Journal, error) {
	if len(hmacKey) < 32 {
		return nil, errors.New("HMAC key must be at least 32 bytes")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := os.Chmod(path, 0600); err != nil {
		db.Close()
		return nil, fmt.Errorf("set database permissions: %w", err)
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := ValidateSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	key := make([]byte, len(hmacKey))
	copy(key, hmacKey)
	j := &Journal{db: db, hmacKey: key, now: time.Now}

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM integrity`).Scan(&n); err != nil {
		db.Close()
		return nil, fmt.Errorf("read integrity record: %w", err)
	}
	if n == 0 {
		if err := j.initializeIntegrity(); err != nil {
			db.Close()
			return nil, fmt.Errorf("initialize integrity: %w", err)
		}
		j.integrityOK = true
		return j, nil
	}

	if err := j.verifyIntegrity(); err != nil {
		// Keep the handle open for read-only inspection.
		return j, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	j.integrityOK = true
	return j, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// IntegrityOK returns true if the journal passed integrity verification.
func (j *Journal) IntegrityOK() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.integrityOK
}

// Deliver stores the record of a pipeline result and appends its anchor
// attempt. Aborted results carry no record and are ignored.
func (j *Journal) Deliver(ctx context.Context, res evidence.Result) error {
	if res.Record == nil {
		return nil
	}
	if err := j.Put(ctx, res.Record); err != nil {
		return err
	}
	if res.Receipt == nil {
		return nil
	}
	_, err := j.AppendAttempt(ctx, res.Record.ID, res.Receipt)
	return err
}

// Put inserts rec or updates the anchoring fields of an existing record.
// The identity, timing, artifact and digest of a record never change once
// stored; an update that alters them fails with ErrImmutable. A zero
// CreatedAt is set to the current time.
func (j *Journal) Put(ctx context.Context, rec *evidence.Record) error {
	if rec == nil || rec.ID == "" {
		return errors.New("record without id")
	}
	if !j.IntegrityOK() {
		return ErrIntegrity
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = j.now().UTC()
	}

	mac := j.recordMAC(rec)
	now := j.now().UnixNano()

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var stored []byte
	err = tx.QueryRowContext(ctx, `SELECT hmac FROM records WHERE id = ?`, rec.ID).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO records (id, camera_id, event_kind, confidence, start_ns, end_ns, clip_path, encrypted_path, digest, tx_id, anchor_status, submitted_by, archive_key, created_ns, updated_ns, hmac)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.CameraID, rec.EventKind, rec.Confidence, unixNano(rec.StartTime), unixNano(rec.EndTime),
			rec.ClipPath, rec.EncryptedPath, rec.Digest, rec.TxID, string(rec.AnchorStatus), rec.SubmittedBy,
			rec.ArchiveKey, unixNano(rec.CreatedAt), now, mac,
		)
		if err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read record: %w", err)
	default:
		if !hmac.Equal(stored, mac) {
			return fmt.Errorf("%w: %s", ErrImmutable, rec.ID)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE records SET tx_id = ?, anchor_status = ?, archive_key = ?, updated_ns = ?
			WHERE id = ?`,
			rec.TxID, string(rec.AnchorStatus), rec.ArchiveKey, now, rec.ID,
		)
		if err != nil {
			return fmt.Errorf("update record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const recordColumns = `id, camera_id, event_kind, confidence, start_ns, end_ns, clip_path, encrypted_path, digest, tx_id, anchor_status, submitted_by, archive_key, created_ns, hmac`

// Get returns the record with the given ID after checking its HMAC.
func (j *Journal) Get(ctx context.Context, id string) (*evidence.Record, error) {
	row := j.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	rec, mac, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get record: %w", err)
	}
	if !hmac.Equal(mac, j.recordMAC(rec)) {
		return nil, fmt.Errorf("%w: %s", ErrTampered, id)
	}
	return rec, nil
}

// List returns records matching f, newest first.
func (j *Journal) List(ctx context.Context, f Filter) ([]evidence.Record, error) {
	var where []string
	var args []any
	if f.CameraID != "" {
		where = append(where, "camera_id = ?")
		args = append(args, f.CameraID)
	}
	if f.Status != "" {
		where = append(where, "anchor_status = ?")
		args = append(args, string(f.Status))
	}

	q := `SELECT ` + recordColumns + ` FROM records`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_ns DESC, id DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	return j.queryRecords(ctx, q, args...)
}

// ListPending returns records whose digest is not confirmed on the
// ledger, oldest first.
func (j *Journal) ListPending(ctx context.Context) ([]evidence.Record, error) {
	return j.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM records WHERE anchor_status != ? ORDER BY created_ns ASC, id ASC`,
		string(anchors.StatusConfirmed))
}

func (j *Journal) queryRecords(ctx context.Context, q string, args ...any) ([]evidence.Record, error) {
	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []evidence.Record
	for rows.Next() {
		rec, _, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

// GetStats returns journal statistics.
func (j *Journal) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{IntegrityOK: j.IntegrityOK()}

	var oldestNs, newestNs sql.NullInt64
	err := j.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(anchor_status = ?), 0),
		       MIN(created_ns), MAX(created_ns)
		FROM records`, string(anchors.StatusConfirmed),
	).Scan(&stats.RecordCount, &stats.ConfirmedCount, &oldestNs, &newestNs)
	if err != nil {
		return nil, fmt.Errorf("record stats: %w", err)
	}
	stats.UnconfirmedCount = stats.RecordCount - stats.ConfirmedCount
	if oldestNs.Valid {
		stats.OldestRecord = fromUnixNano(oldestNs.Int64)
		stats.NewestRecord = fromUnixNano(newestNs.Int64)
	}

	var chainHash []byte
	err = j.db.QueryRowContext(ctx, `SELECT chain_hash, attempt_count FROM integrity WHERE id = 1`).
		Scan(&chainHash, &stats.AttemptCount)
	if err != nil {
		return nil, fmt.Errorf("integrity stats: %w", err)
	}
	stats.ChainHash = fmt.Sprintf("%x", chainHash)

	return stats, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*evidence.Record, []byte, error) {
	var (
		rec                            evidence.Record
		clipPath, txID, by, archiveKey sql.NullString
		status                         string
		startNs, endNs, createdNs      int64
		mac                            []byte
	)
	err := s.Scan(&rec.ID, &rec.CameraID, &rec.EventKind, &rec.Confidence, &startNs, &endNs,
		&clipPath, &rec.EncryptedPath, &rec.Digest, &txID, &status, &by, &archiveKey, &createdNs, &mac)
	if err != nil {
		return nil, nil, err
	}
	rec.StartTime = fromUnixNano(startNs)
	rec.EndTime = fromUnixNano(endNs)
	rec.CreatedAt = fromUnixNano(createdNs)
	rec.ClipPath = clipPath.String
	rec.TxID = txID.String
	rec.AnchorStatus = anchors.Status(status)
	rec.SubmittedBy = by.String
	rec.ArchiveKey = archiveKey.String
	return &rec, mac, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}
