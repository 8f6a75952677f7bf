package store

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"math"

	"evidenced/internal/anchors"
	"evidenced/internal/evidence"
)

// initializeIntegrity sets up the attempt chain for a new journal.
func (j *Journal) initializeIntegrity() error {
	var zeroHash [32]byte
	j.lastHash = zeroHash
	j.attemptCount = 0

	mac := j.integrityMAC(zeroHash, 0)
	_, err := j.db.Exec(`
		INSERT INTO integrity (id, chain_hash, attempt_count, last_verified, hmac)
		VALUES (1, ?, 0, ?, ?)`,
		zeroHash[:], j.now().UnixNano(), mac,
	)
	return err
}

// verifyIntegrity walks the attempt chain and checks it against the
// integrity row.
func (j *Journal) verifyIntegrity() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var chainHash, storedMAC []byte
	var attemptCount int64

	err := j.db.QueryRow(`SELECT chain_hash, attempt_count, hmac FROM integrity WHERE id = 1`).
		Scan(&chainHash, &attemptCount, &storedMAC)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errors.New("integrity record missing")
		}
		return fmt.Errorf("read integrity record: %w", err)
	}

	var expectedHash [32]byte
	copy(expectedHash[:], chainHash)
	if !hmac.Equal(storedMAC, j.integrityMAC(expectedHash, attemptCount)) {
		return errors.New("integrity record HMAC mismatch - journal may be tampered")
	}

	rows, err := j.db.Query(`SELECT ` + attemptColumns + `, hmac FROM anchor_attempts ORDER BY id ASC`)
	if err != nil {
		return fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var lastHash [32]byte
	var count int64

	for rows.Next() {
		var mac []byte
		a, err := scanAttempt(rows, &mac)
		if err != nil {
			return fmt.Errorf("scan attempt: %w", err)
		}

		if a.PreviousHash != lastHash {
			return fmt.Errorf("chain break at attempt %d: previous hash mismatch", a.ID)
		}
		if !hmac.Equal(mac, j.attemptMAC(a)) {
			return fmt.Errorf("attempt %d HMAC mismatch - attempt may be tampered", a.ID)
		}
		if a.EventHash != attemptHash(a) {
			return fmt.Errorf("attempt %d hash mismatch", a.ID)
		}

		lastHash = a.EventHash
		count++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate attempts: %w", err)
	}

	if count != attemptCount {
		return fmt.Errorf("attempt count mismatch: expected %d, found %d", attemptCount, count)
	}
	if !bytes.Equal(chainHash, lastHash[:]) {
		return fmt.Errorf("chain hash mismatch")
	}

	j.lastHash = lastHash
	j.attemptCount = count
	return nil
}

// AppendAttempt appends the outcome of one anchor submission for a stored
// record to the chain.
func (j *Journal) AppendAttempt(ctx context.Context, recordID string, r *anchors.Receipt) (*Attempt, error) {
	if r == nil {
		return nil, errors.New("nil receipt")
	}
	if !j.IntegrityOK() {
		return nil, ErrIntegrity
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	a := &Attempt{
		RecordID:     recordID,
		AttemptedAt:  r.SubmittedAt.UTC(),
		Anchor:       r.Anchor,
		Status:       r.Status,
		TxID:         r.TxID,
		BlockNumber:  r.BlockNumber,
		Error:        r.Err,
		PreviousHash: j.lastHash,
	}
	if r.SubmittedAt.IsZero() {
		a.AttemptedAt = j.now().UTC()
	}
	// Stored and hashed at nanosecond precision.
	a.AttemptedAt = fromUnixNano(a.AttemptedAt.UnixNano())
	a.EventHash = attemptHash(a)
	mac := j.attemptMAC(a)

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO anchor_attempts (record_id, attempted_ns, anchor, status, tx_id, block_number, error, previous_hash, event_hash, hmac)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.RecordID, a.AttemptedAt.UnixNano(), a.Anchor, string(a.Status), a.TxID, int64(a.BlockNumber), a.Error,
		a.PreviousHash[:], a.EventHash[:], mac,
	)
	if err != nil {
		return nil, fmt.Errorf("insert attempt: %w", err)
	}
	a.ID, _ = result.LastInsertId()

	count := j.attemptCount + 1
	_, err = tx.ExecContext(ctx, `UPDATE integrity SET chain_hash = ?, attempt_count = ?, last_verified = ?, hmac = ? WHERE id = 1`,
		a.EventHash[:], count, j.now().UnixNano(), j.integrityMAC(a.EventHash, count))
	if err != nil {
		return nil, fmt.Errorf("update integrity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	j.lastHash = a.EventHash
	j.attemptCount = count
	return a, nil
}

const attemptColumns = `id, record_id, attempted_ns, anchor, status, tx_id, block_number, error, previous_hash, event_hash`

// Attempts returns the anchor attempts for a record in chain order.
func (j *Journal) Attempts(ctx context.Context, recordID string) ([]Attempt, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT `+attemptColumns+`, hmac FROM anchor_attempts WHERE record_id = ? ORDER BY id ASC`, recordID)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var mac []byte
		a, err := scanAttempt(rows, &mac)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return out, nil
}

func scanAttempt(s scanner, mac *[]byte) (*Attempt, error) {
	var (
		a                       Attempt
		attemptedNs, block      int64
		status                  string
		txID, errText           sql.NullString
		previousHash, eventHash []byte
	)
	if err := s.Scan(&a.ID, &a.RecordID, &attemptedNs, &a.Anchor, &status, &txID, &block, &errText,
		&previousHash, &eventHash, mac); err != nil {
		return nil, err
	}
	a.AttemptedAt = fromUnixNano(attemptedNs)
	a.Status = anchors.Status(status)
	a.TxID = txID.String
	a.BlockNumber = uint64(block)
	a.Error = errText.String
	copy(a.PreviousHash[:], previousHash)
	copy(a.EventHash[:], eventHash)
	return &a, nil
}

// HMAC helpers

func (j *Journal) integrityMAC(chainHash [32]byte, attemptCount int64) []byte {
	h := hmac.New(sha256.New, j.hmacKey)
	h.Write([]byte("evidenced-integrity-v1"))
	h.Write(chainHash[:])
	writeInt(h, attemptCount)
	return h.Sum(nil)
}

// recordMAC covers the fields of a record that never change after insert.
func (j *Journal) recordMAC(r *evidence.Record) []byte {
	h := hmac.New(sha256.New, j.hmacKey)
	h.Write([]byte("evidenced-record-v1"))
	writeString(h, r.ID)
	writeString(h, r.CameraID)
	writeString(h, r.EventKind)
	writeInt(h, int64(math.Float64bits(r.Confidence)))
	writeInt(h, unixNano(r.StartTime))
	writeInt(h, unixNano(r.EndTime))
	writeString(h, r.ClipPath)
	writeString(h, r.EncryptedPath)
	writeString(h, r.Digest)
	writeString(h, r.SubmittedBy)
	writeInt(h, unixNano(r.CreatedAt))
	return h.Sum(nil)
}

func (j *Journal) attemptMAC(a *Attempt) []byte {
	h := hmac.New(sha256.New, j.hmacKey)
	writeAttempt(h, a)
	return h.Sum(nil)
}

func attemptHash(a *Attempt) [32]byte {
	h := sha256.New()
	writeAttempt(h, a)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func writeAttempt(h hash.Hash, a *Attempt) {
	h.Write([]byte("evidenced-attempt-v1"))
	writeString(h, a.RecordID)
	writeInt(h, unixNano(a.AttemptedAt))
	writeString(h, a.Anchor)
	writeString(h, string(a.Status))
	writeString(h, a.TxID)
	writeInt(h, int64(a.BlockNumber))
	writeString(h, a.Error)
	h.Write(a.PreviousHash[:])
}

func writeInt(h hash.Hash, n int64) {
	h.Write(binary.BigEndian.AppendUint64(nil, uint64(n)))
}

// writeString length-prefixes s so adjacent fields cannot be shifted.
func writeString(h hash.Hash, s string) {
	writeInt(h, int64(len(s)))
	h.Write([]byte(s))
}
