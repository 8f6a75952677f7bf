package store

import (
	"context"
	"crypto/hmac"
	"fmt"
)

// VerifyRecords checks every record row against its HMAC and returns the
// IDs of rows that fail.
func (j *Journal) VerifyRecords(ctx context.Context) ([]string, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM records ORDER BY created_ns ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query all records: %w", err)
	}
	defer rows.Close()

	var tampered []string
	for rows.Next() {
		rec, mac, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if !hmac.Equal(mac, j.recordMAC(rec)) {
			tampered = append(tampered, rec.ID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return tampered, nil
}

// Verify re-checks the attempt chain and every record row. A journal that
// fails stops accepting writes.
func (j *Journal) Verify(ctx context.Context) error {
	if err := j.verifyIntegrity(); err != nil {
		j.markCompromised()
		return fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	tampered, err := j.VerifyRecords(ctx)
	if err != nil {
		return err
	}
	if len(tampered) > 0 {
		j.markCompromised()
		return fmt.Errorf("%w: %d record(s): %v", ErrTampered, len(tampered), tampered)
	}
	return nil
}

func (j *Journal) markCompromised() {
	j.mu.Lock()
	j.integrityOK = false
	j.mu.Unlock()
}
