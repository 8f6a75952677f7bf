package store

import (
	"time"

	"evidenced/internal/anchors"
)

// Attempt is one entry of the append-only anchor attempt chain.
type Attempt struct {
	ID           int64
	RecordID     string
	AttemptedAt  time.Time
	Anchor       string
	Status       anchors.Status
	TxID         string
	BlockNumber  uint64
	Error        string
	PreviousHash [32]byte
	EventHash    [32]byte
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	CameraID string
	Status   anchors.Status
	// Limit caps the number of records; 0 means no limit.
	Limit int
}

// Stats returns journal statistics.
type Stats struct {
	RecordCount      int64
	ConfirmedCount   int64
	UnconfirmedCount int64
	AttemptCount     int64
	OldestRecord     time.Time
	NewestRecord     time.Time
	IntegrityOK      bool
	ChainHash        string
}
