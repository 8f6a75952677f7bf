// Package evidence assembles admitted events into encrypted, anchored
// evidence records.
//
// One run takes a frame snapshot through materialize, encrypt, digest and
// anchor. The caller always gets one of three outcomes: a confirmed record,
// an unconfirmed record whose artifact and digest are kept for a later
// retry, or an aborted event that left no artifact behind.
package evidence

import (
	"time"

	"github.com/goccy/go-json"

	"evidenced/internal/anchors"
	"evidenced/internal/detect"
	"evidenced/internal/framebuf"
	"evidenced/internal/seal"
)

// Outcome classifies a pipeline result.
type Outcome string

const (
	OutcomeConfirmed   Outcome = "confirmed"
	OutcomeUnconfirmed Outcome = "unconfirmed"
	OutcomeAborted     Outcome = "aborted"
)

// Record is the evidentiary record handed to persistence.
type Record struct {
	ID            string         `json:"id"`
	CameraID      string         `json:"camera_id"`
	EventKind     string         `json:"event_kind"`
	Confidence    float64        `json:"confidence"`
	StartTime     time.Time      `json:"start_time"`
	EndTime       time.Time      `json:"end_time"`
	ClipPath      string         `json:"clip_path,omitempty"`
	EncryptedPath string         `json:"encrypted_path"`
	Digest        string         `json:"digest"`
	TxID          string         `json:"tx_id,omitempty"`
	AnchorStatus  anchors.Status `json:"anchor_status"`
	SubmittedBy   string         `json:"submitted_by,omitempty"`
	ArchiveKey    string         `json:"archive_key,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Confirmed reports whether the record's digest is on the ledger.
func (r *Record) Confirmed() bool {
	return r.AnchorStatus == anchors.StatusConfirmed
}

type ledgerMetadata struct {
	RecordID    string  `json:"record_id"`
	CameraID    string  `json:"camera_id"`
	EventType   string  `json:"event_type"`
	Confidence  float64 `json:"confidence"`
	StartTime   string  `json:"start_time"`
	EndTime     string  `json:"end_time"`
	SubmittedBy string  `json:"submitted_by,omitempty"`
}

// Metadata returns the JSON stored on the ledger next to the digest.
// It names the event but never a local path.
func (r *Record) Metadata() ([]byte, error) {
	return json.Marshal(ledgerMetadata{
		RecordID:    r.ID,
		CameraID:    r.CameraID,
		EventType:   r.EventKind,
		Confidence:  r.Confidence,
		StartTime:   r.StartTime.UTC().Format(time.RFC3339),
		EndTime:     r.EndTime.UTC().Format(time.RFC3339),
		SubmittedBy: r.SubmittedBy,
	})
}

// Result is the outcome of one pipeline run.
type Result struct {
	Outcome  Outcome
	Record   *Record
	Artifact *seal.Artifact
	Receipt  *anchors.Receipt
	Err      error
}

// Job is one admitted trigger with the frames captured before it.
type Job struct {
	Trigger   detect.Trigger
	Frames    []framebuf.Frame
	FrameRate float64
	StartTime time.Time
	EndTime   time.Time
}
