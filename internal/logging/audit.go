package logging

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

// Audit event types.
const (
	AuditEventStartup      AuditEventType = "startup"
	AuditEventShutdown     AuditEventType = "shutdown"
	AuditEventConfigChange AuditEventType = "config_change"
	AuditEventEvidence     AuditEventType = "evidence"
	AuditEventAnchor       AuditEventType = "anchor"
	AuditEventVerification AuditEventType = "verification"
	AuditEventDecrypt      AuditEventType = "decrypt"
	AuditEventError        AuditEventType = "error"
)

// AuditEvent is one line of the chain-of-custody log. Each event carries
// the hash of its predecessor, so removing or editing a line breaks the
// chain.
type AuditEvent struct {
	Sequence  uint64         `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	EventType AuditEventType `json:"event_type"`
	Component string         `json:"component"`
	CameraID  string         `json:"camera_id,omitempty"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource,omitempty"`
	Result    string         `json:"result"` // "success" or "failure"
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"hash"`
}

// ErrAuditChain is returned when an audit log fails verification.
var ErrAuditChain = errors.New("audit chain broken")

// AuditLoggerConfig holds configuration for the audit logger.
type AuditLoggerConfig struct {
	// FilePath is the path to the audit log file.
	FilePath string

	// MaxSize is the maximum size in MB before rotation.
	MaxSize int64

	// MaxAge is the maximum age in days before deletion.
	MaxAge int

	// MaxBackups is the maximum number of rotated files to keep.
	MaxBackups int

	// Compress determines if rotated logs should be compressed.
	Compress bool

	// Component is the component name for audit events.
	Component string

	// CameraID tags every event.
	CameraID string
}

// DefaultAuditConfig returns default audit logger configuration.
func DefaultAuditConfig() *AuditLoggerConfig {
	return &AuditLoggerConfig{
		FilePath:   filepath.Join(defaultStateDir(), "audit.log"),
		MaxSize:    50,  // 50 MB
		MaxAge:     365, // evidence custody outlives ordinary logs
		MaxBackups: 20,
		Compress:   true,
		Component:  "evidenced",
	}
}

// AuditLogger writes the hash-chained audit log.
type AuditLogger struct {
	config   *AuditLoggerConfig
	rotator  *FileRotator
	mu       sync.Mutex
	seq      uint64
	lastHash string
	now      func() time.Time
}

// NewAuditLogger opens the audit log, continuing the chain of an existing
// file.
func NewAuditLogger(cfg *AuditLoggerConfig) (*AuditLogger, error) {
	if cfg == nil {
		cfg = DefaultAuditConfig()
	}

	a := &AuditLogger{config: cfg, now: time.Now}
	if last, err := lastAuditEvent(cfg.FilePath); err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	} else if last != nil {
		a.seq = last.Sequence
		a.lastHash = last.Hash
	}

	rotator, err := NewFileRotator(&Config{
		FilePath:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}
	a.rotator = rotator
	return a, nil
}

// Log fills defaults, links event to the chain and appends it.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = a.now().UTC()
	}
	if event.Component == "" {
		event.Component = a.config.Component
	}
	if event.CameraID == "" {
		event.CameraID = a.config.CameraID
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFromContext(ctx)
	}

	event.Sequence = a.seq + 1
	event.PrevHash = a.lastHash
	hash, err := auditHash(event)
	if err != nil {
		return err
	}
	event.Hash = hash

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	data = append(data, '\n')
	if _, err := a.rotator.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}

	a.seq = event.Sequence
	a.lastHash = event.Hash
	return nil
}

func result(err error) (string, string) {
	if err != nil {
		return "failure", err.Error()
	}
	return "success", ""
}

// LogStartup records a daemon or command start.
func (a *AuditLogger) LogStartup(ctx context.Context, version string, details map[string]any) error {
	if details == nil {
		details = make(map[string]any)
	}
	details["version"] = version
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventStartup,
		Action:    "started",
		Result:    "success",
		Details:   details,
	})
}

// LogShutdown records a clean stop.
func (a *AuditLogger) LogShutdown(ctx context.Context, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventShutdown,
		Action:    "stopped",
		Result:    "success",
		Details:   map[string]any{"reason": reason},
	})
}

// LogConfigChange records a hot-reloaded setting.
func (a *AuditLogger) LogConfigChange(ctx context.Context, setting, oldValue, newValue string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventConfigChange,
		Action:    "config_changed",
		Resource:  setting,
		Result:    "success",
		Details: map[string]any{
			"old_value": oldValue,
			"new_value": newValue,
		},
	})
}

// LogEvidence records the outcome of one pipeline run.
func (a *AuditLogger) LogEvidence(ctx context.Context, recordID, outcome, artifact, digest string, err error) error {
	res, msg := result(err)
	if outcome == "aborted" {
		res = "failure"
	}
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventEvidence,
		Action:    "evidence_" + outcome,
		Resource:  recordID,
		Result:    res,
		Error:     msg,
		Details: map[string]any{
			"artifact": artifact,
			"digest":   digest,
		},
	})
}

// LogAnchor records one ledger submission or reconciliation.
func (a *AuditLogger) LogAnchor(ctx context.Context, recordID, anchor, txID, status string, err error) error {
	res, msg := result(err)
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventAnchor,
		Action:    "anchor_" + status,
		Resource:  recordID,
		Result:    res,
		Error:     msg,
		Details: map[string]any{
			"anchor": anchor,
			"tx_id":  txID,
		},
	})
}

// LogVerification records an integrity check of an artifact or journal.
func (a *AuditLogger) LogVerification(ctx context.Context, resource string, err error, details map[string]any) error {
	res, msg := result(err)
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventVerification,
		Action:    "verification_performed",
		Resource:  resource,
		Result:    res,
		Error:     msg,
		Details:   details,
	})
}

// LogDecrypt records that plaintext evidence was produced from an artifact.
func (a *AuditLogger) LogDecrypt(ctx context.Context, artifact, output string, err error) error {
	res, msg := result(err)
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventDecrypt,
		Action:    "artifact_decrypted",
		Resource:  artifact,
		Result:    res,
		Error:     msg,
		Details:   map[string]any{"output": output},
	})
}

// LogError records a failed operation.
func (a *AuditLogger) LogError(ctx context.Context, operation string, err error, details map[string]any) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventError,
		Action:    operation,
		Result:    "failure",
		Error:     err.Error(),
		Details:   details,
	})
}

// Close closes the audit logger.
func (a *AuditLogger) Close() error {
	if a.rotator != nil {
		return a.rotator.Close()
	}
	return nil
}

// Sync flushes any buffered audit events.
func (a *AuditLogger) Sync() error {
	if a.rotator != nil {
		return a.rotator.Sync()
	}
	return nil
}

// auditHash covers every field except Hash itself.
func auditHash(e AuditEvent) (string, error) {
	e.Hash = ""
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal audit event: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyAuditFile checks the hash chain of one audit log file and returns
// the number of events. The first event may link to a predecessor in an
// older, rotated file.
func VerifyAuditFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var (
		prev  *AuditEvent
		count int
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e AuditEvent
		if err := json.Unmarshal(line, &e); err != nil {
			return count, fmt.Errorf("%w: line %d: %v", ErrAuditChain, count+1, err)
		}
		want, err := auditHash(e)
		if err != nil {
			return count, err
		}
		if want != e.Hash {
			return count, fmt.Errorf("%w: event %d hash mismatch", ErrAuditChain, e.Sequence)
		}
		if prev != nil && (e.PrevHash != prev.Hash || e.Sequence != prev.Sequence+1) {
			return count, fmt.Errorf("%w: event %d does not follow %d", ErrAuditChain, e.Sequence, prev.Sequence)
		}
		prev = &e
		count++
	}
	if err := sc.Err(); err != nil {
		return count, err
	}
	return count, nil
}

// lastAuditEvent returns the final event of an existing audit log.
func lastAuditEvent(path string) (*AuditEvent, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	lines := bytes.Split(bytes.TrimSpace(data), []byte{'\n'})
	for i := len(lines) - 1; i >= 0; i-- {
		if len(bytes.TrimSpace(lines[i])) == 0 {
			continue
		}
		var e AuditEvent
		if err := json.Unmarshal(lines[i], &e); err != nil {
			return nil, fmt.Errorf("%w: trailing event: %v", ErrAuditChain, err)
		}
		return &e, nil
	}
	return nil, nil
}
