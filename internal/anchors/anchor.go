// Package anchors records evidence digests on an external append-only ledger.
package anchors

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"evidenced/internal/security"
)

// ErrAnchorNotFound is returned when a registry has no anchor by a name.
var ErrAnchorNotFound = errors.New("anchor not found")

// Anchor is implemented by every ledger backend.
type Anchor interface {
	// Name returns the anchor identifier (e.g., "ethereum").
	Name() string

	// Submit anchors a digest with its metadata and waits for the outcome.
	// The returned receipt is never nil, even when err is not.
	Submit(ctx context.Context, digest string, metadata []byte) (*Receipt, error)

	// Reconcile looks up the outcome of a previously broadcast transaction.
	Reconcile(ctx context.Context, txID string) (*Receipt, error)
}

// Status represents the outcome of an anchor submission.
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	// StatusUnknown means the transaction was broadcast but not confirmed
	// within the wait budget. It may still be mined.
	StatusUnknown Status = "unknown"
	// StatusPending means the digest has not been submitted yet.
	StatusPending Status = "pending"
)

// Receipt records one anchor submission.
type Receipt struct {
	Anchor      string    `json:"anchor"`
	Digest      string    `json:"digest"`
	TxID        string    `json:"tx_id,omitempty"`
	Status      Status    `json:"status"`
	BlockNumber uint64    `json:"block_number,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
	ConfirmedAt time.Time `json:"confirmed_at"`
	Err         string    `json:"error,omitempty"`
}

// Confirmed reports whether the digest is on the ledger.
func (r *Receipt) Confirmed() bool {
	return r != nil && r.Status == StatusConfirmed
}

// Registry holds the configured anchors and persists their receipts.
type Registry struct {
	mu          sync.RWMutex
	anchors     map[string]Anchor
	storagePath string
}

// NewRegistry creates a registry saving receipts under storagePath.
// An empty storagePath disables persistence.
func NewRegistry(storagePath string) *Registry {
	return &Registry{
		anchors:     make(map[string]Anchor),
		storagePath: storagePath,
	}
}

// Register adds an anchor backend to the registry.
func (r *Registry) Register(anchor Anchor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.anchors[anchor.Name()] = anchor
}

// Get returns an anchor by name.
func (r *Registry) Get(name string) (Anchor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.anchors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAnchorNotFound, name)
	}
	return a, nil
}

// List returns all registered anchor names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.anchors))
	for name := range r.anchors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Save stores a receipt as JSON, one file per submission. A later receipt
// for the same transaction replaces the earlier one. Retries of a digest
// keep their own files.
func (r *Registry) Save(receipt *Receipt) error {
	if r.storagePath == "" || receipt == nil {
		return nil
	}
	if err := security.EnsureSecureDir(r.storagePath); err != nil {
		return err
	}

	data, err := json.MarshalIndent(receipt, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal receipt: %w", err)
	}
	return security.WriteFileAtomic(filepath.Join(r.storagePath, receiptFile(receipt)), data, security.PermSecretFile)
}

func receiptFile(receipt *Receipt) string {
	digest := receipt.Digest
	if len(digest) > 16 {
		digest = digest[:16]
	}
	if digest == "" {
		digest = "nodigest"
	}
	attempt := strings.TrimPrefix(receipt.TxID, "0x")
	if len(attempt) > 16 {
		attempt = attempt[:16]
	}
	if attempt == "" {
		attempt = fmt.Sprintf("t%d", receipt.SubmittedAt.UnixNano())
	}
	return fmt.Sprintf("%s.%s.%s.json", digest, receipt.Anchor, attempt)
}

// LoadReceipts loads all receipts from storage, oldest submission first.
// Unreadable files are skipped.
func (r *Registry) LoadReceipts() ([]*Receipt, error) {
	if r.storagePath == "" {
		return nil, nil
	}

	entries, err := os.ReadDir(r.storagePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var receipts []*Receipt
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.storagePath, entry.Name()))
		if err != nil {
			continue
		}
		var receipt Receipt
		if err := json.Unmarshal(data, &receipt); err != nil {
			continue
		}
		receipts = append(receipts, &receipt)
	}

	sort.Slice(receipts, func(i, j int) bool {
		return receipts[i].SubmittedAt.Before(receipts[j].SubmittedAt)
	})
	return receipts, nil
}
