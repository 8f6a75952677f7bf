package anchors

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockAnchor implements Anchor for testing.
type MockAnchor struct {
	name string
}

func (m *MockAnchor) Name() string { return m.name }

func (m *MockAnchor) Submit(_ context.Context, digest string, _ []byte) (*Receipt, error) {
	return &Receipt{Anchor: m.name, Digest: digest, Status: StatusConfirmed}, nil
}

func (m *MockAnchor) Reconcile(_ context.Context, txID string) (*Receipt, error) {
	return &Receipt{Anchor: m.name, TxID: txID, Status: StatusUnknown}, nil
}

func TestRegistryRegisterGet(t *testing.T) {
	r := NewRegistry("")
	r.Register(&MockAnchor{name: "b"})
	r.Register(&MockAnchor{name: "a"})

	a, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "a", a.Name())

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, ErrAnchorNotFound)

	assert.Equal(t, []string{"a", "b"}, r.List())
}

func TestRegistrySaveLoad(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "receipts")
	r := NewRegistry(dir)

	base := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	first := &Receipt{Anchor: NameEthereum, Digest: testDigest, Status: StatusUnknown, TxID: "0x01", SubmittedAt: base}
	other := &Receipt{Anchor: NameEthereum, Digest: "cd" + testDigest[2:], Status: StatusFailed, Err: "anchors: ledger unreachable", SubmittedAt: base.Add(-time.Minute)}
	require.NoError(t, r.Save(first))
	require.NoError(t, r.Save(other))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), info.Mode().Perm())

	// A later outcome for the same transaction replaces the earlier receipt.
	confirmed := *first
	confirmed.Status = StatusConfirmed
	confirmed.BlockNumber = 12
	require.NoError(t, r.Save(&confirmed))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk.json"), []byte("{not json"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0600))

	receipts, err := r.LoadReceipts()
	require.NoError(t, err)
	require.Len(t, receipts, 2)
	assert.Equal(t, StatusFailed, receipts[0].Status)
	assert.Equal(t, "anchors: ledger unreachable", receipts[0].Err)
	assert.Equal(t, StatusConfirmed, receipts[1].Status)
	assert.Equal(t, uint64(12), receipts[1].BlockNumber)
	assert.True(t, base.Equal(receipts[1].SubmittedAt))
}

func TestRegistrySaveKeepsRetries(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "receipts")
	r := NewRegistry(dir)

	base := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	unreachable := &Receipt{Anchor: NameEthereum, Digest: testDigest, Status: StatusFailed, Err: "anchors: ledger unreachable", SubmittedAt: base}
	retryUnreachable := *unreachable
	retryUnreachable.SubmittedAt = base.Add(time.Minute)
	reverted := &Receipt{Anchor: NameEthereum, Digest: testDigest, Status: StatusFailed, TxID: "0x" + strings.Repeat("1", 64), SubmittedAt: base.Add(2 * time.Minute)}
	confirmed := &Receipt{Anchor: NameEthereum, Digest: testDigest, Status: StatusConfirmed, TxID: "0x" + strings.Repeat("2", 64), BlockNumber: 40, SubmittedAt: base.Add(3 * time.Minute)}
	for _, rc := range []*Receipt{unreachable, &retryUnreachable, reverted, confirmed} {
		require.NoError(t, r.Save(rc))
	}

	receipts, err := r.LoadReceipts()
	require.NoError(t, err)
	require.Len(t, receipts, 4, "every attempt for the digest must survive")
	assert.True(t, base.Equal(receipts[0].SubmittedAt))
	assert.Equal(t, reverted.TxID, receipts[2].TxID)
	assert.Equal(t, StatusConfirmed, receipts[3].Status)
	assert.Equal(t, uint64(40), receipts[3].BlockNumber)
}

func TestRegistryWithoutStorage(t *testing.T) {
	r := NewRegistry("")
	require.NoError(t, r.Save(&Receipt{Digest: testDigest}))
	receipts, err := r.LoadReceipts()
	require.NoError(t, err)
	assert.Empty(t, receipts)

	r = NewRegistry(filepath.Join(t.TempDir(), "never-created"))
	receipts, err = r.LoadReceipts()
	require.NoError(t, err)
	assert.Empty(t, receipts)
}

func TestSubmitErrorMatching(t *testing.T) {
	err := error(&SubmitError{Kind: ErrTimeout, TxID: "0xabc", Err: context.DeadlineExceeded})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrNetwork)
	assert.Contains(t, err.Error(), "0xabc")
}
