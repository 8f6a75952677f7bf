package anchors

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testContract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

var testDigest = strings.Repeat("ab", 32)

type rpcError struct {
	code int
	msg  string
}

func (e rpcError) Error() string  { return e.msg }
func (e rpcError) ErrorCode() int { return e.code }

// fakeLedger is an in-memory node. The pending nonce advances with every
// accepted transaction, like a real mempool.
type fakeLedger struct {
	mu sync.Mutex

	chainID  *big.Int
	nonce    uint64
	gasPrice *big.Int

	chainErr, nonceErr, gasErr, sendErr, receiptErr, lookupErr error
	// queuedErr is returned by SendTransaction after the transaction was
	// accepted into the pool, like a response lost on the way back.
	queuedErr error

	// pendingPolls is how many lookups return NotFound before a receipt.
	pendingPolls int
	neverMine    bool
	status       uint64

	sent   []*types.Transaction
	polls  int
	nonces []uint64
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		chainID:  big.NewInt(1337),
		nonce:    5,
		gasPrice: big.NewInt(3_000_000_000),
		status:   types.ReceiptStatusSuccessful,
	}
}

func (f *fakeLedger) ChainID(context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.chainErr != nil {
		return nil, f.chainErr
	}
	return f.chainID, nil
}

func (f *fakeLedger) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nonceErr != nil {
		return 0, f.nonceErr
	}
	f.nonces = append(f.nonces, f.nonce)
	return f.nonce, nil
}

func (f *fakeLedger) SuggestGasPrice(context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gasErr != nil {
		return nil, f.gasErr
	}
	return f.gasPrice, nil
}

func (f *fakeLedger) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	f.nonce++
	return f.queuedErr
}

func (f *fakeLedger) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	if f.neverMine || f.polls <= f.pendingPolls {
		return nil, ethereum.NotFound
	}
	for _, tx := range f.sent {
		if tx.Hash() == h {
			return &types.Receipt{Status: f.status, TxHash: h, BlockNumber: big.NewInt(100)}, nil
		}
	}
	return nil, ethereum.NotFound
}

func (f *fakeLedger) TransactionByHash(_ context.Context, h common.Hash) (*types.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookupErr != nil {
		return nil, false, f.lookupErr
	}
	for _, tx := range f.sent {
		if tx.Hash() == h {
			return tx, true, nil
		}
	}
	return nil, false, ethereum.NotFound
}

func (f *fakeLedger) lastSent(t *testing.T) *types.Transaction {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent)
	return f.sent[len(f.sent)-1]
}

func testKeyHex(t *testing.T) string {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return hex.EncodeToString(crypto.FromECDSA(key))
}

func newTestAnchor(t *testing.T, ledger Ledger, mutate ...func(*EthereumConfig)) *EthereumAnchor {
	t.Helper()
	cfg := EthereumConfig{
		ContractAddress: testContract,
		PrivateKeyHex:   "0x" + testKeyHex(t),
		ConfirmTimeout:  100 * time.Millisecond,
		PollInterval:    2 * time.Millisecond,
		RPCTimeout:      time.Second,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	a, err := NewEthereumAnchorWithLedger(cfg, ledger)
	require.NoError(t, err)
	return a
}

func TestSubmit_Confirmed(t *testing.T) {
	ledger := newFakeLedger()
	ledger.pendingPolls = 3
	a := newTestAnchor(t, ledger)

	r, err := a.Submit(context.Background(), testDigest, []byte(`{"camera_id":"cam1"}`))
	require.NoError(t, err)
	require.NotNil(t, r)

	tx := ledger.lastSent(t)
	assert.Equal(t, StatusConfirmed, r.Status)
	assert.True(t, r.Confirmed())
	assert.Equal(t, tx.Hash().Hex(), r.TxID)
	assert.Equal(t, testDigest, r.Digest)
	assert.Equal(t, uint64(100), r.BlockNumber)
	assert.False(t, r.ConfirmedAt.IsZero())
	assert.Empty(t, r.Err)

	assert.Equal(t, uint64(5), tx.Nonce())
	assert.Equal(t, uint64(DefaultGasLimit), tx.Gas())
	assert.Equal(t, ledger.gasPrice.Int64(), tx.GasPrice().Int64())
	assert.Equal(t, common.HexToAddress(testContract), *tx.To())

	sender, err := types.Sender(types.NewEIP155Signer(ledger.chainID), tx)
	require.NoError(t, err)
	assert.Equal(t, a.From(), sender)

	method := a.method.Methods["logEvent"]
	assert.Equal(t, method.ID, tx.Data()[:4])
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	require.Len(t, args, 2)
	hash := args[0].([32]byte)
	assert.Equal(t, testDigest, hex.EncodeToString(hash[:]))
	assert.Equal(t, `{"camera_id":"cam1"}`, args[1].(string))
}

func TestSubmit_NonceReadPerSubmission(t *testing.T) {
	ledger := newFakeLedger()
	a := newTestAnchor(t, ledger)
	ctx := context.Background()

	_, err := a.Submit(ctx, testDigest, nil)
	require.NoError(t, err)
	_, err = a.Submit(ctx, testDigest, nil)
	require.NoError(t, err)

	// Another process used the account in between.
	ledger.mu.Lock()
	ledger.nonce = 42
	ledger.mu.Unlock()

	_, err = a.Submit(ctx, testDigest, nil)
	require.NoError(t, err)

	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	require.Len(t, ledger.sent, 3)
	assert.Equal(t, uint64(5), ledger.sent[0].Nonce())
	assert.Equal(t, uint64(6), ledger.sent[1].Nonce())
	assert.Equal(t, uint64(42), ledger.sent[2].Nonce())
	assert.Equal(t, []uint64{5, 6, 42}, ledger.nonces)
}

func TestSubmit_ConcurrentNoncesDistinct(t *testing.T) {
	ledger := newFakeLedger()
	a := newTestAnchor(t, ledger)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.Submit(context.Background(), testDigest, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for _, tx := range ledger.sent {
		assert.False(t, seen[tx.Nonce()], "nonce %d reused", tx.Nonce())
		seen[tx.Nonce()] = true
	}
	assert.Len(t, seen, 8)
}

func TestSubmit_Failures(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(*fakeLedger)
		kind       error
		status     Status
		wantTxID   bool
		wantNoSend bool
	}{
		{
			name:       "chain id unreachable",
			setup:      func(f *fakeLedger) { f.chainErr = errors.New("dial tcp: connection refused") },
			kind:       ErrNetwork,
			status:     StatusFailed,
			wantNoSend: true,
		},
		{
			name:       "nonce unreachable",
			setup:      func(f *fakeLedger) { f.nonceErr = errors.New("dial tcp: connection refused") },
			kind:       ErrNetwork,
			status:     StatusFailed,
			wantNoSend: true,
		},
		{
			name:       "node rejects",
			setup:      func(f *fakeLedger) { f.sendErr = rpcError{code: -32000, msg: "insufficient funds for gas * price + value"} },
			kind:       ErrRejected,
			status:     StatusFailed,
			wantNoSend: true,
		},
		{
			name:     "send response lost",
			setup:    func(f *fakeLedger) { f.sendErr = errors.New("EOF") },
			kind:     ErrTimeout,
			status:   StatusUnknown,
			wantTxID: true,
		},
		{
			name: "send refused before connecting",
			setup: func(f *fakeLedger) {
				f.sendErr = &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
			},
			kind:       ErrNetwork,
			status:     StatusFailed,
			wantNoSend: true,
		},
		{
			name:     "reverted",
			setup:    func(f *fakeLedger) { f.status = types.ReceiptStatusFailed },
			kind:     ErrRejected,
			status:   StatusFailed,
			wantTxID: true,
		},
		{
			name:     "never mined",
			setup:    func(f *fakeLedger) { f.neverMine = true },
			kind:     ErrTimeout,
			status:   StatusUnknown,
			wantTxID: true,
		},
		{
			name:     "receipt lookups failing",
			setup:    func(f *fakeLedger) { f.receiptErr = errors.New("503 Service Unavailable") },
			kind:     ErrTimeout,
			status:   StatusUnknown,
			wantTxID: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ledger := newFakeLedger()
			tc.setup(ledger)
			a := newTestAnchor(t, ledger)

			r, err := a.Submit(context.Background(), testDigest, []byte("{}"))
			require.Error(t, err)
			require.NotNil(t, r, "receipt must never be nil")
			assert.ErrorIs(t, err, tc.kind)
			assert.Equal(t, tc.status, r.Status)
			assert.Equal(t, testDigest, r.Digest)
			assert.NotEmpty(t, r.Err)

			var se *SubmitError
			require.ErrorAs(t, err, &se)
			if tc.wantTxID {
				assert.NotEmpty(t, r.TxID)
				assert.Equal(t, r.TxID, se.TxID)
			} else {
				assert.Empty(t, r.TxID)
			}
			if tc.wantNoSend {
				assert.Empty(t, ledger.sent)
			}
		})
	}
}

func TestSubmit_InvalidDigest(t *testing.T) {
	ledger := newFakeLedger()
	a := newTestAnchor(t, ledger)

	for _, d := range []string{"", "not-hex!!", strings.Repeat("a", 63), strings.ToUpper(testDigest)} {
		r, err := a.Submit(context.Background(), d, nil)
		assert.ErrorIs(t, err, ErrInvalidDigest)
		require.NotNil(t, r)
		assert.Equal(t, StatusFailed, r.Status)
	}
	assert.Empty(t, ledger.nonces, "ledger contacted for an invalid digest")
}

func TestSubmit_GasPrice(t *testing.T) {
	ledger := newFakeLedger()
	ledger.gasErr = errors.New("method not found")
	a := newTestAnchor(t, ledger)
	_, err := a.Submit(context.Background(), testDigest, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultGasPrice.Int64(), ledger.lastSent(t).GasPrice().Int64())

	fixed := big.NewInt(7)
	a = newTestAnchor(t, ledger, func(c *EthereumConfig) {
		c.GasPrice = fixed
		c.GasLimit = 90000
	})
	_, err = a.Submit(context.Background(), testDigest, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(7), ledger.lastSent(t).GasPrice().Int64())
	assert.Equal(t, uint64(90000), ledger.lastSent(t).Gas())
}

func TestSubmit_ConfiguredChainID(t *testing.T) {
	ledger := newFakeLedger()
	ledger.chainErr = errors.New("should not be asked")
	a := newTestAnchor(t, ledger, func(c *EthereumConfig) { c.ChainID = 31337 })

	_, err := a.Submit(context.Background(), testDigest, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(31337), ledger.lastSent(t).ChainId().Int64())
}

func TestSubmit_UnreachableEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	a, err := NewEthereumAnchor(EthereumConfig{
		Endpoint:        endpoint,
		ContractAddress: testContract,
		PrivateKeyHex:   testKeyHex(t),
		RPCTimeout:      time.Second,
	})
	require.NoError(t, err)

	r, err := a.Submit(context.Background(), testDigest, nil)
	assert.ErrorIs(t, err, ErrNetwork)
	require.NotNil(t, r)
	assert.Empty(t, r.TxID)
	assert.Equal(t, StatusFailed, r.Status)
}

func TestReconcile(t *testing.T) {
	ledger := newFakeLedger()
	ledger.neverMine = true
	a := newTestAnchor(t, ledger)
	ctx := context.Background()

	r, err := a.Submit(ctx, testDigest, nil)
	require.ErrorIs(t, err, ErrTimeout)
	txID := r.TxID

	r, err = a.Reconcile(ctx, txID)
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, r.Status)

	ledger.mu.Lock()
	ledger.neverMine = false
	ledger.mu.Unlock()

	r, err = a.Reconcile(ctx, txID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, r.Status)
	assert.Equal(t, txID, r.TxID)
	assert.Equal(t, uint64(100), r.BlockNumber)

	_, err = a.Reconcile(ctx, "0x1234")
	assert.Error(t, err)

	ledger.mu.Lock()
	ledger.receiptErr = errors.New("connection reset")
	ledger.mu.Unlock()
	r, err = a.Reconcile(ctx, txID)
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Equal(t, StatusUnknown, r.Status)
}

func TestReconcile_Dropped(t *testing.T) {
	ledger := newFakeLedger()
	a := newTestAnchor(t, ledger)
	ctx := context.Background()

	txID := common.BytesToHash([]byte("never broadcast")).Hex()
	r, err := a.Reconcile(ctx, txID)
	assert.ErrorIs(t, err, ErrDropped)
	assert.Equal(t, StatusFailed, r.Status)
	assert.Equal(t, txID, r.TxID)

	ledger.lookupErr = errors.New("connection reset")
	r, err = a.Reconcile(ctx, txID)
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Equal(t, StatusUnknown, r.Status)
}

func TestSubmit_SendDeadlineAfterQueueKeepsTxID(t *testing.T) {
	ledger := newFakeLedger()
	ledger.queuedErr = context.DeadlineExceeded
	a := newTestAnchor(t, ledger)
	ctx := context.Background()

	r, err := a.Submit(ctx, testDigest, nil)
	require.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrNetwork)
	assert.Equal(t, StatusUnknown, r.Status)
	tx := ledger.lastSent(t)
	assert.Equal(t, tx.Hash().Hex(), r.TxID)

	var se *SubmitError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, r.TxID, se.TxID)

	ledger.mu.Lock()
	ledger.queuedErr = nil
	ledger.neverMine = true
	ledger.mu.Unlock()

	// Still pooled: reconciliation reports unknown rather than dropped.
	rc, err := a.Reconcile(ctx, r.TxID)
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, rc.Status)

	ledger.mu.Lock()
	ledger.neverMine = false
	ledger.mu.Unlock()

	rc, err = a.Reconcile(ctx, r.TxID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, rc.Status)

	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	assert.Len(t, ledger.sent, 1)
}

func TestNewEthereumAnchor_ConfigErrors(t *testing.T) {
	key := testKeyHex(t)
	tests := []struct {
		name  string
		cfg   EthereumConfig
		field string
	}{
		{"no endpoint", EthereumConfig{ContractAddress: testContract, PrivateKeyHex: key}, "endpoint"},
		{"bad address", EthereumConfig{Endpoint: "http://127.0.0.1:8545", ContractAddress: "0x123", PrivateKeyHex: key}, "contract_address"},
		{"no key", EthereumConfig{Endpoint: "http://127.0.0.1:8545", ContractAddress: testContract}, "private_key"},
		{"bad key", EthereumConfig{Endpoint: "http://127.0.0.1:8545", ContractAddress: testContract, PrivateKeyHex: "zz"}, "private_key"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewEthereumAnchor(tc.cfg)
			var ce *ConfigError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tc.field, ce.Field)
			assert.NotContains(t, err.Error(), key)
		})
	}
}
