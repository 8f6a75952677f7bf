package anchors

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"evidenced/internal/integrity"
)

// NameEthereum is the registry name of the Ethereum anchor.
const NameEthereum = "ethereum"

// Transaction defaults.
const (
	DefaultGasLimit       = 500000
	DefaultConfirmTimeout = 120 * time.Second
	DefaultPollInterval   = 2 * time.Second
	DefaultRPCTimeout     = 10 * time.Second
)

// DefaultGasPrice is 20 gwei, used when the node cannot suggest a price.
var DefaultGasPrice = big.NewInt(20_000_000_000)

// EvidenceABI describes the anchoring contract's entry point.
const EvidenceABI = `[{"inputs":[{"internalType":"bytes32","name":"hash","type":"bytes32"},{"internalType":"string","name":"metadata","type":"string"}],"name":"logEvent","outputs":[],"stateMutability":"nonpayable","type":"function"}]`

// Ledger is the subset of an Ethereum client used for anchoring.
// *ethclient.Client satisfies it.
type Ledger interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
}

// EthereumConfig configures the Ethereum anchor.
type EthereumConfig struct {
	// Endpoint is the JSON-RPC URL of the node.
	Endpoint string
	// ContractAddress is the anchoring contract.
	ContractAddress string
	// PrivateKeyHex signs transactions. A 0x prefix is accepted.
	PrivateKeyHex string

	GasLimit uint64
	// GasPrice in wei. Nil asks the node.
	GasPrice *big.Int
	// ChainID for EIP-155 signing. Zero asks the node.
	ChainID int64

	// ConfirmTimeout bounds the wait for a receipt after broadcast.
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	// RPCTimeout bounds each call made before broadcast.
	RPCTimeout time.Duration

	Logger *slog.Logger
}

// EthereumAnchor anchors digests by calling logEvent(bytes32,string) on a
// contract.
type EthereumAnchor struct {
	ledger   Ledger
	contract common.Address
	key      *ecdsa.PrivateKey
	from     common.Address
	method   abi.ABI

	gasLimit       uint64
	gasPrice       *big.Int
	confirmTimeout time.Duration
	pollInterval   time.Duration
	rpcTimeout     time.Duration
	logger         *slog.Logger

	chainMu sync.Mutex
	chainID *big.Int

	// sendMu serializes nonce lookup through broadcast so concurrent
	// submissions never sign with the same nonce.
	sendMu sync.Mutex

	now func() time.Time
}

// NewEthereumAnchor dials the configured endpoint.
func NewEthereumAnchor(cfg EthereumConfig) (*EthereumAnchor, error) {
	if cfg.Endpoint == "" {
		return nil, &ConfigError{Field: "endpoint", Err: errors.New("required")}
	}
	client, err := ethclient.Dial(cfg.Endpoint)
	if err != nil {
		return nil, &ConfigError{Field: "endpoint", Err: err}
	}
	return NewEthereumAnchorWithLedger(cfg, client)
}

// NewEthereumAnchorWithLedger builds an anchor on an existing client.
func NewEthereumAnchorWithLedger(cfg EthereumConfig, ledger Ledger) (*EthereumAnchor, error) {
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, &ConfigError{Field: "contract_address", Err: fmt.Errorf("not an address: %q", cfg.ContractAddress)}
	}
	keyHex := strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKeyHex), "0x")
	if keyHex == "" {
		return nil, &ConfigError{Field: "private_key", Err: errors.New("required")}
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, &ConfigError{Field: "private_key", Err: errors.New("not a valid secp256k1 key")}
	}
	parsed, err := abi.JSON(strings.NewReader(EvidenceABI))
	if err != nil {
		return nil, err
	}

	a := &EthereumAnchor{
		ledger:         ledger,
		contract:       common.HexToAddress(cfg.ContractAddress),
		key:            key,
		from:           crypto.PubkeyToAddress(key.PublicKey),
		method:         parsed,
		gasLimit:       cfg.GasLimit,
		gasPrice:       cfg.GasPrice,
		confirmTimeout: cfg.ConfirmTimeout,
		pollInterval:   cfg.PollInterval,
		rpcTimeout:     cfg.RPCTimeout,
		logger:         cfg.Logger,
		now:            time.Now,
	}
	if a.gasLimit == 0 {
		a.gasLimit = DefaultGasLimit
	}
	if a.confirmTimeout <= 0 {
		a.confirmTimeout = DefaultConfirmTimeout
	}
	if a.pollInterval <= 0 {
		a.pollInterval = DefaultPollInterval
	}
	if a.rpcTimeout <= 0 {
		a.rpcTimeout = DefaultRPCTimeout
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if cfg.ChainID > 0 {
		a.chainID = big.NewInt(cfg.ChainID)
	}
	return a, nil
}

// Name returns the anchor type name.
func (a *EthereumAnchor) Name() string {
	return NameEthereum
}

// From returns the account that signs anchor transactions.
func (a *EthereumAnchor) From() common.Address {
	return a.from
}

// Submit anchors digest with metadata and waits up to the confirm timeout
// for the receipt. The nonce is read from the node for every submission.
func (a *EthereumAnchor) Submit(ctx context.Context, digest string, metadata []byte) (*Receipt, error) {
	r := &Receipt{
		Anchor:      a.Name(),
		Digest:      digest,
		Status:      StatusFailed,
		SubmittedAt: a.now().UTC(),
	}

	hash, err := decodeDigest(digest)
	if err != nil {
		r.Err = err.Error()
		return r, err
	}
	data, err := a.method.Pack("logEvent", hash, string(metadata))
	if err != nil {
		r.Err = err.Error()
		return r, fmt.Errorf("anchors: pack call: %w", err)
	}

	tx, err := a.broadcast(ctx, data)
	if tx != nil {
		r.TxID = tx.Hash().Hex()
		r.Status = StatusUnknown
	}
	if err != nil {
		r.Err = err.Error()
		if tx != nil {
			a.logger.Warn("anchor send outcome unknown", "tx", r.TxID, "nonce", tx.Nonce(), "digest", digest, "error", err)
		}
		return r, err
	}
	a.logger.Info("anchor transaction broadcast", "tx", r.TxID, "nonce", tx.Nonce(), "digest", digest)

	receipt, err := a.waitReceipt(ctx, tx.Hash())
	if err != nil {
		r.Err = err.Error()
		return r, &SubmitError{Kind: ErrTimeout, TxID: r.TxID, Err: err}
	}
	return a.settle(r, receipt)
}

// broadcast signs and sends one transaction. When the send fails after the
// request may have reached the node, the signed transaction is returned
// with an ErrTimeout so the caller keeps its hash for reconciliation.
func (a *EthereumAnchor) broadcast(ctx context.Context, data []byte) (*types.Transaction, error) {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, a.rpcTimeout)
	defer cancel()

	chainID, err := a.chain(callCtx)
	if err != nil {
		return nil, &SubmitError{Kind: ErrNetwork, Err: fmt.Errorf("chain id: %w", err)}
	}
	nonce, err := a.ledger.PendingNonceAt(callCtx, a.from)
	if err != nil {
		return nil, &SubmitError{Kind: ErrNetwork, Err: fmt.Errorf("pending nonce: %w", err)}
	}
	gasPrice := a.gasPrice
	if gasPrice == nil {
		gasPrice, err = a.ledger.SuggestGasPrice(callCtx)
		if err != nil || gasPrice == nil || gasPrice.Sign() <= 0 {
			gasPrice = DefaultGasPrice
		}
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &a.contract,
		Value:    new(big.Int),
		Gas:      a.gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.NewEIP155Signer(chainID), a.key)
	if err != nil {
		return nil, fmt.Errorf("anchors: sign: %w", err)
	}

	if err := a.ledger.SendTransaction(callCtx, signed); err != nil {
		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) {
			return nil, &SubmitError{Kind: ErrRejected, Err: err}
		}
		if notConnected(err) {
			return nil, &SubmitError{Kind: ErrNetwork, Err: fmt.Errorf("send: %w", err)}
		}
		return signed, &SubmitError{Kind: ErrTimeout, TxID: signed.Hash().Hex(), Err: fmt.Errorf("send: %w", err)}
	}
	return signed, nil
}

// notConnected reports whether err happened before any request bytes could
// reach the node.
func notConnected(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func (a *EthereumAnchor) chain(ctx context.Context) (*big.Int, error) {
	a.chainMu.Lock()
	defer a.chainMu.Unlock()
	if a.chainID != nil {
		return a.chainID, nil
	}
	id, err := a.ledger.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	a.chainID = id
	return id, nil
}

// waitReceipt polls until a receipt exists or the confirm budget runs out.
// Lookup errors other than not-found are retried until then.
func (a *EthereumAnchor) waitReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, a.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		receipt, err := a.ledger.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return nil, fmt.Errorf("no receipt after %s: %w", a.confirmTimeout, lastErr)
			}
			return nil, fmt.Errorf("no receipt after %s: %w", a.confirmTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (a *EthereumAnchor) settle(r *Receipt, receipt *types.Receipt) (*Receipt, error) {
	if receipt.BlockNumber != nil {
		r.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		r.Status = StatusFailed
		err := &SubmitError{Kind: ErrRejected, TxID: r.TxID, Err: errors.New("transaction reverted")}
		r.Err = err.Error()
		return r, err
	}
	r.Status = StatusConfirmed
	r.ConfirmedAt = a.now().UTC()
	r.Err = ""
	return r, nil
}

// Reconcile performs a single receipt lookup for txID. A transaction still
// in the pool stays StatusUnknown without an error. One the node no longer
// knows at all is reported StatusFailed with ErrDropped.
func (a *EthereumAnchor) Reconcile(ctx context.Context, txID string) (*Receipt, error) {
	r := &Receipt{Anchor: a.Name(), TxID: txID, Status: StatusUnknown}

	raw, err := hex.DecodeString(strings.TrimPrefix(txID, "0x"))
	if err != nil || len(raw) != common.HashLength {
		r.Err = "malformed transaction id"
		return r, fmt.Errorf("anchors: malformed transaction id %q", txID)
	}

	callCtx, cancel := context.WithTimeout(ctx, a.rpcTimeout)
	defer cancel()
	hash := common.BytesToHash(raw)
	receipt, err := a.ledger.TransactionReceipt(callCtx, hash)
	switch {
	case errors.Is(err, ethereum.NotFound):
		return a.lookupPending(callCtx, r, hash)
	case err != nil:
		r.Err = err.Error()
		return r, &SubmitError{Kind: ErrNetwork, TxID: txID, Err: err}
	}
	return a.settle(r, receipt)
}

func (a *EthereumAnchor) lookupPending(ctx context.Context, r *Receipt, hash common.Hash) (*Receipt, error) {
	_, _, err := a.ledger.TransactionByHash(ctx, hash)
	switch {
	case err == nil:
		return r, nil
	case errors.Is(err, ethereum.NotFound):
		r.Status = StatusFailed
		dropped := &SubmitError{Kind: ErrDropped, TxID: r.TxID, Err: errors.New("transaction unknown to the node")}
		r.Err = dropped.Error()
		return r, dropped
	default:
		r.Err = err.Error()
		return r, &SubmitError{Kind: ErrNetwork, TxID: r.TxID, Err: err}
	}
}

func decodeDigest(digest string) ([32]byte, error) {
	var out [32]byte
	if !integrity.Valid(digest) {
		return out, fmt.Errorf("%w: %q", ErrInvalidDigest, digest)
	}
	raw, err := hex.DecodeString(digest)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidDigest, err)
	}
	copy(out[:], raw)
	return out, nil
}
