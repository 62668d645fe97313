// Package chain implements the marketplace collaborators against an
// Ethereum JSON-RPC node: an ERC-721 asset registry and a native-value
// payer, both acting as the marketplace operator account.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	// ErrReverted is returned when a mined transaction has a failed status.
	ErrReverted = errors.New("chain: transaction reverted")

	// ErrDropped is returned when a submitted transaction is no longer
	// known to the node and was never mined.
	ErrDropped = errors.New("chain: transaction dropped")
)

// DefaultReceiptPoll is how often a pending transaction's receipt is polled.
const DefaultReceiptPoll = 2 * time.Second

// Backend is the part of ethclient.Client the operator account uses.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Client signs and submits transactions from the operator account.
type Client struct {
	backend Backend
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
	signer  types.Signer
	poll    time.Duration
	timeout time.Duration

	mu sync.Mutex // serializes nonce allocation
}

// Dial connects to rpcURL and returns a client for the operator key.
func Dial(ctx context.Context, rpcURL, privateKeyHex string, chainID int64) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", rpcURL, err)
	}
	return NewClient(ec, privateKeyHex, chainID)
}

// NewClient creates a client from a hex-encoded secp256k1 private key.
func NewClient(b Backend, privateKeyHex string, chainID int64) (*Client, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("chain: invalid operator key: %w", err)
	}
	id := big.NewInt(chainID)
	return &Client{
		backend: b,
		key:     pk,
		from:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		chainID: id,
		signer:  types.LatestSignerForChainID(id),
		poll:    DefaultReceiptPoll,
	}, nil
}

// SetReceiptPoll overrides the receipt polling interval.
func (c *Client) SetReceiptPoll(d time.Duration) {
	if d > 0 {
		c.poll = d
	}
}

// SetTxTimeout bounds how long send may take to submit a transaction.
// Zero means only the caller's context applies. Mining is awaited until
// the transaction is mined or dropped regardless of either.
func (c *Client) SetTxTimeout(d time.Duration) {
	c.timeout = d
}

// Address returns the operator account address.
func (c *Client) Address() common.Address {
	return c.from
}

func (c *Client) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return c.backend.CallContract(ctx, ethereum.CallMsg{From: c.from, To: &to, Data: data}, nil)
}

// send signs an EIP-1559 transaction, submits it and waits until it is
// mined. A reverted transaction returns ErrReverted with its receipt.
//
// Once submitted the transaction can mine whatever the caller does, so
// the wait ignores cancellation of ctx: returning early would report a
// failure for a transfer that still happens.
func (c *Client) send(ctx context.Context, to common.Address, value *big.Int, data []byte) (*types.Receipt, error) {
	subCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		subCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	signed, err := c.submit(subCtx, to, value, data)
	if err != nil {
		return nil, err
	}

	r, err := c.waitMined(context.WithoutCancel(ctx), signed.Hash())
	if ctx.Err() != nil {
		slog.Warn("caller gone before transaction settled",
			"tx", signed.Hash().Hex(),
			"to", to.Hex(),
			"err", err,
		)
	}
	return r, err
}

func (c *Client) submit(ctx context.Context, to common.Address, value *big.Int, data []byte) (*types.Transaction, error) {
	if value == nil {
		value = new(big.Int)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("chain: submit: %w", err)
	}
	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, fmt.Errorf("chain: nonce: %w", err)
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: gas tip: %w", err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: latest header: %w", err)
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = new(big.Int)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(baseFee, big.NewInt(2)))

	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &to, Value: value, Data: data})
	if err != nil {
		return nil, fmt.Errorf("chain: estimate gas: %w", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	})
	signed, err := types.SignTx(tx, c.signer, c.key)
	if err != nil {
		return nil, fmt.Errorf("chain: sign: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("chain: submit: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("chain: send %s: %w", signed.Hash().Hex(), err)
	}
	return signed, nil
}

// waitMined polls for the receipt of hash until it is mined, the node
// forgets the transaction, or ctx is done.
func (c *Client) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		r, err := c.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			if r.Status != types.ReceiptStatusSuccessful {
				return r, fmt.Errorf("%w: %s", ErrReverted, hash.Hex())
			}
			return r, nil
		case !errors.Is(err, ethereum.NotFound):
			return nil, fmt.Errorf("chain: receipt %s: %w", hash.Hex(), err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("chain: waiting for %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}

		// A mined transaction is still found here, so only a dropped one
		// is missing.
		if _, _, err := c.backend.TransactionByHash(ctx, hash); errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("%w: %s", ErrDropped, hash.Hex())
		}
	}
}
