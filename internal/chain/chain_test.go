package chain

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/atmx/nft-market/internal/asset"
	"github.com/atmx/nft-market/internal/payout"
)

var (
	nft      = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	owner    = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	receiver = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
)

// fakeBackend answers ERC-721 view calls from a table and mines every
// submitted transaction with the configured status.
type fakeBackend struct {
	mu       sync.Mutex
	views    map[string]func(args []interface{}) ([]interface{}, error)
	sent     []*types.Transaction
	mined    map[common.Hash]*types.Transaction // sent by others
	status   uint64
	nonce    uint64
	pending  int // receipts reported as not found before mining
	receipts int
	dropped  bool   // node forgets sent transactions
	stall    bool   // SuggestGasTipCap blocks until ctx is done
	onSend   func() // runs after a transaction is accepted
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		views:  make(map[string]func([]interface{}) ([]interface{}, error)),
		mined:  make(map[common.Hash]*types.Transaction),
		status: types.ReceiptStatusSuccessful,
	}
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	method, err := erc721ABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	view, ok := f.views[method.Name]
	if !ok {
		return nil, fmt.Errorf("no view for %s", method.Name)
	}
	out, err := view(args)
	if err != nil {
		return nil, err
	}
	return method.Outputs.Pack(out...)
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	if f.stall {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(1), BaseFee: big.NewInt(7)}, nil
}

func (f *fakeBackend) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	if len(msg.Data) == 0 {
		return 21_000, nil
	}
	return 90_000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	f.nonce++
	if f.onSend != nil {
		f.onSend()
	}
	return nil
}

func (f *fakeBackend) TransactionByHash(_ context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tx, ok := f.mined[hash]; ok {
		return tx, false, nil
	}
	if f.dropped {
		return nil, false, ethereum.NotFound
	}
	for _, tx := range f.sent {
		if tx.Hash() == hash {
			return tx, f.pending > 0, nil
		}
	}
	return nil, false, ethereum.NotFound
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts++
	if f.pending > 0 {
		f.pending--
		return nil, ethereum.NotFound
	}
	if _, ok := f.mined[hash]; ok {
		return &types.Receipt{Status: f.status, TxHash: hash}, nil
	}
	if f.dropped {
		return nil, ethereum.NotFound
	}
	for _, tx := range f.sent {
		if tx.Hash() == hash {
			return &types.Receipt{Status: f.status, TxHash: hash}, nil
		}
	}
	return nil, ethereum.NotFound
}

func newTestClient(t *testing.T, b Backend) *Client {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	c, err := NewClient(b, "0x"+hex.EncodeToString(ethcrypto.FromECDSA(key)), 31337)
	if err != nil {
		t.Fatal(err)
	}
	c.SetReceiptPoll(time.Millisecond)
	return c
}

func TestNewClient_InvalidKey(t *testing.T) {
	if _, err := NewClient(newFakeBackend(), "not-a-key", 1); err == nil {
		t.Error("expected error for invalid key")
	}
}

func TestRegistry_OwnerOf(t *testing.T) {
	b := newFakeBackend()
	b.views["ownerOf"] = func(args []interface{}) ([]interface{}, error) {
		if args[0].(*big.Int).Int64() != 7 {
			return nil, errors.New("execution reverted: ERC721: invalid token ID")
		}
		return []interface{}{owner}, nil
	}
	r := NewRegistry(newTestClient(t, b))

	got, err := r.OwnerOf(context.Background(), nft, big.NewInt(7))
	if err != nil {
		t.Fatal(err)
	}
	if got != owner {
		t.Errorf("expected %s, got %s", owner.Hex(), got.Hex())
	}

	_, err = r.OwnerOf(context.Background(), nft, big.NewInt(8))
	if !errors.Is(err, asset.ErrNonexistentToken) {
		t.Errorf("expected ErrNonexistentToken, got %v", err)
	}
}

func TestRegistry_IsApprovedForTransferBy(t *testing.T) {
	b := newFakeBackend()
	c := newTestClient(t, b)
	r := NewRegistry(c)
	op := c.Address()

	tokenApproval := common.Address{}
	forAll := false
	b.views["ownerOf"] = func([]interface{}) ([]interface{}, error) { return []interface{}{owner}, nil }
	b.views["getApproved"] = func([]interface{}) ([]interface{}, error) { return []interface{}{tokenApproval}, nil }
	b.views["isApprovedForAll"] = func(args []interface{}) ([]interface{}, error) {
		if args[0].(common.Address) != owner || args[1].(common.Address) != op {
			return []interface{}{false}, nil
		}
		return []interface{}{forAll}, nil
	}

	ctx := context.Background()
	if ok, err := r.IsApprovedForTransferBy(ctx, nft, big.NewInt(1), op); err != nil || ok {
		t.Errorf("expected not approved, got %v %v", ok, err)
	}

	tokenApproval = op
	if ok, err := r.IsApprovedForTransferBy(ctx, nft, big.NewInt(1), op); err != nil || !ok {
		t.Errorf("expected token approval to count, got %v %v", ok, err)
	}

	tokenApproval = common.Address{}
	forAll = true
	if ok, err := r.IsApprovedForTransferBy(ctx, nft, big.NewInt(1), op); err != nil || !ok {
		t.Errorf("expected approval-for-all to count, got %v %v", ok, err)
	}
}

func TestRegistry_Transfer(t *testing.T) {
	b := newFakeBackend()
	b.pending = 2
	c := newTestClient(t, b)
	r := NewRegistry(c)

	if err := r.Transfer(context.Background(), nft, big.NewInt(3), owner, receiver); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if len(b.sent) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(b.sent))
	}
	tx := b.sent[0]
	if *tx.To() != nft {
		t.Errorf("expected tx to %s, got %s", nft.Hex(), tx.To().Hex())
	}
	if tx.Type() != types.DynamicFeeTxType {
		t.Errorf("expected dynamic fee tx, got type %d", tx.Type())
	}
	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(31337)), tx)
	if err != nil {
		t.Fatal(err)
	}
	if from != c.Address() {
		t.Errorf("expected tx signed by operator %s, got %s", c.Address().Hex(), from.Hex())
	}

	method, err := erc721ABI.MethodById(tx.Data()[:4])
	if err != nil {
		t.Fatal(err)
	}
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		t.Fatal(err)
	}
	if method.Name != "safeTransferFrom" || args[0].(common.Address) != owner ||
		args[1].(common.Address) != receiver || args[2].(*big.Int).Int64() != 3 {
		t.Errorf("unexpected call %s%v", method.Name, args)
	}
	if b.receipts != 3 {
		t.Errorf("expected receipt polled until mined (3 polls), got %d", b.receipts)
	}
}

func TestRegistry_TransferReverted(t *testing.T) {
	b := newFakeBackend()
	b.status = types.ReceiptStatusFailed
	r := NewRegistry(newTestClient(t, b))

	err := r.Transfer(context.Background(), nft, big.NewInt(3), owner, receiver)
	if !errors.Is(err, ErrReverted) {
		t.Errorf("expected ErrReverted, got %v", err)
	}
}

func TestRegistry_TransferToZeroAddress(t *testing.T) {
	b := newFakeBackend()
	r := NewRegistry(newTestClient(t, b))

	err := r.Transfer(context.Background(), nft, big.NewInt(3), owner, common.Address{})
	if !errors.Is(err, asset.ErrZeroAddress) {
		t.Errorf("expected ErrZeroAddress, got %v", err)
	}
	if len(b.sent) != 0 {
		t.Error("no transaction must be sent")
	}
}

func TestPayer_Pay(t *testing.T) {
	b := newFakeBackend()
	p := NewPayer(newTestClient(t, b))

	amount := decimal.RequireFromString("100000000000000000")
	if err := p.Pay(context.Background(), receiver, amount); err != nil {
		t.Fatalf("pay: %v", err)
	}
	tx := b.sent[0]
	if *tx.To() != receiver || tx.Value().String() != "100000000000000000" || len(tx.Data()) != 0 {
		t.Errorf("unexpected payout tx to=%s value=%s", tx.To().Hex(), tx.Value())
	}
	if tx.Gas() != 21_000 {
		t.Errorf("expected plain transfer gas, got %d", tx.Gas())
	}
}

func TestPayer_RejectsFractionalAmount(t *testing.T) {
	p := NewPayer(newTestClient(t, newFakeBackend()))
	if err := p.Pay(context.Background(), receiver, decimal.RequireFromString("0.5")); err == nil {
		t.Error("expected error for fractional wei")
	}
}

func TestWaitMined_ContextCanceled(t *testing.T) {
	b := newFakeBackend()
	c := newTestClient(t, b)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.waitMined(ctx, common.HexToHash("0x01"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestSend_TxTimeoutBoundsSubmission(t *testing.T) {
	b := newFakeBackend()
	b.stall = true
	c := newTestClient(t, b)
	c.SetTxTimeout(20 * time.Millisecond)

	err := NewPayer(c).Pay(context.Background(), receiver, decimal.NewFromInt(1))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}
	if len(b.sent) != 0 {
		t.Error("no transaction must be sent")
	}
}

func TestSend_WaitsForMiningAfterCallerCancels(t *testing.T) {
	b := newFakeBackend()
	b.pending = 5
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.onSend = cancel
	c := newTestClient(t, b)

	if err := NewPayer(c).Pay(ctx, receiver, decimal.NewFromInt(1)); err != nil {
		t.Fatalf("submitted payout must report its mined outcome, got %v", err)
	}
	if b.receipts != 6 {
		t.Errorf("expected receipt polled until mined (6 polls), got %d", b.receipts)
	}
}

func TestSend_DroppedTransaction(t *testing.T) {
	b := newFakeBackend()
	b.dropped = true
	c := newTestClient(t, b)

	err := NewPayer(c).Pay(context.Background(), receiver, decimal.NewFromInt(1))
	if !errors.Is(err, ErrDropped) {
		t.Errorf("expected ErrDropped, got %v", err)
	}
}

// payment signs a value transfer from key to the operator and records it
// as mined.
func payment(t *testing.T, b *fakeBackend, c *Client, key *ecdsa.PrivateKey, to common.Address, value int64) string {
	t.Helper()
	tx, err := types.SignTx(types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(31337),
		Gas:       21_000,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(10),
		To:        &to,
		Value:     big.NewInt(value),
	}), c.signer, key)
	if err != nil {
		t.Fatal(err)
	}
	b.mu.Lock()
	b.mined[tx.Hash()] = tx
	b.mu.Unlock()
	return tx.Hash().Hex()
}

func TestPayer_Collect(t *testing.T) {
	b := newFakeBackend()
	c := newTestClient(t, b)
	p := NewPayer(c)
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	buyer := ethcrypto.PubkeyToAddress(key.PublicKey)
	ctx := context.Background()

	ref := payment(t, b, c, key, c.Address(), 100)
	if err := p.Collect(payout.WithPaymentRef(ctx, ref), buyer, decimal.NewFromInt(100)); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(b.sent) != 0 {
		t.Error("collect must not send transactions")
	}

	tests := []struct {
		name string
		ctx  context.Context
		from common.Address
		want error
	}{
		{"no reference", ctx, buyer, ErrPaymentRequired},
		{"malformed", payout.WithPaymentRef(ctx, "0x1234"), buyer, ErrPaymentMismatch},
		{"unknown", payout.WithPaymentRef(ctx, common.HexToHash("0xbeef").Hex()), buyer, ErrPaymentMismatch},
		{"other sender", payout.WithPaymentRef(ctx, ref), receiver, ErrPaymentMismatch},
		{"short", payout.WithPaymentRef(ctx, payment(t, b, c, key, c.Address(), 99)), buyer, payout.ErrInsufficientFunds},
		{"wrong recipient", payout.WithPaymentRef(ctx, payment(t, b, c, key, receiver, 100)), buyer, ErrPaymentMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Collect(tt.ctx, tt.from, decimal.NewFromInt(100))
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestPayer_CollectReverted(t *testing.T) {
	b := newFakeBackend()
	c := newTestClient(t, b)
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	ref := payment(t, b, c, key, c.Address(), 100)
	b.status = types.ReceiptStatusFailed

	err = NewPayer(c).Collect(payout.WithPaymentRef(context.Background(), ref), ethcrypto.PubkeyToAddress(key.PublicKey), decimal.NewFromInt(100))
	if !errors.Is(err, ErrReverted) {
		t.Errorf("expected ErrReverted, got %v", err)
	}
}
