package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/atmx/nft-market/internal/payout"
)

var (
	// ErrPaymentRequired is returned by Collect without a payment reference.
	ErrPaymentRequired = errors.New("chain: payment transaction required")

	// ErrPaymentMismatch is returned when the referenced transaction is not
	// a settled transfer from the buyer to the operator.
	ErrPaymentMismatch = errors.New("chain: payment does not match purchase")
)

// Payer pays proceeds as plain value transfers from the operator account
// and verifies buyers' payments to it.
type Payer struct {
	client *Client
}

var _ payout.Treasury = (*Payer)(nil)

func NewPayer(c *Client) *Payer {
	return &Payer{client: c}
}

// Pay sends amount wei to the recipient and waits for the transfer to be
// mined. A recipient contract that reverts makes Pay fail.
func (p *Payer) Pay(ctx context.Context, to common.Address, amount decimal.Decimal) error {
	if amount.IsNegative() || !amount.IsInteger() {
		return fmt.Errorf("chain: invalid payout amount %s", amount)
	}
	if _, err := p.client.send(ctx, to, amount.BigInt(), nil); err != nil {
		return fmt.Errorf("chain: pay %s to %s: %w", amount, to.Hex(), err)
	}
	return nil
}

// Collect checks that the transaction named by the payment reference on
// ctx is a successful transfer of at least amount from the buyer to the
// operator. It moves nothing, so there is nothing to refund; the caller
// makes sure a reference is spent once.
func (p *Payer) Collect(ctx context.Context, from common.Address, amount decimal.Decimal) error {
	ref, ok := payout.PaymentRef(ctx)
	if !ok {
		return ErrPaymentRequired
	}
	raw, err := hexutil.Decode(ref)
	if err != nil || len(raw) != common.HashLength {
		return fmt.Errorf("%w: malformed hash %q", ErrPaymentMismatch, ref)
	}
	hash := common.BytesToHash(raw)

	tx, pending, err := p.client.backend.TransactionByHash(ctx, hash)
	switch {
	case errors.Is(err, ethereum.NotFound):
		return fmt.Errorf("%w: %s not found", ErrPaymentMismatch, hash.Hex())
	case err != nil:
		return fmt.Errorf("chain: payment %s: %w", hash.Hex(), err)
	case pending:
		return fmt.Errorf("%w: %s not mined yet", ErrPaymentMismatch, hash.Hex())
	}

	receipt, err := p.client.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		return fmt.Errorf("chain: payment receipt %s: %w", hash.Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%w: payment %s", ErrReverted, hash.Hex())
	}

	sender, err := types.Sender(p.client.signer, tx)
	if err != nil {
		return fmt.Errorf("chain: payment sender %s: %w", hash.Hex(), err)
	}
	if sender != from {
		return fmt.Errorf("%w: %s sent by %s, not %s", ErrPaymentMismatch, hash.Hex(), sender.Hex(), from.Hex())
	}
	if tx.To() == nil || *tx.To() != p.client.from {
		return fmt.Errorf("%w: %s not sent to operator", ErrPaymentMismatch, hash.Hex())
	}
	if tx.Value().Cmp(amount.BigInt()) < 0 {
		return fmt.Errorf("%w: %s carries %s, needs %s", payout.ErrInsufficientFunds, hash.Hex(), tx.Value(), amount)
	}
	return nil
}
