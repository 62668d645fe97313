package market

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/nft-market/internal/asset"
	"github.com/atmx/nft-market/internal/model"
	"github.com/atmx/nft-market/internal/payout"
	"github.com/atmx/nft-market/internal/store"
)

// collect takes payment from buyer. A payment reference on ctx is claimed
// in the store first, so one external payment settles one purchase.
func (m *Marketplace) collect(ctx context.Context, f *frame, buyer common.Address, payment decimal.Decimal) error {
	if ref, ok := payout.PaymentRef(ctx); ok {
		if err := f.tx.ClaimPaymentRef(ctx, ref); err != nil {
			if errors.Is(err, store.ErrPaymentRefUsed) {
				return fmt.Errorf("%w: %w", ErrPaymentFailed, err)
			}
			return err
		}
	}
	if err := m.treasury.Collect(ctx, buyer, payment); err != nil {
		return fmt.Errorf("%w: from %s: %w", ErrPaymentFailed, buyer.Hex(), err)
	}
	// A verify-only collector moved nothing; the claim rolls back with the tx.
	if rev, ok := m.treasury.(payout.Reverser); ok {
		f.onRollback("refund "+buyer.Hex(), func(ctx context.Context) error {
			return rev.Refund(ctx, buyer, payment)
		})
	}
	return nil
}

// transfer moves an item to the buyer and registers its reversal.
func (m *Marketplace) transfer(ctx context.Context, f *frame, key model.ItemKey, from, to common.Address) error {
	rev, reversible := m.registry.(asset.Reverser)
	if f.nested && !reversible {
		return fmt.Errorf("%w: transfer of %s", ErrNotReversible, key)
	}
	if err := m.registry.Transfer(ctx, key.Asset, key.TokenID, from, to); err != nil {
		return fmt.Errorf("%w: %s to %s: %w", ErrTransferFailed, key, to.Hex(), err)
	}
	if reversible {
		f.onRollback("revert transfer "+key.String(), func(ctx context.Context) error {
			return rev.RevertTransfer(ctx, key.Asset, key.TokenID, from, to)
		})
	}
	return nil
}

// pay sends amount to a seller and registers its reversal.
func (m *Marketplace) pay(ctx context.Context, f *frame, to common.Address, amount decimal.Decimal) error {
	rev, reversible := m.treasury.(payout.Reverser)
	if f.nested && !reversible {
		return fmt.Errorf("%w: payout to %s", ErrNotReversible, to.Hex())
	}
	if err := m.treasury.Pay(ctx, to, amount); err != nil {
		return fmt.Errorf("%w: payout to %s: %w", ErrTransferFailed, to.Hex(), err)
	}
	if reversible {
		f.onRollback("reclaim payout "+to.Hex(), func(ctx context.Context) error {
			return rev.Reclaim(ctx, to, amount)
		})
	}
	return nil
}
