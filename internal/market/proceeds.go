package market

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/nft-market/internal/model"
)

// WithdrawProceeds pays out the caller's whole balance and returns the
// amount paid. The balance is zeroed before the payer runs; if the payout
// fails the balance is restored and ErrTransferFailed is returned.
func (m *Marketplace) WithdrawProceeds(ctx context.Context, caller common.Address) (decimal.Decimal, error) {
	var paid decimal.Decimal
	err := m.execute(ctx, opWithdraw, func(ctx context.Context, f *frame) error {
		bal, err := f.tx.GetProceeds(ctx, caller)
		if err != nil {
			return err
		}
		if !bal.IsPositive() {
			return ErrNoProceeds
		}

		if err := f.tx.PutProceeds(ctx, caller, decimal.Zero); err != nil {
			return err
		}
		if err := m.pay(ctx, f, caller, bal); err != nil {
			return err
		}

		paid = bal
		return f.emit(ctx, model.Event{
			Type:   model.EventProceedsWithdrawn,
			Seller: caller,
			Price:  bal,
		})
	})
	if err != nil {
		return decimal.Zero, err
	}
	return paid, nil
}
