package market

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/nft-market/internal/model"
)

// ListItem offers an item the caller owns at price. The checks run in
// order: price, ownership, marketplace approval, existing listing.
func (m *Marketplace) ListItem(ctx context.Context, assetAddr common.Address, tokenID *big.Int, price decimal.Decimal, caller common.Address) error {
	key := model.NewItemKey(assetAddr, tokenID)
	return m.execute(ctx, opList, func(ctx context.Context, f *frame) error {
		if err := checkPrice(price); err != nil {
			return err
		}
		if err := m.requireOwnerAndApproved(ctx, key, caller); err != nil {
			return err
		}
		prev, err := requireNotListedByOther(ctx, f.tx, key, caller)
		if err != nil {
			return err
		}

		if err := f.tx.PutListing(ctx, key, model.Listing{Price: price, Seller: caller}); err != nil {
			return err
		}
		if !prev.Active() {
			f.listedDelta++
		}
		return f.emit(ctx, model.Event{
			Type:    model.EventItemListed,
			Asset:   key.Asset,
			TokenID: key.TokenString(),
			Seller:  caller,
			Price:   price,
		})
	})
}

// CancelListing withdraws the caller's listing. Cancelling an item that
// is not listed fails with an error matching both ErrNotOwner and
// ErrNotListed.
func (m *Marketplace) CancelListing(ctx context.Context, assetAddr common.Address, tokenID *big.Int, caller common.Address) error {
	key := model.NewItemKey(assetAddr, tokenID)
	return m.execute(ctx, opCancel, func(ctx context.Context, f *frame) error {
		if _, err := requireSeller(ctx, f.tx, key, caller); err != nil {
			return err
		}
		if err := f.tx.PutListing(ctx, key, model.Listing{}); err != nil {
			return err
		}
		f.listedDelta--
		return f.emit(ctx, model.Event{
			Type:    model.EventItemCanceled,
			Asset:   key.Asset,
			TokenID: key.TokenString(),
			Seller:  caller,
		})
	})
}

// UpdateListing changes the price of the caller's listing. The update is
// announced as a fresh ItemListed event.
func (m *Marketplace) UpdateListing(ctx context.Context, assetAddr common.Address, tokenID *big.Int, newPrice decimal.Decimal, caller common.Address) error {
	key := model.NewItemKey(assetAddr, tokenID)
	return m.execute(ctx, opUpdate, func(ctx context.Context, f *frame) error {
		if _, err := requireSeller(ctx, f.tx, key, caller); err != nil {
			return err
		}
		if err := checkPrice(newPrice); err != nil {
			return err
		}
		if err := f.tx.PutListing(ctx, key, model.Listing{Price: newPrice, Seller: caller}); err != nil {
			return err
		}
		return f.emit(ctx, model.Event{
			Type:    model.EventItemListed,
			Asset:   key.Asset,
			TokenID: key.TokenString(),
			Seller:  caller,
			Price:   newPrice,
		})
	})
}
