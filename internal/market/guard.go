package market

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/nft-market/internal/asset"
	"github.com/atmx/nft-market/internal/model"
	"github.com/atmx/nft-market/internal/store"
)

func checkPrice(price decimal.Decimal) error {
	if !price.IsPositive() {
		return ErrPriceMustBeAboveZero
	}
	if !price.IsInteger() {
		return ErrInvalidAmount
	}
	return nil
}

func checkPayment(payment decimal.Decimal) error {
	if payment.IsNegative() || !payment.IsInteger() {
		return ErrInvalidAmount
	}
	return nil
}

// requireOwnerAndApproved checks the registry: caller owns the item and
// the marketplace may move it.
func (m *Marketplace) requireOwnerAndApproved(ctx context.Context, key model.ItemKey, caller common.Address) error {
	owner, err := m.registry.OwnerOf(ctx, key.Asset, key.TokenID)
	if errors.Is(err, asset.ErrNonexistentToken) {
		return fmt.Errorf("%w: %s does not exist", ErrNotOwner, key)
	}
	if err != nil {
		return fmt.Errorf("market: owner of %s: %w", key, err)
	}
	if owner != caller {
		return ErrNotOwner
	}

	approved, err := m.registry.IsApprovedForTransferBy(ctx, key.Asset, key.TokenID, m.operator)
	if err != nil {
		return fmt.Errorf("market: approval of %s: %w", key, err)
	}
	if !approved {
		return ErrNotApprovedForMarketplace
	}
	return nil
}

// requireNotListedByOther rejects an active listing held by another seller.
// A seller relisting their own item overwrites it.
func requireNotListedByOther(ctx context.Context, tx store.Tx, key model.ItemKey, caller common.Address) (model.Listing, error) {
	l, err := tx.GetListing(ctx, key)
	if err != nil {
		return l, err
	}
	if l.Active() && l.Seller != caller {
		return l, ErrAlreadyListed
	}
	return l, nil
}

// requireSeller returns the active listing for key if caller is its seller.
func requireSeller(ctx context.Context, tx store.Tx, key model.ItemKey, caller common.Address) (model.Listing, error) {
	l, err := tx.GetListing(ctx, key)
	if err != nil {
		return l, err
	}
	if !l.Active() {
		return l, &notListedError{key: key}
	}
	if l.Seller != caller {
		return l, ErrNotOwner
	}
	return l, nil
}
