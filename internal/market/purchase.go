package market

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/nft-market/internal/model"
)

// BuyItem buys a listed item for payment. The whole payment is collected
// from the buyer through the treasury; the listing price is credited to
// the seller's proceeds and payment above the price is kept by the
// marketplace and reported as Excess. A payment reference attached with
// payout.WithPaymentRef is claimed so it cannot pay for a second purchase.
//
// The listing is reset before payment and transfer run, so a callback
// from either sees the item as no longer listed.
func (m *Marketplace) BuyItem(ctx context.Context, assetAddr common.Address, tokenID *big.Int, payment decimal.Decimal, buyer common.Address) (*model.Purchase, error) {
	key := model.NewItemKey(assetAddr, tokenID)

	var purchase *model.Purchase
	err := m.execute(ctx, opBuy, func(ctx context.Context, f *frame) error {
		if err := checkPayment(payment); err != nil {
			return err
		}
		l, err := f.tx.GetListing(ctx, key)
		if err != nil {
			return err
		}
		if !l.Active() {
			return fmt.Errorf("%w: %s", ErrNotListed, key)
		}
		if payment.LessThan(l.Price) {
			return &PriceNotMetError{Asset: key.Asset, TokenID: new(big.Int).Set(key.TokenID), Price: l.Price}
		}

		if err := f.tx.PutListing(ctx, key, model.Listing{}); err != nil {
			return err
		}
		f.listedDelta--

		if err := m.collect(ctx, f, buyer, payment); err != nil {
			return err
		}
		if err := m.transfer(ctx, f, key, l.Seller, buyer); err != nil {
			return err
		}
		// A callback during the transfer does not see this credit.
		if err := f.tx.AddProceeds(ctx, l.Seller, l.Price); err != nil {
			return err
		}

		excess := payment.Sub(l.Price)
		f.overpaid = f.overpaid.Add(excess)
		purchase = &model.Purchase{
			Key:    key,
			Seller: l.Seller,
			Buyer:  buyer,
			Price:  l.Price,
			Paid:   payment,
			Excess: excess,
		}
		return f.emit(ctx, model.Event{
			Type:    model.EventItemBought,
			Asset:   key.Asset,
			TokenID: key.TokenString(),
			Seller:  l.Seller,
			Buyer:   buyer,
			Price:   l.Price,
		})
	})
	if err != nil {
		return nil, err
	}
	return purchase, nil
}
