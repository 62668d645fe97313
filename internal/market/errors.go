package market

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/nft-market/internal/model"
)

var (
	// ErrPriceMustBeAboveZero is returned when listing or updating at a
	// non-positive price.
	ErrPriceMustBeAboveZero = errors.New("market: price must be above zero")

	// ErrNotApprovedForMarketplace is returned when the marketplace may not
	// move the item on the owner's behalf.
	ErrNotApprovedForMarketplace = errors.New("market: not approved for marketplace")

	// ErrNotOwner is returned when the caller is not the item's owner or
	// the listing's seller.
	ErrNotOwner = errors.New("market: not owner")

	// ErrAlreadyListed is returned when another seller's listing is active.
	ErrAlreadyListed = errors.New("market: already listed")

	// ErrNotListed is returned for operations against the sentinel listing.
	ErrNotListed = errors.New("market: not listed")

	// ErrPriceNotMet matches every *PriceNotMetError.
	ErrPriceNotMet = errors.New("market: price not met")

	// ErrNoProceeds is returned when withdrawing a zero balance.
	ErrNoProceeds = errors.New("market: no proceeds")

	// ErrTransferFailed is returned when the asset transfer or the payout
	// fails. The whole operation has been rolled back.
	ErrTransferFailed = errors.New("market: transfer failed")

	// ErrInvalidAmount is returned for negative or fractional amounts.
	ErrInvalidAmount = errors.New("market: amount must be a whole number of base units")

	// ErrPaymentFailed is returned when the buyer's payment cannot be
	// collected or its reference was already spent on another purchase.
	ErrPaymentFailed = errors.New("market: payment failed")

	// ErrNotReversible is returned when a nested operation would move an
	// asset or funds through a collaborator that cannot undo it.
	ErrNotReversible = errors.New("market: nested external call cannot be reversed")
)

// PriceNotMetError carries the price a buyer must pay.
type PriceNotMetError struct {
	Asset   common.Address
	TokenID *big.Int
	Price   decimal.Decimal
}

func (e *PriceNotMetError) Error() string {
	return fmt.Sprintf("market: price not met for %s:%s, required %s",
		e.Asset.Hex(), e.TokenID, e.Price)
}

func (e *PriceNotMetError) Is(target error) bool {
	return target == ErrPriceNotMet
}

// notListedError is what cancel and update return for the sentinel
// listing: nobody is the seller of an absent listing, so it is both.
type notListedError struct {
	key model.ItemKey
}

func (e *notListedError) Error() string {
	return fmt.Sprintf("market: %s is not listed", e.key)
}

func (e *notListedError) Is(target error) bool {
	return target == ErrNotOwner || target == ErrNotListed
}

// codes is ordered: the first match names the error.
var codes = []struct {
	err  error
	code string
}{
	{ErrPriceMustBeAboveZero, "PriceMustBeAboveZero"},
	{ErrInvalidAmount, "InvalidAmount"},
	{ErrNotApprovedForMarketplace, "NotApprovedForMarketplace"},
	{ErrNotOwner, "NotOwner"},
	{ErrAlreadyListed, "AlreadyListed"},
	{ErrNotListed, "NotListed"},
	{ErrPriceNotMet, "PriceNotMet"},
	{ErrPaymentFailed, "PaymentFailed"},
	{ErrNotReversible, "NotReversible"},
	{ErrNoProceeds, "NoProceeds"},
	{ErrTransferFailed, "TransferFailed"},
}

// Code returns the stable name of a marketplace failure, "" for nil and
// "Internal" for anything else (store or collaborator I/O).
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "Internal"
}
