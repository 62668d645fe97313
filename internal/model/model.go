// Package model defines the core domain types shared across the marketplace.
// All monetary values use shopspring/decimal holding integer base units
// (wei), never float64 for money.
package model

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ItemKey addresses one token: the asset contract plus the token ID within it.
type ItemKey struct {
	Asset   common.Address `json:"asset"`
	TokenID *big.Int       `json:"token_id"`
}

// NewItemKey copies tokenID so the key never aliases caller-owned memory.
// A nil tokenID is treated as token 0.
func NewItemKey(asset common.Address, tokenID *big.Int) ItemKey {
	id := new(big.Int)
	if tokenID != nil {
		id.Set(tokenID)
	}
	return ItemKey{Asset: asset, TokenID: id}
}

// ParseItemKey builds a key from a hex address and a decimal token ID.
func ParseItemKey(asset, tokenID string) (ItemKey, error) {
	if !common.IsHexAddress(asset) {
		return ItemKey{}, fmt.Errorf("model: invalid asset address %q", asset)
	}
	id, ok := new(big.Int).SetString(tokenID, 10)
	if !ok || id.Sign() < 0 {
		return ItemKey{}, fmt.Errorf("model: invalid token id %q", tokenID)
	}
	return ItemKey{Asset: common.HexToAddress(asset), TokenID: id}, nil
}

// TokenString returns the token ID in decimal.
func (k ItemKey) TokenString() string {
	if k.TokenID == nil {
		return "0"
	}
	return k.TokenID.String()
}

// String is the canonical storage key: "<asset hex>:<token decimal>".
func (k ItemKey) String() string {
	return k.Asset.Hex() + ":" + k.TokenString()
}

// Listing is an offer to sell one item at a fixed price.
// The zero value is the sentinel for "not listed".
type Listing struct {
	Price  decimal.Decimal `json:"price"`
	Seller common.Address  `json:"seller"`
}

// Active reports whether l is a real listing rather than the sentinel.
func (l Listing) Active() bool {
	return l.Price.IsPositive()
}

// ListedItem pairs a key with its active listing for browse queries.
type ListedItem struct {
	ItemKey
	Listing
	UpdatedAt time.Time `json:"updated_at"`
}

// ListingFilter narrows ListListings. Zero fields match everything.
type ListingFilter struct {
	Asset  common.Address
	Seller common.Address
	Limit  int
}

// Purchase summarizes a completed buyItem.
type Purchase struct {
	Key    ItemKey         `json:"item"`
	Seller common.Address  `json:"seller"`
	Buyer  common.Address  `json:"buyer"`
	Price  decimal.Decimal `json:"price"`  // credited to the seller
	Paid   decimal.Decimal `json:"paid"`   // tendered by the buyer
	Excess decimal.Decimal `json:"excess"` // paid - price, retained
}

// EventType names an observable marketplace event.
type EventType string

const (
	EventItemListed        EventType = "ItemListed"
	EventItemCanceled      EventType = "ItemCanceled"
	EventItemBought        EventType = "ItemBought"
	EventProceedsWithdrawn EventType = "ProceedsWithdrawn"
)

// Event is an immutable record of a successful state transition.
// Once appended, events are never modified or deleted.
type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Asset     common.Address  `json:"asset"`
	TokenID   string          `json:"token_id,omitempty"` // decimal; empty for withdrawals
	Seller    common.Address  `json:"seller"`
	Buyer     common.Address  `json:"buyer"`
	Price     decimal.Decimal `json:"price"` // listing price, or amount withdrawn
	Timestamp time.Time       `json:"timestamp"`
}

// Key returns the item the event refers to. Withdrawals have no item.
func (e Event) Key() (ItemKey, bool) {
	if e.TokenID == "" {
		return ItemKey{}, false
	}
	id, ok := new(big.Int).SetString(e.TokenID, 10)
	if !ok {
		return ItemKey{}, false
	}
	return ItemKey{Asset: e.Asset, TokenID: id}, true
}
