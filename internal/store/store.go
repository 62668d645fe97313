// Package store defines the persistence interface for the marketplace.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
//
// Every mutation goes through a Tx. A Tx may open nested transactions
// (savepoints) so that a re-entrant operation can fail without discarding
// the work of the operation that called into it.
package store

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/nft-market/internal/model"
)

var (
	// ErrTxDone is returned by any use of a committed or rolled-back Tx.
	ErrTxDone = errors.New("store: transaction already finished")

	// ErrPaymentRefUsed is returned when a payment reference was already
	// claimed by a committed or in-flight purchase.
	ErrPaymentRefUsed = errors.New("store: payment reference already used")
)

// Reader exposes committed state. Reads of absent keys are not errors:
// GetListing returns the sentinel listing and GetProceeds returns zero.
type Reader interface {
	// GetListing returns the listing for key, or the zero Listing.
	GetListing(ctx context.Context, key model.ItemKey) (model.Listing, error)

	// ListListings returns active listings matching filter, newest first.
	ListListings(ctx context.Context, filter model.ListingFilter) ([]model.ListedItem, error)

	// GetProceeds returns the withdrawable balance of seller.
	GetProceeds(ctx context.Context, seller common.Address) (decimal.Decimal, error)

	// EventsByItem returns the event history of one item in append order.
	EventsByItem(ctx context.Context, key model.ItemKey) ([]model.Event, error)

	// EventsByAccount returns events where account is seller or buyer.
	EventsByAccount(ctx context.Context, account common.Address) ([]model.Event, error)
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	Reader

	// Begin opens a top-level transaction.
	Begin(ctx context.Context) (Tx, error)
}

// Tx is a unit of all-or-nothing mutation. Reads through a Tx observe its
// own uncommitted writes and those of its parents.
type Tx interface {
	GetListing(ctx context.Context, key model.ItemKey) (model.Listing, error)

	// PutListing overwrites the listing for key. Writing the zero Listing
	// resets the key to the sentinel; keys are never removed.
	PutListing(ctx context.Context, key model.ItemKey, listing model.Listing) error

	GetProceeds(ctx context.Context, seller common.Address) (decimal.Decimal, error)
	PutProceeds(ctx context.Context, seller common.Address, amount decimal.Decimal) error

	// AddProceeds increments seller's balance in a single statement, so
	// concurrent credits from separate processes never overwrite each other.
	AddProceeds(ctx context.Context, seller common.Address, amount decimal.Decimal) error

	// ClaimPaymentRef records that an external payment has paid for a
	// purchase. It fails with ErrPaymentRefUsed if ref was claimed before.
	ClaimPaymentRef(ctx context.Context, ref string) error

	// AppendEvent adds e to the immutable event log.
	AppendEvent(ctx context.Context, e *model.Event) error

	// Begin opens a nested transaction whose commit folds into this one.
	Begin(ctx context.Context) (Tx, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
