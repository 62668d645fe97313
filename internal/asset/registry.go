// Package asset defines the asset registry the marketplace consults for
// token ownership and transfer authorization, with an in-memory ERC-721
// implementation for development and tests.
package asset

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrNonexistentToken is returned for a token that was never minted.
	ErrNonexistentToken = errors.New("asset: nonexistent token")

	// ErrNotTokenOwner is returned when a transfer names a from address
	// that does not own the token.
	ErrNotTokenOwner = errors.New("asset: from is not the token owner")

	// ErrNotAuthorized is returned when the operator may not move the token.
	ErrNotAuthorized = errors.New("asset: operator not approved")

	// ErrZeroAddress is returned for transfers or mints to address zero.
	ErrZeroAddress = errors.New("asset: zero address")
)

// Registry is the system of record for item ownership. The marketplace
// never mutates it except through Transfer.
type Registry interface {
	// OwnerOf returns the current owner of a token.
	OwnerOf(ctx context.Context, asset common.Address, tokenID *big.Int) (common.Address, error)

	// IsApprovedForTransferBy reports whether operator may move the token
	// on the owner's behalf (single-token approval or operator-for-all).
	IsApprovedForTransferBy(ctx context.Context, asset common.Address, tokenID *big.Int, operator common.Address) (bool, error)

	// Transfer moves the token from its owner to a new owner, acting as the
	// marketplace operator. Implementations may call back into the
	// marketplace with ctx before returning.
	Transfer(ctx context.Context, asset common.Address, tokenID *big.Int, from, to common.Address) error
}

// Reverser is implemented by registries that can undo a completed
// Transfer. RevertTransfer returns the token from to back to from and
// restores the approval the transfer cleared. It runs no hooks.
type Reverser interface {
	RevertTransfer(ctx context.Context, asset common.Address, tokenID *big.Int, from, to common.Address) error
}
