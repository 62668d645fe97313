package asset

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// TransferHook runs after a MemoryRegistry transfer is applied, outside the
// registry lock, like an ERC-721 onERC721Received callback. A non-nil
// error reverts the transfer.
type TransferHook func(ctx context.Context, asset common.Address, tokenID *big.Int, from, to common.Address) error

// MemoryRegistry implements Registry with ERC-721 semantics: one owner per
// token, a single approved address per token (cleared on transfer) and
// per-owner operators approved for all tokens of an asset.
type MemoryRegistry struct {
	mu        sync.RWMutex
	operator  common.Address
	owners    map[string]common.Address
	approved  map[string]common.Address
	operators map[common.Address]map[common.Address]map[common.Address]bool // asset → owner → operator
	cleared   map[string]common.Address                                     // approval cleared by the last transfer
	hook      TransferHook
}

// NewMemoryRegistry creates a registry whose Transfer acts as operator.
func NewMemoryRegistry(operator common.Address) *MemoryRegistry {
	return &MemoryRegistry{
		operator:  operator,
		owners:    make(map[string]common.Address),
		approved:  make(map[string]common.Address),
		operators: make(map[common.Address]map[common.Address]map[common.Address]bool),
		cleared:   make(map[string]common.Address),
	}
}

// SetTransferHook installs h, replacing any previous hook. Pass nil to clear.
func (r *MemoryRegistry) SetTransferHook(h TransferHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hook = h
}

// Mint creates a token owned by to.
func (r *MemoryRegistry) Mint(asset common.Address, tokenID *big.Int, to common.Address) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	k := tokenKey(asset, tokenID)
	if _, ok := r.owners[k]; ok {
		return fmt.Errorf("asset: token %s already minted", k)
	}
	r.owners[k] = to
	return nil
}

// Approve sets the single approved address for a token. caller must be the
// owner or one of its operators. Approving the zero address clears it.
func (r *MemoryRegistry) Approve(asset common.Address, tokenID *big.Int, caller, approved common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := tokenKey(asset, tokenID)
	owner, ok := r.owners[k]
	if !ok {
		return ErrNonexistentToken
	}
	if caller != owner && !r.operators[asset][owner][caller] {
		return ErrNotAuthorized
	}
	if approved == (common.Address{}) {
		delete(r.approved, k)
		return nil
	}
	r.approved[k] = approved
	return nil
}

// SetApprovalForAll grants or revokes operator over all of owner's tokens
// of asset.
func (r *MemoryRegistry) SetApprovalForAll(asset common.Address, owner, operator common.Address, approved bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byOwner, ok := r.operators[asset]
	if !ok {
		byOwner = make(map[common.Address]map[common.Address]bool)
		r.operators[asset] = byOwner
	}
	ops, ok := byOwner[owner]
	if !ok {
		ops = make(map[common.Address]bool)
		byOwner[owner] = ops
	}
	if approved {
		ops[operator] = true
	} else {
		delete(ops, operator)
	}
}

func (r *MemoryRegistry) OwnerOf(_ context.Context, asset common.Address, tokenID *big.Int) (common.Address, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	owner, ok := r.owners[tokenKey(asset, tokenID)]
	if !ok {
		return common.Address{}, ErrNonexistentToken
	}
	return owner, nil
}

func (r *MemoryRegistry) IsApprovedForTransferBy(_ context.Context, asset common.Address, tokenID *big.Int, operator common.Address) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isApprovedLocked(asset, tokenID, operator)
}

func (r *MemoryRegistry) isApprovedLocked(asset common.Address, tokenID *big.Int, operator common.Address) (bool, error) {
	k := tokenKey(asset, tokenID)
	owner, ok := r.owners[k]
	if !ok {
		return false, ErrNonexistentToken
	}
	if approved, ok := r.approved[k]; ok && approved == operator {
		return true, nil
	}
	return r.operators[asset][owner][operator], nil
}

func (r *MemoryRegistry) Transfer(ctx context.Context, asset common.Address, tokenID *big.Int, from, to common.Address) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}

	r.mu.Lock()
	k := tokenKey(asset, tokenID)
	owner, ok := r.owners[k]
	if !ok {
		r.mu.Unlock()
		return ErrNonexistentToken
	}
	if owner != from {
		r.mu.Unlock()
		return ErrNotTokenOwner
	}
	if ok, _ := r.isApprovedLocked(asset, tokenID, r.operator); !ok {
		r.mu.Unlock()
		return ErrNotAuthorized
	}
	prevApproved, hadApproved := r.approved[k]
	r.owners[k] = to
	delete(r.approved, k)
	if hadApproved {
		r.cleared[k] = prevApproved
	} else {
		delete(r.cleared, k)
	}
	hook := r.hook
	r.mu.Unlock()

	if hook == nil {
		return nil
	}
	if err := hook(ctx, asset, tokenID, from, to); err != nil {
		r.mu.Lock()
		r.restoreLocked(k, from)
		r.mu.Unlock()
		return fmt.Errorf("asset: transfer hook: %w", err)
	}
	return nil
}

func (r *MemoryRegistry) RevertTransfer(_ context.Context, asset common.Address, tokenID *big.Int, from, to common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := tokenKey(asset, tokenID)
	owner, ok := r.owners[k]
	if !ok {
		return ErrNonexistentToken
	}
	if owner != to {
		return fmt.Errorf("%w: %s no longer held by %s", ErrNotTokenOwner, k, to.Hex())
	}
	r.restoreLocked(k, from)
	return nil
}

// restoreLocked gives k back to from with the approval its last transfer
// cleared. Any approval granted since is dropped.
func (r *MemoryRegistry) restoreLocked(k string, from common.Address) {
	r.owners[k] = from
	delete(r.approved, k)
	if a, ok := r.cleared[k]; ok {
		r.approved[k] = a
		delete(r.cleared, k)
	}
}

func tokenKey(asset common.Address, tokenID *big.Int) string {
	id := "0"
	if tokenID != nil {
		id = tokenID.String()
	}
	return asset.Hex() + ":" + id
}
