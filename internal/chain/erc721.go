package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/nft-market/internal/asset"
)

const erc721JSON = `[
	{"type":"function","name":"ownerOf","stateMutability":"view",
	 "inputs":[{"name":"tokenId","type":"uint256"}],
	 "outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"getApproved","stateMutability":"view",
	 "inputs":[{"name":"tokenId","type":"uint256"}],
	 "outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"isApprovedForAll","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"},{"name":"operator","type":"address"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"safeTransferFrom","stateMutability":"nonpayable",
	 "inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"}],
	 "outputs":[]}
]`

var erc721ABI = mustParseABI(erc721JSON)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(fmt.Sprintf("chain: parse abi: %v", err))
	}
	return parsed
}

// Registry reads ERC-721 ownership and approvals and moves tokens with
// safeTransferFrom from the operator account.
type Registry struct {
	client *Client
}

var _ asset.Registry = (*Registry)(nil)

// NewRegistry creates a registry acting as c's account.
func NewRegistry(c *Client) *Registry {
	return &Registry{client: c}
}

func (r *Registry) view(ctx context.Context, contract common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := erc721ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	out, err := r.client.call(ctx, contract, data)
	if err != nil {
		return nil, err
	}
	vals, err := erc721ABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack %s: %w", method, err)
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("chain: %s returned %d values", method, len(vals))
	}
	return vals, nil
}

// OwnerOf calls ownerOf. ERC-721 reverts for tokens that do not exist;
// a revert is reported as asset.ErrNonexistentToken.
func (r *Registry) OwnerOf(ctx context.Context, contract common.Address, tokenID *big.Int) (common.Address, error) {
	vals, err := r.view(ctx, contract, "ownerOf", tokenID)
	if err != nil {
		if isRevert(err) {
			return common.Address{}, fmt.Errorf("%w: %s:%s", asset.ErrNonexistentToken, contract.Hex(), tokenID)
		}
		return common.Address{}, fmt.Errorf("chain: ownerOf %s:%s: %w", contract.Hex(), tokenID, err)
	}
	owner, ok := vals[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("chain: ownerOf returned %T", vals[0])
	}
	return owner, nil
}

// IsApprovedForTransferBy checks the token approval, then approval-for-all
// of the current owner.
func (r *Registry) IsApprovedForTransferBy(ctx context.Context, contract common.Address, tokenID *big.Int, operator common.Address) (bool, error) {
	vals, err := r.view(ctx, contract, "getApproved", tokenID)
	if err != nil {
		return false, fmt.Errorf("chain: getApproved %s:%s: %w", contract.Hex(), tokenID, err)
	}
	if approved, ok := vals[0].(common.Address); ok && approved == operator {
		return true, nil
	}

	owner, err := r.OwnerOf(ctx, contract, tokenID)
	if err != nil {
		return false, err
	}
	vals, err = r.view(ctx, contract, "isApprovedForAll", owner, operator)
	if err != nil {
		return false, fmt.Errorf("chain: isApprovedForAll %s: %w", contract.Hex(), err)
	}
	all, _ := vals[0].(bool)
	return all, nil
}

// Transfer sends safeTransferFrom(from, to, tokenID) and waits for it to
// be mined.
func (r *Registry) Transfer(ctx context.Context, contract common.Address, tokenID *big.Int, from, to common.Address) error {
	if to == (common.Address{}) {
		return asset.ErrZeroAddress
	}
	data, err := erc721ABI.Pack("safeTransferFrom", from, to, tokenID)
	if err != nil {
		return fmt.Errorf("chain: pack safeTransferFrom: %w", err)
	}
	if _, err := r.client.send(ctx, contract, nil, data); err != nil {
		return fmt.Errorf("chain: safeTransferFrom %s:%s: %w", contract.Hex(), tokenID, err)
	}
	return nil
}

func isRevert(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "revert")
}
