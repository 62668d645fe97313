package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/nft-market/internal/asset"
	"github.com/atmx/nft-market/internal/model"
	"github.com/atmx/nft-market/internal/payout"
)

// DevTools drives the in-memory registry and wallet over HTTP so the
// marketplace can be exercised end to end without a chain.
type DevTools struct {
	registry *asset.MemoryRegistry
	wallet   *payout.Wallet
}

func NewDevTools(reg *asset.MemoryRegistry, wallet *payout.Wallet) *DevTools {
	return &DevTools{registry: reg, wallet: wallet}
}

// Mount registers the dev routes on r.
func (d *DevTools) Mount(r chi.Router) {
	r.Post("/mint", d.Mint)
	r.Post("/approve", d.Approve)
	r.Post("/approve-all", d.ApproveAll)
	r.Post("/fund", d.Fund)
	r.Get("/balances/{account}", d.Balance)
}

// MintRequest is the JSON body for POST /dev/mint.
type MintRequest struct {
	Asset   string `json:"asset"`
	TokenID string `json:"token_id"`
	To      string `json:"to"`
}

// ApproveRequest is the JSON body for POST /dev/approve. An empty
// Approved clears the token approval.
type ApproveRequest struct {
	Asset    string `json:"asset"`
	TokenID  string `json:"token_id"`
	Approved string `json:"approved"`
}

// ApproveAllRequest is the JSON body for POST /dev/approve-all.
type ApproveAllRequest struct {
	Asset    string `json:"asset"`
	Operator string `json:"operator"`
	Approved bool   `json:"approved"`
}

// FundRequest is the JSON body for POST /dev/fund.
type FundRequest struct {
	Account string          `json:"account"`
	Amount  decimal.Decimal `json:"amount"` // wei
}

// BalanceResponse is an account's wallet balance.
type BalanceResponse struct {
	Account common.Address  `json:"account"`
	Balance decimal.Decimal `json:"balance"`
}

// Mint handles POST /api/v1/dev/mint
func (d *DevTools) Mint(w http.ResponseWriter, r *http.Request) {
	var req MintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	key, err := model.ParseItemKey(req.Asset, req.TokenID)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !common.IsHexAddress(req.To) {
		writeError(w, "invalid recipient address", http.StatusBadRequest)
		return
	}
	if err := d.registry.Mint(key.Asset, key.TokenID, common.HexToAddress(req.To)); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// Approve handles POST /api/v1/dev/approve. The caller must own the token.
func (d *DevTools) Approve(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req ApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	key, err := model.ParseItemKey(req.Asset, req.TokenID)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var approved common.Address
	if req.Approved != "" {
		if !common.IsHexAddress(req.Approved) {
			writeError(w, "invalid approved address", http.StatusBadRequest)
			return
		}
		approved = common.HexToAddress(req.Approved)
	}

	err = d.registry.Approve(key.Asset, key.TokenID, caller, approved)
	switch {
	case errors.Is(err, asset.ErrNonexistentToken):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, asset.ErrNotAuthorized):
		writeError(w, err.Error(), http.StatusForbidden)
	case err != nil:
		writeError(w, err.Error(), http.StatusBadRequest)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// ApproveAll handles POST /api/v1/dev/approve-all for the caller.
func (d *DevTools) ApproveAll(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req ApproveAllRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !common.IsHexAddress(req.Asset) || !common.IsHexAddress(req.Operator) {
		writeError(w, "invalid asset or operator address", http.StatusBadRequest)
		return
	}
	d.registry.SetApprovalForAll(common.HexToAddress(req.Asset), caller, common.HexToAddress(req.Operator), req.Approved)
	w.WriteHeader(http.StatusNoContent)
}

// Fund handles POST /api/v1/dev/fund and returns the new balance.
func (d *DevTools) Fund(w http.ResponseWriter, r *http.Request) {
	var req FundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !common.IsHexAddress(req.Account) {
		writeError(w, "invalid account address", http.StatusBadRequest)
		return
	}
	addr := common.HexToAddress(req.Account)
	if err := d.wallet.Fund(addr, req.Amount); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{Account: addr, Balance: d.wallet.Balance(addr)})
}

// Balance handles GET /api/v1/dev/balances/{account}
func (d *DevTools) Balance(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	if !common.IsHexAddress(account) {
		writeError(w, "invalid account address", http.StatusBadRequest)
		return
	}
	addr := common.HexToAddress(account)
	writeJSON(w, http.StatusOK, BalanceResponse{Account: addr, Balance: d.wallet.Balance(addr)})
}
