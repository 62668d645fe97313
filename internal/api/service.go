// Package api provides the HTTP handlers for listing, buying and
// withdrawing, plus the WebSocket event stream.
//
// All monetary values are integer wei carried as decimal strings.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/nft-market/internal/market"
	"github.com/atmx/nft-market/internal/model"
	"github.com/atmx/nft-market/internal/payout"
)

// Service adapts the marketplace to HTTP.
type Service struct {
	market *market.Marketplace
	hub    *WSHub    // optional WebSocket hub for the event stream
	dev    *DevTools // optional in-memory registry and wallet controls
}

// NewService creates the HTTP service.
// Pass nil for hub if WebSocket streaming is not needed.
func NewService(m *market.Marketplace, hub *WSHub) *Service {
	return &Service{market: m, hub: hub}
}

// EnableDev exposes dev under /api/v1/dev.
func (s *Service) EnableDev(dev *DevTools) {
	s.dev = dev
}

// Mount registers the /api/v1 routes on r.
func (s *Service) Mount(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		if s.hub != nil {
			r.Get("/ws", s.hub.HandleWS)
		}

		r.Get("/listings", s.ListListings)
		r.Post("/listings", s.ListItem)
		r.Get("/listings/{asset}/{tokenID}", s.GetListing)
		r.Put("/listings/{asset}/{tokenID}", s.UpdateListing)
		r.Delete("/listings/{asset}/{tokenID}", s.CancelListing)
		r.Post("/listings/{asset}/{tokenID}/buy", s.BuyItem)

		r.Get("/proceeds/{account}", s.GetProceeds)
		r.Post("/proceeds/withdraw", s.WithdrawProceeds)

		r.Get("/events", s.GetEvents)

		if s.dev != nil {
			r.Route("/dev", s.dev.Mount)
		}
	})
}

// --- Request/Response types ---

// ListItemRequest is the JSON body for POST /listings.
type ListItemRequest struct {
	Asset   string          `json:"asset"`    // contract address, hex
	TokenID string          `json:"token_id"` // decimal
	Price   decimal.Decimal `json:"price"`    // wei
}

// UpdateListingRequest is the JSON body for PUT /listings/{asset}/{tokenID}.
type UpdateListingRequest struct {
	Price decimal.Decimal `json:"price"`
}

// BuyRequest is the JSON body for POST /listings/{asset}/{tokenID}/buy.
// PaymentTx is the hash of the buyer's value transfer to the operator;
// it is required on chain and ignored by the in-memory wallet.
type BuyRequest struct {
	Payment   decimal.Decimal `json:"payment"`
	PaymentTx string          `json:"payment_tx,omitempty"`
}

// ListingResponse describes one item's listing. Listed is false and the
// price and seller are zero for an item that is not listed.
type ListingResponse struct {
	Asset   common.Address  `json:"asset"`
	TokenID string          `json:"token_id"`
	Price   decimal.Decimal `json:"price"`
	Seller  common.Address  `json:"seller"`
	Listed  bool            `json:"listed"`
}

// ProceedsResponse is a seller's withdrawable balance.
type ProceedsResponse struct {
	Account  common.Address  `json:"account"`
	Proceeds decimal.Decimal `json:"proceeds"`
}

// WithdrawResponse reports a completed withdrawal.
type WithdrawResponse struct {
	Account common.Address  `json:"account"`
	Amount  decimal.Decimal `json:"amount"`
}

func listingResponse(key model.ItemKey, l model.Listing) ListingResponse {
	return ListingResponse{
		Asset:   key.Asset,
		TokenID: key.TokenString(),
		Price:   l.Price,
		Seller:  l.Seller,
		Listed:  l.Active(),
	}
}

// --- HTTP Handlers ---

// ListItem handles POST /api/v1/listings
func (s *Service) ListItem(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req ListItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	key, err := model.ParseItemKey(req.Asset, req.TokenID)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.market.ListItem(r.Context(), key.Asset, key.TokenID, req.Price, caller); err != nil {
		writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, listingResponse(key, model.Listing{Price: req.Price, Seller: caller}))
}

// UpdateListing handles PUT /api/v1/listings/{asset}/{tokenID}
func (s *Service) UpdateListing(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	key, ok := keyFromPath(w, r)
	if !ok {
		return
	}
	var req UpdateListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.market.UpdateListing(r.Context(), key.Asset, key.TokenID, req.Price, caller); err != nil {
		writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listingResponse(key, model.Listing{Price: req.Price, Seller: caller}))
}

// CancelListing handles DELETE /api/v1/listings/{asset}/{tokenID}
func (s *Service) CancelListing(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	key, ok := keyFromPath(w, r)
	if !ok {
		return
	}

	if err := s.market.CancelListing(r.Context(), key.Asset, key.TokenID, caller); err != nil {
		writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listingResponse(key, model.Listing{}))
}

// GetListing handles GET /api/v1/listings/{asset}/{tokenID}
func (s *Service) GetListing(w http.ResponseWriter, r *http.Request) {
	key, ok := keyFromPath(w, r)
	if !ok {
		return
	}
	l, err := s.market.GetListing(r.Context(), key.Asset, key.TokenID)
	if err != nil {
		writeError(w, "failed to load listing", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, listingResponse(key, l))
}

// ListListings handles GET /api/v1/listings?seller=&asset=&limit=
func (s *Service) ListListings(w http.ResponseWriter, r *http.Request) {
	var filter model.ListingFilter
	q := r.URL.Query()
	if v := q.Get("seller"); v != "" {
		if !common.IsHexAddress(v) {
			writeError(w, "invalid seller address", http.StatusBadRequest)
			return
		}
		filter.Seller = common.HexToAddress(v)
	}
	if v := q.Get("asset"); v != "" {
		if !common.IsHexAddress(v) {
			writeError(w, "invalid asset address", http.StatusBadRequest)
			return
		}
		filter.Asset = common.HexToAddress(v)
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}

	items, err := s.market.ListListings(r.Context(), filter)
	if err != nil {
		writeError(w, "failed to list listings", http.StatusInternalServerError)
		return
	}
	resp := make([]ListingResponse, 0, len(items))
	for _, it := range items {
		resp = append(resp, listingResponse(it.ItemKey, it.Listing))
	}
	writeJSON(w, http.StatusOK, resp)
}

// BuyItem handles POST /api/v1/listings/{asset}/{tokenID}/buy
func (s *Service) BuyItem(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	key, ok := keyFromPath(w, r)
	if !ok {
		return
	}
	var req BuyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if req.PaymentTx != "" {
		ctx = payout.WithPaymentRef(ctx, req.PaymentTx)
	}
	purchase, err := s.market.BuyItem(ctx, key.Asset, key.TokenID, req.Payment, caller)
	if err != nil {
		writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, purchase)
}

// GetProceeds handles GET /api/v1/proceeds/{account}
func (s *Service) GetProceeds(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	if !common.IsHexAddress(account) {
		writeError(w, "invalid account address", http.StatusBadRequest)
		return
	}
	addr := common.HexToAddress(account)
	p, err := s.market.GetProceeds(r.Context(), addr)
	if err != nil {
		writeError(w, "failed to load proceeds", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ProceedsResponse{Account: addr, Proceeds: p})
}

// WithdrawProceeds handles POST /api/v1/proceeds/withdraw
func (s *Service) WithdrawProceeds(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	amount, err := s.market.WithdrawProceeds(r.Context(), caller)
	if err != nil {
		writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, WithdrawResponse{Account: caller, Amount: amount})
}

// GetEvents handles GET /api/v1/events?asset=&token_id= and ?account=
func (s *Service) GetEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var (
		evs []model.Event
		err error
	)
	switch {
	case q.Get("account") != "":
		if !common.IsHexAddress(q.Get("account")) {
			writeError(w, "invalid account address", http.StatusBadRequest)
			return
		}
		evs, err = s.market.AccountHistory(r.Context(), common.HexToAddress(q.Get("account")))
	case q.Get("asset") != "":
		key, perr := model.ParseItemKey(q.Get("asset"), q.Get("token_id"))
		if perr != nil {
			writeError(w, perr.Error(), http.StatusBadRequest)
			return
		}
		evs, err = s.market.ItemHistory(r.Context(), key.Asset, key.TokenID)
	default:
		writeError(w, "either account or asset and token_id is required", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeError(w, "failed to load events", http.StatusInternalServerError)
		return
	}
	if evs == nil {
		evs = []model.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func keyFromPath(w http.ResponseWriter, r *http.Request) (model.ItemKey, bool) {
	key, err := model.ParseItemKey(chi.URLParam(r, "asset"), chi.URLParam(r, "tokenID"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return model.ItemKey{}, false
	}
	return key, true
}

func requireCaller(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	caller, ok := Caller(r.Context())
	if !ok {
		writeError(w, "X-Account header is required", http.StatusUnauthorized)
	}
	return caller, ok
}

// errorResponse is the JSON body of every error.
type errorResponse struct {
	Error         string           `json:"error"`
	Code          string           `json:"code,omitempty"`
	RequiredPrice *decimal.Decimal `json:"required_price,omitempty"`
}

var statusByCode = map[string]int{
	"PriceMustBeAboveZero":      http.StatusBadRequest,
	"InvalidAmount":             http.StatusBadRequest,
	"NotOwner":                  http.StatusForbidden,
	"NotApprovedForMarketplace": http.StatusForbidden,
	"AlreadyListed":             http.StatusConflict,
	"NotListed":                 http.StatusNotFound,
	"PriceNotMet":               http.StatusPaymentRequired,
	"PaymentFailed":             http.StatusPaymentRequired,
	"NotReversible":             http.StatusConflict,
	"NoProceeds":                http.StatusConflict,
	"TransferFailed":            http.StatusBadGateway,
}

// writeMarketError maps a marketplace failure to its status and code.
// Internal errors are not echoed to the client.
func writeMarketError(w http.ResponseWriter, err error) {
	code := market.Code(err)
	status, ok := statusByCode[code]
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error", Code: code})
		return
	}
	resp := errorResponse{Error: err.Error(), Code: code}
	var pnm *market.PriceNotMetError
	if errors.As(err, &pnm) {
		resp.RequiredPrice = &pnm.Price
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, errorResponse{Error: message})
}
