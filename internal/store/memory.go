package store

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/nft-market/internal/model"
)

type listingRecord struct {
	key       model.ItemKey
	listing   model.Listing
	updatedAt time.Time
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	listings map[string]listingRecord
	proceeds map[common.Address]decimal.Decimal
	claims   map[string]bool
	events   []model.Event
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		listings: make(map[string]listingRecord),
		proceeds: make(map[common.Address]decimal.Decimal),
		claims:   make(map[string]bool),
	}
}

func (s *MemoryStore) Begin(_ context.Context) (Tx, error) {
	return newMemTx(s, nil), nil
}

func (s *MemoryStore) GetListing(_ context.Context, key model.ItemKey) (model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listings[key.String()].listing, nil
}

func (s *MemoryStore) ListListings(_ context.Context, filter model.ListingFilter) ([]model.ListedItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var items []model.ListedItem
	for _, rec := range s.listings {
		if !rec.listing.Active() {
			continue
		}
		if filter.Asset != (common.Address{}) && rec.key.Asset != filter.Asset {
			continue
		}
		if filter.Seller != (common.Address{}) && rec.listing.Seller != filter.Seller {
			continue
		}
		items = append(items, model.ListedItem{
			ItemKey:   model.NewItemKey(rec.key.Asset, rec.key.TokenID),
			Listing:   rec.listing,
			UpdatedAt: rec.updatedAt,
		})
	}

	sort.Slice(items, func(i, j int) bool {
		if !items[i].UpdatedAt.Equal(items[j].UpdatedAt) {
			return items[i].UpdatedAt.After(items[j].UpdatedAt)
		}
		return items[i].ItemKey.String() < items[j].ItemKey.String()
	})
	if filter.Limit > 0 && len(items) > filter.Limit {
		items = items[:filter.Limit]
	}
	return items, nil
}

func (s *MemoryStore) GetProceeds(_ context.Context, seller common.Address) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.proceeds[seller], nil
}

func (s *MemoryStore) EventsByItem(_ context.Context, key model.ItemKey) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token := key.TokenString()
	var result []model.Event
	for _, e := range s.events {
		if e.Asset == key.Asset && e.TokenID == token {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) EventsByAccount(_ context.Context, account common.Address) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Event
	for _, e := range s.events {
		if e.Seller == account || e.Buyer == account {
			result = append(result, e)
		}
	}
	return result, nil
}

// memTx buffers writes in overlay maps. A nested memTx reads through its
// parent chain and folds its overlay into the parent on commit; only the
// root applies to the store.
type memTx struct {
	store    *MemoryStore
	parent   *memTx
	listings map[string]listingRecord
	proceeds map[common.Address]decimal.Decimal
	claims   map[string]bool
	events   []model.Event
	done     bool
}

func newMemTx(s *MemoryStore, parent *memTx) *memTx {
	return &memTx{
		store:    s,
		parent:   parent,
		listings: make(map[string]listingRecord),
		proceeds: make(map[common.Address]decimal.Decimal),
		claims:   make(map[string]bool),
	}
}

func (t *memTx) GetListing(_ context.Context, key model.ItemKey) (model.Listing, error) {
	if t.done {
		return model.Listing{}, ErrTxDone
	}
	k := key.String()
	for tx := t; tx != nil; tx = tx.parent {
		if rec, ok := tx.listings[k]; ok {
			return rec.listing, nil
		}
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return t.store.listings[k].listing, nil
}

func (t *memTx) PutListing(_ context.Context, key model.ItemKey, listing model.Listing) error {
	if t.done {
		return ErrTxDone
	}
	t.listings[key.String()] = listingRecord{
		key:       model.NewItemKey(key.Asset, key.TokenID),
		listing:   listing,
		updatedAt: time.Now().UTC(),
	}
	return nil
}

func (t *memTx) GetProceeds(_ context.Context, seller common.Address) (decimal.Decimal, error) {
	if t.done {
		return decimal.Zero, ErrTxDone
	}
	for tx := t; tx != nil; tx = tx.parent {
		if amount, ok := tx.proceeds[seller]; ok {
			return amount, nil
		}
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return t.store.proceeds[seller], nil
}

func (t *memTx) PutProceeds(_ context.Context, seller common.Address, amount decimal.Decimal) error {
	if t.done {
		return ErrTxDone
	}
	t.proceeds[seller] = amount
	return nil
}

func (t *memTx) AddProceeds(ctx context.Context, seller common.Address, amount decimal.Decimal) error {
	bal, err := t.GetProceeds(ctx, seller)
	if err != nil {
		return err
	}
	return t.PutProceeds(ctx, seller, bal.Add(amount))
}

func (t *memTx) ClaimPaymentRef(_ context.Context, ref string) error {
	if t.done {
		return ErrTxDone
	}
	for tx := t; tx != nil; tx = tx.parent {
		if tx.claims[ref] {
			return ErrPaymentRefUsed
		}
	}
	t.store.mu.RLock()
	used := t.store.claims[ref]
	t.store.mu.RUnlock()
	if used {
		return ErrPaymentRefUsed
	}
	t.claims[ref] = true
	return nil
}

func (t *memTx) AppendEvent(_ context.Context, e *model.Event) error {
	if t.done {
		return ErrTxDone
	}
	t.events = append(t.events, *e)
	return nil
}

func (t *memTx) Begin(_ context.Context) (Tx, error) {
	if t.done {
		return nil, ErrTxDone
	}
	return newMemTx(t.store, t), nil
}

func (t *memTx) Commit(_ context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true

	if p := t.parent; p != nil {
		if p.done {
			return ErrTxDone
		}
		maps.Copy(p.listings, t.listings)
		maps.Copy(p.proceeds, t.proceeds)
		maps.Copy(p.claims, t.claims)
		p.events = append(p.events, t.events...)
		return nil
	}

	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	maps.Copy(t.store.listings, t.listings)
	maps.Copy(t.store.proceeds, t.proceeds)
	maps.Copy(t.store.claims, t.claims)
	t.store.events = append(t.store.events, t.events...)
	return nil
}

func (t *memTx) Rollback(_ context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	return nil
}
