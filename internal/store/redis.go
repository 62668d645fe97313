package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/nft-market/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Transactions go to the primary store; keys written by a
// transaction are invalidated once its outermost commit succeeds. Reads
// check Redis first then fall back to the primary.
//
// Every cache key has a generation counter that invalidation bumps. A fill
// records the generation before reading the primary and is dropped if the
// counter moved meanwhile, so a slow reader cannot reinstate a value that
// a concurrent commit just invalidated.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Transactions (write to primary, invalidate on commit) ---

func (s *CachedStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.primary.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &cachedTx{Tx: tx, store: s}, nil
}

// cachedTx records the cache keys its writes touch. Nested transactions
// hand their keys to the parent on commit; the root deletes them from
// Redis after the primary commit succeeds.
type cachedTx struct {
	Tx
	store   *CachedStore
	parent  *cachedTx
	touched []string
}

func (t *cachedTx) PutListing(ctx context.Context, key model.ItemKey, l model.Listing) error {
	if err := t.Tx.PutListing(ctx, key, l); err != nil {
		return err
	}
	t.touched = append(t.touched, listingKey(key))
	return nil
}

func (t *cachedTx) PutProceeds(ctx context.Context, seller common.Address, amount decimal.Decimal) error {
	if err := t.Tx.PutProceeds(ctx, seller, amount); err != nil {
		return err
	}
	t.touched = append(t.touched, proceedsKey(seller))
	return nil
}

func (t *cachedTx) AddProceeds(ctx context.Context, seller common.Address, amount decimal.Decimal) error {
	if err := t.Tx.AddProceeds(ctx, seller, amount); err != nil {
		return err
	}
	t.touched = append(t.touched, proceedsKey(seller))
	return nil
}

func (t *cachedTx) Begin(ctx context.Context) (Tx, error) {
	nested, err := t.Tx.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &cachedTx{Tx: nested, store: t.store, parent: t}, nil
}

func (t *cachedTx) Commit(ctx context.Context) error {
	if err := t.Tx.Commit(ctx); err != nil {
		return err
	}
	if t.parent != nil {
		t.parent.touched = append(t.parent.touched, t.touched...)
		return nil
	}
	if len(t.touched) > 0 {
		t.store.invalidate(context.WithoutCancel(ctx), t.touched)
	}
	return nil
}

// invalidate bumps the generation of every key and deletes the cached
// values in one MULTI block. Next read will re-populate.
func (s *CachedStore) invalidate(ctx context.Context, keys []string) {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range keys {
			pipe.Incr(ctx, genKey(k))
		}
		pipe.Del(ctx, keys...)
		return nil
	})
	if err != nil {
		slog.Warn("cache invalidation failed", "keys", len(keys), "err", err)
	}
}

// fillScript sets KEYS[2] only while the generation in KEYS[1] still
// equals ARGV[1].
var fillScript = redis.NewScript(`
local g = redis.call('GET', KEYS[1]) or '0'
if g ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
return 1
`)

func (s *CachedStore) generation(ctx context.Context, key string) string {
	g, err := s.rdb.Get(ctx, genKey(key)).Result()
	if err != nil {
		return "0"
	}
	return g
}

func (s *CachedStore) fill(ctx context.Context, key, gen string, val any) {
	ttl := s.ttl.Milliseconds()
	if ttl <= 0 {
		ttl = time.Minute.Milliseconds()
	}
	if err := fillScript.Run(ctx, s.rdb, []string{genKey(key), key}, gen, val, ttl).Err(); err != nil {
		slog.Debug("cache fill failed", "key", key, "err", err)
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetListing(ctx context.Context, key model.ItemKey) (model.Listing, error) {
	data, err := s.rdb.Get(ctx, listingKey(key)).Bytes()
	if err == nil {
		var l model.Listing
		if json.Unmarshal(data, &l) == nil {
			return l, nil
		}
	}

	// Cache miss: read from primary.
	gen := s.generation(ctx, listingKey(key))
	l, err := s.primary.GetListing(ctx, key)
	if err != nil {
		return model.Listing{}, err
	}
	if data, err := json.Marshal(l); err == nil {
		s.fill(ctx, listingKey(key), gen, data)
	}
	return l, nil
}

func (s *CachedStore) GetProceeds(ctx context.Context, seller common.Address) (decimal.Decimal, error) {
	val, err := s.rdb.Get(ctx, proceedsKey(seller)).Result()
	if err == nil {
		if amount, err := decimal.NewFromString(val); err == nil {
			return amount, nil
		}
	}

	gen := s.generation(ctx, proceedsKey(seller))
	amount, err := s.primary.GetProceeds(ctx, seller)
	if err != nil {
		return decimal.Zero, err
	}
	s.fill(ctx, proceedsKey(seller), gen, amount.String())
	return amount, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListListings(ctx context.Context, filter model.ListingFilter) ([]model.ListedItem, error) {
	return s.primary.ListListings(ctx, filter)
}

func (s *CachedStore) EventsByItem(ctx context.Context, key model.ItemKey) ([]model.Event, error) {
	return s.primary.EventsByItem(ctx, key)
}

func (s *CachedStore) EventsByAccount(ctx context.Context, account common.Address) ([]model.Event, error) {
	return s.primary.EventsByAccount(ctx, account)
}

// --- Cache helpers ---

func listingKey(key model.ItemKey) string { return fmt.Sprintf("listing:%s", key) }
func proceedsKey(a common.Address) string { return fmt.Sprintf("proceeds:%s", a.Hex()) }
func genKey(key string) string            { return "gen:" + key }
