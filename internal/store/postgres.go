package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/nft-market/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values and token IDs are stored as NUMERIC(78,0), wide
// enough for any uint256.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Migrate applies embedded SQL migrations in lexicographic order, tracking
// applied files in schema_migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename   TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`
	if _, err := s.pool.Exec(ctx, createTracker); err != nil {
		return fmt.Errorf("store: create schema_migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("store: read migration %s: %w", name, err)
		}

		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx,
				`INSERT INTO schema_migrations (filename) VALUES ($1) ON CONFLICT DO NOTHING`, name)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return nil // already applied
			}
			_, err = tx.Exec(ctx, string(data))
			return err
		})
		if err != nil {
			return fmt.Errorf("store: apply migration %s: %w", name, err)
		}
	}
	return nil
}

func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

func (s *PostgresStore) GetListing(ctx context.Context, key model.ItemKey) (model.Listing, error) {
	return getListing(ctx, s.pool, key, false)
}

func (s *PostgresStore) ListListings(ctx context.Context, filter model.ListingFilter) ([]model.ListedItem, error) {
	sql := `SELECT asset, token_id::TEXT, price::TEXT, seller, updated_at
		FROM listings WHERE price > 0`
	var args []any
	if filter.Asset != (common.Address{}) {
		args = append(args, filter.Asset.Hex())
		sql += fmt.Sprintf(" AND asset = $%d", len(args))
	}
	if filter.Seller != (common.Address{}) {
		args = append(args, filter.Seller.Hex())
		sql += fmt.Sprintf(" AND seller = $%d", len(args))
	}
	sql += " ORDER BY updated_at DESC, asset, token_id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list listings: %w", err)
	}
	defer rows.Close()

	var items []model.ListedItem
	for rows.Next() {
		var asset, tokenID, price, seller string
		var updatedAt time.Time
		if err := rows.Scan(&asset, &tokenID, &price, &seller, &updatedAt); err != nil {
			return nil, err
		}
		key, err := model.ParseItemKey(asset, tokenID)
		if err != nil {
			return nil, fmt.Errorf("store: corrupt listing row: %w", err)
		}
		p, _ := decimal.NewFromString(price)
		items = append(items, model.ListedItem{
			ItemKey:   key,
			Listing:   model.Listing{Price: p, Seller: common.HexToAddress(seller)},
			UpdatedAt: updatedAt,
		})
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetProceeds(ctx context.Context, seller common.Address) (decimal.Decimal, error) {
	return getProceeds(ctx, s.pool, seller, false)
}

func (s *PostgresStore) EventsByItem(ctx context.Context, key model.ItemKey) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, type, asset, token_id, seller, buyer, price::TEXT, created_at
		 FROM events WHERE asset = $1 AND token_id = $2 ORDER BY seq`,
		key.Asset.Hex(), key.TokenString())
	if err != nil {
		return nil, fmt.Errorf("store: events by item %s: %w", key, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *PostgresStore) EventsByAccount(ctx context.Context, account common.Address) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, type, asset, token_id, seller, buyer, price::TEXT, created_at
		 FROM events WHERE seller = $1 OR buyer = $1 ORDER BY seq`,
		account.Hex())
	if err != nil {
		return nil, fmt.Errorf("store: events by account %s: %w", account.Hex(), err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// pgTx maps Tx onto pgx.Tx. Nested Begin uses pgx's savepoint-backed
// pseudo nested transactions.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetListing(ctx context.Context, key model.ItemKey) (model.Listing, error) {
	return getListing(ctx, t.tx, key, true)
}

func (t *pgTx) PutListing(ctx context.Context, key model.ItemKey, l model.Listing) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO listings (asset, token_id, price, seller, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4, NOW())
		 ON CONFLICT (asset, token_id)
		 DO UPDATE SET price = EXCLUDED.price, seller = EXCLUDED.seller, updated_at = EXCLUDED.updated_at`,
		key.Asset.Hex(), key.TokenString(), l.Price.String(), l.Seller.Hex())
	if err != nil {
		return fmt.Errorf("store: put listing %s: %w", key, mapTxErr(err))
	}
	return nil
}

func (t *pgTx) GetProceeds(ctx context.Context, seller common.Address) (decimal.Decimal, error) {
	return getProceeds(ctx, t.tx, seller, true)
}

func (t *pgTx) PutProceeds(ctx context.Context, seller common.Address, amount decimal.Decimal) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO proceeds (seller, balance, updated_at)
		 VALUES ($1, $2::NUMERIC, NOW())
		 ON CONFLICT (seller)
		 DO UPDATE SET balance = EXCLUDED.balance, updated_at = EXCLUDED.updated_at`,
		seller.Hex(), amount.String())
	if err != nil {
		return fmt.Errorf("store: put proceeds %s: %w", seller.Hex(), mapTxErr(err))
	}
	return nil
}

func (t *pgTx) AddProceeds(ctx context.Context, seller common.Address, amount decimal.Decimal) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO proceeds (seller, balance, updated_at)
		 VALUES ($1, $2::NUMERIC, NOW())
		 ON CONFLICT (seller)
		 DO UPDATE SET balance = proceeds.balance + EXCLUDED.balance, updated_at = EXCLUDED.updated_at`,
		seller.Hex(), amount.String())
	if err != nil {
		return fmt.Errorf("store: add proceeds %s: %w", seller.Hex(), mapTxErr(err))
	}
	return nil
}

func (t *pgTx) ClaimPaymentRef(ctx context.Context, ref string) error {
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO payment_refs (ref) VALUES ($1) ON CONFLICT (ref) DO NOTHING`, ref)
	if err != nil {
		return fmt.Errorf("store: claim payment ref %s: %w", ref, mapTxErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrPaymentRefUsed, ref)
	}
	return nil
}

func (t *pgTx) AppendEvent(ctx context.Context, e *model.Event) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO events (id, type, asset, token_id, seller, buyer, price, created_at)
		 VALUES ($1::UUID, $2, $3, $4, $5, $6, $7::NUMERIC, $8)`,
		e.ID, string(e.Type), e.Asset.Hex(), e.TokenID,
		e.Seller.Hex(), e.Buyer.Hex(), e.Price.String(), e.Timestamp)
	if err != nil {
		return fmt.Errorf("store: append event %s: %w", e.Type, mapTxErr(err))
	}
	return nil
}

func (t *pgTx) Begin(ctx context.Context) (Tx, error) {
	nested, err := t.tx.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: savepoint: %w", mapTxErr(err))
	}
	return &pgTx{tx: nested}, nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	return mapTxErr(t.tx.Commit(ctx))
}

func (t *pgTx) Rollback(ctx context.Context) error {
	return mapTxErr(t.tx.Rollback(ctx))
}

func getListing(ctx context.Context, q querier, key model.ItemKey, forUpdate bool) (model.Listing, error) {
	sql := `SELECT price::TEXT, seller FROM listings WHERE asset = $1 AND token_id = $2::NUMERIC`
	if forUpdate {
		sql += " FOR UPDATE"
	}
	var price, seller string
	err := q.QueryRow(ctx, sql, key.Asset.Hex(), key.TokenString()).Scan(&price, &seller)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Listing{}, nil
	}
	if err != nil {
		return model.Listing{}, fmt.Errorf("store: get listing %s: %w", key, mapTxErr(err))
	}
	p, _ := decimal.NewFromString(price)
	return model.Listing{Price: p, Seller: common.HexToAddress(seller)}, nil
}

func getProceeds(ctx context.Context, q querier, seller common.Address, forUpdate bool) (decimal.Decimal, error) {
	sql := `SELECT balance::TEXT FROM proceeds WHERE seller = $1`
	if forUpdate {
		sql += " FOR UPDATE"
	}
	var balance string
	err := q.QueryRow(ctx, sql, seller.Hex()).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("store: get proceeds %s: %w", seller.Hex(), mapTxErr(err))
	}
	amount, _ := decimal.NewFromString(balance)
	return amount, nil
}

func scanEvents(rows pgx.Rows) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		var e model.Event
		var typ, asset, seller, buyer, price string
		if err := rows.Scan(&e.ID, &typ, &asset, &e.TokenID, &seller, &buyer, &price, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Type = model.EventType(typ)
		e.Asset = common.HexToAddress(asset)
		e.Seller = common.HexToAddress(seller)
		e.Buyer = common.HexToAddress(buyer)
		e.Price, _ = decimal.NewFromString(price)
		events = append(events, e)
	}
	return events, rows.Err()
}

func mapTxErr(err error) error {
	if errors.Is(err, pgx.ErrTxClosed) {
		return ErrTxDone
	}
	return err
}
