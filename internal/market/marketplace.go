// Package market implements the marketplace: fixed-price listings of
// registry-held items, purchases that credit seller proceeds, and
// pull-based withdrawal of those proceeds.
//
// All monetary values are integer wei held in shopspring/decimal.
package market

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/nft-market/internal/asset"
	"github.com/atmx/nft-market/internal/events"
	"github.com/atmx/nft-market/internal/metrics"
	"github.com/atmx/nft-market/internal/model"
	"github.com/atmx/nft-market/internal/payout"
	"github.com/atmx/nft-market/internal/store"
)

const (
	opList     = "list_item"
	opCancel   = "cancel_listing"
	opUpdate   = "update_listing"
	opBuy      = "buy_item"
	opWithdraw = "withdraw_proceeds"
)

// Marketplace serializes mutating operations with a mutex (single
// instance). Each operation runs in one store transaction and either
// commits all of its writes and events or none of them.
//
// The asset registry and the treasury may call back into the marketplace
// while a transfer or payout is in flight. Such calls must pass on the
// ctx they were given: the marketplace recognizes it, skips the lock and
// runs the nested operation in a savepoint of the caller's transaction.
// A callback that drops ctx and starts a fresh one will deadlock.
//
// Registry transfers and treasury movements are not part of the store
// transaction. Each one registers a compensating action that runs if its
// operation, or any operation enclosing it, rolls back. Inside a nested
// operation a collaborator that cannot be compensated is refused with
// ErrNotReversible before it runs.
type Marketplace struct {
	store    store.Store
	registry asset.Registry
	treasury payout.Treasury
	emitter  events.Emitter // optional; nil discards events after commit
	operator common.Address
	mu       sync.Mutex
}

// New creates a marketplace acting as operator on the registry.
// Pass nil for emitter if nothing subscribes to events.
func New(st store.Store, reg asset.Registry, treasury payout.Treasury, operator common.Address, emitter events.Emitter) *Marketplace {
	return &Marketplace{
		store:    st,
		registry: reg,
		treasury: treasury,
		emitter:  emitter,
		operator: operator,
	}
}

// Operator returns the address the marketplace transfers items as.
func (m *Marketplace) Operator() common.Address {
	return m.operator
}

// SyncMetrics sets the active listings gauge from the store. Call it once
// at startup; operations keep the gauge current afterwards.
func (m *Marketplace) SyncMetrics(ctx context.Context) error {
	items, err := m.store.ListListings(ctx, model.ListingFilter{})
	if err != nil {
		return fmt.Errorf("market: count listings: %w", err)
	}
	metrics.ActiveListings.Set(float64(len(items)))
	return nil
}

// frameKey scopes a frame to the marketplace that created it.
type frameKey struct{ m *Marketplace }

// frame is the state of one running operation.
type frame struct {
	tx          store.Tx
	nested      bool
	events      []model.Event
	undo        []compensation
	listedDelta int
	overpaid    decimal.Decimal
}

// compensation reverses one external effect.
type compensation struct {
	what string
	fn   func(ctx context.Context) error
}

// onRollback registers fn to run if the operation rolls back, either by
// itself or together with an enclosing operation.
func (f *frame) onRollback(what string, fn func(ctx context.Context) error) {
	f.undo = append(f.undo, compensation{what: what, fn: fn})
}

// compensate runs the registered actions newest first. Failures are
// logged and counted; the rest still run.
func (f *frame) compensate(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for i := len(f.undo) - 1; i >= 0; i-- {
		c := f.undo[i]
		if err := c.fn(ctx); err != nil {
			metrics.CompensationFailures.Inc()
			slog.Error("compensation failed", "action", c.what, "err", err)
		}
	}
	f.undo = nil
}

func (f *frame) emit(ctx context.Context, e model.Event) error {
	e.ID = uuid.New().String()
	e.Timestamp = time.Now().UTC()
	if err := f.tx.AppendEvent(ctx, &e); err != nil {
		return fmt.Errorf("market: append %s: %w", e.Type, err)
	}
	f.events = append(f.events, e)
	return nil
}

// absorb folds a committed child frame into f.
func (f *frame) absorb(child *frame) {
	f.events = append(f.events, child.events...)
	f.undo = append(f.undo, child.undo...)
	f.listedDelta += child.listedDelta
	f.overpaid = f.overpaid.Add(child.overpaid)
}

func (m *Marketplace) current(ctx context.Context) (*frame, bool) {
	f, ok := ctx.Value(frameKey{m}).(*frame)
	return f, ok
}

// execute runs fn in a transaction. At the top level it takes the lock,
// commits, and then publishes the collected events. Inside a running
// operation it opens a savepoint instead, so a failed nested call rolls
// back only its own writes.
func (m *Marketplace) execute(ctx context.Context, op string, fn func(ctx context.Context, f *frame) error) (err error) {
	start := time.Now()
	defer func() { observe(op, start, err) }()

	if parent, ok := m.current(ctx); ok {
		return m.nested(ctx, parent, fn)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tx, err := m.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("market: begin %s: %w", op, err)
	}
	f := &frame{tx: tx}
	if err := fn(context.WithValue(ctx, frameKey{m}, f), f); err != nil {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			slog.Error("rollback failed", "op", op, "err", rbErr)
		}
		f.compensate(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		f.compensate(ctx)
		return fmt.Errorf("market: commit %s: %w", op, err)
	}

	// Published under the lock so subscribers see events in commit order.
	m.publish(ctx, f)
	return nil
}

func (m *Marketplace) nested(ctx context.Context, parent *frame, fn func(ctx context.Context, f *frame) error) error {
	tx, err := parent.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("market: savepoint: %w", err)
	}
	f := &frame{tx: tx, nested: true}
	if err := fn(context.WithValue(ctx, frameKey{m}, f), f); err != nil {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			slog.Error("savepoint rollback failed", "err", rbErr)
		}
		f.compensate(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		f.compensate(ctx)
		return fmt.Errorf("market: release savepoint: %w", err)
	}
	parent.absorb(f)
	return nil
}

// publish updates metrics, logs, and delivers committed events. Delivery
// failures are logged; they never undo a committed operation.
func (m *Marketplace) publish(ctx context.Context, f *frame) {
	metrics.ActiveListings.Add(float64(f.listedDelta))
	if f.overpaid.IsPositive() {
		metrics.Overpayment.Add(model.WeiToEther(f.overpaid).InexactFloat64())
	}

	ctx = context.WithoutCancel(ctx)
	for _, e := range f.events {
		logEvent(e)
		if m.emitter == nil {
			continue
		}
		if err := m.emitter.Emit(ctx, e); err != nil {
			metrics.EventDeliveryFailures.Inc()
			slog.Warn("event delivery failed", "id", e.ID, "type", e.Type, "err", err)
		}
	}
}

func logEvent(e model.Event) {
	switch e.Type {
	case model.EventItemListed:
		slog.Info("item listed",
			"asset", e.Asset.Hex(),
			"token_id", e.TokenID,
			"seller", e.Seller.Hex(),
			"price", e.Price.String(),
		)
	case model.EventItemCanceled:
		slog.Info("listing canceled",
			"asset", e.Asset.Hex(),
			"token_id", e.TokenID,
			"seller", e.Seller.Hex(),
		)
	case model.EventItemBought:
		metrics.ProceedsCredited.Add(model.WeiToEther(e.Price).InexactFloat64())
		slog.Info("item bought",
			"asset", e.Asset.Hex(),
			"token_id", e.TokenID,
			"seller", e.Seller.Hex(),
			"buyer", e.Buyer.Hex(),
			"price", e.Price.String(),
		)
	case model.EventProceedsWithdrawn:
		metrics.ProceedsWithdrawn.Add(model.WeiToEther(e.Price).InexactFloat64())
		slog.Info("proceeds withdrawn",
			"seller", e.Seller.Hex(),
			"amount", e.Price.String(),
		)
	}
}

func observe(op string, start time.Time, err error) {
	metrics.OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err == nil {
		metrics.OperationsTotal.WithLabelValues(op, "ok").Inc()
		return
	}
	code := Code(err)
	metrics.OperationsTotal.WithLabelValues(op, code).Inc()
	if code == "Internal" {
		slog.Error("operation failed", "op", op, "err", err)
	} else {
		slog.Debug("operation rejected", "op", op, "code", code, "err", err)
	}
}

// --- Queries ---
//
// Queries never take the lock. Called from inside a running operation
// they read through its transaction and see its uncommitted writes.

// GetListing returns the listing for an item, or the zero Listing if the
// item is not listed.
func (m *Marketplace) GetListing(ctx context.Context, assetAddr common.Address, tokenID *big.Int) (model.Listing, error) {
	key := model.NewItemKey(assetAddr, tokenID)
	if f, ok := m.current(ctx); ok {
		return f.tx.GetListing(ctx, key)
	}
	return m.store.GetListing(ctx, key)
}

// GetProceeds returns the withdrawable balance of seller; zero if none.
func (m *Marketplace) GetProceeds(ctx context.Context, seller common.Address) (decimal.Decimal, error) {
	if f, ok := m.current(ctx); ok {
		return f.tx.GetProceeds(ctx, seller)
	}
	return m.store.GetProceeds(ctx, seller)
}

// ListListings returns committed active listings matching filter.
func (m *Marketplace) ListListings(ctx context.Context, filter model.ListingFilter) ([]model.ListedItem, error) {
	return m.store.ListListings(ctx, filter)
}

// ItemHistory returns the committed events of one item, oldest first.
func (m *Marketplace) ItemHistory(ctx context.Context, assetAddr common.Address, tokenID *big.Int) ([]model.Event, error) {
	return m.store.EventsByItem(ctx, model.NewItemKey(assetAddr, tokenID))
}

// AccountHistory returns committed events where account is seller or buyer.
func (m *Marketplace) AccountHistory(ctx context.Context, account common.Address) ([]model.Event, error) {
	return m.store.EventsByAccount(ctx, account)
}
