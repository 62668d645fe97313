package store

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/nft-market/internal/model"
)

var (
	assetA  = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	assetB  = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
	alice   = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	bob     = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	oneEthD = decimal.New(1, 18)
)

func key(asset common.Address, id int64) model.ItemKey {
	return model.NewItemKey(asset, big.NewInt(id))
}

func TestMemoryStore_AbsentKeysReadAsSentinel(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	l, err := s.GetListing(ctx, key(assetA, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l.Active() || l.Seller != (common.Address{}) {
		t.Errorf("expected sentinel listing, got %+v", l)
	}

	p, err := s.GetProceeds(ctx, alice)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.IsZero() {
		t.Errorf("expected zero proceeds, got %s", p)
	}
}

func TestMemoryStore_CommitPublishesWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	tx, _ := s.Begin(ctx)
	if err := tx.PutListing(ctx, key(assetA, 1), model.Listing{Price: oneEthD, Seller: alice}); err != nil {
		t.Fatal(err)
	}

	// Uncommitted writes are visible through the tx only.
	if l, _ := tx.GetListing(ctx, key(assetA, 1)); !l.Price.Equal(oneEthD) {
		t.Errorf("tx should read its own write, got %s", l.Price)
	}
	if l, _ := s.GetListing(ctx, key(assetA, 1)); l.Active() {
		t.Error("store should not see uncommitted listing")
	}

	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if l, _ := s.GetListing(ctx, key(assetA, 1)); !l.Price.Equal(oneEthD) || l.Seller != alice {
		t.Errorf("expected committed listing, got %+v", l)
	}
}

func TestMemoryStore_RollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	tx, _ := s.Begin(ctx)
	tx.PutProceeds(ctx, alice, oneEthD)
	tx.AppendEvent(ctx, &model.Event{ID: "e1", Type: model.EventItemBought, Seller: alice})
	if err := tx.Rollback(ctx); err != nil {
		t.Fatal(err)
	}

	if p, _ := s.GetProceeds(ctx, alice); !p.IsZero() {
		t.Errorf("rolled back proceeds leaked: %s", p)
	}
	if evs, _ := s.EventsByAccount(ctx, alice); len(evs) != 0 {
		t.Errorf("rolled back events leaked: %d", len(evs))
	}
}

func TestMemoryStore_NestedRollbackKeepsParent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	root, _ := s.Begin(ctx)
	root.PutProceeds(ctx, alice, oneEthD)

	child, err := root.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if p, _ := child.GetProceeds(ctx, alice); !p.Equal(oneEthD) {
		t.Errorf("child should read parent write, got %s", p)
	}
	child.PutProceeds(ctx, alice, decimal.Zero)
	child.PutProceeds(ctx, bob, oneEthD)
	if err := child.Rollback(ctx); err != nil {
		t.Fatal(err)
	}

	if p, _ := root.GetProceeds(ctx, alice); !p.Equal(oneEthD) {
		t.Errorf("parent write lost after child rollback, got %s", p)
	}
	if err := root.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if p, _ := s.GetProceeds(ctx, bob); !p.IsZero() {
		t.Errorf("rolled back child write leaked: %s", p)
	}
}

func TestMemoryStore_NestedCommitFoldsIntoParent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	root, _ := s.Begin(ctx)
	child, _ := root.Begin(ctx)
	child.PutListing(ctx, key(assetA, 2), model.Listing{Price: oneEthD, Seller: bob})
	child.AppendEvent(ctx, &model.Event{ID: "e1", Type: model.EventItemListed, Asset: assetA, TokenID: "2", Seller: bob})
	if err := child.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	if l, _ := s.GetListing(ctx, key(assetA, 2)); l.Active() {
		t.Error("nested commit must not reach the store before root commit")
	}
	if err := root.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if l, _ := s.GetListing(ctx, key(assetA, 2)); l.Seller != bob {
		t.Errorf("expected bob's listing, got %+v", l)
	}
	if evs, _ := s.EventsByItem(ctx, key(assetA, 2)); len(evs) != 1 {
		t.Errorf("expected 1 event, got %d", len(evs))
	}
}

func TestMemoryStore_FinishedTxRejectsUse(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	tx, _ := s.Begin(ctx)
	tx.Commit(ctx)

	if err := tx.PutListing(ctx, key(assetA, 0), model.Listing{}); !errors.Is(err, ErrTxDone) {
		t.Errorf("expected ErrTxDone, got %v", err)
	}
	if err := tx.Commit(ctx); !errors.Is(err, ErrTxDone) {
		t.Errorf("expected ErrTxDone on double commit, got %v", err)
	}
	if _, err := tx.Begin(ctx); !errors.Is(err, ErrTxDone) {
		t.Errorf("expected ErrTxDone on nested begin, got %v", err)
	}
}

func TestMemoryStore_ListListingsFiltersSentinels(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	tx, _ := s.Begin(ctx)
	tx.PutListing(ctx, key(assetA, 0), model.Listing{Price: oneEthD, Seller: alice})
	tx.PutListing(ctx, key(assetA, 1), model.Listing{Price: oneEthD, Seller: bob})
	tx.PutListing(ctx, key(assetB, 0), model.Listing{Price: oneEthD, Seller: alice})
	tx.PutListing(ctx, key(assetB, 1), model.Listing{}) // canceled
	tx.Commit(ctx)

	all, _ := s.ListListings(ctx, model.ListingFilter{})
	if len(all) != 3 {
		t.Fatalf("expected 3 active listings, got %d", len(all))
	}

	bySeller, _ := s.ListListings(ctx, model.ListingFilter{Seller: alice})
	if len(bySeller) != 2 {
		t.Errorf("expected 2 listings for alice, got %d", len(bySeller))
	}

	byAsset, _ := s.ListListings(ctx, model.ListingFilter{Asset: assetA, Seller: bob})
	if len(byAsset) != 1 || byAsset[0].TokenString() != "1" {
		t.Errorf("expected bob's assetA token 1, got %+v", byAsset)
	}

	limited, _ := s.ListListings(ctx, model.ListingFilter{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("expected limit 1, got %d", len(limited))
	}
}

func TestCacheKeys(t *testing.T) {
	k := key(assetA, 42)
	if got, want := listingKey(k), "listing:"+assetA.Hex()+":42"; got != want {
		t.Errorf("listingKey = %q, want %q", got, want)
	}
	if got, want := proceedsKey(alice), "proceeds:"+alice.Hex(); got != want {
		t.Errorf("proceedsKey = %q, want %q", got, want)
	}
}

func TestMemoryStore_AddProceeds(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	root, _ := s.Begin(ctx)
	root.AddProceeds(ctx, alice, oneEthD)
	child, _ := root.Begin(ctx)
	child.AddProceeds(ctx, alice, oneEthD)
	child.Commit(ctx)
	if err := root.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	if p, _ := s.GetProceeds(ctx, alice); !p.Equal(oneEthD.Mul(decimal.NewFromInt(2))) {
		t.Errorf("expected 2 ether, got %s", p)
	}
}

func TestMemoryStore_ClaimPaymentRef(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	root, _ := s.Begin(ctx)
	if err := root.ClaimPaymentRef(ctx, "0xaa"); err != nil {
		t.Fatal(err)
	}
	child, _ := root.Begin(ctx)
	if err := child.ClaimPaymentRef(ctx, "0xaa"); !errors.Is(err, ErrPaymentRefUsed) {
		t.Errorf("child must see parent claim, got %v", err)
	}
	child.Rollback(ctx)
	root.Rollback(ctx)

	tx, _ := s.Begin(ctx)
	if err := tx.ClaimPaymentRef(ctx, "0xaa"); err != nil {
		t.Fatalf("rolled-back claim must free the ref, got %v", err)
	}
	tx.Commit(ctx)

	tx, _ = s.Begin(ctx)
	if err := tx.ClaimPaymentRef(ctx, "0xaa"); !errors.Is(err, ErrPaymentRefUsed) {
		t.Errorf("expected ErrPaymentRefUsed after commit, got %v", err)
	}
}
