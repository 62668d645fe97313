// Package payout moves value between buyers, the marketplace and sellers.
package payout

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	// ErrRejected is returned when a recipient refuses a payment.
	ErrRejected = errors.New("payout: recipient rejected payment")

	// ErrInsufficientFunds is returned when an account cannot cover a debit.
	ErrInsufficientFunds = errors.New("payout: insufficient funds")
)

// Payer moves funds out of the marketplace. Implementations may call back
// into the marketplace with ctx before returning.
type Payer interface {
	Pay(ctx context.Context, to common.Address, amount decimal.Decimal) error
}

// Collector takes a buyer's payment into the marketplace. A Collector that
// moves funds must also implement Reverser; one that only verifies a
// payment made elsewhere has nothing to undo.
type Collector interface {
	Collect(ctx context.Context, from common.Address, amount decimal.Decimal) error
}

// Treasury is both sides of the marketplace's value flow.
type Treasury interface {
	Payer
	Collector
}

// Reverser undoes movements made by Collect and Pay. Neither method runs
// hooks or honours rejections.
type Reverser interface {
	// Refund returns a collected amount to from.
	Refund(ctx context.Context, from common.Address, amount decimal.Decimal) error
	// Reclaim takes back a paid amount from to.
	Reclaim(ctx context.Context, to common.Address, amount decimal.Decimal) error
}

type paymentRefKey struct{}

// WithPaymentRef attaches a reference to an external payment, such as a
// transaction hash, for the Collector to verify.
func WithPaymentRef(ctx context.Context, ref string) context.Context {
	return context.WithValue(ctx, paymentRefKey{}, ref)
}

// PaymentRef returns the payment reference attached to ctx.
func PaymentRef(ctx context.Context) (string, bool) {
	ref, ok := ctx.Value(paymentRefKey{}).(string)
	return ref, ok && ref != ""
}

// Hook runs after a Wallet payment is credited, outside the wallet lock,
// like the fallback function of a contract recipient. A non-nil error
// reverts the payment.
type Hook func(ctx context.Context, to common.Address, amount decimal.Decimal) error

// Wallet is an in-memory account book implementing Treasury and Reverser.
// Used for testing and development in place of on-chain value transfers.
type Wallet struct {
	mu       sync.Mutex
	balances map[common.Address]decimal.Decimal
	rejects  map[common.Address]bool
	hook     Hook
}

// NewWallet creates an empty wallet book.
func NewWallet() *Wallet {
	return &Wallet{
		balances: make(map[common.Address]decimal.Decimal),
		rejects:  make(map[common.Address]bool),
	}
}

// Balance returns the external balance of account.
func (w *Wallet) Balance(account common.Address) decimal.Decimal {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balances[account]
}

// Fund adds amount to account.
func (w *Wallet) Fund(account common.Address, amount decimal.Decimal) error {
	if amount.IsNegative() || !amount.IsInteger() {
		return fmt.Errorf("payout: invalid amount %s", amount)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.balances[account] = w.balances[account].Add(amount)
	return nil
}

// Reject makes every payment to account fail while on is true.
func (w *Wallet) Reject(account common.Address, on bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if on {
		w.rejects[account] = true
	} else {
		delete(w.rejects, account)
	}
}

// SetHook installs h, replacing any previous hook. Pass nil to clear.
func (w *Wallet) SetHook(h Hook) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.hook = h
}

func (w *Wallet) Pay(ctx context.Context, to common.Address, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("payout: negative amount %s", amount)
	}

	w.mu.Lock()
	if w.rejects[to] {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRejected, to.Hex())
	}
	w.balances[to] = w.balances[to].Add(amount)
	hook := w.hook
	w.mu.Unlock()

	if hook == nil {
		return nil
	}
	if err := hook(ctx, to, amount); err != nil {
		w.mu.Lock()
		w.balances[to] = w.balances[to].Sub(amount)
		w.mu.Unlock()
		return fmt.Errorf("payout: recipient hook: %w", err)
	}
	return nil
}

// Collect debits amount from the buyer's balance.
func (w *Wallet) Collect(_ context.Context, from common.Address, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("payout: negative amount %s", amount)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.balances[from].LessThan(amount) {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientFunds, from.Hex(), w.balances[from], amount)
	}
	w.balances[from] = w.balances[from].Sub(amount)
	return nil
}

func (w *Wallet) Refund(_ context.Context, from common.Address, amount decimal.Decimal) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.balances[from] = w.balances[from].Add(amount)
	return nil
}

// Reclaim may leave the balance negative when the recipient already spent
// the payment elsewhere; the debt stays on the book.
func (w *Wallet) Reclaim(_ context.Context, to common.Address, amount decimal.Decimal) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.balances[to] = w.balances[to].Sub(amount)
	return nil
}
