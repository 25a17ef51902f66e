// Package economy manages per-account balances and items and the alert relay
// gated by item ownership.
package economy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"otterchat.org/internal/audit"
	"otterchat.org/internal/auth"
	"otterchat.org/internal/common"
	"otterchat.org/internal/event"
	"otterchat.org/internal/obs"
	"otterchat.org/internal/session"
	"otterchat.org/internal/store"
)

// Authorizer decides privileged actions.
type Authorizer interface {
	Authorize(sender string, action auth.Action, target string) error
}

// Ledger applies balance and item changes. Read-modify-write of wallets is
// serialised by one writer lock.
type Ledger struct {
	wallets  store.WalletStore
	accounts store.AccountStore
	authz    Authorizer
	registry *session.Registry

	mu sync.Mutex
}

func NewLedger(wallets store.WalletStore, accounts store.AccountStore, authz Authorizer, registry *session.Registry) *Ledger {
	return &Ledger{wallets: wallets, accounts: accounts, authz: authz, registry: registry}
}

// Credit adds amount (a decimal string) to username's balance. Negative
// amounts debit, but the balance never drops below zero.
func (l *Ledger) Credit(ctx context.Context, caller, username, amount string) (store.Wallet, error) {
	if err := l.authz.Authorize(caller, auth.ActionCredit, username); err != nil {
		return store.Wallet{}, err
	}
	delta, err := ParseAmount(amount)
	if err != nil {
		return store.Wallet{}, err
	}
	if err := l.requireAccount(ctx, username); err != nil {
		return store.Wallet{}, err
	}

	w, err := l.update(ctx, username, func(w *store.Wallet) (bool, error) {
		if delta > 0 && w.Balance > math.MaxInt64-delta {
			return false, fmt.Errorf("credit overflow: %w", common.ErrInvalidInput)
		}
		next := w.Balance + delta
		if next < 0 {
			return false, common.ErrInsufficientFunds
		}
		w.Balance = next
		return true, nil
	})
	if err != nil {
		return store.Wallet{}, err
	}

	l.notify(username, event.Outbound{Type: event.TypeBalanceUpdate, Username: username, Balance: FormatAmount(w.Balance)})
	if err := audit.LogEvent(ctx, "economy.credit", map[string]any{
		"target": username,
		"amount": FormatAmount(delta),
	}); err != nil {
		obs.Error("audit failed", map[string]any{"action": "credit", "err": err})
	}
	return w, nil
}

// Purchase grants item to username. Owning an item twice is a no-op.
func (l *Ledger) Purchase(ctx context.Context, username, item string) (store.Wallet, error) {
	item = strings.TrimSpace(item)
	if item == "" {
		return store.Wallet{}, fmt.Errorf("item: %w", common.ErrInvalidInput)
	}
	w, err := l.update(ctx, username, func(w *store.Wallet) (bool, error) {
		if w.Has(item) {
			return false, nil
		}
		w.Items = append(w.Items, item)
		return true, nil
	})
	if err != nil {
		return store.Wallet{}, err
	}
	l.notify(username, event.Outbound{Type: event.TypeItemsUpdate, Username: username, Items: w.Items})
	return w, nil
}

// Wallet returns username's wallet. Read failures are logged and yield an
// empty wallet.
func (l *Ledger) Wallet(ctx context.Context, username string) store.Wallet {
	w, err := l.wallets.GetWallet(ctx, username)
	if err != nil {
		obs.Error("load wallet failed", map[string]any{"username": username, "err": err})
		return store.Wallet{}
	}
	return w
}

// Owns reports whether username owns item.
func (l *Ledger) Owns(ctx context.Context, username, item string) bool {
	return l.Wallet(ctx, username).Has(item)
}

// update runs mutate against the stored wallet under the writer lock. A
// failed read aborts the update so a transient error never overwrites a
// balance with zero.
func (l *Ledger) update(ctx context.Context, username string, mutate func(*store.Wallet) (bool, error)) (store.Wallet, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, err := l.wallets.GetWallet(ctx, username)
	if err != nil {
		return store.Wallet{}, fmt.Errorf("load wallet %s: %w", username, err)
	}
	changed, err := mutate(&w)
	if err != nil {
		return store.Wallet{}, err
	}
	if !changed {
		return w, nil
	}
	if err := l.wallets.PutWallet(ctx, username, w); err != nil {
		return store.Wallet{}, fmt.Errorf("save wallet %s: %w", username, err)
	}
	return w, nil
}

func (l *Ledger) requireAccount(ctx context.Context, username string) error {
	if l.accounts == nil {
		return nil
	}
	_, err := l.accounts.GetAccount(ctx, username)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("account %s: %w", username, common.ErrNotFound)
	default:
		obs.Error("account lookup failed", map[string]any{"op": "credit", "err": err})
		return nil
	}
}

func (l *Ledger) notify(username string, ev event.Outbound) {
	if l.registry == nil {
		return
	}
	if _, err := l.registry.Send(username, ev); err != nil {
		obs.Warn("wallet update not delivered", map[string]any{"username": username, "err": err})
	}
}
