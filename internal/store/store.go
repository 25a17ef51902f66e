// Package store defines the persistence gateway used by the chat core. Each
// collection (accounts, bans, roles, wallets) has its own interface so the
// in-memory and PostgreSQL backends can be swapped per component.
package store

import (
	"context"
	"errors"
	"slices"
	"time"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: conflict")
)

// Account is a registered identity. Username is immutable and case-sensitive.
type Account struct {
	Username     string
	PasswordHash string
	Email        string
	Screenname   string
	JoinedAt     time.Time
}

// Wallet holds an account's balance in hundredths and the items it owns.
type Wallet struct {
	Balance int64
	Items   []string
}

// Has reports whether the wallet owns item.
func (w Wallet) Has(item string) bool {
	return slices.Contains(w.Items, item)
}

// Clone returns a deep copy of the wallet.
func (w Wallet) Clone() Wallet {
	return Wallet{Balance: w.Balance, Items: slices.Clone(w.Items)}
}

// AccountStore persists accounts.
type AccountStore interface {
	// GetAccount returns ErrNotFound when username is unknown.
	GetAccount(ctx context.Context, username string) (Account, error)
	// AccountByEmail returns ErrNotFound when no account has email.
	AccountByEmail(ctx context.Context, email string) (Account, error)
	// AccountByName finds the account whose username or screenname equals name.
	AccountByName(ctx context.Context, name string) (Account, error)
	// CreateAccount returns ErrConflict when the username or email is taken.
	CreateAccount(ctx context.Context, acc Account) error
	UpdateScreenname(ctx context.Context, username, screenname string) error
}

// BanStore persists the ban set as a whole.
type BanStore interface {
	LoadBans(ctx context.Context) ([]string, error)
	SaveBans(ctx context.Context, usernames []string) error
}

// RoleStore persists the username to role mapping as a whole.
type RoleStore interface {
	LoadRoles(ctx context.Context) (map[string]string, error)
	SaveRoles(ctx context.Context, roles map[string]string) error
}

// WalletStore persists wallets. A missing wallet reads as empty.
type WalletStore interface {
	GetWallet(ctx context.Context, username string) (Wallet, error)
	PutWallet(ctx context.Context, username string, w Wallet) error
}

// Gateway bundles every collection behind one backend.
type Gateway interface {
	AccountStore
	BanStore
	RoleStore
	WalletStore
	Ping(ctx context.Context) error
	Close() error
}
