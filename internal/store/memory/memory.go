// Package memory is the in-process persistence gateway. Data lives for the
// lifetime of the process.
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"

	"otterchat.org/internal/store"
)

// Store implements store.Gateway with maps guarded by one RWMutex.
type Store struct {
	mu       sync.RWMutex
	accounts map[string]store.Account
	bans     []string
	roles    map[string]string
	wallets  map[string]store.Wallet
}

var _ store.Gateway = (*Store)(nil)

func New() *Store {
	return &Store{
		accounts: make(map[string]store.Account),
		roles:    make(map[string]string),
		wallets:  make(map[string]store.Wallet),
	}
}

func (s *Store) GetAccount(_ context.Context, username string) (store.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[username]
	if !ok {
		return store.Account{}, store.ErrNotFound
	}
	return acc, nil
}

func (s *Store) AccountByEmail(_ context.Context, email string) (store.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, acc := range s.accounts {
		if acc.Email == email {
			return acc, nil
		}
	}
	return store.Account{}, store.ErrNotFound
}

func (s *Store) AccountByName(_ context.Context, name string) (store.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if acc, ok := s.accounts[name]; ok {
		return acc, nil
	}
	for _, acc := range s.accounts {
		if acc.Screenname == name {
			return acc, nil
		}
	}
	return store.Account{}, store.ErrNotFound
}

func (s *Store) CreateAccount(_ context.Context, acc store.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[acc.Username]; ok {
		return store.ErrConflict
	}
	for _, existing := range s.accounts {
		if existing.Email == acc.Email {
			return store.ErrConflict
		}
	}
	s.accounts[acc.Username] = acc
	return nil
}

func (s *Store) UpdateScreenname(_ context.Context, username, screenname string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[username]
	if !ok {
		return store.ErrNotFound
	}
	acc.Screenname = screenname
	s.accounts[username] = acc
	return nil
}

func (s *Store) LoadBans(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.bans), nil
}

func (s *Store) SaveBans(_ context.Context, usernames []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bans = slices.Clone(usernames)
	return nil
}

func (s *Store) LoadRoles(context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.roles), nil
}

func (s *Store) SaveRoles(_ context.Context, roles map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles = maps.Clone(roles)
	if s.roles == nil {
		s.roles = make(map[string]string)
	}
	return nil
}

func (s *Store) GetWallet(_ context.Context, username string) (store.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.wallets[username].Clone(), nil
}

func (s *Store) PutWallet(_ context.Context, username string, w store.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets[username] = w.Clone()
	return nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }
