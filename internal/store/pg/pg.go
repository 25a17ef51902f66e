// Package pg is the PostgreSQL backend for the store gateway. It talks to the
// database through database/sql with the pgx stdlib driver.
package pg

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"otterchat.org/internal/store"
)

// Migrations holds the schema files for migrate.Manager, rooted at
// MigrationsDir.
//
//go:embed migrations/*.sql
var Migrations embed.FS

const MigrationsDir = "migrations"

const pgErrUniqueViolation = "23505"

type Store struct {
	db *sql.DB
}

var _ store.Gateway = (*Store)(nil)

// Open connects with the pgx driver and tunes the pool.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

const accountColumns = `username, password_hash, email, screenname, joined_at`

func scanAccount(row *sql.Row) (store.Account, error) {
	var acc store.Account
	err := row.Scan(&acc.Username, &acc.PasswordHash, &acc.Email, &acc.Screenname, &acc.JoinedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Account{}, store.ErrNotFound
	}
	if err != nil {
		return store.Account{}, err
	}
	acc.JoinedAt = acc.JoinedAt.UTC()
	return acc, nil
}

func (s *Store) GetAccount(ctx context.Context, username string) (store.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx,
		`select `+accountColumns+` from accounts where username = $1`, username))
}

func (s *Store) AccountByEmail(ctx context.Context, email string) (store.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx,
		`select `+accountColumns+` from accounts where email = $1`, email))
}

// AccountByName prefers an exact username match over a screenname match.
func (s *Store) AccountByName(ctx context.Context, name string) (store.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx, `
		select `+accountColumns+` from accounts
		where username = $1 or (screenname <> '' and screenname = $1)
		order by (username = $1) desc
		limit 1`, name))
}

func (s *Store) CreateAccount(ctx context.Context, acc store.Account) error {
	_, err := s.db.ExecContext(ctx, `
		insert into accounts (username, password_hash, email, screenname, joined_at)
		values ($1, $2, $3, $4, $5)`,
		acc.Username, acc.PasswordHash, acc.Email, acc.Screenname, acc.JoinedAt.UTC())
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	return err
}

func (s *Store) UpdateScreenname(ctx context.Context, username, screenname string) error {
	res, err := s.db.ExecContext(ctx, `update accounts set screenname = $2 where username = $1`, username, screenname)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) LoadBans(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `select username from bans order by username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// SaveBans replaces the whole ban set.
func (s *Store) SaveBans(ctx context.Context, usernames []string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `delete from bans`); err != nil {
			return err
		}
		for _, name := range usernames {
			if _, err := tx.ExecContext(ctx, `insert into bans (username) values ($1) on conflict do nothing`, name); err != nil {
				return fmt.Errorf("insert ban %s: %w", name, err)
			}
		}
		return nil
	})
}

func (s *Store) LoadRoles(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `select username, role from roles`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var name, role string
		if err := rows.Scan(&name, &role); err != nil {
			return nil, err
		}
		out[name] = role
	}
	return out, rows.Err()
}

// SaveRoles replaces the whole role mapping. Rows are written in username
// order so the statement sequence is stable.
func (s *Store) SaveRoles(ctx context.Context, roles map[string]string) error {
	names := make([]string, 0, len(roles))
	for name := range roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `delete from roles`); err != nil {
			return err
		}
		for _, name := range names {
			if _, err := tx.ExecContext(ctx, `insert into roles (username, role) values ($1, $2)`, name, roles[name]); err != nil {
				return fmt.Errorf("insert role %s: %w", name, err)
			}
		}
		return nil
	})
}

func (s *Store) GetWallet(ctx context.Context, username string) (store.Wallet, error) {
	var w store.Wallet
	err := s.db.QueryRowContext(ctx, `select balance from wallets where username = $1`, username).Scan(&w.Balance)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Wallet{}, nil
	}
	if err != nil {
		return store.Wallet{}, err
	}
	rows, err := s.db.QueryContext(ctx, `select item from wallet_items where username = $1 order by position`, username)
	if err != nil {
		return store.Wallet{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var item string
		if err := rows.Scan(&item); err != nil {
			return store.Wallet{}, err
		}
		w.Items = append(w.Items, item)
	}
	return w, rows.Err()
}

func (s *Store) PutWallet(ctx context.Context, username string, w store.Wallet) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			insert into wallets (username, balance) values ($1, $2)
			on conflict (username) do update set balance = excluded.balance`, username, w.Balance); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `delete from wallet_items where username = $1`, username); err != nil {
			return err
		}
		for i, item := range w.Items {
			if _, err := tx.ExecContext(ctx, `
				insert into wallet_items (username, position, item) values ($1, $2, $3)
				on conflict do nothing`, username, i, item); err != nil {
				return fmt.Errorf("insert item %s: %w", item, err)
			}
		}
		return nil
	})
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgErrUniqueViolation
}
