package pg

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"otterchat.org/internal/store"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("expectations: %v", err)
		}
		db.Close()
	})
	return New(db), mock
}

func TestGetAccount(t *testing.T) {
	s, mock := newMock(t)
	joined := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("select username, password_hash, email, screenname, joined_at from accounts where username").
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"username", "password_hash", "email", "screenname", "joined_at"}).
			AddRow("alice", "hash", "a@x.io", "Al", joined))

	acc, err := s.GetAccount(context.Background(), "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if acc.Email != "a@x.io" || acc.Screenname != "Al" || !acc.JoinedAt.Equal(joined) {
		t.Fatalf("unexpected account: %+v", acc)
	}
}

func TestGetAccountNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from accounts where username").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"username", "password_hash", "email", "screenname", "joined_at"}))

	if _, err := s.GetAccount(context.Background(), "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateAccountConflict(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("insert into accounts").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, ConstraintName: "accounts_email_key"})

	err := s.CreateAccount(context.Background(), store.Account{Username: "bob", Email: "a@x.io"})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestUpdateScreennameMissingAccount(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("update accounts set screenname").
		WithArgs("ghost", "Boo").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.UpdateScreenname(context.Background(), "ghost", "Boo"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveBansReplacesSet(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("delete from bans").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("insert into bans").WithArgs("bob").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into bans").WithArgs("carol").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.SaveBans(context.Background(), []string{"bob", "carol"}); err != nil {
		t.Fatalf("save bans: %v", err)
	}
}

func TestSaveBansRollsBackOnError(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("delete from bans").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into bans").WithArgs("bob").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	if err := s.SaveBans(context.Background(), []string{"bob"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestLoadRoles(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("select username, role from roles").
		WillReturnRows(sqlmock.NewRows([]string{"username", "role"}).
			AddRow("root", "admin").
			AddRow("mod", "moderator"))

	roles, err := s.LoadRoles(context.Background())
	if err != nil {
		t.Fatalf("load roles: %v", err)
	}
	if roles["root"] != "admin" || roles["mod"] != "moderator" || len(roles) != 2 {
		t.Fatalf("unexpected roles: %v", roles)
	}
}

func TestSaveRolesSortedInsert(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("delete from roles").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into roles").WithArgs("ann", "pro").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into roles").WithArgs("zed", "admin").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.SaveRoles(context.Background(), map[string]string{"zed": "admin", "ann": "pro"}); err != nil {
		t.Fatalf("save roles: %v", err)
	}
}

func TestGetWalletMissingIsEmpty(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("select balance from wallets").
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}))

	w, err := s.GetWallet(context.Background(), "alice")
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	if w.Balance != 0 || len(w.Items) != 0 {
		t.Fatalf("expected empty wallet, got %+v", w)
	}
}

func TestGetWalletWithItems(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("select balance from wallets").
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(1050)))
	mock.ExpectQuery("select item from wallet_items").
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"item"}).AddRow("hat").AddRow("megaphone"))

	w, err := s.GetWallet(context.Background(), "alice")
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	if w.Balance != 1050 || !w.Has("megaphone") || len(w.Items) != 2 {
		t.Fatalf("unexpected wallet: %+v", w)
	}
}

func TestPutWallet(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("insert into wallets").WithArgs("alice", int64(250)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("delete from wallet_items").WithArgs("alice").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into wallet_items").WithArgs("alice", int64(0), "megaphone").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.PutWallet(context.Background(), "alice", store.Wallet{Balance: 250, Items: []string{"megaphone"}}); err != nil {
		t.Fatalf("put wallet: %v", err)
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := fs.ReadDir(Migrations, MigrationsDir)
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}
	var up, down int
	for _, e := range entries {
		switch {
		case strings.HasSuffix(e.Name(), ".up.sql"):
			up++
		case strings.HasSuffix(e.Name(), ".down.sql"):
			down++
		}
	}
	if up == 0 || up != down {
		t.Fatalf("expected paired migrations, got up=%d down=%d", up, down)
	}
}
