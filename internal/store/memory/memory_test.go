package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"otterchat.org/internal/store"
)

func TestAccountsUniqueness(t *testing.T) {
	ctx := context.Background()
	s := New()
	alice := store.Account{Username: "alice", Email: "a@example.com", Screenname: "alice", JoinedAt: time.Now()}
	if err := s.CreateAccount(ctx, alice); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateAccount(ctx, store.Account{Username: "alice", Email: "other@example.com"}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected username conflict, got %v", err)
	}
	if err := s.CreateAccount(ctx, store.Account{Username: "alicia", Email: "a@example.com"}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected email conflict, got %v", err)
	}
	if _, err := s.GetAccount(ctx, "Alice"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("usernames are case-sensitive, got %v", err)
	}
}

func TestAccountByName(t *testing.T) {
	ctx := context.Background()
	s := New()
	_ = s.CreateAccount(ctx, store.Account{Username: "alice", Email: "a@example.com", Screenname: "alice"})
	if err := s.UpdateScreenname(ctx, "alice", "wonder"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	acc, err := s.AccountByName(ctx, "wonder")
	if err != nil || acc.Username != "alice" {
		t.Fatalf("lookup by screenname: %+v %v", acc, err)
	}
	if _, err := s.AccountByName(ctx, "alice"); err != nil {
		t.Fatalf("lookup by username: %v", err)
	}
	if err := s.UpdateScreenname(ctx, "ghost", "x"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestWalletsAreCopied(t *testing.T) {
	ctx := context.Background()
	s := New()
	w, err := s.GetWallet(ctx, "nobody")
	if err != nil || w.Balance != 0 || len(w.Items) != 0 {
		t.Fatalf("missing wallet should be empty: %+v %v", w, err)
	}
	items := []string{"megaphone"}
	_ = s.PutWallet(ctx, "alice", store.Wallet{Balance: 150, Items: items})
	items[0] = "mutated"
	got, _ := s.GetWallet(ctx, "alice")
	if got.Balance != 150 || !got.Has("megaphone") {
		t.Fatalf("unexpected wallet: %+v", got)
	}
}

func TestBansAndRolesRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New()
	_ = s.SaveBans(ctx, []string{"bob"})
	bans, _ := s.LoadBans(ctx)
	if len(bans) != 1 || bans[0] != "bob" {
		t.Fatalf("unexpected bans: %v", bans)
	}
	_ = s.SaveRoles(ctx, map[string]string{"mod": "moderator"})
	roles, _ := s.LoadRoles(ctx)
	roles["mod"] = "admin"
	again, _ := s.LoadRoles(ctx)
	if again["mod"] != "moderator" {
		t.Fatalf("roles leaked internal map: %v", again)
	}
}
