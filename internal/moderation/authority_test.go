package moderation

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otterchat.org/internal/auth"
	"otterchat.org/internal/common"
	"otterchat.org/internal/event"
	"otterchat.org/internal/session"
	"otterchat.org/internal/store/memory"
)

type fixture struct {
	ctx   context.Context
	store *memory.Store
	reg   *session.Registry
	auth  *Authority
}

func newFixture(t *testing.T, roles map[string]string, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	require.NoError(t, st.SaveRoles(ctx, roles))
	reg := session.NewRegistry()
	a := New(st, st, reg, opts...)
	a.Refresh(ctx)
	return &fixture{ctx: ctx, store: st, reg: reg, auth: a}
}

func (f *fixture) connect(name string) *session.RecordingConn {
	c := session.NewRecordingConn()
	f.reg.Bind(name, c)
	return c
}

func TestModeratorBanScenario(t *testing.T) {
	f := newFixture(t, map[string]string{"mod1": "moderator"})
	f.connect("mod1")
	bob := f.connect("bob")
	carol := f.connect("carol")

	require.NoError(t, f.auth.Ban(f.ctx, "mod1", "bob"))
	assert.True(t, f.auth.IsBanned("bob"))

	notices := bob.OfType(event.TypeError)
	require.NotEmpty(t, notices)
	assert.Equal(t, "banned", notices[0].Code)

	lists := carol.OfType(event.TypeBannedUsersList)
	require.Len(t, lists, 1)
	assert.Equal(t, []string{"bob"}, lists[0].BannedUsers)
	assert.False(t, bob.Closed(), "connection stays open unless configured")

	persisted, _ := f.store.LoadBans(f.ctx)
	assert.Equal(t, []string{"bob"}, persisted)

	require.NoError(t, f.auth.Unban(f.ctx, "mod1", "bob"))
	assert.False(t, f.auth.IsBanned("bob"))
	assert.NotEmpty(t, bob.OfType(event.TypeSuccess))
	persisted, _ = f.store.LoadBans(f.ctx)
	assert.Empty(t, persisted)
}

func TestBanDisconnectIsConfigurable(t *testing.T) {
	f := newFixture(t, map[string]string{"mod1": "moderator"}, WithDisconnectOnBan(true))
	f.connect("mod1")
	bob := f.connect("bob")

	require.NoError(t, f.auth.Ban(f.ctx, "mod1", "bob"))
	assert.True(t, bob.Closed())
	_, bound := f.reg.Lookup("bob")
	assert.False(t, bound)
}

func TestBanAuthorization(t *testing.T) {
	f := newFixture(t, map[string]string{
		"root":  "admin",
		"root2": "admin",
		"mod1":  "moderator",
		"mod2":  "moderator",
		"pro1":  "pro",
	})
	for _, name := range []string{"root", "root2", "mod1", "mod2", "pro1", "noob"} {
		f.connect(name)
	}

	cases := []struct {
		sender, target string
		want           error
	}{
		{"pro1", "noob", common.ErrForbidden},
		{"noob", "pro1", common.ErrForbidden},
		{"root", "mod1", common.ErrForbidden},
		{"root", "root2", common.ErrForbidden},
		{"root", "ghost", common.ErrNotConnected},
		{"root", "pro1", nil},
		{"mod1", "mod2", nil},
	}
	for _, tc := range cases {
		err := f.auth.Ban(f.ctx, tc.sender, tc.target)
		if tc.want == nil {
			assert.NoError(t, err, "%s -> %s", tc.sender, tc.target)
			continue
		}
		assert.ErrorIs(t, err, tc.want, "%s -> %s", tc.sender, tc.target)
	}
}

func TestBannedModeratorCannotModerate(t *testing.T) {
	f := newFixture(t, map[string]string{"mod1": "moderator", "mod2": "moderator"})
	f.connect("mod1")
	f.connect("mod2")
	f.connect("bob")

	require.NoError(t, f.auth.Ban(f.ctx, "mod2", "mod1"))
	assert.Equal(t, auth.RoleModerator, f.auth.Role("mod1"), "ban does not strip the role")
	assert.ErrorIs(t, f.auth.Ban(f.ctx, "mod1", "bob"), common.ErrForbidden)
	assert.ErrorIs(t, f.auth.Unban(f.ctx, "mod1", "mod1"), common.ErrForbidden)
	assert.ErrorIs(t, f.auth.UpdateRole(f.ctx, "mod1", "bob", "pro"), common.ErrForbidden)
}

func TestBanUnbanIdempotence(t *testing.T) {
	f := newFixture(t, map[string]string{"mod1": "moderator"})
	f.connect("mod1")
	f.connect("bob")

	require.NoError(t, f.auth.Ban(f.ctx, "mod1", "bob"))
	require.NoError(t, f.auth.Ban(f.ctx, "mod1", "bob"))
	assert.Equal(t, []string{"bob"}, f.auth.Banned())

	require.NoError(t, f.auth.Unban(f.ctx, "mod1", "bob"))
	assert.ErrorIs(t, f.auth.Unban(f.ctx, "mod1", "bob"), common.ErrNotBanned)
	assert.Empty(t, f.auth.Banned())
}

func TestUpdateAndRemoveRole(t *testing.T) {
	f := newFixture(t, map[string]string{"mod1": "moderator", "root": "admin"})
	bob := f.connect("bob")

	require.NoError(t, f.auth.UpdateRole(f.ctx, "mod1", "bob", "pro"))
	assert.Equal(t, auth.RolePro, f.auth.Role("bob"))
	infos := bob.OfType(event.TypeRoleInfo)
	require.Len(t, infos, 1)
	assert.Equal(t, "pro", infos[0].Role)

	stored, _ := f.store.LoadRoles(f.ctx)
	assert.Equal(t, "pro", stored["bob"])
	assert.Equal(t, "moderator", stored["mod1"], "other assignments survive the rewrite")

	assert.ErrorIs(t, f.auth.UpdateRole(f.ctx, "mod1", "bob", "emperor"), common.ErrInvalidRole)
	assert.ErrorIs(t, f.auth.UpdateRole(f.ctx, "mod1", "bob", "noob"), common.ErrInvalidRole)
	assert.ErrorIs(t, f.auth.UpdateRole(f.ctx, "root", "bob", "plebe"), common.ErrForbidden)

	require.NoError(t, f.auth.RemoveRole(f.ctx, "mod1", "bob"))
	assert.Equal(t, auth.RoleNoob, f.auth.Role("bob"))
}

func TestAdminRoleManagementFlag(t *testing.T) {
	f := newFixture(t, map[string]string{"root": "admin"}, WithPolicy(auth.NewPolicy(auth.WithAdminRoleManagement())))
	require.NoError(t, f.auth.UpdateRole(f.ctx, "root", "bob", "middle"))
	assert.Equal(t, auth.RoleMiddle, f.auth.Role("bob"))
}

func TestConcurrentRoleUpdatesDoNotLoseWrites(t *testing.T) {
	f := newFixture(t, map[string]string{"mod1": "moderator"})
	names := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	var wg sync.WaitGroup
	for _, n := range names {
		wg.Add(1)
		go func(n string) {
			defer wg.Done()
			assert.NoError(t, f.auth.UpdateRole(f.ctx, "mod1", n, "plebe"))
		}(n)
	}
	wg.Wait()
	stored, _ := f.store.LoadRoles(f.ctx)
	for _, n := range names {
		assert.Equal(t, "plebe", stored[n], n)
	}
}

type brokenStore struct{ *memory.Store }

var errDisk = errors.New("disk unavailable")

func (brokenStore) LoadBans(context.Context) ([]string, error) { return nil, errDisk }
func (brokenStore) SaveBans(context.Context, []string) error   { return errDisk }

func (brokenStore) LoadRoles(context.Context) (map[string]string, error) { return nil, errDisk }
func (brokenStore) SaveRoles(context.Context, map[string]string) error   { return errDisk }

func TestStorageFailuresDegrade(t *testing.T) {
	ctx := context.Background()
	st := brokenStore{memory.New()}
	reg := session.NewRegistry()
	a := New(st, st, reg)
	a.Refresh(ctx)
	assert.Empty(t, a.Banned())
	assert.Equal(t, auth.RoleNoob, a.Role("anyone"))

	a.Bootstrap(ctx, []string{"root"})
	assert.Equal(t, auth.RoleAdmin, a.Role("root"), "in-memory effect kept when the write fails")

	reg.Bind("root", session.NewRecordingConn())
	reg.Bind("bob", session.NewRecordingConn())
	require.NoError(t, a.Ban(ctx, "root", "bob"))
	assert.True(t, a.IsBanned("bob"))
}

func TestBootstrapKeepsExistingRoles(t *testing.T) {
	f := newFixture(t, map[string]string{"pizza": "moderator"})
	f.auth.Bootstrap(f.ctx, []string{"pizza", "root"})
	assert.Equal(t, auth.RoleModerator, f.auth.Role("pizza"))
	assert.Equal(t, auth.RoleAdmin, f.auth.Role("root"))
}
