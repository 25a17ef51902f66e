// Package moderation owns the role cache and the ban set and applies
// privileged actions (ban, unban, role changes) against them.
package moderation

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"otterchat.org/internal/audit"
	"otterchat.org/internal/auth"
	"otterchat.org/internal/common"
	"otterchat.org/internal/event"
	"otterchat.org/internal/obs"
	"otterchat.org/internal/session"
	"otterchat.org/internal/store"
)

// Authority caches role assignments and the ban set. Writes go through to the
// durable stores; read failures leave the cache as it was.
type Authority struct {
	bansStore  store.BanStore
	rolesStore store.RoleStore
	registry   *session.Registry
	policy     *auth.Policy

	disconnectOnBan bool

	mu    sync.RWMutex
	roles map[string]auth.Role
	bans  map[string]struct{}

	// Serialise read-modify-write of each durable collection.
	banWriteMu  sync.Mutex
	roleWriteMu sync.Mutex
}

// Option configures Authority.
type Option func(*Authority)

// WithDisconnectOnBan closes the target's connection after a ban.
func WithDisconnectOnBan(on bool) Option {
	return func(a *Authority) { a.disconnectOnBan = on }
}

// WithPolicy replaces the default authorization table.
func WithPolicy(p *auth.Policy) Option {
	return func(a *Authority) {
		if p != nil {
			a.policy = p
		}
	}
}

// New builds an Authority with an empty cache. Call Refresh to load state.
func New(bans store.BanStore, roles store.RoleStore, registry *session.Registry, opts ...Option) *Authority {
	a := &Authority{
		bansStore:  bans,
		rolesStore: roles,
		registry:   registry,
		policy:     auth.NewPolicy(),
		roles:      make(map[string]auth.Role),
		bans:       make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Policy returns the authorization table in use.
func (a *Authority) Policy() *auth.Policy { return a.policy }

// Refresh reloads roles and bans from the durable stores.
func (a *Authority) Refresh(ctx context.Context) {
	a.refreshBans(ctx)
	a.refreshRoles(ctx)
}

func (a *Authority) refreshBans(ctx context.Context) {
	names, err := a.bansStore.LoadBans(ctx)
	if err != nil {
		obs.Error("load bans failed", map[string]any{"err": err})
		return
	}
	next := make(map[string]struct{}, len(names))
	for _, n := range names {
		next[n] = struct{}{}
	}
	a.mu.Lock()
	a.bans = next
	a.mu.Unlock()
}

func (a *Authority) refreshRoles(ctx context.Context) {
	raw, err := a.rolesStore.LoadRoles(ctx)
	if err != nil {
		obs.Error("load roles failed", map[string]any{"err": err})
		return
	}
	a.mu.Lock()
	a.roles = decodeRoles(raw)
	a.mu.Unlock()
}

// Role returns the cached role for username; unassigned identities are noob.
func (a *Authority) Role(username string) auth.Role {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if r, ok := a.roles[username]; ok {
		return r
	}
	return auth.RoleNoob
}

func (a *Authority) IsBanned(username string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.bans[username]
	return ok
}

// Banned returns the ban set sorted.
func (a *Authority) Banned() []string {
	a.mu.RLock()
	out := make([]string, 0, len(a.bans))
	for n := range a.bans {
		out = append(out, n)
	}
	a.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Authorize checks that sender is not banned and may perform action on target.
func (a *Authority) Authorize(sender string, action auth.Action, target string) error {
	if a.IsBanned(sender) {
		return common.ErrForbidden
	}
	if !a.policy.Allows(a.Role(sender), action, a.Role(target)) {
		return common.ErrForbidden
	}
	return nil
}

// Ban adds a connected target to the ban set and tells every session.
// Banning an already banned target re-sends the notices.
func (a *Authority) Ban(ctx context.Context, sender, target string) error {
	if err := a.Authorize(sender, auth.ActionBan, target); err != nil {
		return err
	}
	conn, ok := a.registry.Lookup(target)
	if !ok {
		return fmt.Errorf("ban %s: %w", target, common.ErrNotConnected)
	}

	a.updateBans(ctx, func(set map[string]struct{}) bool {
		set[target] = struct{}{}
		return true
	})

	if err := conn.Send(event.Error(common.Code(common.ErrBanned), "you have been banned")); err != nil {
		obs.Warn("ban notice not delivered", map[string]any{"target": target, "err": err})
	}
	a.BroadcastBanList()
	if a.disconnectOnBan {
		_ = conn.Close()
		a.registry.Unbind(target, conn)
	}

	a.record(ctx, "ban", map[string]any{"target": target, "disconnect": a.disconnectOnBan})
	return nil
}

// Unban removes target from the ban set.
func (a *Authority) Unban(ctx context.Context, sender, target string) error {
	if err := a.Authorize(sender, auth.ActionUnban, target); err != nil {
		return err
	}
	removed := a.updateBans(ctx, func(set map[string]struct{}) bool {
		if _, ok := set[target]; !ok {
			return false
		}
		delete(set, target)
		return true
	})
	if !removed {
		return fmt.Errorf("unban %s: %w", target, common.ErrNotBanned)
	}

	if _, err := a.registry.Send(target, event.Success("you have been unbanned")); err != nil {
		obs.Warn("unban notice not delivered", map[string]any{"target": target, "err": err})
	}
	a.BroadcastBanList()
	a.record(ctx, "unban", map[string]any{"target": target})
	return nil
}

// BroadcastBanList sends the current ban set to every bound session.
func (a *Authority) BroadcastBanList() {
	for name, err := range a.registry.Broadcast(event.BannedList(a.Banned())) {
		obs.Warn("ban list not delivered", map[string]any{"username": name, "err": err})
	}
}

// updateBans applies mutate to a copy of the ban set and persists it when
// mutate reports a change. The in-memory change stands even if the write fails.
func (a *Authority) updateBans(ctx context.Context, mutate func(map[string]struct{}) bool) bool {
	a.banWriteMu.Lock()
	defer a.banWriteMu.Unlock()

	a.mu.Lock()
	next := make(map[string]struct{}, len(a.bans)+1)
	for n := range a.bans {
		next[n] = struct{}{}
	}
	if !mutate(next) {
		a.mu.Unlock()
		return false
	}
	a.bans = next
	a.mu.Unlock()

	names := a.Banned()
	if err := a.bansStore.SaveBans(ctx, names); err != nil {
		obs.Error("save bans failed", map[string]any{"err": err})
	}
	return true
}

// UpdateRole assigns roleName to target.
func (a *Authority) UpdateRole(ctx context.Context, sender, target, roleName string) error {
	if err := a.Authorize(sender, auth.ActionUpdateRole, target); err != nil {
		return err
	}
	role, ok := auth.ParseRole(roleName)
	if !ok || !role.Assignable() {
		return fmt.Errorf("role %q: %w", roleName, common.ErrInvalidRole)
	}
	a.writeRoles(ctx, func(roles map[string]string) {
		roles[target] = role.String()
	})
	a.notifyRole(target)
	a.record(ctx, "role.update", map[string]any{"target": target, "role": role.String()})
	return nil
}

// RemoveRole drops target's assignment so it falls back to noob.
func (a *Authority) RemoveRole(ctx context.Context, sender, target string) error {
	if err := a.Authorize(sender, auth.ActionRemoveRole, target); err != nil {
		return err
	}
	a.writeRoles(ctx, func(roles map[string]string) {
		delete(roles, target)
	})
	a.notifyRole(target)
	a.record(ctx, "role.remove", map[string]any{"target": target})
	return nil
}

// Bootstrap assigns admin to every listed username that has no role yet.
func (a *Authority) Bootstrap(ctx context.Context, admins []string) {
	var missing []string
	for _, name := range admins {
		if name == "" {
			continue
		}
		a.mu.RLock()
		_, ok := a.roles[name]
		a.mu.RUnlock()
		if !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return
	}
	a.writeRoles(ctx, func(roles map[string]string) {
		for _, name := range missing {
			if _, ok := roles[name]; !ok {
				roles[name] = auth.RoleAdmin.String()
			}
		}
	})
	obs.Info("bootstrap admins assigned", map[string]any{"usernames": missing})
}

// writeRoles performs a read-modify-write of the whole role collection and
// then refreshes the cache from the store.
func (a *Authority) writeRoles(ctx context.Context, mutate func(map[string]string)) {
	a.roleWriteMu.Lock()
	defer a.roleWriteMu.Unlock()

	current, err := a.rolesStore.LoadRoles(ctx)
	if err != nil {
		obs.Error("load roles failed", map[string]any{"op": "write", "err": err})
		current = a.encodeCache()
	}
	if current == nil {
		current = make(map[string]string)
	}
	mutate(current)

	if err := a.rolesStore.SaveRoles(ctx, current); err != nil {
		obs.Error("save roles failed", map[string]any{"err": err})
		a.mu.Lock()
		a.roles = decodeRoles(current)
		a.mu.Unlock()
		return
	}
	a.mu.Lock()
	a.roles = decodeRoles(current)
	a.mu.Unlock()
	a.refreshRoles(ctx)
}

func (a *Authority) encodeCache() map[string]string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]string, len(a.roles))
	for n, r := range a.roles {
		out[n] = r.String()
	}
	return out
}

func (a *Authority) notifyRole(target string) {
	ev := event.Outbound{Type: event.TypeRoleInfo, Username: target, Role: a.Role(target).String()}
	if _, err := a.registry.Send(target, ev); err != nil {
		obs.Warn("role notice not delivered", map[string]any{"target": target, "err": err})
	}
}

func (a *Authority) record(ctx context.Context, action string, fields map[string]any) {
	obs.IncModeration(action)
	if err := audit.LogEvent(ctx, "moderation."+action, fields); err != nil {
		obs.Error("audit failed", map[string]any{"action": action, "err": err})
	}
}

func decodeRoles(raw map[string]string) map[string]auth.Role {
	out := make(map[string]auth.Role, len(raw))
	for name, tag := range raw {
		r, ok := auth.ParseRole(tag)
		if !ok || !r.Assignable() {
			obs.Warn("ignoring unknown role assignment", map[string]any{"username": name, "role": tag})
			continue
		}
		out[name] = r
	}
	return out
}
