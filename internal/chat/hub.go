package chat

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"unicode/utf8"

	"otterchat.org/internal/audit"
	"otterchat.org/internal/auth"
	"otterchat.org/internal/common"
	"otterchat.org/internal/economy"
	"otterchat.org/internal/event"
	"otterchat.org/internal/moderation"
	"otterchat.org/internal/obs"
	"otterchat.org/internal/session"
	"otterchat.org/internal/store"
)

const maxScreennameRunes = 32

// Client is the per-connection state owned by the transport goroutine that
// reads the connection.
type Client struct {
	id       string
	conn     session.Conn
	username string
	room     string
}

// ID returns the transport connection id.
func (c *Client) ID() string { return c.id }

// Username returns the identity bound by the last successful login, if any.
func (c *Client) Username() string { return c.username }

// Hub classifies inbound events and applies them through the core components.
type Hub struct {
	auth      *auth.Service
	registry  *session.Registry
	authority *moderation.Authority
	router    *Router
	ledger    *economy.Ledger
	alerts    *economy.Alerts
	accounts  store.AccountStore

	closeReplaced bool

	// renameMu serialises rename checks and guards screennames.
	renameMu    sync.Mutex
	screennames map[string]string
}

// HubDeps lists the components a Hub dispatches to.
type HubDeps struct {
	Auth      *auth.Service
	Registry  *session.Registry
	Authority *moderation.Authority
	Router    *Router
	Ledger    *economy.Ledger
	Alerts    *economy.Alerts
	Accounts  store.AccountStore

	// CloseReplaced makes a second login notify and close the connection it
	// displaces. By default the old connection is only unbound.
	CloseReplaced bool
}

func NewHub(d HubDeps) (*Hub, error) {
	if d.Auth == nil || d.Registry == nil || d.Authority == nil || d.Router == nil ||
		d.Ledger == nil || d.Alerts == nil || d.Accounts == nil {
		return nil, errors.New("chat: all hub dependencies are required")
	}
	return &Hub{
		auth:          d.Auth,
		registry:      d.Registry,
		authority:     d.Authority,
		router:        d.Router,
		ledger:        d.Ledger,
		alerts:        d.Alerts,
		accounts:      d.Accounts,
		closeReplaced: d.CloseReplaced,
		screennames:   make(map[string]string),
	}, nil
}

// Connect registers a new unauthenticated connection.
func (h *Hub) Connect(id string, conn session.Conn) *Client {
	return &Client{id: id, conn: conn, room: RoomGeneral}
}

// Disconnect releases the client's binding unless a newer connection took it over.
func (h *Hub) Disconnect(c *Client) {
	if c.username == "" {
		return
	}
	h.registry.Unbind(c.username, c.conn)
}

// Handle applies one inbound event. Failures are reported to the client as an
// error event; a panic in a handler is contained to that event.
func (h *Hub) Handle(ctx context.Context, c *Client, in event.Inbound) {
	var err error
	defer func() {
		if rec := recover(); rec != nil {
			obs.Error("event handler panic", map[string]any{
				"type":  in.Type,
				"panic": fmt.Sprint(rec),
				"stack": string(debug.Stack()),
			})
			err = common.ErrInternal
		}
		obs.IncInbound(in.Type, common.Code(err))
		if err != nil {
			h.reply(c, err)
		}
		// A banned identity never keeps its connection after a login attempt.
		if errors.Is(err, common.ErrBanned) {
			_ = c.conn.Close()
		}
	}()

	ctx = audit.WithConnID(ctx, c.id)
	if c.username != "" {
		ctx = auth.ContextWithUser(ctx, c.username, h.authority.Role(c.username))
	}
	err = h.dispatch(ctx, c, in)
}

func (h *Hub) dispatch(ctx context.Context, c *Client, in event.Inbound) error {
	switch in.Type {
	case event.TypeSignup:
		if err := h.auth.Signup(ctx, in.Username, in.Email, in.Password); err != nil {
			return err
		}
		return c.conn.Send(event.Outbound{Type: event.TypeSuccess, Code: "code_sent", Message: "verification code sent"})
	case event.TypeVerifyCode:
		acc, err := h.auth.Verify(ctx, in.Email, in.Code)
		if err != nil {
			return err
		}
		return h.welcome(ctx, c, acc)
	case event.TypeLogin:
		acc, err := h.auth.Login(ctx, in.Username, in.Password)
		if err != nil {
			return err
		}
		return h.welcome(ctx, c, acc)
	case event.TypeResume:
		acc, err := h.auth.Resume(ctx, in.Token)
		if err != nil {
			return err
		}
		return h.welcome(ctx, c, acc)
	}

	if err := h.requireSession(c, in); err != nil {
		return err
	}

	switch in.Type {
	case event.TypeGroupMessage:
		room := in.Room
		if room == "" {
			room = c.room
		}
		_, err := h.router.PostGroup(ctx, room, c.username, h.screenname(c.username), in.Color, in.Message)
		return err
	case event.TypePrivateMessage:
		return h.router.PostDirect(ctx, c.username, in.Recipient, in.Message, in.Color, h.screenname(c.username))
	case event.TypeBan:
		if err := h.authority.Ban(ctx, c.username, in.Username); err != nil {
			return err
		}
		return c.conn.Send(event.Success(fmt.Sprintf("%s has been banned", in.Username)))
	case event.TypeUnban:
		if err := h.authority.Unban(ctx, c.username, in.Username); err != nil {
			return err
		}
		return c.conn.Send(event.Success(fmt.Sprintf("%s has been unbanned", in.Username)))
	case event.TypeAdminUpdate:
		if err := h.authority.UpdateRole(ctx, c.username, in.Username, in.Role); err != nil {
			return err
		}
		return c.conn.Send(event.Success(fmt.Sprintf("%s is now %s", in.Username, strings.ToLower(in.Role))))
	case event.TypeAdminRemove:
		if err := h.authority.RemoveRole(ctx, c.username, in.Username); err != nil {
			return err
		}
		return c.conn.Send(event.Success(fmt.Sprintf("%s no longer has a role", in.Username)))
	case event.TypeRename:
		return h.rename(ctx, c, in.ForWho, in.NewName)
	case event.TypeAddBucks:
		w, err := h.ledger.Credit(ctx, c.username, in.Username, in.Amount.String())
		if err != nil {
			return err
		}
		return c.conn.Send(event.Success(fmt.Sprintf("%s now has %s", in.Username, economy.FormatAmount(w.Balance))))
	case event.TypeBuyFromStore:
		_, err := h.ledger.Purchase(ctx, c.username, in.Item)
		return err
	case event.TypeAlert:
		if err := h.alerts.SendAlert(ctx, c.username, in.Who, in.Message); err != nil {
			return err
		}
		return c.conn.Send(event.Success(fmt.Sprintf("alert sent to %s", in.Who)))
	case event.TypeSwitchedRoom:
		if err := h.router.SwitchRoom(ctx, c.username, in.Room); err != nil {
			return err
		}
		c.room = in.Room
		return nil
	default:
		return fmt.Errorf("unsupported event type %q: %w", in.Type, common.ErrInvalidInput)
	}
}

// requireSession checks that c still owns the binding for its identity and
// that payload identity fields, when present, match it.
func (h *Hub) requireSession(c *Client, in event.Inbound) error {
	if c.username == "" {
		return common.ErrUnauthenticated
	}
	bound, ok := h.registry.Lookup(c.username)
	if !ok || bound != c.conn {
		return common.ErrUnauthenticated
	}
	if in.Sender != "" && in.Sender != c.username {
		return fmt.Errorf("sender %q does not match session: %w", in.Sender, common.ErrForbidden)
	}
	switch in.Type {
	case event.TypeBuyFromStore, event.TypeAlert, event.TypeSwitchedRoom:
		if in.Username != "" && in.Username != c.username {
			return fmt.Errorf("username %q does not match session: %w", in.Username, common.ErrForbidden)
		}
	}
	return nil
}

// welcome binds the session and sends the login payload, the ban list and the
// current room's history.
func (h *Hub) welcome(ctx context.Context, c *Client, acc store.Account) error {
	if c.username != "" && c.username != acc.Username {
		h.registry.Unbind(c.username, c.conn)
	}
	prev, replaced := h.registry.Bind(acc.Username, c.conn)
	if replaced && prev != nil && h.closeReplaced {
		_ = prev.Send(event.Error(common.Code(common.ErrUnauthenticated), "signed in from another connection"))
		_ = prev.Close()
	}
	c.username = acc.Username
	h.setScreenname(acc.Username, acc.Screenname)

	role := h.authority.Role(acc.Username)
	wallet := h.ledger.Wallet(ctx, acc.Username)
	token, err := h.auth.IssueToken(acc.Username)
	if err != nil {
		obs.Error("issue resume token failed", map[string]any{"username": acc.Username, "err": err})
	}

	items := wallet.Items
	if items == nil {
		items = []string{}
	}
	joinDate := ""
	if !acc.JoinedAt.IsZero() {
		joinDate = acc.JoinedAt.UTC().Format("2006-01-02")
	}
	out := []event.Outbound{
		{
			Type:       event.TypeLoginSuccess,
			Username:   acc.Username,
			Screenname: acc.Screenname,
			Role:       role.String(),
			Balance:    economy.FormatAmount(wallet.Balance),
			Items:      items,
			JoinDate:   joinDate,
			Token:      token,
		},
		{Type: event.TypeRoleInfo, Username: acc.Username, Role: role.String()},
		event.BannedList(h.authority.Banned()),
	}
	for _, msg := range h.router.History(c.room) {
		out = append(out, event.Group(msg))
	}
	for _, ev := range out {
		if err := c.conn.Send(ev); err != nil {
			return fmt.Errorf("welcome %s: %w", acc.Username, err)
		}
	}
	obs.Info("session bound", map[string]any{"username": acc.Username, "conn_id": c.id, "replaced": replaced})
	return nil
}

func (h *Hub) rename(ctx context.Context, c *Client, forWho, newName string) error {
	forWho = strings.TrimSpace(forWho)
	if forWho == "" {
		forWho = c.username
	}
	newName = strings.TrimSpace(newName)
	if newName == "" || utf8.RuneCountInString(newName) > maxScreennameRunes {
		return fmt.Errorf("screenname: %w", common.ErrInvalidInput)
	}
	if forWho != c.username {
		if err := h.authority.Authorize(c.username, auth.ActionRenameOther, forWho); err != nil {
			return err
		}
	}

	h.renameMu.Lock()
	defer h.renameMu.Unlock()

	if _, err := h.accounts.GetAccount(ctx, forWho); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("rename %s: %w", forWho, common.ErrNotFound)
		}
		return fmt.Errorf("rename %s: %w", forWho, err)
	}
	owner, err := h.accounts.AccountByName(ctx, newName)
	switch {
	case err == nil && owner.Username != forWho:
		return common.ErrScreennameConflict
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("rename %s: %w", forWho, err)
	}
	if err := h.accounts.UpdateScreenname(ctx, forWho, newName); err != nil {
		return fmt.Errorf("rename %s: %w", forWho, err)
	}

	h.screennames[forWho] = newName
	update := event.Outbound{Type: event.TypeScreennameUpdate, Username: forWho, Screenname: newName}
	if _, err := h.registry.Send(forWho, update); err != nil {
		obs.Warn("screenname update not delivered", map[string]any{"username": forWho, "err": err})
	}
	if forWho != c.username {
		if err := audit.LogEvent(ctx, "profile.rename", map[string]any{"target": forWho, "screenname": newName}); err != nil {
			obs.Error("audit failed", map[string]any{"action": "rename", "err": err})
		}
		return c.conn.Send(event.Success(fmt.Sprintf("%s is now known as %s", forWho, newName)))
	}
	return nil
}

func (h *Hub) screenname(username string) string {
	h.renameMu.Lock()
	defer h.renameMu.Unlock()
	if name, ok := h.screennames[username]; ok {
		return name
	}
	return username
}

func (h *Hub) setScreenname(username, name string) {
	if name == "" {
		name = username
	}
	h.renameMu.Lock()
	h.screennames[username] = name
	h.renameMu.Unlock()
}

func (h *Hub) reply(c *Client, err error) {
	code := common.Code(err)
	if code == "internal" {
		obs.Error("event failed", map[string]any{"conn_id": c.id, "username": c.username, "err": err})
	}
	if sendErr := c.conn.Send(event.Error(code, common.PublicMessage(err))); sendErr != nil {
		obs.Warn("error reply not delivered", map[string]any{"conn_id": c.id, "err": sendErr})
	}
}
