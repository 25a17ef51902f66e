// Package chat routes group and direct messages between bound sessions and
// dispatches inbound client events to the core components.
package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"otterchat.org/internal/common"
	"otterchat.org/internal/event"
	"otterchat.org/internal/ids"
	"otterchat.org/internal/obs"
	"otterchat.org/internal/session"
)

const (
	RoomGeneral = "general"
	RoomRandom  = "random"
	RoomHelp    = "help"

	DefaultHistoryLimit = 10
	maxMessageRunes     = 2000
)

// DefaultRooms is the fixed room set.
var DefaultRooms = []string{RoomGeneral, RoomRandom, RoomHelp}

// BanChecker reports live ban membership.
type BanChecker interface {
	IsBanned(username string) bool
}

// Router keeps a bounded history per room and fans messages out through the
// session registry. Rooms are metadata: group messages reach every bound
// session regardless of the room it last switched to.
type Router struct {
	registry     *session.Registry
	bans         BanChecker
	oversight    string
	historyLimit int
	now          func() time.Time

	mu    sync.Mutex
	rooms map[string][]event.ChatMessage
	order []string
}

// RouterOption configures Router.
type RouterOption func(*Router)

func WithHistoryLimit(n int) RouterOption {
	return func(r *Router) {
		if n > 0 {
			r.historyLimit = n
		}
	}
}

// WithOversight mirrors every direct message to username when it is bound.
func WithOversight(username string) RouterOption {
	return func(r *Router) { r.oversight = strings.TrimSpace(username) }
}

// WithRooms replaces the room set.
func WithRooms(names ...string) RouterOption {
	return func(r *Router) {
		if len(names) == 0 {
			return
		}
		r.order = nil
		r.rooms = make(map[string][]event.ChatMessage, len(names))
		for _, n := range names {
			if _, dup := r.rooms[n]; dup || n == "" {
				continue
			}
			r.rooms[n] = nil
			r.order = append(r.order, n)
		}
	}
}

func withRouterClock(now func() time.Time) RouterOption {
	return func(r *Router) { r.now = now }
}

func NewRouter(registry *session.Registry, bans BanChecker, opts ...RouterOption) *Router {
	r := &Router{
		registry:     registry,
		bans:         bans,
		historyLimit: DefaultHistoryLimit,
		now:          time.Now,
	}
	WithRooms(DefaultRooms...)(r)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Rooms returns the room names in configuration order.
func (r *Router) Rooms() []string {
	return append([]string(nil), r.order...)
}

// HasRoom reports whether name is a configured room.
func (r *Router) HasRoom(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[name]
	return ok
}

// PostGroup records a message in room and broadcasts it to every bound session.
func (r *Router) PostGroup(ctx context.Context, room, sender, screenname, color, text string) (event.ChatMessage, error) {
	if err := r.checkSender(sender); err != nil {
		return event.ChatMessage{}, err
	}
	text, err := cleanText(text)
	if err != nil {
		return event.ChatMessage{}, err
	}
	if screenname == "" {
		screenname = sender
	}
	now := r.now().UTC()
	msg := event.ChatMessage{
		ID:         ids.At(now),
		Room:       room,
		Sender:     sender,
		Screenname: screenname,
		Color:      color,
		Message:    text,
		SentAt:     now,
	}

	r.mu.Lock()
	history, ok := r.rooms[room]
	if !ok {
		r.mu.Unlock()
		return event.ChatMessage{}, fmt.Errorf("room %q: %w", room, common.ErrUnknownRoom)
	}
	history = append(history, msg)
	if over := len(history) - r.historyLimit; over > 0 {
		history = append([]event.ChatMessage(nil), history[over:]...)
	}
	r.rooms[room] = history
	r.mu.Unlock()

	for name, err := range r.registry.Broadcast(event.Group(msg)) {
		obs.Warn("group message not delivered", map[string]any{"username": name, "room": room, "err": err})
	}
	obs.IncMessage("group")
	return msg, nil
}

// PostDirect delivers a private message. The oversight copy and the
// recipient delivery are independent of each other.
func (r *Router) PostDirect(ctx context.Context, sender, recipient, text, color, screenname string) error {
	if err := r.checkSender(sender); err != nil {
		return err
	}
	text, err := cleanText(text)
	if err != nil {
		return err
	}
	if screenname == "" {
		screenname = sender
	}
	now := r.now().UTC()
	ev := event.Outbound{
		Type:       event.TypePrivateMessage,
		ID:         ids.At(now),
		Sender:     sender,
		Recipient:  recipient,
		Screenname: screenname,
		Color:      color,
		Message:    text,
		SentAt:     now,
	}

	found, sendErr := r.registry.Send(recipient, ev)
	delivered := found && sendErr == nil
	if sendErr != nil {
		obs.Warn("direct message not delivered", map[string]any{"recipient": recipient, "err": sendErr})
	}

	if r.oversight != "" && r.oversight != sender && r.oversight != recipient {
		mirror := event.Outbound{
			Type:              event.TypePrivateMessageCopy,
			ID:                ev.ID,
			OriginalSender:    sender,
			OriginalRecipient: recipient,
			Message:           text,
			SentAt:            now,
		}
		if ok, err := r.registry.Send(r.oversight, mirror); ok && err == nil {
			obs.IncMessage("mirror")
		}
	}

	if !delivered {
		return fmt.Errorf("direct to %s: %w", recipient, common.ErrRecipientOffline)
	}
	echo := ev
	echo.Delivered = true
	if _, err := r.registry.Send(sender, echo); err != nil {
		obs.Warn("delivery confirmation not sent", map[string]any{"sender": sender, "err": err})
	}
	obs.IncMessage("direct")
	return nil
}

// SwitchRoom replays room's history to username's connection only.
func (r *Router) SwitchRoom(ctx context.Context, username, room string) error {
	if !r.HasRoom(room) {
		return fmt.Errorf("room %q: %w", room, common.ErrUnknownRoom)
	}
	conn, ok := r.registry.Lookup(username)
	if !ok {
		return common.ErrUnauthenticated
	}
	for _, msg := range r.History(room) {
		if err := conn.Send(event.Group(msg)); err != nil {
			return fmt.Errorf("replay %s: %w", room, err)
		}
	}
	return nil
}

// History returns a copy of room's recent messages, oldest first.
func (r *Router) History(room string) []event.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.ChatMessage(nil), r.rooms[room]...)
}

func (r *Router) checkSender(sender string) error {
	if r.bans.IsBanned(sender) {
		return common.ErrForbidden
	}
	if _, ok := r.registry.Lookup(sender); !ok {
		return common.ErrForbidden
	}
	return nil
}

func cleanText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("message is required: %w", common.ErrInvalidInput)
	}
	if utf8.RuneCountInString(text) > maxMessageRunes {
		return "", fmt.Errorf("message too long: %w", common.ErrInvalidInput)
	}
	return text, nil
}
