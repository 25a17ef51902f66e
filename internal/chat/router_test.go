package chat

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otterchat.org/internal/common"
	"otterchat.org/internal/event"
	"otterchat.org/internal/session"
)

type banSet map[string]bool

func (b banSet) IsBanned(username string) bool { return b[username] }

func newTestRouter(bans banSet, opts ...RouterOption) (*Router, *session.Registry) {
	reg := session.NewRegistry()
	return NewRouter(reg, bans, opts...), reg
}

func TestHistoryKeepsLastN(t *testing.T) {
	r, reg := newTestRouter(banSet{})
	reg.Bind("alice", session.NewRecordingConn())
	ctx := context.Background()

	for i := 1; i <= 15; i++ {
		_, err := r.PostGroup(ctx, RoomGeneral, "alice", "", "", fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}
	h := r.History(RoomGeneral)
	require.Len(t, h, DefaultHistoryLimit)
	assert.Equal(t, "m6", h[0].Message)
	assert.Equal(t, "m15", h[len(h)-1].Message)
	for i := 1; i < len(h); i++ {
		assert.Less(t, h[i-1].ID, h[i].ID, "history keeps arrival order")
	}
	assert.Empty(t, r.History(RoomRandom))
}

func TestGroupBroadcastsToEverySession(t *testing.T) {
	r, reg := newTestRouter(banSet{})
	alice, bob, stale := session.NewRecordingConn(), session.NewRecordingConn(), session.NewRecordingConn()
	stale.FailSends()
	reg.Bind("alice", alice)
	reg.Bind("bob", bob)
	reg.Bind("stale", stale)

	msg, err := r.PostGroup(context.Background(), RoomHelp, "alice", "Al", "#fff", "  hi  ")
	require.NoError(t, err)
	assert.Equal(t, "hi", msg.Message)
	assert.Equal(t, "Al", msg.Screenname)

	got := bob.OfType(event.TypeGroupMessage)
	require.Len(t, got, 1, "room is metadata, not a subscription filter")
	assert.Equal(t, RoomHelp, got[0].Room)
	assert.Len(t, alice.OfType(event.TypeGroupMessage), 1)
}

func TestGroupRejections(t *testing.T) {
	r, reg := newTestRouter(banSet{"bob": true})
	reg.Bind("bob", session.NewRecordingConn())
	reg.Bind("alice", session.NewRecordingConn())
	ctx := context.Background()

	_, err := r.PostGroup(ctx, RoomGeneral, "bob", "", "", "hi")
	assert.ErrorIs(t, err, common.ErrForbidden)
	_, err = r.PostGroup(ctx, RoomGeneral, "ghost", "", "", "hi")
	assert.ErrorIs(t, err, common.ErrForbidden)
	_, err = r.PostGroup(ctx, "lobby", "alice", "", "", "hi")
	assert.ErrorIs(t, err, common.ErrUnknownRoom)
	_, err = r.PostGroup(ctx, RoomGeneral, "alice", "", "", "   ")
	assert.ErrorIs(t, err, common.ErrInvalidInput)
}

func TestDirectDeliveryAndOversight(t *testing.T) {
	r, reg := newTestRouter(banSet{}, WithOversight("pizza"))
	alice, bob, pizza := session.NewRecordingConn(), session.NewRecordingConn(), session.NewRecordingConn()
	reg.Bind("alice", alice)
	reg.Bind("bob", bob)
	reg.Bind("pizza", pizza)
	ctx := context.Background()

	require.NoError(t, r.PostDirect(ctx, "alice", "bob", "psst", "", ""))
	got := bob.OfType(event.TypePrivateMessage)
	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].Sender)
	assert.False(t, got[0].Delivered)

	echo := alice.OfType(event.TypePrivateMessage)
	require.Len(t, echo, 1)
	assert.True(t, echo[0].Delivered)

	copies := pizza.OfType(event.TypePrivateMessageCopy)
	require.Len(t, copies, 1)
	assert.Equal(t, "alice", copies[0].OriginalSender)
	assert.Equal(t, "bob", copies[0].OriginalRecipient)
	assert.Equal(t, "psst", copies[0].Message)
}

func TestDirectOfflineStillMirrored(t *testing.T) {
	r, reg := newTestRouter(banSet{}, WithOversight("pizza"))
	alice, pizza := session.NewRecordingConn(), session.NewRecordingConn()
	reg.Bind("alice", alice)
	reg.Bind("pizza", pizza)

	err := r.PostDirect(context.Background(), "alice", "carol", "hello?", "", "")
	assert.ErrorIs(t, err, common.ErrRecipientOffline)
	assert.Len(t, pizza.OfType(event.TypePrivateMessageCopy), 1)
	assert.Empty(t, alice.OfType(event.TypePrivateMessage))
}

func TestDirectWithoutOversightBound(t *testing.T) {
	r, reg := newTestRouter(banSet{}, WithOversight("pizza"))
	reg.Bind("alice", session.NewRecordingConn())
	reg.Bind("bob", session.NewRecordingConn())
	assert.NoError(t, r.PostDirect(context.Background(), "alice", "bob", "hi", "", ""))
}

func TestSwitchRoomReplaysToRequesterOnly(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	r, reg := newTestRouter(banSet{}, withRouterClock(func() time.Time { return now }))
	alice, bob := session.NewRecordingConn(), session.NewRecordingConn()
	reg.Bind("alice", alice)
	reg.Bind("bob", bob)
	ctx := context.Background()

	_, _ = r.PostGroup(ctx, RoomRandom, "alice", "", "", "one")
	_, _ = r.PostGroup(ctx, RoomRandom, "alice", "", "", "two")
	alice.Reset()
	bob.Reset()

	require.NoError(t, r.SwitchRoom(ctx, "alice", RoomRandom))
	replay := alice.OfType(event.TypeGroupMessage)
	require.Len(t, replay, 2)
	assert.Equal(t, "one", replay[0].Message)
	assert.True(t, replay[0].SentAt.Equal(now))
	assert.Empty(t, bob.Events())

	assert.ErrorIs(t, r.SwitchRoom(ctx, "alice", "nowhere"), common.ErrUnknownRoom)
	assert.ErrorIs(t, r.SwitchRoom(ctx, "ghost", RoomHelp), common.ErrUnauthenticated)
}

func TestCustomRoomsAndLimit(t *testing.T) {
	r, reg := newTestRouter(banSet{}, WithRooms("a", "b", "a"), WithHistoryLimit(2))
	reg.Bind("alice", session.NewRecordingConn())
	assert.Equal(t, []string{"a", "b"}, r.Rooms())
	for i := 0; i < 3; i++ {
		_, err := r.PostGroup(context.Background(), "a", "alice", "", "", "x")
		require.NoError(t, err)
	}
	assert.Len(t, r.History("a"), 2)
	assert.False(t, r.HasRoom(RoomGeneral))
}
