package chat

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"hsmpchat/internal/api"
	"hsmpchat/internal/chattest"
	"hsmpchat/internal/models"
	"hsmpchat/internal/storage"
	"hsmpchat/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 3 * time.Second

func newLiveClient(t *testing.T, srv *chattest.Server, id string, opts ...Option) *Client {
	t.Helper()
	sess := transport.NewSession(transport.Config{
		URL:               srv.SocketURL(),
		Identity:          id,
		Token:             id,
		ReconnectAttempts: 50,
		ReconnectDelay:    20 * time.Millisecond,
		AckTimeout:        2 * time.Second,
	})
	c := New(Config{}, sess, api.New(srv.APIURL(), id, 2*time.Second), opts...)
	t.Cleanup(c.Close)
	require.NoError(t, c.Connect(context.Background()))
	return c
}

func TestScenario_UnreadThenReadReceipt(t *testing.T) {
	ctx := context.Background()
	srv := chattest.NewServer(t)
	u1 := newLiveClient(t, srv, "u1")
	u2 := newLiveClient(t, srv, "u2")
	require.Eventually(t, func() bool { return u1.IsOnline("u2") }, waitFor, 5*time.Millisecond)

	room, err := u1.OpenConversation(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, room.ID, u1.ActiveRoom())

	sent, err := u1.Send(ctx, "hi")
	require.NoError(t, err)
	assert.False(t, sent.Read)

	require.Eventually(t, func() bool { return u2.UnreadCount(room.ID) == 1 }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		_, ok := u2.Room(room.ID)
		return ok
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, 1, u2.UnreadCount(room.ID))

	msgs, err := u2.ActivateRoom(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, 0, u2.UnreadCount(room.ID))

	require.Eventually(t, func() bool {
		m := u1.Messages()
		return len(m) == 1 && m[0].Read
	}, waitFor, 5*time.Millisecond)
}

func TestScenario_PresenceResyncAfterReconnect(t *testing.T) {
	srv := chattest.NewServer(t)
	u1 := newLiveClient(t, srv, "u1")
	u2 := newLiveClient(t, srv, "u2")
	newLiveClient(t, srv, "u3")

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"u1", "u2", "u3"}, u1.Online())
	}, waitFor, 5*time.Millisecond)

	srv.Refuse(true)
	srv.DropAll()
	require.Eventually(t, func() bool { return len(u1.Online()) == 0 }, waitFor, 5*time.Millisecond)

	u2.Close()
	srv.Refuse(false)

	require.Eventually(t, func() bool {
		return u1.Status().State == transport.StateConnected &&
			assert.ObjectsAreEqual([]string{"u1", "u3"}, u1.Online())
	}, waitFor, 5*time.Millisecond)
	assert.False(t, u1.IsOnline("u2"))
}

func TestScenario_StaleHistoryFetchIgnored(t *testing.T) {
	ctx := context.Background()
	srv := chattest.NewServer(t)
	u1 := newLiveClient(t, srv, "u1")
	newLiveClient(t, srv, "u2")
	newLiveClient(t, srv, "u3")
	require.Eventually(t, func() bool { return u1.IsOnline("u2") && u1.IsOnline("u3") }, waitFor, 5*time.Millisecond)

	roomA, err := u1.OpenConversation(ctx, "u2")
	require.NoError(t, err)
	_, err = u1.Send(ctx, "to A")
	require.NoError(t, err)

	roomB, err := u1.OpenConversation(ctx, "u3")
	require.NoError(t, err)
	_, err = u1.Send(ctx, "to B")
	require.NoError(t, err)

	release := srv.Hub.Hold(roomA.ID)
	errA := make(chan error, 1)
	go func() {
		_, err := u1.ActivateRoom(ctx, roomA.ID)
		errA <- err
	}()
	time.Sleep(50 * time.Millisecond)

	_, err = u1.ActivateRoom(ctx, roomB.ID)
	require.NoError(t, err)
	release()

	assert.ErrorIs(t, <-errA, models.ErrSuperseded)
	assert.Equal(t, roomB.ID, u1.ActiveRoom())
	msgs := u1.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, roomB.ID, msgs[0].RoomID)
	assert.Equal(t, "to B", msgs[0].Content)
}

func TestScenario_SendInFlightAtDisconnectFails(t *testing.T) {
	ctx := context.Background()
	srv := chattest.NewServer(t)
	u1 := newLiveClient(t, srv, "u1")
	newLiveClient(t, srv, "u2")
	require.Eventually(t, func() bool { return u1.IsOnline("u2") }, waitFor, 5*time.Millisecond)

	room, err := u1.OpenConversation(ctx, "u2")
	require.NoError(t, err)

	srv.Hub.DropAcks(true)
	result := make(chan error, 1)
	go func() {
		_, err := u1.Send(ctx, "lost in transit")
		result <- err
	}()
	require.Eventually(t, func() bool { return len(srv.Hub.Messages(room.ID)) == 1 }, waitFor, 5*time.Millisecond)

	u1.Disconnect()

	select {
	case err := <-result:
		var se *models.SendError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "lost in transit", se.Text)
		assert.ErrorIs(t, err, models.ErrNotConnected)
	case <-time.After(waitFor):
		t.Fatal("send not failed by disconnect")
	}
	assert.True(t, u1.Status().Stale)
}

func TestScenario_OfflineCache(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "cache.db")
	srv := chattest.NewServer(t)
	newLiveClient(t, srv, "u2")

	store, err := storage.NewBboltStorage(dbPath, "u1")
	require.NoError(t, err)

	u1 := newLiveClient(t, srv, "u1", WithCache(store))
	require.Eventually(t, func() bool { return u1.IsOnline("u2") }, waitFor, 5*time.Millisecond)
	room, err := u1.OpenConversation(ctx, "u2")
	require.NoError(t, err)
	_, err = u1.Send(ctx, "remember me")
	require.NoError(t, err)
	u1.Close()
	require.NoError(t, store.Close())

	store, err = storage.NewBboltStorage(dbPath, "u1")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	sess := transport.NewSession(transport.Config{URL: srv.SocketURL(), Identity: "u1"})
	offline := New(Config{}, sess, api.New(srv.APIURL(), "u1", time.Second), WithCache(store))
	defer offline.Close()

	assert.True(t, offline.Status().Stale)
	rooms := offline.Rooms()
	require.Len(t, rooms, 1)
	assert.Equal(t, room.ID, rooms[0].ID)

	cached, err := offline.CachedHistory(room.ID)
	require.NoError(t, err)
	require.Len(t, cached, 1)
	assert.Equal(t, "remember me", cached[0].Content)
}
