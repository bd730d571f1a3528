package room

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/buzzroom/go/internal/models"
	"github.com/mcdev12/buzzroom/go/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepository(t *testing.T, codes ...string) (*Repository, *clockwork.FakeClock, store.Store) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 20, 0, 0, 0, time.UTC))
	s := store.NewMemoryStore()
	t.Cleanup(func() { _ = s.Close() })

	var opts []Option
	if len(codes) > 0 {
		i := 0
		opts = append(opts, WithCodeGenerator(func() string {
			c := codes[i%len(codes)]
			i++
			return c
		}))
	}
	return NewRepository(s, clock, opts...), clock, s
}

func TestGenerateRoomCode(t *testing.T) {
	for i := 0; i < 1000; i++ {
		code := GenerateRoomCode()
		require.Len(t, code, 4)
		assert.GreaterOrEqual(t, code, "1000")
		assert.LessOrEqual(t, code, "9999")
	}
}

func TestNewPlayerID(t *testing.T) {
	at := time.UnixMilli(1717272000123)
	assert.Equal(t, "mary_jane_000123", NewPlayerID(" Mary Jane ", at))
	assert.Equal(t, "bob_000123", NewPlayerID("BOB", at))
}

func TestCreateRoom(t *testing.T) {
	repo, clock, _ := newTestRepository(t, "4821")
	ctx := context.Background()

	room, host, err := repo.CreateRoom(ctx, "Alice")
	require.NoError(t, err)

	assert.Equal(t, "4821", room.Code)
	assert.True(t, host.IsHost)
	assert.Equal(t, host.ID, room.HostID)
	assert.Equal(t, clock.Now().UTC(), room.LastBuzzActivity)
	assert.False(t, room.BuzzEnabled)
	assert.Nil(t, room.Winner)
	assert.Equal(t, models.GameModeClassic, room.Mode.Type)

	got, err := repo.Get(ctx, "4821")
	require.NoError(t, err)
	require.Len(t, got.Players, 1)
	assert.Equal(t, "Alice", got.Players[host.ID].Name)
}

func TestCreateRoomSkipsTakenCodes(t *testing.T) {
	repo, _, _ := newTestRepository(t, "1111", "1111", "2222")
	ctx := context.Background()

	first, _, err := repo.CreateRoom(ctx, "Alice")
	require.NoError(t, err)
	second, _, err := repo.CreateRoom(ctx, "Bob")
	require.NoError(t, err)

	assert.Equal(t, "1111", first.Code)
	assert.Equal(t, "2222", second.Code)
}

func TestCreateRoomRunsOutOfCodes(t *testing.T) {
	repo, _, _ := newTestRepository(t, "1111")
	ctx := context.Background()

	_, _, err := repo.CreateRoom(ctx, "Alice")
	require.NoError(t, err)
	_, _, err = repo.CreateRoom(ctx, "Bob")
	assert.ErrorIs(t, err, ErrNoFreeCode)
}

func TestCreateRoomRejectsBlankName(t *testing.T) {
	repo, _, _ := newTestRepository(t)
	_, _, err := repo.CreateRoom(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestJoinRoomUnknownCode(t *testing.T) {
	repo, _, _ := newTestRepository(t)
	_, err := repo.JoinRoom(context.Background(), "9999", "Bob")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestJoinRoomReusesPlayerByName(t *testing.T) {
	repo, clock, _ := newTestRepository(t, "4821")
	ctx := context.Background()

	_, _, err := repo.CreateRoom(ctx, "Host")
	require.NoError(t, err)

	first, err := repo.JoinRoom(ctx, "4821", "Alice")
	require.NoError(t, err)
	assert.False(t, first.IsHost)

	_, err = repo.Update(ctx, "4821", func(r *models.Room) error {
		r.Players[first.ID].Points = 30
		return nil
	})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	again, err := repo.JoinRoom(ctx, "4821", " alice ")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 30, again.Points)

	room, err := repo.Get(ctx, "4821")
	require.NoError(t, err)
	assert.Len(t, room.Players, 2)
}

func TestJoinRoomExpired(t *testing.T) {
	repo, clock, s := newTestRepository(t, "4821")
	ctx := context.Background()

	_, _, err := repo.CreateRoom(ctx, "Alice")
	require.NoError(t, err)

	clock.Advance(DefaultInactivityTimeout + time.Minute)
	_, err = repo.JoinRoom(ctx, "4821", "Bob")
	assert.ErrorIs(t, err, ErrRoomExpired)
	assert.ErrorIs(t, err, ErrRoomNotFound)

	// Alice is still seated, so the idle room is kept.
	ok, err := s.Exists(ctx, "4821")
	require.NoError(t, err)
	assert.True(t, ok)

	room, err := repo.Get(ctx, "4821")
	require.NoError(t, err)
	assert.Len(t, room.Players, 1)
	assert.Nil(t, room.FindPlayerByName("Bob"))
}

func TestJoinEmptyExpiredRoomDeletesIt(t *testing.T) {
	repo, clock, s := newTestRepository(t, "4821")
	ctx := context.Background()

	_, host, err := repo.CreateRoom(ctx, "Alice")
	require.NoError(t, err)
	require.NoError(t, repo.LeaveRoom(ctx, "4821", host.ID))

	clock.Advance(DefaultInactivityTimeout + time.Minute)
	_, err = repo.JoinRoom(ctx, "4821", "Bob")
	assert.ErrorIs(t, err, ErrRoomExpired)

	ok, err := s.Exists(ctx, "4821")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestJoinRoomRefreshesDisplayName(t *testing.T) {
	repo, _, _ := newTestRepository(t, "4821")
	ctx := context.Background()

	_, _, err := repo.CreateRoom(ctx, "Host")
	require.NoError(t, err)
	first, err := repo.JoinRoom(ctx, "4821", "alice")
	require.NoError(t, err)

	again, err := repo.JoinRoom(ctx, "4821", "ALICE")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "ALICE", again.Name)

	room, err := repo.Get(ctx, "4821")
	require.NoError(t, err)
	assert.Equal(t, "ALICE", room.Player(first.ID).Name)
}

func TestLeaveAndRejoinKeepsHostSeat(t *testing.T) {
	repo, _, _ := newTestRepository(t, "4821")
	ctx := context.Background()

	_, host, err := repo.CreateRoom(ctx, "Alice")
	require.NoError(t, err)

	require.NoError(t, repo.LeaveRoom(ctx, "4821", host.ID))
	room, err := repo.Get(ctx, "4821")
	require.NoError(t, err)
	assert.Empty(t, room.Players)

	back, err := repo.JoinRoom(ctx, "4821", "ALICE")
	require.NoError(t, err)
	assert.Equal(t, host.ID, back.ID)
	assert.True(t, back.IsHost)
}

func TestAddPlayedSongDeduplicates(t *testing.T) {
	repo, _, _ := newTestRepository(t, "4821")
	ctx := context.Background()
	_, _, err := repo.CreateRoom(ctx, "Alice")
	require.NoError(t, err)

	require.NoError(t, repo.AddPlayedSong(ctx, "4821", "track-1"))
	require.NoError(t, repo.AddPlayedSong(ctx, "4821", "track-2"))
	require.NoError(t, repo.AddPlayedSong(ctx, "4821", "track-1"))

	room, err := repo.Get(ctx, "4821")
	require.NoError(t, err)
	assert.Equal(t, []string{"track-1", "track-2"}, room.PlayedSongs)
}

func TestDeleteRoomTwice(t *testing.T) {
	repo, _, _ := newTestRepository(t, "4821")
	ctx := context.Background()
	_, _, err := repo.CreateRoom(ctx, "Alice")
	require.NoError(t, err)

	require.NoError(t, repo.DeleteRoom(ctx, "4821"))
	require.NoError(t, repo.DeleteRoom(ctx, "4821"))

	_, err = repo.Get(ctx, "4821")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestUpdatePassesCallbackErrorThrough(t *testing.T) {
	repo, _, _ := newTestRepository(t, "4821")
	ctx := context.Background()
	_, _, err := repo.CreateRoom(ctx, "Alice")
	require.NoError(t, err)

	_, err = repo.Update(ctx, "4821", func(r *models.Room) error { return ErrInvalidName })
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = repo.Update(ctx, "0000", func(r *models.Room) error { return nil })
	assert.ErrorIs(t, err, ErrRoomNotFound)
}
