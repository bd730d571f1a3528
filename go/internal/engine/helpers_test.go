package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/buzzroom/go/internal/bus"
	"github.com/mcdev12/buzzroom/go/internal/engine"
	"github.com/mcdev12/buzzroom/go/internal/models"
	"github.com/mcdev12/buzzroom/go/internal/room"
	"github.com/mcdev12/buzzroom/go/internal/store"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type fixture struct {
	t     *testing.T
	ctx   context.Context
	clock *clockwork.FakeClock
	store *store.MemoryStore
	repo  *room.Repository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 20, 0, 0, 0, time.UTC))
	s := store.NewMemoryStore()
	t.Cleanup(func() { _ = s.Close() })

	return &fixture{
		t:     t,
		ctx:   ctx,
		clock: clock,
		store: s,
		repo:  room.NewRepository(s, clock, room.WithCodeGenerator(func() string { return "4821" })),
	}
}

// createRoom returns the room code and the host player.
func (f *fixture) createRoom(host string) (string, *models.Player) {
	f.t.Helper()
	r, p, err := f.repo.CreateRoom(f.ctx, host)
	require.NoError(f.t, err)
	return r.Code, p
}

func (f *fixture) join(code, name string) *models.Player {
	f.t.Helper()
	p, err := f.repo.JoinRoom(f.ctx, code, name)
	require.NoError(f.t, err)
	return p
}

type runningSession struct {
	*engine.Session
	done chan error
}

// start runs a session and waits until it has seen the room.
func (f *fixture) start(code, playerID string) *runningSession {
	f.t.Helper()
	return f.startWith(f.repo, code, playerID)
}

func (f *fixture) startWith(repo engine.Repository, code, playerID string) *runningSession {
	f.t.Helper()
	s := engine.NewSession(repo, f.clock, engine.Config{RoomCode: code, PlayerID: playerID})
	rs := &runningSession{Session: s, done: make(chan error, 1)}
	go func() { rs.done <- s.Run(f.ctx) }()
	f.t.Cleanup(s.Close)

	select {
	case <-s.Ready():
	case <-time.After(waitFor):
		f.t.Fatal("session never became ready")
	}
	return rs
}

func (f *fixture) room(code string) *models.Room {
	f.t.Helper()
	r, err := f.repo.Get(f.ctx, code)
	require.NoError(f.t, err)
	return r
}

// eventually waits until the session snapshot satisfies cond.
func (f *fixture) eventually(s *runningSession, cond func(r *models.Room) bool) {
	f.t.Helper()
	require.Eventually(f.t, func() bool {
		r := s.Snapshot()
		return r != nil && cond(r)
	}, waitFor, tick)
}

func (f *fixture) blockUntil(n int) {
	f.t.Helper()
	ctx, cancel := context.WithTimeout(f.ctx, waitFor)
	defer cancel()
	require.NoError(f.t, f.clock.BlockUntilContext(ctx, n))
}

func nextEvent(t *testing.T, sub *bus.Subscription) bus.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for event")
		return bus.Event{}
	}
}

func nextChange(t *testing.T, ch <-chan store.Change) store.Change {
	t.Helper()
	select {
	case c, ok := <-ch:
		require.True(t, ok, "watch closed")
		return c
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for change")
		return store.Change{}
	}
}

type recordingStarter struct {
	mu     sync.Mutex
	tracks []string
}

func (r *recordingStarter) Play(ctx context.Context, track string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracks = append(r.tracks, track)
	return nil
}

func (r *recordingStarter) played() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.tracks...)
}
