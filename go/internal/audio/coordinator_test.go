package audio_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/buzzroom/go/internal/audio"
	"github.com/mcdev12/buzzroom/go/internal/bus"
	"github.com/mcdev12/buzzroom/go/internal/models"
	"github.com/mcdev12/buzzroom/go/internal/room"
	"github.com/mcdev12/buzzroom/go/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	code, player, session string
	host                  bool
	bus                   *bus.Bus
	repo                  *room.Repository
}

func (s *fakeSession) RoomCode() string  { return s.code }
func (s *fakeSession) PlayerID() string  { return s.player }
func (s *fakeSession) SessionID() string { return s.session }
func (s *fakeSession) IsHost() bool      { return s.host }
func (s *fakeSession) Bus() *bus.Bus     { return s.bus }

func (s *fakeSession) Snapshot() *models.Room {
	r, err := s.repo.Get(context.Background(), s.code)
	if err != nil {
		return nil
	}
	return r
}

type fakeMedia struct {
	mu     sync.Mutex
	played []string
	pauses int
}

func (m *fakeMedia) Play(ctx context.Context, track string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.played = append(m.played, track)
	return nil
}

func (m *fakeMedia) Pause(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pauses++
	return nil
}

func (m *fakeMedia) pauseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pauses
}

type fakeRelay struct {
	mu      sync.Mutex
	started []string
	stopped int
}

func (r *fakeRelay) Start(ctx context.Context, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, code)
	return nil
}

func (r *fakeRelay) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped++
	return nil
}

type coordFixture struct {
	ctx   context.Context
	clock *clockwork.FakeClock
	repo  *room.Repository
	code  string
	host  *models.Player
	guest *models.Player
}

func newCoordFixture(t *testing.T) *coordFixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	clock := clockwork.NewFakeClock()
	s := store.NewMemoryStore()
	t.Cleanup(func() { _ = s.Close() })
	repo := room.NewRepository(s, clock)

	r, host, err := repo.CreateRoom(ctx, "Alice")
	require.NoError(t, err)
	guest, err := repo.JoinRoom(ctx, r.Code, "Bob")
	require.NoError(t, err)

	return &coordFixture{ctx: ctx, clock: clock, repo: repo, code: r.Code, host: host, guest: guest}
}

func (f *coordFixture) session(p *models.Player, sessionID string) *fakeSession {
	return &fakeSession{code: f.code, player: p.ID, session: sessionID, host: p.IsHost, bus: bus.New(), repo: f.repo}
}

func (f *coordFixture) room(t *testing.T) *models.Room {
	t.Helper()
	r, err := f.repo.Get(f.ctx, f.code)
	require.NoError(t, err)
	return r
}

func (f *coordFixture) run(t *testing.T, c *audio.Coordinator) {
	go c.Run(f.ctx)
	t.Cleanup(c.Close)
}

func TestDesignateSource(t *testing.T) {
	f := newCoordFixture(t)
	relay := &fakeRelay{}
	c := audio.NewCoordinator(f.session(f.host, "host-1"), f.repo, f.clock, &fakeMedia{}, relay, nil)
	defer c.Close()

	require.NoError(t, c.DesignateSource(f.ctx))
	assert.True(t, c.IsSource())
	assert.Equal(t, []string{f.code}, relay.started)

	src := f.room(t).Source
	require.NotNil(t, src)
	assert.Equal(t, f.host.ID, src.PlayerID)
	assert.Equal(t, "host-1", src.SessionID)
}

func TestGuestCannotBecomeSource(t *testing.T) {
	f := newCoordFixture(t)
	relay := &fakeRelay{}
	c := audio.NewCoordinator(f.session(f.guest, "guest-1"), f.repo, f.clock, &fakeMedia{}, relay, nil)
	defer c.Close()

	require.NoError(t, c.DesignateSource(f.ctx))
	assert.False(t, c.IsSource())
	assert.Empty(t, relay.started)
	assert.Nil(t, f.room(t).Source)
}

func TestReleaseSourceKeepsNewerSession(t *testing.T) {
	f := newCoordFixture(t)
	relay := &fakeRelay{}
	old := audio.NewCoordinator(f.session(f.host, "host-1"), f.repo, f.clock, nil, relay, nil)
	defer old.Close()
	reloaded := audio.NewCoordinator(f.session(f.host, "host-2"), f.repo, f.clock, nil, nil, nil)
	defer reloaded.Close()

	require.NoError(t, old.DesignateSource(f.ctx))
	require.NoError(t, reloaded.DesignateSource(f.ctx))

	require.NoError(t, old.ReleaseSource(f.ctx))
	assert.Equal(t, 1, relay.stopped)
	assert.Equal(t, "host-2", f.room(t).Source.SessionID)

	require.NoError(t, reloaded.ReleaseSource(f.ctx))
	assert.Nil(t, f.room(t).Source)

	// Releasing twice is harmless.
	require.NoError(t, reloaded.ReleaseSource(f.ctx))
}

func TestSourcePausesWhenWinnerSet(t *testing.T) {
	f := newCoordFixture(t)
	media := &fakeMedia{}
	sess := f.session(f.host, "host-1")
	c := audio.NewCoordinator(sess, f.repo, f.clock, media, nil, nil)
	f.run(t, c)
	require.NoError(t, c.DesignateSource(f.ctx))

	sess.bus.Publish(bus.Event{Topic: bus.TopicWinnerChanged, Payload: bus.WinnerPayload{}})
	sess.bus.Publish(bus.Event{Topic: bus.TopicWinnerChanged, Payload: bus.WinnerPayload{PlayerID: f.guest.ID}})
	require.Eventually(t, func() bool { return media.pauseCount() == 1 }, waitFor, tick)
	require.Never(t, func() bool { return media.pauseCount() > 1 }, 50*time.Millisecond, tick)
}

func TestReceiverDoesNotPause(t *testing.T) {
	f := newCoordFixture(t)
	media := &fakeMedia{}
	sess := f.session(f.guest, "guest-1")
	c := audio.NewCoordinator(sess, f.repo, f.clock, media, nil, nil)
	f.run(t, c)

	sess.bus.Publish(bus.Event{Topic: bus.TopicWinnerChanged, Payload: bus.WinnerPayload{PlayerID: f.guest.ID}})
	require.Never(t, func() bool { return media.pauseCount() > 0 }, 50*time.Millisecond, tick)
}

func TestPlaybackStartedIsRecorded(t *testing.T) {
	f := newCoordFixture(t)
	sess := f.session(f.host, "host-1")
	c := audio.NewCoordinator(sess, f.repo, f.clock, nil, nil, nil)
	defer c.Close()
	sub := sess.bus.Subscribe(bus.TopicPlaybackStarted, bus.TopicPlaybackPaused)
	defer sub.Close()

	require.NoError(t, c.PlaybackStarted(f.ctx, "track-1"))
	ev := <-sub.C()
	assert.True(t, ev.Local)
	assert.Equal(t, bus.PlaybackPayload{Track: "track-1"}, ev.Payload)

	r := f.room(t)
	assert.Equal(t, models.PlaybackPlaying, r.Playback.State)
	assert.Equal(t, "track-1", r.Playback.Track)
	assert.Equal(t, []string{"track-1"}, r.PlayedSongs)

	require.NoError(t, c.PlaybackPaused(f.ctx))
	<-sub.C()
	require.NoError(t, c.PlaybackStarted(f.ctx, "track-1"))
	<-sub.C()

	r = f.room(t)
	assert.Equal(t, []string{"track-1"}, r.PlayedSongs)

	require.NoError(t, c.PlaybackEnded(f.ctx))
	r = f.room(t)
	assert.Equal(t, models.PlaybackEnded, r.Playback.State)
	assert.Equal(t, "track-1", r.Playback.Track)
}

func TestGuestPlaybackSignalStaysLocal(t *testing.T) {
	f := newCoordFixture(t)
	sess := f.session(f.guest, "guest-1")
	c := audio.NewCoordinator(sess, f.repo, f.clock, nil, nil, nil)
	defer c.Close()
	sub := sess.bus.Subscribe(bus.TopicPlaybackStarted)
	defer sub.Close()

	require.NoError(t, c.PlaybackStarted(f.ctx, "track-1"))
	<-sub.C()

	r := f.room(t)
	assert.Equal(t, models.PlaybackIdle, r.Playback.State)
	assert.Empty(t, r.PlayedSongs)
}

func TestPlaybackDucksBackground(t *testing.T) {
	f := newCoordFixture(t)
	fader, _, clock := newFader(t)
	sess := f.session(f.guest, "guest-1")
	c := audio.NewCoordinator(sess, f.repo, f.clock, nil, nil, fader)
	f.run(t, c)

	sess.bus.Publish(bus.Event{Topic: bus.TopicPlaybackStarted, Payload: bus.PlaybackPayload{Track: "track-1"}})
	require.Eventually(t, func() bool { return fader.Direction() == audio.DirectionOut }, waitFor, tick)
	blockUntil(t, clock, 1)
	step(t, fader, clock, 0.2)

	sess.bus.Publish(bus.Event{Topic: bus.TopicPlaybackPaused})
	require.Eventually(t, func() bool { return fader.Direction() == audio.DirectionIn }, waitFor, tick)
}

func TestPlayDelegatesToMediaPlayer(t *testing.T) {
	f := newCoordFixture(t)
	media := &fakeMedia{}
	c := audio.NewCoordinator(f.session(f.host, "host-1"), f.repo, f.clock, media, nil, nil)
	defer c.Close()

	require.NoError(t, c.Play(f.ctx, "track-9"))
	assert.Equal(t, []string{"track-9"}, media.played)

	bare := audio.NewCoordinator(f.session(f.host, "host-2"), f.repo, f.clock, nil, nil, nil)
	defer bare.Close()
	assert.NoError(t, bare.Play(f.ctx, "track-9"))
}

func TestNowPlaying(t *testing.T) {
	r := &models.Room{Playback: models.Playback{State: models.PlaybackPlaying, Track: "track-1"}}
	assert.Empty(t, audio.NowPlaying(r))

	r.Source = &models.AudioSource{PlayerID: "alice_000001", SessionID: "host-1"}
	assert.Equal(t, "track-1", audio.NowPlaying(r))

	r.Playback.State = models.PlaybackPaused
	assert.Empty(t, audio.NowPlaying(r))
	assert.Empty(t, audio.NowPlaying(nil))
}
