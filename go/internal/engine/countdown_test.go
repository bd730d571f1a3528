package engine_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mcdev12/buzzroom/go/internal/bus"
	"github.com/mcdev12/buzzroom/go/internal/engine"
	"github.com/mcdev12/buzzroom/go/internal/models"
	"github.com/mcdev12/buzzroom/go/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countdownOf(c store.Change) models.CountdownState {
	return c.Room.Countdown
}

func assertQuiet(t *testing.T, ch <-chan store.Change) {
	t.Helper()
	select {
	case c := <-ch:
		t.Fatalf("unexpected change at revision %d: %+v", c.Revision, c.Room.Countdown)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCountdownRunsThreeTwoOne(t *testing.T) {
	f := newFixture(t)
	code, alice := f.createRoom("Alice")
	bob := f.join(code, "Bob")
	host := f.start(code, alice.ID)
	player := f.start(code, bob.ID)

	starter := &recordingStarter{}
	host.SetPlaybackStarter(starter)
	ticks := player.Bus().Subscribe(bus.TopicCountdownTick)
	defer ticks.Close()

	require.NoError(t, host.EnableBuzz(f.ctx))

	changes, err := f.repo.Watch(f.ctx, code)
	require.NoError(t, err)
	nextChange(t, changes)

	done := make(chan error, 1)
	go func() { done <- host.StartCountdown(f.ctx, "track-1") }()

	c := nextChange(t, changes)
	assert.Equal(t, 3, countdownOf(c).Value)
	assert.True(t, countdownOf(c).Active)
	assert.False(t, c.Room.BuzzEnabled)
	require.NotNil(t, countdownOf(c).StartTime)
	started := *countdownOf(c).StartTime

	for _, want := range []int{2, 1} {
		f.blockUntil(1)
		assertQuiet(t, changes)

		won, err := player.Buzz(f.ctx)
		require.NoError(t, err)
		assert.False(t, won)

		f.clock.Advance(time.Second)
		c = nextChange(t, changes)
		assert.Equal(t, want, countdownOf(c).Value)
		assert.True(t, countdownOf(c).Active)
		assert.Equal(t, started, *countdownOf(c).StartTime)
		assert.False(t, c.Room.BuzzEligible())
	}

	f.blockUntil(1)
	f.clock.Advance(time.Second)
	c = nextChange(t, changes)
	assert.Equal(t, models.CountdownState{}, countdownOf(c))
	assert.False(t, c.Room.BuzzEnabled)

	require.NoError(t, <-done)
	assert.Equal(t, []string{"track-1"}, starter.played())

	var values []int
	for range 4 {
		ev := nextEvent(t, ticks)
		values = append(values, ev.Payload.(bus.CountdownPayload).Value)
	}
	assert.Equal(t, []int{3, 2, 1, 0}, values)

	// Buzz opens only once playback is confirmed.
	host.Bus().Publish(bus.Event{Topic: bus.TopicPlaybackStarted, RoomCode: code, Local: true})
	require.Eventually(t, func() bool { return f.room(code).BuzzEnabled }, waitFor, tick)
}

func TestStopCountdownLeavesNoStaleTick(t *testing.T) {
	f := newFixture(t)
	code, alice := f.createRoom("Alice")
	host := f.start(code, alice.ID)
	starter := &recordingStarter{}
	host.SetPlaybackStarter(starter)

	changes, err := f.repo.Watch(f.ctx, code)
	require.NoError(t, err)
	nextChange(t, changes)

	done := make(chan error, 1)
	go func() { done <- host.StartCountdown(f.ctx, "track-1") }()

	assert.Equal(t, 3, countdownOf(nextChange(t, changes)).Value)
	f.blockUntil(1)

	require.NoError(t, host.StopCountdown(f.ctx))
	require.NoError(t, <-done)
	assert.Equal(t, models.CountdownState{}, countdownOf(nextChange(t, changes)))

	f.clock.Advance(5 * time.Second)
	assertQuiet(t, changes)
	assert.Empty(t, starter.played())
	assert.False(t, f.room(code).Countdown.Active)
}

func TestRestartCountdownReplacesRunningOne(t *testing.T) {
	f := newFixture(t)
	code, alice := f.createRoom("Alice")
	host := f.start(code, alice.ID)
	starter := &recordingStarter{}
	host.SetPlaybackStarter(starter)

	changes, err := f.repo.Watch(f.ctx, code)
	require.NoError(t, err)
	nextChange(t, changes)

	first := make(chan error, 1)
	go func() { first <- host.StartCountdown(f.ctx, "track-1") }()
	assert.Equal(t, 3, countdownOf(nextChange(t, changes)).Value)
	f.blockUntil(1)

	second := make(chan error, 1)
	go func() { second <- host.StartCountdown(f.ctx, "track-2") }()
	require.NoError(t, <-first)
	assert.Equal(t, 3, countdownOf(nextChange(t, changes)).Value)

	for _, want := range []int{2, 1, 0} {
		f.blockUntil(1)
		f.clock.Advance(time.Second)
		assert.Equal(t, want, countdownOf(nextChange(t, changes)).Value)
	}

	require.NoError(t, <-second)
	assert.Equal(t, []string{"track-2"}, starter.played())
}

func TestStopCountdownRecoversAbandonedCountdown(t *testing.T) {
	f := newFixture(t)
	code, alice := f.createRoom("Alice")
	host := f.start(code, alice.ID)

	// Left behind by a host session that went away mid-countdown.
	start := f.clock.Now()
	_, err := f.repo.Update(f.ctx, code, func(r *models.Room) error {
		r.Countdown = models.CountdownState{Active: true, Value: 2, StartTime: &start}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, host.StopCountdown(f.ctx))
	assert.False(t, f.room(code).Countdown.Active)
}

// gatedRepository holds the first Update issued after arm until release is
// closed.
type gatedRepository struct {
	engine.Repository
	armed   atomic.Bool
	held    chan struct{}
	release chan struct{}
}

func newGatedRepository(repo engine.Repository) *gatedRepository {
	return &gatedRepository{
		Repository: repo,
		held:       make(chan struct{}, 1),
		release:    make(chan struct{}),
	}
}

func (g *gatedRepository) arm() { g.armed.Store(true) }

func (g *gatedRepository) Update(ctx context.Context, code string, fn store.UpdateFunc) (*models.Room, error) {
	if g.armed.CompareAndSwap(true, false) {
		g.held <- struct{}{}
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.Repository.Update(ctx, code, fn)
}

func TestOverlappingStartsLeaveNoOrphanedCountdown(t *testing.T) {
	f := newFixture(t)
	code, alice := f.createRoom("Alice")
	gated := newGatedRepository(f.repo)
	host := f.startWith(gated, code, alice.ID)
	starter := &recordingStarter{}
	host.SetPlaybackStarter(starter)

	changes, err := f.repo.Watch(f.ctx, code)
	require.NoError(t, err)
	nextChange(t, changes)

	gated.arm()
	first := make(chan error, 1)
	go func() { first <- host.StartCountdown(f.ctx, "track-1") }()
	select {
	case <-gated.held:
	case <-time.After(waitFor):
		t.Fatal("first countdown never reached the store")
	}

	// The second start queues behind the first instead of writing.
	second := make(chan error, 1)
	go func() { second <- host.StartCountdown(f.ctx, "track-2") }()
	assertQuiet(t, changes)

	close(gated.release)
	assert.Equal(t, 3, countdownOf(nextChange(t, changes)).Value)
	assert.Equal(t, 3, countdownOf(nextChange(t, changes)).Value)
	require.NoError(t, <-first)

	f.blockUntil(1)
	require.NoError(t, host.StopCountdown(f.ctx))
	assert.Equal(t, models.CountdownState{}, countdownOf(nextChange(t, changes)))
	require.NoError(t, <-second)

	f.clock.Advance(time.Second)
	assertQuiet(t, changes)
	assert.False(t, f.room(code).Countdown.Active)
	assert.Empty(t, starter.played())
}
