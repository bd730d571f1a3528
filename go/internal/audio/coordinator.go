package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/buzzroom/go/internal/bus"
	"github.com/mcdev12/buzzroom/go/internal/models"
	"github.com/mcdev12/buzzroom/go/internal/store"
	"github.com/rs/zerolog/log"
)

var errNotSource = errors.New("session is not the audio source")

// MediaPlayer plays the main track on the local device. Play only requests
// playback; the player reports that audio is audible by calling
// Coordinator.PlaybackStarted.
type MediaPlayer interface {
	Play(ctx context.Context, track string) error
	Pause(ctx context.Context) error
}

// Relay carries the source device's audio to the receivers.
type Relay interface {
	Start(ctx context.Context, roomCode string) error
	Stop() error
}

// Session is the engine session the coordinator is attached to.
type Session interface {
	RoomCode() string
	PlayerID() string
	SessionID() string
	IsHost() bool
	Snapshot() *models.Room
	Bus() *bus.Bus
}

// Repository is the store access the coordinator needs.
type Repository interface {
	Update(ctx context.Context, code string, fn store.UpdateFunc) (*models.Room, error)
}

// Coordinator designates the audio source and turns playback lifecycle
// signals into bus events, store writes and background ducking.
type Coordinator struct {
	session Session
	repo    Repository
	clock   clockwork.Clock
	player  MediaPlayer
	relay   Relay
	fader   *Fader

	sub *bus.Subscription

	mu       sync.Mutex
	isSource bool
}

// NewCoordinator registers on the session bus immediately; Close unregisters.
// player, relay and fader may be nil on devices without those outputs.
func NewCoordinator(session Session, repo Repository, clock clockwork.Clock, player MediaPlayer, relay Relay, fader *Fader) *Coordinator {
	return &Coordinator{
		session: session,
		repo:    repo,
		clock:   clock,
		player:  player,
		relay:   relay,
		fader:   fader,
		sub: session.Bus().Subscribe(
			bus.TopicWinnerChanged,
			bus.TopicPlaybackStarted,
			bus.TopicPlaybackPaused,
			bus.TopicPlaybackEnded,
		),
	}
}

// Run reacts to lifecycle signals until ctx ends or the bus closes.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.sub.C():
			if !ok {
				return
			}
			c.handle(ctx, ev)
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, ev bus.Event) {
	switch ev.Topic {
	case bus.TopicWinnerChanged:
		w, _ := ev.Payload.(bus.WinnerPayload)
		if w.PlayerID == "" || !c.IsSource() || c.player == nil {
			return
		}
		// Someone holds the floor: stop the track for the whole room.
		if err := c.player.Pause(ctx); err != nil {
			log.Error().Err(err).Str("room_code", c.session.RoomCode()).Msg("failed to pause main track")
		}
	case bus.TopicPlaybackStarted:
		if c.fader != nil {
			c.fader.FadeOut()
		}
	case bus.TopicPlaybackPaused, bus.TopicPlaybackEnded:
		if c.fader != nil {
			c.fader.FadeIn()
		}
	}
}

// IsSource reports whether this session currently relays audio.
func (c *Coordinator) IsSource() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isSource
}

// Play requests local playback. It satisfies the engine's playback starter.
func (c *Coordinator) Play(ctx context.Context, track string) error {
	if c.player == nil {
		return nil
	}
	if err := c.player.Play(ctx, track); err != nil {
		return fmt.Errorf("failed to start playback: %w", err)
	}
	return nil
}

// DesignateSource makes the host's session the relay origin. A reloaded host
// calls it again; the newest session wins.
func (c *Coordinator) DesignateSource(ctx context.Context) error {
	if !c.session.IsHost() {
		log.Debug().
			Str("room_code", c.session.RoomCode()).
			Str("player_id", c.session.PlayerID()).
			Msg("only the host can become the audio source")
		return nil
	}

	now := c.clock.Now().UTC()
	_, err := c.repo.Update(ctx, c.session.RoomCode(), func(room *models.Room) error {
		room.Source = &models.AudioSource{
			PlayerID:  c.session.PlayerID(),
			SessionID: c.session.SessionID(),
			Since:     now,
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to designate source: %w", err)
	}

	if c.relay != nil {
		if err := c.relay.Start(ctx, c.session.RoomCode()); err != nil {
			return fmt.Errorf("failed to start relay: %w", err)
		}
	}

	c.mu.Lock()
	c.isSource = true
	c.mu.Unlock()

	log.Info().
		Str("room_code", c.session.RoomCode()).
		Str("session_id", c.session.SessionID()).
		Msg("audio source designated")
	return nil
}

// ReleaseSource stops relaying and clears the source record if it still
// names this session.
func (c *Coordinator) ReleaseSource(ctx context.Context) error {
	c.mu.Lock()
	was := c.isSource
	c.isSource = false
	c.mu.Unlock()
	if !was {
		return nil
	}

	if c.relay != nil {
		if err := c.relay.Stop(); err != nil {
			log.Error().Err(err).Str("room_code", c.session.RoomCode()).Msg("failed to stop relay")
		}
	}

	_, err := c.repo.Update(ctx, c.session.RoomCode(), func(room *models.Room) error {
		if room.Source == nil || room.Source.SessionID != c.session.SessionID() {
			return errNotSource
		}
		room.Source = nil
		room.Playback = models.Playback{State: models.PlaybackIdle, At: c.clock.Now().UTC()}
		return nil
	})
	if err != nil && !errors.Is(err, errNotSource) {
		return fmt.Errorf("failed to release source: %w", err)
	}
	return nil
}

// PlaybackStarted confirms that the track is audible. The signal goes out on
// the local bus first, then to the store together with the played-songs entry.
func (c *Coordinator) PlaybackStarted(ctx context.Context, track string) error {
	return c.signal(ctx, bus.TopicPlaybackStarted, models.PlaybackPlaying, track)
}

func (c *Coordinator) PlaybackPaused(ctx context.Context) error {
	return c.signal(ctx, bus.TopicPlaybackPaused, models.PlaybackPaused, "")
}

func (c *Coordinator) PlaybackEnded(ctx context.Context) error {
	return c.signal(ctx, bus.TopicPlaybackEnded, models.PlaybackEnded, "")
}

func (c *Coordinator) signal(ctx context.Context, topic bus.Topic, state models.PlaybackState, track string) error {
	now := c.clock.Now().UTC()
	c.session.Bus().Publish(bus.Event{
		Topic:     topic,
		RoomCode:  c.session.RoomCode(),
		SessionID: c.session.SessionID(),
		At:        now,
		Local:     true,
		Payload:   bus.PlaybackPayload{Track: track},
	})

	if !c.session.IsHost() {
		return nil
	}

	_, err := c.repo.Update(ctx, c.session.RoomCode(), func(room *models.Room) error {
		if track == "" {
			track = room.Playback.Track
		}
		room.Playback = models.Playback{State: state, Track: track, At: now}
		if state == models.PlaybackPlaying && track != "" && !room.HasPlayedSong(track) {
			room.PlayedSongs = append(room.PlayedSongs, track)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record playback %s: %w", state, err)
	}
	return nil
}

// Reset stops the main track and cancels any background fade. It is the
// manual recovery for audio left mid-fade.
func (c *Coordinator) Reset(ctx context.Context) error {
	if c.fader != nil {
		c.fader.Reset()
	}
	if c.player != nil && c.IsSource() {
		if err := c.player.Pause(ctx); err != nil {
			return fmt.Errorf("failed to pause main track: %w", err)
		}
	}
	return nil
}

// Close unregisters from the bus and resets the fader.
func (c *Coordinator) Close() {
	c.sub.Close()
	if c.fader != nil {
		c.fader.Reset()
	}
}

// NowPlaying is the track receivers should show, or "" when no source is
// relaying or nothing is playing.
func NowPlaying(room *models.Room) string {
	if room == nil || room.Source == nil || room.Playback.State != models.PlaybackPlaying {
		return ""
	}
	return room.Playback.Track
}
