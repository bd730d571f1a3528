package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/buzzroom/go/internal/bus"
	"github.com/mcdev12/buzzroom/go/internal/models"
	"github.com/mcdev12/buzzroom/go/internal/store"
	"github.com/rs/zerolog/log"
)

var (
	// ErrPrecondition marks a command that is not allowed in the current
	// state or for the caller. Commands swallow it after logging.
	ErrPrecondition = errors.New("precondition not met")
	// ErrInvalidDuration is returned by StartTimer for non-positive durations.
	ErrInvalidDuration = errors.New("timer duration must be positive")
	// ErrSessionClosed is returned by Run on a closed session.
	ErrSessionClosed = errors.New("session closed")

	errNoChange = errors.New("no change")
)

// Repository is the slice of the room repository a session needs.
type Repository interface {
	Get(ctx context.Context, code string) (*models.Room, error)
	Update(ctx context.Context, code string, fn store.UpdateFunc) (*models.Room, error)
	Watch(ctx context.Context, code string) (<-chan store.Change, error)
	LeaveRoom(ctx context.Context, code, playerID string) error
	DeleteRoom(ctx context.Context, code string) error
	InactivityTimeout() time.Duration
}

// PlaybackStarter begins local playback of a track once the countdown ends.
type PlaybackStarter interface {
	Play(ctx context.Context, track string) error
}

type Config struct {
	RoomCode  string
	PlayerID  string
	SessionID string

	CountdownFrom     int
	CountdownInterval time.Duration
	TimerTick         time.Duration
}

func DefaultConfig() Config {
	return Config{
		CountdownFrom:     3,
		CountdownInterval: time.Second,
		TimerTick:         100 * time.Millisecond,
	}
}

// Session is one participant's view of a room. It mirrors the store into a
// local snapshot, publishes lifecycle signals on its bus and issues every
// state change as a single combined store write.
type Session struct {
	repo  Repository
	clock clockwork.Clock
	bus   *bus.Bus
	cfg   Config

	mu       sync.RWMutex
	snapshot *models.Room
	revision uint64
	ready    chan struct{}
	readyOne sync.Once

	playerMu sync.RWMutex
	player   PlaybackStarter

	// countdownStart serialises starting and stopping a countdown.
	countdownStart  sync.Mutex
	countdownMu     sync.Mutex
	countdownCancel context.CancelFunc
	countdownDone   chan struct{}

	timer *timerTracker

	closeOnce sync.Once
	closed    chan struct{}
}

// NewSession binds a session to a room and player. A zero SessionID gets a
// random one; zero pacing values fall back to DefaultConfig.
func NewSession(repo Repository, clock clockwork.Clock, cfg Config) *Session {
	def := DefaultConfig()
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.New().String()
	}
	if cfg.CountdownFrom <= 0 {
		cfg.CountdownFrom = def.CountdownFrom
	}
	if cfg.CountdownInterval <= 0 {
		cfg.CountdownInterval = def.CountdownInterval
	}
	if cfg.TimerTick <= 0 {
		cfg.TimerTick = def.TimerTick
	}

	s := &Session{
		repo:   repo,
		clock:  clock,
		bus:    bus.New(),
		cfg:    cfg,
		ready:  make(chan struct{}),
		closed: make(chan struct{}),
	}
	s.timer = newTimerTracker(s)
	return s
}

func (s *Session) Bus() *bus.Bus { return s.bus }

func (s *Session) RoomCode() string { return s.cfg.RoomCode }

func (s *Session) PlayerID() string { return s.cfg.PlayerID }

func (s *Session) SessionID() string { return s.cfg.SessionID }

// Ready is closed once the first store state has been observed.
func (s *Session) Ready() <-chan struct{} { return s.ready }

// SetPlaybackStarter wires the command issued when a countdown completes.
func (s *Session) SetPlaybackStarter(p PlaybackStarter) {
	s.playerMu.Lock()
	defer s.playerMu.Unlock()
	s.player = p
}

func (s *Session) playbackStarter() PlaybackStarter {
	s.playerMu.RLock()
	defer s.playerMu.RUnlock()
	return s.player
}

// Snapshot returns a copy of the last observed room, or nil before the first
// update and after the room closed.
func (s *Session) Snapshot() *models.Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot.Clone()
}

// Phase derives the round phase from the last snapshot.
func (s *Session) Phase() models.Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snapshot == nil {
		return models.PhaseIdle
	}
	return s.snapshot.Phase()
}

// IsHost reports whether the local player holds the host flag.
func (s *Session) IsHost() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot != nil && isHost(s.snapshot, s.cfg.PlayerID)
}

func isHost(room *models.Room, playerID string) bool {
	p := room.Player(playerID)
	return p != nil && p.IsHost
}

// Run mirrors the room until ctx ends, the room closes or the local player
// is removed. It returns nil in the latter two cases.
func (s *Session) Run(ctx context.Context) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	changes, err := s.repo.Watch(ctx, s.cfg.RoomCode)
	if err != nil {
		return err
	}

	lifecycle := s.bus.Subscribe(bus.TopicPlaybackStarted, bus.TopicPlaybackEnded)
	defer lifecycle.Close()
	defer s.timer.stop()

	log.Info().
		Str("room_code", s.cfg.RoomCode).
		Str("player_id", s.cfg.PlayerID).
		Str("session_id", s.cfg.SessionID).
		Msg("session started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closed:
			return nil
		case c, ok := <-changes:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("watch on room %s ended", s.cfg.RoomCode)
			}
			if done := s.apply(ctx, c); done {
				return nil
			}
		case ev, ok := <-lifecycle.C():
			if !ok {
				return nil
			}
			s.onLifecycle(ctx, ev)
		}
	}
}

// onLifecycle gates buzz on confirmed playback. Only the host reacts, and
// only to signals raised on this session.
func (s *Session) onLifecycle(ctx context.Context, ev bus.Event) {
	if !ev.Local || !s.IsHost() {
		return
	}
	var err error
	switch ev.Topic {
	case bus.TopicPlaybackStarted:
		err = s.EnableBuzz(ctx)
	case bus.TopicPlaybackEnded:
		err = s.DisableBuzz(ctx)
	}
	if err != nil {
		log.Error().Err(err).
			Str("room_code", s.cfg.RoomCode).
			Str("topic", string(ev.Topic)).
			Msg("failed to react to playback signal")
	}
}

// apply folds one store change into the snapshot. It reports true when the
// session has nothing left to observe.
func (s *Session) apply(ctx context.Context, c store.Change) bool {
	if c.Deleted {
		s.mu.Lock()
		hadRoom := s.snapshot != nil
		s.snapshot = nil
		s.revision = c.Revision
		s.mu.Unlock()
		s.markReady()
		s.publishObserved(bus.TopicRoomClosed, c.Revision, nil)
		if !hadRoom {
			log.Info().Str("room_code", s.cfg.RoomCode).Msg("room does not exist")
		}
		return true
	}

	room := c.Room
	s.mu.Lock()
	prev := s.snapshot
	s.snapshot = room
	s.revision = c.Revision
	s.mu.Unlock()
	s.markReady()

	if room.Expired(s.clock.Now(), s.repo.InactivityTimeout()) {
		if err := s.repo.DeleteRoom(ctx, s.cfg.RoomCode); err != nil {
			log.Error().Err(err).Str("room_code", s.cfg.RoomCode).Msg("failed to delete expired room")
		}
		log.Info().Str("room_code", s.cfg.RoomCode).Msg("room expired")
		s.publishObserved(bus.TopicRoomClosed, c.Revision, nil)
		return true
	}

	s.publishObserved(bus.TopicRoomUpdated, c.Revision, nil)
	s.observeWinner(prev, room, c.Revision)
	s.observeCountdown(prev, room, c.Revision)
	s.observePlayback(prev, room, c.Revision)
	s.timer.sync(ctx, room.Timer)

	if prev != nil && prev.Player(s.cfg.PlayerID) != nil && room.Player(s.cfg.PlayerID) == nil {
		s.publishObserved(bus.TopicPlayerRemoved, c.Revision, bus.PlayerPayload{PlayerID: s.cfg.PlayerID})
		return true
	}
	return false
}

func (s *Session) markReady() {
	s.readyOne.Do(func() { close(s.ready) })
}

func (s *Session) observeWinner(prev, room *models.Room, rev uint64) {
	var before, after string
	if prev != nil && prev.Winner != nil {
		before = prev.Winner.PlayerID
	}
	if room.Winner != nil {
		after = room.Winner.PlayerID
	}
	if before == after {
		return
	}
	payload := bus.WinnerPayload{}
	if room.Winner != nil {
		payload = bus.WinnerPayload{PlayerID: room.Winner.PlayerID, PlayerName: room.Winner.PlayerName}
	}
	s.publishObserved(bus.TopicWinnerChanged, rev, payload)
}

func (s *Session) observeCountdown(prev, room *models.Room, rev uint64) {
	cur := room.Countdown
	if prev != nil {
		old := prev.Countdown
		if old.Active == cur.Active && old.Value == cur.Value {
			return
		}
	} else if !cur.Active {
		return
	}
	s.publishObserved(bus.TopicCountdownTick, rev, bus.CountdownPayload{Active: cur.Active, Value: cur.Value})
}

// observePlayback replays store playback changes for sessions that are not
// the audio source, so their background music ducks too.
func (s *Session) observePlayback(prev, room *models.Room, rev uint64) {
	if room.Source != nil && room.Source.SessionID == s.cfg.SessionID {
		return
	}
	cur := room.Playback
	if prev != nil && prev.Playback.State == cur.State && prev.Playback.Track == cur.Track {
		return
	}
	if prev == nil && (cur.State == "" || cur.State == models.PlaybackIdle) {
		return
	}

	var topic bus.Topic
	switch cur.State {
	case models.PlaybackPlaying:
		topic = bus.TopicPlaybackStarted
	case models.PlaybackPaused:
		topic = bus.TopicPlaybackPaused
	case models.PlaybackEnded:
		topic = bus.TopicPlaybackEnded
	default:
		return
	}
	s.publishObserved(topic, rev, bus.PlaybackPayload{Track: cur.Track})
}

func (s *Session) publishObserved(topic bus.Topic, rev uint64, payload interface{}) {
	s.bus.Publish(bus.Event{
		Topic:     topic,
		RoomCode:  s.cfg.RoomCode,
		SessionID: s.cfg.SessionID,
		At:        s.clock.Now(),
		Revision:  rev,
		Payload:   payload,
	})
}

func (s *Session) publishLocal(topic bus.Topic, payload interface{}) {
	s.bus.Publish(bus.Event{
		Topic:     topic,
		RoomCode:  s.cfg.RoomCode,
		SessionID: s.cfg.SessionID,
		At:        s.clock.Now(),
		Local:     true,
		Payload:   payload,
	})
}

// mutate issues fn as one combined write. It reports whether the write
// happened; precondition denials are logged and swallowed.
func (s *Session) mutate(ctx context.Context, op string, fn store.UpdateFunc) (*models.Room, bool, error) {
	room, err := s.repo.Update(ctx, s.cfg.RoomCode, fn)
	switch {
	case err == nil:
		return room, true, nil
	case errors.Is(err, ErrPrecondition):
		log.Debug().
			Str("room_code", s.cfg.RoomCode).
			Str("player_id", s.cfg.PlayerID).
			Str("op", op).
			Msg("command denied")
		return nil, false, nil
	case errors.Is(err, errNoChange):
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}
}

// hostOnly wraps fn with the host check against the fresh room.
func (s *Session) hostOnly(fn store.UpdateFunc) store.UpdateFunc {
	return func(room *models.Room) error {
		if !isHost(room, s.cfg.PlayerID) {
			return ErrPrecondition
		}
		return fn(room)
	}
}

func (s *Session) now() time.Time {
	return s.clock.Now().UTC()
}

// EnableBuzz arms the round. Host only.
func (s *Session) EnableBuzz(ctx context.Context) error {
	_, _, err := s.mutate(ctx, "enable buzz", s.hostOnly(func(room *models.Room) error {
		room.BuzzEnabled = true
		room.LastBuzzActivity = s.now()
		return nil
	}))
	return err
}

// DisableBuzz disarms the round. Host only.
func (s *Session) DisableBuzz(ctx context.Context) error {
	_, _, err := s.mutate(ctx, "disable buzz", s.hostOnly(func(room *models.Room) error {
		room.BuzzEnabled = false
		room.LastBuzzActivity = s.now()
		return nil
	}))
	return err
}

// SetGameMode replaces the mode. Host only.
func (s *Session) SetGameMode(ctx context.Context, mode models.GameMode) error {
	_, _, err := s.mutate(ctx, "set game mode", s.hostOnly(func(room *models.Room) error {
		room.Mode = mode
		room.LastBuzzActivity = s.now()
		return nil
	}))
	return err
}

// StartTimer replaces the game timer. Host only.
func (s *Session) StartTimer(ctx context.Context, seconds float64) error {
	if seconds <= 0 {
		return ErrInvalidDuration
	}
	_, _, err := s.mutate(ctx, "start timer", s.hostOnly(func(room *models.Room) error {
		room.Timer = models.GameTimer{Active: true, TimeLeft: seconds, TotalTime: seconds, StartedAt: s.now()}
		room.LastBuzzActivity = s.now()
		return nil
	}))
	return err
}

// StopTimer clears the game timer. Stopping a stopped timer is a no-op. Host only.
func (s *Session) StopTimer(ctx context.Context) error {
	_, _, err := s.mutate(ctx, "stop timer", s.hostOnly(func(room *models.Room) error {
		if !room.Timer.Active && room.Timer.TimeLeft == 0 {
			return errNoChange
		}
		room.Timer = models.GameTimer{}
		return nil
	}))
	return err
}

// LeaveRoom removes the local player. Run returns once the removal is observed.
func (s *Session) LeaveRoom(ctx context.Context) error {
	s.countdownStart.Lock()
	s.cancelCountdown()
	s.countdownStart.Unlock()
	return s.repo.LeaveRoom(ctx, s.cfg.RoomCode, s.cfg.PlayerID)
}

// Close stops local timers and ends Run. The bus is closed too.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		// Closed first: a countdown registering after this point cancels itself.
		close(s.closed)
		s.cancelCountdown()
		s.timer.stop()
		s.bus.Close()
		log.Info().
			Str("room_code", s.cfg.RoomCode).
			Str("session_id", s.cfg.SessionID).
			Msg("session closed")
	})
}
