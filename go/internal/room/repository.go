package room

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/buzzroom/go/internal/models"
	"github.com/mcdev12/buzzroom/go/internal/store"
	"github.com/rs/zerolog/log"
)

var (
	// ErrRoomNotFound is terminal: the code does not exist or has expired.
	ErrRoomNotFound = errors.New("room not found")
	// ErrRoomExpired is an ErrRoomNotFound for rooms past the inactivity threshold.
	ErrRoomExpired = fmt.Errorf("%w: expired after inactivity", ErrRoomNotFound)
	// ErrInvalidName is returned for blank player names.
	ErrInvalidName = errors.New("player name is required")
	// ErrNoFreeCode is returned when every generated code collided.
	ErrNoFreeCode = errors.New("no free room code")
)

// DefaultInactivityTimeout is how long an empty room may sit idle.
const DefaultInactivityTimeout = 180 * time.Minute

const maxCodeAttempts = 50

// Repository translates room operations into store reads and writes.
type Repository struct {
	store      store.Store
	clock      clockwork.Clock
	inactivity time.Duration
	newCode    func() string
}

type Option func(*Repository)

// WithInactivityTimeout overrides DefaultInactivityTimeout.
func WithInactivityTimeout(d time.Duration) Option {
	return func(r *Repository) {
		if d > 0 {
			r.inactivity = d
		}
	}
}

// WithCodeGenerator replaces GenerateRoomCode.
func WithCodeGenerator(fn func() string) Option {
	return func(r *Repository) { r.newCode = fn }
}

func NewRepository(s store.Store, clock clockwork.Clock, opts ...Option) *Repository {
	r := &Repository{
		store:      s,
		clock:      clock,
		inactivity: DefaultInactivityTimeout,
		newCode:    GenerateRoomCode,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// InactivityTimeout is the idle threshold after which an empty room is deleted.
func (r *Repository) InactivityTimeout() time.Duration {
	return r.inactivity
}

// CreateRoom allocates a fresh code and writes the room with its host.
func (r *Repository) CreateRoom(ctx context.Context, hostName string) (*models.Room, *models.Player, error) {
	name := strings.TrimSpace(hostName)
	if name == "" {
		return nil, nil, ErrInvalidName
	}

	now := r.clock.Now().UTC()
	host := &models.Player{
		ID:       NewPlayerID(name, now),
		Name:     name,
		IsHost:   true,
		JoinedAt: now,
	}

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code := r.newCode()
		exists, err := r.store.Exists(ctx, code)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to check room code: %w", err)
		}
		if exists {
			continue
		}

		room := &models.Room{
			Code:             code,
			HostID:           host.ID,
			HostName:         host.Name,
			CreatedAt:        now,
			LastBuzzActivity: now,
			Mode:             models.ClassicMode(),
			Players:          map[string]*models.Player{host.ID: host},
			Playback:         models.Playback{State: models.PlaybackIdle, At: now},
		}
		err = r.store.Create(ctx, room)
		if errors.Is(err, store.ErrExists) {
			// Lost the race for this code between Exists and Create.
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create room: %w", err)
		}

		log.Info().
			Str("room_code", code).
			Str("player_id", host.ID).
			Msg("room created")
		return room, host, nil
	}
	return nil, nil, ErrNoFreeCode
}

// JoinRoom looks the player up by normalised name and reuses the record on
// a match; otherwise a new non-host player is added.
func (r *Repository) JoinRoom(ctx context.Context, code, playerName string) (*models.Player, error) {
	name := strings.TrimSpace(playerName)
	if name == "" {
		return nil, ErrInvalidName
	}

	current, err := r.Get(ctx, code)
	if err != nil {
		return nil, err
	}
	now := r.clock.Now().UTC()
	if current.IsInactive(now, r.inactivity) {
		// Seated players keep an idle room alive; only an empty one is removed.
		if current.Expired(now, r.inactivity) {
			if err := r.DeleteRoom(ctx, code); err != nil {
				log.Warn().Err(err).Str("room_code", code).Msg("failed to delete expired room")
			}
		}
		return nil, ErrRoomExpired
	}

	var joined *models.Player
	_, err = r.Update(ctx, code, func(room *models.Room) error {
		joined = lookupOrCreate(room, name, now)
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("room_code", code).
		Str("player_id", joined.ID).
		Bool("is_host", joined.IsHost).
		Msg("player joined")
	return joined, nil
}

func lookupOrCreate(room *models.Room, name string, now time.Time) *models.Player {
	if room.Players == nil {
		room.Players = make(map[string]*models.Player)
	}
	if p := room.FindPlayerByName(name); p != nil {
		p.Name = name
		p.JoinedAt = now
		return p.Clone()
	}

	// The creator keeps the host seat even after leaving and coming back.
	if room.HostID != "" && models.NormalizeName(room.HostName) == models.NormalizeName(name) {
		p := &models.Player{ID: room.HostID, Name: room.HostName, IsHost: true, JoinedAt: now}
		room.Players[p.ID] = p
		return p.Clone()
	}

	p := &models.Player{ID: NewPlayerID(name, now), Name: name, JoinedAt: now}
	room.Players[p.ID] = p
	return p.Clone()
}

// LeaveRoom removes the player and counts as activity.
func (r *Repository) LeaveRoom(ctx context.Context, code, playerID string) error {
	_, err := r.Update(ctx, code, func(room *models.Room) error {
		delete(room.Players, playerID)
		room.LastBuzzActivity = r.clock.Now().UTC()
		return nil
	})
	if err != nil {
		return err
	}
	log.Info().Str("room_code", code).Str("player_id", playerID).Msg("player left")
	return nil
}

// TouchActivity bumps the last-buzz-activity time.
func (r *Repository) TouchActivity(ctx context.Context, code string) error {
	_, err := r.Update(ctx, code, func(room *models.Room) error {
		room.LastBuzzActivity = r.clock.Now().UTC()
		return nil
	})
	return err
}

// AddPlayedSong appends track unless it is already recorded.
func (r *Repository) AddPlayedSong(ctx context.Context, code, track string) error {
	if track == "" {
		return nil
	}
	_, err := r.Update(ctx, code, func(room *models.Room) error {
		if !room.HasPlayedSong(track) {
			room.PlayedSongs = append(room.PlayedSongs, track)
		}
		return nil
	})
	return err
}

// DeleteRoom is idempotent.
func (r *Repository) DeleteRoom(ctx context.Context, code string) error {
	if err := r.store.Delete(ctx, code); err != nil {
		return fmt.Errorf("failed to delete room: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, code string) (*models.Room, error) {
	room, err := r.store.Get(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get room: %w", err)
	}
	return room, nil
}

// Update applies fn as one combined write. Errors returned by fn pass through untouched.
func (r *Repository) Update(ctx context.Context, code string, fn store.UpdateFunc) (*models.Room, error) {
	var fnErr error
	room, err := r.store.Update(ctx, code, func(room *models.Room) error {
		fnErr = fn(room)
		return fnErr
	})
	switch {
	case err == nil:
		return room, nil
	case fnErr != nil && errors.Is(err, fnErr):
		return nil, err
	case errors.Is(err, store.ErrNotFound):
		return nil, ErrRoomNotFound
	default:
		return nil, fmt.Errorf("failed to update room: %w", err)
	}
}

func (r *Repository) Watch(ctx context.Context, code string) (<-chan store.Change, error) {
	ch, err := r.store.Watch(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to watch room: %w", err)
	}
	return ch, nil
}
