package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mcdev12/buzzroom/go/internal/models"
)

var (
	// ErrNotFound is returned when no room exists under the code.
	ErrNotFound = errors.New("room not found")
	// ErrExists is returned by Create when the code is already taken.
	ErrExists = errors.New("room already exists")
	// ErrConflict is returned when an update lost every compare-and-set attempt.
	ErrConflict = errors.New("room update conflict")
)

// MaxUpdateRetries bounds the compare-and-set loop of Update.
const MaxUpdateRetries = 10

// WatchBuffer is the per-watcher channel capacity.
const WatchBuffer = 256

// UpdateFunc mutates a private copy of the room. Returning an error aborts
// the update without writing anything; the error is passed back unchanged.
type UpdateFunc func(room *models.Room) error

// Change is one committed state of a room as seen by a watcher.
type Change struct {
	Code     string
	Room     *models.Room
	Revision uint64
	Deleted  bool
}

// Store is a push-subscribable document store keyed by room code.
// Every Update is a single atomic multi-field write guarded by the
// document revision, so concurrent writers never interleave.
type Store interface {
	Get(ctx context.Context, code string) (*models.Room, error)
	Exists(ctx context.Context, code string) (bool, error)
	Create(ctx context.Context, room *models.Room) error
	Update(ctx context.Context, code string, fn UpdateFunc) (*models.Room, error)
	// Delete removes the room. Deleting an absent room is not an error.
	Delete(ctx context.Context, code string) error
	// Watch emits the current state first (a deleted Change when absent),
	// then every committed change in order. The channel closes when ctx ends.
	Watch(ctx context.Context, code string) (<-chan Change, error)
	Close() error
}

// Apply runs fn against a clone of room. The original is never touched.
func Apply(room *models.Room, fn UpdateFunc) (*models.Room, error) {
	next := room.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.Code = room.Code
	return next, nil
}

// Encode serialises a room for backends that store raw bytes.
func Encode(room *models.Room) ([]byte, error) {
	data, err := json.Marshal(room)
	if err != nil {
		return nil, fmt.Errorf("failed to encode room: %w", err)
	}
	return data, nil
}

// Decode is the inverse of Encode.
func Decode(data []byte) (*models.Room, error) {
	var room models.Room
	if err := json.Unmarshal(data, &room); err != nil {
		return nil, fmt.Errorf("failed to decode room: %w", err)
	}
	if room.Players == nil {
		room.Players = make(map[string]*models.Player)
	}
	return &room, nil
}
