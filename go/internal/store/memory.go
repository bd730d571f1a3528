package store

import (
	"context"
	"sync"

	"github.com/mcdev12/buzzroom/go/internal/models"
	"github.com/rs/zerolog/log"
)

type memoryEntry struct {
	room     *models.Room
	revision uint64
}

// MemoryStore keeps rooms in process memory. Suitable for a single node and tests.
type MemoryStore struct {
	mu       sync.Mutex
	rooms    map[string]*memoryEntry
	revision uint64
	watchers map[string]map[chan Change]struct{}
	closed   bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:    make(map[string]*memoryEntry),
		watchers: make(map[string]map[chan Change]struct{}),
	}
}

func (s *MemoryStore) Get(ctx context.Context, code string) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.rooms[code]
	if !ok {
		return nil, ErrNotFound
	}
	return e.room.Clone(), nil
}

func (s *MemoryStore) Exists(ctx context.Context, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.rooms[code]
	return ok, nil
}

func (s *MemoryStore) Create(ctx context.Context, room *models.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[room.Code]; ok {
		return ErrExists
	}
	s.revision++
	e := &memoryEntry{room: room.Clone(), revision: s.revision}
	s.rooms[room.Code] = e
	s.notifyLocked(room.Code, Change{Code: room.Code, Room: e.room.Clone(), Revision: e.revision})
	return nil
}

// Update holds the lock for the whole read-modify-write, so it never conflicts.
func (s *MemoryStore) Update(ctx context.Context, code string, fn UpdateFunc) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.rooms[code]
	if !ok {
		return nil, ErrNotFound
	}
	next, err := Apply(e.room, fn)
	if err != nil {
		return nil, err
	}
	s.revision++
	e.room = next
	e.revision = s.revision
	s.notifyLocked(code, Change{Code: code, Room: next.Clone(), Revision: e.revision})
	return next.Clone(), nil
}

func (s *MemoryStore) Delete(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[code]; !ok {
		return nil
	}
	delete(s.rooms, code)
	s.revision++
	s.notifyLocked(code, Change{Code: code, Revision: s.revision, Deleted: true})
	return nil
}

func (s *MemoryStore) Watch(ctx context.Context, code string) (<-chan Change, error) {
	ch := make(chan Change, WatchBuffer)

	s.mu.Lock()
	if s.watchers[code] == nil {
		s.watchers[code] = make(map[chan Change]struct{})
	}
	s.watchers[code][ch] = struct{}{}
	if e, ok := s.rooms[code]; ok {
		ch <- Change{Code: code, Room: e.room.Clone(), Revision: e.revision}
	} else {
		ch <- Change{Code: code, Revision: s.revision, Deleted: true}
	}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.watchers[code][ch]; ok {
			delete(s.watchers[code], ch)
			if len(s.watchers[code]) == 0 {
				delete(s.watchers, code)
			}
			close(ch)
		}
	}()

	return ch, nil
}

// Close ends every open watch.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	for code, subs := range s.watchers {
		for ch := range subs {
			close(ch)
		}
		delete(s.watchers, code)
	}
	return nil
}

func (s *MemoryStore) notifyLocked(code string, c Change) {
	for ch := range s.watchers[code] {
		select {
		case ch <- c:
		default:
			log.Warn().
				Str("room_code", code).
				Uint64("revision", c.Revision).
				Msg("watcher buffer full, dropping change")
		}
	}
}
