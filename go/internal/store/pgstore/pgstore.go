package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
	"github.com/mcdev12/buzzroom/go/internal/models"
	"github.com/mcdev12/buzzroom/go/internal/store"
	"github.com/rs/zerolog/log"
)

// maxInlinePayload keeps notifications under the 8000 byte pg_notify limit.
const maxInlinePayload = 7000

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	code       TEXT PRIMARY KEY,
	doc        JSONB NOT NULL,
	revision   BIGINT NOT NULL DEFAULT 1,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

type Config struct {
	DatabaseURL      string        // Postgres DSN, shared by the pool and LISTEN
	NotifyChannel    string        // Channel name to LISTEN on
	FallbackInterval time.Duration // How often watched rooms are re-read
	PingInterval     time.Duration
}

func DefaultConfig() Config {
	return Config{
		NotifyChannel:    "buzzroom_room_changes",
		FallbackInterval: 30 * time.Second,
		PingInterval:     90 * time.Second,
	}
}

// notification is the pg_notify payload. Doc is omitted when too large;
// watchers then re-read the row.
type notification struct {
	Code     string          `json:"code"`
	Revision uint64          `json:"revision"`
	Deleted  bool            `json:"deleted,omitempty"`
	Doc      json.RawMessage `json:"doc,omitempty"`
}

type watcher struct {
	ch    chan store.Change
	last  uint64
	ready bool
	gone  bool
}

// Store keeps each room as a JSONB row. Updates lock the row for the whole
// read-modify-write and announce the commit with pg_notify in the same
// transaction.
type Store struct {
	pool     *pgxpool.Pool
	listener *pq.Listener
	cfg      Config

	mu       sync.Mutex
	watchers map[string]map[*watcher]struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate rooms table: %w", err)
	}

	l := pq.NewListener(
		cfg.DatabaseURL,
		10*time.Second,
		time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("listener event")
			}
		},
	)
	if err := l.Listen(cfg.NotifyChannel); err != nil {
		pool.Close()
		_ = l.Close()
		return nil, fmt.Errorf("failed to listen to channel: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s := &Store{
		pool:     pool,
		listener: l,
		cfg:      cfg,
		watchers: make(map[string]map[*watcher]struct{}),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go s.listen(loopCtx)

	log.Info().Str("channel", cfg.NotifyChannel).Msg("listening for room changes")
	return s, nil
}

func (s *Store) get(ctx context.Context, q pgx.Tx, code string, lock bool) (*models.Room, uint64, error) {
	query := `SELECT doc, revision FROM rooms WHERE code = $1`
	if lock {
		query += ` FOR UPDATE`
	}

	var (
		data []byte
		rev  int64
		err  error
	)
	if q != nil {
		err = q.QueryRow(ctx, query, code).Scan(&data, &rev)
	} else {
		err = s.pool.QueryRow(ctx, query, code).Scan(&data, &rev)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, store.ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get room %s: %w", code, err)
	}
	room, err := store.Decode(data)
	if err != nil {
		return nil, 0, err
	}
	return room, uint64(rev), nil
}

func (s *Store) Get(ctx context.Context, code string) (*models.Room, error) {
	room, _, err := s.get(ctx, nil, code, false)
	return room, err
}

func (s *Store) Exists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM rooms WHERE code = $1)`, code).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check room %s: %w", code, err)
	}
	return exists, nil
}

func (s *Store) Create(ctx context.Context, room *models.Room) error {
	data, err := store.Encode(room)
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO rooms (code, doc, revision) VALUES ($1, $2, 1) ON CONFLICT (code) DO NOTHING`,
			room.Code, data)
		if err != nil {
			return fmt.Errorf("failed to insert room %s: %w", room.Code, err)
		}
		if tag.RowsAffected() == 0 {
			return store.ErrExists
		}
		return s.notify(ctx, tx, notification{Code: room.Code, Revision: 1, Doc: data})
	})
}

func (s *Store) Update(ctx context.Context, code string, fn store.UpdateFunc) (*models.Room, error) {
	var result *models.Room
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		current, rev, err := s.get(ctx, tx, code, true)
		if err != nil {
			return err
		}
		next, err := store.Apply(current, fn)
		if err != nil {
			return err
		}
		data, err := store.Encode(next)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx,
			`UPDATE rooms SET doc = $1, revision = revision + 1, updated_at = now() WHERE code = $2 AND revision = $3`,
			data, code, int64(rev))
		if err != nil {
			return fmt.Errorf("failed to update room %s: %w", code, err)
		}
		if tag.RowsAffected() == 0 {
			return store.ErrConflict
		}
		result = next
		return s.notify(ctx, tx, notification{Code: code, Revision: rev + 1, Doc: data})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) Delete(ctx context.Context, code string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM rooms WHERE code = $1`, code)
		if err != nil {
			return fmt.Errorf("failed to delete room %s: %w", code, err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		return s.notify(ctx, tx, notification{Code: code, Deleted: true})
	})
}

func (s *Store) notify(ctx context.Context, tx pgx.Tx, n notification) error {
	if len(n.Doc) > maxInlinePayload {
		n.Doc = nil
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, s.cfg.NotifyChannel, string(payload)); err != nil {
		return fmt.Errorf("failed to notify: %w", err)
	}
	return nil
}

func (s *Store) Watch(ctx context.Context, code string) (<-chan store.Change, error) {
	w := &watcher{ch: make(chan store.Change, store.WatchBuffer)}

	s.mu.Lock()
	if s.watchers[code] == nil {
		s.watchers[code] = make(map[*watcher]struct{})
	}
	s.watchers[code][w] = struct{}{}
	s.mu.Unlock()

	room, rev, err := s.get(ctx, nil, code, false)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.removeWatcher(code, w)
		return nil, err
	}

	s.mu.Lock()
	if room == nil {
		w.gone = true
		w.ch <- store.Change{Code: code, Deleted: true}
	} else {
		w.last = rev
		w.ch <- store.Change{Code: code, Room: room, Revision: rev}
	}
	w.ready = true
	s.mu.Unlock()

	// Pick up anything committed between the read and becoming ready.
	s.refresh(ctx, code)

	go func() {
		<-ctx.Done()
		s.removeWatcher(code, w)
	}()

	return w.ch, nil
}

func (s *Store) removeWatcher(code string, w *watcher) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.watchers[code][w]; ok {
		delete(s.watchers[code], w)
		if len(s.watchers[code]) == 0 {
			delete(s.watchers, code)
		}
		close(w.ch)
	}
}

func (s *Store) listen(ctx context.Context) {
	defer close(s.done)

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	fallbackTicker := time.NewTicker(s.cfg.FallbackInterval)
	defer pingTicker.Stop()
	defer fallbackTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case note := <-s.listener.Notify:
			if note == nil {
				// Connection was re-established; notifications may have been missed.
				s.refreshAll(ctx)
				continue
			}
			s.handleNotification(ctx, note.Extra)
		case <-fallbackTicker.C:
			s.refreshAll(ctx)
		case <-pingTicker.C:
			if err := s.listener.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping listener")
			}
		}
	}
}

func (s *Store) handleNotification(ctx context.Context, extra string) {
	var n notification
	if err := json.Unmarshal([]byte(extra), &n); err != nil {
		log.Error().Err(err).Msg("invalid room notification")
		return
	}

	s.mu.Lock()
	_, watched := s.watchers[n.Code]
	s.mu.Unlock()
	if !watched {
		return
	}

	if n.Deleted {
		s.deliver(n.Code, nil, 0)
		return
	}
	if n.Doc == nil {
		s.refresh(ctx, n.Code)
		return
	}
	room, err := store.Decode(n.Doc)
	if err != nil {
		log.Error().Err(err).Str("room_code", n.Code).Msg("skipping undecodable notification")
		return
	}
	s.deliver(n.Code, room, n.Revision)
}

func (s *Store) refreshAll(ctx context.Context) {
	s.mu.Lock()
	codes := make([]string, 0, len(s.watchers))
	for code := range s.watchers {
		codes = append(codes, code)
	}
	s.mu.Unlock()

	for _, code := range codes {
		s.refresh(ctx, code)
	}
}

func (s *Store) refresh(ctx context.Context, code string) {
	room, rev, err := s.get(ctx, nil, code, false)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.deliver(code, nil, 0)
	case err != nil:
		log.Error().Err(err).Str("room_code", code).Msg("failed to refresh watched room")
	default:
		s.deliver(code, room, rev)
	}
}

// deliver fans a committed state out to ready watchers that have not seen it.
// A nil room means the row is gone.
func (s *Store) deliver(code string, room *models.Room, rev uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for w := range s.watchers[code] {
		if !w.ready {
			continue
		}
		var c store.Change
		if room == nil {
			if w.gone {
				continue
			}
			w.gone = true
			w.last = 0
			c = store.Change{Code: code, Deleted: true}
		} else {
			if !w.gone && rev <= w.last {
				continue
			}
			w.gone = false
			w.last = rev
			c = store.Change{Code: code, Room: room.Clone(), Revision: rev}
		}
		select {
		case w.ch <- c:
		default:
			log.Warn().Str("room_code", code).Msg("watcher buffer full, dropping change")
		}
	}
}

func (s *Store) Close() error {
	s.cancel()
	<-s.done

	s.mu.Lock()
	for code, ws := range s.watchers {
		for w := range ws {
			close(w.ch)
		}
		delete(s.watchers, code)
	}
	s.mu.Unlock()

	err := s.listener.Close()
	s.pool.Close()
	return err
}
