package natskv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mcdev12/buzzroom/go/internal/models"
	"github.com/mcdev12/buzzroom/go/internal/store"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

type Config struct {
	URL           string
	Bucket        string
	KeyPrefix     string
	MaxReconnects int
	ReconnectWait time.Duration
	Replicas      int
}

func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Bucket:        "BUZZROOM_ROOMS",
		KeyPrefix:     "rooms",
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
		Replicas:      1,
	}
}

// Store keeps each room as one JetStream KeyValue entry. The entry
// revision is the compare-and-set token for Update.
type Store struct {
	nc       *nats.Conn
	kv       jetstream.KeyValue
	cfg      Config
	ownsConn bool
}

// New connects to NATS and binds (creating if needed) the room bucket.
func New(ctx context.Context, cfg Config) (*Store, error) {
	opts := []nats.Option{
		nats.Name("buzzroom-store"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	s, err := NewWithConn(ctx, nc, cfg)
	if err != nil {
		nc.Close()
		return nil, err
	}
	s.ownsConn = true
	return s, nil
}

// NewWithConn binds the bucket on an existing connection. The caller keeps
// ownership of nc.
func NewWithConn(ctx context.Context, nc *nats.Conn, cfg Config) (*Store, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "Buzzroom room documents",
		History:     1,
		Replicas:    cfg.Replicas,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure key value bucket: %w", err)
	}

	log.Info().Str("bucket", cfg.Bucket).Msg("bound room bucket")

	return &Store{nc: nc, kv: kv, cfg: cfg}, nil
}

func (s *Store) key(code string) string {
	return fmt.Sprintf("%s.%s", s.cfg.KeyPrefix, code)
}

func (s *Store) Get(ctx context.Context, code string) (*models.Room, error) {
	room, _, err := s.get(ctx, code)
	return room, err
}

func (s *Store) get(ctx context.Context, code string) (*models.Room, uint64, error) {
	entry, err := s.kv.Get(ctx, s.key(code))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, 0, store.ErrNotFound
		}
		return nil, 0, fmt.Errorf("get room %s: %w", code, err)
	}
	room, err := store.Decode(entry.Value())
	if err != nil {
		return nil, 0, err
	}
	return room, entry.Revision(), nil
}

func (s *Store) Exists(ctx context.Context, code string) (bool, error) {
	_, _, err := s.get(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) Create(ctx context.Context, room *models.Room) error {
	data, err := store.Encode(room)
	if err != nil {
		return err
	}
	if _, err := s.kv.Create(ctx, s.key(room.Code), data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return store.ErrExists
		}
		return fmt.Errorf("create room %s: %w", room.Code, err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, code string, fn store.UpdateFunc) (*models.Room, error) {
	for attempt := 0; attempt < store.MaxUpdateRetries; attempt++ {
		current, rev, err := s.get(ctx, code)
		if err != nil {
			return nil, err
		}
		next, err := store.Apply(current, fn)
		if err != nil {
			return nil, err
		}
		data, err := store.Encode(next)
		if err != nil {
			return nil, err
		}

		_, err = s.kv.Update(ctx, s.key(code), data, rev)
		if err == nil {
			return next, nil
		}
		if !isWrongSequence(err) {
			return nil, fmt.Errorf("update room %s: %w", code, err)
		}
		log.Debug().
			Str("room_code", code).
			Uint64("revision", rev).
			Int("attempt", attempt+1).
			Msg("revision moved, retrying update")
	}
	return nil, store.ErrConflict
}

// isWrongSequence reports a lost compare-and-set.
func isWrongSequence(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

// Delete places a delete marker. Markers on absent keys are harmless.
func (s *Store) Delete(ctx context.Context, code string) error {
	if err := s.kv.Delete(ctx, s.key(code)); err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("delete room %s: %w", code, err)
	}
	return nil
}

func (s *Store) Watch(ctx context.Context, code string) (<-chan store.Change, error) {
	w, err := s.kv.Watch(ctx, s.key(code))
	if err != nil {
		return nil, fmt.Errorf("watch room %s: %w", code, err)
	}

	out := make(chan store.Change, store.WatchBuffer)
	go func() {
		defer close(out)
		defer func() {
			if err := w.Stop(); err != nil {
				log.Debug().Err(err).Str("room_code", code).Msg("failed to stop watcher")
			}
		}()

		emitted := false
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-w.Updates():
				if !ok {
					return
				}
				var c store.Change
				switch {
				case entry == nil:
					// End of initial values.
					if emitted {
						continue
					}
					c = store.Change{Code: code, Deleted: true}
				case entry.Operation() != jetstream.KeyValuePut:
					c = store.Change{Code: code, Revision: entry.Revision(), Deleted: true}
				default:
					room, err := store.Decode(entry.Value())
					if err != nil {
						log.Error().Err(err).Str("room_code", code).Msg("skipping undecodable room entry")
						continue
					}
					c = store.Change{Code: code, Room: room, Revision: entry.Revision()}
				}
				emitted = true
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (s *Store) Close() error {
	if s.ownsConn && s.nc != nil {
		s.nc.Close()
	}
	return nil
}
