package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/mcdev12/buzzroom/go/internal/models"
	"github.com/mcdev12/buzzroom/go/internal/store"
	"github.com/rs/zerolog/log"
)

// document is the value stored under a room key.
type document struct {
	Revision uint64       `json:"revision"`
	Deleted  bool         `json:"deleted,omitempty"`
	Room     *models.Room `json:"room,omitempty"`
}

// Store keeps rooms as JSON strings and guards writes with WATCH/MULTI.
// Every commit is also published on the room's change channel.
type Store struct {
	client    *redis.Client
	keyPrefix string
	ownsConn  bool
}

// New connects using a redis:// URL.
func New(ctx context.Context, url, keyPrefix string) (*Store, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	s := NewWithClient(client, keyPrefix)
	s.ownsConn = true
	return s, nil
}

// NewWithClient wraps an existing client. The caller keeps ownership.
func NewWithClient(client *redis.Client, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = "buzzroom:"
	}
	return &Store{client: client, keyPrefix: keyPrefix}
}

func (s *Store) roomKey(code string) string {
	return fmt.Sprintf("%srooms:%s", s.keyPrefix, code)
}

func (s *Store) changeChannel(code string) string {
	return fmt.Sprintf("%srooms:%s:changes", s.keyPrefix, code)
}

func (s *Store) read(ctx context.Context, get func(ctx context.Context, key string) *redis.StringCmd, code string) (*document, error) {
	data, err := get(ctx, s.roomKey(code)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis: failed to get room %s: %w", code, err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("redis: failed to decode room %s: %w", code, err)
	}
	if doc.Room == nil {
		return nil, store.ErrNotFound
	}
	if doc.Room.Players == nil {
		doc.Room.Players = make(map[string]*models.Player)
	}
	return &doc, nil
}

func (s *Store) Get(ctx context.Context, code string) (*models.Room, error) {
	doc, err := s.read(ctx, s.client.Get, code)
	if err != nil {
		return nil, err
	}
	return doc.Room, nil
}

func (s *Store) Exists(ctx context.Context, code string) (bool, error) {
	n, err := s.client.Exists(ctx, s.roomKey(code)).Result()
	if err != nil {
		return false, fmt.Errorf("redis: failed to check room %s: %w", code, err)
	}
	return n > 0, nil
}

func (s *Store) Create(ctx context.Context, room *models.Room) error {
	doc := document{Revision: 1, Room: room}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("redis: failed to encode room: %w", err)
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, s.roomKey(room.Code)).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return store.ErrExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.roomKey(room.Code), data, 0)
			pipe.Publish(ctx, s.changeChannel(room.Code), data)
			return nil
		})
		return err
	}, s.roomKey(room.Code))

	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrExists), errors.Is(err, redis.TxFailedErr):
		return store.ErrExists
	default:
		return fmt.Errorf("redis: failed to create room %s: %w", room.Code, err)
	}
}

func (s *Store) Update(ctx context.Context, code string, fn store.UpdateFunc) (*models.Room, error) {
	key := s.roomKey(code)

	for attempt := 0; attempt < store.MaxUpdateRetries; attempt++ {
		var result *models.Room
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := s.read(ctx, tx.Get, code)
			if err != nil {
				return err
			}
			next, err := store.Apply(current.Room, fn)
			if err != nil {
				return err
			}
			data, err := json.Marshal(document{Revision: current.Revision + 1, Room: next})
			if err != nil {
				return fmt.Errorf("redis: failed to encode room: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				pipe.Publish(ctx, s.changeChannel(code), data)
				return nil
			})
			if err != nil {
				return err
			}
			result = next
			return nil
		}, key)

		if err == nil {
			return result, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, err
		}
		log.Debug().
			Str("room_code", code).
			Int("attempt", attempt+1).
			Msg("watched key changed, retrying update")
	}
	return nil, store.ErrConflict
}

// Delete removes the key; only an actual removal is announced.
func (s *Store) Delete(ctx context.Context, code string) error {
	key := s.roomKey(code)
	tombstone, _ := json.Marshal(document{Deleted: true})

	for attempt := 0; attempt < store.MaxUpdateRetries; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			n, err := tx.Exists(ctx, key).Result()
			if err != nil {
				return err
			}
			if n == 0 {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				pipe.Publish(ctx, s.changeChannel(code), tombstone)
				return nil
			})
			return err
		}, key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("redis: failed to delete room %s: %w", code, err)
		}
	}
	return store.ErrConflict
}

func (s *Store) Watch(ctx context.Context, code string) (<-chan store.Change, error) {
	sub := s.client.Subscribe(ctx, s.changeChannel(code))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis: failed to subscribe to room %s: %w", code, err)
	}

	var initial store.Change
	doc, err := s.read(ctx, s.client.Get, code)
	switch {
	case errors.Is(err, store.ErrNotFound):
		initial = store.Change{Code: code, Deleted: true}
	case err != nil:
		_ = sub.Close()
		return nil, err
	default:
		initial = store.Change{Code: code, Room: doc.Room, Revision: doc.Revision}
	}

	out := make(chan store.Change, store.WatchBuffer)
	out <- initial

	go func() {
		defer close(out)
		defer sub.Close()

		last := initial.Revision
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var d document
				if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
					log.Error().Err(err).Str("room_code", code).Msg("skipping undecodable change")
					continue
				}

				var c store.Change
				if d.Deleted || d.Room == nil {
					c = store.Change{Code: code, Deleted: true}
					last = 0
				} else {
					// Commits published before the initial read are already reflected.
					if d.Revision <= last {
						continue
					}
					last = d.Revision
					if d.Room.Players == nil {
						d.Room.Players = make(map[string]*models.Player)
					}
					c = store.Change{Code: code, Room: d.Room, Revision: d.Revision}
				}

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
	if s.ownsConn {
		return s.client.Close()
	}
	return nil
}
