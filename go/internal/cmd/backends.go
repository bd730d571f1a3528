package main

import (
	"context"
	"fmt"
	"time"

	"github.com/mcdev12/buzzroom/go/internal/config"
	"github.com/mcdev12/buzzroom/go/internal/events"
	"github.com/mcdev12/buzzroom/go/internal/store"
	"github.com/mcdev12/buzzroom/go/internal/store/natskv"
	"github.com/mcdev12/buzzroom/go/internal/store/pgstore"
	"github.com/mcdev12/buzzroom/go/internal/store/redisstore"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Backends holds the long-lived connections shared by the store and the
// event publisher.
type Backends struct {
	Store     store.Store
	Publisher events.Publisher
	NATS      *nats.Conn
}

func setupBackends(ctx context.Context, cfg config.Config) (*Backends, error) {
	b := &Backends{}

	if cfg.NeedsNATS() {
		nc, err := events.Connect(cfg.NATSURL, -1, 2*time.Second)
		if err != nil {
			return nil, err
		}
		b.NATS = nc
	}

	s, err := setupStore(ctx, cfg, b.NATS)
	if err != nil {
		b.Close()
		return nil, err
	}
	b.Store = s

	pub, err := setupPublisher(ctx, cfg, b.NATS)
	if err != nil {
		b.Close()
		return nil, err
	}
	b.Publisher = pub

	return b, nil
}

func setupStore(ctx context.Context, cfg config.Config, nc *nats.Conn) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.StoreNATS:
		kvCfg := natskv.DefaultConfig()
		kvCfg.URL = cfg.NATSURL
		s, err := natskv.NewWithConn(ctx, nc, kvCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open NATS store: %w", err)
		}
		return s, nil

	case config.StoreRedis:
		s, err := redisstore.New(ctx, cfg.RedisURL, cfg.RedisPrefix)
		if err != nil {
			return nil, fmt.Errorf("failed to open Redis store: %w", err)
		}
		return s, nil

	case config.StorePostgres:
		pgCfg := pgstore.DefaultConfig()
		pgCfg.DatabaseURL = cfg.Database.DSN()
		s, err := pgstore.New(ctx, pgCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open Postgres store: %w", err)
		}
		log.Info().
			Str("database", cfg.Database.Name).
			Str("host", cfg.Database.Host).
			Msg("connected to database")
		return s, nil

	default:
		log.Warn().Msg("using in-memory store; rooms are not shared between processes")
		return store.NewMemoryStore(), nil
	}
}

func setupPublisher(ctx context.Context, cfg config.Config, nc *nats.Conn) (events.Publisher, error) {
	if cfg.Publisher != config.PublisherNATS {
		return events.NewLogPublisher(), nil
	}
	jsCfg := events.DefaultJetStreamConfig()
	jsCfg.URL = cfg.NATSURL
	pub, err := events.NewJetStreamPublisherWithConn(ctx, nc, jsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create event publisher: %w", err)
	}
	return pub, nil
}

// runAudit logs every published event from the durable consumer until ctx
// ends.
func runAudit(ctx context.Context, nc *nats.Conn) {
	consumer, err := events.NewConsumer(ctx, nc, events.DefaultConsumerConfig())
	if err != nil {
		log.Error().Err(err).Msg("failed to start event audit")
		return
	}
	err = consumer.Run(ctx, func(ctx context.Context, env events.Envelope) error {
		log.Info().
			Str("event_id", env.EventID).
			Str("event_type", env.EventType).
			Str("room_code", env.RoomCode).
			Msg("audit")
		return nil
	})
	if err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("event audit stopped")
	}
}

func (b *Backends) Close() {
	if b.Publisher != nil {
		if err := b.Publisher.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close publisher")
		}
	}
	if b.Store != nil {
		if err := b.Store.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close store")
		}
	}
	if b.NATS != nil {
		if err := b.NATS.Drain(); err != nil {
			log.Error().Err(err).Msg("failed to drain NATS connection")
		}
	}
}
