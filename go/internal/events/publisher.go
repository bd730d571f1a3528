package events

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Publisher sends envelopes to an outward channel.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
	Close() error
}

// LogPublisher writes envelopes to the log. It stands in when no broker is
// configured.
type LogPublisher struct{}

func NewLogPublisher() *LogPublisher {
	return &LogPublisher{}
}

func (p *LogPublisher) Publish(ctx context.Context, env Envelope) error {
	log.Info().
		Str("event_id", env.EventID).
		Str("event_type", env.EventType).
		Str("room_code", env.RoomCode).
		RawJSON("payload", orNull(env.Payload)).
		Msg("room event")
	return nil
}

func (p *LogPublisher) Close() error { return nil }

func orNull(b []byte) []byte {
	if len(b) == 0 {
		return []byte("null")
	}
	return b
}
