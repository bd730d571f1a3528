package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// Handler processes one envelope. A returned error naks the message.
type Handler func(ctx context.Context, env Envelope) error

type ConsumerConfig struct {
	StreamName    string
	ConsumerName  string
	SubjectFilter string // e.g. "buzzroom.events.>"
	MaxDeliver    int
	AckWait       time.Duration
	MaxAckPending int
}

func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		StreamName:    "BUZZROOM_EVENTS",
		ConsumerName:  "buzzroom-audit",
		SubjectFilter: "buzzroom.events.>",
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
		MaxAckPending: 100,
	}
}

// Consumer reads envelopes from a durable JetStream consumer.
type Consumer struct {
	consumer jetstream.Consumer
	config   ConsumerConfig
}

func NewConsumer(ctx context.Context, nc *nats.Conn, cfg ConsumerConfig) (*Consumer, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	stream, err := js.Stream(ctx, cfg.StreamName)
	if err != nil {
		return nil, fmt.Errorf("get stream: %w", err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          cfg.ConsumerName,
		Durable:       cfg.ConsumerName,
		Description:   "Room event consumer",
		FilterSubject: cfg.SubjectFilter,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    cfg.MaxDeliver,
		AckWait:       cfg.AckWait,
		MaxAckPending: cfg.MaxAckPending,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer: %w", err)
	}

	log.Info().
		Str("consumer", cfg.ConsumerName).
		Str("stream", cfg.StreamName).
		Msg("JetStream consumer ready")
	return &Consumer{consumer: consumer, config: cfg}, nil
}

// Run delivers messages to handle until ctx ends.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	messages := make(chan jetstream.Msg, 100)

	cc, err := c.consumer.Consume(func(msg jetstream.Msg) {
		select {
		case messages <- msg:
		case <-ctx.Done():
			_ = msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	defer cc.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("consumer", c.config.ConsumerName).Msg("event consumer shutting down")
			return nil
		case msg := <-messages:
			if err := c.process(ctx, msg, handle); err != nil {
				log.Error().Err(err).Str("subject", msg.Subject()).Msg("failed to process message")
				if nakErr := msg.Nak(); nakErr != nil {
					log.Error().Err(nakErr).Msg("failed to NAK message")
				}
				continue
			}
			if ackErr := msg.Ack(); ackErr != nil {
				log.Error().Err(ackErr).Msg("failed to ACK message")
			}
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg jetstream.Msg, handle Handler) error {
	var env Envelope
	if err := json.Unmarshal(msg.Data(), &env); err != nil {
		return fmt.Errorf("unmarshal event envelope: %w", err)
	}
	log.Debug().
		Str("event_id", env.EventID).
		Str("room_code", env.RoomCode).
		Str("event_type", env.EventType).
		Msg("processing JetStream event")
	return handle(ctx, env)
}
