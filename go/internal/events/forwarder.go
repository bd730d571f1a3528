package events

import (
	"context"
	"time"

	"github.com/mcdev12/buzzroom/go/internal/bus"
	"github.com/rs/zerolog/log"
)

const publishTimeout = 5 * time.Second

// Forwarder copies bus events to a Publisher. Publish failures are logged and
// dropped; the store remains the source of truth.
type Forwarder struct {
	pub Publisher
	sub *bus.Subscription
}

// NewForwarder subscribes immediately so nothing published after it returns
// is missed. With no topics it forwards OutwardTopics.
func NewForwarder(b *bus.Bus, pub Publisher, topics ...bus.Topic) *Forwarder {
	if len(topics) == 0 {
		topics = OutwardTopics
	}
	return &Forwarder{pub: pub, sub: b.Subscribe(topics...)}
}

// Run forwards until ctx ends or the bus closes.
func (f *Forwarder) Run(ctx context.Context) {
	defer f.sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-f.sub.C():
			if !ok {
				return
			}
			f.forward(ctx, ev)
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, ev bus.Event) {
	env, err := FromBusEvent(ev)
	if err != nil {
		log.Warn().Err(err).Str("room_code", ev.RoomCode).Msg("skipping event")
		return
	}

	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := f.pub.Publish(pctx, env); err != nil {
		log.Error().
			Err(err).
			Str("room_code", env.RoomCode).
			Str("event_type", env.EventType).
			Str("event_id", env.EventID).
			Msg("failed to publish event")
	}
}
