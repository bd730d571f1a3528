// Package bus is an in-process publish/subscribe channel for lifecycle
// signals between engine components. Each engine session owns one bus;
// subscribers register and unregister explicitly and nothing is global.
package bus

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Topic names a lifecycle signal.
type Topic string

const (
	TopicBuzzAccepted    Topic = "buzz.accepted"
	TopicWinnerChanged   Topic = "room.winner_changed"
	TopicCountdownTick   Topic = "room.countdown_tick"
	TopicPlaybackStarted Topic = "playback.started"
	TopicPlaybackPaused  Topic = "playback.paused"
	TopicPlaybackEnded   Topic = "playback.ended"
	TopicRoomClosed      Topic = "room.closed"
	TopicPlayerRemoved   Topic = "room.player_removed"
	// TopicRoomUpdated fires for every observed commit.
	TopicRoomUpdated Topic = "room.updated"
)

// Event is one signal. Payload is topic specific.
type Event struct {
	Topic     Topic
	RoomCode  string
	SessionID string
	At        time.Time
	// Local is true when the signal originated on this session rather than
	// being observed in the store.
	Local bool
	// Revision is the store revision an observed event was derived from.
	Revision uint64
	Payload  interface{}
}

// WinnerPayload accompanies TopicBuzzAccepted and TopicWinnerChanged.
// Empty PlayerID means the winner was cleared.
type WinnerPayload struct {
	PlayerID   string `json:"player_id,omitempty"`
	PlayerName string `json:"player_name,omitempty"`
}

// CountdownPayload accompanies TopicCountdownTick.
type CountdownPayload struct {
	Active bool `json:"active"`
	Value  int  `json:"value"`
}

// PlaybackPayload accompanies the playback topics.
type PlaybackPayload struct {
	Track string `json:"track,omitempty"`
}

// PlayerPayload accompanies TopicPlayerRemoved.
type PlayerPayload struct {
	PlayerID string `json:"player_id"`
}

const defaultBuffer = 64

// Bus fans events out to subscribers of their topic.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic]map[*Subscription]struct{}
	closed bool
}

func New() *Bus {
	return &Bus{subs: make(map[Topic]map[*Subscription]struct{})}
}

// Subscription receives events for the topics it was created with.
type Subscription struct {
	bus    *Bus
	topics []Topic
	ch     chan Event
	once   sync.Once
}

// C is closed after Close or when the bus shuts down.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

// Subscribe registers for one or more topics.
func (b *Bus) Subscribe(topics ...Topic) *Subscription {
	sub := &Subscription{bus: b, topics: topics, ch: make(chan Event, defaultBuffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	for _, t := range topics {
		if b.subs[t] == nil {
			b.subs[t] = make(map[*Subscription]struct{})
		}
		b.subs[t][sub] = struct{}{}
	}
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range sub.topics {
		delete(b.subs[t], sub)
		if len(b.subs[t]) == 0 {
			delete(b.subs, t)
		}
	}
	sub.once.Do(func() { close(sub.ch) })
}

// Publish never blocks: a subscriber whose buffer is full misses the event.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[ev.Topic] {
		select {
		case sub.ch <- ev:
		default:
			log.Warn().
				Str("topic", string(ev.Topic)).
				Str("room_code", ev.RoomCode).
				Msg("subscriber buffer full, dropping event")
		}
	}
}

// Close ends every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for t, subs := range b.subs {
		for sub := range subs {
			sub.once.Do(func() { close(sub.ch) })
		}
		delete(b.subs, t)
	}
}
