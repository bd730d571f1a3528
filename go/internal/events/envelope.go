// Package events publishes room lifecycle signals outside the process.
package events

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/buzzroom/go/internal/bus"
)

// Event types carried in Envelope.EventType.
const (
	EventTypeRoomClosed      = "RoomClosed"
	EventTypeWinnerChanged   = "WinnerChanged"
	EventTypeCountdownTick   = "CountdownTick"
	EventTypePlaybackStarted = "PlaybackStarted"
	EventTypePlaybackPaused  = "PlaybackPaused"
	EventTypePlaybackEnded   = "PlaybackEnded"
	EventTypeBuzzAccepted    = "BuzzAccepted"
	EventTypePlayerRemoved   = "PlayerRemoved"
)

var eventTypes = map[bus.Topic]string{
	bus.TopicRoomClosed:      EventTypeRoomClosed,
	bus.TopicWinnerChanged:   EventTypeWinnerChanged,
	bus.TopicCountdownTick:   EventTypeCountdownTick,
	bus.TopicPlaybackStarted: EventTypePlaybackStarted,
	bus.TopicPlaybackPaused:  EventTypePlaybackPaused,
	bus.TopicPlaybackEnded:   EventTypePlaybackEnded,
	bus.TopicBuzzAccepted:    EventTypeBuzzAccepted,
	bus.TopicPlayerRemoved:   EventTypePlayerRemoved,
}

// OutwardTopics are the bus topics exposed to other systems by default.
var OutwardTopics = []bus.Topic{
	bus.TopicRoomClosed,
	bus.TopicWinnerChanged,
	bus.TopicCountdownTick,
	bus.TopicPlaybackStarted,
	bus.TopicPlaybackPaused,
	bus.TopicPlaybackEnded,
}

// eventNamespace seeds the ids of events derived from store commits.
var eventNamespace = uuid.MustParse("8f1c3a52-6d0e-4b7a-9a57-2f4e1c0b9d31")

type Envelope struct {
	EventID   string          `json:"eventId"`
	EventType string          `json:"eventType"`
	RoomCode  string          `json:"roomCode"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventType maps a bus topic to its outward name.
func EventType(topic bus.Topic) (string, bool) {
	t, ok := eventTypes[topic]
	return t, ok
}

// FromBusEvent builds the envelope for ev. An event observed in the store
// gets an id derived from room, type and revision, so every session that
// forwards the same commit produces the same id.
func FromBusEvent(ev bus.Event) (Envelope, error) {
	eventType, ok := EventType(ev.Topic)
	if !ok {
		return Envelope{}, fmt.Errorf("no event type for topic %q", ev.Topic)
	}

	var payload json.RawMessage
	if ev.Payload != nil {
		data, err := json.Marshal(ev.Payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		payload = data
	}

	id := uuid.New()
	if !ev.Local && ev.Revision > 0 {
		id = uuid.NewSHA1(eventNamespace, []byte(ev.RoomCode+"/"+eventType+"/"+strconv.FormatUint(ev.Revision, 10)))
	}

	ts := ev.At
	if ts.IsZero() {
		ts = time.Now()
	}

	return Envelope{
		EventID:   id.String(),
		EventType: eventType,
		RoomCode:  ev.RoomCode,
		Timestamp: ts.UTC(),
		Payload:   payload,
	}, nil
}

// Subject is the NATS subject for env under prefix.
func Subject(prefix string, env Envelope) string {
	return fmt.Sprintf("%s.%s.%s", prefix, env.RoomCode, env.EventType)
}
