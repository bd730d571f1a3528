package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mcdev12/buzzroom/go/internal/bus"
	"github.com/mcdev12/buzzroom/go/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var at = time.Date(2024, 6, 1, 20, 0, 0, 0, time.UTC)

func TestObservedEventsShareID(t *testing.T) {
	ev := bus.Event{
		Topic:     bus.TopicWinnerChanged,
		RoomCode:  "4821",
		SessionID: "session-a",
		At:        at,
		Revision:  7,
		Payload:   bus.WinnerPayload{PlayerID: "bob_000001", PlayerName: "Bob"},
	}
	a, err := events.FromBusEvent(ev)
	require.NoError(t, err)

	ev.SessionID = "session-b"
	b, err := events.FromBusEvent(ev)
	require.NoError(t, err)

	assert.Equal(t, a.EventID, b.EventID)
	assert.Equal(t, events.EventTypeWinnerChanged, a.EventType)
	assert.Equal(t, "4821", a.RoomCode)
	assert.Equal(t, at, a.Timestamp)
	assert.JSONEq(t, `{"player_id":"bob_000001","player_name":"Bob"}`, string(a.Payload))

	ev.Revision = 8
	c, err := events.FromBusEvent(ev)
	require.NoError(t, err)
	assert.NotEqual(t, a.EventID, c.EventID)
}

func TestLocalEventsGetFreshIDs(t *testing.T) {
	ev := bus.Event{Topic: bus.TopicPlaybackStarted, RoomCode: "4821", Local: true, Revision: 7}
	a, err := events.FromBusEvent(ev)
	require.NoError(t, err)
	b, err := events.FromBusEvent(ev)
	require.NoError(t, err)
	assert.NotEqual(t, a.EventID, b.EventID)
	assert.Empty(t, a.Payload)
}

func TestUnknownTopic(t *testing.T) {
	_, err := events.FromBusEvent(bus.Event{Topic: "nope"})
	assert.Error(t, err)
}

func TestSubject(t *testing.T) {
	env := events.Envelope{RoomCode: "4821", EventType: events.EventTypeCountdownTick}
	assert.Equal(t, "buzzroom.events.4821.CountdownTick", events.Subject("buzzroom.events", env))
}

func TestEnvelopeJSON(t *testing.T) {
	env := events.Envelope{
		EventID:   "id-1",
		EventType: events.EventTypeRoomClosed,
		RoomCode:  "4821",
		Timestamp: at,
	}
	data, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"eventId":"id-1","eventType":"RoomClosed","roomCode":"4821","timestamp":"2024-06-01T20:00:00Z"}`, string(data))
}

type recordingPublisher struct {
	mu   sync.Mutex
	envs []events.Envelope
	err  error
}

func (p *recordingPublisher) Publish(ctx context.Context, env events.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envs = append(p.envs, env)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.envs {
		out = append(out, e.EventType)
	}
	return out
}

func TestForwarderCopiesOutwardTopics(t *testing.T) {
	b := bus.New()
	defer b.Close()
	pub := &recordingPublisher{}
	fw := events.NewForwarder(b, pub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fw.Run(ctx)

	b.Publish(bus.Event{Topic: bus.TopicBuzzAccepted, RoomCode: "4821"})
	b.Publish(bus.Event{Topic: bus.TopicCountdownTick, RoomCode: "4821", Revision: 3, Payload: bus.CountdownPayload{Active: true, Value: 3}})
	b.Publish(bus.Event{Topic: bus.TopicRoomClosed, RoomCode: "4821", Revision: 4})

	require.Eventually(t, func() bool { return len(pub.types()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{events.EventTypeCountdownTick, events.EventTypeRoomClosed}, pub.types())
}

func TestForwarderSurvivesPublishErrors(t *testing.T) {
	b := bus.New()
	pub := &recordingPublisher{err: errors.New("broker down")}
	fw := events.NewForwarder(b, pub, bus.TopicWinnerChanged)

	done := make(chan struct{})
	go func() {
		fw.Run(context.Background())
		close(done)
	}()

	b.Publish(bus.Event{Topic: bus.TopicWinnerChanged, RoomCode: "4821", Revision: 1})
	b.Publish(bus.Event{Topic: bus.TopicWinnerChanged, RoomCode: "4821", Revision: 2})
	require.Eventually(t, func() bool { return len(pub.types()) == 2 }, time.Second, 5*time.Millisecond)

	// Closing the bus ends Run.
	b.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("forwarder did not stop")
	}
}

func TestLogPublisher(t *testing.T) {
	p := events.NewLogPublisher()
	assert.NoError(t, p.Publish(context.Background(), events.Envelope{EventType: events.EventTypeRoomClosed}))
	assert.NoError(t, p.Close())
}
