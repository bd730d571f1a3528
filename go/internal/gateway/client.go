package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mcdev12/buzzroom/go/internal/audio"
	"github.com/mcdev12/buzzroom/go/internal/bus"
	"github.com/mcdev12/buzzroom/go/internal/engine"
	"github.com/mcdev12/buzzroom/go/internal/events"
	"github.com/rs/zerolog/log"
)

const releaseTimeout = 5 * time.Second

var clientTopics = []bus.Topic{
	bus.TopicRoomUpdated,
	bus.TopicBuzzAccepted,
	bus.TopicWinnerChanged,
	bus.TopicCountdownTick,
	bus.TopicPlaybackStarted,
	bus.TopicPlaybackPaused,
	bus.TopicPlaybackEnded,
	bus.TopicRoomClosed,
	bus.TopicPlayerRemoved,
}

// client binds one websocket connection to an engine session and the audio
// coordinator of the device behind it.
type client struct {
	g       *Gateway
	conn    *Connection
	session *engine.Session
	coord   *audio.Coordinator

	ctx    context.Context
	cancel context.CancelFunc
}

func (g *Gateway) attach(conn *Connection) *client {
	ctx, cancel := context.WithCancel(g.ctx)

	cfg := g.cfg.Engine
	cfg.RoomCode = conn.RoomCode
	cfg.PlayerID = conn.PlayerID
	cfg.SessionID = conn.ID
	session := engine.NewSession(g.repo, g.clock, cfg)

	fader := audio.NewFader(g.clock, &backgroundOutput{conn: conn, g: g}, g.cfg.Fader)
	main := &mainOutput{conn: conn, g: g}
	coord := audio.NewCoordinator(session, g.repo, g.clock, main, main, fader)
	session.SetPlaybackStarter(coord)

	c := &client{g: g, conn: conn, session: session, coord: coord, ctx: ctx, cancel: cancel}

	updates := session.Bus().Subscribe(clientTopics...)
	forwarder := events.NewForwarder(session.Bus(), g.publisher)

	conn.Start(c.handleMessage, c.teardown)

	go forwarder.Run(ctx)
	go coord.Run(ctx)
	go c.push(updates)
	go c.run()
	return c
}

// run mirrors the room until it closes or the player is removed, then ends
// the connection.
func (c *client) run() {
	err := c.session.Run(c.ctx)
	if err != nil && c.ctx.Err() == nil {
		log.Error().Err(err).
			Str("room_code", c.conn.RoomCode).
			Str("player_id", c.conn.PlayerID).
			Msg("session ended")
		c.sendError("", err)
	}
	c.conn.Close()
}

func (c *client) push(updates *bus.Subscription) {
	defer updates.Close()
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev, ok := <-updates.C():
			if !ok {
				return
			}
			if ev.Topic == bus.TopicRoomUpdated {
				snap := c.session.Snapshot()
				if snap == nil {
					continue
				}
				c.conn.SendMessage(ServerMessage{
					Type:      MessageState,
					RoomCode:  c.conn.RoomCode,
					Timestamp: c.g.clock.Now().UTC(),
					Room:      snap,
					Phase:     snap.Phase(),
				})
				continue
			}
			c.conn.SendMessage(ServerMessage{
				Type:      MessageEvent,
				RoomCode:  c.conn.RoomCode,
				Timestamp: ev.At.UTC(),
				Event:     string(ev.Topic),
				Payload:   ev.Payload,
			})
		}
	}
}

func (c *client) teardown() {
	c.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := c.coord.ReleaseSource(ctx); err != nil {
		log.Error().Err(err).Str("room_code", c.conn.RoomCode).Msg("failed to release audio source")
	}
	c.coord.Close()
	c.session.Close()
}

func (c *client) handleMessage(data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", fmt.Errorf("%w: %v", errBadMessage, err))
		return
	}

	if !c.conn.Allow() {
		c.sendError(msg.RequestID, errRateLimited)
		return
	}

	log.Debug().
		Str("connection_id", c.conn.ID).
		Str("player_id", c.conn.PlayerID).
		Str("command", string(msg.Type)).
		Msg("received client command")

	payload, err := c.dispatch(msg)
	if err != nil {
		c.sendError(msg.RequestID, err)
		return
	}
	c.conn.SendMessage(ServerMessage{
		Type:      MessageAck,
		RequestID: msg.RequestID,
		RoomCode:  c.conn.RoomCode,
		Timestamp: c.g.clock.Now().UTC(),
		Event:     string(msg.Type),
		Payload:   payload,
	})
}

type buzzResult struct {
	Won bool `json:"won"`
}

func (c *client) dispatch(msg ClientMessage) (interface{}, error) {
	ctx, s, a := c.ctx, c.session, c.coord

	switch msg.Type {
	case CommandBuzz:
		won, err := s.Buzz(ctx)
		return buzzResult{Won: won}, err
	case CommandResetBuzz:
		return nil, s.ResetBuzz(ctx)
	case CommandEnableBuzz:
		return nil, s.EnableBuzz(ctx)
	case CommandDisableBuzz:
		return nil, s.DisableBuzz(ctx)
	case CommandAwardCorrect:
		return nil, s.AwardCorrect(ctx)
	case CommandAwardWrong:
		return nil, s.AwardWrong(ctx)
	case CommandAwardSuper:
		return nil, s.AwardSuper(ctx)
	case CommandReject:
		return nil, s.Reject(ctx)
	case CommandSubmitAnswer:
		return nil, s.SubmitAnswer(ctx, msg.Answer)
	case CommandSetGameMode:
		mode, ok := c.g.mode(msg.Mode)
		if !ok {
			return nil, fmt.Errorf("%w: %q", errUnknownMode, msg.Mode)
		}
		return nil, s.SetGameMode(ctx, mode)
	case CommandStartTimer:
		return nil, s.StartTimer(ctx, msg.Seconds)
	case CommandStopTimer:
		return nil, s.StopTimer(ctx)
	case CommandStartCountdown:
		// Blocks for the whole countdown; the read pump must keep going.
		go func(requestID, track string) {
			if err := s.StartCountdown(ctx, track); err != nil && ctx.Err() == nil {
				c.sendError(requestID, err)
			}
		}(msg.RequestID, msg.Track)
		return nil, nil
	case CommandStopCountdown:
		return nil, s.StopCountdown(ctx)
	case CommandLeaveRoom:
		return nil, s.LeaveRoom(ctx)
	case CommandPlaybackStarted:
		return nil, a.PlaybackStarted(ctx, msg.Track)
	case CommandPlaybackPaused:
		return nil, a.PlaybackPaused(ctx)
	case CommandPlaybackEnded:
		return nil, a.PlaybackEnded(ctx)
	case CommandDesignateSource:
		return nil, a.DesignateSource(ctx)
	case CommandResetAudio:
		return nil, a.Reset(ctx)
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownCommand, msg.Type)
	}
}

func (c *client) sendError(requestID string, err error) {
	c.conn.SendMessage(ServerMessage{
		Type:      MessageError,
		RequestID: requestID,
		RoomCode:  c.conn.RoomCode,
		Timestamp: c.g.clock.Now().UTC(),
		Error:     err.Error(),
		Retryable: retryable(err),
	})
}

// mainOutput drives the client's main track player and audio relay.
type mainOutput struct {
	conn *Connection
	g    *Gateway
}

func (o *mainOutput) command(name, track string) error {
	if !o.conn.SendMessage(ServerMessage{
		Type:      MessageCommand,
		RoomCode:  o.conn.RoomCode,
		Timestamp: o.g.clock.Now().UTC(),
		Command:   name,
		Track:     track,
	}) {
		return fmt.Errorf("connection %s is closed", o.conn.ID)
	}
	return nil
}

func (o *mainOutput) Play(ctx context.Context, track string) error {
	return o.command(DevicePlay, track)
}

func (o *mainOutput) Pause(ctx context.Context) error {
	return o.command(DevicePause, "")
}

func (o *mainOutput) Start(ctx context.Context, roomCode string) error {
	return o.command(DeviceRelayStart, "")
}

func (o *mainOutput) Stop() error {
	return o.command(DeviceRelayStop, "")
}

// backgroundOutput drives the client's ambient music.
type backgroundOutput struct {
	conn *Connection
	g    *Gateway
}

func (o *backgroundOutput) send(name string, volume *float64) {
	o.conn.SendMessage(ServerMessage{
		Type:      MessageCommand,
		RoomCode:  o.conn.RoomCode,
		Timestamp: o.g.clock.Now().UTC(),
		Command:   name,
		Volume:    volume,
	})
}

func (o *backgroundOutput) SetVolume(v float64) { o.send(DeviceBackgroundVolume, &v) }

func (o *backgroundOutput) Play() { o.send(DeviceBackgroundPlay, nil) }

func (o *backgroundOutput) Pause() { o.send(DeviceBackgroundPause, nil) }
