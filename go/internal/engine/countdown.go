package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/buzzroom/go/internal/models"
	"github.com/rs/zerolog/log"
)

// StartCountdown runs the replicated 3-2-1 pre-roll. Host only: it disables
// buzz, writes one countdown value per interval, writes the inactive record
// and then asks the playback starter to play track. Buzz is re-enabled by the
// playback-started reaction, not here.
//
// It blocks until the countdown finishes. A countdown replaced by another or
// stopped with StopCountdown returns nil.
func (s *Session) StartCountdown(ctx context.Context, track string) error {
	cctx, cancel, done, start, err := s.beginCountdown(ctx)
	if err != nil || cctx == nil {
		return err
	}

	defer func() {
		cancel()
		close(done)
		s.countdownMu.Lock()
		if s.countdownDone == done {
			s.countdownCancel = nil
			s.countdownDone = nil
		}
		s.countdownMu.Unlock()
	}()

	log.Info().
		Str("room_code", s.cfg.RoomCode).
		Str("track", track).
		Msg("countdown started")

	if err := s.runCountdown(cctx, s.cfg.CountdownFrom, start); err != nil {
		if cctx.Err() != nil {
			// Replaced or stopped; the stopper owns the final write.
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		}
		s.clearCountdown()
		return err
	}

	if p := s.playbackStarter(); p != nil && track != "" {
		if err := p.Play(ctx, track); err != nil {
			return fmt.Errorf("begin playback: %w", err)
		}
	}
	return nil
}

// beginCountdown cancels the running countdown, writes the first value and
// registers the new loop. The whole step holds countdownStart, so a second
// start or a stop can never slip in between the cancel and the registration.
// A nil context means the write was denied.
func (s *Session) beginCountdown(ctx context.Context) (context.Context, context.CancelFunc, chan struct{}, time.Time, error) {
	s.countdownStart.Lock()
	defer s.countdownStart.Unlock()

	select {
	case <-s.closed:
		return nil, nil, nil, time.Time{}, ErrSessionClosed
	default:
	}

	s.cancelCountdown()

	from := s.cfg.CountdownFrom
	start := s.now()
	_, ok, err := s.mutate(ctx, "start countdown", s.hostOnly(func(room *models.Room) error {
		room.BuzzEnabled = false
		room.Countdown = models.CountdownState{Active: true, Value: from, StartTime: &start}
		return nil
	}))
	if err != nil || !ok {
		return nil, nil, nil, time.Time{}, err
	}

	cctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.countdownMu.Lock()
	s.countdownCancel = cancel
	s.countdownDone = done
	s.countdownMu.Unlock()

	select {
	case <-s.closed:
		cancel()
	default:
	}
	return cctx, cancel, done, start, nil
}

func (s *Session) runCountdown(ctx context.Context, from int, start time.Time) error {
	for v := from; v >= 1; v-- {
		if v != from {
			value := v
			if _, _, err := s.mutate(ctx, "countdown tick", func(room *models.Room) error {
				room.Countdown = models.CountdownState{Active: true, Value: value, StartTime: &start}
				return nil
			}); err != nil {
				return err
			}
		}
		if err := s.wait(ctx, s.cfg.CountdownInterval); err != nil {
			return err
		}
	}

	_, _, err := s.mutate(ctx, "countdown finish", func(room *models.Room) error {
		room.Countdown = models.CountdownState{}
		return nil
	})
	return err
}

// wait blocks for d on the session clock. The timer is stopped and drained on
// cancellation so no stale tick can fire afterwards.
func (s *Session) wait(ctx context.Context, d time.Duration) error {
	timer := s.clock.NewTimer(d)
	select {
	case <-timer.Chan():
		return nil
	case <-ctx.Done():
		stopAndDrainTimer(timer)
		return ctx.Err()
	}
}

// stopAndDrainTimer stops a timer and drains its channel if it already fired.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}

// cancelCountdown stops an in-flight countdown on this session and waits for
// its loop to exit, so none of its writes can land afterwards.
func (s *Session) cancelCountdown() {
	s.countdownMu.Lock()
	cancel, done := s.countdownCancel, s.countdownDone
	s.countdownMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Debug().Str("room_code", s.cfg.RoomCode).Msg("cancelled countdown")
}

// clearCountdown is the best-effort cleanup after a failed countdown write.
func (s *Session) clearCountdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := s.mutate(ctx, "countdown cleanup", func(room *models.Room) error {
		room.Countdown = models.CountdownState{}
		return nil
	}); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Error().Err(err).Str("room_code", s.cfg.RoomCode).Msg("failed to clear countdown")
	}
}

// StopCountdown cancels a local countdown and writes the inactive record.
// It is also the manual recovery for a countdown left active by a host that
// went away. Host only.
func (s *Session) StopCountdown(ctx context.Context) error {
	s.countdownStart.Lock()
	defer s.countdownStart.Unlock()

	s.cancelCountdown()
	_, _, err := s.mutate(ctx, "stop countdown", s.hostOnly(func(room *models.Room) error {
		room.Countdown = models.CountdownState{}
		return nil
	}))
	return err
}
