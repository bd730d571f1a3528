package engine

import (
	"context"

	"github.com/mcdev12/buzzroom/go/internal/bus"
	"github.com/mcdev12/buzzroom/go/internal/models"
	"github.com/rs/zerolog/log"
)

// Buzz claims the floor for the local player. It is a no-op unless buzz is
// enabled, no countdown runs and nobody holds the floor. It reports whether
// this call won.
func (s *Session) Buzz(ctx context.Context) (bool, error) {
	name := s.cfg.PlayerID
	if snap := s.Snapshot(); snap != nil {
		if p := snap.Player(s.cfg.PlayerID); p != nil {
			name = p.Name
		}
	}
	return s.BuzzAs(ctx, s.cfg.PlayerID, name)
}

// BuzzAs claims the floor for an arbitrary player, e.g. a host pressing the
// button for someone in the room. The eligibility check and the winner write
// are one conditional update, so of several racing calls exactly one wins.
func (s *Session) BuzzAs(ctx context.Context, playerID, playerName string) (bool, error) {
	now := s.now()
	timeLeft, timed := s.timer.remaining()

	_, won, err := s.mutate(ctx, "buzz", func(room *models.Room) error {
		if !room.BuzzEligible() {
			return ErrPrecondition
		}
		w := &models.WinnerInfo{PlayerID: playerID, PlayerName: playerName, Timestamp: now}
		if timed {
			tl := timeLeft
			w.TimeLeft = &tl
		}
		room.Winner = w
		room.BuzzEnabled = false
		room.LastBuzzActivity = now
		return nil
	})
	if err != nil || !won {
		return false, err
	}

	log.Info().
		Str("room_code", s.cfg.RoomCode).
		Str("player_id", playerID).
		Msg("buzz accepted")

	// Ducks the music for everyone watching this session.
	s.publishLocal(bus.TopicBuzzAccepted, bus.WinnerPayload{PlayerID: playerID, PlayerName: playerName})
	return true, nil
}

// ResetBuzz clears the winner without re-enabling buzz. Host only; a room
// without a winner is left untouched.
func (s *Session) ResetBuzz(ctx context.Context) error {
	_, _, err := s.mutate(ctx, "reset buzz", s.hostOnly(func(room *models.Room) error {
		if room.Winner == nil {
			return errNoChange
		}
		room.Winner = nil
		room.LastBuzzActivity = s.now()
		return nil
	}))
	return err
}

// SubmitAnswer attaches a free-text answer to the local player's winning buzz.
func (s *Session) SubmitAnswer(ctx context.Context, answer string) error {
	_, _, err := s.mutate(ctx, "submit answer", func(room *models.Room) error {
		if room.Winner == nil || room.Winner.PlayerID != s.cfg.PlayerID {
			return ErrPrecondition
		}
		room.Winner.Answer = answer
		room.LastBuzzActivity = s.now()
		return nil
	})
	return err
}
