package engine

import (
	"context"
	"errors"
	"time"

	"github.com/mcdev12/buzzroom/go/internal/models"
	"github.com/rs/zerolog/log"
)

// Verdict is the host's ruling on the current winner's answer.
type Verdict string

const (
	VerdictCorrect Verdict = "correct"
	VerdictWrong   Verdict = "wrong"
	VerdictSuper   Verdict = "super"
	VerdictReject  Verdict = "reject"
)

// ErrUnknownVerdict is returned by Judge for values outside the four verdicts.
var ErrUnknownVerdict = errors.New("unknown verdict")

func (v Verdict) Valid() bool {
	switch v {
	case VerdictCorrect, VerdictWrong, VerdictSuper, VerdictReject:
		return true
	}
	return false
}

// Apply updates the player's score and counters for the verdict.
func (v Verdict) Apply(p *models.Player, mode models.GameMode, now time.Time) {
	switch v {
	case VerdictCorrect:
		p.Points += mode.CorrectPoints()
		p.CurrentStreak++
		p.CorrectAnswers++
	case VerdictSuper:
		p.Points += models.SuperBonus
		p.CurrentStreak++
		p.CorrectAnswers++
	case VerdictWrong:
		p.Points -= mode.WrongPoints()
		if p.Points < 0 {
			p.Points = 0
		}
		p.CurrentStreak = 0
		p.WrongAnswers++
	default:
		return
	}
	if p.CurrentStreak > p.BestStreak {
		p.BestStreak = p.CurrentStreak
	}
	t := now
	p.LastAnswerTime = &t
}

// AwardCorrect credits the buzz winner with the mode's correct points. Host only.
func (s *Session) AwardCorrect(ctx context.Context) error {
	return s.judge(ctx, VerdictCorrect)
}

// AwardWrong deducts the mode's wrong points from the buzz winner. Host only.
func (s *Session) AwardWrong(ctx context.Context) error {
	return s.judge(ctx, VerdictWrong)
}

// AwardSuper credits the buzz winner with the fixed super bonus. Host only.
func (s *Session) AwardSuper(ctx context.Context) error {
	return s.judge(ctx, VerdictSuper)
}

// Reject resolves the round without touching the score.
func (s *Session) Reject(ctx context.Context) error {
	return s.judge(ctx, VerdictReject)
}

// Judge dispatches on a verdict value.
func (s *Session) Judge(ctx context.Context, v Verdict) error {
	if !v.Valid() {
		return ErrUnknownVerdict
	}
	return s.judge(ctx, v)
}

// judge scores the winner, clears the floor and disarms buzz in one write,
// so no observer sees an updated score next to a live winner.
func (s *Session) judge(ctx context.Context, v Verdict) error {
	var winner string
	_, ok, err := s.mutate(ctx, "verdict "+string(v), s.hostOnly(func(room *models.Room) error {
		if room.Winner == nil {
			return ErrPrecondition
		}
		winner = room.Winner.PlayerID
		now := s.now()
		if p := room.Player(winner); p != nil {
			v.Apply(p, room.Mode, now)
		}
		room.Winner = nil
		room.BuzzEnabled = false
		room.LastBuzzActivity = now
		return nil
	}))
	if err != nil || !ok {
		return err
	}

	log.Info().
		Str("room_code", s.cfg.RoomCode).
		Str("player_id", winner).
		Str("verdict", string(v)).
		Msg("verdict applied")
	return nil
}

// Leaderboard orders the room's players by points, then name.
func Leaderboard(room *models.Room) []*models.Player {
	if room == nil {
		return nil
	}
	return room.SortedPlayers()
}
