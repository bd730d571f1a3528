package models

import "time"

// Player is a participant in a room, keyed by a name-derived id.
type Player struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	IsHost         bool       `json:"is_host"`
	JoinedAt       time.Time  `json:"joined_at"`
	Points         int        `json:"points"`
	CurrentStreak  int        `json:"current_streak"`
	BestStreak     int        `json:"best_streak"`
	CorrectAnswers int        `json:"correct_answers"`
	WrongAnswers   int        `json:"wrong_answers"`
	LastAnswerTime *time.Time `json:"last_answer_time,omitempty"`
	Team           string     `json:"team,omitempty"`
}

// Clone returns a copy that does not share the answer timestamp.
func (p *Player) Clone() *Player {
	if p == nil {
		return nil
	}
	c := *p
	if p.LastAnswerTime != nil {
		t := *p.LastAnswerTime
		c.LastAnswerTime = &t
	}
	return &c
}
