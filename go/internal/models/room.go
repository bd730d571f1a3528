package models

import (
	"sort"
	"strings"
	"time"
)

// Phase is the derived round phase of a room. It is never stored.
type Phase string

const (
	PhaseIdle            Phase = "IDLE"
	PhaseArmed           Phase = "ARMED"
	PhaseAwaitingVerdict Phase = "AWAITING_VERDICT"
)

// WinnerInfo records who currently holds the floor to answer.
type WinnerInfo struct {
	PlayerID   string    `json:"player_id"`
	PlayerName string    `json:"player_name"`
	Timestamp  time.Time `json:"timestamp"`
	Answer     string    `json:"answer,omitempty"`
	TimeLeft   *float64  `json:"time_left,omitempty"`
}

// CountdownState is the replicated 3-2-1 pre-roll.
type CountdownState struct {
	Active    bool       `json:"active"`
	Value     int        `json:"value"`
	StartTime *time.Time `json:"start_time,omitempty"`
}

// GameTimer is advisory: clients tick it down locally once synced.
type GameTimer struct {
	Active    bool      `json:"active"`
	TimeLeft  float64   `json:"time_left"`
	TotalTime float64   `json:"total_time"`
	StartedAt time.Time `json:"started_at"`
}

// PlaybackState is the replicated state of the main track.
type PlaybackState string

const (
	PlaybackIdle    PlaybackState = "IDLE"
	PlaybackPlaying PlaybackState = "PLAYING"
	PlaybackPaused  PlaybackState = "PAUSED"
	PlaybackEnded   PlaybackState = "ENDED"
)

// Playback is the store half of the audio lifecycle signals.
type Playback struct {
	State PlaybackState `json:"state"`
	Track string        `json:"track,omitempty"`
	At    time.Time     `json:"at"`
}

// AudioSource names the device currently relaying audio to the room.
type AudioSource struct {
	PlayerID  string    `json:"player_id"`
	SessionID string    `json:"session_id"`
	Since     time.Time `json:"since"`
}

// Room is the whole replicated document for one game session.
type Room struct {
	Code             string             `json:"code"`
	HostID           string             `json:"host_id"`
	HostName         string             `json:"host_name"`
	CreatedAt        time.Time          `json:"created_at"`
	LastBuzzActivity time.Time          `json:"last_buzz_activity"`
	BuzzEnabled      bool               `json:"buzz_enabled"`
	Winner           *WinnerInfo        `json:"winner_info,omitempty"`
	Countdown        CountdownState     `json:"countdown"`
	Timer            GameTimer          `json:"game_timer"`
	PlayedSongs      []string           `json:"played_songs,omitempty"`
	Mode             GameMode           `json:"game_mode"`
	Players          map[string]*Player `json:"players"`
	Playback         Playback           `json:"playback"`
	Source           *AudioSource       `json:"audio_source,omitempty"`
}

// Phase derives the round phase from the buzz flag and winner record.
func (r *Room) Phase() Phase {
	switch {
	case r.Winner != nil:
		return PhaseAwaitingVerdict
	case r.BuzzEnabled:
		return PhaseArmed
	default:
		return PhaseIdle
	}
}

// CountdownActive reports whether the pre-roll is running.
func (r *Room) CountdownActive() bool {
	return r.Countdown.Active
}

// BuzzEligible combines the buzz flag with the countdown gate and the winner lock.
func (r *Room) BuzzEligible() bool {
	return r.BuzzEnabled && !r.Countdown.Active && r.Winner == nil
}

// LastActivity falls back to the creation time for rooms that never saw a buzz.
func (r *Room) LastActivity() time.Time {
	if r.LastBuzzActivity.IsZero() {
		return r.CreatedAt
	}
	return r.LastBuzzActivity
}

// IsInactive reports whether the room has been idle longer than timeout.
func (r *Room) IsInactive(now time.Time, timeout time.Duration) bool {
	return now.Sub(r.LastActivity()) > timeout
}

// Expired is the deletion rule: nobody left and idle past the threshold.
func (r *Room) Expired(now time.Time, timeout time.Duration) bool {
	return len(r.Players) == 0 && r.IsInactive(now, timeout)
}

// Player returns the player with the given id, or nil.
func (r *Room) Player(id string) *Player {
	if r.Players == nil {
		return nil
	}
	return r.Players[id]
}

// FindPlayerByName matches on NormalizeName equality.
func (r *Room) FindPlayerByName(name string) *Player {
	want := NormalizeName(name)
	for _, p := range r.Players {
		if NormalizeName(p.Name) == want {
			return p
		}
	}
	return nil
}

// HasPlayedSong reports whether track was already recorded.
func (r *Room) HasPlayedSong(track string) bool {
	for _, s := range r.PlayedSongs {
		if s == track {
			return true
		}
	}
	return false
}

// SortedPlayers returns the players ordered by points, then name.
func (r *Room) SortedPlayers() []*Player {
	out := make([]*Player, 0, len(r.Players))
	for _, p := range r.Players {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Points != out[j].Points {
			return out[i].Points > out[j].Points
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Clone returns a deep copy so callers can mutate without aliasing store state.
func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	c := *r
	if r.Winner != nil {
		w := *r.Winner
		if r.Winner.TimeLeft != nil {
			tl := *r.Winner.TimeLeft
			w.TimeLeft = &tl
		}
		c.Winner = &w
	}
	if r.Countdown.StartTime != nil {
		st := *r.Countdown.StartTime
		c.Countdown.StartTime = &st
	}
	if r.PlayedSongs != nil {
		c.PlayedSongs = append([]string(nil), r.PlayedSongs...)
	}
	if r.Players != nil {
		c.Players = make(map[string]*Player, len(r.Players))
		for id, p := range r.Players {
			c.Players[id] = p.Clone()
		}
	}
	if r.Source != nil {
		s := *r.Source
		c.Source = &s
	}
	return &c
}

// NormalizeName is the single rule used to match a rejoining player: trim, then casefold.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
