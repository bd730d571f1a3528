package models

// GameModeType identifies a game mode.
type GameModeType string

const (
	GameModeClassic  GameModeType = "classic"
	GameModeSpeed    GameModeType = "speed"
	GameModeMarathon GameModeType = "marathon"
	GameModeTeams    GameModeType = "teams"
)

const (
	DefaultPointsCorrect = 10
	DefaultPointsWrong   = 5
	SuperBonus           = 20
)

// GameModeSettings holds the scoring and pacing knobs of a mode.
type GameModeSettings struct {
	TimeLimit     int  `json:"time_limit,omitempty" yaml:"time_limit"`
	AutoNext      bool `json:"auto_next,omitempty" yaml:"auto_next"`
	TeamsEnabled  bool `json:"teams_enabled,omitempty" yaml:"teams_enabled"`
	PointsCorrect int  `json:"points_correct" yaml:"points_correct"`
	PointsWrong   int  `json:"points_wrong" yaml:"points_wrong"`
}

// GameMode is selected by the host and applies until changed.
type GameMode struct {
	Type        GameModeType     `json:"type" yaml:"type"`
	Name        string           `json:"name" yaml:"name"`
	Description string           `json:"description,omitempty" yaml:"description"`
	Settings    GameModeSettings `json:"settings" yaml:"settings"`
}

// CorrectPoints falls back to DefaultPointsCorrect when unset.
func (m GameMode) CorrectPoints() int {
	if m.Settings.PointsCorrect <= 0 {
		return DefaultPointsCorrect
	}
	return m.Settings.PointsCorrect
}

// WrongPoints falls back to DefaultPointsWrong when unset.
func (m GameMode) WrongPoints() int {
	if m.Settings.PointsWrong <= 0 {
		return DefaultPointsWrong
	}
	return m.Settings.PointsWrong
}

// DefaultGameModes is the built-in catalog.
func DefaultGameModes() []GameMode {
	return []GameMode{
		ClassicMode(),
		{
			Type:        GameModeSpeed,
			Name:        "Speed",
			Description: "20 seconds per song, higher stakes",
			Settings:    GameModeSettings{TimeLimit: 20, PointsCorrect: 15, PointsWrong: 5},
		},
		{
			Type:        GameModeMarathon,
			Name:        "Marathon",
			Description: "Songs roll on automatically",
			Settings:    GameModeSettings{AutoNext: true, PointsCorrect: 8, PointsWrong: 3},
		},
		{
			Type:        GameModeTeams,
			Name:        "Teams",
			Description: "Play in teams",
			Settings:    GameModeSettings{TeamsEnabled: true, PointsCorrect: 12, PointsWrong: 4},
		},
	}
}

// ClassicMode is the mode a new room starts in.
func ClassicMode() GameMode {
	return GameMode{
		Type:        GameModeClassic,
		Name:        "Classic",
		Description: "Guess the song, no time limit",
		Settings:    GameModeSettings{PointsCorrect: DefaultPointsCorrect, PointsWrong: DefaultPointsWrong},
	}
}
