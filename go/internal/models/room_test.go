package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomPhase(t *testing.T) {
	r := &Room{}
	assert.Equal(t, PhaseIdle, r.Phase())

	r.BuzzEnabled = true
	assert.Equal(t, PhaseArmed, r.Phase())
	assert.True(t, r.BuzzEligible())

	r.Countdown.Active = true
	assert.Equal(t, PhaseArmed, r.Phase())
	assert.False(t, r.BuzzEligible(), "countdown gates buzz regardless of the flag")

	r.Countdown.Active = false
	r.BuzzEnabled = false
	r.Winner = &WinnerInfo{PlayerID: "bob_123456"}
	assert.Equal(t, PhaseAwaitingVerdict, r.Phase())
	assert.False(t, r.BuzzEligible())
}

func TestRoomExpired(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r := &Room{CreatedAt: created}
	timeout := 3 * time.Hour

	assert.False(t, r.Expired(created.Add(time.Hour), timeout))
	assert.True(t, r.Expired(created.Add(4*time.Hour), timeout))

	r.LastBuzzActivity = created.Add(2 * time.Hour)
	assert.False(t, r.Expired(created.Add(4*time.Hour), timeout))

	r.Players = map[string]*Player{"a": {ID: "a"}}
	assert.False(t, r.Expired(created.Add(24*time.Hour), timeout), "rooms with players never expire")
}

func TestFindPlayerByName(t *testing.T) {
	r := &Room{Players: map[string]*Player{
		"alice_000001": {ID: "alice_000001", Name: "Alice"},
	}}

	p := r.FindPlayerByName("  aLiCe ")
	require.NotNil(t, p)
	assert.Equal(t, "alice_000001", p.ID)
	assert.Nil(t, r.FindPlayerByName("Alicia"))
}

func TestRoomCloneIsDeep(t *testing.T) {
	now := time.Now()
	left := 12.5
	r := &Room{
		Winner:      &WinnerInfo{PlayerID: "bob", TimeLeft: &left},
		Countdown:   CountdownState{Active: true, Value: 3, StartTime: &now},
		PlayedSongs: []string{"a"},
		Players:     map[string]*Player{"bob": {ID: "bob", Points: 5}},
		Source:      &AudioSource{PlayerID: "alice"},
	}

	c := r.Clone()
	c.Winner.PlayerID = "carol"
	*c.Winner.TimeLeft = 1
	c.PlayedSongs[0] = "b"
	c.Players["bob"].Points = 50
	c.Source.PlayerID = "dave"

	assert.Equal(t, "bob", r.Winner.PlayerID)
	assert.Equal(t, 12.5, *r.Winner.TimeLeft)
	assert.Equal(t, "a", r.PlayedSongs[0])
	assert.Equal(t, 5, r.Players["bob"].Points)
	assert.Equal(t, "alice", r.Source.PlayerID)
}

func TestGameModePointDefaults(t *testing.T) {
	var m GameMode
	assert.Equal(t, DefaultPointsCorrect, m.CorrectPoints())
	assert.Equal(t, DefaultPointsWrong, m.WrongPoints())

	modes := DefaultGameModes()
	require.Len(t, modes, 4)
	assert.Equal(t, 15, modes[1].CorrectPoints())
	assert.Equal(t, 20, modes[1].Settings.TimeLimit)
}

func TestSortedPlayers(t *testing.T) {
	r := &Room{Players: map[string]*Player{
		"a": {ID: "a", Name: "Zed", Points: 10},
		"b": {ID: "b", Name: "Amy", Points: 10},
		"c": {ID: "c", Name: "Bob", Points: 20},
	}}
	got := r.SortedPlayers()
	require.Len(t, got, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{got[0].ID, got[1].ID, got[2].ID})
}
