package room

import (
	"math/rand/v2"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// GenerateRoomCode returns a uniformly random 4-digit code in [1000, 9999].
func GenerateRoomCode() string {
	return strconv.Itoa(1000 + rand.IntN(9000))
}

// NewPlayerID derives an id from the display name and the join time:
// lowercased name with whitespace replaced by underscores, then the last
// six digits of the epoch milliseconds.
func NewPlayerID(name string, at time.Time) string {
	base := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return '_'
		}
		return r
	}, strings.ToLower(strings.TrimSpace(name)))

	ms := strconv.FormatInt(at.UnixMilli(), 10)
	if len(ms) > 6 {
		ms = ms[len(ms)-6:]
	}
	return base + "_" + ms
}
