// Package storetest holds the behaviour every store backend must share.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mcdev12/buzzroom/go/internal/models"
	"github.com/mcdev12/buzzroom/go/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh store. Codes used by the suite are unique per call
// so backends may share one server between subtests.
type Factory func(t *testing.T) store.Store

var errAbort = errors.New("abort")

// NewRoom builds a minimal room document with one host player.
func NewRoom(code string) *models.Room {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &models.Room{
		Code:             code,
		HostID:           "alice_000001",
		HostName:         "Alice",
		CreatedAt:        now,
		LastBuzzActivity: now,
		Mode:             models.ClassicMode(),
		Players: map[string]*models.Player{
			"alice_000001": {ID: "alice_000001", Name: "Alice", IsHost: true, JoinedAt: now},
		},
	}
}

var seq int
var seqMu sync.Mutex

func nextCode(prefix string) string {
	seqMu.Lock()
	defer seqMu.Unlock()
	seq++
	return fmt.Sprintf("%s%d%d", prefix, time.Now().UnixNano()%100000, seq)
}

// Run executes the shared contract against the backend produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		code := nextCode("cg")

		require.NoError(t, s.Create(ctx, NewRoom(code)))

		got, err := s.Get(ctx, code)
		require.NoError(t, err)
		assert.Equal(t, code, got.Code)
		assert.Equal(t, "Alice", got.Players["alice_000001"].Name)
		assert.True(t, got.Players["alice_000001"].IsHost)

		ok, err := s.Exists(ctx, code)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		code := nextCode("cd")

		require.NoError(t, s.Create(ctx, NewRoom(code)))
		assert.ErrorIs(t, s.Create(ctx, NewRoom(code)), store.ErrExists)
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		code := nextCode("gm")

		_, err := s.Get(context.Background(), code)
		assert.ErrorIs(t, err, store.ErrNotFound)

		ok, err := s.Exists(context.Background(), code)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Update(context.Background(), nextCode("um"), func(r *models.Room) error {
			r.BuzzEnabled = true
			return nil
		})
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("UpdateAppliesAllFieldsAtOnce", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		code := nextCode("ua")
		require.NoError(t, s.Create(ctx, NewRoom(code)))

		updated, err := s.Update(ctx, code, func(r *models.Room) error {
			r.BuzzEnabled = false
			r.Winner = &models.WinnerInfo{PlayerID: "alice_000001", PlayerName: "Alice"}
			r.Players["alice_000001"].Points = 10
			return nil
		})
		require.NoError(t, err)
		require.NotNil(t, updated.Winner)

		got, err := s.Get(ctx, code)
		require.NoError(t, err)
		require.NotNil(t, got.Winner)
		assert.Equal(t, "alice_000001", got.Winner.PlayerID)
		assert.Equal(t, 10, got.Players["alice_000001"].Points)
	})

	t.Run("UpdateAbortWritesNothing", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		code := nextCode("uw")
		require.NoError(t, s.Create(ctx, NewRoom(code)))

		_, err := s.Update(ctx, code, func(r *models.Room) error {
			r.BuzzEnabled = true
			return errAbort
		})
		assert.ErrorIs(t, err, errAbort)

		got, err := s.Get(ctx, code)
		require.NoError(t, err)
		assert.False(t, got.BuzzEnabled)
	})

	t.Run("DeleteIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		code := nextCode("dl")
		require.NoError(t, s.Create(ctx, NewRoom(code)))

		require.NoError(t, s.Delete(ctx, code))
		require.NoError(t, s.Delete(ctx, code))
		require.NoError(t, s.Delete(ctx, nextCode("dn")))

		_, err := s.Get(ctx, code)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("ConcurrentUpdatesDoNotLoseWrites", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		code := nextCode("cc")
		require.NoError(t, s.Create(ctx, NewRoom(code)))

		const writers = 8
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Update(ctx, code, func(r *models.Room) error {
					r.Players["alice_000001"].Points++
					return nil
				})
				if err != nil {
					errs <- err
				}
			}()
		}
		wg.Wait()
		close(errs)

		var conflicts int
		for err := range errs {
			require.ErrorIs(t, err, store.ErrConflict)
			conflicts++
		}

		got, err := s.Get(ctx, code)
		require.NoError(t, err)
		assert.Equal(t, writers-conflicts, got.Players["alice_000001"].Points)
	})

	t.Run("SingleWinnerUnderRace", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		code := nextCode("sw")
		room := NewRoom(code)
		room.BuzzEnabled = true
		require.NoError(t, s.Create(ctx, room))

		const buzzers = 8
		var wg sync.WaitGroup
		var mu sync.Mutex
		winners := 0
		for i := 0; i < buzzers; i++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, err := s.Update(ctx, code, func(r *models.Room) error {
					if !r.BuzzEligible() {
						return errAbort
					}
					r.Winner = &models.WinnerInfo{PlayerID: id, PlayerName: id}
					r.BuzzEnabled = false
					return nil
				})
				if err == nil {
					mu.Lock()
					winners++
					mu.Unlock()
				}
			}(fmt.Sprintf("p%d", i))
		}
		wg.Wait()

		assert.Equal(t, 1, winners)
		got, err := s.Get(ctx, code)
		require.NoError(t, err)
		require.NotNil(t, got.Winner)
		assert.False(t, got.BuzzEnabled)
	})

	t.Run("WatchSeesEveryCommit", func(t *testing.T) {
		s := newStore(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		code := nextCode("wa")
		require.NoError(t, s.Create(ctx, NewRoom(code)))

		changes, err := s.Watch(ctx, code)
		require.NoError(t, err)

		first := next(t, changes)
		require.False(t, first.Deleted)
		assert.Equal(t, code, first.Room.Code)

		for v := 3; v >= 0; v-- {
			value := v
			_, err := s.Update(ctx, code, func(r *models.Room) error {
				r.Countdown = models.CountdownState{Active: value > 0, Value: value}
				return nil
			})
			require.NoError(t, err)
		}

		var seen []int
		last := first.Revision
		for len(seen) < 4 {
			c := next(t, changes)
			require.False(t, c.Deleted)
			assert.Greater(t, c.Revision, last)
			last = c.Revision
			seen = append(seen, c.Room.Countdown.Value)
		}
		assert.Equal(t, []int{3, 2, 1, 0}, seen)

		require.NoError(t, s.Delete(ctx, code))
		assert.True(t, next(t, changes).Deleted)
	})

	t.Run("WatchMissingRoom", func(t *testing.T) {
		s := newStore(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		changes, err := s.Watch(ctx, nextCode("wm"))
		require.NoError(t, err)
		assert.True(t, next(t, changes).Deleted)
	})

	t.Run("WatchClosesOnCancel", func(t *testing.T) {
		s := newStore(t)
		ctx, cancel := context.WithCancel(context.Background())
		code := nextCode("wc")
		require.NoError(t, s.Create(ctx, NewRoom(code)))

		changes, err := s.Watch(ctx, code)
		require.NoError(t, err)
		next(t, changes)
		cancel()

		require.Eventually(t, func() bool {
			select {
			case _, ok := <-changes:
				return !ok
			default:
				return false
			}
		}, 5*time.Second, 10*time.Millisecond)
	})
}

func next(t *testing.T, ch <-chan store.Change) store.Change {
	t.Helper()
	select {
	case c, ok := <-ch:
		require.True(t, ok, "watch channel closed")
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for change")
		return store.Change{}
	}
}
