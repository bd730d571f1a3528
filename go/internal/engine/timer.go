package engine

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/buzzroom/go/internal/models"
	"github.com/rs/zerolog/log"
)

// timerTracker counts the replicated game timer down locally. When it runs
// out on the host's session the host stops the timer in the store.
type timerTracker struct {
	s *Session

	mu        sync.Mutex
	startedAt time.Time
	total     float64
	left      float64
	ticker    clockwork.Ticker
	stopCh    chan struct{}
}

func newTimerTracker(s *Session) *timerTracker {
	return &timerTracker{s: s}
}

// sync aligns the local countdown with the store record. A record that is
// already being tracked is left alone so ticks are not reset by unrelated writes.
func (t *timerTracker) sync(ctx context.Context, gt models.GameTimer) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !gt.Active {
		t.stopLocked()
		t.left = 0
		t.total = 0
		t.startedAt = time.Time{}
		return
	}
	if t.startedAt.Equal(gt.StartedAt) && t.total == gt.TotalTime {
		return
	}

	t.stopLocked()
	t.startedAt = gt.StartedAt
	t.total = gt.TotalTime
	t.left = gt.TimeLeft

	ticker := t.s.clock.NewTicker(t.s.cfg.TimerTick)
	stop := make(chan struct{})
	t.ticker = ticker
	t.stopCh = stop
	go t.run(ctx, ticker, stop)
}

func (t *timerTracker) run(ctx context.Context, ticker clockwork.Ticker, stop chan struct{}) {
	step := t.s.cfg.TimerTick.Seconds()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			t.mu.Lock()
			if t.stopCh != stop {
				t.mu.Unlock()
				return
			}
			t.left = math.Max(0, math.Round((t.left-step)*1000)/1000)
			expired := t.left == 0
			if expired {
				t.stopLocked()
			}
			t.mu.Unlock()

			if !expired {
				continue
			}
			log.Debug().Str("room_code", t.s.cfg.RoomCode).Msg("game timer ran out")
			if t.s.IsHost() {
				if err := t.s.StopTimer(ctx); err != nil {
					log.Error().Err(err).Str("room_code", t.s.cfg.RoomCode).Msg("failed to stop expired timer")
				}
			}
			return
		}
	}
}

// remaining reports the locally tracked seconds left while the timer runs.
func (t *timerTracker) remaining() (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.total == 0 {
		return 0, false
	}
	return t.left, true
}

func (t *timerTracker) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

func (t *timerTracker) stopLocked() {
	if t.stopCh != nil {
		close(t.stopCh)
		t.ticker.Stop()
		t.stopCh = nil
		t.ticker = nil
	}
}

// TimeLeft is the locally tracked remaining time of the game timer.
func (s *Session) TimeLeft() (float64, bool) {
	return s.timer.remaining()
}
