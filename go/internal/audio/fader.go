package audio

import (
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// BackgroundPlayer is the ambient music output a Fader drives.
type BackgroundPlayer interface {
	SetVolume(v float64)
	Play()
	Pause()
}

// Direction of a fade.
type Direction int

const (
	DirectionNone Direction = iota
	DirectionOut
	DirectionIn
)

func (d Direction) String() string {
	switch d {
	case DirectionOut:
		return "out"
	case DirectionIn:
		return "in"
	default:
		return "none"
	}
}

type FaderConfig struct {
	StepInterval time.Duration
	OutStep      float64
	InStep       float64
	// Floor is the volume at which a fade-out pauses the output.
	Floor  float64
	Target float64
	// Settle delays a fade-in after playback pauses or ends.
	Settle time.Duration
}

func DefaultFaderConfig() FaderConfig {
	return FaderConfig{
		StepInterval: 50 * time.Millisecond,
		OutStep:      0.1,
		InStep:       0.05,
		Floor:        0.05,
		Target:       0.3,
		Settle:       time.Second,
	}
}

type fade struct {
	dir  Direction
	stop chan struct{}
	done chan struct{}
}

// Fader ducks and restores background music in bounded volume steps. A new
// fade direction cancels the one in flight; repeating the current direction
// is a no-op.
type Fader struct {
	clock clockwork.Clock
	out   BackgroundPlayer
	cfg   FaderConfig

	opMu sync.Mutex

	mu      sync.Mutex
	volume  float64
	playing bool
	current *fade
}

// NewFader assumes the output is already playing at the target volume.
func NewFader(clock clockwork.Clock, out BackgroundPlayer, cfg FaderConfig) *Fader {
	return &Fader{
		clock:   clock,
		out:     out,
		cfg:     cfg,
		volume:  cfg.Target,
		playing: true,
	}
}

func (f *Fader) Volume() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.volume
}

func (f *Fader) Playing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.playing
}

// Direction is the fade in flight, if any.
func (f *Fader) Direction() Direction {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return DirectionNone
	}
	return f.current.dir
}

// FadeOut lowers the volume step by step and pauses the output at the floor.
func (f *Fader) FadeOut() {
	f.start(DirectionOut)
}

// FadeIn waits for the settle delay, then raises the volume to the target.
func (f *Fader) FadeIn() {
	f.start(DirectionIn)
}

// Reset cancels any fade deterministically and leaves the volume where it is.
func (f *Fader) Reset() {
	f.opMu.Lock()
	defer f.opMu.Unlock()
	f.cancelCurrent()
}

func (f *Fader) start(dir Direction) {
	f.opMu.Lock()
	defer f.opMu.Unlock()

	f.mu.Lock()
	if f.current != nil && f.current.dir == dir {
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	f.cancelCurrent()

	f.mu.Lock()
	if dir == DirectionOut && !f.playing {
		f.mu.Unlock()
		return
	}
	if dir == DirectionIn && f.playing && f.volume >= f.cfg.Target {
		f.mu.Unlock()
		return
	}
	fd := &fade{dir: dir, stop: make(chan struct{}), done: make(chan struct{})}
	f.current = fd
	f.mu.Unlock()

	log.Debug().Str("direction", dir.String()).Msg("background fade started")

	switch dir {
	case DirectionOut:
		go f.runOut(fd)
	case DirectionIn:
		go f.runIn(fd)
	}
}

// cancelCurrent must be called with opMu held.
func (f *Fader) cancelCurrent() {
	f.mu.Lock()
	fd := f.current
	f.mu.Unlock()
	if fd == nil {
		return
	}
	close(fd.stop)
	<-fd.done
}

func (f *Fader) finish(fd *fade) {
	f.mu.Lock()
	if f.current == fd {
		f.current = nil
	}
	f.mu.Unlock()
	close(fd.done)
}

func (f *Fader) runOut(fd *fade) {
	defer f.finish(fd)

	ticker := f.clock.NewTicker(f.cfg.StepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-fd.stop:
			return
		case <-ticker.Chan():
			f.mu.Lock()
			f.volume = math.Max(0, round(f.volume-f.cfg.OutStep))
			v := f.volume
			f.mu.Unlock()
			f.out.SetVolume(v)

			if v <= f.cfg.Floor {
				f.out.Pause()
				// Restore the level so the next fade-in has a known target.
				f.out.SetVolume(f.cfg.Target)
				f.mu.Lock()
				f.playing = false
				f.volume = 0
				f.mu.Unlock()
				return
			}
		}
	}
}

func (f *Fader) runIn(fd *fade) {
	defer f.finish(fd)

	settle := f.clock.NewTimer(f.cfg.Settle)
	select {
	case <-fd.stop:
		if !settle.Stop() {
			select {
			case <-settle.Chan():
			default:
			}
		}
		return
	case <-settle.Chan():
	}

	f.mu.Lock()
	if !f.playing {
		f.volume = 0
		f.playing = true
		f.mu.Unlock()
		f.out.SetVolume(0)
		f.out.Play()
	} else {
		f.mu.Unlock()
	}

	ticker := f.clock.NewTicker(f.cfg.StepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-fd.stop:
			return
		case <-ticker.Chan():
			f.mu.Lock()
			f.volume = math.Min(f.cfg.Target, round(f.volume+f.cfg.InStep))
			v := f.volume
			f.mu.Unlock()
			f.out.SetVolume(v)
			if v >= f.cfg.Target {
				return
			}
		}
	}
}

func round(v float64) float64 {
	return math.Round(v*1000) / 1000
}
