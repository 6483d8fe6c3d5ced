// Package audio synthesizes short per-category tone sequences.
//
// Playback is gated: the engine stays silent until Unlock is called with a
// fresh user-gesture token, mirroring platform autoplay policy. Every failure
// path is a logged no-op; Play never returns an error to its caller.
package audio

import (
	"context"
	"sync"
	"time"

	"marketpulse/internal/router"
	"marketpulse/pkg/logx"
)

// Config is the engine's runtime surface. Changes take effect on the next
// Play call, never retroactively.
type Config struct {
	Enabled   bool
	Volume    float64 // 0..1
	Vibration bool
}

// Gesture proves Unlock was invoked from a direct user interaction. The input
// layer mints one at the moment of the interaction; a stale or zero token is
// rejected.
type Gesture struct {
	At     time.Time
	Source string // e.g. "keypress", "click"
}

// gestureMaxAge bounds how long after the interaction Unlock still counts as
// gesture-driven.
const gestureMaxAge = 5 * time.Second

func (g Gesture) valid(now time.Time) bool {
	if g.At.IsZero() {
		return false
	}
	age := now.Sub(g.At)
	return age >= 0 && age <= gestureMaxAge
}

// ContextState mirrors the output context's lifecycle.
type ContextState int

const (
	ContextRunning ContextState = iota
	ContextSuspended
	ContextClosed
)

// OutputContext is one live audio output. A platform may report it suspended;
// the engine attempts one Resume before scheduling tones.
type OutputContext interface {
	State() ContextState
	Resume(ctx context.Context) error
	ScheduleTone(t Tone) error
	Close() error
}

// Device creates output contexts. A nil Device means audio is unsupported on
// this platform (capability probe).
type Device interface {
	NewContext() (OutputContext, error)
}

// Vibrator is the optional haptic channel.
type Vibrator interface {
	Vibrate(pattern []time.Duration) error
}

const resumeTimeout = 2 * time.Second

// Engine holds one lazily created output context, reused across plays.
// Safe for concurrent use; Unlock and Play serialize on the engine mutex so a
// play can never start against a context whose resume is still pending.
type Engine struct {
	log      logx.Logger
	device   Device
	vibrator Vibrator

	mu       sync.Mutex
	cfg      Config
	unlocked bool
	octx     OutputContext

	now func() time.Time // test hook
}

func NewEngine(cfg Config, device Device, vibrator Vibrator, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Volume <= 0 {
		cfg.Volume = 0.7
	}
	return &Engine{log: log, device: device, vibrator: vibrator, cfg: cfg, now: time.Now}
}

// Apply updates the configuration surface; the next Play sees it.
func (e *Engine) Apply(cfg Config) {
	if cfg.Volume < 0 {
		cfg.Volume = 0
	}
	if cfg.Volume > 1 {
		cfg.Volume = 1
	}
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

// Unlocked reports whether a gesture has unlocked playback.
func (e *Engine) Unlocked() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unlocked
}

// Unlock enables playback. It must be driven by a direct user gesture; called
// with a stale or zero token it is a logged no-op. Returns whether the engine
// is unlocked afterwards. Idempotent once unlocked.
func (e *Engine) Unlock(g Gesture) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.unlocked {
		return true
	}
	if !g.valid(e.now()) {
		e.log.Debug("audio unlock ignored: no user gesture", logx.String("source", g.Source))
		return false
	}
	if e.device == nil {
		e.log.Debug("audio unlock ignored: no output device")
		return false
	}
	octx, err := e.device.NewContext()
	if err != nil {
		e.log.Warn("audio context creation failed", logx.Err(err))
		return false
	}
	e.octx = octx
	e.unlocked = true
	e.log.Info("audio unlocked", logx.String("source", g.Source))
	return true
}

// Play schedules the tone sequence for category. Before unlock, with audio
// disabled, or on any output failure it is a silent no-op (logged).
func (e *Engine) Play(category router.Category) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg := e.cfg
	if !cfg.Enabled {
		return
	}
	if !e.unlocked || e.octx == nil {
		e.log.Debug("audio play skipped: not unlocked", logx.String("category", string(category)))
		return
	}

	if e.octx.State() == ContextSuspended {
		ctx, cancel := context.WithTimeout(context.Background(), resumeTimeout)
		err := e.octx.Resume(ctx)
		cancel()
		if err != nil {
			e.log.Warn("audio context resume failed", logx.Err(err))
			return
		}
	}
	if e.octx.State() == ContextClosed {
		e.log.Warn("audio context closed, dropping play", logx.String("category", string(category)))
		return
	}

	for _, tone := range Pattern(category, cfg.Volume) {
		if err := e.octx.ScheduleTone(tone); err != nil {
			e.log.Warn("tone scheduling failed", logx.Err(err), logx.String("category", string(category)))
			return
		}
	}

	if cfg.Vibration && e.vibrator != nil {
		if err := e.vibrator.Vibrate(vibrationPattern(category)); err != nil {
			e.log.Debug("vibration failed", logx.Err(err))
		}
	}
}

// Close releases the output context.
func (e *Engine) Close() {
	e.mu.Lock()
	octx := e.octx
	e.octx = nil
	e.unlocked = false
	e.mu.Unlock()
	if octx != nil {
		_ = octx.Close()
	}
}
