package audio

import (
	"time"

	"marketpulse/internal/router"
)

// Tone is one scheduled burst: a frequency sweep with a short envelope.
type Tone struct {
	StartHz  float64
	EndHz    float64
	Duration time.Duration
	// Gap is the silence after the burst before the next one.
	Gap time.Duration
	// Volume 0..1, already scaled by the engine's configured volume.
	Volume float64
}

// pattern is the fixed tone sequence for one category.
type pattern struct {
	bursts []Tone
	repeat int
	// vibration pattern, alternating on/off, used when vibration is enabled
	// and the platform exposes a vibrator.
	vibration []time.Duration
}

// patterns is the fixed lookup table. Tone shapes are deterministic and
// independent of event content so behavior is reproducible.
var patterns = map[router.Category]pattern{
	router.CategoryNewOrder: {
		bursts: []Tone{
			{StartHz: 880, EndHz: 1320, Duration: 120 * time.Millisecond, Gap: 80 * time.Millisecond},
			{StartHz: 1320, EndHz: 1760, Duration: 160 * time.Millisecond},
		},
		repeat:    2,
		vibration: []time.Duration{200 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond},
	},
	router.CategoryOrderAssigned: {
		bursts: []Tone{
			{StartHz: 660, EndHz: 990, Duration: 150 * time.Millisecond, Gap: 100 * time.Millisecond},
			{StartHz: 990, EndHz: 660, Duration: 150 * time.Millisecond},
		},
		repeat:    1,
		vibration: []time.Duration{300 * time.Millisecond},
	},
	router.CategoryOrderReady: {
		bursts: []Tone{
			{StartHz: 1047, EndHz: 1047, Duration: 100 * time.Millisecond, Gap: 60 * time.Millisecond},
			{StartHz: 1319, EndHz: 1319, Duration: 100 * time.Millisecond, Gap: 60 * time.Millisecond},
			{StartHz: 1568, EndHz: 1568, Duration: 140 * time.Millisecond},
		},
		repeat:    1,
		vibration: []time.Duration{150 * time.Millisecond, 80 * time.Millisecond, 150 * time.Millisecond},
	},
	router.CategoryOrderDelivered: {
		bursts: []Tone{
			{StartHz: 784, EndHz: 523, Duration: 200 * time.Millisecond},
		},
		repeat:    1,
		vibration: []time.Duration{120 * time.Millisecond},
	},
	router.CategoryNewProduct: {
		bursts: []Tone{
			{StartHz: 523, EndHz: 784, Duration: 120 * time.Millisecond},
		},
		repeat:    1,
		vibration: []time.Duration{100 * time.Millisecond},
	},
	router.CategoryGeneral: {
		bursts: []Tone{
			{StartHz: 440, EndHz: 440, Duration: 100 * time.Millisecond},
		},
		repeat:    1,
		vibration: []time.Duration{80 * time.Millisecond},
	},
	router.CategoryCritical: {
		bursts: []Tone{
			{StartHz: 988, EndHz: 740, Duration: 180 * time.Millisecond, Gap: 60 * time.Millisecond},
			{StartHz: 988, EndHz: 740, Duration: 180 * time.Millisecond},
		},
		repeat:    3,
		vibration: []time.Duration{400 * time.Millisecond, 150 * time.Millisecond, 400 * time.Millisecond, 150 * time.Millisecond, 400 * time.Millisecond},
	},
}

// Pattern returns the tone sequence for category, expanded over its repeat
// count and scaled by volume. Unknown categories map to GENERAL.
func Pattern(category router.Category, volume float64) []Tone {
	p, ok := patterns[category]
	if !ok {
		p = patterns[router.CategoryGeneral]
	}
	if volume < 0 {
		volume = 0
	}
	if volume > 1 {
		volume = 1
	}
	out := make([]Tone, 0, len(p.bursts)*p.repeat)
	for r := 0; r < p.repeat; r++ {
		for _, b := range p.bursts {
			b.Volume = volume
			out = append(out, b)
		}
	}
	return out
}

func vibrationPattern(category router.Category) []time.Duration {
	p, ok := patterns[category]
	if !ok {
		p = patterns[router.CategoryGeneral]
	}
	return p.vibration
}
