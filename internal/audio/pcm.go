package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"sync"
)

// PCMDevice renders tones as signed 16-bit little-endian mono PCM into an
// io.Writer (typically a pipe into the platform's audio sink). It is the one
// concrete Device shipped with the daemon.
type PCMDevice struct {
	w          io.Writer
	sampleRate int
}

func NewPCMDevice(w io.Writer, sampleRate int) *PCMDevice {
	if sampleRate <= 0 {
		sampleRate = 22050
	}
	return &PCMDevice{w: w, sampleRate: sampleRate}
}

func (d *PCMDevice) NewContext() (OutputContext, error) {
	if d.w == nil {
		return nil, errors.New("audio: pcm writer is nil")
	}
	return &pcmContext{w: d.w, sampleRate: d.sampleRate}, nil
}

type pcmContext struct {
	mu         sync.Mutex
	w          io.Writer
	sampleRate int
	closed     bool
}

func (c *pcmContext) State() ContextState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ContextClosed
	}
	return ContextRunning
}

func (c *pcmContext) Resume(ctx context.Context) error {
	// PCM pipes have no suspended state; resume is trivially successful.
	return ctx.Err()
}

// ScheduleTone renders the burst synchronously: a linear frequency sweep with
// a 10% attack / 20% release envelope, followed by the burst's gap as silence.
func (c *pcmContext) ScheduleTone(t Tone) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("audio: context closed")
	}

	n := int(float64(c.sampleRate) * t.Duration.Seconds())
	if n <= 0 {
		return nil
	}
	buf := make([]byte, 0, (n+gapSamples(c.sampleRate, t))*2)

	phase := 0.0
	for i := 0; i < n; i++ {
		pos := float64(i) / float64(n)
		hz := t.StartHz + (t.EndHz-t.StartHz)*pos
		phase += 2 * math.Pi * hz / float64(c.sampleRate)
		s := math.Sin(phase) * envelope(pos) * t.Volume
		buf = binary.LittleEndian.AppendUint16(buf, uint16(int16(s*math.MaxInt16)))
	}
	for i := 0; i < gapSamples(c.sampleRate, t); i++ {
		buf = binary.LittleEndian.AppendUint16(buf, 0)
	}

	_, err := c.w.Write(buf)
	return err
}

func (c *pcmContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if closer, ok := c.w.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func gapSamples(rate int, t Tone) int {
	return int(float64(rate) * t.Gap.Seconds())
}

// envelope shapes the burst: linear attack over the first 10%, linear release
// over the last 20%.
func envelope(pos float64) float64 {
	const attack, release = 0.1, 0.2
	switch {
	case pos < attack:
		return pos / attack
	case pos > 1-release:
		return (1 - pos) / release
	default:
		return 1
	}
}
