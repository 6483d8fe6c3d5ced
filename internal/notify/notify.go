// Package notify delivers notifications over the native (out-of-app) channel.
//
// The in-app alert queue always shows alerts; this channel is additive and
// gated by the permission coordinator. Delivery is best-effort: a failed send
// is logged, never surfaced as a hard error to the event pipeline.
package notify

import (
	"context"
	"time"
)

// Notification is one native-channel message.
type Notification struct {
	Title    string
	Body     string
	Category string
	Priority string
	// Tag collapses repeated notifications for the same logical subject.
	Tag string
	// RequireInteraction keeps the notification visible until acted upon,
	// on channels that support it.
	RequireInteraction bool
}

// Sender is one concrete native channel.
type Sender interface {
	Send(ctx context.Context, n Notification) error
	Close() error
}

// Config is the channel-independent part.
type Config struct {
	Enabled     bool
	RatePerSec  int
	SendTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
}

// NopSender swallows everything (channel disabled or unsupported).
type NopSender struct{}

func (NopSender) Send(ctx context.Context, n Notification) error { return nil }
func (NopSender) Close() error                                   { return nil }
