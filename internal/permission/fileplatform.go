package permission

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"marketpulse/pkg/logx"
)

// FilePlatform adapts the permission surface to a headless host. The live
// grant is a one-word state file the operator (or a desktop shim) controls:
// "granted", "denied", or anything else for default. Prompt drops a
// ".request" marker next to the state file and polls until the operator
// answers or the context expires.
type FilePlatform struct {
	path string
	log  logx.Logger

	pollEvery time.Duration
}

func NewFilePlatform(path string, log logx.Logger) *FilePlatform {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &FilePlatform{path: path, log: log, pollEvery: time.Second}
}

func (p *FilePlatform) Current() Grant {
	b, err := os.ReadFile(p.path)
	if err != nil {
		return GrantDefault
	}
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "granted":
		return GrantGranted
	case "denied":
		return GrantDenied
	default:
		return GrantDefault
	}
}

func (p *FilePlatform) Prompt(ctx context.Context) (Grant, error) {
	marker := p.path + ".request"
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return GrantDefault, err
	}
	if err := os.WriteFile(marker, []byte("notify\n"), 0o644); err != nil {
		return GrantDefault, err
	}
	defer os.Remove(marker)

	p.log.Info("notification permission requested; answer with 'granted' or 'denied'",
		logx.String("path", p.path))

	t := time.NewTicker(p.pollEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			// Unanswered prompt stays default so a later run may ask again.
			return GrantDefault, nil
		case <-t.C:
			if g := p.Current(); g != GrantDefault {
				return g, nil
			}
		}
	}
}
