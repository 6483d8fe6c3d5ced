package permission

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"marketpulse/internal/storage"
	"marketpulse/pkg/logx"
)

// fakePlatform scripts the live permission and prompt behavior.
type fakePlatform struct {
	mu      sync.Mutex
	current Grant
	answer  Grant // what the user picks at the prompt
	prompts int
}

func (p *fakePlatform) Current() Grant {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *fakePlatform) Prompt(ctx context.Context) (Grant, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts++
	p.current = p.answer
	return p.answer, nil
}

func (p *fakePlatform) set(g Grant) {
	p.mu.Lock()
	p.current = g
	p.mu.Unlock()
}

func (p *fakePlatform) promptCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prompts
}

func testStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "s.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestGrantFlowPersists(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := &fakePlatform{current: GrantDefault, answer: GrantGranted}
	c := NewCoordinator(Config{}, p, testStore(t), logx.Nop(), nil)

	var hookCalls int
	c.OnFirstGrant(func(State) { hookCalls++ })

	st, err := c.RequestPermission(ctx)
	if err != nil {
		t.Fatalf("RequestPermission: %v", err)
	}
	if st.Notification != GrantGranted || !st.PersistedGrant {
		t.Fatalf("state = %+v, want granted+persisted", st)
	}
	if hookCalls != 1 {
		t.Fatalf("first-grant hook calls = %d, want 1", hookCalls)
	}

	// Idempotent: second call is a cheap success without a new prompt.
	st, err = c.RequestPermission(ctx)
	if err != nil {
		t.Fatalf("second RequestPermission: %v", err)
	}
	if !st.Usable() {
		t.Fatalf("second call state = %+v", st)
	}
	if p.promptCount() != 1 {
		t.Fatalf("prompts = %d, want 1", p.promptCount())
	}
	if hookCalls != 1 {
		t.Fatal("confirmation hook must fire only on the first grant")
	}
}

func TestDenialIsTerminalForPrompts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := &fakePlatform{current: GrantDefault, answer: GrantDenied}
	c := NewCoordinator(Config{}, p, testStore(t), logx.Nop(), nil)

	st, err := c.RequestPermission(ctx)
	if err != nil {
		t.Fatalf("RequestPermission: %v", err)
	}
	if st.Notification != GrantDenied || st.PersistedGrant {
		t.Fatalf("state = %+v, want denied without persisted grant", st)
	}

	// No internal event path flips denied back to granted: CurrentState stays
	// denied, and further requests do not re-prompt while the platform still
	// reports denied.
	for i := 0; i < 3; i++ {
		if got := c.CurrentState(ctx); got.Notification != GrantDenied || got.Usable() {
			t.Fatalf("iteration %d: state = %+v", i, got)
		}
		if _, err := c.RequestPermission(ctx); err != nil {
			t.Fatalf("RequestPermission: %v", err)
		}
	}
	if p.promptCount() != 1 {
		t.Fatalf("prompts = %d, want exactly 1", p.promptCount())
	}
}

func TestExternalRevocationDetected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := &fakePlatform{current: GrantDefault, answer: GrantGranted}
	store := testStore(t)
	c := NewCoordinator(Config{}, p, store, logx.Nop(), nil)

	if _, err := c.RequestPermission(ctx); err != nil {
		t.Fatalf("RequestPermission: %v", err)
	}

	// The environment silently revokes the grant.
	p.set(GrantDefault)

	st := c.CurrentState(ctx)
	if !st.Revoked {
		t.Fatalf("state = %+v, want Revoked", st)
	}
	if st.Usable() {
		t.Fatal("revoked grant must not report a usable channel")
	}

	// Persisted state was cleared: the next read is plain default.
	st = c.CurrentState(ctx)
	if st.Revoked || st.PersistedGrant || st.Notification != GrantDefault {
		t.Fatalf("post-revocation state = %+v, want clean default", st)
	}
}

func TestGrantStalenessHorizon(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := &fakePlatform{current: GrantDefault, answer: GrantGranted}
	c := NewCoordinator(Config{GrantStaleAfter: time.Hour}, p, testStore(t), logx.Nop(), nil)

	base := time.Now()
	c.now = func() time.Time { return base }
	if _, err := c.RequestPermission(ctx); err != nil {
		t.Fatalf("RequestPermission: %v", err)
	}

	// Within the horizon the persisted grant holds.
	c.now = func() time.Time { return base.Add(30 * time.Minute) }
	if st := c.CurrentState(ctx); !st.PersistedGrant {
		t.Fatalf("state inside horizon = %+v", st)
	}

	// Past the horizon the persisted grant is discarded (live stays granted,
	// so the channel is still usable, just no longer remembered).
	c.now = func() time.Time { return base.Add(2 * time.Hour) }
	st := c.CurrentState(ctx)
	if st.PersistedGrant {
		t.Fatalf("stale persisted grant survived: %+v", st)
	}
	if !st.Usable() {
		t.Fatal("live granted state must stay usable")
	}
}

func TestOutOfBandGrantRemembered(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := &fakePlatform{current: GrantGranted}
	c := NewCoordinator(Config{}, p, testStore(t), logx.Nop(), nil)

	st, err := c.RequestPermission(ctx)
	if err != nil {
		t.Fatalf("RequestPermission: %v", err)
	}
	if !st.PersistedGrant || !st.Usable() {
		t.Fatalf("state = %+v, want persisted usable grant", st)
	}
	if p.promptCount() != 0 {
		t.Fatal("already-granted state must not prompt")
	}
}
