package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"marketpulse/pkg/logx"
)

func openTestStore(t *testing.T, dir string) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "state.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if st == nil {
		t.Fatal("store unexpectedly disabled")
	}
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{}, logx.Nop())
	if err != nil || st != nil {
		t.Fatalf("disabled storage should be (nil, nil), got (%v, %v)", st, err)
	}
	st, err = Open(Config{Driver: "none"}, logx.Nop())
	if err != nil || st != nil {
		t.Fatalf("driver none should be (nil, nil), got (%v, %v)", st, err)
	}
}

func TestKVRoundTripAcrossReopen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	st := openTestStore(t, dir)
	if err := st.Set(ctx, "permission/notify", []byte(`{"grant":"granted"}`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st = openTestStore(t, dir)
	defer st.Close()
	v, ok, err := st.Get(ctx, "permission/notify")
	if err != nil || !ok {
		t.Fatalf("Get after reopen: ok=%v err=%v", ok, err)
	}
	if string(v) != `{"grant":"granted"}` {
		t.Fatalf("value = %q", v)
	}

	if err := st.Delete(ctx, "permission/notify"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := st.Get(ctx, "permission/notify"); ok {
		t.Fatal("key still present after Delete")
	}
}

func TestDedupPersistence(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()
	until := time.Now().Add(time.Minute)

	st := openTestStore(t, dir)
	if err := st.PutDedup(ctx, "orders|o1|INSERT", until); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}
	_ = st.Close()

	st = openTestStore(t, dir)
	defer st.Close()
	got, ok, err := st.GetDedup(ctx, "orders|o1|INSERT")
	if err != nil || !ok {
		t.Fatalf("GetDedup after reopen: ok=%v err=%v", ok, err)
	}
	if got.UnixMilli() != until.UnixMilli() {
		t.Fatalf("until = %v, want %v", got, until)
	}
}

func TestExpiredDedupPrunedOnOpen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	st := openTestStore(t, dir)
	if err := st.PutDedup(ctx, "stale", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}
	_ = st.Close()

	st = openTestStore(t, dir)
	defer st.Close()
	if _, ok, _ := st.GetDedup(ctx, "stale"); ok {
		t.Fatal("expired dedup entry survived reopen")
	}
}

func TestHistoryAppendAndRecent(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	st := openTestStore(t, dir)
	defer st.Close()
	for _, title := range []string{"first", "second", "third"} {
		if err := st.AppendHistory(ctx, HistoryEntry{Category: "GENERAL", Title: title, Priority: "low"}); err != nil {
			t.Fatalf("AppendHistory: %v", err)
		}
	}

	got, err := st.RecentHistory(ctx, 2)
	if err != nil {
		t.Fatalf("RecentHistory: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	// File driver returns oldest-first within the window.
	if got[0].Title != "second" || got[1].Title != "third" {
		t.Fatalf("unexpected window: %+v", got)
	}
}
