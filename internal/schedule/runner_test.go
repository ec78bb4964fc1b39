package schedule

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"stagebot/internal/model"
	"stagebot/internal/storage"
	"stagebot/internal/transport"
	"stagebot/pkg/logx"
)

var testTarget = transport.ChatTarget{ChatID: -300, ThreadID: 0}

type fakeAdapter struct {
	mu     sync.Mutex
	fail   bool
	nextID int
	sent   []string
}

func (f *fakeAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                           { return nil }
func (f *fakeAdapter) DeleteMessage(context.Context, transport.MessageRef) error {
	return nil
}
func (f *fakeAdapter) SendDirect(context.Context, int64, string) error { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return transport.MessageRef{}, errors.New("send failed")
	}
	f.nextID++
	f.sent = append(f.sent, text)
	return transport.MessageRef{Target: to, MessageID: f.nextID}, nil
}

func (f *fakeAdapter) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func newTestRunner(t *testing.T) (*Runner, *fakeAdapter, storage.Storage) {
	t.Helper()
	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "test.db"), time.Second)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	adapter := &fakeAdapter{}
	return New(store, adapter, time.UTC, logx.Nop()), adapter, store
}

func TestAddValidatesFireTime(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRunner(t)
	ctx := context.Background()
	now := time.Date(2026, time.April, 1, 9, 0, 30, 0, time.UTC)
	r.now = func() time.Time { return now }

	if _, err := r.Add(ctx, testTarget, "late", now.Add(-time.Hour), model.RepeatNone); !errors.Is(err, ErrPastTime) {
		t.Fatalf("past time = %v, want ErrPastTime", err)
	}
	// 09:00:30 truncates to 09:00, which is not after now.
	if _, err := r.Add(ctx, testTarget, "now-ish", now, model.RepeatNone); !errors.Is(err, ErrPastTime) {
		t.Fatalf("current minute = %v, want ErrPastTime", err)
	}

	m, err := r.Add(ctx, testTarget, "ok", now.Add(time.Hour).Add(25*time.Second), model.RepeatNone)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if m.FireAt.Second() != 0 || m.FireAt.Nanosecond() != 0 {
		t.Fatalf("fire time not minute-aligned: %v", m.FireAt)
	}
}

func TestRemoveByListIndex(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRunner(t)
	ctx := context.Background()
	now := time.Date(2026, time.April, 1, 9, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	if _, err := r.Add(ctx, testTarget, "first", now.Add(time.Hour), model.RepeatNone); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := r.Add(ctx, testTarget, "second", now.Add(2*time.Hour), model.RepeatNone); err != nil {
		t.Fatalf("add: %v", err)
	}

	if _, err := r.Remove(ctx, testTarget, 0); !errors.Is(err, ErrNoSuchEntry) {
		t.Fatalf("index 0 = %v, want ErrNoSuchEntry", err)
	}
	if _, err := r.Remove(ctx, testTarget, 3); !errors.Is(err, ErrNoSuchEntry) {
		t.Fatalf("index 3 = %v, want ErrNoSuchEntry", err)
	}

	removed, err := r.Remove(ctx, testTarget, 1)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if removed.Body != "first" {
		t.Fatalf("removed %q, want \"first\"", removed.Body)
	}
	list, err := r.List(ctx, testTarget)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Body != "second" {
		t.Fatalf("remaining = %+v", list)
	}
}

func TestSweepFiresOneShotOnce(t *testing.T) {
	t.Parallel()
	r, adapter, _ := newTestRunner(t)
	ctx := context.Background()
	now := time.Date(2026, time.April, 1, 9, 0, 0, 0, time.UTC)
	fire := now.Add(time.Minute)
	r.now = func() time.Time { return now }

	if _, err := r.Add(ctx, testTarget, "ping", fire, model.RepeatNone); err != nil {
		t.Fatalf("add: %v", err)
	}

	r.Sweep(ctx) // not due yet
	if got := adapter.sentTexts(); len(got) != 0 {
		t.Fatalf("premature fire: %v", got)
	}

	r.now = func() time.Time { return fire.Add(10 * time.Second) }
	r.Sweep(ctx)
	if got := adapter.sentTexts(); len(got) != 1 || got[0] != "ping" {
		t.Fatalf("sent = %v, want [ping]", got)
	}

	// Fired one-shots are gone.
	list, err := r.List(ctx, testTarget)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("one-shot survived the sweep: %+v", list)
	}
}

func TestSweepReschedulesRepeating(t *testing.T) {
	t.Parallel()
	r, adapter, _ := newTestRunner(t)
	ctx := context.Background()
	now := time.Date(2026, time.April, 1, 9, 0, 0, 0, time.UTC)
	fire := now.Add(time.Minute)
	r.now = func() time.Time { return now }

	if _, err := r.Add(ctx, testTarget, "standup", fire, model.RepeatDaily); err != nil {
		t.Fatalf("add: %v", err)
	}

	r.now = func() time.Time { return fire }
	r.Sweep(ctx)
	if got := adapter.sentTexts(); len(got) != 1 {
		t.Fatalf("sent = %v, want one firing", got)
	}

	list, err := r.List(ctx, testTarget)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("repeating entry vanished: %+v", list)
	}
	want := fire.AddDate(0, 0, 1)
	if !list[0].FireAt.Equal(want) {
		t.Fatalf("next fire = %v, want %v", list[0].FireAt, want)
	}
}

func TestSweepSkipsFailedSendWithoutRetry(t *testing.T) {
	t.Parallel()
	r, adapter, _ := newTestRunner(t)
	ctx := context.Background()
	now := time.Date(2026, time.April, 1, 9, 0, 0, 0, time.UTC)
	fire := now.Add(time.Minute)
	r.now = func() time.Time { return now }

	if _, err := r.Add(ctx, testTarget, "flaky", fire, model.RepeatNone); err != nil {
		t.Fatalf("add: %v", err)
	}

	adapter.fail = true
	r.now = func() time.Time { return fire }
	r.Sweep(ctx)

	// The row is untouched, still pointing at the missed minute.
	list, err := r.List(ctx, testTarget)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || !list[0].FireAt.Equal(fire) {
		t.Fatalf("row after failed send = %+v", list)
	}

	// The next sweep runs a minute later; the exact-minute match no longer
	// holds, so the firing is skipped rather than retried.
	adapter.fail = false
	r.now = func() time.Time { return fire.Add(time.Minute) }
	r.Sweep(ctx)
	if got := adapter.sentTexts(); len(got) != 0 {
		t.Fatalf("missed firing was retried: %v", got)
	}
}
