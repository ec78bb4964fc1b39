package sticky

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"stagebot/internal/storage"
	"stagebot/internal/transport"
	"stagebot/pkg/logx"
)

var testTarget = transport.ChatTarget{ChatID: -200, ThreadID: 0}

type fakeAdapter struct {
	mu      sync.Mutex
	nextID  int
	sent    []transport.MessageRef
	deleted []transport.MessageRef
}

func (f *fakeAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                           { return nil }
func (f *fakeAdapter) SendDirect(context.Context, int64, string) error      { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to transport.ChatTarget, _ string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	ref := transport.MessageRef{Target: to, MessageID: f.nextID}
	f.sent = append(f.sent, ref)
	return ref, nil
}

func (f *fakeAdapter) DeleteMessage(_ context.Context, ref transport.MessageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ref)
	return nil
}

func (f *fakeAdapter) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type clock struct {
	mu  sync.Mutex
	cur time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.cur = c.cur.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T) (*Service, *fakeAdapter, *clock) {
	t.Helper()
	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "test.db"), time.Second)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	adapter := &fakeAdapter{}
	ck := &clock{cur: time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)}
	svc := New(store, adapter, 2500*time.Millisecond, logx.Nop())
	svc.now = ck.now
	return svc, adapter, ck
}

func TestSetPostsImmediately(t *testing.T) {
	t.Parallel()
	svc, adapter, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.Set(ctx, testTarget, "read the rules"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got := adapter.sentCount(); got != 1 {
		t.Fatalf("sent = %d, want 1", got)
	}

	st, err := svc.store.GetSticky(ctx, testTarget.ChatID, testTarget.ThreadID)
	if err != nil {
		t.Fatalf("get sticky: %v", err)
	}
	if st.LastMessageID != adapter.sent[0].MessageID {
		t.Fatalf("last message id = %d, want %d", st.LastMessageID, adapter.sent[0].MessageID)
	}
}

func TestBurstCollapsesIntoOneRepost(t *testing.T) {
	t.Parallel()
	svc, adapter, ck := newTestService(t)
	ctx := context.Background()

	if err := svc.Set(ctx, testTarget, "rules"); err != nil {
		t.Fatalf("set: %v", err)
	}
	base := adapter.sentCount()

	// Five activity bursts inside the cooldown window.
	for i := 0; i < 5; i++ {
		ck.advance(100 * time.Millisecond)
		if err := svc.Trigger(ctx, testTarget); err != nil {
			t.Fatalf("trigger %d: %v", i, err)
		}
	}
	if got := adapter.sentCount(); got != base {
		t.Fatalf("sent during cooldown = %d, want %d", got, base)
	}

	// Sweep before the window expires does nothing.
	svc.Sweep(ctx)
	if got := adapter.sentCount(); got != base {
		t.Fatalf("early sweep sent = %d, want %d", got, base)
	}

	ck.advance(3 * time.Second)
	svc.Sweep(ctx)
	if got := adapter.sentCount(); got != base+1 {
		t.Fatalf("sweep after cooldown sent = %d, want %d", got, base+1)
	}

	// Only the pending entry is flushed; a second sweep stays quiet.
	ck.advance(3 * time.Second)
	svc.Sweep(ctx)
	if got := adapter.sentCount(); got != base+1 {
		t.Fatalf("idle sweep sent = %d, want %d", got, base+1)
	}
}

func TestRepostDeletesPreviousCopy(t *testing.T) {
	t.Parallel()
	svc, adapter, ck := newTestService(t)
	ctx := context.Background()

	if err := svc.Set(ctx, testTarget, "rules"); err != nil {
		t.Fatalf("set: %v", err)
	}
	first := adapter.sent[0]

	ck.advance(3 * time.Second)
	if err := svc.Trigger(ctx, testTarget); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if got := adapter.sentCount(); got != 2 {
		t.Fatalf("sent = %d, want 2", got)
	}
	if len(adapter.deleted) != 1 || adapter.deleted[0].MessageID != first.MessageID {
		t.Fatalf("deleted = %+v, want the first copy", adapter.deleted)
	}
}

func TestTriggerWithoutDirectiveIsNoop(t *testing.T) {
	t.Parallel()
	svc, adapter, _ := newTestService(t)

	if err := svc.Trigger(context.Background(), testTarget); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if got := adapter.sentCount(); got != 0 {
		t.Fatalf("sent = %d, want 0", got)
	}
}

func TestClearRemovesDirectiveAndCopy(t *testing.T) {
	t.Parallel()
	svc, adapter, ck := newTestService(t)
	ctx := context.Background()

	if err := svc.Set(ctx, testTarget, "rules"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := svc.Clear(ctx, testTarget); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if len(adapter.deleted) != 1 {
		t.Fatalf("deleted = %d, want 1", len(adapter.deleted))
	}
	if _, err := svc.store.GetSticky(ctx, testTarget.ChatID, testTarget.ThreadID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("directive still present: %v", err)
	}

	// Activity after clear does nothing.
	ck.advance(time.Minute)
	if err := svc.Trigger(ctx, testTarget); err != nil {
		t.Fatalf("trigger after clear: %v", err)
	}
	svc.Sweep(ctx)
	if got := adapter.sentCount(); got != 1 {
		t.Fatalf("sent = %d, want 1", got)
	}
}
