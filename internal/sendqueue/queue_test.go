package sendqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"stagebot/pkg/logx"
)

func startQueue(t *testing.T, capacity int, refill time.Duration) (*Queue, context.CancelFunc) {
	t.Helper()
	q := New(capacity, refill, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return q, cancel
}

func TestEnqueueRunsInSubmissionOrder(t *testing.T) {
	t.Parallel()
	q, _ := startQueue(t, 2, 20*time.Millisecond)

	var mu sync.Mutex
	var order []int
	var dones []<-chan error
	for i := 0; i < 7; i++ {
		i := i
		dones = append(dones, q.Enqueue(func(context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}))
	}
	for i, d := range dones {
		select {
		case err := <-d:
			if err != nil {
				t.Fatalf("job %d: %v", i, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("job %d never completed", i)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i {
			t.Fatalf("order = %v, want ascending", order)
		}
	}
}

func TestAdmissionIsBoundedPerInterval(t *testing.T) {
	t.Parallel()
	const refill = 60 * time.Millisecond
	q, _ := startQueue(t, 2, refill)

	start := time.Now()
	var last <-chan error
	for i := 0; i < 6; i++ {
		last = q.Enqueue(func(context.Context) error { return nil })
	}
	if err := <-last; err != nil {
		t.Fatalf("job failed: %v", err)
	}
	// 6 jobs at 2 per interval need at least 2 refills after the initial burst.
	if elapsed := time.Since(start); elapsed < 2*refill-10*time.Millisecond {
		t.Fatalf("6 jobs finished in %v, faster than the bucket allows", elapsed)
	}
}

func TestFailingJobDoesNotBlockQueue(t *testing.T) {
	t.Parallel()
	q, _ := startQueue(t, 4, 20*time.Millisecond)

	boom := errors.New("boom")
	d1 := q.Enqueue(func(context.Context) error { return boom })
	d2 := q.Enqueue(func(context.Context) error { panic("job panic") })
	d3 := q.Enqueue(func(context.Context) error { return nil })

	if err := <-d1; !errors.Is(err, boom) {
		t.Fatalf("first job error = %v, want boom", err)
	}
	if err := <-d2; err == nil {
		t.Fatal("panicking job should surface an error")
	}
	if err := <-d3; err != nil {
		t.Fatalf("third job should succeed, got %v", err)
	}
}

func TestShutdownFailsPendingJobs(t *testing.T) {
	t.Parallel()
	// Capacity 1 and a long refill so extra jobs stay queued.
	q, cancel := startQueue(t, 1, time.Hour)

	d1 := q.Enqueue(func(context.Context) error { return nil })
	if err := <-d1; err != nil {
		t.Fatalf("first job: %v", err)
	}

	d2 := q.Enqueue(func(context.Context) error { return nil })
	d3 := q.Enqueue(func(context.Context) error { return nil })
	cancel()

	for i, d := range []<-chan error{d2, d3} {
		select {
		case err := <-d:
			if !errors.Is(err, context.Canceled) {
				t.Fatalf("pending job %d error = %v, want context.Canceled", i, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("pending job %d never resolved", i)
		}
	}
}

func TestEnqueueAfterShutdownFailsFast(t *testing.T) {
	t.Parallel()
	q := New(1, time.Hour, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Run(ctx)
	}()
	cancel()
	<-done

	d := q.Enqueue(func(context.Context) error {
		t.Error("job ran on a stopped queue")
		return nil
	})
	select {
	case err := <-d:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("error = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("enqueue on a stopped queue never resolved")
	}
	if q.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after rejected enqueue", q.Len())
	}
}

func TestApplyChangesCapacity(t *testing.T) {
	t.Parallel()
	q, _ := startQueue(t, 1, time.Hour)

	d1 := q.Enqueue(func(context.Context) error { return nil })
	if err := <-d1; err != nil {
		t.Fatalf("first job: %v", err)
	}
	// Token bucket is empty and the next tick is an hour away.
	d2 := q.Enqueue(func(context.Context) error { return nil })
	select {
	case <-d2:
		t.Fatal("second job ran without a token")
	case <-time.After(50 * time.Millisecond):
	}

	q.Apply(2, 20*time.Millisecond)
	select {
	case err := <-d2:
		if err != nil {
			t.Fatalf("second job: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second job never ran after Apply")
	}
}
