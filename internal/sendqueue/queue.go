package sendqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"stagebot/pkg/logx"
)

// ErrClosed is delivered to jobs enqueued after Run has returned.
var ErrClosed = errors.New("send queue closed")

// Job is one unit of outbound work. Its error is delivered to the channel
// returned by Enqueue.
type Job func(ctx context.Context) error

type item struct {
	job  Job
	done chan error
}

// Queue is a token-bucket admission scheduler for outbound sends.
//
// Jobs are admitted strictly in FIFO submission order and run one at a time on
// a single dispatcher goroutine. Every refill interval the token count resets
// to capacity; each admitted job consumes one token, so at most capacity jobs
// start per interval regardless of queue depth. Jobs are never dropped, only
// delayed; a failing job consumes exactly one token and does not block the
// jobs behind it.
type Queue struct {
	log logx.Logger

	mu       sync.Mutex
	capacity int
	refill   time.Duration
	tokens   int
	pending  []item
	closed   bool

	wake chan struct{}
}

func New(capacity int, refill time.Duration, log logx.Logger) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	if refill <= 0 {
		refill = time.Second
	}
	return &Queue{
		log:      log,
		capacity: capacity,
		refill:   refill,
		tokens:   capacity,
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue appends the job and returns a one-shot channel carrying its outcome.
// Submissions made while tokens remain are dispatched without waiting for the
// next refill tick. After Run has returned the job is not queued and the
// channel carries ErrClosed, so waiters never block on a dead dispatcher.
func (q *Queue) Enqueue(job Job) <-chan error {
	done := make(chan error, 1)
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		done <- ErrClosed
		close(done)
		return done
	}
	q.pending = append(q.pending, item{job: job, done: done})
	q.mu.Unlock()
	q.wakeUp()
	return done
}

// Len reports the number of jobs waiting for admission.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Apply updates the tunables at runtime.
func (q *Queue) Apply(capacity int, refill time.Duration) {
	if capacity <= 0 {
		capacity = 1
	}
	if refill <= 0 {
		refill = time.Second
	}
	q.mu.Lock()
	q.capacity = capacity
	q.refill = refill
	q.mu.Unlock()
	q.wakeUp()
}

// Run owns the refill ticker and the dispatcher. It blocks until ctx is
// cancelled; at that point every still-pending job receives ctx.Err() and
// the queue is closed to new submissions.
func (q *Queue) Run(ctx context.Context) {
	cur := q.refillInterval()
	ticker := time.NewTicker(cur)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			q.failPending(ctx.Err())
			return
		case <-ticker.C:
			q.mu.Lock()
			q.tokens = q.capacity
			q.mu.Unlock()
			if d := q.refillInterval(); d != cur {
				cur = d
				ticker.Reset(d)
			}
		case <-q.wake:
			// Apply may have changed the interval; re-arm so a shrink takes
			// effect now instead of after the old (possibly long) tick.
			if d := q.refillInterval(); d != cur {
				cur = d
				ticker.Reset(d)
			}
		}
		q.drain(ctx)
	}
}

func (q *Queue) drain(ctx context.Context) {
	for {
		q.mu.Lock()
		if q.tokens <= 0 || len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		it := q.pending[0]
		q.pending = q.pending[1:]
		q.tokens--
		q.mu.Unlock()

		it.done <- q.runJob(ctx, it.job)
		close(it.done)
	}
}

func (q *Queue) runJob(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("send job panic: %v", r)
			q.log.Error("panic in send job", logx.Any("panic", r))
		}
	}()
	return job(ctx)
}

func (q *Queue) failPending(err error) {
	q.mu.Lock()
	q.closed = true
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()
	for _, it := range pending {
		it.done <- err
		close(it.done)
	}
	if len(pending) > 0 {
		q.log.Warn("send queue drained on shutdown", logx.Int("dropped", len(pending)))
	}
}

func (q *Queue) refillInterval() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.refill
}

func (q *Queue) wakeUp() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
