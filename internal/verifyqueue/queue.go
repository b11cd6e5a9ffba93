// Package verifyqueue is the bounded in-process queue that feeds upload
// events to the verification engine. Jobs run on a fixed worker pool;
// failed handler calls are requeued with exponential backoff until
// MaxAttempts, after which the job dead-letters and its future resolves
// with the dead-letter record.
package verifyqueue

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/settld/backend/internal/errcode"
)

// Handler processes one job payload. A non-nil error counts as a failed
// attempt.
type Handler func(payload any) error

// Config tunes the queue.
type Config struct {
	Workers     int
	Capacity    int
	MaxAttempts int
	BackoffMs   int
	// OnDeadLetter, when set, receives every exhausted job.
	OnDeadLetter func(*DeadLetter)
}

// DeadLetter records an exhausted job.
type DeadLetter struct {
	JobID     string    `json:"jobId"`
	Payload   any       `json:"payload"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"lastError"`
	FailedAt  time.Time `json:"failedAt"`
}

// Outcome is the terminal result delivered through a Future.
type Outcome struct {
	OK         bool
	Code       string // "" on success, else a VERIFY_QUEUE_* code
	LastError  string
	Attempts   int
	DeadLetter *DeadLetter
}

// Future resolves exactly once with the job's terminal outcome.
type Future struct {
	done chan struct{}
	out  *Outcome
}

// Wait blocks until the job is terminal.
func (f *Future) Wait() *Outcome {
	<-f.done
	return f.out
}

// WaitTimeout waits up to d; second return is false on timeout.
func (f *Future) WaitTimeout(d time.Duration) (*Outcome, bool) {
	select {
	case <-f.done:
		return f.out, true
	case <-time.After(d):
		return nil, false
	}
}

type job struct {
	id      string
	payload any
	attempt int
	future  *Future
}

// parked is a job waiting out its backoff timer.
type parked struct {
	j       *job
	lastErr string
}

// Queue is the worker pool. Create with New, stop with Close.
type Queue struct {
	cfg     Config
	handler Handler

	jobs chan *job
	quit chan struct{}
	wg   sync.WaitGroup

	mu     sync.Mutex
	size   int // submitted, not yet terminal (includes backoff waits)
	closed bool
	timers map[*time.Timer]*parked
}

// New starts the queue.
func New(cfg Config, handler Handler) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 256
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffMs <= 0 {
		cfg.BackoffMs = 250
	}
	q := &Queue{
		cfg:     cfg,
		handler: handler,
		jobs:    make(chan *job, cfg.Capacity),
		quit:    make(chan struct{}),
		timers:  make(map[*time.Timer]*parked),
	}
	for i := 0; i < cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Submit enqueues a payload and returns its future. Fails with
// VERIFY_QUEUE_CLOSED after Close.
func (q *Queue) Submit(payload any) (*Future, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, errcode.New(errcode.VerifyQueueClosed, "queue closed")
	}
	q.size++
	q.mu.Unlock()

	j := &job{
		id:      uuid.NewString(),
		payload: payload,
		attempt: 1,
		future:  &Future{done: make(chan struct{})},
	}
	select {
	case q.jobs <- j:
		return j.future, nil
	default:
		q.finish(j, &Outcome{OK: false, Code: errcode.VerifyQueueClosed, LastError: "queue full"})
		return nil, errcode.New(errcode.VerifyQueueClosed, "queue full")
	}
}

// Size returns the number of non-terminal jobs.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Drain waits until every submitted job is terminal, or returns
// VERIFY_QUEUE_DRAIN_TIMEOUT.
func (q *Queue) Drain(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if q.Size() == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return errcode.New(errcode.VerifyQueueDrainTimeout, "still %d jobs after %s", q.Size(), timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Close stops the workers. Queued and backoff-pending jobs resolve with
// VERIFY_QUEUE_CLOSED; the in-flight attempt on each worker finishes.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	// A stopped timer never fires its requeue callback, so the parked
	// job must be resolved here. Stop() returning false means the
	// callback is already running and will see closed itself.
	var stopped []*parked
	for t, p := range q.timers {
		if t.Stop() {
			stopped = append(stopped, p)
		}
		delete(q.timers, t)
	}
	q.mu.Unlock()

	for _, p := range stopped {
		q.finish(p.j, &Outcome{OK: false, Code: errcode.VerifyQueueClosed, LastError: p.lastErr, Attempts: p.j.attempt - 1})
	}

	close(q.quit)
	q.wg.Wait()

	// Flush anything the workers left behind.
	for {
		select {
		case j := <-q.jobs:
			q.finish(j, &Outcome{OK: false, Code: errcode.VerifyQueueClosed, Attempts: j.attempt - 1})
		default:
			return
		}
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.quit:
			return
		case j := <-q.jobs:
			q.process(j)
		}
	}
}

func (q *Queue) process(j *job) {
	err := q.handler(j.payload)
	if err == nil {
		q.finish(j, &Outcome{OK: true, Attempts: j.attempt})
		return
	}
	if j.attempt >= q.cfg.MaxAttempts {
		dl := &DeadLetter{
			JobID:     j.id,
			Payload:   j.payload,
			Attempts:  j.attempt,
			LastError: err.Error(),
			FailedAt:  time.Now().UTC(),
		}
		if q.cfg.OnDeadLetter != nil {
			q.cfg.OnDeadLetter(dl)
		}
		q.finish(j, &Outcome{
			OK:         false,
			Code:       errcode.VerifyQueueDeadLetter,
			LastError:  err.Error(),
			Attempts:   j.attempt,
			DeadLetter: dl,
		})
		return
	}

	delay := time.Duration(q.cfg.BackoffMs) * time.Duration(1<<uint(j.attempt-1)) * time.Millisecond
	j.attempt++
	lastErr := err.Error()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.finish(j, &Outcome{OK: false, Code: errcode.VerifyQueueClosed, LastError: lastErr, Attempts: j.attempt - 1})
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, timer)
		closed := q.closed
		q.mu.Unlock()
		if closed {
			q.finish(j, &Outcome{OK: false, Code: errcode.VerifyQueueClosed, LastError: lastErr, Attempts: j.attempt - 1})
			return
		}
		select {
		case q.jobs <- j:
		default:
			q.finish(j, &Outcome{OK: false, Code: errcode.VerifyQueueHandlerError, LastError: "requeue failed: queue full", Attempts: j.attempt - 1})
		}
	})
	q.timers[timer] = &parked{j: j, lastErr: lastErr}
	q.mu.Unlock()
}

// finish resolves the future and decrements the live-size counter.
func (q *Queue) finish(j *job, out *Outcome) {
	q.mu.Lock()
	q.size--
	q.mu.Unlock()
	j.future.out = out
	close(j.future.done)
}
