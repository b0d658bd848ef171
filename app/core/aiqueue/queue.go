package aiqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/austin477/whatsapp-command-center/app/pkg/logger"
)

var (
	ErrQueueClosed   = errors.New("aiqueue: closed")
	ErrUnclassified  = errors.New("aiqueue: batch unclassified")
	ErrEmptyBatch    = errors.New("aiqueue: empty batch")
	minRescheduleGap = 200 * time.Millisecond
)

// Job is one classification request travelling through the queue. The
// queue owns it from Enqueue until its outcome is delivered.
type Job struct {
	ID      string
	Request Request
	// Prior is the deterministic classification already recorded for
	// this message, if any; it rides along for reconciliation.
	Prior *Result
}

// Outcome is delivered exactly once per job. A nil Result means the
// batch degraded and the deterministic classification stands.
type Outcome struct {
	JobID  string
	Job    Job
	Result *Result
}

type Options struct {
	BatchSize      int
	BatchWindow    time.Duration
	RateLimitDelay time.Duration
	RetryBaseDelay time.Duration
	MaxRetries     int
}

func (o *Options) applyDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.BatchWindow <= 0 {
		o.BatchWindow = 3 * time.Second
	}
	if o.RateLimitDelay <= 0 {
		o.RateLimitDelay = 13 * time.Second
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 15 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
}

type pendingJob struct {
	job Job
	out chan Outcome
}

type Stats struct {
	Depth      int    `json:"depth"`
	InFlight   bool   `json:"in_flight"`
	Enqueued   uint64 `json:"enqueued"`
	Batches    uint64 `json:"batches"`
	Classified uint64 `json:"classified"`
	Degraded   uint64 `json:"degraded"`
	Retries    uint64 `json:"retries"`
}

// Queue buffers classification jobs, dispatches them in batches and
// keeps sustained throughput under the service's rate ceiling. At most
// one batch call is in flight at a time.
type Queue struct {
	classifier BatchClassifier
	opts       Options

	mu            sync.Mutex
	jobs          []pendingJob
	timer         *time.Timer
	inFlight      bool
	lastCallStart time.Time
	closed        bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	enqueued   atomic.Uint64
	batches    atomic.Uint64
	classified atomic.Uint64
	degraded   atomic.Uint64
	retries    atomic.Uint64
}

func New(classifier BatchClassifier, opts Options) *Queue {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		classifier: classifier,
		opts:       opts,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Enqueue appends a job and returns its outcome channel. The channel
// receives exactly one Outcome and is then closed. Collection starts a
// batch-window timer if none is running; reaching the batch-size limit
// dispatches immediately.
func (q *Queue) Enqueue(job Job) (<-chan Outcome, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}

	out := make(chan Outcome, 1)
	q.jobs = append(q.jobs, pendingJob{job: job, out: out})
	q.enqueued.Add(1)

	if len(q.jobs) >= q.opts.BatchSize {
		if q.timer != nil {
			q.timer.Stop()
			q.timer = nil
		}
		q.startDispatchLocked()
	} else if q.timer == nil {
		q.timer = time.AfterFunc(q.opts.BatchWindow, q.onTimer)
	}
	return out, nil
}

func (q *Queue) onTimer() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.timer = nil
	if q.closed || len(q.jobs) == 0 {
		return
	}
	q.startDispatchLocked()
}

// startDispatchLocked is a no-op while a call is in flight; the
// completion path reschedules for whatever is still buffered.
func (q *Queue) startDispatchLocked() {
	if q.inFlight {
		return
	}
	q.inFlight = true
	q.wg.Add(1)
	go q.runBatch()
}

func (q *Queue) runBatch() {
	defer q.wg.Done()

	q.mu.Lock()
	n := len(q.jobs)
	if n > q.opts.BatchSize {
		n = q.opts.BatchSize
	}
	batch := make([]pendingJob, n)
	copy(batch, q.jobs[:n])
	q.jobs = append([]pendingJob(nil), q.jobs[n:]...)
	q.mu.Unlock()

	if n == 0 {
		q.mu.Lock()
		q.inFlight = false
		q.mu.Unlock()
		return
	}

	reqs := make([]Request, n)
	for i, p := range batch {
		reqs[i] = p.job.Request
	}

	results := q.callWithRetry(q.ctx, reqs)
	q.batches.Add(1)
	q.deliver(batch, results)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.inFlight = false
	if q.closed || len(q.jobs) == 0 {
		return
	}
	// Never redispatch immediately: wait out the rate window, or at
	// least a small gap, before the next batch.
	delay := minRescheduleGap
	if remaining := q.rateRemainingLocked(); remaining > delay {
		delay = remaining
	}
	if q.timer != nil {
		q.timer.Stop()
	}
	q.timer = time.AfterFunc(delay, q.onTimer)
}

// callWithRetry runs the shared rate-limit/retry policy and returns nil
// when the batch could not be classified. It never returns an error to
// its caller; degradation is the contract.
func (q *Queue) callWithRetry(ctx context.Context, reqs []Request) []Result {
	for attempt := 0; attempt < q.opts.MaxRetries; attempt++ {
		if !q.waitRateSlot(ctx) {
			return nil
		}
		results, err := q.classifier.ClassifyBatch(ctx, reqs)
		if err == nil {
			if len(results) != len(reqs) {
				logger.Error("aiqueue: service returned %d results for %d requests", len(results), len(reqs))
				return nil
			}
			q.classified.Add(uint64(len(results)))
			return results
		}

		transient, suggested := Transient(err)
		if !transient {
			logger.Error("aiqueue: batch failed permanently: %v", err)
			return nil
		}
		if attempt == q.opts.MaxRetries-1 {
			logger.Warn("aiqueue: retries exhausted after %d attempts: %v", q.opts.MaxRetries, err)
			return nil
		}

		delay := suggested
		if delay <= 0 {
			delay = q.opts.RetryBaseDelay * time.Duration(1<<attempt)
		}
		q.retries.Add(1)
		logger.Warn("aiqueue: transient failure (attempt %d/%d), retrying in %s: %v", attempt+1, q.opts.MaxRetries, delay, err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
	return nil
}

// waitRateSlot blocks until at least RateLimitDelay has elapsed since
// the previous call's start, then claims the slot.
func (q *Queue) waitRateSlot(ctx context.Context) bool {
	for {
		q.mu.Lock()
		if q.lastCallStart.IsZero() || time.Since(q.lastCallStart) >= q.opts.RateLimitDelay {
			q.lastCallStart = time.Now()
			q.mu.Unlock()
			return true
		}
		wait := q.opts.RateLimitDelay - time.Since(q.lastCallStart)
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
	}
}

func (q *Queue) rateRemainingLocked() time.Duration {
	if q.lastCallStart.IsZero() {
		return 0
	}
	return q.opts.RateLimitDelay - time.Since(q.lastCallStart)
}

func (q *Queue) deliver(batch []pendingJob, results []Result) {
	for i, p := range batch {
		outcome := Outcome{JobID: p.job.ID, Job: p.job}
		if results != nil {
			r := results[i]
			outcome.Result = &r
		} else {
			q.degraded.Add(1)
		}
		p.out <- outcome
		close(p.out)
	}
}

// ClassifyNow bypasses the buffer for bulk/manual reclassification but
// shares the rate-limit wait, retry and normalization logic. It returns
// ErrUnclassified when the batch degraded.
func (q *Queue) ClassifyNow(ctx context.Context, reqs []Request) ([]Result, error) {
	if len(reqs) == 0 {
		return nil, ErrEmptyBatch
	}
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return nil, ErrQueueClosed
	}

	results := q.callWithRetry(ctx, reqs)
	if results == nil {
		return nil, ErrUnclassified
	}
	return results, nil
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	depth := len(q.jobs)
	inFlight := q.inFlight
	q.mu.Unlock()

	return Stats{
		Depth:      depth,
		InFlight:   inFlight,
		Enqueued:   q.enqueued.Load(),
		Batches:    q.batches.Load(),
		Classified: q.classified.Load(),
		Degraded:   q.degraded.Load(),
		Retries:    q.retries.Load(),
	}
}

// Close stops collection, cancels any backoff wait and delivers a nil
// outcome to every job still buffered.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()

	q.mu.Lock()
	leftover := q.jobs
	q.jobs = nil
	q.mu.Unlock()
	q.deliver(leftover, nil)
}
