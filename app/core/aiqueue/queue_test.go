package aiqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClassifier scripts the batch service: each call consumes the next
// scripted step, and the call start times are recorded for rate checks.
type fakeClassifier struct {
	mu        sync.Mutex
	callTimes []time.Time
	batches   [][]Request
	errs      []error
}

func (f *fakeClassifier) ClassifyBatch(_ context.Context, reqs []Request) ([]Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callTimes = append(f.callTimes, time.Now())
	f.batches = append(f.batches, reqs)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	out := make([]Result, len(reqs))
	for i, r := range reqs {
		out[i] = Result{Intent: IntentQuestion, QuestionType: "general", Priority: "normal", Confidence: 0.9, Summary: r.Body}
	}
	return out, nil
}

func (f *fakeClassifier) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.callTimes)
}

func fastOptions() Options {
	return Options{
		BatchSize:      10,
		BatchWindow:    60 * time.Millisecond,
		RateLimitDelay: 50 * time.Millisecond,
		RetryBaseDelay: 20 * time.Millisecond,
		MaxRetries:     3,
	}
}

func waitOutcome(t *testing.T, ch <-chan Outcome, timeout time.Duration) Outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(timeout):
		t.Fatal("timed out waiting for outcome")
		return Outcome{}
	}
}

func TestEnqueueWaitsForBatchWindow(t *testing.T) {
	fake := &fakeClassifier{}
	opts := fastOptions()
	opts.BatchWindow = 150 * time.Millisecond
	q := New(fake, opts)
	defer q.Close()

	ch, err := q.Enqueue(Job{Request: Request{Body: "is it done?"}})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case <-ch:
		t.Fatal("outcome delivered before the batch window elapsed")
	case <-time.After(50 * time.Millisecond):
	}

	o := waitOutcome(t, ch, 2*time.Second)
	if o.Result == nil {
		t.Fatal("outcome degraded, want classification")
	}
	if o.Result.Intent != IntentQuestion {
		t.Errorf("Intent = %q, want %q", o.Result.Intent, IntentQuestion)
	}
}

func TestEnqueueDispatchesOnBatchSize(t *testing.T) {
	fake := &fakeClassifier{}
	opts := fastOptions()
	opts.BatchSize = 2
	opts.BatchWindow = time.Hour
	q := New(fake, opts)
	defer q.Close()

	ch1, _ := q.Enqueue(Job{ID: "a", Request: Request{Body: "first?"}})
	ch2, _ := q.Enqueue(Job{ID: "b", Request: Request{Body: "second?"}})

	o1 := waitOutcome(t, ch1, time.Second)
	o2 := waitOutcome(t, ch2, time.Second)
	if o1.JobID != "a" || o2.JobID != "b" {
		t.Errorf("outcome ids = %q, %q, want a, b", o1.JobID, o2.JobID)
	}
	if o1.Result == nil || o2.Result == nil {
		t.Fatal("full-batch dispatch degraded")
	}
	if o1.Result.Summary != "first?" || o2.Result.Summary != "second?" {
		t.Error("results not delivered to the jobs that requested them")
	}
	if fake.calls() != 1 {
		t.Errorf("service calls = %d, want 1", fake.calls())
	}
}

func TestOutcomeChannelClosesAfterDelivery(t *testing.T) {
	fake := &fakeClassifier{}
	opts := fastOptions()
	opts.BatchSize = 1
	q := New(fake, opts)
	defer q.Close()

	ch, _ := q.Enqueue(Job{Request: Request{Body: "done?"}})
	waitOutcome(t, ch, time.Second)
	if _, open := <-ch; open {
		t.Fatal("outcome channel still open after delivery")
	}
}

func TestPermanentErrorDegradesWithoutRetry(t *testing.T) {
	fake := &fakeClassifier{errs: []error{errors.New("bad request")}}
	opts := fastOptions()
	opts.BatchSize = 1
	q := New(fake, opts)
	defer q.Close()

	ch, _ := q.Enqueue(Job{Request: Request{Body: "hm?"}})
	o := waitOutcome(t, ch, time.Second)
	if o.Result != nil {
		t.Fatal("permanent failure still produced a result")
	}
	if fake.calls() != 1 {
		t.Errorf("service calls = %d, want 1 (no retry on permanent errors)", fake.calls())
	}
	if s := q.Stats(); s.Degraded != 1 {
		t.Errorf("Stats().Degraded = %d, want 1", s.Degraded)
	}
}

func TestTransientErrorRetriesThenSucceeds(t *testing.T) {
	fake := &fakeClassifier{errs: []error{
		&serviceError{status: 429, cause: errors.New("throttled")},
		nil,
	}}
	opts := fastOptions()
	opts.BatchSize = 1
	q := New(fake, opts)
	defer q.Close()

	ch, _ := q.Enqueue(Job{Request: Request{Body: "ready?"}})
	o := waitOutcome(t, ch, 2*time.Second)
	if o.Result == nil {
		t.Fatal("retry did not recover the batch")
	}
	if fake.calls() != 2 {
		t.Errorf("service calls = %d, want 2", fake.calls())
	}
	if s := q.Stats(); s.Retries != 1 {
		t.Errorf("Stats().Retries = %d, want 1", s.Retries)
	}
}

func TestRetriesExhaustDeliverNil(t *testing.T) {
	throttle := func() error { return &serviceError{status: 503, cause: errors.New("overloaded")} }
	fake := &fakeClassifier{errs: []error{throttle(), throttle(), throttle()}}
	opts := fastOptions()
	opts.BatchSize = 1
	opts.MaxRetries = 3
	opts.RateLimitDelay = time.Millisecond
	q := New(fake, opts)
	defer q.Close()

	ch, _ := q.Enqueue(Job{Request: Request{Body: "still there?"}})
	o := waitOutcome(t, ch, 2*time.Second)
	if o.Result != nil {
		t.Fatal("exhausted retries still produced a result")
	}
	if fake.calls() != 3 {
		t.Errorf("service calls = %d, want 3", fake.calls())
	}
}

func TestCallsRespectRateLimitDelay(t *testing.T) {
	fake := &fakeClassifier{}
	opts := fastOptions()
	opts.BatchSize = 1
	opts.RateLimitDelay = 120 * time.Millisecond
	q := New(fake, opts)
	defer q.Close()

	ch1, _ := q.Enqueue(Job{Request: Request{Body: "one?"}})
	waitOutcome(t, ch1, time.Second)
	ch2, _ := q.Enqueue(Job{Request: Request{Body: "two?"}})
	waitOutcome(t, ch2, 2*time.Second)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.callTimes) != 2 {
		t.Fatalf("service calls = %d, want 2", len(fake.callTimes))
	}
	gap := fake.callTimes[1].Sub(fake.callTimes[0])
	if gap < 100*time.Millisecond {
		t.Errorf("call gap = %s, want at least ~120ms", gap)
	}
}

func TestCloseDeliversNilToBufferedJobs(t *testing.T) {
	fake := &fakeClassifier{}
	opts := fastOptions()
	opts.BatchWindow = time.Hour
	q := New(fake, opts)

	ch, _ := q.Enqueue(Job{Request: Request{Body: "pending?"}})
	q.Close()

	o := waitOutcome(t, ch, time.Second)
	if o.Result != nil {
		t.Fatal("closed queue delivered a classification")
	}
	if _, err := q.Enqueue(Job{Request: Request{Body: "late?"}}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Enqueue after Close: err = %v, want ErrQueueClosed", err)
	}
}

func TestClassifyNow(t *testing.T) {
	fake := &fakeClassifier{}
	q := New(fake, fastOptions())
	defer q.Close()

	if _, err := q.ClassifyNow(context.Background(), nil); !errors.Is(err, ErrEmptyBatch) {
		t.Fatalf("empty batch: err = %v, want ErrEmptyBatch", err)
	}

	results, err := q.ClassifyNow(context.Background(), []Request{{Body: "status?"}, {Body: "eta?"}})
	if err != nil {
		t.Fatalf("ClassifyNow: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	if results[1].Summary != "eta?" {
		t.Error("results out of order")
	}
}

func TestClassifyNowDegradedReturnsErrUnclassified(t *testing.T) {
	fake := &fakeClassifier{errs: []error{errors.New("bad input")}}
	q := New(fake, fastOptions())
	defer q.Close()

	if _, err := q.ClassifyNow(context.Background(), []Request{{Body: "hm?"}}); !errors.Is(err, ErrUnclassified) {
		t.Fatalf("degraded ClassifyNow: err = %v, want ErrUnclassified", err)
	}
}
