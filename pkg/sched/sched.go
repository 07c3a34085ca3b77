// Package sched runs policy evaluations on a bounded worker pool and owns
// the table of parked requests. It is the interpreter's Waker: when a parked
// request becomes runnable it is handed back to the pool rather than resumed
// on the goroutine that woke it.
package sched

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gatekeep-io/gatekeep/pkg/domain"
	"github.com/gatekeep-io/gatekeep/pkg/interp"
)

// Options configure a Scheduler.
type Options struct {
	Logger      *slog.Logger
	Workers     int
	QueueDepth  int
	ParkTimeout time.Duration // zero disables the timeout
	Metrics     *Metrics      // nil allocates a private set
}

type taskKind int

const (
	taskStart taskKind = iota
	taskResume
)

type task struct {
	kind  taskKind
	req   *interp.Request
	entry interp.Node
}

// tracked is the scheduler's bookkeeping for one submitted request.
type tracked struct {
	req    *interp.Request
	policy string
	start  time.Time
	timer  *time.Timer
	parked bool
	done   func(interp.Outcome)
}

// Scheduler dispatches evaluations to workers and resumes parked requests.
type Scheduler struct {
	in      *interp.Interpreter
	log     *slog.Logger
	metrics *Metrics

	queue       chan task
	parkTimeout time.Duration

	mu      sync.Mutex
	active  map[uuid.UUID]*tracked
	stopped bool

	stopC chan struct{}
	wg    sync.WaitGroup
}

// New builds a scheduler and its interpreter. The scheduler is the
// interpreter's waker, so every resumption funnels through the pool.
func New(opts Options) *Scheduler {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	depth := opts.QueueDepth
	if depth <= 0 {
		depth = 64
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}

	s := &Scheduler{
		log:         log,
		metrics:     metrics,
		queue:       make(chan task, depth),
		parkTimeout: opts.ParkTimeout,
		active:      make(map[uuid.UUID]*tracked),
		stopC:       make(chan struct{}),
	}
	s.in = interp.New(interp.Options{Logger: log, Waker: s})

	s.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go s.worker()
	}
	return s
}

// Interpreter exposes the scheduler's interpreter, mainly for signalling.
func (s *Scheduler) Interpreter() *interp.Interpreter { return s.in }

// Submit queues one evaluation. done is called exactly once with the
// terminal outcome, on a worker goroutine.
func (s *Scheduler) Submit(ctx context.Context, policy string, entry interp.Node, dreq *domain.Request, done func(interp.Outcome)) error {
	req := s.in.NewRequest(dreq)

	tr := &tracked{req: req, policy: policy, start: time.Now(), done: done}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is stopped")
	}
	s.active[req.ID] = tr
	s.mu.Unlock()

	req.OnDone = func(out interp.Outcome) { s.complete(req, out) }

	select {
	case s.queue <- task{kind: taskStart, req: req, entry: entry}:
		s.metrics.queueDepth.Set(float64(len(s.queue)))
		return nil
	case <-ctx.Done():
		s.forget(req.ID)
		return ctx.Err()
	}
}

// Wake re-enqueues a runnable request. Never drops: when the queue is full
// the enqueue moves to its own goroutine.
func (s *Scheduler) Wake(req *interp.Request) {
	t := task{kind: taskResume, req: req}
	select {
	case s.queue <- t:
		s.metrics.queueDepth.Set(float64(len(s.queue)))
	default:
		go func() {
			select {
			case s.queue <- t:
			case <-s.stopC:
			}
		}()
	}
}

// Stop cancels parked requests and waits for the workers to exit, bounded
// by the context.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	parked := make([]*interp.Request, 0, len(s.active))
	for _, tr := range s.active {
		if tr.parked {
			parked = append(parked, tr.req)
		}
	}
	s.mu.Unlock()

	for _, req := range parked {
		s.in.Signal(req, domain.SignalCancel)
	}

	// Let in-flight completions drain before the workers exit.
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
drain:
	for {
		s.mu.Lock()
		n := len(s.active)
		s.mu.Unlock()
		if n == 0 {
			break
		}
		select {
		case <-ctx.Done():
			break drain
		case <-ticker.C:
		}
	}

	close(s.stopC)
	waitC := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitC)
	}()

	select {
	case <-waitC:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) worker() {
	defer s.wg.Done()

	// Worker-local module handles, reused across every request this
	// worker touches.
	handles := make(map[string]any)

	for {
		select {
		case <-s.stopC:
			return
		case t := <-s.queue:
			s.metrics.queueDepth.Set(float64(len(s.queue)))
			t.req.Handles = handles

			var done bool
			var err error
			switch t.kind {
			case taskStart:
				_, done, err = s.in.Execute(context.Background(), t.req, t.entry)
			case taskResume:
				s.unpark(t.req)
				_, done, err = s.in.Resume(context.Background(), t.req)
			}
			if err != nil {
				s.log.Debug("task dropped", "request_id", t.req.ID, "error", err)
				continue
			}
			if !done {
				s.park(t.req)
			}
		}
	}
}

// park arms the timeout for a request that suspended under this scheduler.
// Each park starts a fresh timeout; unpark cleared the previous one when
// the request resumed.
func (s *Scheduler) park(req *interp.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr, ok := s.active[req.ID]
	if !ok {
		// Detached sub-request or a completion that raced the park;
		// nothing to track.
		return
	}
	if !tr.parked {
		tr.parked = true
		s.metrics.parked.Inc()
	}
	if s.parkTimeout > 0 && tr.timer == nil {
		tr.timer = time.AfterFunc(s.parkTimeout, func() { s.expire(req) })
	}
}

// unpark clears the parked bookkeeping before a resume runs, so the park
// timeout can never fire against a request that is executing on a worker.
func (s *Scheduler) unpark(req *interp.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr, ok := s.active[req.ID]
	if !ok {
		return
	}
	if tr.timer != nil {
		tr.timer.Stop()
		tr.timer = nil
	}
	if tr.parked {
		tr.parked = false
		s.metrics.parked.Dec()
	}
}

// expire cancels a request whose park outlived the timeout. A fired timer
// can race the resume that would have stopped it, so the parked flag is
// re-checked under the lock and stale callbacks do nothing.
func (s *Scheduler) expire(req *interp.Request) {
	s.mu.Lock()
	tr, ok := s.active[req.ID]
	live := ok && tr.parked
	var policy string
	if ok {
		policy = tr.policy
	}
	s.mu.Unlock()
	if !live {
		return
	}

	s.metrics.parkTimeouts.Inc()
	s.log.Warn("parked request timed out", "request_id", req.ID, "policy", policy)
	s.in.Signal(req, domain.SignalTimeout)
	s.in.Signal(req, domain.SignalCancel)
}

func (s *Scheduler) complete(req *interp.Request, out interp.Outcome) {
	tr := s.forget(req.ID)
	if tr == nil {
		return
	}
	s.metrics.requestsTotal.WithLabelValues(tr.policy, out.Rcode.String()).Inc()
	s.metrics.requestLatency.WithLabelValues(tr.policy).Observe(time.Since(tr.start).Seconds())
	if tr.done != nil {
		tr.done(out)
	}
}

func (s *Scheduler) forget(id uuid.UUID) *tracked {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.active[id]
	if !ok {
		return nil
	}
	delete(s.active, id)
	if tr.timer != nil {
		tr.timer.Stop()
	}
	if tr.parked {
		s.metrics.parked.Dec()
	}
	return tr
}
