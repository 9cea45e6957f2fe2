package challenge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Worker consumes evaluation tasks. At most one evaluation per challenge is
// in flight; callers asking for the same challenge meanwhile share its result.
type Worker struct {
	eval    *Evaluator
	tasks   chan string
	group   singleflight.Group
	workers int
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]bool
}

// NewWorker creates a worker with a task buffer of size and n goroutines.
func NewWorker(eval *Evaluator, size, n int, timeout time.Duration, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if size < 1 {
		size = 1
	}
	if n < 1 {
		n = 1
	}
	return &Worker{
		eval:    eval,
		tasks:   make(chan string, size),
		workers: n,
		timeout: timeout,
		logger:  logger,
		pending: make(map[string]bool),
	}
}

// Enqueue schedules an evaluation. Repeated enqueues of a challenge that is
// still waiting collapse into one. A full queue drops the task; the next
// monitor sweep picks the challenge up.
func (w *Worker) Enqueue(challengeID string) {
	w.mu.Lock()
	if w.pending[challengeID] {
		w.mu.Unlock()
		return
	}
	w.pending[challengeID] = true
	w.mu.Unlock()

	select {
	case w.tasks <- challengeID:
	default:
		w.mu.Lock()
		delete(w.pending, challengeID)
		w.mu.Unlock()
		w.logger.Warn("evaluation queue full, dropping task", "challenge", challengeID)
	}
}

// Evaluate runs or joins the in-flight evaluation of challengeID. The shared
// call is detached from ctx so one caller going away does not fail the others;
// it is bounded by the worker timeout instead.
func (w *Worker) Evaluate(ctx context.Context, challengeID string) (*Result, error) {
	v, err, _ := w.group.Do(challengeID, func() (any, error) {
		shared := context.WithoutCancel(ctx)
		if w.timeout > 0 {
			var cancel context.CancelFunc
			shared, cancel = context.WithTimeout(shared, w.timeout)
			defer cancel()
		}
		return w.eval.Evaluate(shared, challengeID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

// Run consumes tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case id := <-w.tasks:
					w.process(ctx, id)
				}
			}
		})
	}
	return g.Wait()
}

func (w *Worker) process(ctx context.Context, challengeID string) {
	w.mu.Lock()
	delete(w.pending, challengeID)
	w.mu.Unlock()

	if _, err := w.Evaluate(ctx, challengeID); err != nil {
		w.logger.Error("evaluation failed", "challenge", challengeID, "err", err)
	}
}
