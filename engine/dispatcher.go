package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/berserk3142-max/fraud-risk-engine/metrics"
)

const (
	DefaultQueueSize   = 4096
	DefaultWorkers     = 4
	DefaultTaskTimeout = 5 * time.Second

	// at most dropWarnBurst drop warnings, then one per second
	dropWarnBurst = 10
)

type task struct {
	name string
	run  func(ctx context.Context) error
}

// Dispatcher runs side effects (persistence, alert publishing, report
// blocks) off the request path. Submit never blocks: when the queue is
// full the task is dropped and counted.
type Dispatcher struct {
	queue   chan task
	timeout time.Duration
	logger  *slog.Logger

	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	// dropWarn throttles drop warnings; the metric counts every drop.
	dropWarn *rate.Limiter
}

func NewDispatcher(workers, queueSize int, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		queue:    make(chan task, queueSize),
		timeout:  timeout,
		logger:   logger,
		dropWarn: rate.NewLimiter(rate.Every(time.Second), dropWarnBurst),
	}
	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.work()
	}
	return d
}

func (d *Dispatcher) Submit(name string, run func(ctx context.Context) error) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(name)
		return false
	}
	select {
	case d.queue <- task{name: name, run: run}:
		return true
	default:
		d.drop(name)
		return false
	}
}

func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Close stops accepting tasks and waits for the queued ones to finish, or
// for ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher drain: %w", ctx.Err())
	}
}

func (d *Dispatcher) drop(name string) {
	d.dropped.Add(1)
	metrics.DispatchDroppedTotal.WithLabelValues(name).Inc()
	if d.dropWarn.Allow() {
		d.logger.Warn("background task dropped", "task", name, "dropped_total", d.dropped.Load())
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for t := range d.queue {
		d.safeRun(t)
	}
}

func (d *Dispatcher) safeRun(t task) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in background task", "task", t.name, "panic", fmt.Sprint(r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := t.run(ctx); err != nil {
		d.logger.Error("background task failed", "task", t.name, "error", err)
	}
}
