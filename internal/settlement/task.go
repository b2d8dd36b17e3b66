package settlement

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task runs fn on a fixed interval in its own goroutine. A run never
// overlaps the previous one; Trigger requests an immediate run.
type Task struct {
	name     string
	interval time.Duration
	fn       func(context.Context)
	log      *zap.Logger

	runMu sync.Mutex // held while fn executes

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	kick   chan struct{}
}

func NewTask(name string, interval time.Duration, fn func(context.Context), log *zap.Logger) *Task {
	return &Task{
		name:     name,
		interval: interval,
		fn:       fn,
		log:      log,
		kick:     make(chan struct{}, 1),
	}
}

// Start launches the loop. It returns false if the task is already running.
func (t *Task) Start(parent context.Context) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return false
	}
	ctx, cancel := context.WithCancel(parent)
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.loop(ctx, t.done)
	t.log.Info("task started", zap.String("task", t.name), zap.Duration("interval", t.interval))
	return true
}

// Stop cancels the loop and waits for an in-progress run to return.
func (t *Task) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	t.log.Info("task stopped", zap.String("task", t.name))
}

func (t *Task) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancel != nil
}

// Trigger asks a running loop for an immediate run. Extra triggers coalesce.
func (t *Task) Trigger() {
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

// RunOnce executes fn unless a run is already in progress and reports whether it ran.
func (t *Task) RunOnce(ctx context.Context) bool {
	return t.Do(func() { t.fn(ctx) })
}

// Do runs f under the same reentrancy guard as the scheduled runs.
func (t *Task) Do(f func()) bool {
	if !t.runMu.TryLock() {
		return false
	}
	defer t.runMu.Unlock()
	f()
	return true
}

func (t *Task) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.RunOnce(ctx)
		case <-t.kick:
			t.RunOnce(ctx)
		}
	}
}
