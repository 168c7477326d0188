// Package effects runs best-effort side effects — derived vectorization,
// graph entity renames, contradiction checks, audit appends — without the
// caller awaiting them. Failures are logged and counted, never propagated.
package effects

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Runner executes fire-and-forget tasks on background goroutines. Each task
// gets its own timeout-bounded context detached from the request so a
// finished request does not cancel its derived writes.
type Runner struct {
	logger  *slog.Logger
	timeout time.Duration
	onError func(name string)

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithTimeout bounds each task's execution. Default 30s.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) { r.timeout = d }
}

// WithErrorHook installs a callback invoked once per failed task, used to
// feed the effects failure counter.
func WithErrorHook(fn func(name string)) Option {
	return func(r *Runner) { r.onError = fn }
}

// NewRunner creates a Runner.
func NewRunner(logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{logger: logger, timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Go schedules fn on a background goroutine. The task's error (or panic) is
// logged and swallowed. After Drain, new tasks are dropped with a warning.
func (r *Runner) Go(name string, fn func(ctx context.Context) error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.logger.Warn("effect dropped after drain", "effect", name)
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		err := runRecovered(ctx, fn)
		if err != nil {
			r.logger.Error("effect failed", "effect", name, "error", err)
			if r.onError != nil {
				r.onError(name)
			}
			return
		}
		r.logger.Debug("effect completed", "effect", name)
	}()
}

// Drain stops accepting tasks and waits for in-flight ones, up to ctx.
func (r *Runner) Drain(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func runRecovered(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(ctx)
}
