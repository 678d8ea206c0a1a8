package queue

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
)

// Handler performs a claimed task. A nil return completes the task; an error
// puts it back for another attempt.
type Handler interface {
	Handle(ctx context.Context, task *Task) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, task *Task) error

// Handle calls f
func (f HandlerFunc) Handle(ctx context.Context, task *Task) error {
	return f(ctx, task)
}

// Mux routes tasks to a handler by kind
type Mux struct {
	handlers map[Kind]Handler
}

// NewMux creates an empty Mux
func NewMux() *Mux {
	return &Mux{handlers: make(map[Kind]Handler)}
}

// Register sets the handler for kind
func (m *Mux) Register(kind Kind, h Handler) {
	m.handlers[kind] = h
}

// Handle dispatches the task to the handler registered for its kind
func (m *Mux) Handle(ctx context.Context, task *Task) error {
	h, ok := m.handlers[task.Kind]
	if !ok {
		kinds := lo.Map(lo.Keys(m.handlers), func(k Kind, _ int) string { return string(k) })
		sort.Strings(kinds)
		return fmt.Errorf("no handler for task kind %q (registered: %s)", task.Kind, strings.Join(kinds, ", "))
	}
	return h.Handle(ctx, task)
}

// Run starts cfg.Concurrency workers that claim and handle tasks until ctx
// is cancelled. It returns after every worker has finished its current task.
func (q *Queue) Run(ctx context.Context, h Handler) error {
	workers := q.cfg.Concurrency
	if workers <= 0 {
		workers = 1
	}
	poll := q.cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}

	q.logger.Infof("starting %d queue workers (poll=%s lease=%s)", workers, poll, q.cfg.LeaseTimeout)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			q.work(ctx, worker, h, poll)
		}(i)
	}
	wg.Wait()

	q.logger.Infof("queue workers stopped")
	return ctx.Err()
}

func (q *Queue) work(ctx context.Context, worker int, h Handler, poll time.Duration) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		handled, err := q.RunOnce(ctx, h)
		if err != nil && ctx.Err() == nil {
			q.logger.Errorf("worker %d: %v", worker, err)
		}
		if handled {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims a single task and handles it. It reports whether a task was
// available.
func (q *Queue) RunOnce(ctx context.Context, h Handler) (bool, error) {
	task, err := q.Claim(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	start := time.Now()
	handleErr := q.handle(ctx, h, task)

	// Record the outcome even if the worker is shutting down
	recordCtx := context.WithoutCancel(ctx)
	if handleErr != nil {
		if err := q.Fail(recordCtx, task.ID, handleErr); err != nil {
			return true, err
		}
		return true, nil
	}

	q.logger.Infof("%s task %d for %s done in %s", task.Kind, task.ID, task.ProposalID, time.Since(start).Round(time.Millisecond))
	return true, q.Complete(recordCtx, task.ID)
}

// Drain handles tasks until none are available and returns how many ran
func (q *Queue) Drain(ctx context.Context, h Handler) (int, error) {
	n := 0
	for {
		handled, err := q.RunOnce(ctx, h)
		if err != nil {
			return n, err
		}
		if !handled {
			return n, nil
		}
		n++
	}
}

func (q *Queue) handle(ctx context.Context, h Handler, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic handling %s task %d: %v", task.Kind, task.ID, r)
		}
	}()
	return h.Handle(ctx, task)
}
