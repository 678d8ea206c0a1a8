package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jon9314/Odyssey/pkg/config"
	"github.com/jon9314/Odyssey/pkg/logging"
	"github.com/jon9314/Odyssey/pkg/store"
)

func openTestQueue(t *testing.T, cfg config.QueueConfig) *Queue {
	t.Helper()
	pool, err := store.Open(config.LedgerConfig{
		Path:     filepath.Join(t.TempDir(), "queue.db"),
		PoolSize: 4,
	}, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return New(pool, cfg, logging.Discard())
}

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		Concurrency:  2,
		PollInterval: 10 * time.Millisecond,
		LeaseTimeout: time.Minute,
		MaxAttempts:  2,
	}
}

func TestClaimOrder(t *testing.T) {
	q := openTestQueue(t, testQueueConfig())
	ctx := context.Background()

	task, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, task, "empty queue")

	first, err := q.Enqueue(ctx, KindValidate, "prop_a")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, KindMerge, "prop_b")
	require.NoError(t, err)

	task, err = q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, first.ID, task.ID)
	assert.Equal(t, KindValidate, task.Kind)
	assert.Equal(t, "prop_a", task.ProposalID)
	assert.Equal(t, StateRunning, task.State)
	assert.Equal(t, 1, task.Attempts)

	task, err = q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "prop_b", task.ProposalID)

	task, err = q.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, task, "running tasks with live leases are not handed out")
}

func TestCompleteAndFail(t *testing.T) {
	q := openTestQueue(t, testQueueConfig())
	ctx := context.Background()

	done, err := q.Enqueue(ctx, KindValidate, "prop_a")
	require.NoError(t, err)
	_, err = q.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, done.ID))

	got, err := q.Get(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDone, got.State)

	flaky, err := q.Enqueue(ctx, KindMerge, "prop_b")
	require.NoError(t, err)

	_, err = q.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, flaky.ID, errors.New("ledger unreachable")))

	got, err = q.Get(ctx, flaky.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, got.State, "retried while attempts remain")
	assert.Equal(t, "ledger unreachable", got.LastError)

	retry, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, retry)
	assert.Equal(t, 2, retry.Attempts)
	require.NoError(t, q.Fail(ctx, flaky.ID, errors.New("still unreachable")))

	got, err = q.Get(ctx, flaky.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)

	assert.ErrorIs(t, q.Complete(ctx, 999), ErrTaskNotFound)
	_, err = q.Get(ctx, 999)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestLeaseExpiryRedelivers(t *testing.T) {
	q := openTestQueue(t, testQueueConfig())
	ctx := context.Background()

	clock := time.Now().UTC()
	q.now = func() time.Time { return clock }

	enqueued, err := q.Enqueue(ctx, KindValidate, "prop_a")
	require.NoError(t, err)
	_, err = q.Claim(ctx)
	require.NoError(t, err)

	// The worker dies; after the lease the task is handed out again
	clock = clock.Add(2 * time.Minute)
	task, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, enqueued.ID, task.ID)
	assert.Equal(t, 2, task.Attempts)

	// The second worker dies too and the task has no attempts left
	clock = clock.Add(2 * time.Minute)
	task, err = q.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, task)

	got, err := q.Get(ctx, enqueued.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, "lease expired", got.LastError)
}

func TestConcurrentClaimsAreExclusive(t *testing.T) {
	q := openTestQueue(t, testQueueConfig())
	ctx := context.Background()

	const tasks = 20
	for i := 0; i < tasks; i++ {
		_, err := q.Enqueue(ctx, KindValidate, fmt.Sprintf("prop_%d", i))
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := make(map[int64]int)
	var wg sync.WaitGroup
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := q.Claim(ctx)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if task == nil {
					return
				}
				mu.Lock()
				seen[task.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, tasks)
	for id, n := range seen {
		assert.Equal(t, 1, n, "task %d claimed more than once", id)
	}
}

func TestRunOnceWithMux(t *testing.T) {
	q := openTestQueue(t, testQueueConfig())
	ctx := context.Background()

	var validated []string
	mux := NewMux()
	mux.Register(KindValidate, HandlerFunc(func(ctx context.Context, task *Task) error {
		validated = append(validated, task.ProposalID)
		return nil
	}))

	ok, err := q.Enqueue(ctx, KindValidate, "prop_a")
	require.NoError(t, err)
	orphan, err := q.Enqueue(ctx, KindMerge, "prop_b")
	require.NoError(t, err)

	handled, err := q.RunOnce(ctx, mux)
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, []string{"prop_a"}, validated)

	got, err := q.Get(ctx, ok.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDone, got.State)

	handled, err = q.RunOnce(ctx, mux)
	require.NoError(t, err)
	assert.True(t, handled)

	got, err = q.Get(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, got.State)
	assert.Contains(t, got.LastError, `no handler for task kind "merge"`)
	assert.Contains(t, got.LastError, "validate")
}

func TestRunOnceRecoversPanics(t *testing.T) {
	q := openTestQueue(t, testQueueConfig())
	ctx := context.Background()

	task, err := q.Enqueue(ctx, KindValidate, "prop_a")
	require.NoError(t, err)

	handled, err := q.RunOnce(ctx, HandlerFunc(func(ctx context.Context, task *Task) error {
		panic("boom")
	}))
	require.NoError(t, err)
	assert.True(t, handled)

	got, err := q.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Contains(t, got.LastError, "panic")
	assert.Contains(t, got.LastError, "boom")
}

func TestDrain(t *testing.T) {
	q := openTestQueue(t, testQueueConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, KindValidate, fmt.Sprintf("prop_%d", i))
		require.NoError(t, err)
	}

	n, err := q.Drain(ctx, HandlerFunc(func(ctx context.Context, task *Task) error { return nil }))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[StateDone])
	assert.Zero(t, counts[StatePending])
}

func TestRunProcessesUntilCancelled(t *testing.T) {
	q := openTestQueue(t, testQueueConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const tasks = 6
	var handled atomic.Int32
	allDone := make(chan struct{})

	h := HandlerFunc(func(ctx context.Context, task *Task) error {
		if handled.Add(1) == tasks {
			close(allDone)
		}
		return nil
	})

	for i := 0; i < tasks; i++ {
		_, err := q.Enqueue(ctx, KindValidate, fmt.Sprintf("prop_%d", i))
		require.NoError(t, err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- q.Run(ctx, h) }()

	select {
	case <-allDone:
	case <-time.After(10 * time.Second):
		t.Fatal("workers did not process all tasks")
	}
	cancel()

	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	tasksFor, err := q.Tasks(context.Background(), "prop_0")
	require.NoError(t, err)
	require.Len(t, tasksFor, 1)
	assert.Equal(t, StateDone, tasksFor[0].State)
}
