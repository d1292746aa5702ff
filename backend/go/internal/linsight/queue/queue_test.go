package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linsight/backend/go/internal/models"
	"linsight/backend/go/pkg/logger"
)

func newQueue(t *testing.T, visibility time.Duration) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, visibility, logger.Discard(), WithBlockTimeout(50*time.Millisecond)), mr
}

func TestPushPop_FIFOWithLease(t *testing.T) {
	q, mr := newQueue(t, time.Minute)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, "a"))
	require.NoError(t, q.Push(ctx, "b"))

	job, err := q.Pop(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "a", job.VersionID)
	assert.False(t, job.Redelivered)
	assert.True(t, mr.Exists(leaseKey("a")))
	assert.Equal(t, time.Minute, mr.TTL(leaseKey("a")))

	job, err = q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", job.VersionID)

	pending, processing, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending)
	assert.Equal(t, int64(2), processing)
}

func TestPop_EmptyTimesOut(t *testing.T) {
	q, _ := newQueue(t, time.Minute)
	job, err := q.Pop(context.Background())
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestAck_RemovesProcessingAndLease(t *testing.T) {
	q, mr := newQueue(t, time.Minute)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, "a"))
	_, err := q.Pop(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Ack(ctx, "a"))
	_, processing, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), processing)
	assert.False(t, mr.Exists(leaseKey("a")))
}

func TestRequeue_NeedsTwoSweepsWithoutLease(t *testing.T) {
	q, mr := newQueue(t, time.Minute)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, "a"))
	require.NoError(t, q.Push(ctx, "b"))
	_, err := q.Pop(ctx)
	require.NoError(t, err)
	_, err = q.Pop(ctx)
	require.NoError(t, err)

	// a 的 worker 崩溃, 租约过期; b 仍在续期
	mr.Del(leaseKey("a"))

	n, err := q.Requeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = q.Requeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, processing, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)
	assert.Equal(t, int64(1), processing)

	job, err := q.Pop(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "a", job.VersionID)
	assert.True(t, job.Redelivered)
	assert.False(t, mr.Exists(redeliverKey("a")))
}

func TestRequeue_SuspectRecoveredByRefresh(t *testing.T) {
	q, mr := newQueue(t, time.Minute)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, "a"))
	_, err := q.Pop(ctx)
	require.NoError(t, err)
	mr.Del(leaseKey("a"))

	n, err := q.Requeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, q.Extend(ctx, "a"))
	n, err = q.Requeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	mr.Del(leaseKey("a"))
	n, err = q.Requeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "suspect list resets once the lease reappears")
}

type fakeRunner struct {
	mu       sync.Mutex
	runs     []string
	resumes  []string
	active   int
	peak     int
	release  chan struct{}
	failWith map[string]error
}

func (f *fakeRunner) enter() {
	f.mu.Lock()
	f.active++
	if f.active > f.peak {
		f.peak = f.active
	}
	f.mu.Unlock()
}

func (f *fakeRunner) leave() {
	f.mu.Lock()
	f.active--
	f.mu.Unlock()
}

func (f *fakeRunner) wait(ctx context.Context) error {
	if f.release == nil {
		return nil
	}
	select {
	case <-f.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeRunner) Run(ctx context.Context, id string) error {
	f.enter()
	defer f.leave()
	f.mu.Lock()
	f.runs = append(f.runs, id)
	f.mu.Unlock()
	if err := f.wait(ctx); err != nil {
		return err
	}
	return f.failWith[id]
}

func (f *fakeRunner) Resume(ctx context.Context, id string) error {
	f.enter()
	defer f.leave()
	f.mu.Lock()
	f.resumes = append(f.resumes, id)
	f.mu.Unlock()
	return f.wait(ctx)
}

func (f *fakeRunner) snapshot() (runs, resumes []string, active, peak int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.runs...), append([]string(nil), f.resumes...), f.active, f.peak
}

func TestPool_ProcessesAndAcks(t *testing.T) {
	q, _ := newQueue(t, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Push(ctx, id))
	}
	runner := &fakeRunner{failWith: map[string]error{"b": models.ErrLLM, "c": models.ErrAlreadyInProgress}}
	pool := NewPool(q, runner, 2, time.Hour, logger.Discard())

	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		pending, processing, err := q.Len(context.Background())
		runs, _, _, _ := runner.snapshot()
		return err == nil && pending == 0 && processing == 0 && len(runs) == 3
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("pool did not stop")
	}
	runs, _, _, _ := runner.snapshot()
	assert.ElementsMatch(t, []string{"a", "b", "c"}, runs)
}

func TestPool_RespectsConcurrency(t *testing.T) {
	q, _ := newQueue(t, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, q.Push(ctx, id))
	}
	runner := &fakeRunner{release: make(chan struct{})}
	pool := NewPool(q, runner, 2, time.Hour, logger.Discard())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, _, active, _ := runner.snapshot()
		return active == 2
	}, 3*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	_, _, _, peak := runner.snapshot()
	assert.Equal(t, 2, peak)

	close(runner.release)
	require.Eventually(t, func() bool {
		runs, _, _, _ := runner.snapshot()
		return len(runs) == 4
	}, 3*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestPool_ShutdownLeavesJobUnacked(t *testing.T) {
	q, _ := newQueue(t, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, q.Push(ctx, "a"))
	runner := &fakeRunner{release: make(chan struct{})}
	pool := NewPool(q, runner, 1, time.Hour, logger.Discard())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, _, active, _ := runner.snapshot()
		return active == 1
	}, 3*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	_, processing, err := q.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), processing)
}

func TestPool_RedeliveredJobResumes(t *testing.T) {
	q, mr := newQueue(t, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, q.Push(ctx, "a"))
	_, err := q.Pop(ctx)
	require.NoError(t, err)
	mr.Del(leaseKey("a"))

	runner := &fakeRunner{}
	pool := NewPool(q, runner, 1, 20*time.Millisecond, logger.Discard())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, resumes, _, _ := runner.snapshot()
		return len(resumes) == 1
	}, 3*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	runs, resumes, _, _ := runner.snapshot()
	assert.Empty(t, runs)
	assert.Equal(t, []string{"a"}, resumes)
}
