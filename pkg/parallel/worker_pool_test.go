package parallel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	apperrors "github.com/citymodel-pipeline/pkg/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// countingWorker keeps a local count and merges it into total on Close.
type countingWorker struct {
	seen  *sync.Map
	local int64
	total *atomic.Int64
}

func (w *countingWorker) Process(ctx context.Context, item int) {
	if _, dup := w.seen.LoadOrStore(item, true); dup {
		panic("item processed twice")
	}
	w.local++
}

func (w *countingWorker) Close() {
	w.total.Add(w.local)
}

func funcFactory(fn func(ctx context.Context, item int)) WorkerFactory[int] {
	return func(WorkerInfo) (Worker[int], error) {
		return WorkerFunc[int](fn), nil
	}
}

func TestPool_ProcessesEveryItemExactlyOnce(t *testing.T) {
	seen := &sync.Map{}
	var total atomic.Int64
	var created atomic.Int32

	cfg := DefaultPoolConfig("test").WithSize(4, 4).WithQueueCapacity(8)
	pool := NewPool[int](context.Background(), cfg, func(info WorkerInfo) (Worker[int], error) {
		created.Add(1)
		return &countingWorker{seen: seen, total: &total}, nil
	}, nil)

	started, err := pool.PrestartCoreWorkers()
	require.NoError(t, err)
	assert.Equal(t, 4, started)
	assert.Equal(t, StateRunning, pool.State())

	const n = 1000
	for i := 0; i < n; i++ {
		require.NoError(t, pool.AddWork(context.Background(), i))
	}
	pool.ShutdownAndWait()

	assert.Equal(t, int64(n), total.Load())
	assert.Equal(t, StateTerminated, pool.State())
	stats := pool.Stats()
	assert.Equal(t, int64(n), stats.Processed)
	assert.Equal(t, 0, stats.Size)
	assert.Equal(t, int32(4), created.Load())
}

func TestPool_ShutdownAndWaitIsIdempotent(t *testing.T) {
	pool := NewPool[int](context.Background(), DefaultPoolConfig("idem").WithSize(2, 2),
		funcFactory(func(context.Context, int) {}), nil)
	_, err := pool.PrestartCoreWorkers()
	require.NoError(t, err)

	pool.ShutdownAndWait()
	pool.ShutdownAndWait()

	assert.Equal(t, StateTerminated, pool.State())
	assert.ErrorIs(t, pool.AddWork(context.Background(), 1), ErrPoolShutdown)

	select {
	case <-pool.Done():
	default:
		t.Fatal("Done channel not closed")
	}
}

func TestPool_ShutdownBeforeStart(t *testing.T) {
	pool := NewPool[int](context.Background(), DefaultPoolConfig("unused"),
		funcFactory(func(context.Context, int) {}), nil)
	assert.ErrorIs(t, pool.AddWork(context.Background(), 1), ErrPoolShutdown)

	pool.ShutdownAndWait()
	assert.Equal(t, StateTerminated, pool.State())

	_, err := pool.PrestartCoreWorkers()
	assert.ErrorIs(t, err, ErrPoolShutdown)
}

func TestPool_ZeroWorkersIsFatal(t *testing.T) {
	pool := NewPool[int](context.Background(), DefaultPoolConfig("broken").WithSize(3, 3),
		func(WorkerInfo) (Worker[int], error) {
			return nil, errors.New("no connection")
		}, nil)

	started, err := pool.PrestartCoreWorkers()
	require.Error(t, err)
	assert.Equal(t, 0, started)
	assert.True(t, apperrors.IsPoolLaunchError(err))
	assert.Contains(t, err.Error(), "no connection")
	assert.Equal(t, StateTerminated, pool.State())
}

func TestPool_PartialLaunch(t *testing.T) {
	pool := NewPool[int](context.Background(), DefaultPoolConfig("partial").WithSize(3, 3),
		func(info WorkerInfo) (Worker[int], error) {
			if info.ID == 2 {
				return nil, errors.New("no connection")
			}
			return WorkerFunc[int](func(context.Context, int) {}), nil
		}, nil)

	started, err := pool.PrestartCoreWorkers()
	require.NoError(t, err)
	assert.Equal(t, 2, started)
	pool.ShutdownAndWait()
}

func TestPool_Backpressure(t *testing.T) {
	release := make(chan struct{})
	pool := NewPool[int](context.Background(), DefaultPoolConfig("bp").WithSize(1, 1).WithQueueCapacity(1),
		funcFactory(func(context.Context, int) { <-release }), nil)
	_, err := pool.PrestartCoreWorkers()
	require.NoError(t, err)

	require.NoError(t, pool.AddWork(context.Background(), 1))
	// Item 2 may wait until the worker picks up item 1.
	require.NoError(t, addWithTimeout(pool, 2, time.Second))

	err = addWithTimeout(pool, 3, 50*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	pool.ShutdownAndWait()
}

func addWithTimeout(pool *Pool[int], item int, d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return pool.AddWork(ctx, item)
}

func TestPool_DrainWorkQueue(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var processed atomic.Int32

	pool := NewPool[int](context.Background(), DefaultPoolConfig("drain").WithSize(1, 1).WithQueueCapacity(10),
		funcFactory(func(ctx context.Context, item int) {
			if item == 0 {
				close(started)
				<-release
			}
			processed.Add(1)
		}), nil)
	_, err := pool.PrestartCoreWorkers()
	require.NoError(t, err)

	require.NoError(t, pool.AddWork(context.Background(), 0))
	<-started
	for i := 1; i <= 3; i++ {
		require.NoError(t, pool.AddWork(context.Background(), i))
	}

	assert.Equal(t, 3, pool.DrainWorkQueue())
	close(release)
	pool.ShutdownAndWait()

	assert.Equal(t, int32(1), processed.Load())
	assert.Equal(t, int64(3), pool.Stats().Discarded)
}

func TestPool_ShutdownNowCancelsInFlight(t *testing.T) {
	started := make(chan struct{})
	var sawCancel atomic.Bool

	pool := NewPool[int](context.Background(), DefaultPoolConfig("now").WithSize(1, 1).WithQueueCapacity(10),
		funcFactory(func(ctx context.Context, item int) {
			if item == 0 {
				close(started)
				<-ctx.Done()
				sawCancel.Store(true)
			}
		}), nil)
	_, err := pool.PrestartCoreWorkers()
	require.NoError(t, err)

	require.NoError(t, pool.AddWork(context.Background(), 0))
	<-started
	require.NoError(t, pool.AddWork(context.Background(), 1))
	require.NoError(t, pool.AddWork(context.Background(), 2))

	discarded := pool.ShutdownNow()
	assert.Equal(t, 2, discarded)
	assert.True(t, sawCancel.Load())
	assert.Equal(t, StateTerminated, pool.State())
}

func TestPool_CallerCancelDoesNotCancelInFlight(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	release := make(chan struct{})
	var workerErr atomic.Value

	pool := NewPool[int](ctx, DefaultPoolConfig("inflight").WithSize(1, 1),
		funcFactory(func(wctx context.Context, item int) {
			close(started)
			<-release
			workerErr.Store(errOrNil(wctx.Err()))
		}), nil)
	_, err := pool.PrestartCoreWorkers()
	require.NoError(t, err)

	require.NoError(t, pool.AddWork(ctx, 1))
	<-started
	cancel()
	assert.ErrorIs(t, pool.AddWork(ctx, 2), context.Canceled)

	close(release)
	pool.ShutdownAndWait()
	assert.Equal(t, "", workerErr.Load())
}

func errOrNil(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func TestPool_DaemonStopsWithParent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var processed atomic.Int32

	pool := NewPool[int](ctx, DefaultPoolConfig("daemon").WithSize(2, 2).WithDaemon(true),
		funcFactory(func(context.Context, int) { processed.Add(1) }), nil)
	_, err := pool.PrestartCoreWorkers()
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, pool.AddWork(context.Background(), i))
	}
	cancel()

	assert.Eventually(t, func() bool {
		return pool.State() == StateDraining || pool.State() == StateTerminated
	}, time.Second, 5*time.Millisecond)
	pool.ShutdownAndWait()
	assert.Equal(t, int32(10), processed.Load())
}

func TestPool_RecoversPanics(t *testing.T) {
	var processed atomic.Int32
	pool := NewPool[int](context.Background(), DefaultPoolConfig("panic").WithSize(1, 1),
		funcFactory(func(ctx context.Context, item int) {
			if item == 1 {
				panic("bad item")
			}
			processed.Add(1)
		}), nil)
	_, err := pool.PrestartCoreWorkers()
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, pool.AddWork(context.Background(), i))
	}
	pool.ShutdownAndWait()

	stats := pool.Stats()
	assert.Equal(t, int32(2), processed.Load())
	assert.Equal(t, int64(2), stats.Processed)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestPool_GrowsUnderQueuePressure(t *testing.T) {
	release := make(chan struct{})
	cfg := DefaultPoolConfig("grow").
		WithSize(1, 3).
		WithQueueCapacity(4).
		WithStrategy(QueuePressureStrategy{GrowAt: 0.5})

	pool := NewPool[int](context.Background(), cfg, funcFactory(func(context.Context, int) { <-release }), nil)
	_, err := pool.PrestartCoreWorkers()
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		require.NoError(t, addWithTimeout(pool, i, time.Second))
	}

	size := pool.Stats().Size
	assert.Greater(t, size, 1)
	assert.LessOrEqual(t, size, 3)

	close(release)
	pool.ShutdownAndWait()
	assert.Equal(t, int64(6), pool.Stats().Processed)
}

func TestPool_EventSource(t *testing.T) {
	var sources sync.Map
	pool := NewPool[int](context.Background(), DefaultPoolConfig("src").WithSize(2, 2),
		func(info WorkerInfo) (Worker[int], error) {
			sources.Store(info.ID, info.Source)
			return WorkerFunc[int](func(context.Context, int) {}), nil
		}, nil)

	assert.Equal(t, "src", pool.EventSource())
	pool.SetEventSource("run-1/tile-0_0")
	_, err := pool.PrestartCoreWorkers()
	require.NoError(t, err)
	pool.ShutdownAndWait()

	sources.Range(func(_, v any) bool {
		assert.Equal(t, "run-1/tile-0_0", v)
		return true
	})
}

func TestPool_Monitor(t *testing.T) {
	pool := NewPool[int](context.Background(), DefaultPoolConfig("mon").WithSize(1, 1),
		funcFactory(func(context.Context, int) {}), nil)
	_, err := pool.PrestartCoreWorkers()
	require.NoError(t, err)

	var calls atomic.Int32
	done := make(chan struct{})
	go func() {
		pool.Monitor(context.Background(), 5*time.Millisecond, func(PoolStats) { calls.Add(1) })
		close(done)
	}()

	assert.Eventually(t, func() bool { return calls.Load() > 0 }, time.Second, 5*time.Millisecond)
	pool.ShutdownAndWait()
	<-done
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "new", StateNew.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "draining", StateDraining.String())
	assert.Equal(t, "terminated", StateTerminated.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestForEach(t *testing.T) {
	var sum atomic.Int64
	items := []int{1, 2, 3, 4, 5}

	err := ForEach(context.Background(), items, 2, func(ctx context.Context, item int) error {
		sum.Add(int64(item))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(15), sum.Load())
}

func TestForEach_JoinsErrors(t *testing.T) {
	var attempted atomic.Int32
	errA := errors.New("a failed")
	errB := errors.New("b failed")

	err := ForEach(context.Background(), []string{"a", "b", "c"}, 0, func(ctx context.Context, item string) error {
		attempted.Add(1)
		switch item {
		case "a":
			return errA
		case "b":
			return errB
		}
		return nil
	})

	assert.Equal(t, int32(3), attempted.Load())
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
}

func TestForEach_Empty(t *testing.T) {
	assert.NoError(t, ForEach(context.Background(), []int(nil), 4, func(context.Context, int) error {
		return errors.New("never called")
	}))
}

func BenchmarkPool(b *testing.B) {
	pool := NewPool[int](context.Background(), DefaultPoolConfig("bench"),
		funcFactory(func(context.Context, int) {}), nil)
	if _, err := pool.PrestartCoreWorkers(); err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = pool.AddWork(context.Background(), i)
	}
	pool.ShutdownAndWait()
}
