// Package parallel provides the bounded worker pool used by the export and
// import pipelines, plus small helpers for parallel processing.
package parallel

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/citymodel-pipeline/pkg/errors"
	"github.com/citymodel-pipeline/pkg/utils"
)

// ErrPoolShutdown is returned by AddWork once the pool stopped accepting work.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// ============================================================================
// Lifecycle
// ============================================================================

// State is the lifecycle state of a Pool.
type State int32

const (
	StateNew State = iota
	StateRunning
	StateDraining
	StateTerminated
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// ============================================================================
// Workers
// ============================================================================

// Worker processes items handed out by a Pool. Each worker is owned by
// exactly one goroutine. Close is called once when that goroutine exits and
// is the place to merge worker-local state into shared totals.
type Worker[T any] interface {
	Process(ctx context.Context, item T)
	Close()
}

// WorkerFunc adapts a plain function to the Worker interface.
type WorkerFunc[T any] func(ctx context.Context, item T)

// Process implements Worker.
func (f WorkerFunc[T]) Process(ctx context.Context, item T) {
	f(ctx, item)
}

// Close implements Worker.
func (f WorkerFunc[T]) Close() {}

// WorkerInfo is passed to the factory for every worker the pool launches.
type WorkerInfo struct {
	ID     int
	Pool   string
	Source string
}

// WorkerFactory creates the worker owned by one pool goroutine.
// A factory error means the worker could not acquire its resources.
type WorkerFactory[T any] func(info WorkerInfo) (Worker[T], error)

// ============================================================================
// Pool Configuration
// ============================================================================

// PoolConfig configures the worker pool behavior.
type PoolConfig struct {
	// Name identifies the pool in logs.
	Name string

	// CoreSize is the number of workers launched by PrestartCoreWorkers.
	// Core workers never retire.
	CoreSize int

	// MaxSize bounds the number of workers the strategy may grow to.
	MaxSize int

	// QueueCapacity is the buffer size of the work queue.
	// Default: MaxSize * 2
	QueueCapacity int

	// Daemon pools also shut down (draining accepted work) when the
	// context passed to NewPool is cancelled.
	Daemon bool

	// Strategy decides when to grow toward MaxSize and when to shrink.
	// Default: FixedStrategy
	Strategy Strategy

	// IdleTimeout is how long a worker above core size waits for work
	// before asking the strategy whether it may retire.
	// Default: 5s
	IdleTimeout time.Duration
}

// DefaultPoolConfig returns a default pool configuration.
func DefaultPoolConfig(name string) PoolConfig {
	workers := runtime.NumCPU()
	if workers > 8 {
		workers = 8
	}
	if workers < 2 {
		workers = 2
	}
	return PoolConfig{
		Name:          name,
		CoreSize:      workers,
		MaxSize:       workers,
		QueueCapacity: workers * 2,
		Strategy:      FixedStrategy{},
		IdleTimeout:   5 * time.Second,
	}
}

// WithSize returns a new config with the given core and max size.
func (c PoolConfig) WithSize(core, max int) PoolConfig {
	c.CoreSize = core
	c.MaxSize = max
	return c
}

// WithQueueCapacity returns a new config with the given queue capacity.
func (c PoolConfig) WithQueueCapacity(n int) PoolConfig {
	c.QueueCapacity = n
	return c
}

// WithStrategy returns a new config with the given adaptation strategy.
func (c PoolConfig) WithStrategy(s Strategy) PoolConfig {
	c.Strategy = s
	return c
}

// WithDaemon returns a new config with the daemon flag set.
func (c PoolConfig) WithDaemon(daemon bool) PoolConfig {
	c.Daemon = daemon
	return c
}

func (c PoolConfig) normalized() PoolConfig {
	if c.CoreSize <= 0 {
		c.CoreSize = 1
	}
	if c.MaxSize < c.CoreSize {
		c.MaxSize = c.CoreSize
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = c.MaxSize * 2
	}
	if c.Strategy == nil {
		c.Strategy = FixedStrategy{}
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Second
	}
	if c.Name == "" {
		c.Name = "pool"
	}
	return c
}

// ============================================================================
// Pool Statistics
// ============================================================================

// PoolStats is a point-in-time snapshot of a pool.
type PoolStats struct {
	Name      string
	State     State
	CoreSize  int
	MaxSize   int
	Size      int
	Active    int
	Queued    int
	Capacity  int
	Processed int64
	Failed    int64
	Discarded int64
}

// ============================================================================
// Worker Pool
// ============================================================================

// Pool is a bounded worker pool with a blocking queue. Producers are
// backpressured when the queue is full; accepted work is never dropped
// except by DrainWorkQueue or ShutdownNow.
type Pool[T any] struct {
	config  PoolConfig
	factory WorkerFactory[T]
	logger  utils.Logger

	// mu orders queue sends (read side) against closing the queue (write side).
	mu    sync.RWMutex
	queue chan T

	state  atomic.Int32
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	size      atomic.Int32
	active    atomic.Int32
	nextID    atomic.Int32
	processed atomic.Int64
	failed    atomic.Int64
	discarded atomic.Int64

	source    atomic.Value
	closeOnce sync.Once
	doneOnce  sync.Once
	done      chan struct{}
}

// NewPool creates a pool. Workers receive a context derived from ctx that is
// not cancelled with it: in-flight items finish even when the caller
// cancels, and only ShutdownNow cancels the worker context.
func NewPool[T any](ctx context.Context, config PoolConfig, factory WorkerFactory[T], logger utils.Logger) *Pool[T] {
	config = config.normalized()
	p := &Pool[T]{
		config:  config,
		factory: factory,
		logger:  utils.OrNull(logger).WithField("pool", config.Name),
		queue:   make(chan T, config.QueueCapacity),
		done:    make(chan struct{}),
	}
	p.source.Store(config.Name)
	p.ctx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))

	if config.Daemon {
		go func() {
			select {
			case <-ctx.Done():
				p.logger.Debug("Parent context done, shutting down daemon pool")
				p.closeQueue()
			case <-p.done:
			}
		}()
	}
	return p
}

// Name returns the pool name.
func (p *Pool[T]) Name() string {
	return p.config.Name
}

// State returns the current lifecycle state.
func (p *Pool[T]) State() State {
	return State(p.state.Load())
}

// SetEventSource tags telemetry emitted by this pool's workers.
func (p *Pool[T]) SetEventSource(token string) {
	p.source.Store(token)
}

// EventSource returns the current event source token.
func (p *Pool[T]) EventSource() string {
	return p.source.Load().(string)
}

// PrestartCoreWorkers synchronously launches up to CoreSize workers and
// returns how many started. Launching zero workers is an error; the pool is
// then terminated.
func (p *Pool[T]) PrestartCoreWorkers() (int, error) {
	p.mu.Lock()
	if !p.state.CompareAndSwap(int32(StateNew), int32(StateRunning)) {
		p.mu.Unlock()
		return 0, fmt.Errorf("%s: %w", p.config.Name, ErrPoolShutdown)
	}

	started := 0
	var lastErr error
	for i := 0; i < p.config.CoreSize; i++ {
		p.size.Add(1)
		if err := p.startWorker(); err != nil {
			p.size.Add(-1)
			lastErr = err
			p.logger.Warn("Failed to start worker: %v", err)
			continue
		}
		started++
	}
	p.mu.Unlock()

	if started == 0 {
		p.ShutdownAndWait()
		return 0, apperrors.Wrap(apperrors.CodePoolLaunch,
			fmt.Sprintf("pool %s could not start any worker", p.config.Name), lastErr)
	}

	p.logger.Debug("Started %d/%d core workers (max %d)", started, p.config.CoreSize, p.config.MaxSize)
	return started, nil
}

// startWorker launches one worker goroutine. The caller must have reserved
// a slot in size and must hold mu (read or write) so the launch cannot race
// with closing the queue.
func (p *Pool[T]) startWorker() error {
	id := int(p.nextID.Add(1))
	w, err := p.factory(WorkerInfo{ID: id, Pool: p.config.Name, Source: p.EventSource()})
	if err != nil {
		return err
	}
	p.wg.Add(1)
	go p.run(w)
	return nil
}

// AddWork enqueues item, blocking while the queue is full. It returns
// ErrPoolShutdown once the pool no longer accepts work and ctx.Err() when
// the producer's context is cancelled while waiting.
func (p *Pool[T]) AddWork(ctx context.Context, item T) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.State() != StateRunning {
		return ErrPoolShutdown
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p.maybeGrow()

	select {
	case p.queue <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrPoolShutdown
	}
}

func (p *Pool[T]) maybeGrow() {
	for {
		size := p.size.Load()
		if int(size) >= p.config.MaxSize || !p.config.Strategy.ShouldGrow(p.Stats()) {
			return
		}
		if !p.size.CompareAndSwap(size, size+1) {
			continue
		}
		if err := p.startWorker(); err != nil {
			p.size.Add(-1)
			p.logger.Warn("Failed to grow pool: %v", err)
			return
		}
		p.logger.Debug("Grew pool to %d workers", size+1)
		return
	}
}

// tryRetire releases the caller's slot if the pool is above core size and
// the strategy allows shrinking.
func (p *Pool[T]) tryRetire() bool {
	for {
		size := p.size.Load()
		if int(size) <= p.config.CoreSize || !p.config.Strategy.ShouldShrink(p.Stats()) {
			return false
		}
		if p.size.CompareAndSwap(size, size-1) {
			return true
		}
	}
}

func (p *Pool[T]) run(w Worker[T]) {
	defer p.wg.Done()
	retired := false
	defer func() {
		if !retired {
			p.size.Add(-1)
		}
	}()
	defer w.Close()

	idle := time.NewTimer(p.config.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case item, ok := <-p.queue:
			if !ok {
				return
			}
			p.process(w, item)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.config.IdleTimeout)
		case <-idle.C:
			if p.tryRetire() {
				retired = true
				p.logger.Debug("Worker retired after %v idle", p.config.IdleTimeout)
				return
			}
			idle.Reset(p.config.IdleTimeout)
		}
	}
}

func (p *Pool[T]) process(w Worker[T], item T) {
	p.active.Add(1)
	defer p.active.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			p.failed.Add(1)
			p.logger.Error("Worker panicked: %v", r)
		}
	}()

	w.Process(p.ctx, item)
	p.processed.Add(1)
}

// closeQueue stops accepting work. Workers finish the queued items and exit.
func (p *Pool[T]) closeQueue() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.state.Store(int32(StateDraining))
		close(p.queue)
		p.mu.Unlock()
	})
}

func (p *Pool[T]) terminate() {
	p.wg.Wait()
	p.doneOnce.Do(func() {
		p.state.Store(int32(StateTerminated))
		p.cancel()
		close(p.done)
	})
}

// ShutdownAndWait stops accepting work, lets workers drain the queue and
// joins them. It is idempotent and returns only once the pool terminated.
func (p *Pool[T]) ShutdownAndWait() {
	p.closeQueue()
	p.terminate()
}

// ShutdownNow discards queued work, cancels the worker context and joins
// the workers. In-flight items observe the cancelled context. It returns the
// number of discarded items.
func (p *Pool[T]) ShutdownNow() int {
	p.state.CompareAndSwap(int32(StateRunning), int32(StateDraining))
	n := p.DrainWorkQueue()
	p.cancel()
	n += p.DrainWorkQueue()
	p.closeQueue()
	p.terminate()
	if n > 0 {
		p.logger.Warn("Discarded %d queued items on immediate shutdown", n)
	}
	return n
}

// DrainWorkQueue discards items that have not been started yet. In-flight
// items are not affected. It returns the number of discarded items.
func (p *Pool[T]) DrainWorkQueue() int {
	n := 0
	for {
		select {
		case _, ok := <-p.queue:
			if !ok {
				p.discarded.Add(int64(n))
				return n
			}
			n++
		default:
			p.discarded.Add(int64(n))
			return n
		}
	}
}

// Done is closed once the pool terminated.
func (p *Pool[T]) Done() <-chan struct{} {
	return p.done
}

// Stats returns a snapshot of the pool.
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Name:      p.config.Name,
		State:     p.State(),
		CoreSize:  p.config.CoreSize,
		MaxSize:   p.config.MaxSize,
		Size:      int(p.size.Load()),
		Active:    int(p.active.Load()),
		Queued:    len(p.queue),
		Capacity:  p.config.QueueCapacity,
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Discarded: p.discarded.Load(),
	}
}

// Monitor calls fn with a stats snapshot every interval until ctx is done or
// the pool terminated. It blocks and is meant to run in its own goroutine.
func (p *Pool[T]) Monitor(ctx context.Context, interval time.Duration, fn func(PoolStats)) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
			fn(p.Stats())
		}
	}
}
