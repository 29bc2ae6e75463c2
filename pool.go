package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	defaultWorkerKeepAlive = 60 * time.Second
	defaultSubmitTimeout   = 60 * time.Second
)

// PoolConfig shapes a Pool.
type PoolConfig struct {
	// CoreSize is the number of workers kept alive while idle.
	CoreSize int
	// MaxSize is the upper bound of concurrent workers. Workers above CoreSize start only when the
	// queue is full and exit after KeepAlive without work.
	MaxSize int
	// QueueCapacity is the number of tasks buffered while all workers are busy.
	QueueCapacity int
	// SubmitTimeout bounds how long Submit blocks on a full queue before ErrPoolSaturated.
	SubmitTimeout time.Duration
	// KeepAlive is the idle time after which a worker above CoreSize exits.
	KeepAlive time.Duration
	Logger    Logger
}

// PoolConfigFor derives the pool shape from per-type settings.
func PoolConfigFor(settings Settings, logger Logger) PoolConfig {
	return PoolConfig{
		CoreSize:      settings.PoolCoreSize,
		MaxSize:       settings.PoolMaxSize,
		QueueCapacity: settings.QueueCapacity(),
		SubmitTimeout: settings.Timeout,
		Logger:        logger,
	}
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.MaxSize <= 0 {
		c.MaxSize = 1
	}
	if c.CoreSize < 0 {
		c.CoreSize = 0
	}
	if c.CoreSize > c.MaxSize {
		c.CoreSize = c.MaxSize
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = defaultSubmitTimeout
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = defaultWorkerKeepAlive
	}
	c.Logger = loggerOrNop(c.Logger)

	return c
}

// Pool is a bounded worker pool. When every worker is busy and the queue is full, Submit blocks
// the producer for up to SubmitTimeout instead of dropping the task.
type Pool struct {
	cfg   PoolConfig
	tasks chan func()
	quit  chan struct{}

	mu         sync.Mutex
	workers    int
	closed     bool
	submitting sync.WaitGroup
	running    sync.WaitGroup
	closeOnce  sync.Once
}

// NewPool builds a pool. Workers start lazily on Submit.
func NewPool(cfg PoolConfig) *Pool {
	cfg = cfg.withDefaults()

	return &Pool{
		cfg:   cfg,
		tasks: make(chan func(), cfg.QueueCapacity),
		quit:  make(chan struct{}),
	}
}

// Config returns the effective pool configuration.
func (p *Pool) Config() PoolConfig {
	return p.cfg
}

// Workers returns the number of live workers.
func (p *Pool) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.workers
}

// Submit schedules task. It returns ErrPoolClosed after Close, ErrPoolSaturated when the queue
// stays full for SubmitTimeout, or the context error.
func (p *Pool) Submit(ctx context.Context, task func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()

		return ErrPoolClosed
	}
	if p.workers < p.cfg.CoreSize {
		p.spawnLocked(task)
		p.mu.Unlock()

		return nil
	}
	select {
	case p.tasks <- task:
		if p.workers == 0 {
			p.spawnLocked(nil)
		}
		p.mu.Unlock()

		return nil
	default:
	}
	if p.workers < p.cfg.MaxSize {
		p.spawnLocked(task)
		p.mu.Unlock()

		return nil
	}
	p.submitting.Add(1)
	p.mu.Unlock()
	defer p.submitting.Done()

	timer := time.NewTimer(p.cfg.SubmitTimeout)
	defer timer.Stop()

	select {
	case p.tasks <- task:
		return nil
	case <-p.quit:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrPoolSaturated
	}
}

// Run submits fn and waits for it to finish. A panic inside fn is returned as ErrWorkerPanic.
func (p *Pool) Run(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	err := p.Submit(ctx, func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("%w: %v", ErrWorkerPanic, rec)
			}
		}()
		done <- fn()
	})
	if err != nil {
		return err
	}

	return <-done
}

// Close stops accepting tasks, runs everything already queued, and waits for workers to exit or
// for ctx to end.
func (p *Pool) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		close(p.quit)
		p.submitting.Wait()

		p.mu.Lock()
		if p.workers == 0 && len(p.tasks) > 0 {
			p.spawnLocked(nil)
		}
		p.mu.Unlock()
		close(p.tasks)
	})

	stopped := make(chan struct{})
	go func() {
		p.running.Wait()
		close(stopped)
	}()

	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) spawnLocked(first func()) {
	p.workers++
	p.running.Add(1)
	go p.work(first)
}

func (p *Pool) work(first func()) {
	defer p.running.Done()

	if first != nil {
		p.execute(first)
	}

	idle := time.NewTimer(p.cfg.KeepAlive)
	defer idle.Stop()

	for {
		select {
		case task, ok := <-p.tasks:
			if !ok {
				p.mu.Lock()
				p.workers--
				p.mu.Unlock()

				return
			}
			p.execute(task)
		case <-idle.C:
			p.mu.Lock()
			if p.workers > p.cfg.CoreSize && len(p.tasks) == 0 {
				p.workers--
				p.mu.Unlock()

				return
			}
			p.mu.Unlock()
		}

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(p.cfg.KeepAlive)
	}
}

func (p *Pool) execute(task func()) {
	defer func() {
		if rec := recover(); rec != nil {
			p.cfg.Logger.Error("outbox pool task panic", "panic", rec)
		}
	}()

	task()
}
