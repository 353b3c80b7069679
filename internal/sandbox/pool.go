package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hkuds/cellbox/internal/metrics"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("pool is closed")

// Starter creates and starts one kernel host.
type Starter func(ctx context.Context) (Instance, error)

// Instance is a started kernel host handed out by a Pool.
type Instance interface {
	IsRunning() bool
	Stop(ctx context.Context) error
}

// Pool keeps pre-started containers so that a new session does not pay
// the container start latency. Containers are never reused: a released
// container is stopped and the pool refills in the background.
type Pool struct {
	start     Starter
	available chan Instance
	maxSize   int
	logger    *slog.Logger

	refilling atomic.Bool
	closed    atomic.Bool
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewPool creates a pool that keeps up to maxSize warm instances.
// A maxSize of zero disables warming: Acquire always starts a new one.
func NewPool(start Starter, maxSize int, logger *slog.Logger) *Pool {
	if maxSize < 0 {
		maxSize = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		start:     start,
		available: make(chan Instance, maxSize),
		maxSize:   maxSize,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// ContainerStarter returns a Starter that runs kernel gateway containers.
func ContainerStarter(cfg ContainerConfig, logger *slog.Logger) (Starter, error) {
	cli, err := NewDockerClient()
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) (Instance, error) {
		c, err := NewContainer(cfg, cli, logger)
		if err != nil {
			return nil, err
		}
		if err := c.Start(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}, nil
}

// Warmup starts instances until count are waiting, bounded by the pool
// size.
func (p *Pool) Warmup(ctx context.Context, count int) error {
	if count > p.maxSize {
		count = p.maxSize
	}
	count -= len(p.available)
	if count <= 0 {
		return nil
	}

	var wg sync.WaitGroup
	errCh := make(chan error, count)

	for i := 0; i < count; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inst, err := p.start(ctx)
			if err != nil {
				errCh <- err
				return
			}
			p.put(inst)
		}()
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

// WarmupAsync starts warming up the pool in the background.
func (p *Pool) WarmupAsync(count int) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(p.ctx, 5*time.Minute)
		defer cancel()
		if err := p.Warmup(ctx, count); err != nil && p.ctx.Err() == nil {
			p.logger.Warn("pool warmup failed", "error", err)
		}
	}()
}

// Acquire takes a warm instance, or starts one when none is waiting.
// Either way a background refill is scheduled.
func (p *Pool) Acquire(ctx context.Context) (Instance, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}

	if inst := p.take(); inst != nil {
		p.refill()
		return inst, nil
	}

	inst, err := p.start(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}
	p.refill()
	return inst, nil
}

// take returns a waiting instance that is still running, or nil.
func (p *Pool) take() Instance {
	for {
		select {
		case inst := <-p.available:
			metrics.WarmContainers.Set(float64(len(p.available)))
			if inst.IsRunning() {
				return inst
			}
			p.discard(inst)
		default:
			return nil
		}
	}
}

// Release stops an instance handed out by Acquire.
func (p *Pool) Release(ctx context.Context, inst Instance) error {
	if inst == nil {
		return nil
	}
	return inst.Stop(ctx)
}

// put adds a started instance to the pool, stopping it when the pool is
// full or closed.
func (p *Pool) put(inst Instance) {
	if p.closed.Load() {
		p.discard(inst)
		return
	}
	select {
	case p.available <- inst:
		metrics.WarmContainers.Set(float64(len(p.available)))
	default:
		p.discard(inst)
	}
}

func (p *Pool) discard(inst Instance) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = inst.Stop(ctx)
}

// refill tops the pool up in the background, one refill at a time.
func (p *Pool) refill() {
	if p.maxSize == 0 || p.closed.Load() {
		return
	}
	if !p.refilling.CompareAndSwap(false, true) {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.refilling.Store(false)
		ctx, cancel := context.WithTimeout(p.ctx, 5*time.Minute)
		defer cancel()
		if err := p.Warmup(ctx, p.maxSize); err != nil && p.ctx.Err() == nil {
			p.logger.Warn("pool refill failed", "error", err)
		}
	}()
}

// Size returns the number of instances currently waiting in the pool.
func (p *Pool) Size() int {
	return len(p.available)
}

// MaxSize returns the maximum pool size.
func (p *Pool) MaxSize() int {
	return p.maxSize
}

// Close stops background warming and every waiting instance.
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()
	p.wg.Wait()

	for {
		select {
		case inst := <-p.available:
			p.discard(inst)
		default:
			metrics.WarmContainers.Set(0)
			return nil
		}
	}
}

// PoolStats holds statistics about the pool.
type PoolStats struct {
	Available int  `json:"available"`
	MaxSize   int  `json:"maxSize"`
	Closed    bool `json:"closed"`
}

// Stats returns current pool statistics.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Available: len(p.available),
		MaxSize:   p.maxSize,
		Closed:    p.closed.Load(),
	}
}
