package sandbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeInstance struct {
	id      int
	running atomic.Bool
	stops   atomic.Int32
}

func (f *fakeInstance) IsRunning() bool { return f.running.Load() }

func (f *fakeInstance) Stop(context.Context) error {
	f.running.Store(false)
	f.stops.Add(1)
	return nil
}

type fakeStarter struct {
	mu      sync.Mutex
	started []*fakeInstance
	err     error
}

func (s *fakeStarter) start(context.Context) (Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	inst := &fakeInstance{id: len(s.started) + 1}
	inst.running.Store(true)
	s.started = append(s.started, inst)
	return inst, nil
}

func (s *fakeStarter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.started)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPoolWarmup(t *testing.T) {
	s := &fakeStarter{}
	p := NewPool(s.start, 2, nil)
	defer p.Close()

	if err := p.Warmup(context.Background(), 5); err != nil {
		t.Fatalf("Warmup failed: %v", err)
	}
	if p.Size() != 2 {
		t.Errorf("Size() = %d, want 2 (bounded by max size)", p.Size())
	}

	// already full
	if err := p.Warmup(context.Background(), 2); err != nil {
		t.Fatalf("Warmup failed: %v", err)
	}
	if s.count() != 2 {
		t.Errorf("started = %d, want 2", s.count())
	}
}

func TestPoolAcquireWarmAndRefill(t *testing.T) {
	s := &fakeStarter{}
	p := NewPool(s.start, 1, nil)
	defer p.Close()

	if err := p.Warmup(context.Background(), 1); err != nil {
		t.Fatalf("Warmup failed: %v", err)
	}

	inst, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if inst.(*fakeInstance).id != 1 {
		t.Errorf("Acquire returned instance %d, want the warm one", inst.(*fakeInstance).id)
	}

	waitFor(t, func() bool { return p.Size() == 1 })
	if s.count() != 2 {
		t.Errorf("started = %d, want 2 after refill", s.count())
	}
}

func TestPoolAcquireSkipsStopped(t *testing.T) {
	s := &fakeStarter{}
	p := NewPool(s.start, 1, nil)
	defer p.Close()

	if err := p.Warmup(context.Background(), 1); err != nil {
		t.Fatalf("Warmup failed: %v", err)
	}
	s.started[0].running.Store(false)

	inst, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if !inst.IsRunning() {
		t.Error("Acquire returned a stopped instance")
	}
	if s.started[0].stops.Load() != 1 {
		t.Error("stopped instance should be discarded")
	}
}

func TestPoolWithoutWarming(t *testing.T) {
	s := &fakeStarter{}
	p := NewPool(s.start, 0, nil)
	defer p.Close()

	for i := 0; i < 3; i++ {
		if _, err := p.Acquire(context.Background()); err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
	}
	time.Sleep(20 * time.Millisecond)
	if s.count() != 3 {
		t.Errorf("started = %d, want 3 (no refill)", s.count())
	}
}

func TestPoolStartError(t *testing.T) {
	boom := errors.New("no daemon")
	s := &fakeStarter{err: boom}
	p := NewPool(s.start, 0, nil)
	defer p.Close()

	if _, err := p.Acquire(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Acquire() error = %v, want %v", err, boom)
	}
}

func TestPoolRelease(t *testing.T) {
	s := &fakeStarter{}
	p := NewPool(s.start, 0, nil)
	defer p.Close()

	inst, _ := p.Acquire(context.Background())
	if err := p.Release(context.Background(), inst); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if inst.IsRunning() {
		t.Error("released instance should be stopped")
	}
	if p.Size() != 0 {
		t.Errorf("Size() = %d, released instances are not reused", p.Size())
	}
}

func TestPoolClose(t *testing.T) {
	s := &fakeStarter{}
	p := NewPool(s.start, 2, nil)

	if err := p.Warmup(context.Background(), 2); err != nil {
		t.Fatalf("Warmup failed: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}

	for _, inst := range s.started {
		if inst.IsRunning() {
			t.Errorf("instance %d still running after Close", inst.id)
		}
	}
	if _, err := p.Acquire(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Acquire() after Close = %v, want ErrPoolClosed", err)
	}

	stats := p.Stats()
	if !stats.Closed || stats.Available != 0 || stats.MaxSize != 2 {
		t.Errorf("Stats() = %+v", stats)
	}
}
