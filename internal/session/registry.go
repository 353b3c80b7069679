package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hkuds/cellbox/internal/kernel"
	"github.com/hkuds/cellbox/internal/metrics"
)

// ErrRegistryClosed is returned once the registry has been shut down.
var ErrRegistryClosed = errors.New("session registry closed")

// Close reasons recorded in metrics.
const (
	ReasonExplicit = "explicit"
	ReasonIdle     = "idle"
	ReasonShutdown = "shutdown"
)

// acquireAttempts bounds retries when a handle is closed between lookup and
// use by a concurrent Close or eviction.
const acquireAttempts = 3

// entry is a registered session.
type entry struct {
	handle   *kernel.Handle
	created  time.Time
	lastUsed atomic.Int64
	busy     atomic.Int32
}

func (e *entry) touch() {
	e.lastUsed.Store(time.Now().UnixNano())
}

func (e *entry) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, e.lastUsed.Load()))
}

// Registry maps session ids to kernel handles
type Registry struct {
	launcher kernel.Launcher
	opts     kernel.Options
	logger   *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	closed  bool
}

// NewRegistry creates an empty registry. Handles it creates start kernels
// through launcher and are configured with opts.
func NewRegistry(launcher kernel.Launcher, opts kernel.Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		launcher: launcher,
		opts:     opts,
		logger:   logger,
		entries:  make(map[string]*entry),
	}
}

// GetOrCreate returns the handle for id, registering a new unstarted one if
// absent. It always refreshes the session's last-activity time.
func (r *Registry) GetOrCreate(ctx context.Context, id string) (*kernel.Handle, error) {
	e, err := r.getOrCreate(id)
	if err != nil {
		return nil, err
	}
	return e.handle, nil
}

func (r *Registry) getOrCreate(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	closed := r.closed
	r.mu.RUnlock()

	if closed {
		return nil, ErrRegistryClosed
	}
	if ok {
		e.touch()
		return e, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if r.closed {
		return nil, ErrRegistryClosed
	}
	if e, ok := r.entries[id]; ok {
		e.touch()
		return e, nil
	}

	e = &entry{
		handle:  kernel.New(id, r.launcher, r.opts),
		created: time.Now(),
	}
	e.touch()
	r.entries[id] = e

	metrics.SessionsCreatedTotal.Inc()
	metrics.SessionsActive.Set(float64(len(r.entries)))
	r.logger.Debug("session registered", "session", id)
	return e, nil
}

// Lease is a ready session checked out for one execution.
type Lease struct {
	Handle *kernel.Handle
	Client *kernel.Client

	entry *entry
	once  sync.Once
}

// Release returns the lease and marks the session active now.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.entry.touch()
		l.entry.busy.Add(-1)
	})
}

// Acquire returns a lease on a ready, bootstrapped client of session id in
// the given mode, starting the kernel if needed. Sessions with an open
// lease are not evicted for idleness. Startup failures are returned as
// *kernel.StartupError; the session stays registered and retryable.
func (r *Registry) Acquire(ctx context.Context, id string, mode kernel.Mode) (*Lease, error) {
	var lastErr error
	for attempt := 0; attempt < acquireAttempts; attempt++ {
		e, err := r.getOrCreate(id)
		if err != nil {
			return nil, err
		}
		e.busy.Add(1)
		lease := &Lease{Handle: e.handle, entry: e}

		client, err := e.handle.EnsureReady(ctx, mode)
		if err == nil {
			_, err = e.handle.RunBootstrap(ctx, client)
		}
		if err == nil {
			lease.Client = client
			return lease, nil
		}

		lease.Release()
		if !errors.Is(err, kernel.ErrClosed) && !errors.Is(err, kernel.ErrKernelReplaced) {
			return nil, err
		}
		// Closed under us by Close or eviction, or the other mode dropped a
		// kernel that never became ready; the next attempt starts over.
		lastErr = err
	}
	return nil, lastErr
}

// Get returns the handle for id without creating one.
func (r *Registry) Get(id string) (*kernel.Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.handle, true
}

// Close closes and unregisters session id. It is a no-op when id is not
// registered.
func (r *Registry) Close(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	delete(r.entries, id)
	n := len(r.entries)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	metrics.SessionsActive.Set(float64(n))
	return r.closeEntry(ctx, id, e, ReasonExplicit)
}

// CloseAll closes every registered session. The registry stays usable.
func (r *Registry) CloseAll(ctx context.Context) error {
	return r.closeAll(ctx, ReasonExplicit)
}

// Shutdown closes every session and refuses new ones.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return r.closeAll(ctx, ReasonShutdown)
}

func (r *Registry) closeAll(ctx context.Context, reason string) error {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	metrics.SessionsActive.Set(0)
	return r.closeEntries(ctx, entries, reason)
}

// EvictIdle closes every session whose last activity is at least maxIdle
// ago and returns their ids. Sessions with an open lease are kept unless
// maxIdle is zero, which closes everything.
func (r *Registry) EvictIdle(ctx context.Context, maxIdle time.Duration) ([]string, error) {
	now := time.Now()
	victims := make(map[string]*entry)

	r.mu.Lock()
	for id, e := range r.entries {
		if maxIdle > 0 && e.busy.Load() > 0 {
			continue
		}
		if e.idleFor(now) >= maxIdle {
			victims[id] = e
			delete(r.entries, id)
		}
	}
	n := len(r.entries)
	r.mu.Unlock()

	if len(victims) == 0 {
		return nil, nil
	}
	metrics.SessionsActive.Set(float64(n))

	ids := make([]string, 0, len(victims))
	for id := range victims {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	r.logger.Info("evicting idle sessions", "count", len(ids), "max_idle", maxIdle)
	return ids, r.closeEntries(ctx, victims, ReasonIdle)
}

func (r *Registry) closeEntries(ctx context.Context, entries map[string]*entry, reason string) error {
	var g errgroup.Group
	g.SetLimit(8)
	var mu sync.Mutex
	var errs []error
	for id, e := range entries {
		g.Go(func() error {
			if err := r.closeEntry(ctx, id, e, reason); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

func (r *Registry) closeEntry(ctx context.Context, id string, e *entry, reason string) error {
	metrics.SessionsClosedTotal.WithLabelValues(reason).Inc()
	if err := e.handle.Close(ctx); err != nil {
		r.logger.Warn("session close failed", "session", id, "error", err)
		return err
	}
	r.logger.Debug("session closed", "session", id, "reason", reason)
	return nil
}

// Info summarizes a registered session.
type Info struct {
	ID        string                  `json:"id"`
	State     string                  `json:"state"`
	KernelID  string                  `json:"kernelId,omitempty"`
	Bootstrap kernel.BootstrapOutcome `json:"bootstrap"`
	Busy      int                     `json:"busy"`
	CreatedAt time.Time               `json:"createdAt"`
	LastUsed  time.Time               `json:"lastUsed"`
}

// List returns every registered session ordered by id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	infos := make([]Info, 0, len(r.entries))
	for id, e := range r.entries {
		infos = append(infos, Info{
			ID:        id,
			State:     e.handle.State().String(),
			KernelID:  e.handle.KernelID(),
			Bootstrap: e.handle.BootstrapOutcome(),
			Busy:      int(e.busy.Load()),
			CreatedAt: e.created,
			LastUsed:  time.Unix(0, e.lastUsed.Load()),
		})
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Janitor evicts sessions idle for maxIdle every interval until ctx is done.
func (r *Registry) Janitor(ctx context.Context, interval, maxIdle time.Duration) {
	if interval <= 0 || maxIdle <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.EvictIdle(ctx, maxIdle); err != nil {
				r.logger.Warn("idle eviction failed", "error", err)
			}
		}
	}
}
