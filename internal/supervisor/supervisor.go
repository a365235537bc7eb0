// Package supervisor reconciles the tenant registry with the set of running
// tenant runtimes. It is the only component that reads the registry; each
// runtime it spawns is fully isolated from its siblings, and one tenant's
// crash never takes the fleet down.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tradefleet/tradefleet/internal/domain"
	"github.com/tradefleet/tradefleet/internal/runtime"
)

const lockTTL = 90 * time.Second

// TenantRunner runs one tenant until its context ends. It exists so tests
// can supervise fakes instead of full runtimes.
type TenantRunner interface {
	Run(ctx context.Context) error
}

// RunnerFactory builds the runner for a tenant. The default factory wraps
// runtime.New.
type RunnerFactory func(tenant domain.Tenant) TenantRunner

// Supervisor owns the reconcile loop. One per manager process.
type Supervisor struct {
	registry domain.RegistryStore
	locks    domain.LockManager // nil disables cross-replica locking
	factory  RunnerFactory
	logger   *slog.Logger

	reconcileInterval time.Duration
	shutdownTimeout   time.Duration

	mu      sync.Mutex
	running map[string]*managedTenant
}

type managedTenant struct {
	tenant domain.Tenant
	cancel context.CancelFunc
	done   chan struct{}
	unlock func()
}

// Options tunes the supervisor. Zero values fall back to defaults.
type Options struct {
	ReconcileInterval time.Duration
	ShutdownTimeout   time.Duration
	Locks             domain.LockManager
}

// New creates a Supervisor over the given registry. shared is captured by
// the default runner factory; pass a custom factory via WithFactory for
// tests.
func New(registry domain.RegistryStore, shared runtime.Shared, opts Options, logger *slog.Logger) *Supervisor {
	s := &Supervisor{
		registry:          registry,
		locks:             opts.Locks,
		logger:            logger.With(slog.String("component", "supervisor")),
		reconcileInterval: opts.ReconcileInterval,
		shutdownTimeout:   opts.ShutdownTimeout,
		running:           make(map[string]*managedTenant),
	}
	if s.reconcileInterval <= 0 {
		s.reconcileInterval = 10 * time.Second
	}
	if s.shutdownTimeout <= 0 {
		s.shutdownTimeout = 5 * time.Second
	}
	s.factory = func(tenant domain.Tenant) TenantRunner {
		return runtime.New(shared, tenant)
	}
	return s
}

// WithFactory replaces the runner factory. Call before Run.
func (s *Supervisor) WithFactory(f RunnerFactory) *Supervisor {
	s.factory = f
	return s
}

// Run reconciles until ctx ends, then stops every runtime in parallel and
// waits up to the shutdown timeout for each.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("supervisor started",
		slog.Duration("reconcile_interval", s.reconcileInterval))

	ticker := time.NewTicker(s.reconcileInterval)
	defer ticker.Stop()

	for {
		s.reconcile(ctx)
		select {
		case <-ctx.Done():
			s.shutdownAll()
			s.logger.Info("supervisor stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Running reports the tenant IDs with a live runtime, for the admin surface.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	return ids
}

// reconcile diffs the registry's desired state against the running set. A
// registry read failure keeps the current set untouched; stale-but-running
// beats flapping on a transient database error.
func (s *Supervisor) reconcile(ctx context.Context) {
	tenants, err := s.registry.ActiveTenants(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("registry read failed, keeping current fleet",
				slog.String("error", err.Error()))
		}
		return
	}

	desired := make(map[string]domain.Tenant, len(tenants))
	for _, t := range tenants {
		desired[t.ID] = t
	}

	s.mu.Lock()
	var toStart []domain.Tenant
	var toStop []*managedTenant
	for id, mt := range s.running {
		t, ok := desired[id]
		if !ok || t.Mode != mt.tenant.Mode {
			// Mode flips restart the tenant so the runtime rebuilds its
			// backend; next reconcile starts the new incarnation.
			toStop = append(toStop, mt)
			delete(s.running, id)
		}
	}
	for id, t := range desired {
		if _, ok := s.running[id]; !ok {
			toStart = append(toStart, t)
		}
	}
	s.mu.Unlock()

	for _, mt := range toStop {
		s.stop(mt, "disabled in registry")
	}
	for _, t := range toStart {
		s.start(ctx, t)
	}
}

func (s *Supervisor) start(ctx context.Context, tenant domain.Tenant) {
	log := s.logger.With(slog.String("tenant_id", tenant.ID), slog.String("mode", string(tenant.Mode)))

	var unlock func()
	if s.locks != nil {
		var err error
		unlock, err = s.locks.Acquire(ctx, "tenant:"+tenant.ID, lockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			// Another replica runs this tenant.
			return
		}
		if err != nil {
			log.Warn("tenant lock acquire failed", slog.String("error", err.Error()))
			return
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	mt := &managedTenant{
		tenant: tenant,
		cancel: cancel,
		done:   make(chan struct{}),
		unlock: unlock,
	}

	s.mu.Lock()
	s.running[tenant.ID] = mt
	s.mu.Unlock()

	runner := s.factory(tenant)
	log.Info("starting tenant")

	go func() {
		defer close(mt.done)
		if mt.unlock != nil {
			defer mt.unlock()
		}
		err := runner.Run(runCtx)
		switch {
		case err == nil, errors.Is(err, context.Canceled):
			log.Info("tenant stopped")
		default:
			log.Error("tenant crashed", slog.String("error", err.Error()))
		}
		// A crashed tenant leaves the running set so the next reconcile
		// restarts it while the registry still wants it.
		s.mu.Lock()
		if s.running[tenant.ID] == mt {
			delete(s.running, tenant.ID)
		}
		s.mu.Unlock()
	}()
}

func (s *Supervisor) stop(mt *managedTenant, reason string) {
	log := s.logger.With(slog.String("tenant_id", mt.tenant.ID))
	log.Info("stopping tenant", slog.String("reason", reason))
	mt.cancel()
	select {
	case <-mt.done:
	case <-time.After(s.shutdownTimeout):
		log.Warn("tenant shutdown timed out")
	}
}

// shutdownAll cancels every runtime at once and waits for each with the
// shutdown timeout, so fleet shutdown is bounded by the slowest tenant, not
// the sum.
func (s *Supervisor) shutdownAll() {
	s.mu.Lock()
	all := make([]*managedTenant, 0, len(s.running))
	for id, mt := range s.running {
		all = append(all, mt)
		delete(s.running, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, mt := range all {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.stop(mt, "supervisor shutdown")
		}()
	}
	wg.Wait()
}
