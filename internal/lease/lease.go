// Package lease grants time-bounded exclusive claims on named locks backed
// by the shared lock table, so at most one node runs a given job at a time.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"taskwarden/internal/eventbus"
	"taskwarden/internal/job"
	"taskwarden/internal/storage"
	logx "taskwarden/pkg/logx"
)

var (
	// ErrLeaseHeld means another owner holds an unexpired lease.
	ErrLeaseHeld = errors.New("lease held by another owner")
	// ErrLeaseUnavailable means the lock table could not be reached.
	ErrLeaseUnavailable = errors.New("lease store unavailable")
	// ErrLeaseLost is the cancel cause of a Hold context whose lease expired
	// or was taken over.
	ErrLeaseLost = errors.New("lease lost")
)

type Config struct {
	// Owner identifies this node. Each grant is recorded in the lock table
	// under Owner plus a per-acquisition suffix.
	Owner string
	// OpTimeout bounds each lock table call. Default 2s.
	OpTimeout time.Duration
	// Now overrides the clock used for lease timestamps.
	Now func() time.Time
}

// Provider acquires, renews and releases leases for one node. Two
// acquisitions through the same provider are distinct owners, so one node
// never holds the same lease twice.
type Provider struct {
	store     storage.LeaseStore
	owner     string
	opTimeout time.Duration
	now       func() time.Time
	log       logx.Logger
	bus       eventbus.Bus

	acquired    atomic.Uint64
	contended   atomic.Uint64
	unavailable atomic.Uint64
	released    atomic.Uint64
	renewed     atomic.Uint64
	lost        atomic.Uint64
}

// Stats are cumulative counters since the provider was created.
type Stats struct {
	Owner       string `json:"owner"`
	Acquired    uint64 `json:"acquired"`
	Contended   uint64 `json:"contended"`
	Unavailable uint64 `json:"unavailable"`
	Released    uint64 `json:"released"`
	Renewed     uint64 `json:"renewed"`
	Lost        uint64 `json:"lost"`
}

func New(store storage.LeaseStore, cfg Config, log logx.Logger, bus eventbus.Bus) *Provider {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 2 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Provider{
		store:     store,
		owner:     cfg.Owner,
		opTimeout: cfg.OpTimeout,
		now:       cfg.Now,
		log:       log.With(logx.String("comp", "lease"), logx.String("owner", cfg.Owner)),
		bus:       bus,
	}
}

func (p *Provider) Owner() string { return p.owner }

func (p *Provider) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.opTimeout)
}

// grantOwner is the lock table owner of a single acquisition.
func (p *Provider) grantOwner() string {
	return p.owner + "/" + uuid.NewString()
}

// Acquire takes name for d. It fails fast: ErrLeaseHeld on contention,
// including a lease this node already holds, and ErrLeaseUnavailable when
// the lock table cannot be reached.
func (p *Provider) Acquire(ctx context.Context, name string, d time.Duration) (*job.Lease, error) {
	now := p.now()
	expires := now.Add(d)
	owner := p.grantOwner()

	octx, cancel := p.opCtx(ctx)
	ok, err := p.store.TakeLease(octx, name, owner, now, expires)
	cancel()

	switch {
	case err != nil:
		p.unavailable.Add(1)
		p.log.Warn("lease.unavailable", logx.String("lock", name), logx.Err(err))
		eventbus.PublishLease(p.bus, name, "unavailable")
		return nil, fmt.Errorf("%w: %s: %v", ErrLeaseUnavailable, name, err)
	case !ok:
		p.contended.Add(1)
		p.log.Debug("lease.contended", logx.String("lock", name))
		eventbus.PublishLease(p.bus, name, "contended")
		return nil, fmt.Errorf("%w: %s", ErrLeaseHeld, name)
	}
	p.acquired.Add(1)
	eventbus.PublishLease(p.bus, name, "acquired")
	return &job.Lease{Name: name, Owner: owner, AcquiredAt: now, ExpiresAt: expires}, nil
}

// TryAcquire reports whether name was acquired, with the grant to pass to
// Release. Contention and an unreachable store both return false.
func (p *Provider) TryAcquire(ctx context.Context, name string, d time.Duration) (*job.Lease, bool) {
	l, err := p.Acquire(ctx, name, d)
	return l, err == nil
}

// Release drops l if it is still the grant in the lock table. Releasing a
// nil lease, or one already released, expired or taken over, is a no-op.
// Only a store failure is returned; the lease then simply runs out.
func (p *Provider) Release(ctx context.Context, l *job.Lease) error {
	if l == nil {
		return nil
	}
	octx, cancel := p.opCtx(ctx)
	defer cancel()
	if err := p.store.DropLease(octx, l.Name, l.Owner); err != nil {
		p.log.Warn("lease release failed", logx.String("lock", l.Name), logx.Err(err))
		return fmt.Errorf("%w: %s: %v", ErrLeaseUnavailable, l.Name, err)
	}
	p.released.Add(1)
	return nil
}

// Renew pushes the expiry of l to now+d. It returns false when l is no
// longer the grant in the lock table.
func (p *Provider) Renew(ctx context.Context, l *job.Lease, d time.Duration) (bool, error) {
	now := p.now()
	octx, cancel := p.opCtx(ctx)
	defer cancel()
	ok, err := p.store.ExtendLease(octx, l.Name, l.Owner, now, now.Add(d))
	if err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrLeaseUnavailable, l.Name, err)
	}
	if ok {
		p.renewed.Add(1)
	}
	return ok, nil
}

// Hold renews name every d/3 while the returned context is alive. When the
// lease is lost, or cannot be renewed before it runs out, the context is
// canceled with cause ErrLeaseLost. stop ends renewal and waits for it.
func (p *Provider) Hold(ctx context.Context, l *job.Lease, d time.Duration) (hctx context.Context, stop func()) {
	hctx, cancel := context.WithCancelCause(ctx)
	every := d / 3
	if every <= 0 {
		every = time.Second
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		expires := l.ExpiresAt
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-hctx.Done():
				return
			case <-t.C:
			}
			ok, err := p.Renew(hctx, l, d)
			if hctx.Err() != nil {
				return
			}
			switch {
			case err != nil:
				if !p.now().Before(expires) {
					p.loseLease(l.Name, err)
					cancel(ErrLeaseLost)
					return
				}
				p.log.Warn("lease renew failed; will retry", logx.String("lock", l.Name), logx.Err(err))
			case !ok:
				p.loseLease(l.Name, nil)
				cancel(ErrLeaseLost)
				return
			default:
				expires = p.now().Add(d)
			}
		}
	}()

	var once sync.Once
	return hctx, func() {
		once.Do(func() {
			cancel(nil)
			wg.Wait()
		})
	}
}

func (p *Provider) loseLease(name string, err error) {
	p.lost.Add(1)
	p.log.Warn("lease lost", logx.String("lock", name), logx.Err(err))
	eventbus.PublishLease(p.bus, name, "lost")
}

func (p *Provider) Stats() Stats {
	return Stats{
		Owner:       p.owner,
		Acquired:    p.acquired.Load(),
		Contended:   p.contended.Load(),
		Unavailable: p.unavailable.Load(),
		Released:    p.released.Load(),
		Renewed:     p.renewed.Load(),
		Lost:        p.lost.Load(),
	}
}
