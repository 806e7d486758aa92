package lease

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"taskwarden/internal/eventbus"
	"taskwarden/internal/job"
	"taskwarden/internal/storage"
	logx "taskwarden/pkg/logx"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Add(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func stores(t *testing.T) map[string]storage.LeaseStore {
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "lease.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return map[string]storage.LeaseStore{
		"memory": storage.NewMemory(),
		"sqlite": st,
	}
}

// brokenStore fails every call, like an unreachable lock table.
type brokenStore struct{ storage.LeaseStore }

var errDown = errors.New("connection refused")

func (brokenStore) TakeLease(context.Context, string, string, time.Time, time.Time) (bool, error) {
	return false, errDown
}
func (brokenStore) ExtendLease(context.Context, string, string, time.Time, time.Time) (bool, error) {
	return false, errDown
}
func (brokenStore) DropLease(context.Context, string, string) error { return errDown }

func TestAcquire_OneWinnerAmongRacers(t *testing.T) {
	t.Parallel()
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			const racers = 16
			var winners atomic.Int32
			var held atomic.Int32
			var g errgroup.Group
			for i := 0; i < racers; i++ {
				p := New(st, Config{Owner: fmt.Sprintf("node-%d", i)}, logx.Nop(), nil)
				g.Go(func() error {
					_, err := p.Acquire(context.Background(), "job:race", time.Minute)
					switch {
					case err == nil:
						winners.Add(1)
					case errors.Is(err, ErrLeaseHeld):
						held.Add(1)
					default:
						return err
					}
					return nil
				})
			}
			require.NoError(t, g.Wait())
			assert.EqualValues(t, 1, winners.Load())
			assert.EqualValues(t, racers-1, held.Load())
		})
	}
}

func TestRelease_IsIdempotent(t *testing.T) {
	t.Parallel()
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			a := New(st, Config{Owner: "a"}, logx.Nop(), nil)
			b := New(st, Config{Owner: "b"}, logx.Nop(), nil)

			la, err := a.Acquire(ctx, "schedule:1", time.Minute)
			require.NoError(t, err)
			_, ok := b.TryAcquire(ctx, "schedule:1", time.Minute)
			require.False(t, ok)

			require.NoError(t, a.Release(ctx, la))
			require.NoError(t, a.Release(ctx, la))
			require.NoError(t, a.Release(ctx, nil))
			// Releasing a stale grant leaves the current holder alone.
			_, ok = b.TryAcquire(ctx, "schedule:1", time.Minute)
			require.True(t, ok)
			require.NoError(t, a.Release(ctx, la))
			_, ok = a.TryAcquire(ctx, "schedule:1", time.Minute)
			assert.False(t, ok)
		})
	}
}

func TestAcquire_ExpiredLeaseIsReclaimed(t *testing.T) {
	t.Parallel()
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			clk := &clock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
			a := New(st, Config{Owner: "a", Now: clk.Now}, logx.Nop(), nil)
			b := New(st, Config{Owner: "b", Now: clk.Now}, logx.Nop(), nil)

			l, err := a.Acquire(ctx, "job:x", 30*time.Second)
			require.NoError(t, err)
			assert.Equal(t, clk.Now().Add(30*time.Second), l.ExpiresAt)

			clk.Add(29 * time.Second)
			_, err = b.Acquire(ctx, "job:x", 30*time.Second)
			require.ErrorIs(t, err, ErrLeaseHeld)

			clk.Add(time.Second)
			stale := l
			l, err = b.Acquire(ctx, "job:x", 30*time.Second)
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(l.Owner, "b/"), l.Owner)

			ok, err := a.Renew(ctx, stale, time.Minute)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestAcquire_UnreachableStore(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	p := New(brokenStore{}, Config{Owner: "a"}, logx.Nop(), bus)
	_, err := p.Acquire(context.Background(), "job:1", time.Minute)
	require.ErrorIs(t, err, ErrLeaseUnavailable)
	l, ok := p.TryAcquire(context.Background(), "job:1", time.Minute)
	assert.False(t, ok)
	assert.Nil(t, l)
	require.ErrorIs(t, p.Release(context.Background(), &job.Lease{Name: "job:1", Owner: "a/1"}), ErrLeaseUnavailable)

	st := p.Stats()
	assert.EqualValues(t, 2, st.Unavailable)
	assert.Zero(t, st.Acquired)

	ev := <-ch
	assert.Equal(t, eventbus.TopicLeaseAcquire, ev.Type)
	assert.Equal(t, eventbus.LeaseEvent{Lock: "job:1", Result: "unavailable"}, ev.Data)
}

func TestHold_RenewsUntilStopped(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	p := New(st, Config{Owner: "a"}, logx.Nop(), nil)

	l, err := p.Acquire(context.Background(), "job:hold", 90*time.Millisecond)
	require.NoError(t, err)
	ctx, stop := p.Hold(context.Background(), l, 90*time.Millisecond)

	time.Sleep(250 * time.Millisecond)
	require.NoError(t, ctx.Err())
	assert.GreaterOrEqual(t, p.Stats().Renewed, uint64(2))

	stop()
	stop()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	assert.NotErrorIs(t, context.Cause(ctx), ErrLeaseLost, "stop is not a lost lease")
	assert.Zero(t, p.Stats().Lost)
}

func TestHold_CancelsWhenLeaseIsTaken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	clk := &clock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	a := New(st, Config{Owner: "a", Now: clk.Now}, logx.Nop(), nil)
	b := New(st, Config{Owner: "b", Now: clk.Now}, logx.Nop(), nil)

	l, err := a.Acquire(ctx, "job:steal", 60*time.Millisecond)
	require.NoError(t, err)
	hctx, stop := a.Hold(ctx, l, 60*time.Millisecond)
	defer stop()

	// Let the lease lapse on the fake clock and hand it to b.
	clk.Add(time.Second)
	_, ok := b.TryAcquire(ctx, "job:steal", time.Hour)
	require.True(t, ok)

	select {
	case <-hctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("hold context was not canceled")
	}
	assert.ErrorIs(t, context.Cause(hctx), ErrLeaseLost)
	assert.EqualValues(t, 1, a.Stats().Lost)
}

func TestHold_StoreOutageLosesLeaseAtExpiry(t *testing.T) {
	t.Parallel()
	clk := &clock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	p := New(brokenStore{}, Config{Owner: "a", Now: clk.Now}, logx.Nop(), nil)
	l := &job.Lease{Name: "job:o", Owner: "a", AcquiredAt: clk.Now(), ExpiresAt: clk.Now().Add(time.Minute)}

	hctx, stop := p.Hold(context.Background(), l, 30*time.Millisecond)
	defer stop()

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, hctx.Err(), "renew failures before expiry are retried")

	clk.Add(2 * time.Minute)
	select {
	case <-hctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("hold context was not canceled")
	}
	assert.ErrorIs(t, context.Cause(hctx), ErrLeaseLost)
}

func TestAcquire_SameNodeCannotHoldTwice(t *testing.T) {
	t.Parallel()
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			p := New(st, Config{Owner: "node-a"}, logx.Nop(), nil)

			first, err := p.Acquire(ctx, "job:same", time.Minute)
			require.NoError(t, err)
			_, err = p.Acquire(ctx, "job:same", time.Minute)
			require.ErrorIs(t, err, ErrLeaseHeld, "a second attempt on the same node must lose")

			require.NoError(t, p.Release(ctx, first))
			second, err := p.Acquire(ctx, "job:same", time.Minute)
			require.NoError(t, err)
			assert.NotEqual(t, first.Owner, second.Owner)

			// The finished first holder cannot drop or renew the second grant.
			require.NoError(t, p.Release(ctx, first))
			ok, err := p.Renew(ctx, first, time.Minute)
			require.NoError(t, err)
			assert.False(t, ok)
			ok, err = p.Renew(ctx, second, time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}
