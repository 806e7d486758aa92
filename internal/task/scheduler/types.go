package scheduler

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"taskwarden/internal/eventbus"
	"taskwarden/internal/job"
	"taskwarden/internal/lease"
	"taskwarden/internal/storage"
	"taskwarden/internal/task/engine"
	logx "taskwarden/pkg/logx"

	rtsup "taskwarden/internal/runtime/supervisor"
)

var (
	ErrInvalidSchedule = errors.New("invalid schedule")
	ErrCycle           = errors.New("dependency cycle")
	ErrSelfDependency  = errors.New("job cannot depend on itself")
	ErrInvalidJob      = errors.New("invalid job")
)

// Config controls the trigger engine.
type Config struct {
	Enabled      bool
	PollInterval time.Duration
	// Timezone is the IANA zone for cron schedules that name none.
	Timezone  string
	BatchSize int
	// LeaseTTL sizes the per-schedule lease held while a schedule advances.
	LeaseTTL       time.Duration
	FireRatePerSec float64
	FireBurst      int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.FireRatePerSec <= 0 {
		c.FireRatePerSec = 50
	}
	if c.FireBurst <= 0 {
		c.FireBurst = 50
	}
	return c
}

// Dispatcher accepts firings for execution. *engine.Service implements it.
type Dispatcher interface {
	Enqueue(fs ...engine.Firing) error
}

// Deps are the collaborators of the scheduler.
type Deps struct {
	Store    storage.Store
	Leases   *lease.Provider
	Registry *job.Registry
	Dispatch Dispatcher
	Now      func() time.Time
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	loc *time.Location

	log logx.Logger
	bus eventbus.Bus

	store    storage.Store
	leases   *lease.Provider
	registry *job.Registry
	dispatch Dispatcher
	now      func() time.Time

	parser  cron.Parser
	limiter *rate.Limiter

	sup  *rtsup.Supervisor
	wake chan struct{}

	polls      atomic.Uint64
	pollErrors atomic.Uint64
	fired      atomic.Uint64
	replays    atomic.Uint64
	misfires   atomic.Uint64
	dropped    atomic.Uint64
	contended  atomic.Uint64
	lastPollAt atomic.Int64

	// Enqueue error throttling: key is job id.
	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Enabled      bool          `json:"enabled"`
	Running      bool          `json:"running"`
	Timezone     string        `json:"timezone"`
	PollInterval time.Duration `json:"poll_interval"`
	LastPollAt   time.Time     `json:"last_poll_at,omitempty"`
	Polls        uint64        `json:"polls"`
	PollErrors   uint64        `json:"poll_errors"`
	Fired        uint64        `json:"fired"`
	Replays      uint64        `json:"replays"`
	Misfires     uint64        `json:"misfires"`
	Dropped      uint64        `json:"dropped"`
	Contended    uint64        `json:"contended"`
}
