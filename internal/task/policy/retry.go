// Package policy holds the pure decision rules applied by the execution
// coordinator: retry budgets and backoff, and the job-level quarantine
// circuit breaker.
package policy

import (
	"sync/atomic"
	"time"

	"taskwarden/internal/job"
)

// Policy is the effective retry policy for one firing.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Override replaces the non-zero fields of a policy.
type Override struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Defaults are used when neither an override nor the job sets a field.
var Defaults = Policy{MaxAttempts: 3, BaseDelay: 10 * time.Second, MaxDelay: 5 * time.Minute}

type resolverConfig struct {
	defaults  Policy
	overrides map[job.Type]Override
}

// Resolver resolves the retry policy of a job. Precedence per field: the
// job type override, then the job's stored values, then the defaults.
type Resolver struct {
	cfg atomic.Pointer[resolverConfig]
}

func NewResolver(defaults Policy, overrides map[job.Type]Override) *Resolver {
	r := &Resolver{}
	r.Apply(defaults, overrides)
	return r
}

// Apply swaps the defaults and overrides. Safe for concurrent use.
func (r *Resolver) Apply(defaults Policy, overrides map[job.Type]Override) {
	defaults = defaults.withFallback(Defaults)
	cp := make(map[job.Type]Override, len(overrides))
	for k, v := range overrides {
		cp[k] = v
	}
	r.cfg.Store(&resolverConfig{defaults: defaults, overrides: cp})
}

// GetPolicy returns the policy for j, whose type is t.
func (r *Resolver) GetPolicy(t job.Type, j *job.ScheduledJob) Policy {
	cfg := r.cfg.Load()
	p := Policy{}
	if o, ok := cfg.overrides[t]; ok {
		p = Policy(o)
	}
	if j != nil {
		if p.MaxAttempts <= 0 {
			p.MaxAttempts = j.MaxAttempts
		}
		if p.BaseDelay <= 0 {
			p.BaseDelay = time.Duration(j.BackoffBaseSeconds) * time.Second
		}
		if p.MaxDelay <= 0 {
			p.MaxDelay = time.Duration(j.BackoffMaxSeconds) * time.Second
		}
	}
	return p.withFallback(cfg.defaults)
}

func (p Policy) withFallback(d Policy) Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// Delay is the wait before the attempt following attempt:
// min(BaseDelay * 2^(attempt-1), MaxDelay).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if d >= p.MaxDelay/2 {
			return p.MaxDelay
		}
		d *= 2
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// DelayWithHint prefers a downstream retry hint, still bounded by MaxDelay.
func (p Policy) DelayWithHint(attempt int, hint time.Duration, ok bool) time.Duration {
	if !ok {
		return p.Delay(attempt)
	}
	if hint < 0 {
		hint = 0
	}
	if hint > p.MaxDelay {
		return p.MaxDelay
	}
	return hint
}

// Exhausted reports whether attempt is the last one allowed.
func (p Policy) Exhausted(attempt int) bool { return attempt >= p.MaxAttempts }
