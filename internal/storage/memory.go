package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"taskwarden/internal/job"
)

// memoryStore keeps everything in maps behind one mutex. Values are copied
// in and out so callers never share memory with the store.
type memoryStore struct {
	mu     sync.Mutex
	closed bool

	jobs      map[string]*job.ScheduledJob
	names     map[string]string // name -> id
	schedules map[string]*job.Schedule
	execs     map[string]*memExec
	execSeq   uint64
	deps      map[depKey]job.Dependency
	leases    map[string]job.Lease
}

type memExec struct {
	e   job.Execution
	seq uint64
}

type depKey struct{ job, dependsOn string }

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memoryStore{
		jobs:      map[string]*job.ScheduledJob{},
		names:     map[string]string{},
		schedules: map[string]*job.Schedule{},
		execs:     map[string]*memExec{},
		deps:      map[depKey]job.Dependency{},
		leases:    map[string]job.Lease{},
	}
}

func (m *memoryStore) lock() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	return nil
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneJob(j *job.ScheduledJob) *job.ScheduledJob {
	c := *j
	c.Payload = bytes.Clone(j.Payload)
	c.QuarantinedUntil = cloneTime(j.QuarantinedUntil)
	c.LastRunAt = cloneTime(j.LastRunAt)
	return &c
}

func cloneSchedule(s *job.Schedule) *job.Schedule {
	c := *s
	c.OneTimeAt = cloneTime(s.OneTimeAt)
	c.StartAt = cloneTime(s.StartAt)
	c.EndAt = cloneTime(s.EndAt)
	c.NextRunAt = cloneTime(s.NextRunAt)
	c.LastMisfireAt = cloneTime(s.LastMisfireAt)
	c.LastFiredAt = cloneTime(s.LastFiredAt)
	return &c
}

func cloneExec(e *job.Execution) *job.Execution {
	c := *e
	c.FinishedAt = cloneTime(e.FinishedAt)
	c.PayloadSnapshot = bytes.Clone(e.PayloadSnapshot)
	return &c
}

func (m *memoryStore) CreateJob(ctx context.Context, j *job.ScheduledJob, s *job.Schedule) error {
	if err := validateJob(j); err != nil {
		return err
	}
	if s == nil {
		return errors.New("storage: schedule is required")
	}
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()

	if _, ok := m.jobs[j.ID]; ok {
		return fmt.Errorf("job %s: %w", j.ID, ErrConflict)
	}
	if _, ok := m.names[j.Name]; ok {
		return fmt.Errorf("job name %q: %w", j.Name, ErrConflict)
	}
	now := time.Now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	s.JobID = j.ID
	s.UpdatedAt = now

	m.jobs[j.ID] = cloneJob(j)
	m.names[j.Name] = j.ID
	m.schedules[j.ID] = cloneSchedule(s)
	return nil
}

func (m *memoryStore) GetJob(ctx context.Context, id string) (*job.ScheduledJob, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return cloneJob(j), nil
}

func (m *memoryStore) GetJobByName(ctx context.Context, name string) (*job.ScheduledJob, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	id, ok := m.names[name]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", name, ErrNotFound)
	}
	return cloneJob(m.jobs[id]), nil
}

func (m *memoryStore) ListJobs(ctx context.Context, f JobFilter) ([]job.ScheduledJob, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	var out []job.ScheduledJob
	for _, j := range m.jobs {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.Type != "" && j.Type != f.Type {
			continue
		}
		if f.NamePrefix != "" && !strings.HasPrefix(j.Name, f.NamePrefix) {
			continue
		}
		out = append(out, *cloneJob(j))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return page(out, f.Offset, clampLimit(f.Limit)), nil
}

func page[T any](in []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(in) {
			return nil
		}
		in = in[offset:]
	}
	if len(in) > limit {
		in = in[:limit]
	}
	return in
}

func (m *memoryStore) UpdateJob(ctx context.Context, j *job.ScheduledJob) error {
	if err := validateJob(j); err != nil {
		return err
	}
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()

	cur, ok := m.jobs[j.ID]
	if !ok {
		return fmt.Errorf("job %s: %w", j.ID, ErrNotFound)
	}
	if j.Name != cur.Name {
		if _, taken := m.names[j.Name]; taken {
			return fmt.Errorf("job name %q: %w", j.Name, ErrConflict)
		}
		delete(m.names, cur.Name)
		m.names[j.Name] = j.ID
	}
	j.UpdatedAt = time.Now()
	next := cloneJob(j)
	// Only the coordinator writes run results.
	next.Type = cur.Type
	next.CreatedAt = cur.CreatedAt
	next.LastRunAt = cloneTime(cur.LastRunAt)
	next.LastExecutionStatus = cur.LastExecutionStatus
	m.jobs[j.ID] = next
	return nil
}

func (m *memoryStore) GetSchedule(ctx context.Context, jobID string) (*job.Schedule, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	s, ok := m.schedules[jobID]
	if !ok {
		return nil, fmt.Errorf("schedule %s: %w", jobID, ErrNotFound)
	}
	return cloneSchedule(s), nil
}

func (m *memoryStore) UpdateSchedule(ctx context.Context, s *job.Schedule) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if _, ok := m.schedules[s.JobID]; !ok {
		return fmt.Errorf("schedule %s: %w", s.JobID, ErrNotFound)
	}
	s.UpdatedAt = time.Now()
	m.schedules[s.JobID] = cloneSchedule(s)
	return nil
}

func sameMillis(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.UnixMilli() == b.UnixMilli()
}

func (m *memoryStore) AdvanceSchedule(ctx context.Context, s *job.Schedule, expectedNext *time.Time) (bool, error) {
	if err := m.lock(); err != nil {
		return false, err
	}
	defer m.mu.Unlock()
	cur, ok := m.schedules[s.JobID]
	if !ok || !sameMillis(cur.NextRunAt, expectedNext) {
		return false, nil
	}
	s.UpdatedAt = time.Now()
	cur.NextRunAt = cloneTime(s.NextRunAt)
	cur.Enabled = s.Enabled
	cur.MisfireRetryCount = s.MisfireRetryCount
	cur.LastMisfireAt = cloneTime(s.LastMisfireAt)
	cur.LastFiredAt = cloneTime(s.LastFiredAt)
	cur.UpdatedAt = s.UpdatedAt
	return true, nil
}

func (m *memoryStore) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]DueSchedule, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	var out []DueSchedule
	for id, s := range m.schedules {
		if !s.Enabled || s.NextRunAt == nil || s.NextRunAt.After(now) {
			continue
		}
		j := m.jobs[id]
		if j == nil || !j.Runnable(now) {
			continue
		}
		out = append(out, DueSchedule{Job: *cloneJob(j), Schedule: *cloneSchedule(s)})
	}
	sort.Slice(out, func(a, b int) bool {
		ta, tb := out[a].Schedule.NextRunAt, out[b].Schedule.NextRunAt
		if !ta.Equal(*tb) {
			return ta.Before(*tb)
		}
		return out[a].Job.ID < out[b].Job.ID
	})
	return page(out, 0, clampLimit(limit)), nil
}

func (m *memoryStore) InsertExecution(ctx context.Context, e *job.Execution) error {
	if e == nil || e.ID == "" || e.JobID == "" {
		return errors.New("storage: execution id and job id are required")
	}
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if _, ok := m.execs[e.ID]; ok {
		return fmt.Errorf("execution %s: %w", e.ID, ErrConflict)
	}
	if _, ok := m.jobs[e.JobID]; !ok {
		return fmt.Errorf("job %s: %w", e.JobID, ErrConflict)
	}
	m.execSeq++
	m.execs[e.ID] = &memExec{e: *cloneExec(e), seq: m.execSeq}
	return nil
}

func (m *memoryStore) FinishExecution(ctx context.Context, e *job.Execution, out *JobOutcome) error {
	if e == nil || !e.Status.Terminal() {
		return errors.New("storage: finish requires a terminal status")
	}
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()

	cur, ok := m.execs[e.ID]
	if !ok {
		return fmt.Errorf("execution %s: %w", e.ID, ErrNotFound)
	}
	if cur.e.Status.Terminal() {
		return fmt.Errorf("execution %s: %w", e.ID, ErrTerminal)
	}
	var j *job.ScheduledJob
	if out != nil {
		if j = m.jobs[cur.e.JobID]; j == nil {
			return fmt.Errorf("job %s: %w", cur.e.JobID, ErrNotFound)
		}
	}

	cur.e.Status = e.Status
	cur.e.FinishedAt = cloneTime(e.FinishedAt)
	cur.e.DurationMs = e.DurationMs
	cur.e.IsDeadLettered = e.IsDeadLettered
	cur.e.DeadLetterReason = e.DeadLetterReason
	cur.e.Error = e.Error

	if j != nil {
		lastRun := out.LastRunAt
		j.ConsecutiveFailures = out.ConsecutiveFailures
		j.LastRunAt = &lastRun
		j.LastExecutionStatus = out.LastExecutionStatus
		if out.Status != "" && j.Status == out.FromStatus {
			j.Status = out.Status
			j.QuarantinedUntil = cloneTime(out.QuarantinedUntil)
		}
		j.UpdatedAt = time.Now()
	}
	return nil
}

func (m *memoryStore) GetExecution(ctx context.Context, id string) (*job.Execution, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	e, ok := m.execs[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	return cloneExec(&e.e), nil
}

func (m *memoryStore) ListExecutions(ctx context.Context, f ExecutionFilter) ([]job.Execution, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	var list []*memExec
	for _, e := range m.execs {
		switch {
		case f.JobID != "" && e.e.JobID != f.JobID,
			f.FiringID != "" && e.e.FiringID != f.FiringID,
			f.NodeID != "" && e.e.NodeID != f.NodeID,
			f.Status != "" && e.e.Status != f.Status,
			!f.Since.IsZero() && e.e.StartedAt.Before(f.Since):
			continue
		}
		list = append(list, e)
	}
	sort.Slice(list, func(a, b int) bool {
		ea, eb := list[a], list[b]
		if !ea.e.StartedAt.Equal(eb.e.StartedAt) {
			return ea.e.StartedAt.After(eb.e.StartedAt)
		}
		if ea.e.Attempt != eb.e.Attempt {
			return ea.e.Attempt > eb.e.Attempt
		}
		return ea.seq > eb.seq
	})
	list = page(list, 0, clampLimit(f.Limit))
	out := make([]job.Execution, len(list))
	for i, e := range list {
		out[i] = *cloneExec(&e.e)
	}
	return out, nil
}

func (m *memoryStore) LatestTerminalExecution(ctx context.Context, jobID string) (*job.Execution, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	var (
		best   *memExec
		bestAt time.Time
	)
	for _, e := range m.execs {
		if e.e.JobID != jobID || !e.e.Status.Terminal() {
			continue
		}
		at := e.e.StartedAt
		if e.e.FinishedAt != nil {
			at = *e.e.FinishedAt
		}
		if best == nil || at.After(bestAt) || (at.Equal(bestAt) && e.seq > best.seq) {
			best, bestAt = e, at
		}
	}
	if best == nil {
		return nil, fmt.Errorf("terminal execution for %s: %w", jobID, ErrNotFound)
	}
	return cloneExec(&best.e), nil
}

func (m *memoryStore) RecoverOrphans(ctx context.Context, nodeID string, now time.Time, reason string) (int, error) {
	if err := m.lock(); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.execs {
		if e.e.NodeID != nodeID || e.e.Status.Terminal() {
			continue
		}
		fin := now
		e.e.Status = job.ExecFailed
		e.e.Error = reason
		e.e.FinishedAt = &fin
		e.e.DurationMs = max(0, now.Sub(e.e.StartedAt).Milliseconds())
		n++
	}
	return n, nil
}

func (m *memoryStore) AddDependency(ctx context.Context, d job.Dependency, check func(existing []job.Dependency) error) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()

	if m.jobs[d.JobID] == nil || m.jobs[d.DependsOnJobID] == nil {
		return fmt.Errorf("dependency %s -> %s: %w", d.JobID, d.DependsOnJobID, ErrNotFound)
	}
	if check != nil {
		if err := check(m.sortedDepsLocked("")); err != nil {
			return err
		}
	}
	k := depKey{d.JobID, d.DependsOnJobID}
	if _, ok := m.deps[k]; ok || d.JobID == d.DependsOnJobID {
		return fmt.Errorf("dependency %s -> %s: %w", d.JobID, d.DependsOnJobID, ErrConflict)
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	m.deps[k] = d
	return nil
}

func (m *memoryStore) RemoveDependency(ctx context.Context, jobID, dependsOnJobID string) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	k := depKey{jobID, dependsOnJobID}
	if _, ok := m.deps[k]; !ok {
		return fmt.Errorf("dependency %s -> %s: %w", jobID, dependsOnJobID, ErrNotFound)
	}
	delete(m.deps, k)
	return nil
}

func (m *memoryStore) ListDependencies(ctx context.Context, jobID string) ([]job.Dependency, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	return m.sortedDepsLocked(jobID), nil
}

func (m *memoryStore) sortedDepsLocked(jobID string) []job.Dependency {
	var out []job.Dependency
	for _, d := range m.deps {
		if jobID == "" || d.JobID == jobID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].JobID != out[b].JobID {
			return out[a].JobID < out[b].JobID
		}
		return out[a].DependsOnJobID < out[b].DependsOnJobID
	})
	return out
}

func (m *memoryStore) TakeLease(ctx context.Context, name, owner string, now, expires time.Time) (bool, error) {
	if err := m.lock(); err != nil {
		return false, err
	}
	defer m.mu.Unlock()
	if cur, ok := m.leases[name]; ok && !cur.Expired(now) {
		return false, nil
	}
	m.leases[name] = job.Lease{Name: name, Owner: owner, AcquiredAt: now, ExpiresAt: expires}
	return true, nil
}

func (m *memoryStore) ExtendLease(ctx context.Context, name, owner string, now, expires time.Time) (bool, error) {
	if err := m.lock(); err != nil {
		return false, err
	}
	defer m.mu.Unlock()
	cur, ok := m.leases[name]
	if !ok || cur.Owner != owner || cur.Expired(now) {
		return false, nil
	}
	cur.ExpiresAt = expires
	m.leases[name] = cur
	return true, nil
}

func (m *memoryStore) DropLease(ctx context.Context, name, owner string) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if cur, ok := m.leases[name]; ok && cur.Owner == owner {
		delete(m.leases, name)
	}
	return nil
}

func (m *memoryStore) GetLease(ctx context.Context, name string) (*job.Lease, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	l, ok := m.leases[name]
	if !ok {
		return nil, fmt.Errorf("lease %s: %w", name, ErrNotFound)
	}
	return &l, nil
}

func (m *memoryStore) ListLeases(ctx context.Context) ([]job.Lease, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	out := make([]job.Lease, 0, len(m.leases))
	for _, l := range m.leases {
		out = append(out, l)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out, nil
}
