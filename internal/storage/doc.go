// Package storage persists jobs, schedules, execution records, dependency
// edges and lock leases.
//
// Two drivers are provided:
//   - "sqlite": durable, shared by every process pointed at the same file
//   - "memory": process local; tests and ephemeral runs
//
// Multi-row writes (job + schedule creation, execution finish + job
// counters, dependency insert + cycle check) run in a single transaction.
package storage
