// Package job defines the scheduling domain: jobs, their schedules,
// execution records, dependency edges and leases, plus the typed payload
// union and the handler registry that dispatches on job type.
package job
