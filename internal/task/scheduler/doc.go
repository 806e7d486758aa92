// Package scheduler is the trigger engine. It polls the store for due
// schedules, advances each schedule under a lease before anything runs,
// applies the misfire policy, and hands firings to the executor.
//
// It also carries the operator API: creating and editing jobs, pausing,
// quarantine clearing, forced fires and dependency edges.
package scheduler
