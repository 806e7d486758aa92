package scheduler

import (
	"fmt"

	"taskwarden/internal/job"
)

// checkAcyclic reports ErrCycle if adding from -> to closes a loop in edges.
func checkAcyclic(edges []job.Dependency, from, to string) error {
	adj := make(map[string][]string, len(edges))
	for _, e := range edges {
		adj[e.JobID] = append(adj[e.JobID], e.DependsOnJobID)
	}
	// A path to -> ... -> from means the new edge closes a cycle.
	seen := map[string]bool{}
	stack := []string{to}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == from {
			return fmt.Errorf("%w: %s -> %s", ErrCycle, from, to)
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, adj[n]...)
	}
	return nil
}
