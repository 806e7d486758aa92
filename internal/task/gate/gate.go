// Package gate decides whether a firing may run given the latest outcome of
// the jobs it depends on.
package gate

import (
	"context"
	"errors"
	"fmt"

	"taskwarden/internal/job"
	"taskwarden/internal/storage"
)

// Store is the slice of storage the gate reads.
type Store interface {
	ListDependencies(ctx context.Context, jobID string) ([]job.Dependency, error)
	LatestTerminalExecution(ctx context.Context, jobID string) (*job.Execution, error)
}

// Decision is the gate verdict for one firing.
type Decision struct {
	Open bool
	// BlockedBy is the first predecessor that kept the gate closed.
	BlockedBy string
	Reason    string
}

type Gate struct {
	store Store
}

func New(store Store) *Gate { return &Gate{store: store} }

// Check opens the gate only when every predecessor's most recent terminal
// execution succeeded. A predecessor that never finished keeps it closed.
func (g *Gate) Check(ctx context.Context, jobID string) (Decision, error) {
	deps, err := g.store.ListDependencies(ctx, jobID)
	if err != nil {
		return Decision{}, fmt.Errorf("gate: list dependencies of %s: %w", jobID, err)
	}
	for _, d := range deps {
		last, err := g.store.LatestTerminalExecution(ctx, d.DependsOnJobID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return Decision{BlockedBy: d.DependsOnJobID, Reason: fmt.Sprintf("dependency %s has not completed", d.DependsOnJobID)}, nil
		case err != nil:
			return Decision{}, fmt.Errorf("gate: latest execution of %s: %w", d.DependsOnJobID, err)
		case last.Status != job.ExecSucceeded:
			return Decision{BlockedBy: d.DependsOnJobID, Reason: fmt.Sprintf("dependency %s last %s", d.DependsOnJobID, last.Status)}, nil
		}
	}
	return Decision{Open: true}, nil
}
