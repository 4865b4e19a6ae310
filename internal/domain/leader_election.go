package domain

import "context"

// LeaderElectionManager elects the single broker that runs cluster-wide chores.
type LeaderElectionManager interface {
	Campaign(ctx context.Context) (<-chan struct{}, error)
	Resign(ctx context.Context) error
	IsLeader() bool
}
