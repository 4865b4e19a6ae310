package usecase

import (
	"context"
	"log/slog"
	"time"

	"image-broker/internal/domain"
)

// SweeperService runs the stale-request sweeper on exactly one broker.
// Without a leader manager it runs unconditionally, which suits a single
// broker on the memory or postgres ledger.
type SweeperService struct {
	leaderManager domain.LeaderElectionManager
	sweeper       domain.Sweeper
	nodeID        string
	retryDelay    time.Duration
	logger        *slog.Logger
}

func NewSweeperService(leaderManager domain.LeaderElectionManager, sweeper domain.Sweeper, nodeID string, logger *slog.Logger) *SweeperService {
	return &SweeperService{
		leaderManager: leaderManager,
		sweeper:       sweeper,
		nodeID:        nodeID,
		retryDelay:    5 * time.Second,
		logger:        logger.With("component", "sweeper-service", "node_id", nodeID),
	}
}

func (s *SweeperService) Start(ctx context.Context) error {
	s.logger.Info("sweeper service starting")
	if s.leaderManager == nil {
		return s.sweeper.Start(ctx)
	}

	for {
		if ctx.Err() != nil {
			s.logger.Info("sweeper service shutting down")
			return ctx.Err()
		}

		s.logger.Info("campaigning for sweeper leadership")
		lost, err := s.leaderManager.Campaign(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			s.logger.Error("leadership campaign failed, retrying", "error", err, "retry_in", s.retryDelay)
			select {
			case <-time.After(s.retryDelay):
			case <-ctx.Done():
			}
			continue
		}

		s.logger.Info("became leader, starting sweeper")
		s.lead(ctx, lost)
	}
}

// lead runs the sweeper until leadership is lost or ctx is done.
func (s *SweeperService) lead(ctx context.Context, lost <-chan struct{}) {
	termCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.sweeper.Start(termCtx)
	}()

	select {
	case <-lost:
		s.logger.Warn("lost sweeper leadership")
	case <-ctx.Done():
		resignCtx, cancelResign := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.leaderManager.Resign(resignCtx); err != nil {
			s.logger.Warn("failed to resign leadership", "error", err)
		}
		cancelResign()
	}
	cancel()
	<-done
}
