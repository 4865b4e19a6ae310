package etcd

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"image-broker/internal/domain"
	"image-broker/internal/metrics"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

const (
	// SweeperElectionKey is the election prefix for the broker that runs the stale-request sweeper.
	SweeperElectionKey = "/broker/sweeper-leader"
)

type etcdLeaderElectionManager struct {
	client   *clientv3.Client
	session  *concurrency.Session
	election *concurrency.Election
	isLeader bool
	mutex    sync.RWMutex
	nodeID   string
	ttl      time.Duration
	logger   *slog.Logger
}

// NewEtcdLeaderElectionManager creates a manager for leader election using etcd.
func NewEtcdLeaderElectionManager(client *clientv3.Client, nodeID string, ttl time.Duration, logger *slog.Logger) domain.LeaderElectionManager {
	return &etcdLeaderElectionManager{
		client: client,
		nodeID: nodeID,
		ttl:    ttl,
		logger: logger.With("component", "leader-election"),
	}
}

// Campaign blocks until this node leads or ctx is done. The returned channel
// closes when the session lease is lost.
func (m *etcdLeaderElectionManager) Campaign(ctx context.Context) (<-chan struct{}, error) {
	session, err := concurrency.NewSession(m.client, concurrency.WithTTL(int(m.ttl.Seconds())))
	if err != nil {
		return nil, err
	}
	election := concurrency.NewElection(session, SweeperElectionKey)

	if err := election.Campaign(ctx, m.nodeID); err != nil {
		_ = session.Close()
		return nil, err
	}

	m.mutex.Lock()
	m.session = session
	m.election = election
	m.isLeader = true
	m.mutex.Unlock()

	metrics.IsLeader.WithLabelValues(m.nodeID).Set(1)
	m.logger.Info("became sweeper leader", "node_id", m.nodeID)

	lost := make(chan struct{})
	go func() {
		<-session.Done()
		m.mutex.Lock()
		m.isLeader = false
		m.mutex.Unlock()
		metrics.IsLeader.WithLabelValues(m.nodeID).Set(0)
		close(lost)
	}()
	return lost, nil
}

func (m *etcdLeaderElectionManager) Resign(ctx context.Context) error {
	m.mutex.Lock()
	election, session := m.election, m.session
	m.isLeader = false
	m.election, m.session = nil, nil
	m.mutex.Unlock()

	if election == nil {
		return nil
	}
	m.logger.Info("resigning sweeper leadership", "node_id", m.nodeID)
	err := election.Resign(ctx)
	_ = session.Close()
	return err
}

func (m *etcdLeaderElectionManager) IsLeader() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.isLeader
}
