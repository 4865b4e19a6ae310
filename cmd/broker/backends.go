package main

import (
	"context"
	"fmt"
	"log/slog"

	"image-broker/internal/config"
	"image-broker/internal/domain"
	"image-broker/internal/infra/etcd"
	"image-broker/internal/infra/memory"
	"image-broker/internal/infra/postgres"
)

// stores bundles the ledger-side dependencies of one backend.
type stores struct {
	ledger    domain.RequestLedger
	blacklist domain.Blacklist
	// election is nil when the backend cannot elect a leader.
	election domain.LeaderElectionManager
	close    func() error
}

func openStores(ctx context.Context, cfg *config.Config, nodeID string, logger *slog.Logger) (*stores, error) {
	switch cfg.LedgerBackend {
	case config.BackendEtcd:
		client, err := etcd.NewClient(ctx, cfg.EtcdEndpoints, cfg.EtcdTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to create etcd client: %w", err)
		}
		logger.Info("connected to etcd", "endpoints", cfg.EtcdEndpoints)
		return &stores{
			ledger:    etcd.NewEtcdRequestLedger(client, logger),
			blacklist: etcd.NewEtcdBlacklist(client, logger),
			election:  etcd.NewEtcdLeaderElectionManager(client, nodeID, cfg.LeaderElectionTTL, logger),
			close:     client.Close,
		}, nil

	case config.BackendPostgres:
		db, err := postgres.Open(ctx, cfg.PostgresDSN, logger)
		if err != nil {
			return nil, err
		}
		return &stores{
			ledger:    postgres.NewRequestLedger(db, logger),
			blacklist: postgres.NewBlacklist(db, logger),
			close:     db.Close,
		}, nil

	case config.BackendMemory:
		logger.Warn("using in-memory ledger; requests are lost on restart")
		return &stores{
			ledger:    memory.NewRequestLedger(),
			blacklist: memory.NewBlacklist(),
			close:     func() error { return nil },
		}, nil
	}
	return nil, fmt.Errorf("unknown ledger backend %q", cfg.LedgerBackend)
}
