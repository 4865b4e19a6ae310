// internal/infra/etcd/etcd_blacklist.go
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"path"

	"image-broker/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	BlacklistDir = "/broker/blacklist/"
)

type etcdBlacklist struct {
	client *clientv3.Client
	logger *slog.Logger
	tracer trace.Tracer
}

// NewEtcdBlacklist creates a worker blacklist backed by etcd.
func NewEtcdBlacklist(client *clientv3.Client, logger *slog.Logger) domain.Blacklist {
	return &etcdBlacklist{
		client: client,
		logger: logger.With("component", "etcd-blacklist"),
		tracer: otel.Tracer("image-broker-etcd-blacklist"),
	}
}

// Worker ids are bus subjects and may contain '/', so they are escaped.
func blacklistKey(workerID string) string {
	return path.Join(BlacklistDir, url.PathEscape(workerID))
}

// IsTrustworthy fails closed: a lookup error marks the worker untrustworthy.
func (b *etcdBlacklist) IsTrustworthy(ctx context.Context, workerID string) bool {
	entry, err := b.Lookup(ctx, workerID)
	if err != nil {
		b.logger.Error("blacklist lookup failed, treating worker as untrustworthy", "worker_id", workerID, "error", err)
		return false
	}
	return entry == nil
}

func (b *etcdBlacklist) Lookup(ctx context.Context, workerID string) (*domain.BlacklistEntry, error) {
	ctx, span := b.tracer.Start(ctx, "repo.etcd.LookupBlacklist")
	defer span.End()
	span.SetAttributes(attribute.String("worker.id", workerID))

	resp, err := b.client.Get(ctx, blacklistKey(workerID))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get blacklist entry from etcd")
		return nil, fmt.Errorf("failed to look up worker %s in etcd: %w", workerID, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, nil
	}

	var entry domain.BlacklistEntry
	if err := json.Unmarshal(resp.Kvs[0].Value, &entry); err != nil {
		// A record exists even if it is unreadable.
		b.logger.Warn("failed to unmarshal blacklist entry", "worker_id", workerID, "error", err)
		return &domain.BlacklistEntry{WorkerID: workerID}, nil
	}
	return &entry, nil
}

func (b *etcdBlacklist) Add(ctx context.Context, entry domain.BlacklistEntry) error {
	ctx, span := b.tracer.Start(ctx, "repo.etcd.AddBlacklist")
	defer span.End()
	span.SetAttributes(attribute.String("worker.id", entry.WorkerID))

	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal blacklist entry: %w", err)
	}
	if _, err := b.client.Put(ctx, blacklistKey(entry.WorkerID), string(entryJSON)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put blacklist entry to etcd")
		return fmt.Errorf("failed to blacklist worker %s: %w", entry.WorkerID, err)
	}
	return nil
}

func (b *etcdBlacklist) Remove(ctx context.Context, workerID string) error {
	ctx, span := b.tracer.Start(ctx, "repo.etcd.RemoveBlacklist")
	defer span.End()
	span.SetAttributes(attribute.String("worker.id", workerID))

	if _, err := b.client.Delete(ctx, blacklistKey(workerID)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete blacklist entry from etcd")
		return fmt.Errorf("failed to remove worker %s from blacklist: %w", workerID, err)
	}
	return nil
}
