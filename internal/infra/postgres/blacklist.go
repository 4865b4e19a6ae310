package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"image-broker/internal/domain"
)

type blacklist struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewBlacklist creates a worker blacklist stored in the blacklisted_workers table.
func NewBlacklist(db *sql.DB, logger *slog.Logger) domain.Blacklist {
	return &blacklist{db: db, logger: logger.With("component", "postgres-blacklist")}
}

// IsTrustworthy fails closed on query errors.
func (b *blacklist) IsTrustworthy(ctx context.Context, workerID string) bool {
	entry, err := b.Lookup(ctx, workerID)
	if err != nil {
		b.logger.Error("blacklist lookup failed, treating worker as untrustworthy", "worker_id", workerID, "error", err)
		return false
	}
	return entry == nil
}

func (b *blacklist) Lookup(ctx context.Context, workerID string) (*domain.BlacklistEntry, error) {
	entry := domain.BlacklistEntry{WorkerID: workerID}
	err := b.db.QueryRowContext(ctx,
		rebind(`SELECT reason, created_at FROM blacklisted_workers WHERE worker_id = ?`), workerID,
	).Scan(&entry.Reason, &entry.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up worker %s: %w", workerID, err)
	}
	return &entry, nil
}

func (b *blacklist) Add(ctx context.Context, entry domain.BlacklistEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err := b.db.ExecContext(ctx, rebind(`INSERT INTO blacklisted_workers (worker_id, reason, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (worker_id) DO UPDATE SET reason = EXCLUDED.reason`),
		entry.WorkerID, entry.Reason, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to blacklist worker %s: %w", entry.WorkerID, err)
	}
	return nil
}

func (b *blacklist) Remove(ctx context.Context, workerID string) error {
	if _, err := b.db.ExecContext(ctx, rebind(`DELETE FROM blacklisted_workers WHERE worker_id = ?`), workerID); err != nil {
		return fmt.Errorf("failed to remove worker %s from blacklist: %w", workerID, err)
	}
	return nil
}
