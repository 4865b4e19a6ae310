package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"image-broker/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrEmptyWorkerID is returned for operations that need a worker id.
var ErrEmptyWorkerID = errors.New("worker id is required")

// WorkerTrustService manages the worker blacklist.
type WorkerTrustService struct {
	blacklist domain.Blacklist
	logger    *slog.Logger
	tracer    trace.Tracer
}

func NewWorkerTrustService(blacklist domain.Blacklist, logger *slog.Logger) *WorkerTrustService {
	return &WorkerTrustService{
		blacklist: blacklist,
		logger:    logger.With("component", "worker-trust"),
		tracer:    otel.Tracer("image-broker-usecase"),
	}
}

// Status reports whether workerID may be assigned work, and the blacklist
// entry if there is one.
func (s *WorkerTrustService) Status(ctx context.Context, workerID string) (bool, *domain.BlacklistEntry, error) {
	ctx, span := s.tracer.Start(ctx, "service.WorkerTrust")
	defer span.End()
	span.SetAttributes(attribute.String("worker.id", workerID))

	if workerID == "" {
		return false, nil, ErrEmptyWorkerID
	}
	entry, err := s.blacklist.Lookup(ctx, workerID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to look up worker")
		return false, nil, err
	}
	return entry == nil, entry, nil
}

// Ban blacklists workerID.
func (s *WorkerTrustService) Ban(ctx context.Context, workerID, reason string) (*domain.BlacklistEntry, error) {
	ctx, span := s.tracer.Start(ctx, "service.BanWorker")
	defer span.End()
	span.SetAttributes(attribute.String("worker.id", workerID))

	if workerID == "" {
		return nil, ErrEmptyWorkerID
	}
	entry := domain.BlacklistEntry{WorkerID: workerID, Reason: reason, CreatedAt: time.Now().UTC()}
	if err := s.blacklist.Add(ctx, entry); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to blacklist worker")
		return nil, err
	}
	s.logger.Info("worker blacklisted", "worker_id", workerID, "reason", reason)
	return &entry, nil
}

// Unban removes workerID from the blacklist. Unlisted workers are not an error.
func (s *WorkerTrustService) Unban(ctx context.Context, workerID string) error {
	ctx, span := s.tracer.Start(ctx, "service.UnbanWorker")
	defer span.End()
	span.SetAttributes(attribute.String("worker.id", workerID))

	if workerID == "" {
		return ErrEmptyWorkerID
	}
	if err := s.blacklist.Remove(ctx, workerID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to remove worker from blacklist")
		return err
	}
	s.logger.Info("worker removed from blacklist", "worker_id", workerID)
	return nil
}
