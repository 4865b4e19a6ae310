package usecase

import (
	"context"
	"log/slog"
	"time"

	"image-broker/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RequestService exposes the request ledger to operators.
type RequestService struct {
	ledger domain.RequestLedger
	logger *slog.Logger
	tracer trace.Tracer
}

// NewRequestService creates a new RequestService instance.
func NewRequestService(ledger domain.RequestLedger, logger *slog.Logger) *RequestService {
	return &RequestService{
		ledger: ledger,
		logger: logger,
		tracer: otel.Tracer("image-broker-usecase"),
	}
}

// Get returns one ledger entry.
func (s *RequestService) Get(ctx context.Context, id string) (*domain.GenerationRequest, error) {
	ctx, span := s.tracer.Start(ctx, "service.GetRequest")
	defer span.End()
	span.SetAttributes(attribute.String("request.id", id))

	req, err := s.ledger.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get request from ledger")
	}
	return req, err
}

// ListOpen lists requests without an outcome that started before olderThan ago.
func (s *RequestService) ListOpen(ctx context.Context, olderThan time.Duration) ([]*domain.GenerationRequest, error) {
	ctx, span := s.tracer.Start(ctx, "service.ListOpenRequests")
	defer span.End()
	span.SetAttributes(attribute.String("older_than", olderThan.String()))

	reqs, err := s.ledger.ListUnfinalized(ctx, time.Now().Add(-olderThan))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list open requests from ledger")
	}
	return reqs, err
}
