// internal/broker/acquirer.go
package broker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"image-broker/internal/domain"
	"image-broker/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Acquirer solicits workers on the request-worker subject until one is both
// willing and trustworthy, or the attempt budget runs out.
type Acquirer struct {
	bus         domain.Bus
	trust       domain.TrustFilter
	subject     string
	timeout     time.Duration
	maxAttempts int
	logger      *slog.Logger
	tracer      trace.Tracer
}

// NewAcquirer creates an acquirer that makes at most domain.MaxAcquireAttempts
// round trips per call, each bounded by timeout.
func NewAcquirer(bus domain.Bus, trust domain.TrustFilter, subject string, timeout time.Duration, logger *slog.Logger) *Acquirer {
	return &Acquirer{
		bus:         bus,
		trust:       trust,
		subject:     subject,
		timeout:     timeout,
		maxAttempts: domain.MaxAcquireAttempts,
		logger:      logger.With("component", "worker-acquirer"),
		tracer:      otel.Tracer("image-broker-acquirer"),
	}
}

// AcquireWorker returns the first acceptable candidate, or nil.
func (a *Acquirer) AcquireWorker(ctx context.Context) *domain.WorkerCandidate {
	ctx, span := a.tracer.Start(ctx, "broker.AcquireWorker")
	defer span.End()

	attempts := 0
	defer func() {
		span.SetAttributes(attribute.Int("acquire.attempts", attempts))
		metrics.AcquisitionAttempts.Observe(float64(attempts))
	}()

	for attempts < a.maxAttempts {
		if ctx.Err() != nil {
			break
		}
		attempts++

		candidate, outcome := a.solicit(ctx)
		metrics.WorkerSolicitationsTotal.WithLabelValues(outcome).Inc()
		span.AddEvent("solicitation", trace.WithAttributes(
			attribute.Int("attempt", attempts),
			attribute.String("outcome", outcome),
		))
		if candidate != nil {
			metrics.WorkerAcquisitionsTotal.WithLabelValues("acquired").Inc()
			span.SetAttributes(attribute.String("worker.id", candidate.ReplyAddress))
			return candidate
		}
		a.logger.Debug("candidate rejected", "attempt", attempts, "outcome", outcome)
	}

	metrics.WorkerAcquisitionsTotal.WithLabelValues("exhausted").Inc()
	a.logger.Info("no acceptable worker found", "attempts", attempts)
	return nil
}

// solicit performs one round trip and classifies its result.
func (a *Acquirer) solicit(ctx context.Context) (*domain.WorkerCandidate, string) {
	reply, err := a.bus.Request(ctx, a.subject, nil, a.timeout)
	switch {
	case errors.Is(err, domain.ErrNoResponders):
		return nil, "no_responders"
	case errors.Is(err, domain.ErrBusTimeout):
		return nil, "timeout"
	case err != nil:
		a.logger.Warn("worker solicitation failed", "subject", a.subject, "error", err)
		return nil, "error"
	}

	candidate := &domain.WorkerCandidate{
		ReplyAddress: reply.Reply,
		Willing:      domain.IsWilling(reply.Header),
	}
	if !candidate.Willing {
		return nil, "unwilling"
	}
	if candidate.ReplyAddress == "" {
		return nil, "no_reply_address"
	}
	if !a.trust.IsTrustworthy(ctx, candidate.ReplyAddress) {
		a.logger.Info("skipping untrustworthy worker", "worker_id", candidate.ReplyAddress)
		return nil, "untrusted"
	}
	return candidate, "accepted"
}
