// internal/scheduler/sweeper.go
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"image-broker/internal/domain"
	"image-broker/internal/metrics"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultSchedule sweeps once a minute. Schedules include a seconds field.
const DefaultSchedule = "0 */1 * * * *"

// cronSweeper finalizes requests that stayed open longer than ttl.
type cronSweeper struct {
	schedule  string
	ttl       time.Duration
	ledger    domain.RequestLedger
	finalizer domain.Finalizer
	now       func() time.Time
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewSweeper creates a sweeper that runs on a cron schedule with seconds.
// ttl must be positive: with no grace period every in-flight request would be swept.
func NewSweeper(schedule string, ttl time.Duration, ledger domain.RequestLedger, finalizer domain.Finalizer, logger *slog.Logger) (domain.Sweeper, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("sweep ttl must be positive, got %s", ttl)
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor).Parse(schedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return &cronSweeper{
		schedule:  schedule,
		ttl:       ttl,
		ledger:    ledger,
		finalizer: finalizer,
		now:       time.Now,
		logger:    logger.With("component", "sweeper"),
		tracer:    otel.Tracer("image-broker-sweeper"),
	}, nil
}

func (s *cronSweeper) Start(ctx context.Context) error {
	c := cron.New(cron.WithSeconds())
	if _, err := c.AddFunc(s.schedule, func() { s.run(ctx) }); err != nil {
		return err
	}

	s.logger.Info("sweeper started", "schedule", s.schedule, "ttl", s.ttl)
	c.Start()
	<-ctx.Done()
	s.logger.Info("sweeper stopping...")
	stopCtx := c.Stop()
	<-stopCtx.Done()
	s.logger.Info("sweeper stopped")
	return ctx.Err()
}

// run is called by the cron library.
func (s *cronSweeper) run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Error("sweep failed", "error", err)
	}
}

func (s *cronSweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.ttl)
	ctx, span := s.tracer.Start(ctx, "sweeper.Sweep", trace.WithAttributes(
		attribute.String("sweep.cutoff", cutoff.Format(time.RFC3339)),
	))
	defer span.End()

	stale, err := s.ledger.ListUnfinalized(ctx, cutoff)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list open requests")
		return 0, fmt.Errorf("failed to list open requests: %w", err)
	}

	swept := 0
	for _, req := range stale {
		if ctx.Err() != nil {
			break
		}
		if s.finalizer.Finalize(ctx, req.ID, false, domain.ErrCompletionTimeout.Error()) {
			metrics.GenerationCompletionsTotal.WithLabelValues("expired").Inc()
			swept++
		}
	}
	span.SetAttributes(attribute.Int("sweep.finalized", swept))
	if swept > 0 {
		s.logger.Info("finalized stale requests", "count", swept, "cutoff", cutoff)
	} else {
		s.logger.Debug("no stale requests", "cutoff", cutoff)
	}
	return swept, ctx.Err()
}
