// internal/broker/dispatcher.go
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"image-broker/internal/domain"
	"image-broker/internal/metrics"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Reasons sent to the requester on failure.
const (
	ReasonNoWorkers      = "There are no workers available"
	ReasonNotRecorded    = "Request could not be recorded"
	ReasonDispatchFailed = "Failed to dispatch request to worker"
)

// MaxSeed is the exclusive upper bound of broker-chosen seeds.
const MaxSeed = 1 << 32

// Dispatcher handles each inbound generation request from intake to
// dispatch: it records the request, acquires a worker, installs the
// completion listener and forwards the payload with the reply routed to
// the requester's image inbox.
type Dispatcher struct {
	bus         domain.Bus
	ledger      domain.RequestLedger
	acquirer    domain.WorkerAcquirer
	completions *CompletionListener
	validate    *validator.Validate
	seed        func() int64
	now         func() time.Time
	logger      *slog.Logger
	tracer      trace.Tracer
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(bus domain.Bus, ledger domain.RequestLedger, acquirer domain.WorkerAcquirer, completions *CompletionListener, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		bus:         bus,
		ledger:      ledger,
		acquirer:    acquirer,
		completions: completions,
		validate:    validator.New(),
		seed:        randomSeed,
		now:         time.Now,
		logger:      logger.With("component", "dispatcher"),
		tracer:      otel.Tracer("image-broker-dispatcher"),
	}
}

func randomSeed() int64 {
	return rand.Int64N(MaxSeed)
}

// HandleRequest runs every stage for one inbound message. The returned
// error is for the caller's logs only; the requester has already been
// told about any failure that has an inbox to go to.
func (d *Dispatcher) HandleRequest(ctx context.Context, msg *domain.Msg) error {
	ctx, span := d.tracer.Start(ctx, "broker.HandleRequest")
	defer span.End()

	// 1. Where the requester waits for the image.
	imageInbox := msg.Header.Get(domain.HeaderImageInbox)
	if imageInbox == "" {
		metrics.GenerationRequestsTotal.WithLabelValues("dropped").Inc()
		span.SetStatus(codes.Error, "missing image inbox")
		return domain.ErrMissingImageInbox
	}
	span.SetAttributes(attribute.String("request.image_inbox", imageInbox))
	logger := d.logger.With("image_inbox", imageInbox)

	// 2. Parameters and seed.
	params, err := d.parseParams(msg.Data)
	if err != nil {
		metrics.GenerationRequestsTotal.WithLabelValues("invalid").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request")
		d.notifyFailure(ctx, logger, imageInbox, err.Error())
		return err
	}
	req := domain.NewGenerationRequest(imageInbox, params, d.seed(), d.now())

	// 3. Ledger entry.
	id, err := d.ledger.Create(ctx, req)
	if err != nil {
		metrics.GenerationRequestsTotal.WithLabelValues("ledger_error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to record request")
		logger.Error("failed to record request", "error", err)
		d.notifyFailure(ctx, logger, imageInbox, ReasonNotRecorded)
		return fmt.Errorf("failed to record request: %w", err)
	}
	span.SetAttributes(attribute.String("request.id", id))
	logger = logger.With("request_id", id)
	logger.Info("generation request recorded", "seed", req.Seed)

	// 4. Worker.
	worker := d.acquirer.AcquireWorker(ctx)
	if worker == nil {
		metrics.GenerationRequestsTotal.WithLabelValues("no_worker").Inc()
		d.fail(ctx, logger, id, imageInbox, ReasonNoWorkers)
		return nil
	}
	span.SetAttributes(attribute.String("worker.id", worker.ReplyAddress))
	logger = logger.With("worker_id", worker.ReplyAddress)

	if err := d.ledger.Update(ctx, id, domain.AssignWorker(worker.ReplyAddress)); err != nil {
		metrics.GenerationRequestsTotal.WithLabelValues("ledger_error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to record worker")
		logger.Error("failed to record assigned worker", "error", err)
		d.fail(ctx, logger, id, imageInbox, ReasonNotRecorded)
		return fmt.Errorf("failed to record worker for request %s: %w", id, err)
	}

	// 5. Listen before the worker can possibly answer, then forward.
	if err := d.completions.Install(id, imageInbox); err != nil {
		metrics.GenerationRequestsTotal.WithLabelValues("publish_error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to install completion listener")
		logger.Error("failed to install completion listener", "error", err)
		d.fail(ctx, logger, id, imageInbox, ReasonDispatchFailed)
		return err
	}

	payload, err := json.Marshal(req.WorkerPayload())
	if err == nil {
		err = d.bus.Publish(ctx, worker.ReplyAddress, payload, domain.PublishOptions{Reply: imageInbox})
	}
	if err != nil {
		d.completions.Remove(id)
		metrics.GenerationRequestsTotal.WithLabelValues("publish_error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to forward request")
		logger.Error("failed to forward request to worker", "error", err)
		d.fail(ctx, logger, id, imageInbox, ReasonDispatchFailed)
		return fmt.Errorf("failed to forward request %s: %w", id, err)
	}

	metrics.GenerationRequestsTotal.WithLabelValues("dispatched").Inc()
	logger.Info("generation request dispatched")
	return nil
}

// parseParams decodes and validates the inbound payload.
func (d *Dispatcher) parseParams(data []byte) (domain.GenerationParams, error) {
	var params domain.GenerationParams
	if err := json.Unmarshal(data, &params); err != nil {
		return params, fmt.Errorf("%w: malformed payload: %v", domain.ErrInvalidRequest, err)
	}

	if err := d.validate.Struct(params); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return params, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
		}
		details := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			details = append(details, "Field '"+fe.Field()+"' failed on the '"+fe.Tag()+"' tag.")
		}
		return params, fmt.Errorf("%w: %s", domain.ErrInvalidRequest, strings.Join(details, " "))
	}
	return params, nil
}

// fail tells the requester and records the failure in the ledger.
func (d *Dispatcher) fail(ctx context.Context, logger *slog.Logger, id, imageInbox, reason string) {
	d.notifyFailure(ctx, logger, imageInbox, reason)
	if d.completions.Finalize(ctx, id, false, reason) {
		metrics.GenerationCompletionsTotal.WithLabelValues("failed").Inc()
	}
}

func (d *Dispatcher) notifyFailure(ctx context.Context, logger *slog.Logger, imageInbox, reason string) {
	err := d.bus.Publish(ctx, imageInbox, []byte(reason), domain.PublishOptions{
		Header: domain.Header{domain.HeaderSuccess: "false"},
	})
	if err != nil {
		logger.Error("failed to notify requester", "reason", reason, "error", err)
		return
	}
	logger.Info("requester notified of failure", "reason", reason)
}
