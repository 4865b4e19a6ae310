// internal/broker/completion.go
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"image-broker/internal/domain"
	"image-broker/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// CompletionListener watches the image inbox of every dispatched request
// and finalizes its ledger entry when the worker answers, or when no
// answer arrived within the TTL.
type CompletionListener struct {
	bus     domain.Bus
	ledger  domain.RequestLedger
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger
	tracer  trace.Tracer
	mu      sync.Mutex
	pending map[string]*pendingCompletion
}

// NewCompletionListener creates a listener registry. A zero ttl disables expiry.
func NewCompletionListener(bus domain.Bus, ledger domain.RequestLedger, ttl time.Duration, logger *slog.Logger) *CompletionListener {
	return &CompletionListener{
		bus:     bus,
		ledger:  ledger,
		ttl:     ttl,
		now:     time.Now,
		logger:  logger.With("component", "completion-listener"),
		tracer:  otel.Tracer("image-broker-completion"),
		pending: make(map[string]*pendingCompletion),
	}
}

type pendingCompletion struct {
	mu    sync.Mutex
	sub   domain.Subscription
	timer *time.Timer
	done  bool
}

// attach stores the subscription, or drops it at once if the completion
// already finished while subscribing.
func (p *pendingCompletion) attach(sub domain.Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		_ = sub.Unsubscribe()
		return
	}
	p.sub = sub
}

func (p *pendingCompletion) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return
	}
	p.done = true
	if p.timer != nil {
		p.timer.Stop()
	}
	if p.sub != nil {
		_ = p.sub.Unsubscribe()
	}
}

// Install subscribes to imageInbox on behalf of requestID. It returns only
// after the subscription is registered with the bus.
func (c *CompletionListener) Install(requestID, imageInbox string) error {
	p := &pendingCompletion{}

	c.mu.Lock()
	if _, exists := c.pending[requestID]; exists {
		c.mu.Unlock()
		return fmt.Errorf("completion listener for request %s already installed", requestID)
	}
	c.pending[requestID] = p
	metrics.PendingCompletions.Inc()
	c.mu.Unlock()

	sub, err := c.bus.Subscribe(imageInbox, func(msg *domain.Msg) {
		c.OnWorkerReply(context.Background(), requestID, nil, msg)
	})
	if err != nil {
		c.take(requestID)
		return fmt.Errorf("failed to watch image inbox %s: %w", imageInbox, err)
	}
	p.attach(sub)

	if c.ttl > 0 {
		p.mu.Lock()
		if !p.done {
			p.timer = time.AfterFunc(c.ttl, func() {
				c.OnWorkerReply(context.Background(), requestID, domain.ErrCompletionTimeout, nil)
			})
		}
		p.mu.Unlock()
	}
	return nil
}

// Remove drops the listener of requestID without finalizing the request.
func (c *CompletionListener) Remove(requestID string) {
	if p := c.take(requestID); p != nil {
		p.release()
	}
}

// pendingCount returns the number of installed listeners.
func (c *CompletionListener) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close drops every listener. Their ledger entries stay open for the sweeper.
func (c *CompletionListener) Close() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingCompletion)
	c.mu.Unlock()

	for _, p := range pending {
		p.release()
		metrics.PendingCompletions.Dec()
	}
	if len(pending) > 0 {
		c.logger.Info("dropped pending completion listeners", "count", len(pending))
	}
}

func (c *CompletionListener) take(requestID string) *pendingCompletion {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[requestID]
	if !ok {
		return nil
	}
	delete(c.pending, requestID)
	metrics.PendingCompletions.Dec()
	return p
}

// OnWorkerReply finalizes requestID from the worker's reply. err is a
// transport error or domain.ErrCompletionTimeout; msg may be nil.
// Calling it more than once for the same request leaves the first outcome intact.
func (c *CompletionListener) OnWorkerReply(ctx context.Context, requestID string, err error, msg *domain.Msg) {
	if p := c.take(requestID); p != nil {
		p.release()
	}

	successful := err == nil && msg != nil && domain.IsSuccess(msg.Header)

	status, reason := "success", ""
	switch {
	case errors.Is(err, domain.ErrCompletionTimeout):
		status, reason = "expired", err.Error()
	case err != nil:
		status, reason = "failed", err.Error()
	case !successful:
		status, reason = "failed", "worker reported failure"
	}

	if c.Finalize(ctx, requestID, successful, reason) {
		metrics.GenerationCompletionsTotal.WithLabelValues(status).Inc()
	}
}

// Finalize records the outcome of requestID. It reports whether this call
// wrote the outcome; an already finalized request is left untouched.
func (c *CompletionListener) Finalize(ctx context.Context, requestID string, successful bool, reason string) bool {
	ctx, span := c.tracer.Start(ctx, "broker.Finalize", trace.WithAttributes(
		attribute.String("request.id", requestID),
		attribute.Bool("request.successful", successful),
	))
	defer span.End()

	logger := c.logger.With("request_id", requestID)
	err := c.ledger.Update(ctx, requestID, domain.Outcome(successful, reason, c.now()))
	switch {
	case errors.Is(err, domain.ErrAlreadyFinalized):
		logger.Debug("request already finalized, ignoring duplicate outcome", "successful", successful)
		return false
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to finalize request")
		logger.Error("failed to finalize request", "successful", successful, "error", err)
		return false
	}
	logger.Info("request finalized", "successful", successful, "reason", reason)
	return true
}
