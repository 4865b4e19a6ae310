// internal/broker/intake.go
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"image-broker/internal/domain"
	"image-broker/internal/metrics"

	"golang.org/x/sync/semaphore"
)

// RequestHandler processes one inbound generation request.
type RequestHandler interface {
	HandleRequest(ctx context.Context, msg *domain.Msg) error
}

// Intake pulls generation requests off the bus and hands each one to its
// own goroutine. At most maxInFlight requests are handled at once; when
// the limit is reached the loop waits for a slot instead of dropping work.
type Intake struct {
	bus     domain.Bus
	handler RequestHandler
	subject string
	queue   string
	slots   *semaphore.Weighted
	wg      sync.WaitGroup
	logger  *slog.Logger
}

// NewIntake creates the intake loop for subject. A non-empty queue joins
// the queue group so several brokers share the subject.
func NewIntake(bus domain.Bus, handler RequestHandler, subject, queue string, maxInFlight int64, logger *slog.Logger) *Intake {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	return &Intake{
		bus:     bus,
		handler: handler,
		subject: subject,
		queue:   queue,
		slots:   semaphore.NewWeighted(maxInFlight),
		logger:  logger.With("component", "intake", "subject", subject),
	}
}

// Run consumes the subject until ctx is cancelled or the stream ends.
// Requests already being handled keep running; use Wait to let them finish.
func (in *Intake) Run(ctx context.Context) error {
	msgs, sub, err := in.bus.Stream(in.subject, in.queue)
	if err != nil {
		return err
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			in.logger.Warn("failed to unsubscribe intake", "error", err)
		}
	}()
	in.logger.Info("intake started", "queue", in.queue)

	for {
		select {
		case <-ctx.Done():
			in.logger.Info("intake stopping")
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				in.logger.Info("intake subscription closed")
				return nil
			}
			if err := in.slots.Acquire(ctx, 1); err != nil {
				return err
			}
			in.wg.Add(1)
			go in.handle(context.WithoutCancel(ctx), msg)
		}
	}
}

// handle supervises one request: panics are recovered and every failure is logged.
func (in *Intake) handle(ctx context.Context, msg *domain.Msg) {
	metrics.InFlight.Inc()
	defer func() {
		if r := recover(); r != nil {
			metrics.DispatchPanics.Inc()
			in.logger.Error("request handler panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
		metrics.InFlight.Dec()
		in.slots.Release(1)
		in.wg.Done()
	}()

	if err := in.handler.HandleRequest(ctx, msg); err != nil {
		if errors.Is(err, domain.ErrMissingImageInbox) || errors.Is(err, domain.ErrInvalidRequest) {
			in.logger.Warn("rejected generation request", "error", err)
			return
		}
		in.logger.Error("generation request failed", "error", err)
	}
}

// Wait blocks until every started request has been handled or ctx is done.
func (in *Intake) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		in.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
