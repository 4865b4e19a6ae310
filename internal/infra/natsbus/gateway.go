// internal/infra/natsbus/gateway.go
package natsbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"image-broker/internal/domain"

	"github.com/nats-io/nats.go"
)

// Config holds NATS connection settings.
type Config struct {
	URL          string        // e.g. "nats://nats:4222"
	Name         string        // client name shown in server monitoring
	Timeout      time.Duration // connect timeout
	DrainTimeout time.Duration
}

// Gateway implements domain.Bus on a core NATS connection.
type Gateway struct {
	conn   *nats.Conn
	closed chan struct{}
	logger *slog.Logger
}

// Connect opens the NATS connection. Callers own the returned Gateway and
// must Drain it on shutdown.
func Connect(cfg Config, logger *slog.Logger) (*Gateway, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	logger = logger.With("component", "nats-gateway")

	g := &Gateway{
		closed: make(chan struct{}),
		logger: logger,
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.Timeout(cfg.Timeout),
		nats.DrainTimeout(cfg.DrainTimeout),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("nats async error", "subject", subject, "error", err)
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			close(g.closed)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	g.conn = nc
	logger.Info("connected to nats", "url", nc.ConnectedUrl())
	return g, nil
}

// Publish sends a message with optional headers and reply subject.
func (g *Gateway) Publish(_ context.Context, subject string, data []byte, opts domain.PublishOptions) error {
	msg := &nats.Msg{
		Subject: subject,
		Reply:   opts.Reply,
		Data:    data,
		Header:  toNatsHeader(opts.Header),
	}
	if err := g.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Request performs one request/reply round trip bounded by timeout.
func (g *Gateway) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) (*domain.Msg, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply, err := g.conn.RequestMsgWithContext(reqCtx, &nats.Msg{Subject: subject, Data: data})
	if err != nil {
		return nil, mapRequestError(ctx, subject, err)
	}
	return fromNatsMsg(reply), nil
}

// mapRequestError folds the client's failure kinds into the domain sentinels.
// A cancelled parent context is passed through unchanged.
func mapRequestError(parent context.Context, subject string, err error) error {
	switch {
	case errors.Is(err, nats.ErrNoResponders):
		return domain.ErrNoResponders
	case parent.Err() != nil:
		return parent.Err()
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return domain.ErrBusTimeout
	default:
		return fmt.Errorf("request to %s failed: %w", subject, err)
	}
}

// Subscribe registers an asynchronous handler on subject.
func (g *Gateway) Subscribe(subject string, handler func(*domain.Msg)) (domain.Subscription, error) {
	sub, err := g.conn.Subscribe(subject, func(m *nats.Msg) {
		handler(fromNatsMsg(m))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return sub, nil
}

// Stream delivers every message on subject over the returned channel. The
// channel is closed once the subscription is unsubscribed.
func (g *Gateway) Stream(subject, queue string) (<-chan *domain.Msg, domain.Subscription, error) {
	s := &stream{
		out:  make(chan *domain.Msg),
		done: make(chan struct{}),
	}
	var (
		sub *nats.Subscription
		err error
	)
	if queue != "" {
		sub, err = g.conn.QueueSubscribe(subject, queue, s.deliver)
	} else {
		sub, err = g.conn.Subscribe(subject, s.deliver)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	s.sub = sub
	g.logger.Info("streaming subject", "subject", subject, "queue", queue)
	return s.out, s, nil
}

// IsConnected reports whether the connection is currently up.
func (g *Gateway) IsConnected() bool {
	return g.conn.IsConnected()
}

// Drain stops accepting new messages, lets in-flight handlers finish,
// flushes pending publishes and closes the connection.
func (g *Gateway) Drain(ctx context.Context) error {
	if err := g.conn.Drain(); err != nil {
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	select {
	case <-g.closed:
		g.logger.Info("nats connection drained")
		return nil
	case <-ctx.Done():
		g.conn.Close()
		return ctx.Err()
	}
}

type stream struct {
	sub    *nats.Subscription
	out    chan *domain.Msg
	done   chan struct{}
	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

func (s *stream) deliver(m *nats.Msg) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.out <- fromNatsMsg(m):
	case <-s.done:
	}
}

func (s *stream) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		err = s.sub.Unsubscribe()
		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.out)
		s.mu.Unlock()
	})
	return err
}

func toNatsHeader(h domain.Header) nats.Header {
	if len(h) == 0 {
		return nil
	}
	nh := nats.Header{}
	for k, v := range h {
		nh.Set(k, v)
	}
	return nh
}

func fromNatsMsg(m *nats.Msg) *domain.Msg {
	msg := &domain.Msg{
		Subject: m.Subject,
		Reply:   m.Reply,
		Data:    m.Data,
	}
	if len(m.Header) > 0 {
		msg.Header = make(domain.Header, len(m.Header))
		for k, vals := range m.Header {
			if len(vals) > 0 {
				msg.Header[k] = vals[0]
			}
		}
	}
	return msg
}
