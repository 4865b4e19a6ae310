package broker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"image-broker/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type publishedMsg struct {
	Subject string
	Data    []byte
	Opts    domain.PublishOptions
}

type requestResult struct {
	msg *domain.Msg
	err error
}

// fakeBus is an in-process domain.Bus. Request results are scripted in
// order; once the script runs out every request times out.
type fakeBus struct {
	mu          sync.Mutex
	script      []requestResult
	requests    int
	published   []publishedMsg
	publishErrs map[string]error
	subs        map[string][]*fakeSub
	stream      chan *domain.Msg
}

func newFakeBus(script ...requestResult) *fakeBus {
	return &fakeBus{
		script:      script,
		publishErrs: make(map[string]error),
		subs:        make(map[string][]*fakeSub),
		stream:      make(chan *domain.Msg),
	}
}

func willingReply(worker string) requestResult {
	return requestResult{msg: &domain.Msg{Reply: worker, Header: domain.Header{domain.HeaderWilling: "true"}}}
}

func unwillingReply(worker string) requestResult {
	return requestResult{msg: &domain.Msg{Reply: worker, Header: domain.Header{domain.HeaderWilling: "false"}}}
}

func failedRequest(err error) requestResult {
	return requestResult{err: err}
}

func (b *fakeBus) Publish(_ context.Context, subject string, data []byte, opts domain.PublishOptions) error {
	b.mu.Lock()
	if err := b.publishErrs[subject]; err != nil {
		b.mu.Unlock()
		return err
	}
	b.published = append(b.published, publishedMsg{Subject: subject, Data: data, Opts: opts})
	b.mu.Unlock()

	b.deliver(&domain.Msg{Subject: subject, Reply: opts.Reply, Header: opts.Header, Data: data})
	return nil
}

func (b *fakeBus) Request(ctx context.Context, subject string, _ []byte, _ time.Duration) (*domain.Msg, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(b.script) == 0 {
		return nil, domain.ErrBusTimeout
	}
	next := b.script[0]
	b.script = b.script[1:]
	if next.msg != nil {
		next.msg.Subject = subject
	}
	return next.msg, next.err
}

func (b *fakeBus) Subscribe(subject string, handler func(*domain.Msg)) (domain.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &fakeSub{bus: b, subject: subject, handler: handler}
	b.subs[subject] = append(b.subs[subject], s)
	return s, nil
}

func (b *fakeBus) Stream(string, string) (<-chan *domain.Msg, domain.Subscription, error) {
	return b.stream, &fakeSub{bus: b}, nil
}

// deliver hands msg to every subscriber of its subject, outside the lock.
func (b *fakeBus) deliver(msg *domain.Msg) {
	b.mu.Lock()
	subs := append([]*fakeSub(nil), b.subs[msg.Subject]...)
	b.mu.Unlock()
	for _, s := range subs {
		s.handler(msg)
	}
}

func (b *fakeBus) requestCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests
}

func (b *fakeBus) subscriberCount(subject string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[subject])
}

func (b *fakeBus) publishedTo(subject string) []publishedMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []publishedMsg
	for _, p := range b.published {
		if p.Subject == subject {
			out = append(out, p)
		}
	}
	return out
}

type fakeSub struct {
	bus     *fakeBus
	subject string
	handler func(*domain.Msg)
}

func (s *fakeSub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.subs[s.subject]
	for i, other := range subs {
		if other == s {
			s.bus.subs[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(s.bus.subs[s.subject]) == 0 {
		delete(s.bus.subs, s.subject)
	}
	return nil
}

// staticTrust trusts every worker except the listed ones.
type staticTrust map[string]bool

func (t staticTrust) IsTrustworthy(_ context.Context, workerID string) bool {
	return !t[workerID]
}

// recordingLedger wraps a ledger and remembers every write.
type recordingLedger struct {
	domain.RequestLedger
	mu        sync.Mutex
	creates   int
	ids       []string
	patches   []domain.RequestPatch
	createErr error
	updateErr error
}

func (l *recordingLedger) Create(ctx context.Context, req *domain.GenerationRequest) (string, error) {
	l.mu.Lock()
	l.creates++
	err := l.createErr
	l.mu.Unlock()
	if err != nil {
		return "", err
	}
	id, err := l.RequestLedger.Create(ctx, req)
	if err == nil {
		l.mu.Lock()
		l.ids = append(l.ids, id)
		l.mu.Unlock()
	}
	return id, err
}

func (l *recordingLedger) lastID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.ids) == 0 {
		return ""
	}
	return l.ids[len(l.ids)-1]
}

func (l *recordingLedger) Update(ctx context.Context, id string, patch domain.RequestPatch) error {
	l.mu.Lock()
	l.patches = append(l.patches, patch)
	err := l.updateErr
	l.mu.Unlock()
	if err != nil && !patch.IsFinal() {
		return err
	}
	return l.RequestLedger.Update(ctx, id, patch)
}

func (l *recordingLedger) writes() (int, []domain.RequestPatch) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.creates, append([]domain.RequestPatch(nil), l.patches...)
}
