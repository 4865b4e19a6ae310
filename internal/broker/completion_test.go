package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"image-broker/internal/domain"
	"image-broker/internal/infra/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCompletionEnv(t *testing.T, ttl time.Duration) (*fakeBus, domain.RequestLedger, *CompletionListener, string) {
	t.Helper()
	bus := newFakeBus()
	ledger := memory.NewRequestLedger()
	params := domain.GenerationParams{Prompt: "p", NumSteps: 1, Height: 64, Width: 64}
	id, err := ledger.Create(context.Background(), domain.NewGenerationRequest(testInbox, params, 1, time.Now()))
	require.NoError(t, err)

	c := NewCompletionListener(bus, ledger, ttl, discardLogger())
	t.Cleanup(c.Close)
	return bus, ledger, c, id
}

func outcome(t *testing.T, ledger domain.RequestLedger, id string) *domain.GenerationRequest {
	t.Helper()
	req, err := ledger.Get(context.Background(), id)
	require.NoError(t, err)
	return req
}

func TestOnWorkerReplyOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		msg        *domain.Msg
		successful bool
		reason     string
	}{
		{name: "success header", msg: &domain.Msg{Header: domain.Header{domain.HeaderSuccess: "true"}}, successful: true},
		{name: "numeric success header", msg: &domain.Msg{Header: domain.Header{domain.HeaderSuccess: "1"}}, successful: true},
		{name: "failure header", msg: &domain.Msg{Header: domain.Header{domain.HeaderSuccess: "false"}}, reason: "worker reported failure"},
		{name: "missing header", msg: &domain.Msg{}, reason: "worker reported failure"},
		{name: "transport error", err: errors.New("subscription closed"), reason: "subscription closed"},
		{name: "timeout", err: domain.ErrCompletionTimeout, reason: domain.ErrCompletionTimeout.Error()},
		{name: "error wins over success header", err: errors.New("boom"), msg: &domain.Msg{Header: domain.Header{domain.HeaderSuccess: "true"}}, reason: "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ledger, c, id := newCompletionEnv(t, 0)

			c.OnWorkerReply(context.Background(), id, tt.err, tt.msg)

			req := outcome(t, ledger, id)
			require.NotNil(t, req.Successful)
			assert.Equal(t, tt.successful, *req.Successful)
			assert.Equal(t, tt.reason, req.FailureReason)
			require.NotNil(t, req.End)
		})
	}
}

func TestOnWorkerReplyIsIdempotent(t *testing.T) {
	_, ledger, c, id := newCompletionEnv(t, 0)

	c.OnWorkerReply(context.Background(), id, nil, &domain.Msg{Header: domain.Header{domain.HeaderSuccess: "true"}})
	first := outcome(t, ledger, id)

	c.OnWorkerReply(context.Background(), id, errors.New("late"), nil)
	c.OnWorkerReply(context.Background(), id, domain.ErrCompletionTimeout, nil)

	again := outcome(t, ledger, id)
	assert.True(t, *again.Successful)
	assert.Equal(t, *first.End, *again.End)
	assert.Empty(t, again.FailureReason)
}

func TestFinalizeReportsFirstWriteOnly(t *testing.T) {
	_, _, c, id := newCompletionEnv(t, 0)

	assert.True(t, c.Finalize(context.Background(), id, false, "first"))
	assert.False(t, c.Finalize(context.Background(), id, true, ""))
	assert.False(t, c.Finalize(context.Background(), "missing", true, ""))
}

func TestInstallUnsubscribesAfterReply(t *testing.T) {
	bus, ledger, c, id := newCompletionEnv(t, 0)

	require.NoError(t, c.Install(id, testInbox))
	assert.Equal(t, 1, bus.subscriberCount(testInbox))
	assert.Error(t, c.Install(id, testInbox), "second listener for the same request")

	require.NoError(t, bus.Publish(context.Background(), testInbox, nil, domain.PublishOptions{
		Header: domain.Header{domain.HeaderSuccess: "true"},
	}))

	assert.Zero(t, bus.subscriberCount(testInbox))
	assert.Zero(t, c.pendingCount())
	assert.True(t, *outcome(t, ledger, id).Successful)

	// A second reply on the inbox reaches nobody.
	require.NoError(t, bus.Publish(context.Background(), testInbox, nil, domain.PublishOptions{
		Header: domain.Header{domain.HeaderSuccess: "false"},
	}))
	assert.True(t, *outcome(t, ledger, id).Successful)
}

func TestInstallExpiresWithoutReply(t *testing.T) {
	bus, ledger, c, id := newCompletionEnv(t, 20*time.Millisecond)
	require.NoError(t, c.Install(id, testInbox))

	require.Eventually(t, func() bool {
		req, err := ledger.Get(context.Background(), id)
		return err == nil && req.Finalized()
	}, time.Second, 5*time.Millisecond)

	req := outcome(t, ledger, id)
	assert.False(t, *req.Successful)
	assert.Equal(t, domain.ErrCompletionTimeout.Error(), req.FailureReason)
	assert.Zero(t, bus.subscriberCount(testInbox))
	assert.Zero(t, c.pendingCount())
}

func TestReplyStopsExpiry(t *testing.T) {
	bus, ledger, c, id := newCompletionEnv(t, 30*time.Millisecond)
	require.NoError(t, c.Install(id, testInbox))

	require.NoError(t, bus.Publish(context.Background(), testInbox, nil, domain.PublishOptions{
		Header: domain.Header{domain.HeaderSuccess: "true"},
	}))
	time.Sleep(60 * time.Millisecond)

	req := outcome(t, ledger, id)
	assert.True(t, *req.Successful)
	assert.Empty(t, req.FailureReason)
}

func TestRemoveLeavesRequestOpen(t *testing.T) {
	bus, ledger, c, id := newCompletionEnv(t, 20*time.Millisecond)
	require.NoError(t, c.Install(id, testInbox))

	c.Remove(id)
	assert.Zero(t, bus.subscriberCount(testInbox))
	assert.Zero(t, c.pendingCount())

	time.Sleep(50 * time.Millisecond)
	assert.False(t, outcome(t, ledger, id).Finalized())
}

func TestCloseDropsEveryListener(t *testing.T) {
	bus, ledger, c, id := newCompletionEnv(t, 0)
	require.NoError(t, c.Install(id, testInbox))
	require.NoError(t, c.Install("other", "inbox-2"))

	c.Close()

	assert.Zero(t, c.pendingCount())
	assert.Zero(t, bus.subscriberCount(testInbox))
	assert.Zero(t, bus.subscriberCount("inbox-2"))
	assert.False(t, outcome(t, ledger, id).Finalized())
}
