package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"image-broker/internal/broker"
	"image-broker/internal/domain"
	"image-broker/internal/infra/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var params = domain.GenerationParams{Prompt: "p", NumSteps: 1, Height: 64, Width: 64}

func newTestSweeper(t *testing.T, ledger domain.RequestLedger, now time.Time) *cronSweeper {
	t.Helper()
	finalizer := broker.NewCompletionListener(nil, ledger, 0, discardLogger())
	s, err := NewSweeper("", 10*time.Minute, ledger, finalizer, discardLogger())
	require.NoError(t, err)
	cs := s.(*cronSweeper)
	cs.now = func() time.Time { return now }
	return cs
}

func TestSweepFinalizesOnlyStaleOpenRequests(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	ledger := memory.NewRequestLedger()

	staleID, err := ledger.Create(ctx, domain.NewGenerationRequest("inbox-stale", params, 1, now.Add(-time.Hour)))
	require.NoError(t, err)
	freshID, err := ledger.Create(ctx, domain.NewGenerationRequest("inbox-fresh", params, 2, now.Add(-time.Minute)))
	require.NoError(t, err)
	doneID, err := ledger.Create(ctx, domain.NewGenerationRequest("inbox-done", params, 3, now.Add(-time.Hour)))
	require.NoError(t, err)
	require.NoError(t, ledger.Update(ctx, doneID, domain.Outcome(true, "", now.Add(-50*time.Minute))))

	swept, err := newTestSweeper(t, ledger, now).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	stale, err := ledger.Get(ctx, staleID)
	require.NoError(t, err)
	require.NotNil(t, stale.Successful)
	assert.False(t, *stale.Successful)
	assert.Equal(t, domain.ErrCompletionTimeout.Error(), stale.FailureReason)

	fresh, err := ledger.Get(ctx, freshID)
	require.NoError(t, err)
	assert.False(t, fresh.Finalized())

	done, err := ledger.Get(ctx, doneID)
	require.NoError(t, err)
	assert.True(t, *done.Successful)
}

func TestSweepTwiceIsHarmless(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	ledger := memory.NewRequestLedger()
	_, err := ledger.Create(ctx, domain.NewGenerationRequest("inbox", params, 1, now.Add(-time.Hour)))
	require.NoError(t, err)

	s := newTestSweeper(t, ledger, now)
	first, err := s.Sweep(ctx)
	require.NoError(t, err)
	second, err := s.Sweep(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, first)
	assert.Zero(t, second)
}

type failingLedger struct{ domain.RequestLedger }

func (failingLedger) ListUnfinalized(context.Context, time.Time) ([]*domain.GenerationRequest, error) {
	return nil, errors.New("etcd unavailable")
}

func TestSweepReportsListFailure(t *testing.T) {
	s := newTestSweeper(t, failingLedger{memory.NewRequestLedger()}, time.Now())
	_, err := s.Sweep(context.Background())
	assert.ErrorContains(t, err, "etcd unavailable")
}

func TestNewSweeperRejectsBadSchedule(t *testing.T) {
	_, err := NewSweeper("every minute", time.Minute, memory.NewRequestLedger(), nil, discardLogger())
	assert.Error(t, err)
}

func TestNewSweeperRejectsNonPositiveTTL(t *testing.T) {
	for _, ttl := range []time.Duration{0, -time.Second} {
		_, err := NewSweeper("", ttl, memory.NewRequestLedger(), nil, discardLogger())
		assert.Error(t, err, "ttl %s", ttl)
	}
}

func TestSweepLeavesInFlightRequestsAlone(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	ledger := memory.NewRequestLedger()
	id, err := ledger.Create(ctx, domain.NewGenerationRequest("inbox", params, 1, now.Add(-time.Millisecond)))
	require.NoError(t, err)
	require.NoError(t, ledger.Update(ctx, id, domain.AssignWorker("_INBOX.w")))

	swept, err := newTestSweeper(t, ledger, now).Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept)

	req, err := ledger.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, req.Finalized())
}

func TestStartReturnsOnCancel(t *testing.T) {
	s, err := NewSweeper("*/1 * * * * *", time.Minute, memory.NewRequestLedger(), nil, discardLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
