package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"image-broker/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAcquirer(bus *fakeBus, trust domain.TrustFilter) *Acquirer {
	return NewAcquirer(bus, trust, "request-worker", 50*time.Millisecond, discardLogger())
}

func TestAcquireWorkerFirstWillingTrustedWins(t *testing.T) {
	bus := newFakeBus(willingReply("_INBOX.w1"), willingReply("_INBOX.w2"))
	got := newTestAcquirer(bus, staticTrust{}).AcquireWorker(context.Background())

	require.NotNil(t, got)
	assert.Equal(t, "_INBOX.w1", got.ReplyAddress)
	assert.True(t, got.Willing)
	assert.Equal(t, 1, bus.requestCount())
}

func TestAcquireWorkerSkipsUnwilling(t *testing.T) {
	bus := newFakeBus(unwillingReply("_INBOX.w1"), willingReply("_INBOX.w2"))
	got := newTestAcquirer(bus, staticTrust{}).AcquireWorker(context.Background())

	require.NotNil(t, got)
	assert.Equal(t, "_INBOX.w2", got.ReplyAddress)
	assert.Equal(t, 2, bus.requestCount())
}

func TestAcquireWorkerSkipsUntrusted(t *testing.T) {
	bus := newFakeBus(willingReply("_INBOX.bad"), willingReply("_INBOX.bad"), willingReply("_INBOX.good"))
	got := newTestAcquirer(bus, staticTrust{"_INBOX.bad": true}).AcquireWorker(context.Background())

	require.NotNil(t, got)
	assert.Equal(t, "_INBOX.good", got.ReplyAddress)
	assert.Equal(t, 3, bus.requestCount())
}

func TestAcquireWorkerSkipsRepliesWithoutAddress(t *testing.T) {
	bus := newFakeBus(willingReply(""), willingReply("_INBOX.w"))
	got := newTestAcquirer(bus, staticTrust{}).AcquireWorker(context.Background())

	require.NotNil(t, got)
	assert.Equal(t, "_INBOX.w", got.ReplyAddress)
}

func TestAcquireWorkerNeverExceedsBudget(t *testing.T) {
	tests := []struct {
		name   string
		script []requestResult
		trust  staticTrust
	}{
		{name: "all timeouts"},
		{
			name: "mixed transport failures",
			script: []requestResult{
				failedRequest(domain.ErrNoResponders),
				failedRequest(domain.ErrBusTimeout),
				failedRequest(errors.New("connection reset")),
				failedRequest(domain.ErrNoResponders),
			},
		},
		{
			name: "only unwilling workers",
			script: func() []requestResult {
				var s []requestResult
				for i := 0; i < 20; i++ {
					s = append(s, unwillingReply("_INBOX.lazy"))
				}
				return s
			}(),
		},
		{
			name: "only untrusted workers",
			script: func() []requestResult {
				var s []requestResult
				for i := 0; i < 20; i++ {
					s = append(s, willingReply("_INBOX.bad"))
				}
				return s
			}(),
			trust: staticTrust{"_INBOX.bad": true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := newFakeBus(tt.script...)
			got := newTestAcquirer(bus, tt.trust).AcquireWorker(context.Background())

			assert.Nil(t, got)
			assert.Equal(t, domain.MaxAcquireAttempts, bus.requestCount())
		})
	}
}

func TestAcquireWorkerWillingAfterNineFailures(t *testing.T) {
	var script []requestResult
	for i := 0; i < domain.MaxAcquireAttempts-1; i++ {
		script = append(script, failedRequest(domain.ErrNoResponders))
	}
	script = append(script, willingReply("_INBOX.last"))
	bus := newFakeBus(script...)

	got := newTestAcquirer(bus, staticTrust{}).AcquireWorker(context.Background())
	require.NotNil(t, got)
	assert.Equal(t, "_INBOX.last", got.ReplyAddress)
	assert.Equal(t, domain.MaxAcquireAttempts, bus.requestCount())
}

func TestAcquireWorkerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	bus := newFakeBus(willingReply("_INBOX.w"))

	assert.Nil(t, newTestAcquirer(bus, staticTrust{}).AcquireWorker(ctx))
	assert.Equal(t, 0, bus.requestCount())
}
