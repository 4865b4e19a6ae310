package natsbus

import (
	"context"
	"errors"
	"testing"

	"image-broker/internal/domain"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderConversionKeepsCase(t *testing.T) {
	nh := toNatsHeader(domain.Header{domain.HeaderImageInbox: "_INBOX.abc", domain.HeaderSuccess: "false"})
	require.NotNil(t, nh)
	assert.Equal(t, "_INBOX.abc", nh.Get("imageInbox"))

	msg := fromNatsMsg(&nats.Msg{Subject: "img-gen", Reply: "_INBOX.r", Header: nh, Data: []byte("x")})
	assert.Equal(t, "img-gen", msg.Subject)
	assert.Equal(t, "_INBOX.r", msg.Reply)
	assert.Equal(t, "_INBOX.abc", msg.Header.Get(domain.HeaderImageInbox))
	assert.Equal(t, "false", msg.Header.Get(domain.HeaderSuccess))
	assert.Equal(t, []byte("x"), msg.Data)
}

func TestHeaderConversionEmpty(t *testing.T) {
	assert.Nil(t, toNatsHeader(nil))
	assert.Nil(t, fromNatsMsg(&nats.Msg{Subject: "s"}).Header)
}

func TestMapRequestError(t *testing.T) {
	live := context.Background()
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name   string
		parent context.Context
		err    error
		want   error
	}{
		{name: "no responders", parent: live, err: nats.ErrNoResponders, want: domain.ErrNoResponders},
		{name: "client timeout", parent: live, err: nats.ErrTimeout, want: domain.ErrBusTimeout},
		{name: "deadline", parent: live, err: context.DeadlineExceeded, want: domain.ErrBusTimeout},
		{name: "parent cancelled", parent: cancelled, err: context.Canceled, want: context.Canceled},
		{name: "other", parent: live, err: nats.ErrConnectionClosed, want: nats.ErrConnectionClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapRequestError(tt.parent, "request-worker", tt.err)
			assert.True(t, errors.Is(got, tt.want), "got %v", got)
		})
	}
}

func TestStreamUnsubscribeClosesChannel(t *testing.T) {
	s := &stream{
		sub:  &nats.Subscription{},
		out:  make(chan *domain.Msg),
		done: make(chan struct{}),
	}
	// Unsubscribing a zero subscription reports an error but must still close the stream.
	_ = s.Unsubscribe()
	_, ok := <-s.out
	assert.False(t, ok)

	// Late deliveries are dropped instead of panicking.
	assert.NotPanics(t, func() { s.deliver(&nats.Msg{Subject: "img-gen"}) })
	assert.NotPanics(t, func() { _ = s.Unsubscribe() })
}
