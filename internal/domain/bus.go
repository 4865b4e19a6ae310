// internal/domain/bus.go
package domain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrBusTimeout is returned by Bus.Request when no reply arrived in time.
	ErrBusTimeout = errors.New("bus: request timed out")
	// ErrNoResponders is returned by Bus.Request when nobody listens on the subject.
	ErrNoResponders = errors.New("bus: no responders")
)

// Header keys understood by the broker.
const (
	HeaderImageInbox = "imageInbox"
	HeaderWilling    = "willing"
	HeaderSuccess    = "success"
)

// Header holds the key-value headers of a bus message.
type Header map[string]string

// Get returns the value stored under key, or "" when the header is absent.
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	return h[key]
}

// Msg is a message delivered by the bus.
type Msg struct {
	Subject string
	// Reply is the subject a response to this message should be sent to.
	Reply  string
	Header Header
	Data   []byte
}

// PublishOptions control an outgoing publish.
type PublishOptions struct {
	Header Header
	// Reply routes the recipient's response to this subject instead of the publisher.
	Reply string
}

// Subscription is a registered interest in a subject.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the publish/subscribe and request/reply capability the broker is built on.
type Bus interface {
	// Publish sends data to subject without waiting for a response.
	Publish(ctx context.Context, subject string, data []byte, opts PublishOptions) error
	// Request sends data to subject and waits up to timeout for a single reply.
	// It returns ErrBusTimeout or ErrNoResponders for those failure kinds.
	Request(ctx context.Context, subject string, data []byte, timeout time.Duration) (*Msg, error)
	// Subscribe invokes handler for every message on subject until unsubscribed.
	Subscribe(subject string, handler func(*Msg)) (Subscription, error)
	// Stream delivers messages on subject over a channel. A non-empty queue
	// spreads the subject across every subscriber in the same queue group.
	Stream(subject, queue string) (<-chan *Msg, Subscription, error)
}
