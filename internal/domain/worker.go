package domain

import (
	"context"
	"errors"
	"strconv"
)

var (
	// ErrMissingImageInbox is returned for inbound messages without an imageInbox header.
	ErrMissingImageInbox = errors.New("missing imageInbox header")
	// ErrInvalidRequest wraps every reason an inbound payload is rejected.
	ErrInvalidRequest = errors.New("invalid generation request")
	// ErrCompletionTimeout is reported to the completion path when no worker
	// reply arrived within the completion TTL.
	ErrCompletionTimeout = errors.New("no reply from worker")
)

// MaxAcquireAttempts bounds the solicitation round trips of one acquisition.
const MaxAcquireAttempts = 10

// WorkerCandidate is a worker that answered a solicitation.
type WorkerCandidate struct {
	// ReplyAddress identifies the worker and is where work is forwarded.
	ReplyAddress string
	Willing      bool
}

// WorkerAcquirer finds a willing and trustworthy worker.
type WorkerAcquirer interface {
	// AcquireWorker returns nil when no acceptable worker was found within the
	// attempt budget. That is an expected outcome, not an error.
	AcquireWorker(ctx context.Context) *WorkerCandidate
}

// IsWilling reports whether a solicitation reply signals capacity.
func IsWilling(h Header) bool {
	return h.Get(HeaderWilling) == "true"
}

// IsSuccess reports whether a worker reply carries a true success header.
func IsSuccess(h Header) bool {
	ok, err := strconv.ParseBool(h.Get(HeaderSuccess))
	return err == nil && ok
}
