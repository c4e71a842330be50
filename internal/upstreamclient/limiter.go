package upstreamclient

import (
	"context"
	"errors"
	"time"
)

// ErrQueueTimeout is returned by Limiter.Acquire when a caller waits longer
// than the configured timeout for a concurrency slot.
var ErrQueueTimeout = errors.New("upstreamclient: timed out waiting for an upstream slot")

// ErrQueueFull is returned by Limiter.Acquire when the wait queue itself is
// already at capacity.
var ErrQueueFull = errors.New("upstreamclient: upstream request queue is full")

// Limiter bounds the number of requests concurrently in flight to upstream
// origins, queuing excess callers up to a configured depth. This is an
// optional guard against overwhelming a slow or small origin; Forward
// works without one. Adapted from the bounded admission queue this
// codebase's proxy layer originally used ahead of its upstream call.
type Limiter struct {
	slots chan struct{}
	queue chan struct{}
}

// NewLimiter builds a Limiter allowing maxConcurrent in-flight requests and
// up to maxQueue callers waiting for a slot. Non-positive values disable
// the corresponding bound (0 means "unbounded" for that dimension).
func NewLimiter(maxConcurrent, maxQueue int) *Limiter {
	l := &Limiter{}
	if maxConcurrent > 0 {
		l.slots = make(chan struct{}, maxConcurrent)
	}
	if maxQueue > 0 {
		l.queue = make(chan struct{}, maxQueue)
	}
	return l
}

// Acquire blocks until a slot is available, ctx is done, or waitTimeout
// elapses, whichever comes first. The returned release func must be called
// exactly once a slot was acquired (err == nil).
func (l *Limiter) Acquire(ctx context.Context, waitTimeout time.Duration) (release func(), err error) {
	if l == nil || l.slots == nil {
		return func() {}, nil
	}

	if l.queue != nil {
		select {
		case l.queue <- struct{}{}:
			defer func() { <-l.queue }()
		default:
			return nil, ErrQueueFull
		}
	}

	var timeout <-chan time.Time
	if waitTimeout > 0 {
		timer := time.NewTimer(waitTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case l.slots <- struct{}{}:
		return func() { <-l.slots }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		return nil, ErrQueueTimeout
	}
}
