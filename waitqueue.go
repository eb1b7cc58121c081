package vpcm

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// maxSleepers bounds the wake tokens a single Wakeup hands out. Extra sleepers still wake on their next
// timeout or on a later Wakeup.
const maxSleepers = 64

// WaitQueue lets byte-stream callers sleep until the real-time side signals progress.
//
// Wakeup is broadcast, lock-free and allocation-free, so it may be called from the host callback. Sleepers must
// re-check their condition after waking: stale tokens can cause spurious returns.
type WaitQueue struct {
	seq      atomic.Uint64
	sleepers atomic.Int32
	closed   atomic.Bool
	tokens   chan struct{}
}

// NewWaitQueue returns an empty wait queue.
func NewWaitQueue() *WaitQueue {
	return &WaitQueue{tokens: make(chan struct{}, maxSleepers)}
}

// Sleep blocks until the next Wakeup, the timeout or the cancellation of ctx.
// A zero or negative timeout waits without limit.
func (q *WaitQueue) Sleep(ctx context.Context, timeout time.Duration) error {
	return q.sleepFrom(ctx, q.ticket(), timeout)
}

// Wakeup wakes every current sleeper.
func (q *WaitQueue) Wakeup() {
	q.seq.Add(1)

	for n := q.sleepers.Load(); n > 0; n-- {
		select {
		case q.tokens <- struct{}{}:
		default:
			return
		}
	}
}

// Close makes every current and future Sleep fail with ErrDeviceError.
func (q *WaitQueue) Close() {
	q.closed.Store(true)
	q.Wakeup()
}

// ticket snapshots the wakeup sequence. A caller that takes a ticket before testing its condition and passes it
// to sleepFrom cannot miss a Wakeup issued in between.
func (q *WaitQueue) ticket() uint64 {
	return q.seq.Load()
}

func (q *WaitQueue) sleepFrom(ctx context.Context, ticket uint64, timeout time.Duration) error {
	q.sleepers.Add(1)
	defer q.sleepers.Add(-1)

	// Close marks the queue before bumping seq, so a moved seq is checked against closed too.
	if q.closed.Load() {
		return ErrDeviceError
	}

	if q.seq.Load() != ticket {
		return q.err()
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-q.tokens:
	case <-expired:
		return ErrTimeout
	case <-ctx.Done():
		return fmt.Errorf("sleep interrupted: %w: %w", ErrInterrupted, ctx.Err())
	}

	return q.err()
}

func (q *WaitQueue) err() error {
	if q.closed.Load() {
		return ErrDeviceError
	}

	return nil
}
