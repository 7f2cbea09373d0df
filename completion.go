//go:build linux

package iouring

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

type completionState int32

const (
	statePending completionState = iota
	stateReady
	stateConsumed
)

// Completion represents one in-flight operation. It starts Pending,
// transitions to Ready exactly once when the reaper observes its CQE,
// and is marked Consumed the first time a caller retrieves the result.
//
// Go has no destructors, so the "a Completion must not be discarded
// while Pending" rule from the concurrency model is enforced at
// Close/Wait: Close blocks until the underlying operation is no longer
// Pending before releasing the operation's ticket (the buffer pin is
// dropped when the result arrives), so a caller can never walk away
// from a Pending completion and leave its buffer exposed to a kernel
// write that arrives later.
type Completion struct {
	op     string
	ticket uint64

	done  chan struct{}
	state atomic.Int32

	res   int32
	flags uint32
	err   error

	pinner   *runtime.Pinner
	released sync.Once
	release  func()

	// pump drives one round of CQE draining. It is set only when the
	// ring was built without a background reaper goroutine: waiting on
	// a Completion is what makes progress in that mode. nil means a
	// background goroutine already guarantees this completion will be
	// fulfilled without the waiter's help.
	pump func(context.Context) error

	submittedAt time.Time
	recordDur   func(op string, d time.Duration)
}

func newCompletion(op string, ticket uint64, pinner *runtime.Pinner, release func(), pump func(context.Context) error, recordDur func(string, time.Duration)) *Completion {
	c := &Completion{
		op:          op,
		ticket:      ticket,
		done:        make(chan struct{}),
		pinner:      pinner,
		release:     release,
		pump:        pump,
		submittedAt: time.Now(),
		recordDur:   recordDur,
	}
	c.state.Store(int32(statePending))
	return c
}

// awaitVia blocks until c.done is closed, driving ring progress itself
// via pump if the ring has no background reaper. ctx only bounds the
// wait when a pump is in play; a plain channel wait (background-reaper
// mode) ignores ctx, matching Wait's unconditional-block contract.
func (c *Completion) awaitVia(ctx context.Context) error {
	if c.pump == nil {
		<-c.done
		return nil
	}
	for !c.Ready() {
		if err := c.pump(ctx); err != nil {
			if c.Ready() {
				return nil
			}
			return err
		}
	}
	return nil
}

// fulfill is called exactly once by the reaper when this completion's
// CQE arrives. It unpins the operation's buffer (the kernel will not
// touch it again) before making the result observable, so Wait's
// caller is guaranteed the buffer is safe to reuse the instant Wait
// returns.
func (c *Completion) fulfill(res int32, flags uint32) {
	if c.pinner != nil {
		c.pinner.Unpin()
	}
	c.err = resultError(c.op, res)
	c.res = res
	c.flags = flags
	c.state.Store(int32(stateReady))
	close(c.done)
	if c.recordDur != nil {
		c.recordDur(c.op, time.Since(c.submittedAt))
	}
}

// Ready reports whether the result is available without blocking.
func (c *Completion) Ready() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the operation completes and returns its result.
// It is safe to call Wait more than once; subsequent calls replay the
// same result.
func (c *Completion) Wait() (int32, error) {
	if err := c.awaitVia(context.Background()); err != nil {
		return 0, err
	}
	c.state.Store(int32(stateConsumed))
	return c.res, c.err
}

// WaitContext blocks until the operation completes or ctx is done,
// whichever comes first. A ctx cancellation does NOT cancel the
// underlying kernel operation (the ring never issues ASYNC_CANCEL on a
// caller's behalf); it only stops this caller
// from waiting on it. The Completion must still eventually be Closed.
func (c *Completion) WaitContext(ctx context.Context) (int32, error) {
	if c.pump == nil {
		select {
		case <-c.done:
			c.state.Store(int32(stateConsumed))
			return c.res, c.err
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if err := c.awaitVia(ctx); err != nil {
		return 0, err
	}
	c.state.Store(int32(stateConsumed))
	return c.res, c.err
}

// Close releases the ticket (and, by extension, the table slot) backing
// this completion; the buffer pin was already dropped by fulfill when
// the result arrived. If the operation is still
// Pending, Close blocks until it is Ready before releasing anything:
// a ring facade's admission bookkeeping must never show a slot as free
// while the kernel can still write to it.
func (c *Completion) Close() error {
	_ = c.awaitVia(context.Background())
	c.released.Do(func() {
		if c.release != nil {
			c.release()
		}
	})
	return nil
}
