//go:build linux

package iouring

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/spacejam/rio/internal/sys"
)

// reaper owns draining the completion queue and dispatching each CQE to
// the Completion its ticket names. Only one goroutine is ever actually
// inside a drain at a time; everyone else either waits on drainCond for
// that goroutine's next completed round (lazy mode) or never drains
// directly at all (background mode, where a dedicated goroutine is the
// sole drainer).
//
// drainGen is a version counter bumped under condMu every time a drain
// round finishes. A waiter captures drainGen before it can lose the race
// for drainMu and only calls drainCond.Wait in a loop that rechecks the
// counter first: if the in-progress drain it lost the race to finishes
// and broadcasts before the waiter goroutine reaches Wait, the waiter
// sees the counter has already moved and skips waiting instead of
// blocking on a broadcast that already happened and will never repeat.
type reaper struct {
	drainMu   sync.Mutex
	condMu    sync.Mutex
	drainCond *sync.Cond
	drainGen  uint64

	bgStop chan struct{}
	bgDone chan struct{}
}

func newReaper() *reaper {
	rp := &reaper{}
	rp.drainCond = sync.NewCond(&rp.condMu)
	return rp
}

// dispatchCQE resolves a CQE's ticket to its Completion and fulfills it.
// Ticket 0 is reserved for internal wakeup NOPs submitted by the ring
// itself (used to unblock a background reaper during Close) and carries
// no Completion to fulfill.
func (r *Ring) dispatchCQE(userData uint64, res int32, flags uint32) {
	if userData == 0 {
		return
	}
	if c, ok := r.tickets.Lookup(userData); ok {
		c.fulfill(res, flags)
	}
}

// drainAvailable dispatches every CQE currently between the CQ head and
// tail to its Completion, advancing the head once at the end rather
// than per entry, and returns how many it processed. This is the
// reaper's own iteration over the ring, not a generic callback-driven
// walk: dispatchCQE is its only consumer, so the two live together here
// instead of behind a public iterator in the ABI-level CQE file.
func (r *Ring) drainAvailable() int {
	head := atomic.LoadUint32(r.cqHead)
	tail := atomic.LoadUint32(r.cqTail)
	n := 0
	for head != tail {
		idx := head & r.cqMask
		cqe := &r.cqes[idx]
		r.dispatchCQE(cqe.UserData, cqe.Res, cqe.Flags)
		head++
		n++
	}
	if n > 0 {
		atomic.StoreUint32(r.cqHead, head)
	}
	return n
}

// drainOnce submits any pending SQEs, blocks for at least one
// completion, and dispatches every CQE currently available. It returns
// the number dispatched.
func (r *Ring) drainOnce(ctx context.Context) (int, error) {
	_, _, _, err := r.WaitCQEContext(ctx)
	if err != nil {
		return 0, err
	}
	n := r.drainAvailable()
	if r.logger != nil && n > 0 {
		r.logger.Debug("drained completions", slog.Int("count", n))
	}
	if over := r.CQOverflow(); over > 0 && r.logger != nil {
		r.logger.Warn("completion queue overflow reported by kernel", slog.Uint64("count", uint64(over)))
	}
	return n, nil
}

// ensureProgress is the lazy-mode pump: the calling goroutine either
// becomes the drainer for this round, or waits for whoever is currently
// draining to finish a round and retries. drainGen is captured before
// the TryLock decision so a waiter can never miss the broadcast from a
// drain round that races ahead of it: see the reaper doc comment.
func (r *Ring) ensureProgress(ctx context.Context) error {
	r.reap.condMu.Lock()
	myGen := r.reap.drainGen
	r.reap.condMu.Unlock()

	if r.reap.drainMu.TryLock() {
		_, err := r.drainOnce(ctx)
		r.reap.drainMu.Unlock()
		r.reap.condMu.Lock()
		r.reap.drainGen++
		r.reap.drainCond.Broadcast()
		r.reap.condMu.Unlock()
		return err
	}

	done := make(chan struct{})
	go func() {
		r.reap.condMu.Lock()
		for r.reap.drainGen == myGen {
			r.reap.drainCond.Wait()
		}
		r.reap.condMu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// startBackgroundReaper launches a dedicated goroutine that continually
// drains completions, so Wait/Close callers never need to pump
// themselves. Stopped by stopBackgroundReaper, which nudges the
// goroutine out of its blocking wait with an internal ticket-0 NOP.
func (r *Ring) startBackgroundReaper() {
	r.reap.bgStop = make(chan struct{})
	r.reap.bgDone = make(chan struct{})
	go func() {
		defer close(r.reap.bgDone)
		ctx := context.Background()
		for {
			select {
			case <-r.reap.bgStop:
				return
			default:
			}
			if _, err := r.drainOnce(ctx); err != nil {
				if r.closed.Load() {
					return
				}
				if r.logger != nil {
					r.logger.Warn("background reaper drain failed", "err", err)
				}
			}
		}
	}()
}

func (r *Ring) stopBackgroundReaper() {
	if r.reap.bgStop == nil {
		return
	}
	close(r.reap.bgStop)
	r.wakeReaper()
	<-r.reap.bgDone
}

// wakeReaper submits a ticket-0 NOP so a reaper blocked waiting for a
// CQE observes forward progress even with nothing else in flight. Used
// during teardown.
func (r *Ring) wakeReaper() {
	r.sqLock.Lock()
	sqe := r.getSQE()
	if sqe == nil {
		// SQ momentarily full; the in-flight operations it's full of
		// will themselves wake the reaper when they complete.
		r.sqLock.Unlock()
		return
	}
	sqe.Opcode = uint8(sys.IORING_OP_NOP)
	sqe.UserData = 0
	r.sqLock.Unlock()
	r.Submit()
}
