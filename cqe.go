//go:build linux

package iouring

import (
	"context"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/spacejam/rio/internal/sys"
)

// PeekCQE returns the next completion queue entry without blocking, or
// ok=false if none is available. It does not advance the CQ head;
// reaper.go's drainAvailable (the only consumer that processes CQEs
// rather than just checking for one) advances the head itself once it
// has dispatched everything between head and tail.
func (r *Ring) PeekCQE() (userData uint64, res int32, flags uint32, ok bool) {
	head := atomic.LoadUint32(r.cqHead)
	tail := atomic.LoadUint32(r.cqTail)

	if head == tail {
		return 0, 0, 0, false
	}

	idx := head & r.cqMask
	cqe := &r.cqes[idx]

	return cqe.UserData, cqe.Res, cqe.Flags, true
}

// WaitCQETimeout waits up to timeout for a CQE to become available,
// returning unix.ETIME if none arrives in time.
func (r *Ring) WaitCQETimeout(timeout time.Duration) (userData uint64, res int32, flags uint32, err error) {
	if r.closed.Load() {
		return 0, 0, 0, ErrRingClosed
	}

	if userData, res, flags, ok := r.PeekCQE(); ok {
		return userData, res, flags, nil
	}

	if !r.HasFeature(sys.IORING_FEAT_EXT_ARG) {
		return r.waitCQETimeoutPoll(timeout)
	}

	ts := sys.Timespec{
		Sec:  int64(timeout / time.Second),
		Nsec: int64(timeout % time.Second),
	}

	arg := sys.GetEventsArg{
		Ts: uint64(uintptr(unsafe.Pointer(&ts))),
	}

	r.sqLock.Lock()
	submitted := r.sqPending
	if submitted > 0 {
		tail := atomic.LoadUint32(r.sqTail)
		atomic.StoreUint32(r.sqTail, tail+submitted)
		r.sqPending = 0
	}
	r.sqLock.Unlock()

	if _, err = sys.EnterExt(r.fd, submitted, 1, sys.IORING_ENTER_GETEVENTS, &arg); err != nil {
		return 0, 0, 0, err
	}

	if userData, res, flags, ok := r.PeekCQE(); ok {
		return userData, res, flags, nil
	}

	return 0, 0, 0, unix.ETIME
}

// waitCQETimeoutPoll is a fallback for kernels without EXT_ARG support.
func (r *Ring) waitCQETimeoutPoll(timeout time.Duration) (userData uint64, res int32, flags uint32, err error) {
	deadline := time.Now().Add(timeout)

	for {
		if userData, res, flags, ok := r.PeekCQE(); ok {
			return userData, res, flags, nil
		}

		if time.Until(deadline) <= 0 {
			return 0, 0, 0, unix.ETIME
		}

		_, err := r.SubmitAndWait(1)
		if err == nil {
			continue
		}
		if err == unix.EINTR {
			continue
		}
		return 0, 0, 0, err
	}
}

// WaitCQEContext waits for a CQE, bounded by ctx, by repeatedly calling
// WaitCQETimeout in short slices so ctx cancellation is noticed promptly
// instead of blocking for the caller's full timeout in one kernel call.
func (r *Ring) WaitCQEContext(ctx context.Context) (userData uint64, res int32, flags uint32, err error) {
	if r.closed.Load() {
		return 0, 0, 0, ErrRingClosed
	}

	if userData, res, flags, ok := r.PeekCQE(); ok {
		return userData, res, flags, nil
	}

	for {
		select {
		case <-ctx.Done():
			return 0, 0, 0, ctx.Err()
		default:
		}

		userData, res, flags, err := r.WaitCQETimeout(100 * time.Millisecond)
		if err == unix.ETIME {
			continue
		}
		return userData, res, flags, err
	}
}

// CQOverflow returns the number of CQE overflows (dropped completions)
// the kernel has reported.
func (r *Ring) CQOverflow() uint32 {
	return atomic.LoadUint32(r.cqOverflow)
}
