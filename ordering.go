//go:build linux

package iouring

import (
	"context"
	"errors"
	"unsafe"

	"github.com/spacejam/rio/internal/sys"
)

var errEmptyBuffer = errors.New("empty buffer")

// Ordering is the per-operation ordering constraint named in the
// kernel ABI's SQE flags (§6): None lets the kernel complete entries in
// whatever order it finds convenient, Link chains an entry to the next
// one submitted alongside it (see Ring.Ordered), and Drain makes an
// entry a full barrier against every other entry already queued.
type Ordering uint8

const (
	// OrderingNone imposes no constraint; the kernel may reorder freely.
	OrderingNone Ordering = iota
	// OrderingLink chains this entry to the next one in the same submit
	// batch: the next starts only once this one fully succeeds, and a
	// short/failed completion cancels the rest of the chain with
	// ECANCELED. Only meaningful when passed to Ring.Ordered with more
	// than one OpSpec; a single-op submission has no "next" to link to.
	OrderingLink
	// OrderingDrain forces this entry to wait for every previously
	// submitted entry to complete, and makes every later entry wait for
	// this one: a full barrier in the submission stream.
	OrderingDrain
)

func (o Ordering) flag() uint8 {
	switch o {
	case OrderingLink:
		return sys.IOSQE_IO_LINK
	case OrderingDrain:
		return sys.IOSQE_IO_DRAIN
	default:
		return 0
	}
}

// WithOrdering returns a copy of s with an additional ordering
// constraint applied. Ring.Ordered already sets IOSQE_IO_LINK between
// consecutive entries in a chain; calling WithOrdering(OrderingLink) on
// a single-entry submission has no next entry to chain to and so is a
// no-op beyond setting the flag bit the kernel itself then ignores.
func (s OpSpec) WithOrdering(o Ordering) OpSpec {
	s.orderFlags |= o.flag()
	return s
}

// NopOrdered, ReadOrdered, WriteOrdered, ... below mirror the unordered
// facade methods but accept an explicit Ordering, matching spec.md
// §4.7's "*_ordered(..., ordering)" operation family.

// NopOrdered submits a no-op with the given ordering constraint.
func (r *Ring) NopOrdered(ctx context.Context, ordering Ordering) (*Completion, error) {
	return r.Submit1(ctx, NopOp().WithOrdering(ordering))
}

// ReadOrdered submits a read with the given ordering constraint.
func (r *Ring) ReadOrdered(ctx context.Context, fd int, buf ReadableBuffer, offset uint64, ordering Ordering) (*Completion, error) {
	if len(buf) == 0 {
		return nil, &OpError{Kind: KindArgument, Op: "read", Err: errEmptyBuffer}
	}
	return r.Submit1(ctx, ReadOp(fd, buf, offset).WithOrdering(ordering))
}

// WriteOrdered submits a write with the given ordering constraint.
func (r *Ring) WriteOrdered(ctx context.Context, fd int, buf WritableBuffer, offset uint64, ordering Ordering) (*Completion, error) {
	if len(buf) == 0 {
		return nil, &OpError{Kind: KindArgument, Op: "write", Err: errEmptyBuffer}
	}
	return r.Submit1(ctx, WriteOp(fd, buf, offset).WithOrdering(ordering))
}

// FsyncOrdered submits an fsync with the given ordering constraint.
func (r *Ring) FsyncOrdered(ctx context.Context, fd int, ordering Ordering) (*Completion, error) {
	return r.Submit1(ctx, FsyncOp(fd, false).WithOrdering(ordering))
}

// FdatasyncOrdered submits an fdatasync with the given ordering constraint.
func (r *Ring) FdatasyncOrdered(ctx context.Context, fd int, ordering Ordering) (*Completion, error) {
	return r.Submit1(ctx, FsyncOp(fd, true).WithOrdering(ordering))
}

// ConnectOrdered submits a connect with the given ordering constraint.
func (r *Ring) ConnectOrdered(ctx context.Context, fd int, addr unsafe.Pointer, addrLen uint32, ordering Ordering) (*Completion, error) {
	return r.Submit1(ctx, ConnectOp(fd, addr, addrLen).WithOrdering(ordering))
}

// AcceptOrdered submits an accept with the given ordering constraint.
func (r *Ring) AcceptOrdered(ctx context.Context, fd int, addr unsafe.Pointer, addrLen *uint32, flags uint32, ordering Ordering) (*Completion, error) {
	return r.Submit1(ctx, AcceptOp(fd, addr, addrLen, flags).WithOrdering(ordering))
}

// SendOrdered submits a send with the given ordering constraint.
func (r *Ring) SendOrdered(ctx context.Context, fd int, buf WritableBuffer, flags int, ordering Ordering) (*Completion, error) {
	if len(buf) == 0 {
		return nil, &OpError{Kind: KindArgument, Op: "send", Err: errEmptyBuffer}
	}
	return r.Submit1(ctx, SendOp(fd, buf, flags).WithOrdering(ordering))
}

// RecvOrdered submits a recv with the given ordering constraint.
func (r *Ring) RecvOrdered(ctx context.Context, fd int, buf ReadableBuffer, flags int, ordering Ordering) (*Completion, error) {
	if len(buf) == 0 {
		return nil, &OpError{Kind: KindArgument, Op: "recv", Err: errEmptyBuffer}
	}
	return r.Submit1(ctx, RecvOp(fd, buf, flags).WithOrdering(ordering))
}
