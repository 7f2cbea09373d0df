//go:build linux

// Package iouring provides a misuse-resistant io_uring ring runtime: a
// fixed-depth admission-controlled facade over the kernel's submission
// and completion queues, returning a Completion per operation instead
// of requiring callers to track raw user-data tickets themselves.
package iouring

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/spacejam/rio/internal/sys"
	"github.com/spacejam/rio/internal/ticket"
)

// Common errors.
var (
	ErrRingClosed   = errors.New("iouring: ring closed")
	ErrSQFull       = errors.New("iouring: submission queue full")
	ErrCQOverflow   = errors.New("iouring: completion queue overflow")
	ErrNotSupported = errors.New("iouring: operation not supported on this kernel")
)

// Timespec is a time specification for timeout operations.
type Timespec = sys.Timespec

// Ring is a misuse-resistant facade over one io_uring instance. Every
// submitting method returns a *Completion bounded by the ring's fixed
// depth: once depth operations are in flight, the next submit blocks
// until one finishes, enforcing the "never oversubscribe the kernel's
// in-flight budget" invariant in the ring rather than leaving it to
// caller discipline.
type Ring struct {
	fd       int
	params   sys.Params
	features uint32

	sqRing    []byte
	sqEntries uint32
	sqMask    uint32
	sqHead    *uint32
	sqTail    *uint32
	sqFlags   *uint32
	sqDropped *uint32
	sqArray   []uint32
	sqes      []sys.SQE
	sqesMmap  []byte

	cqRing     []byte
	cqEntries  uint32
	cqMask     uint32
	cqHead     *uint32
	cqTail     *uint32
	cqFlags    *uint32
	cqOverflow *uint32
	cqes       []sys.CQE

	sqLock    sync.Mutex
	sqPending uint32
	closed    atomic.Bool

	tickets    *ticket.Table[*Completion]
	reap       *reaper
	background bool
	logger     *slog.Logger
	profile    *profiler
	closeOnce  sync.Once

	probeOnce  sync.Once
	probeCache *Probe
	probeErr   error
}

// ringConfig accumulates both kernel setup params and facade-level
// choices (depth, reaper mode, logging, profiling) before New calls
// io_uring_setup. Keeping it distinct from sys.Params is what lets
// Option cover facade behavior the teacher's Option (a bare
// func(*sys.Params)) had no room for.
type ringConfig struct {
	params        sys.Params
	depth         uint32
	background    bool
	logger        *slog.Logger
	profileOnDrop bool
}

// Option configures ring setup.
type Option func(*ringConfig)

// WithSQPoll enables kernel-side SQ polling.
// This eliminates syscalls for submission but requires CAP_SYS_NICE
// or a recent kernel with io_uring permissions.
func WithSQPoll() Option {
	return func(c *ringConfig) {
		c.params.Flags |= sys.IORING_SETUP_SQPOLL
	}
}

// WithSQPollCPU pins the SQPOLL kernel thread to a specific CPU.
// Must be used with WithSQPoll.
func WithSQPollCPU(cpu uint32) Option {
	return func(c *ringConfig) {
		c.params.Flags |= sys.IORING_SETUP_SQ_AFF
		c.params.SQThreadCPU = cpu
	}
}

// WithSQPollIdle sets the idle timeout (milliseconds) for the SQPOLL thread.
func WithSQPollIdle(ms uint32) Option {
	return func(c *ringConfig) {
		c.params.SQThreadIdle = ms
	}
}

// WithIOPoll enables I/O polling for completions.
// Only works with file descriptors that support polling (e.g., NVMe).
func WithIOPoll() Option {
	return func(c *ringConfig) {
		c.params.Flags |= sys.IORING_SETUP_IOPOLL
	}
}

// WithCQSize sets a custom completion queue size.
// By default CQ size is 2x SQ size.
func WithCQSize(size uint32) Option {
	return func(c *ringConfig) {
		c.params.Flags |= sys.IORING_SETUP_CQSIZE
		c.params.CQEntries = size
	}
}

// WithSingleIssuer indicates only one task will submit to this ring.
// Enables optimizations in the kernel.
func WithSingleIssuer() Option {
	return func(c *ringConfig) {
		c.params.Flags |= sys.IORING_SETUP_SINGLE_ISSUER
	}
}

// WithDeferTaskrun defers task work until the next io_uring_enter call.
// Useful for batching completions. Requires SINGLE_ISSUER.
func WithDeferTaskrun() Option {
	return func(c *ringConfig) {
		c.params.Flags |= sys.IORING_SETUP_DEFER_TASKRUN | sys.IORING_SETUP_SINGLE_ISSUER
	}
}

// WithCoopTaskrun enables cooperative task running.
func WithCoopTaskrun() Option {
	return func(c *ringConfig) {
		c.params.Flags |= sys.IORING_SETUP_COOP_TASKRUN
	}
}

// WithFlags sets arbitrary setup flags.
func WithFlags(flags uint32) Option {
	return func(c *ringConfig) {
		c.params.Flags |= flags
	}
}

// WithDepth bounds how many operations this ring admits at once. The
// ticket table is sized to depth, and the (depth+1)th concurrent
// Submit blocks until one of the first depth completes. Defaults to
// the ring's CQ entry count.
func WithDepth(depth uint32) Option {
	return func(c *ringConfig) {
		c.depth = depth
	}
}

// WithBackgroundReaper runs a dedicated goroutine that continuously
// drains completions, instead of relying on Wait/Close callers to pump
// the drain themselves (the default, "lazy" mode).
func WithBackgroundReaper() Option {
	return func(c *ringConfig) {
		c.background = true
	}
}

// WithLogger overrides the *slog.Logger used for reaper and teardown
// diagnostics. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *ringConfig) {
		c.logger = logger
	}
}

// WithProfileOnDrop enables per-operation latency tracking and logs a
// summary (count/min/max/mean per operation kind) when the ring Closes.
func WithProfileOnDrop() Option {
	return func(c *ringConfig) {
		c.profileOnDrop = true
	}
}

// New creates a new io_uring instance.
// entries specifies the minimum number of submission queue entries
// (will be rounded up to a power of 2 by the kernel).
func New(entries uint32, opts ...Option) (*Ring, error) {
	if entries == 0 {
		return nil, &OpError{Kind: KindArgument, Op: "new", Err: unix.EINVAL}
	}

	cfg := ringConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	fd, err := sys.Setup(entries, &cfg.params)
	if err != nil {
		return nil, &OpError{Kind: KindSetup, Op: "setup", Err: err}
	}

	r := &Ring{
		fd:       fd,
		params:   cfg.params,
		features: cfg.params.Features,
		logger:   cfg.logger,
		reap:     newReaper(),
	}

	if err := r.mapRings(); err != nil {
		sys.Close(fd)
		return nil, &OpError{Kind: KindSetup, Op: "mmap", Err: err}
	}

	depth := cfg.depth
	if depth == 0 {
		depth = r.cqEntries
	}
	r.tickets = ticket.New[*Completion](int(depth))

	if cfg.profileOnDrop {
		r.profile = newProfiler()
	}

	if cfg.background {
		r.background = true
		r.startBackgroundReaper()
	}

	if r.logger != nil {
		r.logger.Info("ring created",
			slog.Uint64("sq_entries", uint64(r.sqEntries)),
			slog.Uint64("cq_entries", uint64(r.cqEntries)),
			slog.Uint64("depth", uint64(depth)),
		)
	}

	return r, nil
}

// mapRings maps the SQ, CQ, and SQE arrays into memory.
func (r *Ring) mapRings() error {
	p := &r.params

	sqRingSize := p.SQOff.Array + p.SQEntries*4
	cqRingSize := p.CQOff.CQEs + p.CQEntries*uint32(unsafe.Sizeof(sys.CQE{}))

	singleMmap := p.Features&sys.IORING_FEAT_SINGLE_MMAP != 0
	if singleMmap && cqRingSize > sqRingSize {
		sqRingSize = cqRingSize
	}

	var err error
	r.sqRing, err = sys.Mmap(r.fd, sys.IORING_OFF_SQ_RING, int(sqRingSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return err
	}

	if singleMmap {
		r.cqRing = r.sqRing
	} else {
		r.cqRing, err = sys.Mmap(r.fd, sys.IORING_OFF_CQ_RING, int(cqRingSize),
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
		if err != nil {
			sys.Munmap(r.sqRing)
			return err
		}
	}

	sqeSize := p.SQEntries * uint32(unsafe.Sizeof(sys.SQE{}))
	r.sqesMmap, err = sys.Mmap(r.fd, sys.IORING_OFF_SQES, int(sqeSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		if !singleMmap {
			sys.Munmap(r.cqRing)
		}
		sys.Munmap(r.sqRing)
		return err
	}

	r.sqEntries = *(*uint32)(unsafe.Pointer(&r.sqRing[p.SQOff.RingEntries]))
	r.sqMask = *(*uint32)(unsafe.Pointer(&r.sqRing[p.SQOff.RingMask]))
	r.sqHead = (*uint32)(unsafe.Pointer(&r.sqRing[p.SQOff.Head]))
	r.sqTail = (*uint32)(unsafe.Pointer(&r.sqRing[p.SQOff.Tail]))
	r.sqFlags = (*uint32)(unsafe.Pointer(&r.sqRing[p.SQOff.Flags]))
	r.sqDropped = (*uint32)(unsafe.Pointer(&r.sqRing[p.SQOff.Dropped]))

	sqArrayPtr := unsafe.Pointer(&r.sqRing[p.SQOff.Array])
	r.sqArray = unsafe.Slice((*uint32)(sqArrayPtr), r.sqEntries)

	sqesPtr := unsafe.Pointer(&r.sqesMmap[0])
	r.sqes = unsafe.Slice((*sys.SQE)(sqesPtr), p.SQEntries)

	r.cqEntries = *(*uint32)(unsafe.Pointer(&r.cqRing[p.CQOff.RingEntries]))
	r.cqMask = *(*uint32)(unsafe.Pointer(&r.cqRing[p.CQOff.RingMask]))
	r.cqHead = (*uint32)(unsafe.Pointer(&r.cqRing[p.CQOff.Head]))
	r.cqTail = (*uint32)(unsafe.Pointer(&r.cqRing[p.CQOff.Tail]))
	r.cqFlags = (*uint32)(unsafe.Pointer(&r.cqRing[p.CQOff.Flags]))
	r.cqOverflow = (*uint32)(unsafe.Pointer(&r.cqRing[p.CQOff.Overflow]))

	cqesPtr := unsafe.Pointer(&r.cqRing[p.CQOff.CQEs])
	r.cqes = unsafe.Slice((*sys.CQE)(cqesPtr), r.cqEntries)

	return nil
}

// Close waits for every admitted ticket to be released, stops the
// background reaper if one was started, and releases the ring's kernel
// resources. Close is idempotent.
//
// Every Completion obtained from this ring must itself be Closed (or
// Waited and then Closed) before calling Ring.Close; a Completion left
// Pending forever holds its ticket forever, and Ring.Close will block
// waiting for it right alongside its caller.
func (r *Ring) Close() error {
	var closeErr error
	r.closeOnce.Do(func() {
		// closed is set only after the drain below: the lazy drain and
		// the background reaper's wakeup NOP both refuse to run once it
		// is set.
		if r.background {
			for r.tickets.InFlight() > 0 {
				time.Sleep(time.Millisecond)
			}
			r.stopBackgroundReaper()
		} else {
			// Lazy mode: pump drains ourselves until every ticket the
			// table handed out has been released.
			for r.tickets.InFlight() > 0 {
				if err := r.ensureProgress(context.Background()); err != nil {
					break
				}
			}
		}
		r.closed.Store(true)

		if r.profile != nil {
			r.profile.logSummary(r.logger)
		}

		if r.params.Features&sys.IORING_FEAT_SINGLE_MMAP == 0 && r.cqRing != nil {
			sys.Munmap(r.cqRing)
		}
		if r.sqRing != nil {
			sys.Munmap(r.sqRing)
		}
		if r.sqesMmap != nil {
			sys.Munmap(r.sqesMmap)
		}

		closeErr = sys.Close(r.fd)
		if r.logger != nil {
			r.logger.Info("ring closed")
		}
	})
	return closeErr
}

// Fd returns the ring file descriptor.
func (r *Ring) Fd() int { return r.fd }

// Features returns the feature flags from io_uring_params.
func (r *Ring) Features() uint32 { return r.features }

// HasFeature checks if a specific feature is supported.
func (r *Ring) HasFeature(feat uint32) bool { return r.features&feat != 0 }

// SQEntries returns the number of submission queue entries.
func (r *Ring) SQEntries() uint32 { return r.sqEntries }

// CQEntries returns the number of completion queue entries.
func (r *Ring) CQEntries() uint32 { return r.cqEntries }

// Depth returns the maximum number of operations this ring admits
// concurrently.
func (r *Ring) Depth() int { return r.tickets.Capacity() }

// InFlight returns the number of operations currently admitted and not
// yet fulfilled.
func (r *Ring) InFlight() int { return r.tickets.InFlight() }

// SQReady returns the number of SQEs ready for submission.
func (r *Ring) SQReady() uint32 { return r.sqPending }

// SQSpace returns the available space in the submission queue.
func (r *Ring) SQSpace() uint32 {
	head := atomic.LoadUint32(r.sqHead)
	tail := atomic.LoadUint32(r.sqTail)
	return r.sqEntries - (tail - head)
}

// CQReady returns the number of CQEs ready for consumption.
func (r *Ring) CQReady() uint32 {
	head := atomic.LoadUint32(r.cqHead)
	tail := atomic.LoadUint32(r.cqTail)
	return tail - head
}

func (r *Ring) needsWakeup() bool {
	if r.params.Flags&sys.IORING_SETUP_SQPOLL == 0 {
		return false
	}
	return atomic.LoadUint32(r.sqFlags)&sys.IORING_SQ_NEED_WAKEUP != 0
}

// Submit submits all pending SQEs to the kernel without waiting for
// any completions. Returns the number of SQEs submitted.
func (r *Ring) Submit() (int, error) {
	if r.closed.Load() {
		return 0, ErrRingClosed
	}

	r.sqLock.Lock()
	submitted := r.sqPending
	if submitted == 0 {
		r.sqLock.Unlock()
		return 0, nil
	}
	tail := atomic.LoadUint32(r.sqTail)
	atomic.StoreUint32(r.sqTail, tail+submitted)
	r.sqPending = 0
	r.sqLock.Unlock()

	var flags uint32
	if r.needsWakeup() {
		flags |= sys.IORING_ENTER_SQ_WAKEUP
	}

	if r.params.Flags&sys.IORING_SETUP_SQPOLL != 0 && flags == 0 {
		return int(submitted), nil
	}

	n, err := sys.Enter(r.fd, submitted, 0, flags, nil)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// SubmitAndWait submits pending SQEs and waits for at least n completions.
func (r *Ring) SubmitAndWait(n uint32) (int, error) {
	if r.closed.Load() {
		return 0, ErrRingClosed
	}

	r.sqLock.Lock()
	submitted := r.sqPending
	if submitted > 0 {
		tail := atomic.LoadUint32(r.sqTail)
		atomic.StoreUint32(r.sqTail, tail+submitted)
		r.sqPending = 0
	}
	r.sqLock.Unlock()

	var flags uint32 = sys.IORING_ENTER_GETEVENTS
	if r.needsWakeup() {
		flags |= sys.IORING_ENTER_SQ_WAKEUP
	}

	result, err := sys.Enter(r.fd, submitted, n, flags, nil)
	if err != nil {
		return 0, err
	}
	return result, nil
}

// OpSpec describes one operation to submit, built by the NopOp/ReadOp/
// WriteOp/... constructors below. It exists so Ordered can submit a
// chain of operations under a single sqLock hold with IOSQE_IO_LINK
// set between them.
type OpSpec struct {
	name       string
	opcode     sys.Op // kernel opcode this spec submits, checked against Ring.Probe before admission
	prep       func(sqe *sys.SQE)
	pin        []byte // non-nil if the kernel touches this buffer while Pending
	orderFlags uint8  // additional IOSQE_* bits from WithOrdering, OR'd in at fill time
}

// NopOp builds a no-op operation; useful for testing the round trip and
// for explicit wakeups.
func NopOp() OpSpec {
	return OpSpec{name: "nop", opcode: sys.IORING_OP_NOP, prep: func(sqe *sys.SQE) {
		sqe.Opcode = uint8(sys.IORING_OP_NOP)
	}}
}

// ReadOp builds a read of len(buf) bytes from fd at offset into buf.
func ReadOp(fd int, buf ReadableBuffer, offset uint64) OpSpec {
	return OpSpec{name: "read", opcode: sys.IORING_OP_READ, pin: []byte(buf), prep: func(sqe *sys.SQE) {
		sqe.Opcode = uint8(sys.IORING_OP_READ)
		sqe.Fd = int32(fd)
		if len(buf) > 0 {
			sqe.Addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
		}
		sqe.Len = uint32(len(buf))
		sqe.Off = offset
	}}
}

// WriteOp builds a write of len(buf) bytes from buf to fd at offset.
func WriteOp(fd int, buf WritableBuffer, offset uint64) OpSpec {
	return OpSpec{name: "write", opcode: sys.IORING_OP_WRITE, pin: []byte(buf), prep: func(sqe *sys.SQE) {
		sqe.Opcode = uint8(sys.IORING_OP_WRITE)
		sqe.Fd = int32(fd)
		if len(buf) > 0 {
			sqe.Addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
		}
		sqe.Len = uint32(len(buf))
		sqe.Off = offset
	}}
}

// FsyncOp builds an fsync (or, with datasync, fdatasync) of fd.
func FsyncOp(fd int, datasync bool) OpSpec {
	var flags uint32
	if datasync {
		flags = sys.IORING_FSYNC_DATASYNC
	}
	return OpSpec{name: "fsync", opcode: sys.IORING_OP_FSYNC, prep: func(sqe *sys.SQE) {
		sqe.Opcode = uint8(sys.IORING_OP_FSYNC)
		sqe.Fd = int32(fd)
		sqe.OpFlags = flags
	}}
}

// ConnectOp builds a connect of fd to the address at addr (addrLen bytes).
// addr must remain valid and unmoved until the Completion is fulfilled;
// callers typically pass the address of a pinned unix.RawSockaddrAny.
func ConnectOp(fd int, addr unsafe.Pointer, addrLen uint32) OpSpec {
	return OpSpec{name: "connect", opcode: sys.IORING_OP_CONNECT, prep: func(sqe *sys.SQE) {
		sqe.Opcode = uint8(sys.IORING_OP_CONNECT)
		sqe.Fd = int32(fd)
		sqe.Addr = uint64(uintptr(addr))
		sqe.Off = uint64(addrLen)
	}}
}

// AcceptOp builds an accept on the listening socket fd. addr/addrLen may
// be nil if the peer address is not needed.
func AcceptOp(fd int, addr unsafe.Pointer, addrLen *uint32, flags uint32) OpSpec {
	return OpSpec{name: "accept", opcode: sys.IORING_OP_ACCEPT, prep: func(sqe *sys.SQE) {
		sqe.Opcode = uint8(sys.IORING_OP_ACCEPT)
		sqe.Fd = int32(fd)
		sqe.Addr = uint64(uintptr(addr))
		sqe.Off = uint64(uintptr(unsafe.Pointer(addrLen)))
		sqe.OpFlags = flags
	}}
}

// SendOp builds a send of buf on fd.
func SendOp(fd int, buf WritableBuffer, flags int) OpSpec {
	return OpSpec{name: "send", opcode: sys.IORING_OP_SEND, pin: []byte(buf), prep: func(sqe *sys.SQE) {
		sqe.Opcode = uint8(sys.IORING_OP_SEND)
		sqe.Fd = int32(fd)
		if len(buf) > 0 {
			sqe.Addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
		}
		sqe.Len = uint32(len(buf))
		sqe.OpFlags = uint32(flags)
	}}
}

// RecvOp builds a recv into buf on fd.
func RecvOp(fd int, buf ReadableBuffer, flags int) OpSpec {
	return OpSpec{name: "recv", opcode: sys.IORING_OP_RECV, pin: []byte(buf), prep: func(sqe *sys.SQE) {
		sqe.Opcode = uint8(sys.IORING_OP_RECV)
		sqe.Fd = int32(fd)
		if len(buf) > 0 {
			sqe.Addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
		}
		sqe.Len = uint32(len(buf))
		sqe.OpFlags = uint32(flags)
	}}
}

// Submit1 admits and submits a single operation, returning its
// Completion. It blocks if the ring is already at its configured depth.
func (r *Ring) Submit1(ctx context.Context, spec OpSpec) (*Completion, error) {
	cs, err := r.Ordered(ctx, spec)
	if err != nil {
		return nil, err
	}
	return cs[0], nil
}

// Ordered admits and submits a chain of operations as a single unit:
// IOSQE_IO_LINK is set on every SQE but the last, so the kernel only
// begins op[i+1] once op[i] completes successfully, and a failure
// anywhere in the chain short-circuits every remaining op with
// ECANCELED. It blocks until enough admission tickets are available for
// the whole chain, or until ctx is done; a chain is also rejected as a
// whole if the submission queue can't currently hold it, rather than
// partially submitting it.
func (r *Ring) Ordered(ctx context.Context, specs ...OpSpec) ([]*Completion, error) {
	if r.closed.Load() {
		return nil, ErrRingClosed
	}
	if len(specs) == 0 {
		return nil, &OpError{Kind: KindArgument, Op: "ordered", Err: errors.New("no operations")}
	}
	for _, spec := range specs {
		if spec.prep == nil {
			return nil, &OpError{Kind: KindArgument, Op: spec.name, Err: errors.New("empty operation")}
		}
		if !r.supportsOpcode(spec.opcode) {
			return nil, &OpError{Kind: KindArgument, Op: spec.name, Err: ErrNotSupported}
		}
	}

	pinners := make([]*runtime.Pinner, len(specs))
	tickets := make([]uint64, len(specs))
	for i, spec := range specs {
		if len(spec.pin) > 0 {
			p := &runtime.Pinner{}
			p.Pin(&spec.pin[0])
			pinners[i] = p
		}
		t, err := r.tickets.Acquire(ctx, nil)
		if err != nil {
			for j := 0; j < i; j++ {
				r.tickets.Release(tickets[j])
				if pinners[j] != nil {
					pinners[j].Unpin()
				}
			}
			if pinners[i] != nil {
				pinners[i].Unpin()
			}
			return nil, err
		}
		tickets[i] = t
	}

	abort := func() {
		for i, t := range tickets {
			r.tickets.Release(t)
			if pinners[i] != nil {
				pinners[i].Unpin()
			}
		}
	}

	r.sqLock.Lock()
	if r.sqSpaceLocked() < uint32(len(specs)) {
		r.sqLock.Unlock()
		abort()
		return nil, &OpError{Kind: KindQueueFull, Op: "ordered", Err: ErrSQFull}
	}

	sqes := make([]*sys.SQE, len(specs))
	for i, spec := range specs {
		// sqSpaceLocked already guaranteed room for len(specs) entries
		// and r.sqLock has been held continuously since that check, so
		// this cannot return nil.
		sqe := r.getSQE()
		spec.prep(sqe)
		sqe.UserData = tickets[i]
		sqe.Flags |= spec.orderFlags
		sqes[i] = sqe
	}
	for i := 0; i < len(sqes)-1; i++ {
		sqes[i].Flags |= sys.IOSQE_IO_LINK
	}
	r.sqLock.Unlock()

	var pumpFn func(context.Context) error
	if !r.background {
		pumpFn = r.ensureProgress
	}
	var recordDur func(string, time.Duration)
	if r.profile != nil {
		recordDur = r.profile.record
	}

	completions := make([]*Completion, len(specs))
	for i, spec := range specs {
		t := tickets[i]
		c := newCompletion(spec.name, t, pinners[i], func() { r.tickets.Release(t) }, pumpFn, recordDur)
		r.tickets.Set(t, c)
		completions[i] = c
	}

	if _, err := r.Submit(); err != nil {
		return completions, err
	}
	return completions, nil
}

// sqSpaceLocked returns the number of free SQ slots, including ones
// already reserved by pending-but-not-yet-submitted getSQE calls.
// Caller must hold sqLock.
func (r *Ring) sqSpaceLocked() uint32 {
	head := atomic.LoadUint32(r.sqHead)
	tail := atomic.LoadUint32(r.sqTail) + r.sqPending
	return r.sqEntries - (tail - head)
}

// Nop submits a no-op, useful for exercising the admission and
// completion path without touching any file descriptor.
func (r *Ring) Nop(ctx context.Context) (*Completion, error) {
	return r.Submit1(ctx, NopOp())
}

// Read submits a read of len(buf) bytes from fd at offset into buf.
// buf is pinned for the duration of the operation; the Completion must
// be Waited or Closed before buf is reused.
func (r *Ring) Read(ctx context.Context, fd int, buf ReadableBuffer, offset uint64) (*Completion, error) {
	if len(buf) == 0 {
		return nil, &OpError{Kind: KindArgument, Op: "read", Err: errors.New("empty buffer")}
	}
	return r.Submit1(ctx, ReadOp(fd, buf, offset))
}

// Write submits a write of len(buf) bytes from buf to fd at offset.
func (r *Ring) Write(ctx context.Context, fd int, buf WritableBuffer, offset uint64) (*Completion, error) {
	if len(buf) == 0 {
		return nil, &OpError{Kind: KindArgument, Op: "write", Err: errors.New("empty buffer")}
	}
	return r.Submit1(ctx, WriteOp(fd, buf, offset))
}

// Fsync submits an fsync of fd.
func (r *Ring) Fsync(ctx context.Context, fd int) (*Completion, error) {
	return r.Submit1(ctx, FsyncOp(fd, false))
}

// Fdatasync submits an fdatasync (data-only sync) of fd.
func (r *Ring) Fdatasync(ctx context.Context, fd int) (*Completion, error) {
	return r.Submit1(ctx, FsyncOp(fd, true))
}

// Connect submits a connect of fd to the address at addr (addrLen
// bytes). addr must remain valid until the Completion is fulfilled.
func (r *Ring) Connect(ctx context.Context, fd int, addr unsafe.Pointer, addrLen uint32) (*Completion, error) {
	return r.Submit1(ctx, ConnectOp(fd, addr, addrLen))
}

// Accept submits an accept on listening socket fd.
func (r *Ring) Accept(ctx context.Context, fd int, addr unsafe.Pointer, addrLen *uint32, flags uint32) (*Completion, error) {
	return r.Submit1(ctx, AcceptOp(fd, addr, addrLen, flags))
}

// Send submits a send of buf on fd.
func (r *Ring) Send(ctx context.Context, fd int, buf WritableBuffer, flags int) (*Completion, error) {
	if len(buf) == 0 {
		return nil, &OpError{Kind: KindArgument, Op: "send", Err: errors.New("empty buffer")}
	}
	return r.Submit1(ctx, SendOp(fd, buf, flags))
}

// Recv submits a recv into buf on fd.
func (r *Ring) Recv(ctx context.Context, fd int, buf ReadableBuffer, flags int) (*Completion, error) {
	if len(buf) == 0 {
		return nil, &OpError{Kind: KindArgument, Op: "recv", Err: errors.New("empty buffer")}
	}
	return r.Submit1(ctx, RecvOp(fd, buf, flags))
}

// Readv prepares a vectored read via the low-level Prep path; it is
// handed to the kernel by the next SubmitAll (or any other submit). No
// Completion is returned for it, and the reaper discards a CQE whose
// user data names no live ticket. iovecs must remain valid until the
// kernel has completed the operation. Vectored I/O spans multiple
// buffers the ring cannot pin individually through OpSpec, so callers
// are responsible for keeping the backing buffers alive themselves
// (e.g. via their own runtime.Pinner).
func (r *Ring) Readv(fd int, iovecs []unix.Iovec, offset uint64, userData uint64) error {
	return r.PrepReadv(fd, iovecs, offset, userData)
}

// Writev prepares a vectored write; see the Readv submission and
// buffer-lifetime notes.
func (r *Ring) Writev(fd int, iovecs []unix.Iovec, offset uint64, userData uint64) error {
	return r.PrepWritev(fd, iovecs, offset, userData)
}

// SubmitAll flushes any SQEs prepared through the low-level Prep*/GetSQE
// path (as opposed to Submit1/Ordered, which submit immediately).
func (r *Ring) SubmitAll() (int, error) {
	return r.Submit()
}
