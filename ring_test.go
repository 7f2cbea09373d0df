//go:build linux

package iouring

import (
	"context"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/spacejam/rio/internal/sys"
)

func skipIfNoIOURing(t *testing.T) {
	t.Helper()
	ring, err := New(4)
	if err != nil {
		t.Skipf("io_uring unavailable: %v", err)
	}
	ring.Close()
}

func TestNewRing(t *testing.T) {
	skipIfNoIOURing(t)

	tests := []struct {
		name    string
		entries uint32
		opts    []Option
		wantErr bool
	}{
		{"default_64", 64, nil, false},
		{"non_power_of_two", 100, nil, false},
		{"zero_entries", 0, nil, true},
		{"with_cqsize", 64, []Option{WithCQSize(256)}, false},
		{"with_single_issuer", 64, []Option{WithSingleIssuer()}, false},
		{"with_depth", 64, []Option{WithDepth(8)}, false},
		{"with_background_reaper", 64, []Option{WithBackgroundReaper()}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ring, err := New(tt.entries, tt.opts...)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer ring.Close()

			assert.GreaterOrEqual(t, ring.Fd(), 0)
			assert.NotZero(t, ring.SQEntries())
			assert.NotZero(t, ring.CQEntries())
		})
	}
}

func TestRingClose(t *testing.T) {
	skipIfNoIOURing(t)

	ring, err := New(64)
	require.NoError(t, err)

	require.NoError(t, ring.Close())
	require.NoError(t, ring.Close(), "Close must be idempotent")
}

func TestDepthDefaultsToCQEntries(t *testing.T) {
	skipIfNoIOURing(t)

	ring, err := New(64)
	require.NoError(t, err)
	defer ring.Close()

	assert.Equal(t, int(ring.CQEntries()), ring.Depth())
}

// TestNopRoundTrip exercises scenario 3: submit a NOP, await it, and
// confirm the ticket it held is freed on Close.
func TestNopRoundTrip(t *testing.T) {
	skipIfNoIOURing(t)

	ring, err := New(64)
	require.NoError(t, err)
	defer ring.Close()

	c, err := ring.Nop(context.Background())
	require.NoError(t, err)

	res, err := c.Wait()
	require.NoError(t, err)
	assert.Zero(t, res)

	require.NoError(t, c.Close())
	assert.Zero(t, ring.InFlight())
}

// TestWriteReadRoundTrip covers the round-trip property: write(B, at=X)
// then read(B', at=X) under Link yields B' == B, with no cancellations.
func TestWriteReadRoundTrip(t *testing.T) {
	skipIfNoIOURing(t)

	ring, err := New(64, WithDepth(8))
	require.NoError(t, err)
	defer ring.Close()

	f, err := os.CreateTemp("", "rio_roundtrip")
	require.NoError(t, err)
	defer os.Remove(f.Name())
	defer f.Close()
	fd := int(f.Fd())

	want := make([]byte, 4096)
	for i := range want {
		want[i] = 42
	}
	readBuf := make([]byte, len(want))

	completions, err := ring.Ordered(context.Background(),
		WriteOp(fd, AsWritable(want), 0),
		ReadOp(fd, AsReadable(readBuf), 0),
	)
	require.NoError(t, err)
	require.Len(t, completions, 2)

	writeRes, err := completions[0].Wait()
	require.NoError(t, err)
	assert.Equal(t, int32(len(want)), writeRes)

	readRes, err := completions[1].Wait()
	require.NoError(t, err)
	assert.Equal(t, int32(len(want)), readRes)
	assert.Equal(t, want, readBuf)

	for _, c := range completions {
		require.NoError(t, c.Close())
	}
}

// TestWriteOrderedDrain covers the *_ordered facade: a single write
// submitted with OrderingDrain round-trips like an unordered one (Drain
// only affects interleaving with other queued entries, not this one's
// own result).
func TestWriteOrderedDrain(t *testing.T) {
	skipIfNoIOURing(t)

	ring, err := New(64, WithDepth(8))
	require.NoError(t, err)
	defer ring.Close()

	f, err := os.CreateTemp("", "rio_drain")
	require.NoError(t, err)
	defer os.Remove(f.Name())
	defer f.Close()
	fd := int(f.Fd())

	buf := []byte("barrier me")
	c, err := ring.WriteOrdered(context.Background(), fd, AsWritable(buf), 0, OrderingDrain)
	require.NoError(t, err)
	res, err := c.Wait()
	require.NoError(t, err)
	assert.Equal(t, int32(len(buf)), res)
	require.NoError(t, c.Close())
}

// TestLinkChainCancelsOnFailedWrite covers the boundary behavior: a Link
// chain whose first write fails cancels the remaining members with
// ECANCELED.
func TestLinkChainCancelsOnFailedWrite(t *testing.T) {
	skipIfNoIOURing(t)

	ring, err := New(64, WithDepth(8))
	require.NoError(t, err)
	defer ring.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, r.Close()) // force the write leg of the chain to fail with EPIPE

	buf := []byte("irrelevant")
	readBuf := make([]byte, len(buf))

	completions, err := ring.Ordered(context.Background(),
		WriteOp(int(w.Fd()), AsWritable(buf), 0),
		ReadOp(int(w.Fd()), AsReadable(readBuf), 0),
	)
	require.NoError(t, err)
	require.Len(t, completions, 2)

	_, firstErr := completions[0].Wait()
	_, secondErr := completions[1].Wait()

	assert.Error(t, firstErr, "write to a pipe with no reader must fail")
	var opErr *OpError
	require.ErrorAs(t, secondErr, &opErr)
	assert.Equal(t, KindCancelled, opErr.Kind)

	for _, c := range completions {
		require.NoError(t, c.Close())
	}
}

// TestSubmitExactlyDepth covers the boundary behavior: submitting
// exactly D operations and awaiting each succeeds with no QueueFull and
// no deadlock.
func TestSubmitExactlyDepth(t *testing.T) {
	skipIfNoIOURing(t)

	const depth = 8
	ring, err := New(64, WithDepth(depth))
	require.NoError(t, err)
	defer ring.Close()

	completions := make([]*Completion, 0, depth)
	for i := 0; i < depth; i++ {
		c, err := ring.Nop(context.Background())
		require.NoError(t, err)
		completions = append(completions, c)
	}

	for _, c := range completions {
		_, err := c.Wait()
		require.NoError(t, err)
		require.NoError(t, c.Close())
	}

	assert.Zero(t, ring.InFlight())
}

// TestDepthPlusOneBlocksUntilUnblocked covers the boundary behavior: the
// (D+1)th submission against a full ring blocks until an in-flight
// operation is awaited.
func TestDepthPlusOneBlocksUntilUnblocked(t *testing.T) {
	skipIfNoIOURing(t)

	const depth = 2
	ring, err := New(64, WithDepth(depth))
	require.NoError(t, err)
	defer ring.Close()

	held := make([]*Completion, 0, depth)
	for i := 0; i < depth; i++ {
		c, err := ring.Nop(context.Background())
		require.NoError(t, err)
		held = append(held, c)
	}

	blocked := make(chan *Completion, 1)
	go func() {
		c, err := ring.Nop(context.Background())
		require.NoError(t, err)
		blocked <- c
	}()

	select {
	case <-blocked:
		t.Fatal("submission beyond depth should not have admitted immediately")
	case <-time.After(50 * time.Millisecond):
	}

	_, err = held[0].Wait()
	require.NoError(t, err)
	require.NoError(t, held[0].Close())

	select {
	case c := <-blocked:
		_, err := c.Wait()
		require.NoError(t, err)
		require.NoError(t, c.Close())
	case <-time.After(2 * time.Second):
		t.Fatal("blocked submission never unblocked after a slot freed up")
	}

	_, err = held[1].Wait()
	require.NoError(t, err)
	require.NoError(t, held[1].Close())
}

// TestInFlightNeverExceedsDepth is the concurrency invariant: for N
// concurrent submitters against a ring of depth D, the kernel never
// sees more than D operations in flight at once, observed via the
// ring's own in-flight counter.
func TestInFlightNeverExceedsDepth(t *testing.T) {
	skipIfNoIOURing(t)

	const (
		depth        = 16
		submitters   = 8
		perSubmitter = 128
	)
	ring, err := New(64, WithDepth(depth), WithBackgroundReaper())
	require.NoError(t, err)
	defer ring.Close()

	f, err := os.CreateTemp("", "rio_fsync_stress")
	require.NoError(t, err)
	defer os.Remove(f.Name())
	defer f.Close()
	fd := int(f.Fd())

	var maxSeen int64
	var completed int64
	var wg sync.WaitGroup
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perSubmitter; j++ {
				c, err := ring.Fsync(context.Background(), fd)
				if err != nil {
					continue
				}
				if n := int64(ring.InFlight()); n > atomic.LoadInt64(&maxSeen) {
					atomic.StoreInt64(&maxSeen, n)
				}
				if _, err := c.Wait(); err == nil {
					atomic.AddInt64(&completed, 1)
				}
				c.Close()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(submitters*perSubmitter), completed)
	assert.LessOrEqual(t, atomic.LoadInt64(&maxSeen), int64(depth))
}

// TestDropBlocksUntilResult covers the invariant that dropping a
// Pending completion does not return until the kernel has delivered a
// result for it.
func TestDropBlocksUntilResult(t *testing.T) {
	skipIfNoIOURing(t)

	ring, err := New(64, WithProfileOnDrop())
	require.NoError(t, err)
	defer ring.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	readBuf := make([]byte, 16)
	c, err := ring.Read(context.Background(), int(r.Fd()), AsReadable(readBuf), 0)
	require.NoError(t, err)

	closeDone := make(chan struct{})
	go func() {
		c.Close()
		close(closeDone)
	}()

	select {
	case <-closeDone:
		t.Fatal("Close returned before the pipe produced any data")
	case <-time.After(50 * time.Millisecond):
	}

	_, err = w.Write([]byte("hello world!"))
	require.NoError(t, err)

	select {
	case <-closeDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Close never returned after the kernel delivered a result")
	}
}

// TestAcceptConnectEcho covers the end-to-end scenario: construct a TCP
// listener, accept via the ring, and echo bytes between the accepted
// socket and a connected client using the ring's send/recv path.
func TestAcceptConnectEcho(t *testing.T) {
	skipIfNoIOURing(t)

	ring, err := New(64, WithDepth(8))
	require.NoError(t, err)
	defer ring.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	tcpLn := ln.(*net.TCPListener)
	lnFile, err := tcpLn.File()
	require.NoError(t, err)
	defer lnFile.Close()
	lnFd := int(lnFile.Fd())

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	acceptC, err := ring.Accept(context.Background(), lnFd, nil, nil, 0)
	require.NoError(t, err)
	acceptRes, err := acceptC.Wait()
	require.NoError(t, err)
	require.NoError(t, acceptC.Close())
	require.Greater(t, acceptRes, int32(0))
	acceptedFd := int(acceptRes)
	defer unix.Close(acceptedFd)

	payload := []byte("echo this back please")
	_, err = client.Write(payload)
	require.NoError(t, err)

	recvBuf := make([]byte, len(payload))
	recvC, err := ring.Recv(context.Background(), acceptedFd, AsReadable(recvBuf), 0)
	require.NoError(t, err)
	recvRes, err := recvC.Wait()
	require.NoError(t, err)
	require.NoError(t, recvC.Close())
	require.Equal(t, int32(len(payload)), recvRes)

	sendC, err := ring.Send(context.Background(), acceptedFd, AsWritable(recvBuf), 0)
	require.NoError(t, err)
	sendRes, err := sendC.Wait()
	require.NoError(t, err)
	require.NoError(t, sendC.Close())
	require.Equal(t, int32(len(payload)), sendRes)

	echoBuf := make([]byte, len(payload))
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = client.Read(echoBuf)
	require.NoError(t, err)
	assert.Equal(t, payload, echoBuf)
}

func TestProbe(t *testing.T) {
	skipIfNoIOURing(t)

	ring, err := New(64)
	require.NoError(t, err)
	defer ring.Close()

	probe, err := ring.Probe()
	require.NoError(t, err)
	assert.True(t, probe.SupportsOp(sys.Op(sys.IORING_OP_NOP)))
	assert.False(t, probe.SupportsOp(sys.Op(255)))
}

func BenchmarkNopSubmit(b *testing.B) {
	ring, err := New(1024)
	if err != nil {
		b.Skipf("io_uring unavailable: %v", err)
	}
	defer ring.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c, err := ring.Nop(context.Background())
		if err != nil {
			b.Fatal(err)
		}
		c.Wait()
		c.Close()
	}
}
