//go:build linux

package iouring

// ReadableBuffer marks a byte slice as the target of a kernel read: the
// ring writes into it while the operation is Pending. Wrap a slice with
// AsReadable to pass it to Read; the distinct type keeps a buffer meant
// to be written from the kernel from being passed where the kernel
// instead reads from it, and vice versa.
type ReadableBuffer []byte

// AsReadable wraps buf for use as the destination of a read operation.
func AsReadable(buf []byte) ReadableBuffer { return ReadableBuffer(buf) }

// WritableBuffer marks a byte slice as the source of a kernel write: the
// ring reads from it while the operation is Pending and must not be
// mutated by the caller until the operation completes.
type WritableBuffer []byte

// AsWritable wraps buf for use as the source of a write operation.
func AsWritable(buf []byte) WritableBuffer { return WritableBuffer(buf) }
