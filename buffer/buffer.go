// Copyright 2023 Kami
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package buffer implements a growable byte buffer with a prependable
// header area, used as the input/output buffer of a TCP connection.
package buffer

import (
	"errors"
	"io"

	"golang.org/x/sys/unix"
)

const (
	// CheapPrepend is the size reserved at the front of the buffer so that
	// a length-prefix header can be written without shifting the readable
	// bytes.
	CheapPrepend = 8
	// InitialSize is the default writable capacity of a new Buffer.
	InitialSize = 1024
)

var ErrNothingToRetrieve = errors.New("buffer: nothing to retrieve")

// Buffer is [0, readerIndex) prependable, [readerIndex, writerIndex) readable
// and [writerIndex, cap) writable. It is not safe for concurrent use; every
// Buffer is owned by exactly one TcpConnection on exactly one EventLoop.
type Buffer struct {
	buf         []byte
	readerIndex int
	writerIndex int
}

// New returns a Buffer with CheapPrepend reserved and InitialSize writable.
func New() *Buffer {
	b := &Buffer{
		buf: make([]byte, CheapPrepend+InitialSize),
	}
	b.readerIndex = CheapPrepend
	b.writerIndex = CheapPrepend
	return b
}

// ReadableBytes returns the number of bytes available to read.
func (b *Buffer) ReadableBytes() int { return b.writerIndex - b.readerIndex }

// WritableBytes returns the number of bytes that can be appended without growing.
func (b *Buffer) WritableBytes() int { return len(b.buf) - b.writerIndex }

// PrependableBytes returns the number of bytes free before readerIndex.
func (b *Buffer) PrependableBytes() int { return b.readerIndex }

// Peek returns the readable region without consuming it.
func (b *Buffer) Peek() []byte { return b.buf[b.readerIndex:b.writerIndex] }

// Retrieve consumes n bytes from the front of the readable region.
func (b *Buffer) Retrieve(n int) {
	if n < b.ReadableBytes() {
		b.readerIndex += n
	} else {
		b.RetrieveAll()
	}
}

// RetrieveAll consumes the entire readable region, resetting both indices
// to CheapPrepend, just past the reserved prependable zone.
func (b *Buffer) RetrieveAll() {
	b.readerIndex = CheapPrepend
	b.writerIndex = CheapPrepend
}

// RetrieveAllString consumes the entire readable region and returns it.
func (b *Buffer) RetrieveAllString() string {
	return b.RetrieveAsString(b.ReadableBytes())
}

// RetrieveAsString consumes and returns n bytes as a string.
func (b *Buffer) RetrieveAsString(n int) string {
	s := string(b.buf[b.readerIndex : b.readerIndex+n])
	b.Retrieve(n)
	return s
}

// Append copies data onto the writable tail, growing the buffer if needed.
func (b *Buffer) Append(data []byte) {
	b.EnsureWritable(len(data))
	copy(b.buf[b.writerIndex:], data)
	b.writerIndex += len(data)
}

// AppendString is a convenience wrapper over Append.
func (b *Buffer) AppendString(s string) { b.Append([]byte(s)) }

// Prepend writes data into the prependable zone, immediately before the
// readable region, without copying the readable bytes. Callers must not
// prepend more than PrependableBytes().
func (b *Buffer) Prepend(data []byte) {
	if len(data) > b.PrependableBytes() {
		panic("buffer: not enough prependable space")
	}
	b.readerIndex -= len(data)
	copy(b.buf[b.readerIndex:], data)
}

// EnsureWritable grows the buffer so that at least n bytes are writable,
// compacting in place when the combined writable+prependable space
// suffices, else reallocating.
func (b *Buffer) EnsureWritable(n int) {
	if b.WritableBytes() >= n {
		return
	}
	if b.WritableBytes()+b.PrependableBytes()-CheapPrepend >= n {
		// Slide the readable bytes down to just after the cheap-prepend
		// zone, reclaiming space freed by prior Retrieve calls.
		readable := b.ReadableBytes()
		copy(b.buf[CheapPrepend:], b.buf[b.readerIndex:b.writerIndex])
		b.readerIndex = CheapPrepend
		b.writerIndex = CheapPrepend + readable
		return
	}
	need := b.writerIndex + n
	grown := make([]byte, need*2)
	copy(grown, b.buf)
	b.buf = grown
}

// extentSize bounds the on-stack scatter-read extent used to amortize
// syscalls when a connection's input buffer is nearly full.
const extentSize = 65536

// ReadFd performs a two-vector scatter read: first into the buffer's
// writable tail, then into a bounded extent, so up to the writable tail
// plus extentSize bytes can be drained from fd in one syscall without
// pre-allocating a huge buffer for every connection. It returns the number of bytes read
// and any error from the underlying readv(2) call, including EAGAIN/EINTR
// — callers must check err, not just n == 0, to tell a spurious wakeup
// from peer EOF.
func (b *Buffer) ReadFd(fd int) (n int, err error) {
	var extent [extentSize]byte

	// Grow the writable tail a little before reading so a connection that
	// has just been drained does not force every read through the extent.
	if b.WritableBytes() < 1024 {
		b.EnsureWritable(1024)
	}
	writable := b.WritableBytes()

	iovs := make([][]byte, 0, 2)
	iovs = append(iovs, b.buf[b.writerIndex:len(b.buf)])
	iovs = append(iovs, extent[:])

	nread, err := unix.Readv(fd, iovs)
	if err != nil {
		return 0, err
	}
	n = nread
	if n <= writable {
		b.writerIndex += n
	} else {
		b.writerIndex = len(b.buf)
		b.Append(extent[:n-writable])
	}
	return n, nil
}

// WriteTo implements io.WriterTo by draining the readable region to w and
// retiring the bytes consumed.
func (b *Buffer) WriteTo(w io.Writer) (n int64, err error) {
	written, err := w.Write(b.Peek())
	b.Retrieve(written)
	return int64(written), err
}
