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

package logging

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// largeBufferSize matches muduo's detail::kLargeBuffer: big enough that
// most flush intervals produce only one or two full buffers.
const largeBufferSize = 4 * 1024 * 1024

// dropThreshold is the number of filled-but-unwritten buffers after which
// the consumer keeps only the first two and discards the rest rather than
// let memory grow unbounded under sustained producer overrun.
const dropThreshold = 25

// fixedBuffer is a single fixed-capacity append-only buffer, reused
// across roll cycles to avoid allocating on every swap.
type fixedBuffer struct {
	buf    [largeBufferSize]byte
	length int
}

func newFixedBuffer() *fixedBuffer { return &fixedBuffer{} }

func (b *fixedBuffer) avail() int { return len(b.buf) - b.length }

func (b *fixedBuffer) append(p []byte) bool {
	if len(p) > b.avail() {
		return false
	}
	copy(b.buf[b.length:], p)
	b.length += len(p)
	return true
}

func (b *fixedBuffer) bytes() []byte { return b.buf[:b.length] }

func (b *fixedBuffer) reset() { b.length = 0 }

// AsyncLogging decouples the goroutines that produce log lines from the
// one goroutine that writes them to disk. Producers call Write, which
// copies into whichever of two in-memory buffers is current; a backend
// goroutine swaps the filled buffer out every flushInterval (or sooner,
// if the current buffer fills), and writes it to a LogFile.
type AsyncLogging struct {
	basename      string
	rollSize      int64
	flushInterval time.Duration

	mu   sync.Mutex
	cond *sync.Cond

	currentBuffer *fixedBuffer
	nextBuffer    *fixedBuffer
	buffers       []*fixedBuffer

	running bool
	done    chan struct{}
	ready   chan struct{}
}

// NewAsyncLogging constructs a sink; call Start before the first Write.
func NewAsyncLogging(basename string, rollSize int64, flushInterval time.Duration) *AsyncLogging {
	a := &AsyncLogging{
		basename:      basename,
		rollSize:      rollSize,
		flushInterval: flushInterval,
		currentBuffer: newFixedBuffer(),
		nextBuffer:    newFixedBuffer(),
		done:          make(chan struct{}),
		ready:         make(chan struct{}),
	}
	a.cond = sync.NewCond(&a.mu)
	return a
}

// Start launches the backend goroutine and blocks until it is ready to
// accept writes.
func (a *AsyncLogging) Start() {
	a.mu.Lock()
	a.running = true
	a.mu.Unlock()

	go a.threadFunc()
	<-a.ready
}

// Stop signals the backend to flush and exit, and waits for it to do so.
func (a *AsyncLogging) Stop() {
	a.mu.Lock()
	a.running = false
	a.cond.Signal()
	a.mu.Unlock()
	<-a.done
}

// Write implements io.Writer: it copies logline into the current buffer,
// swapping in the spare buffer (or allocating a fresh one, on the rare
// occasion both are exhausted) when it doesn't fit.
func (a *AsyncLogging) Write(logline []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.currentBuffer.avail() > len(logline) {
		a.currentBuffer.append(logline)
	} else {
		a.buffers = append(a.buffers, a.currentBuffer)
		if a.nextBuffer != nil {
			a.currentBuffer = a.nextBuffer
			a.nextBuffer = nil
		} else {
			a.currentBuffer = newFixedBuffer() // rarely happens
		}
		a.currentBuffer.append(logline)
		a.cond.Signal()
	}
	return len(logline), nil
}

// Sync satisfies zapcore.WriteSyncer. AsyncLogging's whole point is to
// decouple producers from disk I/O, so this is a no-op rather than a
// forced flush.
func (a *AsyncLogging) Sync() error { return nil }

func (a *AsyncLogging) threadFunc() {
	output, err := NewLogFile(a.basename, a.rollSize, false, 3*time.Second, 1024)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: failed to open log file: %v\n", err)
		close(a.ready)
		close(a.done)
		return
	}
	defer output.Close()

	newBuffer1 := newFixedBuffer()
	newBuffer2 := newFixedBuffer()
	var buffersToWrite []*fixedBuffer

	close(a.ready)

	for {
		a.mu.Lock()
		if !a.running && len(a.buffers) == 0 && a.currentBuffer.length == 0 {
			a.mu.Unlock()
			break
		}
		if len(a.buffers) == 0 {
			waitWithTimeout(a.cond, a.flushInterval)
		}
		a.buffers = append(a.buffers, a.currentBuffer)
		a.currentBuffer = newBuffer1
		buffersToWrite, a.buffers = a.buffers, buffersToWrite[:0]
		if a.nextBuffer == nil {
			a.nextBuffer = newBuffer2
		}
		a.mu.Unlock()

		if len(buffersToWrite) > dropThreshold {
			msg := fmt.Sprintf("Dropped log messages at %s, %d larger buffers\n",
				time.Now().Format(time.RFC3339), len(buffersToWrite)-2)
			fmt.Fprint(os.Stderr, msg)
			_, _ = output.Write([]byte(msg))
			buffersToWrite = buffersToWrite[:2]
		}

		for _, b := range buffersToWrite {
			_, _ = output.Write(b.bytes())
		}

		if len(buffersToWrite) > 2 {
			buffersToWrite = buffersToWrite[:2]
		}
		newBuffer1 = nil
		newBuffer2 = nil
		if len(buffersToWrite) > 0 {
			newBuffer1 = buffersToWrite[len(buffersToWrite)-1]
			newBuffer1.reset()
			buffersToWrite = buffersToWrite[:len(buffersToWrite)-1]
		} else {
			newBuffer1 = newFixedBuffer()
		}
		if len(buffersToWrite) > 0 {
			newBuffer2 = buffersToWrite[len(buffersToWrite)-1]
			newBuffer2.reset()
			buffersToWrite = buffersToWrite[:len(buffersToWrite)-1]
		} else {
			newBuffer2 = newFixedBuffer()
		}

		buffersToWrite = buffersToWrite[:0]
		_ = output.Flush()
	}

	output.Flush()
	close(a.done)
}

// waitWithTimeout wraps sync.Cond.Wait with a deadline: cond's own API
// offers no native timeout, so a helper goroutine signals the condition
// variable after d elapses if no one else has.
func waitWithTimeout(cond *sync.Cond, d time.Duration) {
	timer := time.AfterFunc(d, cond.Signal)
	defer timer.Stop()
	cond.Wait()
}
