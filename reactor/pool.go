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

package reactor

import (
	"sync"
)

// InitCallback runs on a worker loop's own goroutine, before it starts
// looping.
type InitCallback func(loop *EventLoop)

// EventLoopThread owns one goroutine which constructs an EventLoop,
// invokes an optional init callback, then enters Loop(). StartLoop
// blocks until the child has published its loop.
type EventLoopThread struct {
	init InitCallback

	mu   sync.Mutex
	cond *sync.Cond
	loop *EventLoop
}

// NewEventLoopThread constructs a thread wrapper; nothing runs until
// StartLoop is called.
func NewEventLoopThread(init InitCallback) *EventLoopThread {
	t := &EventLoopThread{init: init}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// StartLoop spawns the goroutine and blocks until its EventLoop exists.
func (t *EventLoopThread) StartLoop() *EventLoop {
	go t.threadFunc()

	t.mu.Lock()
	for t.loop == nil {
		t.cond.Wait()
	}
	loop := t.loop
	t.mu.Unlock()

	return loop
}

func (t *EventLoopThread) threadFunc() {
	loop := New()

	if t.init != nil {
		t.init(loop)
	}

	t.mu.Lock()
	t.loop = loop
	t.cond.Signal()
	t.mu.Unlock()

	loop.Loop()
}

// Pool spawns N worker loops and assigns loops to new connections via
// round-robin or hash-pinning. With N == 0, every connection shares the
// base loop (no worker threads are started).
type Pool struct {
	baseLoop *EventLoop

	mu      sync.Mutex
	started bool
	threads []*EventLoopThread
	loops   []*EventLoop
	next    int
}

// NewPool binds a pool to the loop that will run its Acceptor.
func NewPool(baseLoop *EventLoop) *Pool {
	return &Pool{baseLoop: baseLoop}
}

// Start spawns numThreads worker loops, invoking init (if non-nil) on
// each worker's own goroutine before it starts looping. Idempotent.
func (p *Pool) Start(numThreads int, init InitCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	for i := 0; i < numThreads; i++ {
		th := NewEventLoopThread(init)
		p.threads = append(p.threads, th)
		p.loops = append(p.loops, th.StartLoop())
	}
	if numThreads == 0 && init != nil {
		init(p.baseLoop)
	}
}

// GetNextLoop returns a worker loop by round-robin, or the base loop if
// the pool has no worker threads.
func (p *Pool) GetNextLoop() *EventLoop {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.loops) == 0 {
		return p.baseLoop
	}
	loop := p.loops[p.next]
	p.next = (p.next + 1) % len(p.loops)
	return loop
}

// GetLoopForHash returns the same loop for the same hash every time,
// useful for sticky-session assignment. Falls back to the base loop when
// the pool has no workers.
func (p *Pool) GetLoopForHash(hash uint64) *EventLoop {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.loops) == 0 {
		return p.baseLoop
	}
	return p.loops[hash%uint64(len(p.loops))]
}

// AllLoops returns every worker loop (not including the base loop).
func (p *Pool) AllLoops() []*EventLoop {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*EventLoop, len(p.loops))
	copy(out, p.loops)
	return out
}

// Started reports whether Start has already run.
func (p *Pool) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
