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
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/veylon-io/reactor/zlog"
)

// DefaultPollTimeout bounds how long Poller.Poll blocks per iteration when
// no timer is pending; the TimerQueue's timerfd is what actually governs
// wake-ups in practice.
const DefaultPollTimeout = 10 * time.Second

// Functor is a unit of work posted to an EventLoop, either from the
// owning thread (runs inline) or from any other goroutine (queued and
// run at the tail of the next iteration).
type Functor func()

// EventLoop is the reactor: poll, dispatch ready channels, then run
// pending functors, repeated until Quit is called. Exactly one goroutine
// — the one that calls Loop — may touch loop-owned state directly; every
// other caller must go through RunInLoop/QueueInLoop.
type EventLoop struct {
	poller *Poller
	timers *TimerQueue

	wakeupReadFd  int
	wakeupWriteFd int
	wakeupChannel *Channel

	mu              sync.Mutex
	pendingFunctors []Functor

	looping                atomic.Bool
	quit                   atomic.Bool
	eventHandling          atomic.Bool
	callingPendingFunctors atomic.Bool

	currentActiveChannel *Channel

	activeChannels []*Channel

	inLoopThread atomic.Bool // set true only while Loop's goroutine runs
}

// New constructs an EventLoop. It must be driven by exactly one goroutine
// calling Loop(); that goroutine is considered "the owning thread" for
// every subsequent thread-affinity assertion.
func New() *EventLoop {
	rfd, wfd, err := newWakeupFds()
	if err != nil {
		zlog.L().Fatal("failed to create wakeup fd", zap.Error(err))
	}
	loop := &EventLoop{
		poller:        NewPoller(),
		wakeupReadFd:  rfd,
		wakeupWriteFd: wfd,
	}
	loop.timers = NewTimerQueue(loop)
	loop.wakeupChannel = NewChannel(loop, rfd)
	loop.wakeupChannel.SetReadCallback(loop.handleWakeup)
	loop.wakeupChannel.EnableReading()
	return loop
}

// newWakeupFds creates an eventfd used both to read and write the wakeup
// byte; Linux eventfd(2) is bidirectional so a single fd serves both
// roles.
func newWakeupFds() (read, write int, err error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return 0, 0, err
	}
	return fd, fd, nil
}

// Loop runs the reactor on the calling goroutine until Quit is called.
// Only one goroutine may ever call Loop for a given EventLoop.
func (l *EventLoop) Loop() {
	l.inLoopThread.Store(true)
	l.looping.Store(true)
	l.quit.Store(false)

	for !l.quit.Load() {
		l.activeChannels = l.activeChannels[:0]
		now, active := l.poller.Poll(DefaultPollTimeout, l.activeChannels)
		l.activeChannels = active

		l.eventHandling.Store(true)
		for _, ch := range l.activeChannels {
			l.currentActiveChannel = ch
			ch.HandleEvent(now)
		}
		l.currentActiveChannel = nil
		l.eventHandling.Store(false)

		l.doPendingFunctors()
	}

	l.looping.Store(false)
}

// Quit stops the loop after the current iteration. Safe to call from any
// goroutine; if called from a foreign thread it wakes the loop so it does
// not wait out the full poll timeout.
func (l *EventLoop) Quit() {
	l.quit.Store(true)
	if !l.IsInLoopThread() {
		l.Wakeup()
	}
}

// RunInLoop runs fn immediately if called on the owning goroutine, else
// queues it.
func (l *EventLoop) RunInLoop(fn Functor) {
	if l.IsInLoopThread() {
		fn()
	} else {
		l.QueueInLoop(fn)
	}
}

// QueueInLoop appends fn to the pending queue, waking the loop if the
// call is cross-thread or the loop is already draining pending functors
// (so a functor queuing another functor is not stranded until the next
// poll timeout).
func (l *EventLoop) QueueInLoop(fn Functor) {
	l.mu.Lock()
	l.pendingFunctors = append(l.pendingFunctors, fn)
	l.mu.Unlock()

	if !l.IsInLoopThread() || l.callingPendingFunctors.Load() {
		l.Wakeup()
	}
}

// PendingFunctorCount reports the current depth of the pending-functor
// queue. Safe to call from any goroutine.
func (l *EventLoop) PendingFunctorCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pendingFunctors)
}

// ActiveChannelCount reports how many channels the last Poll call found
// ready. Like other loop-owned state, it must only be read on the owning
// goroutine — callers from elsewhere should go through RunInLoop.
func (l *EventLoop) ActiveChannelCount() int {
	l.assertInLoopThread()
	return len(l.activeChannels)
}

// TimerCount reports the number of currently scheduled timers. Must only
// be read on the owning goroutine.
func (l *EventLoop) TimerCount() int {
	l.assertInLoopThread()
	return l.timers.Len()
}

func (l *EventLoop) doPendingFunctors() {
	var functors []Functor

	l.callingPendingFunctors.Store(true)
	l.mu.Lock()
	functors = l.pendingFunctors
	l.pendingFunctors = nil
	l.mu.Unlock()

	for _, fn := range functors {
		fn()
	}
	l.callingPendingFunctors.Store(false)
}

// Wakeup writes one 8-byte count to the eventfd so a blocked poll returns
// immediately.
func (l *EventLoop) Wakeup() {
	var buf [8]byte
	buf[0] = 1
	if _, err := unix.Write(l.wakeupWriteFd, buf[:]); err != nil && err != unix.EAGAIN {
		zlog.L().Warn("wakeup write failed", zap.Error(err))
	}
}

func (l *EventLoop) handleWakeup(time.Time) {
	var buf [8]byte
	if _, err := unix.Read(l.wakeupReadFd, buf[:]); err != nil && err != unix.EAGAIN {
		zlog.L().Warn("wakeup read failed", zap.Error(err))
	}
}

func (l *EventLoop) updateChannel(ch *Channel) {
	l.assertInLoopThread()
	l.poller.UpdateChannel(ch)
}

func (l *EventLoop) removeChannel(ch *Channel) {
	l.assertInLoopThread()
	if l.currentActiveChannel == ch {
		// The channel being dispatched may remove itself; no check is
		// made against removing a channel still queued in this
		// iteration's active list.
	}
	l.poller.RemoveChannel(ch)
}

// IsInLoopThread reports whether the caller is the goroutine driving
// Loop(). Combined with assertInLoopThread, this is the thread-affinity
// boundary described by the spec.
func (l *EventLoop) IsInLoopThread() bool { return l.inLoopThread.Load() }

func (l *EventLoop) assertInLoopThread() {
	if !l.IsInLoopThread() {
		panic(fmt.Sprintf("EventLoop used from a non-owning goroutine: loop running=%v", l.inLoopThread.Load()))
	}
}

// AssertOnThisLoop panics if the calling goroutine is not the one driving
// Loop(); callers outside this package use it to enforce the same
// thread-affinity invariant as updateChannel/removeChannel.
func (l *EventLoop) AssertOnThisLoop() {
	l.assertInLoopThread()
}

// RunAt schedules cb to run at when.
func (l *EventLoop) RunAt(when time.Time, cb TimerCallback) TimerId {
	return l.timers.AddTimer(cb, when, 0)
}

// RunAfter schedules cb to run after d elapses.
func (l *EventLoop) RunAfter(d time.Duration, cb TimerCallback) TimerId {
	return l.RunAt(time.Now().Add(d), cb)
}

// RunEvery schedules cb to run every interval d, starting at now+d.
func (l *EventLoop) RunEvery(d time.Duration, cb TimerCallback) TimerId {
	return l.timers.AddTimer(cb, time.Now().Add(d), d)
}

// CancelTimer cancels a timer previously returned by RunAt/RunAfter/RunEvery.
func (l *EventLoop) CancelTimer(id TimerId) { l.timers.Cancel(id) }

// Close releases the loop's wakeup fd, timerfd, and epoll instance. Must
// be called after Loop has returned.
func (l *EventLoop) Close() error {
	l.timers.Close()
	pollErr := l.poller.Close()
	wakeErr := unix.Close(l.wakeupReadFd)
	return multierr.Combine(pollErr, wakeErr)
}

