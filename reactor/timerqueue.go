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
	"sort"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/veylon-io/reactor/zlog"
)

// TimerQueue is a priority set of timers backed by one kernel timerfd
// registered as a Channel on loop. byTime and activeTimers always have
// equal membership: a timer is present in both or neither. All public
// entry points are safe to call from any goroutine; they forward into
// loop via runInLoop.
type TimerQueue struct {
	loop    *EventLoop
	timerfd int
	channel *Channel

	byTime       []*Timer          // sorted ascending by expiration
	activeTimers map[TimerId]*Timer

	callingExpiredTimers bool
	cancelingTimers      map[TimerId]struct{}

	nextSequence atomic.Uint64
}

// NewTimerQueue creates the timerfd and binds it as a read-ready Channel
// on loop. The timerfd is always armed to read; it is disarmed/rearmed
// via timerfd_settime, never by toggling the channel's read interest.
func NewTimerQueue(loop *EventLoop) *TimerQueue {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		zlog.L().Fatal("timerfd_create failed", zap.Error(err))
	}
	tq := &TimerQueue{
		loop:            loop,
		timerfd:         fd,
		activeTimers:    make(map[TimerId]*Timer),
		cancelingTimers: make(map[TimerId]struct{}),
	}
	tq.channel = NewChannel(loop, fd)
	tq.channel.SetReadCallback(tq.handleRead)
	tq.channel.EnableReading()
	return tq
}

// Len reports the number of currently scheduled timers. Must run on
// loop's thread, the same as every other direct reader of activeTimers.
func (tq *TimerQueue) Len() int {
	return len(tq.activeTimers)
}

// Close tears down the timerfd channel and closes the fd. Must run on
// loop's thread, during EventLoop destruction.
func (tq *TimerQueue) Close() {
	tq.channel.DisableAll()
	tq.channel.Remove()
	unix.Close(tq.timerfd)
}

// AddTimer schedules cb to run at when, repeating every interval if
// interval > 0. Thread-safe.
func (tq *TimerQueue) AddTimer(cb TimerCallback, when time.Time, interval time.Duration) TimerId {
	t := &Timer{
		callback:   cb,
		expiration: when,
		interval:   interval,
		sequence:   tq.nextSequence.Add(1),
	}
	id := TimerId{timer: t, sequence: t.sequence}
	tq.loop.RunInLoop(func() { tq.addTimerInLoop(t) })
	return id
}

// Cancel revokes a previously scheduled timer. Thread-safe. If the timer
// is currently firing (its callback running), the in-flight invocation
// still completes, but any repeat is suppressed.
func (tq *TimerQueue) Cancel(id TimerId) {
	tq.loop.RunInLoop(func() { tq.cancelInLoop(id) })
}

func (tq *TimerQueue) addTimerInLoop(t *Timer) {
	tq.loop.assertInLoopThread()
	earliestChanged := tq.insert(t)
	if earliestChanged {
		resetTimerfd(tq.timerfd, t.expiration)
	}
}

func (tq *TimerQueue) cancelInLoop(id TimerId) {
	tq.loop.assertInLoopThread()
	if t, ok := tq.activeTimers[id]; ok {
		tq.removeFromByTime(t)
		delete(tq.activeTimers, id)
		return
	}
	if tq.callingExpiredTimers {
		tq.cancelingTimers[id] = struct{}{}
	}
}

func (tq *TimerQueue) handleRead(time.Time) {
	tq.loop.assertInLoopThread()
	now := time.Now()
	readTimerfd(tq.timerfd)

	expired := tq.getExpired(now)

	tq.callingExpiredTimers = true
	tq.cancelingTimers = make(map[TimerId]struct{})
	for _, t := range expired {
		t.run()
	}
	tq.callingExpiredTimers = false

	tq.reset(expired, now)
}

// getExpired extracts every timer with expiration <= now from byTime,
// removing them from both sets.
func (tq *TimerQueue) getExpired(now time.Time) []*Timer {
	idx := sort.Search(len(tq.byTime), func(i int) bool {
		return tq.byTime[i].expiration.After(now)
	})
	expired := append([]*Timer(nil), tq.byTime[:idx]...)
	tq.byTime = tq.byTime[idx:]
	for _, t := range expired {
		delete(tq.activeTimers, TimerId{timer: t, sequence: t.sequence})
	}
	return expired
}

// reset restarts repeating, non-cancelled timers and re-arms the timerfd
// to the new earliest expiration, if any remain.
func (tq *TimerQueue) reset(expired []*Timer, now time.Time) {
	for _, t := range expired {
		id := TimerId{timer: t, sequence: t.sequence}
		_, cancelled := tq.cancelingTimers[id]
		if t.Repeat() && !cancelled {
			t.restart(now)
			tq.insert(t)
		}
	}
	if len(tq.byTime) > 0 {
		resetTimerfd(tq.timerfd, tq.byTime[0].expiration)
	}
}

// insert adds t into both sets and reports whether it is now the
// earliest-expiring timer.
func (tq *TimerQueue) insert(t *Timer) (earliestChanged bool) {
	tq.loop.assertInLoopThread()
	earliestChanged = len(tq.byTime) == 0 || t.expiration.Before(tq.byTime[0].expiration)

	idx := sort.Search(len(tq.byTime), func(i int) bool {
		return tq.byTime[i].expiration.After(t.expiration)
	})
	tq.byTime = append(tq.byTime, nil)
	copy(tq.byTime[idx+1:], tq.byTime[idx:])
	tq.byTime[idx] = t

	tq.activeTimers[TimerId{timer: t, sequence: t.sequence}] = t
	return earliestChanged
}

func (tq *TimerQueue) removeFromByTime(t *Timer) {
	for i, c := range tq.byTime {
		if c == t {
			tq.byTime = append(tq.byTime[:i], tq.byTime[i+1:]...)
			return
		}
	}
}

// howMuchTimeFromNow clamps the delay to a small positive value so
// timerfd_settime never receives a zero-or-negative itimerspec, which
// would disarm the timer instead of firing it immediately.
func howMuchTimeFromNow(when time.Time) time.Duration {
	d := time.Until(when)
	if d < 100*time.Microsecond {
		d = 100 * time.Microsecond
	}
	return d
}

func resetTimerfd(fd int, expiration time.Time) {
	d := howMuchTimeFromNow(expiration)
	spec := unix.ItimerSpec{
		Value: unix.NsecToTimespec(d.Nanoseconds()),
	}
	if err := unix.TimerfdSettime(fd, 0, &spec, nil); err != nil {
		zlog.L().Warn("timerfd_settime failed", zap.Error(err))
	}
}

func readTimerfd(fd int) {
	var buf [8]byte
	if _, err := unix.Read(fd, buf[:]); err != nil && err != unix.EAGAIN {
		zlog.L().Warn("timerfd read failed", zap.Error(err))
	}
}
