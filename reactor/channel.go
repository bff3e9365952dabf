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

// Package reactor implements the single-threaded event reactor: the
// Channel/Poller demultiplexer, the TimerQueue, the EventLoop driving
// them, and the one-loop-per-thread pool.
package reactor

import (
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/veylon-io/reactor/zlog"
)

// event bitmasks, independent of the OS-specific poller encoding.
const (
	EventNone  = 0
	EventRead  = unix.EPOLLIN | unix.EPOLLPRI
	EventWrite = unix.EPOLLOUT
)

// pollState tracks a Channel's registration lifecycle inside a Poller.
type pollState int

const (
	pollNew pollState = iota
	pollAdded
	pollDeleted
)

// ReadCallback is invoked on read-ready events, carrying the poll's
// receive timestamp.
type ReadCallback func(receivedAt time.Time)

// Channel binds one file descriptor's interest and ready-event dispatch
// to exactly one EventLoop. It is only ever touched from its owning
// loop's thread; see EventLoop.assertInLoopThread.
type Channel struct {
	loop *EventLoop
	fd   int

	events  int32 // interested events
	revents int32 // events returned by the poller for this iteration
	state   pollState

	readCallback  ReadCallback
	writeCallback func()
	closeCallback func()
	errorCallback func()

	// tie upgrades a destroy-guard ahead of a dispatch; nil means no owner
	// wants to be kept alive across this dispatch.
	tie    *atomic.Bool
	tieSet bool
}

// NewChannel binds fd to loop. The channel starts with no interest and is
// not yet registered with the poller.
func NewChannel(loop *EventLoop, fd int) *Channel {
	return &Channel{loop: loop, fd: fd, state: pollNew}
}

func (c *Channel) Fd() int { return c.fd }

func (c *Channel) SetReadCallback(cb ReadCallback)  { c.readCallback = cb }
func (c *Channel) SetWriteCallback(cb func())       { c.writeCallback = cb }
func (c *Channel) SetCloseCallback(cb func())       { c.closeCallback = cb }
func (c *Channel) SetErrorCallback(cb func())        { c.errorCallback = cb }

// Tie binds the channel's dispatch to an owner's liveness flag: a Channel
// whose owner has begun destruction will skip dispatch rather than invoke
// callbacks into a half-destroyed object. alive must be set to false by
// the owner before it schedules channel removal.
func (c *Channel) Tie(alive *atomic.Bool) {
	c.tie = alive
	c.tieSet = true
}

func (c *Channel) Events() int32  { return c.events }
func (c *Channel) SetRevents(ev int32) { c.revents = ev }
func (c *Channel) IsNoneEvent() bool { return c.events == EventNone }

func (c *Channel) EnableReading() {
	c.events |= EventRead
	c.update()
}

func (c *Channel) EnableWriting() {
	c.events |= EventWrite
	c.update()
}

func (c *Channel) DisableWriting() {
	c.events &^= EventWrite
	c.update()
}

func (c *Channel) DisableReading() {
	c.events &^= EventRead
	c.update()
}

func (c *Channel) DisableAll() {
	c.events = EventNone
	c.update()
}

func (c *Channel) IsWriting() bool { return c.events&EventWrite != 0 }
func (c *Channel) IsReading() bool { return c.events&EventRead != 0 }

func (c *Channel) State() pollState     { return c.state }
func (c *Channel) SetState(s pollState) { c.state = s }

func (c *Channel) update() {
	c.loop.updateChannel(c)
}

// Remove unregisters the channel from its loop. The channel must have no
// interest bits set before calling this (mirrors the spec's Poller
// invariant on removeChannel).
func (c *Channel) Remove() {
	c.loop.removeChannel(c)
}

// HandleEvent interprets the active event mask in the spec's fixed
// priority order and dispatches to the appropriate callback. If a tie was
// set and the owner has already begun destruction, dispatch is skipped.
func (c *Channel) HandleEvent(receivedAt time.Time) {
	if c.tieSet {
		if c.tie == nil || !c.tie.Load() {
			return
		}
	}
	c.handleEventWithGuard(receivedAt)
}

func (c *Channel) handleEventWithGuard(receivedAt time.Time) {
	ev := c.revents

	if (ev&unix.EPOLLHUP != 0) && (ev&unix.EPOLLIN == 0) {
		if c.closeCallback != nil {
			c.closeCallback()
		}
		return
	}
	if ev&unix.EPOLLNVAL != 0 {
		zlog.L().Warn("channel received EPOLLNVAL", zap.Int("fd", c.fd))
	}
	if ev&(unix.EPOLLERR|unix.EPOLLNVAL) != 0 {
		if c.errorCallback != nil {
			c.errorCallback()
		}
		return
	}
	if ev&int32(EventRead|unix.EPOLLRDHUP) != 0 {
		if c.readCallback != nil {
			c.readCallback(receivedAt)
		}
	}
	if ev&unix.EPOLLOUT != 0 {
		if c.writeCallback != nil {
			c.writeCallback()
		}
	}
}
