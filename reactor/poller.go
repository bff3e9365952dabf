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
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/veylon-io/reactor/zlog"
)

const initialEventListSize = 16

// Poller is the readiness demultiplexer for one EventLoop, backed by
// epoll(7). The fd->Channel map and the kernel's epoll instance must agree
// after every call; updateChannel/removeChannel enforce that.
type Poller struct {
	epfd    int
	events  []unix.EpollEvent
	channels map[int]*Channel
}

// NewPoller creates the OS epoll instance backing one loop.
func NewPoller() *Poller {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		zlog.L().Fatal("epoll_create1 failed", zap.Error(err))
	}
	return &Poller{
		epfd:     epfd,
		events:   make([]unix.EpollEvent, initialEventListSize),
		channels: make(map[int]*Channel),
	}
}

// Poll blocks up to timeout for ready file descriptors and appends the
// corresponding Channels to active, in the order epoll_wait returned them.
func (p *Poller) Poll(timeout time.Duration, active []*Channel) (time.Time, []*Channel) {
	n, err := unix.EpollWait(p.epfd, p.events, int(timeout/time.Millisecond))
	now := time.Now()
	if err != nil {
		if err != unix.EINTR {
			zlog.L().Warn("epoll_wait failed", zap.Error(err))
		}
		return now, active
	}
	for i := 0; i < n; i++ {
		ev := p.events[i]
		ch, ok := p.channels[int(ev.Fd)]
		if !ok {
			continue
		}
		ch.SetRevents(int32(ev.Events))
		active = append(active, ch)
	}
	if n == len(p.events) {
		// Every slot was used; grow so a busier next iteration does not
		// silently drop ready channels.
		p.events = make([]unix.EpollEvent, len(p.events)*2)
	}
	return now, active
}

// UpdateChannel transitions ch between the new/added/deleted registration
// states, issuing the matching epoll_ctl call.
func (p *Poller) UpdateChannel(ch *Channel) {
	switch ch.State() {
	case pollNew, pollDeleted:
		if ch.State() == pollNew {
			p.channels[ch.Fd()] = ch
		}
		ch.SetState(pollAdded)
		p.update(unix.EPOLL_CTL_ADD, ch)
	case pollAdded:
		if ch.IsNoneEvent() {
			p.update(unix.EPOLL_CTL_DEL, ch)
			ch.SetState(pollDeleted)
		} else {
			p.update(unix.EPOLL_CTL_MOD, ch)
		}
	}
}

// RemoveChannel drops ch from the map; the Channel must have already
// disabled all interest (and thus be EPOLL_CTL_DEL'd or never added).
func (p *Poller) RemoveChannel(ch *Channel) {
	delete(p.channels, ch.Fd())
	if ch.State() == pollAdded {
		p.update(unix.EPOLL_CTL_DEL, ch)
	}
	ch.SetState(pollNew)
}

func (p *Poller) update(op int, ch *Channel) {
	event := unix.EpollEvent{
		Events: uint32(ch.Events()),
		Fd:     int32(ch.Fd()),
	}
	if err := unix.EpollCtl(p.epfd, op, ch.Fd(), &event); err != nil {
		zlog.L().Warn("epoll_ctl failed", zap.Int("op", op), zap.Int("fd", ch.Fd()), zap.Error(err))
	}
}

// Close releases the epoll instance. Called once, from the owning loop's
// destruction path.
func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}
