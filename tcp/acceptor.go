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

package tcp

import (
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/veylon-io/reactor/reactor"
	"github.com/veylon-io/reactor/zlog"
)

const listenBacklog = 1024

// Acceptor owns a listening socket and its Channel, invoking
// NewConnectionCallback once per accepted connection. Listening is
// deferred until Listen() is called, matching the spec's split between
// construction (bind) and Listen (listen(2)).
type Acceptor struct {
	loop                  *reactor.EventLoop
	acceptFd              int
	acceptChannel         *reactor.Channel
	newConnectionCallback NewConnectionCallback
	listening             bool
	// idleFd is a pre-opened spare descriptor reserved for the EMFILE
	// recovery trick: closing it frees one fd so accept(2) can succeed
	// long enough to immediately close the connection and drain the
	// kernel backlog, then the spare is reopened.
	idleFd int
}

// NewAcceptor binds a listening socket at addr. reusePort sets
// SO_REUSEPORT in addition to the always-on SO_REUSEADDR.
func NewAcceptor(loop *reactor.EventLoop, addr string, reusePort bool) (*Acceptor, error) {
	sockaddr, _, err := resolveListenAddr(addr)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(addrFamily(sockaddr), unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if reusePort {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			unix.Close(fd)
			return nil, err
		}
	}
	if err := unix.Bind(fd, sockaddr); err != nil {
		unix.Close(fd)
		return nil, err
	}

	idleFd, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	a := &Acceptor{
		loop:     loop,
		acceptFd: fd,
		idleFd:   idleFd,
	}
	a.acceptChannel = reactor.NewChannel(loop, fd)
	a.acceptChannel.SetReadCallback(a.handleRead)
	return a, nil
}

func (a *Acceptor) SetNewConnectionCallback(cb NewConnectionCallback) {
	a.newConnectionCallback = cb
}

func (a *Acceptor) Listening() bool { return a.listening }

// Listen starts listen(2) on the bound socket and enables the accept
// channel's read interest.
func (a *Acceptor) Listen() error {
	a.loop.RunInLoop(func() {
		a.listening = true
		if err := unix.Listen(a.acceptFd, listenBacklog); err != nil {
			zlog.L().Error("listen failed", zap.Error(err))
			return
		}
		a.acceptChannel.EnableReading()
	})
	return nil
}

func (a *Acceptor) handleRead(time.Time) {
	for {
		connFd, sa, err := unix.Accept4(a.acceptFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EAGAIN:
				return
			case unix.EMFILE:
				a.recoverFromEMFILE()
				return
			case unix.EINTR, unix.ECONNABORTED:
				continue
			default:
				zlog.L().Warn("accept4 failed", zap.Error(err))
				return
			}
		}

		peerAddr, err := sockaddrToTCPAddr(sa)
		if err != nil {
			zlog.L().Warn("unsupported peer address", zap.Error(err))
			unix.Close(connFd)
			continue
		}
		if a.newConnectionCallback != nil {
			a.newConnectionCallback(connFd, peerAddr)
		} else {
			unix.Close(connFd)
		}
	}
}

// recoverFromEMFILE implements the classic "one more fd" trick: the
// backlog of pending connections must be drained or the listening
// socket's read-ready event will refire forever with no usable fd to
// accept into.
func (a *Acceptor) recoverFromEMFILE() {
	zlog.L().Warn("accept4 hit EMFILE; dropping one pending connection")
	unix.Close(a.idleFd)
	fd, _, err := unix.Accept(a.acceptFd)
	if err == nil {
		unix.Close(fd)
	}
	a.idleFd, _ = unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
}

// Close tears down the listening socket, its channel, and the spare fd.
func (a *Acceptor) Close() error {
	a.acceptChannel.DisableAll()
	a.acceptChannel.Remove()
	fdErr := unix.Close(a.acceptFd)
	idleErr := unix.Close(a.idleFd)
	return multierr.Combine(fdErr, idleErr)
}
