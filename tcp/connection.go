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
	"net"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/veylon-io/reactor/buffer"
	"github.com/veylon-io/reactor/reactor"
	"github.com/veylon-io/reactor/zlog"
)

// State is the connection's lifecycle stage; transitions are described in
// the component design: Connecting -> Connected -> {Disconnecting} ->
// Disconnected.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// DefaultHighWaterMark is used when a Connection is constructed without
// an explicit high-water mark.
const DefaultHighWaterMark = 64 * 1024 * 1024

// Connection is a per-connection state machine bound to exactly one
// EventLoop; every field here must only be touched from that loop's
// goroutine, with the exception of Send/Shutdown/ForceClose, which
// marshal onto the loop via RunInLoop.
type Connection struct {
	loop *reactor.EventLoop
	name string
	fd   int

	channel    *reactor.Channel
	localAddr  net.Addr
	peerAddr   net.Addr

	state atomic.Int32 // State, accessed via helpers below

	reading atomic.Bool

	inputBuffer  *buffer.Buffer
	outputBuffer *buffer.Buffer

	connectionCallback     ConnectionCallback
	messageCallback        MessageCallback
	writeCompleteCallback  WriteCompleteCallback
	highWaterMarkCallback  HighWaterMarkCallback
	closeCallback          func(conn *Connection) // internal, set by TcpServer

	highWaterMark int

	context any

	alive *atomic.Bool // tied to channel.Tie; false once teardown begins

	destroyed atomic.Bool // guards against a double connectDestroyed/fd close
}

// NewConnection constructs a Connection for an already-accepted fd. The
// caller must invoke ConnectEstablished exactly once, on loop's thread,
// before any I/O is processed.
func NewConnection(loop *reactor.EventLoop, name string, fd int, localAddr, peerAddr net.Addr) *Connection {
	c := &Connection{
		loop:          loop,
		name:          name,
		fd:            fd,
		localAddr:     localAddr,
		peerAddr:      peerAddr,
		inputBuffer:   buffer.New(),
		outputBuffer:  buffer.New(),
		highWaterMark: DefaultHighWaterMark,
		alive:         atomic.NewBool(true),
	}
	c.state.Store(int32(StateConnecting))
	c.reading.Store(true)

	c.channel = reactor.NewChannel(loop, fd)
	c.channel.Tie(c.alive)
	c.channel.SetReadCallback(c.handleRead)
	c.channel.SetWriteCallback(c.handleWrite)
	c.channel.SetCloseCallback(c.handleClose)
	c.channel.SetErrorCallback(c.handleError)

	return c
}

func (c *Connection) Loop() *reactor.EventLoop { return c.loop }
func (c *Connection) Name() string             { return c.name }
func (c *Connection) LocalAddr() net.Addr      { return c.localAddr }
func (c *Connection) PeerAddr() net.Addr       { return c.peerAddr }

func (c *Connection) state_() State    { return State(c.state.Load()) }
func (c *Connection) setState(s State) { c.state.Store(int32(s)) }

func (c *Connection) Connected() bool    { return c.state_() == StateConnected }
func (c *Connection) Disconnected() bool { return c.state_() == StateDisconnected }

func (c *Connection) SetConnectionCallback(cb ConnectionCallback)         { c.connectionCallback = cb }
func (c *Connection) SetMessageCallback(cb MessageCallback)               { c.messageCallback = cb }
func (c *Connection) SetWriteCompleteCallback(cb WriteCompleteCallback)   { c.writeCompleteCallback = cb }
func (c *Connection) SetHighWaterMarkCallback(cb HighWaterMarkCallback, mark int) {
	c.highWaterMarkCallback = cb
	c.highWaterMark = mark
}
func (c *Connection) setCloseCallback(cb func(conn *Connection)) { c.closeCallback = cb }

func (c *Connection) InputBuffer() *buffer.Buffer  { return c.inputBuffer }
func (c *Connection) OutputBuffer() *buffer.Buffer { return c.outputBuffer }

func (c *Connection) Context() any     { return c.context }
func (c *Connection) SetContext(v any) { c.context = v }

func (c *Connection) IsReading() bool { return c.reading.Load() }

// ConnectEstablished must be called exactly once, on loop's thread, right
// after the connection is handed to its worker loop.
func (c *Connection) ConnectEstablished() {
	c.loop.AssertOnThisLoop()
	if c.state_() != StateConnecting {
		panic("ConnectEstablished called twice")
	}
	c.setState(StateConnected)
	c.channel.EnableReading()
	if c.connectionCallback != nil {
		c.connectionCallback(c)
	}
}

// ConnectDestroyed must be called exactly once, on loop's thread, after
// the server has removed this connection from its map.
func (c *Connection) ConnectDestroyed() {
	_ = c.connectDestroyed()
}

// connectDestroyed tears the connection down exactly once, even if it
// races the normal handleClose -> removeConnection -> ConnectDestroyed
// path (e.g. Server.Stop force-destroying a connection that is already
// mid-teardown): the second caller sees destroyed already true and
// returns nil without touching the fd again.
func (c *Connection) connectDestroyed() error {
	c.loop.AssertOnThisLoop()
	if !c.destroyed.CompareAndSwap(false, true) {
		return nil
	}
	if c.state_() == StateConnected {
		c.setState(StateDisconnected)
		c.channel.DisableAll()
		if c.connectionCallback != nil {
			c.connectionCallback(c)
		}
	}
	c.channel.Remove()
	return unix.Close(c.fd)
}

func (c *Connection) handleRead(receivedAt time.Time) {
	n, err := c.inputBuffer.ReadFd(c.fd)
	switch {
	case n > 0:
		if c.messageCallback != nil {
			c.messageCallback(c, c.inputBuffer, receivedAt)
		}
	case err == nil && n == 0:
		c.handleClose()
	case err == unix.EAGAIN || err == unix.EINTR:
		// Spurious wakeup: the poller said readable but the read produced
		// nothing recoverable; the next readiness notification will retry.
	default:
		zlog.L().Warn("connection read error", zap.String("conn", c.name), zap.Error(err))
		c.handleError()
	}
}

func (c *Connection) handleWrite() {
	if !c.channel.IsWriting() {
		return
	}
	n, err := unix.Write(c.fd, c.outputBuffer.Peek())
	if err != nil {
		if err != unix.EAGAIN {
			zlog.L().Warn("connection write error", zap.String("conn", c.name), zap.Error(err))
		}
		return
	}
	c.outputBuffer.Retrieve(n)
	if c.outputBuffer.ReadableBytes() == 0 {
		c.channel.DisableWriting()
		if c.writeCompleteCallback != nil {
			c.writeCompleteCallback(c)
		}
		if c.state_() == StateDisconnecting {
			c.shutdownInLoop()
		}
	}
}

func (c *Connection) handleClose() {
	c.loop.AssertOnThisLoop()
	if c.state_() == StateDisconnected {
		return
	}
	c.setState(StateDisconnected)
	c.channel.DisableAll()
	c.alive.Store(false)

	if c.connectionCallback != nil {
		c.connectionCallback(c)
	}
	if c.closeCallback != nil {
		c.closeCallback(c)
	}
}

func (c *Connection) handleError() {
	zlog.L().Warn("connection error", zap.String("conn", c.name))
	c.handleClose()
}

// Send queues data for delivery, thread-safe: it marshals onto loop if
// called from a foreign goroutine.
func (c *Connection) Send(data []byte) {
	if c.state_() != StateConnected {
		return
	}
	if c.loop.IsInLoopThread() {
		c.sendInLoop(data)
	} else {
		owned := append([]byte(nil), data...)
		c.loop.RunInLoop(func() { c.sendInLoop(owned) })
	}
}

func (c *Connection) sendInLoop(data []byte) {
	if c.state_() == StateDisconnected {
		return
	}

	var (
		nwrote   int
		faultErr bool
	)

	if !c.channel.IsWriting() && c.outputBuffer.ReadableBytes() == 0 {
		n, err := unix.Write(c.fd, data)
		if err != nil {
			if err != unix.EAGAIN {
				if err == unix.EPIPE || err == unix.ECONNRESET {
					faultErr = true
				}
				zlog.L().Warn("direct write failed", zap.String("conn", c.name), zap.Error(err))
			}
			n = 0
		} else {
			nwrote = n
		}
	}

	if faultErr {
		return
	}

	if nwrote < len(data) {
		remaining := data[nwrote:]
		oldLen := c.outputBuffer.ReadableBytes()
		newLen := oldLen + len(remaining)

		if newLen >= c.highWaterMark && oldLen < c.highWaterMark && c.highWaterMarkCallback != nil {
			c.highWaterMarkCallback(c, newLen)
		}
		c.outputBuffer.Append(remaining)
		if !c.channel.IsWriting() {
			c.channel.EnableWriting()
		}
	}
}

// Shutdown is a half-close: disables further writes once the output
// buffer has drained. NOT safe to call concurrently with itself.
func (c *Connection) Shutdown() {
	if c.state_() == StateConnected {
		c.setState(StateDisconnecting)
		c.loop.RunInLoop(c.shutdownInLoop)
	}
}

func (c *Connection) shutdownInLoop() {
	if !c.channel.IsWriting() {
		unix.Shutdown(c.fd, unix.SHUT_WR)
	}
}

// ForceClose schedules handleClose to run synchronously on loop,
// regardless of pending output.
func (c *Connection) ForceClose() {
	if c.state_() == StateConnected || c.state_() == StateDisconnecting {
		c.setState(StateDisconnecting)
		c.loop.QueueInLoop(c.handleClose)
	}
}

// ForceCloseWithDelay schedules ForceClose to run after d elapses, via
// the owning loop's timer queue.
func (c *Connection) ForceCloseWithDelay(d time.Duration) {
	c.loop.RunAfter(d, func() {
		if c.state_() == StateConnected || c.state_() == StateDisconnecting {
			c.ForceClose()
		}
	})
}

// StartRead resumes the channel's read interest; used with StopRead for
// backpressure coordination.
func (c *Connection) StartRead() {
	c.loop.RunInLoop(func() {
		if !c.reading.Load() {
			c.channel.EnableReading()
			c.reading.Store(true)
		}
	})
}

// StopRead pauses the channel's read interest.
func (c *Connection) StopRead() {
	c.loop.RunInLoop(func() {
		if c.reading.Load() {
			c.channel.DisableReading()
			c.reading.Store(false)
		}
	})
}
