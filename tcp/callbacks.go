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

// Package tcp implements the acceptor and connection state machine, and
// the server that composes them with a reactor.Pool.
package tcp

import (
	"net"
	"time"

	"github.com/veylon-io/reactor/buffer"
)

// ConnectionCallback fires on both the up-edge (just after accept) and
// the down-edge (just before teardown) of a connection's lifetime.
type ConnectionCallback func(conn *Connection)

// MessageCallback fires once per read-ready event that yielded data.
type MessageCallback func(conn *Connection, buf *buffer.Buffer, receivedAt time.Time)

// WriteCompleteCallback fires when the output buffer has been fully
// drained to the kernel, i.e. all queued Send calls have been copied out.
type WriteCompleteCallback func(conn *Connection)

// HighWaterMarkCallback fires exactly once per crossing of highWaterMark
// from below; it will not fire again until the buffered size has dropped
// back below the mark.
type HighWaterMarkCallback func(conn *Connection, bufferedBytes int)

// NewConnectionCallback is invoked by Acceptor once per accepted socket.
type NewConnectionCallback func(fd int, peerAddr net.Addr)
