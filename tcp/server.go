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
	"fmt"
	"net"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/veylon-io/reactor/reactor"
	"github.com/veylon-io/reactor/zlog"
)

// Server composes an Acceptor (bound to a base loop) with a reactor.Pool
// of worker loops. Each accepted connection is handed off to a worker
// loop chosen round-robin, keyed in the connection map by a synthesized
// name of the form "<serverName>#<loopIndex>#<sequence>" (loopIndex is 0
// when the pool has no workers and connections run on the base loop).
type Server struct {
	baseLoop *reactor.EventLoop
	pool     *reactor.Pool
	acceptor *Acceptor

	name string

	mu          sync.Mutex
	started     bool
	nextConnId  int
	connections map[string]*Connection

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback
	highWaterMarkCallback HighWaterMarkCallback
	highWaterMark         int
}

// NewServer binds a listening socket at addr on baseLoop. reusePort
// controls whether SO_REUSEPORT is set, letting multiple Server
// instances in separate processes share the same listening address.
func NewServer(baseLoop *reactor.EventLoop, name, addr string, reusePort bool) (*Server, error) {
	acceptor, err := NewAcceptor(baseLoop, addr, reusePort)
	if err != nil {
		return nil, err
	}
	s := &Server{
		baseLoop:      baseLoop,
		pool:          reactor.NewPool(baseLoop),
		acceptor:      acceptor,
		name:          name,
		connections:   make(map[string]*Connection),
		highWaterMark: DefaultHighWaterMark,
	}
	acceptor.SetNewConnectionCallback(s.newConnection)
	return s, nil
}

func (s *Server) SetConnectionCallback(cb ConnectionCallback)       { s.connectionCallback = cb }
func (s *Server) SetMessageCallback(cb MessageCallback)             { s.messageCallback = cb }
func (s *Server) SetWriteCompleteCallback(cb WriteCompleteCallback) { s.writeCompleteCallback = cb }
func (s *Server) SetHighWaterMarkCallback(cb HighWaterMarkCallback, mark int) {
	s.highWaterMarkCallback = cb
	s.highWaterMark = mark
}

// ConnectionCount reports the number of live connections; it satisfies
// inspect.ConnectionCounter.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}

// Pool exposes the worker pool so callers can wire an Inspector to it.
func (s *Server) Pool() *reactor.Pool { return s.pool }

// SetThreadCount sets the number of worker loops in the pool; must be
// called before Start. 0 means every connection is served on baseLoop.
func (s *Server) SetThreadCount(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.pool.Start(n, nil)
}

// Start begins accepting connections. Idempotent: a second call is a
// no-op.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	if !s.pool.Started() {
		s.pool.Start(0, nil)
	}
	s.mu.Unlock()

	return s.acceptor.Listen()
}

func (s *Server) newConnection(fd int, peerAddr net.Addr) {
	s.baseLoop.AssertOnThisLoop()

	loop := s.pool.GetNextLoop()
	loopIndex := 0
	for i, l := range s.pool.AllLoops() {
		if l == loop {
			loopIndex = i
			break
		}
	}

	s.mu.Lock()
	s.nextConnId++
	connName := fmt.Sprintf("%s#%d#%d", s.name, loopIndex, s.nextConnId)
	s.mu.Unlock()

	localAddr := localAddrOf(fd)
	conn := NewConnection(loop, connName, fd, localAddr, peerAddr)
	conn.SetConnectionCallback(s.connectionCallback)
	conn.SetMessageCallback(s.messageCallback)
	conn.SetWriteCompleteCallback(s.writeCompleteCallback)
	conn.SetHighWaterMarkCallback(s.highWaterMarkCallback, s.highWaterMark)
	conn.setCloseCallback(s.removeConnection)

	s.mu.Lock()
	s.connections[connName] = conn
	s.mu.Unlock()

	loop.RunInLoop(conn.ConnectEstablished)
}

// removeConnection is invoked on the connection's own loop from
// Connection.handleClose; it hops back to baseLoop to mutate the shared
// connection map, then hops back to the connection's loop to run
// ConnectDestroyed, mirroring the handoff muduo's TcpServer performs
// around removeConnectionInLoop.
func (s *Server) removeConnection(conn *Connection) {
	s.baseLoop.RunInLoop(func() {
		s.mu.Lock()
		delete(s.connections, conn.Name())
		s.mu.Unlock()

		conn.Loop().QueueInLoop(conn.ConnectDestroyed)
	})
}

// Stop closes the listening socket, force-closes every live connection,
// and quits every worker loop, aggregating any close errors encountered
// along the way.
func (s *Server) Stop() error {
	errs := s.acceptor.Close()

	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	var errMu sync.Mutex
	for _, c := range conns {
		wg.Add(1)
		c := c
		c.loop.RunInLoop(func() {
			defer wg.Done()
			if closeErr := c.connectDestroyed(); closeErr != nil {
				errMu.Lock()
				errs = multierr.Append(errs, closeErr)
				errMu.Unlock()
			}
		})
	}
	wg.Wait()

	for _, loop := range s.pool.AllLoops() {
		loop.Quit()
	}
	if s.baseLoop != nil {
		// The base loop's own Close (fd teardown) is the caller's
		// responsibility once its Loop() goroutine has returned; Stop only
		// signals it to quit.
		s.baseLoop.Quit()
	}

	return errs
}

func localAddrOf(fd int) net.Addr {
	sa, err := unixGetsockname(fd)
	if err != nil {
		zlog.L().Warn("getsockname failed", zap.Int("fd", fd), zap.Error(err))
		return nil
	}
	addr, err := sockaddrToTCPAddr(sa)
	if err != nil {
		return nil
	}
	return addr
}
