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

package tcp_test

import (
	"net"
	"testing"
	"time"

	"github.com/veylon-io/reactor/buffer"
	"github.com/veylon-io/reactor/reactor"
	"github.com/veylon-io/reactor/tcp"
)

func TestServer_EchoesOverRealSocket(t *testing.T) {
	baseLoop := reactor.New()
	go baseLoop.Loop()
	defer baseLoop.Close()

	const addr = "127.0.0.1:18422"

	srv, err := tcp.NewServer(baseLoop, "echosrv", addr, false)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	srv.SetThreadCount(2)
	srv.SetMessageCallback(func(c *tcp.Connection, buf *buffer.Buffer, _ time.Time) {
		c.Send([]byte(buf.RetrieveAllString()))
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	time.Sleep(20 * time.Millisecond) // let Listen's RunInLoop land

	client, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("expected echo %q, got %q", "ping", buf[:n])
	}
}

func TestServer_StopSucceedsAfterStart(t *testing.T) {
	baseLoop := reactor.New()
	go baseLoop.Loop()
	defer baseLoop.Close()

	srv, err := tcp.NewServer(baseLoop, "stopsrv", "127.0.0.1:18423", false)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	srv.SetThreadCount(1)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
