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

package reactor_test

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/veylon-io/reactor/reactor"
)

func TestChannel_ReadCallbackFiresOnPipeData(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		t.Fatalf("set nonblock: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	loop := reactor.New()
	defer loop.Close()

	ch := reactor.NewChannel(loop, fds[0])
	read := make(chan struct{}, 1)
	ch.SetReadCallback(func(time.Time) {
		var buf [16]byte
		unix.Read(fds[0], buf[:])
		read <- struct{}{}
	})

	go loop.Loop()
	defer loop.Quit()

	loop.RunInLoop(ch.EnableReading)
	// RunInLoop from this (non-owning) goroutine queues; give it a tick.
	time.Sleep(10 * time.Millisecond)

	if _, err := unix.Write(fds[1], []byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-read:
	case <-time.After(2 * time.Second):
		t.Fatal("read callback never fired")
	}
}
