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
	"sync"
	"testing"
	"time"

	"github.com/veylon-io/reactor/reactor"
)

func runLoopFor(t *testing.T, loop *reactor.EventLoop, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		loop.Loop()
		close(done)
	}()
	time.Sleep(d)
	loop.Quit()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop after Quit")
	}
}

func TestTimerQueue_RunAfterFires(t *testing.T) {
	loop := reactor.New()
	defer loop.Close()

	fired := make(chan time.Time, 1)
	start := time.Now()
	loop.RunAfter(20*time.Millisecond, func() {
		fired <- time.Now()
	})

	go loop.Loop()
	defer loop.Quit()

	select {
	case at := <-fired:
		if d := at.Sub(start); d < 15*time.Millisecond {
			t.Errorf("fired too early: %v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
}

func TestTimerQueue_CancelDuringCallback(t *testing.T) {
	loop := reactor.New()
	defer loop.Close()

	var (
		mu    sync.Mutex
		count int
		id    reactor.TimerId
	)

	done := make(chan struct{})
	go loop.Loop()
	defer loop.Quit()

	id = loop.RunEvery(5*time.Millisecond, func() {
		mu.Lock()
		defer mu.Unlock()
		count++
		if count == 3 {
			loop.CancelTimer(id)
			close(done)
		}
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire 3 times")
	}

	// Give any in-flight repeat a chance to land, then assert it didn't.
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 3 {
		t.Errorf("count = %d, want exactly 3", count)
	}
}
