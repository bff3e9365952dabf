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

func TestEventLoop_QueueInLoopFromForeignGoroutine(t *testing.T) {
	loop := reactor.New()
	defer loop.Close()

	go loop.Loop()
	defer loop.Quit()

	var (
		mu  sync.Mutex
		got []int
	)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		n := i
		go func() {
			defer wg.Done()
			loop.QueueInLoop(func() {
				mu.Lock()
				got = append(got, n)
				mu.Unlock()
			})
		}()
	}
	wg.Wait()

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 10 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("only %d/10 functors ran", n)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestEventLoop_RunInLoopInlineOnOwner(t *testing.T) {
	loop := reactor.New()
	defer loop.Close()

	ran := false
	done := make(chan struct{})
	go func() {
		loop.RunInLoop(func() {
			// Loop() has not started yet, so this is NOT the owning
			// goroutine; it should be queued, not inlined.
		})
		close(done)
	}()
	<-done

	go loop.Loop()
	defer loop.Quit()

	finished := make(chan struct{})
	loop.QueueInLoop(func() {
		// This functor runs on the owning goroutine, where RunInLoop
		// executes fn before returning.
		inline := false
		loop.RunInLoop(func() { inline = true })
		ran = inline
		close(finished)
	})
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("queued functor never ran")
	}
	if !ran {
		t.Error("expected RunInLoop on the owning goroutine to run inline")
	}
}
