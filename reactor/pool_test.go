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

	"github.com/veylon-io/reactor/reactor"
)

func TestPool_RoundRobinDistribution(t *testing.T) {
	base := reactor.New()
	defer base.Close()

	pool := reactor.NewPool(base)
	pool.Start(4, nil)
	defer func() {
		for _, l := range pool.AllLoops() {
			l.Quit()
		}
	}()

	counts := make(map[*reactor.EventLoop]int)
	for i := 0; i < 100; i++ {
		loop := pool.GetNextLoop()
		counts[loop]++
	}
	if len(counts) != 4 {
		t.Fatalf("expected 4 distinct loops, got %d", len(counts))
	}
	for loop, n := range counts {
		if n != 25 {
			t.Errorf("loop %p got %d connections, want 25", loop, n)
		}
	}
}

func TestPool_HashPinningIsStable(t *testing.T) {
	base := reactor.New()
	defer base.Close()

	pool := reactor.NewPool(base)
	pool.Start(4, nil)
	defer func() {
		for _, l := range pool.AllLoops() {
			l.Quit()
		}
	}()

	const hash = uint64(123456789)
	first := pool.GetLoopForHash(hash)
	for i := 0; i < 10; i++ {
		if got := pool.GetLoopForHash(hash); got != first {
			t.Errorf("hash pinning changed loop on call %d", i)
		}
	}
}

func TestPool_ZeroWorkersSharesBaseLoop(t *testing.T) {
	base := reactor.New()
	defer base.Close()

	pool := reactor.NewPool(base)
	pool.Start(0, nil)

	if got := pool.GetNextLoop(); got != base {
		t.Error("expected base loop when pool has no workers")
	}
}
