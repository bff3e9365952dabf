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

// Package inspect exposes a read-only HTTP surface for looking at a
// running reactor's loops, timers and connections without touching any
// loop state directly: the loop and timer handlers gather their data via
// a runInLoop round-trip, and the connection handler reads the server's
// mutex-guarded connection count, so all stay off the hot path.
package inspect

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi"

	"github.com/veylon-io/reactor/reactor"
)

// LoopSnapshot is a point-in-time read of one EventLoop's queue depth and
// last-poll active channel count.
type LoopSnapshot struct {
	Index           int `json:"index"`
	PendingFunctors int `json:"pendingFunctors"`
	ActiveChannels  int `json:"activeChannels"`
}

// TimerSnapshot is a point-in-time read of one EventLoop's scheduled
// timer count.
type TimerSnapshot struct {
	Index int `json:"index"`
	Count int `json:"count"`
}

// ConnectionCounter is satisfied by anything that can report how many
// live connections it currently owns; tcp.Server implements it.
type ConnectionCounter interface {
	ConnectionCount() int
}

// Inspector serves snapshots of a Pool and, optionally, a server's
// connection count, grounded on muduo's net/inspect/Inspector component.
type Inspector struct {
	pool   *reactor.Pool
	server ConnectionCounter

	mu     sync.RWMutex
	router chi.Router
}

// New builds an Inspector over pool; server may be nil if connection
// counts aren't available yet.
func New(pool *reactor.Pool, server ConnectionCounter) *Inspector {
	insp := &Inspector{pool: pool, server: server}
	r := chi.NewRouter()
	r.Get("/debug/reactor/loops", insp.handleLoops)
	r.Get("/debug/reactor/timers", insp.handleTimers)
	r.Get("/debug/reactor/connections", insp.handleConnections)
	insp.router = r
	return insp
}

// SetServer attaches (or replaces) the connection counter used by
// /debug/reactor/connections.
func (insp *Inspector) SetServer(server ConnectionCounter) {
	insp.mu.Lock()
	insp.server = server
	insp.mu.Unlock()
}

func (insp *Inspector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	insp.router.ServeHTTP(w, r)
}

func (insp *Inspector) handleLoops(w http.ResponseWriter, r *http.Request) {
	loops := insp.pool.AllLoops()
	snapshots := make([]LoopSnapshot, len(loops))

	var wg sync.WaitGroup
	for i, loop := range loops {
		i, loop := i, loop
		wg.Add(1)
		done := make(chan struct{})
		loop.RunInLoop(func() {
			defer close(done)
			snapshots[i] = LoopSnapshot{
				Index:           i,
				PendingFunctors: loop.PendingFunctorCount(),
				ActiveChannels:  loop.ActiveChannelCount(),
			}
		})
		go func() {
			defer wg.Done()
			select {
			case <-done:
			case <-time.After(time.Second):
			}
		}()
	}
	wg.Wait()

	writeJSON(w, snapshots)
}

func (insp *Inspector) handleTimers(w http.ResponseWriter, r *http.Request) {
	loops := insp.pool.AllLoops()
	snapshots := make([]TimerSnapshot, len(loops))

	var wg sync.WaitGroup
	for i, loop := range loops {
		i, loop := i, loop
		wg.Add(1)
		done := make(chan struct{})
		loop.RunInLoop(func() {
			defer close(done)
			snapshots[i] = TimerSnapshot{Index: i, Count: loop.TimerCount()}
		})
		go func() {
			defer wg.Done()
			select {
			case <-done:
			case <-time.After(time.Second):
			}
		}()
	}
	wg.Wait()

	writeJSON(w, snapshots)
}

func (insp *Inspector) handleConnections(w http.ResponseWriter, r *http.Request) {
	insp.mu.RLock()
	server := insp.server
	insp.mu.RUnlock()

	if server == nil {
		writeJSON(w, map[string]int{"connections": 0})
		return
	}
	writeJSON(w, map[string]int{"connections": server.ConnectionCount()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
