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

package inspect_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/veylon-io/reactor/inspect"
	"github.com/veylon-io/reactor/reactor"
)

type fakeCounter struct{ n int }

func (f fakeCounter) ConnectionCount() int { return f.n }

func TestInspector_LoopsEndpointReturnsOnePerWorker(t *testing.T) {
	base := reactor.New()
	go base.Loop()
	defer base.Close()

	pool := reactor.NewPool(base)
	pool.Start(3, nil)
	defer func() {
		for _, loop := range pool.AllLoops() {
			loop.Quit()
		}
	}()

	insp := inspect.New(pool, nil)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/debug/reactor/loops", nil)
	insp.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var snapshots []inspect.LoopSnapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &snapshots); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(snapshots) != 3 {
		t.Fatalf("expected 3 loop snapshots, got %d", len(snapshots))
	}
}

func TestInspector_ConnectionsEndpointReflectsCounter(t *testing.T) {
	base := reactor.New()
	go base.Loop()
	defer base.Close()

	pool := reactor.NewPool(base)
	pool.Start(0, nil)

	insp := inspect.New(pool, fakeCounter{n: 7})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/debug/reactor/connections", nil)
	insp.ServeHTTP(rr, req)

	var body map[string]int
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["connections"] != 7 {
		t.Fatalf("expected 7, got %d", body["connections"])
	}
}
