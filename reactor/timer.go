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

package reactor

import "time"

// TimerCallback is invoked when a Timer fires.
type TimerCallback func()

// Timer is an immutable scheduling record; Interval == 0 means one-shot.
// Identity for cancellation purposes is (timer pointer, Sequence), which
// guards against a freed timer's memory being reused before the cancel
// call is processed.
type Timer struct {
	callback   TimerCallback
	expiration time.Time
	interval   time.Duration
	sequence   uint64
}

func (t *Timer) Repeat() bool { return t.interval > 0 }

func (t *Timer) run() { t.callback() }

func (t *Timer) restart(now time.Time) {
	if t.interval > 0 {
		t.expiration = now.Add(t.interval)
	} else {
		t.expiration = time.Time{}
	}
}

// TimerId identifies a scheduled timer for cancellation; it carries the
// sequence number assigned at creation so a cancel racing with reuse of
// the same Timer slot cannot cancel the wrong timer.
type TimerId struct {
	timer    *Timer
	sequence uint64
}
