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

package logging_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/veylon-io/reactor/logging"
)

func TestAsyncLogging_WritesReachDisk(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "async")

	al := logging.NewAsyncLogging(base, 1<<20, 50*time.Millisecond)
	al.Start()

	for i := 0; i < 100; i++ {
		al.Write([]byte("log line\n"))
	}

	al.Stop()

	matches, err := filepath.Glob(base + ".*.log")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) == 0 {
		t.Fatal("expected at least one rolled log file")
	}

	info, err := os.Stat(matches[0])
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("expected non-empty log file after Stop")
	}
}

func TestAsyncLogging_WriteNeverFailsUnderSustainedWrites(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "overrun")

	// A one-hour flush interval means the backend only wakes when a
	// producer fills the current buffer and signals it.
	al := logging.NewAsyncLogging(base, 1<<30, time.Hour)
	al.Start()
	defer al.Stop()

	big := make([]byte, 1<<20)
	for i := range big {
		big[i] = 'a'
	}
	// Each Write call only swaps buffers when the current one is full.
	// 1000 lines of 4 KiB stay within a single 4 MiB buffer, so the drop
	// path is not reached here; this only confirms Write never fails or
	// panics under a rapid run of writes.
	for i := 0; i < 1000; i++ {
		if _, err := al.Write(big[:4096]); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
}
