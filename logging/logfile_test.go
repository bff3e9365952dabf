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

func TestLogFile_RollsWhenRollSizeExceeded(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "testapp")

	lf, err := logging.NewLogFile(base, 64, true, time.Second, 1024)
	if err != nil {
		t.Fatalf("NewLogFile: %v", err)
	}
	defer lf.Close()

	line := make([]byte, 100)
	for i := range line {
		line[i] = 'x'
	}
	// File names carry the roll time to the second, so a roll within the
	// same second as the first file reopens that file; wait past the next
	// second boundary so the roll triggered below gets a name of its own.
	time.Sleep(1100 * time.Millisecond)
	if _, err := lf.Write(line); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if _, err := lf.Write(line); err != nil {
		t.Fatalf("second write: %v", err)
	}

	matches, err := filepath.Glob(base + ".*.log")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) < 2 {
		t.Fatalf("expected at least 2 rolled files, got %d: %v", len(matches), matches)
	}
}

func TestLogFile_FileNameIncludesBasenameAndPid(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "myapp")

	lf, err := logging.NewLogFile(base, 1<<20, true, time.Second, 1024)
	if err != nil {
		t.Fatalf("NewLogFile: %v", err)
	}
	defer lf.Close()

	matches, err := filepath.Glob(base + ".*.log")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected exactly 1 file, got %v", matches)
	}

	if _, err := os.Stat(matches[0]); err != nil {
		t.Fatalf("stat rolled file: %v", err)
	}
}
