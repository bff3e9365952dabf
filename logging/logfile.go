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

// Package logging implements the application's own async log sink: a
// double-buffered producer/consumer pipeline (AsyncLogging) writing
// through a size/day rolling file (LogFile). This is distinct from
// package zlog, which is the ambient diagnostic logger used by the rest
// of this module.
package logging

import (
	"fmt"
	"os"
	"sync"
	"time"
)

const rollPerSeconds = 24 * 60 * 60

// LogFile rolls its output either when it exceeds rollSize bytes or when
// a day boundary is crossed, whichever comes first. Filenames follow
// "<basename>.YYYYmmdd-HHMMSS.<hostname>.<pid>.log".
type LogFile struct {
	basename      string
	rollSize      int64
	flushInterval time.Duration
	checkEveryN   int

	threadSafe bool
	mu         sync.Mutex

	count          int
	writtenBytes   int64
	startOfPeriod  time.Time
	lastRoll       time.Time
	lastFlush      time.Time
	file           *os.File
}

// NewLogFile opens the first roll of basename immediately.
func NewLogFile(basename string, rollSize int64, threadSafe bool, flushInterval time.Duration, checkEveryN int) (*LogFile, error) {
	lf := &LogFile{
		basename:      basename,
		rollSize:      rollSize,
		flushInterval: flushInterval,
		checkEveryN:   checkEveryN,
		threadSafe:    threadSafe,
	}
	if err := lf.rollFile(time.Now()); err != nil {
		return nil, err
	}
	return lf, nil
}

// Write appends logline to the current file, then rolls if needed.
// Implements io.Writer so a LogFile can back a zap WriteSyncer directly.
func (lf *LogFile) Write(logline []byte) (int, error) {
	if lf.threadSafe {
		lf.mu.Lock()
		defer lf.mu.Unlock()
	}
	return lf.appendUnlocked(logline)
}

func (lf *LogFile) appendUnlocked(logline []byte) (int, error) {
	n, err := lf.file.Write(logline)
	if err != nil {
		return n, err
	}
	lf.writtenBytes += int64(n)

	if lf.writtenBytes > lf.rollSize {
		if rollErr := lf.rollFile(time.Now()); rollErr != nil {
			return n, rollErr
		}
		return n, nil
	}

	lf.count++
	if lf.count >= lf.checkEveryN {
		lf.count = 0
		now := time.Now()
		thisPeriod := dayStart(now)
		if !thisPeriod.Equal(lf.startOfPeriod) {
			if rollErr := lf.rollFile(now); rollErr != nil {
				return n, rollErr
			}
		} else if now.Sub(lf.lastFlush) > lf.flushInterval {
			lf.lastFlush = now
			_ = lf.file.Sync()
		}
	}
	return n, nil
}

// Flush fsyncs the current file.
func (lf *LogFile) Flush() error {
	if lf.threadSafe {
		lf.mu.Lock()
		defer lf.mu.Unlock()
	}
	return lf.file.Sync()
}

// Sync satisfies zapcore.WriteSyncer.
func (lf *LogFile) Sync() error { return lf.Flush() }

func (lf *LogFile) Close() error {
	if lf.file == nil {
		return nil
	}
	return lf.file.Close()
}

func (lf *LogFile) rollFile(now time.Time) error {
	name := logFileName(lf.basename, now)
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	if lf.file != nil {
		_ = lf.file.Close()
	}
	lf.file = f
	lf.writtenBytes = 0
	lf.lastRoll = now
	lf.lastFlush = now
	lf.startOfPeriod = dayStart(now)
	return nil
}

func dayStart(t time.Time) time.Time {
	return time.Unix((t.Unix()/rollPerSeconds)*rollPerSeconds, 0).UTC()
}

func logFileName(basename string, now time.Time) string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknownhost"
	}
	return fmt.Sprintf("%s.%s.%s.%d.log",
		basename,
		now.UTC().Format("20060102-150405"),
		hostname,
		os.Getpid(),
	)
}
