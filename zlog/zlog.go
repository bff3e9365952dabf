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

// Package zlog is the reactor's ambient diagnostic logger: recoverable
// syscall failures and EMFILE recovery are reported through it.
// Thread-affinity violations are not logged here; they panic. It is
// separate from package logging, which
// implements the AsyncLogging/LogFile application-log component.
package zlog

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu  sync.RWMutex
	log = newDefault()
)

func newDefault() *zap.Logger {
	cfg := zap.NewDevelopmentEncoderConfig()
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.AddSync(os.Stderr), zap.DebugLevel)
	return zap.New(core)
}

// FileOptions configures a rotating file sink for SetFileOutput.
type FileOptions struct {
	Filename   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// SetFileOutput redirects the package logger to a lumberjack-rotated file;
// console output stops once it is called. Intended for long-running servers
// that want their own operational log separated from stderr.
func SetFileOutput(opts FileOptions) {
	roller := &lumberjack.Logger{
		Filename:   opts.Filename,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
	cfg := zap.NewProductionEncoderConfig()
	core := zapcore.NewCore(zapcore.NewJSONEncoder(cfg), zapcore.AddSync(roller), zap.InfoLevel)

	mu.Lock()
	defer mu.Unlock()
	log = zap.New(core)
}

// L returns the current package logger.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// Replace installs a caller-supplied logger, e.g. for tests that want to
// capture output or silence it entirely.
func Replace(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	log = l
}
