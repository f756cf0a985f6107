// Copyright 2024 The vaultfs Authors. All Rights Reserved.
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

// Package logger provides the process-wide logger. All components log through
// the package-level functions; the CLI configures the sink once at startup.
package logger

import (
	"context"
	"fmt"
	"io"
	stdlog "log"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity levels, from most to least verbose. TRACE and OFF have no slog
// equivalent and are mapped to custom levels.
const (
	LevelTrace = slog.Level(-8)
	LevelOff   = slog.Level(12)
)

var (
	mu            sync.Mutex
	defaultLogger *slog.Logger
	programLevel  = new(slog.LevelVar)
	logFile       io.WriteCloser
)

func init() {
	programLevel.Set(slog.LevelInfo)
	defaultLogger = slog.New(textHandler(os.Stderr))
}

// Config describes the log sink. An empty FilePath logs to stderr.
type Config struct {
	FilePath   string
	Format     string // "text" or "json"
	Severity   string // trace|debug|info|warning|error|off
	MaxSizeMB  int
	MaxBackups int
}

// Init configures the package-level logger. It may be called at most once
// before any daemonized child takes over the log file.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()

	if err := SetLogSeverity(cfg.Severity); err != nil {
		return err
	}

	var w io.Writer = os.Stderr
	if cfg.FilePath != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		}
		logFile = lj
		w = lj
	}

	switch strings.ToLower(cfg.Format) {
	case "", "text":
		defaultLogger = slog.New(textHandler(w))
	case "json":
		defaultLogger = slog.New(jsonHandler(w))
	default:
		return fmt.Errorf("unknown log format: %q", cfg.Format)
	}

	return nil
}

// SetLogSeverity updates the minimum severity without touching the sink.
func SetLogSeverity(severity string) error {
	switch strings.ToUpper(severity) {
	case "TRACE":
		programLevel.Set(LevelTrace)
	case "DEBUG":
		programLevel.Set(slog.LevelDebug)
	case "", "INFO":
		programLevel.Set(slog.LevelInfo)
	case "WARNING":
		programLevel.Set(slog.LevelWarn)
	case "ERROR":
		programLevel.Set(slog.LevelError)
	case "OFF":
		programLevel.Set(LevelOff)
	default:
		return fmt.Errorf("unknown log severity: %q", severity)
	}
	return nil
}

// Close flushes and closes the log file, if any.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

func textHandler(w io.Writer) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       programLevel,
		ReplaceAttr: replaceLevelNames,
	})
}

func jsonHandler(w io.Writer) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       programLevel,
		ReplaceAttr: replaceLevelNames,
	})
}

// replaceLevelNames renames the custom levels in log output.
func replaceLevelNames(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if level, ok := a.Value.Any().(slog.Level); ok && level == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}

func log(level slog.Level, msg string) {
	mu.Lock()
	l := defaultLogger
	mu.Unlock()
	l.Log(context.Background(), level, msg)
}

func Tracef(format string, v ...interface{}) {
	log(LevelTrace, fmt.Sprintf(format, v...))
}

func Debugf(format string, v ...interface{}) {
	log(slog.LevelDebug, fmt.Sprintf(format, v...))
}

func Infof(format string, v ...interface{}) {
	log(slog.LevelInfo, fmt.Sprintf(format, v...))
}

func Warnf(format string, v ...interface{}) {
	log(slog.LevelWarn, fmt.Sprintf(format, v...))
}

func Errorf(format string, v ...interface{}) {
	log(slog.LevelError, fmt.Sprintf(format, v...))
}

func Info(msg string) {
	log(slog.LevelInfo, msg)
}

// NewDebugLogger returns a standard-library logger writing through the
// package logger at debug severity, for libraries that want a *log.Logger.
func NewDebugLogger(prefix string) *stdlog.Logger {
	return stdlog.New(writerFunc(func(p []byte) (int, error) {
		log(slog.LevelDebug, strings.TrimRight(string(p), "\n"))
		return len(p), nil
	}), prefix, 0)
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func Error(msg string) {
	log(slog.LevelError, msg)
}
