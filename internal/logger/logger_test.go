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

package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// redirect points the package logger at a buffer for the duration of a
// test.
func redirect(t *testing.T, format string) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	mu.Lock()
	saved := defaultLogger
	if format == "json" {
		defaultLogger = slog.New(jsonHandler(buf))
	} else {
		defaultLogger = slog.New(textHandler(buf))
	}
	mu.Unlock()
	t.Cleanup(func() {
		mu.Lock()
		defaultLogger = saved
		mu.Unlock()
		programLevel.Set(slog.LevelInfo)
	})
	return buf
}

func logAtAllLevels() {
	Tracef("trace %d", 1)
	Debugf("debug %d", 2)
	Infof("info %d", 3)
	Warnf("warning %d", 4)
	Errorf("error %d", 5)
}

func TestSeverityFiltering(t *testing.T) {
	cases := []struct {
		severity string
		want     []string
	}{
		{"TRACE", []string{"trace 1", "debug 2", "info 3", "warning 4", "error 5"}},
		{"DEBUG", []string{"debug 2", "info 3", "warning 4", "error 5"}},
		{"INFO", []string{"info 3", "warning 4", "error 5"}},
		{"WARNING", []string{"warning 4", "error 5"}},
		{"ERROR", []string{"error 5"}},
		{"OFF", nil},
	}

	for _, tc := range cases {
		t.Run(tc.severity, func(t *testing.T) {
			buf := redirect(t, "text")
			require.NoError(t, SetLogSeverity(tc.severity))
			logAtAllLevels()

			out := buf.String()
			for _, want := range tc.want {
				assert.Contains(t, out, want)
			}
			lines := strings.Count(out, "\n")
			assert.Equal(t, len(tc.want), lines)
		})
	}
}

func TestUnknownSeverityRejected(t *testing.T) {
	assert.Error(t, SetLogSeverity("loud"))
}

func TestJSONFormat(t *testing.T) {
	buf := redirect(t, "json")
	require.NoError(t, SetLogSeverity("info"))
	Infof("hello %s", "world")

	out := buf.String()
	assert.Contains(t, out, `"msg":"hello world"`)
	assert.Contains(t, out, `"level":"INFO"`)
}

func TestTraceLevelName(t *testing.T) {
	buf := redirect(t, "json")
	require.NoError(t, SetLogSeverity("trace"))
	Tracef("deep down")
	assert.Contains(t, buf.String(), `"level":"TRACE"`)
}

func TestDebugLoggerBridge(t *testing.T) {
	buf := redirect(t, "text")
	require.NoError(t, SetLogSeverity("debug"))

	l := NewDebugLogger("fuse: ")
	l.Println("op received")
	assert.Contains(t, buf.String(), "op received")
}
