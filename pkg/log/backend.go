// Copyright 2019-2020 Intel Corporation. All Rights Reserved.
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

package log

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Backend can format and emit log messages.
type Backend interface {
	// Name returns the name of this backend.
	Name() string
	// Log emits a log message with the given severity, source, and Printf-like arguments.
	Log(level Level, source, format string, args ...interface{})
	// Block emits a multi-line log message with an additional line prefix.
	Block(level Level, source, prefix, format string, args ...interface{})
}

// FmtBackendName is the name of the default fmt-based logging backend.
const FmtBackendName = "fmt"

// fmtTags prefix emitted messages by severity.
var fmtTags = map[Level]string{
	LevelDebug: "D:",
	LevelInfo:  "I:",
	LevelWarn:  "W:",
	LevelError: "E:",
	LevelFatal: "FATAL:",
	LevelPanic: "PANIC:",
}

// fmtBackend is a synchronous fmt-based Backend writing to stderr.
type fmtBackend struct {
	sync.Mutex
}

func newFmtBackend() Backend {
	return &fmtBackend{}
}

func (*fmtBackend) Name() string {
	return FmtBackendName
}

func (f *fmtBackend) Log(level Level, source, format string, args ...interface{}) {
	f.emit(level, source, "", fmt.Sprintf(format, args...))
}

func (f *fmtBackend) Block(level Level, source, prefix, format string, args ...interface{}) {
	f.emit(level, source, prefix, fmt.Sprintf(format, args...))
}

func (f *fmtBackend) emit(level Level, source, prefix, msg string) {
	f.Lock()
	defer f.Unlock()

	stamp := time.Now().Format("15:04:05.000")
	tag := fmtTags[level]
	for _, line := range strings.Split(msg, "\n") {
		if prefix == "" {
			fmt.Fprintf(os.Stderr, "%s %s [%s] %s\n", stamp, tag, source, line)
		} else {
			fmt.Fprintf(os.Stderr, "%s %s [%s] %s %s\n", stamp, tag, source, prefix, line)
		}
	}
}
