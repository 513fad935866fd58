// Copyright 2019 Intel Corporation. All Rights Reserved.
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
	"flag"
	"fmt"
	"strconv"
	"strings"
)

const (
	// DefaultLevel is the default lowest unsuppressed severity.
	DefaultLevel = LevelInfo

	optionLevel  = "logger-level"
	optionSource = "logger-source"
	optionDebug  = "logger-debug"
)

// LevelNames maps severity levels to names.
var LevelNames = map[Level]string{
	LevelDebug: "debug",
	LevelInfo:  "info",
	LevelWarn:  "warn",
	LevelError: "error",
}

// NamedLevels maps severity names to levels.
var NamedLevels = map[string]Level{
	"debug":   LevelDebug,
	"info":    LevelInfo,
	"warn":    LevelWarn,
	"warning": LevelWarn,
	"error":   LevelError,
}

// Set is the flag.Value setter for Level.
func (l *Level) Set(value string) error {
	level, ok := NamedLevels[value]
	if !ok {
		return loggerError("unknown log level '%s'", value)
	}
	*l = level
	log.Lock()
	log.level = level
	log.Unlock()
	return nil
}

// String is the flag.Value stringification for Level.
func (l Level) String() string {
	if name, ok := LevelNames[l]; ok {
		return name
	}
	return LevelNames[LevelInfo]
}

// stateMap implements flag.Value for comma-separated name:on/off lists,
// such as "-logger-debug=on:cpualloc,sandbox".
type stateMap map[string]bool

func (m *stateMap) Set(value string) error {
	if *m == nil {
		*m = make(stateMap)
	}

	prev := "on"
	for _, req := range strings.Split(strings.TrimSpace(value), ",") {
		var state bool
		status := prev
		names := ""
		split := strings.SplitN(req, ":", 2)

		switch len(split) {
		case 1:
			names = split[0]
		case 2:
			status = split[0]
			names = split[1]
			prev = status
		default:
			continue
		}

		switch status {
		case "on", "enable", "enabled":
			state = true
		case "off", "disable", "disabled":
			state = false
		default:
			var err error
			if state, err = strconv.ParseBool(status); err != nil {
				return loggerError("invalid state '%s' in spec '%s': %v", status, value, err)
			}
		}

		for _, f := range strings.Split(names, ",") {
			switch f {
			case "all", "*":
				(*m)["*"] = state
			case "none":
				(*m)["*"] = !state
			default:
				(*m)[f] = state
			}
		}
	}
	return nil
}

func (m *stateMap) String() string {
	if m == nil || *m == nil {
		return "all"
	}
	tVal, tSep := "", ""
	fVal, fSep := "", ""
	for name, state := range *m {
		if name == "*" {
			name = "all"
		}
		if state {
			tVal += tSep + name
			tSep = ","
		} else {
			fVal += fSep + name
			fSep = ","
		}
	}
	switch {
	case fVal == "":
		return tVal
	case tVal == "":
		return fVal
	default:
		return tVal + "," + fVal
	}
}

// sourceStateFlag adapts the shared registry's enabled/debug maps to flag.Value.
type sourceStateFlag struct {
	target *map[string]bool
}

func (f sourceStateFlag) Set(value string) error {
	m := stateMap(*f.target)
	if err := (&m).Set(value); err != nil {
		return err
	}
	log.Lock()
	*f.target = m
	log.Unlock()
	return nil
}

func (f sourceStateFlag) String() string {
	if f.target == nil {
		return ""
	}
	m := stateMap(*f.target)
	return m.String()
}

func loggerError(format string, args ...interface{}) error {
	return fmt.Errorf("log: "+format, args...)
}

func init() {
	level := DefaultLevel
	flag.Var(&level, optionLevel,
		"least severity of log messages to start passing through.")
	flag.Var(sourceStateFlag{target: &log.enabled}, optionSource,
		"comma-separated logger source names to enable.\n"+
			"Specify '*' or all for enabling logging for all sources.")
	flag.Var(sourceStateFlag{target: &log.debug}, optionDebug,
		"comma-separated logger source names to enable debug for.\n"+
			"Specify '*' or all for enabling debugging for all sources.")
}
