// Copyright 2017 Google Inc.
// Copyright 2020 Acnodal Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logging sets up structured logging in a uniform way.
package logging

import (
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Provided by ldflags during build.
var (
	release string
	commit  string
	branch  string
)

// Verbosity is the daemon's -v level (spec.md §6): 0 logs warnings and
// errors only, 1 adds info, 2 adds debug, 3+ additionally enables netlink
// event tracing.
type Verbosity int

const (
	VerbosityQuiet Verbosity = iota
	VerbosityInfo
	VerbosityDebug
	VerbosityTrace
)

// Init returns a logger configured with JSON output, a source caller
// field, and a minimum-level filter driven by v. It must be called as
// early as possible in main(), before any other logging occurs.
func Init(v Verbosity) log.Logger {
	l := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	l = level.NewFilter(l, filterOption(v))
	logger := log.With(l, "caller", log.DefaultCaller)

	logger.Log("release", release, "commit", commit, "git-branch", branch, "msg", "starting")
	return logger
}

func filterOption(v Verbosity) level.Option {
	switch {
	case v >= VerbosityDebug:
		return level.AllowDebug()
	case v >= VerbosityInfo:
		return level.AllowInfo()
	default:
		return level.AllowWarn()
	}
}

// TraceEnabled reports whether v requests netlink event tracing
// (spec.md §6's -vvv).
func TraceEnabled(v Verbosity) bool { return v >= VerbosityTrace }
