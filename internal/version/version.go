// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/samber/lo"
)

const (
	MAJOR = 0
	MINOR = 1
	PATCH = 0
)

// Build information, set with -ldflags at release time.
var (
	Revision  string
	BuildDate string
)

var versionOutput = gen()

// Print returns a multi line version description.
func Print() string {
	return versionOutput
}

func Version() string {
	v := fmt.Sprintf("%d.%d.%d", MAJOR, MINOR, PATCH)
	if Dev {
		v += " (development)"
	}

	return v
}

func gen() string {
	lines := []string{
		"version:    " + Version(),
		"revision:   " + revision(),
		"go version: " + runtime.Version(),
		"platform:   " + runtime.GOOS + "/" + runtime.GOARCH,
	}

	if BuildDate != "" {
		lines = append(lines, "build date: "+BuildDate)
	}

	return strings.Join(lo.Compact(lines), "\n")
}

func revision() string {
	if Revision != "" {
		return Revision
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "<unknown>"
	}

	rev := "<unknown>"
	var modified bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			modified = s.Value == "true"
		}
	}

	if modified {
		return rev + "-modified"
	}

	return rev
}
