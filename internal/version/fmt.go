// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package version

import (
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// FormatBuildInfo renders build info in the tab separated layout of `go version -m`,
// a replaced module is followed by a `=>` line for its replacement.
func FormatBuildInfo(info *debug.BuildInfo) string {
	var b strings.Builder

	line := func(fields ...string) {
		b.WriteString(strings.Join(fields, "\t"))
		b.WriteByte('\n')
	}

	line("go", info.GoVersion)

	if info.Path != "" {
		line("path", info.Path)
	}

	if info.Main.Path != "" {
		line(moduleFields("mod", &info.Main)...)
	}

	for _, d := range info.Deps {
		line(moduleFields("dep", d)...)
		if d.Replace != nil {
			line(moduleFields("=>", d.Replace)...)
		}
	}

	for _, s := range info.Settings {
		line("build", quote(s.Key, "= \t\r\n\"`", true)+"="+quote(s.Value, " \t\r\n\"`", false))
	}

	return b.String()
}

func moduleFields(kind string, m *debug.Module) []string {
	return lo.Compact([]string{kind, m.Path, m.Version, m.Sum})
}

// quote wraps s in quotes when it holds one of special, or is empty and emptyQuoted is set.
func quote(s, special string, emptyQuoted bool) string {
	if (emptyQuoted && s == "") || strings.ContainsAny(s, special) {
		return strconv.Quote(s)
	}

	return s
}
