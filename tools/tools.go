// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

//go:build tools

// Package tools pins the dev tools used by CI: field alignment, vuln scan and test reporting.
package tools

import (
	_ "github.com/dkorunic/betteralign/cmd/betteralign"
	_ "github.com/mfridman/tparse"
	_ "golang.org/x/tools/cmd/stringer"
	_ "golang.org/x/vuln/cmd/govulncheck"
	_ "gotest.tools/gotestsum"
)
