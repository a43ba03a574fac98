// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package sni

import (
	"regexp"
	"strings"
)

// compileGlob converts an fqdn glob into an anchored, case-insensitive
// regex: literal '.' is escaped first, then '*' becomes "(.{0,})" so a
// wildcard segment is captured. '?' is treated as a synonym for a single
// wildcard byte to match the glob/regex round-trip law in §8.
func compileGlob(glob string) (*regexp.Regexp, error) {
	var b strings.Builder
	for _, r := range glob {
		switch r {
		case '.':
			b.WriteString(`\.`)
		case '*':
			b.WriteString(`(.{0,})`)
		case '?':
			b.WriteString(`(.{1})`)
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	pattern := "(?i)^" + b.String() + "$"
	return regexp.Compile(pattern)
}
