// Package template implements the extraction template cache: reusable
// field recipes learned from LLM extractions, keyed by sender domain,
// document type, and layout fingerprint.
package template

import (
	"hash/fnv"
	"strings"
)

// fingerprintLines bounds how many leading lines shape the layout hash.
const fingerprintLines = 40

// Fingerprint hashes the layout of a document's first-page text with
// FNV-64a. Lines are normalized so the variable parts of a recurring
// document (amounts, dates, reference numbers) hash identically while
// a changed layout does not: digits collapse to '#', runs of spaces to
// one space, and only a line's leading shape and length bucket count.
func Fingerprint(text string) uint64 {
	h := fnv.New64a()
	seen := 0
	for _, line := range strings.Split(text, "\n") {
		norm := normalizeLine(line)
		if norm == "" {
			continue
		}
		shape := norm
		if len(shape) > 16 {
			shape = shape[:16]
		}
		h.Write([]byte(shape))
		h.Write([]byte{byte(len(norm) / 16), '\n'})
		seen++
		if seen >= fingerprintLines {
			break
		}
	}
	return h.Sum64()
}

func normalizeLine(line string) string {
	var b strings.Builder
	lastSpace := true
	for _, r := range strings.TrimSpace(line) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteByte('#')
			lastSpace = false
		case r == ' ' || r == '\t':
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		default:
			b.WriteRune(toLowerASCII(r))
			lastSpace = false
		}
	}
	return b.String()
}

func toLowerASCII(r rune) rune {
	if r >= 'A' && r <= 'Z' {
		return r + ('a' - 'A')
	}
	return r
}
