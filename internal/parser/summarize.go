package parser

import (
	"fmt"
	"strings"
)

// Summarize shortens output longer than maxLines by keeping the first and
// last halves around a marker that states how many lines were dropped.
func Summarize(raw string, maxLines int) string {
	if maxLines <= 0 {
		return raw
	}
	lines := strings.Split(raw, "\n")
	if len(lines) <= maxLines {
		return raw
	}
	head := maxLines / 2
	tail := maxLines - head
	omitted := len(lines) - head - tail

	out := make([]string, 0, maxLines+1)
	out = append(out, lines[:head]...)
	out = append(out, fmt.Sprintf("... [%d lines truncated] ...", omitted))
	out = append(out, lines[len(lines)-tail:]...)
	return strings.Join(out, "\n")
}
