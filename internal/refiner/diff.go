package refiner

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/edisonhq/edison/internal/fault"
)

// Hunk is one @@ block of a unified diff.
type Hunk struct {
	OldStart int
	OldCount int
	NewStart int
	NewCount int
	Lines    []DiffLine
}

// DiffLine is one body line of a hunk.
type DiffLine struct {
	Op   byte // ' ', '-', or '+'
	Text string
}

var hunkHeaderPattern = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// ParseDiff parses a unified diff body. File headers (---/+++) are optional,
// but when present they must address prompt.txt; anything else before the
// first hunk header is ignored. A diff with no hunks is invalid.
func ParseDiff(diff string) ([]Hunk, error) {
	var hunks []Hunk
	var cur *Hunk

	for _, line := range strings.Split(diff, "\n") {
		if cur == nil && (strings.HasPrefix(line, "--- ") || strings.HasPrefix(line, "+++ ")) {
			name := strings.TrimSpace(line[4:])
			if name != "/dev/null" && !strings.HasSuffix(name, "prompt.txt") {
				return nil, fault.New(fault.DiffInvalid, "diff addresses %q, not prompt.txt", name)
			}
			continue
		}
		if m := hunkHeaderPattern.FindStringSubmatch(line); m != nil {
			if cur != nil {
				if err := checkHunkCounts(*cur); err != nil {
					return nil, err
				}
				hunks = append(hunks, *cur)
			}
			h := Hunk{
				OldStart: atoiDefault(m[1], 0),
				OldCount: atoiDefault(m[2], 1),
				NewStart: atoiDefault(m[3], 0),
				NewCount: atoiDefault(m[4], 1),
			}
			cur = &h
			continue
		}
		if cur == nil {
			continue // preamble or file header
		}
		if line == "" && hunkComplete(cur) {
			continue // trailing blank from the final newline
		}
		switch {
		case strings.HasPrefix(line, " "):
			cur.Lines = append(cur.Lines, DiffLine{Op: ' ', Text: line[1:]})
		case strings.HasPrefix(line, "-"):
			cur.Lines = append(cur.Lines, DiffLine{Op: '-', Text: line[1:]})
		case strings.HasPrefix(line, "+"):
			cur.Lines = append(cur.Lines, DiffLine{Op: '+', Text: line[1:]})
		case line == "":
			cur.Lines = append(cur.Lines, DiffLine{Op: ' ', Text: ""})
		case line == `\ No newline at end of file`:
			// ignore
		default:
			return nil, fault.New(fault.DiffInvalid, "unexpected diff line %q", line)
		}
	}
	if cur != nil {
		if err := checkHunkCounts(*cur); err != nil {
			return nil, err
		}
		hunks = append(hunks, *cur)
	}
	if len(hunks) == 0 {
		return nil, fault.New(fault.DiffInvalid, "diff contains no hunks")
	}
	return hunks, nil
}

func hunkComplete(h *Hunk) bool {
	oldN, newN := 0, 0
	for _, l := range h.Lines {
		switch l.Op {
		case ' ':
			oldN++
			newN++
		case '-':
			oldN++
		case '+':
			newN++
		}
	}
	return oldN >= h.OldCount && newN >= h.NewCount
}

func checkHunkCounts(h Hunk) error {
	oldN, newN := 0, 0
	for _, l := range h.Lines {
		switch l.Op {
		case ' ':
			oldN++
			newN++
		case '-':
			oldN++
		case '+':
			newN++
		}
	}
	if oldN != h.OldCount || newN != h.NewCount {
		return fault.New(fault.DiffInvalid,
			"hunk @@ -%d,%d +%d,%d @@ body has %d/%d lines",
			h.OldStart, h.OldCount, h.NewStart, h.NewCount, oldN, newN)
	}
	return nil
}

// ApplyDiff applies hunks to text. Context and deletion lines must match the
// original exactly; any mismatch is a DiffInvalid error, never a fuzzy
// apply.
func ApplyDiff(text string, hunks []Hunk) (string, error) {
	src := strings.Split(text, "\n")
	var out []string
	pos := 0 // next unconsumed source index, 0-based

	for _, h := range hunks {
		start := h.OldStart - 1
		if h.OldCount == 0 {
			// Pure insertion: OldStart is the line after which to insert.
			start = h.OldStart
		}
		if start < pos || start > len(src) {
			return "", fault.New(fault.DiffInvalid, "hunk at line %d out of order or range", h.OldStart)
		}
		out = append(out, src[pos:start]...)
		pos = start

		for _, l := range h.Lines {
			switch l.Op {
			case ' ', '-':
				if pos >= len(src) || src[pos] != l.Text {
					got := "<eof>"
					if pos < len(src) {
						got = src[pos]
					}
					return "", fault.New(fault.DiffInvalid,
						"hunk mismatch at line %d: expected %q, found %q", pos+1, l.Text, got)
				}
				if l.Op == ' ' {
					out = append(out, l.Text)
				}
				pos++
			case '+':
				out = append(out, l.Text)
			}
		}
	}
	out = append(out, src[pos:]...)
	return strings.Join(out, "\n"), nil
}

// FormatDiff renders hunks back to unified diff text with prompt file
// headers, used when a reviewer's edited diff is normalized for storage.
func FormatDiff(hunks []Hunk) string {
	var sb strings.Builder
	sb.WriteString("--- a/prompt.txt\n+++ b/prompt.txt\n")
	for _, h := range hunks {
		fmt.Fprintf(&sb, "@@ -%d,%d +%d,%d @@\n", h.OldStart, h.OldCount, h.NewStart, h.NewCount)
		for _, l := range h.Lines {
			sb.WriteByte(l.Op)
			sb.WriteString(l.Text)
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
