// internal/diff/diff.go
package diff

import (
	"bytes"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// Line represents a single line in a diff with its type and content
type Line struct {
	Type    LineType
	Content string
	OldNum  int
	NewNum  int
}

// LineType indicates whether a line was added, removed, or is context
type LineType int

const (
	Context LineType = iota
	Addition
	Deletion
)

// Result contains the hunks of a diff between two file versions.
type Result struct {
	Hunks []Hunk
	Stats struct {
		Additions int
		Deletions int
	}

	old, new []string
	context  int
}

// Hunk is a run of changes with surrounding context. Starts are 1-based.
type Hunk struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
	Lines    []Line
}

// Engine diffs file contents line by line.
type Engine struct {
	contextLines int
}

func NewEngine(contextLines int) *Engine {
	if contextLines < 0 {
		contextLines = 0
	}
	return &Engine{contextLines: contextLines}
}

// IsBinary reports whether data looks like binary content: a NUL byte
// near the start.
func IsBinary(data []byte) bool {
	const sniff = 8000
	if len(data) > sniff {
		data = data[:sniff]
	}
	return bytes.IndexByte(data, 0) >= 0
}

// splitLines keeps the line terminators; a missing final newline is
// supplied.
func splitLines(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	lines := strings.SplitAfter(string(data), "\n")
	if last := len(lines) - 1; lines[last] == "" {
		lines = lines[:last]
	} else {
		lines[last] += "\n"
	}
	return lines
}

// Diff compares two versions of a file.
func (e *Engine) Diff(oldContent, newContent []byte) *Result {
	r := &Result{
		old:     splitLines(oldContent),
		new:     splitLines(newContent),
		context: e.contextLines,
	}
	if bytes.Equal(oldContent, newContent) {
		return r
	}

	matcher := difflib.NewMatcher(r.old, r.new)
	for _, group := range matcher.GetGroupedOpCodes(e.contextLines) {
		first, last := group[0], group[len(group)-1]
		hunk := Hunk{
			OldStart: first.I1 + 1,
			OldLines: last.I2 - first.I1,
			NewStart: first.J1 + 1,
			NewLines: last.J2 - first.J1,
		}
		for _, op := range group {
			switch op.Tag {
			case 'e':
				for i := op.I1; i < op.I2; i++ {
					hunk.Lines = append(hunk.Lines, Line{
						Type:    Context,
						Content: trimEOL(r.old[i]),
						OldNum:  i + 1,
						NewNum:  op.J1 + (i - op.I1) + 1,
					})
				}
				continue
			case 'r', 'd':
				for i := op.I1; i < op.I2; i++ {
					hunk.Lines = append(hunk.Lines, Line{Type: Deletion, Content: trimEOL(r.old[i]), OldNum: i + 1})
					r.Stats.Deletions++
				}
			}
			if op.Tag == 'r' || op.Tag == 'i' {
				for j := op.J1; j < op.J2; j++ {
					hunk.Lines = append(hunk.Lines, Line{Type: Addition, Content: trimEOL(r.new[j]), NewNum: j + 1})
					r.Stats.Additions++
				}
			}
		}
		r.Hunks = append(r.Hunks, hunk)
	}
	return r
}

func trimEOL(s string) string {
	return strings.TrimSuffix(s, "\n")
}

// Empty reports whether the versions compared equal.
func (r *Result) Empty() bool {
	return len(r.Hunks) == 0
}

// Format renders the diff in unified format with the given file labels.
func (r *Result) Format(oldLabel, newLabel string) (string, error) {
	if r.Empty() {
		return "", nil
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        r.old,
		B:        r.new,
		FromFile: oldLabel,
		ToFile:   newLabel,
		Context:  r.context,
	})
}
