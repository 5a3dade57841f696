// Package highlight marks search matches inside ANSI-styled terminal text.
//
// Glamour styles words individually, so a phrase in a rendered reply is often
// split by escape sequences. Matching runs over the visible graphemes only;
// each match is wrapped piecewise around any escapes inside it.
package highlight

import (
	"strings"

	"github.com/charmbracelet/x/ansi"
)

type Result struct {
	Text      string
	Count     int
	LineIndex []int
}

// Step moves through the matched lines of r. dir > 0 goes forward, otherwise
// backward, wrapping at either end. current < 0 starts from the first match.
func (r Result) Step(current, dir int) int {
	n := len(r.LineIndex)
	if n == 0 {
		return -1
	}
	if current < 0 || current >= n {
		return 0
	}
	if dir > 0 {
		return (current + 1) % n
	}
	return (current - 1 + n) % n
}

func ApplyANSI(input, query string, wrap func(string) string) Result {
	query = strings.TrimSpace(query)
	if query == "" {
		return Result{Text: input}
	}
	if wrap == nil {
		wrap = func(s string) string { return s }
	}
	needle := graphemes(query)

	lines := strings.SplitAfter(input, "\n")
	var out strings.Builder
	var lineMatches []int
	total := 0

	for lineNo, line := range lines {
		core := strings.TrimSuffix(line, "\n")

		rendered, count := applyToLine(core, needle, wrap)
		out.WriteString(rendered)
		if len(core) < len(line) {
			out.WriteByte('\n')
		}
		if count > 0 {
			lineMatches = append(lineMatches, lineNo)
			total += count
		}
	}

	return Result{
		Text:      out.String(),
		Count:     total,
		LineIndex: lineMatches,
	}
}

// cell is one visible grapheme and its byte span in the raw line.
type cell struct {
	folded     string
	start, end int
}

func scan(s string) []cell {
	var cells []cell
	var state byte
	pos := 0
	for pos < len(s) {
		seq, width, n, next := ansi.DecodeSequence(s[pos:], state, nil)
		state = next
		if n <= 0 {
			n = 1
		}
		if width > 0 || seq == "\t" {
			cells = append(cells, cell{folded: strings.ToLower(seq), start: pos, end: pos + n})
		}
		pos += n
	}
	return cells
}

func graphemes(s string) []string {
	cells := scan(s)
	out := make([]string, len(cells))
	for i, c := range cells {
		out[i] = c.folded
	}
	return out
}

func applyToLine(s string, needle []string, wrap func(string) string) (string, int) {
	if s == "" || len(needle) == 0 {
		return s, 0
	}
	cells := scan(s)

	var spans [][2]int // byte ranges to wrap, in order
	count := 0
	for i := 0; i+len(needle) <= len(cells); {
		if !matchAt(cells, i, needle) {
			i++
			continue
		}
		count++
		runStart := cells[i].start
		for k := i; k < i+len(needle); k++ {
			last := k == i+len(needle)-1
			if last || cells[k].end != cells[k+1].start {
				spans = append(spans, [2]int{runStart, cells[k].end})
				if !last {
					runStart = cells[k+1].start
				}
			}
		}
		i += len(needle)
	}
	if count == 0 {
		return s, 0
	}

	var out strings.Builder
	pos := 0
	for _, sp := range spans {
		out.WriteString(s[pos:sp[0]])
		out.WriteString(wrap(s[sp[0]:sp[1]]))
		pos = sp[1]
	}
	out.WriteString(s[pos:])
	return out.String(), count
}

func matchAt(cells []cell, i int, needle []string) bool {
	for k, g := range needle {
		if cells[i+k].folded != g {
			return false
		}
	}
	return true
}
