// Package markdown repairs common formatting defects in incrementally
// streamed agent output so the rendering layer can parse it: compact
// numbered headings get their spaces back, and tables missing the
// separator row get one synthesized from the header.
package markdown

import (
	"strings"

	"github.com/dlclark/regexp2"
)

var (
	// A run of #'s glued to a digits-and-dot token with no space after,
	// e.g. "####3.Title". Needs lookahead, hence regexp2.
	headingRe = regexp2.MustCompile(`^(#{1,6})(\d*\.)(?!\s)`, regexp2.Multiline)

	// A pipe-delimited run sandwiched between non-newline characters.
	inlinePipeRe = regexp2.MustCompile(`([^\n])(\|.*\|)([^\n])`, regexp2.None)

	// A contiguous run of pipe-delimited lines (a table candidate).
	tableRunRe = regexp2.MustCompile(`(\|.*\|[\r\n]+)+`, regexp2.None)

	// A valid table separator row: cells of dashes, optional colons.
	separatorRe = regexp2.MustCompile(`^(\|\s*:?-+:?\s*)+\|$`, regexp2.None)
)

// Repair normalizes heading spacing and fixes malformed tables. It is a
// pure transform over the whole text and leaves well-formed input
// unchanged, so it can be re-applied on every streaming update.
func Repair(content string) string {
	processed := content
	if fixed, err := headingRe.Replace(processed, "$1 $2 ", -1, -1); err == nil {
		processed = fixed
	}

	// Table repair only engages when a pipe is present at all.
	if !strings.Contains(processed, "|") {
		return processed
	}

	// Put pipe-delimited runs on their own lines so the table regex can
	// see them.
	if fixed, err := inlinePipeRe.Replace(processed, "$1\n$2\n$3", -1, -1); err == nil {
		processed = fixed
	}

	for _, table := range findTableRuns(processed) {
		fixed := ensureSeparatorRow(table)
		if fixed != table {
			processed = strings.Replace(processed, table, fixed, 1)
		}
	}
	return processed
}

func findTableRuns(text string) []string {
	var runs []string
	m, err := tableRunRe.FindStringMatch(text)
	for err == nil && m != nil {
		runs = append(runs, m.String())
		m, err = tableRunRe.FindNextMatch(m)
	}
	return runs
}

// ensureSeparatorRow inserts a left-aligned separator row after the
// header line when the second line of a table run is not already one.
func ensureSeparatorRow(table string) string {
	// Preserve the run's trailing line breaks across the rebuild.
	body := strings.TrimRight(table, "\r\n")
	tail := table[len(body):]

	var lines []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) < 2 {
		return table
	}

	if isSeparatorRow(lines[1]) {
		return table
	}

	headerCells := len(strings.Split(lines[0], "|")) - 2
	if headerCells < 0 {
		headerCells = 0
	}
	separator := "|" + strings.Repeat(":---|", headerCells)

	fixed := make([]string, 0, len(lines)+1)
	fixed = append(fixed, lines[0], separator)
	fixed = append(fixed, lines[1:]...)
	return strings.Join(fixed, "\n") + tail
}

func isSeparatorRow(line string) bool {
	if strings.Contains(line, "|:-") {
		return true
	}
	ok, err := separatorRe.MatchString(line)
	return err == nil && ok
}
