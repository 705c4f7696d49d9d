package finalizer

import (
	"fmt"
	"regexp"
	"strings"
)

// libraryFrameMarkers identify traceback frames originating inside
// installed libraries rather than user code. Runs of such frames are
// collapsed to a single elision marker so a deep framework stack does not
// drown the lines that actually matter.
var libraryFrameMarkers = []string{
	"site-packages/",
	"dist-packages/",
	"lib/python",
	"importlib/_bootstrap",
}

func isLibraryFrame(line string) bool {
	for _, marker := range libraryFrameMarkers {
		if strings.Contains(line, marker) {
			return true
		}
	}
	return false
}

// compressTraceback elides runs of library-internal frames, keeping the
// first and last line of the traceback (the error header and the final
// exception line) untouched.
func compressTraceback(tb []string) []string {
	if len(tb) <= 3 {
		return tb
	}

	out := make([]string, 0, len(tb))
	elided := 0
	flush := func() {
		if elided > 0 {
			out = append(out, fmt.Sprintf("  ... %d library frame(s) elided ...", elided))
			elided = 0
		}
	}
	for i, line := range tb {
		if i > 0 && i < len(tb)-1 && isLibraryFrame(line) {
			elided++
			continue
		}
		flush()
		out = append(out, line)
	}
	flush()
	return out
}

// maxMarkdownTableCells bounds how large an HTML table is still worth
// converting inline; anything bigger is flagged instead.
const maxMarkdownTableCells = 200

var (
	tableRe = regexp.MustCompile(`(?is)<table[^>]*>(.*?)</table>`)
	rowRe   = regexp.MustCompile(`(?is)<tr[^>]*>(.*?)</tr>`)
	cellRe  = regexp.MustCompile(`(?is)<t[hd][^>]*>(.*?)</t[hd]>`)
	tagRe   = regexp.MustCompile(`(?s)<[^>]*>`)
)

// tableToMarkdown converts a small tabular HTML payload (the shape pandas
// emits for DataFrames) into a Markdown table. Returns ok=false when the
// payload is not a table or is too large to convert inline.
func tableToMarkdown(html string) (string, bool) {
	m := tableRe.FindStringSubmatch(html)
	if m == nil {
		return "", false
	}

	rows := rowRe.FindAllStringSubmatch(m[1], -1)
	if len(rows) == 0 {
		return "", false
	}

	var table [][]string
	cells := 0
	for _, row := range rows {
		var cols []string
		for _, cell := range cellRe.FindAllStringSubmatch(row[1], -1) {
			text := strings.TrimSpace(tagRe.ReplaceAllString(cell[1], ""))
			cols = append(cols, strings.ReplaceAll(text, "|", `\|`))
		}
		if len(cols) == 0 {
			continue
		}
		cells += len(cols)
		if cells > maxMarkdownTableCells {
			return "", false
		}
		table = append(table, cols)
	}
	if len(table) < 2 {
		return "", false
	}

	var b strings.Builder
	b.WriteString("| " + strings.Join(table[0], " | ") + " |\n")
	b.WriteString("|" + strings.Repeat(" --- |", len(table[0])) + "\n")
	for _, row := range table[1:] {
		b.WriteString("| " + strings.Join(row, " | ") + " |\n")
	}
	return b.String(), true
}
