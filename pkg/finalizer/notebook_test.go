package finalizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionHashStableAcrossWhitespaceEdits(t *testing.T) {
	base := ExecutionHash([]string{"def f(x):\n", "    return x + 1\n"})

	variants := [][]string{
		{"def f(x):\n", "\treturn x + 1\n"},          // tabs for spaces
		{"def f(x):\n", "  return x + 1\n"},          // reindented
		{"def f(x):\n", "    return x + 1\n", "\n"},  // trailing newline
		{"def f(x):\n", "    return  x  +  1\n"},     // internal spacing
		{"def f(x):  \n", "    return x + 1\n"},      // trailing spaces
	}
	for _, v := range variants {
		assert.Equal(t, base, ExecutionHash(v))
	}

	assert.NotEqual(t, base, ExecutionHash([]string{"def f(x):\n", "    return x + 2\n"}))
	assert.NotEqual(t, base, ExecutionHash([]string{"def g(x):\n", "    return x + 1\n"}))
}

func TestCellAtRange(t *testing.T) {
	doc := &Document{Cells: []Cell{{CellType: "code"}, {CellType: "markdown"}}}

	cell, err := doc.CellAt(1)
	require.NoError(t, err)
	assert.Equal(t, "markdown", cell.CellType)

	_, err = doc.CellAt(2)
	assert.Error(t, err)
	_, err = doc.CellAt(-1)
	assert.Error(t, err)
}

func TestEnsureCellIDsMigratesLegacyNotebooks(t *testing.T) {
	doc := &Document{
		Cells:         []Cell{{CellType: "code"}, {CellType: "code", ID: "keep-me"}},
		NBFormat:      4,
		NBFormatMinor: 2,
	}

	require.True(t, EnsureCellIDs(doc))
	assert.NotEmpty(t, doc.Cells[0].ID)
	assert.Equal(t, "keep-me", doc.Cells[1].ID)
	assert.Equal(t, 4, doc.NBFormat)
	assert.Equal(t, 5, doc.NBFormatMinor)

	// idempotent once every cell carries an id.
	assert.False(t, EnsureCellIDs(doc))
}

func TestCompressTracebackElidesLibraryFrames(t *testing.T) {
	tb := []string{
		"Traceback (most recent call last)",
		`  File "cell.py", line 3, in <module>`,
		`  File "/usr/lib/python3.11/site-packages/pandas/core/frame.py", line 100, in apply`,
		`  File "/usr/lib/python3.11/site-packages/pandas/core/apply.py", line 200, in run`,
		`  File "cell.py", line 1, in f`,
		"ValueError: boom",
	}
	out := compressTraceback(tb)

	assert.Len(t, out, 5)
	assert.Contains(t, out[2], "2 library frame(s) elided")
	assert.Equal(t, "ValueError: boom", out[len(out)-1])
}

func TestTableToMarkdownConvertsSmallTables(t *testing.T) {
	html := `<table><tr><th>a</th><th>b</th></tr><tr><td>1</td><td>2</td></tr></table>`
	md, ok := tableToMarkdown(html)
	require.True(t, ok)
	assert.Contains(t, md, "| a | b |")
	assert.Contains(t, md, "| 1 | 2 |")

	_, ok = tableToMarkdown("<p>not a table</p>")
	assert.False(t, ok)
}
