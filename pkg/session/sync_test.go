package session

import (
	"testing"

	"github.com/cuemby/notebookd/pkg/finalizer"
	"github.com/stretchr/testify/assert"
)

// syncDoc builds a four-cell notebook: cell 0 executed and unchanged,
// cell 1 executed then edited, cell 2 never executed, cell 3 a markdown
// cell that no strategy may ever queue.
func syncDoc() *finalizer.Document {
	unchanged := []string{"x = 1\n"}
	edited := []string{"y = 2  # edited\n"}

	return &finalizer.Document{
		Cells: []finalizer.Cell{
			{
				CellType: "code",
				Source:   unchanged,
				Metadata: map[string]any{
					finalizer.ProvenanceKey: map[string]any{"ExecutionHash": finalizer.ExecutionHash(unchanged)},
				},
			},
			{
				CellType: "code",
				Source:   edited,
				Metadata: map[string]any{
					finalizer.ProvenanceKey: map[string]any{"ExecutionHash": finalizer.ExecutionHash([]string{"y = 2\n"})},
				},
			},
			{CellType: "code", Source: []string{"z = 3\n"}, Metadata: map[string]any{}},
			{CellType: "markdown", Source: []string{"# notes\n"}, Metadata: map[string]any{}},
		},
		NBFormat:      4,
		NBFormatMinor: 5,
	}
}

func TestCellsToResyncStrategies(t *testing.T) {
	doc := syncDoc()

	tests := []struct {
		strategy SyncStrategy
		want     []int
	}{
		{StrategyMinimalAppend, []int{2}},
		{StrategyIncremental, []int{1, 2}},
		{StrategySmart, []int{1, 2}},
		{StrategyFull, []int{0, 1, 2}},
		{StrategyForce, []int{0, 1, 2}},
		{SyncStrategy("bogus"), nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cellsToResync(doc, tt.strategy), "strategy %s", tt.strategy)
	}
}

func TestSmartResyncRequeuesEverythingAfterEarliestChange(t *testing.T) {
	unchanged := []string{"a = 1\n"}
	doc := &finalizer.Document{
		Cells: []finalizer.Cell{
			{
				CellType: "code",
				Source:   []string{"changed\n"},
				Metadata: map[string]any{
					finalizer.ProvenanceKey: map[string]any{"ExecutionHash": finalizer.ExecutionHash([]string{"original\n"})},
				},
			},
			{
				CellType: "code",
				Source:   unchanged,
				Metadata: map[string]any{
					finalizer.ProvenanceKey: map[string]any{"ExecutionHash": finalizer.ExecutionHash(unchanged)},
				},
			},
		},
	}
	// cell 1 is unchanged but sits after the earliest changed cell, so it
	// may depend on state cell 0 produces.
	assert.Equal(t, []int{0, 1}, cellsToResync(doc, StrategySmart))
}
