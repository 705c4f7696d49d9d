package iomux

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrphanBufferFlushesInArrivalOrder(t *testing.T) {
	b := NewOrphanBuffer(100)
	for i := 0; i < 10; i++ {
		b.Add("parent-1", streamMsg("parent-1", fmt.Sprintf("line %d\n", i)))
	}
	b.Add("parent-2", streamMsg("parent-2", "other\n"))

	flushed := b.Flush("parent-1")
	require.Len(t, flushed, 10)
	for i, msg := range flushed {
		assert.Equal(t, fmt.Sprintf("line %d\n", i), msg.Content["text"])
	}

	// parent-2's message survives the flush untouched.
	assert.Equal(t, 1, b.Len())
	assert.Empty(t, b.Flush("parent-1"))
}

func TestOrphanBufferDropsOldestOnOverflow(t *testing.T) {
	const capacity = 5
	b := NewOrphanBuffer(capacity)
	for i := 0; i < capacity+3; i++ {
		b.Add("parent-1", streamMsg("parent-1", fmt.Sprintf("line %d\n", i)))
	}

	assert.Equal(t, 3, b.Dropped())
	flushed := b.Flush("parent-1")
	require.Len(t, flushed, capacity)
	// the oldest three were evicted; delivery starts at line 3.
	for i, msg := range flushed {
		assert.Equal(t, fmt.Sprintf("line %d\n", i+3), msg.Content["text"])
	}
}

func TestOrphanBufferParentIDsAreDistinct(t *testing.T) {
	b := NewOrphanBuffer(10)
	b.Add("a", streamMsg("a", "1"))
	b.Add("b", streamMsg("b", "2"))
	b.Add("a", streamMsg("a", "3"))

	ids := b.ParentIDs()
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}
