package iomux

import "github.com/cuemby/notebookd/pkg/wire"

// entry is one buffered iopub message awaiting an execution record that
// has not been registered yet.
type entry struct {
	parentID string
	msg      *wire.Message
}

// OrphanBuffer holds iopub messages that arrived before the scheduler
// registered the execution they belong to — a race inherent to dispatching
// Execute() and then registering the resulting message id, not an error
// condition. Bounded by count rather than time: a notebook with no client
// watching still must not grow memory without bound.
type OrphanBuffer struct {
	capacity int
	entries  []entry
	dropped  int
}

// NewOrphanBuffer creates a ring buffer holding up to capacity messages.
func NewOrphanBuffer(capacity int) *OrphanBuffer {
	return &OrphanBuffer{capacity: capacity}
}

// Add appends a message to the buffer, evicting the oldest entry once the
// buffer is at capacity.
func (b *OrphanBuffer) Add(parentID string, msg *wire.Message) {
	if len(b.entries) >= b.capacity {
		b.entries = b.entries[1:]
		b.dropped++
	}
	b.entries = append(b.entries, entry{parentID: parentID, msg: msg})
}

// Flush removes and returns every buffered message for parentID, in
// arrival order.
func (b *OrphanBuffer) Flush(parentID string) []*wire.Message {
	if len(b.entries) == 0 {
		return nil
	}
	var matched []*wire.Message
	remaining := b.entries[:0]
	for _, e := range b.entries {
		if e.parentID == parentID {
			matched = append(matched, e.msg)
		} else {
			remaining = append(remaining, e)
		}
	}
	b.entries = remaining
	return matched
}

// ParentIDs returns the distinct parent ids currently buffered, used to
// opportunistically flush against executions registered since the last
// message.
func (b *OrphanBuffer) ParentIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, e := range b.entries {
		if !seen[e.parentID] {
			seen[e.parentID] = true
			ids = append(ids, e.parentID)
		}
	}
	return ids
}

// Len returns the number of currently buffered messages.
func (b *OrphanBuffer) Len() int { return len(b.entries) }

// Dropped returns the cumulative count of messages evicted due to overflow.
func (b *OrphanBuffer) Dropped() int { return b.dropped }
