// Package flow implements the character-counting flow control used to stream
// lines into a controller's fixed-size receive buffer.
package flow

import "errors"

// ErrEmpty is returned by Pop when nothing is outstanding.
var ErrEmpty = errors.New("flow: pending queue empty")

// Entry is one transmitted, not yet acknowledged line.
type Entry struct {
	Size int
	Text string
}

// PendingQueue tracks lines sent but not yet acknowledged. Sizes and texts
// are kept as two parallel slices of equal length; entries leave strictly
// from the front, one per acknowledgement.
type PendingQueue struct {
	sizes []int
	texts []string
	total int
}

// Push records a line that has just been handed to the transport.
func (q *PendingQueue) Push(size int, text string) {
	q.sizes = append(q.sizes, size)
	q.texts = append(q.texts, text)
	q.total += size
}

// Pop resolves the oldest outstanding line.
func (q *PendingQueue) Pop() (Entry, error) {
	if len(q.sizes) == 0 {
		return Entry{}, ErrEmpty
	}
	e := Entry{Size: q.sizes[0], Text: q.texts[0]}
	q.sizes = q.sizes[1:]
	q.texts = q.texts[1:]
	q.total -= e.Size
	return e, nil
}

// Len is the number of outstanding lines.
func (q *PendingQueue) Len() int { return len(q.sizes) }

// Outstanding is the number of bytes the controller still holds for us.
func (q *PendingQueue) Outstanding() int { return q.total }

// Clear forgets every outstanding line (used after a controller reset).
func (q *PendingQueue) Clear() {
	q.sizes = nil
	q.texts = nil
	q.total = 0
}

// Symmetric reports whether the parallel slices have equal length.
func (q *PendingQueue) Symmetric() bool { return len(q.sizes) == len(q.texts) }

// Entries returns a copy of the outstanding lines, oldest first.
func (q *PendingQueue) Entries() []Entry {
	out := make([]Entry, len(q.sizes))
	for i := range q.sizes {
		out[i] = Entry{Size: q.sizes[i], Text: q.texts[i]}
	}
	return out
}
