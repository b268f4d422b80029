package flow

import "errors"

// ErrTooLarge means a single line can never fit into the receive buffer.
var ErrTooLarge = errors.New("flow: line larger than receive buffer")

// DefaultBudget is the RX buffer size of stock GRBL builds.
const DefaultBudget = 128

// Budget is the controller receive-buffer capacity in bytes.
type Budget int

// Admit reports whether a line of size bytes may be sent now without
// exceeding the buffer, given what q still holds. A line that could never
// fit returns ErrTooLarge so the caller can reject it instead of waiting.
func (b Budget) Admit(q *PendingQueue, size int) (bool, error) {
	if size > int(b) {
		return false, ErrTooLarge
	}
	return q.Outstanding()+size <= int(b), nil
}

// Free is the number of bytes still available in the receive buffer.
func (b Budget) Free(q *PendingQueue) int {
	return int(b) - q.Outstanding()
}
