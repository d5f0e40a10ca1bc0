package manager

import "github.com/inercia/verso/internal/engine"

// queuedItem is user input accepted while a turn was in flight. The
// placeholder message is already in the transcript; ownership of the
// item moves to the send path when drained.
type queuedItem struct {
	placeholderID string
	text          string
	attachments   []engine.Attachment
}

// messageQueue is the foreground session's FIFO of pending sends. It is
// owned by the manager's run loop and needs no locking.
type messageQueue struct {
	items []queuedItem
}

// enqueue appends an item to the tail.
func (q *messageQueue) enqueue(it queuedItem) {
	q.items = append(q.items, it)
}

// pop removes and returns the oldest item.
func (q *messageQueue) pop() (queuedItem, bool) {
	if len(q.items) == 0 {
		return queuedItem{}, false
	}
	it := q.items[0]
	q.items = q.items[1:]
	return it, true
}

// clear empties the queue and returns the placeholder ids of the
// dropped items so the caller can remove them from the transcript.
func (q *messageQueue) clear() []string {
	if len(q.items) == 0 {
		return nil
	}
	ids := make([]string, len(q.items))
	for i, it := range q.items {
		ids[i] = it.placeholderID
	}
	q.items = nil
	return ids
}

// size reports how many items are waiting.
func (q *messageQueue) size() int {
	return len(q.items)
}
