package dispatch

// compactAt is the consumed-prefix length after which the backing slice is
// shifted down.
const compactAt = 64

// Queue is a FIFO of pending items. It is not safe for concurrent use;
// the Scheduler guards it with its own mutex.
type Queue struct {
	items []Item
	head  int
}

func NewQueue() *Queue { return &Queue{} }

// Append adds items to the tail, preserving their order.
func (q *Queue) Append(items ...Item) {
	q.items = append(q.items, items...)
}

// Front returns the head item without removing it.
func (q *Queue) Front() (Item, bool) {
	if q.Len() == 0 {
		return Item{}, false
	}
	return q.items[q.head], true
}

// PopFront removes and returns the head item.
func (q *Queue) PopFront() (Item, bool) {
	if q.Len() == 0 {
		return Item{}, false
	}
	it := q.items[q.head]
	q.items[q.head] = Item{}
	q.head++

	switch {
	case q.head == len(q.items):
		q.items = q.items[:0]
		q.head = 0
	case q.head >= compactAt && q.head*2 >= len(q.items):
		n := copy(q.items, q.items[q.head:])
		for i := n; i < len(q.items); i++ {
			q.items[i] = Item{}
		}
		q.items = q.items[:n]
		q.head = 0
	}
	return it, true
}

func (q *Queue) Len() int { return len(q.items) - q.head }

// Clear drops every pending item and returns how many were dropped.
func (q *Queue) Clear() int {
	n := q.Len()
	q.items = nil
	q.head = 0
	return n
}
