package container

// PQItem is the contract a fixed priority queue element must satisfy: a
// total order via Less, and a slot to cache its current array index so
// Remove can locate it in O(log n) instead of a linear scan.
type PQItem interface {
	Less(other PQItem) bool
	SetIndex(i int)
	Index() int
}

// FixedPriorityQueue is a binary heap over a fixed-capacity backing array
// of pointers. Insert is push-to-tail-then-sift-up; RemoveFront is
// swap-tail-to-root-then-sift-down; Remove(item) combines both passes so a
// node can be pulled out of any position in the heap — used when the
// scheduler removes a node once its last run has been scheduled.
type FixedPriorityQueue struct {
	slots []PQItem
	cap   int
}

// NewFixedPriorityQueue creates a queue that will never grow past
// capacity. Exceeding it is a caller bug, and panics rather than silently
// reallocating.
func NewFixedPriorityQueue(capacity int) *FixedPriorityQueue {
	return &FixedPriorityQueue{
		slots: make([]PQItem, 0, capacity),
		cap:   capacity,
	}
}

// Len returns the number of queued items.
func (q *FixedPriorityQueue) Len() int { return len(q.slots) }

// Insert pushes item at the tail and sifts it up into place.
func (q *FixedPriorityQueue) Insert(item PQItem) {
	if len(q.slots) >= q.cap {
		panic("container: FixedPriorityQueue capacity exceeded")
	}
	item.SetIndex(len(q.slots))
	q.slots = append(q.slots, item)
	q.siftUp(item.Index())
}

// Peek returns the highest-priority item without removing it, or nil if
// empty.
func (q *FixedPriorityQueue) Peek() PQItem {
	if len(q.slots) == 0 {
		return nil
	}
	return q.slots[0]
}

// RemoveFront pops and returns the highest-priority item, or nil if empty.
func (q *FixedPriorityQueue) RemoveFront() PQItem {
	if len(q.slots) == 0 {
		return nil
	}
	return q.Remove(q.slots[0])
}

// Remove extracts an arbitrary item from the heap, re-heapifying around
// the hole it leaves. item must currently be a member of this queue.
func (q *FixedPriorityQueue) Remove(item PQItem) PQItem {
	i := item.Index()
	n := len(q.slots) - 1
	if i != n {
		q.swap(i, n)
		q.slots = q.slots[:n]
		// The item that moved into i could need to go either direction.
		q.siftDown(i)
		q.siftUp(i)
	} else {
		q.slots = q.slots[:n]
	}
	item.SetIndex(-1)
	return item
}

func (q *FixedPriorityQueue) swap(i, j int) {
	q.slots[i], q.slots[j] = q.slots[j], q.slots[i]
	q.slots[i].SetIndex(i)
	q.slots[j].SetIndex(j)
}

func (q *FixedPriorityQueue) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !q.slots[i].Less(q.slots[parent]) {
			break
		}
		q.swap(i, parent)
		i = parent
	}
}

func (q *FixedPriorityQueue) siftDown(i int) {
	n := len(q.slots)
	for {
		left, right := 2*i+1, 2*i+2
		smallest := i
		if left < n && q.slots[left].Less(q.slots[smallest]) {
			smallest = left
		}
		if right < n && q.slots[right].Less(q.slots[smallest]) {
			smallest = right
		}
		if smallest == i {
			return
		}
		q.swap(i, smallest)
		i = smallest
	}
}
