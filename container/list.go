// Package container holds the non-owning intrusive containers and fixed
// collections that the scheduler and resource pipeline thread their nodes
// through: an intrusive doubly-linked list, a fixed binary priority queue,
// an atomic ring buffer, a red-black tree, and an open-addressed hash map.
// None of them own the memory of the elements they link — callers embed a
// Node (or similar) in their own struct.
package container

// ListNode is embedded in any struct that participates in an intrusive
// list. A zero-valued ListNode has nil links: Init must be called before
// the node is pushed onto a List or queried with IsLinked.
type ListNode struct {
	prev, next *ListNode
	owner      interface{}
}

// Init self-links the node, marking it unlinked.
func (n *ListNode) Init(owner interface{}) {
	n.prev = n
	n.next = n
	n.owner = owner
}

// IsLinked reports whether the node currently belongs to a list.
func (n *ListNode) IsLinked() bool {
	return n.next != n
}

// Unlink removes the node from whatever list holds it and resets it to the
// unlinked state. It is a no-op if the node is already unlinked.
func (n *ListNode) Unlink() {
	if !n.IsLinked() {
		return
	}
	n.prev.next = n.next
	n.next.prev = n.prev
	n.prev = n
	n.next = n
}

// Owner returns the value the node was initialized with.
func (n *ListNode) Owner() interface{} { return n.owner }

// List is an intrusive doubly-linked list with a sentinel head node. It
// does not allocate for pushes/pops; it only threads pointers between
// caller-owned ListNodes.
type List struct {
	sentinel ListNode
	count    int
}

// NewList creates an empty intrusive list.
func NewList() *List {
	l := &List{}
	l.sentinel.prev = &l.sentinel
	l.sentinel.next = &l.sentinel
	return l
}

// Len returns the number of linked nodes.
func (l *List) Len() int { return l.count }

// PushBack links n at the tail of the list.
func (l *List) PushBack(n *ListNode) {
	n.Unlink()
	last := l.sentinel.prev
	last.next = n
	n.prev = last
	n.next = &l.sentinel
	l.sentinel.prev = n
	l.count++
}

// PushFront links n at the head of the list.
func (l *List) PushFront(n *ListNode) {
	n.Unlink()
	first := l.sentinel.next
	n.prev = &l.sentinel
	n.next = first
	first.prev = n
	l.sentinel.next = n
	l.count++
}

// Remove unlinks n from this list. It assumes n is currently linked into
// this particular list.
func (l *List) Remove(n *ListNode) {
	if !n.IsLinked() {
		return
	}
	n.Unlink()
	l.count--
}

// Front returns the head node, or nil if the list is empty.
func (l *List) Front() *ListNode {
	if l.count == 0 {
		return nil
	}
	return l.sentinel.next
}

// PopFront unlinks and returns the head node's owner, or nil if empty.
func (l *List) PopFront() interface{} {
	front := l.Front()
	if front == nil {
		return nil
	}
	owner := front.Owner()
	l.Remove(front)
	return owner
}

// Each visits every linked node's owner in order, front to back. It is
// safe for fn to unlink the current node but not to unlink other nodes.
func (l *List) Each(fn func(owner interface{})) {
	for n := l.sentinel.next; n != &l.sentinel; {
		next := n.next
		fn(n.Owner())
		n = next
	}
}
