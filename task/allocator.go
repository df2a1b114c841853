package task

import (
	"sync"

	"github.com/watertoon/awn/container"
	awnsync "github.com/watertoon/awn/sync"
)

// allocNode links a pooled task into one of the allocator's two
// intrusive lists.
type allocNode struct {
	container.ListNode
	task *Task
	free bool
}

// Allocator is a fixed-pool task allocator built from two intrusive lists
// at indices {0,1}. AcquireTask claims a free node from the current list;
// FreeTask always pushes onto the *other* list. This two-list design
// guarantees acquire iteration never races with concurrent frees on the
// same list, without per-node atomics.
type Allocator struct {
	lists     [2]*container.List
	acquireMu sync.Mutex
	freeMu    sync.Mutex
	current   int32 // 0 or 1, index of the list AcquireTask reads from

	available *awnsync.Event
}

// NewAllocator creates an allocator pre-populated with count tasks, all
// initially free and sitting on list 0.
func NewAllocator(count int, infoTemplate func() Info) *Allocator {
	a := &Allocator{
		lists:     [2]*container.List{container.NewList(), container.NewList()},
		available: awnsync.NewEvent(true, count > 0),
	}
	for i := 0; i < count; i++ {
		n := &allocNode{task: NewTask(infoTemplate()), free: true}
		n.Init(n)
		a.lists[0].PushBack(&n.ListNode)
	}
	return a
}

// AcquireTask claims a free task from the current list. If the current
// list has nothing free, it waits on the available event, then swaps
// which list is "current" (toggling the index under the free critical
// section) and retries.
func (a *Allocator) AcquireTask() *Task {
	a.acquireMu.Lock()
	defer a.acquireMu.Unlock()

	for {
		cur := a.lists[a.current]
		var found *allocNode
		cur.Each(func(owner interface{}) {
			if found != nil {
				return
			}
			n := owner.(*allocNode)
			if n.free {
				found = n
			}
		})

		if found != nil {
			found.free = false
			cur.Remove(&found.ListNode)
			return found.task
		}

		a.available.Wait()

		a.freeMu.Lock()
		a.current ^= 1
		a.available.Clear()
		a.freeMu.Unlock()
	}
}

// FreeTask returns t to the pool by pushing its node onto whichever list
// is not currently being acquired from, then signals the available event.
func (a *Allocator) FreeTask(t *Task) {
	a.freeMu.Lock()
	other := a.current ^ 1
	n := &allocNode{task: t, free: true}
	n.Init(n)
	a.lists[other].PushBack(&n.ListNode)
	a.freeMu.Unlock()

	a.available.Signal()
}

// Outstanding returns the number of tasks sitting in either list (free or
// pending-claim), used by tests asserting the allocator hand-off
// invariant: held tasks plus list tasks equals the initialized pool size.
func (a *Allocator) Outstanding() int {
	return a.lists[0].Len() + a.lists[1].Len()
}
