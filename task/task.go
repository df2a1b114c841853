// Package task implements the async task queue and the fixed-pool task
// allocator that the resource pipeline and the dependency-job scheduler
// both run on top of: a multi-level, worker-affine priority queue built on
// this module's own container.FixedPriorityQueue instead of the standard
// library's container/heap, so arbitrary-position Remove is O(log n).
package task

import (
	"context"

	"github.com/watertoon/awn/container"
	awnsync "github.com/watertoon/awn/sync"
)

// Status is the task lifecycle state machine.
type Status int

const (
	StatusUninitialized Status = iota
	StatusQueued
	StatusAcquired
	StatusExecute
	StatusPostExecute
	StatusComplete
	StatusCancelled
	StatusRescheduled
)

// ResultRescheduled is the sentinel a task's result delegate returns to
// request another run without freeing the task, leaving it at StatusQueued.
var ResultRescheduled = &struct{ rescheduled bool }{rescheduled: true}

// Info describes a unit of work submitted to an AsyncQueue.
type Info struct {
	Priority   int
	IsSync     bool
	Execute    func(ctx context.Context) (interface{}, error)
	PostExec   func(ctx context.Context, result interface{}, err error)
	OnResult   func(ctx context.Context, result interface{}, err error) interface{}
	FreeExec   func()
}

// Task is one queued or executing unit of work. It implements
// container.PQItem so it can sit directly in a priority level's heap.
type Task struct {
	info Info

	status     Status
	index      int
	priority   int
	cancelling bool

	finish *awnsync.Event

	worker int
}

// NewTask creates a fresh, unqueued task from info.
func NewTask(info Info) *Task {
	return &Task{
		info:     info,
		status:   StatusUninitialized,
		index:    -1,
		priority: info.Priority,
		finish:   awnsync.NewEvent(true, false),
	}
}

func (t *Task) Less(other container.PQItem) bool {
	// Higher priority value == more urgent, so it sorts toward the front.
	return t.priority > other.(*Task).priority
}
func (t *Task) SetIndex(i int) { t.index = i }
func (t *Task) Index() int     { return t.index }

// Status returns the task's current lifecycle state.
func (t *Task) Status() Status { return t.status }

// WaitFinish blocks until the task reaches a terminal state (Complete or
// Cancelled).
func (t *Task) WaitFinish() { t.finish.Wait() }
