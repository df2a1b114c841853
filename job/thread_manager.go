package job

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/watertoon/awn/container"
	awnsync "github.com/watertoon/awn/sync"
)

// ScheduleResult is the outcome of one ScheduleNextJob attempt.
type ScheduleResult int

const (
	ScheduleRun ScheduleResult = iota
	ScheduleContinue
	ScheduleRequiresWait
)

// blockedSentinel is a unique, never-dereferenced pointer value used to
// mark a worker's next_job slot as "parked and waiting for a hand-off",
// distinguishing it from both "empty" (nil) and "holds a job".
var blockedSentinel = &QueueNode{GraphNode: &GraphNode{RegisterId: terminatorRegisterId - 1}}

// ThreadControl is one worker's scheduling state: its reserved next_job
// slot (CAS-pinned by other workers trying to hand it direct work), a
// small local ring other workers spill into when the direct pin loses the
// race, and the event it parks on when there is nothing to do.
type ThreadControl struct {
	id         int
	coreNumber int // the core this worker represents; AnyCore workers still have a concrete number here

	nextJob unsafe.Pointer // *QueueNode, or blockedSentinel, or nil

	localRingMu sync.Mutex
	localRing   *container.AtomicRing

	outOfJobs *awnsync.Event

	readyToExit int32
}

func newThreadControl(id, coreNumber int) *ThreadControl {
	return &ThreadControl{
		id:         id,
		coreNumber: coreNumber,
		localRing:  container.NewAtomicRing(64),
		outOfJobs:  awnsync.NewEvent(true, false),
	}
}

func (c *ThreadControl) loadNextJob() *QueueNode {
	return (*QueueNode)(atomic.LoadPointer(&c.nextJob))
}

func (c *ThreadControl) casNextJob(old, new *QueueNode) bool {
	return atomic.CompareAndSwapPointer(&c.nextJob, unsafe.Pointer(old), unsafe.Pointer(new))
}

// ThreadManager builds per-core ThreadControl objects for a Queue and
// drives SubmitGraph/FinishRun/Finalize, the same division the original
// awn::async::DependencyJobThreadManager splits dispatch (SubmitGraph),
// joining (FinishRun) and thread-array teardown (Finalize) into.
type ThreadManager struct {
	mu                     sync.Mutex
	workers                []*ThreadControl
	queue                  *Queue
	mainThreadParticipates bool
	mainCoreNumber         int

	finalizeMu sync.Mutex
}

// Initialize builds one ThreadControl per worker, skipping any worker
// whose core number collides with the main-thread core when main-thread
// participation is enabled.
func Initialize(workerCoreNumbers []int, mainThreadParticipates bool, mainCoreNumber int) *ThreadManager {
	tm := &ThreadManager{
		mainThreadParticipates: mainThreadParticipates,
		mainCoreNumber:         mainCoreNumber,
	}
	for i, core := range workerCoreNumbers {
		if mainThreadParticipates && core == mainCoreNumber {
			continue
		}
		tm.workers = append(tm.workers, newThreadControl(i, core))
	}
	return tm
}

// SubmitGraph builds the run-scoped Queue from g, calls SetupRun, resets
// every worker's control block and events, and returns the Queue so the
// caller can drive worker goroutines against it with Process.
func (tm *ThreadManager) SubmitGraph(g *Graph) *Queue {
	q := BuildJobGraph(g)
	q.SetupRun()

	tm.mu.Lock()
	tm.queue = q
	for _, w := range tm.workers {
		atomic.StorePointer(&w.nextJob, nil)
		w.outOfJobs.Clear()
		atomic.StoreInt32(&w.readyToExit, 0)
	}
	tm.mu.Unlock()

	return q
}

// ScheduleNextJob picks the next runnable node for worker w: first its own
// pinned next_job slot, then the head of the global priority queue. Picking
// from the global queue advances multiRunState, decrementing
// remaining-runs-to-schedule and incrementing active-unfinalized-run-refs,
// removing the node from the queue once every run has been scheduled.
func (tm *ThreadManager) ScheduleNextJob(w *ThreadControl) (*QueueNode, ScheduleResult) {
	if reserved := w.loadNextJob(); reserved != nil && reserved != blockedSentinel {
		if w.casNextJob(reserved, nil) {
			if v, ok := w.localRing.Pop(); ok {
				w.casNextJob(nil, v.(*QueueNode))
			}
			return reserved, ScheduleRun
		}
	}

	tm.mu.Lock()
	if tm.queue.pq.Len() == 0 {
		tm.mu.Unlock()
		return nil, ScheduleRequiresWait
	}

	n := tm.queue.pq.Peek().(*QueueNode)
	for {
		old := atomic.LoadUint32(&n.multiRunState)
		activeRefs, remaining := unpackMultiRunState(old)
		if remaining == 0 {
			break
		}
		remaining--
		activeRefs++
		newState := packMultiRunState(activeRefs, remaining)
		if atomic.CompareAndSwapUint32(&n.multiRunState, old, newState) {
			if remaining == 0 {
				tm.queue.pq.Remove(n)
			}
			break
		}
	}
	tm.mu.Unlock()

	if n.CoreNumber == AnyCore || n.CoreNumber == w.coreNumber {
		return n, ScheduleRun
	}

	for _, other := range tm.workers {
		if other.coreNumber != n.CoreNumber {
			continue
		}
		if other.casNextJob(nil, n) {
			other.outOfJobs.Signal()
			return nil, ScheduleContinue
		}
	}
	// No eligible worker's slot was free; spill into the first eligible
	// worker's local ring under its ring mutex.
	for _, other := range tm.workers {
		if other.coreNumber != n.CoreNumber {
			continue
		}
		other.localRingMu.Lock()
		other.localRing.Push(n)
		other.localRingMu.Unlock()
		other.outOfJobs.Signal()
		break
	}
	return nil, ScheduleContinue
}

// WaitForJob parks w when it has no work: CAS the slot from nil to
// blockedSentinel, consuming any job that raced in first; drain the local
// ring into next_job; recheck the global queue and un-park if it is
// non-empty; otherwise block on the out-of-jobs event, and un-park once it
// fires so a job spilled into the local ring meanwhile is drained on the
// next call.
func (w *ThreadControl) WaitForJob(tm *ThreadManager) {
	if !w.casNextJob(nil, blockedSentinel) {
		return // a job was already pinned between the failed pop and here
	}

	if v, ok := w.localRing.Pop(); ok {
		w.casNextJob(blockedSentinel, v.(*QueueNode))
		return
	}

	tm.mu.Lock()
	nonEmpty := tm.queue.pq.Len() > 0
	tm.mu.Unlock()
	if nonEmpty {
		w.casNextJob(blockedSentinel, nil)
		return
	}

	w.outOfJobs.Wait()
	w.outOfJobs.Clear()
	w.casNextJob(blockedSentinel, nil)
}

// Process runs one worker's loop to completion of the current run: acquire
// a job, run it, finalize it, repeat until SetReadyToExit has been called
// for this worker.
func (tm *ThreadManager) Process(w *ThreadControl) {
	var lastRun *QueueNode
	for {
		if lastRun != nil {
			tm.finalizeNode(lastRun)
			lastRun = nil
		}
		if atomic.LoadInt32(&w.readyToExit) != 0 {
			return
		}

		n, result := tm.ScheduleNextJob(w)
		switch result {
		case ScheduleRun:
			if n.Run != nil {
				n.Run()
			}
			lastRun = n
		case ScheduleContinue:
			continue
		case ScheduleRequiresWait:
			w.WaitForJob(tm)
		}
	}
}

// finalizeNode runs one completed invocation of n through finalization:
// decrement active refs, and resolve dependents either on the node's last
// scheduled run (ordinary nodes) or on its first completion (complete-once
// nodes, guarded so repeat completions never resolve dependents twice),
// calling SetReadyToExit when the synthetic terminator resolves.
func (tm *ThreadManager) finalizeNode(n *QueueNode) {
	tm.finalizeMu.Lock()
	defer tm.finalizeMu.Unlock()

	var lastScheduledRun bool
	for {
		old := atomic.LoadUint32(&n.multiRunState)
		activeRefs, remaining := unpackMultiRunState(old)
		activeRefs--
		newState := packMultiRunState(activeRefs, remaining)
		if atomic.CompareAndSwapUint32(&n.multiRunState, old, newState) {
			lastScheduledRun = activeRefs == 0 && remaining == 0
			break
		}
	}

	tm.queue.mu.Lock()
	tm.queue.finalizedCount++
	tm.queue.mu.Unlock()

	shouldResolveDependents := lastScheduledRun
	if n.CompleteOnce {
		shouldResolveDependents = n.markDependentsResolvedOnce()
	}
	if !shouldResolveDependents {
		return
	}

	for _, link := range n.dependents {
		remainingParents := atomic.AddInt32(&link.to.parentCount, -1)
		if remainingParents == 0 {
			tm.mu.Lock()
			tm.queue.pq.Insert(link.to)
			tm.mu.Unlock()
		}
	}

	if n.RegisterId == terminatorRegisterId {
		tm.SetReadyToExit()
	}
}

// SetReadyToExit marks every worker ready to exit and wakes any that are
// currently parked, called once the synthetic terminator node resolves.
func (tm *ThreadManager) SetReadyToExit() {
	for _, w := range tm.workers {
		atomic.StoreInt32(&w.readyToExit, 1)
		w.casNextJob(blockedSentinel, nil)
		w.outOfJobs.Signal()
	}
}

// FinishRun dispatches workers onto goroutines running Process and blocks
// until every one of them has returned, the Go-native stand-in for
// starting the worker threads and then joining them.
func (tm *ThreadManager) FinishRun(workers []*ThreadControl) {
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *ThreadControl) {
			defer wg.Done()
			tm.Process(w)
		}(w)
	}
	wg.Wait()
}

// Workers returns the thread-control objects created by Initialize, for
// callers driving worker goroutines.
func (tm *ThreadManager) Workers() []*ThreadControl {
	return append([]*ThreadControl(nil), tm.workers...)
}

// Finalize releases the thread-control array and queue reference built up
// by Initialize and SubmitGraph, leaving the ThreadManager ready to be
// reinitialized for a fresh set of workers.
func (tm *ThreadManager) Finalize() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.workers = nil
	tm.queue = nil
}
