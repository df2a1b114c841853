package job

import (
	"sync"
	"sync/atomic"

	"github.com/watertoon/awn/container"
)

// terminatorRegisterId is a sentinel register id that no real graph node
// can hold (real ids count up from 0), reserved for the synthetic
// terminator node Queue.finalNode that every graph node is wired into.
const terminatorRegisterId = RegisterId(-1)

// dependentLink is one register-space edge materialized as a
// run-scoped link between two QueueNodes.
type dependentLink struct {
	to *QueueNode
}

// QueueNode is BuildJobGraph's per-run clone of a GraphNode: it carries
// the same job function and scheduling parameters, plus the mutable state
// a single run needs (parent_count, multi_run_state, dependents, and its
// slot in the priority queue).
type QueueNode struct {
	*GraphNode

	parentCount  int32 // remaining unresolved parents
	dependents   []dependentLink

	// multiRunState packs two 16-bit halves: bits[0:16] = active
	// scheduled-but-not-yet-finalized refs, bits[16:32] = remaining runs
	// still to be scheduled. Starts at (run_count<<16)|0: zero active refs
	// and run_count remaining runs.
	multiRunState uint32

	pqIndex int // container.PQItem index, maintained by the priority queue

	dependentsResolvedOnce int32 // guards complete-once nodes from resolving dependents twice
}

// markDependentsResolvedOnce returns true the first time it is called for
// this node, and false on every subsequent call, letting a
// complete-once multi-run node publish its dependent resolution exactly
// once regardless of how many of its runs finalize afterward.
func (n *QueueNode) markDependentsResolvedOnce() bool {
	return atomic.CompareAndSwapInt32(&n.dependentsResolvedOnce, 0, 1)
}

func (n *QueueNode) Less(other container.PQItem) bool {
	return n.Priority > other.(*QueueNode).Priority
}
func (n *QueueNode) SetIndex(i int) { n.pqIndex = i }
func (n *QueueNode) Index() int     { return n.pqIndex }

func packMultiRunState(activeRefs, remainingRuns uint16) uint32 {
	return uint32(remainingRuns)<<16 | uint32(activeRefs)
}

func unpackMultiRunState(v uint32) (activeRefs, remainingRuns uint16) {
	return uint16(v & 0xffff), uint16(v >> 16)
}

// Queue is one run's worth of materialized QueueNodes plus the priority
// queue of currently-runnable (zero-parent) nodes. BuildJobGraph produces
// a fresh Queue from a Graph snapshot so the same Graph can back multiple
// concurrent or sequential runs without runs interfering with each
// other's mutable scheduling state.
type Queue struct {
	mu    sync.Mutex
	nodes map[RegisterId]*QueueNode
	pq    *container.FixedPriorityQueue

	finalNode *QueueNode // synthetic terminator; its dependents list is empty

	finalizedCount int
	totalRuns      int
}

// BuildJobGraph clones every GraphNode in g into a QueueNode, wires
// register-space edges into dependentLinks, increments each dependent's
// parentCount per incoming edge, and registers every node as a dependent
// of the synthetic terminator m_final_node, so the terminator's
// parentCount only reaches zero once every node in the graph has
// finalized, not merely its sinks.
func BuildJobGraph(g *Graph) *Queue {
	graphNodes, edges := g.snapshot()

	q := &Queue{
		nodes: make(map[RegisterId]*QueueNode, len(graphNodes)),
	}
	q.pq = container.NewFixedPriorityQueue(len(graphNodes) + 1)

	for _, gn := range graphNodes {
		activeRefs, remainingRuns := uint16(0), uint16(gn.MultiRunCount)
		qn := &QueueNode{
			GraphNode:     gn,
			multiRunState: packMultiRunState(activeRefs, remainingRuns),
			pqIndex:       -1,
		}
		q.nodes[gn.RegisterId] = qn
		q.totalRuns += gn.MultiRunCount
	}

	q.finalNode = &QueueNode{
		GraphNode:     &GraphNode{RegisterId: terminatorRegisterId, Priority: 0, CoreNumber: AnyCore},
		multiRunState: packMultiRunState(0, 1),
		pqIndex:       -1,
	}

	for _, e := range edges {
		from := q.nodes[e.fromRegister]
		to := q.nodes[e.toRegister]
		if from == nil || to == nil {
			continue
		}
		from.dependents = append(from.dependents, dependentLink{to: to})
		to.parentCount++
	}

	for _, gn := range graphNodes {
		qn := q.nodes[gn.RegisterId]
		qn.dependents = append(qn.dependents, dependentLink{to: q.finalNode})
		q.finalNode.parentCount++
	}

	return q
}

// SetupRun walks every queue node and inserts every node with zero
// parents into the priority queue, ordered by priority. It must be called
// once before a run's workers start pulling from ScheduleNextJob.
func (q *Queue) SetupRun() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, n := range q.nodes {
		if atomic.LoadInt32(&n.parentCount) == 0 {
			q.pq.Insert(n)
		}
	}
}

// IsFinalNodeResolved reports whether the terminator has had every one of
// its parents resolve, meaning the run has completed.
func (q *Queue) IsFinalNodeResolved() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return atomic.LoadInt32(&q.finalNode.parentCount) == 0 && q.allNodesFinalizedLocked()
}

func (q *Queue) allNodesFinalizedLocked() bool {
	return q.finalizedCount >= len(q.nodes)
}
