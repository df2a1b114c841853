// Package job implements the dependency-job scheduler: graph construction,
// the per-run queue built from it, and the per-core thread manager that
// dispatches jobs to workers. A Graph is registered once and can be
// rebuilt into a fresh Queue and re-run many times, with per-node worker
// affinity, multi-run nodes, and a synthetic terminator node.
package job

import (
	"sync"

	"github.com/watertoon/awn/internal/awnutil"
)

// RegisterId is the sequence-assigned identity a job receives from
// RegisterJob, stable only within one Graph.
type RegisterId int32

// UserId is an externally chosen identity a job may optionally declare, so
// dependencies can be wired before both endpoints are registered.
type UserId uint64

// JobFunc is the work a graph node performs each time it is scheduled.
type JobFunc func()

// GraphNode is one job as recorded in the graph, before queue-build
// clones it into a per-run QueueNode.
type GraphNode struct {
	RegisterId     RegisterId
	UserId         UserId
	HasUserId      bool
	Run            JobFunc
	Priority       int
	CoreNumber     int // -1 means any-core
	MultiRunCount  int
	CompleteOnce   bool // is_multi_run_complete_once
}

const AnyCore = -1

type dependencyEdge struct {
	fromRegister RegisterId
	toRegister   RegisterId
}

type pendingUserDependency struct {
	fromUser UserId
	toUser   UserId
}

// Graph accumulates jobs and their dependencies before a queue is built
// from it with BuildJobGraph. It is the register/lookup half of the
// scheduler; the runnable half lives in Queue.
type Graph struct {
	mu sync.Mutex

	nodes        []*GraphNode
	userIdIndex  map[UserId]RegisterId
	edges        []dependencyEdge
	pendingUser  []pendingUserDependency

	logger *awnutil.Logger
}

// NewGraph creates an empty graph.
func NewGraph(logger *awnutil.Logger) *Graph {
	if logger == nil {
		logger = awnutil.DefaultLogger("job")
	}
	return &Graph{
		userIdIndex: make(map[UserId]RegisterId),
		logger:      logger,
	}
}

// RegisterJob assigns job the next sequential RegisterId and records its
// UserId mapping if one was declared. priority orders the job within the
// per-run priority queue once it has no unresolved parents; coreNumber
// pins it to a worker core, or AnyCore to allow any worker.
func (g *Graph) RegisterJob(run JobFunc, priority, coreNumber, multiRunCount int, completeOnce bool, userId UserId, hasUserId bool) RegisterId {
	g.mu.Lock()
	defer g.mu.Unlock()

	if multiRunCount < 1 {
		multiRunCount = 1
	}

	id := RegisterId(len(g.nodes))
	node := &GraphNode{
		RegisterId:    id,
		UserId:        userId,
		HasUserId:     hasUserId,
		Run:           run,
		Priority:      priority,
		CoreNumber:    coreNumber,
		MultiRunCount: multiRunCount,
		CompleteOnce:  completeOnce,
	}
	g.nodes = append(g.nodes, node)
	if hasUserId {
		g.userIdIndex[userId] = id
	}

	// Any dependency declared by user id before this job existed can now
	// be resolved against the freshly assigned register id.
	remaining := g.pendingUser[:0]
	for _, p := range g.pendingUser {
		fromId, fromOk := g.userIdIndex[p.fromUser]
		toId, toOk := g.userIdIndex[p.toUser]
		if fromOk && toOk {
			g.edges = append(g.edges, dependencyEdge{fromRegister: fromId, toRegister: toId})
		} else {
			remaining = append(remaining, p)
		}
	}
	g.pendingUser = remaining

	return id
}

// RegisterDependency declares that to must not start (any scheduled run)
// until from has completed every scheduled run, or, when from is a
// complete-once node, until from has completed its first run.
func (g *Graph) RegisterDependency(from, to RegisterId) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.edges = append(g.edges, dependencyEdge{fromRegister: from, toRegister: to})
}

// RegisterDependencyByUserId declares a dependency by user id. If either
// endpoint has not registered yet, the dependency is stashed unresolved
// and completed the moment both sides have registered.
func (g *Graph) RegisterDependencyByUserId(from, to UserId) {
	g.mu.Lock()
	defer g.mu.Unlock()

	fromId, fromOk := g.userIdIndex[from]
	toId, toOk := g.userIdIndex[to]
	if fromOk && toOk {
		g.edges = append(g.edges, dependencyEdge{fromRegister: fromId, toRegister: toId})
		return
	}
	g.pendingUser = append(g.pendingUser, pendingUserDependency{fromUser: from, toUser: to})
}

// Clear discards every registered job and dependency, resetting the graph
// to empty so it can be reused for a different job set.
func (g *Graph) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes = nil
	g.edges = nil
	g.pendingUser = nil
	g.userIdIndex = make(map[UserId]RegisterId)
}

func (g *Graph) snapshot() ([]*GraphNode, []dependencyEdge) {
	g.mu.Lock()
	defer g.mu.Unlock()
	nodes := append([]*GraphNode(nil), g.nodes...)
	edges := append([]dependencyEdge(nil), g.edges...)
	return nodes, edges
}
