// Package resource implements the async resource pipeline: resource units
// and their lifecycle tasks, the binder protocol user code drives each
// frame, the per-domain memory manager with free-cache eviction, the
// three-queue async resource manager, the thread-local archive manager,
// the async save manager, and the SARC/resource-size-table file-format
// boundaries.
package resource

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/watertoon/awn/container"
	"github.com/watertoon/awn/heap"
	"github.com/watertoon/awn/internal/awnutil"
	"github.com/watertoon/awn/task"
)

// Status is the resource unit lifecycle state machine from spec §4.7.
type Status int

const (
	StatusUninitialized Status = iota
	StatusFreed
	StatusInLoad
	StatusLoaded
	StatusInResourceInitialize
	StatusResourceInitialized
	StatusResourcePostInitialized
	StatusInResourcePreFinalize
	StatusResourcePreFinalized
	StatusInResourceFinalize
	StatusResourceFinalized
	StatusError
	StatusFailedToInitializeResource
	StatusFailedToPostInitializeResource
	StatusFailedToPreFinalizeResource
)

// HeapKind selects which heap family a resource's memory is carved from.
type HeapKind int

const (
	HeapKindExp HeapKind = iota
	HeapKindFrame
)

// Factory builds the decoded resource object from raw file bytes once
// LoadFile has the bytes in hand. A real binder supplies one factory per
// resource type (texture, model, archive, ...); the capability-set
// redesign in spec §9 replaces inheritance-based ResourceFactoryBase with
// exactly this kind of plain function value.
type Factory func(raw []byte) (interface{}, error)

// Unit is one loaded (or loading) resource: a path, its backing heap
// allocation, its decoded object, and the three lifecycle tasks that move
// it through Status. Reference counting and free-cache eligibility are
// owned by the unit; actual eviction policy lives in the MemoryManager
// passed to NewUnit.
type Unit struct {
	path   string
	status int32 // Status, atomic

	refCount int32

	heapKind HeapKind
	heap     heap.Heap
	handle   heap.Handle

	object interface{}
	err    error

	fileAlignment uint32

	manager *MemoryManager

	freeCacheNode   container.ListNode
	freeCacheLinked bool
	freeCacheMu     sync.Mutex

	isFinalized int32 // set by Finalize callers, drained by Calculate

	logger *awnutil.Logger
}

// NewUnit creates a unit in the Uninitialized state for path, owned by mgr.
func NewUnit(path string, mgr *MemoryManager, logger *awnutil.Logger) *Unit {
	if logger == nil {
		logger = awnutil.DefaultLogger("resource.unit")
	}
	u := &Unit{path: path, manager: mgr, logger: logger}
	u.freeCacheNode.Init(u)
	return u
}

// Path returns the resource's source path.
func (u *Unit) Path() string { return u.path }

// Status returns the unit's current lifecycle state.
func (u *Unit) Status() Status { return Status(atomic.LoadInt32(&u.status)) }

func (u *Unit) setStatus(s Status) { atomic.StoreInt32(&u.status, int32(s)) }

// IncrementReference raises the unit's reference count, used whenever a
// binder takes a reference on the unit, whether it schedules a new load
// or attaches to an already-loaded unit.
func (u *Unit) IncrementReference() int32 {
	n := atomic.AddInt32(&u.refCount, 1)
	if n == 1 {
		u.manager.revive(u)
	}
	return n
}

// DecrementReference lowers the reference count and, if it reaches zero,
// marks the unit eligible for the free cache (it is not torn down
// immediately — eviction happens later, under memory pressure or explicit
// ForceClearAllCaches).
func (u *Unit) DecrementReference() int32 {
	n := atomic.AddInt32(&u.refCount, -1)
	if n == 0 {
		u.manager.markFreeable(u)
	}
	return n
}

// ReferenceCount returns the current reference count.
func (u *Unit) ReferenceCount() int32 { return atomic.LoadInt32(&u.refCount) }

// Object returns the decoded resource object, or nil if not yet available.
func (u *Unit) Object() interface{} { return u.object }

// MarkFinalized flags the unit for removal by the next Calculate pass.
func (u *Unit) MarkFinalized() { atomic.StoreInt32(&u.isFinalized, 1) }

// IsFinalized reports whether MarkFinalized has been called.
func (u *Unit) IsFinalized() bool { return atomic.LoadInt32(&u.isFinalized) != 0 }

// LoadParams carries what PrepareResourceLoad needs to pick a device and
// compute a required size.
type LoadParams struct {
	Path           string
	Device         FileDevice
	SizeTable      *SizeTable
	Decompressor   Decompressor
	RequiredSize   uint32
	Alignment      uint32
	HeapKind       HeapKind
	Factory        Factory
}

// BuildLoadTask constructs the three-phase load task (PrepareResourceLoad
// -> ScheduleLoad -> LoadFile) as a single task.Info, so it can be pushed
// onto an AsyncQueue's load priority level. OOM-triggered eviction and
// retry happens inside ScheduleLoad via mgr.AllocateWithEviction.
func (u *Unit) BuildLoadTask(params LoadParams) task.Info {
	return task.Info{
		Execute: func(ctx context.Context) (interface{}, error) {
			u.setStatus(StatusInLoad)

			// PrepareResourceLoad: resolve required size from the size
			// table if present, else use params.RequiredSize. The
			// decompressor is not asked for a size.
			size := params.RequiredSize
			if params.SizeTable != nil {
				if found, ok := params.SizeTable.Lookup(params.Path); ok {
					size = found
				}
			}
			u.fileAlignment = params.Alignment
			u.heapKind = params.HeapKind

			// ScheduleLoad: allocate the resource heap, evicting from the
			// free cache and retrying on failure before giving up.
			h, alloc, ok := u.manager.AllocateWithEviction(params.HeapKind, size, params.Alignment)
			if !ok {
				u.err = awnutil.NewError("resource memory allocation failed")
				u.setStatus(StatusError)
				return nil, u.err
			}
			u.heap = h
			u.handle = alloc
			u.manager.track(u, domainForHeapKind(params.HeapKind))

			// LoadFile: read through the device (and decompressor, if
			// any), then build the object via the factory.
			raw, err := params.Device.Read(params.Path)
			if err != nil {
				u.err = err
				u.setStatus(StatusError)
				return nil, err
			}
			if params.Decompressor != nil {
				raw, err = params.Decompressor.Decompress(raw)
				if err != nil {
					u.err = err
					u.setStatus(StatusError)
					return nil, err
				}
			}

			obj, err := params.Factory(raw)
			if err != nil {
				u.err = err
				u.setStatus(StatusError)
				return nil, err
			}
			u.object = obj
			u.setStatus(StatusLoaded)
			return obj, nil
		},
	}
}

// BuildHeapAdjustTask trims the resource heap to the object's actual
// footprint, run on the memory queue once the unit has initialized.
func (u *Unit) BuildHeapAdjustTask() task.Info {
	return task.Info{
		Execute: func(ctx context.Context) (interface{}, error) {
			if u.heap != nil {
				u.heap.AdjustHeap()
			}
			return nil, nil
		},
	}
}

// BuildUnloadTask tears the unit down: unlinks it from the manager's
// tracking, frees the backing heap allocation, and clears the object.
func (u *Unit) BuildUnloadTask() task.Info {
	return task.Info{
		Execute: func(ctx context.Context) (interface{}, error) {
			if u.heap != nil {
				u.heap.Free(u.handle)
			}
			u.object = nil
			u.setStatus(StatusFreed)
			u.manager.untrack(u)
			return nil, nil
		},
	}
}
