package resource

import (
	"context"
	"sync"

	awnsync "github.com/watertoon/awn/sync"
	"github.com/watertoon/awn/task"
)

// BinderStatus is the thirteen-state outcome a ResourceBinder settles into,
// per spec §4.8. Most states beyond Uninitialized/InLoad/Referenced are
// distinct failure reasons rather than distinct successful paths, so
// callers can treat "IsFailed" as one predicate without needing to switch
// on every value.
type BinderStatus int

const (
	BinderUninitialized BinderStatus = iota
	BinderInLoad
	BinderResourceInitialized
	BinderReferenced
	BinderFileNotFound
	BinderFailedToGetDecompressedSize
	BinderFailedToInitializeResource
	BinderInvalidUserResourceSize
	BinderInvalidResourceSize
	BinderFileNotAvailable
	BinderMemoryAllocationFailure
	BinderNoResourceUnitOnFinalize
	BinderUnknownError
)

// Binder drives one resource reference through its load, whether that
// means scheduling a fresh Unit load or attaching to one already resident.
// It is a stateful, retry-aware handle a caller polls once per frame via
// Complete.
type Binder struct {
	mu     sync.Mutex
	status BinderStatus

	unit   *Unit
	loaded *awnsync.Event

	path string
}

// NewBinder creates a Binder in the Uninitialized state.
func NewBinder() *Binder {
	return &Binder{status: BinderUninitialized}
}

// Status returns the binder's current state.
func (b *Binder) Status() BinderStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// IsInLoad reports whether the binder is still waiting on a load task.
func (b *Binder) IsInLoad() bool { return b.Status() == BinderInLoad }

// IsLoaded reports whether the binder has a usable resource.
func (b *Binder) IsLoaded() bool {
	s := b.Status()
	return s == BinderResourceInitialized || s == BinderReferenced
}

// IsFailed reports whether the binder settled into any of the
// non-successful terminal states.
func (b *Binder) IsFailed() bool {
	switch b.Status() {
	case BinderFileNotFound, BinderFailedToGetDecompressedSize, BinderFailedToInitializeResource,
		BinderInvalidUserResourceSize, BinderInvalidResourceSize, BinderFileNotAvailable,
		BinderMemoryAllocationFailure, BinderNoResourceUnitOnFinalize, BinderUnknownError:
		return true
	default:
		return false
	}
}

// TryLoadAsync schedules a fresh load for path onto the manager's load
// queue, takes a reference on u and transitions to InLoad. u is the Unit
// being loaded and loadInfo its load task (AsyncResourceManager.LoadBinder
// builds both).
func (b *Binder) TryLoadAsync(ctx context.Context, q *task.AsyncQueue, path string, u *Unit, loadInfo task.Info, priority int) {
	u.IncrementReference()
	b.mu.Lock()
	b.path = path
	b.unit = u
	b.status = BinderInLoad
	b.loaded = awnsync.NewEvent(false, false)
	b.mu.Unlock()

	wrapped := loadInfo
	inner := loadInfo.Execute
	wrapped.Priority = priority
	wrapped.Execute = func(ctx context.Context) (interface{}, error) {
		obj, err := inner(ctx)
		b.mu.Lock()
		b.loaded.Signal()
		b.mu.Unlock()
		return obj, err
	}
	q.PushTask(ctx, task.NewTask(wrapped), -1)
}

// TryLoadSync takes a reference on u, pushes the same load as a sync task
// and blocks until a queue worker has finished it; the caller is not
// treated as one of the queue's workers, so the load never runs inline.
func (b *Binder) TryLoadSync(ctx context.Context, q *task.AsyncQueue, path string, u *Unit, loadInfo task.Info) {
	u.IncrementReference()
	b.mu.Lock()
	b.path = path
	b.unit = u
	b.status = BinderInLoad
	b.loaded = awnsync.NewEvent(false, false)
	b.mu.Unlock()

	loadInfo.IsSync = true
	q.PushTask(ctx, task.NewTask(loadInfo), -1)

	b.mu.Lock()
	b.loaded.Signal()
	b.mu.Unlock()
}

// ReferenceBinderAsync/ReferenceBinderSync attach to an already-loaded
// unit instead of issuing a new load, incrementing its reference count
// immediately since the unit is known resident.
func (b *Binder) ReferenceBinderAsync(u *Unit) {
	b.referenceExisting(u)
}

func (b *Binder) ReferenceBinderSync(u *Unit) {
	b.referenceExisting(u)
}

// ReferenceLocalArchiveSync attaches to a unit resolved through the
// calling thread's local archive binder rather than the shared default
// archive, otherwise identical to ReferenceBinderSync.
func (b *Binder) ReferenceLocalArchiveSync(u *Unit) {
	b.referenceExisting(u)
}

func (b *Binder) referenceExisting(u *Unit) {
	u.IncrementReference()
	b.mu.Lock()
	b.unit = u
	b.status = BinderReferenced
	b.loaded = awnsync.NewEvent(true, false)
	b.mu.Unlock()
}

// Complete is the per-frame poll a caller drives until it stops returning
// BinderInLoad: it inspects the bound Unit's lifecycle status and settles
// the binder into whichever terminal state that status implies.
func (b *Binder) Complete(ctx context.Context) BinderStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.status != BinderInLoad {
		return b.status
	}
	if b.unit == nil {
		b.status = BinderNoResourceUnitOnFinalize
		return b.status
	}

	switch b.unit.Status() {
	case StatusLoaded, StatusResourceInitialized, StatusResourcePostInitialized:
		b.status = BinderResourceInitialized
	case StatusError:
		b.status = b.classifyErrorLocked()
	}
	return b.status
}

// classifyErrorLocked maps a failed Unit's recorded error onto the
// binder's narrower failure taxonomy. Units that fail for reasons the
// binder has no specific state for settle into BinderUnknownError.
func (b *Binder) classifyErrorLocked() BinderStatus {
	if b.unit == nil || b.unit.err == nil {
		return BinderUnknownError
	}
	switch b.unit.err.Error() {
	case "file not found in archive: " + b.path:
		return BinderFileNotFound
	case "resource memory allocation failed":
		return BinderMemoryAllocationFailure
	default:
		return BinderUnknownError
	}
}

// WaitForLoad blocks until a load started by TryLoadAsync/TryLoadSync
// finishes, then returns Complete's result.
func (b *Binder) WaitForLoad(ctx context.Context) BinderStatus {
	b.mu.Lock()
	ev := b.loaded
	b.mu.Unlock()
	if ev != nil {
		ev.Wait()
	}
	return b.Complete(ctx)
}

// Finalize releases the binder's reference on its unit, if any, and
// resets the binder to Uninitialized so it can be reused for a different
// path.
func (b *Binder) Finalize() {
	b.mu.Lock()
	u := b.unit
	b.unit = nil
	b.status = BinderUninitialized
	b.mu.Unlock()

	if u != nil {
		u.DecrementReference()
	}
}

// GetResourceDirect returns the bound unit's decoded object, or nil if the
// binder is not in a loaded state.
func (b *Binder) GetResourceDirect() interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unit == nil || !(b.status == BinderResourceInitialized || b.status == BinderReferenced) {
		return nil
	}
	return b.unit.Object()
}
