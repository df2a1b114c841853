package resource

import (
	"context"
	"sync/atomic"

	"github.com/watertoon/awn/task"
)

// SaveRequestKind names which of the five save-manager operations a
// message carries.
type SaveRequestKind int

const (
	SaveRequestRead SaveRequestKind = iota
	SaveRequestSize
	SaveRequestSave
	SaveRequestCommit
	SaveRequestCopy
)

// pendingBit maps each SaveRequestKind onto its bit in the
// one-pending-request-per-channel guard.
func pendingBit(kind SaveRequestKind) uint32 { return 1 << uint(kind) }

// SaveRequest is one message submitted to the AsyncSaveManager's single
// worker, carrying the two paths a Copy needs and the payload a Save
// writes; unused fields are simply left zero for the other kinds.
type SaveRequest struct {
	Kind     SaveRequestKind
	Path     string
	DestPath string
	Payload  []byte
	Device   FileDevice
	Result   chan SaveResult
}

// SaveResult is what a worker reports back through a request's Result
// channel once it finishes.
type SaveResult struct {
	Data []byte
	Size uint32
	Err  error
}

// AsyncSaveManager serializes save-data I/O (read/size/save/commit/copy)
// through a single dedicated worker so save-file writes never race with
// each other, using a CAS-guarded bitmask to enforce at most one pending
// request per SaveRequestKind at a time — a caller submitting a second
// Save before the first completes gets rejected rather than silently
// queued.
type AsyncSaveManager struct {
	pendingMask uint32 // atomic bitmask of in-flight SaveRequestKinds

	queue *task.AsyncQueue
}

// NewAsyncSaveManager wraps an AsyncQueue dedicated to save I/O (typically
// one worker, one priority level) with the pending-mask admission check.
func NewAsyncSaveManager(queue *task.AsyncQueue) *AsyncSaveManager {
	return &AsyncSaveManager{queue: queue}
}

// Submit admits req if no request of the same kind is currently pending,
// returning false immediately if one already is. On acceptance it pushes
// a task that performs the requested I/O and reports through req.Result.
func (m *AsyncSaveManager) Submit(ctx context.Context, req SaveRequest) bool {
	bit := pendingBit(req.Kind)
	for {
		old := atomic.LoadUint32(&m.pendingMask)
		if old&bit != 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(&m.pendingMask, old, old|bit) {
			break
		}
	}

	t := task.NewTask(task.Info{
		Execute: func(ctx context.Context) (interface{}, error) {
			res := m.perform(req)
			clearPendingBit(&m.pendingMask, bit)
			if req.Result != nil {
				req.Result <- res
			}
			return res, res.Err
		},
	})
	m.queue.PushTask(ctx, t, -1)
	return true
}

func clearPendingBit(mask *uint32, bit uint32) {
	for {
		old := atomic.LoadUint32(mask)
		if atomic.CompareAndSwapUint32(mask, old, old&^bit) {
			return
		}
	}
}

func (m *AsyncSaveManager) perform(req SaveRequest) SaveResult {
	switch req.Kind {
	case SaveRequestRead:
		data, err := req.Device.Read(req.Path)
		return SaveResult{Data: data, Err: err}
	case SaveRequestSize:
		size, err := req.Device.Size(req.Path)
		return SaveResult{Size: size, Err: err}
	case SaveRequestSave:
		// A real FileDevice implementing write support would be asserted
		// to a writer interface here; loose-file and app-provided devices
		// that support saving expose it themselves.
		if w, ok := req.Device.(saveWriter); ok {
			return SaveResult{Err: w.Write(req.Path, req.Payload)}
		}
		return SaveResult{Err: errUnsupportedSaveOp("save")}
	case SaveRequestCommit:
		if c, ok := req.Device.(saveCommitter); ok {
			return SaveResult{Err: c.Commit()}
		}
		return SaveResult{Err: errUnsupportedSaveOp("commit")}
	case SaveRequestCopy:
		data, err := req.Device.Read(req.Path)
		if err != nil {
			return SaveResult{Err: err}
		}
		if w, ok := req.Device.(saveWriter); ok {
			return SaveResult{Err: w.Write(req.DestPath, data)}
		}
		return SaveResult{Err: errUnsupportedSaveOp("copy")}
	default:
		return SaveResult{Err: errUnsupportedSaveOp("unknown")}
	}
}

// saveWriter and saveCommitter are the optional capabilities a FileDevice
// can implement to participate in Save/Commit/Copy; loose-file devices
// typically implement both, archive-backed devices implement neither.
type saveWriter interface {
	Write(path string, data []byte) error
}

type saveCommitter interface {
	Commit() error
}

func errUnsupportedSaveOp(op string) error {
	return &unsupportedSaveOpError{op: op}
}

type unsupportedSaveOpError struct{ op string }

func (e *unsupportedSaveOpError) Error() string {
	return "save device does not support operation: " + e.op
}

// IsPending reports whether a request of kind is currently in flight.
func (m *AsyncSaveManager) IsPending(kind SaveRequestKind) bool {
	return atomic.LoadUint32(&m.pendingMask)&pendingBit(kind) != 0
}
