package heap

import "github.com/watertoon/awn/internal/awnutil"

// FrameHeap is a bump allocator intended for short-lived per-frame
// allocations: TryAllocate only ever advances a watermark, and the whole
// heap is reclaimed at once with FreeAll rather than per-allocation Free.
// There are no size-class buckets, since frame allocations are transient
// and do not need reuse across frames.
type FrameHeap struct {
	baseHeap
	watermark uint32
	allocated map[uint32]uint32
}

// NewFrameHeap creates a root frame heap over a fresh buffer of the given
// size.
func NewFrameHeap(name string, size uint32, logger *awnutil.Logger) *FrameHeap {
	return &FrameHeap{
		baseHeap: baseHeap{
			name:      name,
			buf:       make([]byte, size),
			baseOff:   0,
			totalSize: size,
			logger:    logger,
		},
		allocated: make(map[uint32]uint32),
	}
}

// NewGpuFrameHeap is the GPU-resident counterpart of FrameHeap. The
// allocation algorithm is identical; the distinction is only to route
// allocations to GPU-visible memory, which in this in-process model is
// represented by the same buffer kind with a different name for
// diagnostics.
func NewGpuFrameHeap(name string, size uint32, logger *awnutil.Logger) *FrameHeap {
	return NewFrameHeap(name, size, logger)
}

// TryAllocate bumps the watermark past an aligned allocation of size, or
// fails if the heap is exhausted.
func (h *FrameHeap) TryAllocate(size, alignment uint32) (Handle, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	start := align(h.baseOff+h.watermark, alignment) - h.baseOff
	end := start + size
	if end > h.totalSize {
		return Handle{}, false
	}
	h.watermark = end
	off := h.baseOff + start
	h.allocated[off] = size
	return Handle{Offset: off, Size: size}, true
}

// Free is a no-op for FrameHeap: individual allocations are never
// reclaimed, only the whole heap via FreeAll. It exists to satisfy the Heap
// interface uniformly across heap kinds.
func (h *FrameHeap) Free(Handle) {}

// FreeAll resets the bump watermark to zero, instantly reclaiming every
// allocation made since the heap was created or last reset.
func (h *FrameHeap) FreeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.watermark = 0
	h.allocated = make(map[uint32]uint32)
}

// ResizeHeapBack shrinks the heap's total size to newSize, but only if
// newSize is at or beyond the current watermark; shrinking into
// still-allocated territory is rejected. Returns whether the resize
// applied.
func (h *FrameHeap) ResizeHeapBack(newSize uint32) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if newSize < h.watermark {
		return false
	}
	h.totalSize = newSize
	return true
}

// AdjustHeap trims the heap's size to exactly the current watermark and
// reports the freed tail, the frame-heap analog of ExpHeap's AdjustHeap.
func (h *FrameHeap) AdjustHeap() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.watermark >= h.totalSize {
		return 0
	}
	freed := h.totalSize - h.watermark
	h.totalSize = h.watermark
	return freed
}

// Contains reports whether handle's offset range lies within this heap.
func (h *FrameHeap) Contains(handle Handle) bool {
	return handle.Offset >= h.baseOff && handle.Offset+handle.Size <= h.baseOff+h.totalSize
}
