package heap

import (
	"github.com/watertoon/awn/internal/awnutil"
)

// VirtualAddressHeap reserves a contiguous offset range up front and commits
// pages into it lazily as allocations land, tracking each allocation's size
// for later lookup the way a real virtual-memory reservation tracks commit
// state per page. There is no physical backing distinction to model in this
// in-process adaptation (no real mmap), so "commit" here means extending
// the live portion of the backing buffer. Contains checks a handle against
// the reservation, not the commit watermark, so FindHeapFromAddress
// resolves any address within the reserved range.
type VirtualAddressHeap struct {
	baseHeap
	reserved  uint32
	committed uint32
	sizes     map[uint32]uint32
}

// NewVirtualAddressHeap reserves a range of reserveSize offsets without
// committing any of it.
func NewVirtualAddressHeap(name string, reserveSize uint32, logger *awnutil.Logger) *VirtualAddressHeap {
	return &VirtualAddressHeap{
		baseHeap: baseHeap{
			name:      name,
			buf:       make([]byte, reserveSize),
			baseOff:   0,
			totalSize: reserveSize,
			logger:    logger,
		},
		reserved: reserveSize,
		sizes:    make(map[uint32]uint32),
	}
}

// TryAllocate commits enough additional pages (bump-style, like FrameHeap)
// to cover an aligned allocation of size, failing if that would exceed the
// reservation.
func (h *VirtualAddressHeap) TryAllocate(size, alignment uint32) (Handle, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	start := align(h.committed, alignment)
	end := start + size
	if end > h.reserved {
		return Handle{}, false
	}
	h.committed = end
	h.sizes[start] = size
	return Handle{Offset: start, Size: size}, true
}

// Free releases the per-allocation size record. The committed watermark
// itself is only reclaimed by AdjustHeap, matching the other heap kinds'
// "explicit trim" contract rather than eagerly decommitting pages on every
// free.
func (h *VirtualAddressHeap) Free(handle Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sizes, handle.Offset)
}

// AdjustHeap trims the reservation back to the current commit watermark
// and reports the uncommitted tail reclaimed.
func (h *VirtualAddressHeap) AdjustHeap() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.committed >= h.reserved {
		return 0
	}
	freed := h.reserved - h.committed
	h.reserved = h.committed
	return freed
}

// Contains reports whether handle's offset range lies within the
// reservation.
func (h *VirtualAddressHeap) Contains(handle Handle) bool {
	return handle.Offset+handle.Size <= h.reserved
}

// SizeOf returns the tracked size of the allocation at offset, used by
// callers that only have an address and need to recover how much memory it
// covers.
func (h *VirtualAddressHeap) SizeOf(offset uint32) (uint32, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	size, ok := h.sizes[offset]
	return size, ok
}
