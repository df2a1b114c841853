package heap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpHeap_AllocateFreeCoalesce(t *testing.T) {
	h := NewExpHeap("test", 1024, nil)

	a, ok := h.TryAllocate(96, 8)
	require.True(t, ok)
	b, ok := h.TryAllocate(96, 8)
	require.True(t, ok)
	c, ok := h.TryAllocate(96, 8)
	require.True(t, ok)

	// Free merges a block with the free block right after it, so freeing
	// b first and then a coalesces them into one free run at a's offset,
	// big enough for a larger allocation than either alone.
	h.Free(b)
	h.Free(a)

	d, ok := h.TryAllocate(180, 8)
	assert.True(t, ok)
	assert.Equal(t, a.Offset, d.Offset)
	_ = c
}

func TestExpHeap_OutOfMemory(t *testing.T) {
	h := NewExpHeap("small", 64, nil)
	_, ok := h.TryAllocate(128, 8)
	assert.False(t, ok)
}

func TestExpHeap_CreateChildIsContained(t *testing.T) {
	parent := NewExpHeap("parent", 4096, nil)
	child, ok := parent.CreateChild("child", 512)
	require.True(t, ok)

	handle, ok := child.TryAllocate(64, 8)
	require.True(t, ok)
	assert.True(t, child.Contains(handle))
	assert.True(t, parent.Contains(handle))
}

func TestFrameHeap_BumpAndFreeAll(t *testing.T) {
	h := NewFrameHeap("frame", 256, nil)
	_, ok := h.TryAllocate(100, 8)
	require.True(t, ok)
	_, ok = h.TryAllocate(100, 8)
	require.True(t, ok)
	_, ok = h.TryAllocate(100, 8)
	assert.False(t, ok, "third allocation should exceed remaining capacity")

	h.FreeAll()
	_, ok = h.TryAllocate(200, 8)
	assert.True(t, ok, "FreeAll should reclaim the whole heap")
}

func TestFrameHeap_ResizeHeapBackRejectsBelowWatermark(t *testing.T) {
	h := NewFrameHeap("frame", 256, nil)
	_, _ = h.TryAllocate(100, 8)
	assert.False(t, h.ResizeHeapBack(50))
	assert.True(t, h.ResizeHeapBack(150))
}

func TestSeparateHeap_FirstFitOrderedInsertion(t *testing.T) {
	h := NewSeparateHeap("sep", 1000, nil)
	a, ok := h.TryAllocate(100, 1)
	require.True(t, ok)
	b, ok := h.TryAllocate(100, 1)
	require.True(t, ok)
	h.Free(a)

	// A new allocation that fits in the gap left by a should reuse it
	// rather than extend past b.
	c, ok := h.TryAllocate(50, 1)
	require.True(t, ok)
	assert.Equal(t, a.Offset, c.Offset)
	assert.Less(t, c.Offset, b.Offset)
}

func TestVirtualAddressHeap_ReserveCommit(t *testing.T) {
	h := NewVirtualAddressHeap("vheap", 4096, nil)
	a, ok := h.TryAllocate(1000, 16)
	require.True(t, ok)
	size, ok := h.SizeOf(a.Offset)
	require.True(t, ok)
	assert.Equal(t, uint32(1000), size)

	_, ok = h.TryAllocate(10000, 16)
	assert.False(t, ok, "allocation beyond the reservation must fail")
}

func TestManager_FindHeapFromAddressResolvesChild(t *testing.T) {
	mgr := NewManager(nil, nil)
	parent := NewExpHeap("parent", 4096, nil)
	mgr.RegisterRoot(parent)
	child, ok := parent.CreateChild("child", 256)
	require.True(t, ok)

	handle, ok := child.TryAllocate(32, 8)
	require.True(t, ok)

	found := mgr.FindHeapFromAddress(1, handle)
	assert.Same(t, Heap(child), found)
}

func TestManager_OOMCallbackRetriesOnce(t *testing.T) {
	h := NewFrameHeap("frame", 64, nil)
	_, _ = h.TryAllocate(64, 1) // exhaust it

	freedOnce := false
	mgr := NewManager(func(requested uint32) bool {
		if freedOnce {
			return false
		}
		freedOnce = true
		h.FreeAll()
		return true
	}, nil)

	handle, ok := mgr.TryAllocateWithRetry(h, 32, 1)
	assert.True(t, ok)
	assert.Equal(t, uint32(32), handle.Size)
}
