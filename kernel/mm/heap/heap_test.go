package heap

import (
	"runtime"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/falkor11/Beryl/kernel/hal/bootinfo"
	"github.com/falkor11/Beryl/kernel/mm"
)

// newTestHeap brings up the full memory subsystem over a page-aligned
// host buffer posing as physical memory. Physical address 0 corresponds
// to the buffer base, so the direct map offset is the base address
// itself.
func newTestHeap(t *testing.T, frames uintptr) (*Allocator, []byte) {
	t.Helper()

	size := frames * mm.PageSize
	buf := make([]byte, size+mm.PageSize)
	base := mm.AlignUp(uintptr(unsafe.Pointer(&buf[0])), mm.PageSize)

	// The allocator only ever reaches the buffer through direct-map
	// addresses the garbage collector cannot see; pin it for the whole
	// test.
	t.Cleanup(func() { runtime.KeepAlive(buf) })

	alloc, err := Init(&bootinfo.BootInfo{
		MemoryMap: bootinfo.MemoryMap{
			{Base: 0, Length: uint64(size), Kind: bootinfo.RegionUsable},
		},
		DirectMapOffset: uint64(base),
	})
	require.Nil(t, err)
	return alloc, buf
}

func blockBytes(ptr mm.VirtAddr, n uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), n)
}

func TestUninitialized(t *testing.T) {
	var alloc Allocator

	_, err := alloc.Alloc(8, 8)
	require.Equal(t, errUninitialized, err)
	require.Equal(t, errUninitialized, alloc.Free(mm.VirtAddr(0x1008), 8, 8))
	_, err = alloc.Realloc(mm.VirtAddr(0x1008), 8, 8, 16)
	require.Equal(t, errUninitialized, err)
}

// TestClassSelection checks the routing rule through observable
// behaviour: a pointer stays put under Realloc for any size its class
// covers, and Free only accepts sizes mapping to the owning class.
func TestClassSelection(t *testing.T) {
	alloc, _ := newTestHeap(t, 256)

	// size 20 -> class 24
	ptr, err := alloc.Alloc(20, 8)
	require.Nil(t, err)
	require.NotZero(t, uintptr(ptr)&(mm.PageSize-1), "slab block must not be page-aligned")

	same, err := alloc.Realloc(ptr, 20, 8, 24)
	require.Nil(t, err)
	require.Equal(t, ptr, same, "24 bytes still fit class 24")

	require.Equal(t, errBadFree, alloc.Free(ptr, 25, 8), "class 32 size must not free a class 24 block")
	require.Nil(t, alloc.Free(ptr, 24, 8))

	// size 1 -> class 8
	ptr, err = alloc.Alloc(1, 1)
	require.Nil(t, err)
	same, err = alloc.Realloc(ptr, 1, 1, 8)
	require.Nil(t, err)
	require.Equal(t, ptr, same, "8 bytes still fit class 8")
	require.Equal(t, errBadFree, alloc.Free(ptr, 9, 1))
	require.Nil(t, alloc.Free(ptr, 8, 1))

	// sizes 1025 and 4096 -> one page each, frame-granular
	for _, size := range []uintptr{1025, 4096} {
		ptr, err = alloc.Alloc(size, 8)
		require.Nil(t, err)
		require.Zero(t, uintptr(ptr)&(mm.PageSize-1), "frame-granular pointer must be page-aligned")
		require.Nil(t, alloc.Free(ptr, size, 8))
	}
}

func TestZeroFill(t *testing.T) {
	alloc, _ := newTestHeap(t, 256)

	// Slab path: dirty a block, free it, allocate again; the recycled
	// block must come back zeroed.
	ptr, err := alloc.Alloc(64, 8)
	require.Nil(t, err)
	data := blockBytes(ptr, 64)
	for _, got := range data {
		require.Equal(t, byte(0), got)
	}
	for i := range data {
		data[i] = 0xcc
	}
	require.Nil(t, alloc.Free(ptr, 64, 8))

	again, err := alloc.Alloc(64, 8)
	require.Nil(t, err)
	require.Equal(t, ptr, again, "free stack is LIFO")
	for i, got := range blockBytes(again, 64) {
		require.Equalf(t, byte(0), got, "byte %d", i)
	}
	require.Nil(t, alloc.Free(again, 64, 8))

	// Frame path.
	ptr, err = alloc.Alloc(3*4096, 8)
	require.Nil(t, err)
	data = blockBytes(ptr, 3*4096)
	for i, got := range data {
		require.Equalf(t, byte(0), got, "byte %d", i)
	}
	for i := range data {
		data[i] = 0xdd
	}
	require.Nil(t, alloc.Free(ptr, 3*4096, 8))

	again, err = alloc.Alloc(3*4096, 8)
	require.Nil(t, err)
	for i, got := range blockBytes(again, 3*4096) {
		require.Equalf(t, byte(0), got, "byte %d", i)
	}
}

func TestSlabDrawsNewPageWhenExhausted(t *testing.T) {
	alloc, _ := newTestHeap(t, 256)

	// Class 1024 carves 3 blocks per page; the 4th allocation must be
	// backed by a second page.
	var ptrs []mm.VirtAddr
	pages := make(map[uintptr]bool)
	for i := 0; i < 4; i++ {
		ptr, err := alloc.Alloc(1024, 8)
		require.Nil(t, err)
		ptrs = append(ptrs, ptr)
		pages[uintptr(ptr)&^(mm.PageSize-1)] = true
	}
	require.Len(t, pages, 2, "4 class-1024 blocks need two backing pages")

	// All blocks remain individually freeable.
	for _, ptr := range ptrs {
		require.Nil(t, alloc.Free(ptr, 1024, 8))
	}
}

func TestNoOverlap(t *testing.T) {
	alloc, _ := newTestHeap(t, 256)

	type span struct{ start, end uintptr }
	var live []span

	sizes := []uintptr{1, 8, 20, 24, 100, 1000, 1024, 1025, 5000, 16, 48, 4096, 300}
	for _, size := range sizes {
		ptr, err := alloc.Alloc(size, 8)
		require.Nil(t, err)

		// The reserved extent is the class block or the page span,
		// whichever granularity served the request.
		granted := size
		if class, ok := classIndex(size); ok {
			granted = blockSizes[class]
		} else {
			granted = mm.AlignUp(size, mm.PageSize)
		}

		start := uintptr(ptr)
		end := start + granted
		for _, s := range live {
			require.Falsef(t, start < s.end && s.start < end,
				"allocation [0x%x, 0x%x) overlaps live allocation [0x%x, 0x%x)", start, end, s.start, s.end)
		}
		live = append(live, span{start, end})
	}
}

func TestClassificationOnFree(t *testing.T) {
	alloc, _ := newTestHeap(t, 256)

	slabPtr, err := alloc.Alloc(32, 8)
	require.Nil(t, err)
	framePtr, err := alloc.Alloc(2*4096, 8)
	require.Nil(t, err)

	require.NotZero(t, uintptr(slabPtr)&(mm.PageSize-1))
	require.Zero(t, uintptr(framePtr)&(mm.PageSize-1))

	// A pointer inside a frame-granular region is not a slab block.
	require.Equal(t, errBadFree, alloc.Free(framePtr+8, 32, 8))

	// A misaligned pointer inside a slab page is rejected.
	require.Equal(t, errBadFree, alloc.Free(slabPtr+1, 32, 8))

	// The reserved first slot of a slab page is never a valid block.
	slabPage := mm.VirtAddr(uintptr(slabPtr) &^ (mm.PageSize - 1))
	require.Equal(t, errBadFree, alloc.Free(slabPage+8, 32, 8))

	require.Nil(t, alloc.Free(slabPtr, 32, 8))
	require.Nil(t, alloc.Free(framePtr, 2*4096, 8))

	// Double free of a frame-granular region is caught by the frame
	// allocator's bitmap validation.
	require.NotNil(t, alloc.Free(framePtr, 2*4096, 8))
}

// TestReallocGrowth covers the canonical case: an 8-byte block filled
// with a known pattern grows to 40 bytes and keeps its prefix.
func TestReallocGrowth(t *testing.T) {
	alloc, _ := newTestHeap(t, 256)

	ptr, err := alloc.Alloc(8, 8)
	require.Nil(t, err)
	for i, data := 0, blockBytes(ptr, 8); i < 8; i++ {
		data[i] = byte(0xf0 | i)
	}

	newPtr, err := alloc.Realloc(ptr, 8, 8, 40)
	require.Nil(t, err)
	require.NotEqual(t, ptr, newPtr, "40 bytes cannot fit class 8")

	newData := blockBytes(newPtr, 40)
	for i := 0; i < 8; i++ {
		require.Equalf(t, byte(0xf0|i), newData[i], "byte %d of the original block", i)
	}
	for i := 8; i < 40; i++ {
		require.Equalf(t, byte(0), newData[i], "byte %d past the copied prefix", i)
	}

	// The old block went back on its free list: the next class-8
	// allocation reuses it.
	again, err := alloc.Alloc(8, 8)
	require.Nil(t, err)
	require.Equal(t, ptr, again)
}

func TestReallocNilPointer(t *testing.T) {
	alloc, _ := newTestHeap(t, 256)

	ptr, err := alloc.Realloc(0, 0, 8, 40)
	require.Nil(t, err)
	require.NotZero(t, ptr)
	for i, got := range blockBytes(ptr, 40) {
		require.Equalf(t, byte(0), got, "byte %d", i)
	}
	require.Nil(t, alloc.Free(ptr, 40, 8))
}

func TestReallocWithinClass(t *testing.T) {
	alloc, _ := newTestHeap(t, 256)

	ptr, err := alloc.Alloc(40, 8)
	require.Nil(t, err)

	// Both growth within the class and shrink keep the pointer: there
	// is no in-place shrink.
	same, err := alloc.Realloc(ptr, 40, 8, 48)
	require.Nil(t, err)
	require.Equal(t, ptr, same)
	same, err = alloc.Realloc(ptr, 48, 8, 20)
	require.Nil(t, err)
	require.Equal(t, ptr, same)

	require.Nil(t, alloc.Free(ptr, 20, 8))
}

func TestReallocFrameGranular(t *testing.T) {
	alloc, _ := newTestHeap(t, 256)

	ptr, err := alloc.Alloc(5000, 8)
	require.Nil(t, err)
	data := blockBytes(ptr, 5000)
	for i := range data {
		data[i] = byte(i)
	}

	// 5000 and 8000 bytes both span two pages: the pointer must not move.
	same, err := alloc.Realloc(ptr, 5000, 8, 8000)
	require.Nil(t, err)
	require.Equal(t, ptr, same)

	// Growing to three pages moves the region and preserves the prefix.
	newPtr, err := alloc.Realloc(ptr, 8000, 8, 9000)
	require.Nil(t, err)
	require.NotEqual(t, ptr, newPtr)
	newData := blockBytes(newPtr, 9000)
	for i := 0; i < 5000; i++ {
		require.Equalf(t, byte(i), newData[i], "byte %d", i)
	}

	// The superseded region was released: a two-page allocation gets
	// the old frames back.
	reused, err := alloc.Alloc(8000, 8)
	require.Nil(t, err)
	require.Equal(t, ptr, reused)

	// Shrinking across a page boundary also moves and releases.
	shrunk, err := alloc.Realloc(newPtr, 9000, 8, 4096)
	require.Nil(t, err)
	require.NotEqual(t, newPtr, shrunk)
	for i, got := range blockBytes(shrunk, 4096) {
		require.Equalf(t, byte(i), got, "byte %d", i)
	}
}

func TestUsedAccounting(t *testing.T) {
	alloc, _ := newTestHeap(t, 256)
	require.Zero(t, alloc.Used())

	slabPtr, err := alloc.Alloc(20, 8)
	require.Nil(t, err)
	require.Equal(t, uint64(20), alloc.Used(), "accounting is in requested bytes, not class-rounded")

	framePtr, err := alloc.Alloc(5000, 8)
	require.Nil(t, err)
	require.Equal(t, uint64(5020), alloc.Used())

	// Realloc rebalances the counter by the requested-size delta.
	slabPtr, err = alloc.Realloc(slabPtr, 20, 8, 24)
	require.Nil(t, err)
	require.Equal(t, uint64(5024), alloc.Used())

	slabPtr, err = alloc.Realloc(slabPtr, 24, 8, 100)
	require.Nil(t, err)
	require.Equal(t, uint64(5100), alloc.Used())

	require.Nil(t, alloc.Free(framePtr, 5000, 8))
	require.Equal(t, uint64(100), alloc.Used())
	require.Nil(t, alloc.Free(slabPtr, 100, 8))
	require.Zero(t, alloc.Used())
}

func TestHeapOutOfMemory(t *testing.T) {
	// 8 frames: one is claimed by the frame bitmap.
	alloc, _ := newTestHeap(t, 8)

	_, err := alloc.Alloc(8*4096, 8)
	require.NotNil(t, err)
	require.Equal(t, "out of memory", err.Message)

	// Small allocations must still work afterwards.
	ptr, err := alloc.Alloc(16, 8)
	require.Nil(t, err)
	require.Nil(t, alloc.Free(ptr, 16, 8))
}
