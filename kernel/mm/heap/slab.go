package heap

import "github.com/falkor11/Beryl/kernel/mm"

// blockSizes lists the slab size classes in ascending order. The smallest
// class must be at least 8 bytes so a block can always hold a machine
// word, and every class divides into a frame with at most one wasted
// tail.
var blockSizes = [...]uintptr{8, 16, 24, 32, 48, 64, 128, 256, 512, 1024}

const numClasses = len(blockSizes)

// slab hands out fixed-size blocks carved from single frames. Free blocks
// are tracked out of band in a stack of block addresses instead of link
// words written into the freed memory itself; the owning class for each
// backing page lives in the dispatcher's side table. The first block-sized
// slot of every backing page is never handed out, which guarantees that no
// slab block is ever page-aligned.
type slab struct {
	blockSize  uintptr
	freeBlocks []mm.VirtAddr
}

// carve partitions a fresh backing page into blocks and pushes them onto
// the free stack. The slot at the start of the page is skipped.
func (s *slab) carve(page mm.VirtAddr) {
	for off := s.blockSize; off+s.blockSize <= mm.PageSize; off += s.blockSize {
		s.freeBlocks = append(s.freeBlocks, page+mm.VirtAddr(off))
	}
}

// pop removes and returns the most recently freed block. The caller must
// have ensured the stack is not empty.
func (s *slab) pop() mm.VirtAddr {
	last := len(s.freeBlocks) - 1
	block := s.freeBlocks[last]
	s.freeBlocks = s.freeBlocks[:last]
	return block
}

// push returns a block to the free stack. O(1), no coalescing; backing
// pages are never handed back to the frame allocator.
func (s *slab) push(block mm.VirtAddr) {
	s.freeBlocks = append(s.freeBlocks, block)
}

// classIndex returns the smallest size class that can serve a request of
// the given size, or false if the request must be served with whole
// frames.
func classIndex(size uintptr) (int, bool) {
	for i, blockSize := range blockSizes {
		if blockSize >= size {
			return i, true
		}
	}
	return 0, false
}
