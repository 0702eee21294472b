// Package heap implements the kernel's general-purpose allocator: a set
// of slab size classes for small requests layered on top of the physical
// frame allocator for everything else. The dispatcher is the single entry
// point the rest of the kernel allocates through.
package heap

import (
	"github.com/falkor11/Beryl/kernel"
	"github.com/falkor11/Beryl/kernel/hal/bootinfo"
	"github.com/falkor11/Beryl/kernel/kfmt"
	"github.com/falkor11/Beryl/kernel/mm"
	"github.com/falkor11/Beryl/kernel/mm/pmm"
	ksync "github.com/falkor11/Beryl/kernel/sync"
)

var (
	errUninitialized = &kernel.Error{Module: "heap", Message: "allocator used before Init"}
	errBadFree       = &kernel.Error{Module: "heap", Message: "pointer/size pair does not match a live allocation"}
)

// Allocator routes allocation requests either to a slab size class or,
// for requests larger than the biggest class, directly to whole frames
// reached through the direct map.
//
// A single lock serializes all dispatcher state. Operations that need
// backing pages call into the frame allocator while still holding it,
// which fixes the global lock order: heap lock before frame lock. That
// order must never be inverted anywhere in the kernel.
type Allocator struct {
	lock ksync.Spinlock

	frames    *pmm.Allocator
	directMap mm.DirectMap

	slabs [numClasses]slab

	// pageOwner records which size class owns each slab-backing frame.
	// It replaces an in-page descriptor back-reference so allocator
	// metadata never shares a page with payload blocks.
	pageOwner map[mm.Frame]int

	// usedBytes counts outstanding allocations in requested (not
	// class-rounded) bytes. Advisory telemetry, not a limit.
	usedBytes uint64

	initialized bool
}

// Init brings up the whole memory subsystem from the boot inputs: it
// initializes the frame allocator over the boot memory map and returns
// the heap dispatcher wired on top of it. It must be called exactly once,
// before anything else allocates.
func Init(info *bootinfo.BootInfo) (*Allocator, *kernel.Error) {
	kfmt.Printf("[mm] direct map @ 0x%16x\n", info.DirectMapOffset)

	directMap := mm.DirectMap(info.DirectMapOffset)
	frames := new(pmm.Allocator)
	if err := frames.Init(info.MemoryMap, directMap); err != nil {
		return nil, err
	}

	return NewAllocator(frames, directMap), nil
}

// NewAllocator returns a dispatcher backed by an already initialized
// frame allocator. Split out of Init so the heap can be exercised against
// synthetic memory maps.
func NewAllocator(frames *pmm.Allocator, directMap mm.DirectMap) *Allocator {
	a := &Allocator{
		frames:      frames,
		directMap:   directMap,
		pageOwner:   make(map[mm.Frame]int),
		initialized: true,
	}
	for i := range a.slabs {
		a.slabs[i].blockSize = blockSizes[i]
	}
	return a
}

// Alloc returns a zero-filled region of at least size bytes. Requests
// that fit a size class are served from its slab; anything larger is
// rounded up to whole frames. Alignment is satisfied implicitly by the
// class and page granularity, so align must not exceed the natural
// alignment of the region that serves the request.
func (a *Allocator) Alloc(size, align uintptr) (mm.VirtAddr, *kernel.Error) {
	a.lock.Acquire()
	ptr, err := a.alloc(size, align)
	a.lock.Release()
	return ptr, err
}

// Free releases a region previously returned by Alloc. The size and
// align values must match the ones used for the allocation.
func (a *Allocator) Free(ptr mm.VirtAddr, size, align uintptr) *kernel.Error {
	a.lock.Acquire()
	err := a.free(ptr, size, align)
	a.lock.Release()
	return err
}

// Realloc resizes a region previously returned by Alloc to newSize bytes,
// preserving the overlapping prefix. A nil ptr behaves as a fresh Alloc.
// When a new region has to be obtained the old one is always released
// before returning.
func (a *Allocator) Realloc(ptr mm.VirtAddr, size, align, newSize uintptr) (mm.VirtAddr, *kernel.Error) {
	a.lock.Acquire()
	newPtr, err := a.realloc(ptr, size, align, newSize)
	a.lock.Release()
	return newPtr, err
}

// Used returns the number of outstanding requested bytes.
func (a *Allocator) Used() uint64 {
	a.lock.Acquire()
	used := a.usedBytes
	a.lock.Release()
	return used
}

// alloc implements Alloc. The caller must hold the lock.
func (a *Allocator) alloc(size, align uintptr) (mm.VirtAddr, *kernel.Error) {
	if !a.initialized {
		return 0, errUninitialized
	}

	if class, ok := classIndex(size); ok {
		block, err := a.slabAlloc(class)
		if err != nil {
			return 0, err
		}
		a.usedBytes += uint64(size)
		return block, nil
	}

	pages := uint64(mm.AlignUp(size, mm.PageSize) >> mm.PageShift)
	phys, err := a.frames.Alloc(pages)
	if err != nil {
		return 0, err
	}
	a.usedBytes += uint64(size)
	return a.directMap.VirtAddr(phys), nil
}

// free implements Free. The caller must hold the lock.
func (a *Allocator) free(ptr mm.VirtAddr, size, align uintptr) *kernel.Error {
	if !a.initialized {
		return errUninitialized
	}
	if ptr == 0 {
		return errBadFree
	}

	if uintptr(ptr)&(mm.PageSize-1) == 0 {
		// Page-aligned pointers are frame-granular and are released
		// exclusively through the frame allocator.
		pages := uint64(mm.AlignUp(size, mm.PageSize) >> mm.PageShift)
		if err := a.frames.Free(a.directMap.PhysAddr(ptr), pages); err != nil {
			return err
		}
		a.usedBytes -= uint64(size)
		return nil
	}

	class, err := a.owningClass(ptr, size)
	if err != nil {
		return err
	}
	a.slabs[class].push(ptr)
	a.usedBytes -= uint64(size)
	return nil
}

// realloc implements Realloc. The caller must hold the lock.
func (a *Allocator) realloc(ptr mm.VirtAddr, size, align, newSize uintptr) (mm.VirtAddr, *kernel.Error) {
	if !a.initialized {
		return 0, errUninitialized
	}
	if ptr == 0 {
		return a.alloc(newSize, align)
	}

	if uintptr(ptr)&(mm.PageSize-1) == 0 {
		// Frame-granular: in place when the page count is unchanged,
		// otherwise move and always release the superseded run.
		oldSpan := mm.AlignUp(size, mm.PageSize)
		newSpan := mm.AlignUp(newSize, mm.PageSize)
		if oldSpan == newSpan {
			a.usedBytes += uint64(newSize) - uint64(size)
			return ptr, nil
		}

		newPtr, err := a.alloc(newSize, align)
		if err != nil {
			return 0, err
		}
		copySize := size
		if newSize < size {
			copySize = newSize
		}
		kernel.Memcopy(uintptr(ptr), uintptr(newPtr), copySize)
		if err := a.free(ptr, size, align); err != nil {
			return 0, err
		}
		return newPtr, nil
	}

	class, err := a.owningClass(ptr, size)
	if err != nil {
		return 0, err
	}
	s := &a.slabs[class]
	if newSize <= s.blockSize {
		// Still fits the owning class; no in-place shrink.
		a.usedBytes += uint64(newSize) - uint64(size)
		return ptr, nil
	}

	newPtr, err := a.alloc(newSize, align)
	if err != nil {
		return 0, err
	}
	kernel.Memcopy(uintptr(ptr), uintptr(newPtr), s.blockSize)
	s.push(ptr)
	a.usedBytes -= uint64(size)
	return newPtr, nil
}

// slabAlloc pops a block from the class's free stack, drawing a fresh
// backing frame first if the stack is empty. Returned blocks are always
// zero-filled. The caller must hold the lock.
func (a *Allocator) slabAlloc(class int) (mm.VirtAddr, *kernel.Error) {
	s := &a.slabs[class]
	if len(s.freeBlocks) == 0 {
		// Lazy backing: the class claims a frame on first use and
		// whenever the current pages are exhausted. Blocks are zeroed
		// individually at hand-out, so the frame itself is not.
		phys, err := a.frames.AllocNoZero(1)
		if err != nil {
			return 0, err
		}
		a.pageOwner[mm.FrameFromAddress(phys)] = class
		s.carve(a.directMap.VirtAddr(phys))
	}

	block := s.pop()
	kernel.Memset(uintptr(block), 0, s.blockSize)
	return block, nil
}

// owningClass recovers the size class serving ptr through the page side
// table and validates that ptr and the caller-declared size describe a
// block that class could have handed out.
func (a *Allocator) owningClass(ptr mm.VirtAddr, size uintptr) (int, *kernel.Error) {
	page := mm.VirtAddr(uintptr(ptr) &^ (mm.PageSize - 1))
	class, ok := a.pageOwner[mm.FrameFromAddress(a.directMap.PhysAddr(page))]
	if !ok {
		return 0, errBadFree
	}

	s := &a.slabs[class]
	off := uintptr(ptr) - uintptr(page)
	if off < s.blockSize || off%s.blockSize != 0 {
		return 0, errBadFree
	}
	// The declared size must fit the owning class. It may map to a
	// smaller class than the owner when the block was shrunk in place by
	// Realloc, so an exact class match cannot be required.
	if size > s.blockSize {
		return 0, errBadFree
	}
	return class, nil
}
