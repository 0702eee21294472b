// Package pmm implements the physical frame allocator. Every 4KB frame up
// to the highest usable address is tracked by a single bitmap whose
// storage is carved out of the first usable region large enough to hold
// it. Frame reservations use a next-fit scan with a single wraparound; a
// shared atomic cursor remembers where the last scan stopped so
// allocations tend to walk forward instead of rescanning low memory.
package pmm

import (
	"sync/atomic"
	"unsafe"

	"github.com/falkor11/Beryl/kernel"
	"github.com/falkor11/Beryl/kernel/hal/bootinfo"
	"github.com/falkor11/Beryl/kernel/kfmt"
	"github.com/falkor11/Beryl/kernel/mm"
	ksync "github.com/falkor11/Beryl/kernel/sync"
)

var (
	errOutOfMemory      = &kernel.Error{Module: "pmm", Message: "out of memory"}
	errUninitialized    = &kernel.Error{Module: "pmm", Message: "allocator used before Init"}
	errAlreadyInit      = &kernel.Error{Module: "pmm", Message: "Init called more than once"}
	errNoUsableMemory   = &kernel.Error{Module: "pmm", Message: "memory map contains no usable region"}
	errNoBitmapSpace    = &kernel.Error{Module: "pmm", Message: "no usable region large enough to hold the frame bitmap"}
	errFrameNotReserved = &kernel.Error{Module: "pmm", Message: "free of a frame that is not reserved"}
	errZeroPages        = &kernel.Error{Module: "pmm", Message: "allocation of zero pages"}
)

// Allocator tracks the used/free state of every physical frame. The
// bitmap is the single source of truth for frame ownership and is only
// ever mutated with the lock held. The scan cursor is intentionally a
// separate atomic updated outside strict lock ordering with the bitmap;
// it is a placement hint and correctness never depends on its value.
type Allocator struct {
	lock ksync.Spinlock

	// bitmap holds one bit per frame; set means reserved. Its storage
	// lives inside a usable region carved out during Init, reached
	// through the direct map.
	bitmap Bitmap

	// cursor hints at the next bit to examine. Loaded/stored with
	// atomics only.
	cursor uint64

	directMap   mm.DirectMap
	totalFrames uint64
	initialized bool
}

// Init sizes and places the frame bitmap using the boot memory map and
// marks every frame belonging to a usable region as free. All other
// frames, including the ones backing the bitmap itself, stay permanently
// reserved. Init must be called exactly once before any allocation.
func (a *Allocator) Init(memoryMap bootinfo.MemoryMap, directMap mm.DirectMap) *kernel.Error {
	if a.initialized {
		return errAlreadyInit
	}
	a.directMap = directMap

	kfmt.Printf("[pmm] system memory map:\n")
	var (
		highestAddr uint64
		totalUsable mm.Size
	)
	for _, region := range memoryMap {
		kfmt.Printf("[pmm]\t[0x%16x - 0x%16x], size: %10d, type: %s\n",
			region.Base, region.Base+region.Length, region.Length, region.Kind.String())

		if region.Kind == bootinfo.RegionUsable {
			if end := region.Base + region.Length; end > highestAddr {
				highestAddr = end
			}
			totalUsable += mm.Size(region.Length)
		}
	}
	if highestAddr == 0 {
		return errNoUsableMemory
	}

	pageSize := uint64(mm.PageSize)
	totalFrames := (highestAddr + pageSize - 1) / pageSize
	bitmapBytes := ((totalFrames+7)/8 + pageSize - 1) &^ (pageSize - 1)

	// Carve the bitmap storage out of the first usable region that can
	// hold it. The carved prefix stays reserved forever. The boot map
	// itself is never mutated; the adjustment happens on a local copy.
	regions := make(bootinfo.MemoryMap, len(memoryMap))
	copy(regions, memoryMap)

	placed := false
	for i := range regions {
		if regions[i].Kind != bootinfo.RegionUsable || regions[i].Length < bitmapBytes {
			continue
		}

		storageVirt := directMap.VirtAddr(mm.PhysAddr(regions[i].Base))
		storage := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(storageVirt))), bitmapBytes)
		kernel.Memset(uintptr(storageVirt), 0xff, uintptr(bitmapBytes))
		a.bitmap = NewBitmap(storage)

		kfmt.Printf("[pmm] frame bitmap: %d bytes at 0x%16x\n", bitmapBytes, regions[i].Base)

		regions[i].Base += bitmapBytes
		regions[i].Length -= bitmapBytes
		placed = true
		break
	}
	if !placed {
		return errNoBitmapSpace
	}

	// Conservatively everything is reserved; release exactly the frames
	// covered by the (adjusted) usable regions.
	var freeFrames uint64
	for _, region := range regions {
		if region.Kind != bootinfo.RegionUsable {
			continue
		}

		firstFrame := (region.Base + pageSize - 1) / pageSize
		endFrame := (region.Base + region.Length) / pageSize
		for frame := firstFrame; frame < endFrame; frame++ {
			a.bitmap.Unset(frame)
			freeFrames++
		}
	}

	kfmt.Printf("[pmm] highest usable address: 0x%16x (%d frames)\n", highestAddr, totalFrames)
	kfmt.Printf("[pmm] available memory: %dKb\n", (uint64(totalUsable)-bitmapBytes)/uint64(mm.Kb))

	a.totalFrames = totalFrames
	atomic.StoreUint64(&a.cursor, 0)
	a.initialized = true
	return nil
}

// Alloc reserves a run of pages contiguous frames, zero-fills them
// through the direct map and returns the physical address of the first
// frame. Failure to find a run after one wraparound retry is reported as
// out of memory, which callers treat as unrecoverable.
func (a *Allocator) Alloc(pages uint64) (mm.PhysAddr, *kernel.Error) {
	phys, err := a.AllocNoZero(pages)
	if err != nil {
		return phys, err
	}

	kernel.Memset(uintptr(a.directMap.VirtAddr(phys)), 0, uintptr(pages)*mm.PageSize)
	return phys, nil
}

// AllocNoZero behaves like Alloc but skips the zero fill. Callers that
// immediately overwrite the whole run use it to avoid touching the frames
// twice.
func (a *Allocator) AllocNoZero(pages uint64) (mm.PhysAddr, *kernel.Error) {
	if !a.initialized {
		return 0, errUninitialized
	}
	if pages == 0 {
		return 0, errZeroPages
	}

	a.lock.Acquire()
	frame, ok := a.reserveRun(pages)
	if !ok {
		// Single wraparound retry: rescan once from the start.
		atomic.StoreUint64(&a.cursor, 0)
		frame, ok = a.reserveRun(pages)
	}
	a.lock.Release()

	if !ok {
		return 0, errOutOfMemory
	}
	return frame.Address(), nil
}

// Free releases a run of pages frames starting at phys and leaves the
// cursor pointing at the first freed frame so the next scan favours the
// recently released memory. Releasing a frame that is not currently
// reserved is a caller bug and is reported instead of silently corrupting
// the bitmap.
func (a *Allocator) Free(phys mm.PhysAddr, pages uint64) *kernel.Error {
	if !a.initialized {
		return errUninitialized
	}

	firstFrame := uint64(mm.FrameFromAddress(phys))

	a.lock.Acquire()
	for frame := firstFrame; frame < firstFrame+pages; frame++ {
		if !a.bitmap.Test(frame) {
			a.lock.Release()
			return errFrameNotReserved
		}
	}
	for frame := firstFrame; frame < firstFrame+pages; frame++ {
		a.bitmap.Unset(frame)
	}
	a.lock.Release()

	atomic.StoreUint64(&a.cursor, firstFrame)
	return nil
}

// TotalFrames returns the number of frames covered by the allocator, up
// to the highest usable physical address.
func (a *Allocator) TotalFrames() uint64 {
	return a.totalFrames
}

// DirectMap returns the direct map installed at Init.
func (a *Allocator) DirectMap() mm.DirectMap {
	return a.directMap
}

// reserveRun performs one next-fit scan from the cursor position looking
// for pages consecutive free bits. On success the run is marked reserved
// and the cursor is left just past it. The caller must hold the lock.
func (a *Allocator) reserveRun(pages uint64) (mm.Frame, bool) {
	var (
		run   uint64
		limit = a.bitmap.Len()
		idx   = atomic.LoadUint64(&a.cursor)
	)

	for ; idx < limit; idx++ {
		if a.bitmap.Test(idx) {
			run = 0
			continue
		}

		run++
		if run < pages {
			continue
		}

		firstFrame := idx + 1 - pages
		for frame := firstFrame; frame <= idx; frame++ {
			a.bitmap.Set(frame)
		}
		atomic.StoreUint64(&a.cursor, idx+1)
		return mm.Frame(firstFrame), true
	}

	atomic.StoreUint64(&a.cursor, idx)
	return mm.InvalidFrame, false
}
