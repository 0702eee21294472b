// Package mm defines the address types shared by the physical frame
// allocator and the kernel heap: physical and virtual addresses, frame
// numbers and the higher-half direct map translation between them.
package mm

import "math"

// PhysAddr describes a physical memory address.
type PhysAddr uintptr

// VirtAddr describes a virtual memory address. Physical and virtual
// addresses are never interchangeable without going through a DirectMap.
type VirtAddr uintptr

// Frame describes a physical memory page index.
type Frame uintptr

// InvalidFrame is returned by frame allocators when they fail to reserve
// the requested frames.
const InvalidFrame = Frame(math.MaxUint64)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address where this frame begins.
func (f Frame) Address() PhysAddr {
	return PhysAddr(f << PageShift)
}

// FrameFromAddress returns the Frame containing the given physical
// address. Addresses that are not page-aligned are rounded down to the
// frame that contains them.
func FrameFromAddress(physAddr PhysAddr) Frame {
	return Frame((uintptr(physAddr) & ^(PageSize - 1)) >> PageShift)
}

// DirectMap is the offset of the higher-half direct map: the virtual
// window through which all physical memory is accessible. It is
// established exactly once at boot and installed into each allocator,
// never stored as package state.
type DirectMap uintptr

// VirtAddr translates a physical address inside the direct-mapped region
// to the virtual address where it is accessible.
func (d DirectMap) VirtAddr(phys PhysAddr) VirtAddr {
	return VirtAddr(uintptr(phys) + uintptr(d))
}

// PhysAddr translates a virtual address inside the direct map window back
// to the physical address it aliases.
func (d DirectMap) PhysAddr(virt VirtAddr) PhysAddr {
	return PhysAddr(uintptr(virt) - uintptr(d))
}

// AlignUp rounds v up to the nearest multiple of align. The alignment
// must be a power of two.
func AlignUp(v, align uintptr) uintptr {
	return (v + align - 1) & ^(align - 1)
}

// AlignDown rounds v down to the nearest multiple of align. The alignment
// must be a power of two.
func AlignDown(v, align uintptr) uintptr {
	return v & ^(align - 1)
}
