// Package bootinfo defines the data handed to the kernel by the
// bootloader before any subsystem runs: the physical memory map and the
// offset of the higher-half direct map. Both are supplied exactly once
// and never change afterwards.
package bootinfo

// RegionKind describes the type of a physical memory region reported by
// the bootloader's memory map.
type RegionKind uint64

const (
	// RegionUsable memory is free for the kernel to allocate.
	RegionUsable RegionKind = iota

	// RegionReserved memory must never be touched.
	RegionReserved

	// RegionACPIReclaimable memory holds ACPI tables and may be reused
	// once they have been parsed.
	RegionACPIReclaimable

	// RegionACPINVS memory is ACPI non-volatile storage.
	RegionACPINVS

	// RegionBadMemory marks regions the firmware found to be faulty.
	RegionBadMemory

	// RegionBootloaderReclaimable memory holds bootloader structures
	// (including the memory map itself) that may be reclaimed once the
	// kernel no longer reads them.
	RegionBootloaderReclaimable

	// RegionKernelAndModules memory holds the kernel image and any
	// loaded modules.
	RegionKernelAndModules

	// RegionFramebuffer memory is mapped to the display framebuffer.
	RegionFramebuffer
)

// String implements fmt.Stringer for RegionKind.
func (k RegionKind) String() string {
	switch k {
	case RegionUsable:
		return "usable"
	case RegionReserved:
		return "reserved"
	case RegionACPIReclaimable:
		return "ACPI reclaimable"
	case RegionACPINVS:
		return "ACPI NVS"
	case RegionBadMemory:
		return "bad memory"
	case RegionBootloaderReclaimable:
		return "bootloader reclaimable"
	case RegionKernelAndModules:
		return "kernel and modules"
	case RegionFramebuffer:
		return "framebuffer"
	}
	return "unknown"
}

// MemoryRegion describes one entry of the boot memory map.
type MemoryRegion struct {
	// Base is the physical address where the region starts. Bases
	// reported by the bootloader are page-aligned.
	Base uint64

	// Length of the region in bytes.
	Length uint64

	// Kind reports how the region may be used.
	Kind RegionKind
}

// MemoryMap is the ordered sequence of memory regions supplied at boot.
type MemoryMap []MemoryRegion

// BootInfo carries the one-time boot inputs consumed by the memory
// subsystem.
type BootInfo struct {
	// MemoryMap is the physical memory map.
	MemoryMap MemoryMap

	// DirectMapOffset is the virtual offset at which all physical
	// memory is mapped: physical address p is reachable at virtual
	// address p + DirectMapOffset.
	DirectMapOffset uint64
}
