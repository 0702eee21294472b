package bootinfo

import "testing"

func TestRegionKindString(t *testing.T) {
	specs := []struct {
		kind RegionKind
		exp  string
	}{
		{RegionUsable, "usable"},
		{RegionReserved, "reserved"},
		{RegionACPIReclaimable, "ACPI reclaimable"},
		{RegionACPINVS, "ACPI NVS"},
		{RegionBadMemory, "bad memory"},
		{RegionBootloaderReclaimable, "bootloader reclaimable"},
		{RegionKernelAndModules, "kernel and modules"},
		{RegionFramebuffer, "framebuffer"},
		{RegionKind(0xff), "unknown"},
	}

	for specIndex, spec := range specs {
		if got := spec.kind.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}
