package hostvm

import "testing"

func TestBuildLayoutAllTablesAreFrameAligned(t *testing.T) {
	l := BuildLayout()
	for name, v := range map[string]uint64{
		"DirectMapPml4":  l.DirectMapPml4,
		"DirectMapPdpt":  l.DirectMapPdpt,
		"DirectMapPd":    l.DirectMapPd,
		"KernelCodePdpt": l.KernelCodePdpt,
		"KernelCodePd":   l.KernelCodePd,
	} {
		if v%4096 != 0 {
			t.Fatalf("%s = %#x is not 4KiB aligned", name, v)
		}
	}
	if l.KernelCodePhys%(2<<20) != 0 {
		t.Fatalf("KernelCodePhys = %#x is not 2MiB aligned", l.KernelCodePhys)
	}
}

func TestBuildLayoutDirectMapPdTablesDontOverlapKernelPdpt(t *testing.T) {
	l := BuildLayout()
	dmPdEnd := l.DirectMapPd + l.DirectMapPdCount*pageTableSize
	if dmPdEnd > l.KernelCodePdpt {
		t.Fatalf("direct-map PD tables end at %#x, overlapping kernel PDPT at %#x", dmPdEnd, l.KernelCodePdpt)
	}
}

func TestBuildLayoutRunFlagsFollowsKernelCode(t *testing.T) {
	l := BuildLayout()
	if l.RunFlagsPhys != l.KernelCodePhys+l.KernelCodeSize {
		t.Fatalf("RunFlagsPhys = %#x, want %#x", l.RunFlagsPhys, l.KernelCodePhys+l.KernelCodeSize)
	}
	if l.PallocFirstPage != l.RunFlagsPhys+runFlagsSize {
		t.Fatalf("PallocFirstPage = %#x, want %#x", l.PallocFirstPage, l.RunFlagsPhys+runFlagsSize)
	}
}
