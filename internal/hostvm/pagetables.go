package hostvm

import (
	"encoding/binary"

	"novakernel/internal/mem/addr"
)

var kernelCodeVirt = addr.VirtAddr(addr.KernelCodeVirt)

// BuildInitialPageTables writes the direct-map and kernel-code PML4/
// PDPT/PD entries described by layout directly into mem, which must
// extend at least to the end of the kernel-code PD table
// (layout.KernelCodePd plus one table). This is the one piece of
// page-table construction the host owns rather than the guest
// kernel's PTM: the guest's PTM only ever builds user-half tables
// after boot.
func BuildInitialPageTables(mem []byte, layout Layout) {
	putEntry := func(at uint64, val uint64) {
		binary.LittleEndian.PutUint64(mem[at:at+8], val)
	}

	for i := uint64(0); i < layout.DirectMapPml4EntryCount; i++ {
		val := layout.DirectMapPdpt + i*pageTableSize | ptePresent | pteRW
		at := layout.DirectMapPml4 + (uint64(layout.DirectMapPml4Offset)+i)*8
		putEntry(at, val)
	}

	for i := uint64(0); i < layout.DirectMapPdptCount*pageTableEntries; i++ {
		pdPhys := layout.DirectMapPd + i*pageTableSize
		val := pdPhys | ptePresent | pteRW
		at := layout.DirectMapPdpt + i*8
		putEntry(at, val)
	}

	for i := uint64(0); i < layout.DirectMapPdCount*pageTableEntries; i++ {
		phys := i * addr.PageSize
		val := phys | ptePresent | pteRW | ptePS
		at := layout.DirectMapPd + i*8
		putEntry(at, val)
	}

	kernelPml4Val := layout.KernelCodePdpt | ptePresent | pteRW
	kernelPml4Addr := layout.DirectMapPml4 + uint64(kernelCodeVirt.Pml4Index())*8
	putEntry(kernelPml4Addr, kernelPml4Val)

	for i := uint64(0); i < 2; i++ {
		pdPhys := layout.KernelCodePd + i*pageTableSize
		val := pdPhys | ptePresent | pteRW
		at := layout.KernelCodePdpt + (uint64(kernelCodeVirt.PdptIndex())+i)*8
		putEntry(at, val)
	}

	for i := uint64(0); i < pageTableEntries; i++ {
		phys := layout.KernelCodePhys + i*addr.PageSize
		val := phys | ptePresent | pteRW | ptePS
		at := layout.KernelCodePd + i*8
		putEntry(at, val)
	}
}
