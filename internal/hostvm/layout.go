// Package hostvm is the host virtualization monitor: it owns the KVM
// file descriptors, the guest's physical memory, the guest's initial
// page tables and vCPU register state, ELF loading, and the run loop
// that dispatches KVM_EXIT_IO/KVM_EXIT_HLT back into the serial
// console and the 0xF4 test-exit protocol.
package hostvm

import "novakernel/internal/mem/addr"

// Page-table entry flag bits.
const (
	ptePresent uint64 = 0x1
	pteRW      uint64 = 0x2
	ptePS      uint64 = 0x80
)

const (
	pageTableEntries = 512
	pageTableSize    = 8 * pageTableEntries

	kernelStackSize = 0x1000 * 8 // 32KiB
	runFlagsSize    = 8          // size of the run-flags word
)

func divCeil(a, b uint64) uint64 {
	return (a + b - 1) / b
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// Layout is the fixed guest-physical memory map the host builds
// before the guest's first instruction runs: the direct-map page
// tables, the kernel-code page tables, the kernel's own code/stack
// region, and the run-flags word the guest reads at entry. Every
// field is a guest physical address except MemSize and KernelCodeSize
// (byte sizes), DirectMapPml4Offset (a PML4 index), and the *Count
// fields. KernelStack is the top of the kernel stack, which grows down
// into the kernelStackSize bytes below KernelCodePhys.
type Layout struct {
	MemSize uint64

	DirectMapPml4            uint64
	DirectMapPml4Offset      int
	DirectMapPml4EntryCount  uint64
	DirectMapPdpt            uint64
	DirectMapPdptCount       uint64
	DirectMapPd              uint64
	DirectMapPdCount         uint64
	KernelCodePdpt           uint64
	KernelCodePd             uint64
	KernelStack              uint64
	KernelCodePhys           uint64
	KernelCodeSize           uint64
	RunFlagsPhys             uint64
	PallocFirstPage          uint64
}

// BuildLayout computes the fixed memory map for a guest with
// MaxPhysicalAddr+1 bytes of addressable physical memory.
func BuildLayout() Layout {
	memSize := addr.MaxPhysicalAddr + 1

	directMapPml4 := uint64(0)
	directMapPdpt := directMapPml4 + pageTableSize
	directMapPdptCount := divCeil(memSize, addr.PageSize*pageTableEntries*pageTableEntries)
	directMapPd := directMapPdpt + directMapPdptCount*pageTableSize
	directMapPdCount := divCeil(memSize, addr.PageSize*pageTableEntries)

	kernelCodePdpt := directMapPd + directMapPdCount*pageTableSize
	kernelCodePd := kernelCodePdpt + pageTableSize

	kernelStack := alignUp(kernelCodePd+pageTableSize+kernelStackSize, addr.PageSize)
	kernelCodePhys := kernelStack
	kernelCodeSize := uint64(addr.PageSize - runFlagsSize)
	runFlagsPhys := kernelCodePhys + kernelCodeSize
	pallocFirstPage := runFlagsPhys + runFlagsSize

	directMapPml4Offset := addr.VirtAddr(addr.DirectMapOffset).Pml4Index()
	directMapPml4EntryCount := directMapPdptCount

	return Layout{
		MemSize: memSize,

		DirectMapPml4:           directMapPml4,
		DirectMapPml4Offset:     directMapPml4Offset,
		DirectMapPml4EntryCount: directMapPml4EntryCount,
		DirectMapPdpt:           directMapPdpt,
		DirectMapPdptCount:      directMapPdptCount,
		DirectMapPd:             directMapPd,
		DirectMapPdCount:        directMapPdCount,
		KernelCodePdpt:          kernelCodePdpt,
		KernelCodePd:            kernelCodePd,
		KernelStack:             kernelStack,
		KernelCodePhys:          kernelCodePhys,
		KernelCodeSize:          kernelCodeSize,
		RunFlagsPhys:            runFlagsPhys,
		PallocFirstPage:         pallocFirstPage,
	}
}
