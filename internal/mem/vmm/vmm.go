// Package vmm is the per-process virtual memory manager: it owns one
// process's brk-managed heap and its mmap region, both built on top of
// internal/mem/ptm for the actual page-table entries and
// internal/mem/kha for the frames behind them. A single mutex guards
// heapEnd/brk/mmapNext against concurrent syscalls from the same
// process.
package vmm

import (
	"sync"

	"novakernel/internal/kernel/errs"
	"novakernel/internal/mem/addr"
	"novakernel/internal/mem/kha"
	"novakernel/internal/mem/ptm"
)

const (
	// HeapBase is the fixed virtual address a process's brk-managed
	// heap starts at.
	HeapBase uint64 = 0x0000_0001_0000_0000
	// MmapBase is the fixed virtual address the mmap region starts at,
	// also the ceiling brk may never grow past.
	MmapBase uint64 = 0x0000_0004_0000_0000
	// MmapCeiling is the highest virtual address mmap may place a
	// mapping's end at.
	MmapCeiling uint64 = 0x0000_7000_0000_0000

	// MapFixed mirrors Linux's MAP_FIXED bit: honor hint exactly
	// instead of treating it as a placement suggestion.
	MapFixed uint32 = 0x10
)

// Vmm is one process's address space on top of a shared page-table
// root and kernel heap.
type Vmm struct {
	sync.Mutex

	heap  *kha.Heap
	pages *ptm.Manager

	brk      uint64 // current break, HeapBase initially
	heapEnd  uint64 // end of the last page actually mapped for the heap
	mmapNext uint64 // low end of the next next-fit mmap search
}

// New builds a Vmm with an empty heap and mmap region over pages,
// using heap to back every frame it maps.
func New(heap *kha.Heap, pages *ptm.Manager) *Vmm {
	return &Vmm{
		heap:     heap,
		pages:    pages,
		brk:      HeapBase,
		heapEnd:  HeapBase,
		mmapNext: MmapBase,
	}
}

// Pages returns the page-table manager backing this address space, so
// a process runtime can load its root into CR3 or tear it down on exit.
func (v *Vmm) Pages() *ptm.Manager {
	return v.pages
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// Brk implements the brk(2) contract: req==0 reads the current break
// without changing anything; otherwise it is the proposed new break.
// Shrinking the break never unmaps pages — the mapped region only
// ever grows.
func (v *Vmm) Brk(req uint64) (uint64, errs.Err_t) {
	v.Lock()
	defer v.Unlock()

	if req == 0 {
		return v.brk, errs.Err_t{}
	}
	if req < HeapBase || req >= MmapBase {
		return 0, errs.WithAddr(errs.VirtualToPhysical, req)
	}

	target := alignUp(req, addr.PageSize)
	for v.heapEnd < target {
		if e := v.mapOnePage(addr.NewVirtAddr(v.heapEnd)); !e.Ok() {
			return 0, e
		}
		v.heapEnd += addr.PageSize
	}

	v.brk = req
	return v.brk, errs.Err_t{}
}

// Mmap implements the mmap(2) contract used by the guest: hint is a
// placement hint (or a mandatory address when flags carries
// MapFixed), length is the requested length in bytes, rounded up to a
// whole number of pages.
func (v *Vmm) Mmap(hint uint64, length uint64, flags uint32) (uint64, errs.Err_t) {
	if length == 0 {
		return 0, errs.New(errs.InvalidPageCount)
	}
	length = alignUp(length, addr.PageSize)

	v.Lock()
	defer v.Unlock()

	var start uint64
	if flags&MapFixed != 0 {
		if hint == 0 || hint%addr.PageSize != 0 {
			return 0, errs.WithAddr(errs.VirtualToPhysical, hint)
		}
		end := hint + length
		if hint < MmapBase || end > MmapCeiling || hint < alignUp(v.brk, addr.PageSize) {
			return 0, errs.WithAddr(errs.OutOfMemory, hint)
		}
		if v.rangeMapped(hint, end) {
			return 0, errs.WithAddr(errs.AlreadyMapped, hint)
		}
		start = hint
	} else {
		floor := v.mmapNext
		if MmapBase > floor {
			floor = MmapBase
		}
		if brkAligned := alignUp(v.brk, addr.PageSize); brkAligned > floor {
			floor = brkAligned
		}
		if hint != 0 && hint > floor {
			floor = alignUp(hint, addr.PageSize)
		}

		found := false
		for candidate := floor; candidate+length <= MmapCeiling; candidate += addr.PageSize {
			if !v.rangeMapped(candidate, candidate+length) {
				start = candidate
				found = true
				break
			}
		}
		if !found {
			return 0, errs.New(errs.OutOfMemory)
		}
	}

	for page := start; page < start+length; page += addr.PageSize {
		if e := v.mapOnePage(addr.NewVirtAddr(page)); !e.Ok() {
			return 0, e
		}
	}

	if end := start + length; end > v.mmapNext {
		v.mmapNext = end
	}
	return start, errs.Err_t{}
}

// rangeMapped reports whether any page in [start, end) already has a
// present leaf, used to reject MAP_FIXED collisions and to skip
// occupied candidates during next-fit search.
func (v *Vmm) rangeMapped(start, end uint64) bool {
	for page := start; page < end; page += addr.PageSize {
		if _, ok := v.pages.GetIfPresent(addr.NewVirtAddr(page)); ok {
			return true
		}
	}
	return false
}

// mapOnePage allocates a single frame through the kernel heap and
// installs it as a present, writable, user-accessible leaf at va. On
// any failure past the allocation, the frame is freed before the
// error is returned so a failed page never leaks; pages already
// installed before the failure are left mapped rather than rolled
// back.
func (v *Vmm) mapOnePage(va addr.VirtAddr) errs.Err_t {
	frameVa, e := v.heap.Alloc(addr.PageSize)
	if !e.Ok() {
		return e
	}
	frame, e := frameVa.ToPhysical()
	if !e.Ok() {
		v.heap.Free(frameVa)
		return e
	}
	entry, e := v.pages.Get(va)
	if !e.Ok() {
		v.heap.Free(frameVa)
		return e
	}
	if entry.IsPresent() {
		v.heap.Free(frameVa)
		return errs.WithAddr(errs.AlreadyMapped, va.Uint64())
	}
	entry.SetLeaf(frame)
	return errs.Err_t{}
}
