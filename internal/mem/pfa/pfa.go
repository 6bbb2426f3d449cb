// Package pfa is the page-frame allocator: it owns every 2MiB physical
// frame in the machine and hands frames out by reference count. It
// scans its bitmap for a contiguous run of free frames to satisfy a
// multi-frame allocation, and tracks a reference count per frame so
// the kernel heap allocator's multi-frame requests and the VMM's
// shared anonymous mappings can both be served from the same pool.
package pfa

import (
	"sync"
	"sync/atomic"

	"novakernel/internal/kernel/errs"
	"novakernel/internal/mem/addr"
)

// maxRefcount bounds Share so a refcount can never wrap.
const maxRefcount = 1<<31 - 1

// Allocator tracks every frame in a single contiguous physical region.
// A frame is free exactly when its refcount is zero; there is no
// separate bitmap, the refcount array doubles as one.
type Allocator struct {
	sync.Mutex
	refcnt []int32
	base   addr.PhysAddr
	free   int
}

// New builds an allocator over nframes frames of addr.PageSize bytes
// starting at base. All frames start free.
func New(base addr.PhysAddr, nframes int) *Allocator {
	return &Allocator{
		refcnt: make([]int32, nframes),
		base:   base,
		free:   nframes,
	}
}

// Reserve marks the single frame at pa in-use without handing it to a
// caller, used at boot to carve out the run-flags page, the kernel
// image, and the kernel stack before the allocator is exposed to the
// rest of the kernel.
func (a *Allocator) Reserve(pa addr.PhysAddr) errs.Err_t {
	idx, e := a.index(pa)
	if !e.Ok() {
		return e
	}
	a.Lock()
	defer a.Unlock()
	if a.refcnt[idx] != 0 {
		return errs.WithAddr(errs.AlreadyMapped, pa.Uint64())
	}
	a.refcnt[idx] = 1
	a.free--
	return errs.Err_t{}
}

// Alloc finds the first run of npages contiguous free frames, the same
// first-fit bitmap scan palloc.rs's PageAllocator.alloc runs, marks
// each frame's refcount to 1, and returns the base of the run.
func (a *Allocator) Alloc(npages int) (addr.PhysAddr, errs.Err_t) {
	if npages <= 0 {
		return 0, errs.New(errs.InvalidPageCount)
	}
	a.Lock()
	defer a.Unlock()

	runStart, runLen := 0, 0
	for i := 0; i < len(a.refcnt); i++ {
		if a.refcnt[i] != 0 {
			runLen = 0
			continue
		}
		if runLen == 0 {
			runStart = i
		}
		runLen++
		if runLen == npages {
			for j := runStart; j < runStart+npages; j++ {
				a.refcnt[j] = 1
			}
			a.free -= npages
			return a.base.Add(uint64(runStart) * addr.PageSize), errs.Err_t{}
		}
	}
	return 0, errs.New(errs.OutOfMemory)
}

// Share increments the refcount of the single frame at pa, letting
// two mappings point at it without either one owning it outright.
func (a *Allocator) Share(pa addr.PhysAddr) errs.Err_t {
	idx, e := a.index(pa)
	if !e.Ok() {
		return e
	}
	a.Lock()
	defer a.Unlock()
	if a.refcnt[idx] <= 0 {
		return errs.WithAddr(errs.UnknownAllocation, pa.Uint64())
	}
	if a.refcnt[idx] >= maxRefcount {
		return errs.WithAddr(errs.PageRefcountOverflow, pa.Uint64())
	}
	atomic.AddInt32(&a.refcnt[idx], 1)
	return errs.Err_t{}
}

// Free decrements the refcount of each of npages frames starting at
// pa by one, releasing whichever frames reach zero. It reports how
// many of those frames were actually freed.
func (a *Allocator) Free(pa addr.PhysAddr, npages int) (int, errs.Err_t) {
	if npages <= 0 {
		return 0, errs.New(errs.InvalidPageCount)
	}
	startIdx, e := a.index(pa)
	if !e.Ok() {
		return 0, e
	}
	if int(startIdx)+npages > len(a.refcnt) {
		return 0, errs.WithAddr(errs.UnknownAllocation, pa.Uint64())
	}
	a.Lock()
	defer a.Unlock()
	for i := int(startIdx); i < int(startIdx)+npages; i++ {
		if a.refcnt[i] <= 0 {
			return 0, errs.WithAddr(errs.UnknownAllocation, pa.Uint64())
		}
	}
	freed := 0
	for i := int(startIdx); i < int(startIdx)+npages; i++ {
		if atomic.AddInt32(&a.refcnt[i], -1) == 0 {
			freed++
		}
	}
	a.free += freed
	return freed, errs.Err_t{}
}

// Refcount returns the current reference count of the frame at pa, or
// -1 if pa is outside the region this allocator owns.
func (a *Allocator) Refcount(pa addr.PhysAddr) int32 {
	idx, e := a.index(pa)
	if !e.Ok() {
		return -1
	}
	a.Lock()
	defer a.Unlock()
	return a.refcnt[idx]
}

// FreeFrames reports how many frames are currently unallocated.
func (a *Allocator) FreeFrames() int {
	a.Lock()
	defer a.Unlock()
	return a.free
}

func (a *Allocator) index(pa addr.PhysAddr) (uint32, errs.Err_t) {
	off := pa.Uint64() - a.base.Uint64()
	if pa.Uint64() < a.base.Uint64() || off%addr.PageSize != 0 {
		return 0, errs.WithAddr(errs.PhysicalToVirtual, pa.Uint64())
	}
	idx := off / addr.PageSize
	if idx >= uint64(len(a.refcnt)) {
		return 0, errs.WithAddr(errs.PhysicalToVirtual, pa.Uint64())
	}
	return uint32(idx), errs.Err_t{}
}
