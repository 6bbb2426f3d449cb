// Package kha is the kernel heap allocator: kmalloc/kfree for the rest
// of the kernel. Small requests (up to one 2MiB frame) are served from
// fixed-block-size slabs; requests larger than a frame are served as
// contiguous runs straight from the page-frame allocator.
package kha

import (
	"sync"
	"unsafe"

	"novakernel/internal/kernel/errs"
	"novakernel/internal/mem/addr"
	"novakernel/internal/mem/pfa"
)

const (
	minShift         = 10 // 1 KiB
	maxShift         = 24 // 16 MiB
	minAllocSize     = 1 << minShift
	maxAllocSize     = 1 << maxShift
	smallClassCount  = 21 - minShift + 1 // 1 KiB .. 2 MiB
	maxSlabsPerClass = 128
	maxLargeAllocs   = 256
	freeListEnd      = ^uint32(0)
)

type smallSlab struct {
	inUse     bool
	base      addr.PhysAddr
	blockSize uint32
	capacity  uint32
	freeCount uint32
	freeHead  uint32
}

type smallClass struct {
	blockSize uint32
	slabs     [maxSlabsPerClass]smallSlab
}

type largeAlloc struct {
	inUse bool
	base  addr.PhysAddr
	pages uint64
}

// Heap is a kernel heap allocator backed by a single page-frame
// allocator. It is safe for concurrent use.
type Heap struct {
	sync.Mutex
	frames *pfa.Allocator
	small  [smallClassCount]smallClass
	large  [maxLargeAllocs]largeAlloc
}

// New builds a heap that pulls its backing frames from frames.
func New(frames *pfa.Allocator) *Heap {
	h := &Heap{frames: frames}
	for i := range h.small {
		h.small[i].blockSize = 1 << (minShift + i)
		for j := range h.small[i].slabs {
			h.small[i].slabs[j].freeHead = freeListEnd
		}
	}
	return h
}

// SizeToClass rounds size up to the smallest supported power-of-two
// block size, matching kmalloc.rs's size_to_class.
func SizeToClass(size int) (int, errs.Err_t) {
	requested := size
	if requested == 0 {
		requested = minAllocSize
	}
	if requested > maxAllocSize {
		return 0, errs.New(errs.AllocationTooLarge)
	}
	class := minAllocSize
	for class < requested {
		class <<= 1
	}
	return class, errs.Err_t{}
}

// Alloc returns the direct-mapped virtual address of a size-byte
// allocation, rounded up to the nearest supported class.
func (h *Heap) Alloc(size int) (addr.VirtAddr, errs.Err_t) {
	class, e := SizeToClass(size)
	if !e.Ok() {
		return 0, e
	}
	h.Lock()
	defer h.Unlock()
	if class <= addr.PageSize {
		return h.allocSmall(uint32(class))
	}
	return h.allocLarge(uint64(class))
}

// Calloc is Alloc followed by zeroing the returned block, used by
// internal/mem/ptm to hand out fresh page-table nodes with no stale
// entries left over from a previous tenant of the same block.
func (h *Heap) Calloc(size int) (addr.VirtAddr, errs.Err_t) {
	va, e := h.Alloc(size)
	if !e.Ok() {
		return 0, e
	}
	class, _ := SizeToClass(size)
	buf := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(va))), class)
	for i := range buf {
		buf[i] = 0
	}
	return va, errs.Err_t{}
}

// Free releases an allocation previously returned by Alloc.
func (h *Heap) Free(va addr.VirtAddr) errs.Err_t {
	pa, e := va.ToPhysical()
	if !e.Ok() {
		return e
	}
	h.Lock()
	defer h.Unlock()
	if ok, e := h.freeSmall(pa); ok || !e.Ok() {
		return e
	}
	return h.freeLarge(pa)
}

func (h *Heap) allocSmall(blockSize uint32) (addr.VirtAddr, errs.Err_t) {
	classIdx := trailingZeros32(blockSize) - minShift
	class := &h.small[classIdx]

	for i := range class.slabs {
		if class.slabs[i].inUse && class.slabs[i].freeCount > 0 {
			return allocFromSlab(&class.slabs[i])
		}
	}
	for i := range class.slabs {
		if !class.slabs[i].inUse {
			if e := h.initSlab(&class.slabs[i], class.blockSize); !e.Ok() {
				return 0, e
			}
			return allocFromSlab(&class.slabs[i])
		}
	}
	return 0, errs.WithAddr(errs.TooManySlabs, uint64(blockSize))
}

func (h *Heap) initSlab(slab *smallSlab, blockSize uint32) errs.Err_t {
	base, e := h.frames.Alloc(1)
	if !e.Ok() {
		return e
	}
	capacity := uint32(addr.PageSize) / blockSize
	if capacity == 0 {
		return errs.New(errs.InvalidSlabCapacity)
	}
	*slab = smallSlab{
		inUse:     true,
		base:      base,
		blockSize: blockSize,
		capacity:  capacity,
		freeCount: capacity,
		freeHead:  0,
	}
	for i := uint32(0); i < capacity; i++ {
		next := i + 1
		if next >= capacity {
			next = freeListEnd
		}
		*slabLinkPtr(slab, i) = next
	}
	return errs.Err_t{}
}

func allocFromSlab(slab *smallSlab) (addr.VirtAddr, errs.Err_t) {
	idx := slab.freeHead
	if idx == freeListEnd {
		return 0, errs.New(errs.SlabEmpty)
	}
	slab.freeHead = *slabLinkPtr(slab, idx)
	slab.freeCount--
	offset := uint64(idx) * uint64(slab.blockSize)
	return slab.base.Add(offset).ToVirtual()
}

func (h *Heap) freeSmall(pa addr.PhysAddr) (bool, errs.Err_t) {
	p := pa.Uint64()
	for ci := range h.small {
		class := &h.small[ci]
		for si := range class.slabs {
			slab := &class.slabs[si]
			if !slab.inUse {
				continue
			}
			start := slab.base.Uint64()
			end := start + addr.PageSize
			if p < start || p >= end {
				continue
			}
			blockSize := uint64(slab.blockSize)
			offset := p - start
			if offset%blockSize != 0 {
				return true, errs.WithAddr(errs.SlabAlignmentMismatch, p)
			}
			idx := uint32(offset / blockSize)
			*slabLinkPtr(slab, idx) = slab.freeHead
			slab.freeHead = idx
			slab.freeCount++

			if slab.freeCount == slab.capacity {
				base := slab.base
				*slab = smallSlab{freeHead: freeListEnd}
				if _, e := h.frames.Free(base, 1); !e.Ok() {
					return true, e
				}
			}
			return true, errs.Err_t{}
		}
	}
	return false, errs.Err_t{}
}

func (h *Heap) allocLarge(classSize uint64) (addr.VirtAddr, errs.Err_t) {
	pages := int(classSize / addr.PageSize)
	base, e := h.frames.Alloc(pages)
	if !e.Ok() {
		return 0, e
	}
	for i := range h.large {
		if !h.large[i].inUse {
			h.large[i] = largeAlloc{inUse: true, base: base, pages: uint64(pages)}
			return base.ToVirtual()
		}
	}
	h.frames.Free(base, pages)
	return 0, errs.New(errs.TooManyLargeAllocations)
}

func (h *Heap) freeLarge(pa addr.PhysAddr) errs.Err_t {
	for i := range h.large {
		if h.large[i].inUse && h.large[i].base == pa {
			if _, e := h.frames.Free(h.large[i].base, int(h.large[i].pages)); !e.Ok() {
				return e
			}
			h.large[i] = largeAlloc{}
			return errs.Err_t{}
		}
	}
	return errs.WithAddr(errs.UnknownAllocation, pa.Uint64())
}

// slabLinkPtr reinterprets the block at index idx of slab as a free-list
// link. This is the one place the heap writes through the direct map
// with an unsafe pointer instead of Go's type system.
func slabLinkPtr(slab *smallSlab, idx uint32) *uint32 {
	va, e := slab.base.Add(uint64(idx) * uint64(slab.blockSize)).ToVirtual()
	if !e.Ok() {
		panic("kha: slab block outside direct map")
	}
	return (*uint32)(unsafe.Pointer(uintptr(va)))
}

func trailingZeros32(v uint32) int {
	n := 0
	for v&1 == 0 {
		v >>= 1
		n++
	}
	return n
}
