// Package ptm is the page-table manager: it walks and builds the
// three-level PML4/PDPT/PD tree of 2MiB huge-page mappings.
//
// Interior table nodes (PML4/PDPT/PD pages themselves) and leaf PD
// frames are both allocated and released through the kernel heap
// allocator, freeing each present PD-level leaf via the heap rather
// than going around it straight to the page-frame allocator. A
// frame-sized heap request is small enough to route through its
// single-block slab path, so this manager never needs a page-frame
// allocator reference of its own.
package ptm

import (
	"unsafe"

	"novakernel/internal/kernel/errs"
	"novakernel/internal/mem/addr"
	"novakernel/internal/mem/kha"
)

const (
	flagPresent = 1 << 0
	flagWrite   = 1 << 1
	flagUser    = 1 << 2
	flagHuge    = 1 << 7
	addrMask    = 0x000f_ffff_ffff_f000

	entriesPerTable = 512
	// TableSize is the byte size of one PML4/PDPT/PD node, allocated
	// through the kernel heap allocator rather than the page-frame
	// allocator since it is far smaller than one 2MiB frame.
	TableSize = 8 * entriesPerTable
)

// userPml4Limit is the PML4 index the direct map starts at: every
// index below it is process-private, every index at or above it is
// the kernel half every root page table shares.
var userPml4Limit = addr.NewVirtAddr(addr.DirectMapOffset).Pml4Index()

// Entry is a single page-table entry at any of the three levels.
type Entry uint64

// SetTable points this entry at a child table.
func (e *Entry) SetTable(pa addr.PhysAddr) {
	*e = Entry(pa.Uint64() | flagPresent | flagWrite | flagUser)
}

// SetLeaf points this entry at a 2MiB physical frame.
func (e *Entry) SetLeaf(pa addr.PhysAddr) {
	*e = Entry(pa.Uint64() | flagPresent | flagWrite | flagUser | flagHuge)
}

// IsPresent reports whether the entry is marked present.
func (e Entry) IsPresent() bool {
	return uint64(e)&flagPresent != 0
}

// Addr extracts the physical address the entry points at.
func (e Entry) Addr() addr.PhysAddr {
	return addr.NewPhysAddr(uint64(e) & addrMask)
}

type level int

const (
	levelPml4 level = iota
	levelPdpt
	levelPd
)

func (l level) next() (level, bool) {
	if l == levelPd {
		return 0, false
	}
	return l + 1, true
}

func indexFor(l level, va addr.VirtAddr) int {
	switch l {
	case levelPml4:
		return va.Pml4Index()
	case levelPdpt:
		return va.PdptIndex()
	default:
		return va.PdIndex()
	}
}

func tableAt(pa addr.PhysAddr) *[entriesPerTable]Entry {
	va, e := pa.ToVirtual()
	if !e.Ok() {
		panic("ptm: table address outside direct map")
	}
	return (*[entriesPerTable]Entry)(unsafe.Pointer(uintptr(va)))
}

// Manager owns one root page table (a PML4) and the heap allocator
// backing its interior nodes and leaf frames.
type Manager struct {
	heap *kha.Heap
	root addr.PhysAddr
}

// NewRoot allocates a fresh, zeroed root page table with no mappings
// at all. Used once at boot to build the kernel's own address space.
func NewRoot(heap *kha.Heap) (*Manager, errs.Err_t) {
	pa, e := allocTable(heap)
	if !e.Ok() {
		return nil, e
	}
	return &Manager{heap: heap, root: pa}, errs.Err_t{}
}

// NewUserRoot allocates a root page table that shares the kernel half
// of kernelRoot (every PML4 index at or above userPml4Limit) and has
// no user-half mappings of its own.
func NewUserRoot(kernelRoot *Manager, heap *kha.Heap) (*Manager, errs.Err_t) {
	pa, e := allocTable(heap)
	if !e.Ok() {
		return nil, e
	}
	dst := tableAt(pa)
	src := tableAt(kernelRoot.root)
	copy(dst[userPml4Limit:], src[userPml4Limit:])
	return &Manager{heap: heap, root: pa}, errs.Err_t{}
}

// Root returns the physical address of the PML4, suitable for loading
// into CR3.
func (m *Manager) Root() addr.PhysAddr {
	return m.root
}

// Get walks to the PD entry for va, allocating any missing interior
// PDPT/PD tables along the way, and returns it for the caller to fill
// in with SetLeaf.
func (m *Manager) Get(va addr.VirtAddr) (*Entry, errs.Err_t) {
	return m.getLevel(tableAt(m.root), va, levelPml4)
}

func (m *Manager) getLevel(table *[entriesPerTable]Entry, va addr.VirtAddr, l level) (*Entry, errs.Err_t) {
	entry := &table[indexFor(l, va)]
	if l == levelPd {
		return entry, errs.Err_t{}
	}

	if !entry.IsPresent() {
		pa, e := allocTable(m.heap)
		if !e.Ok() {
			return nil, e
		}
		entry.SetTable(pa)
	}

	next, ok := l.next()
	if !ok {
		return nil, errs.WithAddr(errs.VirtualToPhysical, va.Uint64())
	}
	return m.getLevel(tableAt(entry.Addr()), va, next)
}

// GetIfPresent walks to the PD entry for va without allocating
// anything, returning ok=false if any level along the way is absent.
func (m *Manager) GetIfPresent(va addr.VirtAddr) (entry Entry, ok bool) {
	return getPresentLevel(tableAt(m.root), va, levelPml4)
}

func getPresentLevel(table *[entriesPerTable]Entry, va addr.VirtAddr, l level) (Entry, bool) {
	entry := table[indexFor(l, va)]
	if !entry.IsPresent() {
		return 0, false
	}
	if l == levelPd {
		return entry, true
	}
	next, ok := l.next()
	if !ok {
		return 0, false
	}
	return getPresentLevel(tableAt(entry.Addr()), va, next)
}

// Free tears down the entire tree: every interior table this manager
// owns, plus every leaf frame reachable from the user half, finishing
// by freeing the root PML4 itself. The kernel half (PML4 indices at or
// above userPml4Limit) is never walked, since it is shared with every
// other address space's root.
func (m *Manager) Free() errs.Err_t {
	return freeLevel(m, tableAt(m.root), levelPml4, m.root)
}

// freeLevel frees everything table owns and then table itself: every
// invocation, including the outermost root-level one, ends by freeing
// its own table after freeing whatever it owns.
func freeLevel(m *Manager, table *[entriesPerTable]Entry, l level, selfPa addr.PhysAddr) errs.Err_t {
	end := entriesPerTable
	if l == levelPml4 {
		end = userPml4Limit
	}

	next, hasNext := l.next()
	for i := 0; i < end; i++ {
		entry := table[i]
		if !entry.IsPresent() {
			continue
		}
		if hasNext {
			if e := freeLevel(m, tableAt(entry.Addr()), next, entry.Addr()); !e.Ok() {
				return e
			}
		} else if leafVa, e := entry.Addr().ToVirtual(); !e.Ok() {
			return e
		} else if e := m.heap.Free(leafVa); !e.Ok() {
			return e
		}
	}
	return freeTable(m.heap, selfPa)
}

func allocTable(heap *kha.Heap) (addr.PhysAddr, errs.Err_t) {
	va, e := heap.Calloc(TableSize)
	if !e.Ok() {
		return 0, e
	}
	return va.ToPhysical()
}

func freeTable(heap *kha.Heap, pa addr.PhysAddr) errs.Err_t {
	va, e := pa.ToVirtual()
	if !e.Ok() {
		return e
	}
	return heap.Free(va)
}
