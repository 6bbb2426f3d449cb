// Package loader copies a guest kernel ELF image's PT_LOAD segments
// into guest physical memory and reports the entry point the vCPU's
// RIP should be set to.
package loader

import (
	"bytes"
	"debug/elf"
	"fmt"
)

// Image is a parsed guest kernel ready to be copied into guest
// physical memory.
type Image struct {
	Entry    uint64
	Segments []Segment
}

// Segment is one PT_LOAD program header's payload, keyed by the
// physical address the host should copy it to.
type Segment struct {
	PhysAddr uint64
	VirtAddr uint64
	Data     []byte // file contents, length p_filesz
	MemSize  uint64 // p_memsz; any excess over len(Data) must be zeroed
}

// Parse reads an ELF image from data and validates that every
// PT_LOAD segment's virtual address range falls within
// [codeVirtBase, codeVirtBase+codeSize), the guest's fixed kernel-code
// window.
func Parse(data []byte, codeVirtBase, codeSize uint64) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("loader: parse elf: %w", err)
	}
	defer f.Close()

	img := &Image{Entry: f.Entry}
	for _, ph := range f.Progs {
		if ph.Type != elf.PT_LOAD {
			continue
		}
		if ph.Vaddr < codeVirtBase || ph.Vaddr+ph.Memsz > codeVirtBase+codeSize {
			return nil, fmt.Errorf("loader: program header vaddr %#x memsz %#x out of bounds [%#x, %#x)",
				ph.Vaddr, ph.Memsz, codeVirtBase, codeVirtBase+codeSize)
		}

		buf := make([]byte, ph.Filesz)
		if _, err := ph.ReadAt(buf, 0); err != nil {
			return nil, fmt.Errorf("loader: read segment at %#x: %w", ph.Vaddr, err)
		}

		img.Segments = append(img.Segments, Segment{
			PhysAddr: ph.Paddr,
			VirtAddr: ph.Vaddr,
			Data:     buf,
			MemSize:  ph.Memsz,
		})
	}
	return img, nil
}

// CopyInto copies every segment's bytes into mem at its physical
// address, zero-filling the tail between the file size and the
// in-memory size.
func (img *Image) CopyInto(mem []byte) error {
	for _, seg := range img.Segments {
		end := seg.PhysAddr + uint64(len(seg.Data))
		if end > uint64(len(mem)) {
			return fmt.Errorf("loader: segment at %#x (len %d) exceeds guest memory size %d", seg.PhysAddr, len(seg.Data), len(mem))
		}
		copy(mem[seg.PhysAddr:end], seg.Data)

		if seg.MemSize > uint64(len(seg.Data)) {
			zeroEnd := seg.PhysAddr + seg.MemSize
			if zeroEnd > uint64(len(mem)) {
				return fmt.Errorf("loader: segment zero-fill at %#x exceeds guest memory size %d", zeroEnd, len(mem))
			}
			clear(mem[end:zeroEnd])
		}
	}
	return nil
}
