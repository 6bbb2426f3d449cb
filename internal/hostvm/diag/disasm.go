// Package diag holds host-side debugging aids for a guest run: entry
// point disassembly, to sanity-check an ELF image before it's handed
// to KVM, and an allocator-pressure snapshot exported in pprof's wire
// format for offline inspection with "go tool pprof". Neither touches
// KVM or guest memory directly; both work from data the caller already
// has in hand.
package diag

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// Instruction is one decoded instruction, labelled with the guest
// virtual address it starts at.
type Instruction struct {
	Addr uint64
	Text string
	Len  int
}

// DisassembleEntry decodes up to count 64-bit instructions starting at
// addr, used to confirm a loaded kernel's entry point looks like code
// before committing to a KVM_RUN.
func DisassembleEntry(code []byte, addr uint64, count int) ([]Instruction, error) {
	var out []Instruction
	off := 0
	for i := 0; i < count && off < len(code); i++ {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			return out, fmt.Errorf("diag: decode at %#x: %w", addr+uint64(off), err)
		}
		out = append(out, Instruction{
			Addr: addr + uint64(off),
			Text: x86asm.GoSyntax(inst, addr+uint64(off), nil),
			Len:  inst.Len,
		})
		off += inst.Len
	}
	return out, nil
}
