// Package archhooks exposes the x86-64 primitives that no part of the
// guest kernel can express in portable Go: CPUID, control-register
// access, port I/O, FPU/SSE state save-restore, and MSR access. Every
// function below is a single privileged instruction or a short fixed
// sequence, implemented directly in Go assembly; callers are expected
// to run at ring 0.
package archhooks

// CPUID executes the CPUID instruction for the given leaf/subleaf and
// returns the four result registers.
func CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

// ReadCR3 returns the current page-table root physical address.
func ReadCR3() uint64

// WriteCR3 loads a new page-table root, flushing non-global TLB entries.
func WriteCR3(addr uint64)

// ReadCR4 returns the current CR4 control register.
func ReadCR4() uint64

// WriteCR4 loads a new CR4 control register.
func WriteCR4(val uint64)

// ReadCR0 returns the current CR0 control register.
func ReadCR0() uint64

// WriteCR0 loads a new CR0 control register.
func WriteCR0(val uint64)

// Inb reads a byte from the given I/O port.
func Inb(port uint16) uint8

// Outb writes a byte to the given I/O port.
func Outb(port uint16, val uint8)

// Outl writes a 32-bit value to the given I/O port, used for the
// 0xF4 test-exit protocol (internal/boot).
func Outl(port uint16, val uint32)

// ReadMSR reads a model-specific register.
func ReadMSR(msr uint32) uint64

// WriteMSR writes a model-specific register.
func WriteMSR(msr uint32, val uint64)

// FxSave saves the current x87/SSE state into a 512-byte, 16-byte
// aligned buffer.
func FxSave(buf *[512]byte)

// FxRstor restores x87/SSE state previously saved by FxSave.
func FxRstor(buf *[512]byte)

// Hlt executes a single HLT instruction, suspending the processor
// until the next interrupt.
func Hlt()

// HaltForever halts the processor in a loop from which it never
// returns, used by internal/boot when a fatal condition leaves no
// other option.
func HaltForever()
