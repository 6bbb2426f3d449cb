// Package boot is the guest's entry-point surface: the run-flags word
// the host writes into guest memory before the kernel starts, and the
// 0xF4 test-exit protocol the guest uses to report a pass/fail result
// back to the host and halt.
package boot

import (
	"unsafe"

	"novakernel/internal/archhooks"
	"novakernel/internal/kernel/errs"
	"novakernel/internal/mem/addr"
)

const (
	// TestExitPort is the I/O port the guest writes a test-exit code to;
	// the host monitor treats any write here as "the kernel is done."
	TestExitPort uint16 = 0xf4
	// TestExitSuccess is the code a passing test run writes.
	TestExitSuccess uint32 = 0x10
	// TestExitFailure is the code a failing test run writes.
	TestExitFailure uint32 = 0x11

	runTestsBit uint64 = 1 << 0
)

// RunFlags is the boot-time flag word the host writes into guest
// memory before the kernel starts running, read once at entry.
type RunFlags struct {
	bits uint64
}

// FromBits builds a RunFlags from a raw word, masking off any bit this
// kernel doesn't recognise.
func FromBits(bits uint64) RunFlags {
	return RunFlags{bits: bits & runTestsBit}
}

// Bits returns the raw flag word.
func (f RunFlags) Bits() uint64 {
	return f.bits
}

// WithRunTests returns a copy of f with the run-tests bit set or
// cleared.
func (f RunFlags) WithRunTests(enabled bool) RunFlags {
	if enabled {
		f.bits |= runTestsBit
	} else {
		f.bits &^= runTestsBit
	}
	return f
}

// RunTests reports whether the host asked the guest to run its
// self-tests instead of its ordinary workload.
func (f RunFlags) RunTests() bool {
	return f.bits&runTestsBit != 0
}

// ReadRunFlags reads the run-flags word the host wrote at runFlagsPhys
// through the direct map.
func ReadRunFlags(runFlagsPhys addr.PhysAddr) (RunFlags, errs.Err_t) {
	va, e := runFlagsPhys.ToVirtual()
	if !e.Ok() {
		return RunFlags{}, e
	}
	raw := *(*uint64)(unsafe.Pointer(va.Ptr()))
	return FromBits(raw), errs.Err_t{}
}

// SignalTestsSuccess reports a passing test run to the host and never
// returns.
func SignalTestsSuccess() {
	writeTestExitCode(TestExitSuccess)
	HaltForever()
}

// SignalTestsFailure reports a failing test run to the host and never
// returns.
func SignalTestsFailure() {
	writeTestExitCode(TestExitFailure)
	HaltForever()
}

// HaltForever parks the core in an infinite HLT loop. It never
// returns.
func HaltForever() {
	archhooks.HaltForever()
}

func writeTestExitCode(code uint32) {
	archhooks.Outl(TestExitPort, code)
}
