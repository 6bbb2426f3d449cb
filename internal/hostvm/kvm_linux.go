//go:build linux

package hostvm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"novakernel/internal/mem/addr"
)

// Raw KVM ioctl request numbers, matching
// tinyrange-cc/internal/hv/kvm/kvm_defs.go's constant table, trimmed
// to the subset this single-vCPU monitor actually issues.
const (
	kvmGetAPIVersion       = 0xae00
	kvmCreateVM            = 0xae01
	kvmGetVCPUMmapSize     = 0xae04
	kvmGetSupportedCPUID   = 0xc008ae05
	kvmCreateVCPU          = 0xae41
	kvmRun                 = 0xae80
	kvmGetRegs             = 0x8090ae81
	kvmSetRegs             = 0x4090ae82
	kvmGetSregs            = 0x8138ae83
	kvmSetSregs            = 0x4138ae84
	kvmSetCPUID2           = 0x4008ae90
	kvmSetUserMemoryRegion = 0x4020ae46

	kvmAPIVersion = 12
)

type kvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

type kvmSegment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	Padding  uint8
}

type kvmDTable struct {
	Base    uint64
	Limit   uint16
	Padding [3]uint16
}

const kvmNrInterrupts = 256

type kvmSRegs struct {
	CS, DS, ES, FS, GS, SS kvmSegment
	TR, LDT                kvmSegment
	GDT, IDT               kvmDTable
	CR0                    uint64
	CR2                    uint64
	CR3                    uint64
	CR4                    uint64
	CR8                    uint64
	EFER                   uint64
	ApicBase               uint64
	InterruptBitmap        [(kvmNrInterrupts + 63) / 64]uint64
}

type kvmRegs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI           uint64
	RSP, RBP           uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFlags        uint64
}

const syncRegsSizeBytes = 2048

type kvmRunData struct {
	requestInterruptWindow     uint8
	immediateExit              uint8
	padding1                   [6]uint8
	exitReason                 uint32
	readyForInterruptInjection uint8
	ifFlag                     uint8
	flags                      uint16
	cr8                        uint64
	apicBase                   uint64
	anon0                      [256]byte
	kvmValidRegs               uint64
	kvmDirtyRegs               uint64
	s                          struct{ padding [syncRegsSizeBytes]byte }
}

const maxCPUIDEntries = 100

type kvmCPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

type kvmCPUID2 struct {
	NEnt    uint32
	Padding uint32
	Entries [maxCPUIDEntries]kvmCPUIDEntry2
}

type kvmExitIoData struct {
	direction  uint8
	size       uint8
	port       uint16
	count      uint32
	dataOffset uint64
}

// Exit reasons this monitor recognises; anything else is an error.
const (
	kvmExitIO  = 2
	kvmExitHlt = 5
)

func ioctl(fd uintptr, req uint64, arg uintptr) (uintptr, error) {
	for {
		v, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(req), arg)
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return 0, errno
		}
		return v, nil
	}
}

// VM is one running guest: the KVM file descriptors, its physical
// memory, and the serial/test-exit devices attached to its I/O port
// space.
type VM struct {
	kvmFd  int
	vmFd   int
	vcpuFd int
	run    []byte
	mem    []byte

	Serial IOPortDevice
}

// IOPortDevice answers guest port I/O. serial.Console implements it.
type IOPortDevice interface {
	HandlesRange(port uint16, size int) bool
	IoOut(port uint16, data []byte) error
	IoIn(port uint16, data []byte)
	Flush() error
}

// Open creates a KVM VM with one vCPU and memSize bytes of guest
// physical memory starting at guest physical address 0, and builds
// the guest's initial page tables and long-mode register state.
func Open(memSize uint64, layout Layout, serial IOPortDevice) (*VM, error) {
	kvmFd, err := unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("hostvm: open /dev/kvm: %w", err)
	}

	version, err := ioctl(uintptr(kvmFd), kvmGetAPIVersion, 0)
	if err != nil {
		unix.Close(kvmFd)
		return nil, fmt.Errorf("hostvm: KVM_GET_API_VERSION: %w", err)
	}
	if version != kvmAPIVersion {
		unix.Close(kvmFd)
		return nil, fmt.Errorf("hostvm: unsupported KVM API version %d", version)
	}

	vmFdRaw, err := ioctl(uintptr(kvmFd), kvmCreateVM, 0)
	if err != nil {
		unix.Close(kvmFd)
		return nil, fmt.Errorf("hostvm: KVM_CREATE_VM: %w", err)
	}
	vmFd := int(vmFdRaw)

	vcpuFdRaw, err := ioctl(uintptr(vmFd), kvmCreateVCPU, 0)
	if err != nil {
		unix.Close(vmFd)
		unix.Close(kvmFd)
		return nil, fmt.Errorf("hostvm: KVM_CREATE_VCPU: %w", err)
	}
	vcpuFd := int(vcpuFdRaw)

	if err := setSupportedCPUID(kvmFd, vcpuFd); err != nil {
		unix.Close(vcpuFd)
		unix.Close(vmFd)
		unix.Close(kvmFd)
		return nil, err
	}

	mmapSizeRaw, err := ioctl(uintptr(kvmFd), kvmGetVCPUMmapSize, 0)
	if err != nil {
		unix.Close(vcpuFd)
		unix.Close(vmFd)
		unix.Close(kvmFd)
		return nil, fmt.Errorf("hostvm: KVM_GET_VCPU_MMAP_SIZE: %w", err)
	}

	run, err := unix.Mmap(vcpuFd, 0, int(mmapSizeRaw), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(vcpuFd)
		unix.Close(vmFd)
		unix.Close(kvmFd)
		return nil, fmt.Errorf("hostvm: mmap kvm_run: %w", err)
	}

	mem, err := unix.Mmap(-1, 0, int(memSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		unix.Munmap(run)
		unix.Close(vcpuFd)
		unix.Close(vmFd)
		unix.Close(kvmFd)
		return nil, fmt.Errorf("hostvm: mmap guest memory: %w", err)
	}

	BuildInitialPageTables(mem, layout)

	region := kvmUserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: 0,
		MemorySize:    memSize,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}
	if _, err := ioctl(uintptr(vmFd), kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(&region))); err != nil {
		unix.Munmap(mem)
		unix.Munmap(run)
		unix.Close(vcpuFd)
		unix.Close(vmFd)
		unix.Close(kvmFd)
		return nil, fmt.Errorf("hostvm: KVM_SET_USER_MEMORY_REGION: %w", err)
	}

	vm := &VM{kvmFd: kvmFd, vmFd: vmFd, vcpuFd: vcpuFd, run: run, mem: mem, Serial: serial}
	if err := vm.initLongMode(layout); err != nil {
		vm.Close()
		return nil, err
	}
	return vm, nil
}

// setSupportedCPUID asks the host what CPUID leaves it can expose to
// a guest and hands that exact set back to the vCPU, rather than
// letting KVM's own (more restrictive) defaults stand.
func setSupportedCPUID(kvmFd, vcpuFd int) error {
	var cpuid kvmCPUID2
	cpuid.NEnt = maxCPUIDEntries
	if _, err := ioctl(uintptr(kvmFd), kvmGetSupportedCPUID, uintptr(unsafe.Pointer(&cpuid))); err != nil {
		return fmt.Errorf("hostvm: KVM_GET_SUPPORTED_CPUID: %w", err)
	}
	if _, err := ioctl(uintptr(vcpuFd), kvmSetCPUID2, uintptr(unsafe.Pointer(&cpuid))); err != nil {
		return fmt.Errorf("hostvm: KVM_SET_CPUID2: %w", err)
	}
	return nil
}

func (v *VM) initLongMode(layout Layout) error {
	const (
		cr4PAE        = 1 << 5
		cr4OSFXSR     = 1 << 9
		cr4OSXMMEXCPT = 1 << 10
		eferLME       = 1 << 8
		eferLMA       = 1 << 10
		cr0PE         = 1 << 0
		cr0MP         = 1 << 1
		cr0EM         = 1 << 2
		cr0TS         = 1 << 3
		cr0NE         = 1 << 5
		cr0PG         = 1 << 31
		rflagsReserved = 2

		csSelector = 0x8
		ssSelector = 0x10
		csType     = 0xB
		ssType     = 0x3
	)

	stackTop, e := addr.PhysAddr(layout.KernelStack).ToVirtual()
	if !e.Ok() {
		return fmt.Errorf("hostvm: kernel stack top out of direct-map range: %s", e.Error())
	}

	var regs kvmRegs
	if _, err := ioctl(uintptr(v.vcpuFd), kvmGetRegs, uintptr(unsafe.Pointer(&regs))); err != nil {
		return fmt.Errorf("hostvm: KVM_GET_REGS: %w", err)
	}
	regs.RSP = stackTop.Uint64()
	regs.RFlags = rflagsReserved
	if _, err := ioctl(uintptr(v.vcpuFd), kvmSetRegs, uintptr(unsafe.Pointer(&regs))); err != nil {
		return fmt.Errorf("hostvm: KVM_SET_REGS: %w", err)
	}

	var sregs kvmSRegs
	if _, err := ioctl(uintptr(v.vcpuFd), kvmGetSregs, uintptr(unsafe.Pointer(&sregs))); err != nil {
		return fmt.Errorf("hostvm: KVM_GET_SREGS: %w", err)
	}
	sregs.CR3 = layout.DirectMapPml4
	sregs.CR4 |= cr4PAE | cr4OSFXSR | cr4OSXMMEXCPT
	sregs.EFER = eferLME | eferLMA

	sregs.CS.L = 1
	sregs.CS.DB = 0
	sregs.CS.S = 1
	sregs.CS.Type = csType
	sregs.CS.Present = 1
	sregs.CS.DPL = 0
	sregs.CS.Selector = csSelector

	sregs.SS.S = 1
	sregs.SS.Type = ssType
	sregs.SS.Present = 1
	sregs.SS.Selector = ssSelector

	sregs.GDT.Limit = 0
	sregs.IDT.Limit = 0

	sregs.CR0 |= cr0PG | cr0PE | cr0MP
	sregs.CR0 |= cr0NE
	sregs.CR0 &^= cr0EM
	sregs.CR0 &^= cr0TS

	if _, err := ioctl(uintptr(v.vcpuFd), kvmSetSregs, uintptr(unsafe.Pointer(&sregs))); err != nil {
		return fmt.Errorf("hostvm: KVM_SET_SREGS: %w", err)
	}
	return nil
}

// Memory returns the guest's physical memory, for loading an ELF
// image or writing the run-flags word before the first KVM_RUN.
func (v *VM) Memory() []byte {
	return v.mem
}

// SetEntry sets the vCPU's initial RIP, called after an ELF image has
// been copied into guest memory.
func (v *VM) SetEntry(rip uint64) error {
	var regs kvmRegs
	if _, err := ioctl(uintptr(v.vcpuFd), kvmGetRegs, uintptr(unsafe.Pointer(&regs))); err != nil {
		return fmt.Errorf("hostvm: KVM_GET_REGS: %w", err)
	}
	regs.RIP = rip
	if _, err := ioctl(uintptr(v.vcpuFd), kvmSetRegs, uintptr(unsafe.Pointer(&regs))); err != nil {
		return fmt.Errorf("hostvm: KVM_SET_REGS: %w", err)
	}
	return nil
}

// Close tears down the vCPU mapping, the guest memory mapping, and
// every KVM file descriptor.
func (v *VM) Close() {
	if v.mem != nil {
		unix.Munmap(v.mem)
	}
	if v.run != nil {
		unix.Munmap(v.run)
	}
	if v.vcpuFd != 0 {
		unix.Close(v.vcpuFd)
	}
	if v.vmFd != 0 {
		unix.Close(v.vmFd)
	}
	if v.kvmFd != 0 {
		unix.Close(v.kvmFd)
	}
}

// TestExitPort is the port the guest writes a PASS/FAIL code to,
// matching internal/boot.TestExitPort.
const TestExitPort = 0xf4

// TestExitSuccess and TestExitFailure mirror internal/boot's codes.
const (
	TestExitSuccess = 0x10
	TestExitFailure = 0x11
)

// RunResult reports how a guest run ended.
type RunResult struct {
	TestsRan    bool
	TestsPassed bool
}

// Run dispatches KVM_RUN in a loop until the guest halts or writes a
// test-exit code, forwarding I/O exits on the serial ports to v.Serial.
// I/O on any other port, or any other exit reason, ends the run with an
// error.
func (v *VM) Run() (RunResult, error) {
	runHdr := (*kvmRunData)(unsafe.Pointer(&v.run[0]))

	for {
		if _, err := ioctl(uintptr(v.vcpuFd), kvmRun, 0); err != nil {
			return RunResult{}, fmt.Errorf("hostvm: KVM_RUN: %w", err)
		}

		switch runHdr.exitReason {
		case kvmExitHlt:
			v.Serial.Flush()
			return RunResult{}, nil

		case kvmExitIO:
			io := (*kvmExitIoData)(unsafe.Pointer(&v.run[unsafe.Offsetof(kvmRunData{}.anon0)]))
			data := v.run[io.dataOffset : io.dataOffset+uint64(io.size)*uint64(io.count)]

			if io.port == TestExitPort {
				v.Serial.Flush()
				return v.handleTestExit(data)
			}
			if v.Serial.HandlesRange(io.port, len(data)) {
				if io.direction == 1 { // KVM_EXIT_IO_OUT
					if err := v.Serial.IoOut(io.port, data); err != nil {
						return RunResult{}, err
					}
				} else {
					v.Serial.IoIn(io.port, data)
				}
				continue
			}
			return RunResult{}, fmt.Errorf("hostvm: unhandled I/O on port %#x", io.port)

		default:
			return RunResult{}, fmt.Errorf("hostvm: unexpected KVM exit reason %d", runHdr.exitReason)
		}
	}
}

func (v *VM) handleTestExit(data []byte) (RunResult, error) {
	if len(data) != 4 {
		return RunResult{}, fmt.Errorf("hostvm: test-exit code has invalid size %d", len(data))
	}
	code := *(*uint32)(unsafe.Pointer(&data[0]))
	switch code {
	case TestExitSuccess:
		return RunResult{TestsRan: true, TestsPassed: true}, nil
	case TestExitFailure:
		return RunResult{TestsRan: true, TestsPassed: false}, nil
	default:
		return RunResult{}, fmt.Errorf("hostvm: unknown test-exit code %#x", code)
	}
}
