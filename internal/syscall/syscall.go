// Package syscall is the guest's Linux-ABI syscall dispatcher: a pure
// function of a syscall number and up to six argument registers that
// turns kernel-internal errs.Err_t values into negated POSIX errno
// codes at the boundary, the only place in the whole module that
// conversion happens.
package syscall

import (
	"unsafe"

	"novakernel/internal/console"
	"novakernel/internal/kernel/errs"
	"novakernel/internal/mem/addr"
	"novakernel/internal/proc"
)

// Numbers recognised by Dispatch, matching Linux x86_64.
const (
	SysWrite      = 1
	SysMmap       = 9
	SysBrk        = 12
	SysSchedYield = 24
	SysGetpid     = 39
	SysExit       = 60
	SysExitGroup  = 231
)

// Negated-return POSIX errno values this dispatcher can produce.
const (
	EBADF  = 9
	ENOMEM = 12
	EFAULT = 14
	EINVAL = 22
	ENOSYS = 38
)

const (
	stdoutFd = 1
	stderrFd = 2

	mapAnonymous = 0x20
	mapPrivate   = 0x02
	mapShared    = 0x01
)

func errno(code int64) int64 {
	return -code
}

// Dispatch is the guest's syscall entry point once argument registers
// have been read out of the trap frame: nr is the syscall number and
// a0..a5 are the Linux ABI argument registers (rdi, rsi, rdx, r10,
// r8, r9). It returns the syscall's result, or a negated errno on
// failure, exactly as the calling convention expects in rax.
func Dispatch(nr uint64, a0, a1, a2, a3, a4, a5 uint64) int64 {
	switch nr {
	case SysWrite:
		return sysWrite(a0, a1, a2)
	case SysMmap:
		return sysMmap(a0, a1, a2, a3, int64(a4), a5)
	case SysBrk:
		return sysBrk(a0)
	case SysSchedYield:
		proc.Yield()
		return 0
	case SysGetpid:
		return int64(proc.CurrentPID())
	case SysExit, SysExitGroup:
		proc.Exit()
		panic("syscall: exit returned")
	default:
		return errno(ENOSYS)
	}
}

func sysWrite(fd, ptr, length uint64) int64 {
	if fd != stdoutFd && fd != stderrFd {
		return errno(EBADF)
	}
	if length == 0 {
		return 0
	}
	if ptr == 0 {
		return errno(EFAULT)
	}
	if length > 1<<31 {
		return errno(EINVAL)
	}

	va := addr.NewVirtAddr(ptr)
	bytes := unsafe.Slice((*byte)(unsafe.Pointer(va.Ptr())), int(length))
	console.COM1.Write(bytes)
	return int64(length)
}

func sysBrk(requested uint64) int64 {
	v := proc.CurrentVmm()
	if v == nil {
		return errno(EINVAL)
	}
	cur, e := v.Brk(requested)
	if !e.Ok() {
		return errno(brkErrno(e))
	}
	return int64(cur)
}

func brkErrno(e errs.Err_t) int64 {
	switch e.Kind {
	case errs.OutOfMemory, errs.AlreadyMapped:
		return ENOMEM
	default:
		return EINVAL
	}
}

func sysMmap(hint, length, _prot, flags uint64, fd int64, offset uint64) int64 {
	if length == 0 {
		return errno(EINVAL)
	}
	if offset != 0 {
		return errno(EINVAL)
	}
	if flags&(mapPrivate|mapShared) == 0 {
		return errno(EINVAL)
	}
	if flags&mapAnonymous == 0 {
		return errno(ENOSYS)
	}
	if fd != -1 {
		return errno(EINVAL)
	}

	v := proc.CurrentVmm()
	if v == nil {
		return errno(EINVAL)
	}
	mapped, e := v.Mmap(hint, length, uint32(flags))
	if !e.Ok() {
		return errno(mmapErrno(e))
	}
	return int64(mapped)
}

func mmapErrno(e errs.Err_t) int64 {
	switch e.Kind {
	case errs.OutOfMemory, errs.AlreadyMapped:
		return ENOMEM
	default:
		return EINVAL
	}
}
