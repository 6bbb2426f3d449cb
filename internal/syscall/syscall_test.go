package syscall

import (
	"testing"

	"novakernel/internal/kernel/errs"
	"novakernel/internal/mem/addr"
	"novakernel/internal/mem/kha"
	"novakernel/internal/mem/pfa"
	"novakernel/internal/mem/ptm"
	"novakernel/internal/mem/vmm"
	"novakernel/internal/proc"
)

func newDispatchScheduler(t *testing.T, frames int) *proc.Scheduler {
	t.Helper()
	pf := pfa.New(addr.NewPhysAddr(0), frames)
	heap := kha.New(pf)
	kernelRoot, e := ptm.NewRoot(heap)
	if !e.Ok() {
		t.Fatalf("NewRoot: %v", e)
	}
	return proc.NewScheduler(heap, pf, kernelRoot)
}

func TestDispatchUnknownNumberReturnsENOSYS(t *testing.T) {
	newDispatchScheduler(t, 32)
	got := Dispatch(999, 0, 0, 0, 0, 0, 0)
	if got != -ENOSYS {
		t.Fatalf("Dispatch(999) = %d, want %d", got, -ENOSYS)
	}
}

func TestDispatchWriteRejectsBadFd(t *testing.T) {
	newDispatchScheduler(t, 32)
	got := Dispatch(SysWrite, 7, 0x1000, 4, 0, 0, 0)
	if got != -EBADF {
		t.Fatalf("Dispatch(write, bad fd) = %d, want %d", got, -EBADF)
	}
}

func TestDispatchWriteZeroLengthIsNoop(t *testing.T) {
	newDispatchScheduler(t, 32)
	got := Dispatch(SysWrite, stdoutFd, 0x1000, 0, 0, 0, 0)
	if got != 0 {
		t.Fatalf("Dispatch(write, length 0) = %d, want 0", got)
	}
}

func TestDispatchWriteNullPointerIsEFAULT(t *testing.T) {
	newDispatchScheduler(t, 32)
	got := Dispatch(SysWrite, stdoutFd, 0, 4, 0, 0, 0)
	if got != -EFAULT {
		t.Fatalf("Dispatch(write, nil ptr) = %d, want %d", got, -EFAULT)
	}
}

func TestDispatchGetpidWithNoProcessIsZero(t *testing.T) {
	newDispatchScheduler(t, 32)
	got := Dispatch(SysGetpid, 0, 0, 0, 0, 0, 0)
	if got != 0 {
		t.Fatalf("Dispatch(getpid) = %d, want 0", got)
	}
}

func TestDispatchBrkWithNoCurrentProcessIsEINVAL(t *testing.T) {
	newDispatchScheduler(t, 32)
	got := Dispatch(SysBrk, vmm.HeapBase, 0, 0, 0, 0, 0)
	if got != -EINVAL {
		t.Fatalf("Dispatch(brk) = %d, want %d", got, -EINVAL)
	}
}

func TestDispatchMmapRejectsZeroLength(t *testing.T) {
	newDispatchScheduler(t, 32)
	got := Dispatch(SysMmap, 0, 0, 0, mapPrivate|mapAnonymous, ^uint64(0), 0)
	if got != -EINVAL {
		t.Fatalf("Dispatch(mmap, length 0) = %d, want %d", got, -EINVAL)
	}
}

func TestDispatchMmapRejectsNonAnonymous(t *testing.T) {
	newDispatchScheduler(t, 32)
	got := Dispatch(SysMmap, 0, addr.PageSize, 0, mapPrivate, ^uint64(0), 0)
	if got != -ENOSYS {
		t.Fatalf("Dispatch(mmap, file-backed) = %d, want %d", got, -ENOSYS)
	}
}

func TestDispatchMmapRejectsNonNegativeOneFd(t *testing.T) {
	newDispatchScheduler(t, 32)
	got := Dispatch(SysMmap, 0, addr.PageSize, 0, mapPrivate|mapAnonymous, 3, 0)
	if got != -EINVAL {
		t.Fatalf("Dispatch(mmap, fd=3) = %d, want %d", got, -EINVAL)
	}
}

func TestDispatchMmapRejectsNonzeroOffset(t *testing.T) {
	newDispatchScheduler(t, 32)
	got := Dispatch(SysMmap, 0, addr.PageSize, 0, mapPrivate|mapAnonymous, ^uint64(0), 4096)
	if got != -EINVAL {
		t.Fatalf("Dispatch(mmap, offset!=0) = %d, want %d", got, -EINVAL)
	}
}

func TestMmapErrnoMapsOutOfMemoryAndAlreadyMapped(t *testing.T) {
	if mmapErrno(errs.New(errs.OutOfMemory)) != ENOMEM {
		t.Fatal("expected OutOfMemory to map to ENOMEM")
	}
	if mmapErrno(errs.New(errs.AlreadyMapped)) != ENOMEM {
		t.Fatal("expected AlreadyMapped to map to ENOMEM")
	}
	if mmapErrno(errs.New(errs.InvalidPageCount)) != EINVAL {
		t.Fatal("expected other kinds to map to EINVAL")
	}
}

func TestBrkErrnoMapsOutOfMemoryAndAlreadyMapped(t *testing.T) {
	if brkErrno(errs.New(errs.OutOfMemory)) != ENOMEM {
		t.Fatal("expected OutOfMemory to map to ENOMEM")
	}
	if brkErrno(errs.New(errs.AlreadyMapped)) != ENOMEM {
		t.Fatal("expected AlreadyMapped to map to ENOMEM")
	}
	if brkErrno(errs.New(errs.InvalidPageCount)) != EINVAL {
		t.Fatal("expected other kinds to map to EINVAL")
	}
}
