package proc

import (
	"testing"
	"unsafe"

	"novakernel/internal/mem/addr"
	"novakernel/internal/mem/kha"
	"novakernel/internal/mem/pfa"
	"novakernel/internal/mem/ptm"
)

func newTestScheduler(t *testing.T, frames int) *Scheduler {
	t.Helper()
	pf := pfa.New(addr.NewPhysAddr(0), frames)
	heap := kha.New(pf)
	kernelRoot, e := ptm.NewRoot(heap)
	if !e.Ok() {
		t.Fatalf("NewRoot: %v", e)
	}
	return NewScheduler(heap, pf, kernelRoot)
}

func TestSpawnAssignsIncreasingPIDs(t *testing.T) {
	s := newTestScheduler(t, 32)
	p1, e := s.Spawn(func() {})
	if !e.Ok() {
		t.Fatalf("Spawn: %v", e)
	}
	p2, e := s.Spawn(func() {})
	if !e.Ok() {
		t.Fatalf("Spawn: %v", e)
	}
	if p2 != p1+1 {
		t.Fatalf("PIDs = %d, %d; want consecutive", p1, p2)
	}
}

func TestSpawnSeedsStackWithTrampolineAddress(t *testing.T) {
	s := newTestScheduler(t, 32)
	if _, e := s.Spawn(func() {}); !e.Ok() {
		t.Fatalf("Spawn: %v", e)
	}
	ctx := s.processes[0].context
	if ctx.RSP == 0 {
		t.Fatal("expected a nonzero initial RSP")
	}
	if got := *(*uint64)(unsafe.Pointer(uintptr(ctx.RSP))); got != trampolineEntry {
		t.Fatalf("word at initial RSP = %#x, want trampoline entry %#x", got, trampolineEntry)
	}
	if ctx.CR3 == 0 {
		t.Fatal("expected CR3 to be the user root's physical address")
	}
}

func TestSpawnFillsTableThenReportsFull(t *testing.T) {
	s := newTestScheduler(t, 256)
	for i := 0; i < MaxProcesses; i++ {
		if _, e := s.Spawn(func() {}); !e.Ok() {
			t.Fatalf("Spawn %d: %v", i, e)
		}
	}
	if _, e := s.Spawn(func() {}); e.Ok() {
		t.Fatal("expected the ninth spawn to fail")
	}
}

func TestPlanKernelToFirstPicksLowestReadySlot(t *testing.T) {
	s := newTestScheduler(t, 32)
	if _, e := s.Spawn(func() {}); !e.Ok() {
		t.Fatalf("Spawn: %v", e)
	}
	if _, e := s.Spawn(func() {}); !e.Ok() {
		t.Fatalf("Spawn: %v", e)
	}
	plan, ok := s.PlanKernelToFirst()
	if !ok {
		t.Fatal("expected a switch plan")
	}
	if plan.Old != &s.kernelContext {
		t.Fatal("expected the old context to be the kernel bootstrap context")
	}
	if plan.New != &s.processes[0].context {
		t.Fatal("expected the new context to be slot 0's")
	}
	if s.processes[0].state != StateRunning {
		t.Fatalf("slot 0 state = %v, want StateRunning", s.processes[0].state)
	}
	if s.current != 0 {
		t.Fatalf("current = %d, want 0", s.current)
	}
}

func TestPlanKernelToFirstWithNoReadyProcessesReturnsFalse(t *testing.T) {
	s := newTestScheduler(t, 32)
	if _, ok := s.PlanKernelToFirst(); ok {
		t.Fatal("expected no switch plan with an empty table")
	}
}

func TestPlanYieldRoundRobinsByIndex(t *testing.T) {
	s := newTestScheduler(t, 64)
	for i := 0; i < 3; i++ {
		if _, e := s.Spawn(func() {}); !e.Ok() {
			t.Fatalf("Spawn %d: %v", i, e)
		}
	}
	if _, ok := s.PlanKernelToFirst(); !ok {
		t.Fatal("expected the first dispatch to succeed")
	}
	if s.current != 0 {
		t.Fatalf("current = %d, want 0", s.current)
	}

	plan, ok := s.PlanYield()
	if !ok {
		t.Fatal("expected a yield plan with two other Ready slots")
	}
	if s.current != 1 {
		t.Fatalf("current after yield = %d, want 1", s.current)
	}
	if s.processes[0].state != StateReady {
		t.Fatalf("slot 0 state after yield = %v, want StateReady", s.processes[0].state)
	}
	if plan.New != &s.processes[1].context {
		t.Fatal("expected the new context to be slot 1's")
	}
}

func TestPlanYieldWithNoOtherReadySlotReturnsFalse(t *testing.T) {
	s := newTestScheduler(t, 32)
	if _, e := s.Spawn(func() {}); !e.Ok() {
		t.Fatalf("Spawn: %v", e)
	}
	if _, ok := s.PlanKernelToFirst(); !ok {
		t.Fatal("expected the first dispatch to succeed")
	}
	if _, ok := s.PlanYield(); ok {
		t.Fatal("expected no switch plan when the only process yields to itself")
	}
}

func TestPlanYieldWithNoCurrentFallsBackToKernelToFirst(t *testing.T) {
	s := newTestScheduler(t, 32)
	if _, e := s.Spawn(func() {}); !e.Ok() {
		t.Fatalf("Spawn: %v", e)
	}
	plan, ok := s.PlanYield()
	if !ok {
		t.Fatal("expected PlanYield to fall back to dispatching the first process")
	}
	if plan.Old != &s.kernelContext {
		t.Fatal("expected the fallback's old context to be the kernel context")
	}
}

func TestPlanExitCurrentClearsSlotAndSwitchesToSuccessor(t *testing.T) {
	s := newTestScheduler(t, 64)
	if _, e := s.Spawn(func() {}); !e.Ok() {
		t.Fatalf("Spawn: %v", e)
	}
	if _, e := s.Spawn(func() {}); !e.Ok() {
		t.Fatalf("Spawn: %v", e)
	}
	if _, ok := s.PlanKernelToFirst(); !ok {
		t.Fatal("expected the first dispatch to succeed")
	}

	plan := s.PlanExitCurrent()
	if plan.ExitedIndex != 0 {
		t.Fatalf("ExitedIndex = %d, want 0", plan.ExitedIndex)
	}
	if plan.ExitedVmm == nil {
		t.Fatal("expected the exit plan to carry the exited slot's VMM")
	}
	if plan.StackPages != ProcessStackPages {
		t.Fatalf("StackPages = %d, want %d", plan.StackPages, ProcessStackPages)
	}
	if s.processes[0].state != StateExited {
		t.Fatalf("slot 0 state = %v, want StateExited", s.processes[0].state)
	}
	if s.current != 1 {
		t.Fatalf("current after exit = %d, want 1", s.current)
	}
	if plan.Switch.New != &s.processes[1].context {
		t.Fatal("expected the successor to be slot 1")
	}
}

func TestPlanExitCurrentWithNoSuccessorSwitchesToKernelContext(t *testing.T) {
	s := newTestScheduler(t, 32)
	if _, e := s.Spawn(func() {}); !e.Ok() {
		t.Fatalf("Spawn: %v", e)
	}
	if _, ok := s.PlanKernelToFirst(); !ok {
		t.Fatal("expected the first dispatch to succeed")
	}

	plan := s.PlanExitCurrent()
	if plan.Switch.New != &s.kernelContext {
		t.Fatal("expected the switch target to be the kernel context")
	}
	if s.current != noProcess {
		t.Fatalf("current after exit = %d, want noProcess", s.current)
	}
}

func TestExitedSlotIsReusedAsEmpty(t *testing.T) {
	s := newTestScheduler(t, 64)
	if _, e := s.Spawn(func() {}); !e.Ok() {
		t.Fatalf("Spawn: %v", e)
	}
	if _, ok := s.PlanKernelToFirst(); !ok {
		t.Fatal("expected the first dispatch to succeed")
	}
	s.PlanExitCurrent()

	pid, e := s.Spawn(func() {})
	if !e.Ok() {
		t.Fatalf("Spawn after exit: %v", e)
	}
	if s.processes[0].id != pid {
		t.Fatal("expected the exited slot to be reused")
	}
}
