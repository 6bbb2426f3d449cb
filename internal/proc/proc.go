// Package proc is the cooperative scheduler and process runtime: a
// fixed process table, three planning operations that compute a
// register-context switch without performing it, and the raw switch
// itself.
package proc

import (
	"reflect"
	"sync"
	"unsafe"

	"novakernel/internal/archhooks"
	"novakernel/internal/kernel/errs"
	"novakernel/internal/mem/addr"
	"novakernel/internal/mem/kha"
	"novakernel/internal/mem/pfa"
	"novakernel/internal/mem/ptm"
	"novakernel/internal/mem/vmm"
)

// trampolineEntry is processTrampoline's raw entry PC, used to seed a
// freshly spawned process's stack with a return address contextSwitch
// can `ret` into. reflect is the only standard-library way to recover
// a plain function's code pointer from outside package runtime.
var trampolineEntry = uint64(reflect.ValueOf(processTrampoline).Pointer())

const (
	// MaxProcesses is the size of the fixed process table.
	MaxProcesses = 8
	// ProcessStackPages is the number of 2MiB frames given to a
	// process's kernel-owned stack.
	ProcessStackPages = 1

	noProcess = -1
)

// State is a process's position in the table's state machine.
type State int

const (
	StateEmpty State = iota
	StateReady
	StateRunning
	StateExited
)

// EntryFunc is a process's entry point, called once from the
// trampoline after its first dispatch.
type EntryFunc func()

// Context is the saved register state of one process or the kernel's
// own bootstrap context. RAX and R8 are deliberately absent: the
// switch routine uses them as its own scratch pointers to the old and
// new contexts and never claims to preserve whatever a caller last
// left in them, since nothing downstream of a voluntary yield reads
// them back.
type Context struct {
	RBX, RCX, RDX uint64
	RSI, RDI, RBP uint64
	R9, R10, R11  uint64
	R12, R13, R14 uint64
	R15           uint64
	RSP           uint64
	RFlags        uint64
	CR3           uint64
	FxState       [512]byte
}

// contextSwitch is implemented in proc_amd64.s: it saves the machine's
// current register state into old, restores it from new, and returns
// into whatever RSP+RFlags new describes. A call into it only returns
// to its caller when that caller's own context is later switched back
// to by address; for an exited process it never returns at all.
func contextSwitch(old, new *Context)

// process is one slot of the scheduler's fixed table.
type process struct {
	id         uint64
	state      State
	context    Context
	entry      EntryFunc
	vmm        *vmm.Vmm
	stackBase  addr.PhysAddr
	stackPages int
}

// SwitchPlan names the two contexts a switch moves between, computed
// while the scheduler lock is held and executed after it is released.
type SwitchPlan struct {
	Old *Context
	New *Context
}

// ExitPlan is the result of planning a process's exit: the switch to
// perform, plus everything the caller needs to reclaim before
// performing it.
type ExitPlan struct {
	Switch      SwitchPlan
	ExitedIndex int
	ExitedVmm   *vmm.Vmm
	StackBase   addr.PhysAddr
	StackPages  int
}

// Scheduler owns the fixed process table and the kernel's own
// bootstrap context, which every process implicitly switches away
// from on first dispatch and back to once the table is empty.
type Scheduler struct {
	sync.Mutex

	kernelContext Context
	processes     [MaxProcesses]process
	current       int
	nextPID       uint64

	heap       *kha.Heap
	frames     *pfa.Allocator
	kernelRoot *ptm.Manager
}

// active is the single scheduler instance the raw-entered trampoline
// and exit path reach through, since neither can receive arguments:
// both are entered by a bare `ret` rather than an ordinary call.
var active *Scheduler

// NewScheduler builds a scheduler backed by heap/frames for process
// address spaces and stacks, with kernelRoot as the page table every
// user root's kernel half is copied from. It becomes the process
// package's active scheduler.
func NewScheduler(heap *kha.Heap, frames *pfa.Allocator, kernelRoot *ptm.Manager) *Scheduler {
	s := &Scheduler{
		current:    noProcess,
		nextPID:    1,
		heap:       heap,
		frames:     frames,
		kernelRoot: kernelRoot,
	}
	active = s
	return s
}

// Spawn allocates a user address space and a kernel stack for entry,
// seeds the stack so the first dispatch returns into processTrampoline,
// and installs it Ready in the first Empty or Exited slot.
func (s *Scheduler) Spawn(entry EntryFunc) (uint64, errs.Err_t) {
	s.Lock()
	defer s.Unlock()

	slot := -1
	for i := range s.processes {
		if s.processes[i].state == StateEmpty || s.processes[i].state == StateExited {
			slot = i
			break
		}
	}
	if slot == -1 {
		return 0, errs.New(errs.ProcessTableFull)
	}

	userRoot, e := ptm.NewUserRoot(s.kernelRoot, s.heap)
	if !e.Ok() {
		return 0, e
	}
	stackBase, e := s.frames.Alloc(ProcessStackPages)
	if !e.Ok() {
		userRoot.Free()
		return 0, e
	}
	stackTop, e := stackBase.ToVirtual()
	if !e.Ok() {
		s.frames.Free(stackBase, ProcessStackPages)
		userRoot.Free()
		return 0, e
	}
	stackTop = stackTop.Add(addr.PageSize * uint64(ProcessStackPages))
	initialRsp := stackTop.Uint64() - 8
	*(*uint64)(unsafe.Pointer(uintptr(initialRsp))) = trampolineEntry

	pid := s.nextPID
	s.nextPID++

	s.processes[slot] = process{
		id: pid,
		context: Context{
			RSP:    initialRsp,
			RFlags: 0x2,
			CR3:    userRoot.Root().Uint64(),
		},
		state:      StateReady,
		entry:      entry,
		vmm:        vmm.New(s.heap, userRoot),
		stackBase:  stackBase,
		stackPages: ProcessStackPages,
	}
	return pid, errs.Err_t{}
}

func (s *Scheduler) findNextReadyLocked(current int) (int, bool) {
	for i := 0; i < MaxProcesses; i++ {
		idx := i
		if current != noProcess {
			idx = (current + i + 1) % MaxProcesses
		}
		if s.processes[idx].state == StateReady {
			return idx, true
		}
	}
	return 0, false
}

func (s *Scheduler) planKernelToFirstLocked() (SwitchPlan, bool) {
	next, ok := s.findNextReadyLocked(noProcess)
	if !ok {
		return SwitchPlan{}, false
	}
	s.processes[next].state = StateRunning
	s.current = next
	return SwitchPlan{Old: &s.kernelContext, New: &s.processes[next].context}, true
}

// PlanKernelToFirst picks the lowest-indexed Ready slot, marks it
// Running and current, and plans a switch away from the kernel's own
// bootstrap context.
func (s *Scheduler) PlanKernelToFirst() (SwitchPlan, bool) {
	s.Lock()
	defer s.Unlock()
	return s.planKernelToFirstLocked()
}

// PlanYield plans a round-robin switch to the next Ready slot after
// current, scanning by index starting just past it. If nothing else
// is Ready, no switch is planned and the current slot keeps running.
func (s *Scheduler) PlanYield() (SwitchPlan, bool) {
	s.Lock()
	defer s.Unlock()

	if s.current == noProcess {
		return s.planKernelToFirstLocked()
	}

	current := s.current
	next, ok := s.findNextReadyLocked(current)
	if !ok || next == current {
		return SwitchPlan{}, false
	}

	if s.processes[current].state == StateRunning {
		s.processes[current].state = StateReady
	}
	s.processes[next].state = StateRunning
	s.current = next

	return SwitchPlan{Old: &s.processes[current].context, New: &s.processes[next].context}, true
}

// PlanExitCurrent marks the current slot Exited, clears its table
// entry, and plans a switch to the next Ready slot (or back to the
// kernel context if none remain). The returned ExitPlan's VMM and
// stack fields are the caller's to reclaim; this method never touches
// the frame allocator or kernel heap itself.
func (s *Scheduler) PlanExitCurrent() ExitPlan {
	s.Lock()
	defer s.Unlock()

	current := s.current
	if current == noProcess {
		panic("proc: no running process to exit")
	}

	exited := s.processes[current]
	s.processes[current] = process{state: StateExited}

	plan := ExitPlan{
		ExitedIndex: current,
		ExitedVmm:   exited.vmm,
		StackBase:   exited.stackBase,
		StackPages:  exited.stackPages,
	}

	if next, ok := s.findNextReadyLocked(current); ok {
		s.processes[next].state = StateRunning
		s.current = next
		plan.Switch = SwitchPlan{Old: &exited.context, New: &s.processes[next].context}
	} else {
		s.current = noProcess
		plan.Switch = SwitchPlan{Old: &exited.context, New: &s.kernelContext}
	}
	return plan
}

// currentEntry returns the entry function of the current slot.
func (s *Scheduler) currentEntry() EntryFunc {
	s.Lock()
	defer s.Unlock()
	if s.current == noProcess {
		panic("proc: no running process")
	}
	entry := s.processes[s.current].entry
	if entry == nil {
		panic("proc: running process has no entry function")
	}
	return entry
}

// CurrentPID returns the PID of the currently running process, or 0
// if the kernel context itself is active.
func (s *Scheduler) CurrentPID() uint64 {
	s.Lock()
	defer s.Unlock()
	if s.current == noProcess {
		return 0
	}
	return s.processes[s.current].id
}

// CurrentVmm returns the address space of the currently running
// process, or nil if the kernel context itself is active. The
// syscall dispatcher uses this to route brk/mmap to the right VMM.
func (s *Scheduler) CurrentVmm() *vmm.Vmm {
	s.Lock()
	defer s.Unlock()
	if s.current == noProcess {
		return nil
	}
	return s.processes[s.current].vmm
}

// Run switches into the lowest-indexed Ready process and, each time
// control comes back to the kernel context, dispatches the
// lowest-indexed Ready process again. Once no process is Ready it
// halts the core rather than busy-looping, and does not return.
func (s *Scheduler) Run() {
	for {
		plan, ok := s.PlanKernelToFirst()
		if !ok {
			archhooks.HaltForever()
			return
		}
		contextSwitch(plan.Old, plan.New)
	}
}

// Yield cooperatively switches to the next Ready process, if any, and
// returns once this process is dispatched again.
func Yield() {
	plan, ok := active.PlanYield()
	if ok {
		contextSwitch(plan.Old, plan.New)
	}
}

// CurrentPID reports the active scheduler's current PID.
func CurrentPID() uint64 {
	return active.CurrentPID()
}

// CurrentVmm reports the active scheduler's current process's VMM.
func CurrentVmm() *vmm.Vmm {
	return active.CurrentVmm()
}

// Exit terminates the currently running process and never returns.
func Exit() {
	exitCurrent()
}

// processTrampoline is the first code every process runs: the return
// address seeded by Spawn. It is entered by contextSwitch's own `ret`,
// not by an ordinary Go call, so it must never return normally.
func processTrampoline() {
	entry := active.currentEntry()
	entry()
	exitCurrent()
	panic("proc: exitCurrent returned")
}

// exitCurrent reclaims the current process's address space and stack
// and switches away from it for the last time.
func exitCurrent() {
	plan := active.PlanExitCurrent()
	if plan.ExitedVmm != nil {
		plan.ExitedVmm.Pages().Free()
	}
	if plan.StackPages > 0 {
		active.frames.Free(plan.StackBase, plan.StackPages)
	}
	contextSwitch(plan.Switch.Old, plan.Switch.New)
	panic("proc: resumed a context that was already exited")
}
