package proc

import (
	"github.com/kenanay/AykenOS/kernel"
	"github.com/kenanay/AykenOS/kernel/cpu"
	"github.com/kenanay/AykenOS/kernel/kfmt"
	"github.com/kenanay/AykenOS/kernel/mm"
	"github.com/kenanay/AykenOS/kernel/mm/vmm"
)

const (
	// MaxProcesses is the capacity of the descriptor table.
	MaxProcesses = 64

	// KernelStackSize is the size of the kernel stack of every process.
	KernelStackSize = 4 * mm.Kb

	// initPID is the PID of the first process.
	initPID = 1
)

var (
	// ErrTooManyProcesses is returned when the descriptor table is full.
	ErrTooManyProcesses = &kernel.Error{Module: "proc", Message: "process table is full"}

	errInitExists = &kernel.Error{Module: "proc", Message: "init process already created"}
)

// StackAllocator is implemented by the kernel heap.
type StackAllocator interface {
	Alloc(size mm.Size) (uintptr, *kernel.Error)
	Free(addr uintptr) *kernel.Error
}

// AddressSpace is implemented by the address space manager.
type AddressSpace interface {
	KernelRoot() mm.Frame
	CreateUserRoot() (mm.Frame, *kernel.Error)
	Map(root mm.Frame, page mm.Page, frame mm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error
	TranslateIn(root mm.Frame, virtAddr uintptr) (uintptr, vmm.PageTableEntryFlag, *kernel.Error)
	WriteAt(root mm.Frame, virtAddr uintptr, buf []byte) *kernel.Error
	Zero(root mm.Frame, virtAddr, size uintptr) *kernel.Error
}

// EntryRegistry assigns code addresses to kernel thread bodies. It is
// implemented by the context switcher.
type EntryRegistry interface {
	Register(fn cpu.EntryFunc) uint64
}

// Admitter is implemented by the scheduler. Add is called once for every
// successfully created process.
type Admitter interface {
	Add(p *Process)
}

// Deps bundles the collaborators of a Table.
type Deps struct {
	CPU     *cpu.CPU
	Frames  mm.FrameAllocator
	VM      AddressSpace
	Stacks  StackAllocator
	Entries EntryRegistry
	Sched   Admitter
}

// Table is the process descriptor table. Descriptors live in a fixed array
// indexed by PID-1 and are never reclaimed, so a PID is never reused.
type Table struct {
	deps Deps

	slots   [MaxProcesses]Process
	nextPID int
}

// NewTable returns an empty descriptor table.
func NewTable(deps Deps) *Table {
	return &Table{deps: deps, nextPID: initPID}
}

// CreateKernelThread creates a kernel thread that runs entry in the kernel
// address space and admits it to the scheduler.
func (t *Table) CreateKernelThread(name string, entry cpu.EntryFunc) (*Process, *kernel.Error) {
	prev := t.deps.CPU.SaveAndDisableInterrupts()
	defer t.deps.CPU.RestoreInterrupts(prev)

	p, err := t.newDescriptor(name)
	if err != nil {
		return nil, err
	}

	p.Kind = KernelThread
	p.Root = t.deps.VM.KernelRoot()
	p.Entry = uintptr(t.deps.Entries.Register(entry))
	p.Context.RIP = uint64(p.Entry)
	p.Context.RSP = uint64(p.KernelStackTop)
	p.Context.RFLAGS = cpu.DefaultFlags
	p.Context.CR3 = uint64(p.Root.Address())

	t.commit(p)
	kfmt.Printf("[proc] created kernel thread %d (%s)\n", p.PID, p.Name())
	return p, nil
}

// CreateInit creates the init kernel thread. It must be the first process.
func (t *Table) CreateInit(entry cpu.EntryFunc) (*Process, *kernel.Error) {
	if t.nextPID != initPID {
		return nil, errInitExists
	}

	p, err := t.CreateKernelThread("init", entry)
	if err != nil {
		return nil, err
	}

	kfmt.Printf("[proc] init process created (PID%d)\n", p.PID)
	return p, nil
}

// CreateUserProcess creates a user process from a program image. The image
// is validated before any memory is committed. Once loading starts, a
// failure abandons the partially built address space and no process is
// admitted.
func (t *Table) CreateUserProcess(name string, image []byte, format ImageFormat) (*Process, *kernel.Error) {
	plan, err := planImage(image, format)
	if err != nil {
		return nil, err
	}

	prev := t.deps.CPU.SaveAndDisableInterrupts()
	defer t.deps.CPU.RestoreInterrupts(prev)

	p, err := t.newDescriptor(name)
	if err != nil {
		return nil, err
	}

	root, err := t.loadImage(plan)
	if err != nil {
		_ = t.deps.Stacks.Free(p.KernelStackTop - uintptr(KernelStackSize))
		return nil, err
	}

	p.Kind = UserProcess
	p.Format = format
	p.Root = root
	p.Entry = plan.entry
	p.UserStackTop = UserStackTop
	p.Context.RIP = uint64(plan.entry)
	p.Context.RSP = uint64(UserStackTop)
	p.Context.RFLAGS = cpu.DefaultFlags
	p.Context.CR3 = uint64(root.Address())

	t.commit(p)
	kfmt.Printf("[proc] created user process %d (%s), %s image, entry 0x%x\n", p.PID, p.Name(), format, p.Entry)
	return p, nil
}

// Lookup returns the descriptor for pid.
func (t *Table) Lookup(pid int) (*Process, bool) {
	if pid < initPID || pid >= t.nextPID {
		return nil, false
	}
	return &t.slots[pid-initPID], true
}

// Visit invokes visitor for every process in PID order. The visitor returns
// false to stop the scan.
func (t *Table) Visit(visitor func(*Process) bool) {
	for pid := initPID; pid < t.nextPID; pid++ {
		if !visitor(&t.slots[pid-initPID]) {
			return
		}
	}
}

// Count returns the number of processes created so far, including
// terminated ones.
func (t *Table) Count() int {
	return t.nextPID - initPID
}

// newDescriptor prepares the next free descriptor and its kernel stack. The
// descriptor only becomes visible once commit is called.
func (t *Table) newDescriptor(name string) (*Process, *kernel.Error) {
	if t.nextPID-initPID >= MaxProcesses {
		return nil, ErrTooManyProcesses
	}

	stack, err := t.deps.Stacks.Alloc(KernelStackSize)
	if err != nil {
		return nil, err
	}

	p := &t.slots[t.nextPID-initPID]
	*p = Process{
		PID:            t.nextPID,
		State:          Ready,
		KernelStackTop: stack + uintptr(KernelStackSize),
	}
	encodeName(&p.name, name)
	return p, nil
}

func (t *Table) commit(p *Process) {
	t.nextPID++
	t.deps.Sched.Add(p)
}

// loadImage builds a user address space for plan.
func (t *Table) loadImage(plan *loadPlan) (mm.Frame, *kernel.Error) {
	root, err := t.deps.VM.CreateUserRoot()
	if err != nil {
		return mm.InvalidFrame, err
	}

	for _, seg := range plan.segments {
		if err = t.mapUserRange(root, seg.vaddr, seg.memSize); err != nil {
			return mm.InvalidFrame, err
		}

		if err = t.deps.VM.WriteAt(root, seg.vaddr, seg.data); err != nil {
			return mm.InvalidFrame, err
		}
	}

	stackBase := UserStackTop - UserStackPages*mm.PageSize
	if err = t.mapUserRange(root, stackBase, UserStackPages*mm.PageSize); err != nil {
		return mm.InvalidFrame, err
	}

	return root, nil
}

// mapUserRange backs every page overlapping [virtAddr, virtAddr+size) with a
// zeroed frame. Pages that are already mapped (e.g. shared by two segments)
// are left as they are.
func (t *Table) mapUserRange(root mm.Frame, virtAddr, size uintptr) *kernel.Error {
	lastPage := mm.PageFromAddress(virtAddr + size - 1)
	for page := mm.PageFromAddress(virtAddr); page <= lastPage; page++ {
		if _, _, err := t.deps.VM.TranslateIn(root, page.Address()); err == nil {
			continue
		}

		frame, err := t.deps.Frames.AllocFrame()
		if err != nil {
			return err
		}

		if err = t.deps.VM.Map(root, page, frame, vmm.FlagRW|vmm.FlagUserAccessible); err != nil {
			return err
		}

		if err = t.deps.VM.Zero(root, page.Address(), mm.PageSize); err != nil {
			return err
		}
	}

	return nil
}
