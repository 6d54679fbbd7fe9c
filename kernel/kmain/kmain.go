// Package kmain contains the boot sequence of the kernel. Kmain consumes the
// boot info left in physical memory by the loader, brings up the memory
// subsystems (early init), then the interrupt controller, the scheduler and
// the process table (late init), and finally creates the init process.
package kmain

import (
	"github.com/kenanay/AykenOS/kernel"
	"github.com/kenanay/AykenOS/kernel/cpu"
	"github.com/kenanay/AykenOS/kernel/hal/bootinfo"
	"github.com/kenanay/AykenOS/kernel/irq"
	"github.com/kenanay/AykenOS/kernel/kfmt"
	"github.com/kenanay/AykenOS/kernel/mm/kheap"
	"github.com/kenanay/AykenOS/kernel/mm/physmem"
	"github.com/kenanay/AykenOS/kernel/mm/pmm"
	"github.com/kenanay/AykenOS/kernel/mm/vmm"
	"github.com/kenanay/AykenOS/kernel/proc"
	"github.com/kenanay/AykenOS/kernel/sched"
)

// Kernel holds every subsystem brought up by Kmain.
type Kernel struct {
	cfg Config

	CPU  *cpu.CPU
	Mem  *physmem.Memory
	Info *bootinfo.Info

	Frames *pmm.BitmapAllocator
	VM     *vmm.Manager
	Heap   *kheap.Heap

	IRQ      *irq.Controller
	Timer    *irq.Timer
	Switcher *cpu.Coroutines
	Sched    *sched.Scheduler
	Procs    *proc.Table

	// InitProc is the process with PID 1.
	InitProc *proc.Process

	pageFaults uint64
}

// Kmain boots the kernel on m. Boot failures are unrecoverable: they are
// reported through kfmt.Panic, which halts the CPU, and returned to the
// caller. On success the kernel is ready to Run.
func Kmain(m *Machine, cfg Config) (*Kernel, *kernel.Error) {
	kfmt.SetHaltFn(m.CPU.Halt)

	k := &Kernel{cfg: cfg, CPU: m.CPU, Mem: m.Mem}

	var err *kernel.Error
	kfmt.Printf("[boot] early init\n")
	if err = k.earlyInit(m.InfoAddr); err != nil {
		kfmt.Panic(err)
		return nil, err
	}

	kfmt.Printf("[boot] late init\n")
	if err = k.lateInit(); err != nil {
		kfmt.Panic(err)
		return nil, err
	}

	return k, nil
}

// earlyInit sets up the frame allocator, the address space manager and the
// kernel heap.
func (k *Kernel) earlyInit(infoAddr uintptr) *kernel.Error {
	info, err := bootinfo.ReadInfo(k.Mem, infoAddr)
	if err != nil {
		return err
	}
	k.Info = info

	regions, err := bootinfo.Regions(k.Mem, info)
	if err != nil {
		return err
	}

	kernelStart, kernelEnd := info.KernelRange()
	k.Frames = pmm.New(k.CPU)
	k.Frames.Init(regions, kernelStart, kernelEnd)

	k.VM = vmm.New(k.CPU, k.Mem, k.Frames)
	if err = k.VM.Init(info.BootRoot(), k.cfg.IdentityLimit); err != nil {
		return err
	}

	k.Heap = kheap.New(k.CPU, k.VM, k.Frames)
	return k.Heap.Init(k.cfg.HeapBase, k.cfg.HeapSize)
}

// lateInit sets up interrupt handling, the scheduler and the process table
// and creates the init process.
func (k *Kernel) lateInit() *kernel.Error {
	k.Switcher = cpu.NewCoroutines(k.CPU)
	k.IRQ = irq.New(k.CPU)
	k.Sched = sched.New(k.CPU, k.Switcher, k.VM)
	k.Timer = irq.NewTimer(k.IRQ, k.cfg.TimerHz, k.Sched.Tick)
	k.IRQ.HandleInterrupt(irq.PageFaultException, k.pageFault)

	k.Switcher.SetExitHandler(k.Sched.ExitCurrent)
	k.Switcher.SetForeign(k.runUserContext)

	k.Procs = proc.NewTable(proc.Deps{
		CPU:     k.CPU,
		Frames:  k.Frames,
		VM:      k.VM,
		Stacks:  k.Heap,
		Entries: k.Switcher,
		Sched:   k.Sched,
	})

	initFn := k.cfg.Init
	if initFn == nil {
		initFn = runInit
	}

	var err *kernel.Error
	if k.InitProc, err = k.Procs.CreateInit(newThreadEntry(k, initFn)); err != nil {
		return err
	}

	kfmt.Printf("[boot] timer at %dHz, %d frames free\n", k.cfg.TimerHz, k.Frames.FreeFrames())
	return nil
}

// Run hands the CPU to the scheduler and returns once the machine halts or
// no process is left that can make progress.
func (k *Kernel) Run() {
	if k.CPU.Halted() || k.Sched.ReadyLen() == 0 {
		return
	}

	kfmt.Printf("[boot] handing over to the scheduler\n")
	k.Sched.Start()
	k.Switcher.Wait()

	kfmt.Printf("[boot] machine idle after %d ticks (%s uptime)\n", k.Timer.Ticks(), k.Timer.Uptime())
}

// PageFaults returns the number of serviced page faults.
func (k *Kernel) PageFaults() uint64 {
	return k.pageFaults
}

// runInit is the default body of the init process. It starts every
// configured program as a user process and exits.
func runInit(k *Kernel) {
	kfmt.Printf("[init] PID%d running\n", k.Sched.Current().PID)

	for _, prog := range k.cfg.Programs {
		p, err := k.Procs.CreateUserProcess(prog.Name, prog.Image, prog.Format)
		if err != nil {
			kfmt.Printf("[init] unable to start %q: %s\n", prog.Name, err.Message)
			continue
		}
		kfmt.Printf("[init] started %q as PID %d\n", prog.Name, p.PID)
	}
}

// runUserContext executes on behalf of a user process. The hosted CPU
// cannot decode user code, so the process fetches its entry point and then
// consumes UserTicks timer interrupts before returning.
func (k *Kernel) runUserContext() {
	p := k.Sched.Current()
	if p == nil {
		return
	}

	var insn [16]byte
	if err := k.fetch(p, uintptr(p.Context.RIP), insn[:]); err != nil {
		k.IRQ.Raise(irq.PageFaultException)
		return
	}
	kfmt.Printf("[user] PID%d (%s) entered at 0x%x: % x\n", p.PID, p.Name(), p.Context.RIP, insn[:4])

	for tick := 0; tick < k.cfg.UserTicks; tick++ {
		k.Timer.Fire()
	}
}

// fetch reads user memory of p, failing if the page is not user
// accessible.
func (k *Kernel) fetch(p *proc.Process, virtAddr uintptr, buf []byte) *kernel.Error {
	_, flags, err := k.VM.TranslateIn(p.Root, virtAddr)
	if err != nil {
		return err
	}
	if flags&vmm.FlagUserAccessible == 0 {
		return vmm.ErrInvalidMapping
	}
	return k.VM.ReadAt(p.Root, virtAddr, buf)
}

func (k *Kernel) pageFault(irq.Vector) {
	k.pageFaults++

	if p := k.Sched.Current(); p != nil {
		kfmt.Printf("[kmain] page fault in PID%d (%s) at 0x%x\n", p.PID, p.Name(), p.Context.RIP)
	}
}
