package kmain

import (
	"github.com/kenanay/AykenOS/kernel"
	"github.com/kenanay/AykenOS/kernel/cpu"
	"github.com/kenanay/AykenOS/kernel/hal/bootinfo"
	"github.com/kenanay/AykenOS/kernel/mm"
	"github.com/kenanay/AykenOS/kernel/mm/vmm"
	"github.com/kenanay/AykenOS/kernel/proc"
)

const (
	// DefaultMemorySize is the amount of installed RAM of the default
	// machine.
	DefaultMemorySize = 64 * mm.Mb

	// DefaultHeapSize is the size of the kernel heap region.
	DefaultHeapSize = 16 * mm.Mb

	// DefaultTimerHz is the rate of the periodic timer.
	DefaultTimerHz = 100

	// DefaultUserTicks is the number of timer interrupts a user process
	// observes before it exits.
	DefaultUserTicks = 4

	defaultKernelStart = uintptr(0x100000)
	defaultKernelEnd   = uintptr(0x400000)
)

var (
	errBadMemorySize  = &kernel.Error{Module: "kmain", Message: "installed memory must be at least 4Mb"}
	errBadKernelRange = &kernel.Error{Module: "kmain", Message: "kernel image range is invalid or too small for the boot page tables"}
	errBadHeapRegion  = &kernel.Error{Module: "kmain", Message: "heap region must be page-aligned, inside the kernel half and clear of the kernel image"}
)

// Program is a user program started by the default init thread.
type Program struct {
	Name   string
	Image  []byte
	Format proc.ImageFormat
}

// Config describes the simulated machine and the boot parameters of the
// kernel.
type Config struct {
	// MemorySize is the amount of installed RAM.
	MemorySize mm.Size

	// MemoryMap overrides the memory map reported by the firmware. If
	// empty, a PC-like map covering MemorySize is generated.
	MemoryMap []bootinfo.MemoryDescriptor

	// KernelStart and KernelEnd delimit the physical kernel image. The
	// firmware places the boot page tables at the end of the image.
	KernelStart, KernelEnd uintptr

	// IdentityLimit is the end of the identity mapping set up by the
	// firmware and removed by the address space manager.
	IdentityLimit uintptr

	HeapBase uintptr
	HeapSize mm.Size

	TimerHz uint32

	// UserTicks is the number of timer interrupts each user process
	// raises before returning.
	UserTicks int

	// Init replaces the body of the init thread.
	Init func(k *Kernel)

	// Programs are loaded as user processes by the default init thread.
	Programs []Program
}

// DefaultConfig returns the configuration of the reference machine.
func DefaultConfig() Config {
	return Config{
		MemorySize:    DefaultMemorySize,
		KernelStart:   defaultKernelStart,
		KernelEnd:     defaultKernelEnd,
		IdentityLimit: uintptr(DefaultMemorySize),
		HeapBase:      vmm.KernelVirtBase + uintptr(16*mm.Mb),
		HeapSize:      DefaultHeapSize,
		TimerHz:       DefaultTimerHz,
		UserTicks:     DefaultUserTicks,
	}
}

// Validate checks that the configuration describes a machine that can boot.
func (cfg *Config) Validate() *kernel.Error {
	if cfg.MemorySize < 4*mm.Mb {
		return errBadMemorySize
	}

	if cfg.KernelStart < biosHoleEnd ||
		cfg.KernelStart&(mm.PageSize-1) != 0 ||
		cfg.KernelEnd&(mm.PageSize-1) != 0 ||
		cfg.KernelEnd < cfg.KernelStart+uintptr(bootTablesSize)+mm.PageSize ||
		cfg.KernelEnd > uintptr(cfg.MemorySize) {
		return errBadKernelRange
	}

	if cfg.HeapBase&(mm.PageSize-1) != 0 ||
		cfg.HeapBase < vmm.KernelVirtBase ||
		cfg.HeapSize == 0 ||
		cfg.HeapBase+uintptr(cfg.HeapSize) < cfg.HeapBase ||
		(cfg.HeapBase < vmm.KernelVirtBase+cfg.KernelEnd && cfg.HeapBase+uintptr(cfg.HeapSize) > vmm.KernelVirtBase+cfg.KernelStart) {
		return errBadHeapRegion
	}

	return nil
}

// newThreadEntry adapts a function taking the kernel to a thread body.
func newThreadEntry(k *Kernel, fn func(*Kernel)) cpu.EntryFunc {
	return func() { fn(k) }
}
