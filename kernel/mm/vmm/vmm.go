// Package vmm implements the address space manager: 4-level page tables that
// live in physical memory, the kernel root shared by every address space and
// accessors that read and write memory through a virtual mapping.
package vmm

import (
	"github.com/kenanay/AykenOS/kernel"
	"github.com/kenanay/AykenOS/kernel/cpu"
	"github.com/kenanay/AykenOS/kernel/kfmt"
	"github.com/kenanay/AykenOS/kernel/mm"
	"github.com/kenanay/AykenOS/kernel/mm/physmem"
)

var (
	// ErrNoBootRoot is returned by Init when the loader did not supply a
	// usable root page table.
	ErrNoBootRoot = &kernel.Error{Module: "vmm", Message: "no usable boot root page table"}

	// ErrInvalidMapping is returned when trying to lookup a virtual memory
	// address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
)

// Manager owns the page tables of every address space. Page tables are
// ordinary frames obtained from the frame allocator and are never freed.
type Manager struct {
	cpu    *cpu.CPU
	mem    *physmem.Memory
	frames mm.FrameAllocator

	kernelRoot mm.Frame
}

// New returns a manager that stores page tables in mem and obtains frames for
// them from frames.
func New(c *cpu.CPU, mem *physmem.Memory, frames mm.FrameAllocator) *Manager {
	return &Manager{
		cpu:        c,
		mem:        mem,
		frames:     frames,
		kernelRoot: mm.InvalidFrame,
	}
}

// Init adopts the root table built by the loader as the kernel root and
// activates it. The loader's identity mapping of [0, identityLimit) is then
// removed one page at a time, followed by a full TLB flush.
func (m *Manager) Init(bootRoot mm.Frame, identityLimit uintptr) *kernel.Error {
	if !bootRoot.Valid() || bootRoot == 0 {
		return ErrNoBootRoot
	}
	if _, err := m.mem.FrameSlice(bootRoot); err != nil {
		return ErrNoBootRoot
	}

	m.kernelRoot = bootRoot
	m.cpu.SwitchRoot(bootRoot.Address())

	var removed uint64
	for page := mm.Page(0); page < mm.PageFromAddress(identityLimit); page++ {
		unmapped, err := m.unmap(bootRoot, page)
		if err != nil {
			return err
		}
		if unmapped {
			removed++
		}
	}
	m.cpu.FlushTLB()

	kfmt.Printf("[vmm] kernel root at 0x%x; removed %d identity mappings below 0x%x\n",
		bootRoot.Address(), removed, identityLimit)
	return nil
}

// KernelRoot returns the root table of the kernel address space.
func (m *Manager) KernelRoot() mm.Frame {
	return m.kernelRoot
}

// ActiveRoot returns the root table currently loaded in the root register.
func (m *Manager) ActiveRoot() mm.Frame {
	return mm.FrameFromAddress(m.cpu.ActiveRoot())
}

// Activate loads root into the root register and flushes the TLB.
func (m *Manager) Activate(root mm.Frame) {
	m.cpu.SwitchRoot(root.Address())
}

func (m *Manager) isActive(root mm.Frame) bool {
	return root.Address() == m.cpu.ActiveRoot()
}
