package kmain

import (
	"github.com/kenanay/AykenOS/kernel"
	"github.com/kenanay/AykenOS/kernel/cpu"
	"github.com/kenanay/AykenOS/kernel/hal/bootinfo"
	"github.com/kenanay/AykenOS/kernel/mm"
	"github.com/kenanay/AykenOS/kernel/mm/physmem"
	"github.com/kenanay/AykenOS/kernel/mm/vmm"
)

const (
	// bootInfoAddr is where the firmware stores the boot info structure.
	bootInfoAddr = uintptr(0x1000)

	// memMapAddr is where the firmware stores the memory map. The map
	// may grow up to loaderDataEnd.
	memMapAddr    = uintptr(0x2000)
	loaderDataEnd = uintptr(0x10000)

	// The conventional low memory window of a PC and the start of the
	// BIOS/VGA hole.
	lowMemoryEnd = uintptr(0x9f000)
	biosHoleEnd  = uintptr(0x100000)

	// bootTablesSize is the space at the end of the kernel image that the
	// firmware uses for the page tables it hands to the kernel.
	bootTablesSize = 1 * mm.Mb

	framebufferAddr   = uint64(0xfd000000)
	framebufferWidth  = 1024
	framebufferHeight = 768
	framebufferBpp    = 32
)

var (
	errBootTablesExhausted = &kernel.Error{Module: "kmain", Message: "firmware ran out of space for boot page tables"}
)

// Machine is the simulated hardware together with the boot info the
// firmware leaves in physical memory for the kernel.
type Machine struct {
	CPU *cpu.CPU
	Mem *physmem.Memory

	// InfoAddr is the physical address of the boot info structure.
	InfoAddr uintptr
}

// PowerOn builds the machine described by cfg and performs the work of the
// loader: it writes the memory map and the boot info structure to physical
// memory and sets up a root page table that identity-maps the bottom of RAM
// and maps the kernel image at KernelVirtBase.
func PowerOn(cfg Config) (*Machine, *kernel.Error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mem, err := physmem.New(cfg.MemorySize)
	if err != nil {
		return nil, err
	}

	m := &Machine{CPU: cpu.New(), Mem: mem, InfoAddr: bootInfoAddr}
	if err = m.loadFirmwareTables(cfg); err != nil {
		_ = mem.Release()
		return nil, err
	}

	return m, nil
}

// Release returns the physical memory arena to the host.
func (m *Machine) Release() error {
	return m.Mem.Release()
}

func (m *Machine) loadFirmwareTables(cfg Config) *kernel.Error {
	descs := cfg.MemoryMap
	if len(descs) == 0 {
		descs = defaultMemoryMap(cfg)
	}
	if uintptr(len(descs)*bootinfo.DefaultDescriptorSize) > loaderDataEnd-memMapAddr {
		return bootinfo.ErrBadMemoryMap
	}

	info := &bootinfo.Info{
		KernelPhysStart:   uint64(cfg.KernelStart),
		KernelPhysEnd:     uint64(cfg.KernelEnd),
		FramebufferAddr:   framebufferAddr,
		FramebufferWidth:  framebufferWidth,
		FramebufferHeight: framebufferHeight,
		FramebufferPitch:  framebufferWidth * framebufferBpp / 8,
		FramebufferBpp:    framebufferBpp,
	}

	if err := bootinfo.EncodeMemoryMap(m.Mem, memMapAddr, descs, info); err != nil {
		return err
	}

	root, err := m.buildBootTables(cfg)
	if err != nil {
		return err
	}
	info.PML4Phys = uint64(root.Address())

	return bootinfo.WriteInfo(m.Mem, m.InfoAddr, info)
}

// buildBootTables creates the loader page tables inside the last
// bootTablesSize bytes of the kernel image.
func (m *Machine) buildBootTables(cfg Config) (mm.Frame, *kernel.Error) {
	tablesStart := cfg.KernelEnd - uintptr(bootTablesSize)
	if err := m.Mem.Memset(tablesStart, 0, uintptr(bootTablesSize)); err != nil {
		return mm.InvalidFrame, err
	}

	alloc := &bootFrameAllocator{
		next: mm.FrameFromAddress(tablesStart),
		end:  mm.FrameFromAddress(cfg.KernelEnd),
	}
	root, err := alloc.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, err
	}

	loader := vmm.New(m.CPU, m.Mem, alloc)

	identityEnd := cfg.IdentityLimit
	if identityEnd > m.Mem.Size() {
		identityEnd = m.Mem.Size()
	}
	if identityEnd != 0 {
		if _, err = loader.IdentityMapRegion(root, mm.Frame(0), mm.Size(identityEnd), vmm.FlagRW); err != nil {
			return mm.InvalidFrame, err
		}
	}

	kernelPage := mm.PageFromAddress(vmm.KernelVirtBase + cfg.KernelStart)
	kernelSize := mm.Size(cfg.KernelEnd - cfg.KernelStart)
	if err = loader.MapRegion(root, kernelPage, mm.FrameFromAddress(cfg.KernelStart), kernelSize, vmm.FlagRW); err != nil {
		return mm.InvalidFrame, err
	}

	return root, nil
}

// defaultMemoryMap describes a PC with cfg.MemorySize bytes of RAM.
func defaultMemoryMap(cfg Config) []bootinfo.MemoryDescriptor {
	region := func(memType bootinfo.MemoryType, start, end uintptr) bootinfo.MemoryDescriptor {
		return bootinfo.MemoryDescriptor{
			Type:      memType,
			PhysStart: uint64(start),
			NumPages:  uint64((end - start) >> mm.PageShift),
		}
	}

	descs := []bootinfo.MemoryDescriptor{
		region(bootinfo.MemBootServicesData, 0, bootInfoAddr),
		region(bootinfo.MemLoaderData, bootInfoAddr, loaderDataEnd),
		region(bootinfo.MemConventional, loaderDataEnd, lowMemoryEnd),
		region(bootinfo.MemReserved, lowMemoryEnd, biosHoleEnd),
	}
	if cfg.KernelStart > biosHoleEnd {
		descs = append(descs, region(bootinfo.MemConventional, biosHoleEnd, cfg.KernelStart))
	}
	descs = append(descs, region(bootinfo.MemLoaderCode, cfg.KernelStart, cfg.KernelEnd))
	if memEnd := uintptr(cfg.MemorySize); memEnd > cfg.KernelEnd {
		descs = append(descs, region(bootinfo.MemConventional, cfg.KernelEnd, memEnd))
	}

	fbSize := uintptr(framebufferWidth * framebufferHeight * framebufferBpp / 8)
	descs = append(descs, region(bootinfo.MemMappedIO, uintptr(framebufferAddr), uintptr(framebufferAddr)+fbSize))

	return descs
}

// bootFrameAllocator hands out frames from a fixed window. Frames are never
// returned.
type bootFrameAllocator struct {
	next, end mm.Frame
}

func (a *bootFrameAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	if a.next >= a.end {
		return mm.InvalidFrame, errBootTablesExhausted
	}

	frame := a.next
	a.next++
	return frame, nil
}

func (a *bootFrameAllocator) FreeFrame(mm.Frame) *kernel.Error {
	return nil
}
