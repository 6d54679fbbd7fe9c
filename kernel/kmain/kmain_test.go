package kmain

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/kenanay/AykenOS/kernel"
	"github.com/kenanay/AykenOS/kernel/hal/bootinfo"
	"github.com/kenanay/AykenOS/kernel/kfmt"
	"github.com/kenanay/AykenOS/kernel/mm"
	"github.com/kenanay/AykenOS/kernel/mm/vmm"
	"github.com/kenanay/AykenOS/kernel/proc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	t.Cleanup(func() {
		kfmt.SetOutputSink(nil)
		kfmt.SetHaltFn(nil)
	})
	return &buf
}

func powerOn(t *testing.T, cfg Config) *Machine {
	t.Helper()

	m, err := PowerOn(cfg)
	require.Nil(t, err)
	t.Cleanup(func() { _ = m.Release() })
	return m
}

// minimalELF returns an executable with a single text segment at vaddr.
func minimalELF(vaddr uint64, text []byte) []byte {
	const (
		ehdrSize = 64
		phdrSize = 56
	)

	var hdr elf.Header64
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	hdr.Type = uint16(elf.ET_EXEC)
	hdr.Machine = uint16(elf.EM_X86_64)
	hdr.Version = uint32(elf.EV_CURRENT)
	hdr.Entry = vaddr
	hdr.Phoff = ehdrSize
	hdr.Ehsize = ehdrSize
	hdr.Phentsize = phdrSize
	hdr.Phnum = 1

	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, &hdr)
	_ = binary.Write(&buf, binary.LittleEndian, &elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_X),
		Off:    ehdrSize + phdrSize,
		Vaddr:  vaddr,
		Paddr:  vaddr,
		Filesz: uint64(len(text)),
		Memsz:  uint64(len(text)) + 0x2000,
		Align:  uint64(mm.PageSize),
	})
	buf.Write(text)
	return buf.Bytes()
}

func TestConfigValidate(t *testing.T) {
	specs := []struct {
		descr  string
		mutate func(*Config)
		expErr *kernel.Error
	}{
		{"default", func(*Config) {}, nil},
		{"tiny memory", func(c *Config) { c.MemorySize = 2 * mm.Mb }, errBadMemorySize},
		{"kernel in low memory", func(c *Config) { c.KernelStart = 0x8000 }, errBadKernelRange},
		{"unaligned kernel", func(c *Config) { c.KernelEnd = 0x400010 }, errBadKernelRange},
		{"kernel too small", func(c *Config) { c.KernelEnd = c.KernelStart + uintptr(bootTablesSize) }, errBadKernelRange},
		{"kernel beyond ram", func(c *Config) { c.KernelEnd = uintptr(c.MemorySize) + mm.PageSize }, errBadKernelRange},
		{"heap in lower half", func(c *Config) { c.HeapBase = 0x400000 }, errBadHeapRegion},
		{"unaligned heap", func(c *Config) { c.HeapBase++ }, errBadHeapRegion},
		{"empty heap", func(c *Config) { c.HeapSize = 0 }, errBadHeapRegion},
		{"heap over kernel image", func(c *Config) { c.HeapBase = vmm.KernelVirtBase + 0x200000 }, errBadHeapRegion},
	}

	for specIndex, spec := range specs {
		cfg := DefaultConfig()
		spec.mutate(&cfg)

		if err := cfg.Validate(); err != spec.expErr {
			t.Errorf("[spec %d] %s: expected error %v; got %v", specIndex, spec.descr, spec.expErr, err)
		}
	}
}

func TestPowerOn(t *testing.T) {
	cfg := DefaultConfig()
	m := powerOn(t, cfg)

	info, err := bootinfo.ReadInfo(m.Mem, m.InfoAddr)
	require.Nil(t, err)

	start, end := info.KernelRange()
	assert.Equal(t, cfg.KernelStart, start)
	assert.Equal(t, cfg.KernelEnd, end)
	assert.Equal(t, uint32(framebufferWidth*4), info.FramebufferPitch)

	root := info.BootRoot()
	require.True(t, root.Valid())
	assert.True(t, root.Address() >= cfg.KernelEnd-uintptr(bootTablesSize))
	assert.True(t, root.Address() < cfg.KernelEnd)

	regions, err := bootinfo.Regions(m.Mem, info)
	require.Nil(t, err)
	require.NotEmpty(t, regions)

	var conventional uint64
	for _, r := range regions {
		if r.Type == bootinfo.MemConventional {
			conventional += r.Length()
		}
	}
	expConventional := uint64(lowMemoryEnd-loaderDataEnd) + uint64(uintptr(cfg.MemorySize)-cfg.KernelEnd)
	assert.Equal(t, expConventional, conventional)

	// The loader tables identity-map RAM and map the kernel high.
	vm := vmm.New(m.CPU, m.Mem, nil)
	phys, _, err := vm.TranslateIn(root, 0x123456)
	require.Nil(t, err)
	assert.Equal(t, uintptr(0x123456), phys)

	phys, _, err = vm.TranslateIn(root, vmm.KernelVirtBase+cfg.KernelStart+0x10)
	require.Nil(t, err)
	assert.Equal(t, cfg.KernelStart+0x10, phys)
}

func TestPowerOnErrors(t *testing.T) {
	t.Run("invalid config", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.HeapSize = 0

		_, err := PowerOn(cfg)
		assert.Equal(t, errBadHeapRegion, err)
	})

	t.Run("memory map too large", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.MemoryMap = make([]bootinfo.MemoryDescriptor, 2048)

		_, err := PowerOn(cfg)
		assert.Equal(t, bootinfo.ErrBadMemoryMap, err)
	})

	t.Run("boot tables exhausted", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.MemorySize = 1024 * mm.Mb
		cfg.IdentityLimit = uintptr(cfg.MemorySize)

		_, err := PowerOn(cfg)
		assert.Equal(t, errBootTablesExhausted, err)
	})
}

func TestKmain(t *testing.T) {
	out := captureOutput(t)

	cfg := DefaultConfig()
	m := powerOn(t, cfg)

	k, err := Kmain(m, cfg)
	require.Nil(t, err)
	require.NotNil(t, k.InitProc)

	assert.Equal(t, 1, k.InitProc.PID)
	assert.Equal(t, "init", k.InitProc.Name())
	assert.Equal(t, proc.Ready, k.InitProc.State)
	assert.Equal(t, 1, k.Sched.ReadyLen())

	// The identity mapping is gone but the kernel image is still mapped.
	_, _, err = k.VM.Translate(0x123000)
	assert.Equal(t, vmm.ErrInvalidMapping, err)
	_, _, err = k.VM.Translate(vmm.KernelVirtBase + cfg.KernelStart)
	assert.Nil(t, err)

	// The kernel image and the low 1Mb are never handed out.
	frame, err := k.Frames.AllocFrame()
	require.Nil(t, err)
	addr := frame.Address()
	assert.False(t, addr < 0x100000 || (addr >= cfg.KernelStart && addr < cfg.KernelEnd), "allocated reserved frame 0x%x", addr)

	start, end := k.Heap.Bounds()
	assert.Equal(t, cfg.HeapBase, start)
	assert.Equal(t, cfg.HeapBase+uintptr(cfg.HeapSize), end)

	for _, exp := range []string{"[boot] early init", "[boot] late init", "init process created (PID1)"} {
		assert.Contains(t, out.String(), exp)
	}
}

func TestKmainWithoutBootRoot(t *testing.T) {
	out := captureOutput(t)

	cfg := DefaultConfig()
	m := powerOn(t, cfg)

	info, err := bootinfo.ReadInfo(m.Mem, m.InfoAddr)
	require.Nil(t, err)
	info.PML4Phys = 0
	require.Nil(t, bootinfo.WriteInfo(m.Mem, m.InfoAddr, info))

	k, err := Kmain(m, cfg)
	assert.Nil(t, k)
	assert.Equal(t, vmm.ErrNoBootRoot, err)
	assert.True(t, m.CPU.Halted())
	assert.Contains(t, out.String(), "[vmm] unrecoverable error: no usable boot root page table")
	assert.Contains(t, out.String(), "*** kernel panic: system halted ***")
}

func TestRun(t *testing.T) {
	out := captureOutput(t)

	cfg := DefaultConfig()
	cfg.Programs = []Program{
		{Name: "flat", Image: []byte{0x90, 0x90, 0xeb, 0xfe}, Format: proc.ImageFlat},
		{Name: "elf", Image: minimalELF(0x500000, []byte{0xf4, 0xeb, 0xfd}), Format: proc.ImageELF},
		{Name: "broken", Image: []byte("not an executable"), Format: proc.ImageELF},
	}
	m := powerOn(t, cfg)

	k, err := Kmain(m, cfg)
	require.Nil(t, err)

	k.Run()

	assert.Equal(t, 3, k.Procs.Count())
	k.Procs.Visit(func(p *proc.Process) bool {
		assert.Equal(t, proc.Terminated, p.State, "process %d (%s)", p.PID, p.Name())
		return true
	})

	assert.Nil(t, k.Sched.Current())
	assert.Zero(t, k.Sched.ReadyLen())
	assert.NoError(t, k.Sched.CheckInvariants())
	assert.Equal(t, uint64(2*cfg.UserTicks), k.Timer.Ticks())
	assert.Zero(t, k.PageFaults())

	log := out.String()
	for _, exp := range []string{
		"[init] PID1 running",
		`[init] started "flat" as PID 2`,
		`[init] started "elf" as PID 3`,
		`[init] unable to start "broken"`,
		"[user] PID2 (flat) entered at 0x400000: 90 90 eb fe",
		"[user] PID3 (elf) entered at 0x500000: f4 eb fd 00",
	} {
		assert.True(t, strings.Contains(log, exp), "expected log to contain %q", exp)
	}
}

func TestRunCustomInit(t *testing.T) {
	captureOutput(t)

	var (
		order []int
		woken int
	)

	cfg := DefaultConfig()
	cfg.Init = func(k *Kernel) {
		for i := 0; i < 2; i++ {
			_, err := k.Procs.CreateKernelThread("waiter", func() {
				order = append(order, k.Sched.Current().PID)
				k.Sched.BlockCurrent(0x1000)
				order = append(order, k.Sched.Current().PID)
			})
			assert.Nil(t, err)
		}

		// Let both waiters block, then release them.
		for k.Sched.ReadyLen() > 0 {
			k.Sched.Yield()
		}
		woken = k.Sched.WakeAll(0x1000)
		for k.Sched.ReadyLen() > 0 {
			k.Sched.Yield()
		}
	}
	m := powerOn(t, cfg)

	k, err := Kmain(m, cfg)
	require.Nil(t, err)
	k.Run()

	assert.Equal(t, 2, woken)
	assert.Equal(t, []int{2, 3, 2, 3}, order)
}

func TestRunUserPageFault(t *testing.T) {
	captureOutput(t)

	cfg := DefaultConfig()
	cfg.Init = func(k *Kernel) {
		p, err := k.Procs.CreateUserProcess("faulty", []byte{0xcc}, proc.ImageFlat)
		if !assert.Nil(t, err) {
			return
		}

		// Revoke the code page before the process first runs.
		assert.Nil(t, k.VM.UnmapFrom(p.Root, mm.PageFromAddress(p.Entry)))
	}
	m := powerOn(t, cfg)

	k, err := Kmain(m, cfg)
	require.Nil(t, err)
	k.Run()

	assert.Equal(t, uint64(1), k.PageFaults())
	assert.Zero(t, k.Timer.Ticks())
}
