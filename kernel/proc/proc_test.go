package proc

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/kenanay/AykenOS/kernel"
	"github.com/kenanay/AykenOS/kernel/cpu"
	"github.com/kenanay/AykenOS/kernel/hal/bootinfo"
	"github.com/kenanay/AykenOS/kernel/mm"
	"github.com/kenanay/AykenOS/kernel/mm/kheap"
	"github.com/kenanay/AykenOS/kernel/mm/physmem"
	"github.com/kenanay/AykenOS/kernel/mm/pmm"
	"github.com/kenanay/AykenOS/kernel/mm/vmm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type admitRecorder struct {
	admitted []*Process
}

func (r *admitRecorder) Add(p *Process) {
	r.admitted = append(r.admitted, p)
}

type testEnv struct {
	cpu    *cpu.CPU
	mem    *physmem.Memory
	frames *pmm.BitmapAllocator
	vm     *vmm.Manager
	heap   *kheap.Heap
	sched  *admitRecorder
	table  *Table
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mem, err := physmem.New(8 * mm.Mb)
	require.Nil(t, err)
	t.Cleanup(func() { _ = mem.Release() })

	env := &testEnv{cpu: cpu.New(), mem: mem, sched: &admitRecorder{}}
	env.frames = pmm.New(env.cpu)
	env.frames.Init([]bootinfo.MemoryDescriptor{
		{Type: bootinfo.MemConventional, PhysStart: 0, NumPages: 2048},
	}, 0x100000, 0x200000)

	root, err := env.frames.AllocFrame()
	require.Nil(t, err)
	require.Nil(t, mem.ZeroFrame(root))

	env.vm = vmm.New(env.cpu, mem, env.frames)
	require.Nil(t, env.vm.Init(root, 0))

	env.heap = kheap.New(env.cpu, env.vm, env.frames)
	require.Nil(t, env.heap.Init(vmm.KernelVirtBase+uintptr(16*mm.Mb), 512*mm.Kb))

	env.table = NewTable(Deps{
		CPU:     env.cpu,
		Frames:  env.frames,
		VM:      env.vm,
		Stacks:  env.heap,
		Entries: cpu.NewCoroutines(env.cpu),
		Sched:   env.sched,
	})
	return env
}

// readUser reads size bytes at virtAddr in the address space of p.
func (env *testEnv) readUser(t *testing.T, p *Process, virtAddr uintptr, size int) []byte {
	t.Helper()
	buf := make([]byte, size)
	physAddr, _, err := env.vm.TranslateIn(p.Root, virtAddr)
	require.Nil(t, err)
	require.Nil(t, env.mem.Read(physAddr, buf))
	return buf
}

// dirtyFreeFrames fills count free frames with garbage and releases them so
// that the next allocations return frames with stale contents.
func (env *testEnv) dirtyFreeFrames(t *testing.T, count int) {
	t.Helper()
	var frames []mm.Frame
	for i := 0; i < count; i++ {
		frame, err := env.frames.AllocFrame()
		require.Nil(t, err)
		require.Nil(t, env.mem.Memset(frame.Address(), 0xff, mm.PageSize))
		frames = append(frames, frame)
	}
	for _, frame := range frames {
		require.Nil(t, env.frames.FreeFrame(frame))
	}
}

type elfSegment struct {
	vaddr  uint64
	memsz  uint64
	data   []byte
	ptType elf.ProgType
}

// buildELF assembles a minimal ELF64 executable with one program header per
// segment.
func buildELF(entry uint64, segments ...elfSegment) []byte {
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
	hdr.Entry = entry
	hdr.Phoff = ehdrSize
	hdr.Ehsize = ehdrSize
	hdr.Phentsize = phdrSize
	hdr.Phnum = uint16(len(segments))
	hdr.Shentsize = 64

	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, &hdr)

	dataOff := uint64(ehdrSize + phdrSize*len(segments))
	for _, seg := range segments {
		ptType := seg.ptType
		if ptType == elf.PT_NULL {
			ptType = elf.PT_LOAD
		}

		_ = binary.Write(&buf, binary.LittleEndian, &elf.Prog64{
			Type:   uint32(ptType),
			Flags:  uint32(elf.PF_R | elf.PF_X),
			Off:    dataOff,
			Vaddr:  seg.vaddr,
			Paddr:  seg.vaddr,
			Filesz: uint64(len(seg.data)),
			Memsz:  seg.memsz,
			Align:  uint64(mm.PageSize),
		})
		dataOff += uint64(len(seg.data))
	}

	for _, seg := range segments {
		buf.Write(seg.data)
	}
	return buf.Bytes()
}

func TestCreateKernelThread(t *testing.T) {
	env := newTestEnv(t)

	p, err := env.table.CreateKernelThread("worker", func() {})
	require.Nil(t, err)

	assert.Equal(t, 1, p.PID)
	assert.Equal(t, "worker", p.Name())
	assert.Equal(t, Ready, p.State)
	assert.Equal(t, KernelThread, p.Kind)
	assert.Equal(t, env.vm.KernelRoot(), p.Root)
	assert.Equal(t, cpu.KernelTextBase, p.Context.RIP)
	assert.Equal(t, uint64(p.KernelStackTop), p.Context.RSP)
	assert.Equal(t, uint64(0x202), p.Context.RFLAGS)
	assert.Equal(t, uint64(env.vm.KernelRoot().Address()), p.Context.CR3)

	heapStart, heapEnd := env.heap.Bounds()
	stackBase := p.KernelStackTop - uintptr(KernelStackSize)
	assert.True(t, stackBase >= heapStart && p.KernelStackTop <= heapEnd, "expected the kernel stack to come from the heap")

	require.Len(t, env.sched.admitted, 1)
	assert.Same(t, p, env.sched.admitted[0])

	// Each thread gets its own entry point address
	p2, err := env.table.CreateKernelThread("worker-2", func() {})
	require.Nil(t, err)
	assert.Equal(t, 2, p2.PID)
	assert.NotEqual(t, p.Context.RIP, p2.Context.RIP)
}

func TestTableCapacity(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < MaxProcesses; i++ {
		_, err := env.table.CreateKernelThread("t", func() {})
		require.Nil(t, err)
	}

	_, err := env.table.CreateKernelThread("overflow", func() {})
	assert.Equal(t, ErrTooManyProcesses, err)
	assert.Equal(t, MaxProcesses, env.table.Count())
	assert.Len(t, env.sched.admitted, MaxProcesses)

	var pids []int
	env.table.Visit(func(p *Process) bool {
		pids = append(pids, p.PID)
		return len(pids) < 3
	})
	assert.Equal(t, []int{1, 2, 3}, pids)

	p, ok := env.table.Lookup(MaxProcesses)
	require.True(t, ok)
	assert.Equal(t, MaxProcesses, p.PID)

	for _, pid := range []int{0, -1, MaxProcesses + 1} {
		if _, ok := env.table.Lookup(pid); ok {
			t.Errorf("expected lookup of pid %d to fail", pid)
		}
	}
}

func TestCreateInit(t *testing.T) {
	env := newTestEnv(t)

	p, err := env.table.CreateInit(func() {})
	require.Nil(t, err)
	assert.Equal(t, 1, p.PID)
	assert.Equal(t, "init", p.Name())

	_, err = env.table.CreateInit(func() {})
	assert.Equal(t, errInitExists, err)
}

func TestCreateUserProcessFlat(t *testing.T) {
	env := newTestEnv(t)
	env.dirtyFreeFrames(t, 16)

	code := []byte{0xeb, 0xfe} // jmp $
	p, err := env.table.CreateUserProcess("spin", code, ImageFlat)
	require.Nil(t, err)

	assert.Equal(t, UserProcess, p.Kind)
	assert.Equal(t, ImageFlat, p.Format)
	assert.NotEqual(t, env.vm.KernelRoot(), p.Root)
	assert.Equal(t, uint64(UserCodeBase), p.Context.RIP)
	assert.Equal(t, uint64(UserStackTop), p.Context.RSP)
	assert.Equal(t, uint64(p.Root.Address()), p.Context.CR3)
	assert.Equal(t, uint64(cpu.DefaultFlags), p.Context.RFLAGS)

	page := env.readUser(t, p, UserCodeBase, int(mm.PageSize))
	assert.Equal(t, code, page[:2])
	assert.Equal(t, make([]byte, int(mm.PageSize)-2), page[2:], "expected the rest of the code page to be zeroed")

	var mappings []uintptr
	require.Nil(t, env.vm.VisitMappings(p.Root, func(page mm.Page, _ mm.Frame, flags vmm.PageTableEntryFlag) bool {
		mappings = append(mappings, page.Address())
		assert.True(t, flags&(vmm.FlagUserAccessible|vmm.FlagRW) == vmm.FlagUserAccessible|vmm.FlagRW)
		return true
	}))
	assert.Equal(t, []uintptr{UserCodeBase, UserStackTop - 2*mm.PageSize, UserStackTop - mm.PageSize}, mappings)

	stack := env.readUser(t, p, UserStackTop-2*mm.PageSize, int(mm.PageSize))
	assert.Equal(t, make([]byte, int(mm.PageSize)), stack)

	// The kernel half is visible in the new address space
	heapStart, _ := env.heap.Bounds()
	_, _, err = env.vm.TranslateIn(p.Root, heapStart)
	assert.Nil(t, err)
}

func TestCreateUserProcessELF(t *testing.T) {
	env := newTestEnv(t)
	env.dirtyFreeFrames(t, 16)

	text := bytes.Repeat([]byte{0x90}, 100)
	image := buildELF(0x400010,
		elfSegment{vaddr: 0x400000, memsz: 4096, data: text},
		elfSegment{ptType: elf.PT_NOTE, vaddr: 0x900000, memsz: 16},
	)

	p, err := env.table.CreateUserProcess("elf", image, ImageELF)
	require.Nil(t, err)
	assert.Equal(t, uint64(0x400010), p.Context.RIP)
	assert.Equal(t, ImageELF, p.Format)

	page := env.readUser(t, p, 0x400000, int(mm.PageSize))
	assert.Equal(t, text, page[:100])
	assert.Equal(t, make([]byte, 4096-100), page[100:], "expected bss bytes to be zero")

	_, _, err = env.vm.TranslateIn(p.Root, 0x900000)
	assert.Equal(t, vmm.ErrInvalidMapping, err, "non-loadable segments must not be mapped")
}

func TestCreateUserProcessELFSharedPage(t *testing.T) {
	env := newTestEnv(t)

	image := buildELF(0x400000,
		elfSegment{vaddr: 0x400000, memsz: 0x800, data: []byte("text")},
		elfSegment{vaddr: 0x400800, memsz: 0x1000, data: []byte("data")},
	)

	p, err := env.table.CreateUserProcess("shared", image, ImageELF)
	require.Nil(t, err)

	assert.Equal(t, []byte("text"), env.readUser(t, p, 0x400000, 4))
	assert.Equal(t, []byte("data"), env.readUser(t, p, 0x400800, 4))
	assert.Equal(t, make([]byte, 4), env.readUser(t, p, 0x401000, 4))
}

func TestCreateUserProcessRejectsBadImages(t *testing.T) {
	valid := buildELF(0x400000, elfSegment{vaddr: 0x400000, memsz: 4096, data: []byte{1, 2, 3}})

	elf32 := append([]byte(nil), valid...)
	elf32[elf.EI_CLASS] = byte(elf.ELFCLASS32)

	truncated := valid[:80]

	specs := []struct {
		name   string
		image  []byte
		format ImageFormat
		expErr *kernel.Error
	}{
		{"empty flat image", nil, ImageFlat, ErrBadImage},
		{"oversized flat image", make([]byte, mm.PageSize+1), ImageFlat, ErrBadImage},
		{"bad magic", []byte("\x7fELG not an elf image"), ImageELF, ErrBadMagic},
		{"short image", []byte{0x7f, 'E'}, ImageELF, ErrBadMagic},
		{"32-bit class", elf32, ImageELF, ErrBadImage},
		{"truncated program headers", truncated, ImageELF, ErrBadImage},
		{"filesz larger than memsz", buildELF(0x400000, elfSegment{vaddr: 0x400000, memsz: 2, data: []byte{1, 2, 3}}), ImageELF, ErrBadImage},
		{"segment in kernel half", buildELF(0x400000, elfSegment{vaddr: uint64(vmm.KernelVirtBase), memsz: 16, data: []byte{1}}), ImageELF, ErrBadImage},
		{"entry in kernel half", buildELF(uint64(vmm.KernelVirtBase), elfSegment{vaddr: 0x400000, memsz: 16, data: []byte{1}}), ImageELF, ErrBadImage},
		{"no loadable segments", buildELF(0x400000, elfSegment{ptType: elf.PT_NOTE, vaddr: 0x400000, memsz: 16}), ImageELF, ErrBadImage},
		{"unknown format", valid, ImageFormat(9), errUnsupportedFormat},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			env := newTestEnv(t)
			freeFrames := env.frames.FreeFrames()
			heapStats, err := env.heap.Stats()
			require.Nil(t, err)

			p, err := env.table.CreateUserProcess("bad", spec.image, spec.format)
			if err != spec.expErr {
				t.Fatalf("expected error %v; got %v", spec.expErr, err)
			}
			assert.Nil(t, p)

			assert.Equal(t, freeFrames, env.frames.FreeFrames(), "expected no frames to be committed")
			afterStats, err := env.heap.Stats()
			require.Nil(t, err)
			assert.Equal(t, heapStats, afterStats)
			assert.Zero(t, env.table.Count())
			assert.Empty(t, env.sched.admitted)
		})
	}
}

func TestCreateUserProcessOutOfFrames(t *testing.T) {
	env := newTestEnv(t)
	heapStats, err := env.heap.Stats()
	require.Nil(t, err)

	for env.frames.FreeFrames() > 0 {
		_, err := env.frames.AllocFrame()
		require.Nil(t, err)
	}

	_, err = env.table.CreateUserProcess("oom", []byte{0x90}, ImageFlat)
	assert.Equal(t, pmm.ErrOutOfMemory, err)
	assert.Zero(t, env.table.Count())
	assert.Empty(t, env.sched.admitted)

	afterStats, err := env.heap.Stats()
	require.Nil(t, err)
	assert.Equal(t, heapStats, afterStats, "expected the kernel stack to be released")
}

func TestProcessNames(t *testing.T) {
	specs := []struct {
		in, exp string
	}{
		{"init", "init"},
		{"çay", "çay"},
		{"ağ", "a\x1a"},
		{strings.Repeat("x", 40), strings.Repeat("x", nameLen)},
		{"", ""},
	}

	for specIndex, spec := range specs {
		var p Process
		encodeName(&p.name, spec.in)
		if got := p.Name(); got != spec.exp {
			t.Errorf("[spec %d] expected name %q; got %q", specIndex, spec.exp, got)
		}
	}
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "ready", Ready.String())
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "blocked", Blocked.String())
	assert.Equal(t, "terminated", Terminated.String())
	assert.Equal(t, "unknown", State(42).String())
	assert.Equal(t, "kernel", KernelThread.String())
	assert.Equal(t, "user", UserProcess.String())
	assert.Equal(t, "flat", ImageFlat.String())
	assert.Equal(t, "elf", ImageELF.String())
}
