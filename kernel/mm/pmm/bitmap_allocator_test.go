package pmm

import (
	"testing"

	"github.com/kenanay/AykenOS/kernel"
	"github.com/kenanay/AykenOS/kernel/cpu"
	"github.com/kenanay/AykenOS/kernel/hal/bootinfo"
	"github.com/kenanay/AykenOS/kernel/mm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	// kernel image at [1M, 1.5M) occupies frames 256-383
	testKernelStart = uintptr(0x100000)
	testKernelEnd   = uintptr(0x180000)
	firstFreeFrame  = mm.Frame(384)

	// 159 + 3840 + 256 usable frames minus 159 low frames and 128 kernel frames
	expTotalFrames = uint64(4255)
	expFreeFrames  = uint64(3968)
)

func testMemoryMap() []bootinfo.MemoryDescriptor {
	return []bootinfo.MemoryDescriptor{
		{Type: bootinfo.MemConventional, PhysStart: 0, NumPages: 159},
		{Type: bootinfo.MemReserved, PhysStart: 0x9f000, NumPages: 97},
		{Type: bootinfo.MemConventional, PhysStart: 0x100000, NumPages: 3840},
		{Type: bootinfo.MemACPIReclaimable, PhysStart: 0x1000000, NumPages: 16},
		// straddles the 4 GiB ceiling
		{Type: bootinfo.MemConventional, PhysStart: 0xfff00000, NumPages: 512},
		{Type: bootinfo.MemConventional, PhysStart: 0x200000000, NumPages: 1024},
	}
}

func newTestAllocator(t *testing.T) (*BitmapAllocator, *cpu.CPU) {
	t.Helper()
	c := cpu.New()
	alloc := New(c)
	alloc.Init(testMemoryMap(), testKernelStart, testKernelEnd)

	require.Equal(t, expTotalFrames, alloc.TotalFrames())
	require.Equal(t, expFreeFrames, alloc.FreeFrames())
	return alloc, c
}

// countFree recomputes the number of zero bits in the bitmap.
func countFree(alloc *BitmapAllocator) uint64 {
	var free uint64
	for index := uint64(0); index < mm.MaxFrames; index++ {
		if !alloc.testBit(index) {
			free++
		}
	}
	return free
}

func TestNewMarksEverythingUsed(t *testing.T) {
	alloc := New(cpu.New())

	if _, err := alloc.AllocFrame(); err != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory; got %v", err)
	}
	assert.Equal(t, FrameUsed, alloc.IsUsed(0x400000))
}

func TestInit(t *testing.T) {
	alloc, _ := newTestAllocator(t)

	specs := []struct {
		addr uintptr
		exp  FrameState
	}{
		{0x0, FrameUsed},
		{0x9e000, FrameUsed},
		{0x9f000, FrameUsed},
		{testKernelStart, FrameUsed},
		{testKernelEnd - 1, FrameUsed},
		{testKernelEnd, FrameFree},
		{0xfff00000, FrameFree},
		{0xfffff000, FrameFree},
		{0x1000000, FrameUsed},
		{0x100000000, FrameInvalid},
	}

	for specIndex, spec := range specs {
		if got := alloc.IsUsed(spec.addr); got != spec.exp {
			t.Errorf("[spec %d] expected frame at 0x%x to be %s; got %s", specIndex, spec.addr, spec.exp, got)
		}
	}

	assert.Equal(t, expFreeFrames, countFree(alloc))
}

func TestAllocFrameUntilExhaustion(t *testing.T) {
	alloc, _ := newTestAllocator(t)

	seen := make(map[mm.Frame]struct{}, expFreeFrames)
	for i := uint64(0); i < expFreeFrames; i++ {
		frame, err := alloc.AllocFrame()
		if err != nil {
			t.Fatalf("[alloc %d] unexpected error: %v", i, err)
		}

		if _, dup := seen[frame]; dup {
			t.Fatalf("[alloc %d] frame %d handed out twice", i, frame)
		}
		seen[frame] = struct{}{}

		if got := alloc.IsUsed(frame.Address()); got != FrameUsed {
			t.Fatalf("[alloc %d] expected frame %d to be used; got %s", i, frame, got)
		}
		if exp := expFreeFrames - i - 1; alloc.FreeFrames() != exp {
			t.Fatalf("[alloc %d] expected free count %d; got %d", i, exp, alloc.FreeFrames())
		}
	}

	frame, err := alloc.AllocFrame()
	require.Equal(t, ErrOutOfMemory, err)
	require.Equal(t, mm.InvalidFrame, frame)
	require.Zero(t, countFree(alloc))

	// A freed frame becomes allocatable again
	require.Nil(t, alloc.FreeFrame(mm.Frame(1000)))
	frame, err = alloc.AllocFrame()
	require.Nil(t, err)
	assert.Equal(t, mm.Frame(1000), frame)
}

func TestAllocFrameCursor(t *testing.T) {
	alloc, _ := newTestAllocator(t)

	var frames [3]mm.Frame
	for i := range frames {
		frame, err := alloc.AllocFrame()
		require.Nil(t, err)
		frames[i] = frame
	}
	assert.Equal(t, [3]mm.Frame{firstFreeFrame, firstFreeFrame + 1, firstFreeFrame + 2}, frames)

	// Freeing a frame below the cursor rewinds it
	require.Nil(t, alloc.FreeFrame(frames[0]))
	frame, err := alloc.AllocFrame()
	require.Nil(t, err)
	assert.Equal(t, frames[0], frame)

	frame, err = alloc.AllocFrame()
	require.Nil(t, err)
	assert.Equal(t, firstFreeFrame+3, frame)
}

func TestAllocFrameWrapAround(t *testing.T) {
	alloc, _ := newTestAllocator(t)

	alloc.cursor = mm.MaxFrames - 4
	for i := uint64(0); i < 4; i++ {
		frame, err := alloc.AllocFrame()
		require.Nil(t, err)
		require.Equal(t, mm.Frame(mm.MaxFrames-4+i), frame)
	}

	frame, err := alloc.AllocFrame()
	require.Nil(t, err)
	assert.Equal(t, firstFreeFrame, frame, "expected the search to wrap around to the start of the bitmap")
}

func TestFreeFrame(t *testing.T) {
	alloc, _ := newTestAllocator(t)

	for specIndex, frame := range []mm.Frame{mm.InvalidFrame, mm.Frame(mm.MaxFrames)} {
		if err := alloc.FreeFrame(frame); err != ErrInvalidFrame {
			t.Errorf("[spec %d] expected ErrInvalidFrame; got %v", specIndex, err)
		}
	}

	frame, err := alloc.AllocFrame()
	require.Nil(t, err)
	require.Nil(t, alloc.FreeFrame(frame))
	require.Equal(t, expFreeFrames, alloc.FreeFrames())

	// double free is a no-op
	require.Nil(t, alloc.FreeFrame(frame))
	assert.Equal(t, expFreeFrames, alloc.FreeFrames())
	assert.Equal(t, expFreeFrames, countFree(alloc))
}

func TestAllocContiguous(t *testing.T) {
	alloc, _ := newTestAllocator(t)

	_, err := alloc.AllocContiguous(0)
	require.Equal(t, kernel.ErrInvalidParamValue, err)

	// Punch a one-frame hole at firstFreeFrame+1
	for i := 0; i < 3; i++ {
		_, err = alloc.AllocFrame()
		require.Nil(t, err)
	}
	require.Nil(t, alloc.FreeFrame(firstFreeFrame+1))

	first, err := alloc.AllocContiguous(8)
	require.Nil(t, err)
	require.Equal(t, firstFreeFrame+3, first, "expected the one-frame hole to be skipped")

	for i := mm.Frame(0); i < 8; i++ {
		assert.Equal(t, FrameUsed, alloc.IsUsed((first + i).Address()))
	}
	assert.Equal(t, uintptr(8*mm.PageSize), (first+8).Address()-first.Address())
	assert.Equal(t, expFreeFrames-2-8, alloc.FreeFrames())

	// More than free frames
	_, err = alloc.AllocContiguous(expFreeFrames)
	assert.Equal(t, ErrOutOfMemory, err)

	// Enough free frames but no run long enough
	_, err = alloc.AllocContiguous(3800)
	assert.Equal(t, ErrOutOfMemory, err)
	assert.Equal(t, expFreeFrames-2-8, alloc.FreeFrames(), "a failed request must not reserve frames")

	require.Nil(t, alloc.FreeContiguous(first, 8))
	assert.Equal(t, expFreeFrames-2, alloc.FreeFrames())
	assert.Equal(t, alloc.FreeFrames(), countFree(alloc))

	assert.Equal(t, ErrInvalidFrame, alloc.FreeContiguous(mm.Frame(mm.MaxFrames-1), 2))
}

func TestContiguousRunNeverOverlapsUsedFrames(t *testing.T) {
	alloc, _ := newTestAllocator(t)

	used := make(map[mm.Frame]bool)
	for i := 0; i < 40; i++ {
		frame, err := alloc.AllocFrame()
		require.Nil(t, err)
		used[frame] = true
	}
	for frame := range used {
		if frame%3 == 0 {
			require.Nil(t, alloc.FreeFrame(frame))
			delete(used, frame)
		}
	}

	for _, count := range []uint64{1, 2, 5, 17} {
		first, err := alloc.AllocContiguous(count)
		require.Nil(t, err)

		for i := uint64(0); i < count; i++ {
			frame := first + mm.Frame(i)
			if used[frame] {
				t.Fatalf("run of %d frames at %d overlaps used frame %d", count, first, frame)
			}
			used[frame] = true
		}
	}
}

func TestCriticalSections(t *testing.T) {
	alloc, c := newTestAllocator(t)
	c.EnableInterrupts()

	var hookCalls int
	c.SetInterruptHook(func() { hookCalls++ })

	frame, err := alloc.AllocFrame()
	require.Nil(t, err)
	require.Nil(t, alloc.FreeFrame(frame))

	assert.True(t, c.InterruptsEnabled(), "expected the interrupt flag to be restored")
	assert.Equal(t, 2, hookCalls, "expected interrupts to be re-enabled once per call")
}
