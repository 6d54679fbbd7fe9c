// Package pmm implements the physical frame allocator.
package pmm

import (
	"github.com/kenanay/AykenOS/kernel"
	"github.com/kenanay/AykenOS/kernel/cpu"
	"github.com/kenanay/AykenOS/kernel/hal/bootinfo"
	"github.com/kenanay/AykenOS/kernel/kfmt"
	"github.com/kenanay/AykenOS/kernel/mm"
)

// FrameState describes the allocation state of a physical frame.
type FrameState int8

const (
	// FrameInvalid is reported for frames above the tracked ceiling.
	FrameInvalid FrameState = iota - 1

	// FrameFree is reported for frames that can be handed out.
	FrameFree

	// FrameUsed is reported for allocated or reserved frames.
	FrameUsed
)

// String implements fmt.Stringer for FrameState.
func (s FrameState) String() string {
	switch s {
	case FrameFree:
		return "free"
	case FrameUsed:
		return "used"
	default:
		return "invalid"
	}
}

const (
	// reservedLowMemory is the size of the region at the bottom of the
	// physical address space that is never handed out.
	reservedLowMemory = 1 * mm.Mb

	bitmapWords = mm.MaxFrames >> 6
)

var (
	// ErrOutOfMemory is returned when no free frame (or run of frames)
	// can satisfy a request.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	// ErrInvalidFrame is returned when a frame outside the tracked range
	// gets released.
	ErrInvalidFrame = &kernel.Error{Module: "pmm", Message: "invalid frame"}
)

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations across the first 4 GiB of physical memory using a bitmap with
// one bit per frame. A set bit marks a used frame.
type BitmapAllocator struct {
	cpu *cpu.CPU

	// freeBitmap tracks used/free frames. Bits are stored MSB first:
	// frame i maps to bit (63 - i%64) of word i/64.
	freeBitmap []uint64

	// totalFrames tracks the number of frames reported as usable by the
	// firmware below the ceiling.
	totalFrames uint64

	// freeCount tracks the number of zero bits in freeBitmap.
	freeCount uint64

	// cursor is the index where the next single-frame search starts.
	cursor uint64
}

// New returns an allocator whose frames are all marked used. Mutating calls
// run with interrupts disabled on c.
func New(c *cpu.CPU) *BitmapAllocator {
	alloc := &BitmapAllocator{
		cpu:        c,
		freeBitmap: make([]uint64, bitmapWords),
	}
	alloc.markAllUsed()
	return alloc
}

// Init resets the allocator using the firmware memory map. Every frame is
// first marked used; frames inside MemConventional regions are then released
// and finally the kernel image [kernelStart, kernelEnd) and the first 1 MiB
// of physical memory are reserved again.
func (alloc *BitmapAllocator) Init(regions []bootinfo.MemoryDescriptor, kernelStart, kernelEnd uintptr) {
	prev := alloc.cpu.SaveAndDisableInterrupts()
	defer alloc.cpu.RestoreInterrupts(prev)

	alloc.markAllUsed()

	for i := range regions {
		region := &regions[i]
		if region.Type != bootinfo.MemConventional {
			continue
		}

		// Reported addresses may not be page-aligned; round up to get
		// the start frame and round down to get the end frame.
		startFrame := (region.PhysStart + uint64(mm.PageSize-1)) >> mm.PageShift
		endFrame := region.End() >> mm.PageShift
		if region.PhysStart > region.End() || endFrame > mm.MaxFrames {
			endFrame = mm.MaxFrames
		}

		for index := startFrame; index < endFrame; index++ {
			if alloc.testBit(index) {
				alloc.clearBit(index)
				alloc.freeCount++
			}
		}
	}
	alloc.totalFrames = alloc.freeCount

	alloc.reserveRange(0, uintptr(reservedLowMemory))
	alloc.reserveRange(kernelStart, kernelEnd)
	alloc.cursor = 0

	kfmt.Printf("[pmm] usable frames: %d, free frames: %d (%dKb)\n",
		alloc.totalFrames, alloc.freeCount, alloc.freeCount<<mm.PageShift/uint64(mm.Kb))
	kfmt.Printf("[pmm] kernel image reserved at 0x%x - 0x%x\n", kernelStart, kernelEnd)
}

// AllocFrame reserves a single frame. The search starts at the cursor and
// wraps around to the beginning of the bitmap before giving up.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	prev := alloc.cpu.SaveAndDisableInterrupts()
	defer alloc.cpu.RestoreInterrupts(prev)

	if alloc.freeCount == 0 {
		return mm.InvalidFrame, ErrOutOfMemory
	}

	index, found := alloc.findFree(alloc.cursor, mm.MaxFrames)
	if !found {
		index, found = alloc.findFree(0, alloc.cursor)
	}
	if !found {
		return mm.InvalidFrame, ErrOutOfMemory
	}

	alloc.setBit(index)
	alloc.freeCount--
	alloc.cursor = index + 1

	return mm.Frame(index), nil
}

// FreeFrame releases a frame. Releasing a frame that is already free is a
// no-op.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	if !frame.Valid() || uint64(frame) >= mm.MaxFrames {
		return ErrInvalidFrame
	}

	prev := alloc.cpu.SaveAndDisableInterrupts()
	defer alloc.cpu.RestoreInterrupts(prev)

	alloc.releaseFrame(uint64(frame))
	return nil
}

// AllocContiguous reserves the first run of count consecutive free frames
// and returns the first frame of the run.
func (alloc *BitmapAllocator) AllocContiguous(count uint64) (mm.Frame, *kernel.Error) {
	if count == 0 {
		return mm.InvalidFrame, kernel.ErrInvalidParamValue
	}

	prev := alloc.cpu.SaveAndDisableInterrupts()
	defer alloc.cpu.RestoreInterrupts(prev)

	if count > alloc.freeCount {
		return mm.InvalidFrame, ErrOutOfMemory
	}

	var runStart, runLen uint64
	for index := uint64(0); index < mm.MaxFrames; index++ {
		// Skip fully allocated words.
		if index&63 == 0 && alloc.freeBitmap[index>>6] == ^uint64(0) {
			index += 63
			runLen = 0
			continue
		}

		if alloc.testBit(index) {
			runLen = 0
			continue
		}

		if runLen == 0 {
			runStart = index
		}
		runLen++

		if runLen == count {
			for i := runStart; i < runStart+count; i++ {
				alloc.setBit(i)
			}
			alloc.freeCount -= count
			return mm.Frame(runStart), nil
		}
	}

	return mm.InvalidFrame, ErrOutOfMemory
}

// FreeContiguous releases count frames starting at first.
func (alloc *BitmapAllocator) FreeContiguous(first mm.Frame, count uint64) *kernel.Error {
	if !first.Valid() || uint64(first) >= mm.MaxFrames || count > mm.MaxFrames-uint64(first) {
		return ErrInvalidFrame
	}

	prev := alloc.cpu.SaveAndDisableInterrupts()
	defer alloc.cpu.RestoreInterrupts(prev)

	for index := uint64(first); index < uint64(first)+count; index++ {
		alloc.releaseFrame(index)
	}
	return nil
}

// IsUsed reports the state of the frame containing physAddr.
func (alloc *BitmapAllocator) IsUsed(physAddr uintptr) FrameState {
	index := uint64(mm.FrameFromAddress(physAddr))
	if index >= mm.MaxFrames {
		return FrameInvalid
	}

	if alloc.testBit(index) {
		return FrameUsed
	}
	return FrameFree
}

// TotalFrames returns the number of frames the firmware reported as usable.
func (alloc *BitmapAllocator) TotalFrames() uint64 {
	return alloc.totalFrames
}

// FreeFrames returns the number of frames that can currently be allocated.
func (alloc *BitmapAllocator) FreeFrames() uint64 {
	return alloc.freeCount
}

func (alloc *BitmapAllocator) markAllUsed() {
	for i := range alloc.freeBitmap {
		alloc.freeBitmap[i] = ^uint64(0)
	}
	alloc.freeCount = 0
	alloc.totalFrames = 0
	alloc.cursor = 0
}

// reserveRange marks every frame overlapping [start, end) as used.
func (alloc *BitmapAllocator) reserveRange(start, end uintptr) {
	if end <= start {
		return
	}

	startFrame := uint64(mm.FrameFromAddress(start))
	endFrame := uint64(mm.FrameFromAddress(end-1)) + 1
	if endFrame > mm.MaxFrames {
		endFrame = mm.MaxFrames
	}

	for index := startFrame; index < endFrame; index++ {
		if !alloc.testBit(index) {
			alloc.setBit(index)
			alloc.freeCount--
		}
	}
}

func (alloc *BitmapAllocator) releaseFrame(index uint64) {
	if !alloc.testBit(index) {
		return
	}

	alloc.clearBit(index)
	alloc.freeCount++
	if index < alloc.cursor {
		alloc.cursor = index
	}
}

// findFree returns the index of the first free frame in [from, to).
func (alloc *BitmapAllocator) findFree(from, to uint64) (uint64, bool) {
	for index := from; index < to; {
		word := alloc.freeBitmap[index>>6]
		if index&63 == 0 && word == ^uint64(0) {
			index += 64
			continue
		}

		if word&bitMask(index) == 0 {
			return index, true
		}
		index++
	}

	return 0, false
}

func bitMask(index uint64) uint64 {
	return 1 << (63 - (index & 63))
}

func (alloc *BitmapAllocator) testBit(index uint64) bool {
	return alloc.freeBitmap[index>>6]&bitMask(index) != 0
}

func (alloc *BitmapAllocator) setBit(index uint64) {
	alloc.freeBitmap[index>>6] |= bitMask(index)
}

func (alloc *BitmapAllocator) clearBit(index uint64) {
	alloc.freeBitmap[index>>6] &^= bitMask(index)
}
