// Package kheap implements the kernel heap: a fixed-size virtual region of
// the kernel address space carved into blocks by a first-fit allocator.
// Every block is preceded by a header and blocks are linked in address
// order. Adjacent free blocks are merged on every Free and blocks never move.
package kheap

import (
	"encoding/binary"

	"github.com/kenanay/AykenOS/kernel"
	"github.com/kenanay/AykenOS/kernel/cpu"
	"github.com/kenanay/AykenOS/kernel/kfmt"
	"github.com/kenanay/AykenOS/kernel/mm"
	"github.com/kenanay/AykenOS/kernel/mm/vmm"
)

const (
	// HeaderSize is the size of the header stored in front of every block.
	HeaderSize = 32

	// Alignment is the alignment of every address returned by Alloc.
	Alignment = 16

	// splitThreshold is the smallest remainder that gets split off into a
	// block of its own; smaller remainders stay with the allocation.
	splitThreshold = HeaderSize + Alignment

	flagFree   = uint64(1)
	blockMagic = uint64(0x4b48454150ab0000)
	magicMask  = ^uint64(0xffff)
)

var (
	// ErrOutOfMemory is returned when no free block can satisfy a request.
	ErrOutOfMemory = &kernel.Error{Module: "kheap", Message: "out of memory"}

	// ErrInvalidPointer is returned by Free for addresses that do not refer
	// to an allocated block.
	ErrInvalidPointer = &kernel.Error{Module: "kheap", Message: "invalid pointer"}

	errNotInitialized = &kernel.Error{Module: "kheap", Message: "heap not initialized"}
)

// AddressSpace is implemented by the address space manager. The heap maps
// its region into the kernel root and accesses block headers through it.
type AddressSpace interface {
	KernelRoot() mm.Frame
	MapKernel(page mm.Page, frame mm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error
	ReadAt(root mm.Frame, virtAddr uintptr, buf []byte) *kernel.Error
	WriteAt(root mm.Frame, virtAddr uintptr, buf []byte) *kernel.Error
}

// blockHeader is the in-memory header of a heap block.
type blockHeader struct {
	// size is the usable size of the block, excluding the header.
	size uint64

	// flags holds blockMagic and the free bit.
	flags uint64

	// next is the address of the next block header or 0.
	next uint64

	reserved uint64
}

func (h *blockHeader) free() bool {
	return h.flags&flagFree != 0
}

func (h *blockHeader) valid() bool {
	return h.flags&magicMask == blockMagic
}

// Heap is a first-fit kernel heap.
type Heap struct {
	cpu    *cpu.CPU
	as     AddressSpace
	frames mm.FrameAllocator

	base, end uintptr
	ready     bool
}

// New returns an uninitialized heap.
func New(c *cpu.CPU, as AddressSpace, frames mm.FrameAllocator) *Heap {
	return &Heap{cpu: c, as: as, frames: frames}
}

// Init maps ceil(size/PageSize) pages at base in the kernel address space,
// backing each with a frame from the frame allocator, and installs a single
// free block spanning the region. If a frame cannot be obtained or mapped
// the heap stays unusable.
func (h *Heap) Init(base uintptr, size mm.Size) *kernel.Error {
	if base&(mm.PageSize-1) != 0 || size.Pages() == 0 {
		return kernel.ErrInvalidParamValue
	}

	prev := h.cpu.SaveAndDisableInterrupts()
	defer h.cpu.RestoreInterrupts(prev)

	h.ready = false
	pageCount := size.Pages()
	for page, index := mm.PageFromAddress(base), uint64(0); index < pageCount; page, index = page+1, index+1 {
		frame, err := h.frames.AllocFrame()
		if err != nil {
			return err
		}

		if err = h.as.MapKernel(page, frame, vmm.FlagPresent|vmm.FlagRW); err != nil {
			return err
		}
	}

	h.base = base
	h.end = base + uintptr(pageCount<<mm.PageShift)

	if err := h.writeHeader(h.base, &blockHeader{
		size:  uint64(h.end-h.base) - HeaderSize,
		flags: blockMagic | flagFree,
	}); err != nil {
		return err
	}
	h.ready = true

	kfmt.Printf("[kheap] %d pages mapped at 0x%x - 0x%x\n", pageCount, h.base, h.end)
	return nil
}

// Alloc reserves size bytes and returns the address of the first byte. The
// size is rounded up to a multiple of Alignment and the returned address is
// Alignment-aligned.
func (h *Heap) Alloc(size mm.Size) (uintptr, *kernel.Error) {
	if size == 0 {
		return 0, kernel.ErrInvalidParamValue
	}

	prev := h.cpu.SaveAndDisableInterrupts()
	defer h.cpu.RestoreInterrupts(prev)

	if !h.ready {
		return 0, errNotInitialized
	}

	if uint64(size) > uint64(h.end-h.base) {
		return 0, ErrOutOfMemory
	}
	request := uint64(mm.AlignUp(uintptr(size), Alignment))

	var hdr blockHeader
	for cur := h.base; cur != 0; cur = uintptr(hdr.next) {
		if err := h.readHeader(cur, &hdr); err != nil {
			return 0, err
		}

		if !hdr.free() || hdr.size < request {
			continue
		}

		if remaining := hdr.size - request; remaining > splitThreshold {
			split := cur + HeaderSize + uintptr(request)
			if err := h.writeHeader(split, &blockHeader{
				size:  remaining - HeaderSize,
				flags: blockMagic | flagFree,
				next:  hdr.next,
			}); err != nil {
				return 0, err
			}

			hdr.size = request
			hdr.next = uint64(split)
		}

		hdr.flags &^= flagFree
		if err := h.writeHeader(cur, &hdr); err != nil {
			return 0, err
		}

		return cur + HeaderSize, nil
	}

	return 0, ErrOutOfMemory
}

// Free releases a block previously returned by Alloc and merges every pair
// of adjacent free blocks. Addresses that do not refer to an allocated block
// are rejected with ErrInvalidPointer.
func (h *Heap) Free(addr uintptr) *kernel.Error {
	prev := h.cpu.SaveAndDisableInterrupts()
	defer h.cpu.RestoreInterrupts(prev)

	if !h.ready || addr < h.base+HeaderSize || addr >= h.end || (addr-h.base)%Alignment != 0 {
		return ErrInvalidPointer
	}

	target := addr - HeaderSize
	var hdr blockHeader
	if err := h.readHeader(target, &hdr); err != nil {
		return err
	}
	if !hdr.valid() || hdr.free() || !h.isBlock(target) {
		return ErrInvalidPointer
	}

	hdr.flags |= flagFree
	if err := h.writeHeader(target, &hdr); err != nil {
		return err
	}

	return h.coalesce()
}

// isBlock returns true if addr is the header address of a block in the list.
func (h *Heap) isBlock(addr uintptr) bool {
	var hdr blockHeader
	for cur := h.base; cur != 0 && cur <= addr; cur = uintptr(hdr.next) {
		if cur == addr {
			return true
		}
		if err := h.readHeader(cur, &hdr); err != nil {
			return false
		}
	}
	return false
}

// coalesce makes a single pass over the block list merging every free block
// with the free blocks that follow it.
func (h *Heap) coalesce() *kernel.Error {
	var cur, next blockHeader

	for curAddr := h.base; curAddr != 0; curAddr = uintptr(cur.next) {
		if err := h.readHeader(curAddr, &cur); err != nil {
			return err
		}

		merged := false
		for cur.free() && cur.next != 0 {
			nextAddr := uintptr(cur.next)
			if err := h.readHeader(nextAddr, &next); err != nil {
				return err
			}
			if !next.free() {
				break
			}

			cur.size += HeaderSize + next.size
			cur.next = next.next
			merged = true

			// Stale pointers into the absorbed header must not pass
			// the magic check.
			next.flags = 0
			if err := h.writeHeader(nextAddr, &next); err != nil {
				return err
			}
		}

		if merged {
			if err := h.writeHeader(curAddr, &cur); err != nil {
				return err
			}
		}
	}

	return nil
}

func (h *Heap) readHeader(addr uintptr, hdr *blockHeader) *kernel.Error {
	var buf [HeaderSize]byte
	if err := h.as.ReadAt(h.as.KernelRoot(), addr, buf[:]); err != nil {
		return err
	}

	hdr.size = binary.LittleEndian.Uint64(buf[0:])
	hdr.flags = binary.LittleEndian.Uint64(buf[8:])
	hdr.next = binary.LittleEndian.Uint64(buf[16:])
	hdr.reserved = binary.LittleEndian.Uint64(buf[24:])
	return nil
}

func (h *Heap) writeHeader(addr uintptr, hdr *blockHeader) *kernel.Error {
	var buf [HeaderSize]byte
	binary.LittleEndian.PutUint64(buf[0:], hdr.size)
	binary.LittleEndian.PutUint64(buf[8:], hdr.flags)
	binary.LittleEndian.PutUint64(buf[16:], hdr.next)
	binary.LittleEndian.PutUint64(buf[24:], hdr.reserved)
	return h.as.WriteAt(h.as.KernelRoot(), addr, buf[:])
}
