package kheap

import "github.com/kenanay/AykenOS/kernel"

// Block describes a heap block as seen by Blocks.
type Block struct {
	// Addr is the address returned by Alloc for this block.
	Addr uintptr

	// Size is the usable size of the block.
	Size uint64

	Free bool
}

// Stats summarizes the state of the heap.
type Stats struct {
	Blocks, FreeBlocks   int
	UsedBytes, FreeBytes uint64
	LargestFree          uint64
}

// Bounds returns the virtual range managed by the heap.
func (h *Heap) Bounds() (start, end uintptr) {
	return h.base, h.end
}

// Blocks invokes visitor for every block in address order. The visitor
// returns false to stop the scan.
func (h *Heap) Blocks(visitor func(Block) bool) *kernel.Error {
	prev := h.cpu.SaveAndDisableInterrupts()
	defer h.cpu.RestoreInterrupts(prev)

	if !h.ready {
		return errNotInitialized
	}

	var hdr blockHeader
	for cur := h.base; cur != 0; cur = uintptr(hdr.next) {
		if err := h.readHeader(cur, &hdr); err != nil {
			return err
		}

		if !visitor(Block{Addr: cur + HeaderSize, Size: hdr.size, Free: hdr.free()}) {
			break
		}
	}

	return nil
}

// Stats walks the block list and returns a summary.
func (h *Heap) Stats() (Stats, *kernel.Error) {
	var st Stats
	err := h.Blocks(func(b Block) bool {
		st.Blocks++
		if !b.Free {
			st.UsedBytes += b.Size
			return true
		}

		st.FreeBlocks++
		st.FreeBytes += b.Size
		if b.Size > st.LargestFree {
			st.LargestFree = b.Size
		}
		return true
	})

	return st, err
}
