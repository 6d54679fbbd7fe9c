package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// MaxPhysAddr is the physical address ceiling tracked by the frame
	// allocator. Memory above it is ignored.
	MaxPhysAddr = uint64(4 * Gb)

	// MaxFrames is the number of frames below MaxPhysAddr.
	MaxFrames = MaxPhysAddr >> PageShift
)
