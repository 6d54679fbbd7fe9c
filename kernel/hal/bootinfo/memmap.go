package bootinfo

import (
	"bytes"
	"encoding/binary"

	"github.com/kenanay/AykenOS/kernel"
	"github.com/kenanay/AykenOS/kernel/mm"
	"github.com/kenanay/AykenOS/kernel/mm/physmem"
)

// MemoryType defines the type of a MemoryDescriptor, using the firmware's
// numbering.
type MemoryType uint32

const (
	// MemReserved indicates that the memory region is not available for use.
	MemReserved MemoryType = iota

	// MemLoaderCode holds code of the boot loader.
	MemLoaderCode

	// MemLoaderData holds data allocated by the boot loader, including the
	// loaded kernel image and the boot info block.
	MemLoaderData

	// MemBootServicesCode holds firmware boot service code.
	MemBootServicesCode

	// MemBootServicesData holds data allocated by firmware boot services.
	MemBootServicesData

	// MemRuntimeServicesCode holds firmware runtime service code that must
	// stay mapped after boot.
	MemRuntimeServicesCode

	// MemRuntimeServicesData holds data used by firmware runtime services.
	MemRuntimeServicesData

	// MemConventional indicates that the memory region is available for
	// use. It is the only type the frame allocator hands out.
	MemConventional

	// MemUnusable marks a region with detected memory errors.
	MemUnusable

	// MemACPIReclaimable indicates a memory region that holds ACPI tables
	// that can be reused by the OS once they have been parsed.
	MemACPIReclaimable

	// MemACPINVS indicates memory that must be preserved across sleep
	// states.
	MemACPINVS

	// MemMappedIO is a memory-mapped device region.
	MemMappedIO

	// MemMappedIOPortSpace is a memory-mapped region translated to I/O
	// port accesses.
	MemMappedIOPortSpace

	// MemPalCode is reserved for processor firmware code.
	MemPalCode

	// MemPersistent is byte-addressable non-volatile memory.
	MemPersistent
)

// String implements fmt.Stringer for MemoryType.
func (t MemoryType) String() string {
	switch t {
	case MemReserved:
		return "reserved"
	case MemLoaderCode:
		return "loader code"
	case MemLoaderData:
		return "loader data"
	case MemBootServicesCode:
		return "boot services code"
	case MemBootServicesData:
		return "boot services data"
	case MemRuntimeServicesCode:
		return "runtime services code"
	case MemRuntimeServicesData:
		return "runtime services data"
	case MemConventional:
		return "available"
	case MemUnusable:
		return "unusable"
	case MemACPIReclaimable:
		return "ACPI (reclaimable)"
	case MemACPINVS:
		return "ACPI NVS"
	case MemMappedIO:
		return "MMIO"
	case MemMappedIOPortSpace:
		return "MMIO port space"
	case MemPalCode:
		return "PAL code"
	case MemPersistent:
		return "persistent"
	default:
		return "unknown"
	}
}

// MemoryDescriptor describes a memory region: its type, its physical start
// address and its length in 4 KiB pages.
type MemoryDescriptor struct {
	Type      MemoryType
	_         uint32
	PhysStart uint64
	VirtStart uint64
	NumPages  uint64
	Attribute uint64
}

// Length returns the region length in bytes.
func (d *MemoryDescriptor) Length() uint64 {
	return d.NumPages << mm.PageShift
}

// End returns the first physical address past the region.
func (d *MemoryDescriptor) End() uint64 {
	return d.PhysStart + d.Length()
}

// MemRegionVisitor defines a visitor function that gets invoked by
// VisitMemRegions for each memory region provided by the loader. The visitor
// must return true to continue or false to abort the scan.
type MemRegionVisitor func(desc *MemoryDescriptor) bool

// VisitMemRegions invokes visitor for each descriptor of the memory map
// referenced by info. The map is validated before the first descriptor is
// visited so a malformed map never produces a partial scan.
func VisitMemRegions(mem *physmem.Memory, info *Info, visitor MemRegionVisitor) *kernel.Error {
	if info.MemDescCount == 0 {
		return nil
	}

	if info.MemDescSize < MinDescriptorSize ||
		info.MemDescCount > info.MemMapSize/info.MemDescSize {
		return ErrBadMemoryMap
	}

	data, err := mem.Slice(uintptr(info.MemMapAddr), uintptr(info.MemDescCount*info.MemDescSize))
	if err != nil {
		return ErrBadMemoryMap
	}

	var desc MemoryDescriptor
	for offset := uint64(0); offset < uint64(len(data)); offset += info.MemDescSize {
		entry := data[offset : offset+MinDescriptorSize]
		if rerr := binary.Read(bytes.NewReader(entry), binary.LittleEndian, &desc); rerr != nil {
			return ErrBadMemoryMap
		}

		if !visitor(&desc) {
			break
		}
	}

	return nil
}

// Regions returns a copy of every descriptor in the memory map referenced
// by info.
func Regions(mem *physmem.Memory, info *Info) ([]MemoryDescriptor, *kernel.Error) {
	var regions []MemoryDescriptor
	err := VisitMemRegions(mem, info, func(desc *MemoryDescriptor) bool {
		regions = append(regions, *desc)
		return true
	})
	if err != nil {
		return nil, err
	}
	return regions, nil
}

// EncodeMemoryMap writes descs at physical address addr using the same
// layout as the firmware and records the map location in info.
func EncodeMemoryMap(mem *physmem.Memory, addr uintptr, descs []MemoryDescriptor, info *Info) *kernel.Error {
	var buf bytes.Buffer
	pad := make([]byte, DefaultDescriptorSize-MinDescriptorSize)
	for i := range descs {
		_ = binary.Write(&buf, binary.LittleEndian, &descs[i])
		buf.Write(pad)
	}

	if err := mem.Write(addr, buf.Bytes()); err != nil {
		return ErrBadMemoryMap
	}

	info.MemMapAddr = uint64(addr)
	info.MemMapSize = uint64(buf.Len())
	info.MemDescSize = DefaultDescriptorSize
	info.MemDescCount = uint64(len(descs))
	info.DescVersion = DescriptorVersion
	return nil
}
