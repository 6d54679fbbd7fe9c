// Package bootinfo decodes the structure the loader hands over to the kernel:
// the firmware memory map, the physical range of the kernel image, the root
// page table built by the loader and the framebuffer geometry.
package bootinfo

import (
	"bytes"
	"encoding/binary"

	"github.com/kenanay/AykenOS/kernel"
	"github.com/kenanay/AykenOS/kernel/mm"
	"github.com/kenanay/AykenOS/kernel/mm/physmem"
)

const (
	// InfoSize is the encoded size of Info in bytes.
	InfoSize = 96

	// MinDescriptorSize is the size of the fields of a memory descriptor
	// that the kernel reads. Firmware may report a larger stride.
	MinDescriptorSize = 40

	// DefaultDescriptorSize is the stride used by EncodeMemoryMap.
	DefaultDescriptorSize = 48

	// DescriptorVersion is the memory descriptor format version understood
	// by the kernel.
	DescriptorVersion = 1
)

var (
	// ErrBadMemoryMap is returned when the memory map described by Info
	// cannot be decoded.
	ErrBadMemoryMap = &kernel.Error{Module: "bootinfo", Message: "malformed memory map"}

	errBadInfo = &kernel.Error{Module: "bootinfo", Message: "boot info outside physical memory"}
)

// Info mirrors the structure passed by the loader. Field order matches the
// loader's layout.
type Info struct {
	MemMapAddr   uint64
	MemMapSize   uint64
	MemDescSize  uint64
	MemDescCount uint64
	MapKey       uint64
	DescVersion  uint32

	KernelPhysStart uint64
	KernelPhysEnd   uint64

	// PML4Phys is the physical address of the root table the loader built.
	// Zero means the loader did not set up paging.
	PML4Phys uint64

	FramebufferAddr   uint64
	FramebufferWidth  uint32
	FramebufferHeight uint32
	FramebufferPitch  uint32
	FramebufferBpp    uint32
}

// rawInfo is the in-memory layout of Info including the padding the loader's
// compiler inserts after DescVersion.
type rawInfo struct {
	MemMapAddr, MemMapSize, MemDescSize, MemDescCount, MapKey uint64
	DescVersion                                              uint32
	_                                                        uint32
	KernelPhysStart, KernelPhysEnd, PML4Phys, FramebufferAddr uint64
	FramebufferWidth, FramebufferHeight                      uint32
	FramebufferPitch, FramebufferBpp                         uint32
}

// ReadInfo decodes the Info structure stored at physical address addr.
func ReadInfo(mem *physmem.Memory, addr uintptr) (*Info, *kernel.Error) {
	data, err := mem.Slice(addr, InfoSize)
	if err != nil {
		return nil, errBadInfo
	}

	var raw rawInfo
	if rerr := binary.Read(bytes.NewReader(data), binary.LittleEndian, &raw); rerr != nil {
		return nil, errBadInfo
	}

	return &Info{
		MemMapAddr:        raw.MemMapAddr,
		MemMapSize:        raw.MemMapSize,
		MemDescSize:       raw.MemDescSize,
		MemDescCount:      raw.MemDescCount,
		MapKey:            raw.MapKey,
		DescVersion:       raw.DescVersion,
		KernelPhysStart:   raw.KernelPhysStart,
		KernelPhysEnd:     raw.KernelPhysEnd,
		PML4Phys:          raw.PML4Phys,
		FramebufferAddr:   raw.FramebufferAddr,
		FramebufferWidth:  raw.FramebufferWidth,
		FramebufferHeight: raw.FramebufferHeight,
		FramebufferPitch:  raw.FramebufferPitch,
		FramebufferBpp:    raw.FramebufferBpp,
	}, nil
}

// WriteInfo encodes info at physical address addr.
func WriteInfo(mem *physmem.Memory, addr uintptr, info *Info) *kernel.Error {
	raw := rawInfo{
		MemMapAddr:        info.MemMapAddr,
		MemMapSize:        info.MemMapSize,
		MemDescSize:       info.MemDescSize,
		MemDescCount:      info.MemDescCount,
		MapKey:            info.MapKey,
		DescVersion:       info.DescVersion,
		KernelPhysStart:   info.KernelPhysStart,
		KernelPhysEnd:     info.KernelPhysEnd,
		PML4Phys:          info.PML4Phys,
		FramebufferAddr:   info.FramebufferAddr,
		FramebufferWidth:  info.FramebufferWidth,
		FramebufferHeight: info.FramebufferHeight,
		FramebufferPitch:  info.FramebufferPitch,
		FramebufferBpp:    info.FramebufferBpp,
	}

	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, &raw)
	if err := mem.Write(addr, buf.Bytes()); err != nil {
		return errBadInfo
	}
	return nil
}

// KernelRange returns the physical range occupied by the kernel image.
func (i *Info) KernelRange() (start, end uintptr) {
	return uintptr(i.KernelPhysStart), uintptr(i.KernelPhysEnd)
}

// BootRoot returns the frame holding the loader's root page table or
// mm.InvalidFrame if the loader did not provide one.
func (i *Info) BootRoot() mm.Frame {
	if i.PML4Phys == 0 || i.PML4Phys&uint64(mm.PageSize-1) != 0 {
		return mm.InvalidFrame
	}
	return mm.FrameFromAddress(uintptr(i.PML4Phys))
}
