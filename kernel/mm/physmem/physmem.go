// Package physmem provides the physical memory arena that backs every frame
// handed out by the frame allocator. Page tables, heap blocks and loaded
// program images are address-embedded records inside the arena; callers
// reach them through the bounds-checked accessors defined here instead of
// raw pointer arithmetic.
package physmem

import (
	"encoding/binary"

	"github.com/kenanay/AykenOS/kernel"
	"github.com/kenanay/AykenOS/kernel/mm"
)

var (
	// mapArenaFn is used by tests to override the arena backing.
	mapArenaFn = mapArena

	errOutOfRange     = &kernel.Error{Module: "physmem", Message: "physical address outside of installed memory"}
	errArenaMapFailed = &kernel.Error{Module: "physmem", Message: "unable to reserve backing store for physical memory"}
	errMisaligned     = &kernel.Error{Module: "physmem", Message: "misaligned physical address"}
)

// ErrOutOfRange is returned when an access falls outside installed memory.
var ErrOutOfRange = errOutOfRange

// Memory is a flat byte region addressed by physical address. Address 0
// corresponds to the first byte of the region.
type Memory struct {
	data    []byte
	release func() error
}

// New reserves an arena large enough to hold size bytes of physical memory.
// The size is rounded up to the nearest page boundary.
func New(size mm.Size) (*Memory, *kernel.Error) {
	size = mm.Size(size.Pages()) << mm.PageShift
	if size == 0 {
		return nil, kernel.ErrInvalidParamValue
	}

	data, release, err := mapArenaFn(int(size))
	if err != nil {
		return nil, errArenaMapFailed
	}

	return &Memory{data: data, release: release}, nil
}

// Size returns the number of bytes of installed memory.
func (m *Memory) Size() uintptr {
	return uintptr(len(m.data))
}

// Contains returns true if [addr, addr+size) lies inside installed memory.
func (m *Memory) Contains(addr, size uintptr) bool {
	end := addr + size
	return end >= addr && end <= uintptr(len(m.data))
}

// Slice returns a view of size bytes starting at addr. Writes to the returned
// slice modify physical memory.
func (m *Memory) Slice(addr, size uintptr) ([]byte, *kernel.Error) {
	if !m.Contains(addr, size) {
		return nil, errOutOfRange
	}

	return m.data[addr : addr+size : addr+size], nil
}

// FrameSlice returns a view of the page-sized contents of frame.
func (m *Memory) FrameSlice(frame mm.Frame) ([]byte, *kernel.Error) {
	if !frame.Valid() {
		return nil, errOutOfRange
	}
	return m.Slice(frame.Address(), mm.PageSize)
}

// ReadUint64 reads the little-endian 64-bit value stored at addr.
func (m *Memory) ReadUint64(addr uintptr) (uint64, *kernel.Error) {
	if addr&7 != 0 {
		return 0, errMisaligned
	}

	buf, err := m.Slice(addr, 8)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(buf), nil
}

// WriteUint64 stores a little-endian 64-bit value at addr.
func (m *Memory) WriteUint64(addr uintptr, value uint64) *kernel.Error {
	if addr&7 != 0 {
		return errMisaligned
	}

	buf, err := m.Slice(addr, 8)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint64(buf, value)
	return nil
}

// Read copies len(p) bytes starting at addr into p.
func (m *Memory) Read(addr uintptr, p []byte) *kernel.Error {
	src, err := m.Slice(addr, uintptr(len(p)))
	if err != nil {
		return err
	}

	copy(p, src)
	return nil
}

// Write copies p into physical memory starting at addr.
func (m *Memory) Write(addr uintptr, p []byte) *kernel.Error {
	dst, err := m.Slice(addr, uintptr(len(p)))
	if err != nil {
		return err
	}

	copy(dst, p)
	return nil
}

// Memset sets size bytes at the given address to the supplied value. Instead
// of using a for loop, this function uses log2(size) copy calls which should
// give us a speed boost as page addresses are always aligned.
func (m *Memory) Memset(addr uintptr, value byte, size uintptr) *kernel.Error {
	if size == 0 {
		return nil
	}

	target, err := m.Slice(addr, size)
	if err != nil {
		return err
	}

	// Set first element and make log2(size) optimized copies
	target[0] = value
	for index := uintptr(1); index < size; index *= 2 {
		copy(target[index:], target[:index])
	}

	return nil
}

// ZeroFrame clears the contents of a physical frame.
func (m *Memory) ZeroFrame(frame mm.Frame) *kernel.Error {
	return m.Memset(frame.Address(), 0, mm.PageSize)
}

// Memcopy copies size bytes from src to dst.
func (m *Memory) Memcopy(src, dst, size uintptr) *kernel.Error {
	if size == 0 {
		return nil
	}

	srcSlice, err := m.Slice(src, size)
	if err != nil {
		return err
	}

	dstSlice, err := m.Slice(dst, size)
	if err != nil {
		return err
	}

	copy(dstSlice, srcSlice)
	return nil
}

// Release returns the arena backing store to the host. The Memory must not
// be used afterwards.
func (m *Memory) Release() error {
	if m.release == nil {
		return nil
	}

	err := m.release()
	m.data, m.release = nil, nil
	return err
}
