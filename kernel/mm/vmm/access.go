package vmm

import (
	"github.com/kenanay/AykenOS/kernel"
	"github.com/kenanay/AykenOS/kernel/mm"
)

// ReadAt copies len(buf) bytes starting at virtAddr in the address space
// rooted at root into buf. The range may span several pages; every page must
// be mapped.
func (m *Manager) ReadAt(root mm.Frame, virtAddr uintptr, buf []byte) *kernel.Error {
	return m.access(root, virtAddr, uintptr(len(buf)), func(physAddr, offset, size uintptr) *kernel.Error {
		return m.mem.Read(physAddr, buf[offset:offset+size])
	})
}

// WriteAt copies buf to virtAddr in the address space rooted at root.
func (m *Manager) WriteAt(root mm.Frame, virtAddr uintptr, buf []byte) *kernel.Error {
	return m.access(root, virtAddr, uintptr(len(buf)), func(physAddr, offset, size uintptr) *kernel.Error {
		return m.mem.Write(physAddr, buf[offset:offset+size])
	})
}

// Zero clears size bytes starting at virtAddr in the address space rooted at
// root.
func (m *Manager) Zero(root mm.Frame, virtAddr, size uintptr) *kernel.Error {
	return m.access(root, virtAddr, size, func(physAddr, _, chunk uintptr) *kernel.Error {
		return m.mem.Memset(physAddr, 0, chunk)
	})
}

// ReadUint64 reads a little-endian 64-bit value at virtAddr.
func (m *Manager) ReadUint64(root mm.Frame, virtAddr uintptr) (uint64, *kernel.Error) {
	physAddr, err := m.physAddr(root, virtAddr)
	if err != nil {
		return 0, err
	}
	return m.mem.ReadUint64(physAddr)
}

// WriteUint64 writes a little-endian 64-bit value at virtAddr.
func (m *Manager) WriteUint64(root mm.Frame, virtAddr uintptr, value uint64) *kernel.Error {
	physAddr, err := m.physAddr(root, virtAddr)
	if err != nil {
		return err
	}
	return m.mem.WriteUint64(physAddr, value)
}

// access splits [virtAddr, virtAddr+size) into page-sized chunks and calls
// fn with the physical address of each chunk and its offset in the range.
func (m *Manager) access(root mm.Frame, virtAddr, size uintptr, fn func(physAddr, offset, size uintptr) *kernel.Error) *kernel.Error {
	for offset := uintptr(0); offset < size; {
		physAddr, err := m.physAddr(root, virtAddr+offset)
		if err != nil {
			return err
		}

		chunk := mm.PageSize - mm.PageOffset(virtAddr+offset)
		if rem := size - offset; chunk > rem {
			chunk = rem
		}

		if err = fn(physAddr, offset, chunk); err != nil {
			return err
		}
		offset += chunk
	}

	return nil
}
