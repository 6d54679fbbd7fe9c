package vmm

import (
	"github.com/kenanay/AykenOS/kernel"
	"github.com/kenanay/AykenOS/kernel/mm"
)

// CreateUserRoot allocates a cleared root table and copies the kernel half
// (top-level entries 256-511) of the kernel root into it. The copy is a
// snapshot: top-level entries the kernel root gains later are not visible in
// roots created earlier, while changes below the top level are shared.
func (m *Manager) CreateUserRoot() (mm.Frame, *kernel.Error) {
	root, err := m.frames.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, err
	}

	if err = m.mem.ZeroFrame(root); err != nil {
		_ = m.frames.FreeFrame(root)
		return mm.InvalidFrame, err
	}

	const (
		offset = kernelHalfFirstEntry << mm.PointerShift
		size   = (entriesPerTable - kernelHalfFirstEntry) << mm.PointerShift
	)
	if err = m.mem.Memcopy(m.kernelRoot.Address()+offset, root.Address()+offset, size); err != nil {
		_ = m.frames.FreeFrame(root)
		return mm.InvalidFrame, err
	}

	return root, nil
}

// VisitMappings invokes visitor for every present leaf entry in the lower
// half of the address space rooted at root, in ascending address order. The
// visitor returns false to stop the scan.
func (m *Manager) VisitMappings(root mm.Frame, visitor func(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) bool) *kernel.Error {
	_, err := m.visitTable(root.Address(), 0, 0, kernelHalfFirstEntry, visitor)
	return err
}

func (m *Manager) visitTable(tableAddr uintptr, level uint8, base uintptr, entries int, visitor func(mm.Page, mm.Frame, PageTableEntryFlag) bool) (bool, *kernel.Error) {
	for index := 0; index < entries; index++ {
		raw, err := m.mem.ReadUint64(tableAddr + uintptr(index)<<mm.PointerShift)
		if err != nil {
			return false, err
		}

		pte := pageTableEntry(raw)
		if !pte.HasFlags(FlagPresent) {
			continue
		}

		virtAddr := base + uintptr(index)<<pageLevelShifts[level]
		if level == pageLevels-1 {
			if !visitor(mm.PageFromAddress(virtAddr), pte.Frame(), pte.Flags()) {
				return false, nil
			}
			continue
		}

		if pte.HasFlags(FlagHugePage) {
			return false, errNoHugePageSupport
		}

		cont, err := m.visitTable(pte.Frame().Address(), level+1, virtAddr, entriesPerTable, visitor)
		if err != nil || !cont {
			return false, err
		}
	}

	return true, nil
}
