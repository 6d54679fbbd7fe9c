package vmm

import (
	"github.com/kenanay/AykenOS/kernel"
	"github.com/kenanay/AykenOS/kernel/mm"
)

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and the page table entry for
// virtAddr at that level. Changes made to the entry are written back to the
// table. If the function returns false, then the walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address starting
// from the top-most table at root. It calls the supplied walkFn with the page
// table entry that corresponds to each page table level. If walkFn returns
// true then the walk follows the entry to the next level table.
func (m *Manager) walk(root mm.Frame, virtAddr uintptr, walkFn pageTableWalker) *kernel.Error {
	tableAddr := root.Address()

	for level := uint8(0); level < pageLevels; level++ {
		// Extract the bits from virtual address that correspond to the
		// index in this level's page table
		entryIndex := (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		entryAddr := tableAddr + (entryIndex << mm.PointerShift)

		raw, err := m.mem.ReadUint64(entryAddr)
		if err != nil {
			return err
		}

		pte := pageTableEntry(raw)
		ok := walkFn(level, &pte)

		if uint64(pte) != raw {
			if err = m.mem.WriteUint64(entryAddr, uint64(pte)); err != nil {
				return err
			}
		}

		if !ok {
			return nil
		}

		tableAddr = pte.Frame().Address()
	}

	return nil
}

// pteForAddress returns the final page table entry that corresponds to a
// particular virtual address. The function performs a page table walk till it
// reaches the final page table entry returning ErrInvalidMapping if the page
// is not present.
func (m *Manager) pteForAddress(root mm.Frame, virtAddr uintptr) (pageTableEntry, *kernel.Error) {
	var (
		err   *kernel.Error
		entry pageTableEntry
	)

	walkErr := m.walk(root, virtAddr, func(level uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if level < pageLevels-1 && pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		entry = *pte
		return true
	})

	if walkErr != nil {
		return 0, walkErr
	}
	if err != nil {
		return 0, err
	}
	return entry, nil
}
