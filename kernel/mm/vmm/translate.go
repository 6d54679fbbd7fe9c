package vmm

import (
	"github.com/kenanay/AykenOS/kernel"
	"github.com/kenanay/AykenOS/kernel/mm"
)

// Translate returns the physical address and the leaf flags that correspond
// to the supplied virtual address in the active address space or
// ErrInvalidMapping if the virtual address is not mapped.
func (m *Manager) Translate(virtAddr uintptr) (uintptr, PageTableEntryFlag, *kernel.Error) {
	return m.TranslateIn(m.ActiveRoot(), virtAddr)
}

// TranslateIn behaves like Translate for the address space rooted at root.
func (m *Manager) TranslateIn(root mm.Frame, virtAddr uintptr) (uintptr, PageTableEntryFlag, *kernel.Error) {
	pte, err := m.pteForAddress(root, virtAddr)
	if err != nil {
		return 0, 0, err
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	physAddr := pte.Frame().Address() + mm.PageOffset(virtAddr)
	return physAddr, pte.Flags(), nil
}

// physAddr resolves virtAddr for memory accesses. Translations for the
// active root are served from and recorded in the TLB.
func (m *Manager) physAddr(root mm.Frame, virtAddr uintptr) (uintptr, *kernel.Error) {
	active := m.isActive(root)
	if active {
		if frameAddr, ok := m.cpu.CachedTranslation(virtAddr); ok {
			return frameAddr + mm.PageOffset(virtAddr), nil
		}
	}

	physAddr, _, err := m.TranslateIn(root, virtAddr)
	if err != nil {
		return 0, err
	}

	if active {
		m.cpu.CacheTranslation(virtAddr, physAddr)
	}
	return physAddr, nil
}
