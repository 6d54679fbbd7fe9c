package vmm

import (
	"github.com/kenanay/AykenOS/kernel"
	"github.com/kenanay/AykenOS/kernel/mm"
)

// Map establishes a mapping between a virtual page and a physical memory
// frame in the address space rooted at root. Missing page tables at each
// paging level are allocated from the frame allocator and cleared.
// Intermediate entries are always present and writable and become user
// accessible when the leaf is. Kernel leaves are marked global.
func (m *Manager) Map(root mm.Frame, page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if flags&FlagHugePage != 0 {
		return errNoHugePageSupport
	}

	var (
		err        *kernel.Error
		user       = flags&FlagUserAccessible != 0
		tableFlags = FlagPresent | FlagRW
	)

	if user {
		tableFlags |= FlagUserAccessible
	} else {
		flags |= FlagGlobal
	}

	walkErr := m.walk(root, page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flag it as present
		if pteLevel == pageLevels-1 {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags | FlagPresent)
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it and clear its contents.
		if !pte.HasFlags(FlagPresent) {
			var newTableFrame mm.Frame
			if newTableFrame, err = m.frames.AllocFrame(); err != nil {
				return false
			}

			if err = m.mem.ZeroFrame(newTableFrame); err != nil {
				return false
			}

			*pte = 0
			pte.SetFrame(newTableFrame)
		}

		pte.SetFlags(tableFlags)
		return true
	})

	if walkErr != nil {
		return walkErr
	}
	if err != nil {
		return err
	}

	m.invalidate(root, page)
	return nil
}

// MapKernel establishes a mapping in the kernel address space.
func (m *Manager) MapKernel(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	return m.Map(m.kernelRoot, page, frame, flags)
}

// MapRegion maps the physical memory region which starts at the given frame
// and ends at frame + pages(size) to consecutive pages starting at page. The
// size argument is always rounded up to the nearest page boundary.
func (m *Manager) MapRegion(root mm.Frame, page mm.Page, frame mm.Frame, size mm.Size, flags PageTableEntryFlag) *kernel.Error {
	for pageCount := size.Pages(); pageCount > 0; pageCount, page, frame = pageCount-1, page+1, frame+1 {
		if err := m.Map(root, page, frame, flags); err != nil {
			return err
		}
	}

	return nil
}

// IdentityMapRegion establishes an identity mapping to the physical memory
// region which starts at the given frame and ends at frame + pages(size).
// IdentityMapRegion returns back the Page that corresponds to the region
// start.
func (m *Manager) IdentityMapRegion(root mm.Frame, startFrame mm.Frame, size mm.Size, flags PageTableEntryFlag) (mm.Page, *kernel.Error) {
	startPage := mm.Page(startFrame)
	if err := m.MapRegion(root, startPage, startFrame, size, flags); err != nil {
		return 0, err
	}

	return startPage, nil
}

// Unmap removes a mapping from the active address space. Unmapping a page
// that is not mapped is a no-op.
func (m *Manager) Unmap(page mm.Page) *kernel.Error {
	return m.UnmapFrom(m.ActiveRoot(), page)
}

// UnmapFrom removes a mapping from the address space rooted at root and
// invalidates any cached translation for the page.
func (m *Manager) UnmapFrom(root mm.Frame, page mm.Page) *kernel.Error {
	unmapped, err := m.unmap(root, page)
	if err != nil {
		return err
	}

	if unmapped {
		m.invalidate(root, page)
	}
	return nil
}

// invalidate drops the cached translation for page. Kernel-half tables are
// shared by every user root, so kernel pages are flushed even when root is
// not the active one.
func (m *Manager) invalidate(root mm.Frame, page mm.Page) {
	if m.isActive(root) || page.Address() >= UserSpaceEnd {
		m.cpu.FlushTLBEntry(page.Address())
	}
}

// unmap clears the leaf entry for page and reports whether a mapping was
// removed. The TLB is left untouched.
func (m *Manager) unmap(root mm.Frame, page mm.Page) (bool, *kernel.Error) {
	var (
		err      *kernel.Error
		unmapped bool
	)

	walkErr := m.walk(root, page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		// If we reached the last level all we need to do is to clear
		// the entry
		if pteLevel == pageLevels-1 {
			*pte = 0
			unmapped = true
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	if walkErr != nil {
		return false, walkErr
	}
	return unmapped, err
}
