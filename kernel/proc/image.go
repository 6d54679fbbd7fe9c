package proc

import (
	"bytes"
	"debug/elf"

	"github.com/kenanay/AykenOS/kernel"
	"github.com/kenanay/AykenOS/kernel/mm"
	"github.com/kenanay/AykenOS/kernel/mm/vmm"
)

const (
	// UserCodeBase is the load address of flat images.
	UserCodeBase = uintptr(0x400000)

	// UserStackTop is the initial stack pointer of user processes.
	UserStackTop = uintptr(0x7ffffffff000)

	// UserStackPages is the number of pages mapped below UserStackTop.
	UserStackPages = 2
)

var (
	// ErrBadImage is returned for program images that cannot be loaded.
	ErrBadImage = &kernel.Error{Module: "proc", Message: "malformed program image"}

	// ErrBadMagic is returned for ELF images that do not start with the
	// ELF magic.
	ErrBadMagic = &kernel.Error{Module: "proc", Message: "bad ELF magic"}

	errUnsupportedFormat = &kernel.Error{Module: "proc", Message: "unsupported image format"}
)

// segment is a range of the user address space populated from the image.
// Bytes past len(data) up to memSize are zero.
type segment struct {
	vaddr   uintptr
	memSize uintptr
	data    []byte
}

// loadPlan is the validated description of a program image. Building a plan
// never touches memory so a malformed image commits no frames.
type loadPlan struct {
	entry    uintptr
	segments []segment
}

func planImage(image []byte, format ImageFormat) (*loadPlan, *kernel.Error) {
	switch format {
	case ImageFlat:
		return planFlat(image)
	case ImageELF:
		return planELF(image)
	default:
		return nil, errUnsupportedFormat
	}
}

// planFlat accepts images that fit in a single page.
func planFlat(image []byte) (*loadPlan, *kernel.Error) {
	if len(image) == 0 || uintptr(len(image)) > mm.PageSize {
		return nil, ErrBadImage
	}

	return &loadPlan{
		entry: UserCodeBase,
		segments: []segment{
			{vaddr: UserCodeBase, memSize: mm.PageSize, data: image},
		},
	}, nil
}

func planELF(image []byte) (*loadPlan, *kernel.Error) {
	if len(image) < len(elf.ELFMAG) || string(image[:len(elf.ELFMAG)]) != elf.ELFMAG {
		return nil, ErrBadMagic
	}

	f, err := elf.NewFile(bytes.NewReader(image))
	if err != nil {
		return nil, ErrBadImage
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 || f.Data != elf.ELFDATA2LSB || f.Machine != elf.EM_X86_64 {
		return nil, ErrBadImage
	}

	plan := &loadPlan{entry: uintptr(f.Entry)}
	if f.Entry >= uint64(vmm.UserSpaceEnd) {
		return nil, ErrBadImage
	}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}

		if prog.Filesz > prog.Memsz ||
			prog.Off > uint64(len(image)) || prog.Filesz > uint64(len(image))-prog.Off ||
			prog.Vaddr >= uint64(vmm.UserSpaceEnd) || prog.Memsz > uint64(vmm.UserSpaceEnd)-prog.Vaddr {
			return nil, ErrBadImage
		}

		plan.segments = append(plan.segments, segment{
			vaddr:   uintptr(prog.Vaddr),
			memSize: uintptr(prog.Memsz),
			data:    image[prog.Off : prog.Off+prog.Filesz],
		})
	}

	if len(plan.segments) == 0 {
		return nil, ErrBadImage
	}

	return plan, nil
}
