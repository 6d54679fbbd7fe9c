// Package proc implements the process model: a fixed-capacity descriptor
// table, kernel threads that run in the kernel address space and user
// processes that get their own address space populated from a flat or ELF
// program image.
package proc

import (
	"github.com/kenanay/AykenOS/kernel/cpu"
	"github.com/kenanay/AykenOS/kernel/mm"
)

// State describes the scheduling state of a process.
type State uint8

const (
	// Ready processes wait in the scheduler's ready queue.
	Ready State = iota

	// Running is the state of the current process.
	Running

	// Blocked processes wait on a wait object.
	Blocked

	// Terminated processes never run again. Their descriptors are not
	// reclaimed.
	Terminated
)

// String implements fmt.Stringer for State.
func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Kind tells kernel threads apart from user processes.
type Kind uint8

const (
	// KernelThread runs in ring 0 on the kernel address space.
	KernelThread Kind = iota

	// UserProcess runs in ring 3 on its own address space that shares the
	// kernel half with every other process.
	UserProcess
)

// String implements fmt.Stringer for Kind.
func (k Kind) String() string {
	if k == UserProcess {
		return "user"
	}
	return "kernel"
}

// ImageFormat selects the loader used for a user program image.
type ImageFormat uint8

const (
	// ImageFlat is a raw code blob loaded at UserCodeBase and entered at
	// its first byte.
	ImageFlat ImageFormat = iota

	// ImageELF is an ELF64 little-endian executable.
	ImageELF
)

// String implements fmt.Stringer for ImageFormat.
func (f ImageFormat) String() string {
	if f == ImageELF {
		return "elf"
	}
	return "flat"
}

// WaitObject identifies the event a blocked process waits for. Any value
// agreed upon by the blocking and the waking side can be used; 0 means no
// wait object.
type WaitObject uintptr

// Process is a process descriptor.
type Process struct {
	PID int

	// Context is the register snapshot restored when the process gets
	// dispatched.
	Context cpu.Context

	// KernelStackTop is the first address past the kernel stack.
	KernelStackTop uintptr

	// Root is the root page table of the process address space. Kernel
	// threads share the kernel root.
	Root mm.Frame

	State State
	Kind  Kind

	// WaitObj is set while the process is blocked.
	WaitObj WaitObject

	// Entry is the address where execution starts.
	Entry uintptr

	// UserStackTop is the initial user stack pointer; 0 for kernel
	// threads.
	UserStackTop uintptr

	Format ImageFormat

	name [nameLen]byte
}

// Name returns the process name.
func (p *Process) Name() string {
	return decodeName(p.name[:])
}
