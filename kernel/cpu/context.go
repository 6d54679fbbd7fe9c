package cpu

const (
	// FlagInterruptEnable is the RFLAGS interrupt-enable bit.
	FlagInterruptEnable = uint64(1 << 9)

	// DefaultFlags is the RFLAGS value a new context starts with: the
	// always-one reserved bit plus interrupts enabled.
	DefaultFlags = uint64(0x2) | FlagInterruptEnable
)

// Context is the register snapshot saved when a process gets switched out
// and restored when it resumes. It holds the callee-saved registers, the
// instruction and stack pointers, the flags and the page table root.
type Context struct {
	R15, R14, R13, R12 uint64
	RBX, RBP           uint64
	RIP                uint64
	RSP                uint64
	RFLAGS             uint64
	CR3                uint64
}

// EntryFunc is the body of a kernel thread.
type EntryFunc func()

// Switcher is the platform context switch primitive. Implementations must
// load next.CR3 into the root register before control reaches next.
type Switcher interface {
	// Launch transfers control to next without saving the state of the
	// caller. It is used for the very first dispatch and for dispatching
	// out of the idle state.
	Launch(next *Context)

	// Switch saves the state of the running context into prev and
	// resumes next. It returns when prev gets resumed.
	Switch(prev, next *Context)

	// Idle saves the state of prev and waits for an interrupt without
	// resuming another context.
	Idle(prev *Context)
}
