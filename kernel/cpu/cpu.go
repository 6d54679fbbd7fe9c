// Package cpu models the single processor core the kernel runs on: the
// interrupt flag, the page table root register, the translation cache and
// the context switch primitive.
package cpu

// CPU holds the architectural state of the only core in the system. It is
// created once at boot and passed by reference to every subsystem that needs
// to disable interrupts or touch the translation root.
type CPU struct {
	interruptsEnabled bool
	halted            bool

	// activeRoot mirrors the CR3 register: the physical address of the
	// active top-level page table.
	activeRoot uintptr

	// tlb caches virtual page -> physical frame address translations for
	// the active root.
	tlb map[uintptr]uintptr

	// interruptHook is invoked every time interrupts get re-enabled so
	// that any interrupts raised while they were disabled can be
	// delivered.
	interruptHook func()

	// haltHook is invoked by Halt.
	haltHook func()

	tlbFlushes, tlbEntryFlushes uint64
}

// New returns a CPU with interrupts disabled and an empty translation cache,
// which matches the state in which the loader hands over control.
func New() *CPU {
	return &CPU{tlb: make(map[uintptr]uintptr)}
}

// EnableInterrupts enables interrupt handling and delivers any interrupts
// that were raised while interrupts were disabled.
func (c *CPU) EnableInterrupts() {
	c.interruptsEnabled = true
	if c.interruptHook != nil {
		c.interruptHook()
	}
}

// DisableInterrupts disables interrupt handling.
func (c *CPU) DisableInterrupts() {
	c.interruptsEnabled = false
}

// InterruptsEnabled returns true if interrupt handling is enabled.
func (c *CPU) InterruptsEnabled() bool {
	return c.interruptsEnabled
}

// SaveAndDisableInterrupts disables interrupts and returns the previous
// state of the interrupt flag. It must be paired with RestoreInterrupts and
// allows critical sections to nest.
func (c *CPU) SaveAndDisableInterrupts() bool {
	prev := c.interruptsEnabled
	c.interruptsEnabled = false
	return prev
}

// RestoreInterrupts restores the interrupt flag to a state previously
// returned by SaveAndDisableInterrupts.
func (c *CPU) RestoreInterrupts(prev bool) {
	if prev {
		c.EnableInterrupts()
	}
}

// SetInterruptHook registers the function that delivers pending interrupts.
func (c *CPU) SetInterruptHook(fn func()) {
	c.interruptHook = fn
}

// SetHaltHook registers a function to be invoked when the CPU halts.
func (c *CPU) SetHaltHook(fn func()) {
	c.haltHook = fn
}

// Halt stops instruction execution.
func (c *CPU) Halt() {
	c.interruptsEnabled = false
	c.halted = true
	if c.haltHook != nil {
		c.haltHook()
	}
}

// Halted returns true if Halt has been called.
func (c *CPU) Halted() bool {
	return c.halted
}

// SwitchRoot sets the root page table register to the specified physical
// address and flushes the TLB.
func (c *CPU) SwitchRoot(rootPhysAddr uintptr) {
	c.activeRoot = rootPhysAddr
	c.FlushTLB()
}

// ActiveRoot returns the physical address of the currently active page table.
func (c *CPU) ActiveRoot() uintptr {
	return c.activeRoot
}

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func (c *CPU) FlushTLBEntry(virtAddr uintptr) {
	delete(c.tlb, virtAddr&^pageMask)
	c.tlbEntryFlushes++
}

// FlushTLB drops every cached translation. It has the same effect as
// reloading the root register with its current value.
func (c *CPU) FlushTLB() {
	for page := range c.tlb {
		delete(c.tlb, page)
	}
	c.tlbFlushes++
}

// CachedTranslation returns the cached physical frame address for the page
// that contains virtAddr.
func (c *CPU) CachedTranslation(virtAddr uintptr) (uintptr, bool) {
	frameAddr, ok := c.tlb[virtAddr&^pageMask]
	return frameAddr, ok
}

// CacheTranslation records a translation for the page that contains
// virtAddr.
func (c *CPU) CacheTranslation(virtAddr, frameAddr uintptr) {
	c.tlb[virtAddr&^pageMask] = frameAddr &^ pageMask
}

// TLBStats returns the number of full and single-entry TLB flushes.
func (c *CPU) TLBStats() (full, entries uint64) {
	return c.tlbFlushes, c.tlbEntryFlushes
}

const pageMask = uintptr(1<<12) - 1
