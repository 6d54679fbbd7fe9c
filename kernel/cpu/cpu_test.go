package cpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInterruptFlag(t *testing.T) {
	c := New()
	if c.InterruptsEnabled() {
		t.Fatal("expected interrupts to be disabled after reset")
	}

	var hookCalls int
	c.SetInterruptHook(func() { hookCalls++ })

	c.EnableInterrupts()
	assert.True(t, c.InterruptsEnabled())
	assert.Equal(t, 1, hookCalls)

	outer := c.SaveAndDisableInterrupts()
	inner := c.SaveAndDisableInterrupts()
	assert.False(t, c.InterruptsEnabled())

	// Restoring the inner section must keep interrupts disabled
	c.RestoreInterrupts(inner)
	assert.False(t, c.InterruptsEnabled())
	assert.Equal(t, 1, hookCalls)

	c.RestoreInterrupts(outer)
	assert.True(t, c.InterruptsEnabled())
	assert.Equal(t, 2, hookCalls)

	c.DisableInterrupts()
	assert.False(t, c.InterruptsEnabled())
}

func TestHalt(t *testing.T) {
	c := New()
	c.EnableInterrupts()

	var hookCalled bool
	c.SetHaltHook(func() { hookCalled = true })
	c.Halt()

	assert.True(t, c.Halted())
	assert.True(t, hookCalled)
	assert.False(t, c.InterruptsEnabled())
}

func TestTranslationCache(t *testing.T) {
	c := New()

	c.CacheTranslation(0x400123, 0x9000)
	c.CacheTranslation(0x401000, 0xa000)

	frameAddr, ok := c.CachedTranslation(0x400fff)
	assert.True(t, ok)
	assert.Equal(t, uintptr(0x9000), frameAddr)

	c.FlushTLBEntry(0x400010)
	_, ok = c.CachedTranslation(0x400000)
	assert.False(t, ok)

	_, ok = c.CachedTranslation(0x401000)
	assert.True(t, ok)

	c.SwitchRoot(0x5000)
	assert.Equal(t, uintptr(0x5000), c.ActiveRoot())
	_, ok = c.CachedTranslation(0x401000)
	assert.False(t, ok, "expected SwitchRoot to flush the TLB")

	full, entries := c.TLBStats()
	assert.Equal(t, uint64(1), full)
	assert.Equal(t, uint64(1), entries)
}
