// Package irq implements the interrupt controller of the simulated core.
// Interrupts raised while the CPU has interrupts disabled are latched and
// delivered, lowest vector first, as soon as interrupts get re-enabled.
package irq

import (
	"github.com/kenanay/AykenOS/kernel/cpu"
	"github.com/kenanay/AykenOS/kernel/kfmt"
)

// Vector defines an interrupt vector number.
type Vector uint8

const (
	// PageFaultException is raised when a PDT or PDT-entry is not present
	// or when a privilege and/or RW protection check fails.
	PageFaultException = Vector(14)

	// TimerVector is the vector the periodic timer is wired to.
	TimerVector = Vector(32)
)

// Handler is a function that services an interrupt. Handlers run with
// interrupts disabled and may switch to another context; the interrupt flag
// is restored when the handler returns.
type Handler func(Vector)

// Controller dispatches interrupts to registered handlers.
type Controller struct {
	cpu      *cpu.CPU
	handlers [256]Handler

	// pending is a bitmap with one bit per vector.
	pending [4]uint64

	raised, delivered, unhandled uint64
}

// New returns a controller attached to c. The controller installs itself as
// the CPU's interrupt hook so pending interrupts get delivered whenever
// interrupts are re-enabled.
func New(c *cpu.CPU) *Controller {
	ctrl := &Controller{cpu: c}
	c.SetInterruptHook(ctrl.deliverPending)
	return ctrl
}

// HandleInterrupt registers handler for the given vector, replacing any
// previously registered handler. A nil handler masks the vector.
func (c *Controller) HandleInterrupt(v Vector, handler Handler) {
	c.handlers[v] = handler
}

// Raise signals an interrupt on vector v. If interrupts are enabled the
// interrupt is delivered before Raise returns; otherwise it stays pending.
// Raising an already pending vector has no additional effect.
func (c *Controller) Raise(v Vector) {
	c.raised++
	c.pending[v>>6] |= 1 << (v & 63)

	if c.cpu.InterruptsEnabled() {
		c.deliverPending()
	}
}

// Pending returns true if vector v has been raised but not yet delivered.
func (c *Controller) Pending(v Vector) bool {
	return c.pending[v>>6]&(1<<(v&63)) != 0
}

// Stats returns the number of raised, delivered and unhandled interrupts.
func (c *Controller) Stats() (raised, delivered, unhandled uint64) {
	return c.raised, c.delivered, c.unhandled
}

func (c *Controller) deliverPending() {
	for c.cpu.InterruptsEnabled() {
		v, ok := c.nextPending()
		if !ok {
			return
		}
		c.pending[v>>6] &^= 1 << (v & 63)

		handler := c.handlers[v]
		if handler == nil {
			c.unhandled++
			kfmt.Printf("[irq] no handler for vector %d\n", v)
			continue
		}

		c.delivered++
		prev := c.cpu.SaveAndDisableInterrupts()
		handler(v)
		c.cpu.RestoreInterrupts(prev)
	}
}

func (c *Controller) nextPending() (Vector, bool) {
	for word, bits := range c.pending {
		if bits == 0 {
			continue
		}
		for bit := 0; bit < 64; bit++ {
			if bits&(1<<uint(bit)) != 0 {
				return Vector(word<<6 + bit), true
			}
		}
	}

	return 0, false
}
