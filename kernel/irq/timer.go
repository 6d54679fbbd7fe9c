package irq

import "time"

// Timer models the periodic interval timer. Each Fire raises TimerVector on
// the controller; the registered tick function runs from the interrupt
// handler.
type Timer struct {
	ctrl  *Controller
	hz    uint32
	ticks uint64
}

// NewTimer wires a timer running at hz to ctrl and registers onTick as the
// handler for TimerVector.
func NewTimer(ctrl *Controller, hz uint32, onTick func()) *Timer {
	t := &Timer{ctrl: ctrl, hz: hz}
	ctrl.HandleInterrupt(TimerVector, func(Vector) {
		t.ticks++
		if onTick != nil {
			onTick()
		}
	})
	return t
}

// Fire raises a timer interrupt.
func (t *Timer) Fire() {
	t.ctrl.Raise(TimerVector)
}

// Ticks returns the number of serviced timer interrupts.
func (t *Timer) Ticks() uint64 {
	return t.ticks
}

// Uptime converts the tick count to the elapsed time at the timer rate.
func (t *Timer) Uptime() time.Duration {
	if t.hz == 0 {
		return 0
	}
	return time.Duration(t.ticks) * time.Second / time.Duration(t.hz)
}
