package cpu

import (
	"runtime"
	"sync"
)

const (
	// KernelTextBase is the code address assigned to the first entry point
	// registered with a Coroutines switcher.
	KernelTextBase = uint64(0xffffffff80100000)

	// entryStride is the distance between consecutive entry point
	// addresses.
	entryStride = uint64(16)
)

type coroutine struct {
	resume chan struct{}
}

// Coroutines implements Switcher on a hosted Go runtime. Each context runs
// on its own goroutine and a baton is handed from goroutine to goroutine on
// every switch so that exactly one context executes at any time. Kernel
// thread bodies are looked up by instruction pointer in an entry table;
// contexts whose instruction pointer has no entry (user-mode code) run the
// foreign body instead.
type Coroutines struct {
	cpu *CPU

	entries []EntryFunc
	foreign EntryFunc
	onExit  func()

	threads map[*Context]*coroutine
	running *coroutine

	halt     chan struct{}
	haltOnce sync.Once
}

// NewCoroutines returns a switcher for the supplied CPU. Halting the CPU
// stops the switcher.
func NewCoroutines(c *CPU) *Coroutines {
	s := &Coroutines{
		cpu:     c,
		threads: make(map[*Context]*coroutine),
		halt:    make(chan struct{}),
	}
	c.SetHaltHook(s.haltRunning)
	return s
}

// Register adds fn to the entry table and returns the code address that a
// context must use as its instruction pointer to run fn.
func (s *Coroutines) Register(fn EntryFunc) uint64 {
	s.entries = append(s.entries, fn)
	return KernelTextBase + uint64(len(s.entries)-1)*entryStride
}

// SetForeign sets the body executed by contexts whose instruction pointer
// does not match a registered entry point.
func (s *Coroutines) SetForeign(fn EntryFunc) {
	s.foreign = fn
}

// SetExitHandler sets the function invoked on the context's own stack when
// its body returns. The handler is expected to switch away for good.
func (s *Coroutines) SetExitHandler(fn func()) {
	s.onExit = fn
}

// Launch implements Switcher.
func (s *Coroutines) Launch(next *Context) {
	s.cpu.SwitchRoot(uintptr(next.CR3))
	s.resume(next)
}

// Switch implements Switcher. If prev has never been run by this switcher
// the calling goroutine is adopted as its coroutine.
func (s *Coroutines) Switch(prev, next *Context) {
	self := s.adopt(prev)
	s.cpu.SwitchRoot(uintptr(next.CR3))
	s.resume(next)
	s.park(self)
}

// Idle implements Switcher. Nothing on the host raises interrupts while
// every context is parked, so idling stops the switcher.
func (s *Coroutines) Idle(prev *Context) {
	self := s.adopt(prev)
	s.stop()
	s.park(self)
}

// Wait blocks until the switcher stops.
func (s *Coroutines) Wait() {
	<-s.halt
}

// Stopped returns true if the switcher has stopped.
func (s *Coroutines) Stopped() bool {
	select {
	case <-s.halt:
		return true
	default:
		return false
	}
}

func (s *Coroutines) entryFor(rip uint64) EntryFunc {
	if rip >= KernelTextBase && (rip-KernelTextBase)%entryStride == 0 {
		if index := (rip - KernelTextBase) / entryStride; index < uint64(len(s.entries)) {
			return s.entries[index]
		}
	}

	return s.foreign
}

func (s *Coroutines) adopt(ctx *Context) *coroutine {
	co, ok := s.threads[ctx]
	if !ok {
		co = &coroutine{resume: make(chan struct{}, 1)}
		s.threads[ctx] = co
	}
	return co
}

// resume hands the baton to next, starting a goroutine for it on its first
// dispatch. The caller must not touch switcher state after resume returns.
func (s *Coroutines) resume(next *Context) {
	co, ok := s.threads[next]
	if !ok {
		co = s.adopt(next)
		go s.run(co, s.entryFor(next.RIP), next.RFLAGS&FlagInterruptEnable != 0)
	}

	s.running = co
	co.resume <- struct{}{}
}

func (s *Coroutines) run(co *coroutine, body EntryFunc, interruptsOn bool) {
	s.park(co)

	// A new context starts with the interrupt flag from its RFLAGS.
	if interruptsOn {
		s.cpu.EnableInterrupts()
	}

	if body != nil {
		body()
	}

	if s.onExit != nil {
		s.onExit()
	}

	// Reaching this point means there was nothing left to switch to.
	s.stop()
}

// park blocks the calling goroutine until its coroutine is resumed. Parked
// goroutines exit once the switcher stops.
func (s *Coroutines) park(co *coroutine) {
	select {
	case <-co.resume:
	case <-s.halt:
		runtime.Goexit()
	}

	select {
	case <-s.halt:
		runtime.Goexit()
	default:
	}
}

func (s *Coroutines) stop() {
	s.haltOnce.Do(func() { close(s.halt) })
}

// haltRunning stops the switcher. When invoked by a running context, the
// context never resumes.
func (s *Coroutines) haltRunning() {
	s.stop()
	if s.running != nil {
		runtime.Goexit()
	}
}
