// Package sched implements a cooperative round-robin scheduler for a single
// core. Runnable processes wait in a strict FIFO ready queue, blocked
// processes wait in a blocked set until the wait object they are tagged with
// is signalled. The timer interrupt drives preemption through Tick.
package sched

import (
	"fmt"

	"github.com/kenanay/AykenOS/kernel"
	"github.com/kenanay/AykenOS/kernel/cpu"
	"github.com/kenanay/AykenOS/kernel/kfmt"
	"github.com/kenanay/AykenOS/kernel/mm"
	"github.com/kenanay/AykenOS/kernel/proc"
)

// Activator loads the root page table of the next process. It is
// implemented by the address space manager.
type Activator interface {
	Activate(root mm.Frame)
}

// Scheduler multiplexes the CPU between processes. Every admitted process
// that has not terminated is in exactly one of: the current slot, the ready
// queue or the blocked set. All methods run with interrupts disabled.
type Scheduler struct {
	cpu      *cpu.CPU
	switcher cpu.Switcher
	vm       Activator

	current *proc.Process
	ready   []*proc.Process
	blocked []*proc.Process

	// admitted tracks every process passed to Add.
	admitted []*proc.Process

	started bool
}

// New returns a scheduler that dispatches processes through switcher.
func New(c *cpu.CPU, switcher cpu.Switcher, vm Activator) *Scheduler {
	return &Scheduler{cpu: c, switcher: switcher, vm: vm}
}

// Add admits p to the tail of the ready queue.
func (s *Scheduler) Add(p *proc.Process) {
	prev := s.cpu.SaveAndDisableInterrupts()
	defer s.cpu.RestoreInterrupts(prev)

	p.State = proc.Ready
	p.WaitObj = 0
	s.ready = append(s.ready, p)
	s.admitted = append(s.admitted, p)
}

// Start dispatches the process at the head of the ready queue. Interrupts
// stay disabled until the dispatched context loads its own flags. On
// hardware Start never returns; with a hosted switcher it returns once the
// first process has been handed the CPU. Start is a no-op when nothing is
// ready or when the scheduler is already running.
func (s *Scheduler) Start() {
	if s.started {
		return
	}

	s.cpu.DisableInterrupts()

	next := s.popReady()
	if next == nil {
		kfmt.Printf("[sched] nothing to run\n")
		return
	}

	s.started = true
	s.dispatch(next)
	kfmt.Printf("[sched] starting with process %d (%s)\n", next.PID, next.Name())

	s.switcher.Launch(&next.Context)
}

// Yield moves the current process to the tail of the ready queue and
// switches to the process at the head. If nothing else is ready the current
// process keeps running.
func (s *Scheduler) Yield() {
	prev := s.cpu.SaveAndDisableInterrupts()

	next := s.popReady()
	if next == nil {
		s.cpu.RestoreInterrupts(prev)
		return
	}

	cur := s.current
	s.dispatch(next)
	if cur == nil {
		// Leaving idle: the launched context loads its own flags.
		s.switcher.Launch(&next.Context)
		return
	}

	cur.State = proc.Ready
	s.ready = append(s.ready, cur)
	s.switcher.Switch(&cur.Context, &next.Context)

	// Back on cur's stack
	s.cpu.RestoreInterrupts(prev)
}

// BlockCurrent tags the current process with obj, moves it to the blocked
// set and switches to the next ready process. If no process is ready the
// CPU goes idle; the blocked process stays blocked until Wake or WakeAll
// selects it and is never resumed by this call.
func (s *Scheduler) BlockCurrent(obj proc.WaitObject) {
	prev := s.cpu.SaveAndDisableInterrupts()

	cur := s.current
	if cur == nil {
		s.cpu.RestoreInterrupts(prev)
		return
	}

	cur.State = proc.Blocked
	cur.WaitObj = obj
	s.blocked = append(s.blocked, cur)
	s.leave(cur)

	s.cpu.RestoreInterrupts(prev)
}

// ExitCurrent terminates the current process and switches to the next ready
// process. The descriptor is not reclaimed.
func (s *Scheduler) ExitCurrent() {
	prev := s.cpu.SaveAndDisableInterrupts()

	cur := s.current
	if cur == nil {
		s.cpu.RestoreInterrupts(prev)
		return
	}

	cur.State = proc.Terminated
	kfmt.Printf("[sched] process %d (%s) exited\n", cur.PID, cur.Name())
	s.leave(cur)

	s.cpu.RestoreInterrupts(prev)
}

// Wake moves p from the blocked set to the tail of the ready queue. Waking a
// process that is not blocked is a no-op.
func (s *Scheduler) Wake(p *proc.Process) {
	prev := s.cpu.SaveAndDisableInterrupts()
	defer s.cpu.RestoreInterrupts(prev)

	if p.State != proc.Blocked {
		return
	}

	for i, blocked := range s.blocked {
		if blocked == p {
			s.blocked = append(s.blocked[:i], s.blocked[i+1:]...)
			s.makeReady(p)
			return
		}
	}
}

// WakeAll moves every process blocked on obj to the ready queue, in the
// order they blocked, and returns the number of processes woken.
func (s *Scheduler) WakeAll(obj proc.WaitObject) int {
	prev := s.cpu.SaveAndDisableInterrupts()
	defer s.cpu.RestoreInterrupts(prev)

	var woken int
	remaining := s.blocked[:0]
	for _, p := range s.blocked {
		if p.WaitObj != obj {
			remaining = append(remaining, p)
			continue
		}
		s.makeReady(p)
		woken++
	}

	// Drop references held by the tail of the backing array.
	for i := len(remaining); i < len(s.blocked); i++ {
		s.blocked[i] = nil
	}
	s.blocked = remaining

	return woken
}

// Tick is the timer interrupt path. It preempts the current process or, if
// the CPU is idle, dispatches the next ready process.
func (s *Scheduler) Tick() {
	if !s.started {
		return
	}
	s.Yield()
}

// Current returns the running process or nil if the CPU is idle.
func (s *Scheduler) Current() *proc.Process {
	return s.current
}

// ReadyLen returns the length of the ready queue.
func (s *Scheduler) ReadyLen() int {
	return len(s.ready)
}

// Ready returns a copy of the ready queue, head first.
func (s *Scheduler) Ready() []*proc.Process {
	return append([]*proc.Process(nil), s.ready...)
}

// Blocked returns a copy of the blocked set.
func (s *Scheduler) Blocked() []*proc.Process {
	return append([]*proc.Process(nil), s.blocked...)
}

// CheckInvariants verifies that every admitted process that has not
// terminated is in exactly one of the current slot, the ready queue or the
// blocked set, and that its state matches where it is.
func (s *Scheduler) CheckInvariants() error {
	seen := make(map[*proc.Process]string, len(s.admitted))

	record := func(p *proc.Process, where string, expState proc.State) *kernel.Error {
		if other, dup := seen[p]; dup {
			return invariantError("process %d is in both %s and %s", p.PID, other, where)
		}
		seen[p] = where

		if p.State != expState {
			return invariantError("process %d in %s has state %s", p.PID, where, p.State)
		}
		return nil
	}

	if s.current != nil {
		if err := record(s.current, "current", proc.Running); err != nil {
			return err
		}
	}
	for _, p := range s.ready {
		if err := record(p, "ready queue", proc.Ready); err != nil {
			return err
		}
	}
	for _, p := range s.blocked {
		if err := record(p, "blocked set", proc.Blocked); err != nil {
			return err
		}
	}

	for _, p := range s.admitted {
		if _, ok := seen[p]; !ok && p.State != proc.Terminated {
			return invariantError("process %d (%s) is not tracked", p.PID, p.State)
		}
	}

	return nil
}

func invariantError(format string, args ...interface{}) *kernel.Error {
	return &kernel.Error{Module: "sched", Message: fmt.Sprintf(format, args...)}
}

// leave hands the CPU from cur, which must not be runnable any more, to the
// next ready process or idles the CPU.
func (s *Scheduler) leave(cur *proc.Process) {
	next := s.popReady()
	if next == nil {
		s.current = nil
		s.switcher.Idle(&cur.Context)
		return
	}

	s.dispatch(next)
	s.switcher.Switch(&cur.Context, &next.Context)
}

// dispatch makes next the current process and activates its address space.
func (s *Scheduler) dispatch(next *proc.Process) {
	next.State = proc.Running
	s.current = next
	s.vm.Activate(next.Root)
}

func (s *Scheduler) makeReady(p *proc.Process) {
	p.State = proc.Ready
	p.WaitObj = 0
	s.ready = append(s.ready, p)
}

func (s *Scheduler) popReady() *proc.Process {
	if len(s.ready) == 0 {
		return nil
	}

	next := s.ready[0]
	s.ready[0] = nil
	s.ready = s.ready[1:]
	return next
}
