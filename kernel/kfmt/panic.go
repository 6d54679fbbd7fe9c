package kfmt

import "github.com/kenanay/AykenOS/kernel"

var (
	// cpuHaltFn is invoked by Panic after printing the error banner.
	cpuHaltFn func()

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// SetHaltFn registers the function Panic uses to stop the machine. Without
// one, Panic re-raises the error as a Go panic.
func SetHaltFn(fn func()) {
	cpuHaltFn = fn
}

// Panic outputs the supplied error (if not nil) to the console and halts the
// CPU. It is reserved for invariant violations during early boot; every other
// failure is returned to the caller.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t}
	case error:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t.Error()}
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	if cpuHaltFn == nil {
		if err == nil {
			err = errRuntimePanic
		}
		panic(err)
	}
	cpuHaltFn()
}
