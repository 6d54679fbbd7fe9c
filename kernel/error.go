// Package kernel defines the error type shared by every subsystem of the
// memory and execution core.
package kernel

// Error describes a kernel error. Kernel errors are declared as package-level
// pointers to Error and callers compare them by identity, so a failure can be
// told apart from a valid-looking return value without inspecting strings.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// String returns the error message prefixed with the originating module using
// the same "[module] message" format as the kernel log.
func (e *Error) String() string {
	return "[" + e.Module + "] " + e.Message
}

// ErrInvalidParamValue is returned by operations that receive an argument they
// cannot act on, such as a zero-sized allocation request.
var ErrInvalidParamValue = &Error{Module: "kernel", Message: "invalid parameter value"}
