package kernel

// Error describes a kernel error. Kernel errors are always defined as
// global variables pointing to an Error value; the kernel heap is not
// available when the early subsystems run, so errors.New cannot be used.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
