package kernel

// Error describes a kernel error. Kernel errors are defined as global
// variables that are pointers to the Error structure so callers can compare
// them by identity.
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

// HostError wraps an error reported by the host operating system (for
// example a failed read on the swap file) into a kernel error that is tagged
// with the supplied module name.
func HostError(module string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Module: module, Message: err.Error()}
}
