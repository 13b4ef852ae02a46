package quota

// Kernel issues quotactl(2) calls. Implementations must fill the payload
// behind Call.Addr for read commands and return a unix.Errno on failure.
type Kernel interface {
	Quotactl(call *Call) error
}

// KernelFunc adapts a function to Kernel
type KernelFunc func(call *Call) error

// Quotactl implements Kernel
func (f KernelFunc) Quotactl(call *Call) error {
	return f(call)
}
