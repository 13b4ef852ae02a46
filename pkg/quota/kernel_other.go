//go:build !linux

package quota

import "golang.org/x/sys/unix"

// SyscallKernel reports ENOSYS for every call outside Linux
type SyscallKernel struct{}

// NewSyscallKernel returns a Kernel that always fails with ENOSYS
func NewSyscallKernel() *SyscallKernel {
	return &SyscallKernel{}
}

// Quotactl implements Kernel
func (SyscallKernel) Quotactl(*Call) error {
	return unix.ENOSYS
}
