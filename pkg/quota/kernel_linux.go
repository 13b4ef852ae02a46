//go:build linux

package quota

import (
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

// SyscallKernel issues real quotactl(2) system calls
type SyscallKernel struct{}

// NewSyscallKernel returns the Kernel backed by SYS_QUOTACTL
func NewSyscallKernel() *SyscallKernel {
	return &SyscallKernel{}
}

// Quotactl implements Kernel
func (SyscallKernel) Quotactl(call *Call) error {
	var special *byte
	if call.Device != "" {
		p, err := unix.BytePtrFromString(call.Device)
		if err != nil {
			return unix.EINVAL
		}
		special = p
	}

	var (
		addr    unsafe.Pointer
		pathBuf *byte
	)
	switch v := call.Addr.(type) {
	case nil:
	case *Dqblk:
		addr = unsafe.Pointer(v)
	case *NextDqblk:
		addr = unsafe.Pointer(v)
	case *Dqinfo:
		addr = unsafe.Pointer(v)
	case *FSDiskQuota:
		addr = unsafe.Pointer(v)
	case *FSQuotaStat:
		addr = unsafe.Pointer(v)
	case *uint32:
		addr = unsafe.Pointer(v)
	case string:
		p, err := unix.BytePtrFromString(v)
		if err != nil {
			return unix.EINVAL
		}
		pathBuf = p
		addr = unsafe.Pointer(p)
	default:
		return fmt.Errorf("%w: unsupported quotactl payload %T", ErrInvalidArgument, call.Addr)
	}

	klog.V(5).Infof("Issuing %s", call)
	_, _, errno := unix.Syscall6(unix.SYS_QUOTACTL,
		uintptr(call.Cmd),
		uintptr(unsafe.Pointer(special)),
		uintptr(call.ID),
		uintptr(addr),
		0, 0)
	// keep the C strings alive until the kernel has copied them
	runtime.KeepAlive(special)
	runtime.KeepAlive(pathBuf)
	if errno != 0 {
		return errno
	}
	return nil
}
