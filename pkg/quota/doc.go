// Package quota issues Linux quotactl(2) requests for user, group and
// project quotas and translates the kernel's answers into Go values.
//
// The package owns no state. Every Client method performs one kernel
// call (get and set first probe the active quota format) through an
// injected Kernel, which is the real syscall on Linux and FakeKernel in
// tests. WalkQuotas is the exception: it probes once and then issues one
// GETNEXTQUOTA per identity.
//
// # Units
//
// Block limits are expressed in 1 KiB blocks (QIF_DQBLKSIZE), the unit of
// the VFS quota interface. XFS keeps limits in 512 byte basic blocks;
// values are converted on the way in and out, so odd basic block counts
// read back from XFS round down. Space usage is always reported in bytes.
//
// # Errors
//
// Failures wrap one of ErrInvalidArgument, ErrPermission, ErrNotFound,
// ErrNotSupported or ErrIO. The format probe needs no privilege and runs
// first, so a device with quotas off reports ErrNotSupported even to an
// unprivileged caller. Kernels differ on this order for direct calls.
// EINVAL from the probe means the filesystem lacks the quota type and is
// reported as ErrNotSupported.
//
// # Logging Verbosity Convention
//
//   - V(2): operation outcomes ("Set quota for user 1000 on /dev/sda1")
//   - V(4): failures and request parameters
//   - V(5): raw command codes and ABI structures
package quota
