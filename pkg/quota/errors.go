package quota

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// Sentinel errors classifying every failure of this package.
// Use errors.Is() to check for these rather than string matching.
var (
	// ErrInvalidArgument indicates a malformed device, identity or limits,
	// or a request the kernel rejected as invalid
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrPermission indicates the caller lacks the privilege the kernel requires
	ErrPermission = errors.New("permission denied")

	// ErrNotFound indicates no quota record exists for the identity
	ErrNotFound = errors.New("quota not found")

	// ErrNotSupported indicates quotas are disabled, or the requested format
	// does not match the one active on the filesystem
	ErrNotSupported = errors.New("not supported")

	// ErrIO indicates a device or filesystem I/O failure
	ErrIO = errors.New("i/o error")
)

// Error describes a failed quota operation
type Error struct {
	// Op is the operation that failed
	Op Operation

	// Device is the device the operation addressed, empty for all devices
	Device string

	// Target is the identity or quota type the operation addressed
	Target string

	// Kind is one of the package sentinel errors
	Kind error

	// Errno is the raw kernel error, zero when the failure was detected
	// before the system call
	Errno unix.Errno

	// Reason is a human readable explanation
	Reason string

	// Err is the underlying cause when it is neither an errno nor a
	// sentinel, such as a context error
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op.String())
	if e.Target != "" {
		b.WriteString(" ")
		b.WriteString(e.Target)
	}
	if e.Device != "" {
		fmt.Fprintf(&b, " on %s", e.Device)
	}
	fmt.Fprintf(&b, ": %v", e.Kind)
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	return b.String()
}

// Unwrap exposes the classification, the errno and the cause, so errors.Is
// works with ErrNotFound as well as unix.ESRCH
func (e *Error) Unwrap() []error {
	errs := []error{e.Kind}
	if e.Errno != 0 {
		errs = append(errs, e.Errno)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// translateErrno classifies a kernel error for op. The reasons follow the
// errno descriptions of quotactl(2).
func translateErrno(op Operation, errno unix.Errno) (kind error, reason string) {
	switch errno {
	case unix.EPERM:
		return ErrPermission, "privilege required"
	case unix.EACCES:
		if op == OpQuotaOn {
			return ErrInvalidArgument, "quota file is not a regular file or not on the specified filesystem"
		}
		return ErrPermission, "access denied"
	case unix.EBUSY:
		return ErrInvalidArgument, "quotas are already enabled"
	case unix.EFAULT:
		return ErrInvalidArgument, "invalid device path or data buffer"
	case unix.EINVAL:
		switch op {
		case OpQuotaOn:
			return ErrInvalidArgument, "quota file is corrupted"
		case OpGetFormat, OpGetState:
			// the command table only builds valid probes, so the
			// filesystem does not support the quota type
			return ErrNotSupported, "filesystem does not support this quota type"
		}
		return ErrInvalidArgument, "command or quota type is invalid"
	case unix.ENOENT:
		// XFS reports missing dquots with ENOENT
		switch op {
		case OpGetQuota:
			return ErrNotFound, "no disk quota found for the identity"
		case OpGetNextQuota:
			return ErrNotFound, "no identity at or above the id has an active quota"
		}
		return ErrInvalidArgument, "device or file does not exist"
	case unix.ENODEV:
		return ErrInvalidArgument, "no such device"
	case unix.ENOTBLK:
		return ErrInvalidArgument, "device is not a block device"
	case unix.ERANGE:
		return ErrInvalidArgument, "limits are out of the range allowed by the quota format"
	case unix.ENOSYS:
		return ErrNotSupported, "kernel lacks CONFIG_QUOTA or the command"
	case unix.EOPNOTSUPP:
		return ErrNotSupported, "operation not supported by the filesystem"
	case unix.ESRCH:
		switch op {
		case OpGetQuota:
			return ErrNotFound, "no disk quota found for the identity"
		case OpGetNextQuota:
			return ErrNotFound, "no identity at or above the id has an active quota"
		case OpQuotaOn:
			return ErrNotSupported, "quota format was not found"
		}
		return ErrNotSupported, "quotas are not enabled on this filesystem"
	case unix.EIO:
		return ErrIO, "device i/o failure"
	case unix.EROFS:
		return ErrIO, "filesystem is read-only"
	}
	return ErrIO, errno.Error()
}

// newErrnoError builds the *Error for a failed system call
func newErrnoError(op Operation, device, target string, errno unix.Errno) *Error {
	kind, reason := translateErrno(op, errno)
	return &Error{Op: op, Device: device, Target: target, Kind: kind, Errno: errno, Reason: reason}
}

// newError builds an *Error for a failure found without a system call
func newError(op Operation, device, target string, kind error, reason string) *Error {
	return &Error{Op: op, Device: device, Target: target, Kind: kind, Reason: reason}
}

// wrapError turns any error into an *Error. Errors that already wrap a
// sentinel keep it; a raw errno is translated; anything else is ErrIO.
func wrapError(op Operation, device, target string, err error) error {
	if err == nil {
		return nil
	}
	var qe *Error
	if errors.As(err, &qe) {
		return qe
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return newErrnoError(op, device, target, errno)
	}
	for _, sentinel := range []error{ErrInvalidArgument, ErrPermission, ErrNotFound, ErrNotSupported, ErrIO} {
		if errors.Is(err, sentinel) {
			return &Error{Op: op, Device: device, Target: target, Kind: sentinel, Reason: strings.TrimPrefix(err.Error(), sentinel.Error()+": ")}
		}
	}
	return &Error{Op: op, Device: device, Target: target, Kind: ErrIO, Reason: err.Error(), Err: err}
}

// KindOf returns the sentinel classifying err, or nil when err is not a
// quota error
func KindOf(err error) error {
	for _, sentinel := range []error{ErrInvalidArgument, ErrPermission, ErrNotFound, ErrNotSupported, ErrIO} {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}
	return nil
}

// Reason returns a short metric label for err
func Reason(err error) string {
	switch KindOf(err) {
	case ErrInvalidArgument:
		return "invalid_argument"
	case ErrPermission:
		return "permission"
	case ErrNotFound:
		return "not_found"
	case ErrNotSupported:
		return "not_supported"
	case ErrIO:
		return "io"
	}
	return "other"
}
