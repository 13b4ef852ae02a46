package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

// QuotaClient queries and updates disk quotas on block devices
type QuotaClient interface {
	// GetQuota returns the limits and usage of ident on device
	GetQuota(ctx context.Context, device string, ident Identity, format Format) (*Limits, error)

	// SetQuota replaces the limits of ident on device. Usage is never written.
	SetQuota(ctx context.Context, device string, ident Identity, format Format, limits Limits) error

	// GetFormat returns the quota format active for kind on device
	GetFormat(ctx context.Context, device string, kind Kind) (Format, error)

	// Sync flushes cached quota usage of kind to disk. An empty device
	// syncs every filesystem with active quotas.
	Sync(ctx context.Context, device string, kind Kind) error

	// GetNextQuota returns the first record at or above ident's id
	GetNextQuota(ctx context.Context, device string, ident Identity, format Format) (*Entry, error)

	// WalkQuotas calls fn for every record of kind at or above id from, in
	// id order. The format is checked once for the whole walk. An error
	// returned by fn stops the walk and is returned as is.
	WalkQuotas(ctx context.Context, device string, kind Kind, format Format, from uint32, fn func(*Entry) error) error

	// GetInfo returns the grace periods and flags of the kind's quota file
	GetInfo(ctx context.Context, device string, kind Kind, format Format) (*Info, error)

	// SetInfo replaces the grace periods and flags of the kind's quota file
	SetInfo(ctx context.Context, device string, kind Kind, format Format, info Info) error

	// QuotaOn turns quotas of kind on. quotaFile names the quota file for
	// VFS formats and is ignored for XFS.
	QuotaOn(ctx context.Context, device string, kind Kind, format Format, quotaFile string) error

	// QuotaOff turns quotas of kind off
	QuotaOff(ctx context.Context, device string, kind Kind, format Format) error
}

// Observer is told about every finished client operation
type Observer interface {
	ObserveOperation(op Operation, kind Kind, duration time.Duration, err error)
}

// DeviceResolver maps a caller supplied path to the block device handed to
// the kernel
type DeviceResolver func(path string) (string, error)

// Client implements QuotaClient on top of a Kernel. It keeps no state
// between calls and is safe for concurrent use.
type Client struct {
	kernel      Kernel
	callTimeout time.Duration
	observer    Observer
	resolve     DeviceResolver
}

// Option configures a Client
type Option func(*Client)

// WithKernel replaces the syscall kernel, typically with a FakeKernel
func WithKernel(k Kernel) Option {
	return func(c *Client) {
		c.kernel = k
	}
}

// WithCallTimeout bounds every kernel call. A call still running when the
// timeout expires is abandoned and reported as failed.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.callTimeout = d
	}
}

// WithObserver reports operation outcomes to o
func WithObserver(o Observer) Option {
	return func(c *Client) {
		c.observer = o
	}
}

// WithDeviceResolver resolves device arguments before use
func WithDeviceResolver(r DeviceResolver) Option {
	return func(c *Client) {
		c.resolve = r
	}
}

// NewClient creates a Client. Without WithKernel it issues real system calls.
func NewClient(opts ...Option) *Client {
	c := &Client{}
	for _, opt := range opts {
		opt(c)
	}
	if c.kernel == nil {
		c.kernel = NewSyscallKernel()
	}
	return c
}

var _ QuotaClient = (*Client)(nil)

// GetQuota implements QuotaClient
func (c *Client) GetQuota(ctx context.Context, device string, ident Identity, format Format) (limits *Limits, err error) {
	start := time.Now()
	defer func() { c.finish(OpGetQuota, ident.Kind, device, ident.String(), start, err) }()

	device, err = c.prepare(OpGetQuota, device, ident.String(), ident, format)
	if err != nil {
		return nil, err
	}
	if err := c.requireFormat(ctx, OpGetQuota, device, ident.String(), ident.Kind, format); err != nil {
		return nil, err
	}

	var l Limits
	if format.IsXFS() {
		var d FSDiskQuota
		if err := c.issue(ctx, OpGetQuota, format, ident.Kind, device, ident.ID, &d, ident.String()); err != nil {
			return nil, err
		}
		klog.V(5).Infof("fs_disk_quota for %s on %s: %+v", ident, device, d)
		l = limitsFromFSDiskQuota(&d)
	} else {
		var d Dqblk
		if err := c.issue(ctx, OpGetQuota, format, ident.Kind, device, ident.ID, &d, ident.String()); err != nil {
			return nil, err
		}
		klog.V(5).Infof("if_dqblk for %s on %s: %+v", ident, device, d)
		if d.Valid&qifAll != qifAll {
			return nil, newError(OpGetQuota, device, ident.String(), ErrIO,
				fmt.Sprintf("kernel returned incomplete record (valid=%#x)", d.Valid))
		}
		l = limitsFromDqblk(&d)
	}

	// The kernel answers unknown ids with an empty record
	if l.IsZero() {
		return nil, newError(OpGetQuota, device, ident.String(), ErrNotFound, "no disk quota found for the identity")
	}
	return &l, nil
}

// SetQuota implements QuotaClient
func (c *Client) SetQuota(ctx context.Context, device string, ident Identity, format Format, limits Limits) (err error) {
	start := time.Now()
	defer func() { c.finish(OpSetQuota, ident.Kind, device, ident.String(), start, err) }()

	if err := limits.Validate(); err != nil {
		return wrapError(OpSetQuota, device, ident.String(), err)
	}
	device, err = c.prepare(OpSetQuota, device, ident.String(), ident, format)
	if err != nil {
		return err
	}
	if err := c.requireFormat(ctx, OpSetQuota, device, ident.String(), ident.Kind, format); err != nil {
		return err
	}

	klog.V(4).Infof("Setting quota for %s on %s: %+v", ident, device, limits)
	if format.IsXFS() {
		d, err := fsDiskQuotaFromLimits(ident, limits)
		if err != nil {
			return wrapError(OpSetQuota, device, ident.String(), err)
		}
		return c.issue(ctx, OpSetQuota, format, ident.Kind, device, ident.ID, &d, ident.String())
	}
	d := dqblkFromLimits(limits)
	return c.issue(ctx, OpSetQuota, format, ident.Kind, device, ident.ID, &d, ident.String())
}

// GetFormat implements QuotaClient
func (c *Client) GetFormat(ctx context.Context, device string, kind Kind) (format Format, err error) {
	start := time.Now()
	defer func() { c.finish(OpGetFormat, kind, device, kind.String(), start, err) }()

	device, err = c.prepareKind(OpGetFormat, device, kind)
	if err != nil {
		return 0, err
	}
	return c.activeFormat(ctx, OpGetFormat, device, kind.String(), kind)
}

// Sync implements QuotaClient. Filesystems without a VFS sync, such as
// XFS, are flushed with Q_XQUOTASYNC instead.
func (c *Client) Sync(ctx context.Context, device string, kind Kind) (err error) {
	start := time.Now()
	defer func() { c.finish(OpSync, kind, device, kind.String(), start, err) }()

	if !kind.Valid() {
		return newError(OpSync, device, "", ErrInvalidArgument, fmt.Sprintf("unknown quota kind %d", int(kind)))
	}
	if device != "" {
		if device, err = c.prepareKind(OpSync, device, kind); err != nil {
			return err
		}
	}

	err = c.issue(ctx, OpSync, FormatVFSV1, kind, device, 0, nil, kind.String())
	if device != "" && errors.Is(err, unix.ENOSYS) {
		klog.V(4).Infof("No VFS quota sync on %s, using XFS sync", device)
		err = c.issue(ctx, OpSync, FormatXFS, kind, device, 0, nil, kind.String())
	}
	return err
}

// GetNextQuota implements QuotaClient
func (c *Client) GetNextQuota(ctx context.Context, device string, ident Identity, format Format) (entry *Entry, err error) {
	start := time.Now()
	defer func() { c.finish(OpGetNextQuota, ident.Kind, device, ident.String(), start, err) }()

	device, err = c.prepare(OpGetNextQuota, device, ident.String(), ident, format)
	if err != nil {
		return nil, err
	}
	if err := c.requireFormat(ctx, OpGetNextQuota, device, ident.String(), ident.Kind, format); err != nil {
		return nil, err
	}

	return c.nextEntry(ctx, device, ident, format)
}

// WalkQuotas implements QuotaClient. The walk is observed as one
// get_next_quota operation.
func (c *Client) WalkQuotas(ctx context.Context, device string, kind Kind, format Format, from uint32, fn func(*Entry) error) (err error) {
	start := time.Now()
	defer func() { c.finish(OpGetNextQuota, kind, device, kind.String(), start, err) }()

	ident := Identity{Kind: kind, ID: from}
	device, err = c.prepare(OpGetNextQuota, device, kind.String(), ident, format)
	if err != nil {
		return err
	}
	if err := c.requireFormat(ctx, OpGetNextQuota, device, kind.String(), kind, format); err != nil {
		return err
	}

	for {
		entry, err := c.nextEntry(ctx, device, ident, format)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(entry); err != nil {
			return err
		}
		// the id after the last valid one is the kernel's invalid id
		if entry.Identity.ID >= invalidID-1 {
			return nil
		}
		ident.ID = entry.Identity.ID + 1
	}
}

// nextEntry issues one Q_GETNEXTQUOTA or Q_XGETNEXTQUOTA
func (c *Client) nextEntry(ctx context.Context, device string, ident Identity, format Format) (*Entry, error) {
	if format.IsXFS() {
		var d FSDiskQuota
		if err := c.issue(ctx, OpGetNextQuota, format, ident.Kind, device, ident.ID, &d, ident.String()); err != nil {
			return nil, err
		}
		return &Entry{Identity: Identity{Kind: ident.Kind, ID: d.ID}, Limits: limitsFromFSDiskQuota(&d)}, nil
	}
	var d NextDqblk
	if err := c.issue(ctx, OpGetNextQuota, format, ident.Kind, device, ident.ID, &d, ident.String()); err != nil {
		return nil, err
	}
	if d.Valid&qifAll != qifAll {
		return nil, newError(OpGetNextQuota, device, ident.String(), ErrIO,
			fmt.Sprintf("kernel returned incomplete record (valid=%#x)", d.Valid))
	}
	return &Entry{Identity: Identity{Kind: ident.Kind, ID: d.ID}, Limits: limitsFromNextDqblk(&d)}, nil
}

// GetInfo implements QuotaClient
func (c *Client) GetInfo(ctx context.Context, device string, kind Kind, format Format) (info *Info, err error) {
	start := time.Now()
	defer func() { c.finish(OpGetInfo, kind, device, kind.String(), start, err) }()

	device, err = c.prepareKindFormat(OpGetInfo, device, kind, format)
	if err != nil {
		return nil, err
	}
	if err := c.requireFormat(ctx, OpGetInfo, device, kind.String(), kind, format); err != nil {
		return nil, err
	}

	if format.IsXFS() {
		var s FSQuotaStat
		if err := c.issue(ctx, OpGetInfo, format, kind, device, 0, &s, kind.String()); err != nil {
			return nil, err
		}
		i := infoFromFSQuotaStat(&s)
		return &i, nil
	}
	var d Dqinfo
	if err := c.issue(ctx, OpGetInfo, format, kind, device, 0, &d, kind.String()); err != nil {
		return nil, err
	}
	if d.Valid&iifAll != iifAll {
		return nil, newError(OpGetInfo, device, kind.String(), ErrIO,
			fmt.Sprintf("kernel returned incomplete info (valid=%#x)", d.Valid))
	}
	i := infoFromDqinfo(&d)
	return &i, nil
}

// SetInfo implements QuotaClient
func (c *Client) SetInfo(ctx context.Context, device string, kind Kind, format Format, info Info) (err error) {
	start := time.Now()
	defer func() { c.finish(OpSetInfo, kind, device, kind.String(), start, err) }()

	device, err = c.prepareKindFormat(OpSetInfo, device, kind, format)
	if err != nil {
		return err
	}
	if err := c.requireFormat(ctx, OpSetInfo, device, kind.String(), kind, format); err != nil {
		return err
	}

	if format.IsXFS() {
		d, err := fsDiskQuotaFromInfo(kind, info)
		if err != nil {
			return wrapError(OpSetInfo, device, kind.String(), err)
		}
		return c.issue(ctx, OpSetInfo, format, kind, device, 0, &d, kind.String())
	}
	d, err := dqinfoFromInfo(info)
	if err != nil {
		return wrapError(OpSetInfo, device, kind.String(), err)
	}
	return c.issue(ctx, OpSetInfo, format, kind, device, 0, &d, kind.String())
}

// QuotaOn implements QuotaClient
func (c *Client) QuotaOn(ctx context.Context, device string, kind Kind, format Format, quotaFile string) (err error) {
	start := time.Now()
	defer func() { c.finish(OpQuotaOn, kind, device, kind.String(), start, err) }()

	device, err = c.prepareKindFormat(OpQuotaOn, device, kind, format)
	if err != nil {
		return err
	}

	if format.IsXFS() {
		acct, enfd := xfsQuotaFlags(kind)
		flags := acct | enfd
		return c.issue(ctx, OpQuotaOn, format, kind, device, 0, &flags, kind.String())
	}
	if err := ValidateDevice(quotaFile); err != nil {
		return newError(OpQuotaOn, device, kind.String(), ErrInvalidArgument, "quota file must be an absolute path")
	}
	return c.issue(ctx, OpQuotaOn, format, kind, device, uint32(format), quotaFile, kind.String())
}

// QuotaOff implements QuotaClient. On XFS only enforcement is turned off;
// accounting follows the mount options.
func (c *Client) QuotaOff(ctx context.Context, device string, kind Kind, format Format) (err error) {
	start := time.Now()
	defer func() { c.finish(OpQuotaOff, kind, device, kind.String(), start, err) }()

	device, err = c.prepareKindFormat(OpQuotaOff, device, kind, format)
	if err != nil {
		return err
	}

	if format.IsXFS() {
		_, enfd := xfsQuotaFlags(kind)
		return c.issue(ctx, OpQuotaOff, format, kind, device, 0, &enfd, kind.String())
	}
	return c.issue(ctx, OpQuotaOff, format, kind, device, 0, nil, kind.String())
}

// prepare validates identity based requests and resolves the device
func (c *Client) prepare(op Operation, device, target string, ident Identity, format Format) (string, error) {
	if err := ident.Validate(); err != nil {
		return device, wrapError(op, device, target, err)
	}
	if !format.Valid() {
		return device, newError(op, device, target, ErrInvalidArgument, fmt.Sprintf("unknown quota format %d", int(format)))
	}
	return c.resolveDevice(op, device, target)
}

func (c *Client) prepareKind(op Operation, device string, kind Kind) (string, error) {
	if !kind.Valid() {
		return device, newError(op, device, "", ErrInvalidArgument, fmt.Sprintf("unknown quota kind %d", int(kind)))
	}
	return c.resolveDevice(op, device, kind.String())
}

func (c *Client) prepareKindFormat(op Operation, device string, kind Kind, format Format) (string, error) {
	if !format.Valid() {
		return device, newError(op, device, kind.String(), ErrInvalidArgument, fmt.Sprintf("unknown quota format %d", int(format)))
	}
	return c.prepareKind(op, device, kind)
}

func (c *Client) resolveDevice(op Operation, device, target string) (string, error) {
	if err := ValidateDevice(device); err != nil {
		return device, wrapError(op, device, target, err)
	}
	if c.resolve == nil {
		return device, nil
	}
	resolved, err := c.resolve(device)
	if err != nil {
		if KindOf(err) == nil {
			return device, newError(op, device, target, ErrInvalidArgument, err.Error())
		}
		return device, wrapError(op, device, target, err)
	}
	if resolved != device {
		klog.V(4).Infof("Resolved %s to device %s", device, resolved)
	}
	return resolved, nil
}

// activeFormat asks the kernel which format serves kind on device. XFS has
// no Q_GETFMT answer and is recognised by its accounting flags.
func (c *Client) activeFormat(ctx context.Context, op Operation, device, target string, kind Kind) (Format, error) {
	var id uint32
	err := c.issue(ctx, OpGetFormat, FormatVFSV1, kind, device, 0, &id, target)
	if err == nil {
		format := Format(id)
		if !format.Valid() {
			return 0, newError(op, device, target, ErrNotSupported, fmt.Sprintf("kernel reported unknown quota format %d", id))
		}
		return format, nil
	}
	if !errors.Is(err, unix.ESRCH) {
		return 0, relabel(err, op, target)
	}

	var s FSQuotaStat
	if xerr := c.issue(ctx, OpGetState, FormatXFS, kind, device, 0, &s, target); xerr != nil {
		klog.V(4).Infof("Quota state unavailable on %s: %v", device, xerr)
		return 0, relabel(err, op, target)
	}
	acct, _ := xfsQuotaFlags(kind)
	if uint32(s.Flags)&acct != 0 {
		return FormatXFS, nil
	}
	return 0, relabel(err, op, target)
}

// requireFormat fails with ErrNotSupported unless format is active
func (c *Client) requireFormat(ctx context.Context, op Operation, device, target string, kind Kind, format Format) error {
	active, err := c.activeFormat(ctx, op, device, target, kind)
	if err != nil {
		return err
	}
	if active != format {
		return newError(op, device, target, ErrNotSupported,
			fmt.Sprintf("filesystem uses %s quota format, not %s", active, format))
	}
	return nil
}

// relabel reports a probe failure as a failure of op
func relabel(err error, op Operation, target string) error {
	var qe *Error
	if !errors.As(err, &qe) {
		return err
	}
	e := *qe
	e.Op = op
	e.Target = target
	return &e
}

// issue performs one kernel call for op under format and translates the
// result
func (c *Client) issue(ctx context.Context, op Operation, format Format, kind Kind, device string, id uint32, addr any, target string) error {
	cmd, err := commandFor(op, format)
	if err != nil {
		return wrapError(op, device, target, err)
	}
	if err := checkPayload(cmd.layout, addr); err != nil {
		return wrapError(op, device, target, err)
	}
	call := &Call{Op: op, Cmd: qcmd(cmd.sub, kind), Device: device, ID: id, Addr: addr}
	return wrapError(op, device, target, c.do(ctx, call))
}

// do runs the call on its own goroutine so a context can abandon a call
// the kernel never returns from
func (c *Client) do(ctx context.Context, call *Call) error {
	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- c.kernel.Quotactl(call)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		klog.Warningf("Abandoning %s: %v", call, ctx.Err())
		return ctx.Err()
	}
}

func (c *Client) finish(op Operation, kind Kind, device, target string, start time.Time, err error) {
	duration := time.Since(start)
	if err != nil {
		klog.V(4).Infof("%s %s on %s failed after %v: %v", op, target, device, duration, err)
	} else {
		klog.V(2).Infof("%s %s on %s succeeded (%v)", op, target, device, duration)
	}
	if c.observer != nil {
		c.observer.ObserveOperation(op, kind, duration, err)
	}
}
