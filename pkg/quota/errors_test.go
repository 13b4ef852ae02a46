package quota

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestTranslateErrno(t *testing.T) {
	tests := []struct {
		op    Operation
		errno unix.Errno
		want  error
	}{
		{OpGetQuota, unix.EPERM, ErrPermission},
		{OpGetQuota, unix.EACCES, ErrPermission},
		{OpQuotaOn, unix.EACCES, ErrInvalidArgument},
		{OpGetQuota, unix.ESRCH, ErrNotFound},
		{OpGetNextQuota, unix.ESRCH, ErrNotFound},
		{OpGetQuota, unix.ENOENT, ErrNotFound},
		{OpGetFormat, unix.ENOENT, ErrInvalidArgument},
		{OpGetFormat, unix.ESRCH, ErrNotSupported},
		{OpSetQuota, unix.ESRCH, ErrNotSupported},
		{OpSync, unix.ESRCH, ErrNotSupported},
		{OpQuotaOn, unix.ESRCH, ErrNotSupported},
		{OpSync, unix.ENOSYS, ErrNotSupported},
		{OpGetInfo, unix.EOPNOTSUPP, ErrNotSupported},
		{OpSetQuota, unix.EINVAL, ErrInvalidArgument},
		{OpGetFormat, unix.EINVAL, ErrNotSupported},
		{OpGetState, unix.EINVAL, ErrNotSupported},
		{OpSetQuota, unix.ERANGE, ErrInvalidArgument},
		{OpGetQuota, unix.EFAULT, ErrInvalidArgument},
		{OpGetQuota, unix.ENOTBLK, ErrInvalidArgument},
		{OpGetQuota, unix.ENODEV, ErrInvalidArgument},
		{OpQuotaOn, unix.EBUSY, ErrInvalidArgument},
		{OpGetQuota, unix.EIO, ErrIO},
		{OpSetQuota, unix.EROFS, ErrIO},
		{OpSetQuota, unix.ENOSPC, ErrIO},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.op, unix.ErrnoName(tt.errno)), func(t *testing.T) {
			kind, reason := translateErrno(tt.op, tt.errno)
			assert.Equal(t, tt.want, kind)
			assert.NotEmpty(t, reason)
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	err := newErrnoError(OpGetQuota, "/dev/sda1", "user 1000", unix.ESRCH)

	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(err, unix.ESRCH))
	assert.False(t, errors.Is(err, ErrNotSupported))

	var qe *Error
	assert.True(t, errors.As(err, &qe))
	assert.Equal(t, unix.ESRCH, qe.Errno)
	assert.Equal(t, "get_quota user 1000 on /dev/sda1: quota not found: no disk quota found for the identity", err.Error())
}

func TestWrapError(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		assert.NoError(t, wrapError(OpSync, "/dev/sda1", "", nil))
	})

	t.Run("errno", func(t *testing.T) {
		err := wrapError(OpSync, "/dev/sda1", "", unix.EIO)
		assert.True(t, errors.Is(err, ErrIO))
		assert.True(t, errors.Is(err, unix.EIO))
	})

	t.Run("sentinel keeps its kind", func(t *testing.T) {
		err := wrapError(OpSetQuota, "/dev/sda1", "user 1", fmt.Errorf("%w: bad limits", ErrInvalidArgument))
		var qe *Error
		assert.True(t, errors.As(err, &qe))
		assert.Equal(t, ErrInvalidArgument, qe.Kind)
		assert.Equal(t, "bad limits", qe.Reason)
	})

	t.Run("existing error is returned as is", func(t *testing.T) {
		orig := newError(OpGetFormat, "/dev/sda1", "user", ErrNotSupported, "off")
		assert.Same(t, orig, wrapError(OpGetQuota, "/dev/sdb1", "", orig))
	})

	t.Run("context error is io and keeps its cause", func(t *testing.T) {
		err := wrapError(OpGetQuota, "/dev/sda1", "user 1", context.DeadlineExceeded)
		assert.True(t, errors.Is(err, ErrIO))
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
	})
}

func TestReason(t *testing.T) {
	assert.Equal(t, "not_found", Reason(newErrnoError(OpGetQuota, "/dev/sda1", "", unix.ESRCH)))
	assert.Equal(t, "permission", Reason(newErrnoError(OpSetQuota, "/dev/sda1", "", unix.EPERM)))
	assert.Equal(t, "other", Reason(errors.New("boom")))
	assert.Nil(t, KindOf(nil))
}
