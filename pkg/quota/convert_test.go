package quota

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDqblkFromLimits(t *testing.T) {
	grace := time.Unix(1700000000, 0)

	d := dqblkFromLimits(Limits{
		BlockSoftLimit: 1000,
		BlockHardLimit: 1100,
		SpaceUsage:     4096,
		InodeSoftLimit: 100,
		InodeHardLimit: 110,
		InodeUsage:     3,
	})
	assert.Equal(t, uint32(qifLimits), d.Valid)
	assert.Zero(t, d.CurSpace, "usage is never sent")
	assert.Zero(t, d.CurInodes, "usage is never sent")

	d = dqblkFromLimits(Limits{BlockGraceTime: grace})
	assert.Equal(t, uint32(qifLimits|qifBTime), d.Valid)
	assert.Equal(t, uint64(1700000000), d.BTime)
}

func TestLimitsFromDqblk(t *testing.T) {
	l := limitsFromDqblk(&Dqblk{
		BHardLimit: 1100, BSoftLimit: 1000, CurSpace: 8192,
		IHardLimit: 110, ISoftLimit: 100, CurInodes: 7,
		BTime: 1700000000, Valid: qifAll,
	})

	assert.Equal(t, uint64(1000), l.BlockSoftLimit)
	assert.Equal(t, uint64(1100), l.BlockHardLimit)
	assert.Equal(t, uint64(8192), l.SpaceUsage)
	assert.Equal(t, uint64(7), l.InodeUsage)
	assert.True(t, l.BlockGraceTime.Equal(time.Unix(1700000000, 0)))
	assert.True(t, l.InodeGraceTime.IsZero())
}

func TestFSDiskQuotaRoundTrip(t *testing.T) {
	in := Limits{
		BlockSoftLimit: 1000,
		BlockHardLimit: 1100,
		InodeSoftLimit: 100,
		InodeHardLimit: 110,
		BlockGraceTime: time.Unix(1<<33, 0),
	}

	d, err := fsDiskQuotaFromLimits(Group(50), in)
	require.NoError(t, err)
	assert.Equal(t, int8(fsGroupQuota), d.Flags)
	assert.Equal(t, uint64(2000), d.BlkSoftLimit, "1 KiB blocks are two basic blocks")
	assert.Equal(t, uint16(fsDQBSoft|fsDQBHard|fsDQISoft|fsDQIHard|fsDQBTimer|fsDQBigTime), d.FieldMask)
	assert.Equal(t, int8(2), d.BTimerHi)

	out := limitsFromFSDiskQuota(&d)
	assert.Equal(t, in.BlockSoftLimit, out.BlockSoftLimit)
	assert.Equal(t, in.BlockHardLimit, out.BlockHardLimit)
	assert.Equal(t, in.InodeSoftLimit, out.InodeSoftLimit)
	assert.Equal(t, in.InodeHardLimit, out.InodeHardLimit)
	assert.True(t, in.BlockGraceTime.Equal(out.BlockGraceTime))
}

func TestFSDiskQuotaBigTime(t *testing.T) {
	d, err := fsDiskQuotaFromLimits(User(1), Limits{InodeGraceTime: time.Unix(1700000000, 0)})
	require.NoError(t, err)
	assert.Zero(t, d.FieldMask&fsDQBigTime, "timers before 2038 fit in 32 bits")

	d, err = fsDiskQuotaFromLimits(User(1), Limits{InodeGraceTime: time.Date(2040, 1, 1, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	assert.NotZero(t, d.FieldMask&fsDQBigTime)
	assert.Equal(t, int8(0), d.BTimerHi)
	assert.NotZero(t, d.ITimerHi)
}

func TestFSDiskQuotaUsageInBytes(t *testing.T) {
	l := limitsFromFSDiskQuota(&FSDiskQuota{BCount: 3, BlkHardLimit: 5})
	assert.Equal(t, uint64(1536), l.SpaceUsage)
	assert.Equal(t, uint64(2), l.BlockHardLimit, "odd basic blocks round down")
}

func TestFSDiskQuotaRejectsOverflow(t *testing.T) {
	_, err := fsDiskQuotaFromLimits(User(1), Limits{BlockHardLimit: math.MaxUint64})
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestXFSTimerSplit(t *testing.T) {
	for _, sec := range []int64{0, 1, 1700000000, 1<<31 + 5, 1 << 34} {
		lo, hi := splitXFSTimer(sec)
		assert.Equal(t, sec, xfsTimer(lo, hi), "timer %d", sec)
	}
}

func TestInfoConversion(t *testing.T) {
	info := Info{BlockGrace: 7 * 24 * time.Hour, InodeGrace: time.Hour, Flags: InfoFlagRootSquash}

	d, err := dqinfoFromInfo(info)
	require.NoError(t, err)
	assert.Equal(t, uint32(iifAll), d.Valid)
	assert.Equal(t, info, infoFromDqinfo(&d))

	_, err = dqinfoFromInfo(Info{BlockGrace: -time.Second})
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	x, err := fsDiskQuotaFromInfo(KindUser, Info{BlockGrace: time.Minute, InodeGrace: 2 * time.Minute})
	require.NoError(t, err)
	assert.Equal(t, uint32(0), x.ID)
	assert.Equal(t, uint16(fsDQBTimer|fsDQITimer), x.FieldMask)
	assert.Equal(t, int32(60), x.BTimer)

	_, err = fsDiskQuotaFromInfo(KindUser, Info{Flags: InfoFlagRootSquash})
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}
