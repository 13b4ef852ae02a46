package quota

import (
	"fmt"
	"math"
	"time"
)

// basic blocks per QIF_DQBLKSIZE block
const bbPerBlock = dqBlkSize / basicBlockSize

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

func unixSeconds(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func secondsDuration(sec int64) time.Duration {
	return time.Duration(sec) * time.Second
}

func limitsFromDqblk(d *Dqblk) Limits {
	return Limits{
		BlockSoftLimit: d.BSoftLimit,
		BlockHardLimit: d.BHardLimit,
		SpaceUsage:     d.CurSpace,
		InodeSoftLimit: d.ISoftLimit,
		InodeHardLimit: d.IHardLimit,
		InodeUsage:     d.CurInodes,
		BlockGraceTime: unixTime(int64(d.BTime)),
		InodeGraceTime: unixTime(int64(d.ITime)),
	}
}

func limitsFromNextDqblk(d *NextDqblk) Limits {
	return limitsFromDqblk(&Dqblk{
		BHardLimit: d.BHardLimit,
		BSoftLimit: d.BSoftLimit,
		CurSpace:   d.CurSpace,
		IHardLimit: d.IHardLimit,
		ISoftLimit: d.ISoftLimit,
		CurInodes:  d.CurInodes,
		BTime:      d.BTime,
		ITime:      d.ITime,
		Valid:      d.Valid,
	})
}

// dqblkFromLimits fills the settable part of an if_dqblk. Usage is never
// sent; grace times are sent only when set.
func dqblkFromLimits(l Limits) Dqblk {
	d := Dqblk{
		BHardLimit: l.BlockHardLimit,
		BSoftLimit: l.BlockSoftLimit,
		IHardLimit: l.InodeHardLimit,
		ISoftLimit: l.InodeSoftLimit,
		Valid:      qifLimits,
	}
	if !l.BlockGraceTime.IsZero() {
		d.BTime = uint64(unixSeconds(l.BlockGraceTime))
		d.Valid |= qifBTime
	}
	if !l.InodeGraceTime.IsZero() {
		d.ITime = uint64(unixSeconds(l.InodeGraceTime))
		d.Valid |= qifITime
	}
	return d
}

// xfsTimer joins the 32 low bits and 8 signed high bits of an XFS timer
func xfsTimer(lo int32, hi int8) int64 {
	return int64(uint32(lo)) | int64(hi)<<32
}

// splitXFSTimer is the inverse of xfsTimer
func splitXFSTimer(sec int64) (int32, int8) {
	return int32(uint32(sec)), int8(sec >> 32)
}

func limitsFromFSDiskQuota(d *FSDiskQuota) Limits {
	return Limits{
		BlockSoftLimit: d.BlkSoftLimit / bbPerBlock,
		BlockHardLimit: d.BlkHardLimit / bbPerBlock,
		SpaceUsage:     d.BCount * basicBlockSize,
		InodeSoftLimit: d.InoSoftLimit,
		InodeHardLimit: d.InoHardLimit,
		InodeUsage:     d.ICount,
		BlockGraceTime: unixTime(xfsTimer(d.BTimer, d.BTimerHi)),
		InodeGraceTime: unixTime(xfsTimer(d.ITimer, d.ITimerHi)),
	}
}

// fsDiskQuotaFromLimits builds the Q_XSETQLIM request for ident. Limits
// too large to express in basic blocks are rejected.
func fsDiskQuotaFromLimits(ident Identity, l Limits) (FSDiskQuota, error) {
	const maxBlocks = math.MaxUint64 / bbPerBlock
	if l.BlockSoftLimit > maxBlocks || l.BlockHardLimit > maxBlocks {
		return FSDiskQuota{}, fmt.Errorf("%w: block limits exceed %d blocks", ErrInvalidArgument, uint64(maxBlocks))
	}
	d := FSDiskQuota{
		Version:      fsDquotVersion,
		Flags:        xfsKindFlag(ident.Kind),
		FieldMask:    fsDQBSoft | fsDQBHard | fsDQISoft | fsDQIHard,
		ID:           ident.ID,
		BlkHardLimit: l.BlockHardLimit * bbPerBlock,
		BlkSoftLimit: l.BlockSoftLimit * bbPerBlock,
		InoHardLimit: l.InodeHardLimit,
		InoSoftLimit: l.InodeSoftLimit,
	}
	if !l.BlockGraceTime.IsZero() {
		d.BTimer, d.BTimerHi = splitXFSTimer(unixSeconds(l.BlockGraceTime))
		d.FieldMask |= fsDQBTimer
	}
	if !l.InodeGraceTime.IsZero() {
		d.ITimer, d.ITimerHi = splitXFSTimer(unixSeconds(l.InodeGraceTime))
		d.FieldMask |= fsDQITimer
	}
	if d.BTimerHi != 0 || d.ITimerHi != 0 {
		d.FieldMask |= fsDQBigTime
	}
	return d, nil
}

func infoFromDqinfo(d *Dqinfo) Info {
	return Info{
		BlockGrace: secondsDuration(int64(d.BGrace)),
		InodeGrace: secondsDuration(int64(d.IGrace)),
		Flags:      InfoFlags(d.Flags),
	}
}

func dqinfoFromInfo(info Info) (Dqinfo, error) {
	if info.BlockGrace < 0 || info.InodeGrace < 0 {
		return Dqinfo{}, fmt.Errorf("%w: grace periods cannot be negative", ErrInvalidArgument)
	}
	return Dqinfo{
		BGrace: uint64(info.BlockGrace / time.Second),
		IGrace: uint64(info.InodeGrace / time.Second),
		Flags:  uint32(info.Flags),
		Valid:  iifAll,
	}, nil
}

func infoFromFSQuotaStat(s *FSQuotaStat) Info {
	return Info{
		BlockGrace: secondsDuration(int64(s.BTimeLimit)),
		InodeGrace: secondsDuration(int64(s.ITimeLimit)),
	}
}

// fsDiskQuotaFromInfo builds the id 0 record that carries XFS grace periods
func fsDiskQuotaFromInfo(kind Kind, info Info) (FSDiskQuota, error) {
	if info.BlockGrace < 0 || info.InodeGrace < 0 {
		return FSDiskQuota{}, fmt.Errorf("%w: grace periods cannot be negative", ErrInvalidArgument)
	}
	if info.Flags != 0 {
		return FSDiskQuota{}, fmt.Errorf("%w: xfs quota info has no flags", ErrInvalidArgument)
	}
	bgrace := int64(info.BlockGrace / time.Second)
	igrace := int64(info.InodeGrace / time.Second)
	if bgrace > math.MaxInt32 || igrace > math.MaxInt32 {
		return FSDiskQuota{}, fmt.Errorf("%w: grace periods exceed %d seconds", ErrInvalidArgument, math.MaxInt32)
	}
	return FSDiskQuota{
		Version:   fsDquotVersion,
		Flags:     xfsKindFlag(kind),
		FieldMask: fsDQBTimer | fsDQITimer,
		BTimer:    int32(bgrace),
		ITimer:    int32(igrace),
	}, nil
}
