package quota

// Kernel ABI for quotactl(2). The layouts below mirror
// include/uapi/linux/quota.h and include/uapi/linux/dqblk_xfs.h field for
// field; the kernel reads them by offset, so field order and widths must
// not change. Sizes are pinned in abi_test.go.

const (
	subCmdShift = 8
	subCmdMask  = 0x00ff

	// VFS quota subcommands
	qSync         = 0x800001
	qQuotaOn      = 0x800002
	qQuotaOff     = 0x800003
	qGetFmt       = 0x800004
	qGetInfo      = 0x800005
	qSetInfo      = 0x800006
	qGetQuota     = 0x800007
	qSetQuota     = 0x800008
	qGetNextQuota = 0x800009

	// XFS quota subcommands: XQM_CMD(x) is ('X'<<8)+x
	qXQuotaOn      = 0x5801
	qXQuotaOff     = 0x5802
	qXGetQuota     = 0x5803
	qXSetQLim      = 0x5804
	qXGetQStat     = 0x5805
	qXQuotaSync    = 0x5807
	qXGetNextQuota = 0x5809
)

// dqb_valid bits
const (
	qifBLimits = 1 << iota
	qifSpace
	qifILimits
	qifInodes
	qifBTime
	qifITime

	qifLimits = qifBLimits | qifILimits
	qifUsage  = qifSpace | qifInodes
	qifTimes  = qifBTime | qifITime
	qifAll    = qifLimits | qifUsage | qifTimes
)

// dqi_valid bits
const (
	iifBGrace = 1 << iota
	iifIGrace
	iifFlags

	iifAll = iifBGrace | iifIGrace | iifFlags
)

// XFS constants
const (
	fsDquotVersion = 1

	fsUserQuota  = 1
	fsProjQuota  = 2
	fsGroupQuota = 4

	// d_fieldmask bits
	fsDQISoft  = 1 << 0
	fsDQIHard  = 1 << 1
	fsDQBSoft  = 1 << 2
	fsDQBHard  = 1 << 3
	fsDQBTimer = 1 << 6
	fsDQITimer = 1 << 7
	// the *TimerHi bytes are only read and written with FS_DQ_BIGTIME
	fsDQBigTime = 1 << 11

	// qs_flags and Q_XQUOTAON/OFF flags
	fsQuotaUDQAcct = 1 << 0
	fsQuotaUDQEnfd = 1 << 1
	fsQuotaGDQAcct = 1 << 2
	fsQuotaGDQEnfd = 1 << 3
	fsQuotaPDQAcct = 1 << 4
	fsQuotaPDQEnfd = 1 << 5

	// XFS counts space in 512 byte basic blocks
	basicBlockSize = 512
)

// dqBlkSize is QIF_DQBLKSIZE, the unit of dqb_bhardlimit and dqb_bsoftlimit
const dqBlkSize = 1024

// Dqblk is struct if_dqblk. Tail padding, like in the other structs, is
// left to the compiler so that sizes follow the C ABI of each GOARCH
// (u64 is only 4 byte aligned on 386).
type Dqblk struct {
	BHardLimit uint64
	BSoftLimit uint64
	CurSpace   uint64
	IHardLimit uint64
	ISoftLimit uint64
	CurInodes  uint64
	BTime      uint64
	ITime      uint64
	Valid      uint32
}

// NextDqblk is struct if_nextdqblk
type NextDqblk struct {
	BHardLimit uint64
	BSoftLimit uint64
	CurSpace   uint64
	IHardLimit uint64
	ISoftLimit uint64
	CurInodes  uint64
	BTime      uint64
	ITime      uint64
	Valid      uint32
	ID         uint32
}

// Dqinfo is struct if_dqinfo
type Dqinfo struct {
	BGrace uint64
	IGrace uint64
	Flags  uint32
	Valid  uint32
}

// FSDiskQuota is struct fs_disk_quota
type FSDiskQuota struct {
	Version      int8
	Flags        int8
	FieldMask    uint16
	ID           uint32
	BlkHardLimit uint64
	BlkSoftLimit uint64
	InoHardLimit uint64
	InoSoftLimit uint64
	BCount       uint64
	ICount       uint64
	ITimer       int32
	BTimer       int32
	IWarns       uint16
	BWarns       uint16
	ITimerHi     int8
	BTimerHi     int8
	RTBTimerHi   int8
	_            int8
	RTBHardLimit uint64
	RTBSoftLimit uint64
	RTBCount     uint64
	RTBTimer     int32
	RTBWarns     uint16
	_            int16
	_            [8]byte
}

// FSQFileStat is struct fs_qfilestat
type FSQFileStat struct {
	Ino      uint64
	NBlks    uint64
	NExtents uint32
}

// FSQuotaStat is struct fs_quota_stat
type FSQuotaStat struct {
	Version      int8
	_            int8
	Flags        uint16
	Pad          int8
	_            [3]byte
	UQuota       FSQFileStat
	GQuota       FSQFileStat
	InCoreDQs    uint32
	BTimeLimit   int32
	ITimeLimit   int32
	RTBTimeLimit int32
	BWarnLimit   uint16
	IWarnLimit   uint16
}
