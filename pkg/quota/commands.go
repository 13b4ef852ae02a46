package quota

import "fmt"

// Operation is a logical quota operation
type Operation int

const (
	OpGetQuota Operation = iota
	OpSetQuota
	OpGetNextQuota
	OpGetFormat
	OpGetInfo
	OpSetInfo
	OpSync
	OpQuotaOn
	OpQuotaOff
	// OpGetState reads the quota state of a filesystem (Q_XGETQSTAT). It is
	// used to recognise XFS accounting, which has no Q_GETFMT answer.
	OpGetState
)

var operationNames = map[Operation]string{
	OpGetQuota:     "get_quota",
	OpSetQuota:     "set_quota",
	OpGetNextQuota: "get_next_quota",
	OpGetFormat:    "get_format",
	OpGetInfo:      "get_info",
	OpSetInfo:      "set_info",
	OpSync:         "sync",
	OpQuotaOn:      "quota_on",
	OpQuotaOff:     "quota_off",
	OpGetState:     "get_state",
}

func (o Operation) String() string {
	if name, ok := operationNames[o]; ok {
		return name
	}
	return fmt.Sprintf("operation(%d)", int(o))
}

// layout identifies the memory the kernel expects behind the addr argument
type layout int

const (
	layoutNone        layout = iota // addr is NULL
	layoutDqblk                     // *Dqblk
	layoutNextDqblk                 // *NextDqblk
	layoutDqinfo                    // *Dqinfo
	layoutFormatID                  // *uint32 receiving a QFMT id
	layoutPath                      // NUL terminated quota file path
	layoutFSDiskQuota               // *FSDiskQuota
	layoutFSQuotaStat               // *FSQuotaStat
	layoutXFSFlags                  // *uint32 holding FS_QUOTA_* flags
)

func (l layout) String() string {
	switch l {
	case layoutNone:
		return "none"
	case layoutDqblk:
		return "if_dqblk"
	case layoutNextDqblk:
		return "if_nextdqblk"
	case layoutDqinfo:
		return "if_dqinfo"
	case layoutFormatID:
		return "format_id"
	case layoutPath:
		return "path"
	case layoutFSDiskQuota:
		return "fs_disk_quota"
	case layoutFSQuotaStat:
		return "fs_quota_stat"
	case layoutXFSFlags:
		return "xfs_flags"
	}
	return fmt.Sprintf("layout(%d)", int(l))
}

// command pairs a quotactl subcommand with the layout of its addr argument
type command struct {
	sub    uint32
	layout layout
}

// vfsCommands serves FormatVFSOld, FormatVFSV0 and FormatVFSV1
var vfsCommands = map[Operation]command{
	OpGetQuota:     {qGetQuota, layoutDqblk},
	OpSetQuota:     {qSetQuota, layoutDqblk},
	OpGetNextQuota: {qGetNextQuota, layoutNextDqblk},
	OpGetFormat:    {qGetFmt, layoutFormatID},
	OpGetInfo:      {qGetInfo, layoutDqinfo},
	OpSetInfo:      {qSetInfo, layoutDqinfo},
	OpSync:         {qSync, layoutNone},
	OpQuotaOn:      {qQuotaOn, layoutPath},
	OpQuotaOff:     {qQuotaOff, layoutNone},
	OpGetState:     {qXGetQStat, layoutFSQuotaStat},
}

// xfsCommands serves FormatXFS. Grace periods live in the id 0 record, so
// set_info goes through Q_XSETQLIM.
var xfsCommands = map[Operation]command{
	OpGetQuota:     {qXGetQuota, layoutFSDiskQuota},
	OpSetQuota:     {qXSetQLim, layoutFSDiskQuota},
	OpGetNextQuota: {qXGetNextQuota, layoutFSDiskQuota},
	OpGetFormat:    {qGetFmt, layoutFormatID},
	OpGetInfo:      {qXGetQStat, layoutFSQuotaStat},
	OpSetInfo:      {qXSetQLim, layoutFSDiskQuota},
	OpSync:         {qXQuotaSync, layoutNone},
	OpQuotaOn:      {qXQuotaOn, layoutXFSFlags},
	OpQuotaOff:     {qXQuotaOff, layoutXFSFlags},
	OpGetState:     {qXGetQStat, layoutFSQuotaStat},
}

// commandFor looks up the subcommand and layout for op under format
func commandFor(op Operation, format Format) (command, error) {
	if !format.Valid() {
		return command{}, fmt.Errorf("%w: unknown quota format %d", ErrInvalidArgument, int(format))
	}
	table := vfsCommands
	if format.IsXFS() {
		table = xfsCommands
	}
	cmd, ok := table[op]
	if !ok {
		return command{}, fmt.Errorf("%w: %s has no %s command", ErrNotSupported, format, op)
	}
	return cmd, nil
}

// qcmd is QCMD(cmd, type)
func qcmd(sub uint32, kind Kind) uint32 {
	return sub<<subCmdShift | uint32(kind)&subCmdMask
}

// splitCmd undoes qcmd
func splitCmd(cmd uint32) (uint32, Kind) {
	return cmd >> subCmdShift, Kind(cmd & subCmdMask)
}

// xfsQuotaFlags returns the accounting and enforcement flags of kind
func xfsQuotaFlags(kind Kind) (acct, enfd uint32) {
	switch kind {
	case KindGroup:
		return fsQuotaGDQAcct, fsQuotaGDQEnfd
	case KindProject:
		return fsQuotaPDQAcct, fsQuotaPDQEnfd
	default:
		return fsQuotaUDQAcct, fsQuotaUDQEnfd
	}
}

// xfsKindFlag returns the d_flags value of kind
func xfsKindFlag(kind Kind) int8 {
	switch kind {
	case KindGroup:
		return fsGroupQuota
	case KindProject:
		return fsProjQuota
	default:
		return fsUserQuota
	}
}

// Call is one quotactl(2) invocation.
//
// Addr holds the payload matching the command's layout: a *Dqblk,
// *NextDqblk, *Dqinfo, *FSDiskQuota, *FSQuotaStat, a *uint32 for format ids
// and XFS flags, a string for quota file paths, or nil.
type Call struct {
	Op     Operation
	Cmd    uint32
	Device string
	ID     uint32
	Addr   any
}

func (c *Call) String() string {
	sub, kind := splitCmd(c.Cmd)
	return fmt.Sprintf("quotactl(%s cmd=%#x sub=%#x type=%s dev=%q id=%d addr=%T)",
		c.Op, c.Cmd, sub, kind, c.Device, c.ID, c.Addr)
}

// checkPayload verifies that addr has the Go type the layout requires
func checkPayload(l layout, addr any) error {
	ok := false
	switch l {
	case layoutNone:
		ok = addr == nil
	case layoutDqblk:
		_, ok = addr.(*Dqblk)
	case layoutNextDqblk:
		_, ok = addr.(*NextDqblk)
	case layoutDqinfo:
		_, ok = addr.(*Dqinfo)
	case layoutFormatID, layoutXFSFlags:
		_, ok = addr.(*uint32)
	case layoutPath:
		_, ok = addr.(string)
	case layoutFSDiskQuota:
		_, ok = addr.(*FSDiskQuota)
	case layoutFSQuotaStat:
		_, ok = addr.(*FSQuotaStat)
	}
	if !ok {
		return fmt.Errorf("%w: payload %T does not match layout %s", ErrInvalidArgument, addr, l)
	}
	return nil
}
