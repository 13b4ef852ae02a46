package quota

import (
	"fmt"
	"time"
)

// Kind selects the quota type of an identity
type Kind int

const (
	// KindUser selects user quotas (USRQUOTA)
	KindUser Kind = iota
	// KindGroup selects group quotas (GRPQUOTA)
	KindGroup
	// KindProject selects project quotas (PRJQUOTA, Linux 4.1+)
	KindProject
)

// Kinds lists every supported quota type in kernel order
var Kinds = []Kind{KindUser, KindGroup, KindProject}

func (k Kind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindGroup:
		return "group"
	case KindProject:
		return "project"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Valid reports whether k is a known quota type
func (k Kind) Valid() bool {
	return k >= KindUser && k <= KindProject
}

// ParseKind converts "user", "group" or "project" to a Kind
func ParseKind(s string) (Kind, error) {
	switch s {
	case "user", "usr", "u":
		return KindUser, nil
	case "group", "grp", "g":
		return KindGroup, nil
	case "project", "prj", "p":
		return KindProject, nil
	}
	return 0, fmt.Errorf("%w: unknown quota kind %q", ErrInvalidArgument, s)
}

// MarshalText implements encoding.TextMarshaler
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: unknown quota kind %d", ErrInvalidArgument, int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Format is an on-disk quota accounting format
type Format int

const (
	// FormatVFSOld is the original quota format (QFMT_VFS_OLD)
	FormatVFSOld Format = 1
	// FormatVFSV0 is the 32-bit id vfsv0 format (QFMT_VFS_V0)
	FormatVFSV0 Format = 2
	// FormatVFSV1 is the 64-bit limit vfsv1 format (QFMT_VFS_V1)
	FormatVFSV1 Format = 4
	// FormatXFS is XFS native quota accounting. It has no QFMT id; the
	// kernel addresses it through the Q_X* command family.
	FormatXFS Format = 0x58
)

// Formats lists every supported format
var Formats = []Format{FormatVFSOld, FormatVFSV0, FormatVFSV1, FormatXFS}

func (f Format) String() string {
	switch f {
	case FormatVFSOld:
		return "vfsold"
	case FormatVFSV0:
		return "vfsv0"
	case FormatVFSV1:
		return "vfsv1"
	case FormatXFS:
		return "xfs"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// Valid reports whether f is a known format
func (f Format) Valid() bool {
	switch f {
	case FormatVFSOld, FormatVFSV0, FormatVFSV1, FormatXFS:
		return true
	}
	return false
}

// IsXFS reports whether requests for f use the XFS command family
func (f Format) IsXFS() bool {
	return f == FormatXFS
}

// ParseFormat converts a format name to a Format
func ParseFormat(s string) (Format, error) {
	for _, f := range Formats {
		if f.String() == s {
			return f, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown quota format %q", ErrInvalidArgument, s)
}

// MarshalText implements encoding.TextMarshaler
func (f Format) MarshalText() ([]byte, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("%w: unknown quota format %d", ErrInvalidArgument, int(f))
	}
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (f *Format) UnmarshalText(text []byte) error {
	parsed, err := ParseFormat(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// Limits is the quota record of one identity on one device.
//
// Block limits are in 1 KiB blocks; zero means unlimited. SpaceUsage is
// in bytes. Grace times are the instants at which an exceeded soft limit
// turns into a hard one; the zero time means no grace period is running.
type Limits struct {
	BlockSoftLimit uint64    `json:"blockSoftLimit"`
	BlockHardLimit uint64    `json:"blockHardLimit"`
	SpaceUsage     uint64    `json:"spaceUsage"`
	InodeSoftLimit uint64    `json:"inodeSoftLimit"`
	InodeHardLimit uint64    `json:"inodeHardLimit"`
	InodeUsage     uint64    `json:"inodeUsage"`
	BlockGraceTime time.Time `json:"blockGraceTime"`
	InodeGraceTime time.Time `json:"inodeGraceTime"`
}

// IsZero reports whether the record carries no limits, usage or grace times
func (l Limits) IsZero() bool {
	return l.BlockSoftLimit == 0 && l.BlockHardLimit == 0 && l.SpaceUsage == 0 &&
		l.InodeSoftLimit == 0 && l.InodeHardLimit == 0 && l.InodeUsage == 0 &&
		l.BlockGraceTime.IsZero() && l.InodeGraceTime.IsZero()
}

// Validate checks the limits for internal consistency. A soft limit above
// a non-zero hard limit is rejected rather than clamped.
func (l Limits) Validate() error {
	if l.BlockHardLimit != 0 && l.BlockSoftLimit > l.BlockHardLimit {
		return fmt.Errorf("%w: block soft limit %d exceeds hard limit %d",
			ErrInvalidArgument, l.BlockSoftLimit, l.BlockHardLimit)
	}
	if l.InodeHardLimit != 0 && l.InodeSoftLimit > l.InodeHardLimit {
		return fmt.Errorf("%w: inode soft limit %d exceeds hard limit %d",
			ErrInvalidArgument, l.InodeSoftLimit, l.InodeHardLimit)
	}
	return nil
}

// Entry is a quota record together with the identity it belongs to
type Entry struct {
	Identity Identity `json:"identity"`
	Limits   Limits   `json:"limits"`
}

// InfoFlags are the DQF_* flags of a quota file
type InfoFlags uint32

const (
	// InfoFlagRootSquash makes root subject to quota limits (DQF_ROOT_SQUASH)
	InfoFlagRootSquash InfoFlags = 1 << 0
	// InfoFlagSysFile marks quota stored in a hidden system file (DQF_SYS_FILE)
	InfoFlagSysFile InfoFlags = 1 << 16
)

// Info describes the quota file of one kind on one device
type Info struct {
	BlockGrace time.Duration `json:"blockGrace"`
	InodeGrace time.Duration `json:"inodeGrace"`
	Flags      InfoFlags     `json:"flags"`
}
