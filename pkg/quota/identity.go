package quota

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"
)

// invalidID is (qid_t)-1, which the kernel reserves as "no id"
const invalidID = math.MaxUint32

// Identity names the user, group or project a quota record belongs to
type Identity struct {
	Kind Kind   `json:"kind"`
	ID   uint32 `json:"id"`
}

// NewIdentity builds an Identity, rejecting ids the kernel cannot represent
func NewIdentity(kind Kind, id int64) (Identity, error) {
	ident := Identity{Kind: kind}
	if id < 0 || id >= invalidID {
		return ident, fmt.Errorf("%w: %s id %d out of range [0, %d)", ErrInvalidArgument, kind, id, uint32(invalidID))
	}
	ident.ID = uint32(id)
	return ident, ident.Validate()
}

// User returns the identity of user uid
func User(uid uint32) Identity { return Identity{Kind: KindUser, ID: uid} }

// Group returns the identity of group gid
func Group(gid uint32) Identity { return Identity{Kind: KindGroup, ID: gid} }

// Project returns the identity of project prjid
func Project(prjid uint32) Identity { return Identity{Kind: KindProject, ID: prjid} }

// Validate checks that the identity can be passed to the kernel
func (i Identity) Validate() error {
	if !i.Kind.Valid() {
		return fmt.Errorf("%w: unknown quota kind %d", ErrInvalidArgument, int(i.Kind))
	}
	if i.ID == invalidID {
		return fmt.Errorf("%w: %s id %d is reserved", ErrInvalidArgument, i.Kind, i.ID)
	}
	return nil
}

func (i Identity) String() string {
	return fmt.Sprintf("%s %d", i.Kind, i.ID)
}

// ValidateDevice checks the shape of a device path. It does not touch the
// filesystem; existence and type are left to the kernel.
func ValidateDevice(device string) error {
	if device == "" {
		return fmt.Errorf("%w: device path cannot be empty", ErrInvalidArgument)
	}
	if strings.ContainsRune(device, 0) {
		return fmt.Errorf("%w: device path contains a NUL byte", ErrInvalidArgument)
	}
	if !filepath.IsAbs(device) {
		return fmt.Errorf("%w: device path must be absolute: %s", ErrInvalidArgument, device)
	}
	return nil
}
