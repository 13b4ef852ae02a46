package cmd

import (
	"fmt"
	"math"
	"os/user"
	"strconv"

	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/api/resource"

	"git.srvlab.io/whiskey/goquota/pkg/quota"
)

// identityFlags select one user, group or project
type identityFlags struct {
	user    string
	group   string
	project string
}

func (f *identityFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.user, "user", "u", "", "user name or uid")
	cmd.Flags().StringVarP(&f.group, "group", "g", "", "group name or gid")
	cmd.Flags().StringVarP(&f.project, "project", "p", "", "project id")
	cmd.MarkFlagsMutuallyExclusive("user", "group", "project")
	cmd.MarkFlagsOneRequired("user", "group", "project")
}

func (f *identityFlags) identity() (quota.Identity, error) {
	switch {
	case f.user != "":
		return lookupIdentity(quota.KindUser, f.user)
	case f.group != "":
		return lookupIdentity(quota.KindGroup, f.group)
	case f.project != "":
		return lookupIdentity(quota.KindProject, f.project)
	}
	return quota.Identity{}, fmt.Errorf("%w: one of --user, --group or --project is required", quota.ErrInvalidArgument)
}

// lookupIdentity accepts a numeric id or, for users and groups, a name
func lookupIdentity(kind quota.Kind, s string) (quota.Identity, error) {
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		return quota.NewIdentity(kind, id)
	}

	var idStr string
	switch kind {
	case quota.KindUser:
		u, err := user.Lookup(s)
		if err != nil {
			return quota.Identity{}, fmt.Errorf("%w: %v", quota.ErrInvalidArgument, err)
		}
		idStr = u.Uid
	case quota.KindGroup:
		g, err := user.LookupGroup(s)
		if err != nil {
			return quota.Identity{}, fmt.Errorf("%w: %v", quota.ErrInvalidArgument, err)
		}
		idStr = g.Gid
	default:
		return quota.Identity{}, fmt.Errorf("%w: project id must be numeric: %q", quota.ErrInvalidArgument, s)
	}

	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return quota.Identity{}, fmt.Errorf("%w: %s resolved to non-numeric id %q", quota.ErrInvalidArgument, s, idStr)
	}
	return quota.NewIdentity(kind, id)
}

// kindFlag selects a quota type for commands working on a whole quota file
type kindFlag struct {
	name string
}

func (f *kindFlag) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.name, "kind", "k", "user", "quota type: user, group or project")
}

func (f *kindFlag) kind() (quota.Kind, error) {
	return quota.ParseKind(f.name)
}

// parseBlocks converts a size such as 10Gi or 500M to 1 KiB quota blocks,
// rounding up
func parseBlocks(s string) (uint64, error) {
	q, err := resource.ParseQuantity(s)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid size %q: %v", quota.ErrInvalidArgument, s, err)
	}
	if q.Sign() < 0 {
		return 0, fmt.Errorf("%w: size must not be negative: %s", quota.ErrInvalidArgument, s)
	}
	if q.Cmp(*resource.NewQuantity(math.MaxInt64, resource.BinarySI)) > 0 {
		return 0, fmt.Errorf("%w: size out of range: %s", quota.ErrInvalidArgument, s)
	}
	// Value rounds fractional bytes up
	bytes := q.Value()
	return uint64(bytes/1024) + boolToUint(bytes%1024 != 0), nil
}

// parseCount converts an inode count such as 10k or 2M
func parseCount(s string) (uint64, error) {
	q, err := resource.ParseQuantity(s)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid count %q: %v", quota.ErrInvalidArgument, s, err)
	}
	if q.Sign() < 0 {
		return 0, fmt.Errorf("%w: count must not be negative: %s", quota.ErrInvalidArgument, s)
	}
	n, ok := q.AsInt64()
	if !ok {
		return 0, fmt.Errorf("%w: count out of range or fractional: %s", quota.ErrInvalidArgument, s)
	}
	return uint64(n), nil
}

func boolToUint(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// formatBytes renders a byte count the way sizes are accepted, e.g. 10Gi
func formatBytes(n uint64) string {
	if n > math.MaxInt64 {
		return strconv.FormatUint(n, 10)
	}
	return resource.NewQuantity(int64(n), resource.BinarySI).String()
}

// formatBlocks renders a limit in 1 KiB blocks, "none" for zero
func formatBlocks(blocks uint64) string {
	if blocks == 0 {
		return "none"
	}
	if blocks > math.MaxInt64/1024 {
		return strconv.FormatUint(blocks, 10) + "Ki"
	}
	return formatBytes(blocks * 1024)
}

// formatCount renders an inode limit, "none" for zero
func formatCount(n uint64) string {
	if n == 0 {
		return "none"
	}
	return strconv.FormatUint(n, 10)
}
