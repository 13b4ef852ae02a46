package mount

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/goquota/pkg/quota"
)

// QuotaMount is a mounted filesystem with quota options
type QuotaMount struct {
	Device     string
	Mountpoint string
	FSType     string
	Kinds      []quota.Kind
	// Format is the journaled quota format from jqfmt=, FormatXFS for
	// XFS, or zero when the mount options do not say
	Format quota.Format
}

// Resolver maps paths to the block devices quotactl(2) expects
type Resolver struct {
	getMounts     func(ctx context.Context, filter mountinfo.FilterFunc) ([]MountInfo, error)
	isBlockDevice func(path string) (bool, error)
}

// NewResolver returns a Resolver reading /proc/self/mountinfo
func NewResolver() *Resolver {
	return &Resolver{
		getMounts:     GetMountsWithTimeout,
		isBlockDevice: IsBlockDevice,
	}
}

// ResolveDevice returns path when it is a block device, or the source of
// the filesystem mounted at path. It matches quota.DeviceResolver.
func (r *Resolver) ResolveDevice(path string) (string, error) {
	block, err := r.isBlockDevice(path)
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if block {
		return path, nil
	}

	target := filepath.Clean(path)
	mounts, err := r.getMounts(context.Background(), mountpointFilter(target))
	if err != nil {
		return "", err
	}
	if len(mounts) == 0 {
		return "", fmt.Errorf("%s is neither a block device nor a mount point", path)
	}
	m := mounts[len(mounts)-1]
	klog.V(4).Infof("Resolved mount point %s to %s (%s)", path, m.Source, m.FSType)
	return m.Source, nil
}

// QuotaMounts lists mounted filesystems carrying quota options, sorted by
// device
func (r *Resolver) QuotaMounts(ctx context.Context) ([]QuotaMount, error) {
	mounts, err := r.getMounts(ctx, nil)
	if err != nil {
		return nil, err
	}

	var out []QuotaMount
	seen := make(map[string]bool)
	for _, m := range mounts {
		qm, ok := ParseQuotaOptions(m)
		if !ok || seen[qm.Device] {
			continue
		}
		seen[qm.Device] = true
		out = append(out, qm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Device < out[j].Device })
	klog.V(4).Infof("Found %d filesystems with quota options", len(out))
	return out, nil
}

// ParseQuotaOptions extracts the quota kinds and format from the mount and
// superblock options of m. ok is false when m has no quota options.
func ParseQuotaOptions(m MountInfo) (qm QuotaMount, ok bool) {
	kinds := make(map[quota.Kind]bool)
	var format quota.Format

	for _, opt := range splitOptions(m.Options, m.SuperOptions) {
		name, value, _ := strings.Cut(opt, "=")
		switch name {
		case "quota", "usrquota", "usrjquota", "uquota", "uqnoenforce", "qnoenforce":
			kinds[quota.KindUser] = true
		case "grpquota", "grpjquota", "gquota", "gqnoenforce":
			kinds[quota.KindGroup] = true
		case "prjquota", "pquota", "pqnoenforce":
			kinds[quota.KindProject] = true
		case "jqfmt":
			if f, err := quota.ParseFormat(value); err == nil {
				format = f
			}
		}
	}
	if len(kinds) == 0 {
		return QuotaMount{}, false
	}

	qm = QuotaMount{Device: m.Source, Mountpoint: m.Target, FSType: m.FSType, Format: format}
	if m.FSType == "xfs" {
		qm.Format = quota.FormatXFS
	}
	for _, k := range quota.Kinds {
		if kinds[k] {
			qm.Kinds = append(qm.Kinds, k)
		}
	}
	return qm, true
}

func splitOptions(lists ...string) []string {
	var opts []string
	for _, l := range lists {
		if l == "" {
			continue
		}
		opts = append(opts, strings.Split(l, ",")...)
	}
	return opts
}

// IsBlockDevice reports whether path is a block special file
func IsBlockDevice(path string) (bool, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return false, err
	}
	return st.Mode&unix.S_IFMT == unix.S_IFBLK, nil
}
