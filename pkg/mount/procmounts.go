package mount

import (
	"context"
	"fmt"
	"time"

	"github.com/moby/sys/mountinfo"
	"k8s.io/klog/v2"
)

// ProcmountsTimeout is the maximum time to wait for /proc/self/mountinfo parsing
const ProcmountsTimeout = 10 * time.Second

// MountInfo is the part of a /proc/self/mountinfo entry quota tooling needs
type MountInfo struct {
	// Source is the mounted device (field 10)
	Source string

	// Target is the mount point path (field 5)
	Target string

	// FSType is the filesystem type (field 9)
	FSType string

	// Options are the per-mount options (field 6)
	Options string

	// SuperOptions are the per-superblock options (field 11), where the
	// quota options live
	SuperOptions string
}

// ConvertMobyMount converts moby/sys/mountinfo.Info to our MountInfo type
func ConvertMobyMount(m *mountinfo.Info) MountInfo {
	return MountInfo{
		Source:       m.Source,
		Target:       m.Mountpoint,
		FSType:       m.FSType,
		Options:      m.Options,
		SuperOptions: m.VFSOptions,
	}
}

// GetMountsWithTimeout parses mount information with a timeout to prevent
// hangs on wedged filesystems. filter may be nil.
func GetMountsWithTimeout(ctx context.Context, filter mountinfo.FilterFunc) ([]MountInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("mountinfo read cancelled: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, ProcmountsTimeout)
	defer cancel()

	type result struct {
		mounts []*mountinfo.Info
		err    error
	}
	resultCh := make(chan result, 1)

	go func() {
		mounts, err := mountinfo.GetMounts(filter)
		resultCh <- result{mounts: mounts, err: err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, fmt.Errorf("failed to read mountinfo: %w", res.err)
		}
		mounts := make([]MountInfo, 0, len(res.mounts))
		for _, m := range res.mounts {
			mounts = append(mounts, ConvertMobyMount(m))
		}
		klog.V(5).Infof("Parsed %d mount points from /proc/self/mountinfo", len(mounts))
		return mounts, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("procmounts parsing timed out after %v: %w", ProcmountsTimeout, ctx.Err())
	}
}

// FindMount returns the mount whose mount point is target
func FindMount(ctx context.Context, target string) (*MountInfo, error) {
	mounts, err := GetMountsWithTimeout(ctx, mountpointFilter(target))
	if err != nil {
		return nil, err
	}
	if len(mounts) == 0 {
		return nil, fmt.Errorf("mount point not found: %s", target)
	}
	// the last entry is the one visible at target
	m := mounts[len(mounts)-1]
	klog.V(4).Infof("Found mount for %s: source=%s, fstype=%s", target, m.Source, m.FSType)
	return &m, nil
}

// mountpointFilter keeps every entry mounted at target, including
// overmounts
func mountpointFilter(target string) mountinfo.FilterFunc {
	return func(m *mountinfo.Info) (skip, stop bool) {
		return m.Mountpoint != target, false
	}
}
