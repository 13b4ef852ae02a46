package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"git.srvlab.io/whiskey/goquota/pkg/config"
	"git.srvlab.io/whiskey/goquota/pkg/quota"
)

const testDevice = "/dev/sda1"

func newTestApp(fk *quota.FakeKernel) (*app, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return &app{
		v:      config.NewViper(),
		kernel: fk,
		out:    out,
	}, out
}

// run executes one goquota invocation against fk and returns its stdout
func run(t *testing.T, fk *quota.FakeKernel, args ...string) (string, error) {
	t.Helper()
	a, out := newTestApp(fk)
	root := newRootCommand(a)
	root.SetArgs(args)
	root.SetErr(&bytes.Buffer{})
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func newVFSKernel() *quota.FakeKernel {
	fk := quota.NewFakeKernel()
	fk.EnableQuota(testDevice, quota.KindUser, quota.FormatVFSV1)
	fk.EnableQuota(testDevice, quota.KindGroup, quota.FormatVFSV1)
	return fk
}

func TestSetAndGet(t *testing.T) {
	fk := newVFSKernel()
	fk.SetUsage(testDevice, quota.User(1000), 4096, 3)

	_, err := run(t, fk, "set", testDevice, "--user", "1000",
		"--block-soft", "1000Ki", "--block-hard", "1100Ki", "--inode-soft", "100", "--inode-hard", "110")
	require.NoError(t, err)

	out, err := run(t, fk, "get", testDevice, "-u", "1000")
	require.NoError(t, err)
	assert.Contains(t, out, "DEVICE")
	assert.Regexp(t, `/dev/sda1\s+user\s+1000\s+4Ki\s+1000Ki\s+1100Ki\s+-\s+3\s+100\s+110\s+-`, out)

	out, err = run(t, fk, "get", testDevice, "-u", "1000", "-o", "json")
	require.NoError(t, err)
	var r quotaRecord
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	assert.Equal(t, "vfsv1", r.Format)
	assert.Equal(t, quota.User(1000), r.Identity)
	assert.Equal(t, uint64(1000), r.Limits.BlockSoftLimit)
	assert.Equal(t, uint64(1100), r.Limits.BlockHardLimit)
	assert.Equal(t, uint64(4096), r.Limits.SpaceUsage)
	assert.Equal(t, uint64(110), r.Limits.InodeHardLimit)
}

func TestSet_KeepsUnchangedLimits(t *testing.T) {
	fk := newVFSKernel()
	_, err := run(t, fk, "set", testDevice, "-g", "100", "--block-soft", "1Mi", "--block-hard", "2Mi", "--inode-hard", "50")
	require.NoError(t, err)
	_, err = run(t, fk, "set", testDevice, "-g", "100", "--format", "vfsv1", "--block-hard", "4Mi")
	require.NoError(t, err)

	out, err := run(t, fk, "get", testDevice, "-g", "100", "-o", "json")
	require.NoError(t, err)
	var r quotaRecord
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	assert.Equal(t, quota.Limits{BlockSoftLimit: 1024, BlockHardLimit: 4096, InodeHardLimit: 50}, r.Limits)
}

func TestSet_GraceTime(t *testing.T) {
	fk := newVFSKernel()
	before := time.Now().Truncate(time.Second)
	_, err := run(t, fk, "set", testDevice, "-u", "1000", "--block-soft", "1Mi", "--block-grace", "1h")
	require.NoError(t, err)

	out, err := run(t, fk, "get", testDevice, "-u", "1000", "-o", "json")
	require.NoError(t, err)
	var r quotaRecord
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	assert.WithinDuration(t, before.Add(time.Hour), r.Limits.BlockGraceTime, 2*time.Second)
	assert.True(t, r.Limits.InodeGraceTime.IsZero())
}

func TestSet_Errors(t *testing.T) {
	fk := newVFSKernel()

	tests := []struct {
		name string
		args []string
		want error
	}{
		{"no limits", []string{"set", testDevice, "-u", "1000"}, quota.ErrInvalidArgument},
		{"soft above hard", []string{"set", testDevice, "-u", "1000", "--block-soft", "2Mi", "--block-hard", "1Mi"}, quota.ErrInvalidArgument},
		{"bad size", []string{"set", testDevice, "-u", "1000", "--block-soft", "ten"}, quota.ErrInvalidArgument},
		{"negative size", []string{"set", testDevice, "-u", "1000", "--inode-hard", "-5"}, quota.ErrInvalidArgument},
		{"negative grace", []string{"set", testDevice, "-u", "1000", "--block-grace", "-1h"}, quota.ErrInvalidArgument},
		{"bad id", []string{"set", testDevice, "-u", "-1", "--block-soft", "1Mi"}, quota.ErrInvalidArgument},
		{"wrong format", []string{"set", testDevice, "-u", "1000", "-f", "vfsv0", "--block-soft", "1Mi"}, quota.ErrNotSupported},
		{"quotas off", []string{"set", testDevice, "-p", "7", "--block-soft", "1Mi"}, quota.ErrNotSupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, fk, tt.args...)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestGet_Errors(t *testing.T) {
	fk := newVFSKernel()

	_, err := run(t, fk, "get", testDevice, "-u", "1000")
	assert.Equal(t, ExitNotFound, ExitCode(err))

	fk.SetCaller(1000, 1000, false)
	_, err = run(t, fk, "get", testDevice, "-u", "1001")
	assert.Equal(t, ExitPermission, ExitCode(err))

	fk.SetCaller(0, 0, true)
	fk.InjectError(quota.OpGetQuota, unix.EIO)
	_, err = run(t, fk, "get", testDevice, "-u", "1000")
	assert.Equal(t, ExitIO, ExitCode(err))

	_, err = run(t, fk, "get", testDevice)
	assert.Error(t, err, "an identity is required")

	_, err = run(t, fk, "get", testDevice, "-u", "1", "-g", "1")
	assert.Error(t, err, "identities are exclusive")

	_, err = run(t, fk, "get", testDevice, "-u", "1", "-o", "yaml")
	assert.Equal(t, ExitInvalidArgument, ExitCode(err))
}

func TestNext(t *testing.T) {
	fk := newVFSKernel()
	for _, uid := range []uint32{10, 20, 30} {
		fk.SetUsage(testDevice, quota.User(uid), uint64(uid)*1024, 1)
	}

	out, err := run(t, fk, "next", testDevice, "--from", "11", "-o", "json")
	require.NoError(t, err)
	var records []quotaRecord
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	require.Len(t, records, 1)
	assert.Equal(t, uint32(20), records[0].Identity.ID)

	out, err = run(t, fk, "next", testDevice, "--all", "-o", "json")
	require.NoError(t, err)
	records = nil
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	require.Len(t, records, 3)
	for i, uid := range []uint32{10, 20, 30} {
		assert.Equal(t, quota.User(uid), records[i].Identity)
	}

	_, err = run(t, fk, "next", testDevice, "--from", "31")
	assert.Equal(t, ExitNotFound, ExitCode(err))

	out, err = run(t, fk, "next", testDevice, "--from", "31", "--all", "-o", "json")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, out)
}

func TestFormat(t *testing.T) {
	fk := newVFSKernel()
	fk.EnableQuota("/dev/sdb1", quota.KindProject, quota.FormatXFS)

	out, err := run(t, fk, "format", testDevice, "--kind", "group")
	require.NoError(t, err)
	assert.Regexp(t, `/dev/sda1\s+group\s+vfsv1`, out)

	out, err = run(t, fk, "format", "/dev/sdb1", "-k", "project", "-o", "json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"device":"/dev/sdb1","kind":"project","format":"xfs"}`, out)

	_, err = run(t, fk, "format", testDevice, "--kind", "project")
	assert.Equal(t, ExitNotSupported, ExitCode(err))

	_, err = run(t, fk, "format", testDevice, "--kind", "owner")
	assert.Equal(t, ExitInvalidArgument, ExitCode(err))
}

func TestSync(t *testing.T) {
	fk := newVFSKernel()
	fk.EnableQuota("/dev/sdb1", quota.KindUser, quota.FormatXFS)

	_, err := run(t, fk, "sync", testDevice)
	require.NoError(t, err)
	assert.Equal(t, 1, fk.SyncCount(testDevice))

	_, err = run(t, fk, "sync", "/dev/sdb1")
	require.NoError(t, err)
	assert.Equal(t, 1, fk.SyncCount("/dev/sdb1"))

	_, err = run(t, fk, "sync")
	require.NoError(t, err)
	assert.Equal(t, 2, fk.SyncCount(testDevice))

	_, err = run(t, fk, "sync", "relative")
	assert.Equal(t, ExitInvalidArgument, ExitCode(err))
}

func TestInfo(t *testing.T) {
	fk := newVFSKernel()

	_, err := run(t, fk, "set-info", testDevice, "--block-grace", "168h", "--inode-grace", "24h")
	require.NoError(t, err)
	_, err = run(t, fk, "set-info", testDevice, "--root-squash")
	require.NoError(t, err)

	out, err := run(t, fk, "info", testDevice, "-o", "json")
	require.NoError(t, err)
	var r infoRecord
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	assert.Equal(t, quota.Info{BlockGrace: 168 * time.Hour, InodeGrace: 24 * time.Hour, Flags: quota.InfoFlagRootSquash}, r.Info)

	out, err = run(t, fk, "info", testDevice)
	require.NoError(t, err)
	assert.Regexp(t, `/dev/sda1\s+user\s+vfsv1\s+168h0m0s\s+24h0m0s\s+root-squash`, out)

	_, err = run(t, fk, "set-info", testDevice)
	assert.Equal(t, ExitInvalidArgument, ExitCode(err))
}

func TestOnOff(t *testing.T) {
	fk := quota.NewFakeKernel()
	fk.AddDevice(testDevice)

	_, err := run(t, fk, "on", testDevice, "--kind", "user")
	assert.Equal(t, ExitInvalidArgument, ExitCode(err), "vfs formats need a quota file")

	_, err = run(t, fk, "on", testDevice, "--kind", "user", "--file", "/aquota.user")
	require.NoError(t, err)

	out, err := run(t, fk, "format", testDevice)
	require.NoError(t, err)
	assert.Contains(t, out, "vfsv1")

	_, err = run(t, fk, "off", testDevice)
	require.NoError(t, err)
	_, err = run(t, fk, "format", testDevice)
	assert.Equal(t, ExitNotSupported, ExitCode(err))

	fk.EnableQuota("/dev/sdb1", quota.KindProject, quota.FormatXFS)
	_, err = run(t, fk, "off", "/dev/sdb1", "-k", "project")
	require.NoError(t, err)
	_, err = run(t, fk, "on", "/dev/sdb1", "-k", "project", "-f", "xfs")
	require.NoError(t, err)
}

func TestServe(t *testing.T) {
	fk := newVFSKernel()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	a, _ := newTestApp(fk)
	root := newRootCommand(a)
	root.SetArgs([]string{"serve", "--device", testDevice, "--metrics-addr", "127.0.0.1:0", "--sync-interval", "10ms"})
	require.NoError(t, root.ExecuteContext(ctx))
	assert.GreaterOrEqual(t, fk.SyncCount(testDevice), 2)
}

func TestServe_InvalidConfig(t *testing.T) {
	a, _ := newTestApp(quota.NewFakeKernel())
	root := newRootCommand(a)
	root.SetArgs([]string{"serve"})
	err := root.ExecuteContext(context.Background())
	assert.ErrorContains(t, err, "no devices configured")
}

func TestParseBlocks(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"0", 0, false},
		{"1", 1, false},
		{"1024", 1, false},
		{"1500", 2, false},
		{"1.5Ki", 2, false},
		{"0.5Mi", 512, false},
		{"1.5Gi", 1536 * 1024, false},
		{"2.5G", 2441407, false},
		{"0.1", 1, false},
		{"16Ei", 0, true},
		{"1000Ki", 1000, false},
		{"10Gi", 10 * 1024 * 1024, false},
		{"1G", 976563, false},
		{"-1Ki", 0, true},
		{"ten", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseBlocks(tt.in)
			if tt.wantErr {
				assert.True(t, errors.Is(err, quota.ErrInvalidArgument), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCount(t *testing.T) {
	n, err := parseCount("10k")
	require.NoError(t, err)
	assert.Equal(t, uint64(10000), n)

	_, err = parseCount("0.5")
	assert.Error(t, err)
	_, err = parseCount("-3")
	assert.Error(t, err)
}

func TestFormatHelpers(t *testing.T) {
	assert.Equal(t, "none", formatBlocks(0))
	assert.Equal(t, "1Gi", formatBlocks(1024*1024))
	assert.Equal(t, "1100Ki", formatBlocks(1100))
	assert.Equal(t, "0", formatBytes(0))
	assert.Equal(t, "none", formatCount(0))
	assert.Equal(t, "-", formatFlags(0))
	assert.Equal(t, "root-squash,sys-file", formatFlags(quota.InfoFlagRootSquash|quota.InfoFlagSysFile))
}

func TestLookupIdentity(t *testing.T) {
	id, err := lookupIdentity(quota.KindUser, "1000")
	require.NoError(t, err)
	assert.Equal(t, quota.User(1000), id)

	id, err = lookupIdentity(quota.KindUser, "root")
	require.NoError(t, err)
	assert.Equal(t, quota.User(0), id)

	_, err = lookupIdentity(quota.KindProject, "web")
	assert.True(t, errors.Is(err, quota.ErrInvalidArgument))

	_, err = lookupIdentity(quota.KindUser, "no-such-user-goquota")
	assert.True(t, errors.Is(err, quota.ErrInvalidArgument))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitOK, ExitCode(nil))
	assert.Equal(t, ExitFailure, ExitCode(errors.New("boom")))
	for want, sentinel := range map[int]error{
		ExitInvalidArgument: quota.ErrInvalidArgument,
		ExitPermission:      quota.ErrPermission,
		ExitNotFound:        quota.ErrNotFound,
		ExitNotSupported:    quota.ErrNotSupported,
		ExitIO:              quota.ErrIO,
	} {
		assert.Equal(t, want, ExitCode(fmt.Errorf("wrapped: %w", sentinel)))
	}
}
