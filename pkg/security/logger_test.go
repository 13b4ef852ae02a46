package security

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"git.srvlab.io/whiskey/goquota/pkg/quota"
)

type capturedLine struct {
	severity EventSeverity
	line     string
}

type captureLogger struct {
	mu    sync.Mutex
	lines []capturedLine
}

func newCaptureLogger() (*Logger, *captureLogger) {
	c := &captureLogger{}
	return &Logger{output: func(severity EventSeverity, line string) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.lines = append(c.lines, capturedLine{severity, line})
	}}, c
}

func (c *captureLogger) last(t *testing.T) capturedLine {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.lines) == 0 {
		t.Fatal("Expected an audit line, got none")
	}
	return c.lines[len(c.lines)-1]
}

func TestNewEvent(t *testing.T) {
	event := NewEvent(EventQuotaSet, CategoryQuotaChange, SeverityInfo, "Test message")

	if event.EventType != EventQuotaSet {
		t.Errorf("Expected EventType %s, got %s", EventQuotaSet, event.EventType)
	}
	if event.Category != CategoryQuotaChange {
		t.Errorf("Expected Category %s, got %s", CategoryQuotaChange, event.Category)
	}
	if event.Timestamp.IsZero() {
		t.Error("Expected Timestamp to be set, got zero time")
	}
	if event.Details == nil {
		t.Error("Expected Details map to be initialized")
	}
}

func TestEvent_WithMethods(t *testing.T) {
	event := NewEvent(EventQuotaOn, CategoryQuotaState, SeverityInfo, "Test").
		WithOutcome(OutcomeDenied).
		WithCaller(1000, 100).
		WithTarget("/dev/sda1", quota.KindGroup, "group 100", quota.FormatVFSV0).
		WithOperation(quota.OpQuotaOn, 1500*time.Millisecond).
		WithError(errors.New("boom")).
		WithDetail("quota_file", "/aquota.group")

	if event.Outcome != OutcomeDenied {
		t.Errorf("Expected Outcome %s, got %s", OutcomeDenied, event.Outcome)
	}
	if event.UID != 1000 || event.GID != 100 {
		t.Errorf("WithCaller failed: got uid=%d gid=%d", event.UID, event.GID)
	}
	if event.Device != "/dev/sda1" || event.Kind != "group" || event.Target != "group 100" || event.Format != "vfsv0" {
		t.Errorf("WithTarget failed: %+v", event)
	}
	if event.Operation != "quota_on" {
		t.Errorf("WithOperation failed: got %s", event.Operation)
	}
	if event.Error != "boom" {
		t.Errorf("WithError failed: got %q", event.Error)
	}
	if event.Details["quota_file"] != "/aquota.group" {
		t.Errorf("WithDetail failed: got %v", event.Details)
	}

	event.WithError(nil)
	if event.Error != "boom" {
		t.Error("WithError(nil) must keep the previous error")
	}
}

func TestFormatLogMessage(t *testing.T) {
	event := NewEvent(EventQuotaSet, CategoryQuotaChange, SeverityInfo, "Quota limits changed").
		WithOutcome(OutcomeSuccess).
		WithCaller(0, 0).
		WithTarget("/dev/sda1", quota.KindUser, "user 1000", quota.FormatVFSV1).
		WithOperation(quota.OpSetQuota, 2*time.Millisecond).
		WithDetail("inode_hard", "110").
		WithDetail("block_hard", "1100")

	msg := FormatLogMessage(event)
	for _, want := range []string{
		"[AUDIT] category=quota_change type=quota_set severity=info outcome=success",
		`msg="Quota limits changed"`,
		"uid=0 gid=0",
		"device=/dev/sda1",
		"kind=user",
		`target="user 1000"`,
		"format=vfsv1",
		"duration_ms=2",
		`block_hard="1100" inode_hard="110"`,
		"timestamp=",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("Expected %q in %s", want, msg)
		}
	}
	if strings.Contains(msg, "error=") {
		t.Errorf("Unexpected error field in %s", msg)
	}
}

func newAuditedFake(t *testing.T) (*AuditedClient, *quota.FakeKernel, *captureLogger) {
	t.Helper()
	fk := quota.NewFakeKernel()
	fk.EnableQuota("/dev/sda1", quota.KindUser, quota.FormatVFSV1)
	logger, captured := newCaptureLogger()
	return NewAuditedClient(quota.NewClient(quota.WithKernel(fk)), logger), fk, captured
}

func TestAuditedClient_SetQuota(t *testing.T) {
	c, fk, captured := newAuditedFake(t)
	ctx := context.Background()

	err := c.SetQuota(ctx, "/dev/sda1", quota.User(1000), quota.FormatVFSV1, quota.Limits{BlockSoftLimit: 1000, BlockHardLimit: 1100})
	if err != nil {
		t.Fatalf("SetQuota failed: %v", err)
	}
	got := captured.last(t)
	if got.severity != SeverityInfo || !strings.Contains(got.line, "outcome=success") || !strings.Contains(got.line, `block_soft="1000"`) {
		t.Errorf("Unexpected audit line %s: %s", got.severity, got.line)
	}

	fk.SetCaller(1000, 1000, false)
	err = c.SetQuota(ctx, "/dev/sda1", quota.User(1000), quota.FormatVFSV1, quota.Limits{})
	if !errors.Is(err, quota.ErrPermission) {
		t.Fatalf("Expected permission error, got %v", err)
	}
	got = captured.last(t)
	if got.severity != SeverityWarning || !strings.Contains(got.line, "category=authorization") || !strings.Contains(got.line, "outcome=denied") {
		t.Errorf("Unexpected audit line %s: %s", got.severity, got.line)
	}

	fk.SetCaller(0, 0, true)
	fk.InjectError(quota.OpSetQuota, unix.EIO)
	err = c.SetQuota(ctx, "/dev/sda1", quota.User(1000), quota.FormatVFSV1, quota.Limits{})
	if !errors.Is(err, quota.ErrIO) {
		t.Fatalf("Expected i/o error, got %v", err)
	}
	got = captured.last(t)
	if got.severity != SeverityError || !strings.Contains(got.line, "outcome=failure") {
		t.Errorf("Unexpected audit line %s: %s", got.severity, got.line)
	}
}

func TestAuditedClient_ReadsPassThrough(t *testing.T) {
	c, _, captured := newAuditedFake(t)

	format, err := c.GetFormat(context.Background(), "/dev/sda1", quota.KindUser)
	if err != nil || format != quota.FormatVFSV1 {
		t.Fatalf("GetFormat = %v, %v", format, err)
	}
	if _, err := c.GetQuota(context.Background(), "/dev/sda1", quota.User(1), quota.FormatVFSV1); !errors.Is(err, quota.ErrNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
	if len(captured.lines) != 0 {
		t.Errorf("Reads must not be audited, got %v", captured.lines)
	}
}

func TestAuditedClient_InfoAndState(t *testing.T) {
	c, _, captured := newAuditedFake(t)
	ctx := context.Background()

	if err := c.SetInfo(ctx, "/dev/sda1", quota.KindUser, quota.FormatVFSV1, quota.Info{BlockGrace: time.Hour}); err != nil {
		t.Fatalf("SetInfo failed: %v", err)
	}
	if got := captured.last(t); !strings.Contains(got.line, "type=quota_info_set") || !strings.Contains(got.line, `block_grace="1h0m0s"`) {
		t.Errorf("Unexpected audit line: %s", got.line)
	}

	if err := c.QuotaOff(ctx, "/dev/sda1", quota.KindUser, quota.FormatVFSV1); err != nil {
		t.Fatalf("QuotaOff failed: %v", err)
	}
	if got := captured.last(t); got.severity != SeverityWarning || !strings.Contains(got.line, "type=quota_off") {
		t.Errorf("Unexpected audit line %s: %s", got.severity, got.line)
	}

	err := c.QuotaOn(ctx, "/dev/sda1", quota.KindUser, quota.FormatVFSV1, "aquota.user")
	if !errors.Is(err, quota.ErrInvalidArgument) {
		t.Fatalf("Expected invalid argument, got %v", err)
	}
	if got := captured.last(t); got.severity != SeverityWarning || !strings.Contains(got.line, `quota_file="aquota.user"`) {
		t.Errorf("Unexpected audit line %s: %s", got.severity, got.line)
	}
}
