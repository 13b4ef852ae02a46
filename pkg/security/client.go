package security

import (
	"context"
	"errors"
	"os"
	"strconv"
	"time"

	"git.srvlab.io/whiskey/goquota/pkg/quota"
)

// AuditedClient logs every change made through a quota.QuotaClient.
// Reads pass through unaudited.
type AuditedClient struct {
	quota.QuotaClient
	logger *Logger
	uid    int
	gid    int
}

var _ quota.QuotaClient = (*AuditedClient)(nil)

// NewAuditedClient wraps client so that changes are logged to logger
func NewAuditedClient(client quota.QuotaClient, logger *Logger) *AuditedClient {
	return &AuditedClient{
		QuotaClient: client,
		logger:      logger,
		uid:         os.Getuid(),
		gid:         os.Getgid(),
	}
}

// SetQuota implements quota.QuotaClient
func (c *AuditedClient) SetQuota(ctx context.Context, device string, ident quota.Identity, format quota.Format, limits quota.Limits) error {
	start := time.Now()
	err := c.QuotaClient.SetQuota(ctx, device, ident, format, limits)

	event := c.event(EventQuotaSet, CategoryQuotaChange, "Quota limits changed", err).
		WithTarget(device, ident.Kind, ident.String(), format).
		WithOperation(quota.OpSetQuota, time.Since(start)).
		WithDetail("block_soft", strconv.FormatUint(limits.BlockSoftLimit, 10)).
		WithDetail("block_hard", strconv.FormatUint(limits.BlockHardLimit, 10)).
		WithDetail("inode_soft", strconv.FormatUint(limits.InodeSoftLimit, 10)).
		WithDetail("inode_hard", strconv.FormatUint(limits.InodeHardLimit, 10))
	c.logger.LogEvent(event)
	return err
}

// SetInfo implements quota.QuotaClient
func (c *AuditedClient) SetInfo(ctx context.Context, device string, kind quota.Kind, format quota.Format, info quota.Info) error {
	start := time.Now()
	err := c.QuotaClient.SetInfo(ctx, device, kind, format, info)

	event := c.event(EventQuotaInfoSet, CategoryQuotaChange, "Quota grace periods changed", err).
		WithTarget(device, kind, kind.String(), format).
		WithOperation(quota.OpSetInfo, time.Since(start)).
		WithDetail("block_grace", info.BlockGrace.String()).
		WithDetail("inode_grace", info.InodeGrace.String()).
		WithDetail("flags", strconv.FormatUint(uint64(info.Flags), 10))
	c.logger.LogEvent(event)
	return err
}

// QuotaOn implements quota.QuotaClient
func (c *AuditedClient) QuotaOn(ctx context.Context, device string, kind quota.Kind, format quota.Format, quotaFile string) error {
	start := time.Now()
	err := c.QuotaClient.QuotaOn(ctx, device, kind, format, quotaFile)

	event := c.event(EventQuotaOn, CategoryQuotaState, "Quotas turned on", err).
		WithTarget(device, kind, kind.String(), format).
		WithOperation(quota.OpQuotaOn, time.Since(start))
	if quotaFile != "" {
		event.WithDetail("quota_file", quotaFile)
	}
	c.logger.LogEvent(event)
	return err
}

// QuotaOff implements quota.QuotaClient
func (c *AuditedClient) QuotaOff(ctx context.Context, device string, kind quota.Kind, format quota.Format) error {
	start := time.Now()
	err := c.QuotaClient.QuotaOff(ctx, device, kind, format)

	event := c.event(EventQuotaOff, CategoryQuotaState, "Quotas turned off", err).
		WithTarget(device, kind, kind.String(), format).
		WithOperation(quota.OpQuotaOff, time.Since(start))
	if err == nil {
		event.Severity = SeverityWarning
	}
	c.logger.LogEvent(event)
	return err
}

// event builds an event whose outcome and severity follow err
func (c *AuditedClient) event(eventType EventType, category EventCategory, message string, err error) *Event {
	var (
		severity = SeverityInfo
		outcome  = OutcomeSuccess
	)
	switch {
	case err == nil:
	case errors.Is(err, quota.ErrPermission):
		category = CategoryAuthorization
		severity = SeverityWarning
		outcome = OutcomeDenied
	case errors.Is(err, quota.ErrInvalidArgument):
		severity = SeverityWarning
		outcome = OutcomeFailure
	default:
		severity = SeverityError
		outcome = OutcomeFailure
	}
	return NewEvent(eventType, category, severity, message).
		WithOutcome(outcome).
		WithCaller(c.uid, c.gid).
		WithError(err)
}
