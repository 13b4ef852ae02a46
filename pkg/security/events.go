package security

import (
	"time"

	"git.srvlab.io/whiskey/goquota/pkg/quota"
)

// EventCategory represents the category of an audit event
type EventCategory string

const (
	// CategoryQuotaChange represents changes to limits or grace periods
	CategoryQuotaChange EventCategory = "quota_change"

	// CategoryQuotaState represents quotas being turned on or off
	CategoryQuotaState EventCategory = "quota_state"

	// CategoryAuthorization represents changes the kernel refused to the caller
	CategoryAuthorization EventCategory = "authorization"
)

// EventSeverity represents the severity level of an audit event
type EventSeverity string

const (
	// SeverityInfo represents informational events
	SeverityInfo EventSeverity = "info"

	// SeverityWarning represents warning events
	SeverityWarning EventSeverity = "warning"

	// SeverityError represents error events
	SeverityError EventSeverity = "error"
)

// EventOutcome represents the outcome of an audited operation
type EventOutcome string

const (
	// OutcomeSuccess indicates the operation succeeded
	OutcomeSuccess EventOutcome = "success"

	// OutcomeFailure indicates the operation failed
	OutcomeFailure EventOutcome = "failure"

	// OutcomeDenied indicates the caller lacked the privilege
	OutcomeDenied EventOutcome = "denied"
)

// EventType represents specific types of audit events
type EventType string

const (
	EventQuotaSet     EventType = "quota_set"
	EventQuotaInfoSet EventType = "quota_info_set"
	EventQuotaOn      EventType = "quota_on"
	EventQuotaOff     EventType = "quota_off"
)

// Event represents one audited quota change
type Event struct {
	// Core event fields
	Timestamp time.Time     `json:"timestamp"`
	EventType EventType     `json:"event_type"`
	Category  EventCategory `json:"category"`
	Severity  EventSeverity `json:"severity"`
	Outcome   EventOutcome  `json:"outcome"`
	Message   string        `json:"message"`

	// Caller credentials
	UID int `json:"uid"`
	GID int `json:"gid"`

	// Resource fields
	Device string `json:"device"`
	Kind   string `json:"kind,omitempty"`
	Target string `json:"target,omitempty"`
	Format string `json:"format,omitempty"`

	// Operation details
	Operation string            `json:"operation,omitempty"`
	Duration  time.Duration     `json:"duration_ms,omitempty"`
	Error     string            `json:"error,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// NewEvent creates a new audit event with timestamp
func NewEvent(eventType EventType, category EventCategory, severity EventSeverity, message string) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Category:  category,
		Severity:  severity,
		Message:   message,
		Details:   make(map[string]string),
	}
}

// WithOutcome sets the outcome for the event
func (e *Event) WithOutcome(outcome EventOutcome) *Event {
	e.Outcome = outcome
	return e
}

// WithCaller sets the credentials of the process making the change
func (e *Event) WithCaller(uid, gid int) *Event {
	e.UID = uid
	e.GID = gid
	return e
}

// WithTarget sets what the change applies to
func (e *Event) WithTarget(device string, kind quota.Kind, target string, format quota.Format) *Event {
	e.Device = device
	e.Kind = kind.String()
	e.Target = target
	e.Format = format.String()
	return e
}

// WithOperation sets operation details
func (e *Event) WithOperation(op quota.Operation, duration time.Duration) *Event {
	e.Operation = op.String()
	e.Duration = duration
	return e
}

// WithError sets error information
func (e *Event) WithError(err error) *Event {
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// WithDetail adds a custom detail field
func (e *Event) WithDetail(key, value string) *Event {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}
