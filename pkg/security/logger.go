package security

import (
	"fmt"
	"sort"
	"strings"

	"k8s.io/klog/v2"
)

// Logger writes audit events to the klog stream
type Logger struct {
	// output replaces klog, for tests
	output func(severity EventSeverity, line string)
}

// NewLogger creates an audit logger
func NewLogger() *Logger {
	return &Logger{}
}

// severityMap maps EventSeverity to the klog function it is logged with.
// Audit lines are never subject to -v.
var severityMap = map[EventSeverity]func(args ...interface{}){
	SeverityInfo:    klog.Info,
	SeverityWarning: klog.Warning,
	SeverityError:   klog.Error,
}

// LogEvent logs an audit event
func (l *Logger) LogEvent(event *Event) {
	if l.output != nil {
		l.output(event.Severity, FormatLogMessage(event))
		return
	}

	logFunc, ok := severityMap[event.Severity]
	if !ok {
		logFunc = severityMap[SeverityInfo]
	}
	logFunc(FormatLogMessage(event))
}

// FormatLogMessage formats an audit event as a key=value log line
func FormatLogMessage(event *Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[AUDIT] category=%s type=%s severity=%s outcome=%s msg=%q uid=%d gid=%d",
		event.Category, event.EventType, event.Severity, event.Outcome, event.Message, event.UID, event.GID)

	if event.Device != "" {
		fmt.Fprintf(&b, " device=%s", event.Device)
	}
	if event.Kind != "" {
		fmt.Fprintf(&b, " kind=%s", event.Kind)
	}
	if event.Target != "" {
		fmt.Fprintf(&b, " target=%q", event.Target)
	}
	if event.Format != "" {
		fmt.Fprintf(&b, " format=%s", event.Format)
	}
	if event.Operation != "" {
		fmt.Fprintf(&b, " operation=%s", event.Operation)
	}
	if event.Duration > 0 {
		fmt.Fprintf(&b, " duration_ms=%d", event.Duration.Milliseconds())
	}
	if event.Error != "" {
		fmt.Fprintf(&b, " error=%q", event.Error)
	}

	// sorted so identical events log identically
	keys := make([]string, 0, len(event.Details))
	for k := range event.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%q", k, event.Details[k])
	}

	fmt.Fprintf(&b, " timestamp=%s", event.Timestamp.Format("2006-01-02T15:04:05.000Z"))
	return b.String()
}
