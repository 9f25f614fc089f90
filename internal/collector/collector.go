// Package collector turns the raw guest-side artifacts produced during the
// Collecting phase (a security product's own log/quarantine dump, or a
// behavioral monitor's event trace) into the domain.Alert and domain.Event
// slices attached to a VMResult. Each configured VM's AgentKind selects
// which Collector handles it.
package collector

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sandboxlab/sandboxd/internal/domain"
)

// Window bounds which events/alerts a Collect call should keep, confining
// the report to what happened during the actual detonation rather than
// whatever stale entries happen to sit in the agent's log.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether ts falls inside the window, treating a zero
// window (both fields unset) as unbounded — some collector formats carry
// no reliable per-line timestamp to filter against.
func (w Window) Contains(ts time.Time) bool {
	if w.Start.IsZero() && w.End.IsZero() {
		return true
	}
	if !w.Start.IsZero() && ts.Before(w.Start) {
		return false
	}
	if !w.End.IsZero() && ts.After(w.End) {
		return false
	}
	return true
}

// Hints carries identifying information about the sample a collector can
// use to corroborate or label what it extracts.
type Hints struct {
	SampleName   string
	SampleSHA256 string
}

// Collector extracts alerts and behavioral events from one VM's raw
// guest-side collection output.
type Collector interface {
	// AgentKind is the VMSpec.AgentKind this Collector handles.
	AgentKind() string
	// Collect turns raw guest output into alerts and events confined to
	// window. It never returns an error for malformed individual lines — a
	// collector's job is to extract what it can, not to fail the whole
	// analysis over one bad line. errorKind is set to
	// domain.ErrorKindAgentUnavailable when raw itself indicates the agent
	// never produced a log (the pipeline detects the guest-read failure
	// itself; this covers the case where the read succeeded but came back
	// empty because the agent process never started).
	Collect(raw string, window Window, hints Hints) (alerts []domain.Alert, events []domain.Event, errorKind string)
}

// Registry resolves a Collector by AgentKind.
type Registry struct {
	byKind map[string]Collector
}

// NewRegistry builds a Registry over the given collectors, keyed by their
// own AgentKind().
func NewRegistry(collectors ...Collector) *Registry {
	r := &Registry{byKind: make(map[string]Collector, len(collectors))}
	for _, c := range collectors {
		r.byKind[c.AgentKind()] = c
	}
	return r
}

// For returns the Collector registered for agentKind, or an error if none
// is registered — an unrecognized AgentKind in a VM's config is a
// configuration bug, not a runtime condition to silently ignore.
func (r *Registry) For(agentKind string) (Collector, error) {
	c, ok := r.byKind[agentKind]
	if !ok {
		return nil, fmt.Errorf("collector: no collector registered for agent kind %q", agentKind)
	}
	return c, nil
}

// DefaultRegistry wires every built-in collector: one per supported
// security product, plus the behavioral monitor.
func DefaultRegistry() *Registry {
	return NewRegistry(
		NewSignatureCollector("defender"),
		NewSignatureCollector("kaspersky"),
		NewSignatureCollector("mcafee"),
		NewSignatureCollector("avira"),
		NewSignatureCollector("trend"),
		NewBehavioralCollector(),
	)
}

// SignatureCollector parses a generic "severity|name|details" pipe-
// delimited log line format shared by the signature-based adapters. Real
// products each have their own quarantine log format; this is the
// normalized shape the guest-side export script is expected to emit
// regardless of which product produced it.
type SignatureCollector struct {
	agentKind string
}

// NewSignatureCollector creates a SignatureCollector for the named agent
// kind (e.g. "defender", "kaspersky").
func NewSignatureCollector(agentKind string) *SignatureCollector {
	return &SignatureCollector{agentKind: agentKind}
}

func (c *SignatureCollector) AgentKind() string { return c.agentKind }

// Collect parses the pipe-delimited quarantine log. The format carries no
// per-line timestamp, so every alert is stamped with the current time and
// window filtering is skipped — clamping to "now" is the best available
// approximation given the agent only writes this log once, at the end of
// detonation.
func (c *SignatureCollector) Collect(raw string, window Window, hints Hints) ([]domain.Alert, []domain.Event, string) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil, domain.ErrorKindAgentUnavailable
	}
	var alerts []domain.Alert
	scanner := bufio.NewScanner(strings.NewReader(raw))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 3)
		if len(parts) != 3 {
			continue
		}
		alerts = append(alerts, domain.Alert{
			AlertID:    domain.NewID().String(),
			Timestamp:  time.Now().UTC(),
			Severity:   strings.TrimSpace(parts[0]),
			Kind:       "quarantine", // the pipe format carries no explicit kind; every signature-based adapter quarantines on detect
			ThreatName: strings.TrimSpace(parts[1]),
			FileHint:   strings.TrimSpace(parts[2]),
			RawFields:  map[string]string{"line": line},
		})
	}
	return alerts, nil, ""
}

// behavioralEventMap translates the monitor's own short event tags into
// the closed domain.EventType set. Unknown tags fall through to
// EventOther rather than being dropped, since an unrecognized tag is
// still a signal worth keeping in the report.
var behavioralEventMap = map[string]domain.EventType{
	"process_create":         domain.EventProcessCreate,
	"process_exit":           domain.EventProcessExit,
	"remote_thread":          domain.EventRemoteThread,
	"process_access":         domain.EventProcessAccess,
	"process_tampering":      domain.EventProcessTampering,
	"file_create":            domain.EventFileCreate,
	"file_delete":            domain.EventFileDelete,
	"file_stream_create":     domain.EventFileStreamCreate,
	"file_create_time_change": domain.EventFileCreateTimeChange,
	"file_block_exec":        domain.EventFileBlockExec,
	"file_block_shred":       domain.EventFileBlockShred,
	"reg_key_change":         domain.EventRegKeyChange,
	"reg_value_set":          domain.EventRegValueSet,
	"reg_rename":             domain.EventRegRename,
	"net_connect":            domain.EventNetConnect,
	"dns_query":              domain.EventDNSQuery,
	"driver_load":            domain.EventDriverLoad,
	"image_load":             domain.EventImageLoad,
	"raw_read":               domain.EventRawRead,
	"service_config_change":  domain.EventServiceConfigChange,
	"pipe_create":            domain.EventPipeCreate,
	"pipe_connect":           domain.EventPipeConnect,
	"wmi_filter":             domain.EventWMIFilter,
	"wmi_consumer":           domain.EventWMIConsumer,
	"wmi_binding":            domain.EventWMIBinding,
	"clipboard_change":       domain.EventClipboardChange,
	"svc_state_change":       domain.EventServiceStateChange,
}

// BehavioralCollector parses the behavioral monitor's tab-separated event
// trace: "<unix_millis>\t<tag>\t<pid>\t<ppid>\t<image>\t<commandLine>\t<targets>",
// where targets is itself a comma-separated list (files, registry keys,
// hosts, or queries, depending on tag) and may be empty.
type BehavioralCollector struct{}

// NewBehavioralCollector creates the behavioral monitor's Collector.
func NewBehavioralCollector() *BehavioralCollector {
	return &BehavioralCollector{}
}

func (c *BehavioralCollector) AgentKind() string { return "behavioral-monitor" }

// Collect parses the monitor's tab-separated event trace, one line per
// captured event, and drops any event whose timestamp falls outside
// window — the trace is a running log and may carry entries from before
// the VM was even handed to this task.
func (c *BehavioralCollector) Collect(raw string, window Window, hints Hints) ([]domain.Alert, []domain.Event, string) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil, domain.ErrorKindAgentUnavailable
	}
	var events []domain.Event
	scanner := bufio.NewScanner(strings.NewReader(raw))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 7)
		if len(fields) != 7 {
			continue
		}
		ts := parseUnixMillis(fields[0])
		if !window.Contains(ts) {
			continue
		}
		eventType, ok := behavioralEventMap[fields[1]]
		if !ok {
			eventType = domain.EventOther
		}
		var targets []string
		if fields[6] != "" {
			targets = strings.Split(fields[6], ",")
		}
		events = append(events, domain.Event{
			Timestamp:   ts,
			Type:        eventType,
			PID:         parseIntOrZero(fields[2]),
			PPID:        parseIntOrZero(fields[3]),
			Image:       fields[4],
			CommandLine: fields[5],
			Targets:     targets,
			RawFields:   map[string]string{"line": line},
		})
	}
	return nil, events, ""
}

func parseUnixMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// parseIntOrZero parses s as a pid/ppid, tolerating the guest monitor
// emitting an empty or garbled field rather than dropping the whole event.
func parseIntOrZero(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
