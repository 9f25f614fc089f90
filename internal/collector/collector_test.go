package collector

import (
	"testing"
	"time"

	"github.com/sandboxlab/sandboxd/internal/domain"
)

func TestSignatureCollectorParsesPipeFormat(t *testing.T) {
	c := NewSignatureCollector("defender")
	raw := "high|Trojan:Win32/Wacatac.B|Quarantined C:\\malware.exe\nlow|PUA:Win32/Something|Blocked\n\n"
	alerts, events, errorKind := c.Collect(raw, Window{}, Hints{})
	if errorKind != "" {
		t.Fatalf("unexpected errorKind %q", errorKind)
	}
	if len(events) != 0 {
		t.Errorf("expected no events, got %v", events)
	}
	if len(alerts) != 2 {
		t.Fatalf("expected 2 alerts, got %d", len(alerts))
	}
	if alerts[0].Severity != "high" || alerts[0].ThreatName != "Trojan:Win32/Wacatac.B" {
		t.Errorf("unexpected first alert: %+v", alerts[0])
	}
	if alerts[0].AlertID == "" {
		t.Error("expected AlertID to be populated")
	}
	if alerts[0].RawFields["line"] == "" {
		t.Error("expected RawFields to carry the source line")
	}
}

func TestSignatureCollectorSkipsMalformedLines(t *testing.T) {
	c := NewSignatureCollector("kaspersky")
	alerts, _, _ := c.Collect("not pipe delimited\nhigh|Name|Details\n", Window{}, Hints{})
	if len(alerts) != 1 {
		t.Fatalf("expected 1 valid alert, got %d", len(alerts))
	}
}

func TestSignatureCollectorEmptyRawIsAgentUnavailable(t *testing.T) {
	c := NewSignatureCollector("defender")
	alerts, events, errorKind := c.Collect("   \n", Window{}, Hints{})
	if errorKind != domain.ErrorKindAgentUnavailable {
		t.Fatalf("errorKind = %q, want %q", errorKind, domain.ErrorKindAgentUnavailable)
	}
	if len(alerts) != 0 || len(events) != 0 {
		t.Fatalf("expected no alerts/events, got %v %v", alerts, events)
	}
}

func TestBehavioralCollectorMapsKnownTags(t *testing.T) {
	c := NewBehavioralCollector()
	raw := "1700000000000\tprocess_create\t4100\t892\texplorer.exe\texplorer.exe /child\tcmd.exe\n" +
		"1700000000500\tnet_connect\t4100\t892\texplorer.exe\t\t203.0.113.4:443\n"
	_, events, errorKind := c.Collect(raw, Window{}, Hints{})
	if errorKind != "" {
		t.Fatalf("unexpected errorKind %q", errorKind)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != domain.EventProcessCreate {
		t.Errorf("events[0].Type = %q", events[0].Type)
	}
	if events[0].PID != 4100 || events[0].PPID != 892 {
		t.Errorf("unexpected pid/ppid: %+v", events[0])
	}
	if len(events[0].Targets) != 1 || events[0].Targets[0] != "cmd.exe" {
		t.Errorf("unexpected targets: %+v", events[0].Targets)
	}
	if events[1].Type != domain.EventNetConnect {
		t.Errorf("events[1].Type = %q", events[1].Type)
	}
	if events[0].RawFields["line"] == "" {
		t.Error("expected RawFields to carry the source line")
	}
}

func TestBehavioralCollectorFallsBackToOther(t *testing.T) {
	c := NewBehavioralCollector()
	_, events, _ := c.Collect("1700000000000\tsome_unknown_tag\t100\t1\tfoo.exe\tfoo.exe\tdetail\n", Window{}, Hints{})
	if len(events) != 1 || events[0].Type != domain.EventOther {
		t.Fatalf("expected EventOther fallback, got %+v", events)
	}
}

func TestBehavioralCollectorDropsEventsOutsideWindow(t *testing.T) {
	c := NewBehavioralCollector()
	raw := "1700000000000\tprocess_create\t4100\t892\texplorer.exe\texplorer.exe\tcmd.exe\n" +
		"1700000100000\tnet_connect\t4100\t892\texplorer.exe\t\t203.0.113.4:443\n"
	window := Window{
		Start: time.UnixMilli(1700000000000).UTC().Add(-time.Second),
		End:   time.UnixMilli(1700000000000).UTC().Add(time.Second),
	}
	_, events, _ := c.Collect(raw, window, Hints{})
	if len(events) != 1 {
		t.Fatalf("expected 1 event inside window, got %d", len(events))
	}
	if events[0].Type != domain.EventProcessCreate {
		t.Errorf("events[0].Type = %q", events[0].Type)
	}
}

func TestBehavioralCollectorEmptyRawIsAgentUnavailable(t *testing.T) {
	c := NewBehavioralCollector()
	_, events, errorKind := c.Collect("", Window{}, Hints{})
	if errorKind != domain.ErrorKindAgentUnavailable {
		t.Fatalf("errorKind = %q, want %q", errorKind, domain.ErrorKindAgentUnavailable)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events, got %v", events)
	}
}

func TestRegistryResolvesByAgentKind(t *testing.T) {
	r := DefaultRegistry()
	c, err := r.For("defender")
	if err != nil {
		t.Fatalf("For(defender): %v", err)
	}
	if c.AgentKind() != "defender" {
		t.Errorf("AgentKind() = %q", c.AgentKind())
	}

	if _, err := r.For("unknown-product"); err == nil {
		t.Fatal("expected error for unregistered agent kind")
	}
}
