package observability

import (
	"context"
	"errors"
	"log/slog"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestNewMetricsCollectorRegistersEverything(t *testing.T) {
	m := NewMetricsCollector()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected at least one registered metric family")
	}
}

func TestHealthCheckerOkWithNoChecks(t *testing.T) {
	h := NewHealthChecker(discardLogger())
	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("Status = %q, want ok", status.Status)
	}
}

func TestHealthCheckerDegradedOnFailingCheck(t *testing.T) {
	h := NewHealthChecker(discardLogger())
	h.AddCheck("db", func(ctx context.Context) error { return errors.New("unreachable") })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("Status = %q, want degraded", status.Status)
	}
	if status.Checks["db"].Status != "fail" {
		t.Errorf("db check = %+v", status.Checks["db"])
	}
}

func TestNewTracerSetupDisabledReturnsNil(t *testing.T) {
	ts, err := NewTracerSetup(nil)
	if err != nil {
		t.Fatalf("NewTracerSetup(nil): %v", err)
	}
	if ts != nil {
		t.Error("expected nil TracerSetup when tracing is disabled")
	}
	// Tracer() must still work on a nil receiver.
	if ts.Tracer() == nil {
		t.Error("expected non-nil no-op tracer from nil TracerSetup")
	}
}

func TestStatusCodeFormatsInt(t *testing.T) {
	if got := statusCode(404); got != "404" {
		t.Errorf("statusCode(404) = %q", got)
	}
}
