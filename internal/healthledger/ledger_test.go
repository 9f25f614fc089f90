package healthledger

import (
	"log/slog"
	"testing"

	"github.com/sandboxlab/sandboxd/internal/config"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(discardWriter{}, nil))
	l, err := Open(&config.StorageConfig{
		Driver: "sqlite",
		SQLite: &config.SQLiteStorageConfig{Path: ":memory:"},
	}, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return l
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestUnknownVMIsHealthy(t *testing.T) {
	l := newTestLedger(t)
	if l.NeedsAttention("never-seen") {
		t.Error("expected unknown vm to report healthy")
	}
}

func TestMarkThenClearNeedsAttention(t *testing.T) {
	l := newTestLedger(t)

	l.MarkNeedsAttention("win10-defender", "cleanup timed out")
	if !l.NeedsAttention("win10-defender") {
		t.Error("expected NeedsAttention after Mark")
	}

	rec := l.Get("win10-defender")
	if rec.LastError != "cleanup timed out" {
		t.Errorf("LastError = %q", rec.LastError)
	}

	l.ClearNeedsAttention("win10-defender")
	if l.NeedsAttention("win10-defender") {
		t.Error("expected healthy after Clear")
	}
}

func TestListReturnsAllRecords(t *testing.T) {
	l := newTestLedger(t)
	l.MarkNeedsAttention("vm-a", "err-a")
	l.ClearNeedsAttention("vm-b")

	records, err := l.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
}
