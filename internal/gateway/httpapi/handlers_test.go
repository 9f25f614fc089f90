package httpapi

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sandboxlab/sandboxd/internal/domain"
)

func testSpecs() []domain.VMSpec {
	return []domain.VMSpec{
		{Name: "vm-defender", AgentKind: "defender"},
		{Name: "vm-kaspersky", AgentKind: "kaspersky"},
		{Name: "vm-behavioral", AgentKind: "behavioral-monitor"},
	}
}

func TestSelectVMsEmptyReturnsAll(t *testing.T) {
	g := &Gateway{specs: testSpecs()}
	got := g.selectVMs("")
	if len(got) != 3 {
		t.Fatalf("selectVMs(\"\") = %d specs, want 3", len(got))
	}
}

func TestSelectVMsFiltersByName(t *testing.T) {
	g := &Gateway{specs: testSpecs()}
	got := g.selectVMs("vm-defender, vm-behavioral")
	if len(got) != 2 {
		t.Fatalf("selectVMs = %d specs, want 2", len(got))
	}
	names := map[string]bool{}
	for _, s := range got {
		names[s.Name] = true
	}
	if !names["vm-defender"] || !names["vm-behavioral"] {
		t.Errorf("selectVMs returned unexpected names: %+v", got)
	}
}

func TestSelectVMsNoMatchReturnsEmpty(t *testing.T) {
	g := &Gateway{specs: testSpecs()}
	got := g.selectVMs("vm-does-not-exist")
	if len(got) != 0 {
		t.Fatalf("selectVMs = %d specs, want 0", len(got))
	}
}

func TestSanitizeFilenameStripsPathAndTraversal(t *testing.T) {
	cases := map[string]string{
		"evil.exe":              "evil.exe",
		"../../etc/passwd":      "passwd",
		"/abs/path/sample.bin":  "sample.bin",
		"":                      "sample.bin",
		".":                     "sample.bin",
	}
	for in, want := range cases {
		if got := sanitizeFilename(in); got != want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHashFileComputesSHA256(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.bin")
	if err := os.WriteFile(path, []byte("hello world"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err := hashFile(path)
	if err != nil {
		t.Fatalf("hashFile: %v", err)
	}
	const want = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got != want {
		t.Errorf("hashFile = %q, want %q", got, want)
	}
}

func TestNewCorrelationIDIsUnique(t *testing.T) {
	a := newCorrelationID()
	b := newCorrelationID()
	if a == "" || b == "" {
		t.Fatal("newCorrelationID returned empty string")
	}
	if a == b {
		t.Error("newCorrelationID returned the same value twice in a row")
	}
}
