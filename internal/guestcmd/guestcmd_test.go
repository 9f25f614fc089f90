package guestcmd

import (
	"strings"
	"testing"
)

func TestQuoteGolden(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`simple`, `'simple'`},
		{`it's`, `'it''s'`},
		{`a b`, `'a b'`},
		{``, `''`},
		{`''`, `''''''`},
	}
	for _, tc := range cases {
		if got := Quote(tc.in); got != tc.want {
			t.Errorf("Quote(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestBuildRunExecutableGolden(t *testing.T) {
	got := BuildRunExecutable(Windows, `C:\malware.exe`, []string{"--flag", "it's fine"})
	want := `'C:\malware.exe' '--flag' 'it''s fine'`
	if got != want {
		t.Errorf("BuildRunExecutable = %q, want %q", got, want)
	}
}

func TestBuildExistsPerOS(t *testing.T) {
	if got := BuildExists(Linux, "/tmp/x"); got != `test -e '/tmp/x'` {
		t.Errorf("BuildExists(linux) = %q", got)
	}
	if got := BuildExists(Windows, `C:\x`); got != `Test-Path -Path 'C:\x'` {
		t.Errorf("BuildExists(windows) = %q", got)
	}
}

func TestBuildListFilesRecursive(t *testing.T) {
	if got := BuildListFiles(Linux, "/tmp", true); got != `find '/tmp' -type f` {
		t.Errorf("BuildListFiles(linux, recursive) = %q", got)
	}
	if got := BuildListFiles(Windows, `C:\out`, true); got != `Get-ChildItem -Path 'C:\out' -File -Recurse | Select-Object -ExpandProperty FullName` {
		t.Errorf("BuildListFiles(windows, recursive) = %q", got)
	}
}

func TestFilterDataLinesDropsNoise(t *testing.T) {
	raw := "Get-ChildItem -Path 'C:\\out'\r\nPS C:\\> \r\n\r\nfile1.txt\r\nGet-Content | Where\r\nfile2.txt\r\n"
	got := FilterDataLines(raw, "Get-ChildItem -Path")
	want := []string{"file1.txt", "file2.txt"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestFilterDataLinesToleratesEmptyOutput(t *testing.T) {
	got := FilterDataLines("", "")
	if len(got) != 0 {
		t.Errorf("expected no lines, got %v", got)
	}
}

func TestParseExists(t *testing.T) {
	if !ParseExists("Test-Path -Path 'C:\\x'\r\nTrue\r\n") {
		t.Error("expected True to parse as present")
	}
	if ParseExists("Test-Path -Path 'C:\\x'\r\nFalse\r\n") {
		t.Error("expected False to parse as absent")
	}
}

func TestBuildGuestInvocationWindowsOuterQuoting(t *testing.T) {
	// The historical bug: nested double-quote escaping around a path
	// containing a space. The fix wraps the whole script in outer double
	// quotes and keeps every embedded path single-quoted, never mixing
	// the two or backslash-escaping an inner quote.
	script := BuildRunExecutable(Windows, `C:\Program Files\malware.exe`, nil)
	shell, args := BuildGuestInvocation(Windows, script)
	if shell == "" {
		t.Fatal("expected a non-empty shell binary")
	}
	want := `"'C:\Program Files\malware.exe'"`
	got := args[len(args)-1]
	if got != want {
		t.Errorf("guest invocation payload = %q, want %q", got, want)
	}
	if strings.Contains(got, `\"`) {
		t.Errorf("payload contains a backslash-escaped double quote: %q", got)
	}
}

func TestBuildGuestInvocationLinuxNoOuterQuoting(t *testing.T) {
	script := BuildRunExecutable(Linux, "/tmp/a b/malware", nil)
	shell, args := BuildGuestInvocation(Linux, script)
	if shell != "/bin/sh" {
		t.Errorf("shell = %q, want /bin/sh", shell)
	}
	if args[len(args)-1] != script {
		t.Errorf("payload = %q, want unwrapped script %q", args[len(args)-1], script)
	}
}
