// Package guestcmd builds guest shell command strings and parses their
// output. It performs no I/O of its own — the VM Controller (package
// vmcontrol) executes whatever a Builder produces through the guest
// execution primitive of the virtualization CLI. Keeping construction and
// parsing pure and side-effect free is what makes them testable without a
// real guest.
package guestcmd

import (
	"strings"
)

// OS selects the guest's shell/path conventions.
type OS string

const (
	Windows OS = "windows"
	Linux   OS = "linux"
)

// Quote wraps a single argument in the outer-double/inner-single quoting
// scheme used throughout this package: the argument is placed inside single
// quotes, and any single quote already in the argument is doubled rather
// than escaped, since neither guest shell's -c string supports backslash
// escaping of a quote inside the other quote style reliably across
// cmd.exe and /bin/sh.
//
//	Quote(`it's`) -> `'it''s'`
func Quote(arg string) string {
	return "'" + strings.ReplaceAll(arg, "'", "''") + "'"
}

// BuildExists returns the guest shell command that tests whether path
// exists. On Windows this is PowerShell's Test-Path, whose boolean result
// auto-prints as the literal "True"/"False" — see ParseExists. On Linux it
// relies on the exit code of test -e instead.
func BuildExists(os OS, path string) string {
	switch os {
	case Windows:
		return "Test-Path -Path " + Quote(path)
	default:
		return "test -e " + Quote(path)
	}
}

// BuildDelete returns the guest shell command that removes path,
// tolerating a missing file.
func BuildDelete(os OS, path string) string {
	switch os {
	case Windows:
		return "Remove-Item -Path " + Quote(path) + " -Force -ErrorAction SilentlyContinue"
	default:
		return "rm -f " + Quote(path)
	}
}

// BuildListFiles returns the guest shell command that lists the contents
// of dir, one path per output line. recursive descends into subdirectories.
func BuildListFiles(os OS, dir string, recursive bool) string {
	switch os {
	case Windows:
		cmd := "Get-ChildItem -Path " + Quote(dir) + " -File"
		if recursive {
			cmd += " -Recurse"
		}
		return cmd + " | Select-Object -ExpandProperty FullName"
	default:
		if recursive {
			return "find " + Quote(dir) + " -type f"
		}
		return "ls -1 " + Quote(dir)
	}
}

// BuildReadFile returns the guest shell command that dumps the contents of
// path to stdout, tolerating a missing file by producing no output rather
// than failing the whole collection over it.
func BuildReadFile(os OS, path string) string {
	switch os {
	case Windows:
		return "Get-Content -Path " + Quote(path) + " -ErrorAction SilentlyContinue"
	default:
		return "cat " + Quote(path) + " 2>/dev/null"
	}
}

// BuildGuestInvocation returns the guest-side shell binary and argv the VM
// Controller should exec to run script. On Windows, script runs through
// PowerShell's -Command with the entire script wrapped in outer double
// quotes; every path inside script was already wrapped in single quotes by
// Quote. Mixing the two — or backslash-escaping an inner double quote to
// nest another layer — is exactly the historical bug this wrapping exists
// to prevent, so this function never does either.
func BuildGuestInvocation(os OS, script string) (shell string, args []string) {
	switch os {
	case Windows:
		return `C:\Windows\System32\WindowsPowerShell\v1.0\powershell.exe`,
			[]string{"-NoProfile", "-NonInteractive", "-Command", `"` + script + `"`}
	default:
		return "/bin/sh", []string{"-c", script}
	}
}

// BuildRunExecutable returns the guest shell command that launches path
// with args, each individually quoted so arguments containing spaces or
// quotes cannot break out of their position.
func BuildRunExecutable(os OS, path string, args []string) string {
	var b strings.Builder
	b.WriteString(Quote(path))
	for _, a := range args {
		b.WriteByte(' ')
		b.WriteString(Quote(a))
	}
	return b.String()
}

// shellPromptPrefix is the marker PowerShell prints at the start of an
// interactive prompt line; guestcontrol sessions are non-interactive, but
// some guest agent builds still emit it.
const shellPromptPrefix = "PS "

// FilterDataLines applies the echo-filter to guest shell stdout that is
// expected to be a plain list of data lines (a directory listing, a log
// dump): discard empty lines, the shell prompt, lines containing shell
// control tokens ('|', '{', '}'), and any line that begins with the
// invoked cmdlet's own echoed command line — applied in that order, so
// whatever survives is a data line.
func FilterDataLines(raw string, cmdletName string) []string {
	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	for _, ln := range lines {
		trimmed := strings.TrimSpace(ln)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, shellPromptPrefix) {
			continue
		}
		if strings.ContainsAny(trimmed, "|{}") {
			continue
		}
		if cmdletName != "" && strings.HasPrefix(trimmed, cmdletName) {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}

// ParseExists interprets a GuestPathExists probe's stdout: the literal
// "True"/"true" anywhere in the output means the path is present, its
// absence means it is not — independent of any command echo preceding it.
func ParseExists(raw string) bool {
	return strings.Contains(raw, "True") || strings.Contains(raw, "true")
}
