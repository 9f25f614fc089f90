package vmcontrol

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/sandboxlab/sandboxd/internal/guestcmd"
)

// chunkSize is conservative enough to stay under typical guestcontrol
// command-line length limits on both Windows and Linux guests.
const chunkSize = 48 * 1024

// copyToGuestChunked transfers hostPath into the guest by base64-encoding
// it and appending it piece by piece through guest shell commands, used
// only when the platform's native guestcontrol copyto call has failed.
func (c *VBoxController) copyToGuestChunked(ctx context.Context, vmName, hostPath, guestPath string, creds Credentials) error {
	data, err := os.ReadFile(hostPath)
	if err != nil {
		return fmt.Errorf("reading %s for chunked transfer: %w", hostPath, err)
	}

	guestOS := guestcmd.Linux
	if looksLikeWindowsPath(guestPath) {
		guestOS = guestcmd.Windows
	}

	if _, err := c.ExecInGuest(ctx, vmName, guestOS, guestcmd.BuildDelete(guestOS, guestPath+".b64"), creds); err != nil {
		return fmt.Errorf("clearing stale chunk file: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(data)
	for start := 0; start < len(encoded); start += chunkSize {
		end := min(start+chunkSize, len(encoded))
		chunk := encoded[start:end]
		appendCmd := buildAppendChunk(guestOS, guestPath+".b64", chunk)
		if _, err := c.ExecInGuest(ctx, vmName, guestOS, appendCmd, creds); err != nil {
			return fmt.Errorf("writing chunk [%d:%d] to guest: %w", start, end, err)
		}
	}

	decodeCmd := buildDecodeChunks(guestOS, guestPath+".b64", guestPath)
	if _, err := c.ExecInGuest(ctx, vmName, guestOS, decodeCmd, creds); err != nil {
		return fmt.Errorf("decoding chunked transfer on guest: %w", err)
	}
	return nil
}

func looksLikeWindowsPath(p string) bool {
	return len(p) > 1 && p[1] == ':'
}

func buildAppendChunk(os guestcmd.OS, path, chunk string) string {
	if os == guestcmd.Windows {
		return "echo " + guestcmd.Quote(chunk) + " >> " + guestcmd.Quote(path)
	}
	return "printf %s " + guestcmd.Quote(chunk) + " >> " + guestcmd.Quote(path)
}

func buildDecodeChunks(os guestcmd.OS, encodedPath, destPath string) string {
	if os == guestcmd.Windows {
		return "certutil -decode " + guestcmd.Quote(encodedPath) + " " + guestcmd.Quote(destPath)
	}
	return "base64 -d " + guestcmd.Quote(encodedPath) + " > " + guestcmd.Quote(destPath)
}
