//go:build windows

package clip

import (
	"log/slog"
	"syscall"

	"golang.design/x/clipboard"
)

var procGetClipboardSequenceNumber = syscall.NewLazyDLL("user32.dll").NewProc("GetClipboardSequenceNumber")

// New returns the Windows clipboard backend. GetClipboardSequenceNumber is
// the change token.
func New() Backend {
	if err := clipboard.Init(); err != nil {
		slog.Warn("clipboard unavailable, running headless", "err", err)
		return NewHeadless()
	}
	return &nativeBackend{
		name: "Windows Clipboard",
		counter: func() int64 {
			n, _, _ := procGetClipboardSequenceNumber.Call()
			return int64(n)
		},
	}
}
