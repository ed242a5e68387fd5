// Package clip provides access to the system clipboard as an injectable
// capability. Build constraints select the platform backend:
//
//	clip_darwin.go   macOS via golang.design/x/clipboard + NSPasteboard changeCount
//	clip_windows.go  Windows via golang.design/x/clipboard + GetClipboardSequenceNumber
//	clip_linux.go    Linux via golang.design/x/clipboard, content-hash change counter
//	clip_other.go    headless in-memory stub
//
// Memory is a complete in-process backend used for headless hosts and tests.
package clip

import (
	"errors"

	"go.klb.dev/clipvm/internal/message"
)

// ErrUnsupported is returned by Write for a content type the backend cannot
// place on the clipboard.
var ErrUnsupported = errors.New("unsupported clipboard content type")

// Backend is the interface that all clipboard implementations satisfy.
type Backend interface {
	// Name returns a human-readable name for the backend.
	Name() string

	// Read returns the highest-priority representation currently on the
	// clipboard. Returns nil, nil if the clipboard is empty or holds only
	// unsupported types.
	Read() (*message.Content, error)

	// Write replaces the clipboard contents with c. Writing bumps the change
	// token, as every desktop clipboard does for programmatic writes.
	Write(c message.Content) error

	// ChangeToken returns a counter that changes whenever the clipboard
	// contents change, including through Write.
	ChangeToken() int64

	// Close releases any resources held by the backend.
	Close()
}
