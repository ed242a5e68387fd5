//go:build darwin

package clip

// #cgo CFLAGS: -x objective-c
// #cgo LDFLAGS: -framework Cocoa
// #import <Cocoa/Cocoa.h>
//
// NSInteger clipvm_changeCount() {
//     return [[NSPasteboard generalPasteboard] changeCount];
// }
import "C"

import (
	"log/slog"

	"golang.design/x/clipboard"
)

// New returns the macOS clipboard backend. NSPasteboard's changeCount is the
// change token; it increments on every write, ours included.
// clipboard.Init is called here rather than in init() so that the status
// command never touches the pasteboard.
func New() Backend {
	if err := clipboard.Init(); err != nil {
		slog.Warn("clipboard unavailable, running headless", "err", err)
		return NewHeadless()
	}
	return &nativeBackend{
		name:    "macOS NSPasteboard",
		counter: func() int64 { return int64(C.clipvm_changeCount()) },
	}
}
