// Package ipc locates and opens the local Unix socket that carries a running
// clipvm endpoint's control surface. The status command probes it to find
// the daemon; nothing on it speaks the clipboard wire protocol.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"
)

// ErrRunning is returned by Listen when another process already answers on
// the socket.
var ErrRunning = errors.New("clipvm already running")

// SocketPath returns the control socket for role ("host" or "guest").
//
//   - $CLIPVM_SOCKET if set
//   - $XDG_RUNTIME_DIR/clipvm-<role>.sock on Linux
//   - $TMPDIR/clipvm-<role>.sock otherwise
func SocketPath(role string) string {
	if s := os.Getenv("CLIPVM_SOCKET"); s != "" {
		return s
	}
	return filepath.Join(runtimeDir(), "clipvm-"+role+".sock")
}

// IsRunning reports whether something is listening on path. It does a cheap
// dial-and-close; no data is exchanged.
func IsRunning(path string) bool {
	c, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		return false
	}
	_ = c.Close()
	return true
}

// Listen opens the control socket at path. A stale socket file from a
// crashed run is removed; a live one makes Listen fail with ErrRunning.
func Listen(path string) (net.Listener, error) {
	if IsRunning(path) {
		return nil, fmt.Errorf("%w: %s", ErrRunning, path)
	}
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen %s: %w", path, err)
	}
	restrict(path)
	return ln, nil
}

// Dial connects to the control socket at path.
func Dial(ctx context.Context, path string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", path)
}
