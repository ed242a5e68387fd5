//go:build !windows

package ipc

import (
	"os"
)

func runtimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir
	}
	return os.TempDir()
}

// restrict limits the socket to its owner.
func restrict(path string) { _ = os.Chmod(path, 0o600) }
