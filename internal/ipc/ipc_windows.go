//go:build windows

package ipc

import "os"

func runtimeDir() string {
	if dir := os.Getenv("LOCALAPPDATA"); dir != "" {
		return dir
	}
	return os.TempDir()
}

// AF_UNIX sockets on Windows inherit the directory ACL.
func restrict(string) {}
