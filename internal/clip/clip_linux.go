//go:build linux

package clip

import (
	"crypto/sha256"
	"log/slog"
	"sync"

	"golang.design/x/clipboard"
)

// New returns the Linux clipboard backend, or a headless in-memory backend
// if no display is available (e.g. a guest without X11 or Wayland).
// X11 has no change counter, so one is derived from a content hash.
func New() Backend {
	if err := clipboard.Init(); err != nil {
		slog.Warn("clipboard unavailable, running headless", "err", err)
		return NewHeadless()
	}
	hc := &hashCounter{}
	return &nativeBackend{
		name:    "Linux clipboard",
		counter: hc.next,
	}
}

// hashCounter bumps its value whenever the clipboard digest changes.
type hashCounter struct {
	mu   sync.Mutex
	last [sha256.Size]byte
	n    int64
}

func (h *hashCounter) next() int64 {
	var sum [sha256.Size]byte
	if c := readNative(); c != nil {
		d := sha256.New()
		d.Write([]byte(c.Type.MIME()))
		d.Write(c.Data)
		copy(sum[:], d.Sum(nil))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if sum != h.last {
		h.last = sum
		h.n++
	}
	return h.n
}
