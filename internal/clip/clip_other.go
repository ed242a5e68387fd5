//go:build !darwin && !windows && !linux

package clip

// New returns the headless backend; there is no system clipboard to reach.
func New() Backend {
	return NewHeadless()
}
