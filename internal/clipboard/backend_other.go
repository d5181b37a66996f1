//go:build !darwin && !windows && !linux

package clipboard

// NewOSBackend falls back to the headless backend on platforms
// golang.design/x/clipboard does not support.
func NewOSBackend() (Backend, error) {
	return NewHeadlessBackend(), nil
}
