package clipboard

// headlessBackend is a no-op clipboard backend for environments without a
// display server (containers, CI, headless Linux servers). It never
// produces Watch events and silently discards writes.
type headlessBackend struct {
	changes chan struct{}
}

// NewHeadlessBackend returns a no-op backend, usable on any platform when
// the real OS clipboard is unavailable.
func NewHeadlessBackend() Backend {
	return &headlessBackend{changes: make(chan struct{})}
}

func (b *headlessBackend) Name() string                { return "headless (no-op)" }
func (b *headlessBackend) ReadText() (string, error)   { return "", nil }
func (b *headlessBackend) WriteText(_ string) error    { return nil }
func (b *headlessBackend) Watch() <-chan struct{}      { return b.changes }
func (b *headlessBackend) Close()                      {}
