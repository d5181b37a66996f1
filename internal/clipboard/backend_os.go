//go:build darwin || windows || linux

package clipboard

import (
	"context"

	"golang.design/x/clipboard"
)

// osBackend adapts golang.design/x/clipboard, which already handles the
// macOS/Windows/Linux (X11) platform differences internally, to the narrow
// Backend surface IO needs.
type osBackend struct {
	cancel  context.CancelFunc
	changes chan struct{}
}

// NewOSBackend initializes the platform clipboard. It returns an error if no
// display/clipboard service is reachable (e.g. a headless Linux server);
// callers should fall back to NewHeadlessBackend in that case.
func NewOSBackend() (Backend, error) {
	if err := clipboard.Init(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &osBackend{cancel: cancel, changes: make(chan struct{}, 1)}
	go b.watch(ctx)
	return b, nil
}

func (b *osBackend) Name() string { return "OS clipboard" }

func (b *osBackend) ReadText() (string, error) {
	return string(clipboard.Read(clipboard.FmtText)), nil
}

func (b *osBackend) WriteText(text string) error {
	clipboard.Write(clipboard.FmtText, []byte(text))
	return nil
}

func (b *osBackend) Watch() <-chan struct{} { return b.changes }

func (b *osBackend) Close() { b.cancel() }

func (b *osBackend) watch(ctx context.Context) {
	for range clipboard.Watch(ctx, clipboard.FmtText) {
		select {
		case b.changes <- struct{}{}:
		default:
		}
	}
}
