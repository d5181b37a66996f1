// Package clipboard implements the ClipboardIO external capability (§4.7):
// polling or manual normalization of OS clipboard text into Clips, with an
// echo-suppression contract so a remote write never re-emits as a local
// change.
package clipboard

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"go.klb.dev/meshclip/internal/events"
	"go.klb.dev/meshclip/internal/meshmsg"
)

// DefaultPollInterval is used when no interval is configured. A value of 0
// disables polling entirely (manual mode only).
const DefaultPollInterval = 2000 * time.Millisecond

// Backend is the minimal platform clipboard surface IO needs: read/write the
// text representation and a change-notification channel.
type Backend interface {
	Name() string
	ReadText() (string, error)
	WriteText(text string) error
	// Watch signals on every detected native change. Implementations without
	// native notification support a timer-driven channel instead; IO treats
	// both identically.
	Watch() <-chan struct{}
	Close()
}

// IO is the clipboard sync controller's external collaborator: it turns raw
// clipboard text into normalized Clips and applies remote clips back to the
// OS clipboard.
type IO struct {
	backend      Backend
	localID      string
	clock        clockwork.Clock
	pollInterval time.Duration

	onLocalClip events.Emitter[meshmsg.Clip]

	mu            sync.Mutex
	running       bool
	lastReadHash  uint64
	lastWriteHash uint64
	hasLastWrite  bool

	stop chan struct{}
	done chan struct{}
}

// New returns an IO bound to backend. A nil backend or a pollInterval of 0
// disables polling; only ProcessLocalText is usable (manual mode).
func New(backend Backend, localID string, clock clockwork.Clock, pollInterval time.Duration) *IO {
	return &IO{backend: backend, localID: localID, clock: clock, pollInterval: pollInterval}
}

// OnLocalClip registers a listener invoked once per normalized local clip.
func (io *IO) OnLocalClip(cb func(meshmsg.Clip)) {
	io.onLocalClip.On(cb)
}

// Start begins polling the backend, if one is bound and the interval is
// non-zero. Safe to call once; subsequent calls are no-ops while running.
func (io *IO) Start(ctx context.Context) error {
	io.mu.Lock()
	if io.running || io.backend == nil || io.pollInterval == 0 {
		io.mu.Unlock()
		return nil
	}
	io.running = true
	io.stop = make(chan struct{})
	io.done = make(chan struct{})
	io.mu.Unlock()

	go io.pollLoop(ctx)
	return nil
}

// Stop halts polling. It does not close the backend.
func (io *IO) Stop() {
	io.mu.Lock()
	if !io.running {
		io.mu.Unlock()
		return
	}
	io.running = false
	stop := io.stop
	done := io.done
	io.mu.Unlock()

	close(stop)
	<-done
}

func (io *IO) pollLoop(ctx context.Context) {
	defer close(io.done)
	ticker := time.NewTicker(io.pollInterval)
	defer ticker.Stop()

	changes := io.backend.Watch()
	for {
		select {
		case <-io.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			io.poll()
		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			io.poll()
		}
	}
}

func (io *IO) poll() {
	text, err := io.backend.ReadText()
	if err != nil {
		slog.Warn("clipboard: read failed", "backend", io.backend.Name(), "err", err)
		return
	}

	hash := HashText(text)

	io.mu.Lock()
	if hash == io.lastReadHash {
		io.mu.Unlock()
		return
	}
	io.lastReadHash = hash

	if io.hasLastWrite && hash == io.lastWriteHash {
		// Echo suppression: this change is our own recent remote write
		// reappearing on the next poll, not a genuine local edit.
		io.hasLastWrite = false
		io.mu.Unlock()
		return
	}
	io.hasLastWrite = false
	io.mu.Unlock()

	io.emitLocal(text)
}

func (io *IO) emitLocal(text string) {
	clip, ok := Normalize(text, io.localID, io.clock)
	if !ok {
		return
	}
	io.onLocalClip.Emit(clip)
}

// ProcessLocalText normalizes text as if it had just been observed on the
// clipboard, for host environments that cannot poll.
func (io *IO) ProcessLocalText(text string) {
	io.emitLocal(text)
}

// WriteRemoteClip applies an inbound clip to the OS clipboard. It is
// idempotent per clip id is the caller's responsibility (the sync
// controller's in-flight/history dedup); this method only guarantees the
// write itself does not re-trigger a local-change event on the next poll.
func (io *IO) WriteRemoteClip(clip meshmsg.Clip) error {
	if io.backend == nil {
		return nil
	}
	if clip.Type != meshmsg.ClipText && clip.Type != meshmsg.ClipURL {
		// Image/file clips are stored but not written back, per §4.7.
		return nil
	}

	hash := HashText(clip.Content)
	io.mu.Lock()
	io.lastWriteHash = hash
	io.hasLastWrite = true
	io.mu.Unlock()

	if err := io.backend.WriteText(clip.Content); err != nil {
		return fmt.Errorf("clipboard: write remote clip %s: %w", clip.ID, err)
	}
	return nil
}
