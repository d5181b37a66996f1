// Package syncctl implements the clipboard sync controller (C7): it binds
// the local ClipboardIO to the clip history store and the CLIP_PROTOCOL
// messenger, turning local clipboard changes into broadcasts and inbound
// clip messages into history entries and clipboard writes.
package syncctl

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jonboulle/clockwork"

	"go.klb.dev/meshclip/internal/clipboard"
	"go.klb.dev/meshclip/internal/history"
	"go.klb.dev/meshclip/internal/messenger"
	"go.klb.dev/meshclip/internal/meshmsg"
)

// inFlightTTL bounds how long an inbound clip id is remembered purely to
// collapse duplicate deliveries arriving over more than one path.
const inFlightTTL = 5 * time.Second

// Controller is the clipboard sync controller (§5).
type Controller struct {
	localID   string
	io        *clipboard.IO
	history   *history.Store
	messenger *messenger.ClipMessenger
	clock     clockwork.Clock

	autoSync atomic.Bool

	inFlightMu sync.Mutex
	inFlight   *lru.LRU[string, struct{}]

	mu      sync.Mutex
	running bool
}

// New constructs a Controller. autoSync sets the initial broadcast policy
// (§5: "auto_sync", off leaves local clips stored but not sent).
func New(localID string, io *clipboard.IO, store *history.Store, clock clockwork.Clock, autoSync bool) *Controller {
	c := &Controller{
		localID: localID,
		io:      io,
		history: store,
		clock:   clock,
		inFlight: lru.NewLRU[string, struct{}](1024, nil, inFlightTTL),
	}
	c.autoSync.Store(autoSync)
	return c
}

// BindMessaging attaches the CLIP_PROTOCOL messenger used for outbound
// broadcast and inbound delivery. Safe to call again to rebind.
func (c *Controller) BindMessaging(m *messenger.ClipMessenger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messenger = m
	if c.running {
		m.OnMessage(c.handleRemoteClip)
	}
}

// Start wires the clipboard IO's local-clip events into the controller and
// starts the IO itself.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	if c.messenger != nil {
		c.messenger.OnMessage(c.handleRemoteClip)
	}
	c.mu.Unlock()

	c.io.OnLocalClip(func(clip meshmsg.Clip) { c.handleLocalClip(ctx, clip) })
	return c.io.Start(ctx)
}

// Stop stops the underlying clipboard IO. The controller itself has no
// further external resources to release.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	c.io.Stop()
}

// SetAutoSync toggles whether local clips are broadcast as they're detected.
func (c *Controller) SetAutoSync(on bool) { c.autoSync.Store(on) }

// IsAutoSync reports the current broadcast policy.
func (c *Controller) IsAutoSync() bool { return c.autoSync.Load() }

func (c *Controller) handleLocalClip(ctx context.Context, clip meshmsg.Clip) {
	if err := c.history.Add(ctx, clip, history.ReceivedFromLocal, true); err != nil {
		slog.Warn("syncctl: failed to store local clip", "err", err)
		return
	}

	if !c.autoSync.Load() {
		return
	}

	c.mu.Lock()
	m := c.messenger
	c.mu.Unlock()
	if m == nil {
		return
	}

	msg := meshmsg.NewClipMessage(c.localID, clip, c.clock.Now().Unix())
	m.Broadcast(ctx, msg)
}

// handleRemoteClip is the CLIP_PROTOCOL inbound handler (§5): echoes of our
// own broadcasts and duplicate in-flight deliveries are dropped before
// touching history or the clipboard.
func (c *Controller) handleRemoteClip(from string, msg meshmsg.ClipMessage) {
	clip := msg.Clip
	if msg.From == c.localID {
		return
	}

	if !c.claimInFlight(clip.ID) {
		return
	}
	defer c.releaseInFlight(clip.ID)

	if _, exists := c.history.GetByID(clip.ID); exists {
		return
	}

	ctx := context.Background()
	if err := c.history.Add(ctx, clip, msg.From, false); err != nil {
		slog.Warn("syncctl: failed to store remote clip", "err", err)
		return
	}

	if err := c.io.WriteRemoteClip(clip); err != nil {
		slog.Warn("syncctl: failed to apply remote clip to clipboard", "err", err)
	}
}

// claimInFlight returns false if id is already being processed, and
// otherwise marks it in-flight for inFlightTTL.
func (c *Controller) claimInFlight(id string) bool {
	c.inFlightMu.Lock()
	defer c.inFlightMu.Unlock()
	if _, ok := c.inFlight.Get(id); ok {
		return false
	}
	c.inFlight.Add(id, struct{}{})
	return true
}

func (c *Controller) releaseInFlight(id string) {
	c.inFlightMu.Lock()
	c.inFlight.Remove(id)
	c.inFlightMu.Unlock()
}
