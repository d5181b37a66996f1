// Package historysync implements post-approval history catch-up (C8): once
// a device becomes trusted it receives every locally originated clip still
// inside the retention window, sent once per process lifetime in bounded
// chunks. Clips imported from other devices are not forwarded.
package historysync

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"go.klb.dev/meshclip/internal/history"
	"go.klb.dev/meshclip/internal/identity"
	"go.klb.dev/meshclip/internal/messenger"
	"go.klb.dev/meshclip/internal/meshmsg"
	"go.klb.dev/meshclip/internal/trust"
)

// MaxClipsPerChunk and MaxChunkBytes bound a single sync-history message
// (§4.6): at most 100 clips, and the serialized payload capped at 500 KiB,
// whichever limit is reached first.
const (
	MaxClipsPerChunk = 100
	MaxChunkBytes    = 500 * 1024
)

// Syncer drives outbound catch-up on trust approval and imports inbound
// catch-up batches into history.
type Syncer struct {
	localID   string
	history   *history.Store
	messenger *messenger.HistoryMessenger
	clock     clockwork.Clock

	sent map[string]bool // device id -> catch-up already sent this process
}

// New constructs a Syncer and subscribes it to trustMgr's approval events.
func New(localID string, store *history.Store, m *messenger.HistoryMessenger, trustMgr *trust.Manager, clock clockwork.Clock) *Syncer {
	s := &Syncer{
		localID:   localID,
		history:   store,
		messenger: m,
		clock:     clock,
		sent:      make(map[string]bool),
	}
	trustMgr.OnApproved(func(d identity.TrustedDevice) { s.onApproved(d) })
	m.OnMessage(s.handleInbound)
	return s
}

func (s *Syncer) onApproved(device identity.TrustedDevice) {
	if s.sent[device.DeviceID] {
		return
	}
	s.sent[device.DeviceID] = true
	s.sendCatchUp(context.Background(), device.DeviceID)
}

func (s *Syncer) sendCatchUp(ctx context.Context, deviceID string) {
	since := s.clock.Now().UnixMilli() - history.RetentionMS
	items := s.history.Query(history.QueryOptions{Since: since})

	clips := make([]meshmsg.Clip, 0, len(items))
	for _, item := range items {
		if !item.IsLocal {
			continue
		}
		clips = append(clips, item.Clip)
	}

	for _, chunk := range chunkClips(clips) {
		if raw, err := json.Marshal(chunk); err == nil && len(raw) > MaxChunkBytes {
			slog.Warn("historysync: catch-up chunk exceeds byte bound, not sending it or later chunks", "device", deviceID, "bytes", len(raw))
			return
		}
		msg := meshmsg.NewHistorySync(s.localID, chunk, s.clock.Now().Unix())
		if err := s.messenger.Send(ctx, deviceID, msg); err != nil {
			slog.Warn("historysync: failed to send catch-up chunk", "device", deviceID, "err", err)
			return
		}
	}
}

// chunkClips splits clips into batches bounded by both MaxClipsPerChunk and
// MaxChunkBytes, whichever is hit first.
func chunkClips(clips []meshmsg.Clip) [][]meshmsg.Clip {
	if len(clips) == 0 {
		return nil
	}

	var chunks [][]meshmsg.Clip
	var current []meshmsg.Clip
	currentBytes := 0

	for _, clip := range clips {
		size := estimateSize(clip)
		if len(current) > 0 && (len(current) >= MaxClipsPerChunk || currentBytes+size > MaxChunkBytes) {
			chunks = append(chunks, current)
			current = nil
			currentBytes = 0
		}
		current = append(current, clip)
		currentBytes += size
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

func estimateSize(clip meshmsg.Clip) int {
	raw, err := json.Marshal(clip)
	if err != nil {
		return 0
	}
	return len(raw)
}

func (s *Syncer) handleInbound(from string, msg meshmsg.HistorySync) {
	if err := s.history.ImportBatch(context.Background(), msg.Payload); err != nil {
		slog.Warn("historysync: failed to import catch-up batch", "from", from, "err", err)
	}
}
