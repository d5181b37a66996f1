// Package history implements the clip history store (C5): a deduplicated,
// time-ordered record of local and remote clips with a fixed retention
// window, backed by an opaque HistoryBackend.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"

	"go.klb.dev/meshclip/internal/events"
	"go.klb.dev/meshclip/internal/kvstore"
	"go.klb.dev/meshclip/internal/meshmsg"
)

// RetentionMS is the fixed 7-day horizon beyond which history entries are
// pruned and omitted from catch-up sync.
const RetentionMS int64 = 7 * 24 * 60 * 60 * 1000

// ReceivedFromImport and ReceivedFromLocal are the two non-device-id values
// HistoryItem.ReceivedFrom may take.
const (
	ReceivedFromImport = "import"
	ReceivedFromLocal  = "local"
)

// QueryOptions filters and bounds a Query call. A zero value matches
// everything, sorted newest-first, unbounded.
type QueryOptions struct {
	Type   meshmsg.ClipType // "" = any
	Search string           // case-insensitive substring on Clip.Content
	Since  int64            // 0 = no lower bound, else Clip.Timestamp >= Since
	Limit  int              // 0 = unbounded
}

// Store is the clip history manager (C5). It keeps an in-process index
// rebuilt from the backend at construction time so that reads never touch
// the backend.
type Store struct {
	backend kvstore.HistoryBackend
	clock   clockwork.Clock

	mu    sync.RWMutex
	items map[string]meshmsg.HistoryItem

	onNew events.Emitter[meshmsg.HistoryItem]
}

// New loads every persisted HistoryItem from backend into memory and returns
// a ready Store.
func New(ctx context.Context, backend kvstore.HistoryBackend, clock clockwork.Clock) (*Store, error) {
	s := &Store{
		backend: backend,
		clock:   clock,
		items:   make(map[string]meshmsg.HistoryItem),
	}

	raw, err := backend.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("history: load: %w", err)
	}
	for key, b := range raw {
		var item meshmsg.HistoryItem
		if err := json.Unmarshal(b, &item); err != nil {
			continue // skip corrupt records rather than fail startup
		}
		s.items[key] = item
	}

	return s, nil
}

// OnNew registers a listener invoked synchronously, in registration order,
// every time Add or ImportBatch installs a new or replaced item.
func (s *Store) OnNew(cb func(meshmsg.HistoryItem)) {
	s.onNew.On(cb)
}

// Add inserts or replaces the item keyed by clip.ID and emits OnNew.
func (s *Store) Add(ctx context.Context, clip meshmsg.Clip, receivedFrom string, isLocal bool) error {
	item := meshmsg.HistoryItem{
		Clip:         clip,
		ReceivedFrom: receivedFrom,
		SyncedAt:     s.clock.Now().UnixMilli(),
		IsLocal:      isLocal,
	}
	if err := s.persist(ctx, item); err != nil {
		return err
	}

	s.mu.Lock()
	s.items[clip.ID] = item
	s.mu.Unlock()

	s.onNew.Emit(item)
	return nil
}

func (s *Store) persist(ctx context.Context, item meshmsg.HistoryItem) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("history: encode %s: %w", item.Clip.ID, err)
	}
	if err := s.backend.Set(ctx, item.Clip.ID, raw); err != nil {
		return fmt.Errorf("history: persist %s: %w", item.Clip.ID, err)
	}
	return nil
}

// GetByID returns the item for id, if present.
func (s *Store) GetByID(id string) (meshmsg.HistoryItem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	return item, ok
}

// Query returns items matching opts, sorted by Clip.Timestamp descending,
// with Limit applied last.
func (s *Store) Query(opts QueryOptions) []meshmsg.HistoryItem {
	s.mu.RLock()
	out := make([]meshmsg.HistoryItem, 0, len(s.items))
	for _, item := range s.items {
		if opts.Type != "" && item.Clip.Type != opts.Type {
			continue
		}
		if opts.Since != 0 && item.Clip.Timestamp < opts.Since {
			continue
		}
		if opts.Search != "" && !strings.Contains(strings.ToLower(item.Clip.Content), strings.ToLower(opts.Search)) {
			continue
		}
		out = append(out, item)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Clip.Timestamp > out[j].Clip.Timestamp
	})

	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}

// ImportBatch adds each clip only if it is not already present; it never
// downgrades an existing IsLocal=true entry.
func (s *Store) ImportBatch(ctx context.Context, clips []meshmsg.Clip) error {
	for _, clip := range clips {
		if _, ok := s.GetByID(clip.ID); ok {
			continue
		}
		if err := s.Add(ctx, clip, ReceivedFromImport, false); err != nil {
			return err
		}
	}
	return nil
}

// PruneExpired removes items whose Clip.Timestamp predates the retention
// window or whose Clip.ExpiresAt has passed, relative to the store's clock.
func (s *Store) PruneExpired(ctx context.Context) error {
	now := s.clock.Now().UnixMilli()
	cutoff := now - RetentionMS

	s.mu.Lock()
	var stale []string
	for id, item := range s.items {
		if item.Clip.Timestamp < cutoff {
			stale = append(stale, id)
			continue
		}
		if item.Clip.ExpiresAt != nil && *item.Clip.ExpiresAt < now {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		delete(s.items, id)
	}
	s.mu.Unlock()

	for _, id := range stale {
		if err := s.backend.Remove(ctx, id); err != nil {
			return fmt.Errorf("history: prune %s: %w", id, err)
		}
	}
	return nil
}

// Remove deletes a single item by id.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.items, id)
	s.mu.Unlock()
	if err := s.backend.Remove(ctx, id); err != nil {
		return fmt.Errorf("history: remove %s: %w", id, err)
	}
	return nil
}

// ClearAll deletes every item from the store and the backend.
func (s *Store) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	s.items = make(map[string]meshmsg.HistoryItem)
	s.mu.Unlock()
	if err := s.backend.ClearAll(ctx); err != nil {
		return fmt.Errorf("history: clear all: %w", err)
	}
	return nil
}
