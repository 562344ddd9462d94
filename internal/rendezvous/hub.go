package rendezvous

import (
	"crypto/rand"
	"encoding/hex"
	"sort"
	"sync"
)

// Hub fans events out to the connected watchers.
type Hub struct {
	watchers map[string]*Watcher // watcherID -> Watcher
	mu       sync.RWMutex

	// Callbacks for lifecycle events (optional)
	OnWatcherAdded   func(w *Watcher)
	OnWatcherRemoved func(w *Watcher)
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		watchers: make(map[string]*Watcher),
	}
}

// Register adds a watcher, assigning a random ID if it has none.
func (h *Hub) Register(w *Watcher) *Watcher {
	h.mu.Lock()
	if w.ID == "" {
		w.ID = generateWatcherID()
	}
	for {
		if _, exists := h.watchers[w.ID]; !exists {
			break
		}
		w.ID = generateWatcherID()
	}
	h.watchers[w.ID] = w
	h.mu.Unlock()

	if h.OnWatcherAdded != nil {
		h.OnWatcherAdded(w)
	}
	return w
}

// Unregister removes a watcher.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	w, exists := h.watchers[id]
	if exists {
		delete(h.watchers, id)
	}
	h.mu.Unlock()

	if exists && h.OnWatcherRemoved != nil {
		h.OnWatcherRemoved(w)
	}
}

// Count returns the number of connected watchers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers)
}

// WatcherInfo is a JSON snapshot of a connected watcher.
type WatcherInfo struct {
	ID          string `json:"id"`
	ConnectedAt int64  `json:"connected_at"` // Unix milliseconds
	Dropped     uint64 `json:"dropped"`
}

// Watchers returns a snapshot of the connected watchers, oldest first.
func (h *Hub) Watchers() []WatcherInfo {
	h.mu.RLock()
	infos := make([]WatcherInfo, 0, len(h.watchers))
	for _, w := range h.watchers {
		infos = append(infos, WatcherInfo{
			ID:          w.ID,
			ConnectedAt: w.ConnectedAt.UnixMilli(),
			Dropped:     w.Dropped(),
		})
	}
	h.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].ConnectedAt != infos[j].ConnectedAt {
			return infos[i].ConnectedAt < infos[j].ConnectedAt
		}
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// Publish queues e on every watcher. It never blocks.
func (h *Hub) Publish(e *Event) {
	h.mu.RLock()
	watchers := make([]*Watcher, 0, len(h.watchers))
	for _, w := range h.watchers {
		watchers = append(watchers, w)
	}
	h.mu.RUnlock()

	for _, w := range watchers {
		w.Enqueue(e)
	}
}

// CloseAll closes and removes every watcher.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	watchers := h.watchers
	h.watchers = make(map[string]*Watcher)
	h.mu.Unlock()

	for _, w := range watchers {
		w.Close()
	}
}

// generateWatcherID creates a random 8-character hex ID.
func generateWatcherID() string {
	b := make([]byte, 4)
	rand.Read(b)
	return hex.EncodeToString(b)
}
