package events

import "sync"

// Hub fans events out to the waiters registered in this process. Sends never
// block: each watcher channel holds one event and a waiter only ever needs
// the first.
type Hub struct {
	mu       sync.Mutex
	watchers map[string]map[chan Event]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{watchers: make(map[string]map[chan Event]struct{})}
}

// AddWatcher registers a new watcher channel for gameID.
func (h *Hub) AddWatcher(gameID string) chan Event {
	ch := make(chan Event, 1)
	h.mu.Lock()
	set, ok := h.watchers[gameID]
	if !ok {
		set = make(map[chan Event]struct{})
		h.watchers[gameID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// RemoveWatcher unregisters ch. Removing twice is harmless.
func (h *Hub) RemoveWatcher(gameID string, ch chan Event) {
	h.mu.Lock()
	if set, ok := h.watchers[gameID]; ok {
		delete(set, ch)
		if len(set) == 0 {
			delete(h.watchers, gameID)
		}
	}
	h.mu.Unlock()
}

// Broadcast delivers ev to every watcher of its game.
func (h *Hub) Broadcast(ev Event) {
	h.mu.Lock()
	for ch := range h.watchers[ev.GameID] {
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

// Watchers returns how many waiters are registered for gameID.
func (h *Hub) Watchers(gameID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watchers[gameID])
}
