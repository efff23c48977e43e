package push

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Window is an open app window known to the agent.
type Window struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	LastSeen  time.Time `json:"last_seen"`
	FocusedAt time.Time `json:"focused_at,omitzero"`
}

// Windows tracks open app windows. Entries not seen within ttl are dropped.
type Windows struct {
	mu      sync.Mutex
	windows map[string]*Window
	ttl     time.Duration
	now     func() time.Time
}

// NewWindows returns an empty registry.
func NewWindows(ttl time.Duration) *Windows {
	return &Windows{windows: make(map[string]*Window), ttl: ttl, now: time.Now}
}

// Touch records that window id currently shows url.
func (w *Windows) Touch(id, url string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	win, ok := w.windows[id]
	if !ok {
		win = &Window{ID: id}
		w.windows[id] = win
	}
	win.URL = url
	win.LastSeen = w.now()
}

// Close forgets window id.
func (w *Windows) Close(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.windows, id)
}

// List returns live windows, most recently seen first.
func (w *Windows) List() []Window {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked()
	out := make([]Window, 0, len(w.windows))
	for _, win := range w.windows {
		out = append(out, *win)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}

// Focus marks the first live window whose URL contains target as focused.
func (w *Windows) Focus(target string) (Window, bool) {
	for _, win := range w.List() {
		if strings.Contains(win.URL, target) {
			w.mu.Lock()
			if live, ok := w.windows[win.ID]; ok {
				live.FocusedAt = w.now()
				win = *live
			}
			w.mu.Unlock()
			return win, true
		}
	}
	return Window{}, false
}

func (w *Windows) pruneLocked() {
	if w.ttl <= 0 {
		return
	}
	cutoff := w.now().Add(-w.ttl)
	for id, win := range w.windows {
		if win.LastSeen.Before(cutoff) {
			delete(w.windows, id)
		}
	}
}
