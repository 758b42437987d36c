// Package session holds the transient per-conversation state used to build
// generation prompts: a bounded FIFO of recent turns, the last known
// relationship snapshot and an optional scenario reference. Nothing here is
// authoritative; everything can be rebuilt from the record store.
package session

import (
	"time"

	"github.com/heartline/heartline/pkg/storage"
)

// DefaultWindowSize is the number of turns a Window keeps.
const DefaultWindowSize = 10

// Turn is one entry of the context window.
type Turn struct {
	ID      string         `json:"id,omitempty"`
	Speaker storage.Sender `json:"speaker"`
	Text    string         `json:"text"`
	At      time.Time      `json:"at"`
}

// TurnFromMessage converts a persisted message into a window turn.
func TurnFromMessage(m *storage.Message) Turn {
	return Turn{ID: m.ID, Speaker: m.Sender, Text: m.Content, At: m.CreatedAt}
}

// Window is a fixed-capacity FIFO of turns. Once full, each Push evicts the
// oldest turn. Window is not safe for concurrent use; Session guards it.
type Window struct {
	buf   []Turn
	start int
	n     int
}

// NewWindow returns an empty window holding at most capacity turns.
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultWindowSize
	}
	return &Window{buf: make([]Turn, capacity)}
}

// Push appends t, evicting the oldest turn when the window is full.
func (w *Window) Push(t Turn) {
	if w.n < len(w.buf) {
		w.buf[(w.start+w.n)%len(w.buf)] = t
		w.n++
		return
	}
	w.buf[w.start] = t
	w.start = (w.start + 1) % len(w.buf)
}

// Snapshot returns a copy of the turns, oldest first.
func (w *Window) Snapshot() []Turn {
	out := make([]Turn, w.n)
	for i := 0; i < w.n; i++ {
		out[i] = w.buf[(w.start+i)%len(w.buf)]
	}
	return out
}

// Clear empties the window.
func (w *Window) Clear() {
	clear(w.buf)
	w.start, w.n = 0, 0
}

// Len returns the number of turns held.
func (w *Window) Len() int { return w.n }

// Cap returns the window capacity.
func (w *Window) Cap() int { return len(w.buf) }
