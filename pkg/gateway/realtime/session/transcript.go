package session

import (
	"strings"
	"sync"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
}

// Transcript is the append-only turn log of one session. Entries keep
// receipt order and are never rewritten; readers get copies.
type Transcript struct {
	mu      sync.RWMutex
	entries []Entry
}

func (t *Transcript) Append(e Entry) {
	t.mu.Lock()
	t.entries = append(t.entries, e)
	t.mu.Unlock()
}

func (t *Transcript) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Format renders one "role: text" line per entry.
func (t *Transcript) Format() string {
	entries := t.Entries()
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, string(e.Role)+": "+e.Text)
	}
	return strings.Join(lines, "\n")
}
