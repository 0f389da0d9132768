package conversation

import (
	"sync"
	"time"
)

type Origin int

const (
	User Origin = iota
	Agent
)

func (o Origin) String() string {
	if o == User {
		return "user"
	}
	return "agent"
}

// Replies are not transcribed, so both sides get fixed text.
const (
	UserPlaceholder  = "Voice Message Sent"
	AgentPlaceholder = "AI Response Played"
)

type Entry struct {
	Text      string
	Origin    Origin
	Timestamp time.Time
}

// Transcript is an append-only log of turns in the order they happened.
type Transcript struct {
	mu      sync.RWMutex
	entries []Entry
}

func (t *Transcript) Append(e Entry) {
	t.mu.Lock()
	t.entries = append(t.entries, e)
	t.mu.Unlock()
}

// Entries returns a copy.
func (t *Transcript) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Entry(nil), t.entries...)
}

func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
