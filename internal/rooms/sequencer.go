package rooms

import (
	"sort"
	"sync"
)

// Sequencer serializes work per room id. Work on different rooms runs concurrently.
type Sequencer struct {
	mu      sync.Mutex
	entries map[string]*sequencerEntry
}

type sequencerEntry struct {
	mu   sync.Mutex
	refs int
}

// NewSequencer constructs an empty Sequencer.
func NewSequencer() *Sequencer {
	return &Sequencer{entries: make(map[string]*sequencerEntry)}
}

// Lock acquires every named room in sorted order and returns the release function.
// Entries are dropped once nobody holds or waits on them.
func (sequencer *Sequencer) Lock(roomIDs ...string) func() {
	keys := uniqueSorted(roomIDs)
	entries := make([]*sequencerEntry, 0, len(keys))
	for _, key := range keys {
		entry := sequencer.acquire(key)
		entry.mu.Lock()
		entries = append(entries, entry)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for position := len(keys) - 1; position >= 0; position-- {
				entries[position].mu.Unlock()
				sequencer.release(keys[position])
			}
		})
	}
}

// Len returns the number of rooms currently held or awaited.
func (sequencer *Sequencer) Len() int {
	sequencer.mu.Lock()
	defer sequencer.mu.Unlock()
	return len(sequencer.entries)
}

func (sequencer *Sequencer) acquire(key string) *sequencerEntry {
	sequencer.mu.Lock()
	defer sequencer.mu.Unlock()
	entry, ok := sequencer.entries[key]
	if !ok {
		entry = &sequencerEntry{}
		sequencer.entries[key] = entry
	}
	entry.refs++
	return entry
}

func (sequencer *Sequencer) release(key string) {
	sequencer.mu.Lock()
	defer sequencer.mu.Unlock()
	entry, ok := sequencer.entries[key]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(sequencer.entries, key)
	}
}

func uniqueSorted(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	unique := make([]string, 0, len(values))
	for _, value := range values {
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		unique = append(unique, value)
	}
	sort.Strings(unique)
	return unique
}
