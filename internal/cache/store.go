// Package cache holds derived deployment timelines keyed by their request
// parameters, with TTL expiry, hit-count-based TTL extension, at-most-one
// concurrent refresh per key, and bounded size with least-recently-used
// eviction. Entries are derived and recomputable; losing them is never a
// correctness problem.
package cache

import (
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/deploytrail/deploytrail/internal/timeline"
)

// Key identifies one cached timeline. It is a structured composite rather
// than a concatenated string so hosts or patterns containing the separator
// cannot collide.
type Key struct {
	Host          string
	ProjectID     int
	Environment   string
	JobType       string
	TicketPattern string
}

// String renders the key with each component escaped, making the encoding
// injective.
func (k Key) String() string {
	parts := []string{
		url.QueryEscape(k.Host),
		strconv.Itoa(k.ProjectID),
		url.QueryEscape(k.Environment),
		url.QueryEscape(k.JobType),
		url.QueryEscape(k.TicketPattern),
	}
	return strings.Join(parts, "|")
}

// Entry is one cached timeline with its refresh and recency metadata.
type Entry struct {
	Timestamp    time.Time                    `json:"timestamp"`
	Data         *timeline.DeploymentTimeline `json:"data"`
	HitCount     int                          `json:"hitCount"`
	LastAccessed time.Time                    `json:"lastAccessed"`
	Refreshing   bool                         `json:"refreshing"`
	RefreshStart time.Time                    `json:"refreshStart,omitzero"`
}

// Store is a keyed entry store. Implementations must be safe for
// concurrent use; coordination semantics (locking, TTL, eviction) live in
// the Coordinator, so a store only needs get/set/delete plus recency
// ordering for eviction.
type Store interface {
	Get(key string) (Entry, bool, error)
	Set(key string, entry Entry) error
	Delete(key string) error
	Len() (int, error)
	// KeysByRecency returns all keys ordered oldest-accessed first.
	KeysByRecency() ([]string, error)
}

// MemoryStore is the in-process Store used by default.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

// Get returns the entry for key, if present.
func (s *MemoryStore) Get(key string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	return entry, ok, nil
}

// Set stores the entry under key, replacing any previous value.
func (s *MemoryStore) Set(key string, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry
	return nil
}

// Delete removes the entry for key if present.
func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Len reports the number of stored entries.
func (s *MemoryStore) Len() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries), nil
}

// KeysByRecency returns keys ordered oldest-accessed first.
func (s *MemoryStore) KeysByRecency() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return s.entries[keys[i]].LastAccessed.Before(s.entries[keys[j]].LastAccessed)
	})
	return keys, nil
}
