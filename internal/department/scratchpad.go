package department

import (
	"errors"
	"fmt"
	"sync"
)

// ErrScratchpadConflict indicates two agents wrote the same key.
var ErrScratchpadConflict = errors.New("scratchpad write conflict")

// Scratchpad is the shared workspace of one crew execution. A key is
// write-once: a second write to the same key fails rather than
// silently overwriting another agent's work.
type Scratchpad struct {
	mu      sync.Mutex
	entries map[string]scratchEntry
}

type scratchEntry struct {
	writer string
	value  any
}

// NewScratchpad creates an empty scratchpad.
func NewScratchpad() *Scratchpad {
	return &Scratchpad{entries: make(map[string]scratchEntry)}
}

// Put records value under key on behalf of writer.
func (s *Scratchpad) Put(writer, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[key]; ok {
		return fmt.Errorf("%w: %q already written by %s, rejected write by %s",
			ErrScratchpadConflict, key, existing.writer, writer)
	}
	s.entries[key] = scratchEntry{writer: writer, value: value}
	return nil
}

// Get returns the value stored under key.
func (s *Scratchpad) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	return entry.value, true
}

// GetString returns the value under key when it is a string.
func (s *Scratchpad) GetString(key string) string {
	v, ok := s.Get(key)
	if !ok {
		return ""
	}
	str, _ := v.(string)
	return str
}

// Keys returns the written keys, order unspecified.
func (s *Scratchpad) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	return keys
}
