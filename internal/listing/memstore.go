package listing

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
)

// Compile-time assertion that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// MemStore is a thread-safe, in-memory [Store].
type MemStore struct {
	mu       sync.RWMutex
	listings []Listing
	byID     map[string]int
}

// NewMemStore returns a [MemStore] holding ls. Listings are kept sorted by id.
// Duplicate ids are rejected.
func NewMemStore(ls []Listing) (*MemStore, error) {
	s := &MemStore{}
	if err := s.Replace(ls); err != nil {
		return nil, err
	}
	return s, nil
}

// Replace swaps the whole catalog atomically.
func (s *MemStore) Replace(ls []Listing) error {
	sorted := slices.Clone(ls)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	byID := make(map[string]int, len(sorted))
	for i, l := range sorted {
		if l.ID == "" {
			return fmt.Errorf("listing: entry %d (%q) has no id", i, l.Title)
		}
		if _, dup := byID[l.ID]; dup {
			return fmt.Errorf("listing: duplicate id %q", l.ID)
		}
		byID[l.ID] = i
	}

	s.mu.Lock()
	s.listings = sorted
	s.byID = byID
	s.mu.Unlock()
	return nil
}

// List implements [Store.List].
func (s *MemStore) List(_ context.Context, f Filter) ([]Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Apply(s.listings, f), nil
}

// Get implements [Store.Get].
func (s *MemStore) Get(_ context.Context, id string) (Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byID[id]
	if !ok {
		return Listing{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.listings[i], nil
}

// Cities implements [Store.Cities].
func (s *MemStore) Cities(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, l := range s.listings {
		if _, ok := seen[l.City]; ok || l.City == "" {
			continue
		}
		seen[l.City] = struct{}{}
		out = append(out, l.City)
	}
	sort.Strings(out)
	return out, nil
}

// Ping implements [Store.Ping]. It always succeeds.
func (s *MemStore) Ping(context.Context) error { return nil }
