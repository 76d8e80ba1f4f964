package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ErrNotFound is returned when an artifact handle is unknown or released.
var ErrNotFound = errors.New("recording: artifact not found")

// Uploader copies a finished artifact to durable storage and returns where it
// can be fetched from.
type Uploader interface {
	Upload(ctx context.Context, a Artifact) (location string, err error)
}

// Entry is a stored artifact plus its upload location, if any.
type Entry struct {
	Artifact
	Location string
}

// Store holds finished artifacts in memory until the caller releases them.
//
// All exported methods are safe for concurrent use.
type Store struct {
	uploader Uploader

	mu      sync.RWMutex
	entries map[string]Entry
}

// NewStore creates a Store. uploader may be nil.
func NewStore(uploader Uploader) *Store {
	return &Store{
		uploader: uploader,
		entries:  make(map[string]Entry),
	}
}

// Put stores a and, when an uploader is configured, uploads it. An upload
// failure is logged and the artifact is kept in memory. Empty artifacts are
// not stored.
func (s *Store) Put(ctx context.Context, a Artifact) (Entry, error) {
	if a.Empty() {
		return Entry{Artifact: a}, nil
	}
	if a.ID == "" {
		return Entry{}, fmt.Errorf("recording: put: artifact has no id")
	}

	e := Entry{Artifact: a}
	if s.uploader != nil {
		loc, err := s.uploader.Upload(ctx, a)
		if err != nil {
			slog.Warn("recording: upload failed, keeping artifact in memory", "id", a.ID, "err", err)
		} else {
			e.Location = loc
		}
	}

	s.mu.Lock()
	s.entries[a.ID] = e
	s.mu.Unlock()
	return e, nil
}

// Get returns the artifact with the given id.
func (s *Store) Get(id string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// Release drops the in-memory copy of an artifact.
func (s *Store) Release(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.entries, id)
	return nil
}

// List returns all stored entries, newest first, without their audio data.
func (s *Store) List() []Entry {
	s.mu.RLock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		e.Data = nil
		out = append(out, e)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}
