package listing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Result is the outcome of a [Searcher.Search].
type Result struct {
	Listings []Listing `json:"listings"`

	// Filter is the filter that produced Listings. Its Location differs from
	// the requested one when the phonetic fallback kicked in.
	Filter Filter `json:"filter"`

	// Corrected is true when Location was replaced by a matched city.
	Corrected bool `json:"corrected,omitempty"`
}

// Searcher queries a [Store] and falls back to phonetic city matching when a
// location filter yields no listings.
type Searcher struct {
	store   Store
	matcher *CityMatcher
}

// NewSearcher wraps store. A nil matcher disables the fallback.
func NewSearcher(store Store, matcher *CityMatcher) *Searcher {
	return &Searcher{store: store, matcher: matcher}
}

// Store returns the underlying catalog.
func (s *Searcher) Store() Store { return s.store }

// Search applies f. The fallback only runs when f has a location and the
// plain query found nothing.
func (s *Searcher) Search(ctx context.Context, f Filter) (Result, error) {
	ls, err := s.store.List(ctx, f)
	if err != nil {
		return Result{}, fmt.Errorf("listing: search: %w", err)
	}
	if len(ls) > 0 || s.matcher == nil || strings.TrimSpace(f.Location) == "" {
		return Result{Listings: ls, Filter: f}, nil
	}

	cities, err := s.store.Cities(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("listing: search: cities: %w", err)
	}
	city, score, ok := s.matcher.Match(f.Location, cities)
	if !ok || strings.EqualFold(city, f.Location) {
		return Result{Listings: ls, Filter: f}, nil
	}

	corrected := f
	corrected.Location = city
	ls, err = s.store.List(ctx, corrected)
	if err != nil {
		return Result{}, fmt.Errorf("listing: search: %w", err)
	}
	slog.Debug("listing: location corrected", "from", f.Location, "to", city, "score", score)
	return Result{Listings: ls, Filter: corrected, Corrected: true}, nil
}
