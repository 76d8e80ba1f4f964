// Package listing holds the property catalog the voice assistant filters
// through the filterProperties tool.
//
// A [Store] returns listings matching a [Filter]. The [Searcher] wraps a store
// and, when a location yields nothing, retries with the phonetically closest
// known city so that "Gent" or "Brugge" still find Ghent and Bruges.
package listing

import (
	"strings"
)

// Listing is a single rentable property.
type Listing struct {
	ID        string   `yaml:"id"        json:"id"`
	Title     string   `yaml:"title"     json:"title"`
	Address   string   `yaml:"address"   json:"address"`
	City      string   `yaml:"city"      json:"city"`
	Price     float64  `yaml:"price"     json:"price"`
	Type      string   `yaml:"type"      json:"type"`
	Status    string   `yaml:"status"    json:"status"`
	Rating    float64  `yaml:"rating"    json:"rating"`
	Reviews   int      `yaml:"reviews"   json:"reviews"`
	Bedrooms  int      `yaml:"bedrooms"  json:"bedrooms"`
	Amenities []string `yaml:"amenities" json:"amenities,omitempty"`
	Image     string   `yaml:"image"     json:"image,omitempty"`
}

// Filter narrows a listing query. All non-zero fields are applied as AND
// conditions; a zero field does not filter.
type Filter struct {
	// Location is matched case-insensitively as a substring of the city or
	// the address.
	Location string `json:"location,omitempty"`

	// MaxPrice is the maximum nightly price in euros, inclusive.
	MaxPrice float64 `json:"maxPrice,omitempty"`

	// PropertyType is matched case-insensitively as a substring of the type.
	PropertyType string `json:"propertyType,omitempty"`

	// Bedrooms is the minimum number of bedrooms.
	Bedrooms int `json:"bedrooms,omitempty"`
}

// IsZero reports whether f applies no conditions.
func (f Filter) IsZero() bool {
	return f == Filter{}
}

// Matches reports whether l satisfies every condition in f.
func (f Filter) Matches(l Listing) bool {
	if loc := strings.ToLower(strings.TrimSpace(f.Location)); loc != "" {
		if !strings.Contains(strings.ToLower(l.City), loc) &&
			!strings.Contains(strings.ToLower(l.Address), loc) {
			return false
		}
	}
	if f.MaxPrice > 0 && l.Price > f.MaxPrice {
		return false
	}
	if pt := strings.ToLower(strings.TrimSpace(f.PropertyType)); pt != "" {
		if !strings.Contains(strings.ToLower(l.Type), pt) {
			return false
		}
	}
	if f.Bedrooms > 0 && l.Bedrooms < f.Bedrooms {
		return false
	}
	return true
}

// Apply returns the listings in ls that match f, preserving order.
func Apply(ls []Listing, f Filter) []Listing {
	out := make([]Listing, 0, len(ls))
	for _, l := range ls {
		if f.Matches(l) {
			out = append(out, l)
		}
	}
	return out
}
