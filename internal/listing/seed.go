package listing

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed seed.yaml
var seedYAML []byte

// File is the top-level structure of a listing catalog YAML file.
//
// Example:
//
//	listings:
//	  - id: "102"
//	    title: "Historic Canal House"
//	    city: Ghent
//	    price: 180
//	    type: House
//	    bedrooms: 3
type File struct {
	Listings []Listing `yaml:"listings"`
}

// Seed returns the built-in catalog of Belgian holiday rentals.
func Seed() ([]Listing, error) {
	f, err := LoadFromReader(bytes.NewReader(seedYAML))
	if err != nil {
		return nil, fmt.Errorf("listing: built-in seed: %w", err)
	}
	return f.Listings, nil
}

// LoadFile reads and parses a catalog YAML file from disk.
func LoadFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("listing: open catalog file %q: %w", path, err)
	}
	defer f.Close()

	lf, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("listing: parse catalog file %q: %w", path, err)
	}
	return lf, nil
}

// LoadFromReader parses catalog YAML from an [io.Reader].
func LoadFromReader(r io.Reader) (*File, error) {
	var lf File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&lf); err != nil {
		return nil, fmt.Errorf("listing: decode catalog yaml: %w", err)
	}
	return &lf, nil
}
