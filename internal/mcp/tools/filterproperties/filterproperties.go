// Package filterproperties provides the filterProperties tool: the agent calls
// it once it knows enough about the visitor's wishes, and the catalog is
// narrowed to matching listings.
//
// Every argument is optional. Present arguments are applied as AND
// conditions; see [listing.Filter] for the matching rules.
package filterproperties

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/eburon/internal/listing"
	"github.com/MrWong99/eburon/internal/mcp/tools"
	"github.com/MrWong99/eburon/internal/validate"
	"github.com/MrWong99/eburon/pkg/provider/s2s"
)

// Name is the tool name the agent uses.
const Name = "filterProperties"

// ResultMessage is the confirmation sent back to the agent on success.
const ResultMessage = "Filter applied successfully."

// args is the decoded input of the tool.
type args struct {
	Location     string  `json:"location" validate:"omitempty,max=100"`
	MaxPrice     float64 `json:"maxPrice" validate:"gte=0"`
	PropertyType string  `json:"propertyType" validate:"omitempty,max=50"`
	Bedrooms     int     `json:"bedrooms" validate:"gte=0,lte=50"`
}

// Definition returns the agent-facing schema.
func Definition() s2s.ToolDefinition {
	return s2s.ToolDefinition{
		Name:        Name,
		Description: "Filter the list of properties based on user location, price, and type preferences.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"location": map[string]any{
					"type":        "string",
					"description": "City name in Belgium (e.g., Ghent, Brussels, Antwerp)",
				},
				"maxPrice": map[string]any{
					"type":        "number",
					"description": "Maximum price per night in Euros",
				},
				"propertyType": map[string]any{
					"type":        "string",
					"description": "Type of property (Apartment, House, Villa, etc.)",
				},
				"bedrooms": map[string]any{
					"type":        "number",
					"description": "Minimum number of bedrooms",
				},
			},
		},
	}
}

// Option configures the tool.
type Option func(*config)

type config struct {
	onResult func(listing.Result)
	timeout  time.Duration
}

// WithResultHook registers fn to receive every successful search result, e.g.
// to refresh what a connected client shows.
func WithResultHook(fn func(listing.Result)) Option {
	return func(c *config) { c.onResult = fn }
}

// WithTimeout bounds one search. Default 2s.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// Tool returns the filterProperties tool backed by searcher.
func Tool(searcher *listing.Searcher, opts ...Option) tools.Tool {
	cfg := config{timeout: 2 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}

	return tools.Tool{
		Definition: Definition(),
		Timeout:    cfg.timeout,
		Handler: func(ctx context.Context, raw map[string]any) (map[string]any, error) {
			var a args
			if err := validate.DecodeMap(raw, &a); err != nil {
				return nil, fmt.Errorf("filterproperties: %w", err)
			}
			res, err := searcher.Search(ctx, listing.Filter{
				Location:     a.Location,
				MaxPrice:     a.MaxPrice,
				PropertyType: a.PropertyType,
				Bedrooms:     a.Bedrooms,
			})
			if err != nil {
				return nil, fmt.Errorf("filterproperties: %w", err)
			}
			if cfg.onResult != nil {
				cfg.onResult(res)
			}
			return map[string]any{
				"result": ResultMessage,
				"count":  len(res.Listings),
			}, nil
		},
	}
}
