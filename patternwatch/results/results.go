// Package results turns the tagged elements of a page into per-pattern
// counts, split into visible and hidden.
package results

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hazyhaar/phl/patternwatch/pattern"
	"github.com/hazyhaar/phl/patternwatch/phid"
	"github.com/hazyhaar/phl/patternwatch/visibility"
)

// Element is one tagged live element and its rendered state.
type Element struct {
	ID    phid.ID          `json:"id"`
	State visibility.State `json:"state"`
}

// Source queries the live page for elements carrying a marker class, in
// document order.
type Source interface {
	Tagged(ctx context.Context, marker string) ([]Element, error)
}

// PatternResult holds the tagged elements of one pattern.
type PatternResult struct {
	Name            string    `json:"name"`
	ElementsVisible []phid.ID `json:"elementsVisible"`
	ElementsHidden  []phid.ID `json:"elementsHidden"`
}

// Results is the page-level summary. Patterns is in catalog order.
type Results struct {
	Patterns     []PatternResult `json:"patterns"`
	CountVisible int             `json:"countVisible"`
	Count        int             `json:"count"`
}

// MarshalJSON keeps empty lists as [] instead of null.
func (p PatternResult) MarshalJSON() ([]byte, error) {
	type alias PatternResult
	a := alias(p)
	if a.ElementsVisible == nil {
		a.ElementsVisible = []phid.ID{}
	}
	if a.ElementsHidden == nil {
		a.ElementsHidden = []phid.ID{}
	}
	return json.Marshal(a)
}

// MarshalJSON keeps an empty pattern list as [].
func (r Results) MarshalJSON() ([]byte, error) {
	type alias Results
	a := alias(r)
	if a.Patterns == nil {
		a.Patterns = []PatternResult{}
	}
	return json.Marshal(a)
}

// Empty returns zero counts for every pattern of c, the shape a page reports
// before its first run completes.
func Empty(c *pattern.Catalog) Results {
	r := Results{Patterns: make([]PatternResult, 0, c.Len())}
	for _, d := range c.Patterns() {
		r.Patterns = append(r.Patterns, PatternResult{Name: d.Name})
	}
	return r
}

// Aggregate queries src once per pattern and partitions each pattern's
// elements by visibility. An element carrying more than one pattern marker
// is counted under each of them.
func Aggregate(ctx context.Context, c *pattern.Catalog, src Source) (Results, error) {
	r := Results{Patterns: make([]PatternResult, 0, c.Len())}
	for _, d := range c.Patterns() {
		elems, err := src.Tagged(ctx, c.Marker(d))
		if err != nil {
			return Results{}, fmt.Errorf("results: query %s: %w", d.Name, err)
		}
		pr := PatternResult{Name: d.Name}
		for _, e := range elems {
			if visibility.IsVisible(e.State) {
				pr.ElementsVisible = append(pr.ElementsVisible, e.ID)
			} else {
				pr.ElementsHidden = append(pr.ElementsHidden, e.ID)
			}
		}
		r.CountVisible += len(pr.ElementsVisible)
		r.Count += len(pr.ElementsVisible) + len(pr.ElementsHidden)
		r.Patterns = append(r.Patterns, pr)
	}
	return r, nil
}

// Report is one completed run as published to sinks.
type Report struct {
	RunID     string        `json:"run_id"`
	PageID    string        `json:"page_id"`
	PageURL   string        `json:"page_url,omitempty"`
	Results   Results       `json:"results"`
	Matches   int           `json:"matches"`
	Faults    int           `json:"faults,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
}
