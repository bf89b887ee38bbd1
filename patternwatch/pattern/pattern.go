// Package pattern defines detection patterns and the validated, ordered
// catalog the matcher evaluates.
//
// A pattern is detected at a node when any of its predicates returns true.
// Catalog order is priority order: the first pattern to match a node wins.
package pattern

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hazyhaar/phl/patternwatch/snapshot"
)

// DefaultPrefix namespaces every class the engine writes on live elements.
const DefaultPrefix = "__ph__"

// ErrInvalidCatalog is returned when a catalog fails validation. An engine
// must not activate with an invalid catalog.
var ErrInvalidCatalog = errors.New("pattern: invalid catalog")

// Predicate compares the current state of a node with its previous state.
// previous is nil when the node did not exist in the earlier snapshot.
// Predicates must be pure: same inputs, same answer.
type Predicate func(current, previous *snapshot.Node) bool

// Definition is one catalog entry.
type Definition struct {
	Name       string
	ClassName  string
	Predicates []Predicate
	InfoURL    string
	Info       string
	Languages  []string
}

// Catalog is an immutable, validated, ordered list of definitions.
type Catalog struct {
	prefix   string
	patterns []*Definition
}

// NewCatalog validates defs and returns the catalog. An empty prefix
// selects DefaultPrefix.
func NewCatalog(prefix string, defs ...Definition) (*Catalog, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if strings.ContainsAny(prefix, " \t\n") {
		return nil, fmt.Errorf("%w: class prefix %q contains whitespace", ErrInvalidCatalog, prefix)
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("%w: no patterns", ErrInvalidCatalog)
	}

	names := make(map[string]bool, len(defs))
	classes := make(map[string]bool, len(defs))
	c := &Catalog{prefix: prefix, patterns: make([]*Definition, 0, len(defs))}

	for i := range defs {
		d := defs[i]
		if err := d.validate(); err != nil {
			return nil, fmt.Errorf("%w: pattern %d: %v", ErrInvalidCatalog, i, err)
		}
		if names[d.Name] {
			return nil, fmt.Errorf("%w: duplicate name %q", ErrInvalidCatalog, d.Name)
		}
		if classes[d.ClassName] {
			return nil, fmt.Errorf("%w: duplicate class name %q", ErrInvalidCatalog, d.ClassName)
		}
		names[d.Name] = true
		classes[d.ClassName] = true

		d.Predicates = append([]Predicate(nil), d.Predicates...)
		d.Languages = append([]string(nil), d.Languages...)
		c.patterns = append(c.patterns, &d)
	}
	return c, nil
}

func (d *Definition) validate() error {
	switch {
	case strings.TrimSpace(d.Name) == "":
		return errors.New("missing name")
	case d.ClassName == "":
		return errors.New("missing class name")
	case strings.ContainsAny(d.ClassName, " \t\n"):
		return fmt.Errorf("class name %q contains whitespace", d.ClassName)
	case len(d.Predicates) == 0:
		return errors.New("no predicates")
	case d.InfoURL == "":
		return errors.New("missing info URL")
	case d.Info == "":
		return errors.New("missing info text")
	case len(d.Languages) == 0:
		return errors.New("no languages")
	}
	for i, p := range d.Predicates {
		if p == nil {
			return fmt.Errorf("predicate %d is nil", i)
		}
	}
	for i, l := range d.Languages {
		if strings.TrimSpace(l) == "" {
			return fmt.Errorf("language %d is empty", i)
		}
	}
	return nil
}

// Patterns returns the definitions in priority order.
func (c *Catalog) Patterns() []*Definition {
	return c.patterns
}

// Len returns the number of patterns.
func (c *Catalog) Len() int { return len(c.patterns) }

// Prefix returns the class prefix.
func (c *Catalog) Prefix() string { return c.prefix }

// DetectedClass is set on every tagged element, whatever the pattern.
func (c *Catalog) DetectedClass() string { return c.prefix + "pattern-detected" }

// OverlayClass marks highlight overlays.
func (c *Catalog) OverlayClass() string { return c.prefix + "current-pattern" }

// Marker is the per-pattern class set on tagged elements.
func (c *Catalog) Marker(d *Definition) string { return c.prefix + d.ClassName }

// Without returns a catalog minus the named patterns. Names that are not
// in the catalog are an error, so a typo in configuration cannot silently
// keep a pattern active.
func (c *Catalog) Without(names ...string) (*Catalog, error) {
	if len(names) == 0 {
		return c, nil
	}
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}
	var keep []Definition
	for _, d := range c.patterns {
		if drop[d.Name] || drop[d.ClassName] {
			delete(drop, d.Name)
			delete(drop, d.ClassName)
			continue
		}
		keep = append(keep, *d)
	}
	for n := range drop {
		return nil, fmt.Errorf("%w: unknown pattern %q", ErrInvalidCatalog, n)
	}
	return NewCatalog(c.prefix, keep...)
}
