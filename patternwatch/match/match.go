// Package match walks a snapshot against its predecessor, evaluates the
// pattern catalog on every node and tags the live elements that match.
package match

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/phl/patternwatch/pattern"
	"github.com/hazyhaar/phl/patternwatch/phid"
	"github.com/hazyhaar/phl/patternwatch/snapshot"
)

// Tagger writes pattern markers on live elements. Tagging an identity that
// no longer resolves must be a silent no-op.
type Tagger interface {
	Tag(ctx context.Context, id phid.ID, classes ...string) error
}

// Match is one predicate firing during one run.
type Match struct {
	ID      phid.ID `json:"id"`
	Pattern string  `json:"pattern"`
}

// Outcome is the result of one pass.
type Outcome struct {
	Matches []Match
	// Faults counts predicate evaluations that panicked. Each one was
	// logged and treated as a non-match.
	Faults int
}

// Matcher evaluates a catalog against snapshot pairs.
type Matcher struct {
	catalog *pattern.Catalog
	logger  *slog.Logger
}

// New creates a Matcher for catalog.
func New(catalog *pattern.Catalog, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{catalog: catalog, logger: logger}
}

// Run walks current bottom-up. Each node is paired with its counterpart in
// previous (by identity) and checked against the catalog; on a match the
// live element is tagged and both the node and its counterpart are detached
// so that no ancestor can match on the same content. tagger may be nil.
//
// Run consumes both trees: callers must not reuse them afterwards.
func (m *Matcher) Run(ctx context.Context, current, previous *snapshot.Tree, tagger Tagger) (Outcome, error) {
	var out Outcome
	root := current.Root()
	if root == nil {
		return out, nil
	}
	p := &pass{current: current, previous: previous, tagger: tagger, tagged: make(map[phid.ID]bool)}
	err := m.walk(ctx, root, p, &out)
	return out, err
}

// pass is the state of one Run.
type pass struct {
	current, previous *snapshot.Tree
	tagger            Tagger
	// tagged holds the identities already matched. Several nodes can carry
	// one identity when the page clones stamped markup, and Tag resolves all
	// of them to the same live element.
	tagged map[phid.ID]bool
}

func (m *Matcher) walk(ctx context.Context, n *snapshot.Node, p *pass, out *Outcome) error {
	for _, child := range n.Children() {
		if err := m.walk(ctx, child, p, out); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Nodes without identity cannot be correlated or tagged.
	if n.ID == 0 || p.tagged[n.ID] {
		return nil
	}

	prev := p.previous.Lookup(n.ID)
	def := m.evaluate(n, prev, out)
	if def == nil {
		return nil
	}

	if p.tagger != nil {
		if err := p.tagger.Tag(ctx, n.ID, m.catalog.DetectedClass(), m.catalog.Marker(def)); err != nil {
			return fmt.Errorf("match: tag %d: %w", n.ID, err)
		}
	}
	out.Matches = append(out.Matches, Match{ID: n.ID, Pattern: def.Name})
	p.tagged[n.ID] = true

	if prev != nil {
		p.previous.Detach(prev)
	}
	p.current.Detach(n)
	return nil
}

// evaluate returns the first pattern, in catalog order, with a predicate
// that fires on (n, prev).
func (m *Matcher) evaluate(n, prev *snapshot.Node, out *Outcome) *pattern.Definition {
	for _, def := range m.catalog.Patterns() {
		for i, pred := range def.Predicates {
			if m.safeEval(def, i, pred, n, prev, out) {
				return def
			}
		}
	}
	return nil
}

func (m *Matcher) safeEval(def *pattern.Definition, i int, pred pattern.Predicate, n, prev *snapshot.Node, out *Outcome) (hit bool) {
	defer func() {
		if r := recover(); r != nil {
			out.Faults++
			m.logger.Warn("match: predicate fault",
				"pattern", def.Name, "predicate", i, "node", n.ID, "panic", r)
			hit = false
		}
	}()
	return pred(n, prev)
}
