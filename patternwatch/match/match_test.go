package match

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"golang.org/x/net/html"
	"pgregory.net/rapid"

	"github.com/hazyhaar/phl/patternwatch/pattern"
	"github.com/hazyhaar/phl/patternwatch/phid"
	"github.com/hazyhaar/phl/patternwatch/snapshot"
)

type tagCall struct {
	id      phid.ID
	classes []string
}

type recorder struct {
	calls []tagCall
	err   error
}

func (r *recorder) Tag(_ context.Context, id phid.ID, classes ...string) error {
	if r.err != nil {
		return r.err
	}
	r.calls = append(r.calls, tagCall{id: id, classes: classes})
	return nil
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fataler interface {
	Helper()
	Fatalf(format string, args ...any)
}

func tree(t fataler, src string) *snapshot.Tree {
	t.Helper()
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return snapshot.Build(doc.FirstChild.LastChild)
}

func contains(word string) pattern.Predicate {
	return func(cur, _ *snapshot.Node) bool { return strings.Contains(cur.Text(), word) }
}

func catalog(t testing.TB, defs ...pattern.Definition) *pattern.Catalog {
	t.Helper()
	c, err := pattern.NewCatalog("", defs...)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	return c
}

func def(name string, preds ...pattern.Predicate) pattern.Definition {
	return pattern.Definition{
		Name: name, ClassName: strings.ToLower(name), Predicates: preds,
		InfoURL: "https://example.com/" + name, Info: name, Languages: []string{"EN"},
	}
}

func TestRun_InnermostMatchWins(t *testing.T) {
	c := catalog(t, def("Scarcity", contains("left")))
	cur := tree(t, `<body><div data-phid="1">Hurry <span data-phid="2">2 left</span></div></body>`)
	prev := tree(t, `<body><div data-phid="1">Hurry <span data-phid="2">3 left</span></div></body>`)

	rec := &recorder{}
	out, err := New(c, quiet()).Run(context.Background(), cur, prev, rec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(out.Matches) != 1 || out.Matches[0].ID != 2 {
		t.Fatalf("matches: got %+v, want only node 2", out.Matches)
	}
	if len(rec.calls) != 1 {
		t.Fatalf("tag calls: got %d, want 1", len(rec.calls))
	}
	want := []string{"__ph__pattern-detected", "__ph__scarcity"}
	if fmt.Sprint(rec.calls[0].classes) != fmt.Sprint(want) {
		t.Errorf("classes: got %v, want %v", rec.calls[0].classes, want)
	}
	if prev.Lookup(2) != nil {
		t.Error("previous counterpart still attached")
	}
}

func TestRun_ParentMatchesOnOwnText(t *testing.T) {
	c := catalog(t, def("Scarcity", contains("left")))
	cur := tree(t, `<body><div data-phid="1">1 left <span data-phid="2">2 left</span></div></body>`)

	out, err := New(c, quiet()).Run(context.Background(), cur, tree(t, `<body></body>`), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(out.Matches) != 2 {
		t.Fatalf("matches: got %+v, want 2", out.Matches)
	}
	if out.Matches[0].ID != 2 || out.Matches[1].ID != 1 {
		t.Errorf("order: got %+v, want child before parent", out.Matches)
	}
}

func TestRun_CatalogOrderIsPriority(t *testing.T) {
	c := catalog(t,
		def("First", contains("x")),
		def("Second", contains("x")),
	)
	cur := tree(t, `<body><p data-phid="1">x</p></body>`)
	out, err := New(c, quiet()).Run(context.Background(), cur, tree(t, `<body></body>`), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(out.Matches) != 1 || out.Matches[0].Pattern != "First" {
		t.Fatalf("matches: got %+v", out.Matches)
	}
}

func TestRun_PreviousCounterpartPassed(t *testing.T) {
	var sawPrev, sawNil bool
	pred := func(cur, prev *snapshot.Node) bool {
		if prev == nil {
			sawNil = true
			return false
		}
		if prev.ID == cur.ID && prev.Text() == "old" {
			sawPrev = true
		}
		return false
	}
	c := catalog(t, def("Probe", pred))
	cur := tree(t, `<body><p data-phid="1">new</p><p data-phid="2">fresh</p></body>`)
	prev := tree(t, `<body><p data-phid="1">old</p></body>`)

	if _, err := New(c, quiet()).Run(context.Background(), cur, prev, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !sawPrev {
		t.Error("existing node was not paired with its previous state")
	}
	if !sawNil {
		t.Error("new node was not evaluated with a nil previous state")
	}
}

func TestRun_UnstampedNodesNotMatched(t *testing.T) {
	c := catalog(t, def("Any", func(*snapshot.Node, *snapshot.Node) bool { return true }))
	cur := tree(t, `<body><div><p data-phid="4">x</p></div></body>`)

	out, err := New(c, quiet()).Run(context.Background(), cur, tree(t, `<body></body>`), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(out.Matches) != 1 || out.Matches[0].ID != 4 {
		t.Fatalf("matches: got %+v, want only node 4", out.Matches)
	}
}

func TestRun_PredicateFaultIsolated(t *testing.T) {
	boom := func(cur, _ *snapshot.Node) bool {
		if cur.ID == 1 {
			panic("boom")
		}
		return false
	}
	c := catalog(t,
		def("Broken", boom),
		def("Scarcity", contains("left")),
	)
	cur := tree(t, `<body><p data-phid="1">2 left</p><p data-phid="2">3 left</p></body>`)

	out, err := New(c, quiet()).Run(context.Background(), cur, tree(t, `<body></body>`), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Faults != 1 {
		t.Errorf("faults: got %d, want 1", out.Faults)
	}
	if len(out.Matches) != 2 {
		t.Fatalf("matches: got %+v, want both nodes via the next pattern", out.Matches)
	}
}

func TestRun_TagErrorAborts(t *testing.T) {
	c := catalog(t, def("Scarcity", contains("left")))
	cur := tree(t, `<body><p data-phid="1">2 left</p></body>`)
	rec := &recorder{err: errors.New("gone")}

	_, err := New(c, quiet()).Run(context.Background(), cur, tree(t, `<body></body>`), rec)
	if err == nil || !strings.Contains(err.Error(), "gone") {
		t.Fatalf("err: got %v", err)
	}
}

func TestRun_ContextCancelled(t *testing.T) {
	c := catalog(t, def("Scarcity", contains("left")))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(c, quiet()).Run(ctx, tree(t, `<body><p data-phid="1">x</p></body>`), tree(t, `<body></body>`), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err: got %v, want context.Canceled", err)
	}
}

// genPage builds a random nested page whose leaves say "left" or "none".
func genPage(t *rapid.T) string {
	var b strings.Builder
	b.WriteString("<body>")
	id := 0
	var gen func(depth int)
	gen = func(depth int) {
		n := rapid.IntRange(0, 3).Draw(t, "children")
		for i := 0; i < n; i++ {
			id++
			fmt.Fprintf(&b, `<div data-phid="%d">`, id)
			if rapid.Bool().Draw(t, "hit") {
				b.WriteString("left ")
			} else {
				b.WriteString("none ")
			}
			if depth < 3 {
				gen(depth + 1)
			}
			b.WriteString("</div>")
		}
	}
	gen(0)
	b.WriteString("</body>")
	return b.String()
}

func TestRun_DeterministicAndAtMostOncePerNode(t *testing.T) {
	c := catalog(t,
		def("Scarcity", contains("left")),
		def("Other", contains("none")),
	)
	rapid.Check(t, func(rt *rapid.T) {
		src := genPage(rt)
		prevSrc := genPage(rt)

		run := func() Outcome {
			out, err := New(c, quiet()).Run(context.Background(), tree(rt, src), tree(rt, prevSrc), nil)
			if err != nil {
				rt.Fatalf("Run: %v", err)
			}
			return out
		}
		a, b := run(), run()
		if fmt.Sprint(a.Matches) != fmt.Sprint(b.Matches) {
			rt.Fatalf("nondeterministic: %v vs %v", a.Matches, b.Matches)
		}
		seen := make(map[phid.ID]bool)
		for _, m := range a.Matches {
			if seen[m.ID] {
				rt.Fatalf("node %d matched twice", m.ID)
			}
			seen[m.ID] = true
		}
	})
}
