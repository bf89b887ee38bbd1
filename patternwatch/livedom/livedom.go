// Package livedom is an in-memory live document: an x/net/html tree owned
// by an embedding program, which mutates it, while an engine stamps, tags and
// queries it.
//
// Layout is synthetic. There is no rendering engine, so boxes are derived
// from inline styles and text content; see Locate.
package livedom

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/phl/patternwatch/highlight"
	"github.com/hazyhaar/phl/patternwatch/phid"
)

// ErrNoBody is returned when a parsed document has no body element.
var ErrNoBody = errors.New("livedom: document has no body")

// Document is safe for concurrent use.
type Document struct {
	mu   sync.Mutex
	doc  *html.Node
	body *html.Node

	scrollY  float64
	overlays []highlight.Rect

	changes chan struct{}
	paused  atomic.Bool
}

// Parse reads an HTML document.
func Parse(r io.Reader) (*Document, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("livedom: parse: %w", err)
	}
	body := findBody(doc)
	if body == nil {
		return nil, ErrNoBody
	}
	return &Document{doc: doc, body: body, changes: make(chan struct{}, 1)}, nil
}

// ParseString is Parse over a string.
func ParseString(s string) (*Document, error) {
	return Parse(bytes.NewReader([]byte(s)))
}

// LoadFile parses the HTML file at path.
func LoadFile(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("livedom: open: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Mutate runs fn with exclusive access to the body, then notifies
// subscribers. This is how the host changes the page.
func (d *Document) Mutate(fn func(body *html.Node)) {
	d.mu.Lock()
	fn(d.body)
	d.mu.Unlock()
	d.notify()
}

// Patch morphs the live body into the body of the document read from r.
// Children are aligned with their previous selves by identity, tag and text,
// so inserting or removing a sibling leaves the others stamped. Aligned
// nodes are updated in place; anything else is a fresh, unstamped copy.
func (d *Document) Patch(r io.Reader) error {
	next, err := html.Parse(r)
	if err != nil {
		return fmt.Errorf("livedom: patch: %w", err)
	}
	src := findBody(next)
	if src == nil {
		return ErrNoBody
	}
	d.mu.Lock()
	morph(d.body, src)
	d.mu.Unlock()
	d.notify()
	return nil
}

// PatchString is Patch over a string.
func (d *Document) PatchString(s string) error {
	return d.Patch(bytes.NewReader([]byte(s)))
}

// Render writes the whole document as HTML.
func (d *Document) Render(w io.Writer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return html.Render(w, d.doc)
}

// Stamp assigns identities to every unstamped element under the body.
func (d *Document) Stamp(_ context.Context, c *phid.Counter) (int, error) {
	d.mu.Lock()
	n := phid.Assign(d.body, c)
	d.mu.Unlock()
	if n > 0 {
		d.notify()
	}
	return n, nil
}

// Capture returns a deep copy of the body.
func (d *Document) Capture(context.Context) (*html.Node, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return clone(d.body), nil
}

func findBody(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == atom.Body {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if b := findBody(c); b != nil {
			return b
		}
	}
	return nil
}

func clone(n *html.Node) *html.Node {
	out := &html.Node{
		Type:      n.Type,
		DataAtom:  n.DataAtom,
		Data:      n.Data,
		Namespace: n.Namespace,
	}
	if len(n.Attr) > 0 {
		out.Attr = append([]html.Attribute(nil), n.Attr...)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		out.AppendChild(clone(c))
	}
	return out
}

func morph(dst, src *html.Node) {
	switch dst.Type {
	case html.TextNode, html.CommentNode:
		dst.Data = src.Data
	case html.ElementNode:
		dst.Attr = mergeAttrs(dst.Attr, src.Attr)
	}

	var dc, sc []*html.Node
	for c := dst.FirstChild; c != nil; c = c.NextSibling {
		dc = append(dc, c)
	}
	for c := src.FirstChild; c != nil; c = c.NextSibling {
		sc = append(sc, c)
	}

	pair := align(dc, sc)
	for _, c := range dc {
		dst.RemoveChild(c)
	}
	for i, c := range sc {
		if j := pair[i]; j >= 0 {
			morph(dc[j], c)
			dst.AppendChild(dc[j])
			continue
		}
		dst.AppendChild(clone(c))
	}
}

// align pairs the children of src with live children of dst, in order,
// maximising the total affinity. pair[i] is the index in dc reused for
// sc[i], or -1 when sc[i] is new. Siblings inserted or removed around a
// node leave it paired with its old self.
func align(dc, sc []*html.Node) []int {
	n, m := len(sc), len(dc)
	// best[i][j] is the best score aligning sc[i:] with dc[j:].
	best := make([][]int, n+1)
	for i := range best {
		best[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			v := max(best[i+1][j], best[i][j+1])
			if a := affinity(dc[j], sc[i]); a > 0 {
				v = max(v, a+best[i+1][j+1])
			}
			best[i][j] = v
		}
	}

	pair := make([]int, n)
	i, j := 0, 0
	for i < n {
		switch {
		case j < m && affinity(dc[j], sc[i]) > 0 && best[i][j] == affinity(dc[j], sc[i])+best[i+1][j+1]:
			pair[i] = j
			i, j = i+1, j+1
		case j < m && best[i][j] == best[i][j+1]:
			j++
		default:
			pair[i] = -1
			i++
		}
	}
	return pair
}

// affinity scores how well live node a can stand for source node b: 0 when
// it cannot, higher for a matching identity or identical text.
func affinity(a, b *html.Node) int {
	if !sameShape(a, b) {
		return 0
	}
	if id := phid.Of(b); id != 0 {
		if id == phid.Of(a) {
			return 4
		}
		return 0
	}
	if textOf(a) == textOf(b) {
		return 2
	}
	return 1
}

func textOf(n *html.Node) string {
	if n.Type != html.ElementNode {
		return n.Data
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.TextNode {
				b.WriteString(c.Data)
			}
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func sameShape(a, b *html.Node) bool {
	if a.Type != b.Type {
		return false
	}
	return a.Type != html.ElementNode || a.Data == b.Data
}

// mergeAttrs takes the attributes of src but keeps the identity of dst.
func mergeAttrs(dst, src []html.Attribute) []html.Attribute {
	out := make([]html.Attribute, 0, len(src)+1)
	for _, a := range src {
		if a.Key != phid.Attr {
			out = append(out, a)
		}
	}
	for _, a := range dst {
		if a.Key == phid.Attr {
			out = append(out, a)
			break
		}
	}
	return out
}
