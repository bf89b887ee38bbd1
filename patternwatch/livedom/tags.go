package livedom

import (
	"context"
	"strconv"
	"strings"

	"github.com/aymerick/douceur/parser"
	"golang.org/x/net/html"

	"github.com/hazyhaar/phl/patternwatch/phid"
	"github.com/hazyhaar/phl/patternwatch/results"
	"github.com/hazyhaar/phl/patternwatch/visibility"
)

// Tag adds classes to the element carrying id. Unknown identities are
// ignored.
func (d *Document) Tag(_ context.Context, id phid.ID, classes ...string) error {
	d.mu.Lock()
	n := d.lookup(id)
	changed := n != nil && addClasses(n, classes)
	d.mu.Unlock()
	if changed {
		d.notify()
	}
	return nil
}

// ClearTags removes every class starting with prefix from every element.
func (d *Document) ClearTags(_ context.Context, prefix string) error {
	d.mu.Lock()
	var changed bool
	walkElements(d.body, func(n *html.Node) {
		if removeClassPrefix(n, prefix) {
			changed = true
		}
	})
	d.mu.Unlock()
	if changed {
		d.notify()
	}
	return nil
}

// Tagged returns the elements carrying marker, in document order.
func (d *Document) Tagged(_ context.Context, marker string) ([]results.Element, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []results.Element
	walkElements(d.body, func(n *html.Node) {
		if hasClass(n, marker) {
			out = append(out, results.Element{ID: phid.Of(n), State: stateOf(n)})
		}
	})
	return out, nil
}

// HasClass reports whether the element carrying id has class.
func (d *Document) HasClass(id phid.ID, class string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.lookup(id)
	return n != nil && hasClass(n, class)
}

// lookup returns the first element in document order carrying id.
func (d *Document) lookup(id phid.ID) *html.Node {
	if id == 0 {
		return nil
	}
	var found *html.Node
	var walk func(n *html.Node) bool
	walk = func(n *html.Node) bool {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			if phid.Of(c) == id {
				found = c
				return true
			}
			if walk(c) {
				return true
			}
		}
		return false
	}
	walk(d.body)
	return found
}

func walkElements(root *html.Node, fn func(*html.Node)) {
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			fn(c)
			walkElements(c, fn)
		}
	}
}

func classes(n *html.Node) (int, []string) {
	for i, a := range n.Attr {
		if a.Key == "class" {
			return i, strings.Fields(a.Val)
		}
	}
	return -1, nil
}

func hasClass(n *html.Node, class string) bool {
	_, cs := classes(n)
	for _, c := range cs {
		if c == class {
			return true
		}
	}
	return false
}

func addClasses(n *html.Node, add []string) bool {
	i, cs := classes(n)
	var changed bool
	for _, a := range add {
		if !contains(cs, a) {
			cs = append(cs, a)
			changed = true
		}
	}
	if !changed {
		return false
	}
	val := strings.Join(cs, " ")
	if i < 0 {
		n.Attr = append(n.Attr, html.Attribute{Key: "class", Val: val})
	} else {
		n.Attr[i].Val = val
	}
	return true
}

func removeClassPrefix(n *html.Node, prefix string) bool {
	i, cs := classes(n)
	if i < 0 {
		return false
	}
	kept := cs[:0]
	for _, c := range cs {
		if !strings.HasPrefix(c, prefix) {
			kept = append(kept, c)
		}
	}
	if len(kept) == len(cs) {
		return false
	}
	n.Attr[i].Val = strings.Join(kept, " ")
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// inlineStyle parses the style attribute. Later declarations win unless an
// earlier one is !important.
func inlineStyle(n *html.Node) map[string]string {
	var raw string
	for _, a := range n.Attr {
		if a.Key == "style" {
			raw = a.Val
		}
	}
	if raw == "" {
		return nil
	}
	decls, err := parser.ParseDeclarations(raw)
	if err != nil {
		return nil
	}
	out := make(map[string]string, len(decls))
	important := make(map[string]bool)
	for _, decl := range decls {
		prop := strings.ToLower(strings.TrimSpace(decl.Property))
		if important[prop] && !decl.Important {
			continue
		}
		out[prop] = strings.ToLower(strings.TrimSpace(decl.Value))
		if decl.Important {
			important[prop] = true
		}
	}
	return out
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

// stateOf computes the visibility state of n. Visibility inherits from
// ancestors; display:none on any ancestor leaves n without a box.
func stateOf(n *html.Node) visibility.State {
	style := inlineStyle(n)
	st := visibility.State{
		Display:    "inline",
		Visibility: "visible",
		Opacity:    "1",
	}
	if v, ok := style["display"]; ok {
		st.Display = v
	} else if hasAttr(n, "hidden") {
		st.Display = "none"
	}
	if v, ok := style["opacity"]; ok {
		st.Opacity = v
	}

	boxless := st.Display == "none"
	vis, visSet := style["visibility"]
	for p := n.Parent; p != nil && p.Type == html.ElementNode; p = p.Parent {
		ps := inlineStyle(p)
		if ps["display"] == "none" || (ps["display"] == "" && hasAttr(p, "hidden")) {
			boxless = true
		}
		if !visSet {
			if v, ok := ps["visibility"]; ok {
				vis, visSet = v, true
			}
		}
	}
	if visSet {
		st.Visibility = vis
	}
	if boxless {
		return st
	}

	w, wSet := px(style["width"])
	h, hSet := px(style["height"])
	if !wSet || !hSet {
		text := strings.TrimSpace(textContent(n))
		if !wSet && text != "" {
			w = float64(len([]rune(text))) * charWidth
		}
		if !hSet && text != "" {
			h = lineHeight
		}
	}
	st.Width, st.Height = w, h
	if w > 0 || h > 0 {
		st.Rects = 1
	}
	return st
}

const (
	charWidth  = 8
	lineHeight = 20
)

// px parses "12px" or "0". ok is false for missing or non-pixel values.
func px(v string) (float64, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSuffix(v, "px"), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}
