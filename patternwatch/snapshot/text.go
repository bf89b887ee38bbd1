package snapshot

import "strings"

// blockTags break lines in Text, approximating how a rendered page
// separates block-level boxes.
var blockTags = map[string]bool{
	"address": true, "article": true, "aside": true, "blockquote": true,
	"dd": true, "div": true, "dl": true, "dt": true, "fieldset": true,
	"figcaption": true, "figure": true, "footer": true, "form": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"header": true, "hr": true, "li": true, "main": true, "nav": true,
	"ol": true, "p": true, "pre": true, "section": true, "table": true,
	"tr": true, "ul": true, "br": true, "body": true,
}

// Parent returns the attached parent element, or nil.
func (n *Node) Parent() *Node {
	if n == nil || n.detached || n.parent == none {
		return nil
	}
	return &n.t.nodes[n.parent]
}

// Detached reports whether n was removed from its tree.
func (n *Node) Detached() bool { return n == nil || n.detached }

// Children returns the attached element children of n, in document order.
// The returned slice is a copy; detaching one of the nodes does not affect
// it.
func (n *Node) Children() []*Node {
	if n == nil || n.detached {
		return nil
	}
	out := make([]*Node, 0, len(n.children))
	for _, ci := range n.children {
		c := &n.t.nodes[ci]
		if c.Kind == KindElement {
			out = append(out, c)
		}
	}
	return out
}

// Attr returns the value of the named attribute.
func (n *Node) Attr(key string) (string, bool) {
	if n == nil {
		return "", false
	}
	for _, a := range n.Attrs {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

// Text approximates the rendered text of n: text of attached descendants,
// with block-level elements on their own lines and whitespace collapsed.
func (n *Node) Text() string {
	if n == nil || n.detached {
		return ""
	}
	var b strings.Builder
	n.writeText(&b)
	return collapse(b.String())
}

func (n *Node) writeText(b *strings.Builder) {
	if n.Kind == KindText {
		b.WriteString(n.Data)
		return
	}
	block := blockTags[n.Tag]
	if block {
		b.WriteByte('\n')
	}
	for _, ci := range n.children {
		n.t.nodes[ci].writeText(b)
	}
	if block {
		b.WriteByte('\n')
	}
}

// collapse folds whitespace runs: a run containing a line break becomes one
// '\n', any other run one space. Leading and trailing whitespace is dropped.
func collapse(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	pending := byte(0)
	for _, r := range s {
		switch r {
		case '\n', '\r':
			pending = '\n'
			continue
		case ' ', '\t', '\f', '\u00a0':
			if pending == 0 {
				pending = ' '
			}
			continue
		}
		if pending != 0 && b.Len() > 0 {
			b.WriteByte(pending)
		}
		pending = 0
		b.WriteRune(r)
	}
	return b.String()
}
