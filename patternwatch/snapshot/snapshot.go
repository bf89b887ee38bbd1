// Package snapshot holds detached, point-in-time copies of the live tree.
//
// A Tree is an arena of owned nodes. Nothing in it points back into the
// live document; the identity stamped on each element is the only link,
// which is what lets the matcher correlate two snapshots taken at
// different times.
package snapshot

import (
	"golang.org/x/net/html"

	"github.com/hazyhaar/phl/patternwatch/phid"
)

// DefaultBlacklist lists non-content tags pruned from every snapshot.
var DefaultBlacklist = []string{"script", "style", "noscript", "audio", "video"}

// Kind distinguishes element nodes from text nodes.
type Kind uint8

const (
	KindElement Kind = iota
	KindText
)

const none = -1

// Node is one arena entry. Nodes are only valid while their Tree is.
type Node struct {
	t        *Tree
	idx      int32
	parent   int32
	children []int32
	detached bool

	Kind  Kind
	ID    phid.ID
	Tag   string
	Attrs []html.Attribute
	Data  string // text content for KindText
}

// Tree is a detached snapshot.
type Tree struct {
	nodes []Node
	index map[phid.ID]int32
	root  int32
}

// Build copies the subtree rooted at root into a new arena. Comments and
// doctype nodes are dropped. Identities are read from the phid attribute at
// copy time.
func Build(root *html.Node) *Tree {
	t := &Tree{index: make(map[phid.ID]int32), root: none}
	if root == nil {
		return t
	}
	t.root = t.copy(root, none)
	for i := range t.nodes {
		t.nodes[i].t = t
	}
	return t
}

func (t *Tree) copy(src *html.Node, parent int32) int32 {
	var n Node
	switch src.Type {
	case html.ElementNode:
		n.Kind = KindElement
		n.Tag = src.Data
		n.ID = phid.Of(src)
		if len(src.Attr) > 0 {
			n.Attrs = append([]html.Attribute(nil), src.Attr...)
		}
	case html.TextNode:
		n.Kind = KindText
		n.Data = src.Data
	case html.DocumentNode:
		n.Kind = KindElement
	default:
		return none
	}
	n.parent = parent
	idx := int32(len(t.nodes))
	n.idx = idx
	t.nodes = append(t.nodes, n)

	if n.ID != 0 {
		// First in document order wins when a page clones stamped markup.
		if _, dup := t.index[n.ID]; !dup {
			t.index[n.ID] = idx
		}
	}

	for c := src.FirstChild; c != nil; c = c.NextSibling {
		if ci := t.copy(c, idx); ci != none {
			t.nodes[idx].children = append(t.nodes[idx].children, ci)
		}
	}
	return idx
}

// Prune detaches every element whose tag is in blacklist, subtree included.
// Returns the number of subtrees removed.
func (t *Tree) Prune(blacklist []string) int {
	if len(blacklist) == 0 || t.root == none {
		return 0
	}
	deny := make(map[string]struct{}, len(blacklist))
	for _, tag := range blacklist {
		deny[tag] = struct{}{}
	}
	var removed int
	var walk func(i int32)
	walk = func(i int32) {
		for _, ci := range append([]int32(nil), t.nodes[i].children...) {
			c := &t.nodes[ci]
			if c.Kind == KindElement {
				if _, ok := deny[c.Tag]; ok {
					t.Detach(c)
					removed++
					continue
				}
			}
			walk(ci)
		}
	}
	walk(t.root)
	return removed
}

// Root returns the root node, or nil for an empty tree.
func (t *Tree) Root() *Node {
	if t == nil || t.root == none {
		return nil
	}
	return &t.nodes[t.root]
}

// Len returns the number of arena entries, attached or not.
func (t *Tree) Len() int {
	if t == nil {
		return 0
	}
	return len(t.nodes)
}

// Lookup returns the attached element carrying id, or nil.
func (t *Tree) Lookup(id phid.ID) *Node {
	if t == nil || id == 0 {
		return nil
	}
	i, ok := t.index[id]
	if !ok {
		return nil
	}
	n := &t.nodes[i]
	if n.detached {
		return nil
	}
	return n
}

// Detach removes n and its subtree from the tree: it no longer appears in
// its parent's children, in Text of its ancestors, or in Lookup.
func (t *Tree) Detach(n *Node) {
	if n == nil || n.t != t || n.detached {
		return
	}
	if p := n.parent; p != none {
		kids := t.nodes[p].children
		for i, ci := range kids {
			if ci == n.idx {
				t.nodes[p].children = append(kids[:i:i], kids[i+1:]...)
				break
			}
		}
	}
	if n.idx == t.root {
		t.root = none
	}
	t.markDetached(n.idx)
}

func (t *Tree) markDetached(i int32) {
	n := &t.nodes[i]
	n.detached = true
	for _, ci := range n.children {
		t.markDetached(ci)
	}
	if n.ID != 0 {
		if j, ok := t.index[n.ID]; ok && j == i {
			delete(t.index, n.ID)
		}
	}
}

// Release drops the arena. The tree is empty afterwards.
func (t *Tree) Release() {
	if t == nil {
		return
	}
	t.nodes = nil
	t.index = nil
	t.root = none
}
