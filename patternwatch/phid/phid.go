// Package phid defines the pattern-highlighter identity: an opaque token
// stamped on live elements the first time they are observed, used to
// correlate the same logical element across snapshots taken seconds apart.
package phid

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"

	"golang.org/x/net/html"
)

// Attr is the attribute carrying the identity on live elements.
const Attr = "data-phid"

// ID is an element identity. The zero value means "not stamped".
type ID uint64

// String returns the decimal attribute form.
func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Parse reads an attribute value. Empty or malformed values yield 0, false.
func Parse(s string) (ID, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil || v == 0 {
		return 0, false
	}
	return ID(v), true
}

// UnmarshalJSON accepts both numbers and decimal strings, since UI
// collaborators echo back whatever form they received.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v, ok := Parse(s)
		if !ok {
			return fmt.Errorf("phid: invalid identity %q", s)
		}
		*id = v
		return nil
	}
	var v uint64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("phid: invalid identity: %w", err)
	}
	*id = ID(v)
	return nil
}

// Counter hands out identities. Each engine owns one; there is no
// process-wide counter.
type Counter struct {
	last atomic.Uint64
}

// Next returns the next identity, starting at 1.
func (c *Counter) Next() ID {
	return ID(c.last.Add(1))
}

// Peek returns the identity the next call to Next will return.
func (c *Counter) Peek() ID {
	return ID(c.last.Load() + 1)
}

// Advance moves the counter so that Next returns next. It never moves
// backwards. Used when stamping happens outside the process (page JS).
func (c *Counter) Advance(next ID) {
	for {
		cur := c.last.Load()
		if uint64(next) <= cur+1 {
			return
		}
		if c.last.CompareAndSwap(cur, uint64(next)-1) {
			return
		}
	}
}

// Of returns the identity stamped on n.
func Of(n *html.Node) ID {
	if n == nil || n.Type != html.ElementNode {
		return 0
	}
	for _, a := range n.Attr {
		if a.Key == Attr {
			id, _ := Parse(a.Val)
			return id
		}
	}
	return 0
}

// Assign stamps every element below root that lacks an identity. Elements
// already carrying one are left untouched, so calling Assign twice without
// structural change is a no-op. root itself is not stamped. Returns the
// number of elements stamped.
func Assign(root *html.Node, c *Counter) int {
	if root == nil {
		return 0
	}
	var stamped int
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
			if ch.Type != html.ElementNode {
				continue
			}
			if stamp(ch, c) {
				stamped++
			}
			walk(ch)
		}
	}
	walk(root)
	return stamped
}

// stamp sets the identity of n unless it already has a valid one.
func stamp(n *html.Node, c *Counter) bool {
	for i, a := range n.Attr {
		if a.Key != Attr {
			continue
		}
		if _, ok := Parse(a.Val); ok {
			return false
		}
		n.Attr[i].Val = c.Next().String()
		return true
	}
	n.Attr = append(n.Attr, html.Attribute{Key: Attr, Val: c.Next().String()})
	return true
}
