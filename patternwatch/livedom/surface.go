package livedom

import (
	"context"

	"golang.org/x/net/html"

	"github.com/hazyhaar/phl/patternwatch/highlight"
	"github.com/hazyhaar/phl/patternwatch/phid"
)

// ViewportHeight is the synthetic viewport used by ScrollToCenter.
const ViewportHeight = 800

// Locate returns the synthetic box of the element carrying id: one line per
// preceding element, width from text length or inline style.
func (d *Document) Locate(_ context.Context, id phid.ID) (highlight.Rect, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.rect(id)
	return r, ok, nil
}

func (d *Document) rect(id phid.ID) (highlight.Rect, bool) {
	n := d.lookup(id)
	if n == nil {
		return highlight.Rect{}, false
	}
	var line int
	var done bool
	walkElements(d.body, func(e *html.Node) {
		if done {
			return
		}
		if e == n {
			done = true
			return
		}
		if !isAncestor(e, n) {
			line++
		}
	})
	st := stateOf(n)
	return highlight.Rect{Y: float64(line * lineHeight), Width: st.Width, Height: st.Height}, true
}

func isAncestor(a, n *html.Node) bool {
	for p := n.Parent; p != nil; p = p.Parent {
		if p == a {
			return true
		}
	}
	return false
}

// ScrollToCenter moves the synthetic viewport so the element is centered.
func (d *Document) ScrollToCenter(_ context.Context, id phid.ID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.rect(id)
	if !ok {
		return nil
	}
	y := r.Y + r.Height/2 - ViewportHeight/2
	if y < 0 {
		y = 0
	}
	d.scrollY = y
	return nil
}

// AddOverlay records an overlay. Overlays are kept outside the tree so they
// never show up in snapshots.
func (d *Document) AddOverlay(_ context.Context, r highlight.Rect) error {
	d.mu.Lock()
	d.overlays = append(d.overlays, r)
	d.mu.Unlock()
	return nil
}

// RemoveOverlays drops every overlay.
func (d *Document) RemoveOverlays(context.Context) error {
	d.mu.Lock()
	d.overlays = nil
	d.mu.Unlock()
	return nil
}

// Overlays returns the current overlays.
func (d *Document) Overlays() []highlight.Rect {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]highlight.Rect(nil), d.overlays...)
}

// ScrollY returns the synthetic scroll offset.
func (d *Document) ScrollY() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scrollY
}
