// CLAUDE:SUMMARY Live document backed by a Chrome tab: identity stamping, tagging, visibility and overlays via injected JS.
// Package cdpdoc drives a live document in a Chrome tab over CDP. All tree
// writes happen in page JS (cdpdoc.js); Go holds the identity counter and
// receives change notifications through a runtime binding.
package cdpdoc

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/phl/patternwatch/highlight"
	"github.com/hazyhaar/phl/patternwatch/phid"
	"github.com/hazyhaar/phl/patternwatch/results"
)

//go:embed cdpdoc.js
var installJS string

const bindingName = "__patternwatch_binding"

// ErrNoBody is returned when the page has no body yet.
var ErrNoBody = errors.New("cdpdoc: page has no body")

// Options configures a Document.
type Options struct {
	// OverlayClass is set on highlight overlays.
	OverlayClass string
	Logger       *slog.Logger
}

// Document is a live tab.
type Document struct {
	page    *rod.Page
	opts    Options
	logger  *slog.Logger
	changes chan struct{}
	cancel  context.CancelFunc
	unload  func() error
}

// New installs the page script on page (now and on every future
// navigation) and starts listening for change notifications.
func New(ctx context.Context, page *rod.Page, opts Options) (*Document, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := (proto.RuntimeAddBinding{Name: bindingName}).Call(page); err != nil {
		logger.Warn("cdpdoc: addBinding failed (may already exist)", "error", err)
	}
	unload, err := page.EvalOnNewDocument(installJS)
	if err != nil {
		return nil, fmt.Errorf("cdpdoc: register script: %w", err)
	}
	if _, err := (proto.RuntimeEvaluate{Expression: installJS}).Call(page); err != nil {
		unload()
		return nil, fmt.Errorf("cdpdoc: install script: %w", err)
	}

	lctx, cancel := context.WithCancel(ctx)
	d := &Document{
		page:    page,
		opts:    opts,
		logger:  logger,
		changes: make(chan struct{}, 1),
		cancel:  cancel,
		unload:  unload,
	}
	go d.listen(lctx)
	return d, nil
}

// Close stops listening and unregisters the page script.
func (d *Document) Close() error {
	d.cancel()
	return d.unload()
}

func (d *Document) listen(ctx context.Context) {
	d.page.Context(ctx).EachEvent(func(e *proto.RuntimeBindingCalled) {
		if e.Name != bindingName {
			return
		}
		select {
		case d.changes <- struct{}{}:
		default:
		}
	})()
}

func (d *Document) eval(ctx context.Context, js string, args ...interface{}) (*proto.RuntimeRemoteObject, error) {
	res, err := d.page.Context(ctx).Eval(js, args...)
	if err != nil {
		return nil, fmt.Errorf("cdpdoc: eval: %w", err)
	}
	return res, nil
}

// Changes delivers one signal per burst of page mutations.
func (d *Document) Changes() <-chan struct{} { return d.changes }

// Pause disconnects the page MutationObserver.
func (d *Document) Pause(ctx context.Context) error {
	if _, err := d.eval(ctx, `() => window.__patternwatch.pause()`); err != nil {
		return err
	}
	select {
	case <-d.changes:
	default:
	}
	return nil
}

// Resume reconnects the page MutationObserver.
func (d *Document) Resume(ctx context.Context) error {
	_, err := d.eval(ctx, `() => window.__patternwatch.resume()`)
	return err
}

// Stamp assigns identities in page JS, starting from the counter's next
// value, and advances the counter past the last one used.
func (d *Document) Stamp(ctx context.Context, c *phid.Counter) (int, error) {
	res, err := d.eval(ctx, `(next) => window.__patternwatch.stamp(next)`, uint64(c.Peek()))
	if err != nil {
		return 0, err
	}
	var out struct {
		Next    uint64 `json:"next"`
		Stamped int    `json:"stamped"`
	}
	if err := json.Unmarshal([]byte(res.Value.Str()), &out); err != nil {
		return 0, fmt.Errorf("cdpdoc: stamp result: %w", err)
	}
	c.Advance(phid.ID(out.Next))
	return out.Stamped, nil
}

// Capture serialises the body and parses it into a detached tree.
func (d *Document) Capture(ctx context.Context) (*html.Node, error) {
	res, err := d.eval(ctx, `() => document.body ? document.body.outerHTML : ""`)
	if err != nil {
		return nil, err
	}
	return parseBody(res.Value.Str())
}

func parseBody(s string) (*html.Node, error) {
	if s == "" {
		return nil, ErrNoBody
	}
	doc, err := html.Parse(strings.NewReader(s))
	if err != nil {
		return nil, fmt.Errorf("cdpdoc: parse body: %w", err)
	}
	for n := doc.FirstChild; n != nil; n = n.NextSibling {
		if n.Type != html.ElementNode || n.DataAtom != atom.Html {
			continue
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && c.DataAtom == atom.Body {
				return c, nil
			}
		}
	}
	return nil, ErrNoBody
}

// Tag adds classes to the element carrying id.
func (d *Document) Tag(ctx context.Context, id phid.ID, classes ...string) error {
	_, err := d.eval(ctx, `(id, classes) => window.__patternwatch.tag(id, classes)`, id.String(), classes)
	return err
}

// ClearTags removes every class starting with prefix.
func (d *Document) ClearTags(ctx context.Context, prefix string) error {
	_, err := d.eval(ctx, `(prefix) => window.__patternwatch.clear(prefix)`, prefix)
	return err
}

// Tagged returns the elements carrying marker with their computed state.
func (d *Document) Tagged(ctx context.Context, marker string) ([]results.Element, error) {
	res, err := d.eval(ctx, `(marker) => window.__patternwatch.tagged(marker)`, marker)
	if err != nil {
		return nil, err
	}
	return decodeTagged(res.Value.Str())
}

func decodeTagged(s string) ([]results.Element, error) {
	var out []results.Element
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("cdpdoc: tagged result: %w", err)
	}
	return out, nil
}

// Locate returns the document-relative box of the element carrying id.
func (d *Document) Locate(ctx context.Context, id phid.ID) (highlight.Rect, bool, error) {
	res, err := d.eval(ctx, `(id) => window.__patternwatch.locate(id)`, id.String())
	if err != nil {
		return highlight.Rect{}, false, err
	}
	return decodeLocate(res.Value.Str())
}

func decodeLocate(s string) (highlight.Rect, bool, error) {
	var out struct {
		Found bool `json:"found"`
		highlight.Rect
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return highlight.Rect{}, false, fmt.Errorf("cdpdoc: locate result: %w", err)
	}
	return out.Rect, out.Found, nil
}

// ScrollToCenter scrolls the element carrying id into the viewport center.
func (d *Document) ScrollToCenter(ctx context.Context, id phid.ID) error {
	_, err := d.eval(ctx, `(id) => window.__patternwatch.scroll(id)`, id.String())
	return err
}

// AddOverlay appends an absolutely positioned overlay to the body.
func (d *Document) AddOverlay(ctx context.Context, r highlight.Rect) error {
	_, err := d.eval(ctx, `(cls, x, y, w, h) => window.__patternwatch.overlay(cls, x, y, w, h)`,
		d.opts.OverlayClass, r.X, r.Y, r.Width, r.Height)
	return err
}

// RemoveOverlays removes every overlay.
func (d *Document) RemoveOverlays(ctx context.Context) error {
	_, err := d.eval(ctx, `() => window.__patternwatch.removeOverlays()`)
	return err
}
