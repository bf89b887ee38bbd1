// Package highlight resolves an identity to its live element and surfaces
// it: scroll into view plus a transient overlay over its bounding box.
package highlight

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/phl/patternwatch/phid"
)

// DefaultDuration is how long an overlay stays up.
const DefaultDuration = 5 * time.Second

// Rect is a bounding box in document coordinates.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Surface is the part of a live document the highlighter drives.
type Surface interface {
	// Locate returns the bounding box of the element carrying id. ok is
	// false when no live element carries it.
	Locate(ctx context.Context, id phid.ID) (r Rect, ok bool, err error)
	ScrollToCenter(ctx context.Context, id phid.ID) error
	AddOverlay(ctx context.Context, r Rect) error
	RemoveOverlays(ctx context.Context) error
}

// Highlighter shows one element at a time.
type Highlighter struct {
	surface  Surface
	duration time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

// New creates a Highlighter. A zero duration selects DefaultDuration.
func New(s Surface, duration time.Duration, logger *slog.Logger) *Highlighter {
	if duration <= 0 {
		duration = DefaultDuration
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Highlighter{surface: s, duration: duration, logger: logger}
}

// Highlight removes any previous overlay, then scrolls the element carrying
// id to the center of the viewport and covers it with an overlay for the
// configured duration. It reports whether an element was found; an identity
// that no longer resolves is not an error.
func (h *Highlighter) Highlight(ctx context.Context, id phid.ID) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.stopTimer()
	if err := h.surface.RemoveOverlays(ctx); err != nil {
		return false, fmt.Errorf("highlight: remove overlays: %w", err)
	}

	r, ok, err := h.surface.Locate(ctx, id)
	if err != nil {
		return false, fmt.Errorf("highlight: locate %d: %w", id, err)
	}
	if !ok {
		h.logger.Debug("highlight: identity not resolvable", "id", id)
		return false, nil
	}
	if err := h.surface.ScrollToCenter(ctx, id); err != nil {
		return false, fmt.Errorf("highlight: scroll %d: %w", id, err)
	}
	if err := h.surface.AddOverlay(ctx, r); err != nil {
		return false, fmt.Errorf("highlight: overlay %d: %w", id, err)
	}

	h.gen++
	gen := h.gen
	h.timer = time.AfterFunc(h.duration, func() { h.expire(gen) })
	return true, nil
}

// Clear removes the current overlay immediately.
func (h *Highlighter) Clear(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopTimer()
	return h.surface.RemoveOverlays(ctx)
}

func (h *Highlighter) expire(gen uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	// A newer highlight replaced this one.
	if gen != h.gen {
		return
	}
	h.timer = nil
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.surface.RemoveOverlays(ctx); err != nil {
		h.logger.Warn("highlight: expire overlay", "error", err)
	}
}

func (h *Highlighter) stopTimer() {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.gen++
}
