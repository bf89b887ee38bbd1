// CLAUDE:SUMMARY Chrome host for live detection tabs: lazy launch or remote attach, fixed viewport, optional Xvfb display.
// Package browser hosts the Chrome instance behind URL pages. Chrome is
// started on the first Open and lives until Close.
//
// Chrome is never recycled: the live tree of a tab carries identities and
// markers that would be lost with the process.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
)

// Mode selects how tabs are automated.
type Mode int

const (
	Plain    Mode = iota // headless, no stealth patches
	Headless             // headless with stealth patches
	Headful              // headful on an Xvfb display, with stealth patches
)

func (m Mode) String() string {
	switch m {
	case Plain:
		return "plain"
	case Headful:
		return "headful"
	}
	return "headless"
}

// ParseMode maps a config value to a Mode. Unknown values select Headless.
func ParseMode(s string) Mode {
	switch s {
	case "plain", "off", "none":
		return Plain
	case "headful":
		return Headful
	}
	return Headless
}

// Options configures a Host.
type Options struct {
	// Remote is the DevTools WebSocket URL of an external Chrome. Empty
	// launches a local one.
	Remote string
	// Block lists resource kinds never fetched by tabs: images, fonts,
	// media. Stylesheets and scripts always load.
	Block []string
	// Mode is the launch mode. Headful needs Display.
	Mode    Mode
	Display string // default ":99"
	// Width and Height fix the tab viewport. Default 1366x768.
	Width, Height int

	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Display == "" {
		o.Display = ":99"
	}
	if o.Width <= 0 {
		o.Width = 1366
	}
	if o.Height <= 0 {
		o.Height = 768
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// ErrClosed is returned by Open after Close.
var ErrClosed = errors.New("browser: host closed")

// Host owns one Chrome process or remote connection and the tabs opened on
// it.
type Host struct {
	opts    Options
	block   blocklist
	mu      sync.Mutex
	chrome  *rod.Browser
	lnch    *launcher.Launcher
	display *display
	tabs    map[*Tab]struct{}
	closed  bool
}

// NewHost returns a Host. Nothing is launched until the first Open.
func NewHost(opts Options) *Host {
	opts.defaults()
	return &Host{
		opts:  opts,
		block: parseBlocklist(opts.Block),
		tabs:  make(map[*Tab]struct{}),
	}
}

// Tabs returns the number of open tabs.
func (h *Host) Tabs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.tabs)
}

func (h *Host) ensure(ctx context.Context) (*rod.Browser, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	if h.chrome != nil {
		return h.chrome, nil
	}

	u := h.opts.Remote
	if u == "" {
		if h.opts.Mode == Headful && h.display == nil {
			d, err := startDisplay(ctx, h.opts.Display, h.opts.Width, h.opts.Height)
			if err != nil {
				return nil, err
			}
			h.display = d
			h.opts.Logger.Info("browser: display ready", "display", d.name)
		}
		l := launcher.New().Context(ctx).
			Headless(h.opts.Mode != Headful).
			Set("disable-blink-features", "AutomationControlled").
			Set("window-size", fmt.Sprintf("%d,%d", h.opts.Width, h.opts.Height))
		if h.opts.Mode == Headful {
			l = l.Env("DISPLAY=" + h.opts.Display)
		}
		launched, err := l.Launch()
		if err != nil {
			h.stopDisplay()
			return nil, fmt.Errorf("browser: launch chrome: %w", err)
		}
		u, h.lnch = launched, l
	}

	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		h.cleanupLocked()
		return nil, fmt.Errorf("browser: connect %s: %w", u, err)
	}
	if err := b.IgnoreCertErrors(true); err != nil {
		h.opts.Logger.Warn("browser: ignore cert errors", "error", err)
	}
	h.chrome = b
	h.opts.Logger.Info("browser: chrome ready", "mode", h.opts.Mode, "remote", h.opts.Remote != "")
	return b, nil
}

// Close closes every tab, then Chrome and the display.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	var errs []error
	for t := range h.tabs {
		errs = append(errs, t.close())
	}
	clear(h.tabs)
	errs = append(errs, h.cleanupLocked())
	return errors.Join(errs...)
}

func (h *Host) cleanupLocked() error {
	var err error
	if h.chrome != nil {
		err = h.chrome.Close()
		h.chrome = nil
	}
	if h.lnch != nil {
		h.lnch.Cleanup()
		h.lnch = nil
	}
	h.stopDisplay()
	return err
}

func (h *Host) stopDisplay() {
	if h.display == nil {
		return
	}
	h.display.stop()
	h.opts.Logger.Info("browser: display stopped", "display", h.display.name)
	h.display = nil
}
