package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// Target describes a tab to open.
type Target struct {
	URL string
	// Mode overrides the host mode for this tab: Plain skips the stealth
	// patches. Headful cannot be selected per tab.
	Mode Mode
	// LoadTimeout bounds navigation. Default 30s.
	LoadTimeout time.Duration
}

// Tab is a page open on the Host.
type Tab struct {
	host  *Host
	page  *rod.Page
	url   string
	unhij func() error
	once  sync.Once
	err   error
}

// Page returns the underlying Rod page.
func (t *Tab) Page() *rod.Page { return t.page }

// URL returns the URL the tab was opened on.
func (t *Tab) URL() string { return t.url }

// Open starts Chrome if needed and opens target in a new tab with the host
// viewport. A slow load is logged, not failed.
func (h *Host) Open(ctx context.Context, target Target) (*Tab, error) {
	b, err := h.ensure(ctx)
	if err != nil {
		return nil, err
	}

	var page *rod.Page
	if target.Mode == Plain {
		page, err = b.Page(proto.TargetCreateTarget{})
	} else {
		page, err = stealth.Page(b)
	}
	if err != nil {
		return nil, fmt.Errorf("browser: new tab: %w", err)
	}
	t := &Tab{host: h, page: page, url: target.URL}

	err = proto.EmulationSetDeviceMetricsOverride{
		Width:             h.opts.Width,
		Height:            h.opts.Height,
		DeviceScaleFactor: 1,
	}.Call(page)
	if err != nil {
		t.close()
		return nil, fmt.Errorf("browser: set viewport: %w", err)
	}
	if len(h.block) > 0 {
		t.unhij = h.block.apply(page)
	}

	timeout := target.LoadTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	nctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := page.Context(nctx).Navigate(target.URL); err != nil {
		t.close()
		return nil, fmt.Errorf("browser: navigate %s: %w", target.URL, err)
	}
	if err := page.Context(nctx).WaitLoad(); err != nil {
		h.opts.Logger.Warn("browser: page still loading", "url", target.URL, "error", err)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		t.close()
		return nil, ErrClosed
	}
	h.tabs[t] = struct{}{}
	h.mu.Unlock()
	return t, nil
}

// Close closes the tab and releases it from the host.
func (t *Tab) Close() error {
	t.host.mu.Lock()
	delete(t.host.tabs, t)
	t.host.mu.Unlock()
	return t.close()
}

func (t *Tab) close() error {
	t.once.Do(func() {
		if t.unhij != nil {
			t.unhij()
		}
		t.err = t.page.Close()
	})
	return t.err
}
