// Package patternwatch runs temporal dark-pattern detection on live
// documents: Chrome tabs driven over CDP, or HTML files reloaded on change.
//
// Each page gets an engine that snapshots the document twice, diffs the
// snapshots against a pattern catalog, tags matches on the live tree and
// pushes per-pattern results to sinks (stdout, webhook, SQLite history,
// WebSocket, in-process callback). Inbound requests reach the engines over
// HTTP, WebSocket and MCP.
package patternwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/hazyhaar/phl/patternwatch/engine"
	"github.com/hazyhaar/phl/patternwatch/internal/browser"
	"github.com/hazyhaar/phl/patternwatch/internal/cdpdoc"
	"github.com/hazyhaar/phl/patternwatch/internal/config"
	"github.com/hazyhaar/phl/patternwatch/internal/sink"
	"github.com/hazyhaar/phl/patternwatch/internal/store"
	"github.com/hazyhaar/phl/patternwatch/livedom"
	"github.com/hazyhaar/phl/patternwatch/pattern"
	"github.com/hazyhaar/phl/patternwatch/pattern/builtin"
)

// ErrUnknownPage is returned for page ids no engine runs for.
var ErrUnknownPage = errors.New("patternwatch: unknown page")

// ErrDuplicatePage is returned by AddPage when the id is already watched.
var ErrDuplicatePage = errors.New("patternwatch: page already watched")

const (
	sourceConfig = "config"
	sourceDB     = "db"
)

// Watcher is the top-level orchestrator: one engine per enabled page, a
// shared browser for tab pages, and the sink fan-out.
type Watcher struct {
	cfg     *config.Config
	catalog *pattern.Catalog
	host    *browser.Host
	router  *sink.Router
	hub     *sink.Hub
	history *store.Store
	logger  *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	pages   map[string]*page
	pagesDB *store.Store
	wg      sync.WaitGroup // engines and file watchers
	dbwg    sync.WaitGroup // pages_db sync loop
}

type page struct {
	cfg    config.PageConfig
	source string
	engine *engine.Engine
	cancel context.CancelFunc
	done   chan struct{}
	close  func() error
}

// New builds a Watcher from configuration. Sinks named in cfg are opened
// here; extra sinks receive every report as well.
func New(cfg *config.Config, logger *slog.Logger, extra ...sink.Sink) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cat, err := builtin.Catalog(cfg.Engine.ClassPrefix)
	if err != nil {
		return nil, fmt.Errorf("patternwatch: catalog: %w", err)
	}
	if cat, err = cat.Without(cfg.Engine.DisabledPatterns...); err != nil {
		return nil, fmt.Errorf("patternwatch: catalog: %w", err)
	}

	w := &Watcher{
		cfg:     cfg,
		catalog: cat,
		logger:  logger,
		pages:   make(map[string]*page),
	}
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.host = browser.NewHost(browser.Options{
		Remote:  cfg.Browser.Remote,
		Block:   cfg.Browser.ResourceBlocking,
		Mode:    browser.ParseMode(cfg.Browser.Stealth),
		Display: cfg.Browser.XvfbDisplay,
		Width:   cfg.Browser.Width,
		Height:  cfg.Browser.Height,
		Logger:  logger,
	})

	sinks, err := w.openSinks(cfg.Sinks)
	if err != nil {
		return nil, err
	}
	w.router = sink.NewRouter(logger, append(sinks, extra...)...)
	return w, nil
}

func (w *Watcher) openSinks(cfgs []config.SinkConfig) ([]sink.Sink, error) {
	var out []sink.Sink
	for _, sc := range cfgs {
		switch sc.Type {
		case "stdout":
			out = append(out, changesOnly(sc, sink.NewStdout()))
		case "webhook":
			opts := []sink.WebhookOption{sink.WithWebhookLogger(w.logger)}
			if sc.Retries != nil {
				opts = append(opts, sink.WithWebhookRetries(*sc.Retries))
			}
			out = append(out, changesOnly(sc, sink.NewWebhook(sc.URL, opts...)))
		case "sqlite":
			s, err := sink.OpenSQLite(sc.Path, sc.Keep)
			if err != nil {
				sink.NewRouter(w.logger, out...).Close()
				return nil, fmt.Errorf("patternwatch: sqlite sink: %w", err)
			}
			if w.history == nil {
				w.history = s.Store()
			}
			out = append(out, s)
		case "websocket":
			if w.hub == nil {
				w.hub = sink.NewHub(w.handleMessage, w.logger)
				out = append(out, w.hub)
			}
		default:
			return nil, fmt.Errorf("patternwatch: unknown sink type %q", sc.Type)
		}
	}
	return out, nil
}

func changesOnly(sc config.SinkConfig, s sink.Sink) sink.Sink {
	if sc.ChangesOnly {
		return sink.Changed(s)
	}
	return s
}

// Catalog returns the pattern catalog every engine matches with.
func (w *Watcher) Catalog() *pattern.Catalog { return w.catalog }

// History returns the run history of the first sqlite sink, or nil.
func (w *Watcher) History() *store.Store { return w.history }

// Start begins detection on every configured page. Pages that fail to
// open are logged and skipped. When pages_db is set, its pages are added
// and kept in sync until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	context.AfterFunc(ctx, w.cancel)
	ctx = w.ctx

	for _, pc := range w.cfg.Pages {
		if err := w.addPage(ctx, pc, sourceConfig); err != nil {
			w.logger.Error("patternwatch: failed to watch page", "id", pc.ID, "error", err)
		}
	}

	if w.cfg.PagesDB != "" {
		st, err := store.Open(w.cfg.PagesDB)
		if err != nil {
			return fmt.Errorf("patternwatch: pages db: %w", err)
		}
		w.mu.Lock()
		w.pagesDB = st
		w.mu.Unlock()
		w.dbwg.Add(1)
		go func() {
			defer w.dbwg.Done()
			st.WatchPages(ctx, store.WatchOptions{Logger: w.logger}, func(pages []store.Page) error {
				return w.syncDBPages(ctx, pages)
			})
		}()
	}
	return nil
}

// AddPage starts detection on one page.
func (w *Watcher) AddPage(ctx context.Context, pc config.PageConfig) error {
	return w.addPage(ctx, pc, sourceConfig)
}

func (w *Watcher) addPage(ctx context.Context, pc config.PageConfig, source string) error {
	if !pc.IsEnabled() {
		w.logger.Info("patternwatch: detection disabled for page", "id", pc.ID)
		return nil
	}

	w.mu.Lock()
	if _, ok := w.pages[pc.ID]; ok {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicatePage, pc.ID)
	}
	life := w.ctx
	w.mu.Unlock()

	pctx, cancel := context.WithCancel(life)
	doc, closeDoc, err := w.openDocument(ctx, pctx, pc)
	if err != nil {
		cancel()
		return err
	}

	eng, err := engine.New(doc, engine.Config{
		PageID:    pc.ID,
		PageURL:   pc.URL,
		Catalog:   w.catalog,
		Blacklist: w.cfg.Engine.Blacklist,
		Delay:     w.cfg.Engine.Delay,
		Settle:    w.cfg.Engine.Settle,
		Highlight: w.cfg.Engine.Highlight,
		Publisher: w.router,
		Logger:    w.logger,
	})
	if err != nil {
		cancel()
		closeDoc()
		return err
	}

	p := &page{cfg: pc, source: source, engine: eng, cancel: cancel, done: make(chan struct{}), close: closeDoc}
	w.mu.Lock()
	if _, ok := w.pages[pc.ID]; ok {
		w.mu.Unlock()
		cancel()
		closeDoc()
		return fmt.Errorf("%w: %s", ErrDuplicatePage, pc.ID)
	}
	w.pages[pc.ID] = p
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer close(p.done)
		if err := eng.Run(pctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("patternwatch: engine stopped", "id", pc.ID, "error", err)
		}
	}()

	w.logger.Info("patternwatch: watching page", "id", pc.ID, "url", pc.URL, "file", pc.File, "source", source)
	return nil
}

// openDocument opens the live document of pc. Work bound to the page's
// lifetime uses pctx.
func (w *Watcher) openDocument(ctx, pctx context.Context, pc config.PageConfig) (engine.Document, func() error, error) {
	if pc.File != "" {
		doc, err := livedom.LoadFile(pc.File)
		if err != nil {
			return nil, nil, fmt.Errorf("patternwatch: load %s: %w", pc.File, err)
		}
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			if err := doc.WatchFile(pctx, pc.File, w.logger); err != nil {
				w.logger.Warn("patternwatch: file watch stopped", "id", pc.ID, "error", err)
			}
		}()
		return doc, func() error { return nil }, nil
	}

	tab, err := w.host.Open(ctx, browser.Target{URL: pc.URL, Mode: browser.ParseMode(pc.Stealth)})
	if err != nil {
		return nil, nil, fmt.Errorf("patternwatch: open tab: %w", err)
	}
	doc, err := cdpdoc.New(pctx, tab.Page(), cdpdoc.Options{
		OverlayClass: w.catalog.OverlayClass(),
		Logger:       w.logger.With("page", pc.ID),
	})
	if err != nil {
		tab.Close()
		return nil, nil, err
	}
	return doc, func() error {
		return errors.Join(doc.Close(), tab.Close())
	}, nil
}

// RemovePage stops detection on a page and closes its document.
func (w *Watcher) RemovePage(id string) error {
	w.mu.Lock()
	p, ok := w.pages[id]
	if ok {
		delete(w.pages, id)
	}
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPage, id)
	}
	p.cancel()
	<-p.done
	p.engine.Wait()
	w.logger.Info("patternwatch: stopped page", "id", id)
	return p.close()
}

// syncDBPages reconciles the pages that came from pages_db with rows.
// Config pages win on an id collision.
func (w *Watcher) syncDBPages(ctx context.Context, rows []store.Page) error {
	want := make(map[string]config.PageConfig, len(rows))
	for _, r := range rows {
		enabled := r.Enabled
		want[r.ID] = config.PageConfig{ID: r.ID, URL: r.URL, File: r.File, Stealth: r.Stealth, Enabled: &enabled}
	}

	w.mu.Lock()
	var drop []string
	for id, p := range w.pages {
		if p.source != sourceDB {
			delete(want, id)
			continue
		}
		if pc, ok := want[id]; !ok || !samePage(pc, p.cfg) {
			drop = append(drop, id)
		} else {
			delete(want, id)
		}
	}
	w.mu.Unlock()

	var errs []error
	for _, id := range drop {
		if err := w.RemovePage(id); err != nil {
			errs = append(errs, err)
		}
	}
	for _, pc := range want {
		if pc.Stealth == "" {
			pc.Stealth = w.cfg.Browser.Stealth
		}
		if err := w.addPage(ctx, pc, sourceDB); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func samePage(a, b config.PageConfig) bool {
	return a.ID == b.ID && a.URL == b.URL && a.File == b.File &&
		a.Stealth == b.Stealth && a.IsEnabled() == b.IsEnabled()
}

// Engine returns the engine of a page.
func (w *Watcher) Engine(id string) (*engine.Engine, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.pages[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPage, id)
	}
	return p.engine, nil
}

// PageInfo describes a watched page.
type PageInfo struct {
	ID      string `json:"id"`
	URL     string `json:"url,omitempty"`
	File    string `json:"file,omitempty"`
	Source  string `json:"source"`
	State   string `json:"state"`
	Runs    uint64 `json:"runs"`
	Count   *int   `json:"count,omitempty"`
	Visible *int   `json:"count_visible,omitempty"`
}

// Pages lists the watched pages ordered by id.
func (w *Watcher) Pages() []PageInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]PageInfo, 0, len(w.pages))
	for id, p := range w.pages {
		info := PageInfo{
			ID:     id,
			URL:    p.cfg.URL,
			File:   p.cfg.File,
			Source: p.source,
			State:  p.engine.State().String(),
			Runs:   p.engine.Runs(),
		}
		if rep, ok := p.engine.LastReport(); ok {
			info.Count = &rep.Results.Count
			info.Visible = &rep.Results.CountVisible
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stop stops every engine, then closes sinks, the browser and the pages
// database.
func (w *Watcher) Stop() {
	w.mu.Lock()
	w.cancel()
	w.mu.Unlock()
	w.dbwg.Wait()

	w.mu.Lock()
	ids := make([]string, 0, len(w.pages))
	for id := range w.pages {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		if err := w.RemovePage(id); err != nil && !errors.Is(err, ErrUnknownPage) {
			w.logger.Warn("patternwatch: close page failed", "id", id, "error", err)
		}
	}

	w.wg.Wait()
	w.mu.Lock()
	pdb := w.pagesDB
	w.pagesDB = nil
	w.mu.Unlock()
	if pdb != nil {
		pdb.Close()
	}
	w.router.Close()
	w.host.Close()
}

func (w *Watcher) handleMessage(ctx context.Context, pageID string, payload []byte) ([]byte, error) {
	e, err := w.Engine(pageID)
	if err != nil {
		return nil, err
	}
	return e.Handle(ctx, payload)
}
