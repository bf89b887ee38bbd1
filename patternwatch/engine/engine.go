// CLAUDE:SUMMARY Detection engine: two-snapshot pipeline, live tagging, results push, inbound message protocol.
// Package engine wires the detection pipeline for one live document:
// stamp, snapshot, wait, snapshot, match, tag, aggregate, publish.
//
// An Engine owns its identity counter, run lock and highlighter. Several
// engines can run in one process, one per document.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/net/html"

	"github.com/hazyhaar/phl/idgen"
	"github.com/hazyhaar/phl/patternwatch/highlight"
	"github.com/hazyhaar/phl/patternwatch/match"
	"github.com/hazyhaar/phl/patternwatch/pattern"
	"github.com/hazyhaar/phl/patternwatch/phid"
	"github.com/hazyhaar/phl/patternwatch/results"
	"github.com/hazyhaar/phl/patternwatch/scheduler"
	"github.com/hazyhaar/phl/patternwatch/snapshot"
)

// Document is a live tree the engine can drive.
type Document interface {
	match.Tagger
	results.Source
	highlight.Surface
	scheduler.Notifier

	// Stamp assigns identities to unstamped elements under the root.
	Stamp(ctx context.Context, c *phid.Counter) (int, error)
	// Capture returns a detached copy of the root.
	Capture(ctx context.Context) (*html.Node, error)
	// ClearTags removes every class starting with prefix.
	ClearTags(ctx context.Context, prefix string) error
}

// Publisher receives a report after every completed run.
type Publisher interface {
	Send(ctx context.Context, r results.Report) error
}

// Config configures an Engine. Catalog is required.
type Config struct {
	PageID  string
	PageURL string

	Catalog   *pattern.Catalog
	Blacklist []string // nil selects snapshot.DefaultBlacklist

	Delay     time.Duration // between snapshots
	Settle    time.Duration // before change-triggered runs
	Highlight time.Duration // overlay lifetime

	Publisher Publisher
	RunID     idgen.Generator
	Logger    *slog.Logger
}

// Engine runs detection on one Document.
type Engine struct {
	doc     Document
	cfg     Config
	logger  *slog.Logger
	counter phid.Counter
	matcher *match.Matcher
	sched   *scheduler.Scheduler
	hl      *highlight.Highlighter

	mu       sync.Mutex
	life     context.Context
	runStart time.Time
	outcome  match.Outcome
	last     *results.Report
}

// New validates cfg and returns an idle engine.
func New(doc Document, cfg Config) (*Engine, error) {
	if doc == nil {
		return nil, errors.New("engine: nil document")
	}
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("engine: %w: no catalog", pattern.ErrInvalidCatalog)
	}
	if cfg.Blacklist == nil {
		cfg.Blacklist = snapshot.DefaultBlacklist
	}
	if cfg.RunID == nil {
		cfg.RunID = idgen.RunID
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("page", cfg.PageID)

	e := &Engine{
		doc:     doc,
		cfg:     cfg,
		logger:  logger,
		matcher: match.New(cfg.Catalog, logger),
		hl:      highlight.New(doc, cfg.Highlight, logger),
		life:    context.Background(),
	}
	e.sched = scheduler.New(e, doc, scheduler.Config{Delay: cfg.Delay, Settle: cfg.Settle}, logger)
	return e, nil
}

// PageID returns the configured page id.
func (e *Engine) PageID() string { return e.cfg.PageID }

// Catalog returns the catalog the engine matches with.
func (e *Engine) Catalog() *pattern.Catalog { return e.cfg.Catalog }

// State returns the scheduler state.
func (e *Engine) State() scheduler.State { return e.sched.State() }

// Runs returns the number of completed runs.
func (e *Engine) Runs() uint64 { return e.sched.Runs() }

// LastReport returns the report of the last completed run.
func (e *Engine) LastReport() (results.Report, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return results.Report{}, false
	}
	return *e.last, true
}

// Run performs an initial run, then reacts to document changes until ctx
// is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	e.life = ctx
	e.mu.Unlock()
	e.logger.Info("engine: started", "patterns", e.cfg.Catalog.Len(), "url", e.cfg.PageURL)
	return e.sched.Run(ctx)
}

// RunOnce runs one full cycle synchronously. started is false if a run was
// already in flight.
func (e *Engine) RunOnce(ctx context.Context) (started bool, err error) {
	return e.sched.RunOnce(ctx, scheduler.Redo)
}

// Capture stamps new elements and returns a pruned snapshot of the document.
func (e *Engine) Capture(ctx context.Context) (*snapshot.Tree, error) {
	if e.sched.State() == scheduler.SnapshotA {
		e.mu.Lock()
		e.runStart = time.Now()
		e.mu.Unlock()
	}
	if _, err := e.doc.Stamp(ctx, &e.counter); err != nil {
		return nil, fmt.Errorf("engine: stamp: %w", err)
	}
	root, err := e.doc.Capture(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: capture: %w", err)
	}
	t := snapshot.Build(root)
	t.Prune(e.cfg.Blacklist)
	return t, nil
}

// Diff clears the tags of the previous run, then matches current against
// previous and tags the live document.
func (e *Engine) Diff(ctx context.Context, current, previous *snapshot.Tree) error {
	if err := e.Reset(ctx); err != nil {
		return err
	}
	out, err := e.matcher.Run(ctx, current, previous, e.doc)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.outcome = out
	e.mu.Unlock()
	return nil
}

// Reset removes every marker the engine wrote.
func (e *Engine) Reset(ctx context.Context) error {
	if err := e.doc.ClearTags(ctx, e.cfg.Catalog.Prefix()); err != nil {
		return fmt.Errorf("engine: reset: %w", err)
	}
	return nil
}

// Report aggregates the tagged elements and publishes the result.
func (e *Engine) Report(ctx context.Context) error {
	res, err := results.Aggregate(ctx, e.cfg.Catalog, e.doc)
	if err != nil {
		return err
	}

	e.mu.Lock()
	started := e.runStart
	rep := results.Report{
		RunID:     e.cfg.RunID(),
		PageID:    e.cfg.PageID,
		PageURL:   e.cfg.PageURL,
		Results:   res,
		Matches:   len(e.outcome.Matches),
		Faults:    e.outcome.Faults,
		StartedAt: started,
		Duration:  time.Since(started),
	}
	e.last = &rep
	e.mu.Unlock()

	e.logger.Info("engine: patterns found",
		"visible", res.CountVisible, "total", res.Count, "run_id", rep.RunID)
	if rep.Faults > 0 {
		e.logger.Warn("engine: predicate faults during run", "faults", rep.Faults)
	}

	if e.cfg.Publisher != nil {
		if err := e.cfg.Publisher.Send(ctx, rep); err != nil {
			return fmt.Errorf("engine: publish: %w", err)
		}
	}
	return nil
}

// PatternCount aggregates the current tagging state of the document.
func (e *Engine) PatternCount(ctx context.Context) (results.Results, error) {
	return results.Aggregate(ctx, e.cfg.Catalog, e.doc)
}

// Redo starts a run immediately, without the settle delay. It returns false
// when a run is already in flight.
func (e *Engine) Redo() bool {
	e.mu.Lock()
	ctx := e.life
	e.mu.Unlock()
	return e.sched.Trigger(ctx, scheduler.Redo)
}

// Wait blocks until runs started by Redo have finished.
func (e *Engine) Wait() { e.sched.Wait() }

// ShowElement scrolls to the element carrying id and overlays it. found is
// false when the identity no longer resolves.
func (e *Engine) ShowElement(ctx context.Context, id phid.ID) (found bool, err error) {
	return e.hl.Highlight(ctx, id)
}
