package patternwatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/hazyhaar/phl/kit"
	"github.com/hazyhaar/phl/patternwatch/engine"
	"github.com/hazyhaar/phl/patternwatch/phid"
)

// PageRequest names the page an inbound request targets.
type PageRequest struct {
	Page string `json:"page"`
}

// ShowRequest asks a page to scroll to and overlay one element.
type ShowRequest struct {
	Page string  `json:"page"`
	ID   phid.ID `json:"id"`
}

// ShowResult acknowledges a show request. Found is false when the id no
// longer resolves in the live document; the request still succeeds.
type ShowResult struct {
	Success bool `json:"success"`
	Found   bool `json:"found"`
}

// PatternInfo describes one catalog entry.
type PatternInfo struct {
	Name      string   `json:"name"`
	Class     string   `json:"class"`
	Info      string   `json:"info,omitempty"`
	InfoURL   string   `json:"info_url,omitempty"`
	Languages []string `json:"languages,omitempty"`
}

var errBadRequest = errors.New("patternwatch: bad request")

func (w *Watcher) endpoint(name string, ep kit.Endpoint) kit.Endpoint {
	return kit.Chain(kit.Logging(w.logger, name), kit.Recover())(ep)
}

func (w *Watcher) countEndpoint() kit.Endpoint {
	return w.endpoint("count", func(ctx context.Context, req any) (any, error) {
		e, err := w.Engine(req.(*PageRequest).Page)
		if err != nil {
			return nil, err
		}
		return e.PatternCount(ctx)
	})
}

func (w *Watcher) redoEndpoint() kit.Endpoint {
	return w.endpoint("redo", func(_ context.Context, req any) (any, error) {
		e, err := w.Engine(req.(*PageRequest).Page)
		if err != nil {
			return nil, err
		}
		if !e.Redo() {
			w.logger.Debug("patternwatch: redo dropped, run in flight", "page", e.PageID())
		}
		return engine.RedoAck{Started: true}, nil
	})
}

func (w *Watcher) showEndpoint() kit.Endpoint {
	return w.endpoint("show", func(ctx context.Context, req any) (any, error) {
		r := req.(*ShowRequest)
		if r.ID == 0 {
			return nil, fmt.Errorf("%w: missing element id", errBadRequest)
		}
		e, err := w.Engine(r.Page)
		if err != nil {
			return nil, err
		}
		found, err := e.ShowElement(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		return ShowResult{Success: true, Found: found}, nil
	})
}

func (w *Watcher) patterns() []PatternInfo {
	defs := w.catalog.Patterns()
	out := make([]PatternInfo, 0, len(defs))
	for _, d := range defs {
		out = append(out, PatternInfo{
			Name:      d.Name,
			Class:     w.catalog.Marker(d),
			Info:      d.Info,
			InfoURL:   d.InfoURL,
			Languages: d.Languages,
		})
	}
	return out
}
