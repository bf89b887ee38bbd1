package patternwatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/phl/idgen"
	"github.com/hazyhaar/phl/kit"
	"github.com/hazyhaar/phl/patternwatch/engine"
	"github.com/hazyhaar/phl/patternwatch/internal/store"
)

const maxMessageBytes = 64 << 10

// Routes returns the HTTP API:
//
//	GET  /pages                  watched pages
//	GET  /patterns               the catalog
//	GET  /pages/{id}/count       current results
//	POST /pages/{id}/redo        immediate run
//	POST /pages/{id}/show        {"id":N}
//	POST /pages/{id}/message     raw message protocol
//	GET  /pages/{id}/runs        run history (sqlite sink)
//	GET  /runs/{run}             one stored report
//	GET  /ws                     results push (websocket sink)
//
// With mcp.enabled, the MCP tools are served at mcp.path.
func (w *Watcher) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	count, redo, show := w.countEndpoint(), w.redoEndpoint(), w.showEndpoint()

	r.Get("/health", func(rw http.ResponseWriter, _ *http.Request) {
		writeJSON(rw, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/pages", func(rw http.ResponseWriter, _ *http.Request) {
		writeJSON(rw, http.StatusOK, w.Pages())
	})
	r.Get("/patterns", func(rw http.ResponseWriter, _ *http.Request) {
		writeJSON(rw, http.StatusOK, w.patterns())
	})

	r.Route("/pages/{id}", func(r chi.Router) {
		r.Get("/count", func(rw http.ResponseWriter, req *http.Request) {
			serve(rw, req, count, &PageRequest{Page: chi.URLParam(req, "id")})
		})
		r.Post("/redo", func(rw http.ResponseWriter, req *http.Request) {
			serve(rw, req, redo, &PageRequest{Page: chi.URLParam(req, "id")})
		})
		r.Post("/show", func(rw http.ResponseWriter, req *http.Request) {
			var body ShowRequest
			if err := json.NewDecoder(io.LimitReader(req.Body, maxMessageBytes)).Decode(&body); err != nil {
				writeError(rw, http.StatusBadRequest, err)
				return
			}
			body.Page = chi.URLParam(req, "id")
			serve(rw, req, show, &body)
		})
		r.Post("/message", func(rw http.ResponseWriter, req *http.Request) {
			payload, err := io.ReadAll(io.LimitReader(req.Body, maxMessageBytes))
			if err != nil {
				writeError(rw, http.StatusBadRequest, err)
				return
			}
			out, err := w.handleMessage(req.Context(), chi.URLParam(req, "id"), payload)
			if err != nil {
				writeError(rw, statusOf(err), err)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			rw.Write(out)
		})
		r.Get("/runs", w.handleRuns)
	})
	r.Get("/runs/{run}", w.handleRun)

	if w.hub != nil {
		r.Handle("/ws", w.hub)
	}
	if w.cfg.MCP.Enabled {
		srv := mcp.NewServer(&mcp.Implementation{Name: "patternwatch", Version: "0.1.0"}, nil)
		w.RegisterMCP(srv)
		r.Handle(w.cfg.MCP.Path, mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return srv }, nil))
	}
	return r
}

func (w *Watcher) handleRuns(rw http.ResponseWriter, req *http.Request) {
	if w.history == nil {
		writeError(rw, http.StatusNotFound, errors.New("no run history configured"))
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	runs, err := w.history.Recent(req.Context(), chi.URLParam(req, "id"), limit)
	if err != nil {
		writeError(rw, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	writeJSON(rw, http.StatusOK, runs)
}

func (w *Watcher) handleRun(rw http.ResponseWriter, req *http.Request) {
	if w.history == nil {
		writeError(rw, http.StatusNotFound, errors.New("no run history configured"))
		return
	}
	id := chi.URLParam(req, "run")
	if _, ok := idgen.RunTime(id); !ok {
		writeError(rw, http.StatusBadRequest, fmt.Errorf("%w: malformed run id %q", errBadRequest, id))
		return
	}
	rep, err := w.history.Report(req.Context(), id)
	if err != nil {
		writeError(rw, statusOf(err), err)
		return
	}
	writeJSON(rw, http.StatusOK, rep)
}

func serve(rw http.ResponseWriter, req *http.Request, ep kit.Endpoint, in any) {
	ctx := kit.WithMeta(req.Context(), kit.Meta{Transport: "http", RequestID: middleware.GetReqID(req.Context())})
	resp, err := ep(ctx, in)
	if err != nil {
		writeError(rw, statusOf(err), err)
		return
	}
	writeJSON(rw, http.StatusOK, resp)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, ErrUnknownPage), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrUnknownMessage), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
