package patternwatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/phl/idgen"
	"github.com/hazyhaar/phl/patternwatch/internal/store"
	"github.com/hazyhaar/phl/patternwatch/results"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type reports struct {
	mu   sync.Mutex
	list []results.Report
}

func (r *reports) send(_ context.Context, rep results.Report) error {
	r.mu.Lock()
	r.list = append(r.list, rep)
	r.mu.Unlock()
	return nil
}

func (r *reports) last() (results.Report, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) == 0 {
		return results.Report{}, false
	}
	return r.list[len(r.list)-1], true
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func writePage(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("<html><body>"+body+"</body></html>"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// startWatcher runs a Watcher over file pages with fast timings.
func startWatcher(t *testing.T, yaml string) (*Watcher, *reports) {
	t.Helper()
	if !strings.Contains(yaml, "sinks:") {
		yaml += "sinks:\n  - type: websocket\n"
	}
	cfg, err := ParseConfig([]byte(yaml + `
engine:
  delay: 5ms
  settle: 5ms
  highlight: 1m
`))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	got := &reports{}
	w, err := New(cfg, quiet(), NewCallbackSink(got.send))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		w.Stop()
	})
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return w, got
}

func TestWatcher_FilePageDetects(t *testing.T) {
	dir := t.TempDir()
	path := writePage(t, dir, "shop.html", `<p>Only 3 items available</p>`)
	w, got := startWatcher(t, `
pages:
  - id: shop
    file: `+path+`
  - id: off
    file: `+path+`
    enabled: false
sinks:
  - type: sqlite
    path: `+filepath.Join(dir, "h.db")+`
`)

	waitFor(t, "first report", func() bool {
		rep, ok := got.last()
		return ok && rep.Results.Count == 1
	})
	rep, _ := got.last()
	if rep.PageID != "shop" || rep.Results.Patterns[1].Name != "Scarcity" || len(rep.Results.Patterns[1].ElementsVisible) != 1 {
		t.Errorf("report: %+v", rep)
	}

	pages := w.Pages()
	if len(pages) != 1 || pages[0].ID != "shop" || pages[0].Source != "config" {
		t.Fatalf("pages: %+v", pages)
	}
	if _, err := w.Engine("off"); !errors.Is(err, ErrUnknownPage) {
		t.Errorf("disabled page has an engine: %v", err)
	}

	runs, err := w.History().Recent(context.Background(), "shop", 5)
	if err != nil || len(runs) == 0 {
		t.Fatalf("history: %v %v", runs, err)
	}
}

func TestWatcher_FileEditTriggersRun(t *testing.T) {
	dir := t.TempDir()
	path := writePage(t, dir, "news.html", `<p>Welcome</p>`)
	w, got := startWatcher(t, `
pages:
  - id: news
    file: `+path+`
`)
	waitFor(t, "initial run", func() bool {
		_, ok := got.last()
		return ok && w.Pages()[0].State == "idle"
	})

	writePage(t, dir, "news.html", `<p>Last item in stock!</p>`)
	waitFor(t, "run after edit", func() bool {
		rep, ok := got.last()
		return ok && rep.Results.Count == 1
	})
}

func TestWatcher_DuplicateAndRemove(t *testing.T) {
	dir := t.TempDir()
	path := writePage(t, dir, "a.html", `<p>x</p>`)
	w, _ := startWatcher(t, `
pages:
  - id: a
    file: `+path+`
`)
	err := w.AddPage(context.Background(), PageConfig{ID: "a", File: path})
	if !errors.Is(err, ErrDuplicatePage) {
		t.Fatalf("duplicate: got %v", err)
	}
	if err := w.RemovePage("a"); err != nil {
		t.Fatal(err)
	}
	if err := w.RemovePage("a"); !errors.Is(err, ErrUnknownPage) {
		t.Errorf("second remove: got %v", err)
	}
	if len(w.Pages()) != 0 {
		t.Errorf("pages: %+v", w.Pages())
	}
}

func TestWatcher_PagesDBSync(t *testing.T) {
	dir := t.TempDir()
	path := writePage(t, dir, "db.html", `<p>Only 3 items available</p>`)
	dbPath := filepath.Join(dir, "pages.db")
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	w, got := startWatcher(t, "pages_db: "+dbPath+"\n")
	if len(w.Pages()) != 0 {
		t.Fatalf("pages before insert: %+v", w.Pages())
	}

	ctx := context.Background()
	if err := st.UpsertPage(ctx, store.Page{ID: "fromdb", File: path, Enabled: true}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "db page added", func() bool {
		_, err := w.Engine("fromdb")
		return err == nil
	})
	waitFor(t, "db page report", func() bool {
		rep, ok := got.last()
		return ok && rep.PageID == "fromdb" && rep.Results.Count == 1
	})
	if p := w.Pages(); len(p) != 1 || p[0].Source != "db" {
		t.Errorf("pages: %+v", p)
	}

	if err := st.UpsertPage(ctx, store.Page{ID: "fromdb", File: path, Enabled: false}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "db page disabled", func() bool {
		_, err := w.Engine("fromdb")
		return errors.Is(err, ErrUnknownPage)
	})
}

func TestRoutes(t *testing.T) {
	dir := t.TempDir()
	path := writePage(t, dir, "shop.html", `<p>Only 3 items available</p>`)
	w, got := startWatcher(t, `
pages:
  - id: shop
    file: `+path+`
sinks:
  - type: sqlite
    path: `+filepath.Join(dir, "h.db")+`
`)
	waitFor(t, "first report", func() bool { _, ok := got.last(); return ok })

	srv := httptest.NewServer(w.Routes())
	defer srv.Close()

	do := func(method, path, body string) (int, string) {
		t.Helper()
		req, _ := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, strings.TrimSpace(string(b))
	}

	code, body := do("GET", "/pages/shop/count", "")
	var res results.Results
	if code != 200 || json.Unmarshal([]byte(body), &res) != nil || res.Count != 1 {
		t.Fatalf("count: %d %s", code, body)
	}

	if code, body := do("POST", "/pages/shop/show", `{"id":1}`); code != 200 || body != `{"success":true,"found":true}` {
		t.Errorf("show: %d %s", code, body)
	}
	if code, body := do("POST", "/pages/shop/show", `{"id":999}`); code != 200 || body != `{"success":true,"found":false}` {
		t.Errorf("show stale: %d %s", code, body)
	}
	if code, _ := do("POST", "/pages/shop/show", `{}`); code != 400 {
		t.Errorf("show without id: %d", code)
	}
	if code, body := do("POST", "/pages/shop/redo", ""); code != 200 || body != `{"started":true}` {
		t.Errorf("redo: %d %s", code, body)
	}
	if code, body := do("POST", "/pages/shop/message", `{"action":"getPatternCount"}`); code != 200 || !strings.Contains(body, `"count":1`) {
		t.Errorf("message: %d %s", code, body)
	}
	if code, _ := do("POST", "/pages/shop/message", `{"action":"explode"}`); code != 400 {
		t.Errorf("bad message: %d", code)
	}
	if code, _ := do("GET", "/pages/nope/count", ""); code != 404 {
		t.Errorf("unknown page: %d", code)
	}

	code, body = do("GET", "/pages", "")
	if code != 200 || !strings.Contains(body, `"id":"shop"`) {
		t.Errorf("pages: %d %s", code, body)
	}
	code, body = do("GET", "/patterns", "")
	if code != 200 || !strings.Contains(body, `"class":"__ph__countdown"`) {
		t.Errorf("patterns: %d %s", code, body)
	}

	code, body = do("GET", "/pages/shop/runs?limit=1", "")
	var runs []store.Run
	if code != 200 || json.Unmarshal([]byte(body), &runs) != nil || len(runs) != 1 {
		t.Fatalf("runs: %d %s", code, body)
	}
	if code, body := do("GET", "/runs/"+runs[0].RunID, ""); code != 200 || !strings.Contains(body, `"page_id":"shop"`) {
		t.Errorf("run: %d %s", code, body)
	}
	if code, _ := do("GET", "/runs/"+idgen.RunID(), ""); code != 404 {
		t.Errorf("missing run: %d", code)
	}
	if code, _ := do("GET", "/runs/run_missing", ""); code != 400 {
		t.Errorf("malformed run id: %d", code)
	}
	if code, _ := do("GET", "/ws", ""); code != 404 {
		t.Errorf("ws without websocket sink: %d", code)
	}
}

func mcpSession(t *testing.T, w *Watcher) *mcp.ClientSession {
	t.Helper()
	impl := &mcp.Implementation{Name: "patternwatch-test", Version: "0.1.0"}
	srv := mcp.NewServer(impl, nil)
	w.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	session, err := mcp.NewClient(impl, nil).Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func callTool(t *testing.T, s *mcp.ClientSession, name string, args any) (string, bool) {
	t.Helper()
	res, err := s.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	tc, ok := res.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent", name)
	}
	return tc.Text, res.IsError
}

func TestMCP_Tools(t *testing.T) {
	dir := t.TempDir()
	path := writePage(t, dir, "shop.html", `<p>Only 3 items available</p>`)
	w, got := startWatcher(t, `
pages:
  - id: shop
    file: `+path+`
`)
	waitFor(t, "first report", func() bool { _, ok := got.last(); return ok })
	s := mcpSession(t, w)

	text, isErr := callTool(t, s, "patternwatch_count", map[string]any{"page": "shop"})
	var res results.Results
	if isErr || json.Unmarshal([]byte(text), &res) != nil || res.Count != 1 {
		t.Fatalf("count: %s", text)
	}

	if text, isErr := callTool(t, s, "patternwatch_show", map[string]any{"page": "shop", "id": 1}); isErr || text != `{"success":true,"found":true}` {
		t.Errorf("show: %s", text)
	}
	if text, isErr := callTool(t, s, "patternwatch_redo", map[string]any{"page": "shop"}); isErr || text != `{"started":true}` {
		t.Errorf("redo: %s", text)
	}
	if text, isErr := callTool(t, s, "patternwatch_pages", map[string]any{}); isErr || !strings.Contains(text, `"id":"shop"`) {
		t.Errorf("pages: %s", text)
	}
	if text, isErr := callTool(t, s, "patternwatch_count", map[string]any{"page": "nope"}); !isErr || !strings.Contains(text, "unknown page") {
		t.Errorf("unknown page: %v %s", isErr, text)
	}
}
