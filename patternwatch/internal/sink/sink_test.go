package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hazyhaar/phl/dbopen"
	"github.com/hazyhaar/phl/patternwatch/internal/store"
	"github.com/hazyhaar/phl/patternwatch/phid"
	"github.com/hazyhaar/phl/patternwatch/results"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func sample(runID, page string) results.Report {
	return results.Report{
		RunID:  runID,
		PageID: page,
		Results: results.Results{
			Patterns:     []results.PatternResult{{Name: "Countdown", ElementsVisible: []phid.ID{4}}},
			CountVisible: 1,
			Count:        1,
		},
		Matches:   1,
		StartedAt: time.Unix(1700000000, 0),
	}
}

func TestStdout_JSONLines(t *testing.T) {
	var buf bytes.Buffer
	s := NewLines(&buf)
	ctx := context.Background()
	s.Send(ctx, sample("run_1", "p"))
	s.Send(ctx, sample("run_2", "p"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines: %q", buf.String())
	}
	var env struct {
		Type string         `json:"type"`
		Data results.Report `json:"data"`
	}
	if err := json.Unmarshal([]byte(lines[1]), &env); err != nil {
		t.Fatal(err)
	}
	if env.Type != "results" || env.Data.RunID != "run_2" || env.Data.Results.Count != 1 {
		t.Errorf("envelope: %+v", env)
	}
	if s.Written() != 2 {
		t.Errorf("written: %d", s.Written())
	}
}

func TestWebhook_RetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" || r.Header.Get("X-Patternwatch-Run") != "run_1" {
			t.Errorf("headers: %v", r.Header)
		}
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, WithWebhookBackoff(time.Millisecond), WithWebhookLogger(quiet()))
	if err := w.Send(context.Background(), sample("run_1", "p")); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls: got %d, want 3", calls.Load())
	}
}

func TestWebhook_GivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, WithWebhookRetries(1), WithWebhookBackoff(time.Millisecond), WithWebhookLogger(quiet()))
	err := w.Send(context.Background(), sample("run_1", "p"))
	if err == nil || !strings.Contains(err.Error(), "status 500") || !strings.Contains(err.Error(), "2 attempt(s)") {
		t.Fatalf("got %v", err)
	}
}

func TestWebhook_ClientErrorIsFinal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, WithWebhookBackoff(time.Millisecond), WithWebhookLogger(quiet()))
	if err := w.Send(context.Background(), sample("run_1", "p")); err == nil {
		t.Fatal("400 accepted")
	}
	if calls.Load() != 1 {
		t.Errorf("calls: got %d, want 1", calls.Load())
	}
}

type failing struct{ err error }

func (f failing) Send(context.Context, results.Report) error { return f.err }
func (f failing) Close() error                                { return nil }

func TestRouter_FanOutDespiteFailure(t *testing.T) {
	boom := errors.New("boom")
	var got []string
	cb := NewCallback(func(_ context.Context, r results.Report) error {
		got = append(got, r.RunID)
		return nil
	})
	second := errors.New("second")
	r := NewRouter(quiet(), failing{boom}, cb, failing{second})
	err := r.Send(context.Background(), sample("run_1", "p"))
	if !errors.Is(err, boom) || !errors.Is(err, second) {
		t.Fatalf("got %v, want both failures", err)
	}
	if len(got) != 1 || got[0] != "run_1" {
		t.Errorf("callback: %v", got)
	}
	if err := r.Close(); err != nil {
		t.Error(err)
	}
}

func TestCallback_Nil(t *testing.T) {
	if err := NewCallback(nil).Send(context.Background(), sample("run_1", "p")); err != nil {
		t.Fatal(err)
	}
}

func TestCallback_Panic(t *testing.T) {
	cb := NewCallback(func(context.Context, results.Report) error { panic("oops") })
	err := cb.Send(context.Background(), sample("run_1", "p"))
	if err == nil || !strings.Contains(err.Error(), "oops") {
		t.Fatalf("got %v", err)
	}
}

func TestChanged_SkipsRepeats(t *testing.T) {
	var buf bytes.Buffer
	lines := NewLines(&buf)
	s := Changed(lines)
	ctx := context.Background()

	s.Send(ctx, sample("run_1", "a"))
	s.Send(ctx, sample("run_2", "a"))
	s.Send(ctx, sample("run_3", "b"))
	moved := sample("run_4", "a")
	moved.Results.Patterns[0].ElementsVisible = []phid.ID{5}
	s.Send(ctx, moved)

	if lines.Written() != 3 {
		t.Fatalf("written: got %d, want 3\n%s", lines.Written(), buf.String())
	}
	if strings.Contains(buf.String(), "run_2") {
		t.Error("unchanged report forwarded")
	}
}

func TestChanged_RetriesAfterFailure(t *testing.T) {
	f := &flaky{fail: 1}
	s := Changed(f)
	ctx := context.Background()
	if err := s.Send(ctx, sample("run_1", "a")); err == nil {
		t.Fatal("first send succeeded")
	}
	if err := s.Send(ctx, sample("run_2", "a")); err != nil {
		t.Fatal(err)
	}
	if f.sent != 1 {
		t.Errorf("sent: %d", f.sent)
	}
}

type flaky struct{ fail, sent int }

func (f *flaky) Send(context.Context, results.Report) error {
	if f.fail > 0 {
		f.fail--
		return errors.New("down")
	}
	f.sent++
	return nil
}
func (f *flaky) Close() error { return nil }

func TestSQLite_SaveAndTrim(t *testing.T) {
	st := store.New(dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema)))
	s := NewSQLite(st, 2)
	ctx := context.Background()
	for i, id := range []string{"run_1", "run_2", "run_3"} {
		rep := sample(id, "p")
		rep.StartedAt = rep.StartedAt.Add(time.Duration(i) * time.Second)
		if err := s.Send(ctx, rep); err != nil {
			t.Fatal(err)
		}
	}
	runs, err := st.Recent(ctx, "p", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].RunID != "run_3" {
		t.Errorf("runs: %+v", runs)
	}
	if err := s.Close(); err != nil {
		t.Error(err)
	}
	if _, err := st.Recent(ctx, "p", 1); err != nil {
		t.Errorf("store closed by a non-owning sink: %v", err)
	}
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for h.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients: got %d, want %d", h.Clients(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_PushFilteredByPage(t *testing.T) {
	h := NewHub(nil, quiet())
	srv := httptest.NewServer(h)
	defer srv.Close()

	all := dial(t, srv, "")
	shop := dial(t, srv, "?page=shop")
	waitClients(t, h, 2)

	ctx := context.Background()
	h.Send(ctx, sample("run_news", "news"))
	h.Send(ctx, sample("run_shop", "shop"))

	read := func(c *websocket.Conn) string {
		t.Helper()
		c.SetReadDeadline(time.Now().Add(3 * time.Second))
		var env struct {
			Data results.Report `json:"data"`
		}
		if err := c.ReadJSON(&env); err != nil {
			t.Fatalf("read: %v", err)
		}
		return env.Data.RunID
	}
	if a, b := read(all), read(all); a != "run_news" || b != "run_shop" {
		t.Errorf("unfiltered: %s %s", a, b)
	}
	if got := read(shop); got != "run_shop" {
		t.Errorf("filtered: %s", got)
	}

	h.Close()
	waitClients(t, h, 0)
}

func TestHub_AnswersMessages(t *testing.T) {
	h := NewHub(func(_ context.Context, page string, payload []byte) ([]byte, error) {
		if string(payload) == "bad" {
			return nil, errors.New("unknown message")
		}
		return []byte(`{"page":"` + page + `"}`), nil
	}, quiet())
	srv := httptest.NewServer(h)
	defer srv.Close()

	c := dial(t, srv, "?page=shop")
	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	if err := c.WriteMessage(websocket.TextMessage, []byte(`{"action":"getPatternCount"}`)); err != nil {
		t.Fatal(err)
	}
	_, msg, err := c.ReadMessage()
	if err != nil || string(msg) != `{"page":"shop"}` {
		t.Fatalf("reply: %s %v", msg, err)
	}

	c.WriteMessage(websocket.TextMessage, []byte("bad"))
	_, msg, err = c.ReadMessage()
	if err != nil || !strings.Contains(string(msg), "unknown message") {
		t.Fatalf("error reply: %s %v", msg, err)
	}
}
