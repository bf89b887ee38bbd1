package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/phl/dbopen"
	"github.com/hazyhaar/phl/patternwatch/phid"
	"github.com/hazyhaar/phl/patternwatch/results"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	return New(dbopen.OpenMemory(t, dbopen.WithSchema(Schema)))
}

func report(runID, page string, started time.Time, visible, hidden []phid.ID) results.Report {
	return results.Report{
		RunID:  runID,
		PageID: page,
		Results: results.Results{
			Patterns: []results.PatternResult{
				{Name: "Countdown", ElementsVisible: visible, ElementsHidden: hidden},
				{Name: "Scarcity"},
			},
			CountVisible: len(visible),
			Count:        len(visible) + len(hidden),
		},
		Matches:   len(visible) + len(hidden),
		StartedAt: started,
		Duration:  1600 * time.Millisecond,
	}
}

func TestSave_ReportRoundTrip(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	at := time.Unix(1700000000, 0)
	in := report("run_1", "shop", at, []phid.ID{2, 7}, []phid.ID{9})
	if err := s.Save(ctx, in); err != nil {
		t.Fatal(err)
	}

	got, err := s.Report(ctx, "run_1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Results.Count != 3 || got.Results.CountVisible != 2 || len(got.Results.Patterns) != 2 {
		t.Fatalf("results: %+v", got.Results)
	}
	cd := got.Results.Patterns[0]
	if cd.Name != "Countdown" || len(cd.ElementsVisible) != 2 || cd.ElementsHidden[0] != 9 {
		t.Errorf("countdown: %+v", cd)
	}
	if !got.StartedAt.Equal(at) || got.Duration != 1600*time.Millisecond {
		t.Errorf("timing: %v %v", got.StartedAt, got.Duration)
	}

	if _, err := s.Report(ctx, "run_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing run: got %v, want ErrNotFound", err)
	}
}

func TestSave_DuplicateRunRejected(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	rep := report("run_1", "shop", time.Now(), []phid.ID{1}, nil)
	if err := s.Save(ctx, rep); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, rep); err == nil {
		t.Fatal("duplicate run id accepted")
	}
	totals, _ := s.Totals(ctx, "shop")
	if totals["Countdown"] != 1 {
		t.Errorf("failed save left elements behind: %v", totals)
	}
}

func TestRecent_NewestFirstPerPage(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)
	for i, id := range []string{"run_a", "run_b", "run_c"} {
		if err := s.Save(ctx, report(id, "shop", base.Add(time.Duration(i)*time.Minute), []phid.ID{1}, nil)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Save(ctx, report("run_x", "news", base, nil, nil)); err != nil {
		t.Fatal(err)
	}

	runs, err := s.Recent(ctx, "shop", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].RunID != "run_c" || runs[1].RunID != "run_b" {
		t.Fatalf("recent: %+v", runs)
	}
	if runs[0].Count != 1 || runs[0].CountVisible != 1 {
		t.Errorf("counts: %+v", runs[0])
	}
}

func TestTotalsAndTrim(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)
	for i, id := range []string{"run_a", "run_b", "run_c"} {
		if err := s.Save(ctx, report(id, "shop", base.Add(time.Duration(i)*time.Minute), []phid.ID{1, 2}, nil)); err != nil {
			t.Fatal(err)
		}
	}
	totals, err := s.Totals(ctx, "shop")
	if err != nil {
		t.Fatal(err)
	}
	if totals["Countdown"] != 6 {
		t.Errorf("totals before trim: %v", totals)
	}

	n, err := s.Trim(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("trimmed %d runs, want 2", n)
	}
	totals, _ = s.Totals(ctx, "shop")
	if totals["Countdown"] != 2 {
		t.Errorf("elements not cascaded: %v", totals)
	}
	runs, _ := s.Recent(ctx, "shop", 10)
	if len(runs) != 1 || runs[0].RunID != "run_c" {
		t.Errorf("kept: %+v", runs)
	}
}

func TestPages_UpsertAndDelete(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	if err := s.UpsertPage(ctx, Page{ID: "b", URL: "https://b.example", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertPage(ctx, Page{ID: "a", File: "a.html"}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertPage(ctx, Page{ID: "b", URL: "https://b2.example", Stealth: "plain", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	pages, err := s.Pages(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pages) != 2 || pages[0].ID != "a" || pages[0].Enabled || pages[1].URL != "https://b2.example" {
		t.Fatalf("pages: %+v", pages)
	}
	if err := s.DeletePage(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if pages, _ := s.Pages(ctx); len(pages) != 1 {
		t.Errorf("after delete: %+v", pages)
	}
}

func TestWatchPages_ReloadsOnChange(t *testing.T) {
	s := openTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var seen []int
	done := make(chan error, 1)
	go func() {
		done <- s.WatchPages(ctx, WatchOptions{Interval: 10 * time.Millisecond}, func(p []Page) error {
			mu.Lock()
			seen = append(seen, len(p))
			mu.Unlock()
			return nil
		})
	}()

	waitLen := func(n int) {
		t.Helper()
		deadline := time.Now().Add(3 * time.Second)
		for {
			mu.Lock()
			got := len(seen)
			mu.Unlock()
			if got >= n {
				return
			}
			if time.Now().After(deadline) {
				t.Fatalf("reloads: got %d, want %d", got, n)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}

	waitLen(1)
	if err := s.UpsertPage(context.Background(), Page{ID: "p", URL: "https://p.example", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	waitLen(2)

	cancel()
	if err := <-done; err != nil {
		t.Errorf("WatchPages: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if seen[0] != 0 || seen[1] != 1 {
		t.Errorf("page counts per reload: %v", seen)
	}
}
