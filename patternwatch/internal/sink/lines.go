// CLAUDE:SUMMARY Writes run reports as JSON lines to a writer (stdout by default).
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/hazyhaar/phl/patternwatch/results"
)

// Lines writes one {"type":"results","data":...} line per report.
type Lines struct {
	mu sync.Mutex
	w  io.Writer
	n  int
}

// NewLines returns a Lines sink writing to w.
func NewLines(w io.Writer) *Lines { return &Lines{w: w} }

// NewStdout returns a Lines sink on os.Stdout.
func NewStdout() *Lines { return NewLines(os.Stdout) }

func (l *Lines) Send(_ context.Context, rep results.Report) error {
	line, err := json.Marshal(reportEnvelope(rep))
	if err != nil {
		return fmt.Errorf("sink: encode report %s: %w", rep.RunID, err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(line); err != nil {
		return fmt.Errorf("sink: write report %s: %w", rep.RunID, err)
	}
	l.n++
	return nil
}

// Written returns the number of reports written.
func (l *Lines) Written() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.n
}

func (l *Lines) Close() error { return nil }
