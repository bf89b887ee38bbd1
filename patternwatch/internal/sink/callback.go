// CLAUDE:SUMMARY In-process callback sink delivering reports via a Go function call.
package sink

import (
	"context"
	"fmt"

	"github.com/hazyhaar/phl/patternwatch/results"
)

// ReportFunc receives each report in-process.
type ReportFunc func(ctx context.Context, rep results.Report) error

// Callback hands reports to an embedding program without serialisation. A
// panic in the function is returned as an error.
type Callback struct {
	fn ReportFunc
}

// NewCallback creates a Callback sink. fn may be nil.
func NewCallback(fn ReportFunc) *Callback { return &Callback{fn: fn} }

func (c *Callback) Send(ctx context.Context, rep results.Report) (err error) {
	if c.fn == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink: callback panicked on %s: %v", rep.RunID, r)
		}
	}()
	return c.fn(ctx, rep)
}

func (c *Callback) Close() error { return nil }
