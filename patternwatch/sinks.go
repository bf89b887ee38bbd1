package patternwatch

import (
	"context"

	"github.com/hazyhaar/phl/patternwatch/internal/sink"
	"github.com/hazyhaar/phl/patternwatch/results"
)

// Sink is the output interface for run reports. Sinks named in the
// configuration are opened by New; pass extra ones to New directly.
type Sink = sink.Sink

// NewCallbackSink delivers reports in-process, without serialisation.
func NewCallbackSink(fn func(ctx context.Context, rep results.Report) error) Sink {
	return sink.NewCallback(fn)
}
