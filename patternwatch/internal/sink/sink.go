// Package sink delivers run reports to the UI collaborators of a page.
package sink

import (
	"context"

	"github.com/hazyhaar/phl/patternwatch/results"
)

// Sink is one output backend (stdout, webhook, SQLite, WebSocket,
// in-process callback).
type Sink interface {
	Send(ctx context.Context, rep results.Report) error
	Close() error
}

// envelope frames a report on the wire, leaving room for other message
// kinds on the same stream.
type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func reportEnvelope(rep results.Report) envelope {
	return envelope{Type: "results", Data: rep}
}
