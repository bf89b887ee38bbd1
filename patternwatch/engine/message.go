package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hazyhaar/phl/patternwatch/phid"
)

// ErrUnknownMessage is returned by Handle for payloads it cannot dispatch.
var ErrUnknownMessage = errors.New("engine: unknown message")

// Actions understood by Handle.
const (
	ActionPatternCount = "getPatternCount"
	ActionRedo         = "redoPatternHighlighting"
)

// Message is an inbound request. Exactly one of Action or ShowElement is
// set.
type Message struct {
	Action      string   `json:"action,omitempty"`
	ShowElement *phid.ID `json:"showElement,omitempty"`
}

// RedoAck acknowledges a redo request.
type RedoAck struct {
	Started bool `json:"started"`
}

// ShowAck acknowledges a show request.
type ShowAck struct {
	Success bool `json:"success"`
}

// Handle dispatches one JSON message and returns the JSON response:
//
//	{"action":"getPatternCount"}          -> Results
//	{"action":"redoPatternHighlighting"}  -> {"started":true}
//	{"showElement":12}                    -> {"success":true}
//
// Redo and show are acknowledged even when the run was dropped or the
// element no longer exists.
func (e *Engine) Handle(ctx context.Context, payload []byte) ([]byte, error) {
	var msg Message
	dec := json.NewDecoder(bytes.NewReader(payload))
	if err := dec.Decode(&msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownMessage, err)
	}

	switch {
	case msg.Action == ActionPatternCount:
		res, err := e.PatternCount(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)

	case msg.Action == ActionRedo:
		if !e.Redo() {
			e.logger.Debug("engine: redo dropped, run in flight")
		}
		return json.Marshal(RedoAck{Started: true})

	case msg.ShowElement != nil:
		if _, err := e.ShowElement(ctx, *msg.ShowElement); err != nil {
			return nil, err
		}
		return json.Marshal(ShowAck{Success: true})
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, bytes.TrimSpace(payload))
}
